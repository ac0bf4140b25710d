// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"strings"
	"time"

	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"
)

// EnvVar names the environment variable [Load] reads.
const EnvVar = "TETHER_CONFIG"

// Environment represents the deployment environment.
type Environment string

const (
	Development Environment = "development"
	Production  Environment = "production"
)

// Duration is a time.Duration written as a Go duration string.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var text string
	if err := node.Decode(&text); err != nil {
		return fmt.Errorf("line %d: duration must be a string like \"1s\"", node.Line)
	}
	parsed, err := time.ParseDuration(text)
	if err != nil {
		return fmt.Errorf("line %d: %w", node.Line, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalYAML() (any, error) { return time.Duration(d).String(), nil }

// Std returns d as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config is the configuration of a tether peer and of the rendezvous
// service. A peer uses every section except Rendezvous; the rendezvous
// binary uses Rendezvous and Log.
type Config struct {
	Environment Environment `yaml:"environment"`

	Identity   IdentityConfig   `yaml:"identity"`
	Signaling  SignalingConfig  `yaml:"signaling"`
	ICE        ICEConfig        `yaml:"ice"`
	Reconnect  ReconnectConfig  `yaml:"reconnect"`
	Handshake  HandshakeConfig  `yaml:"handshake"`
	Liveness   LivenessConfig   `yaml:"liveness"`
	Quality    QualityConfig    `yaml:"quality"`
	Call       CallConfig       `yaml:"call"`
	Delivery   DeliveryConfig   `yaml:"delivery"`
	Log        LogConfig        `yaml:"log"`
	Rendezvous RendezvousConfig `yaml:"rendezvous"`

	Development *Overrides `yaml:"development,omitempty"`
	Production  *Overrides `yaml:"production,omitempty"`
}

// Overrides are the sections an environment block may replace.
type Overrides struct {
	Signaling  *SignalingConfig  `yaml:"signaling,omitempty"`
	ICE        *ICEConfig        `yaml:"ice,omitempty"`
	Log        *LogConfig        `yaml:"log,omitempty"`
	Rendezvous *RendezvousConfig `yaml:"rendezvous,omitempty"`
}

// IdentityConfig names the two sides of the pairing.
type IdentityConfig struct {
	Local  string `yaml:"local"`
	Remote string `yaml:"remote"`

	// KeyFile persists the pairing's master key between runs. Empty
	// keeps the key in memory only.
	KeyFile string `yaml:"key_file"`
}

type SignalingConfig struct {
	// URL is the rendezvous websocket, ws:// or wss://, including the
	// signal path.
	URL string `yaml:"url"`
}

type ICEConfig struct {
	Servers []ICEServer `yaml:"servers"`
}

type ICEServer struct {
	URLs       []string `yaml:"urls"`
	Username   string   `yaml:"username,omitempty"`
	Credential string   `yaml:"credential,omitempty"`
}

type ReconnectConfig struct {
	MaxAttempts int      `yaml:"max_attempts"`
	BaseDelay   Duration `yaml:"base_delay"`
	MaxDelay    Duration `yaml:"max_delay"`
}

type HandshakeConfig struct {
	Timeout Duration `yaml:"timeout"`
}

type LivenessConfig struct {
	// Interval between liveness checks while the channel is down.
	Interval Duration `yaml:"interval"`
	// DialTimeout bounds one dial attempt.
	DialTimeout Duration `yaml:"dial_timeout"`
}

type QualityConfig struct {
	Interval Duration `yaml:"interval"`
}

type CallConfig struct {
	FallbackTimeout Duration `yaml:"fallback_timeout"`
	// Compression of fallback audio chunks: none, zstd or lz4.
	Compression string `yaml:"compression"`

	// CapturePath and PlaybackPath are raw S16LE PCM streams, usually
	// FIFOs, used by fallback audio. Without them a fallback call ends
	// with device-unavailable.
	CapturePath  string `yaml:"capture_path"`
	PlaybackPath string `yaml:"playback_path"`
	SampleRate   int    `yaml:"sample_rate"`
	Channels     int    `yaml:"channels"`
}

type DeliveryConfig struct {
	// AckTypes are the envelope types acknowledged on receipt.
	AckTypes     []string `yaml:"ack_types"`
	SeenCapacity int      `yaml:"seen_capacity"`
}

type LogConfig struct {
	// Format is auto, text or json.
	Format string `yaml:"format"`
	Level  string `yaml:"level"`
}

type RendezvousConfig struct {
	Listen string `yaml:"listen"`
	// RedisURL enables cross-instance fan-out, e.g.
	// redis://localhost:6379/0. Empty runs a single instance.
	RedisURL string `yaml:"redis_url"`
	Channel  string `yaml:"channel"`
}

// Default returns the configuration every file is merged onto. It
// fills policy values only; identity and signaling must come from the
// file.
func Default() *Config {
	return &Config{
		Environment: Development,
		ICE: ICEConfig{
			Servers: []ICEServer{{URLs: []string{"stun:stun.l.google.com:19302"}}},
		},
		Reconnect: ReconnectConfig{
			MaxAttempts: 3,
			BaseDelay:   Duration(time.Second),
			MaxDelay:    Duration(8 * time.Second),
		},
		Handshake: HandshakeConfig{Timeout: Duration(10 * time.Second)},
		Liveness: LivenessConfig{
			Interval:    Duration(5 * time.Second),
			DialTimeout: Duration(15 * time.Second),
		},
		Quality: QualityConfig{Interval: Duration(3 * time.Second)},
		Call: CallConfig{
			FallbackTimeout: Duration(6 * time.Second),
			Compression:     "zstd",
			SampleRate:      16000,
			Channels:        1,
		},
		Delivery: DeliveryConfig{
			AckTypes:     []string{"message"},
			SeenCapacity: 4096,
		},
		Log: LogConfig{Format: "auto", Level: "info"},
		Rendezvous: RendezvousConfig{
			Listen:  ":8443",
			Channel: "tether:signals",
		},
	}
}

// Load loads the file named by TETHER_CONFIG. There is no fallback: an
// unset variable is an error.
func Load() (*Config, error) {
	path := os.Getenv(EnvVar)
	if path == "" {
		return nil, fmt.Errorf("%s environment variable not set; "+
			"set it to the path of your tether.yaml config file, or use --config flag", EnvVar)
	}
	return LoadFile(path)
}

// LoadFile loads configuration from path onto [Default], applies the
// matching environment section, and expands path variables. It does
// not validate; callers run [Config.Validate] once flags are applied.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	cfg, err := Parse(data, filepath.Ext(path))
	if err != nil {
		return nil, fmt.Errorf("loading %s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes data as YAML, or as JSON with comments when ext is
// ".json" or ".jsonc".
func Parse(data []byte, ext string) (*Config, error) {
	switch strings.ToLower(ext) {
	case ".json", ".jsonc":
		data = jsonc.ToJSON(data)
	}
	// Lists in the file replace the default lists.
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	cfg.applyEnvironmentOverrides()
	cfg.expandVariables()
	return cfg, nil
}

func (c *Config) applyEnvironmentOverrides() {
	var overrides *Overrides
	switch c.Environment {
	case Development:
		overrides = c.Development
	case Production:
		overrides = c.Production
		if overrides == nil {
			overrides = &Overrides{Log: &LogConfig{Format: "json", Level: "info"}}
		}
	}
	if overrides == nil {
		return
	}

	if overrides.Signaling != nil && overrides.Signaling.URL != "" {
		c.Signaling.URL = overrides.Signaling.URL
	}
	if overrides.ICE != nil && len(overrides.ICE.Servers) > 0 {
		c.ICE.Servers = overrides.ICE.Servers
	}
	if overrides.Log != nil {
		if overrides.Log.Format != "" {
			c.Log.Format = overrides.Log.Format
		}
		if overrides.Log.Level != "" {
			c.Log.Level = overrides.Log.Level
		}
	}
	if overrides.Rendezvous != nil {
		if overrides.Rendezvous.Listen != "" {
			c.Rendezvous.Listen = overrides.Rendezvous.Listen
		}
		if overrides.Rendezvous.RedisURL != "" {
			c.Rendezvous.RedisURL = overrides.Rendezvous.RedisURL
		}
		if overrides.Rendezvous.Channel != "" {
			c.Rendezvous.Channel = overrides.Rendezvous.Channel
		}
	}
}

func (c *Config) expandVariables() {
	vars := map[string]string{"HOME": os.Getenv("HOME")}
	c.Identity.KeyFile = expandVars(c.Identity.KeyFile, vars)
	c.Call.CapturePath = expandVars(c.Call.CapturePath, vars)
	c.Call.PlaybackPath = expandVars(c.Call.PlaybackPath, vars)
}

var varPattern = regexp.MustCompile(`\$\{([^}:]+)(?::-([^}]*))?\}`)

// expandVars expands ${VAR} and ${VAR:-default}.
func expandVars(s string, vars map[string]string) string {
	return varPattern.ReplaceAllStringFunc(s, func(match string) string {
		parts := varPattern.FindStringSubmatch(match)
		name, defaultValue := parts[1], parts[2]
		if value, ok := vars[name]; ok && value != "" {
			return value
		}
		if value := os.Getenv(name); value != "" {
			return value
		}
		return defaultValue
	})
}

// Validate checks the policy sections. Identity and signaling are
// checked by [Config.ValidatePeer] since the rendezvous binary has
// neither.
func (c *Config) Validate() error {
	var errs []error

	if c.Environment != Development && c.Environment != Production {
		errs = append(errs, fmt.Errorf("invalid environment: %s", c.Environment))
	}

	for i, server := range c.ICE.Servers {
		if len(server.URLs) == 0 {
			errs = append(errs, fmt.Errorf("ice.servers[%d].urls is empty", i))
		}
		for _, raw := range server.URLs {
			scheme, _, _ := strings.Cut(raw, ":")
			if !slices.Contains([]string{"stun", "stuns", "turn", "turns"}, scheme) {
				errs = append(errs, fmt.Errorf("ice.servers[%d]: %q is not a stun: or turn: URL", i, raw))
			}
		}
	}

	if c.Reconnect.MaxAttempts < 1 {
		errs = append(errs, fmt.Errorf("reconnect.max_attempts must be at least 1"))
	}
	if c.Reconnect.BaseDelay <= 0 || c.Reconnect.MaxDelay <= 0 {
		errs = append(errs, fmt.Errorf("reconnect delays must be positive"))
	} else if c.Reconnect.MaxDelay < c.Reconnect.BaseDelay {
		errs = append(errs, fmt.Errorf("reconnect.max_delay is below reconnect.base_delay"))
	}

	positive := map[string]Duration{
		"handshake.timeout":     c.Handshake.Timeout,
		"liveness.interval":     c.Liveness.Interval,
		"liveness.dial_timeout": c.Liveness.DialTimeout,
		"quality.interval":      c.Quality.Interval,
		"call.fallback_timeout": c.Call.FallbackTimeout,
	}
	names := make([]string, 0, len(positive))
	for name := range positive {
		names = append(names, name)
	}
	slices.Sort(names)
	for _, name := range names {
		if positive[name] <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive", name))
		}
	}

	if !slices.Contains([]string{"none", "zstd", "lz4"}, c.Call.Compression) {
		errs = append(errs, fmt.Errorf("call.compression must be one of none, zstd, lz4"))
	}
	if c.Call.SampleRate < 8000 || c.Call.SampleRate > 48000 {
		errs = append(errs, fmt.Errorf("call.sample_rate must be between 8000 and 48000"))
	}
	if c.Call.Channels != 1 && c.Call.Channels != 2 {
		errs = append(errs, fmt.Errorf("call.channels must be 1 or 2"))
	}
	for _, reserved := range []string{"delivery-ack", "read-receipt"} {
		if slices.Contains(c.Delivery.AckTypes, reserved) {
			errs = append(errs, fmt.Errorf("delivery.ack_types may not include reserved type %q", reserved))
		}
	}
	if c.Delivery.SeenCapacity < 1 {
		errs = append(errs, fmt.Errorf("delivery.seen_capacity must be at least 1"))
	}

	if !slices.Contains([]string{"auto", "text", "json"}, c.Log.Format) {
		errs = append(errs, fmt.Errorf("log.format must be one of auto, text, json"))
	}
	if !slices.Contains([]string{"debug", "info", "warn", "error"}, strings.ToLower(c.Log.Level)) {
		errs = append(errs, fmt.Errorf("log.level must be one of debug, info, warn, error"))
	}

	if c.Rendezvous.RedisURL != "" {
		if parsed, err := url.Parse(c.Rendezvous.RedisURL); err != nil || (parsed.Scheme != "redis" && parsed.Scheme != "rediss") {
			errs = append(errs, fmt.Errorf("rendezvous.redis_url must be a redis:// or rediss:// URL"))
		}
	}

	return errors.Join(errs...)
}

// ValidatePeer runs [Config.Validate] and also requires the identity
// pair and a signaling URL.
func (c *Config) ValidatePeer() error {
	var errs []error
	if err := c.Validate(); err != nil {
		errs = append(errs, err)
	}
	if c.Identity.Local == "" {
		errs = append(errs, fmt.Errorf("identity.local is required"))
	}
	if c.Identity.Remote == "" {
		errs = append(errs, fmt.Errorf("identity.remote is required"))
	}
	if c.Identity.Local != "" && c.Identity.Local == c.Identity.Remote {
		errs = append(errs, fmt.Errorf("identity.local and identity.remote must differ"))
	}
	if parsed, err := url.Parse(c.Signaling.URL); err != nil || (parsed.Scheme != "ws" && parsed.Scheme != "wss") {
		errs = append(errs, fmt.Errorf("signaling.url must be a ws:// or wss:// URL"))
	}
	return errors.Join(errs...)
}
