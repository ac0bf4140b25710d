// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/bureau-foundation/tether/call"
	"github.com/bureau-foundation/tether/delivery"
	"github.com/bureau-foundation/tether/lib/config"
	"github.com/bureau-foundation/tether/lib/pairing"
	"github.com/bureau-foundation/tether/lib/process"
	"github.com/bureau-foundation/tether/quality"
	"github.com/bureau-foundation/tether/session"
	"github.com/bureau-foundation/tether/transport"
	"github.com/bureau-foundation/tether/tunnel"
)

// chatMessage is the data of a "message" envelope.
type chatMessage struct {
	Text string `json:"text"`
}

// peerFlags are the run flags that override the config file.
type peerFlags struct {
	configPath string
	local      string
	remote     string
	signaling  string
	logFormat  string
	logLevel   string
}

func (f *peerFlags) register(flagSet *pflag.FlagSet) {
	flagSet.StringVar(&f.configPath, "config", "", "config file (default: $TETHER_CONFIG)")
	flagSet.StringVar(&f.local, "local", "", "local identity (overrides identity.local)")
	flagSet.StringVar(&f.remote, "remote", "", "remote identity (overrides identity.remote)")
	flagSet.StringVar(&f.signaling, "signaling", "", "rendezvous websocket URL (overrides signaling.url)")
	flagSet.StringVar(&f.logFormat, "log-format", "", "log format: auto, text or json")
	flagSet.StringVar(&f.logLevel, "log-level", "", "log level: debug, info, warn or error")
}

// loadConfig reads the named file, or TETHER_CONFIG, or starts from
// the defaults when neither is given, then applies flag overrides.
func (f *peerFlags) loadConfig() (*config.Config, error) {
	var cfg *config.Config
	var err error
	switch {
	case f.configPath != "":
		cfg, err = config.LoadFile(f.configPath)
	case os.Getenv(config.EnvVar) != "":
		cfg, err = config.Load()
	default:
		cfg = config.Default()
	}
	if err != nil {
		return nil, err
	}
	if f.local != "" {
		cfg.Identity.Local = f.local
	}
	if f.remote != "" {
		cfg.Identity.Remote = f.remote
	}
	if f.signaling != "" {
		cfg.Signaling.URL = f.signaling
	}
	if f.logFormat != "" {
		cfg.Log.Format = f.logFormat
	}
	if f.logLevel != "" {
		cfg.Log.Level = f.logLevel
	}
	return cfg, nil
}

func runPeer(args []string, stdin io.Reader, stdout io.Writer) error {
	var flags peerFlags
	flagSet := pflag.NewFlagSet("tether-peer run", pflag.ContinueOnError)
	flags.register(flagSet)
	if err := flagSet.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	if flagSet.NArg() > 0 {
		return fmt.Errorf("unexpected argument: %s", flagSet.Arg(0))
	}

	cfg, err := flags.loadConfig()
	if err != nil {
		return err
	}
	if err := cfg.ValidatePeer(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	logger, err := process.NewLogger(os.Stderr, cfg.Log.Format, cfg.Log.Level)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	s, err := newSession(cfg, logger)
	if err != nil {
		return err
	}
	defer s.Close()

	// Subscribe before starting so nothing received is dispatched to
	// an empty handler set.
	out := &console{w: stdout}
	detach := attach(s, out, logger)
	defer detach()

	if err := s.Start(ctx); err != nil {
		return fmt.Errorf("starting session: %w", err)
	}
	logger.Info("peer running",
		"local", s.Pairing().Endpoints.Local,
		"role", s.Pairing().Role.String(),
	)
	return relay(ctx, s, stdin, out)
}

func iceServers(servers []config.ICEServer) []transport.ICEServer {
	converted := make([]transport.ICEServer, 0, len(servers))
	for _, server := range servers {
		converted = append(converted, transport.ICEServer{
			URLs:       server.URLs,
			Username:   server.Username,
			Credential: server.Credential,
		})
	}
	return converted
}

// newSession wires a session to the rendezvous service and pion.
func newSession(cfg *config.Config, logger *slog.Logger) (*session.Session, error) {
	ice := transport.NewICEConfig(iceServers(cfg.ICE.Servers))
	compression, err := call.ParseCompression(cfg.Call.Compression)
	if err != nil {
		return nil, err
	}
	media, err := call.NewWebRTCMediaFactory(ice, logger)
	if err != nil {
		return nil, fmt.Errorf("creating media factory: %w", err)
	}

	// The key file is bound to the pair, which needs the roles
	// resolved; Resolve is pure, so running it here and again inside
	// session.New is harmless.
	resolved, err := pairing.Resolve(cfg.Identity.Local, cfg.Identity.Remote)
	if err != nil {
		return nil, err
	}
	keys := keyFile{path: cfg.Identity.KeyFile, pair: resolved.Endpoints.Pair}
	seed, err := keys.Load()
	if err != nil {
		return nil, err
	}

	return session.New(session.Config{
		LocalID:  cfg.Identity.Local,
		RemoteID: cfg.Identity.Remote,
		Connect: func(p pairing.Pairing) (transport.Connector, error) {
			signaler, err := transport.NewWebSocketSignaler(cfg.Signaling.URL, p.Endpoints.Local, logger)
			if err != nil {
				return nil, err
			}
			connector, err := transport.NewWebRTCConnector(transport.WebRTCConnectorConfig{
				Pairing:  p,
				Signaler: signaler,
				ICE:      ice,
				Logger:   logger,
			})
			if err != nil {
				return nil, err
			}
			return connector, nil
		},
		Reconnect: transport.ReconnectPolicy{
			MaxAttempts: cfg.Reconnect.MaxAttempts,
			BaseDelay:   cfg.Reconnect.BaseDelay.Std(),
			MaxDelay:    cfg.Reconnect.MaxDelay.Std(),
		},
		LivenessInterval: cfg.Liveness.Interval.Std(),
		DialTimeout:      cfg.Liveness.DialTimeout.Std(),
		HandshakeTimeout: cfg.Handshake.Timeout.Std(),
		MasterKey:        seed,
		OnMasterKey: func(payload tunnel.MasterKeyPayload) {
			if err := keys.Save(payload); err != nil {
				logger.Warn("persisting master key failed", "error", err)
			}
		},
		OnHandshakeAbort: func(err error) {
			logger.Warn("handshake aborted", "error", err)
		},
		AckTypes:        cfg.Delivery.AckTypes,
		SeenCapacity:    cfg.Delivery.SeenCapacity,
		QualityInterval: cfg.Quality.Interval.Std(),
		OnQuality: func(q quality.Quality) {
			logger.Info("connection quality", "quality", q.String())
		},
		Media: media,
		Devices: &call.PCMDevices{
			CapturePath:  cfg.Call.CapturePath,
			PlaybackPath: cfg.Call.PlaybackPath,
			SampleRate:   cfg.Call.SampleRate,
			Channels:     cfg.Call.Channels,
		},
		FallbackTimeout: cfg.Call.FallbackTimeout.Std(),
		Compression:     compression,
		OnState: func(previous, current transport.State) {
			logger.Info("connection state", "from", previous.String(), "to", current.String())
		},
		Logger: logger,
	})
}

// console serializes writes from the input loop and the delivery
// callbacks.
type console struct {
	mu sync.Mutex
	w  io.Writer
}

func (c *console) printf(format string, args ...any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintf(c.w, format, args...)
}

// attach prints received messages and call events to out and marks
// messages read. The returned func unsubscribes.
func attach(s *session.Session, out *console, logger *slog.Logger) func() {
	d := s.Delivery()
	d.SetForeground(true)
	remote := s.Pairing().Identity.Remote

	unsubscribeMessages := d.Subscribe(delivery.TypeMessage, func(envelope delivery.Envelope) {
		var message chatMessage
		if err := envelope.Decode(&message); err != nil {
			logger.Warn("dropping undecodable message", "id", envelope.ID, "error", err)
			return
		}
		out.printf("%s: %s\n", remote, message.Text)
		d.MarkRead(envelope.ID)
	})
	unsubscribeReceipts := d.Subscribe(delivery.TypeReadReceipt, func(envelope delivery.Envelope) {
		var receipt delivery.ReceiptData
		if envelope.Decode(&receipt) == nil {
			logger.Debug("read receipt", "ids", receipt.IDs)
		}
	})

	s.Calls().OnEvent(func(event call.Event) {
		line := fmt.Sprintf("[call %s] %s", event.Call.ID, event.Kind)
		if event.Call.Reason != "" {
			line += " (" + event.Call.Reason + ")"
		}
		if event.Kind == call.EventIncoming {
			line += ": /accept or /reject"
		}
		out.printf("%s\n", line)
	})

	return func() {
		unsubscribeMessages()
		unsubscribeReceipts()
	}
}

// relay reads stdin until it ends, /quit, or ctx is cancelled.
func relay(ctx context.Context, s *session.Session, stdin io.Reader, out *console) error {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(stdin)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if quit := handleLine(ctx, s, out, line); quit {
				return nil
			}
		}
	}
}

// parseCommand splits "/name arg" lines. ok is false for chat text.
func parseCommand(line string) (name, argument string, ok bool) {
	if !strings.HasPrefix(line, "/") {
		return "", "", false
	}
	name, argument, _ = strings.Cut(strings.TrimPrefix(line, "/"), " ")
	return strings.ToLower(name), strings.TrimSpace(argument), true
}

// handleLine sends chat text or runs a command, reporting true for
// /quit.
func handleLine(ctx context.Context, s *session.Session, out *console, line string) bool {
	line = strings.TrimSpace(line)
	if line == "" {
		return false
	}
	name, argument, isCommand := parseCommand(line)
	if !isCommand {
		sendChat(s.Delivery(), out, line)
		return false
	}

	calls := s.Calls()
	switch name {
	case "quit", "exit":
		return true
	case "status":
		out.printf("%s\n", status(s))
	case "call":
		media := call.Media(argument)
		if argument == "" {
			media = call.MediaAudio
		}
		if !media.Valid() {
			out.printf("usage: /call [audio|video]\n")
			return false
		}
		current, err := calls.Offer(ctx, media)
		if err != nil {
			out.printf("call failed: %v\n", err)
			return false
		}
		out.printf("[call %s] calling\n", current.ID)
	case "accept":
		current, ok := calls.Current()
		if !ok || current.Direction != call.Incoming {
			out.printf("no incoming call\n")
			return false
		}
		if _, err := calls.Accept(ctx, current.ID); err != nil {
			out.printf("accept failed: %v\n", err)
		}
	case "reject", "hangup":
		current, ok := calls.Current()
		if !ok {
			out.printf("no call\n")
			return false
		}
		var err error
		if name == "reject" {
			err = calls.Reject(current.ID, call.ReasonDeclined)
		} else {
			err = calls.End(current.ID)
		}
		if err != nil {
			out.printf("%s failed: %v\n", name, err)
		}
	case "reconnect":
		s.Reconnect()
	case "wake":
		if err := s.WakePeer(ctx); err != nil {
			out.printf("wake failed: %v\n", err)
		}
	default:
		out.printf("commands: /status /call [audio|video] /accept /reject /hangup /reconnect /wake /quit\n")
	}
	return false
}

func sendChat(d *delivery.Transport, out *console, text string) {
	envelope, err := d.Envelope(delivery.TypeMessage, chatMessage{Text: text})
	if err != nil {
		out.printf("message not sent: %v\n", err)
		return
	}
	queued, err := d.Send(envelope)
	if err != nil {
		out.printf("message not sent: %v\n", err)
		return
	}
	if queued {
		out.printf("(queued, %d pending)\n", d.Pending())
	}
}

func status(s *session.Session) string {
	var builder strings.Builder
	fmt.Fprintf(&builder, "state=%s quality=%s handshake=%s",
		s.State(), s.Quality(), s.HandshakeState())
	if payload, ok := s.MasterKey(); ok {
		fmt.Fprintf(&builder, " key=%s creator=%s", tunnel.Fingerprint(payload.MasterKey), payload.CreatorID)
	}
	fmt.Fprintf(&builder, " pending=%d awaiting-ack=%d", s.Delivery().Pending(), s.Delivery().AwaitingAck())
	if current, ok := s.Calls().Current(); ok {
		fmt.Fprintf(&builder, " call=%s/%s/%s", current.ID, current.Media, current.State)
	}
	return builder.String()
}
