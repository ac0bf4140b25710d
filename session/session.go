// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package session composes the transport stack of one pairing: the
// lifecycle controller, the tunnel handshake, the delivery layer, the
// quality monitor, and the call manager. A Session is an explicit
// object owned by whoever owns the pairing; nothing here is global.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/bureau-foundation/tether/call"
	"github.com/bureau-foundation/tether/delivery"
	"github.com/bureau-foundation/tether/lib/clock"
	"github.com/bureau-foundation/tether/lib/pairing"
	"github.com/bureau-foundation/tether/quality"
	"github.com/bureau-foundation/tether/transport"
	"github.com/bureau-foundation/tether/tunnel"
)

// Config configures a Session.
type Config struct {
	LocalID  string
	RemoteID string

	// Connect builds the connector for the resolved pairing. It is
	// called only after the identities validate.
	Connect func(pairing.Pairing) (transport.Connector, error)

	Reconnect        transport.ReconnectPolicy
	LivenessInterval time.Duration
	DialTimeout      time.Duration

	HandshakeTimeout time.Duration
	// MasterKey seeds a payload established by an earlier process.
	MasterKey *tunnel.MasterKeyPayload
	// OnMasterKey receives the payload after every completed handshake.
	OnMasterKey func(tunnel.MasterKeyPayload)
	// OnHandshakeAbort receives each aborted attempt's HandshakeError.
	OnHandshakeAbort func(error)

	AckTypes     []string
	SeenCapacity int

	QualityInterval time.Duration
	OnQuality       func(quality.Quality)

	Media           call.MediaFactory
	Devices         call.Devices
	FallbackTimeout time.Duration
	Compression     call.Compression

	// OnState observes every connection state change.
	OnState func(previous, current transport.State)

	Clock  clock.Clock
	Logger *slog.Logger
}

// Session is the live transport of one pairing.
type Session struct {
	pairing    pairing.Pairing
	controller *transport.Controller
	handshake  *tunnel.Handshake
	delivery   *delivery.Transport
	monitor    *quality.Monitor
	calls      *call.Manager
	onState    func(previous, current transport.State)
	logger     *slog.Logger

	closeOnce sync.Once
	closeErr  error
}

// New validates the identities, then assembles the stack. Nothing
// touches the network until Start.
func New(config Config) (*Session, error) {
	resolved, err := pairing.Resolve(config.LocalID, config.RemoteID)
	if err != nil {
		return nil, err
	}
	if config.Connect == nil {
		return nil, errors.New("session: Connect is required")
	}
	if config.Clock == nil {
		config.Clock = clock.Real()
	}
	if config.Logger == nil {
		config.Logger = slog.New(slog.DiscardHandler)
	}
	logger := config.Logger.With("pair", resolved.Endpoints.Pair, "role", resolved.Role.String())

	connector, err := config.Connect(resolved)
	if err != nil {
		return nil, fmt.Errorf("building connector: %w", err)
	}

	s := &Session{
		pairing: resolved,
		onState: config.OnState,
		logger:  logger,
	}
	fail := func(err error) (*Session, error) {
		connector.Close()
		return nil, err
	}

	s.controller, err = transport.NewController(transport.ControllerConfig{
		Pairing:          resolved,
		Connector:        connector,
		Handler:          s,
		Policy:           config.Reconnect,
		LivenessInterval: config.LivenessInterval,
		DialTimeout:      config.DialTimeout,
		Clock:            config.Clock,
		Logger:           logger.With("component", "controller"),
	})
	if err != nil {
		return fail(err)
	}

	onMasterKey := config.OnMasterKey
	s.handshake, err = tunnel.NewHandshake(tunnel.Config{
		Pairing: resolved,
		Send:    s.sendTunnel,
		OnEstablished: func(payload tunnel.MasterKeyPayload) {
			s.controller.MarkTunnelEstablished()
			if onMasterKey != nil {
				onMasterKey(payload)
			}
		},
		OnAbort: config.OnHandshakeAbort,
		Clock:   config.Clock,
		Timeout: config.HandshakeTimeout,
		Logger:  logger.With("component", "handshake"),
	})
	if err != nil {
		return fail(err)
	}
	if config.MasterKey != nil {
		if err := s.handshake.SeedMasterKey(*config.MasterKey); err != nil {
			return fail(fmt.Errorf("seeding master key: %w", err))
		}
	}

	s.delivery, err = delivery.New(delivery.Config{
		Sender:        s.controller,
		AckTypes:      config.AckTypes,
		SeenCapacity:  config.SeenCapacity,
		// Chunks carry their own sequence numbers and late ones are
		// dropped by the call manager.
		VolatileTypes: []string{call.TypeAudioChunk},
		Clock:         config.Clock,
		Logger:        logger.With("component", "delivery"),
	})
	if err != nil {
		return fail(err)
	}

	s.monitor, err = quality.NewMonitor(quality.Config{
		Sampler:  s.controller.Stats,
		Interval: config.QualityInterval,
		Clock:    config.Clock,
		OnChange: config.OnQuality,
		Logger:   logger.With("component", "quality"),
	})
	if err != nil {
		return fail(err)
	}

	s.calls, err = call.NewManager(call.Config{
		Bearer:          s.delivery,
		Media:           config.Media,
		Devices:         config.Devices,
		FallbackTimeout: config.FallbackTimeout,
		Restart:         config.Reconnect,
		Compression:     config.Compression,
		Clock:           config.Clock,
		Logger:          logger.With("component", "call"),
	})
	if err != nil {
		return fail(err)
	}
	return s, nil
}

// Start begins connecting.
func (s *Session) Start(ctx context.Context) error {
	return s.controller.Start(ctx)
}

func (s *Session) Pairing() pairing.Pairing { return s.pairing }

// State is the connection lifecycle state.
func (s *Session) State() transport.State { return s.controller.State() }

// Quality is the current connection quality.
func (s *Session) Quality() quality.Quality { return s.monitor.Quality() }

// MasterKey returns the pairing's master key once a handshake has
// delivered it.
func (s *Session) MasterKey() (tunnel.MasterKeyPayload, bool) { return s.handshake.MasterKey() }

// HandshakeState is the state of the current handshake attempt.
func (s *Session) HandshakeState() tunnel.State { return s.handshake.State() }

func (s *Session) Delivery() *delivery.Transport { return s.delivery }

func (s *Session) Calls() *call.Manager { return s.calls }

// Reconnect restarts the connection cycle after Failed.
func (s *Session) Reconnect() { s.controller.Reconnect() }

// WakePeer prompts a backgrounded peer to reattach to signaling.
func (s *Session) WakePeer(ctx context.Context) error { return s.controller.WakePeer(ctx) }

// Close tears the whole pairing down: sampling stops, any call ends,
// key material is destroyed and the controller reaches Closed with its
// connector released. Must not be called from an OnState callback.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.monitor.Close()
		callErr := s.calls.Close()
		s.handshake.Close()
		controllerErr := s.controller.Close()
		s.closeErr = errors.Join(callErr, controllerErr)
		s.logger.Info("session closed")
	})
	return s.closeErr
}

func (s *Session) sendTunnel(message tunnel.Message) error {
	data, err := tunnel.Encode(message)
	if err != nil {
		return err
	}
	return s.controller.Send(data)
}

// HandleState implements transport.Handler. A newly opened channel
// starts a handshake before queued envelopes flush behind it.
func (s *Session) HandleState(previous, current transport.State) {
	switch {
	case current.Connected() && !previous.Connected():
		if err := s.handshake.Start(); err != nil {
			s.logger.Warn("starting handshake", "error", err)
		}
	case !current.Connected() && previous.Connected():
		s.handshake.Reset()
	}
	s.delivery.HandleState(previous, current)
	s.monitor.HandleState(previous, current)
	if s.onState != nil {
		s.onState(previous, current)
	}
}

// HandleFrame implements transport.Handler, splitting tunnel frames
// from application envelopes.
func (s *Session) HandleFrame(data []byte) {
	if !tunnel.IsFrame(data) {
		s.delivery.HandleFrame(data)
		return
	}
	err := s.handshake.HandleFrame(data)
	switch {
	case err == nil:
	case errors.Is(err, tunnel.ErrInactive):
		s.logger.Debug("ignoring tunnel frame", "error", err)
	default:
		s.logger.Warn("handshake aborted", "error", err)
	}
}

type contextKey struct{}

// NewContext returns a child of ctx carrying s.
func NewContext(ctx context.Context, s *Session) context.Context {
	return context.WithValue(ctx, contextKey{}, s)
}

// FromContext returns the Session carried by ctx.
func FromContext(ctx context.Context) (*Session, bool) {
	s, ok := ctx.Value(contextKey{}).(*Session)
	return s, ok
}
