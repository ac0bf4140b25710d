// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/bureau-foundation/tether/lib/netutil"
)

// Compile-time interface check.
var _ Signaler = (*WebSocketSignaler)(nil)

// signalWriteTimeout bounds one signal write when the caller's context
// has no deadline.
const signalWriteTimeout = 10 * time.Second

// WebSocketSignaler is a client of the rendezvous service: one
// websocket per endpoint, JSON Signal frames in both directions.
//
// The connection is not kept alive by the signaler itself. When the
// read loop or a write fails, the connection is dropped and Publish
// returns ErrSignalingDown until the next Connect dials again. The
// Signals channel outlives individual connections, so readers are
// unaffected by a reconnect. Pings from the service are answered by
// gorilla's default handler.
type WebSocketSignaler struct {
	url      url.URL
	endpoint string
	dialer   *websocket.Dialer
	logger   *slog.Logger
	signals  chan Signal

	mu   sync.Mutex
	conn *websocket.Conn
	// writeMu serializes writers; gorilla connections support one
	// concurrent writer.
	writeMu sync.Mutex

	closeOnce sync.Once
	closed    chan struct{}
}

// NewWebSocketSignaler returns a signaler for endpoint against the
// rendezvous service at serverURL (ws:// or wss://, ending in the
// signal path). It does not connect until Connect.
func NewWebSocketSignaler(serverURL, endpoint string, logger *slog.Logger) (*WebSocketSignaler, error) {
	parsed, err := url.Parse(serverURL)
	if err != nil {
		return nil, fmt.Errorf("parsing signaling URL: %w", err)
	}
	if parsed.Scheme != "ws" && parsed.Scheme != "wss" {
		return nil, fmt.Errorf("signaling URL %q: scheme must be ws or wss", serverURL)
	}
	if endpoint == "" {
		return nil, fmt.Errorf("signaling endpoint is empty")
	}
	query := parsed.Query()
	query.Set("endpoint", endpoint)
	parsed.RawQuery = query.Encode()

	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &WebSocketSignaler{
		url:      *parsed,
		endpoint: endpoint,
		dialer:   &websocket.Dialer{HandshakeTimeout: signalWriteTimeout},
		logger:   logger.With("endpoint", endpoint),
		signals:  make(chan Signal, 16),
		closed:   make(chan struct{}),
	}, nil
}

func (s *WebSocketSignaler) Connect(ctx context.Context) error {
	select {
	case <-s.closed:
		return ErrClosed
	default:
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != nil {
		return nil
	}
	conn, response, err := s.dialer.DialContext(ctx, s.url.String(), nil)
	if response != nil && response.Body != nil {
		response.Body.Close()
	}
	if err != nil {
		return fmt.Errorf("connecting to signaling service: %w", err)
	}
	s.conn = conn
	go s.read(conn)
	s.logger.Info("signaling connected", "url", s.url.Redacted())
	return nil
}

func (s *WebSocketSignaler) read(conn *websocket.Conn) {
	defer s.drop(conn)
	for {
		var signal Signal
		if err := conn.ReadJSON(&signal); err != nil {
			if !netutil.IsExpectedCloseError(err) {
				s.logger.Warn("signaling read failed", "error", err)
			}
			return
		}
		if signal.To != s.endpoint {
			s.logger.Debug("dropping misrouted signal", "to", signal.To)
			continue
		}
		select {
		case s.signals <- signal:
		case <-s.closed:
			return
		}
	}
}

// drop forgets conn if it is still the current connection.
func (s *WebSocketSignaler) drop(conn *websocket.Conn) {
	s.mu.Lock()
	if s.conn == conn {
		s.conn = nil
	}
	s.mu.Unlock()
	conn.Close()
}

func (s *WebSocketSignaler) Publish(ctx context.Context, signal Signal) error {
	signal.From = s.endpoint

	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return ErrSignalingDown
	}

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(signalWriteTimeout) //nolint:realclock // kernel I/O deadline
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	conn.SetWriteDeadline(deadline)
	if err := conn.WriteJSON(signal); err != nil {
		s.drop(conn)
		return fmt.Errorf("publishing %s signal: %w", signal.Kind, err)
	}
	return nil
}

func (s *WebSocketSignaler) Signals() <-chan Signal { return s.signals }

func (s *WebSocketSignaler) Close() error {
	s.closeOnce.Do(func() {
		close(s.closed)
		s.mu.Lock()
		conn := s.conn
		s.conn = nil
		s.mu.Unlock()
		if conn != nil {
			s.writeMu.Lock()
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second)) //nolint:realclock // kernel I/O deadline
			s.writeMu.Unlock()
			conn.Close()
		}
	})
	return nil
}
