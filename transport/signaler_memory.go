// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"sync"
)

// Compile-time interface check.
var _ Signaler = (*MemorySignaler)(nil)

// MemorySignalHub routes signals between in-process MemorySignalers,
// standing in for the rendezvous service. Two WebRTCConnectors sharing
// a hub can establish PeerConnections without any network signaling.
type MemorySignalHub struct {
	mu        sync.Mutex
	endpoints map[string]*MemorySignaler
	// published records every routed signal for assertions.
	published []Signal
}

// NewMemorySignalHub returns an empty hub.
func NewMemorySignalHub() *MemorySignalHub {
	return &MemorySignalHub{endpoints: make(map[string]*MemorySignaler)}
}

// Signaler returns a new, unconnected signaler for endpoint.
func (h *MemorySignalHub) Signaler(endpoint string) *MemorySignaler {
	return &MemorySignaler{
		hub:      h,
		endpoint: endpoint,
		signals:  make(chan Signal, 16),
		closed:   make(chan struct{}),
	}
}

// Published returns a copy of every signal the hub has routed.
func (h *MemorySignalHub) Published() []Signal {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]Signal(nil), h.published...)
}

// Disconnect drops endpoint from the hub as if its socket died. The
// signaler reconnects on its next Connect.
func (h *MemorySignalHub) Disconnect(endpoint string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.endpoints, endpoint)
}

// MemorySignaler is one endpoint on a MemorySignalHub.
type MemorySignaler struct {
	hub      *MemorySignalHub
	endpoint string
	signals  chan Signal

	closeOnce sync.Once
	closed    chan struct{}
}

func (s *MemorySignaler) Connect(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case <-s.closed:
		return ErrClosed
	default:
	}
	s.hub.mu.Lock()
	defer s.hub.mu.Unlock()
	s.hub.endpoints[s.endpoint] = s
	return nil
}

func (s *MemorySignaler) Publish(ctx context.Context, signal Signal) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	signal.From = s.endpoint

	s.hub.mu.Lock()
	if s.hub.endpoints[s.endpoint] != s {
		s.hub.mu.Unlock()
		return ErrSignalingDown
	}
	target := s.hub.endpoints[signal.To]
	s.hub.published = append(s.hub.published, signal)
	s.hub.mu.Unlock()

	// Like the relay, an absent target drops the signal.
	if target == nil {
		return nil
	}
	select {
	case target.signals <- signal:
	case <-target.closed:
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}

func (s *MemorySignaler) Signals() <-chan Signal { return s.signals }

func (s *MemorySignaler) Close() error {
	s.closeOnce.Do(func() {
		close(s.closed)
		s.hub.mu.Lock()
		if s.hub.endpoints[s.endpoint] == s {
			delete(s.hub.endpoints, s.endpoint)
		}
		s.hub.mu.Unlock()
	})
	return nil
}
