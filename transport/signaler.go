// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"errors"
)

// Signal kinds.
const (
	SignalOffer  = "offer"
	SignalAnswer = "answer"
	SignalWake   = "wake"
)

// ErrSignalingDown is returned by Publish when the signaling client is
// not connected.
var ErrSignalingDown = errors.New("transport: signaling not connected")

// Signal is one message relayed by the signaling service between two
// endpoint names. The service routes on To and never sees channel
// traffic. Wake signals carry no SDP.
type Signal struct {
	Kind string `json:"kind"`
	From string `json:"from"`
	To   string `json:"to"`
	SDP  string `json:"sdp,omitempty"`
}

// Signaler abstracts the signaling service. The model is vanilla ICE:
// all candidates are gathered before an SDP is published, so a channel
// takes exactly one offer/answer round trip.
type Signaler interface {
	// Connect attaches to the signaling service under this peer's
	// endpoint name. It is a no-op when already connected and
	// reconnects after a drop.
	Connect(ctx context.Context) error

	// Publish sends a signal. From is filled in by the implementation.
	Publish(ctx context.Context, signal Signal) error

	// Signals delivers signals addressed to this endpoint. The channel
	// stays the same across reconnects and is never closed; readers
	// stop when they close the signaler.
	Signals() <-chan Signal

	// Close disconnects permanently.
	Close() error
}
