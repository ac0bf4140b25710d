// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotOpen is returned by Send when no channel is open.
	ErrNotOpen = errors.New("transport: channel is not open")

	// ErrChannelClosed is returned by Channel.Send after the channel
	// closed on either side.
	ErrChannelClosed = errors.New("transport: channel closed")

	// ErrUnreachable is returned by Dial when the peer cannot be
	// reached through signaling.
	ErrUnreachable = errors.New("transport: peer unreachable")

	// ErrClosed is returned by operations on a closed controller or
	// connector.
	ErrClosed = errors.New("transport: closed")
)

// ChannelStats is a point-in-time view of a channel's path quality.
type ChannelStats struct {
	RTT         time.Duration
	LossPercent float64
}

// Channel is one open, ordered, reliable message channel to the peer.
// Implementations must allow Send concurrently with Receive.
type Channel interface {
	// Send writes one message. It fails with ErrChannelClosed once the
	// channel is closed.
	Send(data []byte) error

	// Receive delivers inbound messages in order.
	Receive() <-chan []byte

	// Done is closed when the channel closes, locally or remotely.
	Done() <-chan struct{}

	// Ready reports whether the channel can currently carry messages.
	Ready() bool

	// Stats samples round-trip time and loss.
	Stats() (ChannelStats, error)

	// Close closes the channel. Idempotent.
	Close() error
}

// Connector establishes channels to the paired peer and carries
// payload-free wake-up signals. The Controller is its only user.
type Connector interface {
	// Attach connects the signaling client. The controller calls it
	// again before every dial and wake and on liveness ticks while
	// reconnecting, so it must be idempotent and must reconnect a
	// client whose connection dropped.
	Attach(ctx context.Context) error

	// Dial opens a new channel to the peer. Only the Initiator dials.
	Dial(ctx context.Context) (Channel, error)

	// Inbound delivers channels opened by the peer.
	Inbound() <-chan Channel

	// Wakes delivers wake-up signals received from the peer.
	Wakes() <-chan struct{}

	// Wake sends a wake-up signal to the peer through signaling alone.
	Wake(ctx context.Context) error

	// Close releases signaling and any channels not yet handed out.
	Close() error
}
