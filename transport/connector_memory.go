// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"sync"

	"github.com/bureau-foundation/tether/lib/pairing"
)

// Compile-time interface checks.
var (
	_ Connector = (*MemoryConnector)(nil)
	_ Channel   = (*memoryChannel)(nil)
)

// memoryBuffer is the per-direction message buffer of a memory channel.
const memoryBuffer = 256

// MemoryLink joins two MemoryConnectors in-process, standing in for
// signaling plus a peer-to-peer path. Tests use its knobs to cut the
// path, make the peer unreachable, or inject channels directly.
type MemoryLink struct {
	mu        sync.Mutex
	sides     map[pairing.Role]*MemoryConnector
	reachable bool
	stats     ChannelStats
	channels  []*memoryChannel
	dials     int
}

// NewMemoryLink returns a reachable link with no connectors attached.
func NewMemoryLink() *MemoryLink {
	link := &MemoryLink{reachable: true, sides: make(map[pairing.Role]*MemoryConnector)}
	for _, role := range []pairing.Role{pairing.Initiator, pairing.Responder} {
		link.sides[role] = &MemoryConnector{
			link:    link,
			role:    role,
			inbound: make(chan Channel, 16),
			wakes:   make(chan struct{}, 1),
		}
	}
	return link
}

// Connector returns the connector for role. The same value is returned
// on each call.
func (l *MemoryLink) Connector(role pairing.Role) *MemoryConnector {
	return l.sides[role]
}

// SetReachable controls whether dials and wakes get through.
func (l *MemoryLink) SetReachable(reachable bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.reachable = reachable
}

// SetStats sets what Stats reports on every channel of the link.
func (l *MemoryLink) SetStats(stats ChannelStats) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.stats = stats
}

// Sever closes every open channel on the link, as a network drop would.
func (l *MemoryLink) Sever() {
	l.mu.Lock()
	channels := l.channels
	l.channels = nil
	l.mu.Unlock()
	for _, channel := range channels {
		channel.Close()
	}
}

// Dials returns how many dials reached the link.
func (l *MemoryLink) Dials() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.dials
}

// Open creates a channel pair from the dialer's side directly, handing
// the far end to to's Inbound. It bypasses reachability, which lets
// tests race channels against each other.
func (l *MemoryLink) Open(to pairing.Role) Channel {
	near, far := l.newPair()
	l.sides[to].inbound <- far
	return near
}

func (l *MemoryLink) newPair() (*memoryChannel, *memoryChannel) {
	pipe := &memoryPipe{done: make(chan struct{})}
	near := &memoryChannel{link: l, pipe: pipe, incoming: make(chan []byte, memoryBuffer)}
	far := &memoryChannel{link: l, pipe: pipe, incoming: make(chan []byte, memoryBuffer)}
	near.peer, far.peer = far, near

	l.mu.Lock()
	l.channels = append(l.channels, near, far)
	l.mu.Unlock()
	return near, far
}

// MemoryConnector is one side of a MemoryLink.
type MemoryConnector struct {
	link    *MemoryLink
	role    pairing.Role
	inbound chan Channel
	wakes   chan struct{}

	mu       sync.Mutex
	attached bool
	closed   bool
	attaches int
}

func (m *MemoryConnector) Attach(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.attached = true
	m.attaches++
	return nil
}

// Attaches returns how many times Attach succeeded.
func (m *MemoryConnector) Attaches() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attaches
}

func (m *MemoryConnector) peer() *MemoryConnector {
	return m.link.sides[m.role.Opposite()]
}

func (m *MemoryConnector) isAttached() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attached && !m.closed
}

func (m *MemoryConnector) Dial(ctx context.Context) (Channel, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.link.mu.Lock()
	m.link.dials++
	reachable := m.link.reachable
	m.link.mu.Unlock()
	if !m.isAttached() {
		return nil, ErrClosed
	}
	if !reachable || !m.peer().isAttached() {
		return nil, ErrUnreachable
	}

	near, far := m.link.newPair()
	select {
	case m.peer().inbound <- far:
		return near, nil
	case <-ctx.Done():
		near.Close()
		return nil, ctx.Err()
	}
}

func (m *MemoryConnector) Inbound() <-chan Channel { return m.inbound }

func (m *MemoryConnector) Wakes() <-chan struct{} { return m.wakes }

func (m *MemoryConnector) Wake(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.link.mu.Lock()
	reachable := m.link.reachable
	m.link.mu.Unlock()
	if !reachable || !m.peer().isAttached() {
		return ErrUnreachable
	}
	select {
	case m.peer().wakes <- struct{}{}:
	default:
	}
	return nil
}

func (m *MemoryConnector) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.attached = false
	return nil
}

// memoryPipe is the state shared by the two ends of a memory channel.
type memoryPipe struct {
	done chan struct{}
	once sync.Once
}

type memoryChannel struct {
	link     *MemoryLink
	pipe     *memoryPipe
	peer     *memoryChannel
	incoming chan []byte
}

func (c *memoryChannel) Send(data []byte) error {
	select {
	case <-c.pipe.done:
		return ErrChannelClosed
	default:
	}
	message := append([]byte(nil), data...)
	select {
	case c.peer.incoming <- message:
		return nil
	case <-c.pipe.done:
		return ErrChannelClosed
	}
}

func (c *memoryChannel) Receive() <-chan []byte { return c.incoming }

func (c *memoryChannel) Done() <-chan struct{} { return c.pipe.done }

func (c *memoryChannel) Ready() bool {
	select {
	case <-c.pipe.done:
		return false
	default:
		return true
	}
}

func (c *memoryChannel) Stats() (ChannelStats, error) {
	if !c.Ready() {
		return ChannelStats{}, ErrChannelClosed
	}
	c.link.mu.Lock()
	defer c.link.mu.Unlock()
	return c.link.stats, nil
}

func (c *memoryChannel) Close() error {
	c.pipe.once.Do(func() { close(c.pipe.done) })
	return nil
}
