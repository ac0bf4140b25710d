// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package call

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/bureau-foundation/tether/delivery"
	"github.com/bureau-foundation/tether/lib/clock"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

// bearer is an in-memory Bearer. Paired bearers forward every envelope
// to the peer on a separate goroutine, the way the controller delivers
// frames from its own loop.
type bearer struct {
	clock clock.Clock

	mu       sync.Mutex
	open     bool
	sent     []delivery.Envelope
	tries    int
	handlers map[string][]delivery.Handler
	out      chan delivery.Envelope
}

func newBearer(clk clock.Clock) *bearer {
	return &bearer{clock: clk, open: true, handlers: make(map[string][]delivery.Handler)}
}

// pairBearers connects two bearers until the test ends.
func pairBearers(t *testing.T, clk clock.Clock) (*bearer, *bearer) {
	t.Helper()
	a, b := newBearer(clk), newBearer(clk)
	a.out = make(chan delivery.Envelope, 1024)
	b.out = make(chan delivery.Envelope, 1024)
	done := make(chan struct{})
	var wg sync.WaitGroup
	forward := func(from, to *bearer) {
		defer wg.Done()
		for {
			select {
			case envelope := <-from.out:
				to.deliver(envelope)
			case <-done:
				return
			}
		}
	}
	wg.Add(2)
	go forward(a, b)
	go forward(b, a)
	t.Cleanup(func() {
		close(done)
		wg.Wait()
	})
	return a, b
}

func (b *bearer) Envelope(envelopeType string, data any) (delivery.Envelope, error) {
	return delivery.NewEnvelope(envelopeType, data, b.clock.Now())
}

func (b *bearer) Send(envelope delivery.Envelope) (bool, error) {
	b.record(envelope)
	return false, nil
}

func (b *bearer) TrySend(envelope delivery.Envelope) error {
	b.mu.Lock()
	open := b.open
	b.tries++
	b.mu.Unlock()
	if !open {
		return delivery.ErrNotOpen
	}
	b.record(envelope)
	return nil
}

func (b *bearer) record(envelope delivery.Envelope) {
	b.mu.Lock()
	b.sent = append(b.sent, envelope)
	out := b.out
	b.mu.Unlock()
	if out != nil {
		out <- envelope
	}
}

func (b *bearer) Subscribe(envelopeType string, handler delivery.Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[envelopeType] = append(b.handlers[envelopeType], handler)
	index := len(b.handlers[envelopeType]) - 1
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		b.handlers[envelopeType][index] = nil
	}
}

func (b *bearer) deliver(envelope delivery.Envelope) {
	b.mu.Lock()
	handlers := append([]delivery.Handler(nil), b.handlers[envelope.Type]...)
	b.mu.Unlock()
	for _, handler := range handlers {
		if handler != nil {
			handler(envelope)
		}
	}
}

// inject delivers an envelope as if the peer had sent it.
func (b *bearer) inject(t *testing.T, envelopeType string, data any) {
	t.Helper()
	envelope, err := b.Envelope(envelopeType, data)
	if err != nil {
		t.Fatalf("Envelope: %v", err)
	}
	b.deliver(envelope)
}

func (b *bearer) sentOfType(envelopeType string) []delivery.Envelope {
	b.mu.Lock()
	defer b.mu.Unlock()
	var matched []delivery.Envelope
	for _, envelope := range b.sent {
		if envelope.Type == envelopeType {
			matched = append(matched, envelope)
		}
	}
	return matched
}

func (b *bearer) tryCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.tries
}

func (b *bearer) setOpen(open bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.open = open
}

// fakeMedia builds fakePaths. With connect set, a path reports
// MediaConnected once both descriptions are applied.
type fakeMedia struct {
	mu      sync.Mutex
	paths   []*fakePath
	err     error
	connect bool
}

func (f *fakeMedia) NewPath(media Media) (MediaPath, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	path := &fakePath{id: len(f.paths) + 1, connect: f.connect, events: make(chan MediaEvent, 8)}
	f.paths = append(f.paths, path)
	return path, nil
}

func (f *fakeMedia) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.paths)
}

func (f *fakeMedia) path(n int) *fakePath {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.paths[n-1]
}

type fakePath struct {
	id      int
	connect bool
	events  chan MediaEvent

	mu     sync.Mutex
	answer string
	closed bool
}

func (p *fakePath) CreateOffer(context.Context) (string, error) {
	return fmt.Sprintf("offer-%d", p.id), nil
}

func (p *fakePath) Answer(_ context.Context, offer string) (string, error) {
	if p.connect {
		p.emit(MediaConnected)
	}
	return "answer-to-" + offer, nil
}

func (p *fakePath) SetAnswer(answer string) error {
	p.mu.Lock()
	p.answer = answer
	p.mu.Unlock()
	if p.connect {
		p.emit(MediaConnected)
	}
	return nil
}

func (p *fakePath) answered() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.answer
}

func (p *fakePath) Events() <-chan MediaEvent { return p.events }

func (p *fakePath) emit(event MediaEvent) {
	select {
	case p.events <- event:
	default:
	}
}

func (p *fakePath) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

func (p *fakePath) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// fakeDevices captures whatever the test pushes into frames and plays
// into played.
type fakeDevices struct {
	captureErr  error
	playbackErr error
	frames      chan AudioFrame
	played      chan AudioFrame
}

func newFakeDevices() *fakeDevices {
	return &fakeDevices{frames: make(chan AudioFrame, 64), played: make(chan AudioFrame, 64)}
}

func (d *fakeDevices) OpenCapture() (AudioSource, error) {
	if d.captureErr != nil {
		return nil, d.captureErr
	}
	return fakeSource{frames: d.frames}, nil
}

func (d *fakeDevices) OpenPlayback() (AudioSink, error) {
	if d.playbackErr != nil {
		return nil, d.playbackErr
	}
	return fakeSink{played: d.played}, nil
}

type fakeSource struct{ frames chan AudioFrame }

func (s fakeSource) ReadFrame(ctx context.Context) (AudioFrame, error) {
	select {
	case frame := <-s.frames:
		return frame, nil
	case <-ctx.Done():
		return AudioFrame{}, ctx.Err()
	}
}

func (fakeSource) Close() error { return nil }

type fakeSink struct{ played chan AudioFrame }

func (s fakeSink) WriteFrame(frame AudioFrame) error {
	s.played <- frame
	return nil
}

func (fakeSink) Close() error { return nil }

// events records manager events.
func recordEvents(manager *Manager) chan Event {
	events := make(chan Event, 128)
	manager.OnEvent(func(event Event) { events <- event })
	return events
}

// waitEvent reads events until one of kind arrives.
func waitEvent(t *testing.T, events chan Event, kind EventKind) Event {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case event := <-events:
			if event.Kind == kind {
				return event
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s event", kind)
		}
	}
}

// noEvent fails if an event of kind is already pending.
func noEvent(t *testing.T, events chan Event, kind EventKind) {
	t.Helper()
	for {
		select {
		case event := <-events:
			if event.Kind == kind {
				t.Fatalf("unexpected %s event", kind)
			}
		default:
			return
		}
	}
}
