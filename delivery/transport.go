// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package delivery

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/bureau-foundation/tether/lib/clock"
	"github.com/bureau-foundation/tether/transport"
)

// DefaultSeenCapacity is how many received ids are remembered for
// duplicate suppression.
const DefaultSeenCapacity = 4096

// ErrNotOpen is returned by TrySend when the envelope could not go out
// immediately.
var ErrNotOpen = errors.New("delivery: channel is not open")

// Sender writes one frame on the live channel. transport.Controller
// implements it.
type Sender interface {
	Send(data []byte) error
}

// Handler receives one dispatched envelope.
type Handler func(Envelope)

// Config configures a Transport.
type Config struct {
	Sender Sender

	// AckTypes lists the envelope types answered with TypeAck.
	// Defaults to TypeMessage.
	AckTypes []string

	// SeenCapacity defaults to DefaultSeenCapacity.
	SeenCapacity int

	// VolatileTypes lists high-rate envelope types that skip duplicate
	// suppression, so they cannot push message ids out of the seen
	// window. Their subscribers must tolerate duplicates.
	VolatileTypes []string

	// Clock stamps outbound envelopes. Defaults to clock.Real().
	Clock clock.Clock

	Logger *slog.Logger
}

// Transport is the message layer of one pair. Its HandleState and
// HandleFrame methods are driven by the session as the controller's
// handler; everything else may be called from any goroutine.
type Transport struct {
	sender   Sender
	ackTypes map[string]bool
	volatile map[string]bool
	clock    clock.Clock
	logger   *slog.Logger

	mu       sync.Mutex
	open     bool
	flushing bool
	queue    []Envelope
	seen     *seenSet

	// awaitingAck holds ids sent with an acknowledged type until the
	// peer's TypeAck arrives.
	awaitingAck map[string]struct{}

	foreground bool
	unread     []string
	receipted  *seenSet

	subscribers map[string]map[uint64]Handler
	everything  map[uint64]Handler
	nextHandle  uint64
}

// New returns a Transport in the not-open state.
func New(config Config) (*Transport, error) {
	if config.Sender == nil {
		return nil, errors.New("delivery: Sender is required")
	}
	if config.AckTypes == nil {
		config.AckTypes = []string{TypeMessage}
	}
	if config.SeenCapacity <= 0 {
		config.SeenCapacity = DefaultSeenCapacity
	}
	if config.Clock == nil {
		config.Clock = clock.Real()
	}
	if config.Logger == nil {
		config.Logger = slog.New(slog.DiscardHandler)
	}
	ackTypes := make(map[string]bool, len(config.AckTypes))
	for _, ackType := range config.AckTypes {
		if IsReserved(ackType) {
			return nil, fmt.Errorf("delivery: cannot acknowledge reserved type %q", ackType)
		}
		ackTypes[ackType] = true
	}
	volatile := make(map[string]bool, len(config.VolatileTypes))
	for _, volatileType := range config.VolatileTypes {
		if ackTypes[volatileType] || IsReserved(volatileType) {
			return nil, fmt.Errorf("delivery: type %q cannot be volatile", volatileType)
		}
		volatile[volatileType] = true
	}
	return &Transport{
		sender:      config.Sender,
		ackTypes:    ackTypes,
		volatile:    volatile,
		clock:       config.Clock,
		logger:      config.Logger,
		seen:        newSeenSet(config.SeenCapacity),
		receipted:   newSeenSet(config.SeenCapacity),
		awaitingAck: make(map[string]struct{}),
		subscribers: make(map[string]map[uint64]Handler),
		everything:  make(map[uint64]Handler),
	}, nil
}

// Envelope builds an envelope stamped with the transport's clock.
func (t *Transport) Envelope(envelopeType string, data any) (Envelope, error) {
	return NewEnvelope(envelopeType, data, t.clock.Now())
}

// Send delivers envelope now or queues it. It reports whether the
// envelope was queued. The only errors are validation errors: a
// disconnected peer is never an error.
func (t *Transport) Send(envelope Envelope) (bool, error) {
	if err := envelope.Validate(); err != nil {
		return false, err
	}
	if IsReserved(envelope.Type) {
		return false, fmt.Errorf("%w: %s", ErrReservedType, envelope.Type)
	}
	return t.send(envelope)
}

func (t *Transport) send(envelope Envelope) (bool, error) {
	data, err := json.Marshal(envelope)
	if err != nil {
		return false, fmt.Errorf("encoding envelope: %w", err)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.open || t.flushing || len(t.queue) > 0 {
		t.queue = append(t.queue, envelope)
		return true, nil
	}
	if err := t.sender.Send(data); err != nil {
		t.logger.Warn("send failed, queued for the next open", "id", envelope.ID, "type", envelope.Type, "error", err)
		t.queue = append(t.queue, envelope)
		return true, nil
	}
	t.sentLocked(envelope)
	return false, nil
}

// TrySend sends envelope only if it can go out immediately, and never
// queues it. Volatile traffic such as live audio uses it: stale frames
// are worse than lost ones. It may overtake queued envelopes.
func (t *Transport) TrySend(envelope Envelope) error {
	if err := envelope.Validate(); err != nil {
		return err
	}
	data, err := json.Marshal(envelope)
	if err != nil {
		return fmt.Errorf("encoding envelope: %w", err)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.open {
		return ErrNotOpen
	}
	if err := t.sender.Send(data); err != nil {
		return fmt.Errorf("%w: %v", ErrNotOpen, err)
	}
	return nil
}

// Pending returns how many envelopes are queued.
func (t *Transport) Pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.queue)
}

// AwaitingAck returns how many acknowledged-type envelopes have been
// sent without an acknowledgement yet.
func (t *Transport) AwaitingAck() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.awaitingAck)
}

func (t *Transport) sentLocked(envelope Envelope) {
	if t.ackTypes[envelope.Type] {
		t.awaitingAck[envelope.ID] = struct{}{}
	}
}

// HandleState tracks whether the channel is open and flushes the queue
// on every transition into an open state.
func (t *Transport) HandleState(previous, current transport.State) {
	t.mu.Lock()
	t.open = current.Connected()
	t.mu.Unlock()
	if current.Connected() && !previous.Connected() {
		t.flush()
		t.emitReceipts()
	}
}

// flush sends queued envelopes in order. The lock is released around
// each send so callers are never blocked behind the network; while the
// flag is set, new sends join the back of the queue.
func (t *Transport) flush() {
	t.mu.Lock()
	if t.flushing || !t.open {
		t.mu.Unlock()
		return
	}
	t.flushing = true
	sent := 0
	for t.open && len(t.queue) > 0 {
		envelope := t.queue[0]
		t.queue = t.queue[1:]
		t.mu.Unlock()

		data, err := json.Marshal(envelope)
		if err == nil {
			err = t.sender.Send(data)
		}

		t.mu.Lock()
		if err != nil {
			t.queue = append([]Envelope{envelope}, t.queue...)
			t.logger.Warn("flush interrupted", "id", envelope.ID, "remaining", len(t.queue), "error", err)
			break
		}
		t.sentLocked(envelope)
		sent++
	}
	t.flushing = false
	remaining := len(t.queue)
	t.mu.Unlock()

	if sent > 0 {
		t.logger.Info("offline queue flushed", "sent", sent, "remaining", remaining)
	}
}

// HandleFrame decodes, deduplicates and dispatches one inbound frame.
func (t *Transport) HandleFrame(data []byte) {
	var envelope Envelope
	if err := json.Unmarshal(data, &envelope); err != nil {
		t.logger.Warn("dropping undecodable envelope", "error", err)
		return
	}
	if err := envelope.Validate(); err != nil {
		t.logger.Warn("dropping invalid envelope", "error", err)
		return
	}

	t.mu.Lock()
	var duplicate bool
	if !t.volatile[envelope.Type] {
		duplicate = t.seen.Contains(envelope.ID)
		t.seen.Add(envelope.ID)
	}
	if envelope.Type == TypeAck {
		var ack AckData
		if envelope.Decode(&ack) == nil {
			delete(t.awaitingAck, ack.ID)
		}
	}
	handlers := t.handlersLocked(envelope.Type)
	t.mu.Unlock()

	// A duplicate usually means our ack was lost, so ack it again.
	if t.ackTypes[envelope.Type] {
		t.acknowledge(envelope.ID)
	}
	if duplicate {
		t.logger.Debug("dropping duplicate envelope", "id", envelope.ID, "type", envelope.Type)
		return
	}
	for _, handler := range handlers {
		handler(envelope)
	}
}

func (t *Transport) acknowledge(id string) {
	ack, err := t.Envelope(TypeAck, AckData{ID: id})
	if err != nil {
		t.logger.Error("building ack", "error", err)
		return
	}
	t.send(ack)
}

func (t *Transport) handlersLocked(envelopeType string) []Handler {
	var handlers []Handler
	for _, handler := range t.subscribers[envelopeType] {
		handlers = append(handlers, handler)
	}
	for _, handler := range t.everything {
		handlers = append(handlers, handler)
	}
	return handlers
}

// Subscribe registers handler for one envelope type, including the
// reserved ones. The returned function unsubscribes.
func (t *Transport) Subscribe(envelopeType string, handler Handler) func() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.nextHandle++
	handle := t.nextHandle
	if t.subscribers[envelopeType] == nil {
		t.subscribers[envelopeType] = make(map[uint64]Handler)
	}
	t.subscribers[envelopeType][handle] = handler
	return func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		delete(t.subscribers[envelopeType], handle)
	}
}

// SubscribeAll registers handler for every envelope.
func (t *Transport) SubscribeAll(handler Handler) func() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.nextHandle++
	handle := t.nextHandle
	t.everything[handle] = handler
	return func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		delete(t.everything, handle)
	}
}

// MarkRead records that the local user read the given envelopes. The
// receipt goes out in one batch while in the foreground; each id is
// receipted at most once.
func (t *Transport) MarkRead(ids ...string) {
	t.mu.Lock()
	for _, id := range ids {
		if id == "" || t.receipted.Contains(id) {
			continue
		}
		t.receipted.Add(id)
		t.unread = append(t.unread, id)
	}
	t.mu.Unlock()
	t.emitReceipts()
}

// SetForeground gates read receipts. Going to the foreground emits any
// receipts held back while in the background.
func (t *Transport) SetForeground(foreground bool) {
	t.mu.Lock()
	t.foreground = foreground
	t.mu.Unlock()
	if foreground {
		t.emitReceipts()
	}
}

func (t *Transport) emitReceipts() {
	t.mu.Lock()
	if !t.foreground || !t.open || len(t.unread) == 0 {
		t.mu.Unlock()
		return
	}
	ids := t.unread
	t.unread = nil
	t.mu.Unlock()

	receipt, err := t.Envelope(TypeReadReceipt, ReceiptData{IDs: ids})
	if err != nil {
		t.logger.Error("building read receipt", "error", err)
		return
	}
	t.send(receipt)
}
