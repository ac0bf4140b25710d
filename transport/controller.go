// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bureau-foundation/tether/lib/clock"
	"github.com/bureau-foundation/tether/lib/pairing"
)

const (
	// DefaultLivenessInterval is how often the controller checks that
	// the live channel is still usable.
	DefaultLivenessInterval = 30 * time.Second

	// DefaultDialTimeout bounds a single dial attempt. For a Responder
	// it is how long to wait for the Initiator's channel after a wake.
	DefaultDialTimeout = 15 * time.Second
)

// Handler receives the controller's output. Both methods run on the
// controller's event goroutine, one call at a time, and must not block
// on the controller itself (Close in particular).
type Handler interface {
	// HandleState is called after every state change.
	HandleState(previous, current State)

	// HandleFrame is called for each message received on the live
	// channel, in order.
	HandleFrame(data []byte)
}

// ControllerConfig configures a Controller.
type ControllerConfig struct {
	Pairing   pairing.Pairing
	Connector Connector
	Handler   Handler

	// Policy bounds reconnection. Zero fields take defaults.
	Policy ReconnectPolicy

	// LivenessInterval defaults to DefaultLivenessInterval.
	LivenessInterval time.Duration

	// DialTimeout defaults to DefaultDialTimeout.
	DialTimeout time.Duration

	// Clock defaults to clock.Real().
	Clock clock.Clock

	Logger *slog.Logger
}

// Controller owns the single channel of one pair and drives it through
// the lifecycle state machine. The machine is only ever touched by the
// event goroutine started in Start; every other input (channel events,
// dial results, timers, public calls) is posted to it.
type Controller struct {
	role             pairing.Role
	connector        Connector
	handler          Handler
	policy           ReconnectPolicy
	livenessInterval time.Duration
	dialTimeout      time.Duration
	clock            clock.Clock
	logger           *slog.Logger

	// inbox is unbounded so posting never blocks, including from
	// Handler callbacks and clock callbacks.
	inboxMu sync.Mutex
	inbox   []input
	signal  chan struct{}

	// mu guards the fields read outside the event goroutine.
	mu    sync.RWMutex
	state State
	live  Channel

	lifeMu  sync.Mutex
	started bool
	closed  bool
	ctx     context.Context
	cancel  context.CancelFunc
	stopped chan struct{}

	attaching atomic.Bool

	// Owned by the event goroutine.
	machine    Machine
	generation uint64
	dialID     uint64
	dialCancel context.CancelFunc
	retryID    uint64
	retryTimer *clock.Timer
}

// input is one item in the controller's inbox.
type input struct {
	event Event

	// channel accompanies EventChannelOpen.
	channel Channel

	// frame, when isFrame, is a received message.
	frame   []byte
	isFrame bool

	// generation tags frames and EventChannelLost with the channel
	// they came from.
	generation uint64
	// dialID tags dial results; zero for inbound channels.
	dialID uint64
	// retryID tags EventRetryDue.
	retryID uint64

	err error
}

// NewController validates config. Nothing runs until Start.
func NewController(config ControllerConfig) (*Controller, error) {
	if config.Connector == nil {
		return nil, errors.New("transport: Connector is required")
	}
	if config.Pairing.Role != pairing.Initiator && config.Pairing.Role != pairing.Responder {
		return nil, errors.New("transport: pairing has no role")
	}
	policy := config.Policy.WithDefaults()
	if err := policy.Validate(); err != nil {
		return nil, fmt.Errorf("transport: %w", err)
	}
	if config.Handler == nil {
		config.Handler = nopHandler{}
	}
	if config.LivenessInterval <= 0 {
		config.LivenessInterval = DefaultLivenessInterval
	}
	if config.DialTimeout <= 0 {
		config.DialTimeout = DefaultDialTimeout
	}
	if config.Clock == nil {
		config.Clock = clock.Real()
	}
	if config.Logger == nil {
		config.Logger = slog.New(slog.DiscardHandler)
	}
	return &Controller{
		role:             config.Pairing.Role,
		connector:        config.Connector,
		handler:          config.Handler,
		policy:           policy,
		livenessInterval: config.LivenessInterval,
		dialTimeout:      config.DialTimeout,
		clock:            config.Clock,
		logger: config.Logger.With(
			"pair", config.Pairing.Endpoints.Pair,
			"role", config.Pairing.Role.String(),
		),
		signal:  make(chan struct{}, 1),
		stopped: make(chan struct{}),
	}, nil
}

// Start launches the event goroutine and begins connecting. The
// controller tears down when ctx is cancelled or Close is called.
func (c *Controller) Start(ctx context.Context) error {
	c.lifeMu.Lock()
	defer c.lifeMu.Unlock()
	if c.closed {
		return ErrClosed
	}
	if c.started {
		return errors.New("transport: controller already started")
	}
	c.started = true
	c.ctx, c.cancel = context.WithCancel(ctx)

	go c.run()
	go c.forward()
	c.post(input{event: Event{Kind: EventStart}})
	return nil
}

// State returns the current lifecycle state.
func (c *Controller) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// Send writes data on the live channel. It never queues: when no
// channel is open it returns ErrNotOpen.
func (c *Controller) Send(data []byte) error {
	c.mu.RLock()
	live, state := c.live, c.state
	c.mu.RUnlock()
	if live == nil || !state.Connected() {
		return ErrNotOpen
	}
	return live.Send(data)
}

// Stats samples the live channel.
func (c *Controller) Stats() (ChannelStats, error) {
	c.mu.RLock()
	live := c.live
	c.mu.RUnlock()
	if live == nil {
		return ChannelStats{}, ErrNotOpen
	}
	return live.Stats()
}

// MarkTunnelEstablished records that the handshake completed on the
// live channel.
func (c *Controller) MarkTunnelEstablished() {
	c.post(input{event: Event{Kind: EventTunnelEstablished}})
}

// Reconnect restarts the connection cycle, typically after Failed.
func (c *Controller) Reconnect() {
	c.post(input{event: Event{Kind: EventReconnect}})
}

// WakePeer sends a payload-free wake-up through signaling so a
// backgrounded peer reattaches. The connection state is unaffected.
func (c *Controller) WakePeer(ctx context.Context) error {
	if err := c.connector.Attach(ctx); err != nil {
		return fmt.Errorf("attaching signaling: %w", err)
	}
	if err := c.connector.Wake(ctx); err != nil {
		return fmt.Errorf("waking peer: %w", err)
	}
	return nil
}

// Close tears the controller down to Closed, releasing the live channel
// and the connector, and waits for the event goroutine to exit. Must
// not be called from a Handler callback.
func (c *Controller) Close() error {
	c.lifeMu.Lock()
	if c.closed {
		c.lifeMu.Unlock()
		return nil
	}
	c.closed = true
	started := c.started
	c.lifeMu.Unlock()

	if !started {
		c.mu.Lock()
		c.state = StateClosed
		c.mu.Unlock()
		return c.connector.Close()
	}
	c.post(input{event: Event{Kind: EventTeardown}})
	<-c.stopped
	return nil
}

func (c *Controller) post(in input) {
	c.inboxMu.Lock()
	c.inbox = append(c.inbox, in)
	c.inboxMu.Unlock()
	select {
	case c.signal <- struct{}{}:
	default:
	}
}

func (c *Controller) drain() []input {
	c.inboxMu.Lock()
	defer c.inboxMu.Unlock()
	pending := c.inbox
	c.inbox = nil
	return pending
}

func (c *Controller) run() {
	defer close(c.stopped)
	defer c.cancel()

	ticker := c.clock.NewTicker(c.livenessInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.signal:
			for _, in := range c.drain() {
				c.dispatch(in)
				if c.machine.State == StateClosed {
					return
				}
			}
		case <-ticker.C:
			c.dispatch(input{event: Event{Kind: EventLiveness, ChannelReady: c.liveReady()}})
		case <-c.ctx.Done():
			c.dispatch(input{event: Event{Kind: EventTeardown}})
			return
		}
	}
}

// forward turns connector output into inbox items.
func (c *Controller) forward() {
	inbound, wakes := c.connector.Inbound(), c.connector.Wakes()
	for inbound != nil || wakes != nil {
		select {
		case channel, ok := <-inbound:
			if !ok {
				inbound = nil
				continue
			}
			c.post(input{event: Event{Kind: EventChannelOpen}, channel: channel})
		case _, ok := <-wakes:
			if !ok {
				wakes = nil
				continue
			}
			c.logger.Debug("wake-up received")
			c.post(input{event: Event{Kind: EventWake}})
		case <-c.ctx.Done():
			return
		}
	}
}

// dispatch applies one input and any follow-up events its effects
// produce. Follow-ups run after the state change they came from has
// been reported, so handlers always see transitions in order.
func (c *Controller) dispatch(first input) {
	queue := []input{first}
	for len(queue) > 0 {
		in := queue[0]
		queue = queue[1:]

		if in.isFrame {
			if in.generation == c.generation && c.machine.State.Connected() {
				c.handler.HandleFrame(in.frame)
			}
			continue
		}
		if c.stale(in) {
			if in.channel != nil {
				in.channel.Close()
			}
			continue
		}

		previous := c.machine
		next, effects := Transition(previous, in.event, c.policy)
		c.machine = next
		for _, effect := range effects {
			queue = append(queue, c.execute(effect, in)...)
		}

		if next.State != previous.State {
			c.mu.Lock()
			c.state = next.State
			c.mu.Unlock()
			c.logger.Info("connection state changed",
				"from", previous.State.String(),
				"to", next.State.String(),
				"event", in.event.Kind.String(),
				"attempts", next.Attempts,
			)
			c.handler.HandleState(previous.State, next.State)
		}
	}
}

// stale reports inputs from superseded channels, dials or timers.
func (c *Controller) stale(in input) bool {
	switch in.event.Kind {
	case EventChannelLost:
		return in.generation != c.generation
	case EventRetryDue:
		return in.retryID != c.retryID
	case EventChannelOpen, EventDialFailed:
		if in.dialID == 0 {
			return false
		}
		if in.dialID != c.dialID {
			return true
		}
		// The current dial finished.
		c.dialCancel = nil
		if in.err != nil {
			c.logger.Warn("dial failed", "error", in.err)
		}
	}
	return false
}

func (c *Controller) execute(effect Effect, in input) []input {
	switch effect.Kind {
	case EffectAttach:
		c.attach()
	case EffectDial:
		c.dial()
		return []input{{event: Event{Kind: EventDialStarted}}}
	case EffectScheduleRetry:
		c.scheduleRetry(effect.Delay)
	case EffectCancelRetry:
		c.cancelRetry()
	case EffectAdopt:
		c.adopt(in.channel)
	case EffectCloseIncoming:
		c.logger.Info("closing duplicate channel")
		in.channel.Close()
	case EffectDropChannel:
		c.dropChannel()
	case EffectNotifyFailed:
		c.logger.Warn("reconnection gave up", "attempts", c.machine.Attempts)
	case EffectDetach:
		c.cancelDial()
		if err := c.connector.Close(); err != nil {
			c.logger.Warn("closing connector", "error", err)
		}
	}
	return nil
}

func (c *Controller) attach() {
	if !c.attaching.CompareAndSwap(false, true) {
		return
	}
	go func() {
		defer c.attaching.Store(false)
		if err := c.connector.Attach(c.ctx); err != nil {
			c.logger.Warn("attaching signaling failed", "error", err)
			return
		}
		c.post(input{event: Event{Kind: EventSignalingUp}})
	}()
}

// dial starts an attempt unless one is already in flight.
func (c *Controller) dial() {
	if c.dialCancel != nil {
		return
	}
	c.dialID++
	id := c.dialID
	ctx, cancel := context.WithCancel(c.ctx)
	c.dialCancel = cancel
	timer := c.clock.AfterFunc(c.dialTimeout, cancel)

	go func() {
		defer cancel()
		defer timer.Stop()
		channel, err := c.open(ctx)
		if err != nil {
			c.post(input{event: Event{Kind: EventDialFailed}, dialID: id, err: err})
			return
		}
		c.post(input{event: Event{Kind: EventChannelOpen}, channel: channel, dialID: id})
	}()
}

// open performs one dial. Signaling may have dropped since the last
// attempt, so it is reattached first. A Responder cannot dial: it wakes
// the Initiator and waits for the resulting inbound channel, which
// arrives through Inbound and cancels this attempt.
func (c *Controller) open(ctx context.Context) (Channel, error) {
	if err := c.connector.Attach(ctx); err != nil {
		return nil, fmt.Errorf("attaching signaling: %w", err)
	}
	if c.role == pairing.Initiator {
		return c.connector.Dial(ctx)
	}
	if err := c.connector.Wake(ctx); err != nil {
		return nil, fmt.Errorf("waking initiator: %w", err)
	}
	<-ctx.Done()
	return nil, fmt.Errorf("waiting for initiator: %w", ErrUnreachable)
}

func (c *Controller) cancelDial() {
	if c.dialCancel != nil {
		c.dialCancel()
		c.dialCancel = nil
		c.dialID++
	}
}

func (c *Controller) scheduleRetry(delay time.Duration) {
	c.cancelRetry()
	id := c.retryID
	c.retryTimer = c.clock.AfterFunc(delay, func() {
		c.post(input{event: Event{Kind: EventRetryDue}, retryID: id})
	})
}

func (c *Controller) cancelRetry() {
	c.retryTimer.Stop()
	c.retryTimer = nil
	c.retryID++
}

func (c *Controller) adopt(channel Channel) {
	c.cancelDial()
	c.generation++
	generation := c.generation
	c.mu.Lock()
	c.live = channel
	c.mu.Unlock()
	go c.pump(channel, generation)
}

func (c *Controller) dropChannel() {
	c.generation++
	c.mu.Lock()
	live := c.live
	c.live = nil
	c.mu.Unlock()
	if live != nil {
		live.Close()
	}
}

func (c *Controller) pump(channel Channel, generation uint64) {
	lost := input{event: Event{Kind: EventChannelLost}, generation: generation}
	for {
		select {
		case data, ok := <-channel.Receive():
			if !ok {
				c.post(lost)
				return
			}
			c.post(input{isFrame: true, frame: data, generation: generation})
		case <-channel.Done():
			c.post(lost)
			return
		case <-c.ctx.Done():
			return
		}
	}
}

func (c *Controller) liveReady() bool {
	return c.live != nil && c.live.Ready()
}

type nopHandler struct{}

func (nopHandler) HandleState(State, State) {}
func (nopHandler) HandleFrame([]byte)       {}
