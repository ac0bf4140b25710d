// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package call

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/bureau-foundation/tether/delivery"
	"github.com/bureau-foundation/tether/lib/clock"
	"github.com/bureau-foundation/tether/transport"
)

// DefaultFallbackTimeout is how long after call-offer the media path
// has to connect before the call switches to chunked audio.
const DefaultFallbackTimeout = 6 * time.Second

var (
	// ErrCallInProgress is returned by Offer while another call is
	// live.
	ErrCallInProgress = errors.New("call: a call is already in progress")

	// ErrNoSuchCall is returned for operations on a call that is not
	// the current one or is in the wrong state.
	ErrNoSuchCall = errors.New("call: no such call")
)

// Bearer carries call envelopes. delivery.Transport implements it.
type Bearer interface {
	Envelope(envelopeType string, data any) (delivery.Envelope, error)
	Send(delivery.Envelope) (bool, error)
	TrySend(delivery.Envelope) error
	Subscribe(envelopeType string, handler delivery.Handler) func()
}

// Direction says which side offered the call.
type Direction int

const (
	Outgoing Direction = iota
	Incoming
)

func (d Direction) String() string {
	if d == Outgoing {
		return "outgoing"
	}
	return "incoming"
}

// State is the logical state of a call. Whether media flows over the
// real-time path or the fallback is reported separately.
type State int

const (
	// StateOffering: outgoing, waiting for the peer to answer.
	StateOffering State = iota
	// StateRinging: incoming, waiting for the local user.
	StateRinging
	StateActive
	StateEnded
)

func (s State) String() string {
	switch s {
	case StateOffering:
		return "offering"
	case StateRinging:
		return "ringing"
	case StateActive:
		return "active"
	case StateEnded:
		return "ended"
	default:
		return "unknown"
	}
}

// Call is a snapshot of one call.
type Call struct {
	ID        string
	Media     Media
	Direction Direction
	State     State

	// MediaConnected is true while the real-time path is connected.
	MediaConnected bool
	// Fallback is true once the call switched to chunked audio.
	Fallback bool

	StartedAt time.Time
	// Reason is set once the call ended.
	Reason string
}

// EventKind identifies an Event.
type EventKind int

const (
	EventIncoming EventKind = iota
	EventAccepted
	EventRejected
	EventMediaConnected
	EventMediaRestart
	EventFallback
	EventEnded
)

func (k EventKind) String() string {
	switch k {
	case EventIncoming:
		return "incoming"
	case EventAccepted:
		return "accepted"
	case EventRejected:
		return "rejected"
	case EventMediaConnected:
		return "media-connected"
	case EventMediaRestart:
		return "media-restart"
	case EventFallback:
		return "fallback"
	case EventEnded:
		return "ended"
	default:
		return "unknown"
	}
}

// Event reports a change to the current call.
type Event struct {
	Kind EventKind
	Call Call
	// Err is the media error that ended the call, if any.
	Err error
}

// Config configures a Manager.
type Config struct {
	Bearer Bearer

	// Media builds the real-time path. Nil means every call uses the
	// fallback path.
	Media MediaFactory

	// Devices opens audio devices for the fallback path.
	Devices Devices

	FallbackTimeout time.Duration

	// Restart bounds media path restarts within one call.
	Restart transport.ReconnectPolicy

	// Compression for audio-chunk payloads. Defaults to zstd.
	Compression Compression

	Clock  clock.Clock
	Logger *slog.Logger
}

// Manager runs the call protocol for one pair.
type Manager struct {
	bearer          Bearer
	media           MediaFactory
	devices         Devices
	fallbackTimeout time.Duration
	restart         transport.ReconnectPolicy
	compression     Compression
	clock           clock.Clock
	logger          *slog.Logger
	unsubscribe     []func()

	mu       sync.Mutex
	current  *activeCall
	handlers []func(Event)
	closed   bool
}

// activeCall is the mutable state behind the current Call.
type activeCall struct {
	Call

	path           MediaPath
	pathGeneration uint64
	stopWatch      context.CancelFunc

	// remoteOffer is the callee's copy of the SDP from call-offer.
	remoteOffer *Signal

	fallbackTimer *clock.Timer
	restartTimer  *clock.Timer
	restarts      int

	stopCapture context.CancelFunc
	source      AudioSource
	sink        AudioSink
	sendSeq     uint64
	lastSeq     uint64
}

// effects collects what must happen after the lock is released.
type effects struct {
	events  []Event
	closers []func()
}

func (fx *effects) event(kind EventKind, call *activeCall, err error) {
	fx.events = append(fx.events, Event{Kind: kind, Call: call.Call, Err: err})
}

// NewManager subscribes to the call envelope types on config.Bearer.
func NewManager(config Config) (*Manager, error) {
	if config.Bearer == nil {
		return nil, errors.New("call: Bearer is required")
	}
	if config.FallbackTimeout <= 0 {
		config.FallbackTimeout = DefaultFallbackTimeout
	}
	config.Restart = config.Restart.WithDefaults()
	if err := config.Restart.Validate(); err != nil {
		return nil, fmt.Errorf("call: %w", err)
	}
	if config.Compression == "" {
		config.Compression = CompressionZstd
	}
	if config.Clock == nil {
		config.Clock = clock.Real()
	}
	if config.Logger == nil {
		config.Logger = slog.New(slog.DiscardHandler)
	}

	m := &Manager{
		bearer:          config.Bearer,
		media:           config.Media,
		devices:         config.Devices,
		fallbackTimeout: config.FallbackTimeout,
		restart:         config.Restart,
		compression:     config.Compression,
		clock:           config.Clock,
		logger:          config.Logger,
	}
	m.unsubscribe = []func(){
		config.Bearer.Subscribe(TypeOffer, m.handleOffer),
		config.Bearer.Subscribe(TypeSignal, m.handleSignal),
		config.Bearer.Subscribe(TypeAccept, m.handleAccept),
		config.Bearer.Subscribe(TypeReject, m.handleReject),
		config.Bearer.Subscribe(TypeEnd, m.handleEnd),
		config.Bearer.Subscribe(TypeAudioChunk, m.handleAudioChunk),
		config.Bearer.Subscribe(TypeFallbackStart, m.handleFallbackStart),
	}
	return m, nil
}

// OnEvent registers fn for every call event. Handlers run outside the
// manager's lock, in registration order.
func (m *Manager) OnEvent(fn func(Event)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers = append(m.handlers, fn)
}

// Current returns the live call, if any.
func (m *Manager) Current() (Call, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == nil {
		return Call{}, false
	}
	return m.current.Call, true
}

// Offer starts an outgoing call. A media error from acquiring devices
// fails the attempt before anything is sent. Any other failure to build
// the real-time path leaves the call to the fallback.
func (m *Manager) Offer(ctx context.Context, media Media) (Call, error) {
	if !media.Valid() {
		return Call{}, fmt.Errorf("call: unknown media %q", media)
	}
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return Call{}, transport.ErrClosed
	}
	if m.current != nil {
		m.mu.Unlock()
		return Call{}, ErrCallInProgress
	}
	call := &activeCall{Call: Call{
		ID:        uuid.NewString(),
		Media:     media,
		Direction: Outgoing,
		State:     StateOffering,
		StartedAt: m.clock.Now(),
	}}
	m.current = call
	m.mu.Unlock()

	path, signal, err := m.prepareOffer(ctx, media)
	if err != nil {
		m.mu.Lock()
		if m.current == call {
			m.current = nil
		}
		m.mu.Unlock()
		return Call{}, err
	}

	m.mu.Lock()
	if m.current != call {
		m.mu.Unlock()
		closePath(path)
		return Call{}, ErrNoSuchCall
	}
	m.attachPathLocked(call, path)
	call.fallbackTimer = m.clock.AfterFunc(m.fallbackTimeout, func() { m.fallbackDue(call.ID) })
	m.sendLocked(TypeOffer, OfferData{CallID: call.ID, Media: media, Signal: signal})
	snapshot := call.Call
	m.mu.Unlock()

	m.logger.Info("call offered", "call_id", snapshot.ID, "media", string(media), "media_path", signal != nil)
	return snapshot, nil
}

// prepareOffer builds a media path and its offer. A nil path with a nil
// error means the call goes straight to fallback.
func (m *Manager) prepareOffer(ctx context.Context, media Media) (MediaPath, *Signal, error) {
	if m.media == nil {
		return nil, nil, nil
	}
	path, err := m.media.NewPath(media)
	if err != nil {
		if IsMediaError(err) {
			return nil, nil, err
		}
		m.logger.Warn("media path unavailable, call will use fallback audio", "error", err)
		return nil, nil, nil
	}
	sdp, err := path.CreateOffer(ctx)
	if err != nil {
		closePath(path)
		m.logger.Warn("media offer failed, call will use fallback audio", "error", err)
		return nil, nil, nil
	}
	return path, &Signal{Kind: SignalOffer, SDP: sdp}, nil
}

// Accept answers the ringing call.
func (m *Manager) Accept(ctx context.Context, callID string) (Call, error) {
	m.mu.Lock()
	call := m.current
	if call == nil || call.ID != callID || call.State != StateRinging {
		m.mu.Unlock()
		return Call{}, ErrNoSuchCall
	}
	call.State = StateActive
	offer, fallback := call.remoteOffer, call.Fallback
	call.remoteOffer = nil
	media := call.Media
	m.mu.Unlock()

	var path MediaPath
	var answer *Signal
	if !fallback && offer != nil && m.media != nil {
		var err error
		path, err = m.media.NewPath(media)
		switch {
		case IsMediaError(err):
			m.abort(callID, err)
			return Call{}, err
		case err != nil:
			m.logger.Warn("media path unavailable for answer", "call_id", callID, "error", err)
			path = nil
		default:
			sdp, err := path.Answer(ctx, offer.SDP)
			if err != nil {
				m.logger.Warn("answering media offer failed", "call_id", callID, "error", err)
				closePath(path)
				path = nil
			} else {
				answer = &Signal{Kind: SignalAnswer, SDP: sdp}
			}
		}
	}

	var fx effects
	m.mu.Lock()
	if m.current != call {
		m.mu.Unlock()
		closePath(path)
		return Call{}, ErrNoSuchCall
	}
	m.attachPathLocked(call, path)
	// The answer rides call-signal, ahead of call-accept on the same
	// ordered channel.
	if answer != nil {
		m.sendLocked(TypeSignal, SignalData{CallID: callID, Signal: *answer})
	}
	m.sendLocked(TypeAccept, AcceptData{CallID: callID})
	fx.event(EventAccepted, call, nil)
	if call.Fallback {
		m.startStreamingLocked(call, &fx)
	}
	snapshot := call.Call
	m.mu.Unlock()
	m.finish(fx)

	m.logger.Info("call accepted", "call_id", callID, "fallback", snapshot.Fallback)
	return snapshot, nil
}

// Reject declines the ringing call.
func (m *Manager) Reject(callID, reason string) error {
	if reason == "" {
		reason = ReasonDeclined
	}
	var fx effects
	m.mu.Lock()
	call := m.current
	if call == nil || call.ID != callID || call.State != StateRinging {
		m.mu.Unlock()
		return ErrNoSuchCall
	}
	m.sendLocked(TypeReject, RejectData{CallID: callID, Reason: reason})
	m.endLocked(call, reason, nil, &fx)
	m.mu.Unlock()
	m.finish(fx)
	return nil
}

// End hangs up the current call in any state.
func (m *Manager) End(callID string) error {
	var fx effects
	m.mu.Lock()
	call := m.current
	if call == nil || call.ID != callID {
		m.mu.Unlock()
		return ErrNoSuchCall
	}
	m.sendLocked(TypeEnd, EndData{CallID: callID, Reason: ReasonHangup})
	m.endLocked(call, ReasonHangup, nil, &fx)
	m.mu.Unlock()
	m.finish(fx)
	return nil
}

// Close ends any call and stops handling call envelopes.
func (m *Manager) Close() error {
	var fx effects
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	if call := m.current; call != nil {
		m.sendLocked(TypeEnd, EndData{CallID: call.ID, Reason: ReasonHangup})
		m.endLocked(call, ReasonHangup, nil, &fx)
	}
	m.mu.Unlock()
	m.finish(fx)
	for _, unsubscribe := range m.unsubscribe {
		unsubscribe()
	}
	return nil
}

// abort ends a call because of a local media error, telling the peer
// why.
func (m *Manager) abort(callID string, err error) {
	var fx effects
	m.mu.Lock()
	call := m.current
	if call == nil || call.ID != callID {
		m.mu.Unlock()
		return
	}
	reason := Reason(err)
	m.logger.Warn("call ended by media error", "call_id", callID, "reason", reason, "error", err)
	m.sendLocked(TypeEnd, EndData{CallID: callID, Reason: reason})
	m.endLocked(call, reason, err, &fx)
	m.mu.Unlock()
	m.finish(fx)
}

func (m *Manager) sendLocked(envelopeType string, data any) {
	envelope, err := m.bearer.Envelope(envelopeType, data)
	if err == nil {
		_, err = m.bearer.Send(envelope)
	}
	if err != nil {
		m.logger.Error("sending call envelope", "type", envelopeType, "error", err)
	}
}

func (m *Manager) endLocked(call *activeCall, reason string, err error, fx *effects) {
	call.State = StateEnded
	call.Reason = reason
	call.MediaConnected = false
	call.fallbackTimer.Stop()
	call.restartTimer.Stop()
	m.detachPathLocked(call, fx)
	if call.stopCapture != nil {
		call.stopCapture()
		call.stopCapture = nil
	}
	if source := call.source; source != nil {
		fx.closers = append(fx.closers, func() { source.Close() })
		call.source = nil
	}
	if sink := call.sink; sink != nil {
		fx.closers = append(fx.closers, func() { sink.Close() })
		call.sink = nil
	}
	if m.current == call {
		m.current = nil
	}
	fx.event(EventEnded, call, err)
}

func (m *Manager) finish(fx effects) {
	for _, closer := range fx.closers {
		closer()
	}
	if len(fx.events) == 0 {
		return
	}
	m.mu.Lock()
	handlers := slices.Clone(m.handlers)
	m.mu.Unlock()
	for _, event := range fx.events {
		for _, handler := range handlers {
			handler(event)
		}
	}
}

// attachPathLocked makes path the call's media path and starts
// watching its events. A nil path is allowed.
func (m *Manager) attachPathLocked(call *activeCall, path MediaPath) {
	if path == nil {
		return
	}
	call.pathGeneration++
	call.path = path
	ctx, cancel := context.WithCancel(context.Background())
	call.stopWatch = cancel
	go m.watch(ctx, call.ID, call.pathGeneration, path)
}

func (m *Manager) detachPathLocked(call *activeCall, fx *effects) {
	if call.path == nil {
		return
	}
	call.stopWatch()
	path := call.path
	fx.closers = append(fx.closers, func() { closePath(path) })
	call.path = nil
	call.stopWatch = nil
	call.pathGeneration++
}

func (m *Manager) watch(ctx context.Context, callID string, generation uint64, path MediaPath) {
	for {
		select {
		case <-ctx.Done():
			return
		case event := <-path.Events():
			m.handleMediaEvent(callID, generation, event)
		}
	}
}

func (m *Manager) handleMediaEvent(callID string, generation uint64, event MediaEvent) {
	var fx effects
	m.mu.Lock()
	call := m.current
	if call == nil || call.ID != callID || call.pathGeneration != generation {
		m.mu.Unlock()
		return
	}
	switch event {
	case MediaConnected:
		if !call.MediaConnected {
			call.MediaConnected = true
			call.restarts = 0
			if !call.Fallback {
				call.fallbackTimer.Stop()
				fx.event(EventMediaConnected, call, nil)
			}
		}
	case MediaFailed, MediaClosed:
		call.MediaConnected = false
		if !call.Fallback && call.State == StateActive {
			m.mediaLostLocked(call, &fx)
		}
	}
	m.mu.Unlock()
	m.finish(fx)
}

// mediaLostLocked handles a dead media path in an active call. The
// offering side restarts the path with backoff and degrades to the
// fallback once the budget is spent; the answering side waits for the
// restart offer.
func (m *Manager) mediaLostLocked(call *activeCall, fx *effects) {
	if call.Direction != Outgoing {
		m.logger.Info("media path lost, waiting for restart", "call_id", call.ID)
		return
	}
	call.restarts++
	if call.restarts > m.restart.MaxAttempts {
		m.logger.Warn("media restarts exhausted, degrading to fallback audio", "call_id", call.ID, "restarts", call.restarts-1)
		m.enterFallbackLocked(call, fx)
		return
	}
	delay := m.restart.Delay(call.restarts - 1)
	m.logger.Info("media path lost, restarting", "call_id", call.ID, "attempt", call.restarts, "delay", delay)
	callID, attempt := call.ID, call.restarts
	call.restartTimer.Stop()
	call.restartTimer = m.clock.AfterFunc(delay, func() { go m.restartMedia(callID, attempt) })
	fx.event(EventMediaRestart, call, nil)
}

func (m *Manager) restartMedia(callID string, attempt int) {
	m.mu.Lock()
	call := m.current
	if call == nil || call.ID != callID || call.restarts != attempt || call.Fallback {
		m.mu.Unlock()
		return
	}
	media := call.Media
	m.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), mediaGatherTimeout)
	defer cancel()
	path, signal, err := m.prepareOffer(ctx, media)

	var fx effects
	m.mu.Lock()
	defer func() {
		m.mu.Unlock()
		m.finish(fx)
	}()
	if m.current != call || call.restarts != attempt || call.Fallback {
		closePath(path)
		return
	}
	if err != nil {
		// Only media errors reach here, and they end the call.
		reason := Reason(err)
		m.logger.Warn("media restart failed, ending call", "call_id", callID, "reason", reason, "error", err)
		m.sendLocked(TypeEnd, EndData{CallID: callID, Reason: reason})
		m.endLocked(call, reason, err, &fx)
		return
	}
	if path == nil {
		m.enterFallbackLocked(call, &fx)
		return
	}
	m.detachPathLocked(call, &fx)
	m.attachPathLocked(call, path)
	m.sendLocked(TypeSignal, SignalData{CallID: callID, Signal: *signal})
}

func (m *Manager) fallbackDue(callID string) {
	var fx effects
	m.mu.Lock()
	call := m.current
	if call == nil || call.ID != callID || call.MediaConnected || call.Fallback {
		m.mu.Unlock()
		return
	}
	m.logger.Warn("media path did not connect in time, switching to fallback audio",
		"call_id", callID, "timeout", m.fallbackTimeout)
	m.enterFallbackLocked(call, &fx)
	m.mu.Unlock()
	m.finish(fx)
}

// enterFallbackLocked switches the call to chunked audio and tells the
// peer to do the same.
func (m *Manager) enterFallbackLocked(call *activeCall, fx *effects) {
	call.Fallback = true
	call.fallbackTimer.Stop()
	call.restartTimer.Stop()
	m.detachPathLocked(call, fx)
	call.MediaConnected = false
	m.sendLocked(TypeFallbackStart, FallbackStartData{CallID: call.ID})
	fx.event(EventFallback, call, nil)
	if call.State == StateActive {
		m.startStreamingLocked(call, fx)
	}
}

// startStreamingLocked opens the audio devices and starts sending
// chunks. Device errors end the call.
func (m *Manager) startStreamingLocked(call *activeCall, fx *effects) {
	if call.stopCapture != nil {
		return
	}
	if m.devices == nil {
		m.sendLocked(TypeEnd, EndData{CallID: call.ID, Reason: ReasonDeviceUnavailable})
		m.endLocked(call, ReasonDeviceUnavailable, ErrDeviceUnavailable, fx)
		return
	}
	source, err := m.devices.OpenCapture()
	if err == nil {
		var sink AudioSink
		sink, err = m.devices.OpenPlayback()
		if err != nil {
			source.Close()
		} else {
			call.source, call.sink = source, sink
		}
	}
	if err != nil {
		reason := Reason(err)
		m.logger.Warn("opening fallback audio failed", "call_id", call.ID, "reason", reason, "error", err)
		m.sendLocked(TypeEnd, EndData{CallID: call.ID, Reason: reason})
		m.endLocked(call, reason, err, fx)
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	call.stopCapture = cancel
	go m.stream(ctx, call.ID, call.source)
	m.logger.Info("fallback audio streaming", "call_id", call.ID, "compression", string(m.compression))
}

// stream sends captured frames until ctx is cancelled. Frames that
// cannot go out immediately are dropped.
func (m *Manager) stream(ctx context.Context, callID string, source AudioSource) {
	for {
		frame, err := source.ReadFrame(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if IsMediaError(err) {
				m.abort(callID, err)
				return
			}
			m.logger.Info("fallback audio capture stopped", "call_id", callID, "error", err)
			return
		}

		m.mu.Lock()
		call := m.current
		if call == nil || call.ID != callID || call.source != source {
			m.mu.Unlock()
			return
		}
		call.sendSeq++
		frame.Seq = call.sendSeq
		m.mu.Unlock()

		chunk, err := EncodeChunk(callID, frame, m.compression)
		if err != nil {
			m.logger.Error("encoding audio chunk", "call_id", callID, "error", err)
			continue
		}
		envelope, err := m.bearer.Envelope(TypeAudioChunk, chunk)
		if err != nil {
			m.logger.Error("building audio chunk", "call_id", callID, "error", err)
			continue
		}
		if err := m.bearer.TrySend(envelope); err != nil {
			m.logger.Debug("dropping audio chunk", "call_id", callID, "seq", frame.Seq, "error", err)
		}
	}
}

func closePath(path MediaPath) {
	if path != nil {
		path.Close()
	}
}
