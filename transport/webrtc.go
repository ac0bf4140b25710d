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

	"github.com/pion/webrtc/v4"

	"github.com/bureau-foundation/tether/lib/pairing"
)

// Compile-time interface checks.
var (
	_ Connector = (*WebRTCConnector)(nil)
	_ Channel   = (*webrtcChannel)(nil)
)

// iceGatherTimeout is the maximum time to wait for ICE candidate
// gathering to complete before publishing the SDP.
const iceGatherTimeout = 15 * time.Second

// tunnelLabel names the single data channel of a pair.
const tunnelLabel = "tunnel"

// WebRTCConnectorConfig configures a WebRTCConnector.
type WebRTCConnectorConfig struct {
	Pairing  pairing.Pairing
	Signaler Signaler
	ICE      ICEConfig
	Logger   *slog.Logger
}

// WebRTCConnector opens pion/webrtc data channels to the paired peer.
// Each channel is its own PeerConnection with one ordered, reliable
// data channel, so closing a channel releases everything under it.
//
// Only the Initiator publishes offers. An offer that reaches an
// Initiator is a signaling race and is ignored, the same tie-break the
// lexicographic role assignment makes everywhere else. Signals from any
// endpoint other than the paired peer's are dropped.
type WebRTCConnector struct {
	pairing  pairing.Pairing
	signaler Signaler
	logger   *slog.Logger
	api      *webrtc.API

	// iceConfig is protected by configMu so TURN credentials can be
	// refreshed while running.
	configMu  sync.RWMutex
	iceConfig ICEConfig

	inbound chan Channel
	wakes   chan struct{}

	receiveOnce sync.Once

	// answers receives the SDP answer for the dial in flight; nil when
	// no dial is waiting.
	mu      sync.Mutex
	answers chan string

	closeOnce sync.Once
	closed    chan struct{}
}

// NewWebRTCConnector returns a connector for config.Pairing.
func NewWebRTCConnector(config WebRTCConnectorConfig) (*WebRTCConnector, error) {
	if config.Signaler == nil {
		return nil, errors.New("transport: Signaler is required")
	}
	if config.Logger == nil {
		config.Logger = slog.New(slog.DiscardHandler)
	}
	return &WebRTCConnector{
		pairing:   config.Pairing,
		signaler:  config.Signaler,
		logger:    config.Logger.With("peer", config.Pairing.Endpoints.Remote),
		api:       NewAPI(),
		iceConfig: config.ICE,
		inbound:   make(chan Channel, 4),
		wakes:     make(chan struct{}, 1),
		closed:    make(chan struct{}),
	}, nil
}

// UpdateICEConfig replaces the ICE configuration for new channels.
func (wc *WebRTCConnector) UpdateICEConfig(config ICEConfig) {
	wc.configMu.Lock()
	defer wc.configMu.Unlock()
	wc.iceConfig = config
}

func (wc *WebRTCConnector) Attach(ctx context.Context) error {
	select {
	case <-wc.closed:
		return ErrClosed
	default:
	}
	if err := wc.signaler.Connect(ctx); err != nil {
		return err
	}
	wc.receiveOnce.Do(func() { go wc.receive() })
	return nil
}

func (wc *WebRTCConnector) Inbound() <-chan Channel { return wc.inbound }

func (wc *WebRTCConnector) Wakes() <-chan struct{} { return wc.wakes }

func (wc *WebRTCConnector) Wake(ctx context.Context) error {
	return wc.signaler.Publish(ctx, Signal{Kind: SignalWake, To: wc.pairing.Endpoints.Remote})
}

// Close stops signal processing and closes the signaler. Channels
// already handed out stay with their owner.
func (wc *WebRTCConnector) Close() error {
	var err error
	wc.closeOnce.Do(func() {
		close(wc.closed)
		err = wc.signaler.Close()
	})
	return err
}

func (wc *WebRTCConnector) receive() {
	for {
		select {
		case <-wc.closed:
			return
		case signal := <-wc.signaler.Signals():
			wc.handleSignal(signal)
		}
	}
}

func (wc *WebRTCConnector) handleSignal(signal Signal) {
	if signal.From != wc.pairing.Endpoints.Remote {
		wc.logger.Warn("dropping signal from unpaired endpoint", "from", signal.From, "kind", signal.Kind)
		return
	}
	switch signal.Kind {
	case SignalWake:
		select {
		case wc.wakes <- struct{}{}:
		default:
		}
	case SignalAnswer:
		wc.mu.Lock()
		answers := wc.answers
		wc.mu.Unlock()
		if answers == nil {
			wc.logger.Debug("dropping answer with no dial in flight")
			return
		}
		select {
		case answers <- signal.SDP:
		default:
		}
	case SignalOffer:
		if wc.pairing.Role == pairing.Initiator {
			wc.logger.Info("ignoring offer: this side is the canonical offerer")
			return
		}
		go func() {
			if err := wc.answer(signal.SDP); err != nil {
				wc.logger.Error("answering WebRTC offer failed", "error", err)
			}
		}()
	default:
		wc.logger.Warn("dropping unknown signal", "kind", signal.Kind)
	}
}

// Dial publishes an offer, waits for the answer and returns the channel
// once its data channel is open.
func (wc *WebRTCConnector) Dial(ctx context.Context) (Channel, error) {
	select {
	case <-wc.closed:
		return nil, ErrClosed
	default:
	}

	pc, err := wc.newPeerConnection()
	if err != nil {
		return nil, fmt.Errorf("creating PeerConnection: %w", err)
	}
	ordered := true
	dc, err := pc.CreateDataChannel(tunnelLabel, &webrtc.DataChannelInit{Ordered: &ordered})
	if err != nil {
		pc.Close()
		return nil, fmt.Errorf("creating data channel: %w", err)
	}
	channel := newWebRTCChannel(pc, dc)

	answers := make(chan string, 1)
	wc.mu.Lock()
	wc.answers = answers
	wc.mu.Unlock()
	defer func() {
		wc.mu.Lock()
		if wc.answers == answers {
			wc.answers = nil
		}
		wc.mu.Unlock()
	}()

	fail := func(err error) (Channel, error) {
		channel.Close()
		return nil, err
	}

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		return fail(fmt.Errorf("creating SDP offer: %w", err))
	}
	completeSDP, err := wc.gather(ctx, pc, offer)
	if err != nil {
		return fail(err)
	}
	if err := wc.signaler.Publish(ctx, Signal{Kind: SignalOffer, To: wc.pairing.Endpoints.Remote, SDP: completeSDP}); err != nil {
		return fail(fmt.Errorf("publishing SDP offer: %w", err))
	}
	wc.logger.Info("WebRTC offer published")

	var answerSDP string
	select {
	case answerSDP = <-answers:
	case <-ctx.Done():
		return fail(fmt.Errorf("waiting for SDP answer: %w", ctx.Err()))
	case <-wc.closed:
		return fail(ErrClosed)
	}
	if err := pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: answerSDP}); err != nil {
		return fail(fmt.Errorf("setting remote description: %w", err))
	}

	select {
	case <-channel.opened:
	case <-channel.done:
		return fail(fmt.Errorf("data channel closed before opening: %w", ErrChannelClosed))
	case <-ctx.Done():
		return fail(fmt.Errorf("waiting for data channel: %w", ctx.Err()))
	case <-wc.closed:
		return fail(ErrClosed)
	}
	wc.logger.Info("WebRTC outbound channel open")
	return channel, nil
}

// answer accepts an offer. The resulting channel reaches Inbound once
// its data channel opens.
func (wc *WebRTCConnector) answer(offerSDP string) error {
	pc, err := wc.newPeerConnection()
	if err != nil {
		return fmt.Errorf("creating PeerConnection: %w", err)
	}

	// Replaced by the channel's own handler once the data channel
	// arrives; until then a failed connection just releases pc.
	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		if state == webrtc.PeerConnectionStateFailed {
			pc.Close()
		}
	})
	pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		if dc.Label() != tunnelLabel {
			wc.logger.Warn("closing unexpected data channel", "label", dc.Label())
			dc.Close()
			return
		}
		channel := newWebRTCChannel(pc, dc)
		go func() {
			select {
			case <-channel.opened:
			case <-channel.done:
				return
			case <-wc.closed:
				channel.Close()
				return
			}
			select {
			case wc.inbound <- channel:
				wc.logger.Info("WebRTC inbound channel open")
			case <-wc.closed:
				channel.Close()
			}
		}()
	})

	if err := pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: offerSDP}); err != nil {
		pc.Close()
		return fmt.Errorf("setting remote description: %w", err)
	}
	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		pc.Close()
		return fmt.Errorf("creating SDP answer: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), iceGatherTimeout)
	defer cancel()
	completeSDP, err := wc.gather(ctx, pc, answer)
	if err != nil {
		pc.Close()
		return err
	}
	if err := wc.signaler.Publish(ctx, Signal{Kind: SignalAnswer, To: wc.pairing.Endpoints.Remote, SDP: completeSDP}); err != nil {
		pc.Close()
		return fmt.Errorf("publishing SDP answer: %w", err)
	}
	wc.logger.Info("WebRTC offer answered")
	return nil
}

// gather sets the local description and waits for vanilla ICE gathering
// to finish, returning the complete SDP.
func (wc *WebRTCConnector) gather(ctx context.Context, pc *webrtc.PeerConnection, description webrtc.SessionDescription) (string, error) {
	gatherComplete := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(description); err != nil {
		return "", fmt.Errorf("setting local description: %w", err)
	}
	select {
	case <-gatherComplete:
	case <-time.After(iceGatherTimeout): //nolint:realclock // bounded ICE gathering
		return "", fmt.Errorf("ICE gathering timed out after %s", iceGatherTimeout)
	case <-ctx.Done():
		return "", ctx.Err()
	}
	return pc.LocalDescription().SDP, nil
}

func (wc *WebRTCConnector) newPeerConnection() (*webrtc.PeerConnection, error) {
	wc.configMu.RLock()
	config := webrtc.Configuration{ICEServers: wc.iceConfig.Servers}
	wc.configMu.RUnlock()
	return wc.api.NewPeerConnection(config)
}

// webrtcChannel is a Channel over one pion data channel. It owns its
// PeerConnection.
type webrtcChannel struct {
	pc *webrtc.PeerConnection
	dc *webrtc.DataChannel

	incoming chan []byte
	opened   chan struct{}
	openOnce sync.Once
	done     chan struct{}
	closing  atomic.Bool

	// Loss is computed from STUN request/response deltas between
	// samples.
	statsMu       sync.Mutex
	lastRequests  uint64
	lastResponses uint64
}

func newWebRTCChannel(pc *webrtc.PeerConnection, dc *webrtc.DataChannel) *webrtcChannel {
	channel := &webrtcChannel{
		pc:       pc,
		dc:       dc,
		incoming: make(chan []byte, memoryBuffer),
		opened:   make(chan struct{}),
		done:     make(chan struct{}),
	}
	dc.OnOpen(func() {
		channel.openOnce.Do(func() { close(channel.opened) })
	})
	dc.OnMessage(func(message webrtc.DataChannelMessage) {
		select {
		case channel.incoming <- message.Data:
		case <-channel.done:
		}
	})
	dc.OnClose(func() { channel.Close() })
	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		switch state {
		case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateClosed:
			channel.Close()
		}
	})
	return channel
}

func (c *webrtcChannel) Send(data []byte) error {
	if c.closing.Load() {
		return ErrChannelClosed
	}
	if err := c.dc.Send(data); err != nil {
		return fmt.Errorf("sending on data channel: %w", err)
	}
	return nil
}

func (c *webrtcChannel) Receive() <-chan []byte { return c.incoming }

func (c *webrtcChannel) Done() <-chan struct{} { return c.done }

func (c *webrtcChannel) Ready() bool {
	return !c.closing.Load() && c.dc.ReadyState() == webrtc.DataChannelStateOpen
}

// Stats reads the nominated ICE candidate pair.
func (c *webrtcChannel) Stats() (ChannelStats, error) {
	for _, stat := range c.pc.GetStats() {
		pairStats, ok := stat.(webrtc.ICECandidatePairStats)
		if !ok || !pairStats.Nominated {
			continue
		}

		c.statsMu.Lock()
		var requests, responses uint64
		if pairStats.RequestsSent >= c.lastRequests {
			requests = pairStats.RequestsSent - c.lastRequests
		}
		if pairStats.ResponsesReceived >= c.lastResponses {
			responses = pairStats.ResponsesReceived - c.lastResponses
		}
		c.lastRequests, c.lastResponses = pairStats.RequestsSent, pairStats.ResponsesReceived
		c.statsMu.Unlock()

		var loss float64
		if requests > 0 && responses < requests {
			loss = float64(requests-responses) / float64(requests) * 100
		}
		return ChannelStats{
			RTT:         time.Duration(pairStats.CurrentRoundTripTime * float64(time.Second)),
			LossPercent: loss,
		}, nil
	}
	return ChannelStats{}, errors.New("transport: no nominated candidate pair")
}

// Close closes the data channel and its PeerConnection. pion may call
// back into Close from its own state handlers; the flag makes those
// calls no-ops.
func (c *webrtcChannel) Close() error {
	if !c.closing.CompareAndSwap(false, true) {
		return nil
	}
	close(c.done)
	c.dc.Close()
	return c.pc.Close()
}
