// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package call

import (
	"context"

	"github.com/bureau-foundation/tether/delivery"
)

// decode unmarshals an envelope payload, logging and reporting failure.
func (m *Manager) decode(envelope delivery.Envelope, target any) bool {
	if err := envelope.Decode(target); err != nil {
		m.logger.Warn("dropping malformed call envelope", "type", envelope.Type, "id", envelope.ID, "error", err)
		return false
	}
	return true
}

// currentLocked returns the current call if it has callID.
func (m *Manager) currentLocked(callID string) *activeCall {
	if m.current == nil || m.current.ID != callID {
		return nil
	}
	return m.current
}

func (m *Manager) handleOffer(envelope delivery.Envelope) {
	var offer OfferData
	if !m.decode(envelope, &offer) || offer.CallID == "" || !offer.Media.Valid() {
		return
	}

	var fx effects
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	if m.current != nil {
		if m.current.ID != offer.CallID {
			m.logger.Info("rejecting call while busy", "call_id", offer.CallID)
			m.sendLocked(TypeReject, RejectData{CallID: offer.CallID, Reason: ReasonBusy})
		}
		m.mu.Unlock()
		return
	}
	call := &activeCall{Call: Call{
		ID:        offer.CallID,
		Media:     offer.Media,
		Direction: Incoming,
		State:     StateRinging,
		StartedAt: m.clock.Now(),
	}}
	if offer.Signal != nil && offer.Signal.Kind == SignalOffer {
		call.remoteOffer = offer.Signal
	}
	m.current = call
	fx.event(EventIncoming, call, nil)
	m.mu.Unlock()
	m.finish(fx)

	m.logger.Info("incoming call", "call_id", offer.CallID, "media", string(offer.Media))
}

func (m *Manager) handleAccept(envelope delivery.Envelope) {
	var accept AcceptData
	if !m.decode(envelope, &accept) {
		return
	}
	var fx effects
	m.mu.Lock()
	call := m.currentLocked(accept.CallID)
	if call == nil || call.Direction != Outgoing || call.State != StateOffering {
		m.mu.Unlock()
		return
	}
	call.State = StateActive
	// Peers that bundle the answer into call-accept are still served.
	if call.path != nil && accept.Signal != nil && accept.Signal.Kind == SignalAnswer {
		if err := call.path.SetAnswer(accept.Signal.SDP); err != nil {
			m.logger.Warn("applying media answer failed", "call_id", call.ID, "error", err)
			m.mediaLostLocked(call, &fx)
		}
	}
	fx.event(EventAccepted, call, nil)
	if call.Fallback {
		m.startStreamingLocked(call, &fx)
	}
	m.mu.Unlock()
	m.finish(fx)
}

func (m *Manager) handleReject(envelope delivery.Envelope) {
	var reject RejectData
	if !m.decode(envelope, &reject) {
		return
	}
	var fx effects
	m.mu.Lock()
	call := m.currentLocked(reject.CallID)
	if call == nil || call.Direction != Outgoing || call.State != StateOffering {
		m.mu.Unlock()
		return
	}
	fx.event(EventRejected, call, nil)
	m.endLocked(call, reject.Reason, nil, &fx)
	m.mu.Unlock()
	m.finish(fx)
}

func (m *Manager) handleEnd(envelope delivery.Envelope) {
	var end EndData
	if !m.decode(envelope, &end) {
		return
	}
	var fx effects
	m.mu.Lock()
	call := m.currentLocked(end.CallID)
	if call == nil {
		m.mu.Unlock()
		return
	}
	reason := end.Reason
	if reason == "" {
		reason = ReasonHangup
	}
	m.endLocked(call, reason, nil, &fx)
	m.mu.Unlock()
	m.finish(fx)
}

// handleSignal applies the media answer to an offer or a restart. The
// initial answer arrives just before call-accept, while the call is
// still offering. The answering side of a restart builds a fresh path
// off the delivery goroutine, since gathering blocks.
func (m *Manager) handleSignal(envelope delivery.Envelope) {
	var signal SignalData
	if !m.decode(envelope, &signal) {
		return
	}
	var fx effects
	m.mu.Lock()
	call := m.currentLocked(signal.CallID)
	if call == nil || call.Fallback {
		m.mu.Unlock()
		return
	}
	answer := signal.Signal.Kind == SignalAnswer && call.Direction == Outgoing
	if call.State != StateActive && !(answer && call.State == StateOffering) {
		m.mu.Unlock()
		return
	}
	switch {
	case answer:
		if call.path == nil {
			break
		}
		if err := call.path.SetAnswer(signal.Signal.SDP); err != nil {
			m.logger.Warn("applying media answer failed", "call_id", call.ID, "error", err)
			m.mediaLostLocked(call, &fx)
		}
	case signal.Signal.Kind == SignalOffer && call.Direction == Incoming && m.media != nil:
		go m.answerRestart(call.ID, call.Media, signal.Signal.SDP)
	default:
		m.logger.Warn("dropping unexpected call signal", "call_id", call.ID, "kind", signal.Signal.Kind)
	}
	m.mu.Unlock()
	m.finish(fx)
}

func (m *Manager) answerRestart(callID string, media Media, offerSDP string) {
	path, err := m.media.NewPath(media)
	if err != nil {
		if IsMediaError(err) {
			m.abort(callID, err)
			return
		}
		m.logger.Warn("media path unavailable for restart", "call_id", callID, "error", err)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), mediaGatherTimeout)
	defer cancel()
	sdp, err := path.Answer(ctx, offerSDP)
	if err != nil {
		closePath(path)
		m.logger.Warn("answering media restart failed", "call_id", callID, "error", err)
		return
	}

	var fx effects
	m.mu.Lock()
	call := m.currentLocked(callID)
	if call == nil || call.State != StateActive || call.Fallback {
		m.mu.Unlock()
		closePath(path)
		return
	}
	m.detachPathLocked(call, &fx)
	m.attachPathLocked(call, path)
	m.sendLocked(TypeSignal, SignalData{CallID: callID, Signal: Signal{Kind: SignalAnswer, SDP: sdp}})
	m.mu.Unlock()
	m.finish(fx)
}

func (m *Manager) handleFallbackStart(envelope delivery.Envelope) {
	var start FallbackStartData
	if !m.decode(envelope, &start) {
		return
	}
	var fx effects
	m.mu.Lock()
	call := m.currentLocked(start.CallID)
	if call == nil || call.Fallback {
		m.mu.Unlock()
		return
	}
	m.logger.Info("peer switched call to fallback audio", "call_id", call.ID)
	call.Fallback = true
	call.remoteOffer = nil
	call.fallbackTimer.Stop()
	call.restartTimer.Stop()
	m.detachPathLocked(call, &fx)
	call.MediaConnected = false
	fx.event(EventFallback, call, nil)
	if call.State == StateActive {
		m.startStreamingLocked(call, &fx)
	}
	m.mu.Unlock()
	m.finish(fx)
}

// handleAudioChunk plays one fallback frame. Late and duplicate frames
// are dropped.
func (m *Manager) handleAudioChunk(envelope delivery.Envelope) {
	var chunk AudioChunkData
	if !m.decode(envelope, &chunk) {
		return
	}
	m.mu.Lock()
	call := m.currentLocked(chunk.CallID)
	if call == nil || call.State != StateActive || !call.Fallback || call.sink == nil {
		m.mu.Unlock()
		return
	}
	if chunk.Seq <= call.lastSeq {
		m.mu.Unlock()
		return
	}
	call.lastSeq = chunk.Seq
	sink := call.sink
	m.mu.Unlock()

	frame, err := DecodeChunk(chunk)
	if err != nil {
		m.logger.Warn("dropping undecodable audio chunk", "call_id", chunk.CallID, "seq", chunk.Seq, "error", err)
		return
	}
	if err := sink.WriteFrame(frame); err != nil {
		m.logger.Debug("audio playback failed", "call_id", chunk.CallID, "error", err)
	}
}
