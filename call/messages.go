// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package call

// Envelope types of the call protocol.
const (
	TypeOffer         = "call-offer"
	TypeSignal        = "call-signal"
	TypeAccept        = "call-accept"
	TypeReject        = "call-reject"
	TypeEnd           = "call-end"
	TypeAudioChunk    = "audio-chunk"
	TypeFallbackStart = "fallback-audio-start"
)

// Types lists every envelope type the Manager subscribes to.
var Types = []string{
	TypeOffer, TypeSignal, TypeAccept, TypeReject, TypeEnd, TypeAudioChunk, TypeFallbackStart,
}

// Media is what a call carries.
type Media string

const (
	MediaAudio Media = "audio"
	MediaVideo Media = "video"
)

// Valid reports whether m is a known media kind.
func (m Media) Valid() bool { return m == MediaAudio || m == MediaVideo }

// Signal kinds.
const (
	SignalOffer  = "offer"
	SignalAnswer = "answer"
)

// Signal is one SDP exchanged for the media path. Vanilla ICE: the SDP
// already carries every candidate.
type Signal struct {
	Kind string `json:"kind"`
	SDP  string `json:"sdp"`
}

// OfferData is the call-offer payload. Signal is nil when the media
// path could not produce an offer, in which case the call runs on the
// fallback path from the start.
type OfferData struct {
	CallID string  `json:"callId"`
	Media  Media   `json:"media"`
	Signal *Signal `json:"signal,omitempty"`
}

// SignalData is the call-signal payload. It carries the media answer
// to an offer and both halves of every media restart.
type SignalData struct {
	CallID string `json:"callId"`
	Signal Signal `json:"signal"`
}

// AcceptData is the call-accept payload.
type AcceptData struct {
	CallID string `json:"callId"`
	// Signal is an answer bundled with the accept. Not sent by this
	// implementation; applied when received.
	Signal *Signal `json:"signal,omitempty"`
}

// RejectData is the call-reject payload.
type RejectData struct {
	CallID string `json:"callId"`
	Reason string `json:"reason"`
}

// EndData is the call-end payload.
type EndData struct {
	CallID string `json:"callId"`
	Reason string `json:"reason,omitempty"`
}

// FallbackStartData is the fallback-audio-start payload.
type FallbackStartData struct {
	CallID string `json:"callId"`
}

// AudioChunkData is the audio-chunk payload: one CBOR-encoded
// AudioFrame, compressed as named by Encoding. Size is the encoded
// frame length before compression.
type AudioChunkData struct {
	CallID   string `json:"callId"`
	Seq      uint64 `json:"seq"`
	Encoding string `json:"encoding"`
	Size     int    `json:"size"`
	Payload  []byte `json:"payload"`
}

// Reasons carried in call-reject and call-end.
const (
	ReasonDeclined          = "declined"
	ReasonBusy              = "busy"
	ReasonHangup            = "hangup"
	ReasonPermissionDenied  = "permission-denied"
	ReasonDeviceUnavailable = "device-unavailable"
	ReasonMediaError        = "media-error"
)
