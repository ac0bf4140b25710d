// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package call negotiates audio and video calls between the paired
// peers over the delivery layer.
//
// Call setup is a message protocol carried as ordinary envelopes:
//
//	call-offer -> call-signal* -> call-accept | call-reject -> call-end
//
// The real-time media path is a separate WebRTC PeerConnection. The
// offer SDP rides in call-offer; the answer, and every restart, rides
// in call-signal.
// When that path has not connected within the fallback timeout, or
// keeps failing after bounded restarts, the call degrades instead of
// dropping: both sides capture audio locally and stream it as
// audio-chunk envelopes over the already secure tunnel. Chunks use
// TrySend, so nothing is queued while the tunnel is down.
//
// A Manager handles one call at a time. An offer arriving during a
// call is rejected as busy.
package call
