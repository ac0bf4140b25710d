// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package transport owns the one live channel between two paired peers
// and keeps it alive across network churn.
//
// [Transition] is the connection lifecycle as a pure state machine: it
// maps a [Machine] and an [Event] to the next Machine plus a list of
// [Effect] descriptors, and performs no I/O. The lifecycle runs
//
//	Disconnected → SignalingUp → Dialing → Open → TunnelEstablished
//
// with any channel loss from a connected state moving to Reconnecting.
// Reconnecting retries with exponential backoff ([ReconnectPolicy]) and
// gives up in Failed after a bounded number of failed dials. A wake-up
// from the peer or an explicit Reconnect restarts the cycle. Closed
// absorbs everything.
//
// [Controller] executes the machine. A single event goroutine owns it;
// channel pumps, dial goroutines, the retry timer and the periodic
// liveness check all post events to that goroutine, and the [Handler]
// callbacks run on it in order. Only one live channel is ever adopted:
// a channel that opens while another is live is closed on arrival, so
// the pair never carries duplicate tunnels.
//
// A [Connector] produces channels. [WebRTCConnector] uses pion/webrtc
// data channels with vanilla ICE, exchanging SDP through a [Signaler]:
// [WebSocketSignaler] talks to the rendezvous service and
// [MemorySignaler] routes in-process for tests. [MemoryLink] skips
// WebRTC entirely and joins two connectors with in-memory channels.
//
// Roles are fixed by the pairing: the Initiator dials; the Responder
// "dials" by sending a payload-free wake-up and waiting for the
// Initiator's channel.
//
// Signaling is expected to drop: the rendezvous service restarts, a
// NAT mapping expires, a laptop sleeps. A dropped [Signaler] forgets
// its connection and reports [ErrSignalingDown] from Publish until it
// reconnects. The controller never assumes signaling is still up. It
// reattaches before every dial and wake, and on every liveness tick
// while Reconnecting or Failed, so a peer that has given up still
// hears the other side's wake-up once the service is back. Attach is
// idempotent, which makes this a no-op while signaling is healthy.
package transport
