// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package tunnel implements the handshake that turns an open raw
// channel between two paired peers into a tunnel: both sides derive a
// shared secret from ephemeral X25519 keys, and the Initiator delivers
// the pairing's master key encrypted under it.
//
// The exchange is three messages:
//
//	initiator                         responder
//	  Init(pubI)        ───────▶
//	                    ◀───────      Init(pubR)
//	  Key(seal(master)) ───────▶
//	                    ◀───────      Ack
//
// The shared key is HKDF-SHA256 over X25519(priv, peerPub), salted with
// both public keys in sorted order and bound to the pair name. The Key
// message is XChaCha20-Poly1305 with a fresh random nonce and the pair
// name as associated data, so a Key captured on one pairing cannot be
// replayed into another.
//
// [Handshake] is the state machine. It never touches the network: it
// hands outbound [Message] values to a send function and reports
// results through callbacks. The master key is generated once per
// pairing; a Start after a reconnect derives a new shared secret but
// re-sends the same payload.
//
// Wire messages are JSON objects carrying the reserved "tunnel" marker
// field, which is how [IsFrame] separates them from application
// envelopes on the same channel.
package tunnel
