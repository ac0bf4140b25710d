// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package codec provides tether's CBOR encoding configuration.
//
// Two formats, one boundary:
//
//   - JSON for everything a peer or the rendezvous service parses:
//     tunnel handshake messages, application envelopes, call signaling,
//     invite codes.
//   - CBOR for binary payloads only tether itself reads: fallback
//     audio frames carried inside an envelope's data field, and the
//     peer's persisted master key file.
//
// The encoder uses Core Deterministic Encoding (RFC 8949 §4.2), so the
// same frame always produces the same bytes and compresses the same way.
//
//	data, err := codec.Marshal(frame)
//	err = codec.Unmarshal(data, &frame)
//
// Types serialized only as CBOR carry `cbor` struct tags.
package codec
