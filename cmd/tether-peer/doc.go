// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// tether-peer runs one side of a tether pairing.
//
// Subcommands:
//
//	tether-peer run [--config FILE] [--local ID --remote ID]
//	tether-peer invite --local ID --remote ID [--qr FILE]
//	tether-peer decode CODE
//	tether-peer version
//
// run connects to the paired peer through the rendezvous service and
// relays chat: every stdin line is sent as a "message" envelope and
// every received message is printed to stdout. Lines starting with "/"
// are commands (/status, /call audio|video, /accept, /hangup,
// /reconnect, /wake, /quit). Messages typed while the peer is away are
// queued and delivered in order once the channel reopens.
//
// invite prints an invite code carrying the initiator's first
// handshake message, for pairing out of band, and optionally writes it
// as a QR code PNG. decode prints the contents of a code.
package main
