// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package delivery carries application envelopes over the pair's live
// channel with the guarantees the channel alone does not give: an
// in-memory offline queue flushed in order whenever the channel opens,
// duplicate suppression, delivery acknowledgements and batched read
// receipts.
//
// [Transport.Send] never blocks on the network and never fails because
// the peer is away. An envelope goes straight out only when the channel
// is open, nothing is queued ahead of it and no flush is running;
// otherwise it joins the back of the queue. A send that fails puts the
// envelope back at the front, so the queue order is the order Send was
// called in.
//
// On arrival an envelope is validated, checked against a bounded set of
// recently seen ids and handed to subscribers for its type. Envelopes
// of acknowledged types are answered with a [TypeAck] envelope carrying
// the original id. The queue is not persisted: an envelope still queued
// when the process exits is lost.
package delivery
