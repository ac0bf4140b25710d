// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package testutil provides shared test helpers for tether packages.
//
// [RequireReceive] and [RequireClosed] wrap the select-with-timeout
// safety valve so tests never hang on a channel that is never fed.
// [Eventually] polls a condition for components whose progress is
// driven by goroutines the test does not own (pion callbacks, the
// controller's event loop). These helpers are the only place tests use
// wall-clock timeouts; protocol timers are driven by lib/clock fakes.
//
// [UniqueID] returns monotonically increasing identifiers for envelope
// ids and identity names.
//
// All helpers call t.Fatalf on failure.
package testutil
