// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package clock is the time source for every timer in tether: the
// handshake timeout, reconnect backoff, the liveness ticker, quality
// sampling and the call fallback timer.
//
// Components hold a [Clock] field instead of calling the time package.
// Production wiring passes [Real]; tests pass [Fake] and drive time
// forward with [FakeClock.Advance]:
//
//	c := clock.Fake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
//	controller := transport.NewController(transport.ControllerConfig{Clock: c, ...})
//	c.WaitForTimers(1)
//	c.Advance(time.Second)
//
// AfterFunc callbacks registered on a FakeClock run synchronously inside
// Advance, in deadline order. A callback must not call Advance itself.
package clock
