// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package clock

import (
	"sort"
	"sync"
	"time"
)

// FakeClock is a deterministic Clock. Time moves only when Advance is
// called. Safe for concurrent use.
type FakeClock struct {
	mu      sync.Mutex
	now     time.Time
	waiters []*waiter
	changed *sync.Cond
}

// waiter is one pending After, AfterFunc or ticker registration.
type waiter struct {
	deadline time.Time
	channel  chan time.Time // After and tickers
	callback func()         // AfterFunc
	period   time.Duration  // tickers only
	done     bool           // stopped or fired
}

// Fake returns a FakeClock reading initial.
func Fake(initial time.Time) *FakeClock {
	clock := &FakeClock{now: initial}
	clock.changed = sync.NewCond(&clock.mu)
	return clock
}

func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *FakeClock) After(d time.Duration) <-chan time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	channel := make(chan time.Time, 1)
	if d <= 0 {
		channel <- c.now
		return channel
	}
	c.addLocked(&waiter{deadline: c.now.Add(d), channel: channel})
	return channel
}

func (c *FakeClock) AfterFunc(d time.Duration, f func()) *Timer {
	if d <= 0 {
		f()
		return &Timer{stop: func() bool { return false }}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	entry := &waiter{deadline: c.now.Add(d), callback: f}
	c.addLocked(entry)
	return &Timer{stop: func() bool {
		c.mu.Lock()
		defer c.mu.Unlock()
		if entry.done {
			return false
		}
		entry.done = true
		return true
	}}
}

func (c *FakeClock) NewTicker(d time.Duration) *Ticker {
	if d <= 0 {
		panic("clock: non-positive interval for NewTicker")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	channel := make(chan time.Time, 1)
	entry := &waiter{deadline: c.now.Add(d), channel: channel, period: d}
	c.addLocked(entry)
	return &Ticker{C: channel, stop: func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		entry.done = true
	}}
}

func (c *FakeClock) addLocked(entry *waiter) {
	c.waiters = append(c.waiters, entry)
	c.changed.Broadcast()
}

// Advance moves the clock forward by d and fires every waiter whose
// deadline is reached, earliest first. A ticker spanning several
// periods fires once per period (excess ticks are dropped by the
// channel buffer).
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	target := c.now.Add(d)
	c.mu.Unlock()

	for {
		entry, at := c.nextDue(target)
		if entry == nil {
			break
		}
		if entry.callback != nil {
			entry.callback()
			continue
		}
		select {
		case entry.channel <- at:
		default:
		}
	}

	c.mu.Lock()
	c.now = target
	c.mu.Unlock()
}

// nextDue pops the earliest waiter due at or before target, moving the
// clock to its deadline so callbacks observe the time they were
// scheduled for.
func (c *FakeClock) nextDue(target time.Time) (*waiter, time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	live := c.waiters[:0]
	for _, entry := range c.waiters {
		if !entry.done {
			live = append(live, entry)
		}
	}
	c.waiters = live
	if len(c.waiters) == 0 {
		return nil, time.Time{}
	}

	sort.SliceStable(c.waiters, func(i, j int) bool {
		return c.waiters[i].deadline.Before(c.waiters[j].deadline)
	})
	entry := c.waiters[0]
	if entry.deadline.After(target) {
		return nil, time.Time{}
	}

	at := entry.deadline
	if at.After(c.now) {
		c.now = at
	}
	if entry.period > 0 {
		entry.deadline = entry.deadline.Add(entry.period)
	} else {
		entry.done = true
	}
	return entry, at
}

// WaitForTimers blocks until at least n waiters are pending. Use it to
// make sure a goroutine has registered its timer before advancing.
func (c *FakeClock) WaitForTimers(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for c.pendingLocked() < n {
		c.changed.Wait()
	}
}

// PendingCount returns the number of waiters that have neither fired
// nor been stopped.
func (c *FakeClock) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pendingLocked()
}

func (c *FakeClock) pendingLocked() int {
	count := 0
	for _, entry := range c.waiters {
		if !entry.done {
			count++
		}
	}
	return count
}
