// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package quality

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/bureau-foundation/tether/lib/clock"
	"github.com/bureau-foundation/tether/transport"
)

// DefaultInterval is the sampling period while the channel is open.
const DefaultInterval = 3 * time.Second

// Sampler reads the live channel's statistics.
// transport.Controller.Stats satisfies it.
type Sampler func() (transport.ChannelStats, error)

// Config configures a Monitor.
type Config struct {
	Sampler  Sampler
	Interval time.Duration
	Clock    clock.Clock

	// OnChange is called, outside the monitor's lock, whenever the
	// quality changes.
	OnChange func(Quality)

	Logger *slog.Logger
}

// Monitor samples while the channel is open. Feed it connection states
// through HandleState.
type Monitor struct {
	sampler  Sampler
	interval time.Duration
	clock    clock.Clock
	onChange func(Quality)
	logger   *slog.Logger

	mu         sync.Mutex
	open       bool
	closed     bool
	quality    Quality
	last       transport.ChannelStats
	sampled    bool
	timer      *clock.Timer
	generation uint64
}

// NewMonitor returns a Monitor reporting Searching.
func NewMonitor(config Config) (*Monitor, error) {
	if config.Sampler == nil {
		return nil, errors.New("quality: Sampler is required")
	}
	if config.Interval <= 0 {
		config.Interval = DefaultInterval
	}
	if config.Clock == nil {
		config.Clock = clock.Real()
	}
	if config.Logger == nil {
		config.Logger = slog.New(slog.DiscardHandler)
	}
	return &Monitor{
		sampler:  config.Sampler,
		interval: config.Interval,
		clock:    config.Clock,
		onChange: config.OnChange,
		logger:   config.Logger,
	}, nil
}

// Quality returns the current classification.
func (m *Monitor) Quality() Quality {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.quality
}

// Last returns the most recent sample, if any has been taken since the
// channel opened.
func (m *Monitor) Last() (transport.ChannelStats, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.last, m.sampled
}

// HandleState starts sampling when the channel opens and resets to
// Searching when it leaves the connected states.
func (m *Monitor) HandleState(_, current transport.State) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	switch {
	case current.Connected() && !m.open:
		m.open = true
		m.generation++
		m.scheduleLocked(m.generation)
		m.mu.Unlock()
	case !current.Connected() && m.open:
		m.open = false
		m.generation++
		m.timer.Stop()
		m.timer = nil
		m.sampled = false
		m.last = transport.ChannelStats{}
		changed := m.setLocked(Searching)
		m.mu.Unlock()
		m.notify(changed, Searching)
	default:
		m.mu.Unlock()
	}
}

// Close stops sampling for good and reports Searching from then on.
func (m *Monitor) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.open = false
	m.generation++
	m.timer.Stop()
	m.timer = nil
	m.quality = Searching
	m.sampled = false
}

func (m *Monitor) scheduleLocked(generation uint64) {
	m.timer = m.clock.AfterFunc(m.interval, func() { m.tick(generation) })
}

func (m *Monitor) tick(generation uint64) {
	m.mu.Lock()
	if generation != m.generation {
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()

	stats, err := m.sampler()

	m.mu.Lock()
	if generation != m.generation {
		m.mu.Unlock()
		return
	}
	m.scheduleLocked(generation)
	if err != nil {
		m.mu.Unlock()
		m.logger.Debug("quality sample failed", "error", err)
		return
	}
	quality := Classify(stats)
	m.last = stats
	m.sampled = true
	changed := m.setLocked(quality)
	m.mu.Unlock()

	if changed {
		m.logger.Info("connection quality changed",
			"quality", quality.String(),
			"rtt", stats.RTT,
			"loss_percent", stats.LossPercent,
		)
	}
	m.notify(changed, quality)
}

func (m *Monitor) setLocked(quality Quality) bool {
	if m.quality == quality {
		return false
	}
	m.quality = quality
	return true
}

func (m *Monitor) notify(changed bool, quality Quality) {
	if changed && m.onChange != nil {
		m.onChange(quality)
	}
}
