// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"fmt"
	"time"
)

// Reconnect policy defaults: three attempts, backing off 1s, 2s, 4s and
// never more than 8s.
const (
	DefaultMaxAttempts = 3
	DefaultBaseDelay   = time.Second
	DefaultMaxDelay    = 8 * time.Second
)

// ReconnectPolicy bounds reconnection after a channel loss.
type ReconnectPolicy struct {
	// MaxAttempts is how many consecutive failed dials move the
	// controller to Failed.
	MaxAttempts int
	// BaseDelay is the wait before the first retry; each later retry
	// doubles it.
	BaseDelay time.Duration
	// MaxDelay caps the wait.
	MaxDelay time.Duration
}

// DefaultReconnectPolicy returns the default policy.
func DefaultReconnectPolicy() ReconnectPolicy {
	return ReconnectPolicy{
		MaxAttempts: DefaultMaxAttempts,
		BaseDelay:   DefaultBaseDelay,
		MaxDelay:    DefaultMaxDelay,
	}
}

// WithDefaults fills zero fields from DefaultReconnectPolicy.
func (p ReconnectPolicy) WithDefaults() ReconnectPolicy {
	defaults := DefaultReconnectPolicy()
	if p.MaxAttempts == 0 {
		p.MaxAttempts = defaults.MaxAttempts
	}
	if p.BaseDelay == 0 {
		p.BaseDelay = defaults.BaseDelay
	}
	if p.MaxDelay == 0 {
		p.MaxDelay = defaults.MaxDelay
	}
	return p
}

// Validate rejects policies that could never reconnect or never stop.
func (p ReconnectPolicy) Validate() error {
	if p.MaxAttempts < 1 {
		return fmt.Errorf("reconnect max attempts must be at least 1, got %d", p.MaxAttempts)
	}
	if p.BaseDelay <= 0 || p.MaxDelay <= 0 {
		return fmt.Errorf("reconnect delays must be positive")
	}
	if p.MaxDelay < p.BaseDelay {
		return fmt.Errorf("reconnect max delay %s is below base delay %s", p.MaxDelay, p.BaseDelay)
	}
	return nil
}

// Delay returns the wait before retry number attempt (0-based):
// BaseDelay·2^attempt, capped at MaxDelay.
func (p ReconnectPolicy) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	delay := p.BaseDelay
	for range attempt {
		delay *= 2
		if delay >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	if delay > p.MaxDelay {
		return p.MaxDelay
	}
	return delay
}
