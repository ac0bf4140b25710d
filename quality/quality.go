// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package quality turns periodic channel statistics into a coarse
// connection quality for display. It observes the connection and never
// changes it.
package quality

import (
	"time"

	"github.com/bureau-foundation/tether/transport"
)

// Quality is the coarse classification of the current path.
type Quality int

const (
	// Searching means no sample is available or the channel is not
	// open.
	Searching Quality = iota
	Good
	Fair
	Poor
)

func (q Quality) String() string {
	switch q {
	case Searching:
		return "searching"
	case Good:
		return "good"
	case Fair:
		return "fair"
	case Poor:
		return "poor"
	default:
		return "unknown"
	}
}

// Thresholds, exclusive upper bounds.
const (
	GoodRTT  = 100 * time.Millisecond
	GoodLoss = 2.0
	FairRTT  = 300 * time.Millisecond
	FairLoss = 5.0
)

// Classify maps one sample to a Quality. It never returns Searching.
func Classify(stats transport.ChannelStats) Quality {
	switch {
	case stats.RTT < GoodRTT && stats.LossPercent < GoodLoss:
		return Good
	case stats.RTT < FairRTT && stats.LossPercent < FairLoss:
		return Fair
	default:
		return Poor
	}
}
