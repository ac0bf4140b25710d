// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package call

import (
	"context"
	"errors"
)

var (
	// ErrPermissionDenied means the user refused microphone or camera
	// access.
	ErrPermissionDenied = errors.New("call: media permission denied")

	// ErrDeviceUnavailable means no usable capture or playback device
	// exists.
	ErrDeviceUnavailable = errors.New("call: media device unavailable")
)

// Reason maps a media error to the reason sent to the peer and shown
// to the user. Other errors map to ReasonMediaError.
func Reason(err error) string {
	switch {
	case errors.Is(err, ErrPermissionDenied):
		return ReasonPermissionDenied
	case errors.Is(err, ErrDeviceUnavailable):
		return ReasonDeviceUnavailable
	default:
		return ReasonMediaError
	}
}

// IsMediaError reports whether err is fatal for the call attempt.
func IsMediaError(err error) bool {
	return errors.Is(err, ErrPermissionDenied) || errors.Is(err, ErrDeviceUnavailable)
}

// MediaEvent is a change in a media path's connectivity.
type MediaEvent int

const (
	MediaConnected MediaEvent = iota
	MediaFailed
	MediaClosed
)

func (e MediaEvent) String() string {
	switch e {
	case MediaConnected:
		return "connected"
	case MediaFailed:
		return "failed"
	case MediaClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// MediaPath is one real-time media connection attempt. The caller side
// calls CreateOffer and later SetAnswer; the callee side calls Answer.
type MediaPath interface {
	CreateOffer(ctx context.Context) (string, error)
	Answer(ctx context.Context, offer string) (string, error)
	SetAnswer(answer string) error

	// Events reports connectivity changes. It is never closed; sends
	// must not block.
	Events() <-chan MediaEvent

	Close() error
}

// MediaFactory builds fresh media paths. NewPath acquires the local
// devices, so its errors may be media errors.
type MediaFactory interface {
	NewPath(media Media) (MediaPath, error)
}
