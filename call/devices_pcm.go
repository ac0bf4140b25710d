// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package call

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/bureau-foundation/tether/lib/clock"
)

// Compile-time interface checks.
var (
	_ Devices     = (*PCMDevices)(nil)
	_ AudioSource = (*pcmSource)(nil)
	_ AudioSink   = (*pcmSink)(nil)
)

// PCM defaults: 20ms frames of 16kHz mono audio.
const (
	DefaultPCMSampleRate    = 16000
	DefaultPCMChannels      = 1
	DefaultPCMFrameDuration = 20 * time.Millisecond
)

// pcmSampleBytes is the width of one signed 16-bit little-endian
// sample.
const pcmSampleBytes = 2

// PCMDevices backs fallback audio with raw signed 16-bit little-endian
// PCM streams. CapturePath and PlaybackPath are usually FIFOs fed by
// and drained into the platform's audio tools, for example
//
//	mkfifo mic speaker
//	arecord -f S16_LE -r 16000 -c 1 -t raw > mic &
//	aplay -f S16_LE -r 16000 -c 1 -t raw < speaker &
//
// Both are opened without blocking. A playback FIFO with no reader
// reports ErrDeviceUnavailable rather than hanging the call. Regular
// files work too: capture from a file is paced at one frame per
// FrameDuration.
type PCMDevices struct {
	CapturePath  string
	PlaybackPath string

	// SampleRate defaults to DefaultPCMSampleRate.
	SampleRate int
	// Channels defaults to DefaultPCMChannels.
	Channels int
	// FrameDuration defaults to DefaultPCMFrameDuration.
	FrameDuration time.Duration

	// Clock paces capture from regular files. Defaults to clock.Real().
	Clock clock.Clock
}

func (d *PCMDevices) sampleRate() int {
	if d.SampleRate > 0 {
		return d.SampleRate
	}
	return DefaultPCMSampleRate
}

func (d *PCMDevices) channels() int {
	if d.Channels > 0 {
		return d.Channels
	}
	return DefaultPCMChannels
}

func (d *PCMDevices) frameDuration() time.Duration {
	if d.FrameDuration > 0 {
		return d.FrameDuration
	}
	return DefaultPCMFrameDuration
}

// FrameBytes is the size of one captured frame.
func (d *PCMDevices) FrameBytes() int {
	samples := int(int64(d.sampleRate()) * int64(d.frameDuration()) / int64(time.Second))
	return samples * d.channels() * pcmSampleBytes
}

func (d *PCMDevices) OpenCapture() (AudioSource, error) {
	if d.CapturePath == "" {
		return nil, fmt.Errorf("no capture stream configured: %w", ErrDeviceUnavailable)
	}
	if d.FrameBytes() == 0 || d.FrameBytes() > maxFrameSize {
		return nil, fmt.Errorf("capture frame of %d bytes is out of range: %w", d.FrameBytes(), ErrDeviceUnavailable)
	}
	file, err := os.OpenFile(d.CapturePath, os.O_RDONLY|unix.O_NONBLOCK, 0)
	if err != nil {
		return nil, classifyOpenError("capture", d.CapturePath, err)
	}
	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("stat capture stream: %w", err)
	}
	source := &pcmSource{
		file:       file,
		buffer:     make([]byte, d.FrameBytes()),
		sampleRate: d.sampleRate(),
		channels:   d.channels(),
	}
	if info.Mode().IsRegular() {
		clk := d.Clock
		if clk == nil {
			clk = clock.Real()
		}
		source.pace = clk.NewTicker(d.frameDuration())
	}
	return source, nil
}

func (d *PCMDevices) OpenPlayback() (AudioSink, error) {
	if d.PlaybackPath == "" {
		return nil, fmt.Errorf("no playback stream configured: %w", ErrDeviceUnavailable)
	}
	file, err := os.OpenFile(d.PlaybackPath, os.O_WRONLY|os.O_APPEND|os.O_CREATE|unix.O_NONBLOCK, 0o600)
	if err != nil {
		return nil, classifyOpenError("playback", d.PlaybackPath, err)
	}
	return &pcmSink{file: file, sampleRate: d.sampleRate(), channels: d.channels()}, nil
}

// classifyOpenError maps open failures onto the media errors. ENXIO is
// a playback FIFO nobody is reading.
func classifyOpenError(role, path string, err error) error {
	switch {
	case errors.Is(err, fs.ErrPermission):
		return fmt.Errorf("opening %s stream %s: %w: %v", role, path, ErrPermissionDenied, err)
	case errors.Is(err, fs.ErrNotExist), errors.Is(err, unix.ENXIO):
		return fmt.Errorf("opening %s stream %s: %w: %v", role, path, ErrDeviceUnavailable, err)
	default:
		return fmt.Errorf("opening %s stream %s: %w", role, path, err)
	}
}

type pcmSource struct {
	file       *os.File
	buffer     []byte
	sampleRate int
	channels   int
	pace       *clock.Ticker

	closeOnce sync.Once
}

// ReadFrame returns the next full frame. The end of the stream ends
// capture with io.EOF; a trailing partial frame is discarded.
func (s *pcmSource) ReadFrame(ctx context.Context) (AudioFrame, error) {
	if s.pace != nil {
		select {
		case <-s.pace.C:
		case <-ctx.Done():
			return AudioFrame{}, ctx.Err()
		}
	}
	if err := ctx.Err(); err != nil {
		return AudioFrame{}, err
	}
	if _, err := io.ReadFull(s.file, s.buffer); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			err = io.EOF
		}
		return AudioFrame{}, err
	}
	return AudioFrame{
		SampleRate: s.sampleRate,
		Channels:   s.channels,
		PCM:        append([]byte(nil), s.buffer...),
	}, nil
}

func (s *pcmSource) Close() error {
	var err error
	s.closeOnce.Do(func() {
		if s.pace != nil {
			s.pace.Stop()
		}
		err = s.file.Close()
	})
	return err
}

type pcmSink struct {
	file       *os.File
	sampleRate int
	channels   int
}

// WriteFrame writes the frame's samples. Frames in another format are
// refused; the stream has no header to announce a change.
func (s *pcmSink) WriteFrame(frame AudioFrame) error {
	if frame.SampleRate != s.sampleRate || frame.Channels != s.channels {
		return fmt.Errorf("playback expects %dHz/%dch, frame is %dHz/%dch",
			s.sampleRate, s.channels, frame.SampleRate, frame.Channels)
	}
	if _, err := s.file.Write(frame.PCM); err != nil {
		return fmt.Errorf("writing playback stream: %w", err)
	}
	return nil
}

func (s *pcmSink) Close() error { return s.file.Close() }
