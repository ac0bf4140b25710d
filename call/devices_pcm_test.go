// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package call

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"golang.org/x/sys/unix"

	"github.com/bureau-foundation/tether/lib/clock"
)

func TestPCMDevices_FrameBytes(t *testing.T) {
	if got := (&PCMDevices{}).FrameBytes(); got != 640 {
		t.Errorf("default FrameBytes = %d, want 640 (20ms of 16kHz mono)", got)
	}
	stereo := &PCMDevices{SampleRate: 48000, Channels: 2, FrameDuration: 10 * time.Millisecond}
	if got := stereo.FrameBytes(); got != 1920 {
		t.Errorf("48kHz stereo FrameBytes = %d, want 1920", got)
	}
}

func TestPCMDevices_CaptureFromFileIsPaced(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mic.raw")
	devices := &PCMDevices{CapturePath: path, SampleRate: 8000, FrameDuration: 10 * time.Millisecond}
	frameBytes := devices.FrameBytes()
	// Two full frames and a partial one.
	data := make([]byte, 2*frameBytes+3)
	for i := range data {
		data[i] = byte(i)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatal(err)
	}
	fake := clock.Fake(time.Unix(0, 0))
	devices.Clock = fake

	source, err := devices.OpenCapture()
	if err != nil {
		t.Fatalf("OpenCapture: %v", err)
	}
	defer source.Close()

	frames := make(chan AudioFrame, 4)
	errs := make(chan error, 1)
	go func() {
		for {
			frame, err := source.ReadFrame(context.Background())
			if err != nil {
				errs <- err
				return
			}
			frames <- frame
		}
	}()

	select {
	case <-frames:
		t.Fatal("frame read before the first tick")
	case <-time.After(20 * time.Millisecond):
	}

	for i := range 2 {
		fake.Advance(devices.FrameDuration)
		select {
		case frame := <-frames:
			if frame.SampleRate != 8000 || frame.Channels != 1 {
				t.Errorf("frame %d format = %dHz/%dch", i, frame.SampleRate, frame.Channels)
			}
			if !bytes.Equal(frame.PCM, data[i*frameBytes:(i+1)*frameBytes]) {
				t.Errorf("frame %d carries the wrong samples", i)
			}
		case err := <-errs:
			t.Fatalf("frame %d: %v", i, err)
		case <-time.After(5 * time.Second):
			t.Fatalf("frame %d never arrived", i)
		}
	}

	fake.Advance(devices.FrameDuration)
	select {
	case err := <-errs:
		if !errors.Is(err, io.EOF) {
			t.Errorf("end of stream = %v, want io.EOF", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("partial trailing frame did not end capture")
	}
}

func TestPCMDevices_CaptureHonorsContext(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mic.raw")
	if err := os.WriteFile(path, make([]byte, 4096), 0o600); err != nil {
		t.Fatal(err)
	}
	devices := &PCMDevices{CapturePath: path, Clock: clock.Fake(time.Unix(0, 0))}
	source, err := devices.OpenCapture()
	if err != nil {
		t.Fatalf("OpenCapture: %v", err)
	}
	defer source.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := source.ReadFrame(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("ReadFrame after cancel = %v, want context.Canceled", err)
	}
}

func TestPCMDevices_PlaybackWritesSamples(t *testing.T) {
	path := filepath.Join(t.TempDir(), "speaker.raw")
	devices := &PCMDevices{PlaybackPath: path}
	sink, err := devices.OpenPlayback()
	if err != nil {
		t.Fatalf("OpenPlayback: %v", err)
	}

	first := AudioFrame{SampleRate: DefaultPCMSampleRate, Channels: DefaultPCMChannels, PCM: []byte{1, 2, 3, 4}}
	second := AudioFrame{SampleRate: DefaultPCMSampleRate, Channels: DefaultPCMChannels, PCM: []byte{5, 6}}
	for _, frame := range []AudioFrame{first, second} {
		if err := sink.WriteFrame(frame); err != nil {
			t.Fatalf("WriteFrame: %v", err)
		}
	}
	if err := sink.WriteFrame(AudioFrame{SampleRate: 48000, Channels: 2, PCM: []byte{9}}); err == nil {
		t.Error("WriteFrame accepted a frame in another format")
	}
	if err := sink.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	written, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(written, []byte{1, 2, 3, 4, 5, 6}) {
		t.Errorf("playback stream = %v", written)
	}
}

func TestPCMDevices_UnavailableStreams(t *testing.T) {
	dir := t.TempDir()
	fifo := filepath.Join(dir, "speaker")
	if err := unix.Mkfifo(fifo, 0o600); err != nil {
		t.Fatalf("Mkfifo: %v", err)
	}

	tests := []struct {
		name string
		open func() error
	}{
		{"no capture path", func() error { _, err := (&PCMDevices{}).OpenCapture(); return err }},
		{"no playback path", func() error { _, err := (&PCMDevices{}).OpenPlayback(); return err }},
		{"missing capture file", func() error {
			_, err := (&PCMDevices{CapturePath: filepath.Join(dir, "absent")}).OpenCapture()
			return err
		}},
		{"playback fifo without a reader", func() error {
			_, err := (&PCMDevices{PlaybackPath: fifo}).OpenPlayback()
			return err
		}},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			err := test.open()
			if !errors.Is(err, ErrDeviceUnavailable) {
				t.Fatalf("err = %v, want ErrDeviceUnavailable", err)
			}
			if Reason(err) != ReasonDeviceUnavailable {
				t.Errorf("Reason = %q", Reason(err))
			}
		})
	}
}
