// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package secret

import (
	"bytes"
	"strings"
	"testing"
)

func TestNew_ZeroFilled(t *testing.T) {
	buffer, err := New(32)
	if err != nil {
		t.Fatalf("New(32): %v", err)
	}
	defer buffer.Close()

	if buffer.Len() != 32 {
		t.Errorf("Len = %d, want 32", buffer.Len())
	}
	for index, value := range buffer.Bytes() {
		if value != 0 {
			t.Fatalf("byte %d = %d, want 0", index, value)
		}
	}
}

func TestNew_DegradedMatchesLocked(t *testing.T) {
	buffer, err := New(64)
	if err != nil {
		t.Fatalf("New(64): %v", err)
	}
	defer buffer.Close()

	degraded := buffer.Degraded()
	// A heap fallback always says why. A locked buffer may still
	// report a madvise failure on old kernels.
	if !buffer.Locked() && degraded == nil {
		t.Error("heap-backed buffer reports no degradation")
	}
	if buffer.Locked() && degraded != nil && !strings.Contains(degraded.Error(), "madvise") {
		t.Errorf("locked buffer degraded by %v", degraded)
	}
}

func TestNew_RejectsNonPositiveSize(t *testing.T) {
	for _, size := range []int{0, -1} {
		if _, err := New(size); err == nil {
			t.Errorf("New(%d) succeeded, want error", size)
		}
	}
}

func TestNewFromBytes_ZeroesSource(t *testing.T) {
	source := []byte("shared-secret-material")
	want := append([]byte(nil), source...)

	buffer, err := NewFromBytes(source)
	if err != nil {
		t.Fatalf("NewFromBytes: %v", err)
	}
	defer buffer.Close()

	if !bytes.Equal(buffer.Bytes(), want) {
		t.Errorf("contents = %q, want %q", buffer.Bytes(), want)
	}
	for index, value := range source {
		if value != 0 {
			t.Fatalf("source byte %d not zeroed", index)
		}
	}
}

func TestNewFromBytes_RejectsEmpty(t *testing.T) {
	if _, err := NewFromBytes(nil); err == nil {
		t.Fatal("NewFromBytes(nil) succeeded, want error")
	}
}

func TestRandom_DistinctBuffers(t *testing.T) {
	first, err := Random(32)
	if err != nil {
		t.Fatalf("Random: %v", err)
	}
	defer first.Close()
	second, err := Random(32)
	if err != nil {
		t.Fatalf("Random: %v", err)
	}
	defer second.Close()

	if first.Equal(second.Bytes()) {
		t.Fatal("two random buffers are identical")
	}
}

func TestClose_IdempotentAndPanicsOnRead(t *testing.T) {
	buffer, err := NewFromBytes([]byte("key"))
	if err != nil {
		t.Fatalf("NewFromBytes: %v", err)
	}
	if err := buffer.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := buffer.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if buffer.Len() != 0 {
		t.Errorf("Len after Close = %d, want 0", buffer.Len())
	}
	if buffer.Equal([]byte("key")) {
		t.Error("Equal on closed buffer returned true")
	}

	defer func() {
		if recover() == nil {
			t.Fatal("Bytes on closed buffer did not panic")
		}
	}()
	buffer.Bytes()
}

func TestZero(t *testing.T) {
	data := []byte{1, 2, 3, 4}
	Zero(data)
	if !bytes.Equal(data, make([]byte, 4)) {
		t.Errorf("Zero left %v", data)
	}
}
