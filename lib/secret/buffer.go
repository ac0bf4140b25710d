// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package secret

import (
	"crypto/rand"
	"crypto/subtle"
	"fmt"
	"runtime"
	"sync"

	"golang.org/x/sys/unix"
)

// Buffer holds sensitive data in memory that is locked against
// swapping, excluded from core dumps, and zeroed on close. The backing
// memory is an anonymous mmap region outside the Go heap, so the
// garbage collector never copies or relocates it.
//
// When the process cannot lock memory the contents live on the heap
// instead, and Degraded reports why. A Buffer must not be copied after
// creation. After Close, any access to the contents panics.
type Buffer struct {
	mu       sync.Mutex
	data     []byte
	mapped   bool
	closed   bool
	degraded error
}

// New allocates a zero-filled buffer of size bytes. The buffer is
// backed by an anonymous mmap region that is:
//   - Locked into physical RAM (mlock), preventing swap
//   - Excluded from core dumps (MADV_DONTDUMP)
//   - Outside the Go heap, invisible to the garbage collector
//
// mmap or mlock failures (RLIMIT_MEMLOCK exhausted, sandboxed runtimes)
// fall back to a heap allocation; a madvise failure keeps the locked
// region. Either way the cause is kept for Degraded and New succeeds:
// a tunnel with a heap-held key is better than no tunnel.
//
// The caller must call Close when the secret is no longer needed.
func New(size int) (*Buffer, error) {
	if size <= 0 {
		return nil, fmt.Errorf("secret: buffer size must be positive, got %d", size)
	}

	data, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return &Buffer{data: make([]byte, size), degraded: fmt.Errorf("secret: mmap failed: %w", err)}, nil
	}
	if err := unix.Mlock(data); err != nil {
		unix.Munmap(data)
		return &Buffer{data: make([]byte, size), degraded: fmt.Errorf("secret: mlock failed: %w", err)}, nil
	}

	buffer := &Buffer{data: data, mapped: true}
	// Older kernels reject MADV_DONTDUMP. The region is still locked
	// against swap.
	if err := unix.Madvise(data, unix.MADV_DONTDUMP); err != nil {
		buffer.degraded = fmt.Errorf("secret: madvise(MADV_DONTDUMP) failed: %w", err)
	}
	return buffer, nil
}

// NewFromBytes copies source into a new buffer and zeroes source.
func NewFromBytes(source []byte) (*Buffer, error) {
	if len(source) == 0 {
		return nil, fmt.Errorf("secret: cannot create buffer from empty source")
	}
	buffer, err := New(len(source))
	if err != nil {
		return nil, err
	}
	copy(buffer.data, source)
	Zero(source)
	return buffer, nil
}

// Random returns a buffer of size bytes read from crypto/rand.
func Random(size int) (*Buffer, error) {
	buffer, err := New(size)
	if err != nil {
		return nil, err
	}
	if _, err := rand.Read(buffer.data); err != nil {
		buffer.Close()
		return nil, fmt.Errorf("secret: reading random bytes: %w", err)
	}
	return buffer, nil
}

// Bytes returns the secret data. The returned slice points directly
// into the protected region; do not hold references to it beyond the
// lifetime of the Buffer. Panics if the buffer has been closed.
func (b *Buffer) Bytes() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		panic("secret: read from closed buffer")
	}
	return b.data
}

// Len returns the buffer size, or 0 once closed.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return 0
	}
	return len(b.data)
}

// Locked reports whether the contents live in mlocked memory.
func (b *Buffer) Locked() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.mapped && !b.closed
}

// Degraded returns why the buffer is less protected than New intends:
// held on the heap, or locked but included in core dumps. It returns
// nil for a fully protected buffer.
func (b *Buffer) Degraded() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.degraded
}

// Equal compares the contents with other in constant time.
func (b *Buffer) Equal(other []byte) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return false
	}
	return subtle.ConstantTimeCompare(b.data, other) == 1
}

// Close zeroes the contents, then unlocks and unmaps the region.
// Idempotent. The contents are zeroed even when unlocking fails.
func (b *Buffer) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	Zero(b.data)

	var err error
	if b.mapped {
		if unlockErr := unix.Munlock(b.data); unlockErr != nil {
			err = fmt.Errorf("secret: munlock failed: %w", unlockErr)
		}
		if unmapErr := unix.Munmap(b.data); unmapErr != nil && err == nil {
			err = fmt.Errorf("secret: munmap failed: %w", unmapErr)
		}
	}
	b.data = nil
	return err
}

// Zero overwrites data with zeros. The noinline directive and the
// KeepAlive keep the compiler from eliding the writes to a slice that
// is never read again.
//
//go:noinline
func Zero(data []byte) {
	for index := range data {
		data[index] = 0
	}
	runtime.KeepAlive(data)
}
