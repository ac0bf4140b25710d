// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package secret holds key material for the lifetime of a tunnel: the
// X25519 shared secret and the master key payload in transit.
//
// A [Buffer] allocates memory outside the Go heap via
// mmap(MAP_ANONYMOUS), locks it into physical RAM via mlock (preventing
// swap), and marks it excluded from core dumps via
// madvise(MADV_DONTDUMP). On Close, the memory is zeroed, unlocked, and
// unmapped. Because the memory is outside the Go heap, the garbage
// collector never sees it and cannot leave stray copies behind.
//
// Where the process may not lock memory (RLIMIT_MEMLOCK exhausted,
// sandboxed runtimes), the buffer falls back to a heap allocation and
// [Buffer.Locked] reports false. [Buffer.Degraded] returns the
// underlying mmap, mlock or madvise error so callers can log it. The
// contents are still zeroed on Close.
//
// Constructors:
//
//   - [New] -- zero-filled buffer of a given size
//   - [NewFromBytes] -- copies the source in and zeroes the source
//   - [Random] -- filled from crypto/rand
//
// [Zero] wipes an ordinary slice. After Close, Bytes panics. Close is
// idempotent.
package secret
