// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/bureau-foundation/tether/lib/codec"
	"github.com/bureau-foundation/tether/tunnel"
)

// keyFileVersion is bumped on any change to storedKey.
const keyFileVersion = 1

// storedKey is the on-disk form of a pairing's master key.
type storedKey struct {
	Version   int    `cbor:"1,keyasint"`
	Pair      string `cbor:"2,keyasint"`
	MasterKey []byte `cbor:"3,keyasint"`
	Salt      []byte `cbor:"4,keyasint"`
	CreatorID string `cbor:"5,keyasint"`
}

// keyFile persists the master key of one pairing so a restarted peer
// reuses it instead of the initiator minting a new one. An empty path
// disables persistence.
type keyFile struct {
	path string
	pair string
}

// Load returns the stored payload, or nil when there is none.
func (k keyFile) Load() (*tunnel.MasterKeyPayload, error) {
	if k.path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(k.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading key file: %w", err)
	}
	var stored storedKey
	if err := codec.Unmarshal(data, &stored); err != nil {
		return nil, fmt.Errorf("decoding key file %s: %w", k.path, err)
	}
	if stored.Version != keyFileVersion {
		return nil, fmt.Errorf("key file %s: unsupported version %d", k.path, stored.Version)
	}
	if stored.Pair != k.pair {
		return nil, fmt.Errorf("key file %s belongs to pair %q, not %q", k.path, stored.Pair, k.pair)
	}
	if len(stored.MasterKey) != tunnel.MasterKeySize || len(stored.Salt) != tunnel.SaltSize {
		return nil, fmt.Errorf("key file %s: wrong key or salt length", k.path)
	}
	return &tunnel.MasterKeyPayload{
		MasterKey: stored.MasterKey,
		Salt:      stored.Salt,
		CreatorID: stored.CreatorID,
	}, nil
}

// Save writes payload atomically with owner-only permissions.
func (k keyFile) Save(payload tunnel.MasterKeyPayload) error {
	if k.path == "" {
		return nil
	}
	data, err := codec.Marshal(storedKey{
		Version:   keyFileVersion,
		Pair:      k.pair,
		MasterKey: payload.MasterKey,
		Salt:      payload.Salt,
		CreatorID: payload.CreatorID,
	})
	if err != nil {
		return fmt.Errorf("encoding key file: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(k.path), 0o700); err != nil {
		return fmt.Errorf("creating key directory: %w", err)
	}
	temporary, err := os.CreateTemp(filepath.Dir(k.path), ".tether-key-*")
	if err != nil {
		return fmt.Errorf("creating key file: %w", err)
	}
	defer os.Remove(temporary.Name())
	if _, err := temporary.Write(data); err != nil {
		temporary.Close()
		return fmt.Errorf("writing key file: %w", err)
	}
	if err := temporary.Close(); err != nil {
		return fmt.Errorf("writing key file: %w", err)
	}
	if err := os.Rename(temporary.Name(), k.path); err != nil {
		return fmt.Errorf("installing key file: %w", err)
	}
	return nil
}
