// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package tunnel

import (
	"bytes"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/zeebo/blake3"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"

	"github.com/bureau-foundation/tether/lib/secret"
)

const (
	// KeySize is the size of X25519 keys and of the derived shared key.
	KeySize = 32

	// MasterKeySize and SaltSize are the sizes of the fields of a
	// MasterKeyPayload.
	MasterKeySize = 32
	SaltSize      = 16

	// fingerprintSize is how many BLAKE3 bytes a fingerprint shows.
	fingerprintSize = 10

	sharedKeyInfo = "tether.tunnel.v1|"
	keyAADPrefix  = "tunnel-key|"
)

// EphemeralKeyPair is a single-use X25519 key pair. The private half is
// never serialized and is zeroed by Destroy.
type EphemeralKeyPair struct {
	PublicKey [KeySize]byte
	// Fingerprint is a short hex digest of PublicKey for logs.
	Fingerprint string

	privateKey [KeySize]byte
	destroyed  bool
}

// GenerateEphemeral draws a fresh key pair from random.
func GenerateEphemeral(random io.Reader) (*EphemeralKeyPair, error) {
	pair := &EphemeralKeyPair{}
	if _, err := io.ReadFull(random, pair.privateKey[:]); err != nil {
		return nil, fmt.Errorf("reading ephemeral key material: %w", err)
	}
	// RFC 7748 clamping.
	pair.privateKey[0] &= 248
	pair.privateKey[31] &= 127
	pair.privateKey[31] |= 64

	public, err := curve25519.X25519(pair.privateKey[:], curve25519.Basepoint)
	if err != nil {
		pair.Destroy()
		return nil, fmt.Errorf("computing public key: %w", err)
	}
	copy(pair.PublicKey[:], public)
	pair.Fingerprint = Fingerprint(pair.PublicKey[:])
	return pair, nil
}

// Destroy zeroes the private key. The pair cannot derive after this.
func (k *EphemeralKeyPair) Destroy() {
	if k == nil {
		return
	}
	secret.Zero(k.privateKey[:])
	k.destroyed = true
}

// Destroyed reports whether Destroy has run.
func (k *EphemeralKeyPair) Destroyed() bool { return k.destroyed }

// Fingerprint returns the first ten bytes of BLAKE3(publicKey) in hex.
func Fingerprint(publicKey []byte) string {
	sum := blake3.Sum256(publicKey)
	return hex.EncodeToString(sum[:fingerprintSize])
}

// DeriveSharedKey combines the local private key with the peer's public
// key into the 32-byte tunnel key, bound to pair. Both sides compute the
// same value. The raw X25519 output is zeroed before returning.
func DeriveSharedKey(local *EphemeralKeyPair, peerPublic [KeySize]byte, pair string) (*secret.Buffer, error) {
	if local == nil || local.destroyed {
		return nil, errors.New("ephemeral key already destroyed")
	}
	shared, err := curve25519.X25519(local.privateKey[:], peerPublic[:])
	if err != nil {
		// x/crypto rejects low-order points with an all-zero result.
		return nil, fmt.Errorf("computing X25519: %w", err)
	}
	defer secret.Zero(shared)

	first, second := local.PublicKey[:], peerPublic[:]
	if bytes.Compare(second, first) < 0 {
		first, second = second, first
	}
	salt := make([]byte, 0, 2*KeySize)
	salt = append(salt, first...)
	salt = append(salt, second...)

	key, err := secret.New(KeySize)
	if err != nil {
		return nil, err
	}
	reader := hkdf.New(sha256.New, shared, salt, []byte(sharedKeyInfo+pair))
	if _, err := io.ReadFull(reader, key.Bytes()); err != nil {
		key.Close()
		return nil, fmt.Errorf("expanding shared key: %w", err)
	}
	return key, nil
}

// MasterKeyPayload is the pairing's long-lived key material, generated
// by the Initiator and delivered inside the Key message.
type MasterKeyPayload struct {
	MasterKey []byte `json:"masterKey"`
	Salt      []byte `json:"salt"`
	CreatorID string `json:"creatorId"`
}

// NewMasterKeyPayload generates a payload attributed to creator.
func NewMasterKeyPayload(random io.Reader, creator string) (MasterKeyPayload, error) {
	payload := MasterKeyPayload{
		MasterKey: make([]byte, MasterKeySize),
		Salt:      make([]byte, SaltSize),
		CreatorID: creator,
	}
	if _, err := io.ReadFull(random, payload.MasterKey); err != nil {
		return MasterKeyPayload{}, fmt.Errorf("generating master key: %w", err)
	}
	if _, err := io.ReadFull(random, payload.Salt); err != nil {
		return MasterKeyPayload{}, fmt.Errorf("generating master salt: %w", err)
	}
	return payload, nil
}

// Validate checks field sizes and that a creator is named.
func (p MasterKeyPayload) Validate() error {
	if len(p.MasterKey) != MasterKeySize {
		return fmt.Errorf("master key is %d bytes, want %d", len(p.MasterKey), MasterKeySize)
	}
	if len(p.Salt) != SaltSize {
		return fmt.Errorf("salt is %d bytes, want %d", len(p.Salt), SaltSize)
	}
	if p.CreatorID == "" {
		return errors.New("creator id is empty")
	}
	return nil
}

// Equal compares two payloads in constant time over the key bytes.
func (p MasterKeyPayload) Equal(other MasterKeyPayload) bool {
	return subtle.ConstantTimeCompare(p.MasterKey, other.MasterKey) == 1 &&
		bytes.Equal(p.Salt, other.Salt) &&
		p.CreatorID == other.CreatorID
}

// Clone returns a deep copy, so callers can zero theirs independently.
func (p MasterKeyPayload) Clone() MasterKeyPayload {
	return MasterKeyPayload{
		MasterKey: bytes.Clone(p.MasterKey),
		Salt:      bytes.Clone(p.Salt),
		CreatorID: p.CreatorID,
	}
}

// Wipe zeroes the key bytes in place.
func (p *MasterKeyPayload) Wipe() {
	secret.Zero(p.MasterKey)
	secret.Zero(p.Salt)
}

// SealPayload encrypts payload under sharedKey for pair.
func SealPayload(random io.Reader, sharedKey []byte, pair string, payload MasterKeyPayload) (Key, error) {
	aead, err := chacha20poly1305.NewX(sharedKey)
	if err != nil {
		return Key{}, fmt.Errorf("creating cipher: %w", err)
	}
	plaintext, err := json.Marshal(payload)
	if err != nil {
		return Key{}, fmt.Errorf("encoding master key payload: %w", err)
	}
	defer secret.Zero(plaintext)

	nonce := make([]byte, chacha20poly1305.NonceSizeX)
	if _, err := io.ReadFull(random, nonce); err != nil {
		return Key{}, fmt.Errorf("generating nonce: %w", err)
	}
	return Key{
		Nonce:      nonce,
		Ciphertext: aead.Seal(nil, nonce, plaintext, []byte(keyAADPrefix+pair)),
	}, nil
}

// OpenPayload decrypts and validates a Key message. Authentication
// failures wrap ErrDecrypt and parse failures wrap ErrMalformed.
func OpenPayload(sharedKey []byte, pair string, message Key) (MasterKeyPayload, error) {
	aead, err := chacha20poly1305.NewX(sharedKey)
	if err != nil {
		return MasterKeyPayload{}, fmt.Errorf("creating cipher: %w", err)
	}
	plaintext, err := aead.Open(nil, message.Nonce, message.Ciphertext, []byte(keyAADPrefix+pair))
	if err != nil {
		return MasterKeyPayload{}, &HandshakeError{Reason: ErrDecrypt}
	}
	defer secret.Zero(plaintext)

	var payload MasterKeyPayload
	if err := json.Unmarshal(plaintext, &payload); err != nil {
		return MasterKeyPayload{}, malformed("decoding master key payload: %v", err)
	}
	if err := payload.Validate(); err != nil {
		return MasterKeyPayload{}, malformed("%v", err)
	}
	return payload, nil
}

// defaultRandom is the entropy source when none is configured.
var defaultRandom io.Reader = rand.Reader
