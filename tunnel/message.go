// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package tunnel

import (
	"encoding/json"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
)

// Wire type discriminators.
const (
	TypeInit = "tunnel-init"
	TypeKey  = "tunnel-key"
	TypeAck  = "tunnel-ack"
)

// markerVersion is the value of the reserved "tunnel" field.
const markerVersion = 1

// Message is a tunnel handshake message: exactly one of [Init], [Key]
// or [Ack]. The interface is sealed.
type Message interface {
	// Type returns the wire discriminator.
	Type() string

	sealed()
}

// Init carries a sender's ephemeral public key.
type Init struct {
	PublicKey [KeySize]byte
}

// Key carries the sealed master key payload.
type Key struct {
	Nonce      []byte
	Ciphertext []byte
}

// Ack confirms the responder decrypted the master key.
type Ack struct{}

func (Init) Type() string { return TypeInit }
func (Key) Type() string  { return TypeKey }
func (Ack) Type() string  { return TypeAck }

func (Init) sealed() {}
func (Key) sealed()  {}
func (Ack) sealed()  {}

// wireMessage is the JSON shape shared by all three messages. []byte
// fields encode as standard base64.
type wireMessage struct {
	Tunnel     int    `json:"tunnel"`
	Type       string `json:"type"`
	PublicKey  []byte `json:"publicKey,omitempty"`
	Nonce      []byte `json:"nonce,omitempty"`
	Ciphertext []byte `json:"ciphertext,omitempty"`
}

// Encode serializes a message to its JSON wire form.
func Encode(message Message) ([]byte, error) {
	wire := wireMessage{Tunnel: markerVersion, Type: message.Type()}
	switch typed := message.(type) {
	case Init:
		wire.PublicKey = typed.PublicKey[:]
	case Key:
		wire.Nonce = typed.Nonce
		wire.Ciphertext = typed.Ciphertext
	case Ack:
	default:
		return nil, fmt.Errorf("tunnel: cannot encode %T", message)
	}
	return json.Marshal(wire)
}

// Decode parses a wire message. Any structural problem is reported as a
// HandshakeError with ErrMalformed.
func Decode(data []byte) (Message, error) {
	var wire wireMessage
	if err := json.Unmarshal(data, &wire); err != nil {
		return nil, malformed("decoding tunnel message: %v", err)
	}
	if wire.Tunnel != markerVersion {
		return nil, malformed("unsupported tunnel marker %d", wire.Tunnel)
	}

	switch wire.Type {
	case TypeInit:
		if len(wire.PublicKey) != KeySize {
			return nil, malformed("init public key is %d bytes, want %d", len(wire.PublicKey), KeySize)
		}
		var init Init
		copy(init.PublicKey[:], wire.PublicKey)
		return init, nil
	case TypeKey:
		if len(wire.Nonce) != chacha20poly1305.NonceSizeX {
			return nil, malformed("key nonce is %d bytes, want %d", len(wire.Nonce), chacha20poly1305.NonceSizeX)
		}
		if len(wire.Ciphertext) <= chacha20poly1305.Overhead {
			return nil, malformed("key ciphertext too short (%d bytes)", len(wire.Ciphertext))
		}
		return Key{Nonce: wire.Nonce, Ciphertext: wire.Ciphertext}, nil
	case TypeAck:
		return Ack{}, nil
	default:
		return nil, malformed("unknown tunnel message type %q", wire.Type)
	}
}

// IsFrame reports whether data is a tunnel message rather than an
// application envelope, by the presence of the reserved marker field.
func IsFrame(data []byte) bool {
	var probe struct {
		Tunnel *int `json:"tunnel"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return false
	}
	return probe.Tunnel != nil
}
