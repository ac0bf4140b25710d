// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package invite encodes the out-of-band bootstrap offer an Initiator
// hands to its peer as a short code or a QR image. The code is
// "tether:" followed by unpadded base64url of the offer's JSON, and
// decoding a code then re-encoding it reproduces the same string.
package invite

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/skip2/go-qrcode"

	"github.com/bureau-foundation/tether/lib/pairing"
	"github.com/bureau-foundation/tether/tunnel"
)

// Prefix starts every invite code.
const Prefix = "tether:"

// Version is the current offer format.
const Version = 1

// ErrInvalid wraps every decoding failure.
var ErrInvalid = errors.New("invalid invite")

// Offer is the bootstrap payload: who is offering, the Initiator's
// first handshake message, and optionally a complete SDP offer.
type Offer struct {
	Version int `json:"v"`
	// From is the Initiator's endpoint name.
	From string `json:"from"`
	// Init is the tunnel-init frame in its wire form.
	Init json.RawMessage `json:"init"`
	SDP  string          `json:"sdp,omitempty"`
}

// NewOffer builds an offer for the Initiator side of p.
func NewOffer(p pairing.Pairing, init tunnel.Init, sdp string) (Offer, error) {
	if p.Role != pairing.Initiator {
		return Offer{}, errors.New("invite: only the initiator issues offers")
	}
	frame, err := tunnel.Encode(init)
	if err != nil {
		return Offer{}, fmt.Errorf("encoding init: %w", err)
	}
	return Offer{Version: Version, From: p.Endpoints.Local, Init: frame, SDP: sdp}, nil
}

// InitMessage decodes the embedded tunnel-init.
func (o Offer) InitMessage() (tunnel.Init, error) {
	message, err := tunnel.Decode(o.Init)
	if err != nil {
		return tunnel.Init{}, err
	}
	init, ok := message.(tunnel.Init)
	if !ok {
		return tunnel.Init{}, fmt.Errorf("%w: embedded %s, want %s", ErrInvalid, message.Type(), tunnel.TypeInit)
	}
	return init, nil
}

// Fingerprint is the short digest of the offered public key, for the
// two users to compare.
func (o Offer) Fingerprint() (string, error) {
	init, err := o.InitMessage()
	if err != nil {
		return "", err
	}
	return tunnel.Fingerprint(init.PublicKey[:]), nil
}

// Validate checks the version, the sender and the embedded Init.
func (o Offer) Validate() error {
	if o.Version != Version {
		return fmt.Errorf("%w: unsupported version %d", ErrInvalid, o.Version)
	}
	if o.From == "" {
		return fmt.Errorf("%w: missing sender endpoint", ErrInvalid)
	}
	if _, err := o.InitMessage(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	return nil
}

// Encode returns the shareable code for o.
func Encode(o Offer) (string, error) {
	if err := o.Validate(); err != nil {
		return "", err
	}
	data, err := json.Marshal(o)
	if err != nil {
		return "", fmt.Errorf("encoding offer: %w", err)
	}
	return Prefix + base64.RawURLEncoding.EncodeToString(data), nil
}

// Decode parses a code produced by Encode. Surrounding whitespace is
// ignored.
func Decode(code string) (Offer, error) {
	code = strings.TrimSpace(code)
	body, ok := strings.CutPrefix(code, Prefix)
	if !ok {
		return Offer{}, fmt.Errorf("%w: missing %q prefix", ErrInvalid, Prefix)
	}
	data, err := base64.RawURLEncoding.DecodeString(body)
	if err != nil {
		return Offer{}, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	var offer Offer
	if err := json.Unmarshal(data, &offer); err != nil {
		return Offer{}, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if err := offer.Validate(); err != nil {
		return Offer{}, err
	}
	return offer, nil
}

// QRCode renders the code for o as a size×size PNG.
func QRCode(o Offer, size int) ([]byte, error) {
	code, err := Encode(o)
	if err != nil {
		return nil, err
	}
	png, err := qrcode.Encode(code, qrcode.Medium, size)
	if err != nil {
		return nil, fmt.Errorf("rendering QR code: %w", err)
	}
	return png, nil
}
