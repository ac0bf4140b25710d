// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package delivery

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Reserved envelope types.
const (
	// TypeAck acknowledges receipt of one envelope.
	TypeAck = "delivery-ack"
	// TypeReadReceipt reports that envelopes were read.
	TypeReadReceipt = "read-receipt"
)

// TypeMessage is the default acknowledged application type.
const TypeMessage = "message"

var (
	// ErrInvalidEnvelope wraps every envelope validation failure.
	ErrInvalidEnvelope = errors.New("invalid envelope")
	// ErrReservedType is returned when an application sends a type the
	// transport itself owns.
	ErrReservedType = errors.New("envelope type is reserved")
)

// Envelope is one application message on the wire:
// {"type","data","timestamp","id"} with timestamp in epoch
// milliseconds.
type Envelope struct {
	Type      string          `json:"type"`
	Data      json.RawMessage `json:"data"`
	Timestamp int64           `json:"timestamp"`
	ID        string          `json:"id"`
}

// NewEnvelope marshals data into an envelope with a fresh id stamped at
// now.
func NewEnvelope(envelopeType string, data any, now time.Time) (Envelope, error) {
	encoded, err := json.Marshal(data)
	if err != nil {
		return Envelope{}, fmt.Errorf("encoding %s data: %w", envelopeType, err)
	}
	envelope := Envelope{
		Type:      envelopeType,
		Data:      encoded,
		Timestamp: now.UnixMilli(),
		ID:        uuid.NewString(),
	}
	if err := envelope.Validate(); err != nil {
		return Envelope{}, err
	}
	return envelope, nil
}

// Validate checks the envelope is well-formed.
func (e Envelope) Validate() error {
	switch {
	case e.ID == "":
		return fmt.Errorf("%w: missing id", ErrInvalidEnvelope)
	case e.Type == "":
		return fmt.Errorf("%w: missing type", ErrInvalidEnvelope)
	case e.Timestamp <= 0:
		return fmt.Errorf("%w: non-positive timestamp %d", ErrInvalidEnvelope, e.Timestamp)
	case len(e.Data) == 0 || !json.Valid(e.Data):
		return fmt.Errorf("%w: data is not valid JSON", ErrInvalidEnvelope)
	}
	return nil
}

// Decode unmarshals Data into target.
func (e Envelope) Decode(target any) error {
	if err := json.Unmarshal(e.Data, target); err != nil {
		return fmt.Errorf("decoding %s data: %w", e.Type, err)
	}
	return nil
}

// Time returns Timestamp as a time.Time.
func (e Envelope) Time() time.Time { return time.UnixMilli(e.Timestamp) }

// AckData is the payload of a TypeAck envelope.
type AckData struct {
	ID string `json:"id"`
}

// ReceiptData is the payload of a TypeReadReceipt envelope.
type ReceiptData struct {
	IDs []string `json:"ids"`
}

// IsReserved reports whether envelopeType belongs to the transport.
func IsReserved(envelopeType string) bool {
	return envelopeType == TypeAck || envelopeType == TypeReadReceipt
}
