// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package tunnel

import (
	"errors"
	"fmt"
)

// Handshake failure reasons. A HandshakeError wraps exactly one.
var (
	// ErrDecrypt means the Key message failed authentication.
	ErrDecrypt = errors.New("master key decryption failed")
	// ErrMalformed means a message or payload could not be parsed.
	ErrMalformed = errors.New("malformed tunnel message")
	// ErrUnexpected means a message arrived out of protocol order.
	ErrUnexpected = errors.New("unexpected tunnel message")
	// ErrTimeout means the peer did not complete the exchange in time.
	ErrTimeout = errors.New("handshake timed out")
	// ErrSend means an outbound handshake message could not be sent.
	ErrSend = errors.New("sending handshake message failed")
)

// ErrInactive is returned by Handle when the handshake is aborted or
// closed and the message cannot restart it.
var ErrInactive = errors.New("handshake is not active")

// HandshakeError reports why a handshake attempt aborted.
type HandshakeError struct {
	Reason error
	Detail string
}

func (e *HandshakeError) Error() string {
	if e.Detail == "" {
		return "tunnel handshake: " + e.Reason.Error()
	}
	return "tunnel handshake: " + e.Reason.Error() + ": " + e.Detail
}

func (e *HandshakeError) Unwrap() error { return e.Reason }

func malformed(format string, args ...any) error {
	return &HandshakeError{Reason: ErrMalformed, Detail: fmt.Sprintf(format, args...)}
}

func handshakeError(reason error, format string, args ...any) *HandshakeError {
	return &HandshakeError{Reason: reason, Detail: fmt.Sprintf(format, args...)}
}
