// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package tunnel

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/bureau-foundation/tether/lib/clock"
	"github.com/bureau-foundation/tether/lib/pairing"
	"github.com/bureau-foundation/tether/lib/secret"
)

// DefaultTimeout bounds one handshake attempt.
const DefaultTimeout = 20 * time.Second

// State is the handshake's progress.
type State int

const (
	StateIdle State = iota
	StateInitSent
	StateSecretDerived
	StateKeySent
	StateKeyReceived
	StateEstablished
	StateAborted
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateInitSent:
		return "init-sent"
	case StateSecretDerived:
		return "secret-derived"
	case StateKeySent:
		return "key-sent"
	case StateKeyReceived:
		return "key-received"
	case StateEstablished:
		return "established"
	case StateAborted:
		return "aborted"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Config configures a Handshake.
type Config struct {
	Pairing pairing.Pairing

	// Send delivers an outbound message to the peer. Required.
	Send func(Message) error

	// OnEstablished receives a copy of the master key payload each time
	// a handshake completes.
	OnEstablished func(MasterKeyPayload)

	// OnAbort receives the HandshakeError of each aborted attempt.
	OnAbort func(error)

	// Clock drives the timeout. Defaults to clock.Real().
	Clock clock.Clock

	// Timeout bounds an attempt. Defaults to DefaultTimeout.
	Timeout time.Duration

	// Random is the entropy source. Defaults to crypto/rand.
	Random io.Reader

	Logger *slog.Logger
}

// Handshake runs the tunnel key exchange for one pairing, across any
// number of channel lifetimes. Safe for concurrent use; callbacks and
// Send run without the internal lock held.
type Handshake struct {
	pairing       pairing.Pairing
	send          func(Message) error
	onEstablished func(MasterKeyPayload)
	onAbort       func(error)
	clock         clock.Clock
	timeout       time.Duration
	random        io.Reader
	logger        *slog.Logger

	mu        sync.Mutex
	state     State
	closed    bool
	ephemeral *EphemeralKeyPair
	sharedKey *secret.Buffer
	master    *MasterKeyPayload
	timer     *clock.Timer
	// attempt invalidates timers armed by earlier attempts.
	attempt uint64
}

// effects are collected under the lock and run after it is released.
type effects struct {
	outbound    Message
	established *MasterKeyPayload
	aborted     error
}

// NewHandshake validates config and returns an idle handshake.
func NewHandshake(config Config) (*Handshake, error) {
	if config.Send == nil {
		return nil, fmt.Errorf("tunnel: Send is required")
	}
	if config.Pairing.Role != pairing.Initiator && config.Pairing.Role != pairing.Responder {
		return nil, fmt.Errorf("tunnel: pairing has no role")
	}
	if config.Clock == nil {
		config.Clock = clock.Real()
	}
	if config.Timeout <= 0 {
		config.Timeout = DefaultTimeout
	}
	if config.Random == nil {
		config.Random = defaultRandom
	}
	if config.Logger == nil {
		config.Logger = slog.New(slog.DiscardHandler)
	}
	return &Handshake{
		pairing:       config.Pairing,
		send:          config.Send,
		onEstablished: config.OnEstablished,
		onAbort:       config.OnAbort,
		clock:         config.Clock,
		timeout:       config.Timeout,
		random:        config.Random,
		logger:        config.Logger.With("pair", config.Pairing.Endpoints.Pair, "role", config.Pairing.Role.String()),
	}, nil
}

// State returns the current state.
func (h *Handshake) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// MasterKey returns a copy of the pairing's master key payload, if one
// has been generated or received.
func (h *Handshake) MasterKey() (MasterKeyPayload, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.master == nil {
		return MasterKeyPayload{}, false
	}
	return h.master.Clone(), true
}

// SeedMasterKey installs a previously established payload so an
// Initiator re-sends it instead of generating a new one.
func (h *Handshake) SeedMasterKey(payload MasterKeyPayload) error {
	if err := payload.Validate(); err != nil {
		return fmt.Errorf("seeding master key: %w", err)
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.master != nil {
		h.master.Wipe()
	}
	seeded := payload.Clone()
	h.master = &seeded
	return nil
}

// Start begins an attempt on a freshly opened channel. The Initiator
// discards any previous ephemeral material and sends Init; the
// Responder resets to Idle and waits for the peer's Init.
func (h *Handshake) Start() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return ErrInactive
	}
	h.resetLocked()
	if h.pairing.Role == pairing.Responder {
		h.mu.Unlock()
		return nil
	}

	var out effects
	keyPair, err := GenerateEphemeral(h.random)
	if err != nil {
		out.aborted = h.abortLocked(handshakeError(ErrSend, "%v", err))
	} else {
		h.ephemeral = keyPair
		h.state = StateInitSent
		h.armTimerLocked()
		out.outbound = Init{PublicKey: keyPair.PublicKey}
		h.logger.Debug("tunnel handshake started", "fingerprint", keyPair.Fingerprint)
	}
	h.mu.Unlock()
	return h.apply(out)
}

// Handle processes one inbound message. It returns the HandshakeError
// when the message aborted the attempt, or ErrInactive when the
// handshake is aborted or closed and the message was ignored.
func (h *Handshake) Handle(message Message) error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return ErrInactive
	}

	var out effects
	var err error
	switch typed := message.(type) {
	case Init:
		out, err = h.handleInitLocked(typed)
	case Key:
		out, err = h.handleKeyLocked(typed)
	case Ack:
		out, err = h.handleAckLocked()
	default:
		err = handshakeError(ErrMalformed, "unknown message %T", message)
	}
	var handshakeErr *HandshakeError
	if errors.As(err, &handshakeErr) {
		out.aborted = h.abortLocked(handshakeErr)
	}
	h.mu.Unlock()

	if applyErr := h.apply(out); applyErr != nil && err == nil {
		err = applyErr
	}
	return err
}

// HandleFrame decodes a wire frame and handles it.
func (h *Handshake) HandleFrame(data []byte) error {
	message, err := Decode(data)
	if err != nil {
		h.mu.Lock()
		if h.closed || h.state == StateAborted {
			h.mu.Unlock()
			return ErrInactive
		}
		var handshakeErr *HandshakeError
		errors.As(err, &handshakeErr)
		aborted := h.abortLocked(handshakeErr)
		h.mu.Unlock()
		return h.apply(effects{aborted: aborted})
	}
	return h.Handle(message)
}

func (h *Handshake) handleInitLocked(message Init) (effects, error) {
	switch h.pairing.Role {
	case pairing.Responder:
		// Any Init restarts the responder, including one that arrives
		// mid-handshake or after an abort.
		h.resetLocked()
		keyPair, err := GenerateEphemeral(h.random)
		if err != nil {
			return effects{}, handshakeError(ErrSend, "%v", err)
		}
		sharedKey, err := DeriveSharedKey(keyPair, message.PublicKey, h.pairing.Endpoints.Pair)
		keyPair.Destroy()
		if err != nil {
			return effects{}, handshakeError(ErrMalformed, "%v", err)
		}
		h.setSharedKeyLocked(sharedKey)
		h.state = StateSecretDerived
		h.armTimerLocked()
		h.logger.Debug("tunnel secret derived",
			"fingerprint", keyPair.Fingerprint,
			"peer_fingerprint", Fingerprint(message.PublicKey[:]))
		return effects{outbound: Init{PublicKey: keyPair.PublicKey}}, nil

	default:
		if h.state == StateAborted {
			return effects{}, ErrInactive
		}
		if h.state != StateInitSent {
			return effects{}, handshakeError(ErrUnexpected, "init in state %s", h.state)
		}
		sharedKey, err := DeriveSharedKey(h.ephemeral, message.PublicKey, h.pairing.Endpoints.Pair)
		h.ephemeral.Destroy()
		h.ephemeral = nil
		if err != nil {
			return effects{}, handshakeError(ErrMalformed, "%v", err)
		}
		h.setSharedKeyLocked(sharedKey)

		if h.master == nil {
			payload, err := NewMasterKeyPayload(h.random, h.pairing.Identity.Local)
			if err != nil {
				return effects{}, handshakeError(ErrSend, "%v", err)
			}
			h.master = &payload
		}
		key, err := SealPayload(h.random, sharedKey.Bytes(), h.pairing.Endpoints.Pair, *h.master)
		if err != nil {
			return effects{}, handshakeError(ErrSend, "%v", err)
		}
		h.state = StateKeySent
		return effects{outbound: key}, nil
	}
}

func (h *Handshake) handleKeyLocked(message Key) (effects, error) {
	if h.state == StateAborted {
		return effects{}, ErrInactive
	}
	if h.pairing.Role != pairing.Responder || h.state != StateSecretDerived {
		return effects{}, handshakeError(ErrUnexpected, "key in state %s", h.state)
	}
	payload, err := OpenPayload(h.sharedKey.Bytes(), h.pairing.Endpoints.Pair, message)
	if err != nil {
		return effects{}, err
	}
	h.state = StateKeyReceived
	if h.master != nil {
		h.master.Wipe()
	}
	h.master = &payload
	h.establishLocked()
	established := payload.Clone()
	return effects{outbound: Ack{}, established: &established}, nil
}

func (h *Handshake) handleAckLocked() (effects, error) {
	if h.state == StateAborted {
		return effects{}, ErrInactive
	}
	if h.pairing.Role != pairing.Initiator || h.state != StateKeySent {
		return effects{}, handshakeError(ErrUnexpected, "ack in state %s", h.state)
	}
	h.establishLocked()
	established := h.master.Clone()
	return effects{established: &established}, nil
}

func (h *Handshake) establishLocked() {
	h.state = StateEstablished
	h.attempt++
	h.timer.Stop()
	h.timer = nil
	h.logger.Info("tunnel established")
}

// Reset abandons the current attempt after a channel loss. Ephemeral
// keys and the derived secret are destroyed; the master key survives.
func (h *Handshake) Reset() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.resetLocked()
}

// Close destroys all key material and makes the handshake inert.
func (h *Handshake) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.resetLocked()
	if h.master != nil {
		h.master.Wipe()
		h.master = nil
	}
	h.closed = true
}

func (h *Handshake) resetLocked() {
	h.attempt++
	h.timer.Stop()
	h.timer = nil
	if h.ephemeral != nil {
		h.ephemeral.Destroy()
		h.ephemeral = nil
	}
	if h.sharedKey != nil {
		h.sharedKey.Close()
		h.sharedKey = nil
	}
	h.state = StateIdle
}

func (h *Handshake) abortLocked(err *HandshakeError) error {
	h.resetLocked()
	h.state = StateAborted
	h.logger.Warn("tunnel handshake aborted", "error", err)
	return err
}

// setSharedKeyLocked keeps the derived key, noting when its memory
// could not be locked or kept out of core dumps.
func (h *Handshake) setSharedKeyLocked(key *secret.Buffer) {
	h.sharedKey = key
	if err := key.Degraded(); err != nil {
		h.logger.Warn("shared key memory is not fully protected", "error", err)
	}
}

func (h *Handshake) armTimerLocked() {
	h.timer.Stop()
	attempt := h.attempt
	h.timer = h.clock.AfterFunc(h.timeout, func() { h.expire(attempt) })
}

func (h *Handshake) expire(attempt uint64) {
	h.mu.Lock()
	if h.closed || attempt != h.attempt || h.state == StateEstablished || h.state == StateAborted {
		h.mu.Unlock()
		return
	}
	aborted := h.abortLocked(handshakeError(ErrTimeout, "no progress within %s", h.timeout))
	h.mu.Unlock()
	h.apply(effects{aborted: aborted})
}

// apply runs collected effects outside the lock: the established
// payload is reported before the outbound message goes out. A failed
// send aborts an attempt that is still in progress.
func (h *Handshake) apply(out effects) error {
	if out.established != nil && h.onEstablished != nil {
		h.onEstablished(*out.established)
	}
	if out.outbound != nil {
		if err := h.send(out.outbound); err != nil {
			sendErr := handshakeError(ErrSend, "%s: %v", out.outbound.Type(), err)
			h.mu.Lock()
			if !h.closed && h.state != StateAborted && h.state != StateEstablished {
				out.aborted = h.abortLocked(sendErr)
			}
			h.mu.Unlock()
			if out.aborted == nil {
				return sendErr
			}
		}
	}
	if out.aborted != nil {
		if h.onAbort != nil {
			h.onAbort(out.aborted)
		}
		return out.aborted
	}
	return nil
}
