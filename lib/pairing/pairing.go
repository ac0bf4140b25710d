// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package pairing resolves two paired identities into the role and
// endpoint names every other tether layer keys off.
//
// Both peers run [Resolve] independently with their own (local, remote)
// view and reach the same answer without negotiating: the
// lexicographically smaller identity is the [Initiator]. Because the
// role is fixed by the identities alone, the two sides never both
// decide to dial with conflicting roles.
package pairing

import (
	"errors"
	"fmt"
	"strings"
)

// Endpoint name separators. Neither may appear in an identity.
const (
	pairSeparator = "|"
	roleSeparator = "#"
)

var (
	// ErrMissingIdentity means one of the two identities is empty.
	ErrMissingIdentity = errors.New("identity is missing")

	// ErrSelfPairing means both identities are the same.
	ErrSelfPairing = errors.New("cannot pair an identity with itself")

	// ErrInvalidIdentity means an identity contains a reserved
	// separator character or surrounding whitespace.
	ErrInvalidIdentity = errors.New("identity contains reserved characters")
)

// IdentityError is the validation failure returned by Resolve. It is
// fatal: retrying with the same identities can never succeed.
type IdentityError struct {
	Local  string
	Remote string
	Err    error
}

func (e *IdentityError) Error() string {
	return fmt.Sprintf("pairing %q with %q: %v", e.Local, e.Remote, e.Err)
}

func (e *IdentityError) Unwrap() error { return e.Err }

// Role is a peer's fixed part in connection setup.
type Role int

const (
	// Initiator dials the channel, opens the handshake and generates
	// the master key.
	Initiator Role = iota + 1
	// Responder accepts the channel and answers the handshake.
	Responder
)

func (r Role) String() string {
	switch r {
	case Initiator:
		return "initiator"
	case Responder:
		return "responder"
	default:
		return fmt.Sprintf("role(%d)", int(r))
	}
}

// Opposite returns the peer's role.
func (r Role) Opposite() Role {
	if r == Initiator {
		return Responder
	}
	return Initiator
}

// PairedIdentity is the immutable (local, remote) identity pair.
type PairedIdentity struct {
	Local  string
	Remote string
}

// Endpoints are the names the signaling layer routes on.
type Endpoints struct {
	// Pair is "<smaller>|<larger>", identical on both sides.
	Pair string
	// Local is this peer's endpoint: Pair + "#" + local role.
	Local string
	// Remote is the peer's endpoint.
	Remote string
}

// Pairing is the resolved view of a PairedIdentity from one side.
type Pairing struct {
	Identity  PairedIdentity
	Role      Role
	Endpoints Endpoints
}

// Resolve validates the identities and computes the local role and
// endpoint names. It performs no I/O.
func Resolve(local, remote string) (Pairing, error) {
	if err := validate(local, remote); err != nil {
		return Pairing{}, &IdentityError{Local: local, Remote: remote, Err: err}
	}

	role := RoleOf(local, remote)
	pair := PairName(local, remote)
	return Pairing{
		Identity: PairedIdentity{Local: local, Remote: remote},
		Role:     role,
		Endpoints: Endpoints{
			Pair:   pair,
			Local:  EndpointName(pair, role),
			Remote: EndpointName(pair, role.Opposite()),
		},
	}, nil
}

// RoleOf returns local's role. The caller must have validated that the
// identities differ.
func RoleOf(local, remote string) Role {
	if local < remote {
		return Initiator
	}
	return Responder
}

// PairName returns the order-independent pair name.
func PairName(a, b string) string {
	if b < a {
		a, b = b, a
	}
	return a + pairSeparator + b
}

// EndpointName returns the signaling endpoint for role within pair.
func EndpointName(pair string, role Role) string {
	return pair + roleSeparator + role.String()
}

func validate(local, remote string) error {
	if local == "" || remote == "" {
		return ErrMissingIdentity
	}
	for _, identity := range []string{local, remote} {
		if strings.ContainsAny(identity, pairSeparator+roleSeparator) || strings.TrimSpace(identity) != identity {
			return ErrInvalidIdentity
		}
	}
	if local == remote {
		return ErrSelfPairing
	}
	return nil
}
