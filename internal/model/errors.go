package model

import (
	"errors"
	"fmt"
)

// Error taxonomy. Every failure returned by the engine wraps one of these;
// none of them is retried by the engine.
var (
	// ErrCurrencyMismatch: legs or positions disagree on currency.
	ErrCurrencyMismatch = errors.New("currency mismatch")

	// ErrCrossUserMismatch: the two legs of a transaction belong to
	// different owners and were not routed through a group account.
	ErrCrossUserMismatch = errors.New("cross-user mismatch")

	// ErrInvariantViolation: the operation would break ledger or position
	// invariants, e.g. mutating a closed position.
	ErrInvariantViolation = errors.New("invariant violation")

	// ErrConfiguration: a functional group has no account type mapping.
	ErrConfiguration = errors.New("configuration error")

	// ErrNotFound: a referenced entity does not exist.
	ErrNotFound = errors.New("not found")
)

// ErrInvalidEvent is an InvariantViolation raised for malformed event
// payloads before anything is written.
var ErrInvalidEvent = fmt.Errorf("%w: invalid event", ErrInvariantViolation)
