package domain

import "errors"

// Sentinel errors forming the service-wide error taxonomy. Callers distinguish
// these with errors.Is; only ErrConflict is retryable, and only by the caller
// that hit it, with backoff.
var (
	// ErrInvalidRequest indicates bad caller input. Never retried.
	ErrInvalidRequest = errors.New("invalid request")

	// ErrInvalidState indicates an operation that is not valid for the entity's
	// current lifecycle state. Never retried; surfaced to the caller.
	ErrInvalidState = errors.New("operation not valid in current state")

	// ErrConflict indicates a concurrent mutation of the same held fund.
	// The caller retries with backoff.
	ErrConflict = errors.New("concurrent modification conflict")

	// ErrNotFound indicates an unknown entity id.
	ErrNotFound = errors.New("not found")

	// ErrLedgerIntegrity indicates an inconsistent cross-reference between a held
	// fund and its attempts (e.g. a transferred hold whose attempt is not posted).
	// This is a data-integrity fault to be logged and halted on, never auto-corrected.
	ErrLedgerIntegrity = errors.New("ledger integrity fault")
)
