/**
 * @description
 * This file defines the core domain models for the ledger-service: held funds and
 * transfer attempts, together with their status lifecycles. Statuses are modeled as
 * typed constants with explicit transition tables so that any disallowed move is
 * rejected in code before it ever reaches storage.
 *
 * @notes
 * - Amounts are stored as `int64` in the smallest currency unit (cents), which
 *   avoids floating-point inaccuracies with financial data.
 * - A HeldFund that reaches `transferred` or `released` is terminal and immutable.
 * - A TransferAttempt's `completed_at` is set exactly when it reaches a terminal status.
 */

package domain

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// HoldStatus is the lifecycle state of a HeldFund.
type HoldStatus string

const (
	HoldStatusHeld        HoldStatus = "held"
	HoldStatusTransferred HoldStatus = "transferred"
	HoldStatusReleased    HoldStatus = "released"
)

// AttemptStatus is the lifecycle state of a TransferAttempt.
type AttemptStatus string

const (
	AttemptStatusPending   AttemptStatus = "pending"
	AttemptStatusPosted    AttemptStatus = "posted"
	AttemptStatusFailed    AttemptStatus = "failed"
	AttemptStatusCancelled AttemptStatus = "cancelled"
)

// holdTransitions is the closed transition table for HeldFund statuses.
var holdTransitions = map[HoldStatus]map[HoldStatus]bool{
	HoldStatusHeld: {
		HoldStatusTransferred: true,
		HoldStatusReleased:    true,
	},
	HoldStatusTransferred: {},
	HoldStatusReleased:    {},
}

// attemptTransitions is the closed transition table for TransferAttempt statuses.
var attemptTransitions = map[AttemptStatus]map[AttemptStatus]bool{
	AttemptStatusPending: {
		AttemptStatusPosted:    true,
		AttemptStatusFailed:    true,
		AttemptStatusCancelled: true,
	},
	AttemptStatusPosted:    {},
	AttemptStatusFailed:    {},
	AttemptStatusCancelled: {},
}

// Valid reports whether s is one of the recognized hold statuses.
func (s HoldStatus) Valid() bool {
	_, ok := holdTransitions[s]
	return ok
}

// Terminal reports whether no further transition is permitted from s.
func (s HoldStatus) Terminal() bool {
	next, ok := holdTransitions[s]
	return ok && len(next) == 0
}

// CanTransitionTo reports whether the move s -> next is in the transition table.
func (s HoldStatus) CanTransitionTo(next HoldStatus) bool {
	return holdTransitions[s][next]
}

// Valid reports whether s is one of the recognized attempt statuses.
func (s AttemptStatus) Valid() bool {
	_, ok := attemptTransitions[s]
	return ok
}

// Terminal reports whether no further transition is permitted from s.
func (s AttemptStatus) Terminal() bool {
	next, ok := attemptTransitions[s]
	return ok && len(next) == 0
}

// CanTransitionTo reports whether the move s -> next is in the transition table.
func (s AttemptStatus) CanTransitionTo(next AttemptStatus) bool {
	return attemptTransitions[s][next]
}

// ParseHoldStatus converts a stored string into a HoldStatus, rejecting anything
// outside the closed set.
func ParseHoldStatus(raw string) (HoldStatus, error) {
	s := HoldStatus(raw)
	if !s.Valid() {
		return "", fmt.Errorf("%w: unrecognized hold status %q", ErrInvalidRequest, raw)
	}
	return s, nil
}

// ParseAttemptStatus converts a stored string into an AttemptStatus, rejecting
// anything outside the closed set.
func ParseAttemptStatus(raw string) (AttemptStatus, error) {
	s := AttemptStatus(raw)
	if !s.Valid() {
		return "", fmt.Errorf("%w: unrecognized attempt status %q", ErrInvalidRequest, raw)
	}
	return s, nil
}

// HeldFund represents an amount of money earmarked to move from a linked source
// account to a card account. This struct maps directly to the `held_funds` table.
type HeldFund struct {
	ID              uuid.UUID  `json:"id"`
	SourceAccountID uuid.UUID  `json:"source_account_id"`
	CardAccountID   uuid.UUID  `json:"card_account_id"`
	Amount          int64      `json:"amount"` // in cents
	Status          HoldStatus `json:"status"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// TransferAttempt is one record per execution try of a HeldFund's movement.
// This struct maps directly to the `transfer_log` table.
type TransferAttempt struct {
	ID                uuid.UUID     `json:"id"`
	HeldFundID        uuid.UUID     `json:"held_fund_id"`
	FromAccountID     uuid.UUID     `json:"from_account_id"`
	ToAccountID       uuid.UUID     `json:"to_account_id"`
	Amount            int64         `json:"amount"` // must equal the HeldFund's amount
	Status            AttemptStatus `json:"status"`
	GatewayTransferID *string       `json:"gateway_transfer_id,omitempty"`
	FailureReason     *string       `json:"failure_reason,omitempty"`
	InitiatedAt       time.Time     `json:"initiated_at"`
	CompletedAt       *time.Time    `json:"completed_at,omitempty"`
}

// Acknowledged reports whether the gateway has accepted this attempt. Once
// acknowledged, cancellation is refused and the caller must wait for the
// natural terminal state.
func (a *TransferAttempt) Acknowledged() bool {
	return a.GatewayTransferID != nil && *a.GatewayTransferID != ""
}

// AttemptOutcome is the terminal result applied to a pending attempt. Applying
// the same outcome twice must change state once; the second application is a no-op.
type AttemptOutcome struct {
	Status        AttemptStatus
	FailureReason *string
}

// Validate rejects outcomes that are not terminal attempt statuses.
func (o AttemptOutcome) Validate() error {
	if !o.Status.Valid() || !o.Status.Terminal() {
		return fmt.Errorf("%w: %q is not a terminal attempt status", ErrInvalidRequest, o.Status)
	}
	return nil
}

// CreateHoldRequest is the DTO for incoming hold creation API requests.
type CreateHoldRequest struct {
	SourceAccountID uuid.UUID `json:"source_account_id"`
	CardAccountID   uuid.UUID `json:"card_account_id"`
	Amount          int64     `json:"amount"` // in cents
}
