package domain

import (
	"time"

	"github.com/google/uuid"
)

// TransferStatusEvent is the broker message carrying an asynchronous gateway
// status update for a previously initiated transfer.
type TransferStatusEvent struct {
	EventID           string    `json:"event_id"`
	GatewayTransferID string    `json:"gateway_transfer_id"`
	Status            string    `json:"status"` // gateway vocabulary: pending, posted, failed
	Reason            string    `json:"reason,omitempty"`
	OccurredAt        time.Time `json:"occurred_at"`
}

// HoldLifecycleEvent is published whenever a held fund or one of its attempts
// reaches a new state, for downstream consumers (notifications, reporting).
type HoldLifecycleEvent struct {
	HeldFundID    uuid.UUID  `json:"held_fund_id"`
	AttemptID     *uuid.UUID `json:"attempt_id,omitempty"`
	HoldStatus    string     `json:"hold_status"`
	AttemptStatus string     `json:"attempt_status,omitempty"`
	Amount        int64      `json:"amount"`
	Timestamp     time.Time  `json:"timestamp"`
}

// ReconcileResult summarizes one reconciliation sweep.
type ReconcileResult struct {
	Swept        int `json:"swept"`
	Finalized    int `json:"finalized"`
	StillPending int `json:"still_pending"`
	Alerts       int `json:"alerts"`
	CheckFailed  int `json:"check_failed"`
}
