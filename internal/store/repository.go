/**
 * @description
 * This file defines the `Repository` interface, which specifies the contract for all
 * data access operations required by the ledger-service. By defining an interface,
 * we decouple the application's business logic from the specific database
 * implementation (PostgreSQL), making the code more modular and easier to test.
 *
 * @dependencies
 * - context, time: Standard Go libraries.
 * - github.com/google/uuid: For UUID handling.
 * - internal/domain: For the service's domain models.
 */

package store

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/cardfund/ledger-service/internal/domain"
)

// Repository defines the set of methods for interacting with the ledger database.
// All reads and writes touching a single held fund and its attempts happen inside
// one transaction; concurrent transactions on the same held fund surface
// domain.ErrConflict and the caller retries with backoff.
type Repository interface {
	// Account cache methods (directory-owned data, weak references only)
	UpsertAccount(ctx context.Context, account *domain.Account) error
	FindAccountByID(ctx context.Context, accountID uuid.UUID) (*domain.Account, error)

	// Held fund methods
	// CreateHold inserts a new held fund unless one already exists for the given
	// idempotency hash, in which case the existing row is returned and created is false.
	CreateHold(ctx context.Context, hold *domain.HeldFund, idempotencyHash string) (fund *domain.HeldFund, created bool, err error)
	GetHold(ctx context.Context, holdID uuid.UUID) (*domain.HeldFund, error)
	ListActiveHolds(ctx context.Context) ([]domain.HeldFund, error)
	// ReleaseHold transitions held -> released. Fails with domain.ErrInvalidState if
	// the hold is terminal or still has a non-terminal attempt.
	ReleaseHold(ctx context.Context, holdID uuid.UUID) (*domain.HeldFund, error)

	// Transfer attempt methods
	// CreateAttempt inserts a pending attempt for a hold that is currently `held`
	// and has no other non-terminal attempt.
	CreateAttempt(ctx context.Context, attempt *domain.TransferAttempt) error
	FindAttemptByID(ctx context.Context, attemptID uuid.UUID) (*domain.TransferAttempt, error)
	FindAttemptByGatewayTransferID(ctx context.Context, gatewayTransferID string) (*domain.TransferAttempt, error)
	FindActiveAttemptByHoldID(ctx context.Context, holdID uuid.UUID) (*domain.TransferAttempt, error)
	// RecordGatewayAcknowledgment stores the gateway transfer id on a pending
	// attempt. The unique index on gateway_transfer_id prevents double recording
	// of the same gateway transfer.
	RecordGatewayAcknowledgment(ctx context.Context, attemptID uuid.UUID, gatewayTransferID string) error
	// FinalizeAttempt applies a terminal outcome to a pending attempt and, when the
	// outcome is posted, moves the parent hold to transferred in the same
	// transaction. The status update is a compare-and-set on `pending`: a second
	// application of the same outcome is a no-op (applied is false).
	FinalizeAttempt(ctx context.Context, attemptID uuid.UUID, outcome domain.AttemptOutcome) (applied bool, err error)
	// CancelAttempt is FinalizeAttempt restricted to attempts that the gateway has
	// not yet acknowledged.
	CancelAttempt(ctx context.Context, attemptID uuid.UUID) (applied bool, err error)
	// ListStaleAttempts returns pending attempts initiated before the cutoff,
	// oldest first, capped at limit.
	ListStaleAttempts(ctx context.Context, cutoff time.Time, limit int) ([]domain.TransferAttempt, error)
}
