/**
 * @description
 * This file provides the PostgreSQL implementation of the `Repository` interface.
 * It contains all the SQL needed to drive the two-table ledger (held_funds +
 * transfer_log) with per-held-fund transaction scope.
 *
 * Locking model: every mutation of a held fund or its attempts first locks the
 * held_funds row with FOR UPDATE NOWAIT. A lock held by a concurrent transaction
 * surfaces as domain.ErrConflict and the caller retries with backoff. External
 * network calls are never made while one of these transactions is open.
 *
 * @dependencies
 * - context, errors, time: Standard Go libraries.
 * - github.com/jackc/pgx/v5: The PostgreSQL driver for database operations.
 * - internal/domain: Contains the domain models used for data transfer.
 */

package store

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/cardfund/ledger-service/internal/domain"
)

// ErrDuplicateGatewayTransfer signals that a gateway transfer id was already
// recorded on another attempt. The unique index is what prevents double
// recording of the same gateway transfer.
var ErrDuplicateGatewayTransfer = errors.New("gateway transfer id already recorded")

const (
	pgCodeUniqueViolation   = "23505"
	pgCodeLockNotAvailable  = "55P03"
	pgCodeSerializationFail = "40001"
)

// PostgresRepository is a concrete implementation of the Repository interface for PostgreSQL.
type PostgresRepository struct {
	db *pgxpool.Pool
}

// NewPostgresRepository creates a new instance of PostgresRepository.
func NewPostgresRepository(db *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{db: db}
}

func isPgCode(err error, code string) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == code
}

// mapLockErr converts row-lock contention and serialization failures into
// domain.ErrConflict so callers can apply their retry policy uniformly.
func mapLockErr(err error) error {
	if isPgCode(err, pgCodeLockNotAvailable) || isPgCode(err, pgCodeSerializationFail) {
		return fmt.Errorf("%w: held fund locked by concurrent transaction", domain.ErrConflict)
	}
	return err
}

// UpsertAccount refreshes the locally cached directory metadata for an account.
func (r *PostgresRepository) UpsertAccount(ctx context.Context, account *domain.Account) error {
	query := `
		INSERT INTO accounts (id, external_id, item_id, name, type, subtype, mask, access_token, created_at, refreshed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NOW(), NOW())
		ON CONFLICT (external_id) DO UPDATE
		SET item_id = EXCLUDED.item_id,
		    name = EXCLUDED.name,
		    type = EXCLUDED.type,
		    subtype = EXCLUDED.subtype,
		    mask = EXCLUDED.mask,
		    refreshed_at = NOW()
	`
	_, err := r.db.Exec(ctx, query,
		account.ID, account.ExternalID, account.ItemID, account.Name,
		account.Type, account.Subtype, account.Mask, account.AccessToken,
	)
	return err
}

// FindAccountByID retrieves a cached account by its internal id.
func (r *PostgresRepository) FindAccountByID(ctx context.Context, accountID uuid.UUID) (*domain.Account, error) {
	var a domain.Account
	query := `
		SELECT id, external_id, item_id, name, type, subtype, mask, access_token, created_at, refreshed_at
		FROM accounts WHERE id = $1
	`
	err := r.db.QueryRow(ctx, query, accountID).Scan(
		&a.ID, &a.ExternalID, &a.ItemID, &a.Name, &a.Type, &a.Subtype, &a.Mask,
		&a.AccessToken, &a.CreatedAt, &a.RefreshedAt,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, fmt.Errorf("%w: account %s", domain.ErrNotFound, accountID)
		}
		return nil, err
	}
	return &a, nil
}

// CreateHold inserts a new held fund, or returns the existing one when the
// idempotency hash has been seen before.
func (r *PostgresRepository) CreateHold(ctx context.Context, hold *domain.HeldFund, idempotencyHash string) (*domain.HeldFund, bool, error) {
	query := `
		INSERT INTO held_funds (id, source_account_id, card_account_id, amount, status, idempotency_hash, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW(), NOW())
		ON CONFLICT (idempotency_hash) DO NOTHING
		RETURNING id, created_at, updated_at
	`
	err := r.db.QueryRow(ctx, query,
		hold.ID, hold.SourceAccountID, hold.CardAccountID, hold.Amount, string(hold.Status), idempotencyHash,
	).Scan(&hold.ID, &hold.CreatedAt, &hold.UpdatedAt)
	if err == nil {
		return hold, true, nil
	}
	if err != pgx.ErrNoRows {
		return nil, false, fmt.Errorf("hold insert failed: %w", err)
	}

	// Conflict on the idempotency hash: return the hold created by the first call.
	existing, err := r.findHoldByIdempotencyHash(ctx, idempotencyHash)
	if err != nil {
		return nil, false, err
	}
	return existing, false, nil
}

func (r *PostgresRepository) findHoldByIdempotencyHash(ctx context.Context, hash string) (*domain.HeldFund, error) {
	query := `
		SELECT id, source_account_id, card_account_id, amount, status, created_at, updated_at
		FROM held_funds WHERE idempotency_hash = $1
	`
	return r.scanHold(r.db.QueryRow(ctx, query, hash))
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (r *PostgresRepository) scanHold(row rowScanner) (*domain.HeldFund, error) {
	var h domain.HeldFund
	var rawStatus string
	err := row.Scan(&h.ID, &h.SourceAccountID, &h.CardAccountID, &h.Amount, &rawStatus, &h.CreatedAt, &h.UpdatedAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, fmt.Errorf("%w: held fund", domain.ErrNotFound)
		}
		return nil, err
	}
	h.Status, err = domain.ParseHoldStatus(rawStatus)
	if err != nil {
		return nil, fmt.Errorf("%w: held fund %s carries status %q", domain.ErrLedgerIntegrity, h.ID, rawStatus)
	}
	return &h, nil
}

func scanAttempt(row rowScanner) (*domain.TransferAttempt, error) {
	var a domain.TransferAttempt
	var rawStatus string
	err := row.Scan(
		&a.ID, &a.HeldFundID, &a.FromAccountID, &a.ToAccountID, &a.Amount,
		&rawStatus, &a.GatewayTransferID, &a.FailureReason, &a.InitiatedAt, &a.CompletedAt,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, fmt.Errorf("%w: transfer attempt", domain.ErrNotFound)
		}
		return nil, err
	}
	a.Status, err = domain.ParseAttemptStatus(rawStatus)
	if err != nil {
		return nil, fmt.Errorf("%w: attempt %s carries status %q", domain.ErrLedgerIntegrity, a.ID, rawStatus)
	}
	return &a, nil
}

const attemptColumns = `id, held_fund_id, from_account_id, to_account_id, amount, status, gateway_transfer_id, failure_reason, initiated_at, completed_at`

// GetHold retrieves a held fund by id.
func (r *PostgresRepository) GetHold(ctx context.Context, holdID uuid.UUID) (*domain.HeldFund, error) {
	query := `
		SELECT id, source_account_id, card_account_id, amount, status, created_at, updated_at
		FROM held_funds WHERE id = $1
	`
	return r.scanHold(r.db.QueryRow(ctx, query, holdID))
}

// ListActiveHolds returns every held fund still in the `held` state, oldest first.
func (r *PostgresRepository) ListActiveHolds(ctx context.Context) ([]domain.HeldFund, error) {
	query := `
		SELECT id, source_account_id, card_account_id, amount, status, created_at, updated_at
		FROM held_funds WHERE status = 'held' ORDER BY created_at
	`
	rows, err := r.db.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var holds []domain.HeldFund
	for rows.Next() {
		h, err := r.scanHold(rows)
		if err != nil {
			return nil, err
		}
		holds = append(holds, *h)
	}
	return holds, rows.Err()
}

// lockHold acquires the per-held-fund row lock inside tx and returns the current
// status. NOWAIT keeps contention visible to the caller instead of queueing.
func (r *PostgresRepository) lockHold(ctx context.Context, tx pgx.Tx, holdID uuid.UUID) (domain.HoldStatus, error) {
	var rawStatus string
	err := tx.QueryRow(ctx, `SELECT status FROM held_funds WHERE id = $1 FOR UPDATE NOWAIT`, holdID).Scan(&rawStatus)
	if err != nil {
		if err == pgx.ErrNoRows {
			return "", fmt.Errorf("%w: held fund %s", domain.ErrNotFound, holdID)
		}
		return "", mapLockErr(err)
	}
	status, err := domain.ParseHoldStatus(rawStatus)
	if err != nil {
		return "", fmt.Errorf("%w: held fund %s carries status %q", domain.ErrLedgerIntegrity, holdID, rawStatus)
	}
	return status, nil
}

// ReleaseHold transitions held -> released, refusing when an attempt is still active
// or the hold is already terminal.
func (r *PostgresRepository) ReleaseHold(ctx context.Context, holdID uuid.UUID) (*domain.HeldFund, error) {
	tx, err := r.db.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
	if err != nil {
		return nil, fmt.Errorf("tx begin failed: %w", err)
	}
	defer tx.Rollback(ctx)

	status, err := r.lockHold(ctx, tx, holdID)
	if err != nil {
		return nil, err
	}
	if !status.CanTransitionTo(domain.HoldStatusReleased) {
		return nil, fmt.Errorf("%w: cannot release hold in status %q", domain.ErrInvalidState, status)
	}

	var activeAttempts int
	err = tx.QueryRow(ctx,
		`SELECT COUNT(*) FROM transfer_log WHERE held_fund_id = $1 AND status = 'pending'`, holdID,
	).Scan(&activeAttempts)
	if err != nil {
		return nil, err
	}
	if activeAttempts > 0 {
		return nil, fmt.Errorf("%w: hold has an active transfer attempt", domain.ErrInvalidState)
	}

	query := `
		UPDATE held_funds SET status = 'released', updated_at = NOW()
		WHERE id = $1
		RETURNING id, source_account_id, card_account_id, amount, status, created_at, updated_at
	`
	hold, err := r.scanHold(tx.QueryRow(ctx, query, holdID))
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("tx commit failed: %w", mapLockErr(err))
	}
	return hold, nil
}

// CreateAttempt opens a pending attempt for a hold that is currently `held` and has
// no other non-terminal attempt. The partial unique index on (held_fund_id) WHERE
// status = 'pending' backs this check against raced writers.
func (r *PostgresRepository) CreateAttempt(ctx context.Context, attempt *domain.TransferAttempt) error {
	tx, err := r.db.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
	if err != nil {
		return fmt.Errorf("tx begin failed: %w", err)
	}
	defer tx.Rollback(ctx)

	status, err := r.lockHold(ctx, tx, attempt.HeldFundID)
	if err != nil {
		return err
	}
	if status != domain.HoldStatusHeld {
		return fmt.Errorf("%w: cannot attempt transfer for hold in status %q", domain.ErrInvalidState, status)
	}

	var holdAmount int64
	if err := tx.QueryRow(ctx, `SELECT amount FROM held_funds WHERE id = $1`, attempt.HeldFundID).Scan(&holdAmount); err != nil {
		return err
	}
	if attempt.Amount != holdAmount {
		return fmt.Errorf("%w: attempt amount %d does not match held amount %d", domain.ErrInvalidRequest, attempt.Amount, holdAmount)
	}

	var activeAttempts int
	err = tx.QueryRow(ctx,
		`SELECT COUNT(*) FROM transfer_log WHERE held_fund_id = $1 AND status = 'pending'`, attempt.HeldFundID,
	).Scan(&activeAttempts)
	if err != nil {
		return err
	}
	if activeAttempts > 0 {
		return fmt.Errorf("%w: hold already has an active transfer attempt", domain.ErrInvalidState)
	}

	query := `
		INSERT INTO transfer_log (id, held_fund_id, from_account_id, to_account_id, amount, status, initiated_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW())
		RETURNING initiated_at
	`
	err = tx.QueryRow(ctx, query,
		attempt.ID, attempt.HeldFundID, attempt.FromAccountID, attempt.ToAccountID,
		attempt.Amount, string(attempt.Status),
	).Scan(&attempt.InitiatedAt)
	if err != nil {
		if isPgCode(err, pgCodeUniqueViolation) {
			return fmt.Errorf("%w: concurrent attempt creation for the same hold", domain.ErrConflict)
		}
		return fmt.Errorf("attempt insert failed: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("tx commit failed: %w", mapLockErr(err))
	}
	return nil
}

// FindAttemptByID retrieves a transfer attempt by id.
func (r *PostgresRepository) FindAttemptByID(ctx context.Context, attemptID uuid.UUID) (*domain.TransferAttempt, error) {
	query := `SELECT ` + attemptColumns + ` FROM transfer_log WHERE id = $1`
	return scanAttempt(r.db.QueryRow(ctx, query, attemptID))
}

// FindAttemptByGatewayTransferID retrieves the attempt recorded for a gateway transfer.
func (r *PostgresRepository) FindAttemptByGatewayTransferID(ctx context.Context, gatewayTransferID string) (*domain.TransferAttempt, error) {
	query := `SELECT ` + attemptColumns + ` FROM transfer_log WHERE gateway_transfer_id = $1`
	return scanAttempt(r.db.QueryRow(ctx, query, gatewayTransferID))
}

// FindActiveAttemptByHoldID returns the hold's single pending attempt, if any.
func (r *PostgresRepository) FindActiveAttemptByHoldID(ctx context.Context, holdID uuid.UUID) (*domain.TransferAttempt, error) {
	query := `SELECT ` + attemptColumns + ` FROM transfer_log WHERE held_fund_id = $1 AND status = 'pending'`
	return scanAttempt(r.db.QueryRow(ctx, query, holdID))
}

// RecordGatewayAcknowledgment stores the gateway transfer id once the gateway has
// accepted the request. Only pending, unacknowledged attempts can be updated.
func (r *PostgresRepository) RecordGatewayAcknowledgment(ctx context.Context, attemptID uuid.UUID, gatewayTransferID string) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE transfer_log SET gateway_transfer_id = $2
		 WHERE id = $1 AND status = 'pending' AND gateway_transfer_id IS NULL`,
		attemptID, gatewayTransferID,
	)
	if err != nil {
		if isPgCode(err, pgCodeUniqueViolation) {
			return fmt.Errorf("%w: %s", ErrDuplicateGatewayTransfer, gatewayTransferID)
		}
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: attempt is not pending or already acknowledged", domain.ErrInvalidState)
	}
	return nil
}

// FinalizeAttempt applies a terminal outcome to an attempt, atomically moving the
// parent hold to transferred when the outcome is posted. The compare-and-set on
// the pending status makes a raced Orchestrator/Reconciler finalize idempotent:
// the loser observes an already-terminal row and applies nothing.
func (r *PostgresRepository) FinalizeAttempt(ctx context.Context, attemptID uuid.UUID, outcome domain.AttemptOutcome) (bool, error) {
	if err := outcome.Validate(); err != nil {
		return false, err
	}

	tx, err := r.db.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
	if err != nil {
		return false, fmt.Errorf("tx begin failed: %w", err)
	}
	defer tx.Rollback(ctx)

	var holdID uuid.UUID
	err = tx.QueryRow(ctx, `SELECT held_fund_id FROM transfer_log WHERE id = $1`, attemptID).Scan(&holdID)
	if err != nil {
		if err == pgx.ErrNoRows {
			return false, fmt.Errorf("%w: transfer attempt %s", domain.ErrNotFound, attemptID)
		}
		return false, err
	}

	holdStatus, err := r.lockHold(ctx, tx, holdID)
	if err != nil {
		return false, err
	}

	tag, err := tx.Exec(ctx,
		`UPDATE transfer_log SET status = $2, failure_reason = $3, completed_at = NOW()
		 WHERE id = $1 AND status = 'pending'`,
		attemptID, string(outcome.Status), outcome.FailureReason,
	)
	if err != nil {
		return false, fmt.Errorf("attempt finalize failed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		// Already terminal. Same outcome is an idempotent no-op; anything else is
		// a disallowed transition out of a terminal status.
		current, err := scanAttempt(tx.QueryRow(ctx, `SELECT `+attemptColumns+` FROM transfer_log WHERE id = $1`, attemptID))
		if err != nil {
			return false, err
		}
		if current.Status == outcome.Status {
			return false, nil
		}
		return false, fmt.Errorf("%w: attempt already %q, cannot apply %q", domain.ErrInvalidState, current.Status, outcome.Status)
	}

	if outcome.Status == domain.AttemptStatusPosted {
		if !holdStatus.CanTransitionTo(domain.HoldStatusTransferred) {
			// A posted attempt against a non-held fund means the ledger's
			// cross-references have diverged. Halt; never auto-correct.
			log.Printf("level=error component=store msg=\"integrity fault: posting attempt against hold not in held state\" held_fund_id=%s hold_status=%s attempt_id=%s", holdID, holdStatus, attemptID)
			return false, fmt.Errorf("%w: hold %s is %q while attempt %s posts", domain.ErrLedgerIntegrity, holdID, holdStatus, attemptID)
		}
		if _, err := tx.Exec(ctx,
			`UPDATE held_funds SET status = 'transferred', updated_at = NOW() WHERE id = $1`, holdID,
		); err != nil {
			return false, fmt.Errorf("hold transition failed: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("tx commit failed: %w", mapLockErr(err))
	}
	return true, nil
}

// CancelAttempt finalizes an attempt as cancelled, but only while it is pending
// and the gateway has not acknowledged it.
func (r *PostgresRepository) CancelAttempt(ctx context.Context, attemptID uuid.UUID) (bool, error) {
	tx, err := r.db.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
	if err != nil {
		return false, fmt.Errorf("tx begin failed: %w", err)
	}
	defer tx.Rollback(ctx)

	var holdID uuid.UUID
	err = tx.QueryRow(ctx, `SELECT held_fund_id FROM transfer_log WHERE id = $1`, attemptID).Scan(&holdID)
	if err != nil {
		if err == pgx.ErrNoRows {
			return false, fmt.Errorf("%w: transfer attempt %s", domain.ErrNotFound, attemptID)
		}
		return false, err
	}
	if _, err := r.lockHold(ctx, tx, holdID); err != nil {
		return false, err
	}

	tag, err := tx.Exec(ctx,
		`UPDATE transfer_log SET status = 'cancelled', completed_at = NOW()
		 WHERE id = $1 AND status = 'pending' AND gateway_transfer_id IS NULL`,
		attemptID,
	)
	if err != nil {
		return false, fmt.Errorf("attempt cancel failed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		current, err := scanAttempt(tx.QueryRow(ctx, `SELECT `+attemptColumns+` FROM transfer_log WHERE id = $1`, attemptID))
		if err != nil {
			return false, err
		}
		if current.Status == domain.AttemptStatusCancelled {
			return false, nil
		}
		if current.Acknowledged() {
			return false, fmt.Errorf("%w: gateway already acknowledged this attempt", domain.ErrInvalidState)
		}
		return false, fmt.Errorf("%w: attempt already %q", domain.ErrInvalidState, current.Status)
	}

	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("tx commit failed: %w", mapLockErr(err))
	}
	return true, nil
}

// ListStaleAttempts returns pending attempts initiated before the cutoff, oldest first.
func (r *PostgresRepository) ListStaleAttempts(ctx context.Context, cutoff time.Time, limit int) ([]domain.TransferAttempt, error) {
	query := `
		SELECT ` + attemptColumns + `
		FROM transfer_log
		WHERE status = 'pending' AND initiated_at < $1
		ORDER BY initiated_at
		LIMIT $2
	`
	rows, err := r.db.Query(ctx, query, cutoff, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var attempts []domain.TransferAttempt
	for rows.Next() {
		a, err := scanAttempt(rows)
		if err != nil {
			return nil, err
		}
		attempts = append(attempts, *a)
	}
	return attempts, rows.Err()
}
