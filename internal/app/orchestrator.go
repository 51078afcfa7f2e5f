/**
 * @description
 * Transfer orchestration: drives each held fund through the transfer attempt
 * state machine. An attempt is opened in a short ledger transaction, the gateway
 * is called outside any lock, and the asynchronous outcome is reconciled either
 * by a bounded status-poll loop here or by the periodic reconciler.
 *
 * State machine per attempt:
 *   pending -> posted     gateway confirms the completed transfer
 *   pending -> failed     gateway reports a permanent error
 *   pending -> cancelled  cancellation before gateway acknowledgment
 *
 * A `failed` attempt never auto-retries: the hold stays `held` and a new attempt
 * requires an explicit InitiateTransfer.
 */

package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/cardfund/ledger-service/internal/domain"
	"github.com/cardfund/ledger-service/internal/store"
	"github.com/cardfund/ledger-service/pkg/gatewayclient"
)

// InitiateTransfer opens a pending attempt for the hold and asks the gateway to
// execute the movement. The returned attempt reflects the state reached
// synchronously: posted or failed when the gateway answered terminally, pending
// when resolution is asynchronous.
func (s *Service) InitiateTransfer(ctx context.Context, holdID uuid.UUID) (*domain.TransferAttempt, error) {
	hold, err := s.repo.GetHold(ctx, holdID)
	if err != nil {
		return nil, err
	}
	if hold.Status != domain.HoldStatusHeld {
		return nil, fmt.Errorf("%w: hold is %q", domain.ErrInvalidState, hold.Status)
	}

	source, err := s.resolveAccount(ctx, hold.SourceAccountID)
	if err != nil {
		return nil, err
	}
	card, err := s.resolveAccount(ctx, hold.CardAccountID)
	if err != nil {
		return nil, err
	}

	attempt := &domain.TransferAttempt{
		ID:            uuid.New(),
		HeldFundID:    hold.ID,
		FromAccountID: hold.SourceAccountID,
		ToAccountID:   hold.CardAccountID,
		Amount:        hold.Amount,
		Status:        domain.AttemptStatusPending,
	}
	// Short transaction: the row exists and the hold is claimed before any
	// network traffic. The gateway call below runs with no ledger lock held, so
	// a slow gateway cannot block operations on unrelated holds.
	if err := s.repo.CreateAttempt(ctx, attempt); err != nil {
		return nil, err
	}
	log.Printf("level=info component=service flow=initiate_transfer msg=\"attempt opened\" held_fund_id=%s attempt_id=%s amount=%d", hold.ID, attempt.ID, attempt.Amount)

	result, err := s.initiateWithRetry(ctx, source, card, attempt)
	if err != nil {
		var perm *gatewayclient.PermanentError
		if errors.As(err, &perm) {
			reason := perm.Error()
			if _, finErr := s.finalizeWithRetry(ctx, attempt.ID, domain.AttemptOutcome{Status: domain.AttemptStatusFailed, FailureReason: &reason}); finErr != nil {
				return nil, fmt.Errorf("attempt rejected by gateway but finalize failed: %w", finErr)
			}
			log.Printf("level=warn component=service flow=initiate_transfer msg=\"gateway rejected transfer\" attempt_id=%s err=%v", attempt.ID, err)
			return s.repo.FindAttemptByID(ctx, attempt.ID)
		}
		// Transient failure with the retry budget exhausted. The attempt stays
		// pending; the reconciler owns it from here. Guessing an outcome is not
		// an option.
		log.Printf("level=warn component=service flow=initiate_transfer msg=\"gateway unreachable; attempt left pending for reconciler\" attempt_id=%s err=%v", attempt.ID, err)
		return s.repo.FindAttemptByID(ctx, attempt.ID)
	}

	switch result.Status {
	case gatewayclient.StatusRejected:
		reason := result.Reason
		if reason == "" {
			reason = "rejected by gateway"
		}
		if _, err := s.finalizeWithRetry(ctx, attempt.ID, domain.AttemptOutcome{Status: domain.AttemptStatusFailed, FailureReason: &reason}); err != nil {
			return nil, err
		}

	case gatewayclient.StatusAcceptedPosted:
		if err := s.recordAcknowledgment(ctx, attempt.ID, result.TransferID); err != nil {
			return nil, err
		}
		if _, err := s.finalizeWithRetry(ctx, attempt.ID, domain.AttemptOutcome{Status: domain.AttemptStatusPosted}); err != nil {
			return nil, err
		}
		log.Printf("level=info component=service flow=initiate_transfer msg=\"transfer posted synchronously\" attempt_id=%s gateway_transfer_id=%s", attempt.ID, result.TransferID)

	case gatewayclient.StatusAcceptedPending:
		if err := s.recordAcknowledgment(ctx, attempt.ID, result.TransferID); err != nil {
			return nil, err
		}
		log.Printf("level=info component=service flow=initiate_transfer msg=\"transfer accepted; awaiting terminal status\" attempt_id=%s gateway_transfer_id=%s", attempt.ID, result.TransferID)
		go s.pollAttemptOutcome(attempt.ID, result.TransferID)

	default:
		log.Printf("level=error component=service flow=initiate_transfer msg=\"unrecognized gateway status; attempt left pending for reconciler\" attempt_id=%s status=%q", attempt.ID, result.Status)
	}

	return s.repo.FindAttemptByID(ctx, attempt.ID)
}

// CancelAttempt cancels a pending attempt that the gateway has not yet
// acknowledged. Once the gateway has acknowledged, cancellation is refused and
// the caller must wait for the natural terminal state.
func (s *Service) CancelAttempt(ctx context.Context, attemptID uuid.UUID) (*domain.TransferAttempt, error) {
	applied, err := s.repo.CancelAttempt(ctx, attemptID)
	if err != nil {
		return nil, err
	}

	attempt, err := s.repo.FindAttemptByID(ctx, attemptID)
	if err != nil {
		return nil, err
	}
	if applied {
		if hold, holdErr := s.repo.GetHold(ctx, attempt.HeldFundID); holdErr == nil {
			s.publishLifecycleEvent(ctx, "attempt.cancelled", hold, attempt)
		}
		log.Printf("level=info component=service flow=cancel_attempt msg=\"attempt cancelled\" attempt_id=%s", attemptID)
	}
	return attempt, nil
}

// initiateWithRetry calls the gateway's initiate endpoint, retrying transient
// failures with exponential backoff up to the configured budget. The attempt id
// rides along as the gateway reference, so a retried initiation after an
// ambiguous network failure deduplicates server-side instead of double-moving
// funds.
func (s *Service) initiateWithRetry(ctx context.Context, source, card *domain.Account, attempt *domain.TransferAttempt) (*gatewayclient.TransferResult, error) {
	backoff := s.tunables.GatewayRetryBackoff
	var lastErr error

	for try := 0; try <= s.tunables.GatewayRetryBudget; try++ {
		result, err := s.gateway.InitiateTransfer(ctx, source.ExternalID, card.ExternalID, attempt.Amount, attempt.ID.String(), source.AccessToken)
		if err == nil {
			return result, nil
		}
		lastErr = err

		var transient *gatewayclient.TransientError
		if !errors.As(err, &transient) {
			return nil, err
		}
		if try == s.tunables.GatewayRetryBudget {
			break
		}
		log.Printf("level=warn component=service flow=initiate_transfer msg=\"transient gateway error; retrying\" attempt_id=%s try=%d backoff=%s err=%v", attempt.ID, try+1, backoff, err)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > s.tunables.GatewayRetryBackoffCap {
			backoff = s.tunables.GatewayRetryBackoffCap
		}
	}
	return nil, lastErr
}

// recordAcknowledgment stores the gateway transfer id on the attempt. A
// duplicate gateway transfer id means two attempts would reference the same
// movement; that is an integrity problem, not a retry case.
func (s *Service) recordAcknowledgment(ctx context.Context, attemptID uuid.UUID, transferID string) error {
	err := s.repo.RecordGatewayAcknowledgment(ctx, attemptID, transferID)
	if err == nil {
		return nil
	}
	if errors.Is(err, store.ErrDuplicateGatewayTransfer) {
		log.Printf("level=error component=service flow=initiate_transfer msg=\"gateway transfer id already recorded on another attempt\" attempt_id=%s gateway_transfer_id=%s", attemptID, transferID)
	}
	return err
}

// pollAttemptOutcome runs the bounded status-check loop for an attempt the
// gateway accepted asynchronously. It gives up (leaving the attempt to the
// reconciler) after the retry budget; it never fabricates an outcome.
func (s *Service) pollAttemptOutcome(attemptID uuid.UUID, transferID string) {
	deadline := time.Duration(s.tunables.GatewayRetryBudget+1)*s.tunables.GatewayRetryBackoffCap + 30*time.Second
	ctx, cancel := context.WithTimeout(context.Background(), deadline)
	defer cancel()

	backoff := s.tunables.GatewayRetryBackoff
	for try := 1; try <= s.tunables.GatewayRetryBudget; try++ {
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > s.tunables.GatewayRetryBackoffCap {
			backoff = s.tunables.GatewayRetryBackoffCap
		}

		status, err := s.gateway.GetTransferStatus(ctx, transferID)
		if err != nil {
			var transient *gatewayclient.TransientError
			if errors.As(err, &transient) {
				log.Printf("level=warn component=service flow=status_poll msg=\"transient error polling gateway\" attempt_id=%s try=%d err=%v", attemptID, try, err)
				continue
			}
			// A permanent error from the status endpoint is not a terminal
			// outcome report; the reconciler (or an operator) takes it from here.
			log.Printf("level=error component=service flow=status_poll msg=\"permanent error polling gateway; leaving attempt to reconciler\" attempt_id=%s err=%v", attemptID, err)
			return
		}

		terminal, err := s.resolveGatewayStatus(ctx, attemptID, status.Status, status.Reason, "status_poll")
		if err != nil {
			log.Printf("level=error component=service flow=status_poll msg=\"finalize failed; reconciler takes over\" attempt_id=%s err=%v", attemptID, err)
			return
		}
		if terminal {
			return
		}
	}
	log.Printf("level=info component=service flow=status_poll msg=\"retry budget exhausted; reconciler takes over\" attempt_id=%s gateway_transfer_id=%s", attemptID, transferID)
}

// resolveGatewayStatus applies a gateway-reported status to an attempt.
// terminal is true when the status was terminal, whether or not this caller won
// the finalize race.
func (s *Service) resolveGatewayStatus(ctx context.Context, attemptID uuid.UUID, gatewayStatus, reason, flow string) (terminal bool, err error) {
	var outcome domain.AttemptOutcome
	switch gatewayStatus {
	case gatewayclient.StatusPosted:
		outcome = domain.AttemptOutcome{Status: domain.AttemptStatusPosted}
	case gatewayclient.StatusFailed:
		if reason == "" {
			reason = "gateway reported failure"
		}
		outcome = domain.AttemptOutcome{Status: domain.AttemptStatusFailed, FailureReason: &reason}
	case gatewayclient.StatusPending:
		return false, nil
	default:
		log.Printf("level=warn component=service flow=%s msg=\"unrecognized gateway status ignored\" attempt_id=%s status=%q", flow, attemptID, gatewayStatus)
		return false, nil
	}

	applied, err := s.finalizeWithRetry(ctx, attemptID, outcome)
	if err != nil {
		return true, err
	}
	if !applied {
		log.Printf("level=info component=service flow=%s msg=\"attempt already finalized by concurrent writer\" attempt_id=%s outcome=%s", flow, attemptID, outcome.Status)
	}
	return true, nil
}

// finalizeWithRetry applies a terminal outcome through the store's
// compare-and-set, retrying briefly on lock contention with another writer.
// When the outcome is applied, the matching lifecycle event is published.
func (s *Service) finalizeWithRetry(ctx context.Context, attemptID uuid.UUID, outcome domain.AttemptOutcome) (bool, error) {
	var applied bool
	var err error
	for try := 1; try <= s.tunables.FinalizeRetryAttempts; try++ {
		applied, err = s.repo.FinalizeAttempt(ctx, attemptID, outcome)
		if err == nil || !errors.Is(err, domain.ErrConflict) {
			break
		}
		if try == s.tunables.FinalizeRetryAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-time.After(s.tunables.FinalizeRetryBackoff):
		}
	}
	if err != nil {
		return false, err
	}

	if applied {
		attempt, attemptErr := s.repo.FindAttemptByID(ctx, attemptID)
		if attemptErr == nil {
			if hold, holdErr := s.repo.GetHold(ctx, attempt.HeldFundID); holdErr == nil {
				s.publishLifecycleEvent(ctx, "attempt."+string(outcome.Status), hold, attempt)
			}
		}
	}
	return applied, nil
}
