/**
 * @description
 * Periodic reconciliation of transfer attempts whose outcome was not learned
 * synchronously. The sweep queries the gateway for every pending attempt older
 * than the staleness threshold and finalizes through the same compare-and-set
 * store call the orchestrator uses, so a race between the two applies exactly
 * one transition. Attempts still unresolved past the alerting threshold raise
 * an observability event; absence of information never becomes an outcome.
 */

package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/cardfund/ledger-service/internal/domain"
	"github.com/cardfund/ledger-service/pkg/gatewayclient"
)

var (
	reconcileSweepsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ledger_reconcile_sweeps_total",
		Help: "Total reconciliation sweeps executed",
	})

	reconcileFinalizedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_reconcile_finalized_total",
		Help: "Attempts finalized by the reconciler, labeled by terminal status",
	}, []string{"status"})

	reconcileStaleAlertsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ledger_reconcile_stale_alerts_total",
		Help: "Attempts pending past the alerting threshold",
	})

	reconcileCheckFailuresTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ledger_reconcile_check_failures_total",
		Help: "Gateway status checks that failed during reconciliation",
	})
)

// ReconcileStaleAttempts sweeps pending attempts older than the staleness
// threshold and resolves those the gateway reports as terminal.
func (s *Service) ReconcileStaleAttempts(ctx context.Context) (*domain.ReconcileResult, error) {
	reconcileSweepsTotal.Inc()

	now := time.Now().UTC()
	cutoff := now.Add(-s.tunables.StalenessThreshold)
	alertCutoff := now.Add(-s.tunables.AlertThreshold)

	attempts, err := s.repo.ListStaleAttempts(ctx, cutoff, s.tunables.ReconcileBatchLimit)
	if err != nil {
		return nil, fmt.Errorf("failed to list stale attempts: %w", err)
	}

	result := &domain.ReconcileResult{Swept: len(attempts)}

	for i := range attempts {
		attempt := &attempts[i]

		if !attempt.Acknowledged() {
			// The gateway never acknowledged this attempt, so there is no
			// transfer id to query. Only an operator can resolve it; all the
			// reconciler can do is make noise.
			result.StillPending++
			if attempt.InitiatedAt.Before(alertCutoff) {
				result.Alerts++
				reconcileStaleAlertsTotal.Inc()
				log.Printf("level=error component=reconciler msg=\"unacknowledged attempt pending past alert threshold\" attempt_id=%s held_fund_id=%s initiated_at=%s", attempt.ID, attempt.HeldFundID, attempt.InitiatedAt.Format(time.RFC3339))
			}
			continue
		}

		status, err := s.gateway.GetTransferStatus(ctx, *attempt.GatewayTransferID)
		if err != nil {
			result.CheckFailed++
			reconcileCheckFailuresTotal.Inc()
			var transient *gatewayclient.TransientError
			if errors.As(err, &transient) {
				log.Printf("level=warn component=reconciler msg=\"transient error checking transfer status\" attempt_id=%s err=%v", attempt.ID, err)
			} else {
				log.Printf("level=error component=reconciler msg=\"permanent error checking transfer status; manual review needed\" attempt_id=%s gateway_transfer_id=%s err=%v", attempt.ID, *attempt.GatewayTransferID, err)
			}
			continue
		}

		switch status.Status {
		case gatewayclient.StatusPosted, gatewayclient.StatusFailed:
			outcome := domain.AttemptOutcome{Status: domain.AttemptStatusPosted}
			if status.Status == gatewayclient.StatusFailed {
				reason := status.Reason
				if reason == "" {
					reason = "gateway reported failure"
				}
				outcome = domain.AttemptOutcome{Status: domain.AttemptStatusFailed, FailureReason: &reason}
			}
			applied, finErr := s.finalizeWithRetry(ctx, attempt.ID, outcome)
			if finErr != nil {
				result.CheckFailed++
				reconcileCheckFailuresTotal.Inc()
				log.Printf("level=error component=reconciler msg=\"finalize failed\" attempt_id=%s outcome=%s err=%v", attempt.ID, outcome.Status, finErr)
				continue
			}
			if applied {
				result.Finalized++
				reconcileFinalizedTotal.WithLabelValues(string(outcome.Status)).Inc()
				log.Printf("level=info component=reconciler msg=\"attempt finalized\" attempt_id=%s outcome=%s", attempt.ID, outcome.Status)
			}

		case gatewayclient.StatusPending:
			// Still in flight at the gateway. No action; alert when it has been
			// pending for too long.
			result.StillPending++
			if attempt.InitiatedAt.Before(alertCutoff) {
				result.Alerts++
				reconcileStaleAlertsTotal.Inc()
				log.Printf("level=error component=reconciler msg=\"attempt pending past alert threshold\" attempt_id=%s gateway_transfer_id=%s initiated_at=%s", attempt.ID, *attempt.GatewayTransferID, attempt.InitiatedAt.Format(time.RFC3339))
			}

		default:
			result.CheckFailed++
			log.Printf("level=warn component=reconciler msg=\"unrecognized gateway status ignored\" attempt_id=%s status=%q", attempt.ID, status.Status)
		}
	}

	log.Printf("level=info component=reconciler msg=\"sweep complete\" swept=%d finalized=%d still_pending=%d alerts=%d check_failed=%d", result.Swept, result.Finalized, result.StillPending, result.Alerts, result.CheckFailed)
	return result, nil
}
