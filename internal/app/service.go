/**
 * @description
 * This file contains the core business logic for the ledger-service. The `Service`
 * struct coordinates the database repository, the transfer gateway client, the
 * account directory client, and the message broker. Hold management (create and
 * release) lives here; transfer orchestration is in orchestrator.go and the
 * reconciliation sweep in reconciler.go.
 *
 * Key invariants enforced at this layer:
 * - A hold is created at most once per idempotency key.
 * - A hold can only be released before any transfer is attempted, or after all
 *   attempts on it have reached a non-posted terminal state.
 * - External network calls are never made while a ledger transaction is open.
 *
 * @dependencies
 * - context, errors, fmt, log, time: Standard Go libraries.
 * - github.com/google/uuid: For UUID generation.
 * - internal/domain, internal/store: For domain models and data access.
 * - pkg/gatewayclient, pkg/directoryclient, pkg/rabbitmq: External collaborators.
 */

package app

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/cardfund/ledger-service/internal/domain"
	"github.com/cardfund/ledger-service/internal/store"
	"github.com/cardfund/ledger-service/pkg/directoryclient"
	"github.com/cardfund/ledger-service/pkg/gatewayclient"
	"github.com/cardfund/ledger-service/pkg/rabbitmq"
)

// ErrRateLimited indicates the caller exceeded the hold-creation rate limit for
// a source account.
var ErrRateLimited = errors.New("rate limit exceeded")

// Gateway is the ledger's view of the external transfer gateway. The concrete
// client lives in pkg/gatewayclient; orchestration code depends only on this
// interface so tests can substitute scripted gateways.
type Gateway interface {
	InitiateTransfer(ctx context.Context, fromExternalID, toExternalID string, amount int64, reference, accessToken string) (*gatewayclient.TransferResult, error)
	GetTransferStatus(ctx context.Context, transferID string) (*gatewayclient.TransferStatusResult, error)
}

// Directory is the ledger's read-only view of the account directory.
type Directory interface {
	GetAccount(ctx context.Context, accountID string) (*directoryclient.Account, error)
	ListAccounts(ctx context.Context) ([]directoryclient.Account, error)
}

// RateLimiter throttles hold creation per source account. A nil limiter disables
// throttling.
type RateLimiter interface {
	ConsumeRateLimit(ctx context.Context, scope, subject string, limit int, window time.Duration) (count int, retryAfterSeconds int, err error)
}

// Tunables groups the orchestration policy knobs loaded from configuration.
type Tunables struct {
	// GatewayRetryBudget bounds the status-check (and initiate) retries before the
	// reconciler takes over.
	GatewayRetryBudget int
	// GatewayRetryBackoff is the initial backoff between retries; it doubles each
	// retry up to GatewayRetryBackoffCap.
	GatewayRetryBackoff    time.Duration
	GatewayRetryBackoffCap time.Duration
	// StalenessThreshold is how old a pending attempt must be before the
	// reconciler sweeps it.
	StalenessThreshold time.Duration
	// AlertThreshold is the higher bound past which a still-unresolved attempt
	// raises an observability alert.
	AlertThreshold time.Duration
	// ReconcileBatchLimit caps attempts examined per sweep.
	ReconcileBatchLimit int
	// HoldRateLimitPerMinute throttles hold creation per source account (0 disables).
	HoldRateLimitPerMinute int
	// FinalizeRetryAttempts bounds retries of a finalize that hit lock contention.
	FinalizeRetryAttempts int
	FinalizeRetryBackoff  time.Duration
}

// DefaultTunables returns the policy defaults applied when configuration leaves
// a knob unset.
func DefaultTunables() Tunables {
	return Tunables{
		GatewayRetryBudget:     3,
		GatewayRetryBackoff:    2 * time.Second,
		GatewayRetryBackoffCap: 30 * time.Second,
		StalenessThreshold:     5 * time.Minute,
		AlertThreshold:         30 * time.Minute,
		ReconcileBatchLimit:    100,
		FinalizeRetryAttempts:  3,
		FinalizeRetryBackoff:   150 * time.Millisecond,
	}
}

// Service provides the core business logic for held funds and transfers.
type Service struct {
	repo          store.Repository
	gateway       Gateway
	directory     Directory
	eventProducer rabbitmq.Publisher
	rateLimiter   RateLimiter
	tunables      Tunables
}

// NewService creates a new ledger service instance.
func NewService(repo store.Repository, gateway Gateway, directory Directory, producer rabbitmq.Publisher, tunables Tunables) *Service {
	defaults := DefaultTunables()
	if tunables.GatewayRetryBudget <= 0 {
		tunables.GatewayRetryBudget = defaults.GatewayRetryBudget
	}
	if tunables.GatewayRetryBackoff <= 0 {
		tunables.GatewayRetryBackoff = defaults.GatewayRetryBackoff
	}
	if tunables.GatewayRetryBackoffCap <= 0 {
		tunables.GatewayRetryBackoffCap = defaults.GatewayRetryBackoffCap
	}
	if tunables.StalenessThreshold <= 0 {
		tunables.StalenessThreshold = defaults.StalenessThreshold
	}
	if tunables.AlertThreshold <= 0 {
		tunables.AlertThreshold = defaults.AlertThreshold
	}
	if tunables.ReconcileBatchLimit <= 0 {
		tunables.ReconcileBatchLimit = defaults.ReconcileBatchLimit
	}
	if tunables.FinalizeRetryAttempts <= 0 {
		tunables.FinalizeRetryAttempts = defaults.FinalizeRetryAttempts
	}
	if tunables.FinalizeRetryBackoff <= 0 {
		tunables.FinalizeRetryBackoff = defaults.FinalizeRetryBackoff
	}
	if producer == nil {
		producer = &rabbitmq.EventProducerFallback{}
	}

	return &Service{
		repo:          repo,
		gateway:       gateway,
		directory:     directory,
		eventProducer: producer,
		tunables:      tunables,
	}
}

// SetRateLimiter installs a distributed rate limiter for hold creation.
func (s *Service) SetRateLimiter(limiter RateLimiter) {
	s.rateLimiter = limiter
}

// holdIdempotencyHash derives the uniqueness key for a hold from its identity
// and the caller-supplied token. The hash is stable across retries of the same
// logical request, so a repeated call lands on the existing row.
func holdIdempotencyHash(sourceAccountID, cardAccountID uuid.UUID, amount int64, token string) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s|%s|%d|%s", sourceAccountID, cardAccountID, amount, strings.TrimSpace(token))
	return hex.EncodeToString(h.Sum(nil))
}

// CreateHold earmarks an amount to move from a linked source account to a card
// account. Repeated calls with the same idempotency token return the existing
// hold rather than creating a duplicate.
func (s *Service) CreateHold(ctx context.Context, req domain.CreateHoldRequest, idempotencyToken string) (*domain.HeldFund, error) {
	if req.Amount <= 0 {
		return nil, fmt.Errorf("%w: amount must be positive", domain.ErrInvalidRequest)
	}
	if req.SourceAccountID == req.CardAccountID {
		return nil, fmt.Errorf("%w: source and card accounts must differ", domain.ErrInvalidRequest)
	}
	if req.SourceAccountID == uuid.Nil || req.CardAccountID == uuid.Nil {
		return nil, fmt.Errorf("%w: account ids are required", domain.ErrInvalidRequest)
	}
	if strings.TrimSpace(idempotencyToken) == "" {
		return nil, fmt.Errorf("%w: idempotency token is required", domain.ErrInvalidRequest)
	}

	if s.rateLimiter != nil && s.tunables.HoldRateLimitPerMinute > 0 {
		count, retryAfter, err := s.rateLimiter.ConsumeRateLimit(ctx, "create_hold", req.SourceAccountID.String(), s.tunables.HoldRateLimitPerMinute, time.Minute)
		if err != nil {
			log.Printf("level=warn component=service flow=create_hold msg=\"rate limiter unavailable; allowing request\" err=%v", err)
		} else if count > s.tunables.HoldRateLimitPerMinute {
			return nil, fmt.Errorf("%w: retry after %ds", ErrRateLimited, retryAfter)
		}
	}

	// Both accounts must exist in the directory. The lookups also refresh the
	// local metadata cache the orchestrator resolves external ids from.
	if _, err := s.resolveAccount(ctx, req.SourceAccountID); err != nil {
		return nil, err
	}
	if _, err := s.resolveAccount(ctx, req.CardAccountID); err != nil {
		return nil, err
	}

	hold := &domain.HeldFund{
		ID:              uuid.New(),
		SourceAccountID: req.SourceAccountID,
		CardAccountID:   req.CardAccountID,
		Amount:          req.Amount,
		Status:          domain.HoldStatusHeld,
	}
	hash := holdIdempotencyHash(req.SourceAccountID, req.CardAccountID, req.Amount, idempotencyToken)

	created, wasCreated, err := s.repo.CreateHold(ctx, hold, hash)
	if err != nil {
		return nil, fmt.Errorf("failed to create hold: %w", err)
	}
	if !wasCreated {
		log.Printf("level=info component=service flow=create_hold msg=\"idempotent replay; returning existing hold\" held_fund_id=%s", created.ID)
		return created, nil
	}

	s.publishLifecycleEvent(ctx, "hold.created", created, nil)
	log.Printf("level=info component=service flow=create_hold msg=\"hold created\" held_fund_id=%s amount=%d", created.ID, created.Amount)
	return created, nil
}

// GetHold returns a single held fund.
func (s *Service) GetHold(ctx context.Context, holdID uuid.UUID) (*domain.HeldFund, error) {
	return s.repo.GetHold(ctx, holdID)
}

// ListActiveHolds returns every hold still awaiting transfer or release.
func (s *Service) ListActiveHolds(ctx context.Context) ([]domain.HeldFund, error) {
	return s.repo.ListActiveHolds(ctx)
}

// ReleaseHold cancels a hold that has no transfer in flight, transitioning it
// held -> released. Terminal holds and holds with an active attempt are refused
// with domain.ErrInvalidState.
func (s *Service) ReleaseHold(ctx context.Context, holdID uuid.UUID) (*domain.HeldFund, error) {
	hold, err := s.repo.ReleaseHold(ctx, holdID)
	if err != nil {
		return nil, err
	}

	s.publishLifecycleEvent(ctx, "hold.released", hold, nil)
	log.Printf("level=info component=service flow=release_hold msg=\"hold released\" held_fund_id=%s", hold.ID)
	return hold, nil
}

// ListAccounts passes through to the directory so callers can pick a funding source.
func (s *Service) ListAccounts(ctx context.Context) ([]directoryclient.Account, error) {
	return s.directory.ListAccounts(ctx)
}

// resolveAccount returns the cached account metadata, falling back to a
// directory lookup (and refreshing the cache) on a miss.
func (s *Service) resolveAccount(ctx context.Context, accountID uuid.UUID) (*domain.Account, error) {
	cached, err := s.repo.FindAccountByID(ctx, accountID)
	if err == nil {
		return cached, nil
	}
	if !errors.Is(err, domain.ErrNotFound) {
		return nil, err
	}

	remote, err := s.directory.GetAccount(ctx, accountID.String())
	if err != nil {
		if errors.Is(err, directoryclient.ErrAccountNotFound) {
			return nil, fmt.Errorf("%w: account %s", domain.ErrNotFound, accountID)
		}
		return nil, fmt.Errorf("directory lookup failed: %w", err)
	}

	account := &domain.Account{
		ID:          accountID,
		ExternalID:  remote.ExternalID,
		ItemID:      remote.ItemID,
		Name:        remote.Name,
		Type:        remote.Type,
		Subtype:     remote.Subtype,
		Mask:        remote.Mask,
		AccessToken: remote.AccessToken,
	}
	if err := s.repo.UpsertAccount(ctx, account); err != nil {
		log.Printf("level=warn component=service msg=\"account cache refresh failed\" account_id=%s err=%v", accountID, err)
	}
	return account, nil
}

// publishLifecycleEvent emits a hold/attempt lifecycle event. Publishing is
// best-effort: a broker outage never blocks or fails a ledger operation.
func (s *Service) publishLifecycleEvent(ctx context.Context, routingKey string, hold *domain.HeldFund, attempt *domain.TransferAttempt) {
	event := domain.HoldLifecycleEvent{
		HeldFundID: hold.ID,
		HoldStatus: string(hold.Status),
		Amount:     hold.Amount,
		Timestamp:  time.Now().UTC(),
	}
	if attempt != nil {
		event.AttemptID = &attempt.ID
		event.AttemptStatus = string(attempt.Status)
	}
	if err := s.eventProducer.PublishHoldLifecycleEvent(ctx, routingKey, event); err != nil {
		log.Printf("level=warn component=service msg=\"lifecycle event publish failed\" routing_key=%s held_fund_id=%s err=%v", routingKey, hold.ID, err)
	}
}
