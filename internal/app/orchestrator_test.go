package app

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/cardfund/ledger-service/internal/domain"
	"github.com/cardfund/ledger-service/internal/store"
	"github.com/cardfund/ledger-service/pkg/gatewayclient"
)

// orchestratorRepoStub is an in-memory repository covering the paths the
// transfer orchestrator exercises. Finalize mirrors the store contract: a
// compare-and-set on pending, with a posted outcome also flipping the hold.
type orchestratorRepoStub struct {
	store.Repository

	mu       sync.Mutex
	holds    map[uuid.UUID]*domain.HeldFund
	attempts map[uuid.UUID]*domain.TransferAttempt
	accounts map[uuid.UUID]*domain.Account

	createAttemptCalls int
}

func newOrchestratorRepoStub() *orchestratorRepoStub {
	return &orchestratorRepoStub{
		holds:    make(map[uuid.UUID]*domain.HeldFund),
		attempts: make(map[uuid.UUID]*domain.TransferAttempt),
		accounts: make(map[uuid.UUID]*domain.Account),
	}
}

func (s *orchestratorRepoStub) addHold(hold *domain.HeldFund) {
	s.holds[hold.ID] = hold
	s.accounts[hold.SourceAccountID] = &domain.Account{ID: hold.SourceAccountID, ExternalID: "ext-" + hold.SourceAccountID.String()[:8]}
	s.accounts[hold.CardAccountID] = &domain.Account{ID: hold.CardAccountID, ExternalID: "ext-" + hold.CardAccountID.String()[:8]}
}

func (s *orchestratorRepoStub) FindAccountByID(ctx context.Context, accountID uuid.UUID) (*domain.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	account, ok := s.accounts[accountID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return account, nil
}

func (s *orchestratorRepoStub) GetHold(ctx context.Context, holdID uuid.UUID) (*domain.HeldFund, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	hold, ok := s.holds[holdID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	copied := *hold
	return &copied, nil
}

func (s *orchestratorRepoStub) CreateAttempt(ctx context.Context, attempt *domain.TransferAttempt) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.createAttemptCalls++
	for _, existing := range s.attempts {
		if existing.HeldFundID == attempt.HeldFundID && !existing.Status.Terminal() {
			return fmt.Errorf("%w: hold already has an active attempt", domain.ErrInvalidState)
		}
	}
	stored := *attempt
	stored.InitiatedAt = time.Now().UTC()
	s.attempts[attempt.ID] = &stored
	return nil
}

func (s *orchestratorRepoStub) FindAttemptByID(ctx context.Context, attemptID uuid.UUID) (*domain.TransferAttempt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	attempt, ok := s.attempts[attemptID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	copied := *attempt
	return &copied, nil
}

func (s *orchestratorRepoStub) RecordGatewayAcknowledgment(ctx context.Context, attemptID uuid.UUID, gatewayTransferID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.attempts {
		if existing.GatewayTransferID != nil && *existing.GatewayTransferID == gatewayTransferID && existing.ID != attemptID {
			return store.ErrDuplicateGatewayTransfer
		}
	}
	attempt, ok := s.attempts[attemptID]
	if !ok {
		return domain.ErrNotFound
	}
	attempt.GatewayTransferID = &gatewayTransferID
	return nil
}

func (s *orchestratorRepoStub) FinalizeAttempt(ctx context.Context, attemptID uuid.UUID, outcome domain.AttemptOutcome) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := outcome.Validate(); err != nil {
		return false, err
	}
	attempt, ok := s.attempts[attemptID]
	if !ok {
		return false, domain.ErrNotFound
	}
	if attempt.Status != domain.AttemptStatusPending {
		if attempt.Status == outcome.Status {
			return false, nil
		}
		return false, fmt.Errorf("%w: attempt already %s", domain.ErrInvalidState, attempt.Status)
	}
	attempt.Status = outcome.Status
	attempt.FailureReason = outcome.FailureReason
	now := time.Now().UTC()
	attempt.CompletedAt = &now
	if outcome.Status == domain.AttemptStatusPosted {
		hold := s.holds[attempt.HeldFundID]
		if hold.Status != domain.HoldStatusHeld {
			return false, fmt.Errorf("%w: hold is %s", domain.ErrLedgerIntegrity, hold.Status)
		}
		hold.Status = domain.HoldStatusTransferred
	}
	return true, nil
}

func (s *orchestratorRepoStub) CancelAttempt(ctx context.Context, attemptID uuid.UUID) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	attempt, ok := s.attempts[attemptID]
	if !ok {
		return false, domain.ErrNotFound
	}
	if attempt.Acknowledged() {
		return false, fmt.Errorf("%w: gateway already acknowledged this attempt", domain.ErrInvalidState)
	}
	if attempt.Status != domain.AttemptStatusPending {
		if attempt.Status == domain.AttemptStatusCancelled {
			return false, nil
		}
		return false, fmt.Errorf("%w: attempt already %s", domain.ErrInvalidState, attempt.Status)
	}
	attempt.Status = domain.AttemptStatusCancelled
	now := time.Now().UTC()
	attempt.CompletedAt = &now
	return true, nil
}

// scriptedGateway returns canned answers and records calls.
type scriptedGateway struct {
	mu            sync.Mutex
	initiateRes   *gatewayclient.TransferResult
	initiateErr   error
	initiateCalls int
	statusRes     *gatewayclient.TransferStatusResult
	statusErr     error
}

func (g *scriptedGateway) InitiateTransfer(ctx context.Context, fromExternalID, toExternalID string, amount int64, reference, accessToken string) (*gatewayclient.TransferResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.initiateCalls++
	if g.initiateErr != nil {
		return nil, g.initiateErr
	}
	return g.initiateRes, nil
}

func (g *scriptedGateway) GetTransferStatus(ctx context.Context, transferID string) (*gatewayclient.TransferStatusResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.statusErr != nil {
		return nil, g.statusErr
	}
	return g.statusRes, nil
}

func testTunables() Tunables {
	return Tunables{
		GatewayRetryBudget:     2,
		GatewayRetryBackoff:    time.Millisecond,
		GatewayRetryBackoffCap: 2 * time.Millisecond,
		StalenessThreshold:     5 * time.Minute,
		AlertThreshold:         30 * time.Minute,
		ReconcileBatchLimit:    100,
		FinalizeRetryAttempts:  2,
		FinalizeRetryBackoff:   time.Millisecond,
	}
}

func newTestHold() *domain.HeldFund {
	return &domain.HeldFund{
		ID:              uuid.New(),
		SourceAccountID: uuid.New(),
		CardAccountID:   uuid.New(),
		Amount:          2500,
		Status:          domain.HoldStatusHeld,
	}
}

func TestInitiateTransfer_SynchronousPost(t *testing.T) {
	repo := newOrchestratorRepoStub()
	hold := newTestHold()
	repo.addHold(hold)

	gateway := &scriptedGateway{
		initiateRes: &gatewayclient.TransferResult{TransferID: "T1", Status: gatewayclient.StatusAcceptedPosted},
	}
	svc := NewService(repo, gateway, nil, nil, testTunables())

	attempt, err := svc.InitiateTransfer(context.Background(), hold.ID)
	if err != nil {
		t.Fatalf("InitiateTransfer returned error: %v", err)
	}
	if attempt.Status != domain.AttemptStatusPosted {
		t.Fatalf("expected posted attempt, got %s", attempt.Status)
	}
	if attempt.GatewayTransferID == nil || *attempt.GatewayTransferID != "T1" {
		t.Fatal("expected gateway transfer id T1 to be recorded")
	}
	if attempt.CompletedAt == nil {
		t.Fatal("expected completed_at on a terminal attempt")
	}

	updatedHold, _ := repo.GetHold(context.Background(), hold.ID)
	if updatedHold.Status != domain.HoldStatusTransferred {
		t.Fatalf("expected hold transferred alongside posted attempt, got %s", updatedHold.Status)
	}
}

func TestInitiateTransfer_PermanentRejectionFailsAttemptOnly(t *testing.T) {
	repo := newOrchestratorRepoStub()
	hold := newTestHold()
	repo.addHold(hold)

	gateway := &scriptedGateway{
		initiateErr: &gatewayclient.PermanentError{StatusCode: 422, Title: "insufficient_funds", Detail: "source balance too low"},
	}
	svc := NewService(repo, gateway, nil, nil, testTunables())

	attempt, err := svc.InitiateTransfer(context.Background(), hold.ID)
	if err != nil {
		t.Fatalf("InitiateTransfer returned error: %v", err)
	}
	if attempt.Status != domain.AttemptStatusFailed {
		t.Fatalf("expected failed attempt, got %s", attempt.Status)
	}
	if attempt.FailureReason == nil {
		t.Fatal("expected a failure reason on the failed attempt")
	}
	if gateway.initiateCalls != 1 {
		t.Fatalf("permanent errors must not be retried, got %d calls", gateway.initiateCalls)
	}

	// The hold survives the failed attempt and a fresh attempt can be opened.
	updatedHold, _ := repo.GetHold(context.Background(), hold.ID)
	if updatedHold.Status != domain.HoldStatusHeld {
		t.Fatalf("expected hold to stay held after a failed attempt, got %s", updatedHold.Status)
	}

	gateway.mu.Lock()
	gateway.initiateErr = nil
	gateway.initiateRes = &gatewayclient.TransferResult{TransferID: "T2", Status: gatewayclient.StatusAcceptedPosted}
	gateway.mu.Unlock()

	second, err := svc.InitiateTransfer(context.Background(), hold.ID)
	if err != nil {
		t.Fatalf("second InitiateTransfer returned error: %v", err)
	}
	if second.Status != domain.AttemptStatusPosted {
		t.Fatalf("expected second attempt posted, got %s", second.Status)
	}
}

func TestInitiateTransfer_TransientExhaustionLeavesAttemptPending(t *testing.T) {
	repo := newOrchestratorRepoStub()
	hold := newTestHold()
	repo.addHold(hold)

	gateway := &scriptedGateway{
		initiateErr: &gatewayclient.TransientError{Op: "initiate_transfer", Err: errors.New("connection refused")},
	}
	tunables := testTunables()
	svc := NewService(repo, gateway, nil, nil, tunables)

	attempt, err := svc.InitiateTransfer(context.Background(), hold.ID)
	if err != nil {
		t.Fatalf("InitiateTransfer returned error: %v", err)
	}
	if attempt.Status != domain.AttemptStatusPending {
		t.Fatalf("expected attempt left pending for the reconciler, got %s", attempt.Status)
	}
	if attempt.CompletedAt != nil {
		t.Fatal("pending attempt must not carry completed_at")
	}
	if gateway.initiateCalls != tunables.GatewayRetryBudget+1 {
		t.Fatalf("expected %d initiate calls, got %d", tunables.GatewayRetryBudget+1, gateway.initiateCalls)
	}

	updatedHold, _ := repo.GetHold(context.Background(), hold.ID)
	if updatedHold.Status != domain.HoldStatusHeld {
		t.Fatalf("expected hold untouched while outcome is unknown, got %s", updatedHold.Status)
	}
}

func TestInitiateTransfer_RefusesNonHeldHold(t *testing.T) {
	repo := newOrchestratorRepoStub()
	hold := newTestHold()
	hold.Status = domain.HoldStatusReleased
	repo.addHold(hold)

	svc := NewService(repo, &scriptedGateway{}, nil, nil, testTunables())

	_, err := svc.InitiateTransfer(context.Background(), hold.ID)
	if !errors.Is(err, domain.ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState for released hold, got %v", err)
	}
	if repo.createAttemptCalls != 0 {
		t.Fatal("no attempt row may be opened for a non-held hold")
	}
}

func TestCancelAttempt_RefusedOnceAcknowledged(t *testing.T) {
	repo := newOrchestratorRepoStub()
	hold := newTestHold()
	repo.addHold(hold)

	transferID := "T9"
	attempt := &domain.TransferAttempt{
		ID:                uuid.New(),
		HeldFundID:        hold.ID,
		Amount:            hold.Amount,
		Status:            domain.AttemptStatusPending,
		GatewayTransferID: &transferID,
		InitiatedAt:       time.Now().UTC(),
	}
	repo.attempts[attempt.ID] = attempt

	svc := NewService(repo, &scriptedGateway{}, nil, nil, testTunables())

	_, err := svc.CancelAttempt(context.Background(), attempt.ID)
	if !errors.Is(err, domain.ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState cancelling acknowledged attempt, got %v", err)
	}
}

func TestCancelAttempt_UnacknowledgedPendingCancels(t *testing.T) {
	repo := newOrchestratorRepoStub()
	hold := newTestHold()
	repo.addHold(hold)

	attempt := &domain.TransferAttempt{
		ID:          uuid.New(),
		HeldFundID:  hold.ID,
		Amount:      hold.Amount,
		Status:      domain.AttemptStatusPending,
		InitiatedAt: time.Now().UTC(),
	}
	repo.attempts[attempt.ID] = attempt

	svc := NewService(repo, &scriptedGateway{}, nil, nil, testTunables())

	cancelled, err := svc.CancelAttempt(context.Background(), attempt.ID)
	if err != nil {
		t.Fatalf("CancelAttempt returned error: %v", err)
	}
	if cancelled.Status != domain.AttemptStatusCancelled {
		t.Fatalf("expected cancelled attempt, got %s", cancelled.Status)
	}
	if cancelled.CompletedAt == nil {
		t.Fatal("expected completed_at on the cancelled attempt")
	}

	updatedHold, _ := repo.GetHold(context.Background(), hold.ID)
	if updatedHold.Status != domain.HoldStatusHeld {
		t.Fatalf("cancellation must leave the hold held, got %s", updatedHold.Status)
	}
}
