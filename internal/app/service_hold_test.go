package app

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/cardfund/ledger-service/internal/domain"
	"github.com/cardfund/ledger-service/internal/store"
	"github.com/cardfund/ledger-service/pkg/directoryclient"
)

type holdRepoStub struct {
	store.Repository

	accounts map[uuid.UUID]*domain.Account

	existingHold *domain.HeldFund

	createHoldCalls int
	lastHash        string

	releaseErr error
}

func newHoldRepoStub() *holdRepoStub {
	return &holdRepoStub{accounts: make(map[uuid.UUID]*domain.Account)}
}

func (s *holdRepoStub) FindAccountByID(ctx context.Context, accountID uuid.UUID) (*domain.Account, error) {
	account, ok := s.accounts[accountID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return account, nil
}

func (s *holdRepoStub) UpsertAccount(ctx context.Context, account *domain.Account) error {
	s.accounts[account.ID] = account
	return nil
}

func (s *holdRepoStub) CreateHold(ctx context.Context, hold *domain.HeldFund, idempotencyHash string) (*domain.HeldFund, bool, error) {
	s.createHoldCalls++
	s.lastHash = idempotencyHash
	if s.existingHold != nil {
		return s.existingHold, false, nil
	}
	stored := *hold
	stored.CreatedAt = time.Now().UTC()
	stored.UpdatedAt = stored.CreatedAt
	return &stored, true, nil
}

func (s *holdRepoStub) ReleaseHold(ctx context.Context, holdID uuid.UUID) (*domain.HeldFund, error) {
	if s.releaseErr != nil {
		return nil, s.releaseErr
	}
	return &domain.HeldFund{ID: holdID, Status: domain.HoldStatusReleased}, nil
}

func (s *holdRepoStub) cacheAccounts(ids ...uuid.UUID) {
	for _, id := range ids {
		s.accounts[id] = &domain.Account{ID: id, ExternalID: "ext-" + id.String()[:8]}
	}
}

type stubDirectory struct {
	account *directoryclient.Account
	err     error
}

func (d *stubDirectory) GetAccount(ctx context.Context, accountID string) (*directoryclient.Account, error) {
	if d.err != nil {
		return nil, d.err
	}
	return d.account, nil
}

func (d *stubDirectory) ListAccounts(ctx context.Context) ([]directoryclient.Account, error) {
	if d.err != nil {
		return nil, d.err
	}
	return []directoryclient.Account{*d.account}, nil
}

type fixedRateLimiter struct {
	count      int
	retryAfter int
	err        error
}

func (l *fixedRateLimiter) ConsumeRateLimit(ctx context.Context, scope, subject string, limit int, window time.Duration) (int, int, error) {
	return l.count, l.retryAfter, l.err
}

func validHoldRequest() domain.CreateHoldRequest {
	return domain.CreateHoldRequest{
		SourceAccountID: uuid.New(),
		CardAccountID:   uuid.New(),
		Amount:          1500,
	}
}

func TestCreateHold_RejectsInvalidRequests(t *testing.T) {
	repo := newHoldRepoStub()
	svc := NewService(repo, &scriptedGateway{}, nil, nil, testTunables())

	cases := []struct {
		name  string
		req   domain.CreateHoldRequest
		token string
	}{
		{"zero amount", domain.CreateHoldRequest{SourceAccountID: uuid.New(), CardAccountID: uuid.New(), Amount: 0}, "tok"},
		{"negative amount", domain.CreateHoldRequest{SourceAccountID: uuid.New(), CardAccountID: uuid.New(), Amount: -100}, "tok"},
		{"same accounts", func() domain.CreateHoldRequest {
			id := uuid.New()
			return domain.CreateHoldRequest{SourceAccountID: id, CardAccountID: id, Amount: 100}
		}(), "tok"},
		{"missing account id", domain.CreateHoldRequest{CardAccountID: uuid.New(), Amount: 100}, "tok"},
		{"missing token", validHoldRequest(), "  "},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := svc.CreateHold(context.Background(), tc.req, tc.token)
			if !errors.Is(err, domain.ErrInvalidRequest) {
				t.Fatalf("expected ErrInvalidRequest, got %v", err)
			}
		})
	}
	if repo.createHoldCalls != 0 {
		t.Fatal("invalid requests must never reach the store")
	}
}

func TestCreateHold_IdempotentReplayReturnsExistingHold(t *testing.T) {
	repo := newHoldRepoStub()
	req := validHoldRequest()
	repo.cacheAccounts(req.SourceAccountID, req.CardAccountID)
	repo.existingHold = &domain.HeldFund{
		ID:              uuid.New(),
		SourceAccountID: req.SourceAccountID,
		CardAccountID:   req.CardAccountID,
		Amount:          req.Amount,
		Status:          domain.HoldStatusHeld,
	}

	svc := NewService(repo, &scriptedGateway{}, nil, nil, testTunables())

	hold, err := svc.CreateHold(context.Background(), req, "tok-1")
	if err != nil {
		t.Fatalf("CreateHold returned error: %v", err)
	}
	if hold.ID != repo.existingHold.ID {
		t.Fatal("replay must return the existing hold, not a new one")
	}
}

func TestCreateHold_HashIsStableAcrossRetries(t *testing.T) {
	repo := newHoldRepoStub()
	req := validHoldRequest()
	repo.cacheAccounts(req.SourceAccountID, req.CardAccountID)

	svc := NewService(repo, &scriptedGateway{}, nil, nil, testTunables())

	if _, err := svc.CreateHold(context.Background(), req, "tok-1"); err != nil {
		t.Fatalf("first CreateHold returned error: %v", err)
	}
	firstHash := repo.lastHash
	if _, err := svc.CreateHold(context.Background(), req, "tok-1"); err != nil {
		t.Fatalf("second CreateHold returned error: %v", err)
	}
	if repo.lastHash != firstHash {
		t.Fatal("the same logical request must derive the same idempotency hash")
	}

	if _, err := svc.CreateHold(context.Background(), req, "tok-2"); err != nil {
		t.Fatalf("third CreateHold returned error: %v", err)
	}
	if repo.lastHash == firstHash {
		t.Fatal("a different token must derive a different hash")
	}
}

func TestCreateHold_RateLimited(t *testing.T) {
	repo := newHoldRepoStub()
	req := validHoldRequest()
	repo.cacheAccounts(req.SourceAccountID, req.CardAccountID)

	tunables := testTunables()
	tunables.HoldRateLimitPerMinute = 5
	svc := NewService(repo, &scriptedGateway{}, nil, nil, tunables)
	svc.SetRateLimiter(&fixedRateLimiter{count: 6, retryAfter: 12})

	_, err := svc.CreateHold(context.Background(), req, "tok-1")
	if !errors.Is(err, ErrRateLimited) {
		t.Fatalf("expected ErrRateLimited, got %v", err)
	}
	if repo.createHoldCalls != 0 {
		t.Fatal("throttled requests must never reach the store")
	}
}

func TestCreateHold_LimiterOutageFailsOpen(t *testing.T) {
	repo := newHoldRepoStub()
	req := validHoldRequest()
	repo.cacheAccounts(req.SourceAccountID, req.CardAccountID)

	tunables := testTunables()
	tunables.HoldRateLimitPerMinute = 5
	svc := NewService(repo, &scriptedGateway{}, nil, nil, tunables)
	svc.SetRateLimiter(&fixedRateLimiter{err: errors.New("redis down")})

	if _, err := svc.CreateHold(context.Background(), req, "tok-1"); err != nil {
		t.Fatalf("a limiter outage must not block hold creation, got %v", err)
	}
}

func TestCreateHold_UnknownAccountIsNotFound(t *testing.T) {
	repo := newHoldRepoStub()
	req := validHoldRequest()

	directory := &stubDirectory{err: directoryclient.ErrAccountNotFound}
	svc := NewService(repo, &scriptedGateway{}, directory, nil, testTunables())

	_, err := svc.CreateHold(context.Background(), req, "tok-1")
	if !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for unknown account, got %v", err)
	}
	if repo.createHoldCalls != 0 {
		t.Fatal("a hold must not be created against an unknown account")
	}
}

func TestCreateHold_DirectoryMissRefreshesCache(t *testing.T) {
	repo := newHoldRepoStub()
	req := validHoldRequest()
	// Card account cached, source account resolved through the directory.
	repo.cacheAccounts(req.CardAccountID)

	directory := &stubDirectory{account: &directoryclient.Account{
		ID:         req.SourceAccountID.String(),
		ExternalID: "ext-src",
		Name:       "Everyday Checking",
	}}
	svc := NewService(repo, &scriptedGateway{}, directory, nil, testTunables())

	if _, err := svc.CreateHold(context.Background(), req, "tok-1"); err != nil {
		t.Fatalf("CreateHold returned error: %v", err)
	}
	cached, ok := repo.accounts[req.SourceAccountID]
	if !ok {
		t.Fatal("expected directory lookup to refresh the account cache")
	}
	if cached.ExternalID != "ext-src" {
		t.Fatalf("expected cached external id ext-src, got %q", cached.ExternalID)
	}
}

func TestReleaseHold_PropagatesInvalidState(t *testing.T) {
	repo := newHoldRepoStub()
	repo.releaseErr = fmt.Errorf("%w: hold has an active transfer attempt", domain.ErrInvalidState)

	svc := NewService(repo, &scriptedGateway{}, nil, nil, testTunables())

	_, err := svc.ReleaseHold(context.Background(), uuid.New())
	if !errors.Is(err, domain.ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState, got %v", err)
	}
}
