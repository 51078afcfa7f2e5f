package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/cardfund/ledger-service/internal/app"
	"github.com/cardfund/ledger-service/internal/domain"
	"github.com/cardfund/ledger-service/internal/store"
)

type handlersRepoStub struct {
	store.Repository

	hold *domain.HeldFund
}

func (s *handlersRepoStub) GetHold(ctx context.Context, holdID uuid.UUID) (*domain.HeldFund, error) {
	if s.hold == nil || s.hold.ID != holdID {
		return nil, domain.ErrNotFound
	}
	copied := *s.hold
	return &copied, nil
}

func (s *handlersRepoStub) ListActiveHolds(ctx context.Context) ([]domain.HeldFund, error) {
	if s.hold == nil {
		return nil, nil
	}
	return []domain.HeldFund{*s.hold}, nil
}

func newHandlersFixture(hold *domain.HeldFund) http.Handler {
	repo := &handlersRepoStub{hold: hold}
	svc := app.NewService(repo, nil, nil, nil, app.Tunables{})
	handlers := NewLedgerHandlers(svc)

	// The auth middleware is exercised separately; route straight to handlers here.
	mux := http.NewServeMux()
	router := LedgerRoutes(handlers, "http://127.0.0.1:0/jwks", "internal-key")
	mux.Handle("/", router)
	return mux
}

// newChiWithParam mounts a handler on a chi route so URL parameters resolve.
func newChiWithParam(param, value string, h http.HandlerFunc) http.Handler {
	r := chi.NewRouter()
	r.Get("/holds/{"+param+"}", h)
	return r
}

func TestGetHoldHandler_InvalidUUIDIsBadRequest(t *testing.T) {
	repo := &handlersRepoStub{}
	svc := app.NewService(repo, nil, nil, nil, app.Tunables{})
	handlers := NewLedgerHandlers(svc)

	req := httptest.NewRequest("GET", "/holds/not-a-uuid", nil)
	rec := httptest.NewRecorder()

	router := newChiWithParam("id", "not-a-uuid", handlers.GetHoldHandler)
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for malformed id, got %d", rec.Code)
	}
}

func TestGetHoldHandler_UnknownHoldIsNotFound(t *testing.T) {
	repo := &handlersRepoStub{}
	svc := app.NewService(repo, nil, nil, nil, app.Tunables{})
	handlers := NewLedgerHandlers(svc)

	id := uuid.New().String()
	req := httptest.NewRequest("GET", "/holds/"+id, nil)
	rec := httptest.NewRecorder()

	router := newChiWithParam("id", id, handlers.GetHoldHandler)
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown hold, got %d", rec.Code)
	}
}

func TestCreateHoldHandler_RequiresIdempotencyKey(t *testing.T) {
	repo := &handlersRepoStub{}
	svc := app.NewService(repo, nil, nil, nil, app.Tunables{})
	handlers := NewLedgerHandlers(svc)

	body := strings.NewReader(`{"source_account_id":"` + uuid.New().String() + `","card_account_id":"` + uuid.New().String() + `","amount":1500}`)
	req := httptest.NewRequest("POST", "/holds", body)
	rec := httptest.NewRecorder()

	handlers.CreateHoldHandler(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 without Idempotency-Key, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "Idempotency-Key") {
		t.Fatalf("expected error body naming the missing header, got %q", rec.Body.String())
	}
}

func TestCreateHoldHandler_MalformedBodyIsBadRequest(t *testing.T) {
	repo := &handlersRepoStub{}
	svc := app.NewService(repo, nil, nil, nil, app.Tunables{})
	handlers := NewLedgerHandlers(svc)

	req := httptest.NewRequest("POST", "/holds", strings.NewReader("{not json"))
	req.Header.Set("Idempotency-Key", "tok-1")
	rec := httptest.NewRecorder()

	handlers.CreateHoldHandler(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for malformed body, got %d", rec.Code)
	}
}

func TestInternalAPIKeyMiddleware(t *testing.T) {
	protected := InternalAPIKeyMiddleware("secret-key")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest("POST", "/internal/reconcile", nil)
	rec := httptest.NewRecorder()
	protected.ServeHTTP(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 without key, got %d", rec.Code)
	}

	req = httptest.NewRequest("POST", "/internal/reconcile", nil)
	req.Header.Set("X-Internal-API-Key", "wrong-key")
	rec = httptest.NewRecorder()
	protected.ServeHTTP(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 with wrong key, got %d", rec.Code)
	}

	req = httptest.NewRequest("POST", "/internal/reconcile", nil)
	req.Header.Set("X-Internal-API-Key", "secret-key")
	rec = httptest.NewRecorder()
	protected.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 with correct key, got %d", rec.Code)
	}
}

func TestInternalAPIKeyMiddleware_UnconfiguredRefusesAll(t *testing.T) {
	protected := InternalAPIKeyMiddleware("")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest("POST", "/internal/reconcile", nil)
	req.Header.Set("X-Internal-API-Key", "")
	rec := httptest.NewRecorder()
	protected.ServeHTTP(rec, req)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 when no key is configured, got %d", rec.Code)
	}
}

func TestRouterHealthEndpointIsPublic(t *testing.T) {
	handler := newHandlersFixture(nil)

	req := httptest.NewRequest("GET", "/health", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 from health check, got %d", rec.Code)
	}
}

func TestRouterHoldEndpointsRequireAuth(t *testing.T) {
	handler := newHandlersFixture(nil)

	req := httptest.NewRequest("GET", "/holds", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without bearer token, got %d", rec.Code)
	}
}
