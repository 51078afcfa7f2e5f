/**
 * @description
 * This file contains the HTTP handlers for the ledger-service's API endpoints.
 * Handlers are responsible for parsing incoming requests, calling the appropriate
 * methods on the application service, and writing the HTTP response. They act as the
 * bridge between the web layer and the business logic layer.
 *
 * @dependencies
 * - encoding/json, log, net/http: Standard Go libraries.
 * - internal/app, internal/domain: For service logic, models, and custom errors.
 */

package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/cardfund/ledger-service/internal/app"
	"github.com/cardfund/ledger-service/internal/domain"
)

// LedgerHandlers holds the application service that handlers will use.
type LedgerHandlers struct {
	service *app.Service
}

// NewLedgerHandlers creates a new instance of LedgerHandlers.
func NewLedgerHandlers(service *app.Service) *LedgerHandlers {
	return &LedgerHandlers{service: service}
}

// holdResponse is the JSON shape returned for a held fund.
type holdResponse struct {
	ID              string `json:"id"`
	SourceAccountID string `json:"source_account_id"`
	CardAccountID   string `json:"card_account_id"`
	Amount          int64  `json:"amount"`
	Status          string `json:"status"`
	CreatedAt       string `json:"created_at"`
	UpdatedAt       string `json:"updated_at"`
}

// attemptResponse is the JSON shape returned for a transfer attempt.
type attemptResponse struct {
	ID                string  `json:"id"`
	HeldFundID        string  `json:"held_fund_id"`
	Amount            int64   `json:"amount"`
	Status            string  `json:"status"`
	GatewayTransferID *string `json:"gateway_transfer_id,omitempty"`
	FailureReason     *string `json:"failure_reason,omitempty"`
	InitiatedAt       string  `json:"initiated_at"`
	CompletedAt       *string `json:"completed_at,omitempty"`
}

func buildHoldResponse(hold *domain.HeldFund) holdResponse {
	return holdResponse{
		ID:              hold.ID.String(),
		SourceAccountID: hold.SourceAccountID.String(),
		CardAccountID:   hold.CardAccountID.String(),
		Amount:          hold.Amount,
		Status:          string(hold.Status),
		CreatedAt:       hold.CreatedAt.UTC().Format("2006-01-02T15:04:05.000Z07:00"),
		UpdatedAt:       hold.UpdatedAt.UTC().Format("2006-01-02T15:04:05.000Z07:00"),
	}
}

func buildAttemptResponse(attempt *domain.TransferAttempt) attemptResponse {
	resp := attemptResponse{
		ID:                attempt.ID.String(),
		HeldFundID:        attempt.HeldFundID.String(),
		Amount:            attempt.Amount,
		Status:            string(attempt.Status),
		GatewayTransferID: attempt.GatewayTransferID,
		FailureReason:     attempt.FailureReason,
		InitiatedAt:       attempt.InitiatedAt.UTC().Format("2006-01-02T15:04:05.000Z07:00"),
	}
	if attempt.CompletedAt != nil {
		completed := attempt.CompletedAt.UTC().Format("2006-01-02T15:04:05.000Z07:00")
		resp.CompletedAt = &completed
	}
	return resp
}

// CreateHoldHandler handles requests to earmark funds for a card purchase.
func (h *LedgerHandlers) CreateHoldHandler(w http.ResponseWriter, r *http.Request) {
	var req domain.CreateHoldRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		log.Printf("level=warn component=api endpoint=create_hold outcome=reject reason=invalid_json err=%v", err)
		h.writeError(w, http.StatusBadRequest, fmt.Sprintf("Invalid request body: %v", err))
		return
	}

	idempotencyToken := strings.TrimSpace(r.Header.Get("Idempotency-Key"))
	if idempotencyToken == "" {
		h.writeError(w, http.StatusBadRequest, "Idempotency-Key header is required")
		return
	}

	hold, err := h.service.CreateHold(r.Context(), req, idempotencyToken)
	if err != nil {
		log.Printf("level=warn component=api endpoint=create_hold outcome=failed source_account_id=%s err=%v", req.SourceAccountID, err)
		h.writeServiceError(w, "create_hold", err)
		return
	}

	log.Printf("level=info component=api endpoint=create_hold outcome=accepted held_fund_id=%s amount=%d", hold.ID, hold.Amount)
	h.writeJSON(w, http.StatusCreated, buildHoldResponse(hold))
}

// ListHoldsHandler returns every hold still awaiting transfer or release.
func (h *LedgerHandlers) ListHoldsHandler(w http.ResponseWriter, r *http.Request) {
	holds, err := h.service.ListActiveHolds(r.Context())
	if err != nil {
		log.Printf("level=error component=api endpoint=list_holds outcome=failed err=%v", err)
		h.writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}

	responses := make([]holdResponse, 0, len(holds))
	for i := range holds {
		responses = append(responses, buildHoldResponse(&holds[i]))
	}
	h.writeJSON(w, http.StatusOK, responses)
}

// GetHoldHandler returns a single held fund by ID.
func (h *LedgerHandlers) GetHoldHandler(w http.ResponseWriter, r *http.Request) {
	holdID, ok := h.parseIDParam(w, r, "id")
	if !ok {
		return
	}

	hold, err := h.service.GetHold(r.Context(), holdID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			h.writeError(w, http.StatusNotFound, "Hold not found")
			return
		}
		log.Printf("level=error component=api endpoint=get_hold outcome=failed held_fund_id=%s err=%v", holdID, err)
		h.writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}

	h.writeJSON(w, http.StatusOK, buildHoldResponse(hold))
}

// ReleaseHoldHandler cancels a hold that has no transfer in flight.
func (h *LedgerHandlers) ReleaseHoldHandler(w http.ResponseWriter, r *http.Request) {
	holdID, ok := h.parseIDParam(w, r, "id")
	if !ok {
		return
	}

	hold, err := h.service.ReleaseHold(r.Context(), holdID)
	if err != nil {
		log.Printf("level=warn component=api endpoint=release_hold outcome=failed held_fund_id=%s err=%v", holdID, err)
		h.writeServiceError(w, "release_hold", err)
		return
	}

	log.Printf("level=info component=api endpoint=release_hold outcome=accepted held_fund_id=%s", holdID)
	h.writeJSON(w, http.StatusOK, buildHoldResponse(hold))
}

// InitiateTransferHandler starts moving a hold's funds through the gateway.
func (h *LedgerHandlers) InitiateTransferHandler(w http.ResponseWriter, r *http.Request) {
	holdID, ok := h.parseIDParam(w, r, "id")
	if !ok {
		return
	}

	attempt, err := h.service.InitiateTransfer(r.Context(), holdID)
	if err != nil {
		log.Printf("level=warn component=api endpoint=initiate_transfer outcome=failed held_fund_id=%s err=%v", holdID, err)
		h.writeServiceError(w, "initiate_transfer", err)
		return
	}

	log.Printf("level=info component=api endpoint=initiate_transfer outcome=accepted held_fund_id=%s attempt_id=%s status=%s", holdID, attempt.ID, attempt.Status)
	h.writeJSON(w, http.StatusCreated, buildAttemptResponse(attempt))
}

// CancelAttemptHandler abandons a pending attempt that was never acknowledged
// by the gateway.
func (h *LedgerHandlers) CancelAttemptHandler(w http.ResponseWriter, r *http.Request) {
	attemptID, ok := h.parseIDParam(w, r, "id")
	if !ok {
		return
	}

	attempt, err := h.service.CancelAttempt(r.Context(), attemptID)
	if err != nil {
		log.Printf("level=warn component=api endpoint=cancel_attempt outcome=failed attempt_id=%s err=%v", attemptID, err)
		h.writeServiceError(w, "cancel_attempt", err)
		return
	}

	log.Printf("level=info component=api endpoint=cancel_attempt outcome=accepted attempt_id=%s", attemptID)
	h.writeJSON(w, http.StatusOK, buildAttemptResponse(attempt))
}

// ListAccountsHandler returns the linked accounts available as funding sources.
func (h *LedgerHandlers) ListAccountsHandler(w http.ResponseWriter, r *http.Request) {
	accounts, err := h.service.ListAccounts(r.Context())
	if err != nil {
		log.Printf("level=error component=api endpoint=list_accounts outcome=failed err=%v", err)
		h.writeError(w, http.StatusBadGateway, "Account directory unavailable")
		return
	}

	h.writeJSON(w, http.StatusOK, accounts)
}

// ReconcileHandler triggers a reconciliation sweep on demand. It is guarded by
// the internal API key middleware; the scheduler runs the same sweep on a timer.
func (h *LedgerHandlers) ReconcileHandler(w http.ResponseWriter, r *http.Request) {
	result, err := h.service.ReconcileStaleAttempts(r.Context())
	if err != nil {
		log.Printf("level=error component=api endpoint=reconcile outcome=failed err=%v", err)
		h.writeError(w, http.StatusInternalServerError, "Reconcile sweep failed")
		return
	}

	log.Printf("level=info component=api endpoint=reconcile outcome=completed swept=%d finalized=%d still_pending=%d alerts=%d check_failed=%d",
		result.Swept, result.Finalized, result.StillPending, result.Alerts, result.CheckFailed)
	h.writeJSON(w, http.StatusOK, result)
}

// parseIDParam extracts and validates a UUID path parameter, writing the error
// response itself on failure.
func (h *LedgerHandlers) parseIDParam(w http.ResponseWriter, r *http.Request, name string) (uuid.UUID, bool) {
	raw := chi.URLParam(r, name)
	if raw == "" {
		h.writeError(w, http.StatusBadRequest, "ID is required")
		return uuid.Nil, false
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid ID format")
		return uuid.Nil, false
	}
	return id, true
}

// writeServiceError maps domain errors onto HTTP statuses. Unknown errors are
// deliberately opaque to the caller.
func (h *LedgerHandlers) writeServiceError(w http.ResponseWriter, endpoint string, err error) {
	switch {
	case errors.Is(err, domain.ErrInvalidRequest):
		h.writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, app.ErrRateLimited):
		h.writeError(w, http.StatusTooManyRequests, err.Error())
	case errors.Is(err, domain.ErrNotFound):
		h.writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, domain.ErrInvalidState):
		h.writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, domain.ErrConflict):
		h.writeError(w, http.StatusConflict, "Concurrent update in progress; retry shortly")
	case errors.Is(err, domain.ErrLedgerIntegrity):
		log.Printf("level=error component=api endpoint=%s msg=\"ledger integrity fault surfaced\" err=%v", endpoint, err)
		h.writeError(w, http.StatusInternalServerError, "Ledger integrity fault; operation halted")
	default:
		log.Printf("level=error component=api endpoint=%s outcome=failed err=%v", endpoint, err)
		h.writeError(w, http.StatusInternalServerError, "Internal server error")
	}
}

// writeJSON is a helper for writing JSON responses.
func (h *LedgerHandlers) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		json.NewEncoder(w).Encode(data)
	}
}

// writeError is a helper for writing JSON error responses.
func (h *LedgerHandlers) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]string{"error": message})
}
