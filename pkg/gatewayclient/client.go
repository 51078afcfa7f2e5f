/**
 * @description
 * This package provides a client for the external transfer gateway, the service
 * that actually executes money movement. It encapsulates the logic for making
 * authenticated HTTP requests, handling request body construction, and parsing
 * responses.
 *
 * Error kinds matter here: the ledger's state machine distinguishes transient
 * failures (retried with backoff, then handed to the reconciler) from permanent
 * rejections (the attempt fails terminally). Callers inspect the error with
 * errors.As, never by message text.
 */
package gatewayclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"
)

// Transfer statuses reported by the gateway.
const (
	StatusAcceptedPending = "accepted-pending"
	StatusAcceptedPosted  = "accepted-posted"
	StatusRejected        = "rejected"

	// Vocabulary used by the status-poll endpoint.
	StatusPending = "pending"
	StatusPosted  = "posted"
	StatusFailed  = "failed"
)

// TransientError wraps a failure that is safe to retry: network errors, request
// timeouts, gateway 5xx/408/429 responses.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient gateway error during %s: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// PermanentError is a definitive rejection from the gateway. Retrying the same
// request will not succeed.
type PermanentError struct {
	StatusCode int
	Title      string
	Detail     string
}

func (e *PermanentError) Error() string {
	if e.Title == "" {
		return fmt.Sprintf("gateway rejected request (status %d)", e.StatusCode)
	}
	return fmt.Sprintf("gateway rejected request: %s - %s", e.Title, e.Detail)
}

// Client is a client for the transfer gateway API.
type Client struct {
	BaseURL    string
	APIKey     string
	HTTPClient *http.Client
}

// NewClient creates a new transfer gateway client.
func NewClient(baseURL, apiKey string) *Client {
	return &Client{
		BaseURL: strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		APIKey:  apiKey,
		HTTPClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// InitiateTransferRequest is the payload for a transfer initiation.
type InitiateTransferRequest struct {
	FromExternalID string `json:"from_external_id"`
	ToExternalID   string `json:"to_external_id"`
	Amount         int64  `json:"amount"` // in cents
	Currency       string `json:"currency"`
	Reference      string `json:"reference"`
	AccessToken    string `json:"access_token"`
}

// TransferResult is the gateway's answer to an initiation request.
type TransferResult struct {
	TransferID string `json:"transfer_id"`
	Status     string `json:"status"` // accepted-pending, accepted-posted, rejected
	Reason     string `json:"reason,omitempty"`
}

// TransferStatusResult is the gateway's answer to a status poll.
type TransferStatusResult struct {
	TransferID string `json:"transfer_id"`
	Status     string `json:"status"` // pending, posted, failed
	Reason     string `json:"reason,omitempty"`
}

type errorResponse struct {
	Errors []struct {
		Title  string `json:"title"`
		Detail string `json:"detail"`
	} `json:"errors"`
}

// InitiateTransfer asks the gateway to move money between two external accounts.
// The reference is the caller's attempt id; the gateway deduplicates on it, so a
// retried initiation after a transient failure cannot double-move funds.
func (c *Client) InitiateTransfer(ctx context.Context, fromExternalID, toExternalID string, amount int64, reference, accessToken string) (*TransferResult, error) {
	payload := InitiateTransferRequest{
		FromExternalID: fromExternalID,
		ToExternalID:   toExternalID,
		Amount:         amount,
		Currency:       "USD",
		Reference:      reference,
		AccessToken:    accessToken,
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal transfer request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.BaseURL+"/v1/transfers", bytes.NewBuffer(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create transfer request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("x-gateway-key", c.APIKey)

	var result TransferResult
	if err := c.do(req, "initiate_transfer", &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// GetTransferStatus polls the gateway for the current status of a transfer.
func (c *Client) GetTransferStatus(ctx context.Context, transferID string) (*TransferStatusResult, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", c.BaseURL+"/v1/transfers/"+transferID, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create status request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("x-gateway-key", c.APIKey)

	var result TransferStatusResult
	if err := c.do(req, "get_transfer_status", &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// retryableStatus reports whether an HTTP status from the gateway should be
// treated as transient.
func retryableStatus(code int) bool {
	return code >= 500 || code == http.StatusRequestTimeout || code == http.StatusTooManyRequests
}

func (c *Client) do(req *http.Request, op string, out any) error {
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return &TransientError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return &TransientError{Op: op, Err: fmt.Errorf("failed to read response: %w", err)}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		if retryableStatus(resp.StatusCode) {
			return &TransientError{Op: op, Err: fmt.Errorf("gateway returned status %d", resp.StatusCode)}
		}
		var errResp errorResponse
		if err := json.Unmarshal(bodyBytes, &errResp); err != nil || len(errResp.Errors) == 0 {
			log.Printf("level=warn component=gateway_client op=%s status=%d msg=\"non-2xx response (unparsable error body)\"", op, resp.StatusCode)
			return &PermanentError{StatusCode: resp.StatusCode}
		}
		log.Printf("level=warn component=gateway_client op=%s status=%d title=%q detail=%q", op, resp.StatusCode, errResp.Errors[0].Title, errResp.Errors[0].Detail)
		return &PermanentError{
			StatusCode: resp.StatusCode,
			Title:      errResp.Errors[0].Title,
			Detail:     errResp.Errors[0].Detail,
		}
	}

	if err := json.Unmarshal(bodyBytes, out); err != nil {
		return fmt.Errorf("failed to decode gateway response: %w", err)
	}
	return nil
}
