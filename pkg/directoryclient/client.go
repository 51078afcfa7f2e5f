/**
 * @description
 * This package provides a read-only client for the account directory, the
 * service that owns linked-account metadata and the access credential needed to
 * move money. The ledger never creates or mutates directory accounts; it only
 * looks them up and caches their metadata.
 */
package directoryclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// ErrAccountNotFound is returned when the directory has no account for the id.
var ErrAccountNotFound = errors.New("account not found in directory")

// Account is the directory's view of a linked financial account.
type Account struct {
	ID          string `json:"id"`
	ExternalID  string `json:"external_id"`
	ItemID      string `json:"item_id"`
	Name        string `json:"name"`
	Type        string `json:"type"`
	Subtype     string `json:"subtype"`
	Mask        string `json:"mask"`
	AccessToken string `json:"access_token"`
}

// Client is a client for the account directory service.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewClient creates a new account directory client.
func NewClient(baseURL, apiKey string) *Client {
	return &Client{
		baseURL:    strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: 15 * time.Second},
	}
}

// GetAccount fetches a single linked account by id.
func (c *Client) GetAccount(ctx context.Context, accountID string) (*Account, error) {
	if c.baseURL == "" {
		return nil, fmt.Errorf("directory base url is empty")
	}

	req, err := http.NewRequestWithContext(ctx, "GET", c.baseURL+"/internal/accounts/"+accountID, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	c.setHeaders(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to execute request to directory: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("%w: %s", ErrAccountNotFound, accountID)
	}
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("directory returned error status %d", resp.StatusCode)
	}

	var account Account
	if err := json.NewDecoder(resp.Body).Decode(&account); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	return &account, nil
}

// ListAccounts fetches every linked account visible to this service.
func (c *Client) ListAccounts(ctx context.Context) ([]Account, error) {
	if c.baseURL == "" {
		return nil, fmt.Errorf("directory base url is empty")
	}

	req, err := http.NewRequestWithContext(ctx, "GET", c.baseURL+"/internal/accounts", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	c.setHeaders(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to execute request to directory: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("directory returned error status %d", resp.StatusCode)
	}

	var accounts []Account
	if err := json.NewDecoder(resp.Body).Decode(&accounts); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	return accounts, nil
}

func (c *Client) setHeaders(req *http.Request) {
	req.Header.Set("Accept", "application/json")
	if strings.TrimSpace(c.apiKey) != "" {
		req.Header.Set("X-Internal-API-Key", strings.TrimSpace(c.apiKey))
	}
}
