// Package api is the terminal's HTTP client for the central server.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"warungpos/internal/domain"
)

// StatusError carries the HTTP status of a rejected request so callers can
// tell transient failures (retry later) from permanent ones.
type StatusError struct {
	Status  int
	Message string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("server returned %d: %s", e.Status, e.Message)
}

// IsTransient reports whether an error is worth retrying: network
// failures, timeouts, 5xx and 429. A 4xx is a permanent rejection.
func IsTransient(err error) bool {
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return statusErr.Status >= 500 || statusErr.Status == http.StatusTooManyRequests
	}
	return err != nil
}

type Client struct {
	baseURL string
	http    *http.Client

	mu    sync.RWMutex
	token string
}

func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
	}
}

func (c *Client) Token() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token
}

func (c *Client) Login(ctx context.Context, username string, password string) (domain.LoginResponse, error) {
	var resp domain.LoginResponse
	err := c.do(ctx, http.MethodPost, "/api/v1/auth/login", domain.LoginRequest{
		Username: username,
		Password: password,
	}, &resp, false)
	if err != nil {
		return domain.LoginResponse{}, err
	}

	c.mu.Lock()
	c.token = resp.AccessToken
	c.mu.Unlock()
	return resp, nil
}

func (c *Client) PushBatch(ctx context.Context, batch domain.SyncBatchRequest) (domain.SyncBatchResponse, error) {
	var resp domain.SyncBatchResponse
	if err := c.do(ctx, http.MethodPost, "/api/v1/sync/transactions", batch, &resp, true); err != nil {
		return domain.SyncBatchResponse{}, err
	}
	return resp, nil
}

// FetchProducts pulls the product mirror payload; zero since asks for a
// full snapshot.
func (c *Client) FetchProducts(ctx context.Context, storeID string, since time.Time) (domain.SyncProductsResponse, error) {
	params := url.Values{}
	if storeID != "" {
		params.Set("store_id", storeID)
	}
	if !since.IsZero() {
		params.Set("since", since.UTC().Format(time.RFC3339))
	}
	path := "/api/v1/sync/products"
	if encoded := params.Encode(); encoded != "" {
		path += "?" + encoded
	}

	var resp domain.SyncProductsResponse
	if err := c.do(ctx, http.MethodGet, path, nil, &resp, true); err != nil {
		return domain.SyncProductsResponse{}, err
	}
	return resp, nil
}

// Ping probes server reachability without authentication.
func (c *Client) Ping(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/healthz", nil, nil, false)
}

func (c *Client) do(ctx context.Context, method string, path string, payload any, dest any, authed bool) error {
	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if authed {
		token := c.Token()
		if token == "" {
			return &StatusError{Status: http.StatusUnauthorized, Message: "not logged in"}
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("request %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		message := "request rejected"
		var errBody struct {
			Error string `json:"error"`
		}
		if decodeErr := json.NewDecoder(io.LimitReader(resp.Body, 4096)).Decode(&errBody); decodeErr == nil && errBody.Error != "" {
			message = errBody.Error
		}
		return &StatusError{Status: resp.StatusCode, Message: message}
	}

	if dest == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(dest)
}
