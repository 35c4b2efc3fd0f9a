package mcpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// Config holds the connection to a SafeHold API.
type Config struct {
	APIURL string // Base URL, e.g. "http://localhost:8080"
	Token  string // Session JWT of the user the tools act as
}

// Client is a thin HTTP client for the SafeHold API.
type Client struct {
	cfg        Config
	httpClient *http.Client
}

// NewClient creates a client for cfg.
func NewClient(cfg Config) *Client {
	return &Client{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

type apiError struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// doRequest sends one API call and returns the raw body of a 2xx answer.
func (c *Client) doRequest(ctx context.Context, method, path string, query url.Values, body any) (json.RawMessage, error) {
	u, err := url.Parse(c.cfg.APIURL + path)
	if err != nil {
		return nil, fmt.Errorf("invalid URL: %w", err)
	}
	if query != nil {
		u.RawQuery = query.Encode()
	}

	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request body: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), reqBody)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.Token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		var apiErr apiError
		if json.Unmarshal(respBody, &apiErr) == nil && apiErr.Message != "" {
			return nil, fmt.Errorf("API error (%d): %s", resp.StatusCode, apiErr.Message)
		}
		return nil, fmt.Errorf("API error (%d): %s", resp.StatusCode, string(respBody))
	}
	return json.RawMessage(respBody), nil
}

// Wallet returns the caller's wallet.
func (c *Client) Wallet(ctx context.Context) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, "/v1/wallet", nil, nil)
}

// ListEscrows lists the caller's escrows, optionally filtered by status.
func (c *Client) ListEscrows(ctx context.Context, status string, page, limit int) (json.RawMessage, error) {
	q := url.Values{}
	if status != "" {
		q.Set("status", status)
	}
	if page > 0 {
		q.Set("page", strconv.Itoa(page))
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	return c.doRequest(ctx, http.MethodGet, "/v1/escrow", q, nil)
}

// GetEscrow returns one escrow the caller is party to.
func (c *Client) GetEscrow(ctx context.Context, id string) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, "/v1/escrow/"+url.PathEscape(id), nil, nil)
}

// PayEscrow pays an active escrow from the wallet or through the gateway.
func (c *Client) PayEscrow(ctx context.Context, escrowID, method string) (json.RawMessage, error) {
	body := map[string]string{"escrowId": escrowID, "method": method}
	return c.doRequest(ctx, http.MethodPost, "/v1/pay", nil, body)
}

// ConfirmPayment asks the API to verify a gateway payment by reference.
func (c *Client) ConfirmPayment(ctx context.Context, reference string) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, "/v1/confirm-payment/"+url.PathEscape(reference), nil, nil)
}

// OpenDispute raises a dispute on an escrow.
func (c *Client) OpenDispute(ctx context.Context, escrowID, reason string) (json.RawMessage, error) {
	body := map[string]string{"escrowId": escrowID, "reason": reason}
	return c.doRequest(ctx, http.MethodPost, "/v1/dispute-create", nil, body)
}
