// Package profile fetches per-user enrichment data. It is a best-effort
// collaborator: a slow or failed fetch never blocks or regresses identity
// resolution, so everything here is bounded and side-effect free.
package profile

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// Profile is the enrichment record keyed by subject.
type Profile struct {
	SubjectID             string  `json:"id"`
	Email                 string  `json:"email"`
	MinutesBalance        float64 `json:"minutes_balance"`
	TotalMinutesPurchased float64 `json:"total_minutes_purchased"`
	TotalSpentCents       int64   `json:"total_spent_cents"`
}

// Client fetches profiles over HTTP with a bounded timeout.
type Client struct {
	baseURL string
	http    *http.Client
	timeout time.Duration
}

// Option customises the client.
type Option func(*Client)

// WithHTTPClient overrides the transport.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.http = h }
}

// WithTimeout bounds each fetch.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.timeout = d }
}

// NewClient constructs the profile client.
func NewClient(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: baseURL,
		http:    http.DefaultClient,
		timeout: 10 * time.Second,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Fetch retrieves the caller's profile using their access token.
func (c *Client) Fetch(ctx context.Context, accessToken string) (*Profile, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/auth/profile", nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch profile: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch profile: %s", resp.Status)
	}

	var p Profile
	if err := json.NewDecoder(resp.Body).Decode(&p); err != nil {
		return nil, fmt.Errorf("decode profile: %w", err)
	}
	return &p, nil
}
