package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// StatusView is the daemon's license status as the CLI reads it
type StatusView struct {
	Enforce               bool       `json:"enforce"`
	Host                  string     `json:"host"`
	Decision              string     `json:"decision"`
	State                 string     `json:"state"`
	GraceRemainingSeconds int64      `json:"grace_remaining_seconds"`
	Exempt                bool       `json:"exempt"`
	DomainMatch           bool       `json:"domain_match"`
	Outcome               string     `json:"outcome"`
	Reason                string     `json:"reason"`
	CheckedAt             time.Time  `json:"checked_at"`
	LastConfirmedAt       *time.Time `json:"last_confirmed_at"`
	LicenseID             string     `json:"license_id"`
	Features              []string   `json:"features"`
	AuthorizedDomains     []string   `json:"authorized_domains"`
}

// CheckView is the answer of /api/license/check
type CheckView struct {
	Host     string `json:"host"`
	Decision string `json:"decision"`
	State    string `json:"state"`
}

// RefreshView is the answer of /api/license/refresh
type RefreshView struct {
	Outcome   string     `json:"outcome"`
	Reason    string     `json:"reason"`
	CheckedAt time.Time  `json:"checked_at"`
	Status    StatusView `json:"status"`
}

// ProblemError is an RFC 7807 answer from the daemon
type ProblemError struct {
	Status int    `json:"status"`
	Type   string `json:"type"`
	Title  string `json:"title"`
	Detail string `json:"detail"`
}

func (p *ProblemError) Error() string {
	if p.Detail != "" {
		return fmt.Sprintf("%s (%d): %s", p.Title, p.Status, p.Detail)
	}
	return fmt.Sprintf("%s (%d)", p.Title, p.Status)
}

// Client talks to the licensed sidecar API
type Client struct {
	base  string
	token string
	http  *http.Client
}

// NewClient creates a client for the daemon at base
func NewClient(base, token string) *Client {
	return &Client{
		base:  strings.TrimRight(base, "/"),
		token: token,
		http:  &http.Client{},
	}
}

// Status fetches the status for host, or the primary host when empty
func (c *Client) Status(ctx context.Context, host string) (*StatusView, error) {
	q := url.Values{}
	if host != "" {
		q.Set("host", host)
	}
	var v StatusView
	if err := c.do(ctx, http.MethodGet, "/api/license/status", q, &v); err != nil {
		return nil, err
	}
	return &v, nil
}

// Check asks for the decision for host
func (c *Client) Check(ctx context.Context, host string) (*CheckView, error) {
	var v CheckView
	if err := c.do(ctx, http.MethodGet, "/api/license/check", url.Values{"host": {host}}, &v); err != nil {
		return nil, err
	}
	return &v, nil
}

// Refresh triggers a verification attempt
func (c *Client) Refresh(ctx context.Context) (*RefreshView, error) {
	var v RefreshView
	if err := c.do(ctx, http.MethodPost, "/api/license/refresh", nil, &v); err != nil {
		return nil, err
	}
	return &v, nil
}

// Diagnostics returns the plain-text summary
func (c *Client) Diagnostics(ctx context.Context) (string, error) {
	var text string
	err := c.do(ctx, http.MethodGet, "/api/license/diagnostics", url.Values{"format": {"text"}}, &text)
	return text, err
}

// do sends a request and decodes the body into out. A *string out receives
// the raw body.
func (c *Client) do(ctx context.Context, method, path string, q url.Values, out any) error {
	target := c.base + path
	if len(q) > 0 {
		target += "?" + q.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, method, target, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("request to %s failed: %w", c.base, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode >= http.StatusBadRequest {
		problem := &ProblemError{Status: resp.StatusCode, Title: http.StatusText(resp.StatusCode)}
		_ = json.Unmarshal(body, problem)
		return problem
	}

	if s, ok := out.(*string); ok {
		*s = string(body)
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("malformed response from %s: %w", path, err)
	}
	return nil
}
