// Package dataplane provides the permission-scoped data client handed
// to feature code. Every request carries the agent's access token, so
// row-level security applies to automated operations exactly as it
// would to the human user's own session.
package dataplane

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
)

const (
	defaultTimeout = 15 * time.Second
	maxErrorBody   = 64 << 10
)

// Factory builds scoped clients against one data API deployment. All
// clients share the underlying HTTP transport.
type Factory struct {
	baseURL string
	anonKey string
	client  *http.Client
}

// NewFactory constructs a Factory for the PostgREST-style API at
// baseURL.
func NewFactory(baseURL, anonKey string) *Factory {
	return &Factory{
		baseURL: strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		anonKey: strings.TrimSpace(anonKey),
		client:  &http.Client{Timeout: defaultTimeout},
	}
}

// Scoped returns a client bound to an agent access token. The ids are
// carried for audit context only and are never sent upstream.
func (f *Factory) Scoped(accessToken, userID, agentUserID string) *Client {
	return &Client{
		baseURL:     f.baseURL,
		anonKey:     f.anonKey,
		accessToken: accessToken,
		userID:      userID,
		agentUserID: agentUserID,
		client:      f.client,
	}
}

// Client issues data API requests as one agent identity.
type Client struct {
	baseURL     string
	anonKey     string
	accessToken string
	userID      string
	agentUserID string
	client      *http.Client
}

// UserID reports the human user this client acts for.
func (c *Client) UserID() string { return c.userID }

// AgentUserID reports the agent identity behind this client.
func (c *Client) AgentUserID() string { return c.agentUserID }

// Error is a failed data API request reduced to its classification.
type Error struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *Error) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("dataplane: status %d (%s): %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("dataplane: status %d: %s", e.StatusCode, e.Message)
}

// Select fetches the rows of table matching query into out.
func (c *Client) Select(ctx context.Context, table string, query url.Values, out any) error {
	return c.do(ctx, http.MethodGet, table, query, nil, out)
}

// Insert writes rows (an object or a slice) to table. When out is
// non-nil the inserted representation is decoded into it.
func (c *Client) Insert(ctx context.Context, table string, rows, out any) error {
	return c.do(ctx, http.MethodPost, table, nil, rows, out)
}

// Update patches the rows of table matching query.
func (c *Client) Update(ctx context.Context, table string, query url.Values, patch, out any) error {
	return c.do(ctx, http.MethodPatch, table, query, patch, out)
}

// Delete removes the rows of table matching query.
func (c *Client) Delete(ctx context.Context, table string, query url.Values) error {
	return c.do(ctx, http.MethodDelete, table, query, nil, nil)
}

func (c *Client) do(ctx context.Context, method, table string, query url.Values, body, out any) error {
	table = strings.TrimSpace(table)
	if table == "" {
		return fmt.Errorf("dataplane: empty table")
	}
	endpoint := c.baseURL + "/" + url.PathEscape(table)
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("dataplane: encode request: %w", err)
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return fmt.Errorf("dataplane: build request: %w", err)
	}
	req.Header.Set("apikey", c.anonKey)
	req.Header.Set("Authorization", "Bearer "+c.accessToken)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if out != nil && method != http.MethodGet {
		req.Header.Set("Prefer", "return=representation")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("dataplane: request failed: %w", err)
	}
	defer func() {
		if errClose := resp.Body.Close(); errClose != nil {
			log.WithError(errClose).Warn("dataplane: close response body failed")
		}
	}()

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return decodeError(resp)
	}
	if out == nil {
		return nil
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("dataplane: read response: %w", err)
	}
	if len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("dataplane: decode response: %w", err)
	}
	return nil
}

func decodeError(resp *http.Response) error {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	var payload struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	}
	_ = json.Unmarshal(data, &payload)
	if payload.Message == "" {
		payload.Message = http.StatusText(resp.StatusCode)
	}
	return &Error{StatusCode: resp.StatusCode, Code: payload.Code, Message: payload.Message}
}
