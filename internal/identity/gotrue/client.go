// Package gotrue implements identity.Provider against a
// GoTrue-compatible auth REST API.
package gotrue

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/ideahub-ai/agentgate/internal/identity"
)

const (
	defaultTimeout = 10 * time.Second
	maxAttempts    = 3
	baseRetryDelay = 200 * time.Millisecond
	maxErrorBody   = 64 << 10
)

// Client calls a GoTrue-compatible auth service. User-facing calls
// authenticate with the anon key, admin calls with the service key.
type Client struct {
	baseURL    string
	anonKey    string
	serviceKey string
	client     *http.Client
	retryDelay time.Duration
}

// New constructs a Client for the auth service at baseURL.
func New(baseURL, anonKey, serviceKey string) *Client {
	return &Client{
		baseURL:    strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		anonKey:    strings.TrimSpace(anonKey),
		serviceKey: strings.TrimSpace(serviceKey),
		client:     &http.Client{Timeout: defaultTimeout},
		retryDelay: baseRetryDelay,
	}
}

var _ identity.Provider = (*Client)(nil)

// Signup registers an account and returns the session issued for it.
func (c *Client) Signup(ctx context.Context, email, password string) (*identity.Session, error) {
	var payload sessionPayload
	body := map[string]any{"email": email, "password": password}
	if err := c.do(ctx, http.MethodPost, "/signup", c.anonKey, c.anonKey, body, &payload); err != nil {
		return nil, err
	}
	if payload.AccessToken == "" {
		return nil, fmt.Errorf("gotrue: signup returned no session")
	}
	return payload.session(), nil
}

// SignInWithPassword exchanges credentials for a session.
func (c *Client) SignInWithPassword(ctx context.Context, email, password string) (*identity.Session, error) {
	var payload sessionPayload
	body := map[string]any{"email": email, "password": password}
	if err := c.do(ctx, http.MethodPost, "/token?grant_type=password", c.anonKey, c.anonKey, body, &payload); err != nil {
		return nil, err
	}
	return payload.session(), nil
}

// RefreshSession exchanges a refresh token for a new session.
func (c *Client) RefreshSession(ctx context.Context, refreshToken string) (*identity.Session, error) {
	var payload sessionPayload
	body := map[string]any{"refresh_token": refreshToken}
	if err := c.do(ctx, http.MethodPost, "/token?grant_type=refresh_token", c.anonKey, c.anonKey, body, &payload); err != nil {
		return nil, err
	}
	return payload.session(), nil
}

// SignOut revokes the session behind the access token.
func (c *Client) SignOut(ctx context.Context, accessToken string) error {
	return c.do(ctx, http.MethodPost, "/logout", c.anonKey, accessToken, nil, nil)
}

// Health probes the auth service. Single attempt; callers treat any
// error as unreachable.
func (c *Client) Health(ctx context.Context) error {
	return c.once(ctx, http.MethodGet, "/health", c.anonKey, c.anonKey, nil, nil)
}

// AdminCreateUser provisions an account with the service role.
func (c *Client) AdminCreateUser(ctx context.Context, params identity.AdminCreateParams) (*identity.User, error) {
	body := map[string]any{
		"email":         params.Email,
		"password":      params.Password,
		"email_confirm": params.EmailConfirm,
	}
	if len(params.Metadata) > 0 {
		body["user_metadata"] = params.Metadata
	}
	var payload userPayload
	if err := c.do(ctx, http.MethodPost, "/admin/users", c.serviceKey, c.serviceKey, body, &payload); err != nil {
		return nil, err
	}
	if payload.ID == "" {
		return nil, fmt.Errorf("gotrue: admin create returned no user id")
	}
	user := payload.user()
	return &user, nil
}

// AdminDeleteUser removes an account with the service role.
func (c *Client) AdminDeleteUser(ctx context.Context, userID string) error {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return fmt.Errorf("gotrue: empty user id")
	}
	return c.do(ctx, http.MethodDelete, "/admin/users/"+userID, c.serviceKey, c.serviceKey, nil, nil)
}

// do runs one API call with bounded retries. Only failures that
// classify as identity.ErrUnavailable are retried; client errors
// return immediately.
func (c *Client) do(ctx context.Context, method, path, apikey, bearer string, body, out any) error {
	var encoded []byte
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("gotrue: encode request: %w", err)
		}
		encoded = data
	}

	delay := c.retryDelay
	for attempt := 1; ; attempt++ {
		err := c.once(ctx, method, path, apikey, bearer, encoded, out)
		if err == nil {
			return nil
		}
		if attempt >= maxAttempts || !errors.Is(err, identity.ErrUnavailable) {
			return err
		}
		if errSleep := sleepCtx(ctx, delay); errSleep != nil {
			return fmt.Errorf("gotrue: %s %s: %w", method, path, errSleep)
		}
		delay *= 2
	}
}

func (c *Client) once(ctx context.Context, method, path, apikey, bearer string, encoded []byte, out any) error {
	var reader io.Reader
	if encoded != nil {
		reader = bytes.NewReader(encoded)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("gotrue: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("apikey", apikey)
	req.Header.Set("Authorization", "Bearer "+bearer)

	resp, err := c.client.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return fmt.Errorf("gotrue: %s %s: %w", method, path, ctxErr)
		}
		return &identity.ProviderError{Message: fmt.Sprintf("request failed: %v", err)}
	}
	defer func() {
		if errClose := resp.Body.Close(); errClose != nil {
			log.WithError(errClose).Warn("gotrue: close response body failed")
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
		return fmt.Errorf("gotrue: read response: %w", err)
	}
	if len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("gotrue: decode response: %w", err)
	}
	return nil
}

// decodeError reduces an error response to a ProviderError. Only the
// provider's code and message survive; nothing else from the body is
// kept.
func decodeError(resp *http.Response) error {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	var payload errorPayload
	_ = json.Unmarshal(data, &payload)
	code, message := payload.classification()
	if message == "" {
		message = http.StatusText(resp.StatusCode)
	}
	return &identity.ProviderError{StatusCode: resp.StatusCode, Code: code, Message: message}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// sessionPayload is the token grant response shape.
type sessionPayload struct {
	AccessToken  string      `json:"access_token"`
	TokenType    string      `json:"token_type"`
	ExpiresIn    int64       `json:"expires_in"`
	ExpiresAt    int64       `json:"expires_at"` // epoch seconds
	RefreshToken string      `json:"refresh_token"`
	User         userPayload `json:"user"`
}

func (p sessionPayload) session() *identity.Session {
	expiresAt := time.Unix(p.ExpiresAt, 0).UTC()
	if p.ExpiresAt == 0 {
		expiresAt = time.Now().Add(time.Duration(p.ExpiresIn) * time.Second).UTC()
	}
	return &identity.Session{
		AccessToken:  p.AccessToken,
		RefreshToken: p.RefreshToken,
		TokenType:    p.TokenType,
		ExpiresIn:    p.ExpiresIn,
		ExpiresAt:    expiresAt,
		User:         p.User.user(),
	}
}

type userPayload struct {
	ID        string `json:"id"`
	Email     string `json:"email"`
	Role      string `json:"role"`
	CreatedAt string `json:"created_at"`
}

func (p userPayload) user() identity.User {
	user := identity.User{ID: p.ID, Email: p.Email, Role: p.Role}
	if created, err := time.Parse(time.RFC3339, p.CreatedAt); err == nil {
		user.CreatedAt = created
	}
	return user
}

// errorPayload tolerates the error body shapes GoTrue has shipped.
type errorPayload struct {
	ErrorCode        string `json:"error_code"`
	Msg              string `json:"msg"`
	Message          string `json:"message"`
	ErrorField       string `json:"error"`
	ErrorDescription string `json:"error_description"`
}

func (p errorPayload) classification() (code, message string) {
	code = p.ErrorCode
	for _, candidate := range []string{p.Msg, p.Message, p.ErrorDescription} {
		if candidate != "" {
			message = candidate
			break
		}
	}
	if code == "" && message != "" {
		code = p.ErrorField
	}
	if message == "" {
		message = p.ErrorField
	}
	return code, message
}
