// Package identity abstracts the auth backend that owns user accounts
// and issues access tokens.
package identity

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// Classification sentinels for provider failures. ProviderError wraps
// them so callers branch with errors.Is instead of parsing bodies.
var (
	ErrInvalidCredentials = errors.New("identity: invalid credentials")
	ErrDuplicateEmail     = errors.New("identity: email already registered")
	ErrUserNotFound       = errors.New("identity: user not found")
	ErrUnavailable        = errors.New("identity: provider unavailable")
)

// User is the provider's view of an account.
type User struct {
	ID        string    `json:"id"`
	Email     string    `json:"email"`
	Role      string    `json:"role,omitempty"`
	CreatedAt time.Time `json:"createdAt,omitempty"`
}

// Session holds the tokens issued for a signed-in account. Token
// fields never serialize; handlers move them through cookies only.
type Session struct {
	AccessToken  string    `json:"-"`
	RefreshToken string    `json:"-"`
	TokenType    string    `json:"-"`
	ExpiresIn    int64     `json:"-"`
	ExpiresAt    time.Time `json:"-"`
	User         User      `json:"user"`
}

// AdminCreateParams describes a service-level account creation.
type AdminCreateParams struct {
	Email        string
	Password     string
	EmailConfirm bool
	Metadata     map[string]any
}

// Provider is the auth backend contract. gotrue.Client implements it
// against a GoTrue-compatible REST API; local.Provider implements it
// in process for development and tests.
type Provider interface {
	// Signup registers an account with the anon role and signs it in.
	Signup(ctx context.Context, email, password string) (*Session, error)
	// SignInWithPassword exchanges credentials for a session.
	SignInWithPassword(ctx context.Context, email, password string) (*Session, error)
	// RefreshSession exchanges a refresh token for a new session.
	RefreshSession(ctx context.Context, refreshToken string) (*Session, error)
	// SignOut revokes the session behind the access token.
	SignOut(ctx context.Context, accessToken string) error
	// AdminCreateUser provisions an account with the service role.
	AdminCreateUser(ctx context.Context, params AdminCreateParams) (*User, error)
	// AdminDeleteUser removes an account with the service role.
	AdminDeleteUser(ctx context.Context, userID string) error
}

// ProviderError carries the upstream classification of a failed
// provider call. The response body is reduced to a code and message so
// credentials can never ride along.
type ProviderError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *ProviderError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("identity: provider error %d (%s): %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("identity: provider error %d: %s", e.StatusCode, e.Message)
}

// Unwrap maps the upstream failure onto one of the package sentinels.
// Duplicate-email wins over the status code because providers report
// it under several different statuses.
func (e *ProviderError) Unwrap() error {
	if e.isDuplicateEmail() {
		return ErrDuplicateEmail
	}
	switch {
	case e.StatusCode == 0 || e.StatusCode >= http.StatusInternalServerError:
		return ErrUnavailable
	case e.StatusCode == http.StatusTooManyRequests:
		return ErrUnavailable
	case e.StatusCode == http.StatusNotFound:
		return ErrUserNotFound
	case e.StatusCode == http.StatusBadRequest,
		e.StatusCode == http.StatusUnauthorized,
		e.StatusCode == http.StatusForbidden,
		e.StatusCode == http.StatusUnprocessableEntity:
		return ErrInvalidCredentials
	}
	return nil
}

func (e *ProviderError) isDuplicateEmail() bool {
	switch e.Code {
	case "email_exists", "user_already_exists", "email_address_not_available":
		return true
	}
	return strings.Contains(strings.ToLower(e.Message), "already registered")
}
