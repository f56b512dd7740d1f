package identity

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"
)

func TestProviderError_Classification(t *testing.T) {
	cases := []struct {
		name string
		err  *ProviderError
		want error
	}{
		{"server error", &ProviderError{StatusCode: 503}, ErrUnavailable},
		{"network failure", &ProviderError{StatusCode: 0, Message: "connection refused"}, ErrUnavailable},
		{"rate limited", &ProviderError{StatusCode: 429}, ErrUnavailable},
		{"missing user", &ProviderError{StatusCode: 404}, ErrUserNotFound},
		{"bad credentials", &ProviderError{StatusCode: 400, Code: "invalid_credentials"}, ErrInvalidCredentials},
		{"unauthorized", &ProviderError{StatusCode: 401}, ErrInvalidCredentials},
		{"unprocessable", &ProviderError{StatusCode: 422}, ErrInvalidCredentials},
		{"duplicate by code", &ProviderError{StatusCode: 422, Code: "email_exists"}, ErrDuplicateEmail},
		{"duplicate by message", &ProviderError{StatusCode: 400, Message: "User already registered"}, ErrDuplicateEmail},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if !errors.Is(tc.err, tc.want) {
				t.Fatalf("expected %v to classify as %v", tc.err, tc.want)
			}
		})
	}
}

func TestProviderError_DuplicateWinsOverStatus(t *testing.T) {
	err := &ProviderError{StatusCode: 400, Message: "User already registered"}
	if errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("duplicate email misclassified as invalid credentials")
	}
	if !errors.Is(err, ErrDuplicateEmail) {
		t.Fatalf("expected ErrDuplicateEmail, got %v", err)
	}
}

func TestProviderError_UnknownStatusMatchesNothing(t *testing.T) {
	err := &ProviderError{StatusCode: 302, Message: "redirect"}
	for _, sentinel := range []error{ErrInvalidCredentials, ErrDuplicateEmail, ErrUserNotFound, ErrUnavailable} {
		if errors.Is(err, sentinel) {
			t.Fatalf("status 302 should not classify as %v", sentinel)
		}
	}
}

func TestSession_TokensNeverMarshal(t *testing.T) {
	sess := Session{
		AccessToken:  "access-secret-value",
		RefreshToken: "refresh-secret-value",
		TokenType:    "bearer",
		ExpiresIn:    3600,
		ExpiresAt:    time.Now().Add(time.Hour),
		User:         User{ID: "user-1", Email: "user@example.com"},
	}
	raw, err := json.Marshal(sess)
	if err != nil {
		t.Fatalf("marshal session: %v", err)
	}
	for _, secret := range []string{"access-secret-value", "refresh-secret-value"} {
		if strings.Contains(string(raw), secret) {
			t.Fatalf("serialized session leaks token material: %s", raw)
		}
	}
	if !strings.Contains(string(raw), "user@example.com") {
		t.Fatalf("serialized session should still carry the user: %s", raw)
	}
}
