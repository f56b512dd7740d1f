package identity

import (
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const testSecret = "token-test-secret"

func signTestToken(t *testing.T, secret string, claims jwt.MapClaims) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return token
}

func TestVerifyToken_Valid(t *testing.T) {
	exp := time.Now().Add(time.Hour).Truncate(time.Second)
	token := signTestToken(t, testSecret, jwt.MapClaims{
		"sub":   "user-123",
		"email": "user@example.com",
		"role":  "authenticated",
		"exp":   exp.Unix(),
	})

	claims, err := VerifyToken(testSecret, token)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if claims.UserID != "user-123" {
		t.Fatalf("expected user-123, got %q", claims.UserID)
	}
	if claims.Email != "user@example.com" {
		t.Fatalf("expected email claim, got %q", claims.Email)
	}
	if claims.Role != "authenticated" {
		t.Fatalf("expected role claim, got %q", claims.Role)
	}
	if !claims.ExpiresAt.Equal(exp) {
		t.Fatalf("expected expiry %v, got %v", exp, claims.ExpiresAt)
	}
}

func TestVerifyToken_WrongSecret(t *testing.T) {
	token := signTestToken(t, "other-secret", jwt.MapClaims{
		"sub": "user-123",
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	if _, err := VerifyToken(testSecret, token); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken, got %v", err)
	}
}

func TestVerifyToken_Expired(t *testing.T) {
	token := signTestToken(t, testSecret, jwt.MapClaims{
		"sub": "user-123",
		"exp": time.Now().Add(-time.Minute).Unix(),
	})
	if _, err := VerifyToken(testSecret, token); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken, got %v", err)
	}
}

func TestVerifyToken_MissingExpiry(t *testing.T) {
	token := signTestToken(t, testSecret, jwt.MapClaims{"sub": "user-123"})
	if _, err := VerifyToken(testSecret, token); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken, got %v", err)
	}
}

func TestVerifyToken_MissingSubject(t *testing.T) {
	token := signTestToken(t, testSecret, jwt.MapClaims{
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	if _, err := VerifyToken(testSecret, token); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken, got %v", err)
	}
}

func TestVerifyToken_RejectsNoneAlgorithm(t *testing.T) {
	unsigned, err := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.MapClaims{
		"sub": "user-123",
		"exp": time.Now().Add(time.Hour).Unix(),
	}).SignedString(jwt.UnsafeAllowNoneSignatureType)
	if err != nil {
		t.Fatalf("sign unsigned token: %v", err)
	}
	if _, err := VerifyToken(testSecret, unsigned); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken for alg=none, got %v", err)
	}
}

func TestVerifyToken_Garbage(t *testing.T) {
	for _, token := range []string{"", "not-a-token", "a.b.c"} {
		if _, err := VerifyToken(testSecret, token); !errors.Is(err, ErrInvalidToken) {
			t.Fatalf("expected ErrInvalidToken for %q, got %v", token, err)
		}
	}
}

func TestVerifyToken_EmptySecret(t *testing.T) {
	token := signTestToken(t, testSecret, jwt.MapClaims{
		"sub": "user-123",
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	if _, err := VerifyToken("", token); err == nil {
		t.Fatalf("expected error for empty secret")
	}
}
