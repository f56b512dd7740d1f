package identity

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrInvalidToken reports an access token that failed verification.
var ErrInvalidToken = errors.New("identity: invalid token")

// Claims is the subset of the access token payload the service acts on.
type Claims struct {
	UserID    string
	Email     string
	Role      string
	ExpiresAt time.Time
}

// VerifyToken checks the HS256 signature and expiry of an access token
// and extracts its claims.
func VerifyToken(secret, token string) (*Claims, error) {
	if strings.TrimSpace(secret) == "" {
		return nil, errors.New("identity: jwt secret is empty")
	}
	parsed, err := jwt.Parse(token, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return []byte(secret), nil
	}, jwt.WithValidMethods([]string{"HS256"}), jwt.WithExpirationRequired())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	mapClaims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok || !parsed.Valid {
		return nil, ErrInvalidToken
	}
	sub, err := mapClaims.GetSubject()
	if err != nil || sub == "" {
		return nil, fmt.Errorf("%w: missing subject", ErrInvalidToken)
	}
	claims := &Claims{UserID: sub}
	if email, ok := mapClaims["email"].(string); ok {
		claims.Email = email
	}
	if role, ok := mapClaims["role"].(string); ok {
		claims.Role = role
	}
	if exp, errExp := mapClaims.GetExpirationTime(); errExp == nil && exp != nil {
		claims.ExpiresAt = exp.Time
	}
	return claims, nil
}
