// Package agentsession produces permission-scoped data clients for
// users' agents, reusing cached sessions where valid and
// authenticating on demand where not.
package agentsession

import (
	"context"
	"time"
)

// Session is one cached agent authentication result. Sessions live in
// the cache backend only and are never written to durable storage.
type Session struct {
	UserID       string    `json:"userId"`
	AgentUserID  string    `json:"agentUserId"`
	AccessToken  string    `json:"accessToken"`
	RefreshToken string    `json:"refreshToken"`
	ExpiresAt    time.Time `json:"expiresAt"`
}

// Valid reports whether the session's token is still usable at now,
// keeping margin of headroom before the actual expiry.
func (s *Session) Valid(now time.Time, margin time.Duration) bool {
	if s == nil || s.AccessToken == "" {
		return false
	}
	return now.Before(s.ExpiresAt.Add(-margin))
}

// Cache stores agent sessions keyed by human user id. Get returns
// (nil, nil) on a miss; errors mean the backend itself failed.
type Cache interface {
	Get(ctx context.Context, userID string) (*Session, error)
	Set(ctx context.Context, session *Session, ttl time.Duration) error
	Delete(ctx context.Context, userID string) error
}
