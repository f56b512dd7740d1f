package agentsession

import (
	"context"
	"testing"
	"time"
)

func TestSessionValid(t *testing.T) {
	now := time.Now()
	cases := []struct {
		name    string
		session *Session
		margin  time.Duration
		want    bool
	}{
		{"nil session", nil, time.Minute, false},
		{"no token", &Session{UserID: "u1", ExpiresAt: now.Add(time.Hour)}, time.Minute, false},
		{"well before expiry", &Session{UserID: "u1", AccessToken: "t", ExpiresAt: now.Add(time.Hour)}, time.Minute, true},
		{"inside safety margin", &Session{UserID: "u1", AccessToken: "t", ExpiresAt: now.Add(30 * time.Second)}, time.Minute, false},
		{"expired", &Session{UserID: "u1", AccessToken: "t", ExpiresAt: now.Add(-time.Minute)}, time.Minute, false},
		{"no margin", &Session{UserID: "u1", AccessToken: "t", ExpiresAt: now.Add(time.Second)}, 0, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.session.Valid(now, tc.margin); got != tc.want {
				t.Fatalf("Valid() = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestMemoryCache_RoundTrip(t *testing.T) {
	cache := NewMemoryCache()
	ctx := context.Background()

	sess := &Session{UserID: "u1", AgentUserID: "agent-1", AccessToken: "tok", ExpiresAt: time.Now().Add(time.Hour)}
	if err := cache.Set(ctx, sess, time.Hour); err != nil {
		t.Fatalf("set: %v", err)
	}

	got, err := cache.Get(ctx, "u1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got == nil || got.AccessToken != "tok" || got.AgentUserID != "agent-1" {
		t.Fatalf("unexpected session %+v", got)
	}

	// The cache hands out copies; mutating one must not leak back.
	got.AccessToken = "tampered"
	again, err := cache.Get(ctx, "u1")
	if err != nil {
		t.Fatalf("get again: %v", err)
	}
	if again.AccessToken != "tok" {
		t.Fatalf("cache entry mutated through returned copy")
	}

	if err := cache.Delete(ctx, "u1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if got, err := cache.Get(ctx, "u1"); err != nil || got != nil {
		t.Fatalf("expected miss after delete, got %+v (%v)", got, err)
	}
	if err := cache.Delete(ctx, "u1"); err != nil {
		t.Fatalf("deleting an absent entry: %v", err)
	}
}

func TestMemoryCache_RejectsAnonymousSession(t *testing.T) {
	cache := NewMemoryCache()
	if err := cache.Set(context.Background(), nil, time.Hour); err == nil {
		t.Fatalf("expected error for nil session")
	}
	if err := cache.Set(context.Background(), &Session{AccessToken: "tok"}, time.Hour); err == nil {
		t.Fatalf("expected error for session without user id")
	}
}
