package agentsession

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"gorm.io/gorm"

	"github.com/ideahub-ai/agentgate/internal/audit"
	"github.com/ideahub-ai/agentgate/internal/credstore"
	"github.com/ideahub-ai/agentgate/internal/dataplane"
	"github.com/ideahub-ai/agentgate/internal/db"
	"github.com/ideahub-ai/agentgate/internal/identity"
	"github.com/ideahub-ai/agentgate/internal/models"
	"github.com/ideahub-ai/agentgate/internal/security"
)

const (
	testAgentEmail    = "agent_u1@agents.internal"
	testAgentPassword = "agent-password-0123456789abcdefghij"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Now().UTC()}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type sessionProvider struct {
	mu           sync.Mutex
	now          func() time.Time
	email        string
	password     string
	tokenTTL     time.Duration
	signInDelay  time.Duration
	failSignIn   error
	failRefresh  error
	signInCalls  int
	refreshCalls int
	signOutCalls int
	signedOut    []string
	nextToken    int
}

func (p *sessionProvider) issue() *identity.Session {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.nextToken++
	return &identity.Session{
		AccessToken:  fmt.Sprintf("agent-at-%d", p.nextToken),
		RefreshToken: fmt.Sprintf("agent-rt-%d", p.nextToken),
		TokenType:    "bearer",
		ExpiresIn:    int64(p.tokenTTL / time.Second),
		ExpiresAt:    p.now().Add(p.tokenTTL),
		User:         identity.User{ID: "agent-user-1", Email: p.email},
	}
}

func (p *sessionProvider) SignInWithPassword(ctx context.Context, email, password string) (*identity.Session, error) {
	p.mu.Lock()
	p.signInCalls++
	delay := p.signInDelay
	fail := p.failSignIn
	credentialsOK := email == p.email && password == p.password
	p.mu.Unlock()
	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if fail != nil {
		return nil, fail
	}
	if !credentialsOK {
		return nil, &identity.ProviderError{StatusCode: 400, Code: "invalid_credentials", Message: "Invalid login credentials"}
	}
	return p.issue(), nil
}

func (p *sessionProvider) RefreshSession(ctx context.Context, refreshToken string) (*identity.Session, error) {
	p.mu.Lock()
	p.refreshCalls++
	fail := p.failRefresh
	p.mu.Unlock()
	if fail != nil {
		return nil, fail
	}
	return p.issue(), nil
}

func (p *sessionProvider) SignOut(ctx context.Context, accessToken string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.signOutCalls++
	p.signedOut = append(p.signedOut, accessToken)
	return nil
}

func (p *sessionProvider) Signup(ctx context.Context, email, password string) (*identity.Session, error) {
	return nil, errors.New("not implemented")
}

func (p *sessionProvider) AdminCreateUser(ctx context.Context, params identity.AdminCreateParams) (*identity.User, error) {
	return nil, errors.New("not implemented")
}

func (p *sessionProvider) AdminDeleteUser(ctx context.Context, userID string) error { return nil }

func (p *sessionProvider) counts() (signIn, refresh, signOut int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.signInCalls, p.refreshCalls, p.signOutCalls
}

type managerHarness struct {
	manager  *Manager
	provider *sessionProvider
	store    *credstore.Store
	keyring  *security.Keyring
	clock    *fakeClock
	conn     *gorm.DB
}

func newManagerHarness(t *testing.T) *managerHarness {
	t.Helper()
	conn, err := db.Open(filepath.Join(t.TempDir(), "sessions.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := db.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	key := base64.StdEncoding.EncodeToString(bytes.Repeat([]byte{0x5A}, 32))
	keyring, err := security.NewKeyring(map[string]string{"v1": key}, "v1")
	if err != nil {
		t.Fatalf("keyring: %v", err)
	}
	store := credstore.New(conn)

	ciphertext, err := keyring.Encrypt(testAgentPassword)
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	if err := store.Create(context.Background(), "u1", "agent-user-1", testAgentEmail, ciphertext); err != nil {
		t.Fatalf("seed credentials: %v", err)
	}

	clock := newFakeClock()
	provider := &sessionProvider{
		now:      clock.Now,
		email:    testAgentEmail,
		password: testAgentPassword,
		tokenTTL: time.Hour,
	}
	manager, err := NewManager(Options{
		Provider:     provider,
		Store:        store,
		Keyring:      keyring,
		Dataplane:    dataplane.NewFactory("http://data.internal", "anon-key"),
		Recorder:     audit.NewRecorder(conn),
		AuthTimeout:  5 * time.Second,
		SafetyMargin: time.Minute,
		Now:          clock.Now,
	})
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	return &managerHarness{
		manager:  manager,
		provider: provider,
		store:    store,
		keyring:  keyring,
		clock:    clock,
		conn:     conn,
	}
}

func TestManager_ReusesCachedSession(t *testing.T) {
	h := newManagerHarness(t)
	ctx := context.Background()

	client, err := h.manager.GetScopedClient(ctx, "u1")
	if err != nil {
		t.Fatalf("first client: %v", err)
	}
	if client.UserID() != "u1" || client.AgentUserID() != "agent-user-1" {
		t.Fatalf("unexpected client identity: user=%q agent=%q", client.UserID(), client.AgentUserID())
	}

	if _, err := h.manager.GetScopedClient(ctx, "u1"); err != nil {
		t.Fatalf("second client: %v", err)
	}
	if signIn, _, _ := h.provider.counts(); signIn != 1 {
		t.Fatalf("expected one authentication, got %d", signIn)
	}
}

func TestManager_ExpiredSessionRefreshes(t *testing.T) {
	h := newManagerHarness(t)
	ctx := context.Background()

	if _, err := h.manager.GetScopedClient(ctx, "u1"); err != nil {
		t.Fatalf("first client: %v", err)
	}
	h.clock.Advance(2 * time.Hour)

	if _, err := h.manager.GetScopedClient(ctx, "u1"); err != nil {
		t.Fatalf("client after expiry: %v", err)
	}
	signIn, refresh, _ := h.provider.counts()
	if signIn != 1 || refresh != 1 {
		t.Fatalf("expected refresh after expiry, got signIn=%d refresh=%d", signIn, refresh)
	}

	sess, err := h.manager.cache.Get(ctx, "u1")
	if err != nil || sess == nil {
		t.Fatalf("expected cached session, got %v (%v)", sess, err)
	}
	if sess.AccessToken != "agent-at-2" {
		t.Fatalf("expected rotated access token, got %q", sess.AccessToken)
	}
}

func TestManager_RefreshFailureFallsBackToPassword(t *testing.T) {
	h := newManagerHarness(t)
	ctx := context.Background()

	if _, err := h.manager.GetScopedClient(ctx, "u1"); err != nil {
		t.Fatalf("first client: %v", err)
	}
	h.provider.mu.Lock()
	h.provider.failRefresh = &identity.ProviderError{StatusCode: 400, Code: "refresh_token_not_found", Message: "Invalid Refresh Token"}
	h.provider.mu.Unlock()
	h.clock.Advance(2 * time.Hour)

	if _, err := h.manager.GetScopedClient(ctx, "u1"); err != nil {
		t.Fatalf("client after expiry: %v", err)
	}
	signIn, refresh, _ := h.provider.counts()
	if refresh != 1 || signIn != 2 {
		t.Fatalf("expected password fallback, got signIn=%d refresh=%d", signIn, refresh)
	}
}

func TestManager_RevokeForcesFreshAuthentication(t *testing.T) {
	h := newManagerHarness(t)
	ctx := context.Background()

	if _, err := h.manager.GetScopedClient(ctx, "u1"); err != nil {
		t.Fatalf("first client: %v", err)
	}
	if err := h.manager.Revoke(ctx, "u1"); err != nil {
		t.Fatalf("revoke: %v", err)
	}

	h.provider.mu.Lock()
	signedOut := append([]string(nil), h.provider.signedOut...)
	h.provider.mu.Unlock()
	if len(signedOut) != 1 || signedOut[0] != "agent-at-1" {
		t.Fatalf("expected provider sign-out of cached token, got %v", signedOut)
	}

	if _, err := h.manager.GetScopedClient(ctx, "u1"); err != nil {
		t.Fatalf("client after revoke: %v", err)
	}
	if signIn, _, _ := h.provider.counts(); signIn != 2 {
		t.Fatalf("expected fresh authentication after revoke, got %d", signIn)
	}

	// Revoking again with nothing cached is a no-op.
	if err := h.manager.Revoke(ctx, "unknown-user"); err != nil {
		t.Fatalf("revoke of unknown user: %v", err)
	}
}

func TestManager_ConcurrentRequestsShareOneFlight(t *testing.T) {
	h := newManagerHarness(t)
	h.provider.mu.Lock()
	h.provider.signInDelay = 30 * time.Millisecond
	h.provider.mu.Unlock()

	const callers = 8
	var wg sync.WaitGroup
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = h.manager.GetScopedClient(context.Background(), "u1")
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("caller %d: %v", i, err)
		}
	}
	if signIn, _, _ := h.provider.counts(); signIn != 1 {
		t.Fatalf("expected one collapsed authentication, got %d", signIn)
	}
}

func TestManager_CancelledCallerDoesNotAbortAuthentication(t *testing.T) {
	h := newManagerHarness(t)
	h.provider.mu.Lock()
	h.provider.signInDelay = 100 * time.Millisecond
	h.provider.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := h.manager.GetScopedClient(ctx, "u1"); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected caller deadline, got %v", err)
	}

	// The flight keeps running on its own context and caches the result.
	deadline := time.Now().Add(2 * time.Second)
	for {
		sess, errGet := h.manager.cache.Get(context.Background(), "u1")
		if errGet == nil && sess != nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("authentication flight never cached a session")
		}
		time.Sleep(10 * time.Millisecond)
	}

	if _, err := h.manager.GetScopedClient(context.Background(), "u1"); err != nil {
		t.Fatalf("client after detached flight: %v", err)
	}
	if signIn, _, _ := h.provider.counts(); signIn != 1 {
		t.Fatalf("expected the detached flight to serve later callers, got %d sign-ins", signIn)
	}
}

func TestManager_MissingProfile(t *testing.T) {
	h := newManagerHarness(t)

	_, err := h.manager.GetScopedClient(context.Background(), "ghost")
	if !errors.Is(err, credstore.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestManager_UnreadableCredentialsSurfaceDecryptError(t *testing.T) {
	h := newManagerHarness(t)
	ctx := context.Background()

	otherKey := base64.StdEncoding.EncodeToString(bytes.Repeat([]byte{0x11}, 32))
	otherRing, err := security.NewKeyring(map[string]string{"v1": otherKey}, "v1")
	if err != nil {
		t.Fatalf("other keyring: %v", err)
	}
	foreign, err := otherRing.Encrypt(testAgentPassword)
	if err != nil {
		t.Fatalf("encrypt with other keyring: %v", err)
	}
	if err := h.store.UpdateCiphertext(ctx, "u1", foreign); err != nil {
		t.Fatalf("update ciphertext: %v", err)
	}

	_, err = h.manager.GetScopedClient(ctx, "u1")
	if !errors.Is(err, security.ErrDecrypt) {
		t.Fatalf("expected ErrDecrypt, got %v", err)
	}

	var row models.AuditEvent
	if errFind := h.conn.First(&row, "type = ? AND outcome = ?", audit.EventAgentAuth, audit.OutcomeFailure).Error; errFind != nil {
		t.Fatalf("load audit event: %v", errFind)
	}
	if row.ErrorCode != "decrypt_failed" {
		t.Fatalf("unexpected audit error code %q", row.ErrorCode)
	}
}

func TestManager_ProviderRejectionIsAgentAuthError(t *testing.T) {
	h := newManagerHarness(t)
	h.provider.mu.Lock()
	h.provider.failSignIn = &identity.ProviderError{StatusCode: 400, Code: "invalid_credentials", Message: "Invalid login credentials"}
	h.provider.mu.Unlock()

	_, err := h.manager.GetScopedClient(context.Background(), "u1")
	if !errors.Is(err, ErrAgentAuth) {
		t.Fatalf("expected ErrAgentAuth, got %v", err)
	}
	if !errors.Is(err, identity.ErrInvalidCredentials) {
		t.Fatalf("expected invalid-credentials cause, got %v", err)
	}
}

func TestManager_ProviderOutageIsNotAgentAuthError(t *testing.T) {
	h := newManagerHarness(t)
	h.provider.mu.Lock()
	h.provider.failSignIn = &identity.ProviderError{StatusCode: 503, Message: "upstream down"}
	h.provider.mu.Unlock()

	_, err := h.manager.GetScopedClient(context.Background(), "u1")
	if !errors.Is(err, identity.ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
	if errors.Is(err, ErrAgentAuth) {
		t.Fatalf("an outage must not be classified as credential rejection: %v", err)
	}
}

func TestManager_TouchesLastUsed(t *testing.T) {
	h := newManagerHarness(t)
	ctx := context.Background()

	if _, err := h.manager.GetScopedClient(ctx, "u1"); err != nil {
		t.Fatalf("client: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		profile, err := h.store.Profile(ctx, "u1")
		if err != nil {
			t.Fatalf("profile: %v", err)
		}
		if profile.LastUsedAt != nil {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("last_used_at never stamped")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestManager_EmptyUserID(t *testing.T) {
	h := newManagerHarness(t)

	if _, err := h.manager.GetScopedClient(context.Background(), "  "); err == nil {
		t.Fatalf("expected error for empty user id")
	}
	if err := h.manager.Revoke(context.Background(), ""); err == nil {
		t.Fatalf("expected error for empty user id")
	}
}

func TestNewManager_RequiresDependencies(t *testing.T) {
	h := newManagerHarness(t)
	base := Options{
		Provider:  h.provider,
		Store:     h.store,
		Keyring:   h.keyring,
		Dataplane: dataplane.NewFactory("http://data.internal", "anon-key"),
	}

	cases := []struct {
		name   string
		mutate func(*Options)
	}{
		{"provider", func(o *Options) { o.Provider = nil }},
		{"store", func(o *Options) { o.Store = nil }},
		{"keyring", func(o *Options) { o.Keyring = nil }},
		{"dataplane", func(o *Options) { o.Dataplane = nil }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			opts := base
			tc.mutate(&opts)
			if _, err := NewManager(opts); err == nil {
				t.Fatalf("expected constructor error without %s", tc.name)
			}
		})
	}

	if _, err := NewManager(base); err != nil {
		t.Fatalf("full options: %v", err)
	}
}
