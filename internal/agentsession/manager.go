package agentsession

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"github.com/ideahub-ai/agentgate/internal/audit"
	"github.com/ideahub-ai/agentgate/internal/credstore"
	"github.com/ideahub-ai/agentgate/internal/dataplane"
	"github.com/ideahub-ai/agentgate/internal/identity"
	"github.com/ideahub-ai/agentgate/internal/security"
)

const (
	defaultAuthTimeout  = 10 * time.Second
	defaultSafetyMargin = 60 * time.Second
	touchTimeout        = 5 * time.Second
	signOutTimeout      = 5 * time.Second
)

// ErrAgentAuth reports that the identity provider rejected the agent's
// stored credentials. Not retryable: the credential itself is suspect,
// not the connection.
var ErrAgentAuth = errors.New("agentsession: agent authentication rejected")

// Store is the credential persistence the manager reads.
type Store interface {
	Profile(ctx context.Context, userID string) (*credstore.Profile, error)
	GetCiphertext(ctx context.Context, userID string) (string, error)
	TouchLastUsed(ctx context.Context, userID string, at time.Time) error
}

// Options configures a Manager. Provider, Store, Keyring and Dataplane
// are required; a nil Cache gets a per-instance memory cache.
type Options struct {
	Provider     identity.Provider
	Store        Store
	Keyring      *security.Keyring
	Cache        Cache
	Dataplane    *dataplane.Factory
	Recorder     *audit.Recorder
	AuthTimeout  time.Duration
	SafetyMargin time.Duration
	Now          func() time.Time
}

// Manager drives the per-user agent session state machine: cached →
// valid reuse, missing/stale → one authentication flight per user,
// revoked → next request authenticates fresh.
type Manager struct {
	provider     identity.Provider
	store        Store
	keyring      *security.Keyring
	cache        Cache
	factory      *dataplane.Factory
	recorder     *audit.Recorder
	group        singleflight.Group
	authTimeout  time.Duration
	safetyMargin time.Duration
	nowFn        func() time.Time
}

// NewManager constructs a Manager.
func NewManager(opts Options) (*Manager, error) {
	if opts.Provider == nil {
		return nil, fmt.Errorf("agentsession: provider is required")
	}
	if opts.Store == nil {
		return nil, fmt.Errorf("agentsession: store is required")
	}
	if opts.Keyring == nil {
		return nil, fmt.Errorf("agentsession: keyring is required")
	}
	if opts.Dataplane == nil {
		return nil, fmt.Errorf("agentsession: dataplane factory is required")
	}
	cache := opts.Cache
	if cache == nil {
		cache = NewMemoryCache()
	}
	authTimeout := opts.AuthTimeout
	if authTimeout <= 0 {
		authTimeout = defaultAuthTimeout
	}
	margin := opts.SafetyMargin
	if margin <= 0 {
		margin = defaultSafetyMargin
	}
	nowFn := opts.Now
	if nowFn == nil {
		nowFn = time.Now
	}
	return &Manager{
		provider:     opts.Provider,
		store:        opts.Store,
		keyring:      opts.Keyring,
		cache:        cache,
		factory:      opts.Dataplane,
		recorder:     opts.Recorder,
		authTimeout:  authTimeout,
		safetyMargin: margin,
		nowFn:        nowFn,
	}, nil
}

// GetScopedClient returns a data client authenticated as userID's
// agent. A cached session is reused while its token has more than the
// safety margin of validity left; otherwise exactly one authentication
// runs per user no matter how many callers arrive at once.
func (m *Manager) GetScopedClient(ctx context.Context, userID string) (*dataplane.Client, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, fmt.Errorf("agentsession: empty user id")
	}

	sess, errCache := m.cache.Get(ctx, userID)
	if errCache != nil {
		log.WithError(errCache).WithField("user_id", userID).Warn("agentsession: cache read failed")
	}
	if sess.Valid(m.nowFn(), m.safetyMargin) {
		return m.scoped(sess), nil
	}

	sess, err := m.authenticate(ctx, userID)
	if err != nil {
		return nil, err
	}
	return m.scoped(sess), nil
}

// Revoke drops the cached session for userID and best-effort signs the
// agent token out at the provider. Revoking a user with no cached
// session is a no-op.
func (m *Manager) Revoke(ctx context.Context, userID string) error {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return fmt.Errorf("agentsession: empty user id")
	}

	sess, errGet := m.cache.Get(ctx, userID)
	if errGet != nil {
		log.WithError(errGet).WithField("user_id", userID).Warn("agentsession: cache read failed during revoke")
	}
	if err := m.cache.Delete(ctx, userID); err != nil {
		m.recorder.Record(ctx, audit.Event{
			Type:      audit.EventAgentRevoked,
			UserID:    userID,
			Outcome:   audit.OutcomeFailure,
			ErrorCode: audit.ErrorCode(err),
		})
		return fmt.Errorf("agentsession: clear session: %w", err)
	}

	event := audit.Event{Type: audit.EventAgentRevoked, UserID: userID}
	if sess != nil {
		event.AgentUserID = sess.AgentUserID
		if sess.AccessToken != "" {
			m.signOut(ctx, userID, sess.AccessToken)
		}
	}
	m.recorder.Record(ctx, event)
	return nil
}

// authenticate collapses concurrent attempts for one user into a
// single flight. The flight runs on a context detached from the caller
// so a cancelled request cannot poison the cache for everyone else; a
// cancelled caller gets its own ctx error while the flight finishes
// and populates the cache.
func (m *Manager) authenticate(ctx context.Context, userID string) (*Session, error) {
	ch := m.group.DoChan(userID, func() (any, error) {
		authCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.authTimeout)
		defer cancel()
		return m.authenticateAgent(authCtx, userID)
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*Session), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (m *Manager) authenticateAgent(ctx context.Context, userID string) (*Session, error) {
	stale, errGet := m.cache.Get(ctx, userID)
	if errGet == nil && stale.Valid(m.nowFn(), m.safetyMargin) {
		// A concurrent flight refreshed the session while this caller
		// queued up.
		return stale, nil
	}

	profile, err := m.store.Profile(ctx, userID)
	if err != nil {
		m.recordAuthFailure(ctx, userID, "", err)
		return nil, fmt.Errorf("agentsession: load profile: %w", err)
	}

	if errGet == nil && stale != nil && stale.RefreshToken != "" {
		sess, errRefresh := m.refreshSession(ctx, profile, stale.RefreshToken)
		if errRefresh == nil {
			return sess, nil
		}
		log.WithError(errRefresh).WithField("user_id", userID).Debug("agentsession: refresh failed, re-authenticating")
	}

	return m.passwordAuth(ctx, profile)
}

// passwordAuth is the full authentication path: ciphertext → decrypt →
// provider password sign-in. The decrypted password exists only inside
// this frame.
func (m *Manager) passwordAuth(ctx context.Context, profile *credstore.Profile) (*Session, error) {
	userID := profile.UserID
	ciphertext, err := m.store.GetCiphertext(ctx, userID)
	if err != nil {
		m.recordAuthFailure(ctx, userID, profile.AgentUserID, err)
		return nil, fmt.Errorf("agentsession: load credentials: %w", err)
	}
	password, err := m.keyring.Decrypt(ciphertext)
	if err != nil {
		// Corrupt record or key loss. The audit failure event is the
		// operational alert.
		m.recordAuthFailure(ctx, userID, profile.AgentUserID, err)
		return nil, fmt.Errorf("agentsession: credentials for %s unreadable: %w", userID, err)
	}

	provSess, err := m.provider.SignInWithPassword(ctx, profile.AgentEmail, password)
	if err != nil {
		err = classifyAuthError(err)
		m.recordAuthFailure(ctx, userID, profile.AgentUserID, err)
		return nil, err
	}

	sess := &Session{
		UserID:       userID,
		AgentUserID:  profile.AgentUserID,
		AccessToken:  provSess.AccessToken,
		RefreshToken: provSess.RefreshToken,
		ExpiresAt:    provSess.ExpiresAt,
	}
	m.cacheSession(ctx, sess)
	m.touchLastUsed(userID)
	m.recorder.Record(ctx, audit.Event{
		Type:        audit.EventAgentAuth,
		UserID:      userID,
		AgentUserID: profile.AgentUserID,
	})
	return sess, nil
}

func (m *Manager) refreshSession(ctx context.Context, profile *credstore.Profile, refreshToken string) (*Session, error) {
	provSess, err := m.provider.RefreshSession(ctx, refreshToken)
	if err != nil {
		return nil, err
	}
	sess := &Session{
		UserID:       profile.UserID,
		AgentUserID:  profile.AgentUserID,
		AccessToken:  provSess.AccessToken,
		RefreshToken: provSess.RefreshToken,
		ExpiresAt:    provSess.ExpiresAt,
	}
	m.cacheSession(ctx, sess)
	m.touchLastUsed(profile.UserID)
	m.recorder.Record(ctx, audit.Event{
		Type:        audit.EventAgentRefresh,
		UserID:      profile.UserID,
		AgentUserID: profile.AgentUserID,
	})
	return sess, nil
}

// classifyAuthError separates credential rejection from provider
// unavailability. A rejected credential will not fix itself and must
// not be retried.
func classifyAuthError(err error) error {
	if errors.Is(err, identity.ErrInvalidCredentials) || errors.Is(err, identity.ErrUserNotFound) {
		return fmt.Errorf("%w: %w", ErrAgentAuth, err)
	}
	return fmt.Errorf("agentsession: authenticate: %w", err)
}

func (m *Manager) cacheSession(ctx context.Context, sess *Session) {
	ttl := sess.ExpiresAt.Sub(m.nowFn())
	if ttl <= 0 {
		return
	}
	if err := m.cache.Set(ctx, sess, ttl); err != nil {
		log.WithError(err).WithField("user_id", sess.UserID).Warn("agentsession: cache session failed")
	}
}

// touchLastUsed updates the profile's last_used_at off the request
// path. A failed touch never fails the authentication it followed.
func (m *Manager) touchLastUsed(userID string) {
	at := m.nowFn()
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), touchTimeout)
		defer cancel()
		if err := m.store.TouchLastUsed(ctx, userID, at); err != nil && !errors.Is(err, credstore.ErrNotFound) {
			log.WithError(err).WithField("user_id", userID).Warn("agentsession: touch last_used failed")
		}
	}()
}

// signOut invalidates the agent token at the provider. Best effort:
// the cache entry is already gone, so a failure only leaves a token to
// age out on its own.
func (m *Manager) signOut(ctx context.Context, userID, accessToken string) {
	signOutCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), signOutTimeout)
	defer cancel()
	if err := m.provider.SignOut(signOutCtx, accessToken); err != nil {
		log.WithError(err).WithField("user_id", userID).Debug("agentsession: provider sign-out failed")
	}
}

func (m *Manager) scoped(sess *Session) *dataplane.Client {
	return m.factory.Scoped(sess.AccessToken, sess.UserID, sess.AgentUserID)
}

func (m *Manager) recordAuthFailure(ctx context.Context, userID, agentUserID string, err error) {
	m.recorder.Record(ctx, audit.Event{
		Type:        audit.EventAgentAuth,
		UserID:      userID,
		AgentUserID: agentUserID,
		Outcome:     audit.OutcomeFailure,
		ErrorCode:   audit.ErrorCode(err),
	})
}
