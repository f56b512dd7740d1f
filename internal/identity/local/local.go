// Package local provides an in-process identity.Provider backed by
// memory. It serves development and tests; production deployments use
// the gotrue client.
package local

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/ideahub-ai/agentgate/internal/identity"
)

const defaultTokenTTL = time.Hour

type account struct {
	id           string
	email        string
	passwordHash []byte
	role         string
	createdAt    time.Time
}

// Provider keeps accounts and refresh tokens in memory and issues
// HS256 tokens that identity.VerifyToken accepts.
type Provider struct {
	mu       sync.Mutex
	secret   []byte
	ttl      time.Duration
	byEmail  map[string]*account
	byID     map[string]*account
	sessions map[string]string // refresh token -> account id
	now      func() time.Time
}

// New constructs a Provider signing tokens with jwtSecret.
func New(jwtSecret string, tokenTTL time.Duration) *Provider {
	if tokenTTL <= 0 {
		tokenTTL = defaultTokenTTL
	}
	return &Provider{
		secret:   []byte(jwtSecret),
		ttl:      tokenTTL,
		byEmail:  make(map[string]*account),
		byID:     make(map[string]*account),
		sessions: make(map[string]string),
		now:      time.Now,
	}
}

var _ identity.Provider = (*Provider)(nil)

// Signup registers an account and signs it in.
func (p *Provider) Signup(ctx context.Context, email, password string) (*identity.Session, error) {
	acct, err := p.createAccount(email, password)
	if err != nil {
		return nil, err
	}
	return p.issueSession(acct)
}

// SignInWithPassword exchanges credentials for a session.
func (p *Provider) SignInWithPassword(ctx context.Context, email, password string) (*identity.Session, error) {
	p.mu.Lock()
	acct := p.byEmail[normalizeEmail(email)]
	p.mu.Unlock()
	if acct == nil {
		return nil, fmt.Errorf("local: %w", identity.ErrInvalidCredentials)
	}
	if err := bcrypt.CompareHashAndPassword(acct.passwordHash, []byte(password)); err != nil {
		return nil, fmt.Errorf("local: %w", identity.ErrInvalidCredentials)
	}
	return p.issueSession(acct)
}

// RefreshSession rotates a refresh token into a new session.
func (p *Provider) RefreshSession(ctx context.Context, refreshToken string) (*identity.Session, error) {
	p.mu.Lock()
	accountID, ok := p.sessions[refreshToken]
	if ok {
		delete(p.sessions, refreshToken)
	}
	acct := p.byID[accountID]
	p.mu.Unlock()
	if !ok || acct == nil {
		return nil, fmt.Errorf("local: %w", identity.ErrInvalidCredentials)
	}
	return p.issueSession(acct)
}

// SignOut drops every refresh token for the account behind the access
// token. Invalid tokens are ignored so sign-out stays idempotent.
func (p *Provider) SignOut(ctx context.Context, accessToken string) error {
	claims, err := identity.VerifyToken(string(p.secret), accessToken)
	if err != nil {
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	for token, accountID := range p.sessions {
		if accountID == claims.UserID {
			delete(p.sessions, token)
		}
	}
	return nil
}

// Health reports healthy; the provider is in-process.
func (p *Provider) Health(ctx context.Context) error { return nil }

// AdminCreateUser provisions an account without signing it in.
func (p *Provider) AdminCreateUser(ctx context.Context, params identity.AdminCreateParams) (*identity.User, error) {
	acct, err := p.createAccount(params.Email, params.Password)
	if err != nil {
		return nil, err
	}
	user := acct.user()
	return &user, nil
}

// AdminDeleteUser removes an account and its refresh tokens.
func (p *Provider) AdminDeleteUser(ctx context.Context, userID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	acct := p.byID[userID]
	if acct == nil {
		return fmt.Errorf("local: %w", identity.ErrUserNotFound)
	}
	delete(p.byID, userID)
	delete(p.byEmail, acct.email)
	for token, accountID := range p.sessions {
		if accountID == userID {
			delete(p.sessions, token)
		}
	}
	return nil
}

func (p *Provider) createAccount(email, password string) (*account, error) {
	email = normalizeEmail(email)
	if email == "" || password == "" {
		return nil, fmt.Errorf("local: %w", identity.ErrInvalidCredentials)
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("local: hash password: %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if _, exists := p.byEmail[email]; exists {
		return nil, fmt.Errorf("local: %w", identity.ErrDuplicateEmail)
	}
	acct := &account{
		id:           uuid.NewString(),
		email:        email,
		passwordHash: hash,
		role:         "authenticated",
		createdAt:    p.now().UTC(),
	}
	p.byEmail[email] = acct
	p.byID[acct.id] = acct
	return acct, nil
}

func (p *Provider) issueSession(acct *account) (*identity.Session, error) {
	now := p.now()
	expiresAt := now.Add(p.ttl)
	claims := jwt.MapClaims{
		"sub":   acct.id,
		"email": acct.email,
		"role":  acct.role,
		"iat":   now.Unix(),
		"exp":   expiresAt.Unix(),
	}
	accessToken, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(p.secret)
	if err != nil {
		return nil, fmt.Errorf("local: sign token: %w", err)
	}

	refreshToken := uuid.NewString()
	p.mu.Lock()
	p.sessions[refreshToken] = acct.id
	p.mu.Unlock()

	return &identity.Session{
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
		TokenType:    "bearer",
		ExpiresIn:    int64(p.ttl / time.Second),
		ExpiresAt:    expiresAt.UTC(),
		User:         acct.user(),
	}, nil
}

func (a *account) user() identity.User {
	return identity.User{ID: a.id, Email: a.email, Role: a.role, CreatedAt: a.createdAt}
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
