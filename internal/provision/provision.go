// Package provision creates the paired agent identity for a human
// account. The saga is all-or-nothing: any failure after the agent
// account exists at the provider deletes it again, and a failed signup
// deletes the human account too.
package provision

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/ideahub-ai/agentgate/internal/audit"
	"github.com/ideahub-ai/agentgate/internal/credstore"
	"github.com/ideahub-ai/agentgate/internal/identity"
	"github.com/ideahub-ai/agentgate/internal/security"
)

const (
	defaultEmailDomain  = "agents.internal"
	passwordLength      = 32
	compensationTimeout = 10 * time.Second
)

// Saga steps, carried on Error and into the audit trail.
const (
	StepSignupHuman         = "signup_human"
	StepGenerateCredentials = "generate_credentials"
	StepCreateAgent         = "create_agent"
	StepEncryptCredentials  = "encrypt_credentials"
	StepStoreCredentials    = "store_credentials"
)

// Error reports which saga step failed. Compensation has already run
// by the time the caller sees it.
type Error struct {
	Step string
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("provision: %s: %v", e.Step, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Store is the credential persistence the saga writes to.
type Store interface {
	Create(ctx context.Context, userID, agentUserID, agentEmail, ciphertext string) error
	Profile(ctx context.Context, userID string) (*credstore.Profile, error)
}

// Result describes a provisioned agent identity. The generated
// password never leaves the saga in plaintext.
type Result struct {
	AgentUserID string
	AgentEmail  string
}

// Provisioner drives agent identity creation against the identity
// provider and the credential store.
type Provisioner struct {
	provider identity.Provider
	store    Store
	keyring  *security.Keyring
	recorder *audit.Recorder
	domain   string
}

// New constructs a Provisioner. An empty emailDomain falls back to the
// default agent domain.
func New(provider identity.Provider, store Store, keyring *security.Keyring, recorder *audit.Recorder, emailDomain string) *Provisioner {
	domain := strings.TrimSpace(emailDomain)
	if domain == "" {
		domain = defaultEmailDomain
	}
	return &Provisioner{
		provider: provider,
		store:    store,
		keyring:  keyring,
		recorder: recorder,
		domain:   domain,
	}
}

// AgentEmail derives the deterministic agent address for a user.
func AgentEmail(userID, domain string) string {
	if strings.TrimSpace(domain) == "" {
		domain = defaultEmailDomain
	}
	return fmt.Sprintf("agent_%s@%s", userID, domain)
}

// ProvisionAgent creates the agent identity for userID: provider
// account with the service role, generated password encrypted at rest,
// credential row. Re-running for an already provisioned user returns
// the existing identity without touching the provider.
func (p *Provisioner) ProvisionAgent(ctx context.Context, userID string) (*Result, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, fmt.Errorf("provision: empty user id")
	}

	if profile, err := p.store.Profile(ctx, userID); err == nil {
		return &Result{AgentUserID: profile.AgentUserID, AgentEmail: profile.AgentEmail}, nil
	} else if !errors.Is(err, credstore.ErrNotFound) {
		return nil, p.fail(ctx, userID, "", StepStoreCredentials, err)
	}

	agentEmail := AgentEmail(userID, p.domain)
	password, err := security.GeneratePassword(passwordLength)
	if err != nil {
		return nil, p.fail(ctx, userID, "", StepGenerateCredentials, err)
	}

	agent, err := p.provider.AdminCreateUser(ctx, identity.AdminCreateParams{
		Email:        agentEmail,
		Password:     password,
		EmailConfirm: true,
		Metadata:     map[string]any{"is_agent": true, "owner_user_id": userID},
	})
	if err != nil {
		return nil, p.fail(ctx, userID, "", StepCreateAgent, err)
	}

	ciphertext, err := p.keyring.Encrypt(password)
	if err != nil {
		p.deleteAgent(ctx, userID, agent.ID)
		return nil, p.fail(ctx, userID, agent.ID, StepEncryptCredentials, err)
	}

	if err := p.store.Create(ctx, userID, agent.ID, agentEmail, ciphertext); err != nil {
		p.deleteAgent(ctx, userID, agent.ID)
		if errors.Is(err, credstore.ErrDuplicateAgent) {
			// Lost a race with a concurrent provisioning of the same
			// user; the row that won is authoritative.
			if profile, errProfile := p.store.Profile(ctx, userID); errProfile == nil {
				return &Result{AgentUserID: profile.AgentUserID, AgentEmail: profile.AgentEmail}, nil
			}
		}
		return nil, p.fail(ctx, userID, agent.ID, StepStoreCredentials, err)
	}

	p.recorder.Record(ctx, audit.Event{
		Type:        audit.EventAgentProvisioned,
		UserID:      userID,
		AgentUserID: agent.ID,
	})
	return &Result{AgentUserID: agent.ID, AgentEmail: agentEmail}, nil
}

// SignupWithAgent registers a human account and provisions its agent.
// If provisioning fails the human account is deleted again so a signup
// never half-succeeds.
func (p *Provisioner) SignupWithAgent(ctx context.Context, email, password string) (*identity.Session, *Result, error) {
	sess, err := p.provider.Signup(ctx, email, password)
	if err != nil {
		return nil, nil, &Error{Step: StepSignupHuman, Err: err}
	}

	result, err := p.ProvisionAgent(ctx, sess.User.ID)
	if err != nil {
		p.deleteHuman(ctx, sess.User.ID)
		return nil, nil, err
	}
	return sess, result, nil
}

func (p *Provisioner) fail(ctx context.Context, userID, agentUserID, step string, err error) error {
	p.recorder.Record(ctx, audit.Event{
		Type:        audit.EventAgentProvisioned,
		UserID:      userID,
		AgentUserID: agentUserID,
		Outcome:     audit.OutcomeFailure,
		ErrorCode:   audit.ErrorCode(err),
		Details:     map[string]string{"step": step},
	})
	return &Error{Step: step, Err: err}
}

// deleteAgent undoes a provider account created by a failed run. Runs
// detached from the caller's context so a timed-out request can still
// clean up after itself.
func (p *Provisioner) deleteAgent(ctx context.Context, userID, agentUserID string) {
	if agentUserID == "" {
		return
	}
	cleanupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), compensationTimeout)
	defer cancel()
	if err := p.provider.AdminDeleteUser(cleanupCtx, agentUserID); err != nil {
		log.WithError(err).WithFields(log.Fields{
			"user_id":       userID,
			"agent_user_id": agentUserID,
		}).Error("provision: compensation delete of agent account failed")
	}
}

func (p *Provisioner) deleteHuman(ctx context.Context, userID string) {
	cleanupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), compensationTimeout)
	defer cancel()
	if err := p.provider.AdminDeleteUser(cleanupCtx, userID); err != nil {
		log.WithError(err).WithField("user_id", userID).Error("provision: rollback delete of human account failed")
	}
}
