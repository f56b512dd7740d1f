// Package audit records credential and session lifecycle events. Event
// carries identifiers and classifications only; there is no field a
// secret could travel through.
package audit

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/ideahub-ai/agentgate/internal/credstore"
	"github.com/ideahub-ai/agentgate/internal/identity"
	"github.com/ideahub-ai/agentgate/internal/models"
	"github.com/ideahub-ai/agentgate/internal/security"
)

// Event types.
const (
	EventSignup           = "signup"
	EventLogin            = "login"
	EventLogout           = "logout"
	EventTokenRefresh     = "token_refresh"
	EventAgentProvisioned = "agent_provisioned"
	EventAgentAuth        = "agent_auth"
	EventAgentRefresh     = "agent_session_refresh"
	EventAgentRevoked     = "agent_revoked"
	EventKeyRotation      = "key_rotation"
)

// Outcomes.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
)

// Event is one audit record. Details values are classification
// strings (step names, cache states), never secret material.
type Event struct {
	Type        string
	UserID      string
	AgentUserID string
	RequestID   string
	Outcome     string
	ErrorCode   string
	Details     map[string]string
}

// Recorder writes events to the structured log and, when constructed
// with a database, to the audit_events table.
type Recorder struct {
	db *gorm.DB
}

// NewRecorder constructs a Recorder. A nil db disables the persistent
// sink; events still reach the log.
func NewRecorder(db *gorm.DB) *Recorder {
	return &Recorder{db: db}
}

// Record emits the event. Persistence failures are logged and
// swallowed; recording never fails the operation that produced the
// event.
func (r *Recorder) Record(ctx context.Context, event Event) {
	if event.Type == "" {
		return
	}
	if event.Outcome == "" {
		event.Outcome = OutcomeSuccess
	}
	eventID := uuid.NewString()

	fields := log.Fields{
		"event_id": eventID,
		"event":    event.Type,
		"outcome":  event.Outcome,
	}
	if event.UserID != "" {
		fields["user_id"] = event.UserID
	}
	if event.AgentUserID != "" {
		fields["agent_user_id"] = event.AgentUserID
	}
	if event.RequestID != "" {
		fields["request_id"] = event.RequestID
	}
	if event.ErrorCode != "" {
		fields["error_code"] = event.ErrorCode
	}
	if len(event.Details) > 0 {
		fields["details"] = event.Details
	}
	entry := log.WithFields(fields)
	if event.Outcome == OutcomeFailure {
		entry.Warn("audit event")
	} else {
		entry.Info("audit event")
	}

	if r == nil || r.db == nil {
		return
	}
	row := models.AuditEvent{
		EventID:     eventID,
		Type:        event.Type,
		UserID:      event.UserID,
		AgentUserID: event.AgentUserID,
		RequestID:   event.RequestID,
		Outcome:     event.Outcome,
		ErrorCode:   event.ErrorCode,
	}
	if len(event.Details) > 0 {
		if data, errEncode := json.Marshal(event.Details); errEncode == nil {
			row.Details = datatypes.JSON(data)
		}
	}
	if err := r.db.WithContext(ctx).Create(&row).Error; err != nil {
		log.WithError(err).WithField("event", event.Type).Warn("audit: persist event failed")
	}
}

// ErrorCode classifies err into the audit error vocabulary. Unknown
// errors report as "internal" so raw messages stay out of the table.
func ErrorCode(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, credstore.ErrDuplicateAgent):
		return "duplicate_agent"
	case errors.Is(err, credstore.ErrNotFound):
		return "not_found"
	case errors.Is(err, security.ErrDecrypt):
		return "decrypt_failed"
	case errors.Is(err, security.ErrNoKeys), errors.Is(err, security.ErrMalformedKey):
		return "key_config"
	case errors.Is(err, identity.ErrDuplicateEmail):
		return "duplicate_email"
	case errors.Is(err, identity.ErrInvalidCredentials):
		return "invalid_credentials"
	case errors.Is(err, identity.ErrUserNotFound):
		return "user_not_found"
	case errors.Is(err, identity.ErrUnavailable):
		return "provider_unavailable"
	case errors.Is(err, identity.ErrInvalidToken):
		return "invalid_token"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	default:
		return "internal"
	}
}
