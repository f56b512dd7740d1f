package models

import (
	"time"

	"gorm.io/datatypes"
)

// AuditEvent is one row of the credential-lifecycle audit trail. Rows carry
// identifiers and classifications only; there is no column a secret could
// land in.
type AuditEvent struct {
	ID uint64 `gorm:"primaryKey;autoIncrement"` // Primary key.

	EventID string `gorm:"type:text;not null;uniqueIndex"` // Generated event UUID.
	Type    string `gorm:"type:text;not null;index"`       // Event type, e.g. agent_auth.

	UserID      string `gorm:"type:text;index"` // Human account ID.
	AgentUserID string `gorm:"type:text"`       // Agent account ID.
	RequestID   string `gorm:"type:text"`       // Correlating request ID.

	Outcome   string `gorm:"type:text;not null"` // success or failure.
	ErrorCode string `gorm:"type:text"`          // Error class on failure.

	Details datatypes.JSON `gorm:"type:jsonb"` // Non-secret context fields.

	CreatedAt time.Time `gorm:"not null;autoCreateTime;index"` // Event timestamp.
}

// TableName keeps the table name stable regardless of pluralization rules.
func (AuditEvent) TableName() string {
	return "audit_events"
}
