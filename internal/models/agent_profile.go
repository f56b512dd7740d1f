package models

import "time"

// AgentProfile pairs a human account with its machine-only agent identity
// and carries the agent's encrypted credential. Exactly one row exists per
// human user; the ciphertext column is only ever read by the session layer.
type AgentProfile struct {
	UserID      string `gorm:"type:text;primaryKey"`           // Human account ID at the identity provider.
	AgentUserID string `gorm:"type:text;not null;uniqueIndex"` // Agent account ID at the identity provider.
	AgentEmail  string `gorm:"type:text;not null;uniqueIndex"` // Derived agent sign-in address.

	CredentialsCiphertext string `gorm:"type:text;not null"` // Versioned, authenticated-encrypted agent password.

	CreatedAt  time.Time  `gorm:"not null;autoCreateTime"` // Provisioning timestamp.
	LastUsedAt *time.Time // Last successful agent authentication.
}

// TableName keeps the table name stable regardless of pluralization rules.
func (AgentProfile) TableName() string {
	return "agent_profiles"
}
