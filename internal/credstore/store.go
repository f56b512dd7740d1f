package credstore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ideahub-ai/agentgate/internal/models"
	"github.com/ideahub-ai/agentgate/internal/security"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/gorm"
)

// Duplicate and missing-record outcomes callers branch on.
var (
	ErrDuplicateAgent = errors.New("credstore: agent already provisioned")
	ErrNotFound       = errors.New("credstore: no agent for user")
)

// iterateBatchSize bounds memory during key rotation sweeps.
const iterateBatchSize = 200

// uniqueViolationCode is the postgres error code for unique violations.
const uniqueViolationCode = "23505"

// Profile is the metadata view of an agent record. It deliberately has no
// ciphertext field.
type Profile struct {
	UserID      string
	AgentUserID string
	AgentEmail  string
	CreatedAt   time.Time
	LastUsedAt  *time.Time
}

// Store persists agent credential records through the privileged service
// connection. GetCiphertext is the only reader of the ciphertext column.
type Store struct {
	db *gorm.DB
}

// New constructs a Store.
func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// Create inserts the credential record for a freshly provisioned agent.
// An existing record for the user, the agent ID, or the agent email maps to
// ErrDuplicateAgent.
func (s *Store) Create(ctx context.Context, userID, agentUserID, agentEmail, ciphertext string) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("credstore: not initialized")
	}
	userID = strings.TrimSpace(userID)
	agentUserID = strings.TrimSpace(agentUserID)
	agentEmail = strings.TrimSpace(agentEmail)
	if userID == "" || agentUserID == "" || agentEmail == "" {
		return fmt.Errorf("credstore: missing identifier")
	}
	if len(ciphertext) < security.MinCiphertextLength {
		return fmt.Errorf("credstore: ciphertext shorter than %d", security.MinCiphertextLength)
	}

	record := models.AgentProfile{
		UserID:                userID,
		AgentUserID:           agentUserID,
		AgentEmail:            agentEmail,
		CredentialsCiphertext: ciphertext,
		CreatedAt:             time.Now().UTC(),
	}
	if errCreate := s.db.WithContext(ctx).Create(&record).Error; errCreate != nil {
		if isUniqueViolation(errCreate) {
			return ErrDuplicateAgent
		}
		return fmt.Errorf("credstore: create: %w", errCreate)
	}
	return nil
}

// GetCiphertext returns the stored credential ciphertext for the user.
func (s *Store) GetCiphertext(ctx context.Context, userID string) (string, error) {
	if s == nil || s.db == nil {
		return "", fmt.Errorf("credstore: not initialized")
	}

	var row models.AgentProfile
	errFind := s.db.WithContext(ctx).
		Select("credentials_ciphertext").
		Where("user_id = ?", userID).
		First(&row).Error
	if errors.Is(errFind, gorm.ErrRecordNotFound) {
		return "", ErrNotFound
	}
	if errFind != nil {
		return "", fmt.Errorf("credstore: get ciphertext: %w", errFind)
	}
	return row.CredentialsCiphertext, nil
}

// UpdateCiphertext replaces the stored ciphertext in a single UPDATE.
func (s *Store) UpdateCiphertext(ctx context.Context, userID, ciphertext string) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("credstore: not initialized")
	}
	if len(ciphertext) < security.MinCiphertextLength {
		return fmt.Errorf("credstore: ciphertext shorter than %d", security.MinCiphertextLength)
	}

	result := s.db.WithContext(ctx).
		Model(&models.AgentProfile{}).
		Where("user_id = ?", userID).
		Update("credentials_ciphertext", ciphertext)
	if result.Error != nil {
		return fmt.Errorf("credstore: update ciphertext: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// TouchLastUsed stamps the record after a successful agent authentication.
// Callers treat failures as log-and-continue.
func (s *Store) TouchLastUsed(ctx context.Context, userID string, at time.Time) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("credstore: not initialized")
	}

	result := s.db.WithContext(ctx).
		Model(&models.AgentProfile{}).
		Where("user_id = ?", userID).
		Update("last_used_at", at.UTC())
	if result.Error != nil {
		return fmt.Errorf("credstore: touch last used: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// Profile returns the metadata view of the user's agent record.
func (s *Store) Profile(ctx context.Context, userID string) (*Profile, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("credstore: not initialized")
	}

	var row models.AgentProfile
	errFind := s.db.WithContext(ctx).
		Select("user_id", "agent_user_id", "agent_email", "created_at", "last_used_at").
		Where("user_id = ?", userID).
		First(&row).Error
	if errors.Is(errFind, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if errFind != nil {
		return nil, fmt.Errorf("credstore: profile: %w", errFind)
	}
	return &Profile{
		UserID:      row.UserID,
		AgentUserID: row.AgentUserID,
		AgentEmail:  row.AgentEmail,
		CreatedAt:   row.CreatedAt,
		LastUsedAt:  row.LastUsedAt,
	}, nil
}

// ForEachCiphertext streams every stored ciphertext in batches, for key
// rotation sweeps. The first callback error aborts the sweep.
func (s *Store) ForEachCiphertext(ctx context.Context, fn func(userID, ciphertext string) error) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("credstore: not initialized")
	}
	if fn == nil {
		return fmt.Errorf("credstore: nil callback")
	}

	var rows []models.AgentProfile
	result := s.db.WithContext(ctx).
		Select("user_id", "credentials_ciphertext").
		Order("user_id").
		FindInBatches(&rows, iterateBatchSize, func(_ *gorm.DB, _ int) error {
			for _, row := range rows {
				if errFn := fn(row.UserID, row.CredentialsCiphertext); errFn != nil {
					return errFn
				}
			}
			return nil
		})
	if result.Error != nil {
		return fmt.Errorf("credstore: iterate: %w", result.Error)
	}
	return nil
}

// isUniqueViolation detects duplicate-key failures on both dialects.
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == uniqueViolationCode
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}
