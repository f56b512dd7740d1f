package db

import (
	"fmt"

	"github.com/ideahub-ai/agentgate/internal/models"
	"github.com/ideahub-ai/agentgate/internal/security"
	"gorm.io/gorm"
)

// Migrate runs database migrations for the current dialect.
func Migrate(conn *gorm.DB) error {
	if conn == nil {
		return fmt.Errorf("db: nil connection")
	}
	switch DialectName(conn) {
	case DialectSQLite:
		return migrateSQLite(conn)
	case DialectPostgres, "":
		return migratePostgres(conn)
	default:
		return fmt.Errorf("db: unsupported dialect: %s", DialectName(conn))
	}
}

// migratePostgres applies the schema plus the constraints and row-level
// security policies that the production deployment relies on.
func migratePostgres(conn *gorm.DB) error {
	if errAutoMigrate := conn.AutoMigrate(
		&models.AgentProfile{},
		&models.AuditEvent{},
	); errAutoMigrate != nil {
		return fmt.Errorf("db: migrate: %w", errAutoMigrate)
	}

	if errCheck := conn.Exec(fmt.Sprintf(`
		DO $$
		BEGIN
			IF NOT EXISTS (
				SELECT 1 FROM pg_constraint
				WHERE conname = 'chk_agent_profiles_ciphertext_len'
			) THEN
				ALTER TABLE agent_profiles
					ADD CONSTRAINT chk_agent_profiles_ciphertext_len
					CHECK (length(credentials_ciphertext) >= %d);
			END IF;
		END $$;
	`, security.MinCiphertextLength)).Error; errCheck != nil {
		return fmt.Errorf("db: ciphertext length check: %w", errCheck)
	}

	return enableRowLevelSecurity(conn)
}

// migrateSQLite creates the schema only. Policy DDL is postgres-specific;
// the SQLite dialect backs dev and test runs.
func migrateSQLite(conn *gorm.DB) error {
	if errAutoMigrate := conn.AutoMigrate(
		&models.AgentProfile{},
		&models.AuditEvent{},
	); errAutoMigrate != nil {
		return fmt.Errorf("db: migrate: %w", errAutoMigrate)
	}
	return nil
}

// enableRowLevelSecurity locks agent_profiles down so a user-scoped role can
// read the metadata of its own row but never the ciphertext column, and
// keeps audit_events service-only. The service connection owns the tables
// and is not subject to these policies.
func enableRowLevelSecurity(conn *gorm.DB) error {
	// ddl defines a policy or grant statement to apply.
	type ddl struct {
		name string // Human-readable name for error reporting.
		sql  string // SQL to execute.
	}
	ddls := []ddl{
		{
			name: "agent_profiles_rls",
			sql:  `ALTER TABLE agent_profiles ENABLE ROW LEVEL SECURITY`,
		},
		{
			name: "audit_events_rls",
			sql:  `ALTER TABLE audit_events ENABLE ROW LEVEL SECURITY`,
		},
		{
			name: "agent_profiles_owner_read",
			sql: `
				DO $$
				BEGIN
					IF NOT EXISTS (
						SELECT 1 FROM pg_policies
						WHERE tablename = 'agent_profiles'
						AND policyname = 'agent_profiles_owner_read'
					) THEN
						CREATE POLICY agent_profiles_owner_read ON agent_profiles
							FOR SELECT
							USING (current_setting('request.jwt.claims', true)::json->>'sub' = user_id);
					END IF;
				END $$;
			`,
		},
		{
			name: "agent_profiles_column_grants",
			sql: `
				DO $$
				BEGIN
					IF EXISTS (SELECT 1 FROM pg_roles WHERE rolname = 'authenticated') THEN
						REVOKE ALL ON agent_profiles FROM authenticated;
						GRANT SELECT (user_id, agent_user_id, agent_email, created_at, last_used_at)
							ON agent_profiles TO authenticated;
					END IF;
				END $$;
			`,
		},
	}
	for _, item := range ddls {
		if errDDL := conn.Exec(item.sql).Error; errDDL != nil {
			return fmt.Errorf("db: %s: %w", item.name, errDDL)
		}
	}
	return nil
}
