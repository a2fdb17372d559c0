package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Migration represents a versioned schema change with one body per dialect
type Migration struct {
	Version     int
	Description string
	Postgres    string
	SQLite      string
}

// SQL returns the migration body for the dialect
func (m Migration) SQL(d Dialect) string {
	if d == DialectSQLite {
		return m.SQLite
	}
	return m.Postgres
}

// GetMigrations returns all schema migrations in order
func GetMigrations() []Migration {
	return []Migration{
		{
			Version:     1,
			Description: "Create actors table",
			Postgres: `
				CREATE TABLE IF NOT EXISTS actors (
					id VARCHAR(255) PRIMARY KEY,
					display_name VARCHAR(255) NOT NULL DEFAULT '',
					is_platform_admin BOOLEAN NOT NULL DEFAULT FALSE,
					created_at TIMESTAMPTZ NOT NULL,
					updated_at TIMESTAMPTZ NOT NULL
				);
				CREATE INDEX IF NOT EXISTS idx_actors_platform_admin ON actors(is_platform_admin) WHERE is_platform_admin;
			`,
			SQLite: `
				CREATE TABLE IF NOT EXISTS actors (
					id TEXT PRIMARY KEY,
					display_name TEXT NOT NULL DEFAULT '',
					is_platform_admin BOOLEAN NOT NULL DEFAULT 0,
					created_at TIMESTAMP NOT NULL,
					updated_at TIMESTAMP NOT NULL
				);
			`,
		},
		{
			Version:     2,
			Description: "Create groups and memberships tables",
			Postgres: `
				CREATE TABLE IF NOT EXISTS review_groups (
					id VARCHAR(64) PRIMARY KEY,
					name VARCHAR(100) NOT NULL,
					description TEXT NOT NULL DEFAULT '',
					created_by VARCHAR(255) NOT NULL,
					created_at TIMESTAMPTZ NOT NULL,
					updated_at TIMESTAMPTZ NOT NULL
				);

				CREATE TABLE IF NOT EXISTS memberships (
					group_id VARCHAR(64) NOT NULL REFERENCES review_groups(id) ON DELETE CASCADE,
					actor_id VARCHAR(255) NOT NULL,
					role VARCHAR(16) NOT NULL CHECK (role IN ('member', 'admin', 'owner')),
					joined_at TIMESTAMPTZ NOT NULL,
					updated_at TIMESTAMPTZ NOT NULL,
					PRIMARY KEY (group_id, actor_id)
				);

				CREATE INDEX IF NOT EXISTS idx_memberships_actor_id ON memberships(actor_id);
				CREATE INDEX IF NOT EXISTS idx_memberships_group_role ON memberships(group_id, role);
			`,
			SQLite: `
				CREATE TABLE IF NOT EXISTS review_groups (
					id TEXT PRIMARY KEY,
					name TEXT NOT NULL,
					description TEXT NOT NULL DEFAULT '',
					created_by TEXT NOT NULL,
					created_at TIMESTAMP NOT NULL,
					updated_at TIMESTAMP NOT NULL
				);

				CREATE TABLE IF NOT EXISTS memberships (
					group_id TEXT NOT NULL REFERENCES review_groups(id) ON DELETE CASCADE,
					actor_id TEXT NOT NULL,
					role TEXT NOT NULL CHECK (role IN ('member', 'admin', 'owner')),
					joined_at TIMESTAMP NOT NULL,
					updated_at TIMESTAMP NOT NULL,
					PRIMARY KEY (group_id, actor_id)
				);

				CREATE INDEX IF NOT EXISTS idx_memberships_actor_id ON memberships(actor_id);
				CREATE INDEX IF NOT EXISTS idx_memberships_group_role ON memberships(group_id, role);
			`,
		},
		{
			Version:     3,
			Description: "Create invite_codes table",
			Postgres: `
				CREATE TABLE IF NOT EXISTS invite_codes (
					id VARCHAR(64) PRIMARY KEY,
					code VARCHAR(32) NOT NULL UNIQUE,
					group_id VARCHAR(64) NOT NULL REFERENCES review_groups(id) ON DELETE CASCADE,
					max_uses INTEGER NOT NULL CHECK (max_uses > 0),
					current_uses INTEGER NOT NULL DEFAULT 0,
					is_active BOOLEAN NOT NULL DEFAULT TRUE,
					expires_at TIMESTAMPTZ NOT NULL,
					created_by VARCHAR(255) NOT NULL,
					created_at TIMESTAMPTZ NOT NULL,
					CHECK (current_uses >= 0 AND current_uses <= max_uses)
				);

				CREATE INDEX IF NOT EXISTS idx_invite_codes_group_id ON invite_codes(group_id);
				CREATE INDEX IF NOT EXISTS idx_invite_codes_active_expiry ON invite_codes(expires_at) WHERE is_active;
			`,
			SQLite: `
				CREATE TABLE IF NOT EXISTS invite_codes (
					id TEXT PRIMARY KEY,
					code TEXT NOT NULL UNIQUE,
					group_id TEXT NOT NULL REFERENCES review_groups(id) ON DELETE CASCADE,
					max_uses INTEGER NOT NULL CHECK (max_uses > 0),
					current_uses INTEGER NOT NULL DEFAULT 0,
					is_active BOOLEAN NOT NULL DEFAULT 1,
					expires_at TIMESTAMP NOT NULL,
					created_by TEXT NOT NULL,
					created_at TIMESTAMP NOT NULL,
					CHECK (current_uses >= 0 AND current_uses <= max_uses)
				);

				CREATE INDEX IF NOT EXISTS idx_invite_codes_group_id ON invite_codes(group_id);
			`,
		},
		{
			Version:     4,
			Description: "Create append-only audit_entries table",
			Postgres: `
				CREATE TABLE IF NOT EXISTS audit_entries (
					id BIGSERIAL PRIMARY KEY,
					action VARCHAR(64) NOT NULL,
					actor_id VARCHAR(255) NOT NULL,
					group_id VARCHAR(64),
					target_type VARCHAR(32) NOT NULL,
					target_id VARCHAR(255),
					changes JSONB,
					reason TEXT NOT NULL DEFAULT '',
					ip_address VARCHAR(64) NOT NULL DEFAULT 'unknown',
					user_agent TEXT NOT NULL DEFAULT 'unknown',
					request_id VARCHAR(100) NOT NULL DEFAULT '',
					created_at TIMESTAMPTZ NOT NULL
				);

				CREATE INDEX IF NOT EXISTS idx_audit_entries_created_at ON audit_entries(created_at DESC);
				CREATE INDEX IF NOT EXISTS idx_audit_entries_action ON audit_entries(action);
				CREATE INDEX IF NOT EXISTS idx_audit_entries_actor_id ON audit_entries(actor_id);
				CREATE INDEX IF NOT EXISTS idx_audit_entries_group_id ON audit_entries(group_id);

				CREATE OR REPLACE FUNCTION audit_entries_immutable() RETURNS trigger AS $$
				BEGIN
					RAISE EXCEPTION 'audit entries are immutable';
				END;
				$$ LANGUAGE plpgsql;

				DROP TRIGGER IF EXISTS audit_entries_no_mutation ON audit_entries;
				CREATE TRIGGER audit_entries_no_mutation
					BEFORE UPDATE OR DELETE ON audit_entries
					FOR EACH ROW EXECUTE FUNCTION audit_entries_immutable();
			`,
			SQLite: `
				CREATE TABLE IF NOT EXISTS audit_entries (
					id INTEGER PRIMARY KEY AUTOINCREMENT,
					action TEXT NOT NULL,
					actor_id TEXT NOT NULL,
					group_id TEXT,
					target_type TEXT NOT NULL,
					target_id TEXT,
					changes TEXT,
					reason TEXT NOT NULL DEFAULT '',
					ip_address TEXT NOT NULL DEFAULT 'unknown',
					user_agent TEXT NOT NULL DEFAULT 'unknown',
					request_id TEXT NOT NULL DEFAULT '',
					created_at TIMESTAMP NOT NULL
				);

				CREATE INDEX IF NOT EXISTS idx_audit_entries_created_at ON audit_entries(created_at DESC);
				CREATE INDEX IF NOT EXISTS idx_audit_entries_action ON audit_entries(action);

				CREATE TRIGGER IF NOT EXISTS audit_entries_no_update BEFORE UPDATE ON audit_entries
				BEGIN
					SELECT RAISE(ABORT, 'audit entries are immutable');
				END;

				CREATE TRIGGER IF NOT EXISTS audit_entries_no_delete BEFORE DELETE ON audit_entries
				BEGIN
					SELECT RAISE(ABORT, 'audit entries are immutable');
				END;
			`,
		},
	}
}

// Migrate applies pending migrations for the DB's dialect, each in its own transaction.
// It returns the number of migrations applied.
func Migrate(ctx context.Context, db *DB) (int, error) {
	createTable := `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			description TEXT NOT NULL,
			applied_at TIMESTAMPTZ NOT NULL
		)
	`
	if db.Dialect() == DialectSQLite {
		createTable = `
			CREATE TABLE IF NOT EXISTS schema_migrations (
				version INTEGER PRIMARY KEY,
				description TEXT NOT NULL,
				applied_at TIMESTAMP NOT NULL
			)
		`
	}
	if _, err := db.ExecContext(ctx, createTable); err != nil {
		return 0, fmt.Errorf("failed to create migrations table: %w", err)
	}

	applied, err := appliedVersions(ctx, db)
	if err != nil {
		return 0, err
	}

	count := 0
	for _, migration := range GetMigrations() {
		if applied[migration.Version] {
			continue
		}

		err := db.WithTx(ctx, func(tx *sql.Tx) error {
			if _, err := tx.ExecContext(ctx, migration.SQL(db.Dialect())); err != nil {
				return fmt.Errorf("failed to execute migration %d: %w", migration.Version, err)
			}
			if _, err := tx.ExecContext(ctx,
				"INSERT INTO schema_migrations (version, description, applied_at) VALUES ($1, $2, $3)",
				migration.Version, migration.Description, time.Now().UTC(),
			); err != nil {
				return fmt.Errorf("failed to record migration %d: %w", migration.Version, err)
			}
			return nil
		})
		if err != nil {
			return count, err
		}
		count++
	}

	return count, nil
}

func appliedVersions(ctx context.Context, db *DB) (map[int]bool, error) {
	rows, err := db.QueryContext(ctx, "SELECT version FROM schema_migrations ORDER BY version")
	if err != nil {
		return nil, fmt.Errorf("failed to query migrations: %w", err)
	}
	defer rows.Close()

	versions := make(map[int]bool)
	for rows.Next() {
		var version int
		if err := rows.Scan(&version); err != nil {
			return nil, fmt.Errorf("failed to scan migration version: %w", err)
		}
		versions[version] = true
	}
	return versions, rows.Err()
}
