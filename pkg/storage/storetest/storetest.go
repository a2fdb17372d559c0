// Package storetest provides SQLite-backed databases and seed helpers for tests.
package storetest

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/circles/pkg/storage"
)

// NewDB opens a migrated SQLite database in a temp dir. A file (not :memory:) is used so
// every pooled connection sees the same data; writers are serialized with BEGIN IMMEDIATE.
func NewDB(t testing.TB) *storage.DB {
	t.Helper()

	path := filepath.Join(t.TempDir(), "circles.db")
	raw, err := sql.Open("sqlite3", storage.SQLiteDSN("file:"+path))
	require.NoError(t, err)
	t.Cleanup(func() { raw.Close() })

	db := storage.New(raw, storage.DialectSQLite)
	_, err = storage.Migrate(context.Background(), db)
	require.NoError(t, err)

	return db
}

// Epoch is a fixed reference time for deterministic tests
var Epoch = time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)

// SeedActor inserts an actor row
func SeedActor(t testing.TB, db storage.Querier, id string, platformAdmin bool) {
	t.Helper()
	_, err := db.ExecContext(context.Background(),
		`INSERT INTO actors (id, display_name, is_platform_admin, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		id, id, platformAdmin, Epoch, Epoch,
	)
	require.NoError(t, err)
}

// SeedGroup inserts a group row without any membership
func SeedGroup(t testing.TB, db storage.Querier, id, name, createdBy string) {
	t.Helper()
	_, err := db.ExecContext(context.Background(),
		`INSERT INTO review_groups (id, name, description, created_by, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		id, name, "", createdBy, Epoch, Epoch,
	)
	require.NoError(t, err)
}

// SeedMembership inserts a membership row with the given role
func SeedMembership(t testing.TB, db storage.Querier, groupID, actorID, role string) {
	t.Helper()
	_, err := db.ExecContext(context.Background(),
		`INSERT INTO memberships (group_id, actor_id, role, joined_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		groupID, actorID, role, Epoch, Epoch,
	)
	require.NoError(t, err)
}

// SeedInvite inserts an invite code row
func SeedInvite(t testing.TB, db storage.Querier, id, code, groupID string, maxUses, currentUses int, active bool, expiresAt time.Time) {
	t.Helper()
	_, err := db.ExecContext(context.Background(),
		`INSERT INTO invite_codes (id, code, group_id, max_uses, current_uses, is_active, expires_at, created_by, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		id, code, groupID, maxUses, currentUses, active, expiresAt, "seed", Epoch,
	)
	require.NoError(t, err)
}

// Count returns the result of a SELECT COUNT(*) query
func Count(t testing.TB, db storage.Querier, query string, args ...any) int {
	t.Helper()
	var n int
	require.NoError(t, db.QueryRowContext(context.Background(), query, args...).Scan(&n))
	return n
}
