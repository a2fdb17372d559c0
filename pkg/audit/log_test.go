package audit

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/circles/pkg/apperrors"
	"github.com/platinummonkey/circles/pkg/contextkeys"
	"github.com/platinummonkey/circles/pkg/storage"
	"github.com/platinummonkey/circles/pkg/storage/storetest"
)

func appendEntry(t *testing.T, l *Log, e *Entry) *Entry {
	t.Helper()
	out, err := l.Append(context.Background(), l.db, e)
	require.NoError(t, err)
	return out
}

func seedEntries(t *testing.T, l *Log) {
	t.Helper()
	day1 := storetest.Epoch
	day2 := storetest.Epoch.Add(24 * time.Hour)

	appendEntry(t, l, &Entry{Action: ActionGroupCreated, ActorID: "root", GroupID: "g1", TargetType: TargetGroup, TargetID: "g1", CreatedAt: day1})
	appendEntry(t, l, &Entry{Action: ActionMemberJoined, ActorID: "carol", GroupID: "g1", TargetType: TargetMembership, TargetID: "carol", CreatedAt: day1.Add(time.Hour)})
	appendEntry(t, l, &Entry{Action: ActionRoleChanged, ActorID: "alice", GroupID: "g1", TargetType: TargetMembership, TargetID: "carol", Changes: RoleChange("member", "admin"), CreatedAt: day2})
	appendEntry(t, l, &Entry{Action: ActionGroupCreated, ActorID: "root", GroupID: "g2", TargetType: TargetGroup, TargetID: "g2", CreatedAt: day2.Add(time.Hour)})
}

func TestLog_Append(t *testing.T) {
	l := NewLog(storetest.NewDB(t), nil)

	entry := appendEntry(t, l, RequestInfo{IPAddress: "10.0.0.1", RequestID: "req-1"}.Apply(&Entry{
		Action:     ActionRoleChanged,
		ActorID:    "alice",
		GroupID:    "g1",
		TargetType: TargetMembership,
		TargetID:   "bob",
		Changes:    RoleChange("admin", "member"),
		Reason:     "stepping down",
	}))

	assert.NotZero(t, entry.ID)
	assert.False(t, entry.CreatedAt.IsZero())
	assert.Equal(t, Unknown, entry.UserAgent)

	entries, total, err := l.Query(context.Background(), Filter{})
	require.NoError(t, err)
	require.Equal(t, int64(1), total)

	got := entries[0]
	assert.Equal(t, entry.ID, got.ID)
	assert.Equal(t, "10.0.0.1", got.IPAddress)
	assert.Equal(t, "req-1", got.RequestID)
	assert.Equal(t, "stepping down", got.Reason)
	require.NotNil(t, got.Changes)
	assert.Equal(t, "admin", got.Changes.Before["role"])
	assert.Equal(t, "member", got.Changes.After["role"])
}

func TestLog_AppendValidation(t *testing.T) {
	l := NewLog(storetest.NewDB(t), nil)

	_, err := l.Append(context.Background(), l.db, &Entry{Action: "deleted_everything", ActorID: "x"})
	assert.True(t, apperrors.IsValidation(err))

	_, err = l.Append(context.Background(), l.db, &Entry{Action: ActionGroupCreated})
	assert.True(t, apperrors.IsValidation(err))
}

func TestLog_AppendRollsBackWithTransaction(t *testing.T) {
	db := storetest.NewDB(t)
	l := NewLog(db, nil)
	boom := errors.New("mutation failed")

	err := db.WithTx(context.Background(), func(tx *sql.Tx) error {
		if _, err := l.Append(context.Background(), tx, &Entry{Action: ActionGroupCreated, ActorID: "root", TargetType: TargetGroup}); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)
	assert.Equal(t, 0, storetest.Count(t, db, "SELECT COUNT(*) FROM audit_entries"))
}

func TestLog_AppendStorageFailure(t *testing.T) {
	raw, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer raw.Close()

	l := NewLog(storage.New(raw, storage.DialectPostgres), nil)
	mock.ExpectQuery("INSERT INTO audit_entries").WillReturnError(errors.New("disk full"))

	_, err = l.Append(context.Background(), raw, &Entry{Action: ActionGroupCreated, ActorID: "root", TargetType: TargetGroup})
	assert.True(t, apperrors.IsStorage(err))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLog_QueryFilters(t *testing.T) {
	l := NewLog(storetest.NewDB(t), nil)
	seedEntries(t, l)
	ctx := context.Background()

	t.Run("newest first", func(t *testing.T) {
		entries, total, err := l.Query(ctx, Filter{})
		require.NoError(t, err)
		assert.Equal(t, int64(4), total)
		require.Len(t, entries, 4)
		assert.Equal(t, "g2", entries[0].GroupID)
		assert.True(t, entries[0].CreatedAt.After(entries[3].CreatedAt))
	})

	t.Run("by action", func(t *testing.T) {
		entries, total, err := l.Query(ctx, Filter{Action: ActionGroupCreated})
		require.NoError(t, err)
		assert.Equal(t, int64(2), total)
		assert.Len(t, entries, 2)
	})

	t.Run("by group and target type", func(t *testing.T) {
		entries, _, err := l.Query(ctx, Filter{GroupID: "g1", TargetType: TargetMembership})
		require.NoError(t, err)
		require.Len(t, entries, 2)
		assert.Equal(t, ActionRoleChanged, entries[0].Action)
	})

	t.Run("by actor", func(t *testing.T) {
		_, total, err := l.Query(ctx, Filter{ActorID: "carol"})
		require.NoError(t, err)
		assert.Equal(t, int64(1), total)
	})

	t.Run("date range", func(t *testing.T) {
		start := storetest.Epoch.Add(12 * time.Hour)
		_, total, err := l.Query(ctx, Filter{StartTime: &start})
		require.NoError(t, err)
		assert.Equal(t, int64(2), total)
	})

	t.Run("pagination keeps total", func(t *testing.T) {
		entries, total, err := l.Query(ctx, Filter{Limit: 3, Offset: 3})
		require.NoError(t, err)
		assert.Equal(t, int64(4), total)
		require.Len(t, entries, 1)
		assert.Equal(t, ActionGroupCreated, entries[0].Action)
		assert.Equal(t, "g1", entries[0].GroupID)
	})
}

func TestLog_Stats(t *testing.T) {
	l := NewLog(storetest.NewDB(t), nil)
	seedEntries(t, l)

	stats, err := l.Stats(context.Background(), Filter{})
	require.NoError(t, err)
	assert.Equal(t, int64(4), stats.Total)
	assert.Equal(t, int64(2), stats.ByAction[ActionGroupCreated])
	assert.Equal(t, int64(1), stats.ByAction[ActionRoleChanged])
	assert.Equal(t, map[string]int64{"2026-03-14": 2, "2026-03-15": 2}, stats.ByDay)
	assert.Nil(t, stats.Range)
}

func TestLog_EntriesAreImmutable(t *testing.T) {
	db := storetest.NewDB(t)
	l := NewLog(db, nil)
	entry := appendEntry(t, l, &Entry{Action: ActionGroupCreated, ActorID: "root", TargetType: TargetGroup})

	_, err := db.ExecContext(context.Background(), "UPDATE audit_entries SET reason = 'edited' WHERE id = $1", entry.ID)
	assert.Error(t, err)
	_, err = db.ExecContext(context.Background(), "DELETE FROM audit_entries WHERE id = $1", entry.ID)
	assert.Error(t, err)
}

func TestRequestInfoFromContext(t *testing.T) {
	info := RequestInfoFromContext(context.Background())
	assert.Equal(t, Unknown, info.IPAddress)
	assert.Equal(t, Unknown, info.UserAgent)

	ctx := contextkeys.WithClient(context.Background(), "192.0.2.7", "curl/8.0")
	ctx = contextkeys.WithRequestID(ctx, "req-9")
	info = RequestInfoFromContext(ctx)
	assert.Equal(t, RequestInfo{IPAddress: "192.0.2.7", UserAgent: "curl/8.0", RequestID: "req-9"}, info)
}
