package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/platinummonkey/circles/pkg/apperrors"
	"github.com/platinummonkey/circles/pkg/observability"
	"github.com/platinummonkey/circles/pkg/storage"
)

// Appender writes an entry inside the caller's transaction. It never opens a transaction
// of its own, so a failed append aborts the mutation it describes.
type Appender interface {
	Append(ctx context.Context, q storage.Querier, entry *Entry) (*Entry, error)
}

// AppenderFunc adapts a function to Appender
type AppenderFunc func(ctx context.Context, q storage.Querier, entry *Entry) (*Entry, error)

// Append calls f
func (f AppenderFunc) Append(ctx context.Context, q storage.Querier, entry *Entry) (*Entry, error) {
	return f(ctx, q, entry)
}

// Log is the database-backed audit log
type Log struct {
	db      *storage.DB
	metrics *observability.Metrics
	now     func() time.Time
}

// NewLog creates a new audit log over db. metrics may be nil.
func NewLog(db *storage.DB, metrics *observability.Metrics) *Log {
	return &Log{
		db:      db,
		metrics: metrics,
		now:     time.Now,
	}
}

// Append inserts entry using q and fills in its id and timestamp
func (l *Log) Append(ctx context.Context, q storage.Querier, entry *Entry) (*Entry, error) {
	if !entry.Action.Valid() {
		return nil, apperrors.NewValidation("action", fmt.Sprintf("unknown audit action %q", entry.Action))
	}
	if entry.ActorID == "" {
		return nil, apperrors.NewValidation("actor_id", "audit entries require an actor")
	}

	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = l.now()
	}
	entry.CreatedAt = entry.CreatedAt.UTC()
	if entry.IPAddress == "" {
		entry.IPAddress = Unknown
	}
	if entry.UserAgent == "" {
		entry.UserAgent = Unknown
	}

	var changesJSON sql.NullString
	if entry.Changes != nil {
		data, err := json.Marshal(entry.Changes)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal changes: %w", err)
		}
		changesJSON = sql.NullString{String: string(data), Valid: true}
	}

	query := `
		INSERT INTO audit_entries (
			action, actor_id, group_id, target_type, target_id,
			changes, reason, ip_address, user_agent, request_id, created_at
		) VALUES (
			$1, $2, $3, $4, $5,
			$6, $7, $8, $9, $10, $11
		) RETURNING id
	`

	err := q.QueryRowContext(ctx, query,
		string(entry.Action), entry.ActorID, nullable(entry.GroupID), string(entry.TargetType), nullable(entry.TargetID),
		changesJSON, entry.Reason, entry.IPAddress, entry.UserAgent, entry.RequestID, entry.CreatedAt,
	).Scan(&entry.ID)
	if err != nil {
		return nil, storage.Classify("append audit entry", err)
	}

	l.metrics.RecordAuditEntry(string(entry.Action))
	return entry, nil
}

// Query returns entries matching filter, newest first, and the total match count
func (l *Log) Query(ctx context.Context, filter Filter) ([]*Entry, int64, error) {
	filter = clampPage(filter)

	type page struct {
		entries []*Entry
		total   int64
	}
	p, err := storage.RetryRead(ctx, func() (page, error) {
		q := l.db.Reader()
		where, args := buildWhere(filter)

		var total int64
		if err := q.QueryRowContext(ctx, "SELECT COUNT(*) FROM audit_entries"+where, args...).Scan(&total); err != nil {
			return page{}, storage.Classify("count audit entries", err)
		}

		entries, err := l.list(ctx, q, filter, false)
		if err != nil {
			return page{}, err
		}
		return page{entries: entries, total: total}, nil
	})
	if err != nil {
		return nil, 0, err
	}
	return p.entries, p.total, nil
}

// Stats aggregates matching entries by action and by UTC day
func (l *Log) Stats(ctx context.Context, filter Filter) (*Stats, error) {
	return storage.RetryRead(ctx, func() (*Stats, error) {
		q := l.db.Reader()
		where, args := buildWhere(filter)

		stats := &Stats{
			ByAction: make(map[Action]int64),
			ByDay:    make(map[string]int64),
		}
		if filter.StartTime != nil || filter.EndTime != nil {
			stats.Range = &TimeRange{Start: filter.StartTime, End: filter.EndTime}
		}

		err := q.QueryRowContext(ctx, "SELECT COUNT(*) FROM audit_entries"+where, args...).Scan(&stats.Total)
		if err != nil {
			return nil, storage.Classify("count audit entries", err)
		}

		err = scanCounts(ctx, q, "SELECT action, COUNT(*) FROM audit_entries"+where+" GROUP BY action", args, func(key string, n int64) {
			stats.ByAction[Action(key)] = n
		})
		if err != nil {
			return nil, err
		}

		day := l.db.Dialect().DayBucket("created_at")
		err = scanCounts(ctx, q, fmt.Sprintf("SELECT %s AS day, COUNT(*) FROM audit_entries%s GROUP BY day", day, where), args, func(key string, n int64) {
			stats.ByDay[key] = n
		})
		if err != nil {
			return nil, err
		}

		return stats, nil
	})
}

func scanCounts(ctx context.Context, q storage.Querier, query string, args []any, fn func(string, int64)) error {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return storage.Classify("aggregate audit entries", err)
	}
	defer rows.Close()

	for rows.Next() {
		var key string
		var n int64
		if err := rows.Scan(&key, &n); err != nil {
			return storage.Classify("aggregate audit entries", err)
		}
		fn(key, n)
	}
	return storage.Classify("aggregate audit entries", rows.Err())
}

// list reads one page of entries. ascending is used by the archiver.
func (l *Log) list(ctx context.Context, q storage.Querier, filter Filter, ascending bool) ([]*Entry, error) {
	where, args := buildWhere(filter)

	order := "DESC"
	if ascending {
		order = "ASC"
	}
	query := fmt.Sprintf(`
		SELECT id, action, actor_id, group_id, target_type, target_id,
			changes, reason, ip_address, user_agent, request_id, created_at
		FROM audit_entries%s
		ORDER BY created_at %s, id %s
		LIMIT $%d OFFSET $%d
	`, where, order, order, len(args)+1, len(args)+2)
	args = append(args, filter.Limit, filter.Offset)

	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storage.Classify("query audit entries", err)
	}
	defer rows.Close()

	entries := make([]*Entry, 0)
	for rows.Next() {
		var e Entry
		var action, targetType string
		var groupID, targetID, changesJSON sql.NullString

		err := rows.Scan(
			&e.ID, &action, &e.ActorID, &groupID, &targetType, &targetID,
			&changesJSON, &e.Reason, &e.IPAddress, &e.UserAgent, &e.RequestID, &e.CreatedAt,
		)
		if err != nil {
			return nil, storage.Classify("scan audit entry", err)
		}

		e.Action = Action(action)
		e.TargetType = TargetType(targetType)
		e.GroupID = groupID.String
		e.TargetID = targetID.String
		e.CreatedAt = e.CreatedAt.UTC()

		if changesJSON.Valid && changesJSON.String != "" {
			e.Changes = &Changes{}
			if err := json.Unmarshal([]byte(changesJSON.String), e.Changes); err != nil {
				return nil, fmt.Errorf("failed to unmarshal changes of entry %d: %w", e.ID, err)
			}
		}

		entries = append(entries, &e)
	}

	if err := rows.Err(); err != nil {
		return nil, storage.Classify("iterate audit entries", err)
	}
	return entries, nil
}

// buildWhere renders filter as a WHERE clause with $N placeholders
func buildWhere(filter Filter) (string, []any) {
	var clauses []string
	var args []any

	add := func(clause string, arg any) {
		args = append(args, arg)
		clauses = append(clauses, fmt.Sprintf(clause, len(args)))
	}

	if filter.Action != "" {
		add("action = $%d", string(filter.Action))
	}
	if filter.ActorID != "" {
		add("actor_id = $%d", filter.ActorID)
	}
	if filter.GroupID != "" {
		add("group_id = $%d", filter.GroupID)
	}
	if filter.TargetType != "" {
		add("target_type = $%d", string(filter.TargetType))
	}
	if filter.StartTime != nil {
		add("created_at >= $%d", filter.StartTime.UTC())
	}
	if filter.EndTime != nil {
		add("created_at < $%d", filter.EndTime.UTC())
	}

	if len(clauses) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

func clampPage(filter Filter) Filter {
	if filter.Limit <= 0 {
		filter.Limit = DefaultLimit
	}
	if filter.Limit > MaxLimit {
		filter.Limit = MaxLimit
	}
	if filter.Offset < 0 {
		filter.Offset = 0
	}
	return filter
}

func nullable(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
