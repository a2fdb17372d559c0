package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	_ "github.com/lib/pq"           // PostgreSQL driver
	_ "github.com/mattn/go-sqlite3" // SQLite driver

	"github.com/platinummonkey/circles/pkg/observability"
)

// Querier is the subset of *sql.DB and *sql.Tx used by the services. Passing a *sql.Tx
// keeps every statement of an operation inside one transaction.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// DB manages the primary connection (writes, transactions) and optional read replicas
type DB struct {
	primary  *sql.DB
	replicas []*sql.DB
	current  uint32 // round-robin cursor
	mu       sync.RWMutex
	dialect  Dialect
}

// New wraps existing handles. Used by tests and by Open.
func New(primary *sql.DB, dialect Dialect, replicas ...*sql.DB) *DB {
	return &DB{
		primary:  primary,
		replicas: replicas,
		dialect:  dialect,
	}
}

// Open connects to the primary and every reachable replica. Unreachable replicas are
// logged and skipped.
func Open(ctx context.Context, cfg Config, logger *observability.Logger) (*DB, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("database URL is required")
	}

	primaryURL := cfg.URL
	if cfg.Driver == DialectSQLite {
		primaryURL = SQLiteDSN(primaryURL)
	}

	primary, err := openPool(ctx, cfg, primaryURL, cfg.MaxConns)
	if err != nil {
		return nil, fmt.Errorf("failed to open primary connection: %w", err)
	}

	db := New(primary, cfg.Driver)

	if cfg.Driver == DialectSQLite {
		// replicas make no sense for an embedded database
		return db, nil
	}

	replicaMaxConns := cfg.MaxConns / 2
	if replicaMaxConns < 2 {
		replicaMaxConns = 2
	}
	for i, replicaURL := range cfg.ReplicaURLs {
		replica, err := openPool(ctx, cfg, replicaURL, replicaMaxConns)
		if err != nil {
			if logger != nil {
				logger.WithError(err).WithField("replica", i).Warn("Skipping unreachable replica")
			}
			continue
		}
		db.replicas = append(db.replicas, replica)
	}

	if logger != nil {
		logger.WithFields(map[string]interface{}{
			"driver":   string(cfg.Driver),
			"replicas": len(db.replicas),
		}).Info("Database connections initialized")
	}

	return db, nil
}

func openPool(ctx context.Context, cfg Config, url string, maxConns int) (*sql.DB, error) {
	pool, err := sql.Open(string(cfg.Driver), url)
	if err != nil {
		return nil, err
	}

	if maxConns > 0 {
		pool.SetMaxOpenConns(maxConns)
	}
	if cfg.MinConns > 0 {
		pool.SetMaxIdleConns(cfg.MinConns)
	}
	pool.SetConnMaxLifetime(cfg.MaxLifetime)
	pool.SetConnMaxIdleTime(cfg.MaxIdleTime)

	pingCtx := ctx
	if cfg.Timeout > 0 {
		var cancel context.CancelFunc
		pingCtx, cancel = context.WithTimeout(ctx, cfg.Timeout)
		defer cancel()
	}

	if err := pool.PingContext(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return pool, nil
}

// Dialect returns the SQL dialect of the primary
func (d *DB) Dialect() Dialect {
	return d.dialect
}

// Primary returns the primary database connection (for writes)
func (d *DB) Primary() *sql.DB {
	return d.primary
}

// Reader returns a read replica using round-robin selection.
// Falls back to the primary when no replicas are configured.
func (d *DB) Reader() Querier {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if len(d.replicas) == 0 {
		return d.primary
	}

	index := atomic.AddUint32(&d.current, 1)
	return d.replicas[int(index%uint32(len(d.replicas)))]
}

// ExecContext runs on the primary
func (d *DB) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return d.primary.ExecContext(ctx, query, args...)
}

// QueryContext runs on the primary
func (d *DB) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return d.primary.QueryContext(ctx, query, args...)
}

// QueryRowContext runs on the primary
func (d *DB) QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row {
	return d.primary.QueryRowContext(ctx, query, args...)
}

// WithTx runs fn inside a transaction on the primary. The transaction commits only when
// fn returns nil; any error, panic or context cancellation rolls it back. Errors returned
// by fn are passed through untouched so typed domain errors survive.
func (d *DB) WithTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := d.primary.BeginTx(ctx, nil)
	if err != nil {
		return Classify("begin transaction", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return Classify("commit transaction", err)
	}
	return nil
}

// HealthCheck pings the primary and every replica. Losing some replicas is tolerated,
// losing all of them is reported.
func (d *DB) HealthCheck(ctx context.Context) error {
	if err := d.primary.PingContext(ctx); err != nil {
		return fmt.Errorf("primary unhealthy: %w", err)
	}

	d.mu.RLock()
	replicas := make([]*sql.DB, len(d.replicas))
	copy(replicas, d.replicas)
	d.mu.RUnlock()

	var unhealthy []string
	for i, replica := range replicas {
		if err := replica.PingContext(ctx); err != nil {
			unhealthy = append(unhealthy, fmt.Sprintf("replica-%d", i))
		}
	}

	if len(unhealthy) > 0 && len(unhealthy) == len(replicas) {
		return fmt.Errorf("all replicas unhealthy: %s", strings.Join(unhealthy, ", "))
	}

	return nil
}

// Close closes all database connections
func (d *DB) Close() error {
	var errs []string

	if err := d.primary.Close(); err != nil {
		errs = append(errs, fmt.Sprintf("primary: %v", err))
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	for i, replica := range d.replicas {
		if err := replica.Close(); err != nil {
			errs = append(errs, fmt.Sprintf("replica-%d: %v", i, err))
		}
	}
	d.replicas = nil

	if len(errs) > 0 {
		return fmt.Errorf("failed to close connections: %s", strings.Join(errs, "; "))
	}
	return nil
}
