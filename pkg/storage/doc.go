// Package storage provides the relational persistence layer for groups, memberships,
// invite codes and audit entries.
//
// # Overview
//
// Two dialects are supported behind one database/sql handle:
//
//   - postgres (github.com/lib/pq): production, with optional read replicas
//   - sqlite3 (github.com/mattn/go-sqlite3): single-node deployments and tests
//
// Queries are written once with $N placeholders; both drivers accept them. Timestamps are
// always passed in from the caller (UTC) rather than produced with NOW(), so the same SQL
// runs on either dialect and tests can control the clock.
//
// # Transactions
//
// Every mutating service operation runs inside DB.WithTx. The callback receives a *sql.Tx,
// which satisfies Querier, and passes it to every read and write of the operation, including
// the audit append. Returning an error from the callback rolls the whole unit back.
//
//	err := db.WithTx(ctx, func(tx *sql.Tx) error {
//		if _, err := tx.ExecContext(ctx, `UPDATE ...`, ...); err != nil {
//			return storage.Classify("update membership", err)
//		}
//		_, err := auditLog.Append(ctx, tx, entry)
//		return err
//	})
//
// SQLite transactions are opened with BEGIN IMMEDIATE, which serializes writers the same
// way the Postgres row locks do. Open passes SQLite DSNs through SQLiteDSN, which adds
// _txlock=immediate, a busy timeout and _foreign_keys=1 unless the DSN already sets them.
//
// # Errors
//
// Classify converts driver errors into *apperrors.StorageError, marking serialization
// failures, deadlocks, busy databases and connection loss as retryable. IsUniqueViolation
// lets callers turn constraint races into business conflicts.
//
// # Migrations
//
// Migrate applies the versioned schema for the configured dialect and records each applied
// version in schema_migrations.
package storage
