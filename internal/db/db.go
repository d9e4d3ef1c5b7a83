// Package db provides the on-device SQLite store shared by the local cache,
// sync queue, conflict records and session state.
package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	apperrors "github.com/kimhsiao/tourneysync/internal/errors"
	"github.com/kimhsiao/tourneysync/internal/ids"
	"github.com/kimhsiao/tourneysync/internal/models"
)

// MemoryDSN opens a private in-memory database.
const MemoryDSN = ":memory:"

// DB wraps the sql.DB with engine-specific configuration.
type DB struct {
	*sql.DB
}

// Execer is satisfied by both *sql.DB and *sql.Tx, so store helpers can run
// standalone or inside a caller's transaction.
type Execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// Open opens the engine database in dataDir and applies migrations.
func Open(dataDir string) (*DB, error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	return OpenPath(filepath.Join(dataDir, "tourneysync.db"))
}

// OpenPath opens a database at path (or MemoryDSN) and applies migrations.
// The database is opened with:
// - a single connection, which serializes writers and keeps :memory: coherent
// - WAL mode for file databases
// - foreign key constraints enabled
func OpenPath(path string) (*DB, error) {
	// modernc.org/sqlite is pure Go, no CGO
	sqlDB, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	sqlDB.SetMaxOpenConns(1)
	sqlDB.SetMaxIdleConns(1)
	sqlDB.SetConnMaxLifetime(0)

	if path != MemoryDSN {
		if _, err := sqlDB.Exec("PRAGMA journal_mode=WAL;"); err != nil {
			sqlDB.Close()
			return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
		}
	}
	if _, err := sqlDB.Exec("PRAGMA foreign_keys=ON;"); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}
	if _, err := sqlDB.Exec("PRAGMA busy_timeout=5000;"); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}

	if err := NewMigrator(sqlDB, EmbeddedMigrations()).Up(); err != nil {
		sqlDB.Close()
		return nil, apperrors.Wrap(apperrors.ErrMigration, "schema migration failed", err)
	}

	return &DB{sqlDB}, nil
}

// Close closes the database connection.
func (db *DB) Close() error {
	return db.DB.Close()
}

// WithTx runs fn inside a transaction. The transaction commits when fn
// returns nil and rolls back otherwise, so callers get all-or-nothing writes.
func (db *DB) WithTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "failed to begin transaction", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "failed to commit transaction", err)
	}
	return nil
}

// Millis converts t to unix milliseconds for storage.
func Millis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

// FromMillis converts stored unix milliseconds back to UTC time.
func FromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

// NullMillis converts an optional time for storage.
func NullMillis(t *time.Time) sql.NullInt64 {
	if t == nil || t.IsZero() {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixMilli(), Valid: true}
}

// FromNullMillis converts an optional stored time.
func FromNullMillis(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := FromMillis(v.Int64)
	return &t
}

// InsertAudit appends an audit entry using exec.
func InsertAudit(ctx context.Context, exec Execer, entry *models.AuditEntry) error {
	if entry.ID == "" {
		entry.ID = ids.NewAuditID()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	var detail sql.NullString
	if len(entry.Detail) > 0 {
		data, err := json.Marshal(entry.Detail)
		if err != nil {
			return fmt.Errorf("failed to marshal audit detail: %w", err)
		}
		detail = sql.NullString{String: string(data), Valid: true}
	}
	_, err := exec.ExecContext(ctx, `
		INSERT INTO audit_log (id, action, session_id, subject, detail, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		entry.ID, string(entry.Action), entry.SessionID, entry.Subject, detail, Millis(entry.CreatedAt))
	if err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "failed to write audit entry", err)
	}
	return nil
}

// ListAudit returns the most recent audit entries, newest first.
func ListAudit(ctx context.Context, exec Execer, limit int) ([]*models.AuditEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := exec.QueryContext(ctx, `
		SELECT id, action, session_id, subject, detail, created_at
		FROM audit_log ORDER BY created_at DESC, id LIMIT ?`, limit)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to list audit log", err)
	}
	defer rows.Close()

	var entries []*models.AuditEntry
	for rows.Next() {
		var (
			e         models.AuditEntry
			action    string
			detail    sql.NullString
			createdAt int64
		)
		if err := rows.Scan(&e.ID, &action, &e.SessionID, &e.Subject, &detail, &createdAt); err != nil {
			return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to scan audit entry", err)
		}
		e.Action = models.AuditAction(action)
		e.CreatedAt = FromMillis(createdAt)
		if detail.Valid {
			if err := json.Unmarshal([]byte(detail.String), &e.Detail); err != nil {
				return nil, fmt.Errorf("failed to unmarshal audit detail: %w", err)
			}
		}
		entries = append(entries, &e)
	}
	return entries, rows.Err()
}

// GetState reads a key from the engine_state table. Missing keys return "".
func GetState(ctx context.Context, exec Execer, key string) (string, error) {
	var value string
	err := exec.QueryRowContext(ctx, "SELECT value FROM engine_state WHERE key = ?", key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", apperrors.Wrap(apperrors.ErrDatabase, "failed to read engine state", err)
	}
	return value, nil
}

// SetState writes a key to the engine_state table. An empty value deletes it.
func SetState(ctx context.Context, exec Execer, key, value string) error {
	var err error
	if value == "" {
		_, err = exec.ExecContext(ctx, "DELETE FROM engine_state WHERE key = ?", key)
	} else {
		_, err = exec.ExecContext(ctx, `
			INSERT INTO engine_state (key, value) VALUES (?, ?)
			ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value)
	}
	if err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "failed to write engine state", err)
	}
	return nil
}
