// Package db tests for database connection management.
package db

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/kimhsiao/tourneysync/internal/models"
)

func openMemory(t *testing.T) *DB {
	t.Helper()
	d, err := OpenPath(MemoryDSN)
	if err != nil {
		t.Fatalf("OpenPath() failed: %v", err)
	}
	t.Cleanup(func() { d.Close() })
	return d
}

// TestOpen verifies database opening with proper configuration.
func TestOpen(t *testing.T) {
	tmpDir := t.TempDir()

	d, err := Open(tmpDir)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	defer d.Close()

	if _, err := os.Stat(filepath.Join(tmpDir, "tourneysync.db")); os.IsNotExist(err) {
		t.Error("Database file was not created")
	}

	var walMode string
	if err := d.QueryRow("PRAGMA journal_mode").Scan(&walMode); err != nil {
		t.Fatalf("Failed to check WAL mode: %v", err)
	}
	if walMode != "wal" {
		t.Errorf("WAL mode not enabled, got: %s", walMode)
	}

	var fkEnabled int
	if err := d.QueryRow("PRAGMA foreign_keys").Scan(&fkEnabled); err != nil {
		t.Fatalf("Failed to check foreign keys: %v", err)
	}
	if fkEnabled != 1 {
		t.Errorf("Foreign keys not enabled, got: %d", fkEnabled)
	}
}

// TestOpenAppliesSchema verifies every engine table exists after open.
func TestOpenAppliesSchema(t *testing.T) {
	d := openMemory(t)

	tables := []string{
		"cached_documents", "queue_operations", "acknowledged_ops", "dead_letters",
		"conflict_records", "device_sessions", "access_codes", "audit_log",
		"sync_cursors", "engine_state", "archive",
	}
	for _, table := range tables {
		var name string
		err := d.QueryRow("SELECT name FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&name)
		if err != nil {
			t.Errorf("table %s missing: %v", table, err)
		}
	}
}

// TestReopenIsIdempotent verifies migrations are not reapplied.
func TestReopenIsIdempotent(t *testing.T) {
	tmpDir := t.TempDir()
	for i := 0; i < 2; i++ {
		d, err := Open(tmpDir)
		if err != nil {
			t.Fatalf("Open() #%d failed: %v", i, err)
		}
		d.Close()
	}
}

// TestWithTxRollsBack verifies a failing callback leaves no writes behind.
func TestWithTxRollsBack(t *testing.T) {
	d := openMemory(t)
	ctx := context.Background()
	boom := errors.New("boom")

	err := d.WithTx(ctx, func(tx *sql.Tx) error {
		if err := SetState(ctx, tx, "k", "v"); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("WithTx() error = %v, want boom", err)
	}

	got, err := GetState(ctx, d, "k")
	if err != nil {
		t.Fatalf("GetState() failed: %v", err)
	}
	if got != "" {
		t.Errorf("state after rollback = %q, want empty", got)
	}
}

// TestWithTxCommits verifies a successful callback is persisted.
func TestWithTxCommits(t *testing.T) {
	d := openMemory(t)
	ctx := context.Background()

	if err := d.WithTx(ctx, func(tx *sql.Tx) error {
		return SetState(ctx, tx, "last_sync", "123")
	}); err != nil {
		t.Fatalf("WithTx() failed: %v", err)
	}

	got, _ := GetState(ctx, d, "last_sync")
	if got != "123" {
		t.Errorf("state = %q, want 123", got)
	}

	if err := SetState(ctx, d, "last_sync", ""); err != nil {
		t.Fatalf("SetState() delete failed: %v", err)
	}
	got, _ = GetState(ctx, d, "last_sync")
	if got != "" {
		t.Errorf("state after delete = %q, want empty", got)
	}
}

// TestAuditRoundTrip verifies audit entries are written and listed newest first.
func TestAuditRoundTrip(t *testing.T) {
	d := openMemory(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	first := &models.AuditEntry{Action: models.AuditConflictResolved, Subject: "matches/m1", CreatedAt: base,
		Detail: map[string]interface{}{"strategy": "keep_local"}}
	second := &models.AuditEntry{Action: models.AuditPermissionDenied, Subject: "matches/m2", CreatedAt: base.Add(time.Minute)}
	for _, e := range []*models.AuditEntry{first, second} {
		if err := InsertAudit(ctx, d, e); err != nil {
			t.Fatalf("InsertAudit() failed: %v", err)
		}
	}
	if first.ID == "" {
		t.Error("InsertAudit should assign an ID")
	}

	entries, err := ListAudit(ctx, d, 10)
	if err != nil {
		t.Fatalf("ListAudit() failed: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("entries = %d, want 2", len(entries))
	}
	if entries[0].Action != models.AuditPermissionDenied {
		t.Errorf("entries[0].Action = %s, want newest first", entries[0].Action)
	}
	if entries[1].Detail["strategy"] != "keep_local" {
		t.Errorf("detail = %v", entries[1].Detail)
	}
}

// TestMillisRoundTrip verifies the zero time maps to 0 and back.
func TestMillisRoundTrip(t *testing.T) {
	if Millis(time.Time{}) != 0 || !FromMillis(0).IsZero() {
		t.Error("zero time should map to 0")
	}
	now := time.Date(2026, 5, 4, 3, 2, 1, 5e6, time.UTC)
	if got := FromMillis(Millis(now)); !got.Equal(now) {
		t.Errorf("round trip = %v, want %v", got, now)
	}
	if FromNullMillis(NullMillis(nil)) != nil {
		t.Error("nil time should stay nil")
	}
}
