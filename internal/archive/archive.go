// Package archive keeps records that leave the active engine tables, such as
// dead-lettered operations and pruned conflict records, so nothing is lost
// silently.
package archive

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/kimhsiao/tourneysync/internal/db"
	apperrors "github.com/kimhsiao/tourneysync/internal/errors"
	"github.com/kimhsiao/tourneysync/internal/logging"
)

// Record kinds.
const (
	KindDeadLetter = "dead_letter"
	KindConflict   = "conflict"
)

// Record is one archived item.
type Record struct {
	ID         int64           `json:"id,omitempty"`
	Kind       string          `json:"kind"`
	Subject    string          `json:"subject"`
	Body       json.RawMessage `json:"body"`
	ArchivedAt time.Time       `json:"archived_at"`
}

// NewRecord encodes body as JSON.
func NewRecord(kind, subject string, body interface{}, at time.Time) (Record, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return Record{}, fmt.Errorf("failed to encode archive body: %w", err)
	}
	return Record{Kind: kind, Subject: subject, Body: data, ArchivedAt: at.UTC()}, nil
}

// Archiver stores records outside the active tables.
type Archiver interface {
	Archive(ctx context.Context, rec Record) error
}

// Store archives records into the local SQLite archive table.
type Store struct {
	db *db.DB
}

// NewStore creates a Store.
func NewStore(database *db.DB) *Store {
	return &Store{db: database}
}

// Archive implements Archiver.
func (s *Store) Archive(ctx context.Context, rec Record) error {
	return ArchiveTx(ctx, s.db, rec)
}

// ArchiveTx writes rec using exec so it can share a caller's transaction.
func ArchiveTx(ctx context.Context, exec db.Execer, rec Record) error {
	if rec.ArchivedAt.IsZero() {
		rec.ArchivedAt = time.Now().UTC()
	}
	_, err := exec.ExecContext(ctx,
		"INSERT INTO archive (kind, subject, body, archived_at) VALUES (?, ?, ?, ?)",
		rec.Kind, rec.Subject, string(rec.Body), db.Millis(rec.ArchivedAt))
	if err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "failed to archive record", err)
	}
	return nil
}

// List returns archived records of kind, newest first. An empty kind lists all.
func (s *Store) List(ctx context.Context, kind string, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, kind, subject, body, archived_at FROM archive
		WHERE (? = '' OR kind = ?)
		ORDER BY archived_at DESC, id DESC LIMIT ?`, kind, kind, limit)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to list archive", err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var (
			rec  Record
			body string
			at   int64
		)
		if err := rows.Scan(&rec.ID, &rec.Kind, &rec.Subject, &body, &at); err != nil {
			return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to scan archive record", err)
		}
		rec.Body = json.RawMessage(body)
		rec.ArchivedAt = db.FromMillis(at)
		records = append(records, rec)
	}
	return records, rows.Err()
}

// Tee fans a record out to several archivers. The first archiver is
// authoritative; failures of the others are logged and swallowed so an
// unreachable bucket never blocks local bookkeeping.
type Tee struct {
	primary   Archiver
	secondary []Archiver
}

// NewTee creates a Tee.
func NewTee(primary Archiver, secondary ...Archiver) *Tee {
	return &Tee{primary: primary, secondary: secondary}
}

// Archive implements Archiver.
func (t *Tee) Archive(ctx context.Context, rec Record) error {
	if err := t.primary.Archive(ctx, rec); err != nil {
		return err
	}
	for _, a := range t.secondary {
		if err := a.Archive(ctx, rec); err != nil {
			logging.Warn("secondary archive failed", map[string]interface{}{
				"kind":    rec.Kind,
				"subject": rec.Subject,
				"error":   err.Error(),
			})
		}
	}
	return nil
}
