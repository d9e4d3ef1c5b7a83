package conflict

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/kimhsiao/tourneysync/internal/archive"
	"github.com/kimhsiao/tourneysync/internal/clock"
	"github.com/kimhsiao/tourneysync/internal/db"
	apperrors "github.com/kimhsiao/tourneysync/internal/errors"
	"github.com/kimhsiao/tourneysync/internal/logging"
	"github.com/kimhsiao/tourneysync/internal/models"
)

const recordColumns = `conflict_id, collection, document_id, op_id, type, severity, local_version, remote_version,
	local_payload, remote_payload, base_payload, changed_fields, involved_device_ids, risk, detected_at,
	resolved, resolution, resolved_by, resolved_at`

// Store persists conflict records. Records are never deleted except by
// PruneResolved, which archives them first.
type Store struct {
	db       *db.DB
	clock    clock.Clock
	archiver archive.Archiver
	log      *logging.Logger
}

// NewStore creates a Store archiving pruned records into the database.
func NewStore(database *db.DB, clk clock.Clock) *Store {
	if clk == nil {
		clk = clock.Real()
	}
	return &Store{
		db:       database,
		clock:    clk,
		archiver: archive.NewStore(database),
		log:      logging.Get().With(map[string]interface{}{"component": "conflicts"}),
	}
}

// SetArchiver replaces where pruned records are archived.
func (s *Store) SetArchiver(a archive.Archiver) {
	s.archiver = a
}

// InsertTx stores a new unresolved record.
func (s *Store) InsertTx(ctx context.Context, exec db.Execer, rec *models.ConflictRecord) error {
	_, err := exec.ExecContext(ctx, `
		INSERT INTO conflict_records (`+recordColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ConflictID, rec.Collection, rec.DocumentID, rec.OpID, string(rec.Type), string(rec.Severity),
		rec.LocalVersion, rec.RemoteVersion, rec.LocalPayload, rec.RemotePayload, rec.BasePayload,
		rec.ChangedFields, rec.InvolvedDeviceIDs, rec.Risk, db.Millis(rec.DetectedAt),
		rec.Resolved, string(rec.Resolution), rec.ResolvedBy, db.NullMillis(rec.ResolvedAt))
	if err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "failed to store conflict record", err)
	}
	return nil
}

// Get returns a record, or nil when it does not exist.
func (s *Store) Get(ctx context.Context, conflictID string) (*models.ConflictRecord, error) {
	return s.getTx(ctx, s.db, conflictID)
}

func (s *Store) getTx(ctx context.Context, exec db.Execer, conflictID string) (*models.ConflictRecord, error) {
	row := exec.QueryRowContext(ctx, `SELECT `+recordColumns+` FROM conflict_records WHERE conflict_id = ?`, conflictID)
	rec, err := scanRecord(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to read conflict record", err)
	}
	return rec, nil
}

// Filter narrows List.
type Filter struct {
	OnlyOpen   bool
	Collection string
	Limit      int
}

// List returns records matching f, newest first.
func (s *Store) List(ctx context.Context, f Filter) ([]*models.ConflictRecord, error) {
	var (
		where []string
		args  []interface{}
	)
	if f.OnlyOpen {
		where = append(where, "resolved = 0")
	}
	if f.Collection != "" {
		where = append(where, "collection = ?")
		args = append(args, f.Collection)
	}
	query := `SELECT ` + recordColumns + ` FROM conflict_records`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY detected_at DESC, conflict_id"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to list conflict records", err)
	}
	defer rows.Close()

	var out []*models.ConflictRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to scan conflict record", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// OpenKeys returns the documents with an unresolved conflict. They are held
// back from automatic pushes until resolved.
func (s *Store) OpenKeys(ctx context.Context) (map[models.DocKey]bool, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT DISTINCT collection, document_id FROM conflict_records WHERE resolved = 0")
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to list conflicted documents", err)
	}
	defer rows.Close()

	keys := make(map[models.DocKey]bool)
	for rows.Next() {
		var k models.DocKey
		if err := rows.Scan(&k.Collection, &k.DocumentID); err != nil {
			return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to scan conflicted document", err)
		}
		keys[k] = true
	}
	return keys, rows.Err()
}

// CountOpen returns the number of unresolved records.
func (s *Store) CountOpen(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM conflict_records WHERE resolved = 0").Scan(&n); err != nil {
		return 0, apperrors.Wrap(apperrors.ErrDatabase, "failed to count conflicts", err)
	}
	return n, nil
}

// markResolvedTx closes an open record. It fails with
// CONFLICT_ALREADY_RESOLVED when another caller closed it first.
func (s *Store) markResolvedTx(ctx context.Context, exec db.Execer, conflictID string, strategy models.Strategy, by string, at time.Time) error {
	res, err := exec.ExecContext(ctx, `
		UPDATE conflict_records SET resolved = 1, resolution = ?, resolved_by = ?, resolved_at = ?
		WHERE conflict_id = ? AND resolved = 0`,
		string(strategy), by, db.Millis(at), conflictID)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "failed to resolve conflict record", err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return nil
	}
	var exists int
	if err := exec.QueryRowContext(ctx, "SELECT COUNT(*) FROM conflict_records WHERE conflict_id = ?", conflictID).Scan(&exists); err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "failed to read conflict record", err)
	}
	if exists == 0 {
		return apperrors.Newf(apperrors.ErrNotFound, "conflict %s not found", conflictID)
	}
	return apperrors.Newf(apperrors.ErrAlreadyResolved, "conflict %s is already resolved", conflictID)
}

// PruneResolved archives and then deletes records resolved before the cutoff.
// A record whose archival fails is kept.
func (s *Store) PruneResolved(ctx context.Context, before time.Time) (int, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+recordColumns+` FROM conflict_records
		WHERE resolved = 1 AND resolved_at < ? ORDER BY resolved_at`, db.Millis(before))
	if err != nil {
		return 0, apperrors.Wrap(apperrors.ErrDatabase, "failed to list resolved conflicts", err)
	}
	var candidates []*models.ConflictRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			rows.Close()
			return 0, apperrors.Wrap(apperrors.ErrDatabase, "failed to scan conflict record", err)
		}
		candidates = append(candidates, rec)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, apperrors.Wrap(apperrors.ErrDatabase, "failed to list resolved conflicts", err)
	}

	pruned := 0
	for _, rec := range candidates {
		ar, err := archive.NewRecord(archive.KindConflict, rec.ConflictID, rec, s.clock.Now())
		if err == nil {
			err = s.archiver.Archive(ctx, ar)
		}
		if err != nil {
			s.log.Error("failed to archive conflict record", err, map[string]interface{}{"conflict_id": rec.ConflictID})
			return pruned, apperrors.Wrap(apperrors.ErrInternal, "archive failed, pruning stopped", err)
		}

		err = s.db.WithTx(ctx, func(tx *sql.Tx) error {
			if _, err := tx.ExecContext(ctx, "DELETE FROM conflict_records WHERE conflict_id = ?", rec.ConflictID); err != nil {
				return apperrors.Wrap(apperrors.ErrDatabase, "failed to delete conflict record", err)
			}
			return db.InsertAudit(ctx, tx, &models.AuditEntry{
				Action: models.AuditConflictPruned, Subject: rec.ConflictID,
				Detail:    map[string]interface{}{"document": rec.Key().String(), "resolution": string(rec.Resolution)},
				CreatedAt: s.clock.Now().UTC(),
			})
		})
		if err != nil {
			return pruned, err
		}
		pruned++
	}

	if pruned > 0 {
		s.log.Info("pruned resolved conflicts", map[string]interface{}{"count": pruned})
	}
	return pruned, nil
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanRecord(s scanner) (*models.ConflictRecord, error) {
	var (
		rec                       models.ConflictRecord
		typ, severity, resolution string
		detectedAt                int64
		resolvedAt                sql.NullInt64
	)
	err := s.Scan(&rec.ConflictID, &rec.Collection, &rec.DocumentID, &rec.OpID, &typ, &severity,
		&rec.LocalVersion, &rec.RemoteVersion, &rec.LocalPayload, &rec.RemotePayload, &rec.BasePayload,
		&rec.ChangedFields, &rec.InvolvedDeviceIDs, &rec.Risk, &detectedAt,
		&rec.Resolved, &resolution, &rec.ResolvedBy, &resolvedAt)
	if err != nil {
		return nil, err
	}
	rec.Type = models.ConflictType(typ)
	rec.Severity = models.Severity(severity)
	rec.Resolution = models.Strategy(resolution)
	rec.DetectedAt = db.FromMillis(detectedAt)
	rec.ResolvedAt = db.FromNullMillis(resolvedAt)
	return &rec, nil
}
