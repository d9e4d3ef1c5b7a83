// Package cache provides the on-device document cache. Documents are stored in
// SQLite so the cache survives restarts and shares transactions with the sync
// queue.
package cache

import (
	"context"
	"database/sql"
	"time"

	"github.com/kimhsiao/tourneysync/internal/clock"
	"github.com/kimhsiao/tourneysync/internal/db"
	apperrors "github.com/kimhsiao/tourneysync/internal/errors"
	"github.com/kimhsiao/tourneysync/internal/logging"
	"github.com/kimhsiao/tourneysync/internal/models"
)

const documentColumns = `collection, document_id, payload, base_payload, local_version, remote_version,
	last_modified_at, dirty, deleted, size_bytes`

// Cache is the local document store.
type Cache struct {
	db           *db.DB
	clock        clock.Clock
	maxSizeBytes int64
	log          *logging.Logger
}

// New creates a Cache. A maxSizeBytes of zero disables the quota.
func New(database *db.DB, clk clock.Clock, maxSizeBytes int64) *Cache {
	if clk == nil {
		clk = clock.Real()
	}
	return &Cache{
		db:           database,
		clock:        clk,
		maxSizeBytes: maxSizeBytes,
		log:          logging.Get().With(map[string]interface{}{"component": "cache"}),
	}
}

// DB returns the underlying database so callers can open transactions that
// span the cache and the queue.
func (c *Cache) DB() *db.DB {
	return c.db
}

// Put stores doc, replacing any existing copy.
func (c *Cache) Put(ctx context.Context, doc *models.CachedDocument) error {
	return c.db.WithTx(ctx, func(tx *sql.Tx) error {
		return c.PutTx(ctx, tx, doc)
	})
}

// PutTx stores doc using exec. The quota is checked against every other
// document in the cache, so rewriting a document in place only counts its
// new size.
func (c *Cache) PutTx(ctx context.Context, exec db.Execer, doc *models.CachedDocument) error {
	if doc.Collection == "" || doc.DocumentID == "" {
		return apperrors.New(apperrors.ErrInvalid, "collection and document id are required")
	}
	if doc.LastModifiedAt.IsZero() {
		doc.LastModifiedAt = c.clock.Now().UTC()
	}
	doc.SizeBytes = doc.Payload.SizeBytes()

	if err := c.checkQuota(ctx, exec, doc); err != nil {
		return err
	}

	_, err := exec.ExecContext(ctx, `
		INSERT INTO cached_documents (`+documentColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(collection, document_id) DO UPDATE SET
			payload = excluded.payload,
			base_payload = excluded.base_payload,
			local_version = excluded.local_version,
			remote_version = excluded.remote_version,
			last_modified_at = excluded.last_modified_at,
			dirty = excluded.dirty,
			deleted = excluded.deleted,
			size_bytes = excluded.size_bytes`,
		doc.Collection, doc.DocumentID, doc.Payload, doc.BasePayload, doc.LocalVersion, doc.RemoteVersion,
		db.Millis(doc.LastModifiedAt), doc.Dirty, doc.Deleted, doc.SizeBytes)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "failed to store document", err)
	}
	return nil
}

func (c *Cache) checkQuota(ctx context.Context, exec db.Execer, doc *models.CachedDocument) error {
	if c.maxSizeBytes <= 0 {
		return nil
	}
	others, err := c.sizeExcluding(ctx, exec, doc.Key())
	if err != nil {
		return err
	}
	if others+doc.SizeBytes > c.maxSizeBytes {
		return apperrors.Newf(apperrors.ErrQuotaExceeded,
			"cache quota of %d bytes exceeded writing %s", c.maxSizeBytes, doc.Key())
	}
	return nil
}

func (c *Cache) sizeExcluding(ctx context.Context, exec db.Execer, key models.DocKey) (int64, error) {
	var total int64
	err := exec.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(size_bytes), 0) FROM cached_documents
		WHERE NOT (collection = ? AND document_id = ?)`,
		key.Collection, key.DocumentID).Scan(&total)
	if err != nil {
		return 0, apperrors.Wrap(apperrors.ErrDatabase, "failed to compute cache size", err)
	}
	return total, nil
}

// Get returns the cached document, or nil when it is absent.
func (c *Cache) Get(ctx context.Context, collection, documentID string) (*models.CachedDocument, error) {
	return c.GetTx(ctx, c.db, collection, documentID)
}

// GetTx is Get using exec.
func (c *Cache) GetTx(ctx context.Context, exec db.Execer, collection, documentID string) (*models.CachedDocument, error) {
	row := exec.QueryRowContext(ctx, `
		SELECT `+documentColumns+` FROM cached_documents
		WHERE collection = ? AND document_id = ?`, collection, documentID)
	doc, err := scanDocument(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to read document", err)
	}
	return doc, nil
}

// Delete removes a document from the cache.
func (c *Cache) Delete(ctx context.Context, collection, documentID string) error {
	return c.DeleteTx(ctx, c.db, collection, documentID)
}

// DeleteTx is Delete using exec.
func (c *Cache) DeleteTx(ctx context.Context, exec db.Execer, collection, documentID string) error {
	_, err := exec.ExecContext(ctx,
		"DELETE FROM cached_documents WHERE collection = ? AND document_id = ?", collection, documentID)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "failed to delete document", err)
	}
	return nil
}

// AdvanceTx records that the remote store accepted base at remoteVersion.
// When clean is set the document no longer has pending operations and its
// dirty flag is cleared.
func (c *Cache) AdvanceTx(ctx context.Context, exec db.Execer, key models.DocKey, remoteVersion int64, base models.Payload, clean bool) error {
	_, err := exec.ExecContext(ctx, `
		UPDATE cached_documents
		SET remote_version = ?, base_payload = ?, dirty = CASE WHEN ? THEN 0 ELSE dirty END
		WHERE collection = ? AND document_id = ?`,
		remoteVersion, base, clean, key.Collection, key.DocumentID)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "failed to advance document", err)
	}
	return nil
}

// RevertTx discards unsynced local changes, restoring the last payload seen
// from the remote store. A document the remote store never saw is removed.
// Pulls skipped newer remote copies while the document was dirty, so the
// collection's pull cursor is rewound and the next pull fetches them again.
func (c *Cache) RevertTx(ctx context.Context, exec db.Execer, key models.DocKey) error {
	doc, err := c.GetTx(ctx, exec, key.Collection, key.DocumentID)
	if err != nil || doc == nil {
		return err
	}
	if _, err := exec.ExecContext(ctx, "UPDATE sync_cursors SET seq = 0 WHERE collection = ?", key.Collection); err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "failed to rewind sync cursor", err)
	}
	if doc.RemoteVersion == 0 {
		return c.DeleteTx(ctx, exec, key.Collection, key.DocumentID)
	}
	_, err = exec.ExecContext(ctx, `
		UPDATE cached_documents
		SET payload = base_payload, dirty = 0, deleted = 0, size_bytes = length(COALESCE(base_payload, '')),
			last_modified_at = ?
		WHERE collection = ? AND document_id = ?`,
		db.Millis(c.clock.Now()), key.Collection, key.DocumentID)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "failed to revert document", err)
	}
	return nil
}

// ListDirty returns every document with unacknowledged local changes.
func (c *Cache) ListDirty(ctx context.Context) ([]*models.CachedDocument, error) {
	return c.query(ctx, `SELECT `+documentColumns+` FROM cached_documents
		WHERE dirty = 1 ORDER BY collection, document_id`)
}

// List returns the live documents of a collection.
func (c *Cache) List(ctx context.Context, collection string) ([]*models.CachedDocument, error) {
	return c.query(ctx, `SELECT `+documentColumns+` FROM cached_documents
		WHERE collection = ? AND deleted = 0 ORDER BY document_id`, collection)
}

func (c *Cache) query(ctx context.Context, query string, args ...interface{}) ([]*models.CachedDocument, error) {
	rows, err := c.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to list documents", err)
	}
	defer rows.Close()

	var docs []*models.CachedDocument
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to scan document", err)
		}
		docs = append(docs, doc)
	}
	return docs, rows.Err()
}

// Stats summarizes the cache.
func (c *Cache) Stats(ctx context.Context) (models.CacheStats, error) {
	var stats models.CacheStats
	err := c.db.QueryRowContext(ctx, `
		SELECT COUNT(*), COALESCE(SUM(dirty), 0), COALESCE(SUM(size_bytes), 0)
		FROM cached_documents`).Scan(&stats.DocumentCount, &stats.DirtyCount, &stats.EstimatedSizeBytes)
	if err != nil {
		return stats, apperrors.Wrap(apperrors.ErrDatabase, "failed to read cache stats", err)
	}
	return stats, nil
}

// ApplyResult is the outcome of ApplyRemote.
type ApplyResult int

const (
	// Unchanged means the pulled copy was not newer than the cached one.
	Unchanged ApplyResult = iota
	// Applied means the cache now holds the pulled copy.
	Applied
	// HeldDirty means a newer copy was skipped because the cached document
	// has local changes. Reverting the document rewinds the pull cursor, so
	// the copy is fetched again.
	HeldDirty
)

// ApplyRemote hydrates the cache with a document pulled from the remote
// store. Dirty documents are never overwritten; their divergence is found
// when the pending operation is pushed. Stale versions are ignored. When the
// quota would be exceeded, the least recently modified clean documents are
// evicted first.
func (c *Cache) ApplyRemote(ctx context.Context, remote *models.CachedDocument) (ApplyResult, error) {
	result := Unchanged
	err := c.db.WithTx(ctx, func(tx *sql.Tx) error {
		existing, err := c.GetTx(ctx, tx, remote.Collection, remote.DocumentID)
		if err != nil {
			return err
		}
		if existing != nil && existing.RemoteVersion >= remote.RemoteVersion {
			return nil
		}
		if existing != nil && existing.Dirty {
			result = HeldDirty
			return nil
		}

		if remote.Deleted {
			if existing != nil {
				result = Applied
				return c.DeleteTx(ctx, tx, remote.Collection, remote.DocumentID)
			}
			return nil
		}

		doc := &models.CachedDocument{
			Collection:     remote.Collection,
			DocumentID:     remote.DocumentID,
			Payload:        remote.Payload.Clone(),
			BasePayload:    remote.Payload.Clone(),
			RemoteVersion:  remote.RemoteVersion,
			LastModifiedAt: remote.LastModifiedAt,
		}
		if existing != nil {
			doc.LocalVersion = existing.LocalVersion
		}
		if err := c.makeRoom(ctx, tx, doc); err != nil {
			return err
		}
		if err := c.PutTx(ctx, tx, doc); err != nil {
			return err
		}
		result = Applied
		return nil
	})
	if err != nil {
		return Unchanged, err
	}
	return result, nil
}

// makeRoom evicts clean documents, oldest first, until doc fits the quota.
func (c *Cache) makeRoom(ctx context.Context, tx *sql.Tx, doc *models.CachedDocument) error {
	if c.maxSizeBytes <= 0 {
		return nil
	}
	need := doc.Payload.SizeBytes()
	for {
		others, err := c.sizeExcluding(ctx, tx, doc.Key())
		if err != nil {
			return err
		}
		if others+need <= c.maxSizeBytes {
			return nil
		}

		var collection, documentID string
		err = tx.QueryRowContext(ctx, `
			SELECT collection, document_id FROM cached_documents
			WHERE dirty = 0 AND NOT (collection = ? AND document_id = ?)
			ORDER BY last_modified_at LIMIT 1`, doc.Collection, doc.DocumentID).Scan(&collection, &documentID)
		if err == sql.ErrNoRows {
			// Nothing left to evict; PutTx reports the quota error.
			return nil
		}
		if err != nil {
			return apperrors.Wrap(apperrors.ErrDatabase, "failed to select eviction candidate", err)
		}
		if err := c.DeleteTx(ctx, tx, collection, documentID); err != nil {
			return err
		}
		c.log.Debug("evicted clean document", map[string]interface{}{
			"collection": collection, "document_id": documentID,
		})
	}
}

// PruneClean removes clean documents last modified before the cutoff and
// returns how many were removed. Dirty documents are kept.
func (c *Cache) PruneClean(ctx context.Context, before time.Time) (int, error) {
	res, err := c.db.ExecContext(ctx,
		"DELETE FROM cached_documents WHERE dirty = 0 AND last_modified_at < ?", db.Millis(before))
	if err != nil {
		return 0, apperrors.Wrap(apperrors.ErrDatabase, "failed to prune cache", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		c.log.Info("pruned clean documents", map[string]interface{}{"count": n})
	}
	return int(n), nil
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanDocument(s scanner) (*models.CachedDocument, error) {
	var (
		doc          models.CachedDocument
		lastModified int64
	)
	err := s.Scan(&doc.Collection, &doc.DocumentID, &doc.Payload, &doc.BasePayload, &doc.LocalVersion,
		&doc.RemoteVersion, &lastModified, &doc.Dirty, &doc.Deleted, &doc.SizeBytes)
	if err != nil {
		return nil, err
	}
	doc.LastModifiedAt = db.FromMillis(lastModified)
	return &doc, nil
}
