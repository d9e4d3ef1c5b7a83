// Package queue provides the durable, ordered sync queue for local writes
// made while offline or awaiting transmission.
//
// Operations are strictly FIFO per (collection, document id); operations on
// different documents are independent. Failed pushes are retried with
// exponential backoff and dead-lettered once the retry budget is spent.
package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/kimhsiao/tourneysync/internal/archive"
	"github.com/kimhsiao/tourneysync/internal/cache"
	"github.com/kimhsiao/tourneysync/internal/clock"
	"github.com/kimhsiao/tourneysync/internal/db"
	apperrors "github.com/kimhsiao/tourneysync/internal/errors"
	"github.com/kimhsiao/tourneysync/internal/logging"
	"github.com/kimhsiao/tourneysync/internal/models"
)

const operationColumns = `op_id, collection, document_id, kind, payload, base_version, created_at,
	retry_count, next_attempt_at, status, last_error, device_id, session_id, actor_role, offline_since`

// Config tunes retry behavior.
type Config struct {
	// MaxRetries is the number of retries after the first failed attempt.
	MaxRetries  int
	BackoffBase time.Duration
	BackoffMax  time.Duration
}

// DefaultConfig returns the default retry policy.
func DefaultConfig() Config {
	return Config{
		MaxRetries:  5,
		BackoffBase: 2 * time.Second,
		BackoffMax:  5 * time.Minute,
	}
}

// Queue manages pending operations with retry logic.
type Queue struct {
	db       *db.DB
	cache    *cache.Cache
	clock    clock.Clock
	cfg      Config
	archiver archive.Archiver
	log      *logging.Logger
}

// New creates a Queue over the cache's database.
func New(c *cache.Cache, clk clock.Clock, cfg Config) *Queue {
	if clk == nil {
		clk = clock.Real()
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = DefaultConfig().BackoffBase
	}
	if cfg.BackoffMax < cfg.BackoffBase {
		cfg.BackoffMax = cfg.BackoffBase
	}
	return &Queue{
		db:       c.DB(),
		cache:    c,
		clock:    clk,
		cfg:      cfg,
		archiver: archive.NewStore(c.DB()),
		log:      logging.Get().With(map[string]interface{}{"component": "queue"}),
	}
}

// SetArchiver replaces where dead-lettered operations are archived.
func (q *Queue) SetArchiver(a archive.Archiver) {
	q.archiver = a
}

// Write is a local mutation to record.
type Write struct {
	Collection   string
	DocumentID   string
	Kind         models.OpKind
	Payload      models.Payload
	DeviceID     string
	SessionID    string
	ActorRole    models.Role
	OfflineSince *time.Time
}

// RecordWrite applies w to the cache and appends the matching operation in a
// single transaction, so the cache is never ahead of the queue.
func (q *Queue) RecordWrite(ctx context.Context, w Write) (*models.QueueOperation, error) {
	if !w.Kind.Valid() {
		return nil, apperrors.Newf(apperrors.ErrInvalid, "unknown operation kind %q", w.Kind)
	}
	if w.Collection == "" || w.DocumentID == "" {
		return nil, apperrors.New(apperrors.ErrInvalid, "collection and document id are required")
	}
	if w.Kind != models.OpDelete && w.Payload == nil {
		return nil, apperrors.New(apperrors.ErrInvalid, "payload is required")
	}

	var op *models.QueueOperation
	err := q.db.WithTx(ctx, func(tx *sql.Tx) error {
		doc, err := q.cache.GetTx(ctx, tx, w.Collection, w.DocumentID)
		if err != nil {
			return err
		}
		exists := doc != nil && !doc.Deleted
		switch {
		case w.Kind == models.OpCreate && exists:
			return apperrors.Newf(apperrors.ErrDuplicate, "document %s/%s already exists", w.Collection, w.DocumentID)
		case w.Kind != models.OpCreate && !exists:
			return apperrors.Newf(apperrors.ErrNotFound, "document %s/%s not found", w.Collection, w.DocumentID)
		}

		now := q.clock.Now().UTC()
		if doc == nil {
			doc = &models.CachedDocument{Collection: w.Collection, DocumentID: w.DocumentID}
		}
		if w.Kind == models.OpDelete {
			doc.Deleted = true
		} else {
			doc.Payload = w.Payload.Clone()
			doc.Deleted = false
		}
		doc.LocalVersion++
		doc.Dirty = true
		doc.LastModifiedAt = now
		if err := q.cache.PutTx(ctx, tx, doc); err != nil {
			return err
		}

		op = &models.QueueOperation{
			Collection:    w.Collection,
			DocumentID:    w.DocumentID,
			Kind:          w.Kind,
			Payload:       doc.Payload.Clone(),
			BaseVersion:   doc.RemoteVersion,
			CreatedAt:     now,
			NextAttemptAt: now,
			Status:        models.OpPending,
			DeviceID:      w.DeviceID,
			SessionID:     w.SessionID,
			ActorRole:     w.ActorRole,
			OfflineSince:  w.OfflineSince,
		}
		return q.insertTx(ctx, tx, op)
	})
	if err != nil {
		return nil, err
	}

	q.log.Debug("recorded write", map[string]interface{}{
		"op_id": op.OpID, "key": op.Key().String(), "kind": string(op.Kind),
	})
	return op, nil
}

// Enqueue appends an existing operation, for example one restored from an
// export or replayed by a transport. Replaying an operation whose OpID is
// already queued or acknowledged is a no-op.
func (q *Queue) Enqueue(ctx context.Context, op *models.QueueOperation) error {
	if !op.Kind.Valid() {
		return apperrors.Newf(apperrors.ErrInvalid, "unknown operation kind %q", op.Kind)
	}
	return q.db.WithTx(ctx, func(tx *sql.Tx) error {
		if op.OpID != 0 {
			known, err := q.knownTx(ctx, tx, op.OpID)
			if err != nil {
				return err
			}
			if known {
				q.log.Debug("ignored replayed operation", map[string]interface{}{"op_id": op.OpID})
				return nil
			}
		}

		now := q.clock.Now().UTC()
		if op.CreatedAt.IsZero() {
			op.CreatedAt = now
		}
		if op.NextAttemptAt.IsZero() {
			op.NextAttemptAt = now
		}
		op.Status = models.OpPending
		if err := q.insertTx(ctx, tx, op); err != nil {
			return err
		}

		doc, err := q.cache.GetTx(ctx, tx, op.Collection, op.DocumentID)
		if err != nil {
			return err
		}
		if doc == nil {
			doc = &models.CachedDocument{Collection: op.Collection, DocumentID: op.DocumentID, RemoteVersion: op.BaseVersion}
		}
		if op.Kind == models.OpDelete {
			doc.Deleted = true
		} else {
			doc.Payload = op.Payload.Clone()
		}
		doc.LocalVersion++
		doc.Dirty = true
		doc.LastModifiedAt = now
		return q.cache.PutTx(ctx, tx, doc)
	})
}

func (q *Queue) knownTx(ctx context.Context, exec db.Execer, opID int64) (bool, error) {
	var n int
	err := exec.QueryRowContext(ctx, `
		SELECT (SELECT COUNT(*) FROM queue_operations WHERE op_id = ?)
		     + (SELECT COUNT(*) FROM acknowledged_ops WHERE op_id = ?)
		     + (SELECT COUNT(*) FROM dead_letters WHERE op_id = ?)`, opID, opID, opID).Scan(&n)
	if err != nil {
		return false, apperrors.Wrap(apperrors.ErrDatabase, "failed to check operation id", err)
	}
	return n > 0, nil
}

func (q *Queue) insertTx(ctx context.Context, exec db.Execer, op *models.QueueOperation) error {
	var opID interface{}
	if op.OpID != 0 {
		opID = op.OpID
	}
	res, err := exec.ExecContext(ctx, `
		INSERT INTO queue_operations (`+operationColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		opID, op.Collection, op.DocumentID, string(op.Kind), op.Payload, op.BaseVersion,
		db.Millis(op.CreatedAt), op.RetryCount, db.Millis(op.NextAttemptAt), string(op.Status),
		op.LastError, op.DeviceID, op.SessionID, string(op.ActorRole), db.NullMillis(op.OfflineSince))
	if err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "failed to enqueue operation", err)
	}
	if op.OpID == 0 {
		id, err := res.LastInsertId()
		if err != nil {
			return apperrors.Wrap(apperrors.ErrDatabase, "failed to read operation id", err)
		}
		op.OpID = id
	}
	return nil
}

// PeekBatch returns up to n operations that are ready to send: at most the
// head operation of each document, skipping keys for which exclude returns
// true. A document whose head is already sending contributes nothing.
func (q *Queue) PeekBatch(ctx context.Context, n int, exclude func(models.DocKey) bool) ([]*models.QueueOperation, error) {
	rows, err := q.db.QueryContext(ctx, `
		SELECT `+operationColumns+` FROM queue_operations
		WHERE op_id IN (SELECT MIN(op_id) FROM queue_operations GROUP BY collection, document_id)
		  AND status IN ('pending', 'failed')
		  AND next_attempt_at <= ?
		ORDER BY op_id`, db.Millis(q.clock.Now()))
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to read queue", err)
	}
	defer rows.Close()

	var batch []*models.QueueOperation
	for rows.Next() {
		op, err := scanOperation(rows)
		if err != nil {
			return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to scan operation", err)
		}
		if exclude != nil && exclude(op.Key()) {
			continue
		}
		batch = append(batch, op)
		if n > 0 && len(batch) >= n {
			break
		}
	}
	return batch, rows.Err()
}

// Get returns an active operation by id, or nil.
func (q *Queue) Get(ctx context.Context, opID int64) (*models.QueueOperation, error) {
	return q.getTx(ctx, q.db, opID)
}

func (q *Queue) getTx(ctx context.Context, exec db.Execer, opID int64) (*models.QueueOperation, error) {
	row := exec.QueryRowContext(ctx, `SELECT `+operationColumns+` FROM queue_operations WHERE op_id = ?`, opID)
	op, err := scanOperation(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to read operation", err)
	}
	return op, nil
}

// ListForKey returns the active operations of one document in order.
func (q *Queue) ListForKey(ctx context.Context, exec db.Execer, key models.DocKey) ([]*models.QueueOperation, error) {
	return q.list(ctx, exec, `SELECT `+operationColumns+` FROM queue_operations
		WHERE collection = ? AND document_id = ? ORDER BY op_id`, key.Collection, key.DocumentID)
}

// List returns every active operation in order.
func (q *Queue) List(ctx context.Context) ([]*models.QueueOperation, error) {
	return q.list(ctx, q.db, `SELECT `+operationColumns+` FROM queue_operations ORDER BY op_id`)
}

func (q *Queue) list(ctx context.Context, exec db.Execer, query string, args ...interface{}) ([]*models.QueueOperation, error) {
	rows, err := exec.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to list operations", err)
	}
	defer rows.Close()

	var ops []*models.QueueOperation
	for rows.Next() {
		op, err := scanOperation(rows)
		if err != nil {
			return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to scan operation", err)
		}
		ops = append(ops, op)
	}
	return ops, rows.Err()
}

// MarkSending claims an operation for transmission.
func (q *Queue) MarkSending(ctx context.Context, opID int64) error {
	res, err := q.db.ExecContext(ctx, `
		UPDATE queue_operations SET status = 'sending'
		WHERE op_id = ? AND status IN ('pending', 'failed')`, opID)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "failed to mark operation sending", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperrors.Newf(apperrors.ErrNotFound, "operation %d is not ready to send", opID)
	}
	return nil
}

// Release returns a sending operation to pending without charging a retry,
// used when a cycle is cancelled mid-flight.
func (q *Queue) Release(ctx context.Context, opID int64) error {
	return q.ReleaseTx(ctx, q.db, opID)
}

// ReleaseTx is Release using exec. A conflicting push releases its operation
// in the same transaction that records the conflict.
func (q *Queue) ReleaseTx(ctx context.Context, exec db.Execer, opID int64) error {
	_, err := exec.ExecContext(ctx,
		"UPDATE queue_operations SET status = 'pending' WHERE op_id = ? AND status = 'sending'", opID)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "failed to release operation", err)
	}
	return nil
}

// ReleaseAll returns every sending operation to pending. It is called at
// startup to recover operations claimed by a process that stopped mid-push.
func (q *Queue) ReleaseAll(ctx context.Context) (int, error) {
	res, err := q.db.ExecContext(ctx, "UPDATE queue_operations SET status = 'pending' WHERE status = 'sending'")
	if err != nil {
		return 0, apperrors.Wrap(apperrors.ErrDatabase, "failed to release operations", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// MarkAcknowledged removes an operation the remote store accepted at
// newRemoteVersion and advances the cached document. Acknowledging the same
// operation twice is a no-op.
func (q *Queue) MarkAcknowledged(ctx context.Context, opID int64, newRemoteVersion int64) error {
	return q.db.WithTx(ctx, func(tx *sql.Tx) error {
		var acked int
		if err := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM acknowledged_ops WHERE op_id = ?", opID).Scan(&acked); err != nil {
			return apperrors.Wrap(apperrors.ErrDatabase, "failed to check acknowledgment", err)
		}
		if acked > 0 {
			return nil
		}

		op, err := q.getTx(ctx, tx, opID)
		if err != nil {
			return err
		}
		if op == nil {
			return apperrors.Newf(apperrors.ErrNotFound, "operation %d not found", opID)
		}

		if _, err := tx.ExecContext(ctx, "DELETE FROM queue_operations WHERE op_id = ?", opID); err != nil {
			return apperrors.Wrap(apperrors.ErrDatabase, "failed to remove operation", err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO acknowledged_ops (op_id, collection, document_id, remote_version, acknowledged_at)
			VALUES (?, ?, ?, ?, ?)`,
			opID, op.Collection, op.DocumentID, newRemoteVersion, db.Millis(q.clock.Now())); err != nil {
			return apperrors.Wrap(apperrors.ErrDatabase, "failed to record acknowledgment", err)
		}

		remaining, err := q.countForKeyTx(ctx, tx, op.Key())
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE queue_operations SET base_version = ?
			WHERE collection = ? AND document_id = ?`,
			newRemoteVersion, op.Collection, op.DocumentID); err != nil {
			return apperrors.Wrap(apperrors.ErrDatabase, "failed to rebase remaining operations", err)
		}

		if op.Kind == models.OpDelete && remaining == 0 {
			return q.cache.DeleteTx(ctx, tx, op.Collection, op.DocumentID)
		}
		return q.cache.AdvanceTx(ctx, tx, op.Key(), newRemoteVersion, op.Payload, remaining == 0)
	})
}

func (q *Queue) countForKeyTx(ctx context.Context, exec db.Execer, key models.DocKey) (int, error) {
	var n int
	err := exec.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM queue_operations WHERE collection = ? AND document_id = ?",
		key.Collection, key.DocumentID).Scan(&n)
	if err != nil {
		return 0, apperrors.Wrap(apperrors.ErrDatabase, "failed to count operations", err)
	}
	return n, nil
}

// Backoff returns the delay before retry number retry (1-based):
// base * 2^(retry-1), capped at BackoffMax.
func (q *Queue) Backoff(retry int) time.Duration {
	if retry < 1 {
		retry = 1
	}
	delay := q.cfg.BackoffBase
	for i := 1; i < retry; i++ {
		delay *= 2
		if delay >= q.cfg.BackoffMax {
			return q.cfg.BackoffMax
		}
	}
	if delay > q.cfg.BackoffMax {
		return q.cfg.BackoffMax
	}
	return delay
}

// MarkFailed records a failed attempt. Retryable failures are rescheduled
// with backoff until MaxRetries is exceeded; terminal failures and exhausted
// operations are dead-lettered, which is reported through the returned flag.
func (q *Queue) MarkFailed(ctx context.Context, opID int64, retryable bool, cause error) (deadLettered bool, err error) {
	reason := "unknown error"
	if cause != nil {
		reason = cause.Error()
	}

	var dead *models.DeadLetter
	err = q.db.WithTx(ctx, func(tx *sql.Tx) error {
		op, err := q.getTx(ctx, tx, opID)
		if err != nil {
			return err
		}
		if op == nil {
			return apperrors.Newf(apperrors.ErrNotFound, "operation %d not found", opID)
		}

		op.RetryCount++
		op.LastError = reason
		if retryable && op.RetryCount <= q.cfg.MaxRetries {
			op.NextAttemptAt = q.clock.Now().Add(q.Backoff(op.RetryCount)).UTC()
			_, err := tx.ExecContext(ctx, `
				UPDATE queue_operations
				SET status = 'failed', retry_count = ?, last_error = ?, next_attempt_at = ?
				WHERE op_id = ?`,
				op.RetryCount, op.LastError, db.Millis(op.NextAttemptAt), opID)
			if err != nil {
				return apperrors.Wrap(apperrors.ErrDatabase, "failed to reschedule operation", err)
			}
			q.log.Warn("operation failed, retry scheduled", map[string]interface{}{
				"op_id": opID, "retry": op.RetryCount, "max_retries": q.cfg.MaxRetries,
				"next_attempt_at": op.NextAttemptAt.Format(time.RFC3339), "error": reason,
			})
			return nil
		}

		if !retryable {
			reason = "rejected: " + reason
		} else {
			reason = fmt.Sprintf("retries exhausted after %d attempts: %s", op.RetryCount, reason)
		}
		dead, err = q.deadLetterTx(ctx, tx, op, reason)
		return err
	})
	if err != nil || dead == nil {
		return false, err
	}

	q.archive(ctx, dead)
	q.log.ErrorWithCode("operation dead-lettered", string(apperrors.ErrDeadLettered), cause, map[string]interface{}{
		"op_id": opID, "key": dead.Operation.Key().String(),
	})
	return true, nil
}

func (q *Queue) deadLetterTx(ctx context.Context, tx *sql.Tx, op *models.QueueOperation, reason string) (*models.DeadLetter, error) {
	op.Status = models.OpDeadLettered
	dead := &models.DeadLetter{Operation: *op, Reason: reason, DeadLetteredAt: q.clock.Now().UTC()}
	body, err := json.Marshal(op)
	if err != nil {
		return nil, fmt.Errorf("failed to encode dead letter: %w", err)
	}

	if _, err := tx.ExecContext(ctx, "DELETE FROM queue_operations WHERE op_id = ?", op.OpID); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to remove operation", err)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO dead_letters (op_id, collection, document_id, operation, reason, dead_lettered_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		op.OpID, op.Collection, op.DocumentID, string(body), reason, db.Millis(dead.DeadLetteredAt)); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to store dead letter", err)
	}
	if err := q.settleKeyTx(ctx, tx, op.Key()); err != nil {
		return nil, err
	}
	err = db.InsertAudit(ctx, tx, &models.AuditEntry{
		Action:    models.AuditDeadLettered,
		SessionID: op.SessionID,
		Subject:   op.Key().String(),
		Detail:    map[string]interface{}{"op_id": op.OpID, "reason": reason},
		CreatedAt: dead.DeadLetteredAt,
	})
	return dead, err
}

// settleKeyTx reverts the cached document when no operations remain for it,
// keeping dirty in step with the queue.
func (q *Queue) settleKeyTx(ctx context.Context, exec db.Execer, key models.DocKey) error {
	remaining, err := q.countForKeyTx(ctx, exec, key)
	if err != nil {
		return err
	}
	if remaining > 0 {
		return nil
	}
	return q.cache.RevertTx(ctx, exec, key)
}

func (q *Queue) archive(ctx context.Context, dead *models.DeadLetter) {
	rec, err := archive.NewRecord(archive.KindDeadLetter, dead.Operation.Key().String(), dead, dead.DeadLetteredAt)
	if err == nil {
		err = q.archiver.Archive(ctx, rec)
	}
	if err != nil {
		q.log.Error("failed to archive dead letter", err, map[string]interface{}{"op_id": dead.Operation.OpID})
	}
}

// Discard drops an operation the remote store refused for lack of
// permission. The refusal is audited and the cached document reverts when no
// other operations remain for it.
func (q *Queue) Discard(ctx context.Context, opID int64, cause error) error {
	return q.db.WithTx(ctx, func(tx *sql.Tx) error {
		op, err := q.getTx(ctx, tx, opID)
		if err != nil {
			return err
		}
		if op == nil {
			return nil
		}
		if _, err := tx.ExecContext(ctx, "DELETE FROM queue_operations WHERE op_id = ?", opID); err != nil {
			return apperrors.Wrap(apperrors.ErrDatabase, "failed to discard operation", err)
		}
		if err := q.settleKeyTx(ctx, tx, op.Key()); err != nil {
			return err
		}
		detail := map[string]interface{}{"op_id": opID, "kind": string(op.Kind), "role": string(op.ActorRole)}
		if cause != nil {
			detail["error"] = cause.Error()
		}
		return db.InsertAudit(ctx, tx, &models.AuditEntry{
			Action:    models.AuditPermissionDenied,
			SessionID: op.SessionID,
			Subject:   op.Key().String(),
			Detail:    detail,
			CreatedAt: q.clock.Now().UTC(),
		})
	})
}

// Rebase collapses the pending operations of a document into one operation
// carrying payload, based on remoteVersion. It is used when a conflict is
// resolved in favor of the local side or a merge. It runs on the caller's
// transaction.
func (q *Queue) Rebase(ctx context.Context, exec db.Execer, key models.DocKey, kind models.OpKind, payload models.Payload, remoteVersion int64) (*models.QueueOperation, error) {
	ops, err := q.ListForKey(ctx, exec, key)
	if err != nil {
		return nil, err
	}

	now := q.clock.Now().UTC()
	op := &models.QueueOperation{
		Collection:    key.Collection,
		DocumentID:    key.DocumentID,
		Kind:          kind,
		Payload:       payload.Clone(),
		BaseVersion:   remoteVersion,
		CreatedAt:     now,
		NextAttemptAt: now,
		Status:        models.OpPending,
	}
	if len(ops) > 0 {
		last := ops[len(ops)-1]
		op.DeviceID, op.SessionID, op.ActorRole = last.DeviceID, last.SessionID, last.ActorRole
	}
	if _, err := q.DropKey(ctx, exec, key); err != nil {
		return nil, err
	}
	if err := q.insertTx(ctx, exec, op); err != nil {
		return nil, err
	}
	return op, nil
}

// DropKey removes every pending operation of a document and returns how many
// were removed. It runs on the caller's transaction.
func (q *Queue) DropKey(ctx context.Context, exec db.Execer, key models.DocKey) (int, error) {
	res, err := exec.ExecContext(ctx,
		"DELETE FROM queue_operations WHERE collection = ? AND document_id = ?", key.Collection, key.DocumentID)
	if err != nil {
		return 0, apperrors.Wrap(apperrors.ErrDatabase, "failed to drop operations", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// ListDeadLetters returns dead-lettered operations, oldest first.
func (q *Queue) ListDeadLetters(ctx context.Context) ([]*models.DeadLetter, error) {
	rows, err := q.db.QueryContext(ctx,
		"SELECT operation, reason, dead_lettered_at FROM dead_letters ORDER BY dead_lettered_at, op_id")
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to list dead letters", err)
	}
	defer rows.Close()

	var out []*models.DeadLetter
	for rows.Next() {
		var (
			body string
			at   int64
			dl   models.DeadLetter
		)
		if err := rows.Scan(&body, &dl.Reason, &at); err != nil {
			return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to scan dead letter", err)
		}
		if err := json.Unmarshal([]byte(body), &dl.Operation); err != nil {
			return nil, apperrors.Wrap(apperrors.ErrDataCorruption, "failed to decode dead letter", err)
		}
		dl.DeadLetteredAt = db.FromMillis(at)
		out = append(out, &dl)
	}
	return out, rows.Err()
}

// RequeueDeadLetter moves a dead-lettered operation back into the active
// queue as a fresh operation with a clean retry budget, reapplying its
// payload to the cache.
func (q *Queue) RequeueDeadLetter(ctx context.Context, opID int64) (*models.QueueOperation, error) {
	var op models.QueueOperation
	err := q.db.WithTx(ctx, func(tx *sql.Tx) error {
		var body string
		err := tx.QueryRowContext(ctx, "SELECT operation FROM dead_letters WHERE op_id = ?", opID).Scan(&body)
		if err == sql.ErrNoRows {
			return apperrors.Newf(apperrors.ErrNotFound, "dead letter %d not found", opID)
		}
		if err != nil {
			return apperrors.Wrap(apperrors.ErrDatabase, "failed to read dead letter", err)
		}
		if err := json.Unmarshal([]byte(body), &op); err != nil {
			return apperrors.Wrap(apperrors.ErrDataCorruption, "failed to decode dead letter", err)
		}
		if _, err := tx.ExecContext(ctx, "DELETE FROM dead_letters WHERE op_id = ?", opID); err != nil {
			return apperrors.Wrap(apperrors.ErrDatabase, "failed to remove dead letter", err)
		}

		now := q.clock.Now().UTC()
		doc, err := q.cache.GetTx(ctx, tx, op.Collection, op.DocumentID)
		if err != nil {
			return err
		}
		if doc == nil {
			doc = &models.CachedDocument{Collection: op.Collection, DocumentID: op.DocumentID}
		}
		if op.Kind == models.OpDelete {
			doc.Deleted = true
		} else {
			doc.Payload = op.Payload.Clone()
			doc.Deleted = false
		}
		doc.LocalVersion++
		doc.Dirty = true
		doc.LastModifiedAt = now
		if err := q.cache.PutTx(ctx, tx, doc); err != nil {
			return err
		}

		op.OpID = 0
		op.RetryCount = 0
		op.LastError = ""
		op.Status = models.OpPending
		op.BaseVersion = doc.RemoteVersion
		op.NextAttemptAt = now
		if err := q.insertTx(ctx, tx, &op); err != nil {
			return err
		}
		return db.InsertAudit(ctx, tx, &models.AuditEntry{
			Action:    models.AuditRequeued,
			SessionID: op.SessionID,
			Subject:   op.Key().String(),
			Detail:    map[string]interface{}{"dead_letter_op_id": opID, "op_id": op.OpID},
			CreatedAt: now,
		})
	})
	if err != nil {
		return nil, err
	}
	q.log.Info("requeued dead letter", map[string]interface{}{"from_op_id": opID, "op_id": op.OpID})
	return &op, nil
}

// PendingCount returns the number of operations still owned by the queue.
func (q *Queue) PendingCount(ctx context.Context) (int, error) {
	stats, err := q.Stats(ctx)
	if err != nil {
		return 0, err
	}
	return stats.Total(), nil
}

// Stats returns queue statistics.
func (q *Queue) Stats(ctx context.Context) (models.QueueStats, error) {
	var stats models.QueueStats
	rows, err := q.db.QueryContext(ctx, "SELECT status, COUNT(*) FROM queue_operations GROUP BY status")
	if err != nil {
		return stats, apperrors.Wrap(apperrors.ErrDatabase, "failed to read queue stats", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			status string
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return stats, apperrors.Wrap(apperrors.ErrDatabase, "failed to scan queue stats", err)
		}
		switch models.OpStatus(status) {
		case models.OpPending:
			stats.Pending = n
		case models.OpSending:
			stats.Sending = n
		case models.OpFailed:
			stats.Failed = n
		}
	}
	if err := rows.Err(); err != nil {
		return stats, err
	}

	if err := q.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM dead_letters").Scan(&stats.DeadLettered); err != nil {
		return stats, apperrors.Wrap(apperrors.ErrDatabase, "failed to count dead letters", err)
	}
	return stats, nil
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanOperation(s scanner) (*models.QueueOperation, error) {
	var (
		op                       models.QueueOperation
		kind, status, role       string
		createdAt, nextAttemptAt int64
		offlineSince             sql.NullInt64
	)
	err := s.Scan(&op.OpID, &op.Collection, &op.DocumentID, &kind, &op.Payload, &op.BaseVersion, &createdAt,
		&op.RetryCount, &nextAttemptAt, &status, &op.LastError, &op.DeviceID, &op.SessionID, &role, &offlineSince)
	if err != nil {
		return nil, err
	}
	op.Kind = models.OpKind(kind)
	op.Status = models.OpStatus(status)
	op.ActorRole = models.Role(role)
	op.CreatedAt = db.FromMillis(createdAt)
	op.NextAttemptAt = db.FromMillis(nextAttemptAt)
	op.OfflineSince = db.FromNullMillis(offlineSince)
	return &op, nil
}
