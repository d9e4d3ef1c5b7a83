package sync

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kimhsiao/tourneysync/internal/cache"
	"github.com/kimhsiao/tourneysync/internal/db"
	apperrors "github.com/kimhsiao/tourneysync/internal/errors"
	"github.com/kimhsiao/tourneysync/internal/models"
	"github.com/kimhsiao/tourneysync/internal/remote"
	"github.com/kimhsiao/tourneysync/internal/sync/conflict"
	"github.com/kimhsiao/tourneysync/internal/telemetry"
)

// pullPageLimit bounds the pages pulled per collection in one cycle.
const pullPageLimit = 100

// outcome is what happened to one pushed operation.
type outcome int

const (
	outcomeAcked outcome = iota
	outcomeConflict
	outcomeRetry
	outcomeDeadLettered
	outcomeDiscarded
	outcomeReleased
)

// ForceSync runs a cycle now. Concurrent callers share the cycle already in
// flight and receive its result. The cycle runs under the first caller's
// context.
func (o *Orchestrator) ForceSync(ctx context.Context) (*models.SyncResult, error) {
	if !o.monitor.IsOnline() {
		return nil, apperrors.New(apperrors.ErrNetwork, "device is offline")
	}
	v, err, _ := o.flight.Do("sync", func() (interface{}, error) {
		return o.cycle(ctx)
	})
	res, _ := v.(*models.SyncResult)
	if res != nil {
		out := *res
		res = &out
	}
	return res, err
}

// cycle drains the queue and then pulls remote changes.
func (o *Orchestrator) cycle(parent context.Context) (*models.SyncResult, error) {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	o.mu.Lock()
	o.cancelCycle = cancel
	o.state = models.StateDraining
	o.mu.Unlock()

	start := o.clock.Now().UTC()
	res := &models.SyncResult{StartTime: start}
	o.log.Debug("sync cycle started")

	err := o.drain(ctx, res)
	if err == nil {
		err = o.pull(ctx, res)
	}

	bookkeeping := context.WithoutCancel(parent)
	if ctx.Err() != nil {
		res.Interrupted = true
		if _, relErr := o.queue.ReleaseAll(bookkeeping); relErr != nil {
			o.log.Error("failed to release operations", relErr)
		}
		if parent.Err() == nil {
			err = apperrors.Wrap(apperrors.ErrNetwork, "sync interrupted by connectivity loss", ctx.Err())
		} else {
			err = apperrors.Wrap(apperrors.ErrNetwork, "sync cancelled", parent.Err())
		}
	}

	res.EndTime = o.clock.Now().UTC()
	res.Duration = res.EndTime.Sub(res.StartTime)
	if err != nil {
		res.Error = err.Error()
		o.metrics.RecordCount(telemetry.MetricCycleFailed, 1, nil)
	}
	o.metrics.RecordCount(telemetry.MetricCycle, 1, nil)
	o.metrics.RecordTiming(telemetry.MetricCycle, time.Since(start), nil)

	state := models.StateIdle
	if open, countErr := o.conflicts.CountOpen(bookkeeping); countErr == nil && open > 0 {
		state = models.StateIdleWithConflicts
	}

	o.mu.Lock()
	o.cancelCycle = nil
	o.state = state
	if err == nil {
		end := res.EndTime
		o.lastSync = &end
	}
	o.mu.Unlock()

	if err == nil {
		if stateErr := db.SetState(bookkeeping, o.db, stateLastSync, strconv.FormatInt(db.Millis(res.EndTime), 10)); stateErr != nil {
			o.log.Error("failed to persist last sync time", stateErr)
		}
	}

	o.log.Info("sync cycle finished", map[string]interface{}{
		"pushed":        res.Pushed,
		"pulled":        res.Pulled,
		"conflicts":     res.Conflicts,
		"retried":       res.Retried,
		"dead_lettered": res.DeadLettered,
		"discarded":     res.Discarded,
		"interrupted":   res.Interrupted,
		"duration":      res.Duration.String(),
	})
	o.completed.Publish(*res)
	return res, err
}

// drain pushes ready operations batch by batch. A batch holds at most the
// head operation of each document, so operations of one document are pushed
// strictly in order while different documents go out in parallel.
func (o *Orchestrator) drain(ctx context.Context, res *models.SyncResult) error {
	open, err := o.conflicts.OpenKeys(ctx)
	if err != nil {
		return err
	}

	var mu sync.Mutex
	excluded := func(k models.DocKey) bool {
		mu.Lock()
		defer mu.Unlock()
		return open[k]
	}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		batch, err := o.queue.PeekBatch(ctx, o.opts.BatchSize, excluded)
		if err != nil {
			return err
		}
		if len(batch) == 0 {
			return nil
		}

		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(o.opts.Parallelism)
		for _, op := range batch {
			op := op
			g.Go(func() error {
				out, err := o.pushOne(gctx, op)
				if err != nil {
					return err
				}
				mu.Lock()
				defer mu.Unlock()
				switch out {
				case outcomeAcked:
					res.Pushed++
				case outcomeConflict:
					res.Conflicts++
					open[op.Key()] = true
				case outcomeRetry:
					res.Retried++
				case outcomeDeadLettered:
					res.DeadLettered++
				case outcomeDiscarded:
					res.Discarded++
				}
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return err
		}
	}
}

// pushOne sends op and records the outcome. Only local bookkeeping failures
// are returned as errors.
func (o *Orchestrator) pushOne(ctx context.Context, op *models.QueueOperation) (outcome, error) {
	bookkeeping := context.WithoutCancel(ctx)
	key := op.Key()
	tags := map[string]string{"collection": op.Collection}

	if err := o.queue.MarkSending(ctx, op.OpID); err != nil {
		return outcomeReleased, err
	}

	req := remote.PushRequest{
		Collection:      op.Collection,
		DocumentID:      op.DocumentID,
		Kind:            op.Kind,
		Payload:         op.Payload,
		ExpectedVersion: op.BaseVersion,
		Author: remote.Author{
			DeviceID:  op.DeviceID,
			SessionID: op.SessionID,
			Role:      op.ActorRole,
		},
		Timestamp: op.CreatedAt,
		OpID:      op.OpID,
	}
	if op.Kind == models.OpDelete {
		req.Payload = nil
	}

	pctx, cancel := context.WithTimeout(ctx, o.opts.PushTimeout)
	started := time.Now()
	result, err := o.remote.Push(pctx, req)
	timedOut := errors.Is(pctx.Err(), context.DeadlineExceeded)
	cancel()
	o.metrics.RecordTiming(telemetry.MetricPushLatency, time.Since(started), tags)

	switch {
	case err != nil && ctx.Err() != nil:
		return outcomeReleased, o.queue.Release(bookkeeping, op.OpID)

	case err != nil:
		if timedOut && !apperrors.Is(err, apperrors.ErrTimeout) {
			err = apperrors.Wrap(apperrors.ErrTimeout, fmt.Sprintf("push exceeded %s", o.opts.PushTimeout), err)
		}
		return o.handlePushError(bookkeeping, op, err, tags)

	case result.Acked:
		if err := o.queue.MarkAcknowledged(bookkeeping, op.OpID, result.NewVersion); err != nil {
			return outcomeAcked, err
		}
		o.metrics.RecordCount(telemetry.MetricPushAcked, 1, tags)
		return outcomeAcked, nil

	case result.Conflict != nil:
		rec, err := o.recordConflict(bookkeeping, op, result.Conflict)
		if err != nil {
			return outcomeConflict, err
		}
		o.metrics.RecordCount(telemetry.MetricPushConflict, 1, tags)
		o.detected.Publish(rec)
		if rec.Type == models.ConflictDataCorruption {
			o.reportError(apperrors.ErrDataCorruption, key, op.OpID,
				apperrors.Newf(apperrors.ErrDataCorruption, "remote copy of %s failed validation", key))
		}
		return outcomeConflict, nil

	default:
		err := apperrors.New(apperrors.ErrSyncFailed, "push returned neither acknowledgment nor conflict")
		return o.handlePushError(bookkeeping, op, err, tags)
	}
}

func (o *Orchestrator) handlePushError(ctx context.Context, op *models.QueueOperation, err error, tags map[string]string) (outcome, error) {
	key := op.Key()
	if apperrors.Is(err, apperrors.ErrPermission) {
		if discardErr := o.queue.Discard(ctx, op.OpID, err); discardErr != nil {
			return outcomeDiscarded, discardErr
		}
		o.metrics.RecordCount(telemetry.MetricPushDiscarded, 1, tags)
		o.reportError(apperrors.ErrPermission, key, op.OpID, err)
		return outcomeDiscarded, nil
	}

	dead, markErr := o.queue.MarkFailed(ctx, op.OpID, apperrors.IsRetryable(err), err)
	if markErr != nil {
		return outcomeRetry, markErr
	}
	if dead {
		o.metrics.RecordCount(telemetry.MetricDeadLettered, 1, tags)
		o.reportError(apperrors.ErrDeadLettered, key, op.OpID,
			apperrors.Wrap(apperrors.ErrDeadLettered, fmt.Sprintf("operation %d on %s dead-lettered", op.OpID, key), err))
		return outcomeDeadLettered, nil
	}
	o.metrics.RecordCount(telemetry.MetricPushRetry, 1, tags)
	o.log.Debug("push will be retried", map[string]interface{}{
		"op_id": op.OpID, "key": key.String(), "error": err.Error(),
	})
	return outcomeRetry, nil
}

// recordConflict classifies the rejected push and stores the record while
// returning the operation to pending, in one transaction. The document is
// then held back from draining until the conflict is resolved.
func (o *Orchestrator) recordConflict(ctx context.Context, op *models.QueueOperation, current *remote.Document) (*models.ConflictRecord, error) {
	local, err := o.cache.Get(ctx, op.Collection, op.DocumentID)
	if err != nil {
		return nil, err
	}
	rec := o.detector.Detect(conflict.Input{Op: op, Local: local, Remote: current}, o.sessions.Now())

	err = o.db.WithTx(ctx, func(tx *sql.Tx) error {
		if err := o.conflicts.InsertTx(ctx, tx, rec); err != nil {
			return err
		}
		return o.queue.ReleaseTx(ctx, tx, op.OpID)
	})
	if err != nil {
		return nil, err
	}
	o.log.Warn("conflict detected", map[string]interface{}{
		"conflict_id": rec.ConflictID,
		"key":         op.Key().String(),
		"type":        string(rec.Type),
		"severity":    string(rec.Severity),
	})
	return rec, nil
}

// pull hydrates clean cached documents from every collection's change feed,
// starting after the stored cursor.
func (o *Orchestrator) pull(ctx context.Context, res *models.SyncResult) error {
	for _, collection := range o.opts.Collections {
		n, err := o.pullCollection(ctx, collection)
		res.Pulled += n
		if err != nil {
			return err
		}
	}
	return nil
}

func (o *Orchestrator) pullCollection(ctx context.Context, collection string) (int, error) {
	cursor, err := o.cursor(ctx, collection)
	if err != nil {
		return 0, err
	}

	applied := 0
	for page := 0; page < pullPageLimit; page++ {
		pctx, cancel := context.WithTimeout(ctx, o.opts.PushTimeout)
		result, err := o.remote.Pull(pctx, collection, cursor)
		timedOut := errors.Is(pctx.Err(), context.DeadlineExceeded)
		cancel()
		if err != nil {
			if timedOut && !apperrors.Is(err, apperrors.ErrTimeout) {
				err = apperrors.Wrap(apperrors.ErrTimeout, "pull timed out", err)
			}
			return applied, fmt.Errorf("failed to pull %s: %w", collection, err)
		}

		for i := range result.Documents {
			doc := &result.Documents[i]
			key := models.DocKey{Collection: collection, DocumentID: doc.ID}
			if !doc.Deleted {
				if err := o.validator.Validate(collection, doc.Payload); err != nil {
					o.reportError(apperrors.ErrDataCorruption, key, 0,
						apperrors.Wrap(apperrors.ErrDataCorruption, "pulled document failed validation", err))
					continue
				}
			}
			outcome, err := o.cache.ApplyRemote(ctx, &models.CachedDocument{
				Collection:     collection,
				DocumentID:     doc.ID,
				Payload:        doc.Payload,
				RemoteVersion:  doc.Version,
				LastModifiedAt: doc.UpdatedAt,
				Deleted:        doc.Deleted,
			})
			if err != nil {
				return applied, err
			}
			if outcome == cache.Applied {
				applied++
			}
		}

		if len(result.Documents) == 0 || result.NextSeq <= cursor {
			break
		}
		cursor = result.NextSeq
		if err := o.setCursor(ctx, collection, cursor); err != nil {
			return applied, err
		}
	}
	if applied > 0 {
		o.metrics.RecordCount(telemetry.MetricPulled, applied, map[string]string{"collection": collection})
	}
	return applied, nil
}

func (o *Orchestrator) cursor(ctx context.Context, collection string) (int64, error) {
	var seq int64
	err := o.db.QueryRowContext(ctx, "SELECT seq FROM sync_cursors WHERE collection = ?", collection).Scan(&seq)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, apperrors.Wrap(apperrors.ErrDatabase, "failed to read sync cursor", err)
	}
	return seq, nil
}

func (o *Orchestrator) setCursor(ctx context.Context, collection string, seq int64) error {
	_, err := o.db.ExecContext(ctx, `
		INSERT INTO sync_cursors (collection, seq) VALUES (?, ?)
		ON CONFLICT(collection) DO UPDATE SET seq = excluded.seq`, collection, seq)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "failed to store sync cursor", err)
	}
	return nil
}
