// Package queue tests for the sync queue.
package queue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/kimhsiao/tourneysync/internal/archive"
	"github.com/kimhsiao/tourneysync/internal/cache"
	"github.com/kimhsiao/tourneysync/internal/clock"
	"github.com/kimhsiao/tourneysync/internal/db"
	apperrors "github.com/kimhsiao/tourneysync/internal/errors"
	"github.com/kimhsiao/tourneysync/internal/models"
)

var epoch = time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)

type fixture struct {
	q     *Queue
	cache *cache.Cache
	clock *clock.Fake
	db    *db.DB
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	database, err := db.OpenPath(db.MemoryDSN)
	if err != nil {
		t.Fatalf("OpenPath() failed: %v", err)
	}
	t.Cleanup(func() { database.Close() })
	clk := clock.NewFake(epoch)
	c := cache.New(database, clk, 0)
	return &fixture{q: New(c, clk, cfg), cache: c, clock: clk, db: database}
}

func (f *fixture) write(t *testing.T, kind models.OpKind, id string, payload models.Payload) *models.QueueOperation {
	t.Helper()
	op, err := f.q.RecordWrite(context.Background(), Write{
		Collection: "matches", DocumentID: id, Kind: kind, Payload: payload,
		DeviceID: "dev-1", SessionID: "ses-1", ActorRole: models.RoleReferee,
	})
	if err != nil {
		t.Fatalf("RecordWrite(%s %s) failed: %v", kind, id, err)
	}
	return op
}

// TestRecordWrite verifies the cache and the queue change together.
func TestRecordWrite(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	ctx := context.Background()

	op := f.write(t, models.OpCreate, "m1", models.Payload{"scoreA": 0})
	if op.OpID == 0 || op.Status != models.OpPending {
		t.Errorf("op = %+v", op)
	}

	doc, _ := f.cache.Get(ctx, "matches", "m1")
	if doc == nil || !doc.Dirty || doc.LocalVersion != 1 {
		t.Fatalf("doc = %+v", doc)
	}

	count, _ := f.q.PendingCount(ctx)
	if count != 1 {
		t.Errorf("PendingCount() = %d, want 1", count)
	}
}

// TestRecordWriteValidation verifies kind/existence checks.
func TestRecordWriteValidation(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	ctx := context.Background()

	_, err := f.q.RecordWrite(ctx, Write{Collection: "matches", DocumentID: "m1", Kind: models.OpUpdate, Payload: models.Payload{}})
	if !apperrors.Is(err, apperrors.ErrNotFound) {
		t.Errorf("update of missing doc error = %v, want NOT_FOUND", err)
	}

	f.write(t, models.OpCreate, "m1", models.Payload{"a": 1})
	_, err = f.q.RecordWrite(ctx, Write{Collection: "matches", DocumentID: "m1", Kind: models.OpCreate, Payload: models.Payload{}})
	if !apperrors.Is(err, apperrors.ErrDuplicate) {
		t.Errorf("duplicate create error = %v, want DUPLICATE", err)
	}

	_, err = f.q.RecordWrite(ctx, Write{Collection: "matches", DocumentID: "m1", Kind: "upsert"})
	if !apperrors.Is(err, apperrors.ErrInvalid) {
		t.Errorf("unknown kind error = %v, want INVALID_INPUT", err)
	}
}

// TestRecordWriteQuotaRollsBack verifies a quota failure leaves no operation behind.
func TestRecordWriteQuotaRollsBack(t *testing.T) {
	database, err := db.OpenPath(db.MemoryDSN)
	if err != nil {
		t.Fatalf("OpenPath() failed: %v", err)
	}
	defer database.Close()
	clk := clock.NewFake(epoch)
	q := New(cache.New(database, clk, 4), clk, DefaultConfig())

	_, err = q.RecordWrite(context.Background(), Write{
		Collection: "matches", DocumentID: "m1", Kind: models.OpCreate, Payload: models.Payload{"big": "payload"},
	})
	if !apperrors.Is(err, apperrors.ErrQuotaExceeded) {
		t.Fatalf("RecordWrite() error = %v, want QUOTA_EXCEEDED", err)
	}
	if n, _ := q.PendingCount(context.Background()); n != 0 {
		t.Errorf("PendingCount() = %d, want 0", n)
	}
}

// TestPeekBatchHeadPerKey verifies only the oldest operation of each document is ready.
func TestPeekBatchHeadPerKey(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	ctx := context.Background()

	first := f.write(t, models.OpCreate, "m1", models.Payload{"scoreA": 1})
	f.write(t, models.OpUpdate, "m1", models.Payload{"scoreA": 2})
	other := f.write(t, models.OpCreate, "m2", models.Payload{"scoreA": 7})

	batch, err := f.q.PeekBatch(ctx, 10, nil)
	if err != nil {
		t.Fatalf("PeekBatch() failed: %v", err)
	}
	if len(batch) != 2 || batch[0].OpID != first.OpID || batch[1].OpID != other.OpID {
		t.Fatalf("batch = %v", batch)
	}

	excluded, _ := f.q.PeekBatch(ctx, 10, func(k models.DocKey) bool { return k.DocumentID == "m1" })
	if len(excluded) != 1 || excluded[0].DocumentID != "m2" {
		t.Errorf("excluded batch = %v", excluded)
	}

	limited, _ := f.q.PeekBatch(ctx, 1, nil)
	if len(limited) != 1 {
		t.Errorf("limited batch = %d, want 1", len(limited))
	}

	if err := f.q.MarkSending(ctx, first.OpID); err != nil {
		t.Fatalf("MarkSending() failed: %v", err)
	}
	inflight, _ := f.q.PeekBatch(ctx, 10, nil)
	if len(inflight) != 1 || inflight[0].DocumentID != "m2" {
		t.Errorf("a sending head should block its key, got %v", inflight)
	}
}

// TestPerKeyOrdering verifies operations on one document are acknowledged in creation order.
func TestPerKeyOrdering(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	ctx := context.Background()

	var created []int64
	for i := 0; i < 4; i++ {
		kind := models.OpUpdate
		if i == 0 {
			kind = models.OpCreate
		}
		created = append(created, f.write(t, kind, "m1", models.Payload{"scoreA": i}).OpID)
	}

	var sent []int64
	for version := int64(1); ; version++ {
		batch, err := f.q.PeekBatch(ctx, 10, nil)
		if err != nil {
			t.Fatalf("PeekBatch() failed: %v", err)
		}
		if len(batch) == 0 {
			break
		}
		if len(batch) != 1 {
			t.Fatalf("batch = %d ops for one key, want 1", len(batch))
		}
		sent = append(sent, batch[0].OpID)
		if err := f.q.MarkAcknowledged(ctx, batch[0].OpID, version); err != nil {
			t.Fatalf("MarkAcknowledged() failed: %v", err)
		}
	}

	if len(sent) != len(created) {
		t.Fatalf("sent %d ops, want %d", len(sent), len(created))
	}
	for i := range created {
		if sent[i] != created[i] {
			t.Errorf("sent[%d] = %d, want %d", i, sent[i], created[i])
		}
	}

	doc, _ := f.cache.Get(ctx, "matches", "m1")
	if doc.Dirty || doc.RemoteVersion != 4 || doc.Payload["scoreA"] != float64(3) {
		t.Errorf("doc = %+v", doc)
	}
}

// TestAcknowledgeIsIdempotent verifies replaying an acknowledged operation changes nothing.
func TestAcknowledgeIsIdempotent(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	ctx := context.Background()

	op := f.write(t, models.OpCreate, "m1", models.Payload{"scoreA": 1})
	if err := f.q.MarkAcknowledged(ctx, op.OpID, 1); err != nil {
		t.Fatalf("MarkAcknowledged() failed: %v", err)
	}
	before, _ := f.cache.Get(ctx, "matches", "m1")

	if err := f.q.MarkAcknowledged(ctx, op.OpID, 1); err != nil {
		t.Fatalf("second MarkAcknowledged() failed: %v", err)
	}
	if err := f.q.Enqueue(ctx, op); err != nil {
		t.Fatalf("Enqueue(replay) failed: %v", err)
	}

	after, _ := f.cache.Get(ctx, "matches", "m1")
	if after.Dirty || after.LocalVersion != before.LocalVersion || after.RemoteVersion != before.RemoteVersion {
		t.Errorf("replay changed state: before=%+v after=%+v", before, after)
	}
	if n, _ := f.q.PendingCount(ctx); n != 0 {
		t.Errorf("PendingCount() = %d, want 0", n)
	}
}

// TestEnqueueRestoresOperation verifies a foreign operation is queued and marks the document dirty.
func TestEnqueueRestoresOperation(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	ctx := context.Background()

	op := &models.QueueOperation{OpID: 42, Collection: "players", DocumentID: "p1", Kind: models.OpCreate,
		Payload: models.Payload{"name": "Ada"}}
	if err := f.q.Enqueue(ctx, op); err != nil {
		t.Fatalf("Enqueue() failed: %v", err)
	}
	if err := f.q.Enqueue(ctx, op); err != nil {
		t.Fatalf("Enqueue(duplicate) failed: %v", err)
	}

	ops, _ := f.q.List(ctx)
	if len(ops) != 1 || ops[0].OpID != 42 {
		t.Errorf("ops = %v", ops)
	}
	doc, _ := f.cache.Get(ctx, "players", "p1")
	if doc == nil || !doc.Dirty {
		t.Errorf("doc = %+v, want dirty", doc)
	}
}

// TestBackoff verifies exponential growth and the cap.
func TestBackoff(t *testing.T) {
	f := newFixture(t, Config{MaxRetries: 5, BackoffBase: 2 * time.Second, BackoffMax: 10 * time.Second})
	want := []time.Duration{2 * time.Second, 4 * time.Second, 8 * time.Second, 10 * time.Second, 10 * time.Second}
	for i, w := range want {
		if got := f.q.Backoff(i + 1); got != w {
			t.Errorf("Backoff(%d) = %v, want %v", i+1, got, w)
		}
	}
}

// TestMarkFailedSchedulesRetry verifies failures wait out their backoff before reappearing.
func TestMarkFailedSchedulesRetry(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	ctx := context.Background()

	op := f.write(t, models.OpCreate, "m1", models.Payload{"scoreA": 1})
	f.q.MarkSending(ctx, op.OpID)

	dead, err := f.q.MarkFailed(ctx, op.OpID, true, errors.New("connection reset"))
	if err != nil || dead {
		t.Fatalf("MarkFailed() = %v, %v", dead, err)
	}

	if batch, _ := f.q.PeekBatch(ctx, 10, nil); len(batch) != 0 {
		t.Errorf("operation should wait for backoff, got %v", batch)
	}
	f.clock.Advance(2 * time.Second)
	batch, _ := f.q.PeekBatch(ctx, 10, nil)
	if len(batch) != 1 || batch[0].RetryCount != 1 || batch[0].Status != models.OpFailed {
		t.Fatalf("batch = %+v", batch)
	}
	if batch[0].LastError != "connection reset" {
		t.Errorf("LastError = %q", batch[0].LastError)
	}
}

// TestMarkFailedDeadLetters verifies an exhausted operation leaves the queue and is archived.
func TestMarkFailedDeadLetters(t *testing.T) {
	f := newFixture(t, Config{MaxRetries: 2, BackoffBase: time.Second, BackoffMax: time.Second})
	ctx := context.Background()

	op := f.write(t, models.OpCreate, "m1", models.Payload{"scoreA": 1})
	for i := 0; i < 2; i++ {
		dead, err := f.q.MarkFailed(ctx, op.OpID, true, errors.New("timeout"))
		if err != nil || dead {
			t.Fatalf("attempt %d: MarkFailed() = %v, %v", i, dead, err)
		}
	}
	dead, err := f.q.MarkFailed(ctx, op.OpID, true, errors.New("timeout"))
	if err != nil || !dead {
		t.Fatalf("final MarkFailed() = %v, %v; want dead-lettered", dead, err)
	}

	stats, _ := f.q.Stats(ctx)
	if stats.Total() != 0 || stats.DeadLettered != 1 {
		t.Errorf("stats = %+v", stats)
	}
	if doc, _ := f.cache.Get(ctx, "matches", "m1"); doc != nil {
		t.Errorf("never-synced document should be reverted away, got %+v", doc)
	}

	letters, err := f.q.ListDeadLetters(ctx)
	if err != nil || len(letters) != 1 {
		t.Fatalf("ListDeadLetters() = %v, %v", letters, err)
	}
	if letters[0].Operation.OpID != op.OpID || letters[0].Operation.RetryCount != 3 {
		t.Errorf("dead letter = %+v", letters[0].Operation)
	}

	archived, _ := archive.NewStore(f.db).List(ctx, archive.KindDeadLetter, 10)
	if len(archived) != 1 || archived[0].Subject != "matches/m1" {
		t.Errorf("archived = %v", archived)
	}
}

// TestMarkFailedTerminal verifies non-retryable failures dead-letter immediately.
func TestMarkFailedTerminal(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	ctx := context.Background()

	op := f.write(t, models.OpCreate, "m1", models.Payload{"scoreA": 1})
	dead, err := f.q.MarkFailed(ctx, op.OpID, false, errors.New("malformed request"))
	if err != nil || !dead {
		t.Fatalf("MarkFailed() = %v, %v; want dead-lettered", dead, err)
	}
}

// TestRequeueDeadLetter verifies a dead letter returns as a fresh operation.
func TestRequeueDeadLetter(t *testing.T) {
	f := newFixture(t, Config{MaxRetries: 0, BackoffBase: time.Second, BackoffMax: time.Second})
	ctx := context.Background()

	op := f.write(t, models.OpCreate, "m1", models.Payload{"scoreA": 9})
	if dead, _ := f.q.MarkFailed(ctx, op.OpID, true, errors.New("timeout")); !dead {
		t.Fatal("expected dead letter")
	}

	requeued, err := f.q.RequeueDeadLetter(ctx, op.OpID)
	if err != nil {
		t.Fatalf("RequeueDeadLetter() failed: %v", err)
	}
	if requeued.OpID == op.OpID || requeued.RetryCount != 0 || requeued.Status != models.OpPending {
		t.Errorf("requeued = %+v", requeued)
	}

	doc, _ := f.cache.Get(ctx, "matches", "m1")
	if doc == nil || !doc.Dirty || doc.Payload["scoreA"] != float64(9) {
		t.Errorf("doc = %+v", doc)
	}

	if _, err := f.q.RequeueDeadLetter(ctx, op.OpID); !apperrors.Is(err, apperrors.ErrNotFound) {
		t.Errorf("second requeue error = %v, want NOT_FOUND", err)
	}
}

// TestRelease verifies cancelled sends return to pending without a retry charge.
func TestRelease(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	ctx := context.Background()

	op := f.write(t, models.OpCreate, "m1", models.Payload{"scoreA": 1})
	f.q.MarkSending(ctx, op.OpID)
	if err := f.q.Release(ctx, op.OpID); err != nil {
		t.Fatalf("Release() failed: %v", err)
	}

	got, _ := f.q.Get(ctx, op.OpID)
	if got.Status != models.OpPending || got.RetryCount != 0 {
		t.Errorf("op = %+v", got)
	}

	f.q.MarkSending(ctx, op.OpID)
	if n, _ := f.q.ReleaseAll(ctx); n != 1 {
		t.Errorf("ReleaseAll() = %d, want 1", n)
	}
}

// TestDiscardAudits verifies permission-denied operations are dropped with an audit entry.
func TestDiscardAudits(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	ctx := context.Background()

	create := f.write(t, models.OpCreate, "m1", models.Payload{"scoreA": 1})
	if err := f.q.MarkAcknowledged(ctx, create.OpID, 1); err != nil {
		t.Fatalf("MarkAcknowledged() failed: %v", err)
	}
	update := f.write(t, models.OpUpdate, "m1", models.Payload{"scoreA": 5})

	if err := f.q.Discard(ctx, update.OpID, apperrors.New(apperrors.ErrPermission, "referee not assigned")); err != nil {
		t.Fatalf("Discard() failed: %v", err)
	}

	doc, _ := f.cache.Get(ctx, "matches", "m1")
	if doc.Dirty || doc.Payload["scoreA"] != float64(1) {
		t.Errorf("doc = %+v, want reverted to acknowledged payload", doc)
	}

	entries, _ := db.ListAudit(ctx, f.db, 10)
	if len(entries) != 1 || entries[0].Action != models.AuditPermissionDenied {
		t.Errorf("audit = %v", entries)
	}
}

// TestRebaseCollapses verifies a rebase leaves one operation on the new base version.
func TestRebaseCollapses(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	ctx := context.Background()

	f.write(t, models.OpCreate, "m1", models.Payload{"scoreA": 1})
	f.write(t, models.OpUpdate, "m1", models.Payload{"scoreA": 2})
	key := models.DocKey{Collection: "matches", DocumentID: "m1"}

	op, err := f.q.Rebase(ctx, f.db, key, models.OpUpdate, models.Payload{"scoreA": 3}, 7)
	if err != nil {
		t.Fatalf("Rebase() failed: %v", err)
	}
	ops, _ := f.q.ListForKey(ctx, f.db, key)
	if len(ops) != 1 || ops[0].OpID != op.OpID || ops[0].BaseVersion != 7 {
		t.Fatalf("ops = %+v", ops)
	}
	if ops[0].SessionID != "ses-1" {
		t.Errorf("SessionID = %q, want carried from previous op", ops[0].SessionID)
	}

	n, err := f.q.DropKey(ctx, f.db, key)
	if err != nil || n != 1 {
		t.Errorf("DropKey() = %d, %v", n, err)
	}
}
