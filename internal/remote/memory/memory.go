// Package memory provides an in-process remote store. It backs tests,
// demos and multi-device simulations, and supports fault injection.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/kimhsiao/tourneysync/internal/clock"
	apperrors "github.com/kimhsiao/tourneysync/internal/errors"
	"github.com/kimhsiao/tourneysync/internal/events"
	"github.com/kimhsiao/tourneysync/internal/models"
	"github.com/kimhsiao/tourneysync/internal/remote"
)

// Authorizer decides whether a push is allowed. Returning an error rejects
// it; the error should carry PERMISSION_DENIED.
type Authorizer func(req remote.PushRequest, current *remote.Document) error

type collection struct {
	seq  int64
	docs map[string]*remote.Document
}

type pushKey struct {
	device string
	opID   int64
}

// Store is an in-memory remote.Store.
type Store struct {
	mu          sync.Mutex
	clock       clock.Clock
	collections map[string]*collection
	applied     map[pushKey]*remote.PushResult
	authorize   Authorizer
	offline     bool
	failures    []error
	latency     time.Duration
	clockOffset time.Duration
	pushes      int
	changes     *events.Bus[remote.Change]
}

// New creates an empty Store.
func New(clk clock.Clock) *Store {
	if clk == nil {
		clk = clock.Real()
	}
	return &Store{
		clock:       clk,
		collections: make(map[string]*collection),
		applied:     make(map[pushKey]*remote.PushResult),
		changes:     events.NewBus[remote.Change](),
	}
}

// SetAuthorizer installs a permission check applied to every push.
func (s *Store) SetAuthorizer(a Authorizer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.authorize = a
}

// SetOffline makes every call fail with NETWORK_ERROR.
func (s *Store) SetOffline(offline bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.offline = offline
}

// FailNext queues errors returned by the next pushes, one per push.
func (s *Store) FailNext(errs ...error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures = append(s.failures, errs...)
}

// SetLatency delays every call by d, honoring context cancellation.
func (s *Store) SetLatency(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.latency = d
}

// SetClockOffset skews the time reported by ServerTime.
func (s *Store) SetClockOffset(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clockOffset = d
}

// Pushes returns how many pushes were applied, excluding replays and
// rejected pushes.
func (s *Store) Pushes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pushes
}

func (s *Store) wait(ctx context.Context) error {
	s.mu.Lock()
	latency, offline := s.latency, s.offline
	s.mu.Unlock()

	if offline {
		return apperrors.New(apperrors.ErrNetwork, "remote store unreachable")
	}
	if latency <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(latency)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return apperrors.Wrap(apperrors.ErrTimeout, "remote call cancelled", ctx.Err())
	case <-timer.C:
		return nil
	}
}

func (s *Store) collection(name string) *collection {
	c, ok := s.collections[name]
	if !ok {
		c = &collection{docs: make(map[string]*remote.Document)}
		s.collections[name] = c
	}
	return c
}

// Pull implements remote.Store.
func (s *Store) Pull(ctx context.Context, name string, sinceSeq int64) (*remote.PullResult, error) {
	if err := s.wait(ctx); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	c := s.collection(name)
	res := &remote.PullResult{NextSeq: sinceSeq}
	for _, doc := range c.docs {
		if doc.Seq > sinceSeq {
			res.Documents = append(res.Documents, copyDoc(doc))
		}
	}
	sort.Slice(res.Documents, func(i, j int) bool { return res.Documents[i].Seq < res.Documents[j].Seq })
	if n := len(res.Documents); n > 0 {
		res.NextSeq = res.Documents[n-1].Seq
	}
	return res, nil
}

// Push implements remote.Store with optimistic version checks.
func (s *Store) Push(ctx context.Context, req remote.PushRequest) (*remote.PushResult, error) {
	if err := s.wait(ctx); err != nil {
		return nil, err
	}

	s.mu.Lock()
	if len(s.failures) > 0 {
		err := s.failures[0]
		s.failures = s.failures[1:]
		s.mu.Unlock()
		return nil, err
	}

	key := pushKey{device: req.Author.DeviceID, opID: req.OpID}
	if req.OpID != 0 {
		if prev, ok := s.applied[key]; ok {
			s.mu.Unlock()
			res := *prev
			return &res, nil
		}
	}

	c := s.collection(req.Collection)
	current := c.docs[req.DocumentID]
	var currentVersion int64
	if current != nil {
		currentVersion = current.Version
	}

	if s.authorize != nil {
		var snapshot *remote.Document
		if current != nil {
			d := copyDoc(current)
			snapshot = &d
		}
		if err := s.authorize(req, snapshot); err != nil {
			s.mu.Unlock()
			return nil, err
		}
	}

	if req.ExpectedVersion != currentVersion || (req.Kind == models.OpCreate && current != nil && !current.Deleted) {
		var conflict remote.Document
		if current != nil {
			conflict = copyDoc(current)
		} else {
			conflict = remote.Document{ID: req.DocumentID, Deleted: true}
		}
		s.mu.Unlock()
		return &remote.PushResult{Conflict: &conflict}, nil
	}

	c.seq++
	doc := &remote.Document{
		ID:        req.DocumentID,
		Payload:   req.Payload.Clone(),
		Version:   currentVersion + 1,
		Seq:       c.seq,
		UpdatedAt: req.Timestamp,
		UpdatedBy: req.Author,
		Deleted:   req.Kind == models.OpDelete,
	}
	if doc.UpdatedAt.IsZero() {
		doc.UpdatedAt = s.clock.Now().UTC()
	}
	if doc.Deleted && current != nil {
		doc.Payload = current.Payload.Clone()
	}
	c.docs[req.DocumentID] = doc

	res := &remote.PushResult{Acked: true, NewVersion: doc.Version}
	if req.OpID != 0 {
		s.applied[key] = res
	}
	s.pushes++
	change := remote.Change{Collection: req.Collection, DocumentID: req.DocumentID, Seq: doc.Seq}
	s.mu.Unlock()

	s.changes.Publish(change)
	out := *res
	return &out, nil
}

// Put writes a document directly, as another device would, and returns it.
func (s *Store) Put(name, id string, payload models.Payload, author remote.Author) remote.Document {
	s.mu.Lock()
	c := s.collection(name)
	var version int64
	if cur := c.docs[id]; cur != nil {
		version = cur.Version
	}
	c.seq++
	doc := &remote.Document{
		ID:        id,
		Payload:   payload.Clone(),
		Version:   version + 1,
		Seq:       c.seq,
		UpdatedAt: s.clock.Now().UTC(),
		UpdatedBy: author,
	}
	c.docs[id] = doc
	out := copyDoc(doc)
	s.mu.Unlock()

	s.changes.Publish(remote.Change{Collection: name, DocumentID: id, Seq: doc.Seq})
	return out
}

// Get returns the current remote document, or nil.
func (s *Store) Get(name, id string) *remote.Document {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, ok := s.collection(name).docs[id]
	if !ok {
		return nil
	}
	out := copyDoc(doc)
	return &out
}

// Subscribe implements remote.Subscriber. Notifications are delivered
// synchronously after each applied change.
func (s *Store) Subscribe(ctx context.Context, fn func(remote.Change)) (func(), error) {
	return s.changes.Subscribe(fn), nil
}

// ServerTime implements remote.TimeSource.
func (s *Store) ServerTime(ctx context.Context) (time.Time, error) {
	if err := s.wait(ctx); err != nil {
		return time.Time{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.clock.Now().Add(s.clockOffset), nil
}

func copyDoc(d *remote.Document) remote.Document {
	out := *d
	out.Payload = d.Payload.Clone()
	return out
}
