// Package sync drives the offline-first sync cycle: it drains the operation
// queue against the remote store, turns rejected pushes into conflict
// records, hydrates the cache from remote changes, and exposes status and
// notifications to the application.
package sync

import (
	"context"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/kimhsiao/tourneysync/internal/archive"
	"github.com/kimhsiao/tourneysync/internal/cache"
	"github.com/kimhsiao/tourneysync/internal/clock"
	"github.com/kimhsiao/tourneysync/internal/connectivity"
	"github.com/kimhsiao/tourneysync/internal/db"
	apperrors "github.com/kimhsiao/tourneysync/internal/errors"
	"github.com/kimhsiao/tourneysync/internal/events"
	"github.com/kimhsiao/tourneysync/internal/logging"
	"github.com/kimhsiao/tourneysync/internal/models"
	"github.com/kimhsiao/tourneysync/internal/offline"
	"github.com/kimhsiao/tourneysync/internal/remote"
	"github.com/kimhsiao/tourneysync/internal/schema"
	"github.com/kimhsiao/tourneysync/internal/session"
	"github.com/kimhsiao/tourneysync/internal/sync/conflict"
	"github.com/kimhsiao/tourneysync/internal/sync/queue"
	"github.com/kimhsiao/tourneysync/internal/telemetry"
)

const (
	stateLastSync     = "last_sync_at"
	stateOfflineSince = "offline_since"
)

// Options tunes the drain loop.
type Options struct {
	BatchSize   int
	Parallelism int
	// PollInterval is how often a cycle runs while online.
	PollInterval time.Duration
	// PushTimeout bounds each push and pull request.
	PushTimeout time.Duration
	// Collections are pulled in this order.
	Collections []string
	// ClockCheckInterval is how often the clock is compared with the remote
	// store when it reports time. Zero disables the check.
	ClockCheckInterval time.Duration
}

// DefaultOptions returns the default drain settings.
func DefaultOptions() Options {
	return Options{
		BatchSize:          50,
		Parallelism:        4,
		PollInterval:       5 * time.Second,
		PushTimeout:        10 * time.Second,
		Collections:        []string{"tournaments", "matches", "brackets", "players"},
		ClockCheckInterval: 10 * time.Minute,
	}
}

// Settings assembles an Orchestrator and the components it owns.
type Settings struct {
	DeviceID      string
	Clock         clock.Clock
	Options       Options
	Queue         queue.Config
	Offline       offline.Options
	Monitor       connectivity.Options
	Detector      conflict.Config
	Session       session.Options
	CacheMaxBytes int64

	// Validator checks payloads; the embedded schemas are used when nil.
	Validator *schema.Validator
	// Archiver receives a copy of everything archived locally.
	Archiver archive.Archiver
	// Notifier supplies change notifications when the store itself cannot.
	Notifier remote.Subscriber
	Metrics  *telemetry.Registry
}

// SyncError is a failure the application must see: a dead-lettered or
// refused operation, corrupt remote data, or a failed cycle.
type SyncError struct {
	Code       apperrors.ErrorCode `json:"code"`
	Collection string              `json:"collection,omitempty"`
	DocumentID string              `json:"document_id,omitempty"`
	OpID       int64               `json:"op_id,omitempty"`
	Err        error               `json:"-"`
	At         time.Time           `json:"at"`
}

// Error implements the error interface.
func (e SyncError) Error() string {
	if e.Err == nil {
		return string(e.Code)
	}
	return e.Err.Error()
}

// Orchestrator owns one device's sync engine.
type Orchestrator struct {
	db        *db.DB
	cache     *cache.Cache
	queue     *queue.Queue
	conflicts *conflict.Store
	detector  *conflict.Detector
	resolver  *conflict.Resolver
	sessions  *session.Manager
	monitor   *connectivity.Monitor
	limiter   *offline.Limiter
	validator *schema.Validator
	remote    remote.Store
	notifier  remote.Subscriber
	clock     clock.Clock
	metrics   *telemetry.Registry
	opts      Options
	log       *logging.Logger

	flight singleflight.Group
	wake   chan struct{}

	mu          sync.Mutex
	state       models.OrchestratorState
	lastSync    *time.Time
	cancelCycle context.CancelFunc
	detach      []func()

	completed *events.Bus[models.SyncResult]
	detected  *events.Bus[*models.ConflictRecord]
	warnings  *events.Bus[offline.Event]
	failures  *events.Bus[SyncError]
}

// New builds an Orchestrator over database and store. Operations left in
// flight by a previous process are returned to pending.
func New(database *db.DB, store remote.Store, s Settings) (*Orchestrator, error) {
	if store == nil {
		return nil, apperrors.New(apperrors.ErrInvalid, "remote store is required")
	}
	clk := s.Clock
	if clk == nil {
		clk = clock.Real()
	}
	opts := s.Options
	defaults := DefaultOptions()
	if opts.BatchSize <= 0 {
		opts.BatchSize = defaults.BatchSize
	}
	if opts.Parallelism <= 0 {
		opts.Parallelism = defaults.Parallelism
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = defaults.PollInterval
	}
	if opts.PushTimeout <= 0 {
		opts.PushTimeout = defaults.PushTimeout
	}
	if len(opts.Collections) == 0 {
		opts.Collections = defaults.Collections
	}

	validator := s.Validator
	if validator == nil {
		v, err := schema.New()
		if err != nil {
			return nil, err
		}
		validator = v
	}
	metrics := s.Metrics
	if metrics == nil {
		metrics = telemetry.Default()
	}
	deviceID := s.DeviceID
	if deviceID == "" {
		deviceID = "local"
	}

	c := cache.New(database, clk, s.CacheMaxBytes)
	q := queue.New(c, clk, s.Queue)
	conflicts := conflict.NewStore(database, clk)
	if s.Archiver != nil {
		tee := archive.NewTee(archive.NewStore(database), s.Archiver)
		q.SetArchiver(tee)
		conflicts.SetArchiver(tee)
	}
	sessions := session.New(database, clk, deviceID, s.Session)

	o := &Orchestrator{
		db:        database,
		cache:     c,
		queue:     q,
		conflicts: conflicts,
		detector:  conflict.NewDetector(s.Detector, validator, sessions),
		resolver:  conflict.NewResolver(c, q, conflicts, validator, clk),
		sessions:  sessions,
		monitor:   connectivity.NewMonitor(clk, s.Monitor),
		limiter:   offline.NewLimiter(clk, s.Offline),
		validator: validator,
		remote:    store,
		notifier:  s.Notifier,
		clock:     clk,
		metrics:   metrics,
		opts:      opts,
		log:       logging.Get().With(map[string]interface{}{"component": "orchestrator", "device_id": deviceID}),
		wake:      make(chan struct{}, 1),
		state:     models.StateIdle,
		completed: events.NewBus[models.SyncResult](),
		detected:  events.NewBus[*models.ConflictRecord](),
		warnings:  events.NewBus[offline.Event](),
		failures:  events.NewBus[SyncError](),
	}
	if o.notifier == nil {
		if sub, ok := store.(remote.Subscriber); ok {
			o.notifier = sub
		}
	}

	ctx := context.Background()
	if n, err := q.ReleaseAll(ctx); err != nil {
		return nil, err
	} else if n > 0 {
		o.log.Info("released interrupted operations", map[string]interface{}{"count": n})
	}
	if err := o.restore(ctx); err != nil {
		return nil, err
	}

	o.detach = append(o.detach,
		o.limiter.Attach(o.monitor),
		o.monitor.Subscribe(o.handleConnectivity),
		o.limiter.Subscribe(o.warnings.Publish),
	)
	o.persistOfflineSince(ctx)
	return o, nil
}

// restore reloads the last sync time and an offline window that was open
// when the previous process stopped.
func (o *Orchestrator) restore(ctx context.Context) error {
	last, err := db.GetState(ctx, o.db, stateLastSync)
	if err != nil {
		return err
	}
	if ms, err := strconv.ParseInt(last, 10, 64); err == nil && ms > 0 {
		t := db.FromMillis(ms)
		o.lastSync = &t
	}

	since, err := db.GetState(ctx, o.db, stateOfflineSince)
	if err != nil {
		return err
	}
	if ms, err := strconv.ParseInt(since, 10, 64); err == nil && ms > 0 && !o.monitor.IsOnline() {
		o.limiter.Restore(db.FromMillis(ms))
	}
	return nil
}

// Close detaches listeners and cancels a running cycle. The database is
// owned by the caller.
func (o *Orchestrator) Close() {
	o.mu.Lock()
	detach := o.detach
	o.detach = nil
	if o.cancelCycle != nil {
		o.cancelCycle()
	}
	o.mu.Unlock()
	for _, fn := range detach {
		fn()
	}
}

// handleConnectivity cancels the running cycle when the device goes offline
// and schedules one when it comes back.
func (o *Orchestrator) handleConnectivity(s connectivity.State) {
	o.persistOfflineSince(context.Background())
	if !s.IsOnline {
		o.mu.Lock()
		if o.cancelCycle != nil {
			o.cancelCycle()
		}
		o.mu.Unlock()
		o.log.Info("connectivity lost", map[string]interface{}{"network": string(s.NetworkType)})
		return
	}
	o.log.Info("connectivity restored", map[string]interface{}{"network": string(s.NetworkType)})
	o.Trigger()
}

func (o *Orchestrator) persistOfflineSince(ctx context.Context) {
	value := ""
	if since := o.limiter.OfflineSince(); since != nil {
		value = strconv.FormatInt(db.Millis(*since), 10)
	}
	if err := db.SetState(ctx, o.db, stateOfflineSince, value); err != nil {
		o.log.Error("failed to persist offline window", err)
	}
}

// Trigger schedules a cycle on the Run loop without blocking.
func (o *Orchestrator) Trigger() {
	select {
	case o.wake <- struct{}{}:
	default:
	}
}

// Run drives cycles until ctx is cancelled: on Trigger, on every poll
// interval while online, and on remote change notifications. It also keeps
// the offline limiter and the clock check ticking.
func (o *Orchestrator) Run(ctx context.Context) error {
	if o.notifier != nil {
		unsubscribe, err := o.notifier.Subscribe(ctx, func(remote.Change) { o.Trigger() })
		if err != nil {
			o.log.Warn("change notifications unavailable, polling only", map[string]interface{}{"error": err.Error()})
		} else {
			defer unsubscribe()
		}
	}
	go o.limiter.Run(ctx, time.Second)

	var clockTick <-chan time.Time
	if ts, ok := o.remote.(remote.TimeSource); ok && o.opts.ClockCheckInterval > 0 {
		o.checkClock(ctx, ts)
		ticker := time.NewTicker(o.opts.ClockCheckInterval)
		defer ticker.Stop()
		clockTick = ticker.C
	}

	poll := time.NewTicker(o.opts.PollInterval)
	defer poll.Stop()

	o.log.Info("sync loop started", map[string]interface{}{"poll_interval": o.opts.PollInterval.String()})
	o.Trigger()
	for {
		select {
		case <-ctx.Done():
			o.log.Info("sync loop stopped")
			return nil
		case <-poll.C:
			o.Trigger()
		case <-o.wake:
			if !o.monitor.IsOnline() {
				continue
			}
			if _, err := o.ForceSync(ctx); err != nil && ctx.Err() == nil {
				o.log.Warn("sync cycle failed", map[string]interface{}{"error": err.Error()})
			}
		case <-clockTick:
			if ts, ok := o.remote.(remote.TimeSource); ok {
				o.checkClock(ctx, ts)
			}
		}
	}
}

func (o *Orchestrator) checkClock(ctx context.Context, ts remote.TimeSource) {
	if !o.monitor.IsOnline() {
		return
	}
	cctx, cancel := context.WithTimeout(ctx, o.opts.PushTimeout)
	defer cancel()
	if _, err := o.sessions.CheckClock(cctx, ts); err != nil {
		o.log.Warn("clock check failed", map[string]interface{}{"error": err.Error()})
	}
}

// GetSyncStatus derives the current status.
func (o *Orchestrator) GetSyncStatus(ctx context.Context) (*models.SyncStatus, error) {
	stats, err := o.queue.Stats(ctx)
	if err != nil {
		return nil, err
	}
	cacheStats, err := o.cache.Stats(ctx)
	if err != nil {
		return nil, err
	}
	open, err := o.conflicts.CountOpen(ctx)
	if err != nil {
		return nil, err
	}

	o.mu.Lock()
	state := o.state
	var last *time.Time
	if o.lastSync != nil {
		t := *o.lastSync
		last = &t
	}
	o.mu.Unlock()
	if state != models.StateDraining && open > 0 {
		state = models.StateIdleWithConflicts
	}

	status := &models.SyncStatus{
		IsOnline:              o.monitor.IsOnline(),
		LastSyncTime:          last,
		PendingOperationCount: stats.Total(),
		SyncInProgress:        state == models.StateDraining,
		OfflineStartTime:      o.limiter.OfflineSince(),
		CacheSizeBytes:        cacheStats.EstimatedSizeBytes,
		ConflictCount:         open,
		DeadLetterCount:       stats.DeadLettered,
		State:                 state,
		CanOperateOffline:     o.limiter.CanOperateOffline(),
	}
	if remaining, isOffline := o.limiter.TimeRemaining(); isOffline {
		status.OfflineTimeRemaining = &remaining
	}
	return status, nil
}

// OnSyncComplete registers fn for every finished cycle.
func (o *Orchestrator) OnSyncComplete(fn func(models.SyncResult)) (unsubscribe func()) {
	return o.completed.Subscribe(fn)
}

// OnConflictDetected registers fn for every new conflict record.
func (o *Orchestrator) OnConflictDetected(fn func(*models.ConflictRecord)) (unsubscribe func()) {
	return o.detected.Subscribe(fn)
}

// OnOfflineWarning registers fn for offline limit warnings and expiry.
func (o *Orchestrator) OnOfflineWarning(fn func(offline.Event)) (unsubscribe func()) {
	return o.warnings.Subscribe(fn)
}

// OnError registers fn for failures that need the user's attention.
func (o *Orchestrator) OnError(fn func(SyncError)) (unsubscribe func()) {
	return o.failures.Subscribe(fn)
}

func (o *Orchestrator) reportError(code apperrors.ErrorCode, key models.DocKey, opID int64, err error) {
	o.log.ErrorWithCode("sync error", string(code), err, map[string]interface{}{
		"key": key.String(), "op_id": opID,
	})
	o.failures.Publish(SyncError{
		Code:       code,
		Collection: key.Collection,
		DocumentID: key.DocumentID,
		OpID:       opID,
		Err:        err,
		At:         o.clock.Now().UTC(),
	})
}

// Cache returns the local cache.
func (o *Orchestrator) Cache() *cache.Cache { return o.cache }

// Queue returns the operation queue.
func (o *Orchestrator) Queue() *queue.Queue { return o.queue }

// Conflicts returns the conflict record store.
func (o *Orchestrator) Conflicts() *conflict.Store { return o.conflicts }

// Resolver returns the conflict resolver.
func (o *Orchestrator) Resolver() *conflict.Resolver { return o.resolver }

// Sessions returns the device session manager.
func (o *Orchestrator) Sessions() *session.Manager { return o.sessions }

// Monitor returns the connectivity monitor fed by probes or Report.
func (o *Orchestrator) Monitor() *connectivity.Monitor { return o.monitor }

// Limiter returns the offline time limiter.
func (o *Orchestrator) Limiter() *offline.Limiter { return o.limiter }

// Metrics returns the telemetry registry.
func (o *Orchestrator) Metrics() *telemetry.Registry { return o.metrics }
