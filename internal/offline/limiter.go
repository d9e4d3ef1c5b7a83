// Package offline enforces the maximum time a device may keep accepting
// writes without reaching the remote store.
package offline

import (
	"context"
	"sync"
	"time"

	"github.com/kimhsiao/tourneysync/internal/clock"
	"github.com/kimhsiao/tourneysync/internal/connectivity"
	"github.com/kimhsiao/tourneysync/internal/events"
	"github.com/kimhsiao/tourneysync/internal/logging"
)

// EventKind distinguishes limiter notifications.
type EventKind string

const (
	EventWarning  EventKind = "warning"
	EventExceeded EventKind = "exceeded"
)

// Event is published once per offline window for each kind.
type Event struct {
	Kind       EventKind     `json:"kind"`
	OfflineFor time.Duration `json:"offline_for"`
	Remaining  time.Duration `json:"remaining"`
	At         time.Time     `json:"at"`
}

// Options configures a Limiter.
type Options struct {
	MaxDuration time.Duration
	// WarningThreshold is the fraction of MaxDuration remaining at which the
	// warning fires.
	WarningThreshold float64
}

// DefaultOptions returns a 24 hour limit with a warning at 25% remaining.
func DefaultOptions() Options {
	return Options{MaxDuration: 24 * time.Hour, WarningThreshold: 0.25}
}

// Limiter tracks the current offline window.
type Limiter struct {
	mu           sync.Mutex
	clock        clock.Clock
	opts         Options
	offlineSince *time.Time
	warned       bool
	exceeded     bool
	bus          *events.Bus[Event]
}

// NewLimiter creates a Limiter. The device is assumed online until told
// otherwise.
func NewLimiter(clk clock.Clock, opts Options) *Limiter {
	if clk == nil {
		clk = clock.Real()
	}
	defaults := DefaultOptions()
	if opts.MaxDuration <= 0 {
		opts.MaxDuration = defaults.MaxDuration
	}
	if opts.WarningThreshold <= 0 || opts.WarningThreshold >= 1 {
		opts.WarningThreshold = defaults.WarningThreshold
	}
	return &Limiter{clock: clk, opts: opts, bus: events.NewBus[Event]()}
}

// MaxDuration returns the configured limit.
func (l *Limiter) MaxDuration() time.Duration {
	return l.opts.MaxDuration
}

// Attach follows m's transitions and adopts its current state. The returned
// function detaches.
func (l *Limiter) Attach(m *connectivity.Monitor) (detach func()) {
	detach = m.Subscribe(l.HandleState)
	l.HandleState(m.Current())
	return detach
}

// HandleState starts an offline window on the first offline state and
// clears it when the device is back online.
func (l *Limiter) HandleState(s connectivity.State) {
	l.mu.Lock()
	if s.IsOnline {
		if l.offlineSince != nil {
			logging.Info("offline window closed", map[string]interface{}{
				"offline_for": l.clock.Now().Sub(*l.offlineSince).String(),
			})
		}
		l.offlineSince = nil
		l.warned = false
		l.exceeded = false
		l.mu.Unlock()
		return
	}
	if l.offlineSince == nil {
		now := l.clock.Now()
		l.offlineSince = &now
	}
	l.mu.Unlock()
	l.Evaluate()
}

// Restore resumes an offline window that began at since, for example one
// persisted before a restart.
func (l *Limiter) Restore(since time.Time) {
	l.mu.Lock()
	l.offlineSince = &since
	l.warned = false
	l.exceeded = false
	l.mu.Unlock()
	l.Evaluate()
}

// OfflineSince returns the start of the current offline window, or nil.
func (l *Limiter) OfflineSince() *time.Time {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.offlineSince == nil {
		return nil
	}
	since := *l.offlineSince
	return &since
}

// TimeRemaining returns how long the device may stay offline. The boolean is
// false when the device is online and no window is running.
func (l *Limiter) TimeRemaining() (time.Duration, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.remainingLocked()
}

func (l *Limiter) remainingLocked() (time.Duration, bool) {
	if l.offlineSince == nil {
		return l.opts.MaxDuration, false
	}
	remaining := l.opts.MaxDuration - l.clock.Now().Sub(*l.offlineSince)
	if remaining < 0 {
		remaining = 0
	}
	return remaining, true
}

// CanOperateOffline reports whether writes are still allowed. It is false
// once the offline window reaches the limit.
func (l *Limiter) CanOperateOffline() bool {
	l.Evaluate()
	remaining, offline := l.TimeRemaining()
	return !offline || remaining > 0
}

// Subscribe registers fn for warning and exceeded events.
func (l *Limiter) Subscribe(fn func(Event)) (unsubscribe func()) {
	return l.bus.Subscribe(fn)
}

// Evaluate fires any threshold events that are due. Each fires at most once
// per offline window.
func (l *Limiter) Evaluate() {
	l.mu.Lock()
	remaining, offline := l.remainingLocked()
	if !offline {
		l.mu.Unlock()
		return
	}
	now := l.clock.Now()
	offlineFor := now.Sub(*l.offlineSince)

	var due []Event
	warnAt := time.Duration(float64(l.opts.MaxDuration) * l.opts.WarningThreshold)
	if !l.warned && remaining <= warnAt {
		l.warned = true
		due = append(due, Event{Kind: EventWarning, OfflineFor: offlineFor, Remaining: remaining, At: now})
	}
	if !l.exceeded && remaining <= 0 {
		l.exceeded = true
		due = append(due, Event{Kind: EventExceeded, OfflineFor: offlineFor, At: now})
	}
	l.mu.Unlock()

	for _, ev := range due {
		logging.Warn("offline limit "+string(ev.Kind), map[string]interface{}{
			"offline_for": ev.OfflineFor.String(),
			"remaining":   ev.Remaining.String(),
		})
		l.bus.Publish(ev)
	}
}

// Run evaluates the limiter every interval until ctx is cancelled.
func (l *Limiter) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.Evaluate()
		}
	}
}
