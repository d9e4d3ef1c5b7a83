// Package telemetry keeps in-process counters and timings for the sync
// engine. Nothing is transmitted anywhere; values are exposed only through
// Snapshot, which the CLI prints with `status --verbose`.
package telemetry

import (
	"sort"
	"strings"
	"sync"
	"time"
)

// Metric names recorded by the engine.
const (
	MetricPushLatency    = "sync.push.latency"
	MetricPushAcked      = "sync.push.acked"
	MetricPushConflict   = "sync.push.conflict"
	MetricPushRetry      = "sync.push.retry"
	MetricPushDiscarded  = "sync.push.discarded"
	MetricDeadLettered   = "sync.dead_lettered"
	MetricPulled         = "sync.pull.documents"
	MetricCycle          = "sync.cycle"
	MetricCycleFailed    = "sync.cycle.failed"
	MetricWrite          = "engine.write"
	MetricWriteRejected  = "engine.write.rejected"
	MetricConflictSolved = "conflict.resolved"
)

// TimingStat aggregates observed durations.
type TimingStat struct {
	Count int64         `json:"count"`
	Total time.Duration `json:"total"`
	Max   time.Duration `json:"max"`
}

// Mean returns the average duration.
func (s TimingStat) Mean() time.Duration {
	if s.Count == 0 {
		return 0
	}
	return s.Total / time.Duration(s.Count)
}

// Snapshot is a point-in-time copy of all recorded values.
type Snapshot struct {
	Counters map[string]int64      `json:"counters"`
	Timings  map[string]TimingStat `json:"timings"`
}

// Names returns every counter and timing name in order.
func (s Snapshot) Names() []string {
	names := make([]string, 0, len(s.Counters)+len(s.Timings))
	for name := range s.Counters {
		names = append(names, name)
	}
	for name := range s.Timings {
		if _, ok := s.Counters[name]; !ok {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// Registry holds counters and timings.
type Registry struct {
	mu       sync.Mutex
	counters map[string]int64
	timings  map[string]TimingStat
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		counters: make(map[string]int64),
		timings:  make(map[string]TimingStat),
	}
}

// RecordCount adds delta to the counter name.
func (r *Registry) RecordCount(name string, delta int, tags map[string]string) {
	key := seriesKey(name, tags)
	r.mu.Lock()
	r.counters[key] += int64(delta)
	r.mu.Unlock()
}

// RecordTiming adds one observation to the timing name.
func (r *Registry) RecordTiming(name string, duration time.Duration, tags map[string]string) {
	key := seriesKey(name, tags)
	r.mu.Lock()
	stat := r.timings[key]
	stat.Count++
	stat.Total += duration
	if duration > stat.Max {
		stat.Max = duration
	}
	r.timings[key] = stat
	r.mu.Unlock()
}

// Snapshot copies the current values.
func (r *Registry) Snapshot() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := Snapshot{
		Counters: make(map[string]int64, len(r.counters)),
		Timings:  make(map[string]TimingStat, len(r.timings)),
	}
	for k, v := range r.counters {
		out.Counters[k] = v
	}
	for k, v := range r.timings {
		out.Timings[k] = v
	}
	return out
}

// Reset clears all values.
func (r *Registry) Reset() {
	r.mu.Lock()
	r.counters = make(map[string]int64)
	r.timings = make(map[string]TimingStat)
	r.mu.Unlock()
}

// seriesKey renders name{k=v,...} with tags sorted by key.
func seriesKey(name string, tags map[string]string) string {
	if len(tags) == 0 {
		return name
	}
	keys := make([]string, 0, len(tags))
	for k := range tags {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString(name)
	b.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(tags[k])
	}
	b.WriteByte('}')
	return b.String()
}

// Convenience functions using the default registry

var defaultRegistry = NewRegistry()

// Default returns the process-wide registry.
func Default() *Registry {
	return defaultRegistry
}

func RecordCount(name string, delta int, tags map[string]string) {
	defaultRegistry.RecordCount(name, delta, tags)
}

func RecordTiming(name string, duration time.Duration, tags map[string]string) {
	defaultRegistry.RecordTiming(name, duration, tags)
}
