package telemetry

import (
	"sync"
	"testing"
	"time"
)

// TestRecordCount verifies counters accumulate per tag set.
func TestRecordCount(t *testing.T) {
	r := NewRegistry()
	r.RecordCount(MetricPushAcked, 1, nil)
	r.RecordCount(MetricPushAcked, 2, nil)
	r.RecordCount(MetricPushAcked, 1, map[string]string{"collection": "matches"})

	snap := r.Snapshot()
	if snap.Counters[MetricPushAcked] != 3 {
		t.Errorf("untagged = %d, want 3", snap.Counters[MetricPushAcked])
	}
	if snap.Counters["sync.push.acked{collection=matches}"] != 1 {
		t.Errorf("tagged series missing: %v", snap.Counters)
	}
}

// TestSeriesKeySortsTags verifies tag order does not split a series.
func TestSeriesKeySortsTags(t *testing.T) {
	a := seriesKey("x", map[string]string{"b": "2", "a": "1"})
	b := seriesKey("x", map[string]string{"a": "1", "b": "2"})
	if a != b || a != "x{a=1,b=2}" {
		t.Errorf("keys = %q, %q", a, b)
	}
}

// TestRecordTiming verifies count, total, max and mean.
func TestRecordTiming(t *testing.T) {
	r := NewRegistry()
	r.RecordTiming(MetricCycle, 10*time.Millisecond, nil)
	r.RecordTiming(MetricCycle, 30*time.Millisecond, nil)

	stat := r.Snapshot().Timings[MetricCycle]
	if stat.Count != 2 || stat.Total != 40*time.Millisecond || stat.Max != 30*time.Millisecond {
		t.Errorf("stat = %+v", stat)
	}
	if stat.Mean() != 20*time.Millisecond {
		t.Errorf("Mean() = %s", stat.Mean())
	}
	if (TimingStat{}).Mean() != 0 {
		t.Error("empty mean should be zero")
	}
}

// TestSnapshotIsCopy verifies later writes do not leak into a snapshot.
func TestSnapshotIsCopy(t *testing.T) {
	r := NewRegistry()
	r.RecordCount(MetricWrite, 1, nil)
	snap := r.Snapshot()
	r.RecordCount(MetricWrite, 1, nil)
	if snap.Counters[MetricWrite] != 1 {
		t.Errorf("snapshot mutated: %d", snap.Counters[MetricWrite])
	}

	r.Reset()
	if len(r.Snapshot().Counters) != 0 {
		t.Error("Reset() should clear counters")
	}
}

// TestConcurrentRecording verifies the registry is safe for parallel use.
func TestConcurrentRecording(t *testing.T) {
	r := NewRegistry()
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				r.RecordCount(MetricPulled, 1, nil)
				r.RecordTiming(MetricCycle, time.Millisecond, nil)
			}
		}()
	}
	wg.Wait()

	snap := r.Snapshot()
	if snap.Counters[MetricPulled] != 800 || snap.Timings[MetricCycle].Count != 800 {
		t.Errorf("snapshot = %+v", snap)
	}
	if names := snap.Names(); len(names) != 2 || names[0] != MetricCycle {
		t.Errorf("Names() = %v", names)
	}
}
