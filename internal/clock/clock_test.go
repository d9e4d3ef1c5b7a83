package clock

import (
	"testing"
	"time"
)

// TestFakeAdvanceFiresInOrder verifies due timers fire in deadline order.
func TestFakeAdvanceFiresInOrder(t *testing.T) {
	start := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	c := NewFake(start)

	var order []string
	c.AfterFunc(2*time.Second, func() { order = append(order, "b") })
	c.AfterFunc(1*time.Second, func() { order = append(order, "a") })
	late := c.AfterFunc(10*time.Second, func() { order = append(order, "late") })

	c.Advance(3 * time.Second)

	if len(order) != 2 || order[0] != "a" || order[1] != "b" {
		t.Fatalf("order = %v, want [a b]", order)
	}
	if !c.Now().Equal(start.Add(3 * time.Second)) {
		t.Errorf("now = %v", c.Now())
	}
	if !late.Stop() {
		t.Error("Stop on pending timer should return true")
	}
	if late.Stop() {
		t.Error("second Stop should return false")
	}
	if c.Pending() != 0 {
		t.Errorf("pending = %d, want 0", c.Pending())
	}
}

// TestFakeTimerSchedulesFromCallback verifies callbacks may schedule new timers.
func TestFakeTimerSchedulesFromCallback(t *testing.T) {
	c := NewFake(time.Unix(0, 0))
	fired := 0
	c.AfterFunc(time.Second, func() {
		fired++
		c.AfterFunc(time.Second, func() { fired++ })
	})

	c.Advance(5 * time.Second)
	if fired != 2 {
		t.Errorf("fired = %d, want 2", fired)
	}
}
