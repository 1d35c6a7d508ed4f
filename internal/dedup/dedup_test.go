package dedup

import (
	"testing"
	"time"
)

var t0 = time.Date(2024, 3, 14, 8, 0, 0, 0, time.UTC)

func TestSeenCache_Suppression(t *testing.T) {
	c := NewSeenCache(0, 0)
	c.Record("42", t0)

	if !c.Seen("42", t0.Add(2*time.Minute)) {
		t.Error("expected 42 to be suppressed after 2 minutes")
	}
	if c.Seen("42", t0.Add(6*time.Minute)) {
		t.Error("expected 42 to be released after the suppression window")
	}
	if c.Seen("43", t0) {
		t.Error("unknown id reported as seen")
	}
}

func TestSeenCache_Evict(t *testing.T) {
	c := NewSeenCache(0, 0)
	c.Record("a", t0)
	c.Record("b", t0.Add(3*time.Minute))
	c.Record("c", t0.Add(9*time.Minute))

	if n := c.Evict(t0.Add(10 * time.Minute)); n != 0 {
		t.Errorf("evicted %d entries at exactly the retention window", n)
	}
	if n := c.Evict(t0.Add(14 * time.Minute)); n != 2 {
		t.Errorf("evicted %d entries, want 2", n)
	}
	if c.Len() != 1 {
		t.Errorf("len = %d, want 1", c.Len())
	}
	if c.Seen("a", t0.Add(14*time.Minute)) {
		t.Error("evicted id still reported as seen")
	}
}

func TestSeenCache_RecordRefreshes(t *testing.T) {
	c := NewSeenCache(0, 0)
	c.Record("a", t0)
	c.Record("b", t0.Add(time.Minute))
	c.Record("a", t0.Add(8*time.Minute))

	if c.Len() != 2 {
		t.Fatalf("len = %d, want 2", c.Len())
	}
	c.Evict(t0.Add(12 * time.Minute))
	if c.Len() != 1 {
		t.Errorf("len = %d after evict, want 1", c.Len())
	}
	if !c.Seen("a", t0.Add(12*time.Minute)) {
		t.Error("refreshed id should still be suppressed")
	}
}
