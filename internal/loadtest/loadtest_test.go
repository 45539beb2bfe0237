package loadtest

import (
	"context"
	"path/filepath"
	"testing"
	"time"
)

func newFixture(t *testing.T, opts Options) *Fixture {
	t.Helper()
	f, err := NewFixture(context.Background(), filepath.Join(t.TempDir(), "load.db"), opts)
	if err != nil {
		t.Fatalf("Failed to create fixture: %v", err)
	}
	t.Cleanup(func() { _ = f.Close() })
	return f
}

// TestNewFixture verifies both sides are seeded with the same exercises.
func TestNewFixture(t *testing.T) {
	f := newFixture(t, DefaultOptions())

	if len(f.ExerciseIDs) != 5 {
		t.Fatalf("Expected 5 exercises, got %d", len(f.ExerciseIDs))
	}
	n, err := f.DB.CountExercises(context.Background())
	if err != nil {
		t.Fatalf("CountExercises failed: %v", err)
	}
	if n != 5 {
		t.Errorf("Expected 5 cached exercises, got %d", n)
	}
	for _, id := range f.ExerciseIDs {
		ex, ok := f.Store.Exercise(id)
		if !ok {
			t.Fatalf("Server is missing %s", id)
		}
		if len(ex.Sets) != 4 {
			t.Errorf("%s: expected 4 sets, got %d", id, len(ex.Sets))
		}
	}
}

func TestNewFixture_InvalidOptions(t *testing.T) {
	_, err := NewFixture(context.Background(), filepath.Join(t.TempDir(), "load.db"), Options{})
	if err == nil {
		t.Fatal("Expected error for empty options")
	}
}

// TestConcurrentEnqueues_Small verifies every append lands in the queue.
func TestConcurrentEnqueues_Small(t *testing.T) {
	f := newFixture(t, DefaultOptions())
	ctx := context.Background()

	stats, err := f.RunConcurrentEnqueues(ctx, 8, 10)
	if err != nil {
		t.Fatalf("Concurrent enqueues failed: %v", err)
	}
	if stats.Errors > 0 {
		t.Errorf("Got %d errors during enqueue", stats.Errors)
	}
	if stats.Count != 80 {
		t.Errorf("Expected 80 timed operations, got %d", stats.Count)
	}
	if stats.Min > stats.P50 || stats.P50 > stats.P99 || stats.P99 > stats.Max {
		t.Errorf("Percentiles out of order: %+v", stats)
	}

	n, err := f.DB.CountOps(ctx)
	if err != nil {
		t.Fatalf("CountOps failed: %v", err)
	}
	if n != 80 {
		t.Errorf("Expected 80 queued operations, got %d", n)
	}
}

// TestDrain_Converges verifies the server ends with the last queued value for
// every field and the queue ends empty.
func TestDrain_Converges(t *testing.T) {
	f := newFixture(t, DefaultOptions())
	ctx := context.Background()

	if _, err := f.RunConcurrentEnqueues(ctx, 10, 20); err != nil {
		t.Fatalf("Concurrent enqueues failed: %v", err)
	}

	want, err := f.Expected(ctx)
	if err != nil {
		t.Fatalf("Expected failed: %v", err)
	}

	res, err := f.Drain(ctx, 5)
	if err != nil {
		t.Fatalf("Drain failed: %v", err)
	}
	if res.Confirmed != 200 {
		t.Errorf("Expected 200 confirmed operations, got %d", res.Confirmed)
	}
	if res.Rejected != 0 {
		t.Errorf("Expected no rejections, got %d", res.Rejected)
	}
	// 5 exercises x 4 sets bounds the number of distinct payloads.
	if res.Payloads > 20 {
		t.Errorf("Expected at most 20 payloads, got %d", res.Payloads)
	}

	pending, err := f.DB.HasPending(ctx)
	if err != nil {
		t.Fatalf("HasPending failed: %v", err)
	}
	if pending {
		t.Error("Queue should be empty after drain")
	}

	if err := f.VerifyConverged(want); err != nil {
		t.Error(err)
	}
}

func TestDrain_EmptyQueue(t *testing.T) {
	f := newFixture(t, DefaultOptions())

	res, err := f.Drain(context.Background(), 3)
	if err != nil {
		t.Fatalf("Drain failed: %v", err)
	}
	if res.Flushes != 0 {
		t.Errorf("Expected no flushes for an empty queue, got %d", res.Flushes)
	}
}

func TestComputeLatencyStats(t *testing.T) {
	var ds []time.Duration
	for i := 100; i >= 1; i-- {
		ds = append(ds, time.Duration(i)*time.Millisecond)
	}

	s := computeLatencyStats(ds)
	if s.Min != time.Millisecond || s.Max != 100*time.Millisecond {
		t.Errorf("Min/Max = %v/%v", s.Min, s.Max)
	}
	if s.P50 != 51*time.Millisecond {
		t.Errorf("P50 = %v, want 51ms", s.P50)
	}
	if s.Mean != 50500*time.Microsecond {
		t.Errorf("Mean = %v, want 50.5ms", s.Mean)
	}
	if s.Count != 100 {
		t.Errorf("Count = %d, want 100", s.Count)
	}

	if empty := computeLatencyStats(nil); empty.Count != 0 {
		t.Errorf("empty Count = %d", empty.Count)
	}
}
