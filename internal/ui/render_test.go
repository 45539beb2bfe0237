package ui

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/ironlog/setsync/internal/autosave"
	"github.com/ironlog/setsync/internal/engine"
	"github.com/ironlog/setsync/internal/schema"
	"github.com/ironlog/setsync/internal/syncer"
)

func TestExercise_MarksDirtyFields(t *testing.T) {
	notes := "belt"
	entry := &schema.ExerciseCacheEntry{
		ExerciseID: "E1",
		Name:       "Bench Press",
		Sets: []schema.SetRecord{
			{SetID: "1", ActualLoad: 82.5, ActualReps: 8, Completed: true, Notes: &notes},
			{SetID: "2", TargetRepsMin: 6, TargetRepsMax: 8},
		},
	}
	out := Exercise(entry, []autosave.Key{{ExerciseID: "E1", SetID: "1", Field: schema.FieldActualLoad}})

	for _, want := range []string{"Bench Press (E1)", "1/2 sets done", "never synced", "82.5" + DirtyMarker, "6-8", "belt", "not yet synced"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
	if strings.Contains(out, "8"+DirtyMarker+" ") {
		t.Errorf("reps should not be marked dirty:\n%s", out)
	}
}

func TestQueue(t *testing.T) {
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	ops := []schema.PendingOperation{{
		ID: "0123456789abcdef", ExerciseID: "E1", SetID: "3", Field: schema.FieldActualReps,
		Value: json.RawMessage("8"), Timestamp: now.Add(-3 * time.Minute),
	}}

	out := Queue(ops, now)
	for _, want := range []string{"1 pending operation(s)", "3m", "actualReps", "01234567"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
	if !strings.Contains(Queue(nil, now), "empty") {
		t.Error("empty queue not reported")
	}
}

func TestStatusAndSyncResult(t *testing.T) {
	out := Status(engine.Status{Online: false, Pending: 2, Cached: 1, Sync: syncer.Stats{LastError: "connection refused"}})
	for _, want := range []string{"offline", "Pending operations: 2", "never", "connection refused"} {
		if !strings.Contains(out, want) {
			t.Errorf("status missing %q:\n%s", want, out)
		}
	}

	res := syncer.Result{
		Operations: 3, Sent: 2, Confirmed: []string{"a", "b"},
		Rejected: []schema.Rejection{{Payload: schema.SetPayload{ExerciseID: "E1", SetID: "9"}, Error: "unknown set"}},
	}
	out = SyncResult(res, 1)
	for _, want := range []string{"3 operation(s) in 2 payload(s), 2 confirmed", "E1/9: unknown set", "1 operation(s) still pending"} {
		if !strings.Contains(out, want) {
			t.Errorf("result missing %q:\n%s", want, out)
		}
	}
}

func TestAge(t *testing.T) {
	tests := []struct {
		d    time.Duration
		want string
	}{
		{45 * time.Second, "45s"},
		{12 * time.Minute, "12m"},
		{3 * time.Hour, "3h"},
		{50 * time.Hour, "2d"},
	}
	for _, tt := range tests {
		if got := Age(tt.d); got != tt.want {
			t.Errorf("Age(%v) = %q, want %q", tt.d, got, tt.want)
		}
	}
}

func TestCached(t *testing.T) {
	synced := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	entries := []*schema.ExerciseCacheEntry{
		{ExerciseID: "E1", Name: "Squat", Sets: []schema.SetRecord{{SetID: "1", Completed: true}, {SetID: "2"}}},
		{ExerciseID: "E2", Name: "Row", LastSyncedAt: synced},
	}

	out := Cached(entries)
	for _, want := range []string{"E1", "Squat", "never", "E2", "Row", synced.Local().Format(time.DateOnly)} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}
