package db

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/ironlog/setsync/internal/schema"
)

// testDBPath returns a temporary path for test databases
func testDBPath(t *testing.T) string {
	t.Helper()
	return filepath.Join(t.TempDir(), "nested", "test.db")
}

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(testDBPath(t))
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func testEntry(id string) *schema.ExerciseCacheEntry {
	rpe := 8.0
	return &schema.ExerciseCacheEntry{
		ExerciseID: id,
		Name:       "Back Squat",
		Sets: []schema.SetRecord{
			{SetID: "1", ActualLoad: 100, ActualReps: 5, RPE: &rpe, Completed: true, TargetRepsMin: 5, TargetRepsMax: 5},
			{SetID: "2", TargetRepsMin: 5, TargetRepsMax: 5},
		},
		LastSyncedAt: time.Date(2026, 3, 1, 9, 30, 0, 0, time.UTC),
	}
}

func testOp(t *testing.T, exerciseID, setID string, field schema.Field, value any) schema.PendingOperation {
	t.Helper()
	raw, err := schema.EncodeValue(field, value)
	if err != nil {
		t.Fatalf("EncodeValue: %v", err)
	}
	return schema.NewOperation(exerciseID, setID, field, raw, time.Now())
}

func TestOpen_CreatesTables(t *testing.T) {
	db := openTestDB(t)

	for _, table := range []string{"exercise_cache", "pending_ops"} {
		var count int
		query := `SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?`
		if err := db.conn.QueryRow(query, table).Scan(&count); err != nil {
			t.Fatalf("Failed to query table %s: %v", table, err)
		}
		if count != 1 {
			t.Errorf("Table %s does not exist", table)
		}
	}

	if err := db.InitSchema(); err != nil {
		t.Errorf("second InitSchema() failed: %v", err)
	}
}

func TestClose_Idempotent(t *testing.T) {
	db, err := Open(testDBPath(t))
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	if err := db.Close(); err != nil {
		t.Fatalf("Close() failed: %v", err)
	}
	if err := db.Close(); err != nil {
		t.Errorf("second Close() failed: %v", err)
	}
}

func TestGetExercise_Miss(t *testing.T) {
	db := openTestDB(t)

	entry, ok, err := db.GetExercise("nope")
	if err != nil || ok || entry != nil {
		t.Fatalf("GetExercise(miss) = (%v, %v, %v), want (nil, false, nil)", entry, ok, err)
	}

	if _, err := db.LookupExerciseContext(context.Background(), "nope"); !errors.Is(err, ErrNotFound) {
		t.Errorf("LookupExerciseContext(miss) error = %v, want ErrNotFound", err)
	}
}

func TestPutExercise_ReplacesWholesale(t *testing.T) {
	db := openTestDB(t)

	first := testEntry("squat")
	if err := db.PutExercise(first); err != nil {
		t.Fatalf("PutExercise() failed: %v", err)
	}

	got, ok, err := db.GetExercise("squat")
	if err != nil || !ok {
		t.Fatalf("GetExercise() = (%v, %v)", ok, err)
	}
	if diff := cmp.Diff(first, got); diff != "" {
		t.Errorf("entry mismatch (-want +got):\n%s", diff)
	}

	second := &schema.ExerciseCacheEntry{
		ExerciseID: "squat",
		Sets:       []schema.SetRecord{{SetID: "3", ActualReps: 1}},
	}
	if err := db.PutExercise(second); err != nil {
		t.Fatalf("PutExercise() second failed: %v", err)
	}

	got, _, err = db.GetExercise("squat")
	if err != nil {
		t.Fatalf("GetExercise() failed: %v", err)
	}
	if diff := cmp.Diff(second, got); diff != "" {
		t.Errorf("entry after replace mismatch (-want +got):\n%s", diff)
	}
}

func TestPutExercise_Invalid(t *testing.T) {
	db := openTestDB(t)

	bad := &schema.ExerciseCacheEntry{ExerciseID: "x", Sets: []schema.SetRecord{{SetID: ""}}}
	if err := db.PutExercise(bad); err == nil {
		t.Fatal("PutExercise() should reject an entry with an empty setId")
	}
}

func TestListExercisesAndEvict(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	for _, id := range []string{"deadlift", "bench", "squat"} {
		if err := db.PutExercise(testEntry(id)); err != nil {
			t.Fatalf("PutExercise(%s) failed: %v", id, err)
		}
	}
	if err := db.Enqueue(testOp(t, "bench", "1", schema.FieldActualReps, 3)); err != nil {
		t.Fatalf("Enqueue() failed: %v", err)
	}

	entries, err := db.ListExercises()
	if err != nil {
		t.Fatalf("ListExercises() failed: %v", err)
	}
	var ids []string
	for _, e := range entries {
		ids = append(ids, e.ExerciseID)
	}
	if diff := cmp.Diff([]string{"bench", "deadlift", "squat"}, ids); diff != "" {
		t.Errorf("ids mismatch (-want +got):\n%s", diff)
	}

	n, err := db.EvictAll(ctx)
	if err != nil || n != 3 {
		t.Fatalf("EvictAll() = (%d, %v), want (3, nil)", n, err)
	}
	if count, _ := db.CountExercises(ctx); count != 0 {
		t.Errorf("CountExercises() after evict = %d, want 0", count)
	}
	if count, _ := db.CountOps(ctx); count != 1 {
		t.Errorf("CountOps() after evict = %d, want 1 (queue must survive eviction)", count)
	}
}

func TestEnqueue_ListInInsertionOrder(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	var want []schema.PendingOperation
	for i, reps := range []int{5, 6, 7, 8} {
		op := testOp(t, "E1", "3", schema.FieldActualReps, reps)
		// Timestamps deliberately out of order; seq decides listing order.
		op.Timestamp = time.Date(2026, 3, 1, 10, 0, 10-i, 0, time.UTC)
		if err := db.EnqueueContext(ctx, op); err != nil {
			t.Fatalf("EnqueueContext() failed: %v", err)
		}
		want = append(want, op)
	}

	got, err := db.ListOps()
	if err != nil {
		t.Fatalf("ListOps() failed: %v", err)
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("ops mismatch (-want +got):\n%s", diff)
	}
}

func TestEnqueue_RejectsInvalidAndDuplicate(t *testing.T) {
	db := openTestDB(t)

	op := testOp(t, "E1", "1", schema.FieldNotes, "pause reps")
	if err := db.Enqueue(op); err != nil {
		t.Fatalf("Enqueue() failed: %v", err)
	}
	if err := db.Enqueue(op); err == nil {
		t.Error("Enqueue() with a reused id should fail")
	}

	bad := op
	bad.ID = "other"
	bad.Value = json.RawMessage(`"not a number"`)
	bad.Field = schema.FieldActualLoad
	if err := db.Enqueue(bad); err == nil {
		t.Error("Enqueue() with an invalid value should fail")
	}
}

func TestListOps_Filter(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	ops := []schema.PendingOperation{
		testOp(t, "E1", "1", schema.FieldActualLoad, 60),
		testOp(t, "E2", "1", schema.FieldActualLoad, 70),
		testOp(t, "E1", "2", schema.FieldActualLoad, 80),
	}
	for i := range ops {
		ops[i].Timestamp = base.Add(time.Duration(i) * time.Hour)
		if err := db.Enqueue(ops[i]); err != nil {
			t.Fatalf("Enqueue() failed: %v", err)
		}
	}

	tests := []struct {
		name   string
		filter OpsFilter
		want   []string
	}{
		{"all", OpsFilter{}, []string{ops[0].ID, ops[1].ID, ops[2].ID}},
		{"exercise", OpsFilter{ExerciseID: "E1"}, []string{ops[0].ID, ops[2].ID}},
		{"before", OpsFilter{Before: base.Add(90 * time.Minute)}, []string{ops[0].ID, ops[1].ID}},
		{"before sub-second", OpsFilter{Before: base.Add(500 * time.Millisecond)}, []string{ops[0].ID}},
		{"limit", OpsFilter{Limit: 1}, []string{ops[0].ID}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := db.ListOpsContext(ctx, tt.filter)
			if err != nil {
				t.Fatalf("ListOpsContext() failed: %v", err)
			}
			ids := make([]string, 0, len(got))
			for _, op := range got {
				ids = append(ids, op.ID)
			}
			if diff := cmp.Diff(tt.want, ids); diff != "" {
				t.Errorf("ids mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestDeleteOps_OnlyGivenIDs(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	var ops []schema.PendingOperation
	for i := 0; i < 5; i++ {
		op := testOp(t, "E1", "1", schema.FieldActualReps, i)
		if err := db.Enqueue(op); err != nil {
			t.Fatalf("Enqueue() failed: %v", err)
		}
		ops = append(ops, op)
	}

	n, err := db.DeleteOps([]string{ops[1].ID, ops[3].ID, "unknown"})
	if err != nil {
		t.Fatalf("DeleteOps() failed: %v", err)
	}
	if n != 2 {
		t.Errorf("DeleteOps() removed %d rows, want 2", n)
	}

	left, err := db.ListOps()
	if err != nil {
		t.Fatalf("ListOps() failed: %v", err)
	}
	var ids []string
	for _, op := range left {
		ids = append(ids, op.ID)
	}
	if diff := cmp.Diff([]string{ops[0].ID, ops[2].ID, ops[4].ID}, ids); diff != "" {
		t.Errorf("remaining ids mismatch (-want +got):\n%s", diff)
	}

	if _, err := db.GetOpContext(ctx, ops[1].ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetOpContext(deleted) error = %v, want ErrNotFound", err)
	}
	if got, err := db.GetOpContext(ctx, ops[0].ID); err != nil || got.ID != ops[0].ID {
		t.Errorf("GetOpContext(kept) = (%v, %v)", got.ID, err)
	}

	if n, err := db.DeleteOps(nil); err != nil || n != 0 {
		t.Errorf("DeleteOps(nil) = (%d, %v), want (0, nil)", n, err)
	}
}

func TestDeleteOps_ManyIDs(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	var ids []string
	for i := 0; i < deleteChunk+37; i++ {
		op := testOp(t, "E1", "1", schema.FieldActualReps, i)
		if err := db.EnqueueContext(ctx, op); err != nil {
			t.Fatalf("EnqueueContext() failed: %v", err)
		}
		ids = append(ids, op.ID)
	}

	n, err := db.DeleteOpsContext(ctx, ids)
	if err != nil {
		t.Fatalf("DeleteOpsContext() failed: %v", err)
	}
	if int(n) != len(ids) {
		t.Errorf("DeleteOpsContext() removed %d, want %d", n, len(ids))
	}
	if has, _ := db.HasPending(ctx); has {
		t.Error("HasPending() = true after deleting everything")
	}
}

// TestReopen_Durability simulates a process restart: everything put or
// enqueued before Close is visible after a fresh Open.
func TestReopen_Durability(t *testing.T) {
	path := testDBPath(t)
	ctx := context.Background()

	first, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}

	entry := testEntry("squat")
	if err := first.PutExercise(testEntry("squat")); err != nil {
		t.Fatalf("PutExercise() failed: %v", err)
	}
	entry.Sets[1].ActualLoad = 105
	if err := first.PutExercise(entry); err != nil {
		t.Fatalf("PutExercise() failed: %v", err)
	}

	var queued []schema.PendingOperation
	for _, v := range []float64{100, 102.5, 105} {
		op := testOp(t, "squat", "2", schema.FieldActualLoad, v)
		if err := first.Enqueue(op); err != nil {
			t.Fatalf("Enqueue() failed: %v", err)
		}
		queued = append(queued, op)
	}
	if _, err := first.DeleteOps([]string{queued[0].ID}); err != nil {
		t.Fatalf("DeleteOps() failed: %v", err)
	}
	if err := first.Close(); err != nil {
		t.Fatalf("Close() failed: %v", err)
	}

	second, err := Open(path)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer second.Close()

	got, ok, err := second.GetExerciseContext(ctx, "squat")
	if err != nil || !ok {
		t.Fatalf("GetExerciseContext() after reopen = (%v, %v)", ok, err)
	}
	if diff := cmp.Diff(entry, got); diff != "" {
		t.Errorf("entry after reopen mismatch (-want +got):\n%s", diff)
	}

	ops, err := second.ListOps()
	if err != nil {
		t.Fatalf("ListOps() after reopen failed: %v", err)
	}
	if diff := cmp.Diff(queued[1:], ops); diff != "" {
		t.Errorf("queue after reopen mismatch (-want +got):\n%s", diff)
	}
}

func TestDiscardOps(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := db.Enqueue(testOp(t, "E1", "1", schema.FieldActualReps, i)); err != nil {
			t.Fatalf("Enqueue() failed: %v", err)
		}
	}
	n, err := db.DiscardOpsContext(ctx)
	if err != nil || n != 3 {
		t.Fatalf("DiscardOpsContext() = (%d, %v), want (3, nil)", n, err)
	}
}
