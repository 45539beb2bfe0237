package schema

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func TestSetPayload_MarshalJSON(t *testing.T) {
	p := SetPayload{
		ExerciseID: "E1",
		SetID:      "3",
		Fields: map[Field]json.RawMessage{
			FieldActualReps: json.RawMessage("8"),
			FieldActualLoad: json.RawMessage("80"),
		},
	}

	got, err := json.Marshal(p)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	want := `{"exerciseId":"E1","setId":"3","actualLoad":80,"actualReps":8}`
	if string(got) != want {
		t.Errorf("Marshal = %s, want %s", got, want)
	}

	var back SetPayload
	if err := json.Unmarshal(got, &back); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if diff := cmp.Diff(p, back); diff != "" {
		t.Errorf("round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestSetPayload_UnmarshalRejectsUnknownField(t *testing.T) {
	var p SetPayload
	err := json.Unmarshal([]byte(`{"exerciseId":"E1","setId":"1","weight":3}`), &p)
	if err == nil {
		t.Fatal("expected error for unknown field")
	}
}

func TestSetPayload_ApplyTo(t *testing.T) {
	p := SetPayload{
		ExerciseID: "E1",
		SetID:      "1",
		Fields: map[Field]json.RawMessage{
			FieldActualLoad: json.RawMessage("100"),
			FieldNotes:      json.RawMessage(`"belt"`),
		},
	}
	var s SetRecord
	if err := p.ApplyTo(&s); err != nil {
		t.Fatalf("ApplyTo: %v", err)
	}
	if s.ActualLoad != 100 || s.Notes == nil || *s.Notes != "belt" {
		t.Errorf("ApplyTo produced %+v", s)
	}
}

func TestPendingOperation_Validate(t *testing.T) {
	now := time.Now()
	valid := NewOperation("E1", "1", FieldActualReps, json.RawMessage("5"), now)

	tests := []struct {
		name    string
		mutate  func(op *PendingOperation)
		wantErr string
	}{
		{name: "valid", mutate: func(*PendingOperation) {}},
		{name: "missing id", mutate: func(op *PendingOperation) { op.ID = "" }, wantErr: "id is required"},
		{name: "missing exercise", mutate: func(op *PendingOperation) { op.ExerciseID = "" }, wantErr: "exerciseId is required"},
		{name: "missing set", mutate: func(op *PendingOperation) { op.SetID = "" }, wantErr: "setId is required"},
		{name: "bad field", mutate: func(op *PendingOperation) { op.Field = "x" }, wantErr: "unknown field"},
		{name: "bad value", mutate: func(op *PendingOperation) { op.Value = json.RawMessage(`"five"`) }, wantErr: "invalid value"},
		{name: "zero timestamp", mutate: func(op *PendingOperation) { op.Timestamp = time.Time{} }, wantErr: "timestamp is required"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			op := valid
			tt.mutate(&op)
			err := op.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("Validate() unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() error = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestNewOperation_UniqueIDs(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		op := NewOperation("E1", "1", FieldActualLoad, json.RawMessage("1"), time.Now())
		if seen[op.ID] {
			t.Fatalf("duplicate id %s", op.ID)
		}
		seen[op.ID] = true
	}
}

func TestExerciseEntry_SortsAndClones(t *testing.T) {
	rpe := 7.0
	ex := &Exercise{
		ID: "E1",
		Sets: []SetRecord{
			{SetID: "10"},
			{SetID: "2", RPE: &rpe},
			{SetID: "warmup"},
			{SetID: "1"},
		},
	}
	entry := ex.Entry(time.Now())

	var ids []string
	for _, s := range entry.Sets {
		ids = append(ids, s.SetID)
	}
	if diff := cmp.Diff([]string{"1", "2", "10", "warmup"}, ids); diff != "" {
		t.Errorf("set order mismatch (-want +got):\n%s", diff)
	}

	*entry.FindSet("2").RPE = 9
	if rpe != 7 {
		t.Errorf("Entry shares RPE pointer with source record")
	}

	clone := entry.Clone()
	clone.FindSet("1").ActualLoad = 50
	if entry.FindSet("1").ActualLoad != 0 {
		t.Errorf("Clone shares set storage with original")
	}
	if entry.FindSet("missing") != nil {
		t.Errorf("FindSet(missing) should be nil")
	}
}

func TestExerciseCacheEntry_Validate(t *testing.T) {
	entry := ExerciseCacheEntry{ExerciseID: "E1", Sets: []SetRecord{{SetID: "1"}, {SetID: "1"}}}
	if err := entry.Validate(); err == nil || !strings.Contains(err.Error(), "duplicate") {
		t.Errorf("Validate() error = %v, want duplicate setId", err)
	}
	entry.ExerciseID = ""
	if err := entry.Validate(); err == nil {
		t.Error("Validate() should require exerciseId")
	}
}

func TestExerciseFiles(t *testing.T) {
	dir := t.TempDir()

	ex := &Exercise{ID: "bench", Name: "Bench Press", Sets: []SetRecord{{SetID: "1", TargetRepsMin: 6, TargetRepsMax: 8}}}
	if err := WriteExerciseFile(dir, ex); err != nil {
		t.Fatalf("WriteExerciseFile: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "broken.json"), []byte("{"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "README.md"), []byte("ignored"), 0644); err != nil {
		t.Fatal(err)
	}

	all, err := ReadAllExerciseFiles(dir)
	if err != nil {
		t.Fatalf("ReadAllExerciseFiles: %v", err)
	}
	if len(all) != 1 {
		t.Fatalf("got %d exercises, want 1", len(all))
	}
	if diff := cmp.Diff(ex, all[0]); diff != "" {
		t.Errorf("exercise mismatch (-want +got):\n%s", diff)
	}

	missing, err := ReadAllExerciseFiles(filepath.Join(dir, "nope"))
	if err != nil || len(missing) != 0 {
		t.Errorf("missing dir = (%v, %v), want empty, nil", missing, err)
	}
}
