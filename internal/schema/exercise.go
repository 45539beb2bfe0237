package schema

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Exercise is the authoritative record returned by the system of record.
type Exercise struct {
	ID   string      `json:"id"`
	Name string      `json:"name,omitempty"`
	Sets []SetRecord `json:"sets"`
}

// ExerciseCacheEntry is the last known full state of one exercise's sets.
// There is at most one entry per ExerciseID; writes replace it wholesale.
type ExerciseCacheEntry struct {
	ExerciseID   string      `json:"exerciseId"`
	Name         string      `json:"name,omitempty"`
	Sets         []SetRecord `json:"sets"`
	LastSyncedAt time.Time   `json:"lastSyncedAt"`
}

// Validate checks the exercise has an id and unique, non-empty set ids.
func (e *Exercise) Validate() error {
	if e.ID == "" {
		return fmt.Errorf("id is required")
	}
	return validateSets(e.Sets)
}

// Validate checks the entry has an id and unique, non-empty set ids.
func (e *ExerciseCacheEntry) Validate() error {
	if e.ExerciseID == "" {
		return fmt.Errorf("exerciseId is required")
	}
	return validateSets(e.Sets)
}

func validateSets(sets []SetRecord) error {
	seen := make(map[string]bool, len(sets))
	for i := range sets {
		id := sets[i].SetID
		if id == "" {
			return fmt.Errorf("set %d: setId is required", i)
		}
		if seen[id] {
			return fmt.Errorf("duplicate setId %q", id)
		}
		seen[id] = true
	}
	return nil
}

// Entry converts a server record into a cache entry stamped with syncedAt.
func (e *Exercise) Entry(syncedAt time.Time) *ExerciseCacheEntry {
	entry := &ExerciseCacheEntry{
		ExerciseID:   e.ID,
		Name:         e.Name,
		Sets:         cloneSets(e.Sets),
		LastSyncedAt: syncedAt,
	}
	entry.SortSets()
	return entry
}

// FindSet returns a pointer into Sets for setID, or nil.
func (e *ExerciseCacheEntry) FindSet(setID string) *SetRecord {
	for i := range e.Sets {
		if e.Sets[i].SetID == setID {
			return &e.Sets[i]
		}
	}
	return nil
}

// Clone returns a deep copy safe to hand to another goroutine.
func (e *ExerciseCacheEntry) Clone() *ExerciseCacheEntry {
	if e == nil {
		return nil
	}
	dup := *e
	dup.Sets = cloneSets(e.Sets)
	return &dup
}

// SortSets orders sets by their numeric set number for display.
// Non-numeric ids sort after numeric ones, lexically.
func (e *ExerciseCacheEntry) SortSets() {
	sort.SliceStable(e.Sets, func(i, j int) bool {
		return setLess(e.Sets[i].SetID, e.Sets[j].SetID)
	})
}

// CompletedCount returns how many sets are completed.
func (e *ExerciseCacheEntry) CompletedCount() int {
	n := 0
	for i := range e.Sets {
		if e.Sets[i].Completed {
			n++
		}
	}
	return n
}

func setLess(a, b string) bool {
	ai, aErr := strconv.Atoi(a)
	bi, bErr := strconv.Atoi(b)
	switch {
	case aErr == nil && bErr == nil:
		return ai < bi
	case aErr == nil:
		return true
	case bErr == nil:
		return false
	default:
		return a < b
	}
}

func cloneSets(sets []SetRecord) []SetRecord {
	if sets == nil {
		return nil
	}
	dup := make([]SetRecord, len(sets))
	for i, s := range sets {
		dup[i] = s.Clone()
	}
	return dup
}

// Filename returns the canonical filename for this exercise: {id}.json
func (e *Exercise) Filename() string {
	return fmt.Sprintf("%s.json", e.ID)
}

// ReadExerciseFile reads and parses an exercise JSON file.
func ReadExerciseFile(path string) (*Exercise, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read exercise file %s: %w", path, err)
	}

	var ex Exercise
	if err := json.Unmarshal(data, &ex); err != nil {
		return nil, fmt.Errorf("failed to parse exercise file %s: %w", path, err)
	}

	if err := ex.Validate(); err != nil {
		return nil, fmt.Errorf("invalid exercise file %s: %w", path, err)
	}

	return &ex, nil
}

// WriteExerciseFile writes an exercise to dir/{id}.json with pretty-printed formatting.
func WriteExerciseFile(dir string, ex *Exercise) error {
	if err := ex.Validate(); err != nil {
		return fmt.Errorf("cannot write invalid exercise: %w", err)
	}

	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create exercise directory: %w", err)
	}

	data, err := json.MarshalIndent(ex, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal exercise %s: %w", ex.ID, err)
	}

	path := filepath.Join(dir, ex.Filename())
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write exercise file %s: %w", path, err)
	}

	return nil
}

// ReadAllExerciseFiles reads every *.json exercise in dir.
// A missing directory yields an empty result; invalid files are skipped
// with a warning to stderr.
func ReadAllExerciseFiles(dir string) ([]*Exercise, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return []*Exercise{}, nil
		}
		return nil, fmt.Errorf("failed to read exercise directory: %w", err)
	}

	var exercises []*Exercise
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}

		ex, err := ReadExerciseFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			fmt.Fprintf(os.Stderr, "Warning: skipping invalid exercise file %s: %v\n", entry.Name(), err)
			continue
		}
		exercises = append(exercises, ex)
	}

	return exercises, nil
}
