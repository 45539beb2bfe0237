// Package devserver is a reference system of record for the sync engine.
//
// It keeps exercises in memory and implements the server side of the sync
// contract: an idempotent upsert keyed by (exerciseId, setId), completion
// re-derived on every write, and per-record rejection of payloads that
// reference unknown exercises or sets. It backs `setsync devserver` and the
// end-to-end tests.
package devserver

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"sync"
	"time"

	"github.com/ironlog/setsync/internal/schema"
)

// ErrUnknownExercise is returned when an exercise id has no record.
var ErrUnknownExercise = errors.New("unknown exercise")

// Store is the in-memory record set. It is safe for concurrent use and
// satisfies remote.SetSyncer, so tests can use it without HTTP.
type Store struct {
	mu        sync.RWMutex
	exercises map[string]*schema.Exercise
	now       func() time.Time
	upserts   int
}

// NewStore returns an empty store.
func NewStore() *Store {
	return &Store{
		exercises: make(map[string]*schema.Exercise),
		now:       time.Now,
	}
}

// Put creates or replaces an exercise.
func (s *Store) Put(ex *schema.Exercise) error {
	if err := ex.Validate(); err != nil {
		return fmt.Errorf("invalid exercise: %w", err)
	}
	dup := cloneExercise(ex)
	for i := range dup.Sets {
		dup.Sets[i].Completed = dup.Sets[i].IsComplete()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.exercises[ex.ID] = dup
	return nil
}

// LoadDir seeds the store from every exercise file in dir.
func (s *Store) LoadDir(dir string) (int, error) {
	exercises, err := schema.ReadAllExerciseFiles(dir)
	if err != nil {
		return 0, err
	}
	for _, ex := range exercises {
		if err := s.Put(ex); err != nil {
			return 0, err
		}
	}
	return len(exercises), nil
}

// Exercise returns a copy of the record for id.
func (s *Store) Exercise(id string) (*schema.Exercise, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ex, ok := s.exercises[id]
	if !ok {
		return nil, false
	}
	return cloneExercise(ex), true
}

// IDs returns every exercise id, sorted.
func (s *Store) IDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]string, 0, len(s.exercises))
	for id := range s.exercises {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Upserts returns how many payloads have been accepted so far.
func (s *Store) Upserts() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.upserts
}

// Apply upserts each payload independently and reports a verdict per record.
// Re-applying the same payload leaves the record unchanged.
func (s *Store) Apply(payloads []schema.SetPayload) schema.SyncResponse {
	s.mu.Lock()
	defer s.mu.Unlock()

	resp := schema.SyncResponse{
		Accepted: []schema.AcceptedRecord{},
		Rejected: []schema.Rejection{},
	}
	for _, p := range payloads {
		rec, err := s.upsertLocked(p)
		if err != nil {
			resp.Rejected = append(resp.Rejected, schema.Rejection{Payload: p, Error: err.Error()})
			continue
		}
		resp.Accepted = append(resp.Accepted, rec)
	}
	return resp
}

func (s *Store) upsertLocked(p schema.SetPayload) (schema.AcceptedRecord, error) {
	ex, ok := s.exercises[p.ExerciseID]
	if !ok {
		return schema.AcceptedRecord{}, fmt.Errorf("%w: %s", ErrUnknownExercise, p.ExerciseID)
	}

	var set *schema.SetRecord
	for i := range ex.Sets {
		if ex.Sets[i].SetID == p.SetID {
			set = &ex.Sets[i]
			break
		}
	}
	if set == nil {
		return schema.AcceptedRecord{}, fmt.Errorf("unknown set %s in exercise %s", p.SetID, p.ExerciseID)
	}

	next := set.Clone()
	if err := p.ApplyTo(&next); err != nil {
		return schema.AcceptedRecord{}, err
	}

	// completed is always the server's derivation, whatever the payload said.
	now := s.now()
	next.Completed = set.Completed
	next.RecomputeCompletion(now)

	before := set.Clone()
	before.UpdatedAt, next.UpdatedAt = time.Time{}, time.Time{}
	if !reflect.DeepEqual(before, next) {
		next.UpdatedAt = now
		*set = next
	}
	s.upserts++

	return schema.AcceptedRecord{ExerciseID: ex.ID, SetRecord: set.Clone()}, nil
}

// SyncSets implements remote.SetSyncer.
func (s *Store) SyncSets(_ context.Context, payloads []schema.SetPayload) (*schema.SyncResponse, error) {
	resp := s.Apply(payloads)
	return &resp, nil
}

// FetchExercise implements remote.SetSyncer.
func (s *Store) FetchExercise(_ context.Context, exerciseID string) (*schema.Exercise, error) {
	ex, ok := s.Exercise(exerciseID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownExercise, exerciseID)
	}
	return ex, nil
}

func cloneExercise(ex *schema.Exercise) *schema.Exercise {
	dup := &schema.Exercise{ID: ex.ID, Name: ex.Name, Sets: make([]schema.SetRecord, len(ex.Sets))}
	for i, s := range ex.Sets {
		dup.Sets[i] = s.Clone()
	}
	return dup
}
