// Package loadtest drives the queue and sync path under concurrent load.
//
// A Fixture pairs a fresh SQLite database with an in-memory training server
// seeded with synthetic exercises. Many simulated sessions enqueue field
// edits at once; the queue is then drained through a real Scheduler and the
// server state is checked against the last value queued for every field.
package loadtest

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/ironlog/setsync/internal/db"
	"github.com/ironlog/setsync/internal/devserver"
	"github.com/ironlog/setsync/internal/logging"
	"github.com/ironlog/setsync/internal/netstat"
	"github.com/ironlog/setsync/internal/schema"
	"github.com/ironlog/setsync/internal/syncer"
)

// Options shapes the synthetic data set.
type Options struct {
	Exercises       int
	SetsPerExercise int
	// Seed makes generated edits reproducible
	Seed int64
}

// DefaultOptions returns a small workout: 5 exercises of 4 sets.
func DefaultOptions() Options {
	return Options{Exercises: 5, SetsPerExercise: 4, Seed: 42}
}

// Fixture is a populated database plus the server it syncs to.
type Fixture struct {
	DB          *db.DB
	Store       *devserver.Store
	ExerciseIDs []string
	opts        Options
}

// LatencyStats summarizes a set of timed operations.
type LatencyStats struct {
	Min    time.Duration
	Max    time.Duration
	Mean   time.Duration
	P50    time.Duration
	P95    time.Duration
	P99    time.Duration
	Count  int
	Errors int
}

// DrainResult describes how the queue was emptied.
type DrainResult struct {
	Flushes   int
	Payloads  int
	Confirmed int
	Rejected  int
	Elapsed   time.Duration
}

// NewFixture opens a database at dbPath and seeds both sides with the same
// synthetic exercises.
func NewFixture(ctx context.Context, dbPath string, opts Options) (*Fixture, error) {
	if opts.Exercises <= 0 || opts.SetsPerExercise <= 0 {
		return nil, fmt.Errorf("exercises and sets per exercise must be positive")
	}

	database, err := db.OpenContext(ctx, dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	f := &Fixture{
		DB:    database,
		Store: devserver.NewStore(),
		opts:  opts,
	}

	now := time.Now()
	for _, ex := range generateExercises(opts) {
		if err := f.Store.Put(ex); err != nil {
			_ = database.Close()
			return nil, fmt.Errorf("failed to seed server: %w", err)
		}
		if err := database.PutExerciseContext(ctx, ex.Entry(now)); err != nil {
			_ = database.Close()
			return nil, fmt.Errorf("failed to seed cache: %w", err)
		}
		f.ExerciseIDs = append(f.ExerciseIDs, ex.ID)
	}

	return f, nil
}

// Close closes the database.
func (f *Fixture) Close() error {
	return f.DB.Close()
}

// RunConcurrentEnqueues simulates sessions writers, each appending
// editsPerSession operations to the queue, and times every append.
func (f *Fixture) RunConcurrentEnqueues(ctx context.Context, sessions, editsPerSession int) (*LatencyStats, error) {
	var wg sync.WaitGroup
	results := make(chan []time.Duration, sessions)
	errs := make(chan error, sessions)

	for i := 0; i < sessions; i++ {
		wg.Add(1)
		go func(session int) {
			defer wg.Done()

			rng := rand.New(rand.NewSource(f.opts.Seed + int64(session)))
			durations := make([]time.Duration, 0, editsPerSession)

			for j := 0; j < editsPerSession; j++ {
				op, err := f.randomOp(rng, session, j)
				if err != nil {
					errs <- err
					return
				}

				start := time.Now()
				err = f.DB.EnqueueContext(ctx, op)
				durations = append(durations, time.Since(start))
				if err != nil {
					errs <- fmt.Errorf("session %d edit %d: %w", session, j, err)
					results <- durations
					return
				}
			}
			results <- durations
		}(i)
	}

	wg.Wait()
	close(results)
	close(errs)

	var all []time.Duration
	for d := range results {
		all = append(all, d...)
	}
	var firstErr error
	errorCount := 0
	for err := range errs {
		errorCount++
		if firstErr == nil {
			firstErr = err
		}
	}

	if len(all) == 0 {
		if firstErr != nil {
			return nil, firstErr
		}
		return nil, fmt.Errorf("no operations were enqueued")
	}

	stats := computeLatencyStats(all)
	stats.Errors = errorCount
	return stats, nil
}

// Drain flushes the queue through a Scheduler until it is empty or
// maxFlushes is reached.
func (f *Fixture) Drain(ctx context.Context, maxFlushes int) (*DrainResult, error) {
	sched, err := syncer.NewWithConfig(f.DB, f.DB, f.Store, netstat.NewStatic(true), &syncer.Config{
		Interval:         time.Hour,
		FetchConcurrency: 4,
		Logger:           logging.Discard(),
	})
	if err != nil {
		return nil, err
	}
	defer sched.Stop()

	res := &DrainResult{}
	start := time.Now()
	for res.Flushes < maxFlushes {
		pending, err := f.DB.HasPending(ctx)
		if err != nil {
			return nil, err
		}
		if !pending {
			break
		}

		r, err := sched.FlushNow(ctx)
		res.Flushes++
		if err != nil {
			return nil, fmt.Errorf("flush %d failed: %w", res.Flushes, err)
		}
		res.Payloads += r.Sent
		res.Confirmed += len(r.Confirmed)
		res.Rejected += len(r.Rejected)
		if len(r.Confirmed) == 0 {
			// Only rejections left; another flush would send the same batch.
			break
		}
	}
	res.Elapsed = time.Since(start)
	return res, nil
}

// Expected returns the last queued value per field, in queue order. Call it
// before Drain.
func (f *Fixture) Expected(ctx context.Context) (map[Key]json.RawMessage, error) {
	ops, err := f.DB.ListOpsContext(ctx, db.OpsFilter{})
	if err != nil {
		return nil, err
	}
	want := make(map[Key]json.RawMessage)
	for _, op := range ops {
		want[Key{ExerciseID: op.ExerciseID, SetID: op.SetID, Field: op.Field}] = op.Value
	}
	return want, nil
}

// Key addresses one field of one set.
type Key struct {
	ExerciseID string
	SetID      string
	Field      schema.Field
}

// VerifyConverged checks every expected value is what the server holds.
func (f *Fixture) VerifyConverged(want map[Key]json.RawMessage) error {
	for k, v := range want {
		ex, ok := f.Store.Exercise(k.ExerciseID)
		if !ok {
			return fmt.Errorf("server lost exercise %s", k.ExerciseID)
		}
		var set *schema.SetRecord
		for i := range ex.Sets {
			if ex.Sets[i].SetID == k.SetID {
				set = &ex.Sets[i]
			}
		}
		if set == nil {
			return fmt.Errorf("server lost set %s/%s", k.ExerciseID, k.SetID)
		}
		got, err := set.Value(k.Field)
		if err != nil {
			return err
		}
		if string(got) != string(v) {
			return fmt.Errorf("%s/%s %s: server has %s, last queued %s", k.ExerciseID, k.SetID, k.Field, got, v)
		}
	}
	return nil
}

func (f *Fixture) randomOp(rng *rand.Rand, session, edit int) (schema.PendingOperation, error) {
	exerciseID := f.ExerciseIDs[rng.Intn(len(f.ExerciseIDs))]
	setID := strconv.Itoa(1 + rng.Intn(f.opts.SetsPerExercise))
	field := schema.MutableFields[rng.Intn(len(schema.MutableFields))]

	var v any
	switch field {
	case schema.FieldActualLoad:
		v = float64(20+rng.Intn(160)) + 0.5*float64(rng.Intn(2))
	case schema.FieldActualReps:
		v = 1 + rng.Intn(15)
	case schema.FieldRPE:
		v = 6 + 0.5*float64(rng.Intn(9))
	case schema.FieldExecutionRating:
		v = 1 + rng.Intn(10)
	case schema.FieldNotes:
		v = fmt.Sprintf("session %d edit %d", session, edit)
	}

	raw, err := schema.EncodeValue(field, v)
	if err != nil {
		return schema.PendingOperation{}, err
	}
	return schema.NewOperation(exerciseID, setID, field, raw, time.Now()), nil
}

func generateExercises(opts Options) []*schema.Exercise {
	names := []string{"Back Squat", "Bench Press", "Deadlift", "Overhead Press", "Barbell Row", "Pull-up"}
	out := make([]*schema.Exercise, opts.Exercises)
	for i := range out {
		ex := &schema.Exercise{
			ID:   fmt.Sprintf("load-%03d", i),
			Name: names[i%len(names)],
			Sets: make([]schema.SetRecord, opts.SetsPerExercise),
		}
		for j := range ex.Sets {
			ex.Sets[j] = schema.SetRecord{
				SetID:         strconv.Itoa(j + 1),
				TargetRepsMin: 6,
				TargetRepsMax: 10,
				RestSeconds:   120,
			}
		}
		out[i] = ex
	}
	return out
}

func computeLatencyStats(durations []time.Duration) *LatencyStats {
	if len(durations) == 0 {
		return &LatencyStats{}
	}

	sorted := make([]time.Duration, len(durations))
	copy(sorted, durations)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	var sum time.Duration
	for _, d := range sorted {
		sum += d
	}

	return &LatencyStats{
		Min:   sorted[0],
		Max:   sorted[len(sorted)-1],
		Mean:  sum / time.Duration(len(sorted)),
		P50:   sorted[len(sorted)*50/100],
		P95:   sorted[len(sorted)*95/100],
		P99:   sorted[len(sorted)*99/100],
		Count: len(sorted),
	}
}

// Fprint writes the statistics as an aligned block.
func (s *LatencyStats) Fprint(w io.Writer) {
	fmt.Fprintf(w, "Enqueue latency:\n")
	fmt.Fprintf(w, "  Operations:   %d\n", s.Count)
	fmt.Fprintf(w, "  Errors:       %d\n", s.Errors)
	fmt.Fprintf(w, "  Min:          %v\n", s.Min)
	fmt.Fprintf(w, "  P50 (Median): %v\n", s.P50)
	fmt.Fprintf(w, "  Mean:         %v\n", s.Mean)
	fmt.Fprintf(w, "  P95:          %v\n", s.P95)
	fmt.Fprintf(w, "  P99:          %v\n", s.P99)
	fmt.Fprintf(w, "  Max:          %v\n", s.Max)
}
