package syncer

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"golang.org/x/sync/errgroup"

	"github.com/ironlog/setsync/internal/db"
	"github.com/ironlog/setsync/internal/logging"
	"github.com/ironlog/setsync/internal/netstat"
	"github.com/ironlog/setsync/internal/remote"
	"github.com/ironlog/setsync/internal/schema"
)

var (
	// ErrOffline is returned by Tick when the connectivity signal is offline.
	ErrOffline = errors.New("device offline")

	// ErrStopped is returned by Tick and FlushNow after Stop.
	ErrStopped = errors.New("scheduler stopped")
)

// CacheStore receives reconciled entries.
type CacheStore interface {
	PutExerciseContext(ctx context.Context, entry *schema.ExerciseCacheEntry) error
}

// OpQueue is the pending operation queue as seen by the flush path.
type OpQueue interface {
	ListOpsContext(ctx context.Context, filter db.OpsFilter) ([]schema.PendingOperation, error)
	DeleteOpsContext(ctx context.Context, ids []string) (int64, error)
}

// Config holds configuration for the scheduler.
type Config struct {
	// Interval is the period of the recurring tick
	Interval time.Duration

	// FetchConcurrency bounds parallel re-fetches during reconciliation
	FetchConcurrency int

	// Logger for scheduler activity
	Logger *log.Logger

	// Now is the clock used for lastSyncedAt and statistics
	Now func() time.Time
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Interval:         3 * time.Second,
		FetchConcurrency: 4,
		Logger:           logging.Component(nil, "syncer"),
		Now:              time.Now,
	}
}

// Result describes one tick.
type Result struct {
	// Operations is the size of the queue snapshot
	Operations int
	// Sent is the number of payloads in the batch
	Sent int
	// Confirmed holds the operation ids removed from the queue
	Confirmed []string
	// Rejected holds the server's per-record rejections
	Rejected []schema.Rejection
	// Exercises lists the exercises with at least one accepted record
	Exercises []string
}

// CompletionEvent is broadcast after every batch the server answered.
type CompletionEvent struct {
	ExerciseIDs  []string
	ConfirmedOps []string
	// Entries are the reconciled cache entries, one per re-fetched exercise
	Entries  []*schema.ExerciseCacheEntry
	Rejected []schema.Rejection
	At       time.Time
}

// Stats are cumulative counters since the scheduler was created.
type Stats struct {
	Ticks          int       `json:"ticks" yaml:"ticks"`
	SkippedOffline int       `json:"skippedOffline" yaml:"skippedOffline"`
	Batches        int       `json:"batches" yaml:"batches"`
	OpsConfirmed   int       `json:"opsConfirmed" yaml:"opsConfirmed"`
	Rejected       int       `json:"rejected" yaml:"rejected"`
	LastError      string    `json:"lastError,omitempty" yaml:"lastError,omitempty"`
	LastSuccess    time.Time `json:"lastSuccess" yaml:"lastSuccess"`
	LastRejected   time.Time `json:"lastRejected" yaml:"lastRejected"`
}

// Scheduler drains the queue into the remote system and reconciles the
// cache. It is safe for concurrent use.
type Scheduler struct {
	store  CacheStore
	queue  OpQueue
	remote remote.SetSyncer
	signal netstat.Signal
	config *Config
	logger *log.Logger

	// tickMu is the single-flight guard; held for the whole of a tick.
	tickMu sync.Mutex

	mu        sync.Mutex
	stopped   bool
	stats     Stats
	observers map[int]func(CompletionEvent)
	nextObs   int

	trigger chan struct{}
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New creates a scheduler with default configuration.
func New(store CacheStore, queue OpQueue, client remote.SetSyncer, signal netstat.Signal) (*Scheduler, error) {
	return NewWithConfig(store, queue, client, signal, DefaultConfig())
}

// NewWithConfig creates a scheduler with custom configuration.
func NewWithConfig(store CacheStore, queue OpQueue, client remote.SetSyncer, signal netstat.Signal, config *Config) (*Scheduler, error) {
	if store == nil {
		return nil, fmt.Errorf("store cannot be nil")
	}
	if queue == nil {
		return nil, fmt.Errorf("queue cannot be nil")
	}
	if client == nil {
		return nil, fmt.Errorf("remote cannot be nil")
	}
	if signal == nil {
		return nil, fmt.Errorf("connectivity signal cannot be nil")
	}
	if config == nil {
		config = DefaultConfig()
	}
	if config.Interval <= 0 {
		return nil, fmt.Errorf("interval must be positive, got %v", config.Interval)
	}
	if config.FetchConcurrency <= 0 {
		config.FetchConcurrency = 1
	}
	if config.Logger == nil {
		config.Logger = logging.Component(nil, "syncer")
	}
	if config.Now == nil {
		config.Now = time.Now
	}

	return &Scheduler{
		store:     store,
		queue:     queue,
		remote:    client,
		signal:    signal,
		config:    config,
		logger:    config.Logger,
		observers: make(map[int]func(CompletionEvent)),
		trigger:   make(chan struct{}, 1),
	}, nil
}

// Start launches the periodic loop. It returns immediately; call Stop to
// end it.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)

	s.wg.Add(1)
	go s.loop(ctx)

	s.logger.Info("scheduler started", "interval", s.config.Interval)
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-s.trigger:
		}

		// A started tick runs to completion even if Stop is called meanwhile.
		_, err := s.Tick(context.WithoutCancel(ctx))
		switch {
		case err == nil, errors.Is(err, ErrOffline), errors.Is(err, ErrStopped):
		case errors.Is(err, remote.ErrUnavailable):
			s.logger.Warn("sync failed, will retry", "err", err)
		default:
			s.logger.Error("sync failed, will retry", "err", err)
		}
	}
}

// Trigger requests an extra tick as soon as the loop is free. Extra
// requests made while one is already pending are coalesced.
func (s *Scheduler) Trigger() {
	select {
	case s.trigger <- struct{}{}:
	default:
	}
}

// Stop ends the periodic loop and waits for an in-flight tick to finish.
// Further Tick and FlushNow calls return ErrStopped.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	s.mu.Unlock()

	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.logger.Info("scheduler stopped")
}

// Tick runs one periodic tick: it is skipped with ErrOffline while the
// connectivity signal reports offline.
func (s *Scheduler) Tick(ctx context.Context) (Result, error) {
	return s.run(ctx, true)
}

// FlushNow drains the queue synchronously regardless of the connectivity
// signal and reports the outcome. Rejections are reported in the Result,
// not as an error.
func (s *Scheduler) FlushNow(ctx context.Context) (Result, error) {
	return s.run(ctx, false)
}

func (s *Scheduler) run(ctx context.Context, checkOnline bool) (Result, error) {
	s.tickMu.Lock()
	defer s.tickMu.Unlock()

	s.mu.Lock()
	stopped := s.stopped
	s.mu.Unlock()
	if stopped {
		return Result{}, ErrStopped
	}

	s.updateStats(func(st *Stats) { st.Ticks++ })

	if checkOnline && !s.signal.Online() {
		s.updateStats(func(st *Stats) { st.SkippedOffline++ })
		s.logger.Debug("offline, tick skipped")
		return Result{}, ErrOffline
	}

	res, err := s.sync(ctx)
	if err != nil {
		s.updateStats(func(st *Stats) { st.LastError = err.Error() })
		return res, err
	}
	return res, nil
}

// sync performs one drain/send/reconcile cycle. Must hold tickMu.
func (s *Scheduler) sync(ctx context.Context) (Result, error) {
	var res Result

	ops, err := s.queue.ListOpsContext(ctx, db.OpsFilter{})
	if err != nil {
		return res, fmt.Errorf("failed to read queue: %w", err)
	}
	res.Operations = len(ops)
	if len(ops) == 0 {
		return res, nil
	}

	batches := Group(ops)
	res.Sent = len(batches)
	s.logger.Debug("sending batch", "ops", len(ops), "payloads", len(batches))

	resp, err := s.remote.SyncSets(ctx, Payloads(batches))
	if err != nil {
		return res, fmt.Errorf("failed to send batch: %w", err)
	}

	accepted := make(map[schema.Target]bool, len(resp.Accepted))
	for _, rec := range resp.Accepted {
		accepted[schema.Target{ExerciseID: rec.ExerciseID, SetID: rec.SetID}] = true
	}
	for _, rej := range resp.Rejected {
		delete(accepted, rej.Payload.Target())
		s.logger.Warn("record rejected, will retry",
			"exercise", rej.Payload.ExerciseID, "set", rej.Payload.SetID, "err", rej.Error)
	}
	res.Rejected = resp.Rejected

	seen := make(map[string]bool)
	for _, b := range batches {
		if !accepted[b.Payload.Target()] {
			continue
		}
		res.Confirmed = append(res.Confirmed, b.OpIDs...)
		if !seen[b.Payload.ExerciseID] {
			seen[b.Payload.ExerciseID] = true
			res.Exercises = append(res.Exercises, b.Payload.ExerciseID)
		}
	}

	if len(res.Confirmed) > 0 {
		// Only ids from this snapshot; anything enqueued since stays queued.
		if _, err := s.queue.DeleteOpsContext(ctx, res.Confirmed); err != nil {
			return res, fmt.Errorf("failed to delete confirmed operations: %w", err)
		}
	}

	now := s.config.Now()
	s.updateStats(func(st *Stats) {
		st.Batches++
		st.OpsConfirmed += len(res.Confirmed)
		st.Rejected += len(res.Rejected)
		if len(res.Rejected) > 0 {
			st.LastRejected = now
		}
		// A batch the server refused in full made no progress.
		if len(res.Confirmed) > 0 {
			st.LastSuccess = now
			st.LastError = ""
		}
	})

	entries := s.reconcile(ctx, res.Exercises)

	s.emit(CompletionEvent{
		ExerciseIDs:  res.Exercises,
		ConfirmedOps: res.Confirmed,
		Entries:      entries,
		Rejected:     res.Rejected,
		At:           now,
	})

	s.logger.Info("sync complete",
		"confirmed", len(res.Confirmed), "rejected", len(res.Rejected), "exercises", len(res.Exercises))
	return res, nil
}

// reconcile re-fetches each exercise and overwrites the cache with the
// server's record, re-applying operations that are still queued.
func (s *Scheduler) reconcile(ctx context.Context, exerciseIDs []string) []*schema.ExerciseCacheEntry {
	if len(exerciseIDs) == 0 {
		return nil
	}

	fetched := make([]*schema.Exercise, len(exerciseIDs))
	g := new(errgroup.Group)
	g.SetLimit(s.config.FetchConcurrency)
	for i, id := range exerciseIDs {
		g.Go(func() error {
			ex, err := s.remote.FetchExercise(ctx, id)
			if err != nil {
				s.logger.Warn("re-fetch failed, cache not reconciled", "exercise", id, "err", err)
				return nil
			}
			if ex.ID == "" {
				ex.ID = id
			}
			if err := ex.Validate(); err != nil || ex.ID != id {
				s.logger.Warn("server returned an unusable record", "exercise", id, "got", ex.ID, "err", err)
				return nil
			}
			fetched[i] = ex
			return nil
		})
	}
	_ = g.Wait()

	remaining, err := s.queue.ListOpsContext(ctx, db.OpsFilter{})
	if err != nil {
		s.logger.Warn("cannot read queue for overlay, cache not reconciled", "err", err)
		return nil
	}

	now := s.config.Now()
	var entries []*schema.ExerciseCacheEntry
	for _, ex := range fetched {
		if ex == nil {
			continue
		}
		entry := ex.Entry(now)
		Overlay(entry, remaining, now)
		if err := s.store.PutExerciseContext(ctx, entry); err != nil {
			s.logger.Warn("cache write failed during reconciliation", "exercise", entry.ExerciseID, "err", err)
		}
		entries = append(entries, entry)
	}
	return entries
}

// Subscribe registers fn for completion events and returns a function that
// removes it. fn runs on the ticking goroutine while the tick still holds
// the single-flight guard, so it must not call Tick or FlushNow.
func (s *Scheduler) Subscribe(fn func(CompletionEvent)) (unsubscribe func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := s.nextObs
	s.nextObs++
	s.observers[id] = fn

	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.observers, id)
	}
}

func (s *Scheduler) emit(ev CompletionEvent) {
	s.mu.Lock()
	ids := make([]int, 0, len(s.observers))
	for id := range s.observers {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	fns := make([]func(CompletionEvent), 0, len(ids))
	for _, id := range ids {
		fns = append(fns, s.observers[id])
	}
	s.mu.Unlock()

	for _, fn := range fns {
		fn(ev)
	}
}

// Stats returns a copy of the cumulative counters.
func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

func (s *Scheduler) updateStats(fn func(*Stats)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(&s.stats)
}
