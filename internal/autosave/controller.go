package autosave

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"github.com/ironlog/setsync/internal/logging"
	"github.com/ironlog/setsync/internal/schema"
)

var (
	// ErrSetNotFound is returned in strict mode when an edit targets an
	// exercise or set that is not loaded.
	ErrSetNotFound = errors.New("set not loaded")

	// ErrStopped is returned for edits made after Stop.
	ErrStopped = errors.New("controller stopped")
)

// CacheStore is the durable read model the controller writes through to.
type CacheStore interface {
	GetExerciseContext(ctx context.Context, exerciseID string) (*schema.ExerciseCacheEntry, bool, error)
	PutExerciseContext(ctx context.Context, entry *schema.ExerciseCacheEntry) error
}

// OpQueue receives debounced operations.
type OpQueue interface {
	EnqueueContext(ctx context.Context, op schema.PendingOperation) error
}

// Config holds configuration for the controller.
type Config struct {
	// Debounce is the quiet period per (exercise, set, field) before enqueueing
	Debounce time.Duration

	// Strict turns edits to unloaded sets into ErrSetNotFound instead of a
	// logged no-op. Meant for development builds and tests.
	Strict bool

	// Logger for controller activity
	Logger *log.Logger

	// Now is the clock used for updatedAt, completedAt and op timestamps
	Now func() time.Time
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Debounce: 800 * time.Millisecond,
		Logger:   logging.Component(nil, "autosave"),
		Now:      time.Now,
	}
}

// Key identifies one debounced field.
type Key struct {
	ExerciseID string
	SetID      string
	Field      schema.Field
}

func (k Key) String() string {
	return fmt.Sprintf("%s/%s/%s", k.ExerciseID, k.SetID, k.Field)
}

// DirtyEvent reports a key entering or leaving the dirty state.
type DirtyEvent struct {
	Key   Key
	Dirty bool
}

// fieldState is the registry slot for one dirty key.
type fieldState struct {
	value    json.RawMessage
	timer    *time.Timer // nil when no debounce is pending
	gen      uint64      // invalidates callbacks of replaced timers
	lastOpID string      // last operation enqueued for this key
}

// Controller translates field edits into cache writes and debounced
// queue entries. It is safe for concurrent use.
type Controller struct {
	store  CacheStore
	queue  OpQueue
	config *Config
	logger *log.Logger

	mu        sync.Mutex
	entries   map[string]*schema.ExerciseCacheEntry
	keys      map[Key]*fieldState
	stopped   bool
	observers map[int]func(DirtyEvent)
	nextObs   int

	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a controller with default configuration.
func New(store CacheStore, queue OpQueue) (*Controller, error) {
	return NewWithConfig(store, queue, DefaultConfig())
}

// NewWithConfig creates a controller with custom configuration.
func NewWithConfig(store CacheStore, queue OpQueue, config *Config) (*Controller, error) {
	if store == nil {
		return nil, fmt.Errorf("store cannot be nil")
	}
	if queue == nil {
		return nil, fmt.Errorf("queue cannot be nil")
	}
	if config == nil {
		config = DefaultConfig()
	}
	if config.Debounce <= 0 {
		return nil, fmt.Errorf("debounce must be positive, got %v", config.Debounce)
	}
	if config.Logger == nil {
		config.Logger = logging.Component(nil, "autosave")
	}
	if config.Now == nil {
		config.Now = time.Now
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Controller{
		store:     store,
		queue:     queue,
		config:    config,
		logger:    config.Logger,
		entries:   make(map[string]*schema.ExerciseCacheEntry),
		keys:      make(map[Key]*fieldState),
		observers: make(map[int]func(DirtyEvent)),
		ctx:       ctx,
		cancel:    cancel,
	}, nil
}

// Load makes exerciseID editable by reading it from the cache store.
// An exercise already in memory is returned as is. A cache miss returns
// (nil, false, nil).
func (c *Controller) Load(ctx context.Context, exerciseID string) (*schema.ExerciseCacheEntry, bool, error) {
	c.mu.Lock()
	if entry, ok := c.entries[exerciseID]; ok {
		defer c.mu.Unlock()
		return entry.Clone(), true, nil
	}
	c.mu.Unlock()

	entry, ok, err := c.store.GetExerciseContext(ctx, exerciseID)
	if err != nil || !ok {
		return nil, ok, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	// Another Load or Seed may have won the race.
	if cur, ok := c.entries[exerciseID]; ok {
		return cur.Clone(), true, nil
	}
	c.overlayLocked(entry)
	c.entries[exerciseID] = entry
	return entry.Clone(), true, nil
}

// Seed installs entry as the in-memory state for its exercise and writes it
// to the cache store. Used for initial population from the server.
func (c *Controller) Seed(ctx context.Context, entry *schema.ExerciseCacheEntry) error {
	if err := entry.Validate(); err != nil {
		return fmt.Errorf("invalid entry: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	local := entry.Clone()
	c.overlayLocked(local)
	c.entries[local.ExerciseID] = local
	c.putLocked(ctx, local)
	return nil
}

// Get returns a copy of the in-memory state of exerciseID.
func (c *Controller) Get(exerciseID string) (*schema.ExerciseCacheEntry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[exerciseID]
	if !ok {
		return nil, false
	}
	return entry.Clone(), true
}

// Reset drops every loaded exercise from memory, as on logout. Dirty keys
// and pending timers are kept so no edit is lost.
func (c *Controller) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]*schema.ExerciseCacheEntry)
}

// UpdateField applies one user edit.
//
// The in-memory record and the cache store are updated before this returns;
// the pending operation is enqueued after the debounce window. value may be
// any JSON-encodable Go value or a json.RawMessage.
//
// completed and completedAt are derived and cannot be edited here.
func (c *Controller) UpdateField(ctx context.Context, exerciseID, setID string, field schema.Field, value any) error {
	if field.Derived() {
		return fmt.Errorf("%w: %s", schema.ErrDerivedField, field)
	}
	raw, err := schema.EncodeValue(field, value)
	if err != nil {
		return err
	}

	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return ErrStopped
	}

	entry, ok := c.entries[exerciseID]
	var set *schema.SetRecord
	if ok {
		set = entry.FindSet(setID)
	}
	if set == nil {
		c.mu.Unlock()
		if c.config.Strict {
			return fmt.Errorf("%w: exercise %s set %s", ErrSetNotFound, exerciseID, setID)
		}
		c.logger.Warn("edit for unloaded set ignored", "exercise", exerciseID, "set", setID, "field", field)
		return nil
	}

	now := c.config.Now()
	if err := set.Apply(field, raw); err != nil {
		c.mu.Unlock()
		return err
	}
	set.UpdatedAt = now
	if set.RecomputeCompletion(now) {
		c.logger.Debug("completion changed", "exercise", exerciseID, "set", setID, "completed", set.Completed)
	}

	c.putLocked(ctx, entry)
	events := c.scheduleLocked(Key{ExerciseID: exerciseID, SetID: setID, Field: field}, raw)
	c.mu.Unlock()

	c.emit(events)
	return nil
}

// putLocked writes entry through to the store. Failures only degrade
// durability; the in-memory state stays authoritative for the session.
func (c *Controller) putLocked(ctx context.Context, entry *schema.ExerciseCacheEntry) {
	if err := c.store.PutExerciseContext(ctx, entry.Clone()); err != nil {
		c.logger.Warn("cache write failed, continuing in memory", "exercise", entry.ExerciseID, "err", err)
	}
}

// scheduleLocked records the latest value for key and restarts its timer.
func (c *Controller) scheduleLocked(key Key, raw json.RawMessage) []DirtyEvent {
	var events []DirtyEvent

	state, ok := c.keys[key]
	if !ok {
		state = &fieldState{}
		c.keys[key] = state
		events = append(events, DirtyEvent{Key: key, Dirty: true})
	}
	if state.timer != nil {
		state.timer.Stop()
	}

	state.value = raw
	state.gen++
	gen := state.gen
	state.timer = time.AfterFunc(c.config.Debounce, func() {
		c.fire(key, gen)
	})

	return events
}

// fire runs on the timer goroutine once a key has been quiet for Debounce.
func (c *Controller) fire(key Key, gen uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	state, ok := c.keys[key]
	if !ok || state.timer == nil || state.gen != gen {
		return
	}
	c.enqueueLocked(c.ctx, key, state)
}

// enqueueLocked turns the key's latest value into one queued operation.
// The lock is held across the write so two flushes of one key cannot
// reach the queue out of order.
func (c *Controller) enqueueLocked(ctx context.Context, key Key, state *fieldState) error {
	state.timer = nil
	state.gen++

	op := schema.NewOperation(key.ExerciseID, key.SetID, key.Field, state.value, c.config.Now())
	if err := c.queue.EnqueueContext(ctx, op); err != nil {
		c.logger.Error("enqueue failed, edit will not be retried", "key", key, "err", err)
		return fmt.Errorf("failed to enqueue %s: %w", key, err)
	}

	state.lastOpID = op.ID
	c.logger.Debug("enqueued", "key", key, "op", op.ID)
	return nil
}

// FlushTimers enqueues every pending debounce immediately. Used before a
// session-exit flush so nothing waits on a timer.
func (c *Controller) FlushTimers(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.flushLocked(ctx)
}

func (c *Controller) flushLocked(ctx context.Context) error {
	keys := make([]Key, 0, len(c.keys))
	for key, state := range c.keys {
		if state.timer != nil {
			keys = append(keys, key)
		}
	}
	sortKeys(keys)

	var errs []error
	for _, key := range keys {
		state := c.keys[key]
		state.timer.Stop()
		if err := c.enqueueLocked(ctx, key, state); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// PendingTimers returns how many keys are still inside their debounce window.
func (c *Controller) PendingTimers() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := 0
	for _, state := range c.keys {
		if state.timer != nil {
			n++
		}
	}
	return n
}

// Dirty returns the dirty keys in a stable order.
func (c *Controller) Dirty() []Key {
	c.mu.Lock()
	defer c.mu.Unlock()

	keys := make([]Key, 0, len(c.keys))
	for key := range c.keys {
		keys = append(keys, key)
	}
	sortKeys(keys)
	return keys
}

// IsDirty reports whether key has an edit not yet confirmed by a sync.
func (c *Controller) IsDirty(key Key) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.keys[key]
	return ok
}

// ApplySync handles a completed sync.
//
// Keys whose last enqueued operation is among confirmedOpIDs, and which have
// no debounce pending, stop being dirty. Each entry in entries replaces the
// in-memory state of a loaded exercise, with still-dirty local values
// re-applied on top.
func (c *Controller) ApplySync(ctx context.Context, confirmedOpIDs []string, entries []*schema.ExerciseCacheEntry) {
	confirmed := make(map[string]bool, len(confirmedOpIDs))
	for _, id := range confirmedOpIDs {
		confirmed[id] = true
	}

	c.mu.Lock()
	var events []DirtyEvent
	for key, state := range c.keys {
		if state.timer == nil && state.lastOpID != "" && confirmed[state.lastOpID] {
			delete(c.keys, key)
			events = append(events, DirtyEvent{Key: key, Dirty: false})
		}
	}

	for _, entry := range entries {
		if _, loaded := c.entries[entry.ExerciseID]; !loaded {
			continue
		}
		local := entry.Clone()
		if c.overlayLocked(local) {
			c.putLocked(ctx, local)
		}
		c.entries[local.ExerciseID] = local
	}
	c.mu.Unlock()

	sort.Slice(events, func(i, j int) bool { return keyLess(events[i].Key, events[j].Key) })
	c.emit(events)
}

// overlayLocked re-applies dirty local values onto entry and re-derives
// completion for touched sets. Reports whether anything was applied.
func (c *Controller) overlayLocked(entry *schema.ExerciseCacheEntry) bool {
	touched := make(map[string]bool)
	for key, state := range c.keys {
		if key.ExerciseID != entry.ExerciseID {
			continue
		}
		set := entry.FindSet(key.SetID)
		if set == nil {
			continue
		}
		if err := set.Apply(key.Field, state.value); err != nil {
			c.logger.Warn("overlay failed", "key", key, "err", err)
			continue
		}
		touched[key.SetID] = true
	}

	now := c.config.Now()
	for setID := range touched {
		entry.FindSet(setID).RecomputeCompletion(now)
	}
	return len(touched) > 0
}

// Subscribe registers fn for dirty transitions and returns a function that
// removes it. fn is called without the controller lock held.
func (c *Controller) Subscribe(fn func(DirtyEvent)) (unsubscribe func()) {
	c.mu.Lock()
	defer c.mu.Unlock()

	id := c.nextObs
	c.nextObs++
	c.observers[id] = fn

	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.observers, id)
	}
}

func (c *Controller) emit(events []DirtyEvent) {
	if len(events) == 0 {
		return
	}

	c.mu.Lock()
	ids := make([]int, 0, len(c.observers))
	for id := range c.observers {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	fns := make([]func(DirtyEvent), 0, len(ids))
	for _, id := range ids {
		fns = append(fns, c.observers[id])
	}
	c.mu.Unlock()

	for _, ev := range events {
		for _, fn := range fns {
			fn(ev)
		}
	}
}

// Stop enqueues every pending debounce and rejects further edits.
// Safe to call more than once.
func (c *Controller) Stop() error {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return nil
	}
	c.stopped = true
	err := c.flushLocked(context.Background())
	c.mu.Unlock()

	c.cancel()
	return err
}

func sortKeys(keys []Key) {
	sort.Slice(keys, func(i, j int) bool { return keyLess(keys[i], keys[j]) })
}

func keyLess(a, b Key) bool {
	if a.ExerciseID != b.ExerciseID {
		return a.ExerciseID < b.ExerciseID
	}
	if a.SetID != b.SetID {
		return a.SetID < b.SetID
	}
	return a.Field < b.Field
}
