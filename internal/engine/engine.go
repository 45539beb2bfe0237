// Package engine assembles the sync engine from its parts and owns their
// lifecycle.
//
// An Engine opens the SQLite database, builds the autosave controller and
// the sync scheduler on top of it, and connects them: completion events from
// the scheduler reach the controller (dirty clearing, server-wins overlay)
// and the dashboard; a connectivity monitor probes the remote and triggers
// an extra tick on reconnect.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"github.com/ironlog/setsync/internal/autosave"
	"github.com/ironlog/setsync/internal/config"
	"github.com/ironlog/setsync/internal/dashboard"
	"github.com/ironlog/setsync/internal/db"
	"github.com/ironlog/setsync/internal/logging"
	"github.com/ironlog/setsync/internal/netstat"
	"github.com/ironlog/setsync/internal/remote"
	"github.com/ironlog/setsync/internal/schema"
	"github.com/ironlog/setsync/internal/syncer"
)

// ErrNotCached is returned by Open for an exercise that is neither cached
// nor fetchable because the device is offline.
var ErrNotCached = errors.New("exercise not cached and device offline")

// closeFlushTimeout bounds the best-effort flush performed by Close.
const closeFlushTimeout = 5 * time.Second

// Options configures New. Only Config is required.
type Options struct {
	Config *config.Config

	// Logger is the base logger; components get prefixed children
	Logger *log.Logger

	// Remote replaces the HTTP client built from Config.Remote
	Remote remote.SetSyncer

	// Signal replaces the probing monitor. With a Signal set, no probes run
	// and the dashboard never sees connectivity changes.
	Signal netstat.Signal

	// Now is the clock handed to the controller and scheduler
	Now func() time.Time
}

// Engine is a running sync engine.
type Engine struct {
	cfg    *config.Config
	logger *log.Logger

	// loggers are every component logger, for live level changes
	loggers []*log.Logger

	db         *db.DB
	remote     remote.SetSyncer
	signal     netstat.Signal
	monitor    *netstat.Monitor
	controller *autosave.Controller
	scheduler  *syncer.Scheduler
	dashboard  *dashboard.Server
	handler    *dashboard.Handler

	mu      sync.Mutex
	started bool
	closed  bool
}

// New opens the database and wires every component. Call Start to begin
// background syncing and Close when done.
func New(ctx context.Context, opts Options) (*Engine, error) {
	cfg := opts.Config
	if cfg == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	base := opts.Logger
	if base == nil {
		base = logging.Component(nil, "setsync")
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}

	e := &Engine{cfg: cfg, logger: base, loggers: []*log.Logger{base}}
	component := func(name string) *log.Logger {
		l := logging.Component(base, name)
		e.loggers = append(e.loggers, l)
		return l
	}

	database, err := db.OpenContext(ctx, cfg.DB.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	e.db = database

	e.remote = opts.Remote
	if e.remote == nil {
		client, err := remote.NewClient(cfg.Remote.URL, remote.Options{
			Timeout: cfg.Remote.Timeout,
			Token:   cfg.Remote.Token,
		})
		if err != nil {
			database.Close()
			return nil, fmt.Errorf("failed to create remote client: %w", err)
		}
		e.remote = client
	}

	e.signal = opts.Signal
	if e.signal == nil {
		pinger, ok := e.remote.(netstat.Pinger)
		if !ok {
			database.Close()
			return nil, fmt.Errorf("remote has no health check; pass a Signal")
		}
		monitor, err := netstat.NewMonitor(pinger, &netstat.Config{
			Interval:         cfg.Netstat.ProbeInterval,
			FailureThreshold: cfg.Netstat.FailureThreshold,
			Logger:           component("netstat"),
		})
		if err != nil {
			database.Close()
			return nil, err
		}
		if cfg.Netstat.ForceOffline {
			monitor.SetForceOffline(true)
		}
		e.monitor = monitor
		e.signal = monitor
	}

	e.controller, err = autosave.NewWithConfig(database, database, &autosave.Config{
		Debounce: cfg.Autosave.Debounce,
		Strict:   cfg.Autosave.Strict,
		Logger:   component("autosave"),
		Now:      now,
	})
	if err != nil {
		database.Close()
		return nil, err
	}

	e.scheduler, err = syncer.NewWithConfig(database, database, e.remote, e.signal, &syncer.Config{
		Interval:         cfg.Sync.Interval,
		FetchConcurrency: cfg.Sync.FetchConcurrency,
		Logger:           component("syncer"),
		Now:              now,
	})
	if err != nil {
		database.Close()
		return nil, err
	}

	if cfg.Dashboard.Enabled {
		dashLogger := component("dashboard")
		e.dashboard = dashboard.NewServer(&dashboard.Config{Port: cfg.Dashboard.Port, Logger: dashLogger})
		e.handler = dashboard.NewHandler(e.dashboard, dashLogger)
		e.controller.Subscribe(e.handler.OnDirty)
		if e.monitor != nil {
			e.monitor.OnChange(e.handler.OnConnectivity)
		}
	}

	e.scheduler.Subscribe(e.onSyncComplete)
	if e.monitor != nil {
		e.monitor.OnReconnect(e.scheduler.Trigger)
	}

	e.setLevel(cfg.Log.Level)
	return e, nil
}

// onSyncComplete runs inside the scheduler's tick guard.
func (e *Engine) onSyncComplete(ev syncer.CompletionEvent) {
	e.controller.ApplySync(context.Background(), ev.ConfirmedOps, ev.Entries)

	if e.handler == nil {
		return
	}
	e.handler.OnSyncComplete(ev)
	pending, err := e.db.CountOps(context.Background())
	if err != nil {
		e.logger.Warn("cannot count pending operations", "err", err)
		return
	}
	e.handler.UpdateStats(e.scheduler.Stats(), pending)
}

// Start launches background work: probing, periodic ticks and the
// dashboard. It returns immediately.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return fmt.Errorf("engine closed")
	}
	if e.started {
		return nil
	}

	if e.dashboard != nil {
		if err := e.dashboard.Start(); err != nil {
			return fmt.Errorf("failed to start dashboard: %w", err)
		}
		e.handler.OnConnectivity(e.signal.Online())
	}
	if e.monitor != nil {
		e.monitor.Start(ctx)
	}
	e.scheduler.Start(ctx)
	e.started = true

	e.logger.Info("engine started", "db", e.db.Path(), "remote", e.cfg.Remote.URL)
	return nil
}

// CheckConnectivity runs one health probe when the engine owns a monitor
// and reports the resulting signal. A single failed probe counts as
// offline. Short-lived commands call it instead of Start.
func (e *Engine) CheckConnectivity(ctx context.Context) bool {
	if e.monitor != nil {
		return e.monitor.Check(ctx)
	}
	return e.signal.Online()
}

// Open makes exerciseID editable. It is served from the local cache when
// present; otherwise, if online, it is fetched from the remote and cached.
func (e *Engine) Open(ctx context.Context, exerciseID string) (*schema.ExerciseCacheEntry, error) {
	entry, ok, err := e.controller.Load(ctx, exerciseID)
	if err != nil {
		return nil, fmt.Errorf("failed to load exercise %s: %w", exerciseID, err)
	}
	if ok {
		return entry, nil
	}

	if !e.signal.Online() {
		return nil, fmt.Errorf("%w: %s", ErrNotCached, exerciseID)
	}
	return e.Refresh(ctx, exerciseID)
}

// Refresh fetches exerciseID from the remote and installs it, with any
// unconfirmed local edits re-applied on top.
func (e *Engine) Refresh(ctx context.Context, exerciseID string) (*schema.ExerciseCacheEntry, error) {
	ex, err := e.remote.FetchExercise(ctx, exerciseID)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch exercise %s: %w", exerciseID, err)
	}

	entry := ex.Entry(time.Now())
	ops, err := e.db.ListOpsContext(ctx, db.OpsFilter{ExerciseID: exerciseID})
	if err != nil {
		return nil, fmt.Errorf("failed to read queue: %w", err)
	}
	syncer.Overlay(entry, ops, time.Now())

	if err := e.controller.Seed(ctx, entry); err != nil {
		return nil, err
	}
	got, _ := e.controller.Get(exerciseID)
	return got, nil
}

// UpdateField applies one user edit. See autosave.Controller.UpdateField.
func (e *Engine) UpdateField(ctx context.Context, exerciseID, setID string, field schema.Field, value any) error {
	return e.controller.UpdateField(ctx, exerciseID, setID, field, value)
}

// Get returns the in-memory state of a loaded exercise.
func (e *Engine) Get(exerciseID string) (*schema.ExerciseCacheEntry, bool) {
	return e.controller.Get(exerciseID)
}

// FlushNow enqueues every pending debounce, then drains the queue to the
// remote synchronously.
func (e *Engine) FlushNow(ctx context.Context) (syncer.Result, error) {
	if err := e.controller.FlushTimers(ctx); err != nil {
		e.logger.Warn("some edits could not be enqueued", "err", err)
	}
	return e.scheduler.FlushNow(ctx)
}

// ExitReport is what ExitGuard found.
type ExitReport struct {
	Flushed   syncer.Result
	Remaining int
	Err       error
}

// Clean reports whether nothing unsynced remains.
func (r ExitReport) Clean() bool {
	return r.Remaining == 0 && r.Err == nil
}

// ExitGuard is called when the user leaves a session. It flushes what it
// can and reports how many operations are still unsynced, so the caller
// can warn before letting go.
func (e *Engine) ExitGuard(ctx context.Context) ExitReport {
	var report ExitReport

	if err := e.controller.FlushTimers(ctx); err != nil {
		report.Err = err
	}

	pending, err := e.db.HasPending(ctx)
	if err != nil {
		report.Err = err
		return report
	}
	if pending {
		report.Flushed, err = e.scheduler.FlushNow(ctx)
		if err != nil && report.Err == nil {
			report.Err = err
		}
	}

	report.Remaining, err = e.db.CountOps(ctx)
	if err != nil && report.Err == nil {
		report.Err = err
	}
	return report
}

// Status is a point-in-time view of the engine.
type Status struct {
	Online     bool         `json:"online" yaml:"online"`
	Pending    int          `json:"pending" yaml:"pending"`
	Cached     int          `json:"cached" yaml:"cached"`
	Dirty      int          `json:"dirty" yaml:"dirty"`
	Timers     int          `json:"timers" yaml:"timers"`
	Dashboard  string       `json:"dashboard,omitempty" yaml:"dashboard,omitempty"`
	Sync       syncer.Stats `json:"sync" yaml:"sync"`
	DBPath     string       `json:"dbPath" yaml:"dbPath"`
	RemoteURL  string       `json:"remoteUrl" yaml:"remoteUrl"`
	LastProbe  time.Time    `json:"lastProbe,omitempty" yaml:"lastProbe,omitempty"`
	ProbeError string       `json:"probeError,omitempty" yaml:"probeError,omitempty"`
}

// Status gathers counters from every component.
func (e *Engine) Status(ctx context.Context) (Status, error) {
	st := Status{
		Online:    e.signal.Online(),
		Dirty:     len(e.controller.Dirty()),
		Timers:    e.controller.PendingTimers(),
		Sync:      e.scheduler.Stats(),
		DBPath:    e.db.Path(),
		RemoteURL: e.cfg.Remote.URL,
	}
	if e.monitor != nil {
		snap := e.monitor.Snapshot()
		st.LastProbe = snap.LastProbe
		if snap.LastError != nil {
			st.ProbeError = snap.LastError.Error()
		}
	}
	e.mu.Lock()
	if e.dashboard != nil && e.started {
		st.Dashboard = e.dashboard.Addr()
	}
	e.mu.Unlock()

	var err error
	if st.Pending, err = e.db.CountOps(ctx); err != nil {
		return st, err
	}
	if st.Cached, err = e.db.CountExercises(ctx); err != nil {
		return st, err
	}
	return st, nil
}

// Logout evicts every cached exercise and drops them from memory. Pending
// operations survive unless discardPending is set.
func (e *Engine) Logout(ctx context.Context, discardPending bool) (evicted, discarded int64, err error) {
	evicted, err = e.db.EvictAll(ctx)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to evict cache: %w", err)
	}
	e.controller.Reset()

	if discardPending {
		discarded, err = e.db.DiscardOpsContext(ctx)
		if err != nil {
			return evicted, 0, fmt.Errorf("failed to discard queue: %w", err)
		}
		e.logger.Warn("pending operations discarded", "count", discarded)
	}
	e.logger.Info("logged out", "evicted", evicted)
	return evicted, discarded, nil
}

// ApplyConfig applies the settings that can change at runtime: log level
// and the forced-offline pin.
func (e *Engine) ApplyConfig(cfg *config.Config) {
	e.mu.Lock()
	pinChanged := cfg.Netstat.ForceOffline != e.cfg.Netstat.ForceOffline
	e.cfg.Log.Level = cfg.Log.Level
	e.cfg.Netstat.ForceOffline = cfg.Netstat.ForceOffline
	e.mu.Unlock()

	e.setLevel(cfg.Log.Level)
	if e.monitor != nil && pinChanged {
		e.monitor.SetForceOffline(cfg.Netstat.ForceOffline)
	}
}

func (e *Engine) setLevel(level string) {
	lvl := logging.ParseLevel(level)
	for _, l := range e.loggers {
		l.SetLevel(lvl)
	}
}

// DB returns the underlying database.
func (e *Engine) DB() *db.DB { return e.db }

// Scheduler returns the sync scheduler.
func (e *Engine) Scheduler() *syncer.Scheduler { return e.scheduler }

// Controller returns the autosave controller.
func (e *Engine) Controller() *autosave.Controller { return e.controller }

// Close flushes pending debounces and shuts everything down. A started
// engine also makes one best-effort sync while online. Safe to call more
// than once.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	started := e.started
	e.mu.Unlock()

	var errs []error
	if err := e.controller.Stop(); err != nil {
		errs = append(errs, fmt.Errorf("autosave: %w", err))
	}

	if started && e.signal.Online() {
		ctx, cancel := context.WithTimeout(context.Background(), closeFlushTimeout)
		if _, err := e.scheduler.FlushNow(ctx); err != nil {
			e.logger.Warn("final sync failed, edits stay queued", "err", err)
		}
		cancel()
	}

	e.scheduler.Stop()
	if e.monitor != nil {
		e.monitor.Stop()
	}
	if e.dashboard != nil {
		if err := e.dashboard.Stop(); err != nil {
			errs = append(errs, fmt.Errorf("dashboard: %w", err))
		}
	}
	if err := e.db.Close(); err != nil {
		errs = append(errs, fmt.Errorf("database: %w", err))
	}
	return errors.Join(errs...)
}
