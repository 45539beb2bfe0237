package engine

import (
	"context"
	"errors"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/ironlog/setsync/internal/config"
	"github.com/ironlog/setsync/internal/devserver"
	"github.com/ironlog/setsync/internal/logging"
	"github.com/ironlog/setsync/internal/netstat"
	"github.com/ironlog/setsync/internal/remote"
	"github.com/ironlog/setsync/internal/schema"
	"github.com/ironlog/setsync/internal/syncer"
)

func testConfig(t *testing.T, dbPath string) *config.Config {
	t.Helper()
	t.Setenv("HOME", t.TempDir())
	cfg := config.Default()
	cfg.DB.Path = dbPath
	cfg.Autosave.Debounce = 200 * time.Millisecond
	cfg.Sync.Interval = time.Hour
	cfg.Dashboard.Enabled = false
	cfg.Log.Level = "error"
	return cfg
}

func newServerStore(t *testing.T) *devserver.Store {
	t.Helper()
	store := devserver.NewStore()
	err := store.Put(&schema.Exercise{
		ID:   "E1",
		Name: "Bench Press",
		Sets: []schema.SetRecord{{SetID: "1"}, {SetID: "2"}, {SetID: "3"}},
	})
	if err != nil {
		t.Fatal(err)
	}
	return store
}

type harness struct {
	engine *Engine
	server *devserver.Store
	signal *netstat.Static
	cfg    *config.Config
}

func newHarness(t *testing.T, server remote.SetSyncer, store *devserver.Store) *harness {
	t.Helper()
	h := &harness{
		server: store,
		signal: netstat.NewStatic(true),
		cfg:    testConfig(t, filepath.Join(t.TempDir(), "setsync.db")),
	}
	h.engine = h.open(t, server)
	return h
}

func (h *harness) open(t *testing.T, server remote.SetSyncer) *Engine {
	t.Helper()
	e, err := New(context.Background(), Options{
		Config: h.cfg,
		Logger: logging.Discard(),
		Remote: server,
		Signal: h.signal,
	})
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	t.Cleanup(func() { e.Close() })
	return e
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met before deadline")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func (h *harness) pending(t *testing.T) int {
	t.Helper()
	n, err := h.engine.DB().CountOps(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	return n
}

// Load then reps on set 3, debounced to two operations, sent as one payload;
// the dirty indicator clears once the sync confirms them.
func TestEngine_EditDebounceSync(t *testing.T) {
	store := newServerStore(t)
	h := newHarness(t, store, store)
	ctx := context.Background()

	if _, err := h.engine.Open(ctx, "E1"); err != nil {
		t.Fatalf("Open() failed: %v", err)
	}

	for _, v := range []int{60, 70, 80} {
		if err := h.engine.UpdateField(ctx, "E1", "3", schema.FieldActualLoad, v); err != nil {
			t.Fatalf("UpdateField(load) failed: %v", err)
		}
	}
	if err := h.engine.UpdateField(ctx, "E1", "3", schema.FieldActualReps, 8); err != nil {
		t.Fatalf("UpdateField(reps) failed: %v", err)
	}

	// The edit is visible and durable before anything is queued.
	entry, _ := h.engine.Get("E1")
	if s := entry.FindSet("3"); s.ActualLoad != 80 || !s.Completed {
		t.Errorf("in-memory set 3 = %+v", *s)
	}
	cached, _, _ := h.engine.DB().GetExercise("E1")
	if s := cached.FindSet("3"); s.ActualLoad != 80 || s.ActualReps != 8 {
		t.Errorf("cached set 3 = %+v", *s)
	}

	waitFor(t, func() bool { return h.pending(t) == 2 })

	res, err := h.engine.FlushNow(ctx)
	if err != nil {
		t.Fatalf("FlushNow() failed: %v", err)
	}
	if res.Sent != 1 || len(res.Confirmed) != 2 {
		t.Errorf("FlushNow() = %+v, want one payload confirming two ops", res)
	}

	ex, _ := store.Exercise("E1")
	if s := ex.Sets[2]; s.ActualLoad != 80 || s.ActualReps != 8 || !s.Completed {
		t.Errorf("server set 3 = %+v", s)
	}
	if dirty := h.engine.Controller().Dirty(); len(dirty) != 0 {
		t.Errorf("dirty keys after confirm: %v", dirty)
	}

	st, err := h.engine.Status(ctx)
	if err != nil {
		t.Fatalf("Status() failed: %v", err)
	}
	if st.Pending != 0 || st.Cached != 1 || st.Sync.OpsConfirmed != 2 {
		t.Errorf("Status() = %+v", st)
	}
}

// Edits made offline survive a restart and sync once connectivity returns.
func TestEngine_OfflineEditsSurviveRestart(t *testing.T) {
	store := newServerStore(t)
	h := newHarness(t, store, store)
	ctx := context.Background()

	if _, err := h.engine.Open(ctx, "E1"); err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	h.signal.Set(false)

	if err := h.engine.UpdateField(ctx, "E1", "1", schema.FieldNotes, "felt heavy"); err != nil {
		t.Fatal(err)
	}
	if _, err := h.engine.Scheduler().Tick(ctx); !errors.Is(err, syncer.ErrOffline) {
		t.Fatalf("Tick() = %v, want ErrOffline", err)
	}

	// Close flushes the debounce but cannot sync while offline.
	if err := h.engine.Close(); err != nil {
		t.Fatalf("Close() failed: %v", err)
	}

	h.engine = h.open(t, store)
	if h.pending(t) != 1 {
		t.Fatalf("pending after restart = %d, want 1", h.pending(t))
	}
	entry, err := h.engine.Open(ctx, "E1")
	if err != nil {
		t.Fatalf("Open() from cache failed: %v", err)
	}
	if s := entry.FindSet("1"); s.Notes == nil || *s.Notes != "felt heavy" {
		t.Errorf("cached notes = %v", s.Notes)
	}

	h.signal.Set(true)
	if _, err := h.engine.Scheduler().Tick(ctx); err != nil {
		t.Fatalf("Tick() failed: %v", err)
	}
	ex, _ := store.Exercise("E1")
	if ex.Sets[0].Notes == nil || *ex.Sets[0].Notes != "felt heavy" {
		t.Errorf("server notes = %v", ex.Sets[0].Notes)
	}
}

func TestEngine_OpenOfflineNotCached(t *testing.T) {
	store := newServerStore(t)
	h := newHarness(t, store, store)
	h.signal.Set(false)

	if _, err := h.engine.Open(context.Background(), "E1"); !errors.Is(err, ErrNotCached) {
		t.Fatalf("Open() = %v, want ErrNotCached", err)
	}
}

type downRemote struct{ *devserver.Store }

func (downRemote) SyncSets(context.Context, []schema.SetPayload) (*schema.SyncResponse, error) {
	return nil, remote.ErrUnavailable
}

func TestEngine_ExitGuard(t *testing.T) {
	store := newServerStore(t)
	h := newHarness(t, downRemote{store}, store)
	ctx := context.Background()

	if _, err := h.engine.Open(ctx, "E1"); err != nil {
		t.Fatal(err)
	}
	if err := h.engine.UpdateField(ctx, "E1", "2", schema.FieldActualReps, 5); err != nil {
		t.Fatal(err)
	}

	// The debounce has not fired yet; the guard flushes it first.
	report := h.engine.ExitGuard(ctx)
	if report.Clean() || report.Remaining != 1 || !errors.Is(report.Err, remote.ErrUnavailable) {
		t.Errorf("ExitGuard() = %+v, want one unsynced op", report)
	}

	h2 := newHarness(t, store, store)
	if report := h2.engine.ExitGuard(ctx); !report.Clean() {
		t.Errorf("ExitGuard() on empty queue = %+v", report)
	}
}

func TestEngine_LogoutKeepsQueue(t *testing.T) {
	store := newServerStore(t)
	h := newHarness(t, store, store)
	ctx := context.Background()

	if _, err := h.engine.Open(ctx, "E1"); err != nil {
		t.Fatal(err)
	}
	if err := h.engine.UpdateField(ctx, "E1", "1", schema.FieldActualLoad, 40); err != nil {
		t.Fatal(err)
	}
	if err := h.engine.Controller().FlushTimers(ctx); err != nil {
		t.Fatal(err)
	}

	evicted, discarded, err := h.engine.Logout(ctx, false)
	if err != nil {
		t.Fatalf("Logout() failed: %v", err)
	}
	if evicted != 1 || discarded != 0 {
		t.Errorf("Logout() = (%d, %d)", evicted, discarded)
	}
	if _, ok := h.engine.Get("E1"); ok {
		t.Error("exercise still in memory after logout")
	}
	if h.pending(t) != 1 {
		t.Error("logout dropped pending operations")
	}

	if _, discarded, _ = h.engine.Logout(ctx, true); discarded != 1 {
		t.Errorf("discarded = %d, want 1", discarded)
	}
}

// Refresh re-applies still-queued edits on top of the server record.
func TestEngine_RefreshOverlaysQueue(t *testing.T) {
	store := newServerStore(t)
	h := newHarness(t, store, store)
	ctx := context.Background()

	if _, err := h.engine.Open(ctx, "E1"); err != nil {
		t.Fatal(err)
	}
	if err := h.engine.UpdateField(ctx, "E1", "1", schema.FieldActualLoad, 55); err != nil {
		t.Fatal(err)
	}
	if err := h.engine.Controller().FlushTimers(ctx); err != nil {
		t.Fatal(err)
	}

	entry, err := h.engine.Refresh(ctx, "E1")
	if err != nil {
		t.Fatalf("Refresh() failed: %v", err)
	}
	if s := entry.FindSet("1"); s.ActualLoad != 55 {
		t.Errorf("refreshed load = %v, want queued 55", s.ActualLoad)
	}
}

func TestEngine_ApplyConfig(t *testing.T) {
	store := newServerStore(t)
	h := newHarness(t, store, store)

	next := *h.cfg
	next.Log.Level = "debug"
	h.engine.ApplyConfig(&next)

	for _, l := range h.engine.loggers {
		if l.GetLevel() != logging.ParseLevel("debug") {
			t.Fatalf("logger level = %v, want debug", l.GetLevel())
		}
	}
}

// A remote that refuses connections must read as offline after the single
// probe a one-shot command runs, so uncached exercises fail with
// ErrNotCached instead of a raw fetch error.
func TestEngine_CheckConnectivityUnreachableRemote(t *testing.T) {
	srv := httptest.NewServer(devserver.NewServer(newServerStore(t), nil).Handler())
	url := srv.URL
	srv.Close()

	client, err := remote.NewClient(url, remote.Options{Timeout: time.Second})
	if err != nil {
		t.Fatal(err)
	}

	cfg := testConfig(t, filepath.Join(t.TempDir(), "setsync.db"))
	if cfg.Netstat.FailureThreshold < 2 {
		t.Fatalf("default failure threshold = %d, test needs >= 2", cfg.Netstat.FailureThreshold)
	}
	e, err := New(context.Background(), Options{Config: cfg, Logger: logging.Discard(), Remote: client})
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	t.Cleanup(func() { e.Close() })

	if e.CheckConnectivity(context.Background()) {
		t.Fatal("CheckConnectivity() = true for a closed port")
	}
	if _, err := e.Open(context.Background(), "E1"); !errors.Is(err, ErrNotCached) {
		t.Fatalf("Open() error = %v, want ErrNotCached", err)
	}
}
