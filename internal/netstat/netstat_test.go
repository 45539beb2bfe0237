package netstat

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/charmbracelet/log"

	"github.com/ironlog/setsync/internal/logging"
)

type fakePinger struct {
	mu    sync.Mutex
	err   error
	calls int
}

func (p *fakePinger) Ping(context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	return p.err
}

func (p *fakePinger) set(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.err = err
}

func (p *fakePinger) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

func newTestMonitor(t *testing.T, p Pinger) *Monitor {
	t.Helper()
	m, err := NewMonitor(p, &Config{Interval: time.Hour, FailureThreshold: 2, Logger: logging.Discard()})
	if err != nil {
		t.Fatalf("NewMonitor() failed: %v", err)
	}
	return m
}

func TestStatic(t *testing.T) {
	s := NewStatic(false)
	if s.Online() {
		t.Error("NewStatic(false).Online() = true")
	}
	s.Set(true)
	if !s.Online() {
		t.Error("Online() after Set(true) = false")
	}
}

func TestMonitor_ThresholdAndReconnect(t *testing.T) {
	p := &fakePinger{}
	m := newTestMonitor(t, p)
	ctx := context.Background()

	var reconnects atomic.Int32
	m.OnReconnect(func() { reconnects.Add(1) })

	if !m.Online() {
		t.Fatal("monitor should start online")
	}

	p.set(errors.New("connection refused"))
	m.Probe(ctx)
	if !m.Online() {
		t.Fatal("one failure should not flip to offline")
	}
	m.Probe(ctx)
	if m.Online() {
		t.Fatal("two failures should flip to offline")
	}
	if snap := m.Snapshot(); snap.ConsecutiveFailures != 2 || snap.LastError == nil {
		t.Errorf("Snapshot() = %+v", snap)
	}

	p.set(nil)
	m.Probe(ctx)
	if !m.Online() {
		t.Fatal("successful probe should restore online")
	}
	if got := reconnects.Load(); got != 1 {
		t.Errorf("reconnect hooks ran %d times, want 1", got)
	}

	m.Probe(ctx)
	if got := reconnects.Load(); got != 1 {
		t.Errorf("steady online state re-ran hooks: %d", got)
	}
}

func TestMonitor_ForceOffline(t *testing.T) {
	m := newTestMonitor(t, &fakePinger{})

	var reconnects atomic.Int32
	m.OnReconnect(func() { reconnects.Add(1) })

	var changes []bool
	m.OnChange(func(online bool) { changes = append(changes, online) })

	m.SetForceOffline(true)
	m.Probe(context.Background())
	if m.Online() {
		t.Fatal("forced monitor reported online")
	}

	m.SetForceOffline(false)
	if !m.Online() {
		t.Fatal("released monitor reported offline")
	}
	if reconnects.Load() != 1 {
		t.Errorf("releasing the pin should count as a reconnect, got %d", reconnects.Load())
	}
	if len(changes) != 2 || changes[0] || !changes[1] {
		t.Errorf("change hooks saw %v, want [false true]", changes)
	}
}

func TestMonitor_ForceOfflineUnchangedIsQuiet(t *testing.T) {
	var buf bytes.Buffer
	m, err := NewMonitor(&fakePinger{}, &Config{Interval: time.Hour, FailureThreshold: 2, Logger: log.New(&buf)})
	if err != nil {
		t.Fatalf("NewMonitor() failed: %v", err)
	}

	var changes int
	m.OnChange(func(bool) { changes++ })

	m.SetForceOffline(false)
	if buf.Len() != 0 {
		t.Errorf("unchanged override logged %q", buf.String())
	}

	m.SetForceOffline(true)
	m.SetForceOffline(true)
	if n := strings.Count(buf.String(), "connectivity override"); n != 1 {
		t.Errorf("override logged %d times, want 1:\n%s", n, buf.String())
	}
	if changes != 1 {
		t.Errorf("change hooks ran %d times, want 1", changes)
	}
}

func TestMonitor_StartProbesImmediately(t *testing.T) {
	p := &fakePinger{}
	m := newTestMonitor(t, p)

	m.Start(context.Background())
	deadline := time.Now().Add(time.Second)
	for p.count() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	m.Stop()

	if p.count() == 0 {
		t.Error("Start() did not probe")
	}
}

func TestNewMonitor_NilPinger(t *testing.T) {
	if _, err := NewMonitor(nil, nil); err == nil {
		t.Error("NewMonitor(nil) should fail")
	}
}

func TestMonitor_CheckIsConclusive(t *testing.T) {
	p := &fakePinger{err: errors.New("connection refused")}
	m := newTestMonitor(t, p)

	var changes []bool
	m.OnChange(func(online bool) { changes = append(changes, online) })

	if m.Check(context.Background()) {
		t.Fatal("Check() = true after one failed ping")
	}
	if got := m.Snapshot().ConsecutiveFailures; got != 2 {
		t.Errorf("ConsecutiveFailures = %d, want threshold 2", got)
	}

	p.set(nil)
	if !m.Check(context.Background()) {
		t.Fatal("Check() = false after a successful ping")
	}
	if len(changes) != 2 || changes[0] || !changes[1] {
		t.Errorf("change hooks saw %v, want [false true]", changes)
	}
}

func TestMonitor_ProbeStillWaitsForThreshold(t *testing.T) {
	m := newTestMonitor(t, &fakePinger{err: errors.New("timeout")})

	m.Probe(context.Background())
	if !m.Online() {
		t.Fatal("one failed periodic ping should not flip the signal")
	}
	m.Probe(context.Background())
	if m.Online() {
		t.Fatal("two failed pings should report offline")
	}
}
