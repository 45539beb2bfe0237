// Package netstat provides the connectivity signal the scheduler polls at
// the start of each tick.
package netstat

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"

	"github.com/ironlog/setsync/internal/logging"
)

// Signal reports whether the device is believed to be online.
type Signal interface {
	Online() bool
}

// Static is a Signal whose value is set by hand. Hosts with a platform
// connectivity API feed it; tests use it directly.
type Static struct {
	online atomic.Bool
}

// NewStatic returns a Static signal starting at online.
func NewStatic(online bool) *Static {
	s := &Static{}
	s.online.Store(online)
	return s
}

// Online implements Signal.
func (s *Static) Online() bool { return s.online.Load() }

// Set changes the reported value.
func (s *Static) Set(online bool) { s.online.Store(online) }

// Pinger is anything with a cheap health check, such as *remote.Client.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Config holds configuration for a Monitor.
type Config struct {
	// Interval between health probes
	Interval time.Duration

	// FailureThreshold is how many consecutive failed probes mean offline
	FailureThreshold int

	// ProbeTimeout bounds a single probe
	ProbeTimeout time.Duration

	// Logger for connectivity changes
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Interval:         5 * time.Second,
		FailureThreshold: 2,
		ProbeTimeout:     3 * time.Second,
		Logger:           logging.Component(nil, "netstat"),
	}
}

// Snapshot is the monitor state at one point in time.
type Snapshot struct {
	Online              bool
	Forced              bool
	ConsecutiveFailures int
	LastError           error
	LastProbe           time.Time
}

// Monitor derives the Signal from periodic health probes. The device
// counts as online until FailureThreshold probes in a row have failed.
type Monitor struct {
	pinger Pinger
	config *Config

	mu          sync.RWMutex
	failures    int
	lastErr     error
	lastProbe   time.Time
	forced      bool
	wasOnline   bool
	reconnectFn []func()
	changeFn    []func(online bool)

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Ensure Monitor implements Signal at compile time.
var _ Signal = (*Monitor)(nil)

// NewMonitor creates a monitor. Call Start to begin probing.
func NewMonitor(pinger Pinger, config *Config) (*Monitor, error) {
	if pinger == nil {
		return nil, fmt.Errorf("pinger cannot be nil")
	}
	if config == nil {
		config = DefaultConfig()
	}
	if config.Interval <= 0 {
		config.Interval = DefaultConfig().Interval
	}
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = 1
	}
	if config.ProbeTimeout <= 0 {
		config.ProbeTimeout = config.Interval
	}
	if config.Logger == nil {
		config.Logger = logging.Component(nil, "netstat")
	}
	return &Monitor{pinger: pinger, config: config, wasOnline: true}, nil
}

// OnReconnect registers fn to run after an offline→online transition.
// fn runs on the probing goroutine.
func (m *Monitor) OnReconnect(fn func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reconnectFn = append(m.reconnectFn, fn)
}

// OnChange registers fn to run after every online/offline transition,
// including ones caused by SetForceOffline. fn runs on the goroutine that
// observed the change.
func (m *Monitor) OnChange(fn func(online bool)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.changeFn = append(m.changeFn, fn)
}

// Online implements Signal.
func (m *Monitor) Online() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.onlineLocked()
}

func (m *Monitor) onlineLocked() bool {
	return !m.forced && m.failures < m.config.FailureThreshold
}

// SetForceOffline pins the signal to offline, or releases the pin.
func (m *Monitor) SetForceOffline(forced bool) {
	m.mu.Lock()
	if m.forced == forced {
		m.mu.Unlock()
		return
	}
	m.forced = forced
	fns := m.transitionLocked()
	m.mu.Unlock()

	m.config.Logger.Info("connectivity override", "force_offline", forced)
	runAll(fns)
}

// Snapshot returns the current state.
func (m *Monitor) Snapshot() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return Snapshot{
		Online:              m.onlineLocked(),
		Forced:              m.forced,
		ConsecutiveFailures: m.failures,
		LastError:           m.lastErr,
		LastProbe:           m.lastProbe,
	}
}

// Probe runs one health check and updates the state.
func (m *Monitor) Probe(ctx context.Context) {
	m.probe(ctx, false)
}

// Check runs one health check and takes its result as final: a failure
// reports offline at once instead of waiting for FailureThreshold misses.
// Short-lived processes that never Start the monitor use it.
func (m *Monitor) Check(ctx context.Context) bool {
	m.probe(ctx, true)
	return m.Online()
}

func (m *Monitor) probe(ctx context.Context, conclusive bool) {
	ctx, cancel := context.WithTimeout(ctx, m.config.ProbeTimeout)
	err := m.pinger.Ping(ctx)
	cancel()

	m.mu.Lock()
	m.lastProbe = time.Now()
	m.lastErr = err
	if err != nil {
		m.failures++
		if conclusive && m.failures < m.config.FailureThreshold {
			m.failures = m.config.FailureThreshold
		}
	} else {
		m.failures = 0
	}
	fns := m.transitionLocked()
	m.mu.Unlock()

	if err != nil {
		m.config.Logger.Debug("probe failed", "err", err)
	}
	runAll(fns)
}

// transitionLocked logs a change of state and returns the hooks to run
// for it: change hooks always, reconnect hooks only when the device just
// came back.
func (m *Monitor) transitionLocked() []func() {
	online := m.onlineLocked()
	if online == m.wasOnline {
		return nil
	}
	m.wasOnline = online

	var fns []func()
	for _, fn := range m.changeFn {
		fns = append(fns, func() { fn(online) })
	}
	if !online {
		m.config.Logger.Warn("connectivity lost", "failures", m.failures, "err", m.lastErr)
		return fns
	}
	m.config.Logger.Info("connectivity restored")
	return append(fns, m.reconnectFn...)
}

// Start launches the probing goroutine. It returns immediately.
func (m *Monitor) Start(ctx context.Context) {
	ctx, m.cancel = context.WithCancel(ctx)

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()

		ticker := time.NewTicker(m.config.Interval)
		defer ticker.Stop()

		for {
			m.Probe(ctx)
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
}

// Stop halts probing and waits for the goroutine to exit.
func (m *Monitor) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
}

func runAll(fns []func()) {
	for _, fn := range fns {
		fn()
	}
}
