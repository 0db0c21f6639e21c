// Package monitor supervises the periodic tick lifecycle of threat
// monitors: scheduling with deterministic jitter, a process-wide
// concurrency gate, and self-healing reconciliation against the store.
package monitor

import (
	"context"
	"hash/fnv"
	"log/slog"
	"sync"
	"time"

	"github.com/tacmap/backend/internal/metrics"
	"github.com/tacmap/backend/internal/settings"
	"github.com/tacmap/backend/internal/store"
)

const (
	// maxConcurrentTicks bounds simultaneous pipeline runs process-wide.
	maxConcurrentTicks = 2

	jitterWindow      = 90 * time.Second
	startAllStagger   = 15 * time.Second
	healthInterval    = time.Minute
	recoveryInterval  = 5 * time.Minute
	retentionInterval = time.Hour
)

// Ticker runs one monitor search cycle. The threat pipeline is the sole
// implementer; tests substitute a recorder.
type Ticker interface {
	RunTick(ctx context.Context, m *store.Monitor) error
}

// runner is the goroutine state for one scheduled monitor.
type runner struct {
	monitor *store.Monitor
	cancel  context.CancelFunc
	done    chan struct{}
}

// Supervisor owns the runtime map of scheduled monitors and reconciles it
// against the active flags in the store.
type Supervisor struct {
	store    *store.Store
	settings *settings.Cache
	pipeline Ticker
	log      *slog.Logger

	mu      sync.Mutex
	running map[string]*runner

	gate chan struct{}

	rootCtx    context.Context
	rootCancel context.CancelFunc
	loops      sync.WaitGroup
}

// New builds the supervisor. Run loops start with Run.
func New(st *store.Store, cache *settings.Cache, pipeline Ticker, log *slog.Logger) *Supervisor {
	ctx, cancel := context.WithCancel(context.Background())
	return &Supervisor{
		store:      st,
		settings:   cache,
		pipeline:   pipeline,
		log:        log.With("component", "supervisor"),
		running:    make(map[string]*runner),
		gate:       make(chan struct{}, maxConcurrentTicks),
		rootCtx:    ctx,
		rootCancel: cancel,
	}
}

// Run starts the health, recovery, and retention loops and schedules every
// active monitor with a staggered first run.
func (s *Supervisor) Run(ctx context.Context) error {
	if err := s.StartAll(ctx); err != nil {
		return err
	}
	s.loops.Add(3)
	go s.loop(healthInterval, s.reconcile)
	go s.loop(recoveryInterval, s.reconcile)
	go s.loop(retentionInterval, s.retention)
	return nil
}

// StartAll schedules every active monitor, staggering first runs by
// 15 seconds per index so a restart does not fire every search at once.
func (s *Supervisor) StartAll(ctx context.Context) error {
	monitors, err := s.store.ListActiveMonitors(ctx)
	if err != nil {
		return err
	}
	for i := range monitors {
		delay := time.Duration(i) * startAllStagger
		s.schedule(&monitors[i], &delay)
	}
	s.log.Info("monitors scheduled", "count", len(monitors))
	return nil
}

// Start flags the monitor active and schedules it. A nil firstRunDelay
// means deterministic jitter derived from the monitor id, so restarts
// spread first runs the same way every time.
func (s *Supervisor) Start(ctx context.Context, id string, firstRunDelay *time.Duration) error {
	m, err := s.store.GetMonitor(ctx, id)
	if err != nil {
		return err
	}
	if err := s.store.SetMonitorActive(ctx, id, true); err != nil {
		return err
	}
	m.Active = true
	s.schedule(m, firstRunDelay)
	return nil
}

// Stop cancels the monitor's schedule and flags it inactive. An in-flight
// tick runs to completion.
func (s *Supervisor) Stop(ctx context.Context, id string) error {
	s.mu.Lock()
	r, ok := s.running[id]
	if ok {
		delete(s.running, id)
	}
	s.mu.Unlock()
	if ok {
		r.cancel()
	}
	return s.store.SetMonitorActive(ctx, id, false)
}

// IsRunning reports whether the monitor is in the runtime map.
func (s *Supervisor) IsRunning(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.running[id]
	return ok
}

// RunningCount returns the number of scheduled monitors.
func (s *Supervisor) RunningCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.running)
}

// Shutdown cancels every schedule and the loops. Active flags in the store
// are left untouched.
func (s *Supervisor) Shutdown() {
	s.rootCancel()
	s.mu.Lock()
	runners := make([]*runner, 0, len(s.running))
	for id, r := range s.running {
		runners = append(runners, r)
		delete(s.running, id)
	}
	s.mu.Unlock()
	for _, r := range runners {
		r.cancel()
		<-r.done
	}
	s.loops.Wait()
	s.log.Info("supervisor stopped")
}

// schedule replaces any existing runner for the monitor and launches a new
// one: first tick after the initial delay, then one per interval.
func (s *Supervisor) schedule(m *store.Monitor, firstRunDelay *time.Duration) {
	delay := jitter(m.ID)
	if firstRunDelay != nil {
		delay = *firstRunDelay
	}

	ctx, cancel := context.WithCancel(s.rootCtx)
	r := &runner{monitor: m, cancel: cancel, done: make(chan struct{})}

	s.mu.Lock()
	if prev, ok := s.running[m.ID]; ok {
		prev.cancel()
	}
	s.running[m.ID] = r
	s.mu.Unlock()

	s.log.Info("monitor scheduled", "monitor_id", m.ID, "initial_delay", delay,
		"interval", time.Duration(m.IntervalSeconds)*time.Second)

	go s.run(ctx, r, delay)
}

func (s *Supervisor) run(ctx context.Context, r *runner, delay time.Duration) {
	defer close(r.done)

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return
	case <-timer.C:
	}
	s.tick(ctx, r.monitor)

	interval := time.Duration(r.monitor.IntervalSeconds) * time.Second
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx, r.monitor)
		}
	}
}

// tick runs one pipeline cycle behind the concurrency gate. A saturated
// gate skips the tick; the next interval boundary retries.
func (s *Supervisor) tick(ctx context.Context, m *store.Monitor) {
	select {
	case s.gate <- struct{}{}:
	default:
		s.log.Warn("tick skipped, concurrency gate saturated", "monitor_id", m.ID)
		metrics.MonitorTicks.WithLabelValues("skipped").Inc()
		return
	}
	defer func() { <-s.gate }()

	fresh, err := s.store.GetMonitor(ctx, m.ID)
	if err == nil {
		*m = *fresh
	}

	if err := s.pipeline.RunTick(ctx, m); err != nil {
		if ctx.Err() != nil {
			return
		}
		s.log.Error("tick failed", "monitor_id", m.ID, "error", err)
		metrics.MonitorTicks.WithLabelValues("error").Inc()
		return
	}
	metrics.MonitorTicks.WithLabelValues("ok").Inc()
}

func (s *Supervisor) loop(interval time.Duration, fn func(ctx context.Context)) {
	defer s.loops.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.rootCtx.Done():
			return
		case <-ticker.C:
			fn(s.rootCtx)
		}
	}
}

// reconcile restarts any monitor flagged active in the store but absent
// from the runtime map. Both the health and recovery loops run it; the
// operation is idempotent.
func (s *Supervisor) reconcile(ctx context.Context) {
	monitors, err := s.store.ListActiveMonitors(ctx)
	if err != nil {
		s.log.Warn("reconcile read failed", "error", err)
		return
	}
	for i := range monitors {
		m := &monitors[i]
		if s.IsRunning(m.ID) {
			continue
		}
		s.log.Warn("active monitor not running, restarting", "monitor_id", m.ID)
		s.schedule(m, nil)
	}
}

// retention trims aged location samples (per the retention_days setting,
// zero disables) and expired threat annotations.
func (s *Supervisor) retention(ctx context.Context) {
	days, err := s.settings.GetInt(ctx, settings.KeyRetentionDays)
	if err != nil {
		s.log.Warn("retention_days read failed", "error", err)
	} else if n, err := s.store.DeleteLocationsOlderThan(ctx, days); err != nil {
		s.log.Warn("location retention failed", "error", err)
	} else if n > 0 {
		s.log.Info("aged locations removed", "count", n)
	}

	if n, err := s.store.DeleteExpiredThreatAnnotations(ctx); err != nil {
		s.log.Warn("threat annotation expiry failed", "error", err)
	} else if n > 0 {
		s.log.Info("expired threat annotations removed", "count", n)
	}
}

// jitter derives a stable initial delay in [0, 90 s) from the monitor id.
func jitter(id string) time.Duration {
	h := fnv.New32a()
	h.Write([]byte(id))
	return time.Duration(h.Sum32()%uint32(jitterWindow/time.Second)) * time.Second
}
