package backup

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/juju/clock"
	"github.com/rs/zerolog"

	"github.com/tinytelemetry/backuper/internal/config"
)

// Manager runs backup cycles: one RunBackup followed by one RunCleanup,
// every interval. Cycles never overlap.
type Manager struct {
	engine   *Engine
	clock    clock.Clock
	recorder Recorder

	mu   sync.Mutex
	cfg  config.Config
	last *CycleReport

	cycleMu sync.Mutex

	ctx      context.Context
	cancel   context.CancelFunc
	reset    chan struct{}
	done     chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once
	started  bool
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithRecorder records every finished cycle.
func WithRecorder(r Recorder) ManagerOption {
	return func(m *Manager) { m.recorder = r }
}

// WithSchedulerClock sets the clock the loop waits on. Defaults to the wall clock.
func WithSchedulerClock(c clock.Clock) ManagerOption {
	return func(m *Manager) { m.clock = c }
}

// NewManager creates a manager. Nothing runs until Start.
func NewManager(engine *Engine, cfg config.Config, opts ...ManagerOption) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		engine: engine,
		clock:  clock.WallClock,
		cfg:    cfg,
		ctx:    ctx,
		cancel: cancel,
		reset:  make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Start launches the periodic loop. With run_on_start a cycle runs first.
func (m *Manager) Start() {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return
	}
	m.started = true
	runNow := m.cfg.RunOnStart
	m.mu.Unlock()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		if runNow {
			m.runScheduled("startup")
		}
		m.loop()
	}()
}

func (m *Manager) loop() {
	for {
		interval := m.Config().Interval()
		if interval <= 0 {
			interval = time.Hour
		}
		m.log().Info().Dur("interval", interval).Msg("next backup scheduled")

		select {
		case <-m.clock.After(interval):
			m.runScheduled("periodic")
		case <-m.reset:
		case <-m.done:
			return
		}
	}
}

func (m *Manager) runScheduled(kind string) {
	if _, err := m.RunCycle(m.ctx); err != nil {
		m.log().Error().Err(err).Str("cycle", kind).Msg("backup cycle failed")
	}
}

// RunCycle runs one cycle, waiting for any cycle already in progress.
func (m *Manager) RunCycle(ctx context.Context) (CycleReport, error) {
	m.cycleMu.Lock()
	defer m.cycleMu.Unlock()
	return m.runLocked(ctx)
}

// TryRunCycle runs one cycle unless one is already in progress.
func (m *Manager) TryRunCycle(ctx context.Context) (CycleReport, error) {
	if !m.cycleMu.TryLock() {
		return CycleReport{}, ErrCycleInProgress
	}
	defer m.cycleMu.Unlock()
	return m.runLocked(ctx)
}

func (m *Manager) runLocked(ctx context.Context) (CycleReport, error) {
	cfg := m.Config()
	report := CycleReport{
		ID:        uuid.NewString(),
		StartedAt: m.clock.Now(),
	}

	backupReport, backupErr := m.engine.RunBackup(ctx, cfg)
	report.Backup = backupReport

	// Cleanup runs even when some categories failed; it only touches old snapshots.
	cleanupReport, cleanupErr := m.engine.RunCleanup(ctx, cfg)
	report.Cleanup = cleanupReport

	report.FinishedAt = m.clock.Now()
	err := errors.Join(backupErr, cleanupErr)
	if err != nil {
		report.Error = err.Error()
	}

	if m.recorder != nil {
		if rerr := m.recorder.Record(context.WithoutCancel(ctx), report); rerr != nil {
			m.log().Warn().Err(rerr).Str("run", report.ID).Msg("failed to record cycle")
		}
	}

	m.mu.Lock()
	last := report
	m.last = &last
	m.mu.Unlock()

	return report, err
}

// Config returns the configuration the next cycle will use.
func (m *Manager) Config() config.Config {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cfg
}

// SetConfig replaces the configuration. A running cycle keeps the value it
// started with. The pending wait restarts only when the interval changed.
func (m *Manager) SetConfig(cfg config.Config) {
	m.mu.Lock()
	changed := m.cfg.IntervalMinutes != cfg.IntervalMinutes
	m.cfg = cfg
	m.mu.Unlock()

	if !changed {
		return
	}
	select {
	case m.reset <- struct{}{}:
	default:
	}
}

// Last returns the most recent cycle report, if any.
func (m *Manager) Last() (CycleReport, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.last == nil {
		return CycleReport{}, false
	}
	return *m.last, true
}

// Stop cancels the loop and waits for it. A cycle in progress stops at the
// next category boundary. Safe to call more than once.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() {
		m.cancel()
		close(m.done)
		m.wg.Wait()
	})
}

func (m *Manager) log() *zerolog.Logger {
	return &m.engine.log
}
