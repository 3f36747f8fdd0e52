package backup

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/juju/clock/testclock"
	"github.com/spf13/afero"

	"github.com/tinytelemetry/backuper/internal/config"
)

type fakeRecorder struct {
	mu      sync.Mutex
	reports []CycleReport
	ch      chan CycleReport
}

func newFakeRecorder() *fakeRecorder {
	return &fakeRecorder{ch: make(chan CycleReport, 8)}
}

func (r *fakeRecorder) Record(_ context.Context, report CycleReport) error {
	r.mu.Lock()
	r.reports = append(r.reports, report)
	r.mu.Unlock()
	r.ch <- report
	return nil
}

func (r *fakeRecorder) wait(t *testing.T) CycleReport {
	t.Helper()
	select {
	case rep := <-r.ch:
		return rep
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for a cycle")
		return CycleReport{}
	}
}

type blockingCopier struct {
	started chan struct{}
	release chan struct{}
	once    sync.Once
}

func (c *blockingCopier) CopyInto(_, _ string) (int64, error) {
	c.once.Do(func() { close(c.started) })
	<-c.release
	return 0, nil
}

func testConfig() config.Config {
	return config.Config{
		Destination:     "/dst",
		IntervalMinutes: 1,
		KeepDays:        7,
		BackupSources:   map[string][]string{"c": {"/s/x"}},
	}
}

func TestRunCycle_RecordsReport(t *testing.T) {
	t.Parallel()

	fsys := afero.NewMemMapFs()
	writeFile(t, fsys, "/s/x", "x")
	mkdirs(t, fsys, "/dst", "Back-up 01.01.2024 10-00-00")

	rec := newFakeRecorder()
	m := NewManager(newTestEngine(t, fsys, testNow), testConfig(), WithRecorder(rec), WithSchedulerClock(testclock.NewClock(testNow)))

	report, err := m.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	if report.ID == "" {
		t.Error("report has no ID")
	}
	if report.Backup.Identity != "10.01.2024 12-30-45" {
		t.Errorf("identity = %q", report.Backup.Identity)
	}
	if len(report.Cleanup.Deleted) != 1 {
		t.Errorf("deleted = %v, want the old snapshot", report.Cleanup.Deleted)
	}

	recorded := rec.wait(t)
	if recorded.ID != report.ID {
		t.Errorf("recorded ID = %q, want %q", recorded.ID, report.ID)
	}
	last, ok := m.Last()
	if !ok || last.ID != report.ID {
		t.Errorf("Last = %+v, %v", last, ok)
	}
}

func TestRunCycle_CleanupErrorSurfaces(t *testing.T) {
	t.Parallel()

	fsys := afero.NewMemMapFs()
	cfg := testConfig()
	cfg.BackupSources = nil
	cfg.Destination = "/missing"

	m := NewManager(newTestEngine(t, fsys, testNow), cfg)
	// No categories means nothing creates the destination, so listing fails.
	report, err := m.RunCycle(context.Background())
	if err == nil {
		t.Fatal("RunCycle succeeded, want listing error")
	}
	if report.Error == "" {
		t.Error("report.Error is empty")
	}
}

func TestTryRunCycle_RejectsOverlap(t *testing.T) {
	t.Parallel()

	copier := &blockingCopier{started: make(chan struct{}), release: make(chan struct{})}
	fsys := afero.NewMemMapFs()
	m := NewManager(newTestEngine(t, fsys, testNow, WithCopier(copier)), testConfig())

	done := make(chan error, 1)
	go func() {
		_, err := m.RunCycle(context.Background())
		done <- err
	}()

	select {
	case <-copier.started:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for the first cycle")
	}

	if _, err := m.TryRunCycle(context.Background()); !errors.Is(err, ErrCycleInProgress) {
		t.Errorf("TryRunCycle err = %v, want ErrCycleInProgress", err)
	}

	close(copier.release)
	if err := <-done; err != nil {
		t.Fatalf("first cycle: %v", err)
	}
	if _, err := m.TryRunCycle(context.Background()); err != nil {
		t.Errorf("TryRunCycle after release: %v", err)
	}
}

func TestStart_RunsOnInterval(t *testing.T) {
	t.Parallel()

	fsys := afero.NewMemMapFs()
	writeFile(t, fsys, "/s/x", "x")
	clk := testclock.NewClock(testNow)
	rec := newFakeRecorder()

	m := NewManager(newTestEngine(t, fsys, testNow), testConfig(), WithRecorder(rec), WithSchedulerClock(clk))
	m.Start()
	defer m.Stop()

	select {
	case <-rec.ch:
		t.Fatal("cycle ran before the interval elapsed")
	case <-time.After(50 * time.Millisecond):
	}

	if err := clk.WaitAdvance(time.Minute, 5*time.Second, 1); err != nil {
		t.Fatalf("WaitAdvance: %v", err)
	}
	rec.wait(t)
}

func TestStart_RunOnStart(t *testing.T) {
	t.Parallel()

	fsys := afero.NewMemMapFs()
	writeFile(t, fsys, "/s/x", "x")
	rec := newFakeRecorder()
	cfg := testConfig()
	cfg.RunOnStart = true

	m := NewManager(newTestEngine(t, fsys, testNow), cfg, WithRecorder(rec), WithSchedulerClock(testclock.NewClock(testNow)))
	m.Start()
	defer m.Stop()

	rec.wait(t)
}

func TestSetConfig_AppliesToNextCycle(t *testing.T) {
	t.Parallel()

	fsys := afero.NewMemMapFs()
	writeFile(t, fsys, "/s/x", "x")
	writeFile(t, fsys, "/s/y", "y")
	m := NewManager(newTestEngine(t, fsys, testNow), testConfig())

	next := testConfig()
	next.Destination = "/dst2"
	next.BackupSources = map[string][]string{"other": {"/s/y"}}
	m.SetConfig(next)

	report, err := m.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	if !exists(t, fsys, "/dst2/"+testSnapshot+"/other/y") {
		t.Errorf("new config not used, report = %+v", report.Backup)
	}
}

func TestSetConfig_SameIntervalKeepsSchedule(t *testing.T) {
	t.Parallel()

	fsys := afero.NewMemMapFs()
	writeFile(t, fsys, "/s/x", "x")
	clk := testclock.NewClock(testNow)
	rec := newFakeRecorder()

	m := NewManager(newTestEngine(t, fsys, testNow), testConfig(), WithRecorder(rec), WithSchedulerClock(clk))
	m.Start()
	defer m.Stop()

	if err := clk.WaitAdvance(30*time.Second, 5*time.Second, 1); err != nil {
		t.Fatalf("WaitAdvance: %v", err)
	}

	// Repeated saves of an edited file, interval unchanged.
	for i := 0; i < 3; i++ {
		next := testConfig()
		next.KeepDays = uint64(10 + i)
		m.SetConfig(next)
	}

	if err := clk.WaitAdvance(30*time.Second, 5*time.Second, 1); err != nil {
		t.Fatalf("WaitAdvance: %v", err)
	}
	rec.wait(t)

	if got := m.Config().KeepDays; got != 12 {
		t.Errorf("KeepDays = %d, want the last value 12", got)
	}
}

func TestStop_IsIdempotent(t *testing.T) {
	t.Parallel()

	m := NewManager(newTestEngine(t, afero.NewMemMapFs(), testNow), testConfig(), WithSchedulerClock(testclock.NewClock(testNow)))
	m.Start()
	m.Stop()
	m.Stop()
}
