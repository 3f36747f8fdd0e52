package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/juju/clock/testclock"
	"github.com/rs/zerolog"
	"github.com/spf13/afero"

	"github.com/tinytelemetry/backuper/internal/backup"
	"github.com/tinytelemetry/backuper/internal/config"
	"github.com/tinytelemetry/backuper/internal/history"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type fakeRunner struct {
	cfg    config.Config
	last   *backup.CycleReport
	runErr error
	runs   int
}

func (f *fakeRunner) Config() config.Config { return f.cfg }

func (f *fakeRunner) Last() (backup.CycleReport, bool) {
	if f.last == nil {
		return backup.CycleReport{}, false
	}
	return *f.last, true
}

func (f *fakeRunner) TryRunCycle(context.Context) (backup.CycleReport, error) {
	if errors.Is(f.runErr, backup.ErrCycleInProgress) {
		return backup.CycleReport{}, f.runErr
	}
	f.runs++
	rep := backup.CycleReport{ID: "run-1", Backup: backup.BackupReport{Identity: "10.01.2024 12-30-45"}}
	if f.runErr != nil {
		rep.Error = f.runErr.Error()
	}
	return rep, f.runErr
}

type fakeHistory struct {
	runs  []history.Run
	err   error
	limit int
}

func (f *fakeHistory) Recent(_ context.Context, limit int) ([]history.Run, error) {
	f.limit = limit
	return f.runs, f.err
}

func newTestServer(t *testing.T, runner *fakeRunner, hist History) (*gin.Engine, afero.Fs) {
	t.Helper()
	fsys := afero.NewMemMapFs()
	srv := NewServer("", Deps{Runner: runner, History: hist, Fs: fsys, Location: time.UTC})
	return srv.routes(), fsys
}

func testRunner() *fakeRunner {
	return &fakeRunner{cfg: config.Config{Destination: "/dst", IntervalMinutes: 60, KeepDays: 7}}
}

func serve(r *gin.Engine, method, path string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var body map[string]interface{}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal %q: %v", w.Body.String(), err)
	}
	return body
}

func TestHealthEndpoint(t *testing.T) {
	runner := testRunner()
	r, _ := newTestServer(t, runner, nil)

	w := serve(r, http.MethodGet, "/api/health")
	if w.Code != http.StatusOK {
		t.Fatalf("health status = %d, want %d", w.Code, http.StatusOK)
	}
	body := decode(t, w)
	if body["status"] != "ok" {
		t.Errorf("status = %v, want ok", body["status"])
	}
	if body["destination"] != "/dst" {
		t.Errorf("destination = %v, want /dst", body["destination"])
	}
	if _, ok := body["last_run"]; ok {
		t.Error("last_run present before any cycle")
	}
}

func TestHealthEndpoint_LastRun(t *testing.T) {
	runner := testRunner()
	runner.last = &backup.CycleReport{ID: "abc"}
	r, _ := newTestServer(t, runner, nil)

	body := decode(t, serve(r, http.MethodGet, "/api/health"))
	last, ok := body["last_run"].(map[string]interface{})
	if !ok {
		t.Fatalf("last_run = %v", body["last_run"])
	}
	if last["id"] != "abc" {
		t.Errorf("last_run.id = %v, want abc", last["id"])
	}
}

func TestHealthEndpoint_WrongMethod(t *testing.T) {
	r, _ := newTestServer(t, testRunner(), nil)

	w := serve(r, http.MethodPost, "/api/health")
	if w.Code != http.StatusMethodNotAllowed && w.Code != http.StatusNotFound {
		t.Errorf("health POST status = %d, want 405 or 404", w.Code)
	}
}

func TestSnapshotsEndpoint(t *testing.T) {
	r, fsys := newTestServer(t, testRunner(), nil)
	for _, name := range []string{
		"Back-up 02.01.2024 10-00-00",
		"Back-up 01.01.2024 10-00-00",
		"notes",
	} {
		if err := fsys.MkdirAll("/dst/"+name, 0755); err != nil {
			t.Fatal(err)
		}
	}

	w := serve(r, http.MethodGet, "/api/snapshots")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}

	var body struct {
		Count     int `json:"count"`
		Snapshots []struct {
			Name string `json:"name"`
		} `json:"snapshots"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body.Count != 2 {
		t.Fatalf("count = %d, want 2", body.Count)
	}
	if body.Snapshots[0].Name != "Back-up 01.01.2024 10-00-00" {
		t.Errorf("first snapshot = %q, want the oldest", body.Snapshots[0].Name)
	}
}

func TestSnapshotsEndpoint_MissingDestination(t *testing.T) {
	r, _ := newTestServer(t, testRunner(), nil)

	w := serve(r, http.MethodGet, "/api/snapshots")
	if w.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", w.Code)
	}
}

func TestRunsEndpoint_Disabled(t *testing.T) {
	r, _ := newTestServer(t, testRunner(), nil)

	w := serve(r, http.MethodGet, "/api/runs")
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", w.Code)
	}
}

func TestRunsEndpoint(t *testing.T) {
	hist := &fakeHistory{runs: []history.Run{{ID: "r2"}, {ID: "r1"}}}
	r, _ := newTestServer(t, testRunner(), hist)

	w := serve(r, http.MethodGet, "/api/runs?limit=5")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}
	if hist.limit != 5 {
		t.Errorf("limit passed = %d, want 5", hist.limit)
	}
	if body := decode(t, w); body["count"] != float64(2) {
		t.Errorf("count = %v, want 2", body["count"])
	}
}

func TestRunsEndpoint_LimitValidation(t *testing.T) {
	hist := &fakeHistory{}
	r, _ := newTestServer(t, testRunner(), hist)

	for _, q := range []string{"abc", "0", "-3"} {
		w := serve(r, http.MethodGet, "/api/runs?limit="+q)
		if w.Code != http.StatusBadRequest {
			t.Errorf("limit=%s status = %d, want 400", q, w.Code)
		}
	}

	w := serve(r, http.MethodGet, "/api/runs?limit=100000")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if hist.limit != maxRunsLimit {
		t.Errorf("limit = %d, want clamp to %d", hist.limit, maxRunsLimit)
	}
}

func TestRunsEndpoint_StoreError(t *testing.T) {
	r, _ := newTestServer(t, testRunner(), &fakeHistory{err: errors.New("boom")})

	w := serve(r, http.MethodGet, "/api/runs")
	if w.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", w.Code)
	}
}

func TestRunEndpoint(t *testing.T) {
	runner := testRunner()
	r, _ := newTestServer(t, runner, nil)

	w := serve(r, http.MethodPost, "/api/run")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}
	if runner.runs != 1 {
		t.Errorf("runs = %d, want 1", runner.runs)
	}
	if body := decode(t, w); body["id"] != "run-1" {
		t.Errorf("id = %v, want run-1", body["id"])
	}
}

func TestRunEndpoint_PartialFailureStillOK(t *testing.T) {
	runner := testRunner()
	runner.runErr = errors.New("backup x: copy failed")
	r, _ := newTestServer(t, runner, nil)

	w := serve(r, http.MethodPost, "/api/run")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if body := decode(t, w); body["error"] == nil {
		t.Error("report error missing")
	}
}

func TestRunEndpoint_Busy(t *testing.T) {
	runner := testRunner()
	runner.runErr = backup.ErrCycleInProgress
	r, _ := newTestServer(t, runner, nil)

	w := serve(r, http.MethodPost, "/api/run")
	if w.Code != http.StatusConflict {
		t.Errorf("status = %d, want 409", w.Code)
	}
	if runner.runs != 0 {
		t.Errorf("runs = %d, want 0", runner.runs)
	}
}

func TestRunEndpoint_CycleOutlivesCanceledRequest(t *testing.T) {
	fsys := afero.NewMemMapFs()
	for _, p := range []string{"/src/a.txt", "/src/b.txt"} {
		if err := afero.WriteFile(fsys, p, []byte(p), 0644); err != nil {
			t.Fatal(err)
		}
	}
	now := time.Date(2024, 1, 10, 12, 30, 45, 0, time.UTC)
	engine := backup.NewEngine(
		backup.WithFs(fsys),
		backup.WithClock(testclock.NewClock(now)),
		backup.WithLocation(time.UTC),
		backup.WithLogger(zerolog.Nop()),
	)
	cfg := config.Config{
		Destination:     "/dst",
		IntervalMinutes: 60,
		KeepDays:        7,
		BackupSources: map[string][]string{
			"a": {"/src/a.txt"},
			"b": {"/src/b.txt"},
		},
	}
	manager := backup.NewManager(engine, cfg, backup.WithSchedulerClock(testclock.NewClock(now)))
	srv := NewServer("", Deps{Runner: manager, Fs: fsys, Location: time.UTC})

	// The client has already gone away when the handler runs.
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	req := httptest.NewRequest(http.MethodPost, "/api/run", nil).WithContext(ctx)
	w := httptest.NewRecorder()
	srv.routes().ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}
	var report backup.CycleReport
	if err := json.Unmarshal(w.Body.Bytes(), &report); err != nil {
		t.Fatal(err)
	}
	if report.Error != "" {
		t.Errorf("report error = %q, want none", report.Error)
	}
	if copied, failed, _ := report.Backup.Totals(); copied != 2 || failed != 0 {
		t.Errorf("copied=%d failed=%d, want 2/0", copied, failed)
	}
	for _, name := range []string{"a", "b"} {
		p := "/dst/Back-up 10.01.2024 12-30-45/" + name + "/" + name + ".txt"
		if ok, _ := afero.Exists(fsys, p); !ok {
			t.Errorf("%s not copied", p)
		}
	}
}

func TestRunEndpoint_StopCancelsCycle(t *testing.T) {
	runner := &ctxRunner{fakeRunner: testRunner()}
	srv := NewServer("", Deps{Runner: runner, Fs: afero.NewMemMapFs(), Location: time.UTC})
	if err := srv.Stop(); err != nil {
		t.Fatal(err)
	}

	w := serve(srv.routes(), http.MethodPost, "/api/run")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if !errors.Is(runner.ctxErr, context.Canceled) {
		t.Errorf("cycle context err = %v, want canceled after Stop", runner.ctxErr)
	}
}

type ctxRunner struct {
	*fakeRunner
	ctxErr error
}

func (r *ctxRunner) TryRunCycle(ctx context.Context) (backup.CycleReport, error) {
	r.ctxErr = ctx.Err()
	return r.fakeRunner.TryRunCycle(ctx)
}

func TestStartServeStop(t *testing.T) {
	srv := NewServer("127.0.0.1:0", Deps{Runner: testRunner()})
	if err := srv.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- srv.Serve() }()

	if err := srv.Stop(); err != nil {
		t.Errorf("Stop: %v", err)
	}
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Serve after Stop = %v, want nil", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after Stop")
	}
}

func TestServe_ReportsListenerFailure(t *testing.T) {
	srv := NewServer("127.0.0.1:0", Deps{Runner: testRunner()})
	if err := srv.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer srv.Stop()

	// Closing the listener underneath the server makes Accept fail.
	if err := srv.listener.Close(); err != nil {
		t.Fatal(err)
	}
	if err := srv.Serve(); err == nil {
		t.Error("Serve returned nil after its listener closed")
	}
}

func TestServe_BeforeStart(t *testing.T) {
	srv := NewServer("127.0.0.1:0", Deps{Runner: testRunner()})
	if err := srv.Serve(); err == nil {
		t.Error("Serve without Start returned nil")
	}
}
