package httpserver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/afero"

	"github.com/tinytelemetry/backuper/internal/backup"
	"github.com/tinytelemetry/backuper/internal/config"
	"github.com/tinytelemetry/backuper/internal/history"
	"github.com/tinytelemetry/backuper/internal/snapshot"
)

const maxRunsLimit = 500

// Runner is the narrow cycle manager contract required by the HTTP API.
type Runner interface {
	Config() config.Config
	Last() (backup.CycleReport, bool)
	TryRunCycle(ctx context.Context) (backup.CycleReport, error)
}

// History is the narrow run history contract. A nil History disables /api/runs.
type History interface {
	Recent(ctx context.Context, limit int) ([]history.Run, error)
}

// Deps are the collaborators the API reads from.
type Deps struct {
	Runner   Runner
	History  History
	Fs       afero.Fs
	Location *time.Location
}

// Server provides an HTTP API for inspecting and triggering backups.
type Server struct {
	addr      string
	deps      Deps
	server    *http.Server
	listener  net.Listener
	ctx       context.Context
	cancel    context.CancelFunc
	startTime time.Time
}

// NewServer creates a new HTTP API server.
func NewServer(addr string, deps Deps) *Server {
	if addr == "" {
		addr = "127.0.0.1:3300"
	}
	if deps.Fs == nil {
		deps.Fs = afero.NewOsFs()
	}
	if deps.Location == nil {
		deps.Location = time.Local
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		addr:      addr,
		deps:      deps,
		ctx:       ctx,
		cancel:    cancel,
		startTime: time.Now(),
	}
}

func (s *Server) routes() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/api/health", s.handleHealth)
	r.GET("/api/snapshots", s.handleSnapshots)
	r.GET("/api/runs", s.handleRuns)
	r.POST("/api/run", s.handleRun)
	return r
}

// Start binds the listener, so address errors surface before Serve.
func (s *Server) Start() error {
	gin.SetMode(gin.ReleaseMode)

	s.server = &http.Server{
		Handler:           s.routes(),
		BaseContext:       func(_ net.Listener) context.Context { return s.ctx },
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
	}

	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	s.listener = listener
	s.startTime = time.Now()
	return nil
}

// Serve blocks serving requests until Stop. It returns nil after a clean
// shutdown and the listener error otherwise.
func (s *Server) Serve() error {
	if s.server == nil || s.listener == nil {
		return errors.New("httpserver: Serve called before Start")
	}
	if err := s.server.Serve(s.listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("httpserver: serve %s: %w", s.addr, err)
	}
	return nil
}

// Stop gracefully shuts down the HTTP server and cancels cycles it started.
func (s *Server) Stop() error {
	s.cancel()
	if s.server == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.server.Shutdown(ctx)
}

func (s *Server) handleHealth(c *gin.Context) {
	cfg := s.deps.Runner.Config()
	body := gin.H{
		"status":      "ok",
		"uptime":      time.Since(s.startTime).String(),
		"destination": cfg.Destination,
		"interval":    cfg.Interval().String(),
		"keep_days":   cfg.KeepDays,
	}
	if last, ok := s.deps.Runner.Last(); ok {
		body["last_run"] = gin.H{
			"id":          last.ID,
			"snapshot":    last.Backup.Identity,
			"finished_at": last.FinishedAt,
			"error":       last.Error,
		}
	}
	c.JSON(http.StatusOK, body)
}

func (s *Server) handleSnapshots(c *gin.Context) {
	cfg := s.deps.Runner.Config()
	snaps, err := snapshot.List(s.deps.Fs, cfg.Destination, s.deps.Location)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"destination": cfg.Destination,
		"snapshots":   snaps,
		"count":       len(snaps),
	})
}

func (s *Server) handleRuns(c *gin.Context) {
	if s.deps.History == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "run history is disabled"})
		return
	}

	limit := 20
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
			return
		}
		limit = min(n, maxRunsLimit)
	}

	runs, err := s.deps.History.Recent(c.Request.Context(), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read run history"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"runs":  runs,
		"count": len(runs),
	})
}

func (s *Server) handleRun(c *gin.Context) {
	// A cycle outlives its request; only Stop cancels it.
	report, err := s.deps.Runner.TryRunCycle(s.ctx)
	if errors.Is(err, backup.ErrCycleInProgress) {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}
	// Partial failures are part of the report; the cycle itself ran.
	c.JSON(http.StatusOK, report)
}
