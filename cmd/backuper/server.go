package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/charmbracelet/lipgloss"
	"golang.org/x/sync/errgroup"

	"github.com/tinytelemetry/backuper/internal/backup"
	"github.com/tinytelemetry/backuper/internal/config"
	"github.com/tinytelemetry/backuper/internal/history"
	"github.com/tinytelemetry/backuper/internal/httpserver"
	"github.com/tinytelemetry/backuper/internal/logging"
)

// runServer runs the backup scheduler, the optional HTTP API and the config
// watcher until ctx is canceled or a signal arrives.
func runServer(parent context.Context, opts *rootOptions, stdout io.Writer) error {
	store, cfg, err := loadConfig(opts)
	if err != nil {
		return err
	}

	cleanupLogger := configureRuntimeLogger(cfg)
	defer cleanupLogger()

	engine := backup.NewEngine()
	if _, err := engine.EnsureDestination(cfg.Destination); err != nil {
		return fmt.Errorf("failed to prepare destination: %w", err)
	}

	var managerOpts []backup.ManagerOption
	var hist *history.Store
	if cfg.HistoryPath != "" {
		hist, err = history.Open(cfg.HistoryPath)
		if err != nil {
			return fmt.Errorf("failed to open run history: %w", err)
		}
		defer hist.Close()
		managerOpts = append(managerOpts, backup.WithRecorder(hist))
	}

	manager := backup.NewManager(engine, cfg, managerOpts...)
	defer manager.Stop()

	// New values apply from the next cycle; API and history settings need a restart.
	store.Watch(func(next config.Config) {
		manager.SetConfig(applyOverrides(next, opts))
	})

	var api apiServer
	if cfg.APIEnabled {
		deps := httpserver.Deps{
			Runner:   manager,
			Fs:       engine.Fs(),
			Location: engine.Location(),
		}
		if hist != nil {
			deps.History = hist
		}
		srv := httpserver.NewServer(cfg.APIAddr, deps)
		if err := srv.Start(); err != nil {
			return fmt.Errorf("failed to start API server: %w", err)
		}
		defer srv.Stop()
		api = srv
	}

	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	go func() {
		select {
		case <-sigCh:
		case <-ctx.Done():
			return
		}
		fmt.Fprintln(stdout, "\nShutting down gracefully... (press Ctrl+C again to force)")
		cancel()

		// Shutdown deadline starts now, not at boot.
		deadline := time.NewTimer(30 * time.Second)
		defer deadline.Stop()

		select {
		case <-sigCh:
			fmt.Fprintln(stdout, "\nForce shutdown.")
		case <-deadline.C:
			fmt.Fprintln(stdout, "Shutdown timed out, forcing exit.")
		}
		os.Exit(1)
	}()

	printStartupBanner(stdout, cfg, store.Path())

	err = runWorkers(ctx, manager, api)
	if err != nil {
		logging.Error().Err(err).Msg("server: worker exited with error")
	}
	logging.Info().Msg("backuper stopped")
	return err
}

// scheduler is the part of backup.Manager the worker group drives.
type scheduler interface {
	Start()
	Stop()
}

// apiServer is a started HTTP API. Serve blocks until Stop.
type apiServer interface {
	Serve() error
	Stop() error
}

// runWorkers runs the scheduler and the optional API until ctx is done or
// one of them fails, then stops both. A nil api runs the scheduler alone.
func runWorkers(ctx context.Context, sched scheduler, api apiServer) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		sched.Start()
		<-gctx.Done()
		// Stop waits for a cycle in progress to reach a category boundary.
		sched.Stop()
		return nil
	})

	if api != nil {
		g.Go(func() error {
			if err := api.Serve(); err != nil {
				return fmt.Errorf("API server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			return api.Stop()
		})
	}

	return g.Wait()
}

// configureRuntimeLogger sends logs to ~/.local/state/backuper/backuper.log
// when log_file is set, otherwise to stderr.
func configureRuntimeLogger(cfg config.Config) func() {
	if !cfg.LogFile {
		initLogging(cfg, os.Stderr)
		return func() {}
	}

	home, err := os.UserHomeDir()
	if err != nil {
		initLogging(cfg, os.Stderr)
		return func() {}
	}

	logDir := filepath.Join(home, ".local", "state", "backuper")
	if err := os.MkdirAll(logDir, 0755); err != nil {
		initLogging(cfg, os.Stderr)
		return func() {}
	}

	logPath := filepath.Join(logDir, "backuper.log")
	f, err := os.OpenFile(logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		initLogging(cfg, os.Stderr)
		return func() {}
	}

	initLogging(cfg, f)
	return func() {
		_ = f.Close()
	}
}

func printStartupBanner(w io.Writer, cfg config.Config, configPath string) {
	dim := lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
	green := lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	cyan := lipgloss.NewStyle().Foreground(lipgloss.Color("39"))
	yellow := lipgloss.NewStyle().Foreground(lipgloss.Color("220"))
	bold := lipgloss.NewStyle().Bold(true)

	check := green.Render("●")
	dot := dim.Render("●")

	logo := cyan.Bold(true).Render(`
    ╔╗ ╔═╗╔═╗╦╔═╦ ╦╔═╗╔═╗╦═╗
    ╠╩╗╠═╣║  ╠╩╗║ ║╠═╝║╣ ╠╦╝
    ╚═╝╩ ╩╚═╝╩ ╩╚═╝╩  ╚═╝╩╚═`)

	separator := dim.Render("    ─────────────────────────────────")

	lines := []string{"", logo, "    " + dim.Render("v"+version), "", separator, ""}

	lines = append(lines, bold.Render("    Schedule"), "")
	lines = append(lines, fmt.Sprintf("    %s  Interval       %s", check, cyan.Render(cfg.Interval().String())))
	lines = append(lines, fmt.Sprintf("    %s  Keep           %s", check, cyan.Render(fmt.Sprintf("%d days", cfg.KeepDays))))
	if cfg.RunOnStart {
		lines = append(lines, fmt.Sprintf("    %s  Run on start   %s", check, dim.Render("yes")))
	} else {
		lines = append(lines, fmt.Sprintf("    %s  Run on start   %s", dot, dim.Render("no")))
	}
	lines = append(lines, "")

	lines = append(lines, bold.Render("    Storage"), "")
	lines = append(lines, fmt.Sprintf("    %s  Destination    %s", check, dim.Render(shortenPath(cfg.Destination))))
	for _, c := range cfg.Categories() {
		lines = append(lines, fmt.Sprintf("    %s  %-14s %s", check, c.Name, dim.Render(fmt.Sprintf("%d sources", len(c.Paths)))))
	}
	if cfg.HistoryPath != "" {
		lines = append(lines, fmt.Sprintf("    %s  History        %s", check, dim.Render(shortenPath(cfg.HistoryPath))))
	} else {
		lines = append(lines, fmt.Sprintf("    %s  History        %s", dot, dim.Render("disabled")))
	}
	lines = append(lines, "")

	lines = append(lines, bold.Render("    Gateway"), "")
	if cfg.APIEnabled {
		lines = append(lines, fmt.Sprintf("    %s  HTTP API       %s", check, cyan.Render(cfg.APIAddr)))
	} else {
		lines = append(lines, fmt.Sprintf("    %s  HTTP API       %s", dot, dim.Render("disabled")))
	}
	lines = append(lines, fmt.Sprintf("    %s  Config File    %s", check, dim.Render(shortenPath(configPath))))

	lines = append(lines, "", separator, "")
	lines = append(lines, "    "+dim.Render("Press ")+yellow.Render("Ctrl+C")+dim.Render(" to stop"), "")

	fmt.Fprintln(w, strings.Join(lines, "\n"))
}

func shortenPath(path string) string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return path
	}
	if strings.HasPrefix(path, home) {
		return "~" + path[len(home):]
	}
	return path
}
