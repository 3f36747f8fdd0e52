package backup

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/juju/clock"
	"github.com/rs/zerolog"
	"github.com/spf13/afero"

	"github.com/tinytelemetry/backuper/internal/config"
	"github.com/tinytelemetry/backuper/internal/logging"
	"github.com/tinytelemetry/backuper/internal/snapshot"
)

const dirMode = 0755

// Engine writes snapshots and prunes old ones. It keeps no state between
// calls; the destination directory is the only record of what exists.
type Engine struct {
	fs     afero.Fs
	clock  clock.Clock
	loc    *time.Location
	copier Copier
	log    zerolog.Logger
}

// Option configures an Engine.
type Option func(*Engine)

// WithFs sets the filesystem. Defaults to the OS filesystem.
func WithFs(fsys afero.Fs) Option {
	return func(e *Engine) { e.fs = fsys }
}

// WithClock sets the time source. Defaults to the wall clock.
func WithClock(c clock.Clock) Option {
	return func(e *Engine) { e.clock = c }
}

// WithLocation sets the zone snapshot identities are written and parsed in.
// Defaults to time.Local.
func WithLocation(loc *time.Location) Option {
	return func(e *Engine) { e.loc = loc }
}

// WithCopier replaces the copy primitive.
func WithCopier(c Copier) Option {
	return func(e *Engine) { e.copier = c }
}

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option {
	return func(e *Engine) { e.log = l }
}

// NewEngine builds an engine.
func NewEngine(opts ...Option) *Engine {
	e := &Engine{
		fs:    afero.NewOsFs(),
		clock: clock.WallClock,
		loc:   time.Local,
		log:   logging.With().Str("component", "backup").Logger(),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.copier == nil {
		e.copier = NewFSCopier(e.fs)
	}
	return e
}

// Fs returns the engine filesystem.
func (e *Engine) Fs() afero.Fs { return e.fs }

// Location returns the zone used for snapshot identities.
func (e *Engine) Location() *time.Location { return e.loc }

// EnsureDestination creates the destination root when missing and reports
// whether it had to.
func (e *Engine) EnsureDestination(dst string) (bool, error) {
	exists, err := afero.DirExists(e.fs, dst)
	if err != nil {
		return false, fmt.Errorf("backup: stat destination %s: %w", dst, err)
	}
	if exists {
		e.log.Debug().Str("destination", dst).Msg("destination exists")
		return false, nil
	}
	e.log.Info().Str("destination", dst).Msg("destination does not exist, creating")
	if err := e.fs.MkdirAll(dst, dirMode); err != nil {
		return false, fmt.Errorf("backup: create destination %s: %w", dst, err)
	}
	return true, nil
}

// EnsureDir creates dir and its parents. An existing directory is not an error.
func (e *Engine) EnsureDir(dir string) error {
	if err := e.fs.MkdirAll(dir, dirMode); err != nil {
		return fmt.Errorf("backup: create %s: %w", dir, err)
	}
	return nil
}

// RunBackup writes one snapshot of every configured category. All categories
// share one identity taken from the clock at entry.
//
// A source that fails to copy is logged and recorded in the report; it never
// fails the call. A category whose directory cannot be created is skipped and
// its error is returned, joined with any others, after every category was tried.
func (e *Engine) RunBackup(ctx context.Context, cfg config.Config) (BackupReport, error) {
	now := e.clock.Now().In(e.loc)
	identity := snapshot.Identity(now)
	report := BackupReport{
		Identity: identity,
		Dir:      filepath.Join(cfg.Destination, snapshot.Prefix+identity),
	}
	e.log.Info().Str("identity", identity).Msg("performing backup")

	var errs []error
	for _, cat := range cfg.Categories() {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}

		cr := CategoryReport{
			Name:   cat.Name,
			Dir:    filepath.Join(report.Dir, cat.Name),
			Copied: []string{},
		}
		e.log.Info().Str("category", cat.Name).Int("sources", len(cat.Paths)).Msg("backing up")

		if err := e.EnsureDir(cr.Dir); err != nil {
			e.log.Error().Err(err).Str("category", cat.Name).Msg("cannot create category directory, skipping category")
			cr.Error = err.Error()
			report.Categories = append(report.Categories, cr)
			errs = append(errs, fmt.Errorf("category %s: %w", cat.Name, err))
			continue
		}

		for _, src := range cat.Paths {
			n, err := e.copier.CopyInto(src, cr.Dir)
			cr.Bytes += n
			if err != nil {
				e.log.Warn().Err(err).Str("category", cat.Name).Str("source", src).Msg("error copying, skipping source")
				cr.Failed = append(cr.Failed, SourceFailure{Source: src, Error: err.Error()})
				continue
			}
			cr.Copied = append(cr.Copied, src)
		}
		report.Categories = append(report.Categories, cr)
	}

	copied, failed, bytes := report.Totals()
	e.log.Info().
		Str("identity", identity).
		Int("copied", copied).
		Int("failed", failed).
		Str("size", humanize.IBytes(uint64(bytes))).
		Msg("backup completed")

	if len(errs) > 0 {
		return report, fmt.Errorf("backup %s: %w", identity, errors.Join(errs...))
	}
	return report, nil
}
