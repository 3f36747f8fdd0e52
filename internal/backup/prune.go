package backup

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"

	"github.com/spf13/afero"

	"github.com/tinytelemetry/backuper/internal/config"
	"github.com/tinytelemetry/backuper/internal/snapshot"
)

// keepDays beyond this put the horizon before any representable snapshot.
const maxKeepDays = 1_000_000

// Horizon returns the retention cutoff for cfg at the engine's current time:
// today's date minus KeepDays. Snapshots dated strictly before it are deleted.
func (e *Engine) Horizon(cfg config.Config) snapshot.Date {
	keep := cfg.KeepDays
	if keep > maxKeepDays {
		keep = maxKeepDays
	}
	today := snapshot.DateOf(e.clock.Now().In(e.loc))
	return today.AddDays(-int(keep))
}

// RunCleanup deletes snapshot directories dated before the retention horizon.
//
// Entries without the snapshot prefix are left alone. Entries with the prefix
// that are not valid UTF-8, do not parse, are not directories, or whose local
// time is ambiguous or nonexistent are skipped and kept. Failing to list the
// destination or to delete a snapshot stops the scan and returns the error.
func (e *Engine) RunCleanup(ctx context.Context, cfg config.Config) (CleanupReport, error) {
	horizon := e.Horizon(cfg)
	report := CleanupReport{
		Horizon:  horizon.String(),
		Deleted:  []string{},
		Retained: []string{},
	}
	e.log.Info().Str("horizon", report.Horizon).Msg("cleaning up old backups")

	entries, err := afero.ReadDir(e.fs, cfg.Destination)
	if err != nil {
		return report, fmt.Errorf("cleanup: list %s: %w", cfg.Destination, err)
	}

	skip := func(name, reason string, err error) {
		e.log.Warn().Err(err).Str("entry", name).Str("reason", reason).Msg("skipping entry")
		report.Skipped = append(report.Skipped, SkippedEntry{Name: name, Reason: reason})
	}

	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		name := entry.Name()

		wall, err := snapshot.ParseName(name)
		switch {
		case errors.Is(err, snapshot.ErrNoPrefix):
			e.log.Debug().Str("entry", name).Msg("ignoring foreign entry")
			continue
		case errors.Is(err, snapshot.ErrInvalidName):
			skip(fmt.Sprintf("%q", name), "name is not valid utf-8", err)
			continue
		case err != nil:
			skip(name, "unparseable time mark", err)
			continue
		}

		if !entry.IsDir() {
			skip(name, "not a directory", nil)
			continue
		}

		res := wall.Resolve(e.loc)
		if res.Kind != snapshot.Unique {
			skip(name, res.Kind.String()+" local time", nil)
			continue
		}
		e.log.Debug().Str("entry", name).Time("time", res.Instants[0]).Msg("parsed time mark")

		if !wall.Date().Before(horizon) {
			report.Retained = append(report.Retained, name)
			continue
		}

		path := filepath.Join(cfg.Destination, name)
		e.log.Info().Str("snapshot", name).Msg("deleting old backup")
		if err := e.fs.RemoveAll(path); err != nil {
			return report, fmt.Errorf("cleanup: delete %s: %w", path, err)
		}
		report.Deleted = append(report.Deleted, name)
	}

	return report, nil
}
