package backup

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrTargetExists is returned by the copy primitive instead of overwriting.
	ErrTargetExists = errors.New("backup: copy target already exists")

	// ErrCycleInProgress is returned by TryRunCycle while another cycle runs.
	ErrCycleInProgress = errors.New("backup: cycle already in progress")
)

// Copier copies one file or directory into dstDir, keeping its base name.
// It returns the number of file bytes written.
type Copier interface {
	CopyInto(src, dstDir string) (int64, error)
}

// Recorder persists finished cycles, e.g. to the run history store.
type Recorder interface {
	Record(ctx context.Context, report CycleReport) error
}

// SourceFailure is one source path that could not be copied.
type SourceFailure struct {
	Source string `json:"source"`
	Error  string `json:"error"`
}

// CategoryReport describes one category of a snapshot.
type CategoryReport struct {
	Name   string          `json:"name"`
	Dir    string          `json:"dir"`
	Copied []string        `json:"copied"`
	Failed []SourceFailure `json:"failed,omitempty"`
	Bytes  int64           `json:"bytes"`
	// Error is set when the category directory could not be created.
	Error string `json:"error,omitempty"`
}

// BackupReport describes one RunBackup call.
type BackupReport struct {
	Identity   string           `json:"identity"`
	Dir        string           `json:"dir"`
	Categories []CategoryReport `json:"categories"`
}

// Totals sums copied sources, failed sources and bytes across categories.
func (r BackupReport) Totals() (copied, failed int, bytes int64) {
	for _, c := range r.Categories {
		copied += len(c.Copied)
		failed += len(c.Failed)
		bytes += c.Bytes
	}
	return copied, failed, bytes
}

// SkippedEntry is a snapshot-looking entry the pruner refused to judge.
type SkippedEntry struct {
	Name   string `json:"name"`
	Reason string `json:"reason"`
}

// CleanupReport describes one RunCleanup call.
type CleanupReport struct {
	Horizon  string         `json:"horizon"`
	Deleted  []string       `json:"deleted"`
	Retained []string       `json:"retained"`
	Skipped  []SkippedEntry `json:"skipped,omitempty"`
}

// CycleReport is one backup plus cleanup pass.
type CycleReport struct {
	ID         string        `json:"id"`
	StartedAt  time.Time     `json:"started_at"`
	FinishedAt time.Time     `json:"finished_at"`
	Backup     BackupReport  `json:"backup"`
	Cleanup    CleanupReport `json:"cleanup"`
	Error      string        `json:"error,omitempty"`
}
