// Package history keeps a DuckDB log of finished backup cycles.
package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/duckdb/duckdb-go/v2"

	"github.com/tinytelemetry/backuper/internal/backup"
	"github.com/tinytelemetry/backuper/internal/history/migrate"
	"github.com/tinytelemetry/backuper/internal/logging"
)

const defaultRecentLimit = 20

// Run is one recorded cycle.
type Run struct {
	ID         string          `json:"id"`
	StartedAt  time.Time       `json:"started_at"`
	FinishedAt time.Time       `json:"finished_at"`
	Snapshot   string          `json:"snapshot"`
	Copied     int             `json:"copied"`
	Failed     int             `json:"failed"`
	Bytes      int64           `json:"bytes"`
	Deleted    int             `json:"deleted"`
	Skipped    int             `json:"skipped"`
	Error      string          `json:"error,omitempty"`
	Report     json.RawMessage `json:"report,omitempty"`
}

// Store is the run history database.
type Store struct {
	db     *sql.DB
	mu     sync.Mutex
	dbPath string
}

// Open opens or creates the history database at dbPath and applies
// migrations. An empty path opens an in-memory database.
func Open(dbPath string) (*Store, error) {
	if dbPath != "" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
			return nil, fmt.Errorf("history: mkdir: %w", err)
		}
	}

	db, err := sql.Open("duckdb", dbPath)
	if err != nil {
		return nil, fmt.Errorf("history: open %s: %w", dbPath, err)
	}
	ran, err := migrate.Apply(context.Background(), db)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("history: %w", err)
	}
	if len(ran) > 0 {
		logging.Info().Str("path", dbPath).Strs("migrations", ran).Msg("history schema migrated")
	}
	return &Store{db: db, dbPath: dbPath}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Path returns the database file, empty for in-memory.
func (s *Store) Path() string {
	return s.dbPath
}

// Schema reports the applied and pending schema migrations.
func (s *Store) Schema(ctx context.Context) (migrate.Status, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return migrate.Inspect(ctx, s.db)
}

// Record stores a finished cycle together with its per-source failures.
func (s *Store) Record(ctx context.Context, report backup.CycleReport) error {
	payload, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("history: marshal report: %w", err)
	}
	copied, failed, bytes := report.Backup.Totals()

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("history: begin: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `INSERT INTO runs
		(id, started_at, finished_at, snapshot, copied, failed, bytes, deleted, skipped, error_message, report)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		report.ID,
		report.StartedAt.UTC(),
		report.FinishedAt.UTC(),
		report.Backup.Identity,
		copied,
		failed,
		bytes,
		len(report.Cleanup.Deleted),
		len(report.Cleanup.Skipped),
		report.Error,
		string(payload),
	)
	if err != nil {
		return fmt.Errorf("history: insert run: %w", err)
	}

	for _, cat := range report.Backup.Categories {
		for _, f := range cat.Failed {
			if _, err := tx.ExecContext(ctx,
				"INSERT INTO source_failures (run_id, category, source_path, error_message) VALUES (?, ?, ?, ?)",
				report.ID, cat.Name, f.Source, f.Error,
			); err != nil {
				return fmt.Errorf("history: insert failure: %w", err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("history: commit: %w", err)
	}
	return nil
}

// Recent returns up to limit runs, newest first. limit <= 0 uses a default.
func (s *Store) Recent(ctx context.Context, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = defaultRecentLimit
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.QueryContext(ctx, `SELECT id, started_at, finished_at, snapshot, copied, failed, bytes, deleted, skipped, error_message, report
		FROM runs ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("history: query runs: %w", err)
	}
	defer rows.Close()

	runs := []Run{}
	for rows.Next() {
		var r Run
		var report string
		if err := rows.Scan(&r.ID, &r.StartedAt, &r.FinishedAt, &r.Snapshot, &r.Copied, &r.Failed, &r.Bytes, &r.Deleted, &r.Skipped, &r.Error, &report); err != nil {
			return nil, fmt.Errorf("history: scan run: %w", err)
		}
		r.Report = json.RawMessage(report)
		runs = append(runs, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("history: iterate runs: %w", err)
	}
	return runs, nil
}

// FailedSources returns how often each source failed, most frequent first.
func (s *Store) FailedSources(ctx context.Context, limit int) (map[string]int, error) {
	if limit <= 0 {
		limit = defaultRecentLimit
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.QueryContext(ctx, `SELECT source_path, COUNT(*) AS n FROM source_failures
		GROUP BY source_path ORDER BY n DESC, source_path LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("history: query failures: %w", err)
	}
	defer rows.Close()

	out := map[string]int{}
	for rows.Next() {
		var source string
		var n int
		if err := rows.Scan(&source, &n); err != nil {
			return nil, fmt.Errorf("history: scan failure: %w", err)
		}
		out[source] = n
	}
	return out, rows.Err()
}
