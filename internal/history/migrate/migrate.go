// Package migrate keeps the run history schema in step with the SQL files
// embedded in the binary.
//
// Files are named NNN_name.sql. Each one runs once, in version order, inside
// its own transaction, and is recorded in schema_migrations by version and
// name. A database whose recorded names no longer match the embedded files
// is refused instead of being migrated further.
package migrate

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"slices"
	"strconv"
	"strings"
	"time"
)

//go:embed migrations/*.sql
var files embed.FS

// ErrDrift means schema_migrations records a migration the binary does not
// ship under the same version and name.
var ErrDrift = errors.New("migrate: recorded migrations do not match this build")

// Migration is one embedded schema change.
type Migration struct {
	Version int
	Name    string
	body    string
}

// Applied is a migration recorded in schema_migrations.
type Applied struct {
	Version   int       `json:"version"`
	Name      string    `json:"name"`
	AppliedAt time.Time `json:"applied_at"`
}

// Status compares a database with the embedded migrations.
type Status struct {
	Current int       `json:"current"`
	Applied []Applied `json:"applied"`
	// Pending lists, in order, the names Apply would run.
	Pending []string `json:"pending"`
}

// Embedded returns the migrations shipped with the binary, oldest first.
func Embedded() ([]Migration, error) {
	entries, err := fs.ReadDir(files, "migrations")
	if err != nil {
		return nil, fmt.Errorf("migrate: read embedded migrations: %w", err)
	}

	var out []Migration
	for _, e := range entries {
		stem, ok := strings.CutSuffix(e.Name(), ".sql")
		if e.IsDir() || !ok {
			continue
		}
		prefix, name, ok := strings.Cut(stem, "_")
		if !ok || name == "" {
			return nil, fmt.Errorf("migrate: %s is not named NNN_name.sql", e.Name())
		}
		version, err := strconv.Atoi(prefix)
		if err != nil || version <= 0 {
			return nil, fmt.Errorf("migrate: %s has no positive version prefix", e.Name())
		}
		body, err := files.ReadFile(path.Join("migrations", e.Name()))
		if err != nil {
			return nil, fmt.Errorf("migrate: read %s: %w", e.Name(), err)
		}
		out = append(out, Migration{Version: version, Name: name, body: string(body)})
	}

	slices.SortFunc(out, func(a, b Migration) int { return a.Version - b.Version })
	for i := 1; i < len(out); i++ {
		if out[i].Version == out[i-1].Version {
			return nil, fmt.Errorf("migrate: version %d used by %s and %s", out[i].Version, out[i-1].Name, out[i].Name)
		}
	}
	return out, nil
}

// Inspect reports which migrations db has and which it still needs. The
// returned error wraps ErrDrift when the recorded history disagrees with the
// embedded files; Status is still filled in that case.
func Inspect(ctx context.Context, db *sql.DB) (Status, error) {
	if err := ensureTable(ctx, db); err != nil {
		return Status{}, err
	}
	embedded, err := Embedded()
	if err != nil {
		return Status{}, err
	}
	applied, err := recorded(ctx, db)
	if err != nil {
		return Status{}, err
	}
	return compare(embedded, applied)
}

// Apply runs every pending migration and returns the names it ran. Nothing
// runs when the database has drifted.
func Apply(ctx context.Context, db *sql.DB) ([]string, error) {
	st, err := Inspect(ctx, db)
	if err != nil {
		return nil, err
	}
	embedded, err := Embedded()
	if err != nil {
		return nil, err
	}

	ran := []string{}
	for _, m := range embedded {
		if m.Version <= st.Current {
			continue
		}
		if err := runOne(ctx, db, m); err != nil {
			return ran, err
		}
		ran = append(ran, m.Name)
	}
	return ran, nil
}

func compare(embedded []Migration, applied []Applied) (Status, error) {
	st := Status{Applied: applied, Pending: []string{}}
	byVersion := make(map[int]string, len(embedded))
	for _, m := range embedded {
		byVersion[m.Version] = m.Name
	}

	var drift []string
	for _, a := range applied {
		st.Current = max(st.Current, a.Version)
		want, ok := byVersion[a.Version]
		switch {
		case !ok:
			drift = append(drift, fmt.Sprintf("version %d (%s) is unknown", a.Version, a.Name))
		case want != a.Name:
			drift = append(drift, fmt.Sprintf("version %d is %s, this build has %s", a.Version, a.Name, want))
		}
	}
	for _, m := range embedded {
		if m.Version > st.Current {
			st.Pending = append(st.Pending, m.Name)
		}
	}

	if len(drift) > 0 {
		return st, fmt.Errorf("%w: %s", ErrDrift, strings.Join(drift, "; "))
	}
	return st, nil
}

func ensureTable(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
		version    INTEGER PRIMARY KEY,
		name       VARCHAR NOT NULL,
		applied_at TIMESTAMP NOT NULL DEFAULT current_timestamp
	)`)
	if err != nil {
		return fmt.Errorf("migrate: create schema_migrations: %w", err)
	}
	return nil
}

func recorded(ctx context.Context, db *sql.DB) ([]Applied, error) {
	rows, err := db.QueryContext(ctx, "SELECT version, name, applied_at FROM schema_migrations ORDER BY version")
	if err != nil {
		return nil, fmt.Errorf("migrate: read schema_migrations: %w", err)
	}
	defer rows.Close()

	out := []Applied{}
	for rows.Next() {
		var a Applied
		if err := rows.Scan(&a.Version, &a.Name, &a.AppliedAt); err != nil {
			return nil, fmt.Errorf("migrate: scan schema_migrations: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func runOne(ctx context.Context, db *sql.DB, m Migration) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("migrate: %03d_%s: begin: %w", m.Version, m.Name, err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, m.body); err != nil {
		return fmt.Errorf("migrate: %03d_%s: %w", m.Version, m.Name, err)
	}
	if _, err := tx.ExecContext(ctx, "INSERT INTO schema_migrations (version, name) VALUES (?, ?)", m.Version, m.Name); err != nil {
		return fmt.Errorf("migrate: %03d_%s: record: %w", m.Version, m.Name, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("migrate: %03d_%s: commit: %w", m.Version, m.Name, err)
	}
	return nil
}
