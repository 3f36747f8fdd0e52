// Package config holds the backuper configuration and the file store that
// creates, reads and validates it.
package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"slices"
	"strings"
	"time"
)

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("config: invalid")

// Config is one immutable configuration value. The engine borrows it per run.
type Config struct {
	// Destination is the root that holds snapshot directories.
	Destination string `mapstructure:"destination" yaml:"destination" toml:"destination"`

	// IntervalMinutes is the period between backup cycles.
	IntervalMinutes uint32 `mapstructure:"interval_minutes" yaml:"interval_minutes" toml:"interval_minutes"`

	// KeepDays is the retention window; 0 keeps only today's snapshots.
	KeepDays uint64 `mapstructure:"keep_days" yaml:"keep_days" toml:"keep_days"`

	// BackupSources maps category name to source paths. Decoded with yaml.v3
	// or go-toml, not viper, so category names keep their case.
	BackupSources map[string][]string `mapstructure:"-" yaml:"backup_sources" toml:"backup_sources"`

	RunOnStart bool   `mapstructure:"run_on_start" yaml:"run_on_start" toml:"run_on_start"`
	APIEnabled bool   `mapstructure:"api_enabled" yaml:"api_enabled" toml:"api_enabled"`
	APIAddr    string `mapstructure:"api_addr" yaml:"api_addr" toml:"api_addr"`

	// HistoryPath is the DuckDB file for run history. Empty disables history.
	HistoryPath string `mapstructure:"history_path" yaml:"history_path" toml:"history_path"`

	LogLevel  string `mapstructure:"log_level" yaml:"log_level" toml:"log_level"`
	LogFormat string `mapstructure:"log_format" yaml:"log_format" toml:"log_format"`
	LogFile   bool   `mapstructure:"log_file" yaml:"log_file" toml:"log_file"`

	// Path is the file this value was read from.
	Path string `mapstructure:"-" yaml:"-" toml:"-"`
}

// Category is one named group of source paths.
type Category struct {
	Name  string
	Paths []string
}

// Categories returns the backup sources sorted by category name.
func (c Config) Categories() []Category {
	names := make([]string, 0, len(c.BackupSources))
	for name := range c.BackupSources {
		names = append(names, name)
	}
	slices.Sort(names)

	out := make([]Category, 0, len(names))
	for _, name := range names {
		out = append(out, Category{Name: name, Paths: slices.Clone(c.BackupSources[name])})
	}
	return out
}

// Interval returns IntervalMinutes as a duration.
func (c Config) Interval() time.Duration {
	return time.Duration(c.IntervalMinutes) * time.Minute
}

// Validate checks the fields the engine cannot work without.
func (c Config) Validate() error {
	if strings.TrimSpace(c.Destination) == "" {
		return fmt.Errorf("%w: destination is empty", ErrInvalid)
	}
	if c.IntervalMinutes == 0 {
		return fmt.Errorf("%w: interval_minutes must be greater than 0", ErrInvalid)
	}
	for name := range c.BackupSources {
		if strings.TrimSpace(name) == "" {
			return fmt.Errorf("%w: empty category name", ErrInvalid)
		}
		if name != filepath.Base(name) || name == "." || name == ".." {
			return fmt.Errorf("%w: category %q must be a single path element", ErrInvalid, name)
		}
	}
	return nil
}

// Default returns the configuration written on first start. dir is the
// directory holding the config file.
func Default(dir string) Config {
	return Config{
		Destination:     filepath.Join(dir, "backups"),
		IntervalMinutes: 60,
		KeepDays:        7,
		BackupSources: map[string][]string{
			"sublime": {
				"C:/Users/Username/AppData/Roaming/Sublime Text/Packages/User",
			},
			"photoshop": {
				"C:/Users/Username/AppData/Roaming/Adobe/Adobe Photoshop 2024/Presets",
				"C:/Users/Username/Documents/Photoshop",
			},
			"flashpaste": {
				"C:/Program Files/FlashPaste/config.ini",
				"C:/Users/Username/AppData/Local/FlashPaste",
			},
		},
		APIEnabled:  false,
		APIAddr:     "127.0.0.1:3300",
		HistoryPath: filepath.Join(dir, "backuper-history.duckdb"),
		LogLevel:    "info",
		LogFormat:   "console",
	}
}
