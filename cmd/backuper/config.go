package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/spf13/afero"

	"github.com/tinytelemetry/backuper/internal/config"
	"github.com/tinytelemetry/backuper/internal/logging"
)

const (
	defaultConfigName = "config.yml"
	legacyConfigName  = "config.toml"
)

// resolveConfigPath returns the --config value, or the config file next to
// the running executable.
func resolveConfigPath(flagPath string) (string, error) {
	if flagPath != "" {
		return filepath.Abs(flagPath)
	}
	exe, err := os.Executable()
	if err != nil {
		return "", fmt.Errorf("locating executable: %w", err)
	}
	if resolved, err := filepath.EvalSymlinks(exe); err == nil {
		exe = resolved
	}
	return configPathIn(afero.NewOsFs(), filepath.Dir(exe)), nil
}

// configPathIn picks config.yml in dir. An existing config.toml is used
// instead when there is no config.yml, so older TOML installs keep their
// settings.
func configPathIn(fsys afero.Fs, dir string) string {
	yml := filepath.Join(dir, defaultConfigName)
	if ok, _ := afero.Exists(fsys, yml); ok {
		return yml
	}
	legacy := filepath.Join(dir, legacyConfigName)
	if ok, _ := afero.Exists(fsys, legacy); ok {
		return legacy
	}
	return yml
}

// loadConfig opens the config store, creating the file with defaults on
// first start, and applies command-line overrides.
func loadConfig(opts *rootOptions) (*config.Store, config.Config, error) {
	path, err := resolveConfigPath(opts.configPath)
	if err != nil {
		return nil, config.Config{}, err
	}

	store := config.NewStore(afero.NewOsFs(), path)
	cfg, err := store.Load()
	if err != nil {
		return nil, config.Config{}, fmt.Errorf("loading config %s: %w", path, err)
	}
	return store, applyOverrides(cfg, opts), nil
}

func applyOverrides(cfg config.Config, opts *rootOptions) config.Config {
	if opts.logLevel != "" {
		cfg.LogLevel = opts.logLevel
	}
	if opts.logFormat != "" {
		cfg.LogFormat = opts.logFormat
	}
	return cfg
}

// initLogging points the global logger at out with the configured level and format.
func initLogging(cfg config.Config, out io.Writer) {
	logging.Init(logging.Config{
		Level:  cfg.LogLevel,
		Format: cfg.LogFormat,
		Output: out,
	})
}
