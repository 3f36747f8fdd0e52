package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/pelletier/go-toml/v2"
	"github.com/spf13/afero"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/tinytelemetry/backuper/internal/logging"
)

const (
	envPrefix       = "BACKUPER"
	defaultFileMode = 0644
	defaultDirMode  = 0755
)

// Store reads and persists the configuration file at a fixed path.
// The path is chosen by the caller; the store holds no global state.
type Store struct {
	fs   afero.Fs
	path string

	mu      sync.Mutex
	watcher *viper.Viper
}

// NewStore returns a store for the file at path on fsys. A .toml extension
// selects TOML, anything else YAML.
func NewStore(fsys afero.Fs, path string) *Store {
	if fsys == nil {
		fsys = afero.NewOsFs()
	}
	return &Store{fs: fsys, path: path}
}

// Path returns the configuration file location.
func (s *Store) Path() string {
	return s.path
}

func (s *Store) format() string {
	if strings.EqualFold(filepath.Ext(s.path), ".toml") {
		return "toml"
	}
	return "yaml"
}

func (s *Store) marshal(cfg Config) ([]byte, error) {
	if s.format() == "toml" {
		return toml.Marshal(cfg)
	}
	return yaml.Marshal(cfg)
}

// Load returns the configuration. When the file does not exist yet it is
// created with Default values first, as on a fresh install.
func (s *Store) Load() (Config, error) {
	exists, err := afero.Exists(s.fs, s.path)
	if err != nil {
		return Config{}, fmt.Errorf("config: stat %s: %w", s.path, err)
	}
	if !exists {
		logging.Info().Str("path", s.path).Msg("config not found, creating new one")
		if err := s.create(Default(filepath.Dir(s.path))); err != nil {
			return Config{}, err
		}
	} else {
		logging.Debug().Str("path", s.path).Msg("config found, reading")
	}
	return s.read(s.newViper())
}

func (s *Store) create(cfg Config) error {
	data, err := s.marshal(cfg)
	if err != nil {
		return fmt.Errorf("config: marshal defaults: %w", err)
	}
	if err := s.fs.MkdirAll(filepath.Dir(s.path), defaultDirMode); err != nil {
		return fmt.Errorf("config: mkdir: %w", err)
	}
	f, err := s.fs.OpenFile(s.path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, defaultFileMode)
	if err != nil {
		return fmt.Errorf("config: create %s: %w", s.path, err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return fmt.Errorf("config: write %s: %w", s.path, err)
	}
	return f.Close()
}

func (s *Store) newViper() *viper.Viper {
	defaults := Default(filepath.Dir(s.path))

	v := viper.New()
	v.SetFs(s.fs)
	v.SetConfigFile(s.path)
	v.SetConfigType(s.format())
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	v.SetDefault("destination", defaults.Destination)
	v.SetDefault("interval_minutes", defaults.IntervalMinutes)
	v.SetDefault("keep_days", defaults.KeepDays)
	v.SetDefault("run_on_start", defaults.RunOnStart)
	v.SetDefault("api_enabled", defaults.APIEnabled)
	v.SetDefault("api_addr", defaults.APIAddr)
	v.SetDefault("history_path", defaults.HistoryPath)
	v.SetDefault("log_level", defaults.LogLevel)
	v.SetDefault("log_format", defaults.LogFormat)
	v.SetDefault("log_file", defaults.LogFile)
	return v
}

func (s *Store) read(v *viper.Viper) (Config, error) {
	var cfg Config

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !errors.Is(err, fs.ErrNotExist) {
			return cfg, fmt.Errorf("config: read %s: %w", s.path, err)
		}
	}
	if err := v.Unmarshal(&cfg); err != nil {
		return cfg, fmt.Errorf("config: decode %s: %w", s.path, err)
	}

	sources, err := s.readSources()
	if err != nil {
		return cfg, err
	}
	cfg.BackupSources = sources
	cfg.Path = s.path
	cfg.Destination = expandHome(cfg.Destination)
	cfg.HistoryPath = expandHome(cfg.HistoryPath)

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// readSources decodes backup_sources directly; viper lower-cases map keys.
func (s *Store) readSources() (map[string][]string, error) {
	data, err := afero.ReadFile(s.fs, s.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return map[string][]string{}, nil
		}
		return nil, fmt.Errorf("config: read %s: %w", s.path, err)
	}

	var doc struct {
		BackupSources map[string][]string `yaml:"backup_sources" toml:"backup_sources"`
	}
	unmarshal := yaml.Unmarshal
	if s.format() == "toml" {
		unmarshal = toml.Unmarshal
	}
	if err := unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("config: decode backup_sources: %w", err)
	}
	if doc.BackupSources == nil {
		doc.BackupSources = map[string][]string{}
	}
	return doc.BackupSources, nil
}

// Watch reloads the file whenever it changes and passes valid values to
// onChange. Invalid edits are logged and ignored.
func (s *Store) Watch(onChange func(Config)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.watcher != nil {
		return
	}

	v := s.newViper()
	v.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		cfg, err := s.read(s.newViper())
		if err != nil {
			logging.Warn().Err(err).Str("path", e.Name).Msg("config reload failed, keeping previous config")
			return
		}
		logging.Info().Str("path", e.Name).Msg("config reloaded")
		onChange(cfg)
	})
	v.WatchConfig()
	s.watcher = v
}

func expandHome(p string) string {
	if !strings.HasPrefix(p, "~/") {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return p
	}
	return filepath.Join(home, p[2:])
}
