package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/adrg/xdg"
	"github.com/spf13/viper"

	"github.com/jamesainslie/indexsync/pkg/daemon/manager"
	"github.com/jamesainslie/indexsync/pkg/daemon/source"
)

// RotationConfig configures log file rotation.
type RotationConfig struct {
	MaxSize    string `mapstructure:"max_size"`
	MaxAge     int    `mapstructure:"max_age"`
	MaxBackups int    `mapstructure:"max_backups"`
	Daily      bool   `mapstructure:"daily"`
}

// LoggingConfig configures application logging.
type LoggingConfig struct {
	Level      string            `mapstructure:"level"`
	Path       string            `mapstructure:"path"`
	Rotation   RotationConfig    `mapstructure:"rotation"`
	Components map[string]string `mapstructure:"components"`
}

// StoreConfig selects the document store.
type StoreConfig struct {
	Backend string `mapstructure:"backend"`
	Path    string `mapstructure:"path"`
}

// IndexConfig configures the search index.
type IndexConfig struct {
	Path        string `mapstructure:"path"`
	SearchCache int    `mapstructure:"search_cache"`
}

// SyncConfig configures the index manager.
type SyncConfig struct {
	Interval  time.Duration `mapstructure:"interval"`
	BatchSize int           `mapstructure:"batch_size"`
	// Cutoff holds back entries younger than this. Zero disables it.
	Cutoff time.Duration `mapstructure:"cutoff"`
	// Areas to index. Empty means every area of the store.
	Areas []manager.AreaConfig `mapstructure:"areas"`
}

// SnapshotConfig configures index snapshots.
type SnapshotConfig struct {
	Strategy      string `mapstructure:"strategy"`
	Path          string `mapstructure:"path"`
	MaxSnapshots  int    `mapstructure:"max_snapshots"`
	Schedule      string `mapstructure:"schedule"`
	DeleteCorrupt bool   `mapstructure:"delete_corrupt"`
}

// DaemonConfig configures the background daemon.
type DaemonConfig struct {
	AutoStart   bool   `mapstructure:"auto_start"`
	BinaryPath  string `mapstructure:"binary_path"` // Path to indexsyncd binary (auto-discovered if empty)
	SocketPath  string `mapstructure:"socket_path"`
	PIDPath     string `mapstructure:"pid_path"`
	MetricsAddr string `mapstructure:"metrics_addr"`
}

// Config represents the application configuration.
type Config struct {
	Store     StoreConfig     `mapstructure:"store"`
	Index     IndexConfig     `mapstructure:"index"`
	Sync      SyncConfig      `mapstructure:"sync"`
	Snapshots SnapshotConfig  `mapstructure:"snapshots"`
	Sources   []source.Config `mapstructure:"sources"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Daemon    DaemonConfig    `mapstructure:"daemon"`
}

// Load loads configuration from the default locations and environment
// variables. Config file locations (in order of precedence):
//   - $XDG_CONFIG_HOME/indexsync/config.yaml
//   - $HOME/.config/indexsync/config.yaml
//
// Environment variables are prefixed with INDEXSYNC_ (e.g., INDEXSYNC_SYNC_INTERVAL).
func Load() (*Config, error) {
	return LoadFile("")
}

// LoadFile is Load with an explicit config file. An empty path searches the
// default locations.
func LoadFile(path string) (*Config, error) {
	v := viper.New()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")

		dir, err := ConfigDir()
		if err != nil {
			return nil, err
		}
		v.AddConfigPath(dir)
	}

	v.SetEnvPrefix("INDEXSYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	home, _ := os.UserHomeDir()
	for _, p := range []*string{
		&cfg.Store.Path, &cfg.Index.Path, &cfg.Snapshots.Path,
		&cfg.Daemon.SocketPath, &cfg.Daemon.PIDPath, &cfg.Logging.Path,
	} {
		*p = expandHome(*p, home)
	}
	for i := range cfg.Sources {
		cfg.Sources[i].Path = expandHome(cfg.Sources[i].Path, home)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	data := DataDir()

	v.SetDefault("store.backend", DefaultBackend)
	v.SetDefault("store.path", filepath.Join(data, "store"))
	v.SetDefault("index.path", filepath.Join(data, "index"))
	v.SetDefault("index.search_cache", DefaultSearchCache)

	v.SetDefault("sync.interval", DefaultInterval)
	v.SetDefault("sync.batch_size", DefaultBatchSize)
	v.SetDefault("sync.cutoff", time.Duration(0))

	v.SetDefault("snapshots.strategy", DefaultStrategy)
	v.SetDefault("snapshots.path", filepath.Join(data, "snapshots"))
	v.SetDefault("snapshots.max_snapshots", DefaultMaxSnapshots)
	v.SetDefault("snapshots.schedule", "")
	v.SetDefault("snapshots.delete_corrupt", true)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.path", "") // Empty means use DefaultLogPath
	v.SetDefault("logging.rotation.max_size", "10MB")
	v.SetDefault("logging.rotation.max_age", 30)
	v.SetDefault("logging.rotation.max_backups", 5)
	v.SetDefault("logging.rotation.daily", true)
	v.SetDefault("logging.components", map[string]string{
		"daemon":   "info",
		"manager":  "info",
		"watcher":  "warn",
		"snapshot": "info",
	})

	v.SetDefault("daemon.auto_start", true)
	v.SetDefault("daemon.socket_path", filepath.Join(data, "indexsync.sock"))
	v.SetDefault("daemon.pid_path", filepath.Join(data, "indexsync.pid"))
	v.SetDefault("daemon.metrics_addr", DefaultMetricsAddr)
}

// Validate checks values viper cannot check while decoding.
func (c *Config) Validate() error {
	switch c.Store.Backend {
	case BackendBadger, BackendSQLite:
	default:
		return fmt.Errorf("unknown store backend %q", c.Store.Backend)
	}
	switch c.Snapshots.Strategy {
	case "zip", "dir":
	default:
		return fmt.Errorf("unknown snapshot strategy %q", c.Snapshots.Strategy)
	}
	if c.Sync.Interval <= 0 {
		return fmt.Errorf("sync.interval must be positive, got %s", c.Sync.Interval)
	}
	if c.Sync.Cutoff < 0 {
		return fmt.Errorf("sync.cutoff must not be negative, got %s", c.Sync.Cutoff)
	}
	for _, src := range c.Sources {
		if src.Area == "" || src.Path == "" {
			return errors.New("sources need an area and a path")
		}
	}
	return nil
}

// Manager returns the manager configuration.
func (c *Config) Manager() manager.Config {
	return manager.Config{
		Areas:     c.Sync.Areas,
		BatchSize: c.Sync.BatchSize,
		Interval:  c.Sync.Interval,
	}
}

func expandHome(path, home string) string {
	if home != "" && (path == "~" || strings.HasPrefix(path, "~/")) {
		return filepath.Join(home, path[1:])
	}
	return path
}

// DataDir returns $XDG_DATA_HOME/indexsync.
func DataDir() string {
	return filepath.Join(xdg.DataHome, "indexsync")
}

// ConfigDir returns the configuration directory path.
func ConfigDir() (string, error) {
	if xdgConfigHome := os.Getenv("XDG_CONFIG_HOME"); xdgConfigHome != "" {
		return filepath.Join(xdgConfigHome, "indexsync"), nil
	}

	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get user home directory: %w", err)
	}

	return filepath.Join(homeDir, ".config", "indexsync"), nil
}

// EnsureConfigDir creates the config directory if it doesn't exist.
func EnsureConfigDir() error {
	dir, err := ConfigDir()
	if err != nil {
		return err
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	return nil
}

// WriteDefault writes a default config file if none exists and returns its
// path.
func WriteDefault() (string, error) {
	if err := EnsureConfigDir(); err != nil {
		return "", err
	}

	configDir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	configPath := filepath.Join(configDir, "config.yaml")

	if _, err := os.Stat(configPath); err == nil {
		return configPath, nil
	} else if !os.IsNotExist(err) {
		return "", fmt.Errorf("failed to check config file: %w", err)
	}

	if err := os.WriteFile(configPath, []byte(defaultConfig), 0o644); err != nil {
		return "", fmt.Errorf("failed to write config file: %w", err)
	}
	return configPath, nil
}

var defaultConfig = fmt.Sprintf(`# indexsync configuration

store:
  # badger or sqlite
  backend: %s

sync:
  interval: %s
  batch_size: %d
  # Hold back changes younger than this (0 disables)
  cutoff: 0s
  # Areas to index; empty indexes every area of the store
  areas: []
  #  - name: content
  #    batch_size: 500
  #    initial_generation: 0

snapshots:
  # zip or dir
  strategy: %s
  max_snapshots: %d
  # Cron expression, e.g. "@hourly" (empty disables scheduled snapshots)
  schedule: ""
  delete_corrupt: true

# Directories mirrored into areas
sources: []
#  - area: docs
#    path: ~/notes
#    watch: true
#    extensions: [".md", ".txt"]

logging:
  # Log level: debug, info, warn, error
  level: info
  rotation:
    max_size: 10MB
    max_age: 30       # days
    max_backups: 5
    daily: true
  components:
    watcher: warn

daemon:
  auto_start: true
  metrics_addr: %q
`, DefaultBackend, DefaultInterval, DefaultBatchSize, DefaultStrategy, DefaultMaxSnapshots, DefaultMetricsAddr)
