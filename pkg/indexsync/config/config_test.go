package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func isolate(t *testing.T) string {
	t.Helper()
	tempDir := t.TempDir()
	t.Setenv("HOME", tempDir)
	t.Setenv("XDG_CONFIG_HOME", "")
	return tempDir
}

func TestLoad_Defaults(t *testing.T) {
	isolate(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Store.Backend != DefaultBackend {
		t.Errorf("Store.Backend = %q, want %q", cfg.Store.Backend, DefaultBackend)
	}
	if cfg.Sync.Interval != DefaultInterval {
		t.Errorf("Sync.Interval = %v, want %v", cfg.Sync.Interval, DefaultInterval)
	}
	if cfg.Sync.BatchSize != DefaultBatchSize {
		t.Errorf("Sync.BatchSize = %d, want %d", cfg.Sync.BatchSize, DefaultBatchSize)
	}
	if cfg.Sync.Cutoff != 0 {
		t.Errorf("Sync.Cutoff = %v, want 0", cfg.Sync.Cutoff)
	}
	if len(cfg.Sync.Areas) != 0 {
		t.Errorf("Sync.Areas = %v, want none", cfg.Sync.Areas)
	}
	if cfg.Snapshots.MaxSnapshots != DefaultMaxSnapshots {
		t.Errorf("Snapshots.MaxSnapshots = %d, want %d", cfg.Snapshots.MaxSnapshots, DefaultMaxSnapshots)
	}
	if !cfg.Snapshots.DeleteCorrupt {
		t.Error("Snapshots.DeleteCorrupt = false, want true")
	}
	if want := filepath.Join(DataDir(), "index"); cfg.Index.Path != want {
		t.Errorf("Index.Path = %q, want %q", cfg.Index.Path, want)
	}
	if want := filepath.Join(DataDir(), "indexsync.sock"); cfg.Daemon.SocketPath != want {
		t.Errorf("Daemon.SocketPath = %q, want %q", cfg.Daemon.SocketPath, want)
	}
}

func TestLoad_FromFile(t *testing.T) {
	home := isolate(t)
	configDir := filepath.Join(home, ".config", "indexsync")
	if err := os.MkdirAll(configDir, 0o755); err != nil {
		t.Fatalf("failed to create config dir: %v", err)
	}

	configContent := `
store:
  backend: sqlite
  path: ~/docs.db
sync:
  interval: 250ms
  batch_size: 2
  cutoff: 1m
  areas:
    - name: content
      batch_size: 10
      initial_generation: 42
    - name: diagnostic
snapshots:
  strategy: dir
  max_snapshots: 0
  schedule: "@hourly"
sources:
  - area: docs
    path: ~/notes
    watch: true
    extensions: [".md"]
`
	if err := os.WriteFile(filepath.Join(configDir, "config.yaml"), []byte(configContent), 0o644); err != nil {
		t.Fatalf("failed to write config file: %v", err)
	}

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Store.Backend != BackendSQLite {
		t.Errorf("Store.Backend = %q, want sqlite", cfg.Store.Backend)
	}
	if want := filepath.Join(home, "docs.db"); cfg.Store.Path != want {
		t.Errorf("Store.Path = %q, want %q", cfg.Store.Path, want)
	}
	if cfg.Sync.Interval != 250*time.Millisecond {
		t.Errorf("Sync.Interval = %v, want 250ms", cfg.Sync.Interval)
	}
	if cfg.Sync.Cutoff != time.Minute {
		t.Errorf("Sync.Cutoff = %v, want 1m", cfg.Sync.Cutoff)
	}
	if len(cfg.Sync.Areas) != 2 {
		t.Fatalf("len(Sync.Areas) = %d, want 2", len(cfg.Sync.Areas))
	}
	if a := cfg.Sync.Areas[0]; a.Name != "content" || a.BatchSize != 10 || a.InitialGeneration != 42 {
		t.Errorf("Sync.Areas[0] = %+v", a)
	}
	if cfg.Snapshots.Strategy != "dir" || cfg.Snapshots.MaxSnapshots != 0 || cfg.Snapshots.Schedule != "@hourly" {
		t.Errorf("Snapshots = %+v", cfg.Snapshots)
	}
	if len(cfg.Sources) != 1 {
		t.Fatalf("len(Sources) = %d, want 1", len(cfg.Sources))
	}
	if src := cfg.Sources[0]; src.Area != "docs" || !src.Watch || src.Path != filepath.Join(home, "notes") {
		t.Errorf("Sources[0] = %+v", src)
	}

	mc := cfg.Manager()
	if mc.BatchSize != 2 || len(mc.Areas) != 2 || mc.Interval != 250*time.Millisecond {
		t.Errorf("Manager() = %+v", mc)
	}
}

func TestLoad_EnvOverride(t *testing.T) {
	isolate(t)
	t.Setenv("INDEXSYNC_SYNC_BATCH_SIZE", "17")
	t.Setenv("INDEXSYNC_STORE_BACKEND", "sqlite")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Sync.BatchSize != 17 {
		t.Errorf("Sync.BatchSize = %d, want 17", cfg.Sync.BatchSize)
	}
	if cfg.Store.Backend != BackendSQLite {
		t.Errorf("Store.Backend = %q, want sqlite", cfg.Store.Backend)
	}
}

func TestLoad_Invalid(t *testing.T) {
	tests := map[string]string{
		"backend":  "store:\n  backend: postgres\n",
		"strategy": "snapshots:\n  strategy: tar\n",
		"interval": "sync:\n  interval: 0s\n",
		"source":   "sources:\n  - path: /tmp\n",
	}
	for name, content := range tests {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "config.yaml")
			if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
				t.Fatal(err)
			}
			if _, err := LoadFile(path); err == nil {
				t.Error("LoadFile() error = nil, want error")
			}
		})
	}
}

func TestLoadFile_Missing(t *testing.T) {
	if _, err := LoadFile(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Error("LoadFile() error = nil, want error for explicit missing file")
	}
}

func TestWriteDefault(t *testing.T) {
	home := isolate(t)

	path, err := WriteDefault()
	if err != nil {
		t.Fatalf("WriteDefault() error = %v", err)
	}
	if want := filepath.Join(home, ".config", "indexsync", "config.yaml"); path != want {
		t.Errorf("path = %q, want %q", path, want)
	}

	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile(default) error = %v", err)
	}
	if cfg.Snapshots.Strategy != DefaultStrategy {
		t.Errorf("Snapshots.Strategy = %q, want %q", cfg.Snapshots.Strategy, DefaultStrategy)
	}

	// Existing files are left alone.
	if err := os.WriteFile(path, []byte("store:\n  backend: sqlite\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := WriteDefault(); err != nil {
		t.Fatalf("WriteDefault() error = %v", err)
	}
	data, _ := os.ReadFile(path)
	if string(data) != "store:\n  backend: sqlite\n" {
		t.Error("WriteDefault overwrote an existing file")
	}
}

func TestParseRotation(t *testing.T) {
	tests := []struct {
		name  string
		input RotationConfig
		want  int64
	}{
		{"megabytes", RotationConfig{MaxSize: "10MiB", MaxAge: 30, MaxBackups: 5, Daily: true}, 10 * 1024 * 1024},
		{"gigabytes", RotationConfig{MaxSize: "1GiB", MaxAge: 7}, 1024 * 1024 * 1024},
		{"decimal", RotationConfig{MaxSize: "5MB"}, 5 * 1000 * 1000},
		{"empty uses default", RotationConfig{}, 10 * 1024 * 1024},
		{"invalid uses default", RotationConfig{MaxSize: "invalid"}, 10 * 1024 * 1024},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ParseRotation(tt.input)
			if got.MaxSize != tt.want {
				t.Errorf("MaxSize = %d, want %d", got.MaxSize, tt.want)
			}
			if got.MaxAge != tt.input.MaxAge || got.MaxBackups != tt.input.MaxBackups || got.Daily != tt.input.Daily {
				t.Errorf("ParseRotation(%+v) = %+v", tt.input, got)
			}
		})
	}
}

func TestLoggingConfig(t *testing.T) {
	l := LoggingConfig{
		Level:      "debug",
		Path:       "/tmp/x.log",
		Components: map[string]string{"watcher": "warn"},
	}
	got := l.Logging("error")
	if got.Level != "debug" || got.Path != "/tmp/x.log" || got.ConsoleLevel != "error" {
		t.Errorf("Logging() = %+v", got)
	}
	if got.Components["watcher"] != "warn" {
		t.Errorf("Logging() components = %v", got.Components)
	}
}
