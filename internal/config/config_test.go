package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Version != 1 {
		t.Errorf("Version = %d, want 1", cfg.Version)
	}

	if cfg.Writer.QueueSize != 1024 {
		t.Errorf("Writer.QueueSize = %d, want 1024", cfg.Writer.QueueSize)
	}
	if cfg.Writer.BatchSize != 64 {
		t.Errorf("Writer.BatchSize = %d, want 64", cfg.Writer.BatchSize)
	}
	if cfg.Writer.BatchWindowMs != 25 {
		t.Errorf("Writer.BatchWindowMs = %d, want 25", cfg.Writer.BatchWindowMs)
	}
	if cfg.Writer.RetryAttempts != 5 {
		t.Errorf("Writer.RetryAttempts = %d, want 5", cfg.Writer.RetryAttempts)
	}

	if cfg.Overlay.MaxFiles != 5000 {
		t.Errorf("Overlay.MaxFiles = %d, want 5000", cfg.Overlay.MaxFiles)
	}
	if cfg.Overlay.MaxRows != 2_000_000 {
		t.Errorf("Overlay.MaxRows = %d, want 2000000", cfg.Overlay.MaxRows)
	}
	if cfg.Overlay.TTLHours != 72 {
		t.Errorf("Overlay.TTLHours = %d, want 72", cfg.Overlay.TTLHours)
	}

	if cfg.Parse.MaxParseBudget != 15 {
		t.Errorf("Parse.MaxParseBudget = %d, want 15", cfg.Parse.MaxParseBudget)
	}
	if cfg.Parse.TimeoutSeconds != 120 {
		t.Errorf("Parse.TimeoutSeconds = %d, want 120", cfg.Parse.TimeoutSeconds)
	}
	if cfg.Parse.MaxWorkers <= 0 {
		t.Error("Parse.MaxWorkers should default to the CPU count")
	}

	if cfg.Recall.MaxFiles != 200 {
		t.Errorf("Recall.MaxFiles = %d, want 200", cfg.Recall.MaxFiles)
	}
	if len(cfg.Recall.SourceGlobs) == 0 {
		t.Error("Recall.SourceGlobs should cover the C++ extensions")
	}

	if cfg.Sync.MaxAttempts != 5 {
		t.Errorf("Sync.MaxAttempts = %d, want 5", cfg.Sync.MaxAttempts)
	}

	if cfg.Server.QueryDeadlineMs != 3000 {
		t.Errorf("Server.QueryDeadlineMs = %d, want 3000", cfg.Server.QueryDeadlineMs)
	}

	if cfg.Workspace.ManifestName != "workspace.yaml" {
		t.Errorf("Workspace.ManifestName = %q, want workspace.yaml", cfg.Workspace.ManifestName)
	}

	if cfg.Logging.Format != "human" {
		t.Errorf("Logging.Format = %q, want human", cfg.Logging.Format)
	}
}

func TestLoadConfigMissingFileReturnsDefaults(t *testing.T) {
	dir := t.TempDir()

	cfg, err := LoadConfig(dir)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Writer.QueueSize != 1024 {
		t.Errorf("missing file should yield defaults, got queue size %d", cfg.Writer.QueueSize)
	}
}

func TestLoadConfigReadsFile(t *testing.T) {
	dir := t.TempDir()
	cfgDir := filepath.Join(dir, ".cxxkb")
	if err := os.MkdirAll(cfgDir, 0755); err != nil {
		t.Fatal(err)
	}

	content := `{
  "version": 1,
  "server": {"port": 9900},
  "recall": {"maxFiles": 75},
  "logging": {"format": "json", "level": "debug"}
}`
	if err := os.WriteFile(filepath.Join(cfgDir, "config.json"), []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadConfig(dir)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}

	if cfg.Server.Port != 9900 {
		t.Errorf("Server.Port = %d, want 9900", cfg.Server.Port)
	}
	if cfg.Recall.MaxFiles != 75 {
		t.Errorf("Recall.MaxFiles = %d, want 75", cfg.Recall.MaxFiles)
	}
	if cfg.Logging.Format != "json" {
		t.Errorf("Logging.Format = %q, want json", cfg.Logging.Format)
	}
	// Untouched keys keep their defaults.
	if cfg.Writer.BatchSize != 64 {
		t.Errorf("Writer.BatchSize = %d, want default 64", cfg.Writer.BatchSize)
	}
}

func TestSaveThenLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()

	cfg := DefaultConfig()
	cfg.Server.Port = 9123
	cfg.Tools.ExtractorBinary = "/opt/bin/cxxtract"

	if err := cfg.Save(dir); err != nil {
		t.Fatalf("Save: %v", err)
	}

	loaded, err := LoadConfig(dir)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if loaded.Server.Port != 9123 {
		t.Errorf("Server.Port = %d, want 9123", loaded.Server.Port)
	}
	if loaded.Tools.ExtractorBinary != "/opt/bin/cxxtract" {
		t.Errorf("Tools.ExtractorBinary = %q", loaded.Tools.ExtractorBinary)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"defaults are valid", func(c *Config) {}, false},
		{"bad version", func(c *Config) { c.Version = 2 }, true},
		{"zero queue", func(c *Config) { c.Writer.QueueSize = 0 }, true},
		{"zero batch", func(c *Config) { c.Writer.BatchSize = 0 }, true},
		{"zero budget", func(c *Config) { c.Parse.MaxParseBudget = 0 }, true},
		{"zero overlay cap", func(c *Config) { c.Overlay.MaxFiles = 0 }, true},
		{"zero sync attempts", func(c *Config) { c.Sync.MaxAttempts = 0 }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestDBPath(t *testing.T) {
	cfg := DefaultConfig()
	cfg.DataDir = "/var/lib/cxxkb"

	got := cfg.DBPath()
	want := filepath.Join("/var/lib/cxxkb", "cxxkb.db")
	if got != want {
		t.Errorf("DBPath() = %q, want %q", got, want)
	}
}
