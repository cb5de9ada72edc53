package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultConfigValid(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config should validate: %v", err)
	}
	if cfg.Linker.AcceptThreshold != 0.95 {
		t.Errorf("accept threshold = %v, want 0.95", cfg.Linker.AcceptThreshold)
	}
	if cfg.Linker.ReviewThreshold != 0.4 {
		t.Errorf("review threshold = %v, want 0.4", cfg.Linker.ReviewThreshold)
	}
}

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatalf("Load on missing file: %v", err)
	}
	if cfg.Name != "lodestone" {
		t.Errorf("expected defaults, got name %q", cfg.Name)
	}
}

func TestLoadOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
state:
  dir: /var/lib/lodestone
  database_file: custom.db
linker:
  accept_threshold: 0.9
  review_threshold: 0.3
scheduler:
  workers: 2
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("writing config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.State.DatabasePath() != filepath.Join("/var/lib/lodestone", "custom.db") {
		t.Errorf("database path = %q", cfg.State.DatabasePath())
	}
	if cfg.Linker.AcceptThreshold != 0.9 {
		t.Errorf("accept threshold = %v, want 0.9", cfg.Linker.AcceptThreshold)
	}
	// Untouched sections keep defaults
	if cfg.Extract.MaxFileBytes != 50*1024*1024 {
		t.Errorf("extract max bytes = %d", cfg.Extract.MaxFileBytes)
	}
	if cfg.Scheduler.Workers != 2 {
		t.Errorf("workers = %d, want 2", cfg.Scheduler.Workers)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("LODESTONE_DB", "/tmp/envtest/other.db")
	t.Setenv("LODESTONE_WORKERS", "6")
	t.Setenv("LODESTONE_LOG_LEVEL", "debug")

	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.State.DatabasePath() != filepath.Join("/tmp/envtest", "other.db") {
		t.Errorf("env db override not applied: %q", cfg.State.DatabasePath())
	}
	if cfg.Scheduler.Workers != 6 {
		t.Errorf("env workers override not applied: %d", cfg.Scheduler.Workers)
	}
	if !cfg.Logging.DebugMode {
		t.Errorf("debug level should enable debug mode")
	}
}

func TestValidateRejectsBadThresholds(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Linker.AcceptThreshold = 0.3
	cfg.Linker.ReviewThreshold = 0.5
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error when accept <= review")
	}

	cfg = DefaultConfig()
	cfg.Scheduler.Workers = 12
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for too many workers")
	}
}

func TestDurationFallbacks(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Extract.Timeout = "garbage"
	if got := cfg.GetExtractTimeout(); got != 30*time.Second {
		t.Errorf("fallback extract timeout = %v", got)
	}
	cfg.Scheduler.LeaseDuration = "10m"
	if got := cfg.GetLeaseDuration(); got != 10*time.Minute {
		t.Errorf("lease duration = %v", got)
	}
}

func TestSaveRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sub", "config.yaml")

	cfg := DefaultConfig()
	cfg.Audit.CallBudget = 7
	if err := cfg.Save(path); err != nil {
		t.Fatalf("Save: %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if loaded.Audit.CallBudget != 7 {
		t.Errorf("call budget = %d, want 7", loaded.Audit.CallBudget)
	}
}
