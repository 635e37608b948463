package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("RENDER_CONFIG_FILE", "")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.EvictionGrace != 30*time.Second {
		t.Fatalf("expected 30s eviction grace, got %s", cfg.EvictionGrace)
	}
	if cfg.AudioBucket != "narration-audio" || cfg.VideoBucket != "videos" {
		t.Fatalf("unexpected buckets %q %q", cfg.AudioBucket, cfg.VideoBucket)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("defaults should validate: %v", err)
	}
}

func TestLoadFileThenEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "render.toml")
	content := `
http_port = "9000"

[database]
driver = "sqlite"
sqlite_path = "/tmp/render.db"
reclaim_interrupted = true

[storage]
driver = "LOCAL"

[render]
eviction_grace = "45s"
concurrency = 6
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("RENDER_CONFIG_FILE", path)
	t.Setenv("HTTP_PORT", "9100")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.HTTPPort != "9100" {
		t.Fatalf("env should override file, got %q", cfg.HTTPPort)
	}
	if cfg.DatabaseDriver != "sqlite" || cfg.SQLitePath != "/tmp/render.db" || !cfg.ReclaimInterrupted {
		t.Fatalf("file database settings not applied: %+v", cfg)
	}
	if cfg.EvictionGrace != 45*time.Second {
		t.Fatalf("expected 45s grace, got %s", cfg.EvictionGrace)
	}
	if cfg.StorageDriver != "local" {
		t.Fatalf("expected lower-cased local storage driver, got %q", cfg.StorageDriver)
	}
	if cfg.RenderConcurrency != 6 {
		t.Fatalf("expected concurrency 6, got %d", cfg.RenderConcurrency)
	}
}

func TestLoadRejectsBadDuration(t *testing.T) {
	path := filepath.Join(t.TempDir(), "render.toml")
	if err := os.WriteFile(path, []byte("[render]\neviction_grace = \"soon\"\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("RENDER_CONFIG_FILE", path)
	if _, err := Load(); err == nil {
		t.Fatalf("expected error for invalid duration")
	}
}

func TestValidate(t *testing.T) {
	cfg := Defaults()
	cfg.DatabaseDriver = "mysql"
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected unsupported driver error")
	}
	cfg = Defaults()
	cfg.RenderConcurrency = 0
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected concurrency error")
	}
	cfg = Defaults()
	cfg.StorageDriver = "gcs"
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected unsupported storage driver error")
	}
}
