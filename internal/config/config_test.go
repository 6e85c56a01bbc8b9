package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("OMNIDESK_DATABASE_URL", "postgres://localhost/omnidesk")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Outbound.EditWindow != 15*time.Minute {
		t.Fatalf("edit window = %s, want 15m", cfg.Outbound.EditWindow)
	}
	if !cfg.Resolver.LegacyFallback {
		t.Fatalf("legacy fallback should default to on")
	}
	if cfg.Resolver.CacheTTL != time.Minute {
		t.Fatalf("resolver cache ttl = %s, want 1m", cfg.Resolver.CacheTTL)
	}
	if cfg.Database.Driver != "postgres" {
		t.Fatalf("driver = %q", cfg.Database.Driver)
	}
	if cfg.Meta.GraphBaseURL != "https://graph.facebook.com" {
		t.Fatalf("graph base url = %q", cfg.Meta.GraphBaseURL)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("OMNIDESK_DATABASE_DRIVER", "SQLite")
	t.Setenv("OMNIDESK_DATABASE_SQLITE_PATH", "/tmp/x.db")
	t.Setenv("OMNIDESK_AUTOMATION_WORKERS", "9")
	t.Setenv("OMNIDESK_RESOLVER_LEGACY_FALLBACK", "false")
	t.Setenv("OMNIDESK_META_GRAPH_BASE_URL", "http://graph.local/")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Database.Driver != "sqlite" {
		t.Fatalf("driver = %q, want sqlite", cfg.Database.Driver)
	}
	if cfg.Automation.Workers != 9 {
		t.Fatalf("workers = %d", cfg.Automation.Workers)
	}
	if cfg.Resolver.LegacyFallback {
		t.Fatalf("legacy fallback should be disabled")
	}
	if cfg.Meta.GraphBaseURL != "http://graph.local" {
		t.Fatalf("graph base url = %q", cfg.Meta.GraphBaseURL)
	}
}

func TestLoadConfigFile(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	path := filepath.Join(dir, "omnidesk.yaml")
	content := []byte("database:\n  driver: sqlite\n  sqlite_path: data.db\noutbound:\n  edit_window: 10m\n")
	if err := os.WriteFile(path, content, 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Outbound.EditWindow != 10*time.Minute {
		t.Fatalf("edit window = %s", cfg.Outbound.EditWindow)
	}
	if cfg.Database.SQLitePath != "data.db" {
		t.Fatalf("sqlite path = %q", cfg.Database.SQLitePath)
	}
}

func TestLoadValidationFailure(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("OMNIDESK_DATABASE_DRIVER", "mysql")

	_, err := Load("")
	if !errors.Is(err, ErrConfiguration) {
		t.Fatalf("expected configuration error, got %v", err)
	}
}
