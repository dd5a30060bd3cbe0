package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadDefaultsWithoutFile(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.toml"))
	if err != nil {
		t.Fatalf("Load returned error for missing file: %v", err)
	}
	if cfg.Server.Port != 8080 {
		t.Errorf("expected default port 8080, got %d", cfg.Server.Port)
	}
	if cfg.Cache.DefaultTTLSecs != 300 {
		t.Errorf("expected default ttl 300, got %d", cfg.Cache.DefaultTTLSecs)
	}
}

func TestLoadMergesFileOntoDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "cdn.toml")
	contents := `
[server]
port = 9090

[origins.api]
url = "http://127.0.0.1:9001"
timeout_secs = 5
`
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.Server.Port != 9090 {
		t.Errorf("expected overridden port 9090, got %d", cfg.Server.Port)
	}
	if cfg.Cache.DefaultTTLSecs != 300 {
		t.Errorf("expected default ttl to survive merge, got %d", cfg.Cache.DefaultTTLSecs)
	}
	origin, ok := cfg.Origins["api"]
	if !ok {
		t.Fatal("expected origins.api to be present")
	}
	if origin.Name != "api" || origin.URL != "http://127.0.0.1:9001" {
		t.Errorf("unexpected origin: %+v", origin)
	}
}

func TestNewLoggerDefaultsToInfo(t *testing.T) {
	logger, err := NewLogger("")
	if err != nil {
		t.Fatalf("NewLogger returned error: %v", err)
	}
	if logger == nil {
		t.Fatal("expected non-nil logger")
	}
}

func TestNewLoggerFallsBackOnUnknownLevel(t *testing.T) {
	logger, err := NewLogger("not-a-level")
	if err != nil {
		t.Fatalf("NewLogger should fall back to info, got error: %v", err)
	}
	if logger == nil {
		t.Fatal("expected non-nil logger")
	}
}
