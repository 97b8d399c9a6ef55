package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoad_MissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Listen != ":8080" || cfg.Backend.URL != "http://localhost:8081" {
		t.Fatalf("expected defaults returned, got %+v", cfg)
	}
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "firewalld.yaml")
	yaml := `
listen: ":9090"
backend:
  url: "http://backend.internal:9000"
firewall:
  threat_score_threshold: 0.5
  default_rate_limit_per_minute: 200
`
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Listen != ":9090" {
		t.Fatalf("expected overridden listen addr, got %q", cfg.Listen)
	}
	if cfg.Backend.URL != "http://backend.internal:9000" {
		t.Fatalf("expected overridden backend url, got %q", cfg.Backend.URL)
	}
	if cfg.Firewall.ThreatScoreThreshold != 0.5 {
		t.Fatalf("expected overridden threat score threshold, got %f", cfg.Firewall.ThreatScoreThreshold)
	}
	// fields not present in the file should retain their defaults
	if cfg.Logging.Level != "info" {
		t.Fatalf("expected default logging level preserved, got %q", cfg.Logging.Level)
	}
}

func TestLoad_InvalidThresholdFailsValidation(t *testing.T) {
	path := filepath.Join(t.TempDir(), "firewalld.yaml")
	yaml := `
firewall:
  threat_score_threshold: 1.5
`
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Fatalf("expected validation error for an out-of-range threshold")
	}
}

func TestLoad_MissingBackendURLFailsValidation(t *testing.T) {
	path := filepath.Join(t.TempDir(), "firewalld.yaml")
	yaml := `
backend:
  url: ""
`
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Fatalf("expected validation error for an empty backend url")
	}
}

func TestLoad_EnvOverridesRedisAddr(t *testing.T) {
	t.Setenv("FIREWALLD_REDIS_ADDR", "redis.internal:6380")
	cfg, err := Load(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Redis.Addr != "redis.internal:6380" {
		t.Fatalf("expected env override applied, got %q", cfg.Redis.Addr)
	}
}

func TestLoad_InvalidYAMLErrors(t *testing.T) {
	path := filepath.Join(t.TempDir(), "firewalld.yaml")
	if err := os.WriteFile(path, []byte("not: valid: yaml: at: all:"), 0o644); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Fatalf("expected a parse error for invalid yaml")
	}
}
