package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfigFile(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("write config file: %v", err)
	}
	return path
}

func TestDefault_PassesValidation(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config failed validation: %v", err)
	}
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	path := writeConfigFile(t, `
state_dir: /var/lib/geobatch
workers: 8
rate_limit_rps: 0.5
max_attempts: 5
request_timeout: 10s
cache_ttl: 72h
checkpoint_every: 250
log_level: debug
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.StateDir != "/var/lib/geobatch" {
		t.Errorf("StateDir = %q", cfg.StateDir)
	}
	if cfg.Workers != 8 {
		t.Errorf("Workers = %d, want 8", cfg.Workers)
	}
	if cfg.RateLimitRPS != 0.5 {
		t.Errorf("RateLimitRPS = %g, want 0.5", cfg.RateLimitRPS)
	}
	if cfg.MaxAttempts != 5 {
		t.Errorf("MaxAttempts = %d, want 5", cfg.MaxAttempts)
	}
	if cfg.RequestTimeout != 10*time.Second {
		t.Errorf("RequestTimeout = %s, want 10s", cfg.RequestTimeout)
	}
	if cfg.CacheTTL != 72*time.Hour {
		t.Errorf("CacheTTL = %s, want 72h", cfg.CacheTTL)
	}
	if cfg.CheckpointEvery != 250 {
		t.Errorf("CheckpointEvery = %d, want 250", cfg.CheckpointEvery)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("LogLevel = %q, want debug", cfg.LogLevel)
	}
	// Untouched fields keep their defaults.
	if want := Default().BackoffInitial; cfg.BackoffInitial != want {
		t.Errorf("BackoffInitial = %s, want default %s", cfg.BackoffInitial, want)
	}
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	path := writeConfigFile(t, `
workers: 8
rate_limit_rps: 2
`)
	t.Setenv("GEOBATCH_WORKERS", "3")
	t.Setenv("GEOBATCH_TOKEN", "secret-token")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Workers != 3 {
		t.Errorf("Workers = %d, want env value 3 over file value 8", cfg.Workers)
	}
	if cfg.RateLimitRPS != 2 {
		t.Errorf("RateLimitRPS = %g, want file value 2", cfg.RateLimitRPS)
	}
	if cfg.Token != "secret-token" {
		t.Errorf("Token = %q, want env value", cfg.Token)
	}
}

func TestLoad_MissingFileIsAnError(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("Load with missing config file succeeded, want error")
	}
}

func TestLoad_InvalidDurationInFile(t *testing.T) {
	path := writeConfigFile(t, "cache_ttl: yesterday\n")
	_, err := Load(path)
	if err == nil {
		t.Fatal("Load succeeded with invalid cache_ttl, want error")
	}
	if !strings.Contains(err.Error(), "cache_ttl") {
		t.Errorf("error %q does not name the offending field", err)
	}
}

func TestLoad_InvalidEnvValue(t *testing.T) {
	t.Setenv("GEOBATCH_MAX_ATTEMPTS", "many")
	_, err := Load("")
	if err == nil {
		t.Fatal("Load succeeded with invalid GEOBATCH_MAX_ATTEMPTS, want error")
	}
	if !strings.Contains(err.Error(), "GEOBATCH_MAX_ATTEMPTS") {
		t.Errorf("error %q does not name the offending variable", err)
	}
}

func TestValidate_RejectsBadValues(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty state dir", func(c *Config) { c.StateDir = " " }},
		{"zero workers", func(c *Config) { c.Workers = 0 }},
		{"zero max attempts", func(c *Config) { c.MaxAttempts = 0 }},
		{"negative rate limit", func(c *Config) { c.RateLimitRPS = -1 }},
		{"zero checkpoint cadence", func(c *Config) { c.CheckpointEvery = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("Validate passed, want error")
			}
		})
	}
}
