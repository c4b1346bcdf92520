// Package config loads pipeline settings with the precedence
// flags > environment > YAML file > defaults. Flag handling lives in the
// command layer; this package covers the other three.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full tunable surface of a pipeline run. The safe request
// rate is a property of the external service discovered empirically, so it
// is always configuration, never a constant.
type Config struct {
	// StateDir holds checkpoints, the result cache, and the failure ledger.
	StateDir string

	// BaseURL of the external lookup service.
	BaseURL string
	// Token is an optional bearer token for the lookup service. Env only.
	Token string

	Workers      int
	RateLimitRPS float64
	MaxAttempts  int

	RequestTimeout    time.Duration
	BackoffInitial    time.Duration
	BackoffMax        time.Duration
	BackoffJitterFrac float64

	CacheTTL time.Duration

	CheckpointEvery int
	CheckpointKeep  int

	LogLevel string
}

func Default() Config {
	return Config{
		StateDir:          "geobatch-state",
		BaseURL:           "https://www.onemap.gov.sg",
		Workers:           5,
		RateLimitRPS:      1,
		MaxAttempts:       3,
		RequestTimeout:    30 * time.Second,
		BackoffInitial:    1 * time.Second,
		BackoffMax:        30 * time.Second,
		BackoffJitterFrac: 0.2,
		CacheTTL:          24 * time.Hour,
		CheckpointEvery:   500,
		CheckpointKeep:    3,
		LogLevel:          "info",
	}
}

// fileConfig is the YAML shape. Durations are strings parsed with
// time.ParseDuration; zero-valued fields leave the current value untouched.
type fileConfig struct {
	StateDir          string   `yaml:"state_dir"`
	BaseURL           string   `yaml:"base_url"`
	Workers           *int     `yaml:"workers"`
	RateLimitRPS      *float64 `yaml:"rate_limit_rps"`
	MaxAttempts       *int     `yaml:"max_attempts"`
	RequestTimeout    string   `yaml:"request_timeout"`
	BackoffInitial    string   `yaml:"backoff_initial"`
	BackoffMax        string   `yaml:"backoff_max"`
	BackoffJitterFrac *float64 `yaml:"backoff_jitter_frac"`
	CacheTTL          string   `yaml:"cache_ttl"`
	CheckpointEvery   *int     `yaml:"checkpoint_every"`
	CheckpointKeep    *int     `yaml:"checkpoint_keep"`
	LogLevel          string   `yaml:"log_level"`
}

// Load builds a Config from defaults, then the optional YAML file at path,
// then environment variables.
func Load(path string) (Config, error) {
	cfg := Default()
	if strings.TrimSpace(path) != "" {
		if err := cfg.applyFile(path); err != nil {
			return Config{}, err
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyFile(path string) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	var fc fileConfig
	if err := yaml.Unmarshal(b, &fc); err != nil {
		return fmt.Errorf("parse config file: %w", err)
	}

	if strings.TrimSpace(fc.StateDir) != "" {
		c.StateDir = strings.TrimSpace(fc.StateDir)
	}
	if strings.TrimSpace(fc.BaseURL) != "" {
		c.BaseURL = strings.TrimSpace(fc.BaseURL)
	}
	if fc.Workers != nil {
		c.Workers = *fc.Workers
	}
	if fc.RateLimitRPS != nil {
		c.RateLimitRPS = *fc.RateLimitRPS
	}
	if fc.MaxAttempts != nil {
		c.MaxAttempts = *fc.MaxAttempts
	}
	if fc.BackoffJitterFrac != nil {
		c.BackoffJitterFrac = *fc.BackoffJitterFrac
	}
	if fc.CheckpointEvery != nil {
		c.CheckpointEvery = *fc.CheckpointEvery
	}
	if fc.CheckpointKeep != nil {
		c.CheckpointKeep = *fc.CheckpointKeep
	}
	if strings.TrimSpace(fc.LogLevel) != "" {
		c.LogLevel = strings.TrimSpace(fc.LogLevel)
	}

	for _, d := range []struct {
		raw  string
		name string
		dst  *time.Duration
	}{
		{fc.RequestTimeout, "request_timeout", &c.RequestTimeout},
		{fc.BackoffInitial, "backoff_initial", &c.BackoffInitial},
		{fc.BackoffMax, "backoff_max", &c.BackoffMax},
		{fc.CacheTTL, "cache_ttl", &c.CacheTTL},
	} {
		if strings.TrimSpace(d.raw) == "" {
			continue
		}
		v, err := time.ParseDuration(strings.TrimSpace(d.raw))
		if err != nil {
			return fmt.Errorf("invalid %s=%q in config file: %w", d.name, d.raw, err)
		}
		*d.dst = v
	}
	return nil
}

func (c *Config) applyEnv() error {
	var err error
	if c.StateDir, err = envString("GEOBATCH_STATE_DIR", c.StateDir); err != nil {
		return err
	}
	if c.BaseURL, err = envString("GEOBATCH_BASE_URL", c.BaseURL); err != nil {
		return err
	}
	if c.Token, err = envString("GEOBATCH_TOKEN", c.Token); err != nil {
		return err
	}
	if c.Workers, err = envInt("GEOBATCH_WORKERS", c.Workers); err != nil {
		return err
	}
	if c.RateLimitRPS, err = envFloat("GEOBATCH_RATE_LIMIT_RPS", c.RateLimitRPS); err != nil {
		return err
	}
	if c.MaxAttempts, err = envInt("GEOBATCH_MAX_ATTEMPTS", c.MaxAttempts); err != nil {
		return err
	}
	if c.RequestTimeout, err = envDuration("GEOBATCH_REQUEST_TIMEOUT", c.RequestTimeout); err != nil {
		return err
	}
	if c.CacheTTL, err = envDuration("GEOBATCH_CACHE_TTL", c.CacheTTL); err != nil {
		return err
	}
	if c.CheckpointEvery, err = envInt("GEOBATCH_CHECKPOINT_EVERY", c.CheckpointEvery); err != nil {
		return err
	}
	if c.LogLevel, err = envString("GEOBATCH_LOG_LEVEL", c.LogLevel); err != nil {
		return err
	}
	return nil
}

func (c *Config) Validate() error {
	if strings.TrimSpace(c.StateDir) == "" {
		return fmt.Errorf("state_dir is required")
	}
	if c.Workers < 1 {
		return fmt.Errorf("workers must be at least 1, got %d", c.Workers)
	}
	if c.MaxAttempts < 1 {
		return fmt.Errorf("max_attempts must be at least 1, got %d", c.MaxAttempts)
	}
	if c.RateLimitRPS < 0 {
		return fmt.Errorf("rate_limit_rps must not be negative, got %g", c.RateLimitRPS)
	}
	if c.CheckpointEvery < 1 {
		return fmt.Errorf("checkpoint_every must be at least 1, got %d", c.CheckpointEvery)
	}
	return nil
}

func envString(varName, fallback string) (string, error) {
	v := strings.TrimSpace(os.Getenv(varName))
	if v == "" {
		return fallback, nil
	}
	return v, nil
}

func envInt(varName string, fallback int) (int, error) {
	v := strings.TrimSpace(os.Getenv(varName))
	if v == "" {
		return fallback, nil
	}
	out, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s=%q: %w", varName, v, err)
	}
	return out, nil
}

func envFloat(varName string, fallback float64) (float64, error) {
	v := strings.TrimSpace(os.Getenv(varName))
	if v == "" {
		return fallback, nil
	}
	out, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s=%q: %w", varName, v, err)
	}
	return out, nil
}

func envDuration(varName string, fallback time.Duration) (time.Duration, error) {
	v := strings.TrimSpace(os.Getenv(varName))
	if v == "" {
		return fallback, nil
	}
	out, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s=%q: %w", varName, v, err)
	}
	return out, nil
}
