package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig("")
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}

	if cfg.Server.Port != "8080" {
		t.Errorf("expected default port 8080, got %q", cfg.Server.Port)
	}
	if cfg.Admission.Backend != "" {
		t.Errorf("expected no default admission backend, got %q", cfg.Admission.Backend)
	}
	if !cfg.RateLimit.Enabled {
		t.Error("expected rate limiting on by default")
	}
	if cfg.RateLimit.General.MaxRequests != 10 || cfg.RateLimit.General.WindowSeconds != 60 {
		t.Errorf("unexpected general policy defaults: %+v", cfg.RateLimit.General)
	}
	if cfg.RateLimit.Submission.MaxRequests != 5 || cfg.RateLimit.Submission.WindowSeconds != 3600 {
		t.Errorf("unexpected submission policy defaults: %+v", cfg.RateLimit.Submission)
	}
	if cfg.RateLimit.Voting.MaxRequests != 20 || cfg.RateLimit.Voting.WindowSeconds != 3600 {
		t.Errorf("unexpected voting policy defaults: %+v", cfg.RateLimit.Voting)
	}

	// The backend is a deployment decision: defaults alone must not validate.
	if err := cfg.Validate(); err == nil {
		t.Error("expected validation to reject an unset admission backend")
	}
	cfg.Admission.Backend = "memory"
	if err := cfg.Validate(); err != nil {
		t.Errorf("config with an explicit backend should validate: %v", err)
	}
}

func TestLoadConfigFromFileWithEnvOverride(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	content := `{
		"server": {"port": "9090"},
		"admission": {"backend": "redis"},
		"redis": {"addr": "redis-from-file:6379"}
	}`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("Failed to write config file: %v", err)
	}

	t.Setenv("REDIS_ADDR", "redis-from-env:6379")

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if cfg.Server.Port != "9090" {
		t.Errorf("expected port from file, got %q", cfg.Server.Port)
	}
	if cfg.Admission.Backend != "redis" {
		t.Errorf("expected backend from file, got %q", cfg.Admission.Backend)
	}
	// Environment wins over the file.
	if cfg.Redis.Addr != "redis-from-env:6379" {
		t.Errorf("expected env override for redis addr, got %q", cfg.Redis.Addr)
	}
}

func TestValidate(t *testing.T) {
	base := func() *Config {
		cfg, err := LoadConfig("")
		if err != nil {
			t.Fatalf("LoadConfig failed: %v", err)
		}
		cfg.Admission.Backend = "memory"
		return cfg
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"explicit memory backend", func(c *Config) {}, false},
		{"unset backend", func(c *Config) { c.Admission.Backend = "" }, true},
		{"redis backend with addr", func(c *Config) {
			c.Admission.Backend = "redis"
			c.Redis.Addr = "localhost:6379"
		}, false},
		{"redis backend without addr", func(c *Config) {
			c.Admission.Backend = "redis"
			c.Redis.Addr = ""
		}, true},
		{"unknown backend", func(c *Config) { c.Admission.Backend = "etcd" }, true},
		{"zero policy window", func(c *Config) { c.RateLimit.Voting.WindowSeconds = 0 }, true},
		{"zero policy max", func(c *Config) { c.RateLimit.Submission.MaxRequests = 0 }, true},
		{"bad policy ignored when disabled", func(c *Config) {
			c.RateLimit.Enabled = false
			c.RateLimit.Voting.WindowSeconds = 0
		}, false},
		{"missing database path", func(c *Config) { c.Database.Path = "" }, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr && err == nil {
				t.Error("expected validation error")
			}
			if !tt.wantErr && err != nil {
				t.Errorf("unexpected validation error: %v", err)
			}
		})
	}
}
