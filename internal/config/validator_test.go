package config

import (
	"errors"
	"testing"

	symerrors "github.com/standardbeagle/symvead/internal/errors"
)

func validConfig() *Config {
	return &Config{
		Project: Project{Root: "/test/root", Name: "test-project"},
		Server:  Server{Host: "127.0.0.1", Port: 24096},
		Index: Index{
			MaxFileSize:      1024 * 1024,
			MaxIndexMemoryMB: 256,
		},
	}
}

func TestValidateAndSetDefaults(t *testing.T) {
	cfg := validConfig()

	if err := NewValidator().ValidateAndSetDefaults(cfg); err != nil {
		t.Fatalf("ValidateAndSetDefaults failed: %v", err)
	}

	if cfg.Performance.ExtractWorkers < 1 {
		t.Errorf("ExtractWorkers should have been set from CPU count")
	}
	if cfg.Performance.ScanWorkers < 1 {
		t.Errorf("ScanWorkers should have been set from CPU count")
	}
	if cfg.Server.MaxInFlight != 64 {
		t.Errorf("MaxInFlight should default to 64, got %d", cfg.Server.MaxInFlight)
	}
	if cfg.Server.RequestTimeoutMs != 10000 {
		t.Errorf("RequestTimeoutMs should default to 10000, got %d", cfg.Server.RequestTimeoutMs)
	}
	if cfg.Search.MaxResults != 100 {
		t.Errorf("MaxResults should default to 100, got %d", cfg.Search.MaxResults)
	}
}

func TestValidateDefaultConfig(t *testing.T) {
	if err := ValidateConfig(Default(t.TempDir())); err != nil {
		t.Fatalf("default config should validate: %v", err)
	}
}

func TestValidateRejects(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		field  string
	}{
		{"empty root", func(c *Config) { c.Project.Root = "" }, "project.root"},
		{"zero port", func(c *Config) { c.Server.Port = 0 }, "server"},
		{"port too large", func(c *Config) { c.Server.Port = 70000 }, "server"},
		{"negative timeout", func(c *Config) { c.Server.RequestTimeoutMs = -1 }, "server"},
		{"zero file size", func(c *Config) { c.Index.MaxFileSize = 0 }, "index"},
		{"huge file size", func(c *Config) { c.Index.MaxFileSize = 200 * 1024 * 1024 }, "index"},
		{"tiny memory cap", func(c *Config) { c.Index.MaxIndexMemoryMB = 1 }, "index"},
		{"negative workers", func(c *Config) { c.Performance.ExtractWorkers = -2 }, "performance"},
		{"negative results", func(c *Config) { c.Search.MaxResults = -1 }, "search.max_results"},
		{"bad glob", func(c *Config) { c.Exclude = []string{"[unclosed"} }, "include/exclude"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)

			err := ValidateConfig(cfg)
			if err == nil {
				t.Fatalf("expected validation error")
			}
			var cfgErr *symerrors.ConfigError
			if !errors.As(err, &cfgErr) {
				t.Fatalf("expected ConfigError, got %T", err)
			}
			if cfgErr.Field != tt.field {
				t.Errorf("expected field %q, got %q", tt.field, cfgErr.Field)
			}
		})
	}
}

func TestValidateMemoryCapIsResourceError(t *testing.T) {
	cfg := validConfig()
	cfg.Index.MaxIndexMemoryMB = MinIndexMemoryMB - 1

	err := ValidateConfig(cfg)
	if !errors.Is(err, symerrors.ErrResourceExhausted) {
		t.Fatalf("expected memory cap error to match ErrResourceExhausted, got %v", err)
	}
}
