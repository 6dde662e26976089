package config

import (
	"strings"
	"testing"
	"time"
)

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name: "empty base url",
			mutate: func(cfg *Config) {
				cfg.BaseURL = ""
			},
			wantErr: "base URL",
		},
		{
			name: "url without host",
			mutate: func(cfg *Config) {
				cfg.BaseURL = "http://"
			},
			wantErr: "base URL",
		},
		{
			name: "zero page size",
			mutate: func(cfg *Config) {
				cfg.PageSize = 0
			},
			wantErr: "page size",
		},
		{
			name: "negative concurrency",
			mutate: func(cfg *Config) {
				cfg.MaxConcurrency = -1
			},
			wantErr: "concurrency",
		},
		{
			name: "zero attempts",
			mutate: func(cfg *Config) {
				cfg.MaxAttempts = 0
			},
			wantErr: "attempts",
		},
		{
			name: "negative cooldown",
			mutate: func(cfg *Config) {
				cfg.RetryCooldown = -time.Second
			},
			wantErr: "cooldown",
		},
		{
			name: "zero timeout",
			mutate: func(cfg *Config) {
				cfg.Timeout = 0
			},
			wantErr: "timeout",
		},
		{
			name: "zero stagger group",
			mutate: func(cfg *Config) {
				cfg.StaggerGroupSize = 0
			},
			wantErr: "stagger group",
		},
		{
			name: "zero flush interval",
			mutate: func(cfg *Config) {
				cfg.FlushEvery = 0
			},
			wantErr: "flush",
		},
		{
			name: "unknown format",
			mutate: func(cfg *Config) {
				cfg.OutputFormat = "parquet"
			},
			wantErr: "output format",
		},
		{
			name: "postgres without url",
			mutate: func(cfg *Config) {
				cfg.OutputFormat = "postgres"
			},
			wantErr: "connection string",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			if err := cfg.Validate(); err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("expected error containing %q, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestDefaultConfigValid(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config should validate, got %v", err)
	}
}

func TestPostgresFormatValid(t *testing.T) {
	cfg := DefaultConfig()
	cfg.OutputFormat = "postgres"
	cfg.PostgresURL = "postgres://localhost:5432/prices?sslmode=disable"
	cfg.OutputFile = ""
	if err := cfg.Validate(); err != nil {
		t.Fatalf("postgres config should validate, got %v", err)
	}
}

func TestEnvInt(t *testing.T) {
	t.Setenv("HARVEST_TEST_INT", "42")
	value, ok, err := EnvInt("HARVEST_TEST_INT")
	if err != nil || !ok || value != 42 {
		t.Fatalf("EnvInt = %d/%v/%v, want 42/true/nil", value, ok, err)
	}

	t.Setenv("HARVEST_TEST_INT", "forty")
	if _, _, err := EnvInt("HARVEST_TEST_INT"); err == nil {
		t.Fatalf("expected parse error")
	}

	if _, ok, _ := EnvInt("HARVEST_TEST_UNSET"); ok {
		t.Fatalf("unset variable should not report ok")
	}
}
