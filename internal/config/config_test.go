package config

import (
	"testing"
	"time"
)

func TestLoad_valid(t *testing.T) {
	cfg, err := Load("testdata/valid.yaml")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Port != 9090 {
		t.Errorf("Server.Port = %d, want 9090", cfg.Server.Port)
	}
	if cfg.Server.ReadTimeout != 15*time.Second {
		t.Errorf("Server.ReadTimeout = %v, want 15s", cfg.Server.ReadTimeout)
	}
	if cfg.Store.Driver != "memory" {
		t.Errorf("Store.Driver = %q, want memory", cfg.Store.Driver)
	}
	if cfg.Store.MaxConns != 10 {
		t.Errorf("Store.MaxConns = %d, want 10", cfg.Store.MaxConns)
	}
	if cfg.Engine.SweepInterval != 2*time.Second {
		t.Errorf("Engine.SweepInterval = %v, want 2s", cfg.Engine.SweepInterval)
	}
	if cfg.Engine.StaleAfter != 3*time.Minute {
		t.Errorf("Engine.StaleAfter = %v, want 3m", cfg.Engine.StaleAfter)
	}
	if cfg.Dispatch.ScheduleInterval != 30*time.Second {
		t.Errorf("Dispatch.ScheduleInterval = %v, want 30s", cfg.Dispatch.ScheduleInterval)
	}
	if cfg.Actions.WebhookTimeout != 10*time.Second {
		t.Errorf("Actions.WebhookTimeout = %v, want 10s", cfg.Actions.WebhookTimeout)
	}
	if cfg.Observability.LogLevel != "debug" {
		t.Errorf("LogLevel = %q, want debug", cfg.Observability.LogLevel)
	}
	if !cfg.Observability.Tracing.Enabled || cfg.Observability.Tracing.Exporter != "stdout" {
		t.Errorf("Tracing = %+v, want enabled stdout", cfg.Observability.Tracing)
	}
}

func TestLoad_missing_file(t *testing.T) {
	_, err := Load("testdata/nonexistent.yaml")
	if err == nil {
		t.Fatal("Load() with missing file should return error")
	}
}

func TestLoad_bad_driver(t *testing.T) {
	_, err := Load("testdata/bad_driver.yaml")
	if err == nil {
		t.Fatal("Load() with an unknown store driver should return error")
	}
}

func TestDefaults(t *testing.T) {
	cfg := Defaults()
	if cfg.Server.Port != 8080 {
		t.Errorf("default Server.Port = %d, want 8080", cfg.Server.Port)
	}
	if cfg.Store.Driver != "memory" {
		t.Errorf("default Store.Driver = %q, want memory", cfg.Store.Driver)
	}
	if cfg.Engine.StaleAfter != 5*time.Minute {
		t.Errorf("default Engine.StaleAfter = %v, want 5m", cfg.Engine.StaleAfter)
	}
	if cfg.Observability.LogLevel != "info" {
		t.Errorf("default LogLevel = %q, want info", cfg.Observability.LogLevel)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Defaults() should validate, got %v", err)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("KAZI_SERVER_PORT", "3000")
	t.Setenv("KAZI_OBSERVABILITY_LOG_LEVEL", "error")

	cfg, err := Load("testdata/valid.yaml")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Port != 3000 {
		t.Errorf("Server.Port = %d, want 3000 (env override)", cfg.Server.Port)
	}
	if cfg.Observability.LogLevel != "error" {
		t.Errorf("LogLevel = %q, want error (env override)", cfg.Observability.LogLevel)
	}
}

func TestValidate_invalid_port(t *testing.T) {
	cfg := Defaults()
	cfg.Server.Port = 0

	if err := cfg.Validate(); err == nil {
		t.Fatal("Validate() with port 0 should return error")
	}
}

func TestValidate_postgres_requires_dsn(t *testing.T) {
	cfg := Defaults()
	cfg.Store.Driver = "postgres"
	cfg.Store.DSNEnv = "KAZI_TEST_MISSING_DSN"

	if err := cfg.Validate(); err == nil {
		t.Fatal("Validate() with postgres and no DSN should return error")
	}

	t.Setenv("KAZI_TEST_MISSING_DSN", "postgres://localhost/kazi")
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() with DSN set = %v, want nil", err)
	}
}
