package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, root, setting, env string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Join(root, "config", "dev"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(root, "config", "setting.ini"), []byte(setting), 0o644); err != nil {
		t.Fatalf("write setting: %v", err)
	}
	if env != "" {
		if err := os.WriteFile(filepath.Join(root, "config", "dev", "credits.ini"), []byte(env), 0o644); err != nil {
			t.Fatalf("write env config: %v", err)
		}
	}
}

func TestLoadCreditsConfig(t *testing.T) {
	tmp := t.TempDir()
	setting := "environment=dev\nlog_file=/tmp/base.log\nlog_level=debug\n"
	env := strings.Join([]string{
		"http_address=:9090",
		"credits_path=/tmp/custom-credits.db",
		"log_file=/tmp/env.log",
		"auth_secret=file-secret",
		"allocation_interval=30m",
	}, "\n")
	writeConfig(t, tmp, setting, env)
	os.Setenv("PRESET_AUTH_SECRET", "env-secret")
	t.Cleanup(func() { os.Unsetenv("PRESET_AUTH_SECRET") })

	cfg, err := LoadCreditsConfig(tmp)
	if err != nil {
		t.Fatalf("LoadCreditsConfig: %v", err)
	}
	if cfg.HTTPAddress != ":9090" {
		t.Fatalf("unexpected http address %s", cfg.HTTPAddress)
	}
	if cfg.CreditsPath != "/tmp/custom-credits.db" {
		t.Fatalf("unexpected credits path %s", cfg.CreditsPath)
	}
	if cfg.LogFile != "/tmp/env.log" {
		t.Fatalf("env config must win over base, got %s", cfg.LogFile)
	}
	if cfg.LogLevel != "debug" {
		t.Fatalf("expected log level from base config, got %s", cfg.LogLevel)
	}
	if cfg.AuthSecret != "env-secret" {
		t.Fatalf("env var must win, got %s", cfg.AuthSecret)
	}
	if cfg.StoreBackend != "sqlite" {
		t.Fatalf("expected sqlite default, got %s", cfg.StoreBackend)
	}
	if cfg.AllocationInterval != 30*time.Minute {
		t.Fatalf("unexpected allocation interval %s", cfg.AllocationInterval)
	}
	if !cfg.MetricsEnabled || !cfg.AllocationEnabled {
		t.Fatalf("expected metrics and allocation enabled by default")
	}
}

func TestLoadCreditsConfigPostgresRequiresDSN(t *testing.T) {
	tmp := t.TempDir()
	writeConfig(t, tmp, "environment=dev\n", "store_backend=postgres\n")

	if _, err := LoadCreditsConfig(tmp); err == nil {
		t.Fatalf("expected error for missing postgres_dsn")
	}
}

func TestLoadCreditsConfigRejectsUnknownBackend(t *testing.T) {
	tmp := t.TempDir()
	writeConfig(t, tmp, "environment=dev\n", "store_backend=dynamodb\n")

	if _, err := LoadCreditsConfig(tmp); err == nil {
		t.Fatalf("expected error for unknown backend")
	}
}

func TestLoadCreditsConfigAlerts(t *testing.T) {
	tmp := t.TempDir()
	env := strings.Join([]string{
		"alerts_enabled=true",
		"alerts_script_path=/usr/local/bin/notify-ops",
		"alerts_script_args=--channel, billing",
		"alerts_script_env=TEAM=payments",
		"alerts_timeout=45s",
	}, "\n")
	writeConfig(t, tmp, "environment=dev\n", env)
	os.Setenv("PRESET_ALERT_SCRIPT_ARGS", "--from-env")
	os.Setenv("PRESET_ALERT_TIMEOUT", "30s")
	t.Cleanup(func() {
		os.Unsetenv("PRESET_ALERT_SCRIPT_ARGS")
		os.Unsetenv("PRESET_ALERT_TIMEOUT")
	})

	cfg, err := LoadCreditsConfig(tmp)
	if err != nil {
		t.Fatalf("LoadCreditsConfig: %v", err)
	}
	if !cfg.Alerts.Enabled {
		t.Fatalf("expected alerts enabled")
	}
	if cfg.Alerts.ScriptPath != "/usr/local/bin/notify-ops" {
		t.Fatalf("unexpected script path %s", cfg.Alerts.ScriptPath)
	}
	if len(cfg.Alerts.ScriptArgs) != 1 || cfg.Alerts.ScriptArgs[0] != "--from-env" {
		t.Fatalf("env var must win for args, got %v", cfg.Alerts.ScriptArgs)
	}
	if cfg.Alerts.Timeout != 30*time.Second {
		t.Fatalf("env var must win for timeout, got %s", cfg.Alerts.Timeout)
	}
	if cfg.Alerts.Env["TEAM"] != "payments" {
		t.Fatalf("unexpected env map %v", cfg.Alerts.Env)
	}
}

func TestLoadCreditsConfigMissingFiles(t *testing.T) {
	cfg, err := LoadCreditsConfig(t.TempDir())
	if err != nil {
		t.Fatalf("LoadCreditsConfig without files: %v", err)
	}
	if cfg.Environment != "dev" {
		t.Fatalf("expected dev default, got %s", cfg.Environment)
	}
	if cfg.HTTPAddress != ":8090" {
		t.Fatalf("unexpected default address %s", cfg.HTTPAddress)
	}
}
