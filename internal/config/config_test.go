package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadWithOverridesAndDropIns(t *testing.T) {
	dir := t.TempDir()
	mainCfg := filepath.Join(dir, "config.toml")
	if err := os.WriteFile(mainCfg, []byte(`
log_level = "debug"

[supervisor]
max_restarts = 5

[[profiles]]
name = "dev"
sso_start_url = "https://acme.awsapps.com/start"
sso_region = "us-east-1"
account_id = "111122223333"
role_name = "ReadOnly"
default_region = "ca-central-1"

[servers.echo]
command = "/usr/bin/echo-server"
args = ["--stdio"]
timeout_seconds = 5
profile = "dev"
`), 0600); err != nil {
		t.Fatalf("write main config: %v", err)
	}

	dropInDir := filepath.Join(dir, "conf.d")
	if err := os.MkdirAll(dropInDir, 0700); err != nil {
		t.Fatalf("mkdir dropins: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dropInDir, "10-base.toml"), []byte(`
log_level = "info"

[auth]
silent_refresh = false
`), 0600); err != nil {
		t.Fatalf("write dropin: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dropInDir, "20-override.toml"), []byte(`
log_level = "warn"

[servers.aws-docs]
disabled = true
`), 0600); err != nil {
		t.Fatalf("write dropin: %v", err)
	}

	stateDir := filepath.Join(dir, "state")
	cfg, err := Load(mainCfg, dropInDir, Overrides{StateDir: &stateDir})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.LogLevel != "warn" {
		t.Fatalf("expected drop-in override log_level, got %q", cfg.LogLevel)
	}
	if cfg.StateDir != stateDir {
		t.Fatalf("expected override state dir, got %q", cfg.StateDir)
	}
	if cfg.Supervisor.MaxRestarts != 5 {
		t.Fatalf("expected max_restarts 5, got %d", cfg.Supervisor.MaxRestarts)
	}
	if cfg.Supervisor.DegradedThreshold != 3 {
		t.Fatalf("expected default degraded threshold, got %d", cfg.Supervisor.DegradedThreshold)
	}
	if cfg.Auth.SilentRefreshEnabled() {
		t.Fatalf("expected silent refresh disabled by drop-in")
	}
	if len(cfg.Profiles) != 1 || cfg.Profiles[0].AccountID != "111122223333" {
		t.Fatalf("unexpected profiles %#v", cfg.Profiles)
	}
	echo, ok := cfg.Servers["echo"]
	if !ok {
		t.Fatalf("expected echo server")
	}
	if echo.Timeout(time.Minute) != 5*time.Second {
		t.Fatalf("expected 5s server timeout, got %v", echo.Timeout(time.Minute))
	}
	if _, ok := cfg.Servers[BuiltinServerID]; !ok {
		t.Fatalf("expected default builtin server to survive merge")
	}
	for _, id := range cfg.EnabledServerIDs() {
		if id == "aws-docs" {
			t.Fatalf("aws-docs should be disabled")
		}
	}
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.toml"), "", Overrides{})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Auth.LoginTimeout() != 5*time.Minute {
		t.Fatalf("expected 5m login timeout, got %v", cfg.Auth.LoginTimeout())
	}
	if cfg.Supervisor.RestartWindow() != 5*time.Minute {
		t.Fatalf("expected 5m restart window, got %v", cfg.Supervisor.RestartWindow())
	}
	if !cfg.Auth.SilentRefreshEnabled() || !cfg.Auth.OpenBrowserEnabled() {
		t.Fatalf("expected refresh and browser defaults on")
	}
}

func TestLoadRejectsMalformedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.toml")
	if err := os.WriteFile(path, []byte("log_level = ["), 0600); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := Load(path, "", Overrides{}); err == nil {
		t.Fatalf("expected decode error")
	}
}

func TestLoadDotEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.env")
	if err := os.WriteFile(path, []byte("CLOUDCHAT_TEST_DOTENV=yes\n"), 0600); err != nil {
		t.Fatalf("write: %v", err)
	}
	t.Cleanup(func() { os.Unsetenv("CLOUDCHAT_TEST_DOTENV") })

	if err := LoadDotEnv(path, filepath.Join(t.TempDir(), "missing.env")); err != nil {
		t.Fatalf("load dotenv: %v", err)
	}
	if os.Getenv("CLOUDCHAT_TEST_DOTENV") != "yes" {
		t.Fatalf("expected variable from dotenv file")
	}
}
