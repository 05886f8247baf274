package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestSaveAndLoad(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "config.toml")

	cfg := Default()
	cfg.Listen = ":8080"
	cfg.Session.Watchdog = Duration{45 * time.Second}
	if err := Save(path, cfg); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if loaded.Listen != ":8080" {
		t.Errorf("Listen = %q, want :8080", loaded.Listen)
	}
	if loaded.Session.Watchdog.Duration != 45*time.Second {
		t.Errorf("Watchdog = %s, want 45s", loaded.Session.Watchdog)
	}
}

func TestLoadMissing(t *testing.T) {
	_, err := Load("/nonexistent/config.toml")
	if err == nil {
		t.Error("Load() expected error for missing file")
	}
}

func TestSavePermissions(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "config.toml")

	if err := Save(path, Default()); err != nil {
		t.Fatal(err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	perm := info.Mode().Perm()
	if perm != 0600 {
		t.Errorf("file permission = %o, want 0600", perm)
	}
}

func TestResolveDefaults(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()

	cfg, err := Resolve(dir)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.DataDir != dir {
		t.Errorf("DataDir = %q, want %q", cfg.DataDir, dir)
	}
	if cfg.Listen != ":3001" {
		t.Errorf("Listen = %q, want :3001", cfg.Listen)
	}
	if cfg.Session.Watchdog.Duration != 30*time.Second {
		t.Errorf("Watchdog = %s, want 30s", cfg.Session.Watchdog)
	}
	if cfg.Store.Retention != 2000 || cfg.Session.ReplyWindow != 100 {
		t.Errorf("retention/reply window = %d/%d", cfg.Store.Retention, cfg.Session.ReplyWindow)
	}
}

func TestResolveFileAndEnv(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()
	file := `
listen = ":9000"
log_level = "debug"

[session]
refresh_interval = "90s"
backfill_chats = 10
`
	if err := os.WriteFile(filepath.Join(dir, "config.toml"), []byte(file), 0600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("PORT", "4000")
	t.Setenv("WABRIDGE_CORS_ORIGINS", "http://localhost:5173, https://app.example.com")

	cfg, err := Resolve(dir)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Listen != ":4000" {
		t.Errorf("Listen = %q, want env override :4000", cfg.Listen)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("LogLevel = %q, want debug", cfg.LogLevel)
	}
	if cfg.Session.RefreshInterval.Duration != 90*time.Second {
		t.Errorf("RefreshInterval = %s, want 1m30s", cfg.Session.RefreshInterval)
	}
	if cfg.Session.BackfillChats != 10 || cfg.Session.BackfillMessages != 100 {
		t.Errorf("backfill = %d x %d, want 10 x 100", cfg.Session.BackfillChats, cfg.Session.BackfillMessages)
	}
	if len(cfg.CORSOrigins) != 2 || cfg.CORSOrigins[1] != "https://app.example.com" {
		t.Errorf("CORSOrigins = %v", cfg.CORSOrigins)
	}
}

func TestResolveRejectsBadFile(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "config.toml"), []byte(`[session]
watchdog = "soon"`), 0600); err != nil {
		t.Fatal(err)
	}
	if _, err := Resolve(dir); err == nil {
		t.Error("expected decode error for bad duration")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"defaults", func(*Config) {}, ""},
		{"zero watchdog", func(c *Config) { c.Session.Watchdog = Duration{} }, "session.watchdog"},
		{"negative retention", func(c *Config) { c.Store.Retention = -1 }, "store.retention"},
		{"postgres without dsn", func(c *Config) { c.Device.Dialect = "postgres" }, "device.dsn"},
		{"unknown dialect", func(c *Config) { c.Device.Dialect = "mysql" }, "device.dialect"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("Validate() = %v, want nil", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() = %v, want error mentioning %q", err, tt.wantErr)
			}
		})
	}
}

func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{"PORT", "WABRIDGE_DATA_DIR", "WABRIDGE_LOG_LEVEL", "WABRIDGE_DEVICE_DIALECT", "WABRIDGE_DEVICE_DSN", "WABRIDGE_CORS_ORIGINS"} {
		t.Setenv(key, "")
	}
}
