package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefaultConfigIsValid(t *testing.T) {
	if err := DefaultConfig().Validate(); err != nil {
		t.Errorf("DefaultConfig().Validate() failed: %v", err)
	}
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rules.yaml")
	doc := `
port: "9090"
log:
  level: debug
engine:
  cacheTTL: 30s
server:
  requestTimeout: 5s
`
	if err := os.WriteFile(path, []byte(doc), 0o600); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	cfg := DefaultConfig()
	if err := cfg.LoadFromFile(path); err != nil {
		t.Fatalf("LoadFromFile() failed: %v", err)
	}

	if cfg.Port != "9090" || cfg.Log.Level != "debug" {
		t.Errorf("File values not applied: port=%s level=%s", cfg.Port, cfg.Log.Level)
	}
	if cfg.Engine.CacheTTL != 30*time.Second || cfg.Server.RequestTimeout != 5*time.Second {
		t.Errorf("Durations not applied: cacheTTL=%s requestTimeout=%s", cfg.Engine.CacheTTL, cfg.Server.RequestTimeout)
	}
	// untouched values keep their defaults
	if cfg.MigrationsPath != "migrations" || cfg.Log.ErrorSampleRate != 1 {
		t.Errorf("Defaults lost: migrationsPath=%s errorSampleRate=%d", cfg.MigrationsPath, cfg.Log.ErrorSampleRate)
	}
}

func TestLoadFromFile_UnknownKey(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rules.yaml")
	if err := os.WriteFile(path, []byte("prot: 9090\n"), 0o600); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	if err := DefaultConfig().LoadFromFile(path); err == nil || !strings.Contains(err.Error(), "prot") {
		t.Errorf("LoadFromFile() error = %v, want unknown key error", err)
	}
}

func TestApplyEnv(t *testing.T) {
	env := map[string]string{
		"DATABASE_URL":      "postgres://localhost/rules",
		"PORT":              "7070",
		"LOG_LEVEL":         "warn",
		"OTEL_ENABLED":      "true",
		"ERROR_SAMPLE_RATE": "10",
		"MIGRATIONS_PATH":   "/srv/migrations",
	}

	cfg := DefaultConfig()
	if err := cfg.ApplyEnv(func(k string) string { return env[k] }); err != nil {
		t.Fatalf("ApplyEnv() failed: %v", err)
	}

	if cfg.DatabaseURL != env["DATABASE_URL"] || cfg.Port != "7070" || cfg.MigrationsPath != "/srv/migrations" {
		t.Errorf("Unexpected config %+v", cfg)
	}
	opts := cfg.LoggerOptions()
	if opts.Level != "warn" || !opts.OTELEnabled || opts.ErrorSampleRate != 10 {
		t.Errorf("Unexpected logger options %+v", opts)
	}
}

func TestApplyEnv_Invalid(t *testing.T) {
	testCases := map[string]string{
		"OTEL_ENABLED":      "sometimes",
		"ERROR_SAMPLE_RATE": "ten",
	}

	for key, value := range testCases {
		t.Run(key, func(t *testing.T) {
			err := DefaultConfig().ApplyEnv(func(k string) string {
				if k == key {
					return value
				}
				return ""
			})
			if err == nil || !strings.Contains(err.Error(), key) {
				t.Errorf("ApplyEnv() error = %v, want it to mention %s", err, key)
			}
		})
	}
}

func TestValidate(t *testing.T) {
	testCases := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"bad port", func(c *Config) { c.Port = "http" }, "port"},
		{"port out of range", func(c *Config) { c.Port = "70000" }, "port"},
		{"bad level", func(c *Config) { c.Log.Level = "loud" }, "log level"},
		{"zero sample rate", func(c *Config) { c.Log.ErrorSampleRate = 0 }, "errorSampleRate"},
		{"zero cost limit", func(c *Config) { c.Engine.CostLimit = 0 }, "costLimit"},
		{"negative ttl", func(c *Config) { c.Engine.CacheTTL = -time.Second }, "cacheTTL"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tc.mutate(cfg)
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tc.wantErr) {
				t.Errorf("Validate() error = %v, want it to mention %q", err, tc.wantErr)
			}
		})
	}
}

func TestLoad_FromEnvironment(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rules.yaml")
	if err := os.WriteFile(path, []byte("port: \"9090\"\n"), 0o600); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}
	t.Setenv(FileEnv, path)
	t.Setenv("PORT", "")
	t.Setenv("LOG_LEVEL", "error")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	if cfg.Port != "9090" || cfg.Log.Level != "error" {
		t.Errorf("Load() port=%s level=%s, want 9090 and error", cfg.Port, cfg.Log.Level)
	}
	if len(cfg.EngineOptions()) != 2 {
		t.Errorf("EngineOptions() returned %d options, want 2", len(cfg.EngineOptions()))
	}
}
