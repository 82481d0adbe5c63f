package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestParseDefaultConfig(t *testing.T) {
	cfg, err := parse(DefaultConfigYAML)
	if err != nil {
		t.Fatalf("failed to parse default config: %v", err)
	}

	if cfg.Source.Kind != "html" {
		t.Errorf("expected source kind 'html', got %q", cfg.Source.Kind)
	}

	if cfg.Crawl.Interval != 3*time.Second {
		t.Errorf("expected 3s interval, got %v", cfg.Crawl.Interval)
	}

	if cfg.Cache.Size != 1000 {
		t.Errorf("expected cache size 1000, got %d", cfg.Cache.Size)
	}

	if cfg.Server.Port != 8000 {
		t.Errorf("expected port 8000, got %d", cfg.Server.Port)
	}

	if err := cfg.Validate(); err != nil {
		t.Errorf("default config must validate: %v", err)
	}
}

func TestParseMinimalConfig(t *testing.T) {
	data := []byte(`
source:
  kind: rss
  timeout: 2m
server:
  port: 9000
`)
	cfg, err := parse(data)
	if err != nil {
		t.Fatalf("failed to parse minimal config: %v", err)
	}

	if cfg.Source.Kind != "rss" {
		t.Errorf("expected kind 'rss', got %q", cfg.Source.Kind)
	}
	if cfg.Source.Timeout != 2*time.Minute {
		t.Errorf("expected 2m timeout, got %v", cfg.Source.Timeout)
	}
	if cfg.Server.Port != 9000 {
		t.Errorf("expected port 9000, got %d", cfg.Server.Port)
	}
	// Defaults should still be set for unspecified fields
	if cfg.Source.BaseURL == "" {
		t.Error("expected default base_url")
	}
	if cfg.Server.PollMaxLimit != 100 {
		t.Errorf("expected default poll_max_limit, got %d", cfg.Server.PollMaxLimit)
	}
}

func TestValidate(t *testing.T) {
	cfg := Default()
	cfg.Source.Kind = "atom"
	cfg.Cache.Size = 0
	cfg.PubSub.Buffer = -1

	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected validation error")
	}
	for _, field := range []string{"source.kind", "cache.size", "pubsub.buffer"} {
		if !strings.Contains(err.Error(), field) {
			t.Errorf("expected %s in %q", field, err)
		}
	}
}

func TestLoadConfigFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, DefaultConfigYAML, 0o644); err != nil {
		t.Fatalf("failed to write temp config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("failed to load config: %v", err)
	}
	if cfg.Addr() != "127.0.0.1:8000" {
		t.Errorf("unexpected addr %q", cfg.Addr())
	}
}

func TestLoadRejectsInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	os.WriteFile(path, []byte("crawl:\n  interval: 0s\n"), 0o644)

	if _, err := Load(path); err == nil {
		t.Error("expected an error for a zero interval")
	}
}

func TestResolveConfigPathExplicit(t *testing.T) {
	if _, err := ResolveConfigPath(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("expected an error for a missing explicit path")
	}
}

func TestGetDataDir(t *testing.T) {
	cfg := &Config{}
	defaultDir := cfg.GetDataDir()
	if defaultDir == "" {
		t.Error("expected non-empty default data dir")
	}

	cfg.Output.DataDir = "/custom/path"
	if cfg.GetDataDir() != "/custom/path" {
		t.Errorf("expected '/custom/path', got %q", cfg.GetDataDir())
	}
	if cfg.DBPath() != filepath.Join("/custom/path", "rcwatch.db") {
		t.Errorf("unexpected db path %q", cfg.DBPath())
	}
}

func TestLogLevel(t *testing.T) {
	cfg := &Config{}
	if cfg.LogLevel() != "INFO" {
		t.Errorf("expected INFO default, got %q", cfg.LogLevel())
	}
	cfg.Logging.Level = " debug "
	if cfg.LogLevel() != "DEBUG" {
		t.Errorf("expected DEBUG, got %q", cfg.LogLevel())
	}
}

func TestRedisSettings(t *testing.T) {
	cfg, err := parse([]byte(`
redis:
  addr: cache.internal:6379
  password_env: TEST_RCWATCH_REDIS_PASSWORD
  db: 2
`))
	if err != nil {
		t.Fatalf("failed to parse config: %v", err)
	}
	if cfg.Redis.Addr != "cache.internal:6379" || cfg.Redis.DB != 2 {
		t.Errorf("unexpected redis settings %+v", cfg.Redis)
	}

	t.Setenv("TEST_RCWATCH_REDIS_PASSWORD", "hunter2")
	if got := cfg.RedisPassword(); got != "hunter2" {
		t.Errorf("expected password from the environment, got %q", got)
	}

	cfg.Redis.DB = -1
	if err := cfg.Validate(); err == nil || !strings.Contains(err.Error(), "redis.db") {
		t.Errorf("expected redis.db error, got %v", err)
	}
}

func TestDefaultRedisIsEmbedded(t *testing.T) {
	cfg := Default()
	if cfg.Redis.Addr != "" {
		t.Errorf("expected embedded keyspace by default, got %q", cfg.Redis.Addr)
	}
	if cfg.Redis.PasswordEnv != "RCWATCH_REDIS_PASSWORD" {
		t.Errorf("unexpected password_env %q", cfg.Redis.PasswordEnv)
	}
}
