package config

import (
	"encoding/base64"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("POSTGRES_DSN", "postgres://localhost/backbone")
	t.Setenv("SECRET_MASTER_KEY", "0123456789abcdef0123456789abcdef")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.Env != "development" {
		t.Errorf("expected default env development, got %s", cfg.Env)
	}
	if cfg.SchedulerTickInterval != time.Minute {
		t.Errorf("expected default tick interval 1m, got %s", cfg.SchedulerTickInterval)
	}
	if cfg.WorkerPoolSize != 4 {
		t.Errorf("expected default worker pool size 4, got %d", cfg.WorkerPoolSize)
	}
	if cfg.HTTPAddr != ":8080" {
		t.Errorf("expected default http addr :8080, got %s", cfg.HTTPAddr)
	}
}

func TestLoadRequiresPostgresDSN(t *testing.T) {
	t.Setenv("POSTGRES_DSN", "")
	t.Setenv("SECRET_MASTER_KEY", "0123456789abcdef0123456789abcdef")

	if _, err := Load(); err == nil {
		t.Fatal("expected error when POSTGRES_DSN is unset")
	}
}

func TestLoadFileOverlaysEnv(t *testing.T) {
	t.Setenv("POSTGRES_DSN", "postgres://localhost/backbone")
	t.Setenv("SECRET_MASTER_KEY", "0123456789abcdef0123456789abcdef")

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	yamlContent := "redisaddr: redis.internal:6379\nworkerpoolsize: 8\n"
	if err := os.WriteFile(path, []byte(yamlContent), 0644); err != nil {
		t.Fatalf("write temp file: %v", err)
	}

	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile error: %v", err)
	}
	if cfg.RedisAddr != "redis.internal:6379" {
		t.Errorf("expected redis addr override, got %s", cfg.RedisAddr)
	}
	if cfg.WorkerPoolSize != 8 {
		t.Errorf("expected worker pool size override, got %d", cfg.WorkerPoolSize)
	}
	if cfg.PostgresDSN != "postgres://localhost/backbone" {
		t.Errorf("expected env-sourced postgres dsn to survive overlay, got %s", cfg.PostgresDSN)
	}
}

func TestLoadFileMissingFileErrors(t *testing.T) {
	t.Setenv("POSTGRES_DSN", "postgres://localhost/backbone")
	t.Setenv("SECRET_MASTER_KEY", "0123456789abcdef0123456789abcdef")

	if _, err := LoadFile("/nonexistent/config.yaml"); err == nil {
		t.Fatal("expected error for missing config file")
	}
}

func TestMasterKeyBytesAcceptsBase64(t *testing.T) {
	raw := make([]byte, 32)
	for i := range raw {
		raw[i] = byte(i)
	}
	cfg := Config{SecretMasterKey: base64.StdEncoding.EncodeToString(raw)}
	key, err := cfg.MasterKeyBytes()
	if err != nil {
		t.Fatalf("MasterKeyBytes error: %v", err)
	}
	if len(key) != 32 {
		t.Errorf("expected 32-byte key, got %d", len(key))
	}
}

func TestMasterKeyBytesAcceptsHex(t *testing.T) {
	cfg := Config{SecretMasterKey: "0123456789abcdef0123456789abcdef"}
	key, err := cfg.MasterKeyBytes()
	if err != nil {
		t.Fatalf("MasterKeyBytes error: %v", err)
	}
	if len(key) != 16 {
		t.Errorf("expected 16-byte key, got %d", len(key))
	}
}

func TestMasterKeyBytesRejectsBadLength(t *testing.T) {
	cfg := Config{SecretMasterKey: "too-short"}
	if _, err := cfg.MasterKeyBytes(); err == nil {
		t.Fatal("expected error for invalid key length")
	}
}

func TestMasterKeyBytesRejectsEmpty(t *testing.T) {
	cfg := Config{}
	if _, err := cfg.MasterKeyBytes(); err == nil {
		t.Fatal("expected error for empty master key")
	}
}
