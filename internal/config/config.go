// Package config loads the application's environment-driven configuration.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds every tunable the scheduler and worker processes need.
type Config struct {
	Env string `env:"APP_ENV,default=development"`

	PostgresDSN     string `env:"POSTGRES_DSN,required"`
	PostgresMaxOpen int    `env:"POSTGRES_MAX_OPEN_CONNS,default=10"`
	PostgresMaxIdle int    `env:"POSTGRES_MAX_IDLE_CONNS,default=5"`

	RedisAddr string `env:"REDIS_ADDR,default=localhost:6379"`
	RedisDB   int    `env:"REDIS_DB,default=0"`

	SchedulerTickInterval time.Duration `env:"SCHEDULER_TICK_INTERVAL,default=1m"`
	RunSweepInterval      time.Duration `env:"RUN_SWEEP_INTERVAL,default=1m"`

	WorkerPoolSize  int           `env:"WORKER_POOL_SIZE,default=4"`
	WorkerActionCap time.Duration `env:"WORKER_ACTION_TIMEOUT,default=30s"`
	WorkerJobCap    time.Duration `env:"WORKER_JOB_TIMEOUT,default=10m"`

	// SecretMasterKey is the base master key material the credentials
	// service HKDF-derives a per-credential AES-GCM key from. Accepted as
	// base64, hex, or raw; must decode to 16, 24, or 32 bytes.
	SecretMasterKey string `env:"SECRET_MASTER_KEY,required"`

	LogLevel  string `env:"LOG_LEVEL,default=info"`
	LogFormat string `env:"LOG_FORMAT,default=text"`
	LogOutput string `env:"LOG_OUTPUT,default=stdout"`

	HTTPAddr string `env:"HTTP_ADDR,default=:8080"`
}

// Load reads a .env file if present (ignored if missing — production
// deployments inject env vars directly) then decodes Config from the
// process environment.
func Load() (Config, error) {
	_ = godotenv.Load()

	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	return cfg, nil
}

// LoadFile reads a YAML config file and overlays it on top of Load()'s
// environment-sourced defaults, for deployments that prefer a config file
// to a pile of env vars.
func LoadFile(path string) (Config, error) {
	cfg, err := Load()
	if err != nil {
		return Config{}, err
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config file %s: %w", path, err)
	}
	return cfg, nil
}

// MasterKeyBytes decodes SecretMasterKey from hex, base64, or raw text, in
// that preference order, validating it decodes to an AES-valid key length.
func (c Config) MasterKeyBytes() ([]byte, error) {
	return decodeKeyMaterial(c.SecretMasterKey)
}

func decodeKeyMaterial(raw string) ([]byte, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil, fmt.Errorf("secret master key is required")
	}
	for _, decode := range []func(string) ([]byte, error){decodeHex, decodeBase64, decodeRaw} {
		if key, err := decode(trimmed); err == nil && validKeyLen(len(key)) {
			return key, nil
		}
	}
	return nil, fmt.Errorf("secret master key must decode to 16, 24, or 32 bytes")
}

func validKeyLen(n int) bool {
	return n == 16 || n == 24 || n == 32
}
