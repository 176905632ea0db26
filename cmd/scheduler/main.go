// Command scheduler boots the full Application (Credential & Session
// Registry, Job Store, Run Aggregator, JIT Scheduler, Worker Runtime, and
// admin HTTP surface) against a shared Postgres/Redis backend. It is the
// primary deployable; cmd/worker is the same wiring under a process name
// a deployment can scale or configure independently once a real
// worker.Driver exists.
package main

import (
	"context"
	"database/sql"
	"flag"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/cafeauto/backbone/internal/app"
	"github.com/cafeauto/backbone/internal/config"
	"github.com/cafeauto/backbone/internal/platform/database"
	"github.com/cafeauto/backbone/internal/platform/migrations"
	"github.com/cafeauto/backbone/internal/storage/postgres"
	"github.com/cafeauto/backbone/pkg/logger"
)

func main() {
	configPath := flag.String("config", "", "path to a YAML config file overlaying the environment")
	dsn := flag.String("dsn", "", "PostgreSQL DSN (overrides config/env; in-memory storage when empty)")
	runMigrations := flag.Bool("migrate", true, "run embedded database migrations on startup (ignored for in-memory)")
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	log_ := logger.New(logger.LoggingConfig{Level: cfg.LogLevel, Format: cfg.LogFormat, Output: cfg.LogOutput})

	rootCtx := context.Background()

	dsnVal := resolveDSN(*dsn, cfg)

	var store app.Store
	var db *sql.DB
	if dsnVal != "" {
		db, err = database.Open(rootCtx, dsnVal)
		if err != nil {
			log.Fatalf("connect to postgres: %v", err)
		}
		configurePool(db, cfg)
		if *runMigrations {
			if err := migrations.Apply(rootCtx, db); err != nil {
				log.Fatalf("apply migrations: %v", err)
			}
		}
		store = postgres.New(db)
	}
	if db != nil {
		defer db.Close()
	}

	application, err := app.New(cfg, store, log_, nil)
	if err != nil {
		log.Fatalf("initialise application: %v", err)
	}

	ctx := context.Background()
	if err := application.Start(ctx); err != nil {
		log.Fatalf("start application: %v", err)
	}
	log_.Infof("scheduler listening on %s", cfg.HTTPAddr)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := application.Stop(shutdownCtx); err != nil {
		log.Fatalf("shutdown: %v", err)
	}
}

func loadConfig(path string) (config.Config, error) {
	if trimmed := strings.TrimSpace(path); trimmed != "" {
		return config.LoadFile(trimmed)
	}
	return config.Load()
}

func resolveDSN(flagDSN string, cfg config.Config) string {
	if trimmed := strings.TrimSpace(flagDSN); trimmed != "" {
		return trimmed
	}
	return strings.TrimSpace(cfg.PostgresDSN)
}

func configurePool(db *sql.DB, cfg config.Config) {
	if cfg.PostgresMaxOpen > 0 {
		db.SetMaxOpenConns(cfg.PostgresMaxOpen)
	}
	if cfg.PostgresMaxIdle > 0 {
		db.SetMaxIdleConns(cfg.PostgresMaxIdle)
	}
}
