// Command worker boots the same Application as cmd/scheduler, under a
// process name intended for deployments that want to scale the pool
// executing CREATE_POST/SYNC_POSTS/DELETE_POST jobs independently from
// the scheduling/admin process — and, eventually, to compile in a real
// worker.Driver instead of the unimplemented stub app.New falls back to.
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
	runMigrations := flag.Bool("migrate", false, "run embedded database migrations on startup (ignored for in-memory)")
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
	log_.Infof("worker running (pool size per job type fixed at runtime)")

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
