// Package main provides a CLI tool for running database migrations.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/indexnow-engine/internal/config"
	"github.com/indexnow-engine/internal/logging"
	"github.com/indexnow-engine/internal/storage"
)

func main() {
	var (
		action = flag.String("action", "up", "Migration action: up, down, version")
		dbType = flag.String("db", "postgres", "Database type: postgres, clickhouse, all")
		dir    = flag.String("dir", "migrations", "Directory holding the postgres/ and clickhouse/ migration folders")
	)
	flag.Parse()

	cfg, err := config.LoadConfig()
	if err != nil {
		logging.Fatalf("Failed to load config: %v", err)
	}
	logging.InitGlobalLogger(logging.ParseLogLevel(cfg.Logging.Level), logging.ParseLogFormat(cfg.Logging.Format))
	logger := logging.GetGlobalLogger().WithField("component", "migrate")
	defer logger.Sync()

	switch *dbType {
	case "postgres":
		err = runPostgresMigrations(cfg, *dir+"/postgres", *action, logger)
	case "clickhouse":
		err = runClickHouseMigrations(cfg, *dir+"/clickhouse", *action, logger)
	case "all":
		if err = runPostgresMigrations(cfg, *dir+"/postgres", *action, logger); err == nil {
			err = runClickHouseMigrations(cfg, *dir+"/clickhouse", *action, logger)
		}
	default:
		err = fmt.Errorf("unknown database type: %s", *dbType)
	}
	if err != nil {
		logger.Fatalf("Migration failed: %v", err)
	}
}

func runPostgresMigrations(cfg *config.Config, migrationsPath, action string, logger *logging.Logger) error {
	databaseURL := storage.PostgresURL(&cfg.Database.Postgres)

	switch action {
	case "up":
		logger.Info("Running Postgres migrations...")
		if err := storage.RunMigrations(databaseURL, migrationsPath); err != nil {
			return err
		}
		logger.Info("Postgres migrations completed successfully")

	case "down":
		logger.Info("Rolling back Postgres migration...")
		if err := storage.RollbackMigrations(databaseURL, migrationsPath); err != nil {
			return err
		}
		logger.Info("Postgres migration rolled back successfully")

	case "version":
		version, dirty, err := storage.MigrationVersion(databaseURL, migrationsPath)
		if err != nil {
			return err
		}
		logger.WithFields(map[string]interface{}{
			"version": version,
			"dirty":   dirty,
		}).Info("Current Postgres migration version")

	default:
		return fmt.Errorf("unknown action: %s", action)
	}

	return nil
}

func runClickHouseMigrations(cfg *config.Config, migrationsPath, action string, logger *logging.Logger) error {
	if action != "up" {
		return fmt.Errorf("ClickHouse migrations only support 'up' action")
	}

	if _, err := os.Stat(migrationsPath); os.IsNotExist(err) {
		return fmt.Errorf("migrations directory not found: %s", migrationsPath)
	}

	db, err := storage.NewClickHouseDB(&cfg.Database.ClickHouse)
	if err != nil {
		return fmt.Errorf("failed to connect to ClickHouse: %w", err)
	}
	defer func() {
		if err := db.Close(); err != nil {
			logger.WithError(err).Warn("Error closing ClickHouse connection")
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	logger.Info("Running ClickHouse migrations...")
	if err := storage.RunClickHouseMigrations(ctx, db, migrationsPath); err != nil {
		return err
	}

	logger.Info("ClickHouse migrations completed successfully")
	return nil
}
