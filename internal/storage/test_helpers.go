package storage

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/indexnow-engine/internal/config"
)

// testContext creates a context with timeout for tests
func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func testEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func testPostgresConfig() *config.PostgresConfig {
	return &config.PostgresConfig{
		Host:           testEnv("TEST_POSTGRES_HOST", "localhost"),
		Port:           testEnv("TEST_POSTGRES_PORT", "5432"),
		Database:       testEnv("TEST_POSTGRES_DB", "indexnow_test"),
		User:           testEnv("TEST_POSTGRES_USER", "indexnow"),
		Password:       testEnv("TEST_POSTGRES_PASSWORD", "indexnow_dev_password"),
		MaxConnections: 5,
	}
}

func testClickHouseConfig() *config.ClickHouseConfig {
	return &config.ClickHouseConfig{
		Host:     testEnv("TEST_CLICKHOUSE_HOST", "localhost"),
		Port:     testEnv("TEST_CLICKHOUSE_PORT", "9000"),
		Database: testEnv("TEST_CLICKHOUSE_DB", "default"),
		User:     testEnv("TEST_CLICKHOUSE_USER", "default"),
		Password: testEnv("TEST_CLICKHOUSE_PASSWORD", ""),
	}
}

// setupTestPostgres connects, migrates and empties the tables; it skips when
// Postgres is not reachable or in short mode.
func setupTestPostgres(t *testing.T) *PostgresDB {
	t.Helper()
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	cfg := testPostgresConfig()
	db, err := NewPostgresDB(cfg)
	if err != nil {
		t.Skipf("Skipping test - Postgres not available: %v", err)
	}
	t.Cleanup(db.Close)

	if err := RunMigrations(PostgresURL(cfg), "../../migrations/postgres"); err != nil {
		t.Fatalf("RunMigrations() error = %v", err)
	}

	ctx := testContext(t)
	_, err = db.Pool().Exec(ctx, `TRUNCATE jobs, url_submissions, credentials, keyword_tasks, quota_notifications`)
	if err != nil {
		t.Fatalf("truncate error = %v", err)
	}

	return db
}

// setupTestClickHouse connects and migrates; it skips when ClickHouse is not reachable.
func setupTestClickHouse(t *testing.T) *ClickHouseDB {
	t.Helper()
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	db, err := NewClickHouseDB(testClickHouseConfig())
	if err != nil {
		t.Skipf("Skipping test - ClickHouse not available: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	if err := RunClickHouseMigrations(testContext(t), db, "../../migrations/clickhouse"); err != nil {
		t.Fatalf("RunClickHouseMigrations() error = %v", err)
	}

	return db
}
