// Package config provides configuration management for the indexing and rank-check engine.
// It loads configuration from environment variables and .env files.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	Indexing  IndexingConfig
	Rank      RankConfig
	Quota     QuotaConfig
	Schedules ScheduleConfig
	Logging   LoggingConfig
}

// ServerConfig holds the ops endpoint configuration
type ServerConfig struct {
	Port string
	Host string
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Postgres   PostgresConfig
	ClickHouse ClickHouseConfig
	Redis      RedisConfig
}

// PostgresConfig holds Postgres configuration
type PostgresConfig struct {
	Host           string
	Port           string
	Database       string
	User           string
	Password       string
	MaxConnections int
}

// ClickHouseConfig holds ClickHouse configuration
type ClickHouseConfig struct {
	Host     string
	Port     string
	Database string
	User     string
	Password string
}

// RedisConfig holds Redis configuration
type RedisConfig struct {
	Host           string
	Port           string
	Password       string
	DB             int
	MaxConnections int
}

// IndexingConfig holds indexing API and job processing configuration
type IndexingConfig struct {
	APIURL            string
	BatchSize         int
	InterBatchDelay   time.Duration
	RequestTimeout    time.Duration
	RequestsPerSecond float64
	MaxConcurrentJobs int // jobs dispatched per monitor tick
}

// RankConfig holds rank-data API and rank-check configuration
type RankConfig struct {
	APIURL            string
	BatchSize         int
	InterBatchDelay   time.Duration
	InterOwnerDelay   time.Duration
	RequestTimeout    time.Duration
	RequestsPerSecond float64
	MaxRetries        int
	Timezone          string // zone in which a keyword is "due today"
}

// QuotaConfig holds credential quota configuration
type QuotaConfig struct {
	UnitsPerRequest       int
	ResetUsageThreshold   int
	ResetZone             string // zone of the external quota window
	StaleLockTTL          time.Duration
	SweepLockTTL          time.Duration
	NotificationRetention time.Duration
}

// ScheduleConfig holds cron expressions for the periodic triggers
type ScheduleConfig struct {
	RankCheck          string
	QuotaReset         string
	QuotaResetBoundary string
	JobMonitor         string
	StuckJobRecovery   string
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string
	Format string
}

// LoadConfig loads configuration from .env file and environment variables
func LoadConfig() (*Config, error) {
	// Load .env file (optional in production)
	if err := godotenv.Load(); err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("error loading .env file: %w", err)
		}
	}

	config := &Config{
		Server: ServerConfig{
			Port: getEnv("SERVER_PORT", "8081"),
			Host: getEnv("SERVER_HOST", "0.0.0.0"),
		},
		Database: DatabaseConfig{
			Postgres: PostgresConfig{
				Host:           getEnv("POSTGRES_HOST", "localhost"),
				Port:           getEnv("POSTGRES_PORT", "5432"),
				Database:       getEnv("POSTGRES_DB", "indexnow"),
				User:           getEnv("POSTGRES_USER", "indexnow"),
				Password:       getEnv("POSTGRES_PASSWORD", ""),
				MaxConnections: getEnvAsInt("POSTGRES_MAX_CONNECTIONS", 20),
			},
			ClickHouse: ClickHouseConfig{
				Host:     getEnv("CLICKHOUSE_HOST", "localhost"),
				Port:     getEnv("CLICKHOUSE_PORT", "9000"),
				Database: getEnv("CLICKHOUSE_DB", "indexnow"),
				User:     getEnv("CLICKHOUSE_USER", "default"),
				Password: getEnv("CLICKHOUSE_PASSWORD", ""),
			},
			Redis: RedisConfig{
				Host:           getEnv("REDIS_HOST", "localhost"),
				Port:           getEnv("REDIS_PORT", "6379"),
				Password:       getEnv("REDIS_PASSWORD", ""),
				DB:             getEnvAsInt("REDIS_DB", 0),
				MaxConnections: getEnvAsInt("REDIS_MAX_CONNECTIONS", 20),
			},
		},
		Indexing: IndexingConfig{
			APIURL:            getEnv("INDEXING_API_URL", "https://indexing.googleapis.com/v3/urlNotifications:publish"),
			BatchSize:         getEnvAsInt("INDEXING_BATCH_SIZE", 10),
			InterBatchDelay:   getEnvAsDuration("INDEXING_INTER_BATCH_DELAY", time.Second),
			RequestTimeout:    getEnvAsDuration("INDEXING_REQUEST_TIMEOUT", 30*time.Second),
			RequestsPerSecond: getEnvAsFloat("INDEXING_REQUESTS_PER_SECOND", 10),
			MaxConcurrentJobs: getEnvAsInt("INDEXING_MAX_CONCURRENT_JOBS", 3),
		},
		Rank: RankConfig{
			APIURL:            getEnv("RANK_API_URL", "https://api.rank-data.example/v1/serp"),
			BatchSize:         getEnvAsInt("RANK_BATCH_SIZE", 5),
			InterBatchDelay:   getEnvAsDuration("RANK_INTER_BATCH_DELAY", 2*time.Second),
			InterOwnerDelay:   getEnvAsDuration("RANK_INTER_OWNER_DELAY", 5*time.Second),
			RequestTimeout:    getEnvAsDuration("RANK_REQUEST_TIMEOUT", 30*time.Second),
			RequestsPerSecond: getEnvAsFloat("RANK_REQUESTS_PER_SECOND", 5),
			MaxRetries:        getEnvAsInt("RANK_MAX_RETRIES", 2),
			Timezone:          getEnv("RANK_TIMEZONE", "UTC"),
		},
		Quota: QuotaConfig{
			UnitsPerRequest:       getEnvAsInt("QUOTA_UNITS_PER_REQUEST", 10),
			ResetUsageThreshold:   getEnvAsInt("QUOTA_RESET_USAGE_THRESHOLD", 5),
			ResetZone:             getEnv("QUOTA_RESET_ZONE", "America/Los_Angeles"),
			StaleLockTTL:          getEnvAsDuration("QUOTA_STALE_LOCK_TTL", 30*time.Minute),
			SweepLockTTL:          getEnvAsDuration("QUOTA_SWEEP_LOCK_TTL", 10*time.Minute),
			NotificationRetention: getEnvAsDuration("QUOTA_NOTIFICATION_RETENTION", 24*time.Hour),
		},
		Schedules: ScheduleConfig{
			RankCheck:          getEnv("SCHEDULE_RANK_CHECK", "0 3 * * *"),
			QuotaReset:         getEnv("SCHEDULE_QUOTA_RESET", "0 * * * *"),
			QuotaResetBoundary: getEnv("SCHEDULE_QUOTA_RESET_BOUNDARY", "CRON_TZ=America/Los_Angeles */10 0-1 * * *"),
			JobMonitor:         getEnv("SCHEDULE_JOB_MONITOR", "* * * * *"),
			StuckJobRecovery:   getEnv("SCHEDULE_STUCK_JOB_RECOVERY", "*/15 * * * *"),
		},
		Logging: LoggingConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "json"),
		},
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

// Validate checks that the configuration values are usable
func (c *Config) Validate() error {
	if c.Indexing.BatchSize <= 0 {
		return fmt.Errorf("INDEXING_BATCH_SIZE must be positive, got %d", c.Indexing.BatchSize)
	}
	if c.Rank.BatchSize <= 0 {
		return fmt.Errorf("RANK_BATCH_SIZE must be positive, got %d", c.Rank.BatchSize)
	}
	if c.Quota.UnitsPerRequest <= 0 {
		return fmt.Errorf("QUOTA_UNITS_PER_REQUEST must be positive, got %d", c.Quota.UnitsPerRequest)
	}
	if c.Quota.ResetUsageThreshold < 0 {
		return fmt.Errorf("QUOTA_RESET_USAGE_THRESHOLD must not be negative, got %d", c.Quota.ResetUsageThreshold)
	}
	if c.Indexing.MaxConcurrentJobs <= 0 {
		return fmt.Errorf("INDEXING_MAX_CONCURRENT_JOBS must be positive, got %d", c.Indexing.MaxConcurrentJobs)
	}
	if _, err := time.LoadLocation(c.Quota.ResetZone); err != nil {
		return fmt.Errorf("invalid QUOTA_RESET_ZONE %q: %w", c.Quota.ResetZone, err)
	}
	if _, err := time.LoadLocation(c.Rank.Timezone); err != nil {
		return fmt.Errorf("invalid RANK_TIMEZONE %q: %w", c.Rank.Timezone, err)
	}
	return nil
}

// ResetLocation returns the zone of the external quota window
func (c *Config) ResetLocation() *time.Location {
	return mustLocation(c.Quota.ResetZone)
}

// RankLocation returns the zone used for keyword due-ness
func (c *Config) RankLocation() *time.Location {
	return mustLocation(c.Rank.Timezone)
}

func mustLocation(name string) *time.Location {
	loc, err := time.LoadLocation(name)
	if err != nil {
		return time.UTC
	}
	return loc
}

// getEnv gets an environment variable with a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsInt gets an environment variable as an integer with a default value
func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsFloat gets an environment variable as a float with a default value
func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsDuration gets an environment variable as a duration with a default value
func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}

	value, err := time.ParseDuration(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}
