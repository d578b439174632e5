// Package config loads coordinatord's settings from the environment,
// following the teacher's common/config flat-struct-plus-getEnv* idiom.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds all coordinatord configuration.
type Config struct {
	Service   ServiceConfig
	Database  DatabaseConfig
	Redis     RedisConfig
	Dispatch  DispatchConfig
	Telemetry TelemetryConfig
}

// ServiceConfig holds process-identity and logging settings.
type ServiceConfig struct {
	Name        string
	Port        int
	Environment string
	LogLevel    string
	LogFormat   string
}

// DatabaseConfig holds Postgres connection settings for internal/storage.
type DatabaseConfig struct {
	Host        string
	Port        int
	Database    string
	User        string
	Password    string
	MaxConns    int
	MinConns    int
	MaxIdleTime time.Duration
	MaxLifetime time.Duration
}

// RedisConfig configures the event stream and dispatch alarm backends
// (internal/events, internal/runctl/timeout.go).
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// DispatchConfig tunes the Dispatch Executor (spec.md §5).
type DispatchConfig struct {
	// MaxBatchSize is read from DISPATCH_MAX_BATCH_SIZE and must be >= 1.
	// No component reads it: the Run Controller hands each planning pass's
	// whole decision batch to the Dispatch Executor.
	MaxBatchSize int
	// ActionTimeout is read from DISPATCH_DEFAULT_ACTION_TIMEOUT. No
	// component reads it: dispatched tasks are built with a zero TimeoutMs.
	ActionTimeout time.Duration
}

// TelemetryConfig holds observability settings (internal/telemetry).
type TelemetryConfig struct {
	EnableTracing bool
	EnableMetrics bool
	MetricsPort   int
}

// Load reads configuration from the environment, applying the teacher's
// defaults-then-validate pattern.
func Load(serviceName string) (*Config, error) {
	cfg := &Config{
		Service: ServiceConfig{
			Name:        serviceName,
			Port:        getEnvInt("PORT", 8080),
			Environment: getEnv("ENVIRONMENT", "development"),
			LogLevel:    getEnv("LOG_LEVEL", "info"),
			LogFormat:   getEnv("LOG_FORMAT", "text"),
		},
		Database: DatabaseConfig{
			Host:        getEnv("POSTGRES_HOST", "localhost"),
			Port:        getEnvInt("POSTGRES_PORT", 5432),
			Database:    getEnv("POSTGRES_DB", "coordinator"),
			User:        getEnv("POSTGRES_USER", "coordinator"),
			Password:    getEnv("POSTGRES_PASSWORD", "coordinator"),
			MaxConns:    getEnvInt("POSTGRES_MAX_CONNS", 50),
			MinConns:    getEnvInt("POSTGRES_MIN_CONNS", 10),
			MaxIdleTime: getEnvDuration("POSTGRES_MAX_IDLE_TIME", 30*time.Minute),
			MaxLifetime: getEnvDuration("POSTGRES_MAX_LIFETIME", time.Hour),
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", "localhost:6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
		},
		Dispatch: DispatchConfig{
			MaxBatchSize:  getEnvInt("DISPATCH_MAX_BATCH_SIZE", 500),
			ActionTimeout: getEnvDuration("DISPATCH_DEFAULT_ACTION_TIMEOUT", 5*time.Minute),
		},
		Telemetry: TelemetryConfig{
			EnableTracing: getEnvBool("ENABLE_TRACING", true),
			EnableMetrics: getEnvBool("ENABLE_METRICS", true),
			MetricsPort:   getEnvInt("METRICS_PORT", 9090),
		},
	}

	return cfg, cfg.Validate()
}

// Validate checks invariants Load's defaults can't guarantee on their own
// (an operator-supplied env var can still violate them).
func (c *Config) Validate() error {
	if c.Service.Port < 1 || c.Service.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Service.Port)
	}
	if c.Database.Host == "" {
		return fmt.Errorf("database host is required")
	}
	if c.Database.MaxConns < c.Database.MinConns {
		return fmt.Errorf("max_conns must be >= min_conns")
	}
	if c.Dispatch.MaxBatchSize < 1 {
		return fmt.Errorf("dispatch max batch size must be >= 1")
	}
	return nil
}

// DatabaseURL returns the PostgreSQL connection string for pgxpool.ParseConfig.
func (c *Config) DatabaseURL() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=disable",
		c.Database.User,
		c.Database.Password,
		c.Database.Host,
		c.Database.Port,
		c.Database.Database,
	)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
