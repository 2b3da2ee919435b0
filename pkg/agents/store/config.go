package store

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds the agent state store's Postgres connection settings.
type Config struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string

	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

// LoadConfigFromEnv loads the store's configuration from environment
// variables, applying production defaults for every unset connection and
// pool setting. LMX_AGENTS_DB_PASSWORD has no default and is required.
func LoadConfigFromEnv() (Config, error) {
	port, err := strconv.Atoi(getEnvOrDefault("LMX_AGENTS_DB_PORT", "5432"))
	if err != nil {
		return Config{}, fmt.Errorf("invalid LMX_AGENTS_DB_PORT: %w", err)
	}

	maxOpen, _ := strconv.Atoi(getEnvOrDefault("LMX_AGENTS_DB_MAX_OPEN_CONNS", "25"))
	maxIdle, _ := strconv.Atoi(getEnvOrDefault("LMX_AGENTS_DB_MAX_IDLE_CONNS", "10"))

	maxLifetime, err := time.ParseDuration(getEnvOrDefault("LMX_AGENTS_DB_CONN_MAX_LIFETIME", "1h"))
	if err != nil {
		return Config{}, fmt.Errorf("invalid LMX_AGENTS_DB_CONN_MAX_LIFETIME: %w", err)
	}
	maxIdleTime, err := time.ParseDuration(getEnvOrDefault("LMX_AGENTS_DB_CONN_MAX_IDLE_TIME", "15m"))
	if err != nil {
		return Config{}, fmt.Errorf("invalid LMX_AGENTS_DB_CONN_MAX_IDLE_TIME: %w", err)
	}

	cfg := Config{
		Host:            getEnvOrDefault("LMX_AGENTS_DB_HOST", "localhost"),
		Port:            port,
		User:            getEnvOrDefault("LMX_AGENTS_DB_USER", "lmx"),
		Password:        os.Getenv("LMX_AGENTS_DB_PASSWORD"),
		Database:        getEnvOrDefault("LMX_AGENTS_DB_NAME", "lmx_agents"),
		SSLMode:         getEnvOrDefault("LMX_AGENTS_DB_SSLMODE", "disable"),
		MaxOpenConns:    maxOpen,
		MaxIdleConns:    maxIdle,
		ConnMaxLifetime: maxLifetime,
		ConnMaxIdleTime: maxIdleTime,
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks the configuration for internal consistency.
func (c Config) Validate() error {
	if c.Password == "" {
		return fmt.Errorf("LMX_AGENTS_DB_PASSWORD is required")
	}
	if c.MaxOpenConns < 1 {
		return fmt.Errorf("LMX_AGENTS_DB_MAX_OPEN_CONNS must be at least 1")
	}
	if c.MaxIdleConns < 0 {
		return fmt.Errorf("LMX_AGENTS_DB_MAX_IDLE_CONNS cannot be negative")
	}
	if c.MaxIdleConns > c.MaxOpenConns {
		return fmt.Errorf("LMX_AGENTS_DB_MAX_IDLE_CONNS (%d) cannot exceed LMX_AGENTS_DB_MAX_OPEN_CONNS (%d)",
			c.MaxIdleConns, c.MaxOpenConns)
	}
	return nil
}

func getEnvOrDefault(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}
