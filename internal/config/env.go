package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/joho/godotenv"
)

// Environment variables that override the run file
const (
	EnvDatabaseDSN   = "FXRUN_DATABASE_DSN"
	EnvRedisAddr     = "REDIS_ADDR"
	EnvOracleURL     = "FXRUN_ORACLE_URL"
	EnvClickHouseDSN = "FXRUN_CLICKHOUSE_DSN"
)

// LoadEnv loads .env files into the process environment without
// overriding variables that are already set. With no arguments it loads
// ./.env and a missing file is not an error.
func LoadEnv(files ...string) error {
	if len(files) == 0 {
		if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("failed to load .env: %w", err)
		}
		return nil
	}
	if err := godotenv.Load(files...); err != nil {
		return fmt.Errorf("failed to load env files: %w", err)
	}
	return nil
}

// ApplyEnv overlays environment overrides. Setting the database DSN also
// enables persistence.
func ApplyEnv(c *Config) {
	if v := os.Getenv(EnvDatabaseDSN); v != "" {
		c.Persistence.DSN = v
		c.Persistence.Enabled = true
	}
	if v := os.Getenv(EnvRedisAddr); v != "" {
		c.Cache.RedisAddr = v
	}
	if v := os.Getenv(EnvOracleURL); v != "" {
		c.Oracle.Remote.BaseURL = v
	}
	if v := os.Getenv(EnvClickHouseDSN); v != "" {
		c.Data.ClickHouseDSN = v
	}
}
