/*
Package config loads server settings from the environment.

PURPOSE:
  A .env file in the working directory is read first when present;
  variables already set in the environment take precedence over it.
  Command-line flags in cmd/server override what Load returns.

VARIABLES:
  PORT               HTTP port (default 8080)
  DB_DRIVER          memory | sqlite | postgres (default sqlite)
  DB_PATH            SQLite file, ":memory:" for in-process (default wallet.db)
  DATABASE_URL       PostgreSQL DSN, required when DB_DRIVER=postgres
  DB_MAX_OPEN_CONNS  PostgreSQL pool size (default 10)
  REDIS_ADDR         enables the balance cache when set
  REDIS_PASSWORD, REDIS_DB, CACHE_TTL
  CONVERSION_RATE    credits per point (default 0.01)
  DEFAULT_CURRENCY   ISO code for new wallets (default USD)
  SWEEP_INTERVAL     expiry sweep period, 0 disables (default 1h)
  SWEEP_WORKERS      concurrent wallets per sweep (default 4)
  MAX_RETRIES        attempts per mutation on conflict (default 3)
  RETRY_BACKOFF      base backoff between attempts (default 10ms)
  CORS_ORIGINS       comma separated allowed origins (default *)
  RATE_LIMIT_RPS     requests per second per client on /api, 0 disables
  RATE_LIMIT_BURST   bucket size (default 20)
*/
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Redis    RedisConfig
	Ledger   LedgerConfig
	Sweep    SweepConfig
}

type ServerConfig struct {
	Port           int
	CORSOrigins    []string
	RateLimitRPS   float64
	RateLimitBurst int
}

type DatabaseConfig struct {
	Driver       string
	Path         string
	URL          string
	MaxOpenConns int
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	TTL      time.Duration
}

type LedgerConfig struct {
	ConversionRate  decimal.Decimal
	DefaultCurrency string
	MaxRetries      int
	RetryBackoff    time.Duration
}

type SweepConfig struct {
	Interval time.Duration
	Workers  int
}

func Load() (*Config, error) {
	_ = godotenv.Load()

	rate, err := getDecimalEnv("CONVERSION_RATE", decimal.RequireFromString("0.01"))
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		Server: ServerConfig{
			Port:           getIntEnv("PORT", 8080),
			CORSOrigins:    splitList(getEnv("CORS_ORIGINS", "*")),
			RateLimitRPS:   getFloatEnv("RATE_LIMIT_RPS", 0),
			RateLimitBurst: getIntEnv("RATE_LIMIT_BURST", 20),
		},
		Database: DatabaseConfig{
			Driver:       strings.ToLower(getEnv("DB_DRIVER", "sqlite")),
			Path:         getEnv("DB_PATH", "wallet.db"),
			URL:          getEnv("DATABASE_URL", ""),
			MaxOpenConns: getIntEnv("DB_MAX_OPEN_CONNS", 10),
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", ""),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getIntEnv("REDIS_DB", 0),
			TTL:      getDurationEnv("CACHE_TTL", 5*time.Minute),
		},
		Ledger: LedgerConfig{
			ConversionRate:  rate,
			DefaultCurrency: strings.ToUpper(getEnv("DEFAULT_CURRENCY", "USD")),
			MaxRetries:      getIntEnv("MAX_RETRIES", 3),
			RetryBackoff:    getDurationEnv("RETRY_BACKOFF", 10*time.Millisecond),
		},
		Sweep: SweepConfig{
			Interval: getDurationEnv("SWEEP_INTERVAL", time.Hour),
			Workers:  getIntEnv("SWEEP_WORKERS", 4),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects settings the server cannot start with.
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "memory", "sqlite":
	case "postgres":
		if c.Database.URL == "" {
			return fmt.Errorf("DATABASE_URL is required when DB_DRIVER=postgres")
		}
	default:
		return fmt.Errorf("unsupported DB_DRIVER %q", c.Database.Driver)
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid PORT %d", c.Server.Port)
	}
	if !c.Ledger.ConversionRate.IsPositive() {
		return fmt.Errorf("CONVERSION_RATE must be positive")
	}
	if len(c.Ledger.DefaultCurrency) != 3 {
		return fmt.Errorf("DEFAULT_CURRENCY must be a 3 letter code")
	}
	if c.Ledger.MaxRetries < 1 {
		return fmt.Errorf("MAX_RETRIES must be at least 1")
	}
	if c.Server.RateLimitRPS < 0 {
		return fmt.Errorf("RATE_LIMIT_RPS must not be negative")
	}
	if c.Sweep.Workers < 1 {
		return fmt.Errorf("SWEEP_WORKERS must be at least 1")
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

func getFloatEnv(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getDecimalEnv(key string, defaultValue decimal.Decimal) (decimal.Decimal, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	d, err := decimal.NewFromString(value)
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid %s %q: %w", key, value, err)
	}
	return d, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
