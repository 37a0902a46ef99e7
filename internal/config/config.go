// Package config loads server configuration from the environment, with an
// optional .env file per deployment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds every tunable the server reads at startup.
type Config struct {
	Env string

	HTTPAddr string

	DatabaseDSN      string
	DBMaxOpenConns   int
	DBMaxIdleConns   int
	DBConnMaxLifetime time.Duration

	RedisAddr string

	JWTSecret       string
	JWTAccessExpiry time.Duration
	JWTRefreshExpiry time.Duration

	HeartbeatInterval  time.Duration
	HeartbeatMaxMissed int

	DefaultRetryBudget int
	ServiceSlotCount   int

	RateLimitRequestsPerSecond float64
	RateLimitBurst             int

	LogLevel  string
	LogFormat string

	MOTD string
}

// Load reads configuration from the environment, optionally loading a
// ".env" file first (ignored if absent).
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Env:      getEnv("QCFRACTAL_ENV", "development"),
		HTTPAddr: getEnv("QCFRACTAL_HTTP_ADDR", ":7777"),

		DatabaseDSN:       getEnv("QCFRACTAL_DATABASE_DSN", ""),
		DBMaxOpenConns:    getIntEnv("QCFRACTAL_DB_MAX_OPEN_CONNS", 20),
		DBMaxIdleConns:    getIntEnv("QCFRACTAL_DB_MAX_IDLE_CONNS", 5),
		DBConnMaxLifetime: getDurationEnv("QCFRACTAL_DB_CONN_MAX_LIFETIME", 5*time.Minute),

		RedisAddr: getEnv("QCFRACTAL_REDIS_ADDR", "localhost:6379"),

		JWTSecret:        getEnv("QCFRACTAL_JWT_SECRET", ""),
		JWTAccessExpiry:  getDurationEnv("QCFRACTAL_JWT_ACCESS_EXPIRY", 15*time.Minute),
		JWTRefreshExpiry: getDurationEnv("QCFRACTAL_JWT_REFRESH_EXPIRY", 7*24*time.Hour),

		HeartbeatInterval:  getDurationEnv("QCFRACTAL_HEARTBEAT_INTERVAL", 30*time.Second),
		HeartbeatMaxMissed: getIntEnv("QCFRACTAL_HEARTBEAT_MAX_MISSED", 3),

		DefaultRetryBudget: getIntEnv("QCFRACTAL_DEFAULT_RETRY_BUDGET", 3),
		ServiceSlotCount:   getIntEnv("QCFRACTAL_SERVICE_SLOT_COUNT", 50),

		RateLimitRequestsPerSecond: getFloatEnv("QCFRACTAL_RATE_LIMIT_RPS", 20),
		RateLimitBurst:             getIntEnv("QCFRACTAL_RATE_LIMIT_BURST", 40),

		LogLevel:  getEnv("QCFRACTAL_LOG_LEVEL", "info"),
		LogFormat: getEnv("QCFRACTAL_LOG_FORMAT", "json"),

		MOTD: getEnv("QCFRACTAL_MOTD", ""),
	}

	if cfg.Env == "production" && strings.TrimSpace(cfg.JWTSecret) == "" {
		return nil, fmt.Errorf("QCFRACTAL_JWT_SECRET is required in production")
	}
	return cfg, nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getIntEnv(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getFloatEnv(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func getDurationEnv(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
