// Package config loads the gateway configuration from the environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config carries every tunable the gateway reads at startup.
type Config struct {
	// HTTP
	ListenAddr      string
	ShutdownTimeout time.Duration

	// Redis
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// Quota
	GlobalDailyQuota int64
	BronzeReserve    float64
	ReadCost         int64
	WriteCost        int64

	// Cache
	LRUSize int

	// Scheduler
	Workers          int
	OperationTimeout time.Duration

	// Retry
	RetryMaxAttempts  int
	RetryInitialDelay time.Duration
	RetryMaxDelay     time.Duration

	// Auth
	JWTSecret string
	JWTIssuer string
	DevTokens bool

	// Observability
	LogLevel       string
	JaegerEndpoint string
	ServiceName    string
	Environment    string
}

// Load reads the environment, applying defaults for anything unset. The only
// hard requirement outside development is the JWT secret.
func Load() (*Config, error) {
	cfg := &Config{
		ListenAddr:        getString("LISTEN_ADDR", ":8080"),
		ShutdownTimeout:   getDuration("SHUTDOWN_TIMEOUT", 30*time.Second),
		RedisAddr:         getString("REDIS_ADDR", "localhost:6379"),
		RedisPassword:     getString("REDIS_PASSWORD", ""),
		RedisDB:           getInt("REDIS_DB", 0),
		GlobalDailyQuota:  getInt64("GLOBAL_DAILY_QUOTA", 1000000),
		BronzeReserve:     getFloat("BRONZE_RESERVE", 0.15),
		ReadCost:          getInt64("READ_COST", 10),
		WriteCost:         getInt64("WRITE_COST", 50),
		LRUSize:           getInt("LRU_SIZE", 1024),
		Workers:           getInt("WORKERS", 8),
		OperationTimeout:  getDuration("OPERATION_TIMEOUT", 120*time.Second),
		RetryMaxAttempts:  getInt("RETRY_MAX_ATTEMPTS", 3),
		RetryInitialDelay: getDuration("RETRY_INITIAL_DELAY", time.Second),
		RetryMaxDelay:     getDuration("RETRY_MAX_DELAY", 10*time.Second),
		JWTSecret:         getString("JWT_SECRET", ""),
		JWTIssuer:         getString("JWT_ISSUER", "adsgateway"),
		DevTokens:         getBool("DEV_TOKENS", false),
		LogLevel:          getString("LOG_LEVEL", "info"),
		JaegerEndpoint:    getString("JAEGER_ENDPOINT", ""),
		ServiceName:       getString("SERVICE_NAME", "adsgateway"),
		Environment:       getString("ENVIRONMENT", "development"),
	}

	if cfg.JWTSecret == "" {
		if cfg.Environment == "production" {
			return nil, fmt.Errorf("JWT_SECRET is required in production")
		}
		cfg.JWTSecret = "dev-only-secret"
		cfg.DevTokens = true
	}
	if cfg.Workers <= 0 {
		return nil, fmt.Errorf("WORKERS must be positive, got %d", cfg.Workers)
	}
	if cfg.BronzeReserve < 0 || cfg.BronzeReserve >= 1 {
		return nil, fmt.Errorf("BRONZE_RESERVE must be in [0,1), got %v", cfg.BronzeReserve)
	}
	return cfg, nil
}

func getString(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func getInt64(key string, def int64) int64 {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return n
		}
	}
	return def
}

func getFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func getDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}
