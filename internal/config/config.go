package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

type Config struct {
	Port string
	Env  string

	RedisURL  string
	RedisPass string
	RedisDB   int

	JWTSecret string

	LedgerDSN       string
	StartingBalance int64
	TreasuryUserID  string

	BeaconURL     string
	BeaconTimeout time.Duration

	TaxThreshold int64
	TaxPercent   int64
	TaxMinimum   int64

	SchedulerInterval time.Duration
}

// Load reads the configuration from the environment. main loads .env first.
func Load() (*Config, error) {
	cfg := &Config{
		Port:           getEnv("PORT", "8080"),
		Env:            getEnv("ENV", "development"),
		RedisURL:       getEnv("REDIS_URL", "localhost:6379"),
		RedisPass:      os.Getenv("REDIS_PASSWORD"),
		JWTSecret:      os.Getenv("JWT_SECRET"),
		LedgerDSN:      getEnv("LEDGER_DSN", "file:ledger.db?_txlock=immediate&_busy_timeout=5000"),
		TreasuryUserID: getEnv("TREASURY_USER_ID", "treasury"),
		BeaconURL:      os.Getenv("BEACON_URL"),
	}

	var err error
	if cfg.RedisDB, err = getInt("REDIS_DB", 0); err != nil {
		return nil, err
	}
	if cfg.StartingBalance, err = getInt64("STARTING_BALANCE", 10000); err != nil {
		return nil, err
	}
	if cfg.TaxThreshold, err = getInt64("TAX_THRESHOLD", 0); err != nil {
		return nil, err
	}
	if cfg.TaxPercent, err = getInt64("TAX_PERCENT", 0); err != nil {
		return nil, err
	}
	if cfg.TaxMinimum, err = getInt64("TAX_MINIMUM", 0); err != nil {
		return nil, err
	}
	if cfg.BeaconTimeout, err = getDuration("BEACON_TIMEOUT", 1500*time.Millisecond); err != nil {
		return nil, err
	}
	if cfg.SchedulerInterval, err = getDuration("SCHEDULER_INTERVAL", 500*time.Millisecond); err != nil {
		return nil, err
	}

	if cfg.TaxPercent < 0 || cfg.TaxPercent > 100 {
		return nil, fmt.Errorf("TAX_PERCENT must be between 0 and 100, got %d", cfg.TaxPercent)
	}
	if cfg.Env == "production" && cfg.JWTSecret == "" {
		return nil, fmt.Errorf("JWT_SECRET is required in production")
	}
	if cfg.JWTSecret == "" {
		cfg.JWTSecret = "development-secret"
	}

	return cfg, nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getInt(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %v", key, err)
	}
	return n, nil
}

func getInt64(key string, fallback int64) (int64, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %v", key, err)
	}
	return n, nil
}

func getDuration(key string, fallback time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %v", key, err)
	}
	return d, nil
}
