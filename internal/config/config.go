// Package config loads service configuration from the environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

const (
	StorageMemory = "memory"
	StorageMySQL  = "mysql"
)

type Config struct {
	ServiceName string
	Env         string
	LogLevel    string
	MetricsAddr string

	// Schedule is a cron spec, e.g. "@every 10m".
	Schedule   string
	RunTimeout time.Duration

	Kaspi   Kaspi
	Storage Storage
	Sync    Sync
}

type Kaspi struct {
	BaseURL   string
	AuthToken string
	UserAgent string
}

type Storage struct {
	Driver        string // memory or mysql
	MySQLDSN      string
	RedisAddr     string
	RedisPassword string
	RedisDB       int
}

type Sync struct {
	MaxRounds   int
	Concurrency int
	RoundDelay  time.Duration
	CallTimeout time.Duration
	MaxWindow   time.Duration
}

func Load() (Config, error) {
	cfg := Config{
		ServiceName: getenvDefault("SERVICE_NAME", "kaspi-sync"),
		Env:         getenvDefault("ENV", "dev"),
		LogLevel:    getenvDefault("LOG_LEVEL", "info"),
		MetricsAddr: getenvDefault("METRICS_ADDR", ":8080"),
		Schedule:    getenvDefault("SYNC_SCHEDULE", "@every 10m"),
		RunTimeout:  getenvDuration("SYNC_RUN_TIMEOUT", 10*time.Minute),
		Kaspi: Kaspi{
			BaseURL:   getenvDefault("KASPI_API_URL", "https://kaspi.kz/shop/api/v2"),
			AuthToken: os.Getenv("KASPI_AUTH_TOKEN"),
			UserAgent: getenvDefault("KASPI_USER_AGENT", "kaspi-sync/1.0"),
		},
		Storage: Storage{
			Driver:        getenvDefault("STORAGE_DRIVER", StorageMemory),
			MySQLDSN:      os.Getenv("MYSQL_DSN"),
			RedisAddr:     os.Getenv("REDIS_ADDR"),
			RedisPassword: os.Getenv("REDIS_PASSWORD"),
			RedisDB:       getenvInt("REDIS_DB", 0),
		},
		Sync: Sync{
			MaxRounds:   getenvInt("SYNC_MAX_ROUNDS", 5),
			Concurrency: getenvInt("SYNC_CONCURRENCY", 5),
			RoundDelay:  getenvDuration("SYNC_ROUND_DELAY", 10*time.Second),
			CallTimeout: getenvDuration("SYNC_CALL_TIMEOUT", 15*time.Second),
			MaxWindow:   getenvDuration("SYNC_MAX_WINDOW", 48*time.Hour),
		},
	}

	if cfg.Kaspi.AuthToken == "" {
		return Config{}, fmt.Errorf("KASPI_AUTH_TOKEN is required")
	}
	switch cfg.Storage.Driver {
	case StorageMemory:
	case StorageMySQL:
		if cfg.Storage.MySQLDSN == "" {
			return Config{}, fmt.Errorf("MYSQL_DSN is required with STORAGE_DRIVER=mysql")
		}
		if cfg.Storage.RedisAddr == "" {
			return Config{}, fmt.Errorf("REDIS_ADDR is required with STORAGE_DRIVER=mysql")
		}
	default:
		return Config{}, fmt.Errorf("unknown STORAGE_DRIVER %q", cfg.Storage.Driver)
	}
	return cfg, nil
}

func getenvDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func getenvDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}
