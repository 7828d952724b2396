// Package config loads runtime settings from the environment and an optional .env file.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Store backends.
const (
	StoreFile     = "file"
	StoreRedis    = "redis"
	StorePostgres = "postgres"
)

// Config contains runtime configuration values.
type Config struct {
	Environment string
	ServiceName string

	APIURL      string
	IdentityURL string
	TokenURL    string
	APIKey      string

	RequestTimeout time.Duration
	OTPCooldown    time.Duration

	Store           string
	StoreDir        string
	StorePassphrase string
	DeviceID        string
	RedisAddr       string
	RedisPassword   string
	RedisDB         int
	RedisPrefix     string
	DatabaseURL     string

	TelemetryEndpoint string
	TelemetryInsecure bool
}

// Load reads configuration from environment variables with sane defaults. Values
// already in the environment win over the .env file.
func Load() (Config, error) {
	_ = godotenv.Load()
	return fromEnv()
}

// LoadFile is Load with an explicit .env path; a missing file is an error.
func LoadFile(path string) (Config, error) {
	if err := godotenv.Load(path); err != nil {
		return Config{}, fmt.Errorf("load %s: %w", path, err)
	}
	return fromEnv()
}

func fromEnv() (Config, error) {
	cfg := Config{
		Environment:       getEnv("ATELIER_ENV", "development"),
		ServiceName:       getEnv("ATELIER_SERVICE_NAME", "atelier"),
		APIURL:            strings.TrimSpace(os.Getenv("ATELIER_API_URL")),
		IdentityURL:       os.Getenv("ATELIER_IDENTITY_URL"),
		TokenURL:          os.Getenv("ATELIER_TOKEN_URL"),
		APIKey:            os.Getenv("ATELIER_API_KEY"),
		RequestTimeout:    getDuration("ATELIER_REQUEST_TIMEOUT", 15*time.Second),
		OTPCooldown:       getDuration("ATELIER_OTP_COOLDOWN", 60*time.Second),
		Store:             strings.ToLower(getEnv("ATELIER_STORE", StoreFile)),
		StoreDir:          os.Getenv("ATELIER_STORE_DIR"),
		StorePassphrase:   os.Getenv("ATELIER_STORE_PASSPHRASE"),
		DeviceID:          getEnv("ATELIER_DEVICE_ID", hostname()),
		RedisAddr:         getEnv("ATELIER_REDIS_ADDR", "127.0.0.1:6379"),
		RedisPassword:     os.Getenv("ATELIER_REDIS_PASSWORD"),
		RedisDB:           getInt("ATELIER_REDIS_DB", 0),
		RedisPrefix:       getEnv("ATELIER_REDIS_PREFIX", "atelier"),
		DatabaseURL:       os.Getenv("ATELIER_DATABASE_URL"),
		TelemetryEndpoint: os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		TelemetryInsecure: getBool("OTEL_EXPORTER_OTLP_INSECURE", true),
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports the first missing or inconsistent setting.
func (c Config) Validate() error {
	if c.APIURL == "" {
		return errors.New("ATELIER_API_URL is required")
	}
	switch c.Store {
	case StoreFile, StoreRedis:
	case StorePostgres:
		if c.DatabaseURL == "" {
			return errors.New("ATELIER_DATABASE_URL is required for the postgres store")
		}
	default:
		return fmt.Errorf("ATELIER_STORE must be file, redis or postgres, got %q", c.Store)
	}
	if c.RequestTimeout <= 0 {
		return errors.New("ATELIER_REQUEST_TIMEOUT must be positive")
	}
	if c.OTPCooldown <= 0 {
		return errors.New("ATELIER_OTP_COOLDOWN must be positive")
	}
	return nil
}

// IsProduction reports whether the environment is "production" or "prod".
func (c Config) IsProduction() bool {
	switch strings.ToLower(c.Environment) {
	case "production", "prod":
		return true
	}
	return false
}

func hostname() string {
	h, err := os.Hostname()
	if err != nil || h == "" {
		return "default"
	}
	return h
}

func getEnv(key, def string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return def
}

func getDuration(key string, def time.Duration) time.Duration {
	if v, ok := os.LookupEnv(key); ok {
		d, err := time.ParseDuration(v)
		if err == nil {
			return d
		}
	}
	return def
}

func getInt(key string, def int) int {
	if v, ok := os.LookupEnv(key); ok {
		n, err := strconv.Atoi(v)
		if err == nil {
			return n
		}
	}
	return def
}

func getBool(key string, def bool) bool {
	if v, ok := os.LookupEnv(key); ok {
		switch strings.ToLower(v) {
		case "1", "true", "t", "yes", "y", "on":
			return true
		case "0", "false", "f", "no", "n", "off":
			return false
		}
	}
	return def
}
