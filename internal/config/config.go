// Package config loads the process environment into a typed configuration.
// A .env file in the working directory is honored for local development;
// real deployments set the variables directly.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

// Config holds every environment variable the backend recognizes.
// JWTSecret and EncryptionKey are optional here; when unset, the credential
// vault falls back to the persisted config entries.
type Config struct {
	DatabaseURL    string
	JWTSecret      string
	EncryptionKey  string
	CORSOrigin     string
	LogLevel       string
	Port           int
	DatabaseCACert string
}

// Load reads the environment (merging a .env file when present) and
// validates the required settings.
func Load() (*Config, error) {
	// Missing .env is the normal case in production.
	_ = godotenv.Load()

	cfg := &Config{
		DatabaseURL:    os.Getenv("DATABASE_URL"),
		JWTSecret:      os.Getenv("JWT_SECRET"),
		EncryptionKey:  os.Getenv("ENCRYPTION_KEY"),
		CORSOrigin:     os.Getenv("CORS_ORIGIN"),
		LogLevel:       os.Getenv("LOG_LEVEL"),
		Port:           3000,
		DatabaseCACert: os.Getenv("DATABASE_CA_CERT"),
	}

	if raw := os.Getenv("PORT"); raw != "" {
		p, err := strconv.Atoi(raw)
		if err != nil || p <= 0 || p > 65535 {
			return nil, fmt.Errorf("invalid PORT %q", raw)
		}
		cfg.Port = p
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	return cfg, nil
}

// SlogLevel maps LOG_LEVEL to a slog level, defaulting to info.
func (c *Config) SlogLevel() slog.Level {
	switch c.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
