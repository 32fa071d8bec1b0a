// Package config loads service configuration from environment variables
// so main stays lean.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config is the full service configuration.
type Config struct {
	Service  Service
	Server   Server
	Database Database
	Auth     Auth
	NATS     NATS
}

// Service identifies this deployment.
type Service struct {
	Name        string
	Version     string
	Environment string
}

// Server holds HTTP server settings.
type Server struct {
	Port            int
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
}

// Database holds Postgres connection settings.
type Database struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string
	MaxConns int32
	MinConns int32
}

// Auth holds approval-token signing settings.
type Auth struct {
	TokenSigningKey string
	TokenIssuer     string
	TokenTTL        time.Duration
}

// NATS holds notification publisher settings. URL may be empty, in which
// case notifications are disabled.
type NATS struct {
	URL string
}

// Load builds a Config from environment variables with sane defaults.
func Load() (*Config, error) {
	cfg := &Config{
		Service: Service{
			Name:        getEnv("SERVICE_NAME", "ap-match-engine"),
			Version:     getEnv("SERVICE_VERSION", "dev"),
			Environment: getEnv("ENVIRONMENT", "development"),
		},
		Server: Server{
			Port:            getEnvInt("HTTP_PORT", 8080),
			ReadTimeout:     getEnvDuration("HTTP_READ_TIMEOUT", 15*time.Second),
			WriteTimeout:    getEnvDuration("HTTP_WRITE_TIMEOUT", 30*time.Second),
			IdleTimeout:     getEnvDuration("HTTP_IDLE_TIMEOUT", 60*time.Second),
			ShutdownTimeout: getEnvDuration("SHUTDOWN_TIMEOUT", 15*time.Second),
		},
		Database: Database{
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnvInt("DB_PORT", 5432),
			User:     getEnv("DB_USER", "postgres"),
			Password: os.Getenv("DB_PASSWORD"),
			Database: getEnv("DB_NAME", "ap_manager"),
			SSLMode:  getEnv("DB_SSLMODE", "disable"),
			MaxConns: int32(getEnvInt("DB_MAX_CONNS", 10)),
			MinConns: int32(getEnvInt("DB_MIN_CONNS", 2)),
		},
		Auth: Auth{
			TokenSigningKey: getEnv("APPROVAL_TOKEN_KEY", ""),
			TokenIssuer:     getEnv("APPROVAL_TOKEN_ISSUER", "ap-match-engine"),
			TokenTTL:        getEnvDuration("APPROVAL_TOKEN_TTL", 72*time.Hour),
		},
		NATS: NATS{
			URL: os.Getenv("NATS_URL"),
		},
	}

	if cfg.Auth.TokenSigningKey == "" && cfg.Service.Environment != "development" {
		return nil, fmt.Errorf("APPROVAL_TOKEN_KEY is required outside development")
	}
	if cfg.Auth.TokenSigningKey == "" {
		cfg.Auth.TokenSigningKey = "dev-secret-key-change-in-production"
	}

	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
