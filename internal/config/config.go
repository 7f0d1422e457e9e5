// Package config loads service configuration from environment variables,
// with an optional YAML file overlay for deployments that prefer files.
package config

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Config holds everything the service needs at startup.
type Config struct {
	HTTPAddr      string `yaml:"http_addr"`
	NATSURL       string `yaml:"nats_url"`
	PostgresDSN   string `yaml:"postgres_dsn"`
	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`

	EnrollmentKey   string `yaml:"enrollment_key"`
	SignatureSecret string `yaml:"signature_secret"`
	// SignatureCheck disables HMAC verification process-wide when false.
	// Operational escape hatch only.
	SignatureCheck bool `yaml:"signature_check"`

	// OperatorToken gates the operator-facing endpoints. The dashboard's
	// real session handling lives outside this service.
	OperatorToken string `yaml:"operator_token"`

	CredentialCacheSize int    `yaml:"credential_cache_size"`
	LogLevel            string `yaml:"log_level"`
}

// Load reads environment variables, then overlays the YAML file named by
// FLEETWATCH_CONFIG when set.
func Load() (*Config, error) {
	cfg := &Config{
		HTTPAddr:            getEnv("FLEETWATCH_HTTP_ADDR", ":8080"),
		NATSURL:             getEnv("FLEETWATCH_NATS_URL", "nats://localhost:4222"),
		PostgresDSN:         getEnv("FLEETWATCH_POSTGRES_DSN", ""),
		RedisAddr:           getEnv("FLEETWATCH_REDIS_ADDR", ""),
		RedisPassword:       getEnv("FLEETWATCH_REDIS_PASSWORD", ""),
		RedisDB:             getEnvInt("FLEETWATCH_REDIS_DB", 0),
		EnrollmentKey:       getEnv("FLEETWATCH_ENROLLMENT_KEY", ""),
		SignatureSecret:     getEnv("FLEETWATCH_SIGNATURE_SECRET", ""),
		SignatureCheck:      getEnvBool("FLEETWATCH_SIGNATURE_CHECK", true),
		OperatorToken:       getEnv("FLEETWATCH_OPERATOR_TOKEN", ""),
		CredentialCacheSize: getEnvInt("FLEETWATCH_CREDENTIAL_CACHE", 4096),
		LogLevel:            getEnv("FLEETWATCH_LOG_LEVEL", "info"),
	}

	if path := os.Getenv("FLEETWATCH_CONFIG"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	}

	if cfg.SignatureCheck && cfg.SignatureSecret == "" {
		return nil, fmt.Errorf("signature checking enabled but FLEETWATCH_SIGNATURE_SECRET is empty")
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
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}
