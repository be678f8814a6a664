// Package config loads the process-wide configuration from the environment.
// Configuration is read once at startup and treated as immutable afterwards.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"
)

// Defaults applied when the corresponding environment variable is unset.
const (
	DefaultDatabaseName       = "exosphere-state-manager"
	DefaultTriggerWorkers     = 1
	DefaultTriggerRetention   = 30 * 24 * time.Hour
	DefaultRunRetention       = 30 * 24 * time.Hour
	DefaultNodeTimeoutMinutes = 30
)

// Config holds the state manager configuration.
type Config struct {
	// MongoURI is the MongoDB connection string.
	MongoURI string
	// DatabaseName is the MongoDB database holding all collections.
	DatabaseName string
	// StateManagerSecret is the API key runtimes must present.
	StateManagerSecret string
	// SecretsEncryptionKey is the URL-safe base64 AES-GCM-256 key used to
	// encrypt graph secrets at rest.
	SecretsEncryptionKey string
	// TriggerWorkers is the number of concurrent workers per cron tick.
	TriggerWorkers int
	// TriggerRetention is how long terminal trigger rows are kept.
	TriggerRetention time.Duration
	// RunRetention is how long runs and their states are kept.
	RunRetention time.Duration
	// NodeTimeoutMinutes is the default per-node execution timeout applied
	// when neither the state nor the registered node carries one.
	NodeTimeoutMinutes int
}

// FromEnv reads the configuration from the environment.
func FromEnv() (Config, error) {
	cfg := Config{
		MongoURI:             os.Getenv("MONGO_URI"),
		DatabaseName:         envOr("MONGO_DATABASE_NAME", DefaultDatabaseName),
		StateManagerSecret:   os.Getenv("STATE_MANAGER_SECRET"),
		SecretsEncryptionKey: os.Getenv("SECRETS_ENCRYPTION_KEY"),
	}

	var err error
	if cfg.TriggerWorkers, err = envInt("TRIGGER_WORKERS", DefaultTriggerWorkers); err != nil {
		return Config{}, err
	}
	if days, err := envInt("TRIGGER_RETENTION_DAYS", 30); err != nil {
		return Config{}, err
	} else {
		cfg.TriggerRetention = time.Duration(days) * 24 * time.Hour
	}
	if days, err := envInt("RUN_TTL_DAYS", 30); err != nil {
		return Config{}, err
	} else {
		cfg.RunRetention = time.Duration(days) * 24 * time.Hour
	}
	if cfg.NodeTimeoutMinutes, err = envInt("NODE_TIMEOUT_MINUTES", DefaultNodeTimeoutMinutes); err != nil {
		return Config{}, err
	}

	return cfg, cfg.Validate()
}

// Validate checks that required settings are present and sane.
func (c Config) Validate() error {
	if c.MongoURI == "" {
		return errors.New("MONGO_URI is required")
	}
	if c.StateManagerSecret == "" {
		return errors.New("STATE_MANAGER_SECRET is required")
	}
	if c.SecretsEncryptionKey == "" {
		return errors.New("SECRETS_ENCRYPTION_KEY is required")
	}
	if c.TriggerWorkers < 1 {
		return fmt.Errorf("TRIGGER_WORKERS must be at least 1, got %d", c.TriggerWorkers)
	}
	if c.TriggerRetention <= 0 {
		return errors.New("TRIGGER_RETENTION_DAYS must be positive")
	}
	if c.RunRetention <= 0 {
		return errors.New("RUN_TTL_DAYS must be positive")
	}
	if c.NodeTimeoutMinutes <= 0 {
		return errors.New("NODE_TIMEOUT_MINUTES must be positive")
	}
	return nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return n, nil
}
