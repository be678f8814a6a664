package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func setRequired(t *testing.T) {
	t.Helper()
	t.Setenv("MONGO_URI", "mongodb://localhost:27017")
	t.Setenv("STATE_MANAGER_SECRET", "api-key")
	t.Setenv("SECRETS_ENCRYPTION_KEY", "key")
}

func TestFromEnvDefaults(t *testing.T) {
	setRequired(t)

	cfg, err := FromEnv()
	require.NoError(t, err)
	require.Equal(t, DefaultDatabaseName, cfg.DatabaseName)
	require.Equal(t, DefaultTriggerWorkers, cfg.TriggerWorkers)
	require.Equal(t, DefaultTriggerRetention, cfg.TriggerRetention)
	require.Equal(t, DefaultRunRetention, cfg.RunRetention)
	require.Equal(t, DefaultNodeTimeoutMinutes, cfg.NodeTimeoutMinutes)
}

func TestFromEnvOverrides(t *testing.T) {
	setRequired(t)
	t.Setenv("MONGO_DATABASE_NAME", "workflows")
	t.Setenv("TRIGGER_WORKERS", "4")
	t.Setenv("TRIGGER_RETENTION_DAYS", "7")
	t.Setenv("RUN_TTL_DAYS", "14")
	t.Setenv("NODE_TIMEOUT_MINUTES", "5")

	cfg, err := FromEnv()
	require.NoError(t, err)
	require.Equal(t, "workflows", cfg.DatabaseName)
	require.Equal(t, 4, cfg.TriggerWorkers)
	require.Equal(t, 7*24*time.Hour, cfg.TriggerRetention)
	require.Equal(t, 14*24*time.Hour, cfg.RunRetention)
	require.Equal(t, 5, cfg.NodeTimeoutMinutes)
}

func TestFromEnvRequired(t *testing.T) {
	setRequired(t)
	t.Setenv("MONGO_URI", "")
	_, err := FromEnv()
	require.ErrorContains(t, err, "MONGO_URI")

	setRequired(t)
	t.Setenv("STATE_MANAGER_SECRET", "")
	_, err = FromEnv()
	require.ErrorContains(t, err, "STATE_MANAGER_SECRET")
}

func TestFromEnvRejectsMalformedInt(t *testing.T) {
	setRequired(t)
	t.Setenv("TRIGGER_WORKERS", "many")
	_, err := FromEnv()
	require.Error(t, err)
}

func TestValidateBounds(t *testing.T) {
	setRequired(t)
	t.Setenv("TRIGGER_WORKERS", "0")
	_, err := FromEnv()
	require.ErrorContains(t, err, "TRIGGER_WORKERS")
}
