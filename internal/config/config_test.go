package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setRequiredEnv(t *testing.T) {
	t.Helper()
	t.Setenv("RELAY_SERVER_URL", "wss://app.example.com/ws")
	t.Setenv("RELAY_HEALTH_URL", "https://app.example.com/api/health/db")
	t.Setenv("RELAY_USER_ID", "42")
	t.Setenv("RELAY_USERNAME", "ada")
}

func TestLoad_AllRequired(t *testing.T) {
	setRequiredEnv(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "wss://app.example.com/ws", cfg.ServerURL)
	assert.Equal(t, int64(42), cfg.UserID)
	assert.Equal(t, "ada", cfg.Username)
	assert.Equal(t, "development", cfg.Environment)
	assert.NotEmpty(t, cfg.DeviceName, "device name should default to hostname")
}

func TestLoad_MissingServerURL(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("RELAY_SERVER_URL", "")

	_, err := Load()
	assert.ErrorContains(t, err, "RELAY_SERVER_URL")
}

func TestLoad_RejectsNonWebsocketURL(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("RELAY_SERVER_URL", "https://app.example.com/ws")

	_, err := Load()
	assert.ErrorContains(t, err, "ws:// or wss://")
}

func TestLoad_MissingHealthURL(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("RELAY_HEALTH_URL", "")

	_, err := Load()
	assert.ErrorContains(t, err, "RELAY_HEALTH_URL")
}

func TestLoad_MissingIdentity(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("RELAY_USER_ID", "0")

	_, err := Load()
	assert.ErrorContains(t, err, "RELAY_USER_ID")

	t.Setenv("RELAY_USER_ID", "42")
	t.Setenv("RELAY_USERNAME", "")

	_, err = Load()
	assert.ErrorContains(t, err, "RELAY_USERNAME")
}

func TestLoad_ExplicitDeviceName(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("RELAY_DEVICE_NAME", "ada-laptop")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "ada-laptop", cfg.DeviceName)
}

func TestIsProduction(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("ENVIRONMENT", "production")

	cfg, err := Load()
	require.NoError(t, err)
	assert.True(t, cfg.IsProduction())
}
