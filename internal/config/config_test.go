package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, env, content string) {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config."+env+".json")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	t.Setenv("CONFIG_DIR", dir)
}

func TestLoadFullConfig(t *testing.T) {
	writeConfig(t, "test", `{
		"server": {"host": "127.0.0.1", "port": 9000, "healthPort": 9001, "maxClients": 64},
		"auth": {"tokenRequired": true, "secret": "s3cret", "algorithm": "HS384", "issuer": "iss", "audience": "aud"},
		"rateLimit": {"commandsPerSecond": 10},
		"heartbeat": {"intervalSeconds": 15},
		"stats": {"mongoUri": "mongodb://localhost:27017", "database": "testdb"}
	}`)

	cfg, err := Load("test")
	require.NoError(t, err)

	assert.Equal(t, "test", cfg.Environment)
	assert.Equal(t, "127.0.0.1", cfg.Server.Host)
	assert.Equal(t, 9000, cfg.Server.Port)
	assert.Equal(t, 9001, cfg.Server.HealthPort)
	assert.Equal(t, 64, cfg.Server.MaxClients)
	assert.True(t, cfg.Auth.TokenRequired)
	assert.Equal(t, "HS384", cfg.Auth.Algorithm)
	assert.Equal(t, 10, cfg.RateLimit.CommandsPerSecond)
	assert.Equal(t, 15*time.Second, cfg.HeartbeatInterval())
	assert.Equal(t, "mongodb://localhost:27017", cfg.Stats.MongoURI)
}

func TestLoadAppliesDefaults(t *testing.T) {
	writeConfig(t, "test", `{}`)

	cfg, err := Load("test")
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, 8081, cfg.Server.HealthPort, "health port defaults to port+1")
	assert.Equal(t, 500, cfg.Server.MaxClients)
	assert.Equal(t, "HS256", cfg.Auth.Algorithm)
	assert.Equal(t, 30, cfg.RateLimit.CommandsPerSecond)
	assert.Equal(t, 30, cfg.RateLimit.BurstCooldownMs)
	assert.Equal(t, 10, cfg.RateLimit.MaxBursts)
	assert.Equal(t, 30*time.Second, cfg.HeartbeatInterval())
	assert.Equal(t, 60, cfg.Session.FinishedTTLMinutes)
	assert.Equal(t, 120, cfg.Session.AbandonedTTLMinutes)
	assert.Equal(t, 30, cfg.Matchmaking.TicketTTLMinutes)
	assert.Equal(t, 3, cfg.Matchmaking.MaxTicketsPerHost)
	assert.Equal(t, 2, cfg.Chat.MessagesPerSecond)
	assert.Equal(t, 500, cfg.Chat.RetainedMessages)
	assert.Empty(t, cfg.Stats.MongoURI)
	assert.Equal(t, "liku", cfg.Stats.Database)
}

func TestLoadExpandsEnvVars(t *testing.T) {
	t.Setenv("TEST_TOKEN_SECRET", "from-env")
	writeConfig(t, "test", `{"auth": {"secret": "${TEST_TOKEN_SECRET}"}}`)

	cfg, err := Load("test")
	require.NoError(t, err)
	assert.Equal(t, "from-env", cfg.Auth.Secret)
}

func TestLoadUnsetEnvVarExpandsEmpty(t *testing.T) {
	writeConfig(t, "test", `{"auth": {"secret": "${DEFINITELY_NOT_SET_ANYWHERE}"}}`)

	cfg, err := Load("test")
	require.NoError(t, err)
	assert.Empty(t, cfg.Auth.Secret)
}

func TestLoadMissingFile(t *testing.T) {
	t.Setenv("CONFIG_DIR", t.TempDir())
	_, err := Load("test")
	assert.Error(t, err)
}

func TestLoadInvalidJSON(t *testing.T) {
	writeConfig(t, "test", `{"server": `)
	_, err := Load("test")
	assert.Error(t, err)
}

func TestGetEnv(t *testing.T) {
	t.Setenv("LIKU_ENV", "")
	assert.Equal(t, "dev", GetEnv())

	t.Setenv("LIKU_ENV", "production")
	assert.Equal(t, "production", GetEnv())
}
