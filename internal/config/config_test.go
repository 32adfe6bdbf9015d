package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestConfig_DefaultConfig(t *testing.T) {
	config := DefaultConfig()
	require.NoError(t, config.Validate())

	assert.Equal(t, "us2", config.Pusher.Cluster)
	assert.Empty(t, config.Pusher.AppKey, "credentials are optional")
	assert.Equal(t, 10*time.Second, config.Auth.Timeout)
	assert.Equal(t, DriverSQLite, config.Store.Driver)
	assert.Equal(t, "aggregator", config.Survey.Role)
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad port", func(c *Config) { c.HTTP.Port = -1 }},
		{"empty host", func(c *Config) { c.HTTP.Host = "" }},
		{"unknown driver", func(c *Config) { c.Store.Driver = "postgres" }},
		{"empty sqlite path", func(c *Config) { c.Store.Path = "" }},
		{"unknown role", func(c *Config) { c.Survey.Role = "player" }},
		{"bad session id", func(c *Config) { c.Survey.SessionID = "not-a-number" }},
		{"zero auth timeout", func(c *Config) { c.Auth.Timeout = 0 }},
		{"missing section", func(c *Config) { c.Pusher = nil }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := DefaultConfig()
			tt.mutate(config)
			assert.Error(t, config.Validate())
		})
	}

	t.Run("memory store needs no path", func(t *testing.T) {
		config := DefaultConfig()
		config.Store.Driver = DriverMemory
		config.Store.Path = ""
		assert.NoError(t, config.Validate())
	})
}

func TestConfig_LoadFromEnv(t *testing.T) {
	t.Setenv("SURVEYRELAY_PUSHER_APP_KEY", "app-key")
	t.Setenv("SURVEYRELAY_PUSHER_CLUSTER", "eu")
	t.Setenv("SURVEYRELAY_ENDPOINT_URL", "https://reports.example.com/")
	t.Setenv("SURVEYRELAY_SESSION_ID", "42")
	t.Setenv("SURVEYRELAY_HTTP_PORT", "9090")
	t.Setenv("SURVEYRELAY_AUTH_TIMEOUT", "3s")
	t.Setenv("SURVEYRELAY_COUNT_DISTINCT_OWNERS", "true")
	t.Setenv("SURVEYRELAY_OPERATOR_TOKEN", "s3cret")

	config := LoadFromEnv()

	assert.Equal(t, "app-key", config.Pusher.AppKey)
	assert.Equal(t, "eu", config.Pusher.Cluster)
	assert.Equal(t, "https://reports.example.com/", config.Auth.EndpointURL)
	assert.Equal(t, "42", config.Survey.SessionID)
	assert.Equal(t, 9090, config.HTTP.Port)
	assert.Equal(t, 3*time.Second, config.Auth.Timeout)
	assert.True(t, config.Survey.CountDistinctOwners)
	assert.Equal(t, "s3cret", config.HTTP.OperatorToken)
}

func TestConfig_LoadFromFileYAML(t *testing.T) {
	path := writeFile(t, "relay.yaml", `
pusher:
  app_key: yaml-key
  cluster: ap1
auth:
  endpoint_url: https://reports.example.com
  timeout: 5s
survey:
  session_id: "7"
store:
  driver: bolt
  path: /tmp/relay.bolt
roster:
  u1: Alice
`)

	config, err := LoadFromFile(path)
	require.NoError(t, err)

	assert.Equal(t, "yaml-key", config.Pusher.AppKey)
	assert.Equal(t, "ap1", config.Pusher.Cluster)
	assert.Equal(t, 5*time.Second, config.Auth.Timeout)
	assert.Equal(t, DriverBolt, config.Store.Driver)
	assert.Equal(t, "Alice", config.Roster["u1"])
	// untouched keys keep defaults
	assert.Equal(t, 120*time.Second, config.Pusher.ActivityTimeout)
	assert.Equal(t, 8085, config.HTTP.Port)
}

func TestConfig_LoadFromFileJSON(t *testing.T) {
	path := writeFile(t, "relay.json", `{"pusher": {"app_key": "json-key"}, "http": {"port": 9191}}`)

	config, err := LoadFromFile(path)
	require.NoError(t, err)
	assert.Equal(t, "json-key", config.Pusher.AppKey)
	assert.Equal(t, 9191, config.HTTP.Port)
}

func TestConfig_LoadFromFileErrors(t *testing.T) {
	_, err := LoadFromFile(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	_, err = LoadFromFile(writeFile(t, "bad.yaml", "pusher: [unclosed"))
	assert.Error(t, err)

	_, err = LoadFromFile(writeFile(t, "invalid.yaml", "http:\n  port: 70000\n"))
	assert.Error(t, err)
}

func TestConfig_LoadConfigWithPrecedence(t *testing.T) {
	t.Setenv("SURVEYRELAY_PUSHER_APP_KEY", "env-key")
	t.Setenv("SURVEYRELAY_PUSHER_CLUSTER", "env-cluster")
	path := writeFile(t, "relay.yaml", "pusher:\n  app_key: file-key\n")

	config, err := LoadConfigWithPrecedence(path)
	require.NoError(t, err)
	assert.Equal(t, "file-key", config.Pusher.AppKey, "file wins over env")
	assert.Equal(t, "env-cluster", config.Pusher.Cluster, "env wins over defaults")

	config, err = LoadConfigWithPrecedence("")
	require.NoError(t, err)
	assert.Equal(t, "env-key", config.Pusher.AppKey)
}
