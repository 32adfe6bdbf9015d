package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
	"surveyrelay/pkg/types"
)

// Config is the relay's full configuration. Empty Pusher credentials are
// legal: the relay then starts with the connection inactive.
type Config struct {
	Pusher *PusherConfig     `yaml:"pusher" json:"pusher"`
	Auth   *AuthConfig       `yaml:"auth" json:"auth"`
	Survey *SurveyConfig     `yaml:"survey" json:"survey"`
	Store  *StoreConfig      `yaml:"store" json:"store"`
	HTTP   *HTTPConfig       `yaml:"http" json:"http"`
	Log    *LogConfig        `yaml:"log" json:"log"`
	Roster map[string]string `yaml:"roster" json:"roster"`
}

// PusherConfig addresses the hosted channel service.
type PusherConfig struct {
	AppKey  string `yaml:"app_key" json:"app_key"`
	Cluster string `yaml:"cluster" json:"cluster"`
	// Host overrides ws-<cluster>.pusher.com, mainly for tests and proxies.
	Host             string        `yaml:"host" json:"host"`
	Insecure         bool          `yaml:"insecure" json:"insecure"`
	ActivityTimeout  time.Duration `yaml:"activity_timeout" json:"activity_timeout"`
	PongTimeout      time.Duration `yaml:"pong_timeout" json:"pong_timeout"`
	HandshakeTimeout time.Duration `yaml:"handshake_timeout" json:"handshake_timeout"`
}

// AuthConfig addresses the channel authorization backend.
type AuthConfig struct {
	EndpointURL string        `yaml:"endpoint_url" json:"endpoint_url"`
	APIKey      string        `yaml:"api_key" json:"api_key"`
	Timeout     time.Duration `yaml:"timeout" json:"timeout"`
}

// SurveyConfig controls aggregation.
type SurveyConfig struct {
	SessionID           string `yaml:"session_id" json:"session_id"`
	Role                string `yaml:"role" json:"role"`
	CountDistinctOwners bool   `yaml:"count_distinct_owners" json:"count_distinct_owners"`
}

// StoreConfig selects the durable store backend.
type StoreConfig struct {
	Driver  string        `yaml:"driver" json:"driver"`
	Path    string        `yaml:"path" json:"path"`
	Timeout time.Duration `yaml:"timeout" json:"timeout"`
}

// HTTPConfig configures the operator API.
type HTTPConfig struct {
	Host         string        `yaml:"host" json:"host"`
	Port         int           `yaml:"port" json:"port"`
	ReadTimeout  time.Duration `yaml:"read_timeout" json:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout" json:"write_timeout"`
	// OperatorToken, when set, is required as a bearer token on the
	// endpoints that change relay state.
	OperatorToken string `yaml:"operator_token" json:"operator_token"`
}

// LogConfig configures zerolog output.
type LogConfig struct {
	Level string `yaml:"level" json:"level"`
	JSON  bool   `yaml:"json" json:"json"`
}

// Store drivers.
const (
	DriverSQLite = "sqlite"
	DriverBolt   = "bolt"
	DriverMemory = "memory"
)

// DefaultConfig returns the settings used when nothing else is given.
func DefaultConfig() *Config {
	return &Config{
		Pusher: &PusherConfig{
			Cluster:          "us2",
			ActivityTimeout:  120 * time.Second,
			PongTimeout:      30 * time.Second,
			HandshakeTimeout: 10 * time.Second,
		},
		Auth: &AuthConfig{
			Timeout: 10 * time.Second,
		},
		Survey: &SurveyConfig{
			Role: types.RoleAggregator,
		},
		Store: &StoreConfig{
			Driver:  DriverSQLite,
			Path:    "./data/surveyrelay.db",
			Timeout: 30 * time.Second,
		},
		HTTP: &HTTPConfig{
			Host:         "127.0.0.1",
			Port:         8085,
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 30 * time.Second,
		},
		Log: &LogConfig{
			Level: "info",
		},
		Roster: map[string]string{},
	}
}

// Validate rejects configurations the relay cannot run with.
func (c *Config) Validate() error {
	if c.Pusher == nil || c.Auth == nil || c.Survey == nil || c.Store == nil || c.HTTP == nil || c.Log == nil {
		return fmt.Errorf("all configuration sections are required")
	}

	if c.Pusher.ActivityTimeout <= 0 {
		return fmt.Errorf("pusher activity timeout must be positive")
	}
	if c.Pusher.PongTimeout <= 0 {
		return fmt.Errorf("pusher pong timeout must be positive")
	}
	if c.Pusher.HandshakeTimeout <= 0 {
		return fmt.Errorf("pusher handshake timeout must be positive")
	}

	if c.Auth.Timeout <= 0 {
		return fmt.Errorf("auth timeout must be positive")
	}

	if c.Survey.SessionID != "" {
		if _, err := types.ParseSessionID(json.RawMessage(strconv.Quote(c.Survey.SessionID))); err != nil {
			return fmt.Errorf("survey session id %q: %w", c.Survey.SessionID, err)
		}
	}
	switch c.Survey.Role {
	case types.RoleAggregator, types.RoleObserver:
	default:
		return fmt.Errorf("survey role must be %q or %q", types.RoleAggregator, types.RoleObserver)
	}

	switch c.Store.Driver {
	case DriverSQLite, DriverBolt:
		if c.Store.Path == "" {
			return fmt.Errorf("store path cannot be empty for driver %s", c.Store.Driver)
		}
	case DriverMemory:
	default:
		return fmt.Errorf("unknown store driver %q", c.Store.Driver)
	}
	if c.Store.Timeout <= 0 {
		return fmt.Errorf("store timeout must be positive")
	}

	if c.HTTP.Port <= 0 || c.HTTP.Port > 65535 {
		return fmt.Errorf("HTTP port must be between 1 and 65535")
	}
	if c.HTTP.Host == "" {
		return fmt.Errorf("HTTP host cannot be empty")
	}
	if c.HTTP.ReadTimeout <= 0 || c.HTTP.WriteTimeout <= 0 {
		return fmt.Errorf("HTTP timeouts must be positive")
	}

	return nil
}

// LoadFromEnv overlays SURVEYRELAY_* variables on the defaults.
func LoadFromEnv() *Config {
	config := DefaultConfig()
	applyEnv(config)
	return config
}

func applyEnv(config *Config) {
	setString := func(name string, dst *string) {
		if v, ok := os.LookupEnv(name); ok {
			*dst = strings.TrimSpace(v)
		}
	}
	setDuration := func(name string, dst *time.Duration) {
		if v := os.Getenv(name); v != "" {
			if d, err := time.ParseDuration(v); err == nil {
				*dst = d
			}
		}
	}
	setBool := func(name string, dst *bool) {
		if v := os.Getenv(name); v != "" {
			if b, err := strconv.ParseBool(v); err == nil {
				*dst = b
			}
		}
	}

	setString("SURVEYRELAY_PUSHER_APP_KEY", &config.Pusher.AppKey)
	setString("SURVEYRELAY_PUSHER_CLUSTER", &config.Pusher.Cluster)
	setString("SURVEYRELAY_PUSHER_HOST", &config.Pusher.Host)
	setBool("SURVEYRELAY_PUSHER_INSECURE", &config.Pusher.Insecure)
	setDuration("SURVEYRELAY_PUSHER_ACTIVITY_TIMEOUT", &config.Pusher.ActivityTimeout)

	setString("SURVEYRELAY_ENDPOINT_URL", &config.Auth.EndpointURL)
	setString("SURVEYRELAY_API_KEY", &config.Auth.APIKey)
	setDuration("SURVEYRELAY_AUTH_TIMEOUT", &config.Auth.Timeout)

	setString("SURVEYRELAY_SESSION_ID", &config.Survey.SessionID)
	setString("SURVEYRELAY_ROLE", &config.Survey.Role)
	setBool("SURVEYRELAY_COUNT_DISTINCT_OWNERS", &config.Survey.CountDistinctOwners)

	setString("SURVEYRELAY_STORE_DRIVER", &config.Store.Driver)
	setString("SURVEYRELAY_STORE_PATH", &config.Store.Path)

	setString("SURVEYRELAY_HTTP_HOST", &config.HTTP.Host)
	setString("SURVEYRELAY_OPERATOR_TOKEN", &config.HTTP.OperatorToken)
	if port := os.Getenv("SURVEYRELAY_HTTP_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			config.HTTP.Port = p
		}
	}

	setString("SURVEYRELAY_LOG_LEVEL", &config.Log.Level)
	setBool("SURVEYRELAY_LOG_JSON", &config.Log.JSON)
}

// LoadFromFile reads a YAML (or JSON) file on top of the defaults.
func LoadFromFile(path string) (*Config, error) {
	config := DefaultConfig()
	if err := applyFile(config, path); err != nil {
		return nil, err
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration in %s: %w", path, err)
	}
	return config, nil
}

// applyFile decodes into the existing sections so keys absent from the
// file keep their current values. yaml.v3 also parses JSON documents.
func applyFile(config *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, config); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	if config.Roster == nil {
		config.Roster = map[string]string{}
	}
	return nil
}

// LoadConfigWithPrecedence resolves file > environment > defaults.
func LoadConfigWithPrecedence(path string) (*Config, error) {
	config := LoadFromEnv()

	if path != "" {
		if err := applyFile(config, path); err != nil {
			return nil, err
		}
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return config, nil
}
