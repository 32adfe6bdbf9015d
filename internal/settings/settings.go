package settings

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"surveyrelay/internal/config"
	"surveyrelay/pkg/interfaces"
	"surveyrelay/pkg/types"
)

// Reader resolves configuration keys from the store first and falls
// back to the process configuration. The relay never writes these keys;
// operator tooling does.
type Reader struct {
	store    interfaces.KeyValueStore
	defaults map[string]string
}

// NewReader builds a reader over store with cfg as fallback.
func NewReader(store interfaces.KeyValueStore, cfg *config.Config) *Reader {
	return &Reader{
		store: store,
		defaults: map[string]string{
			types.KeyPusherAppKey:  cfg.Pusher.AppKey,
			types.KeyPusherCluster: cfg.Pusher.Cluster,
			types.KeyEndpointURL:   cfg.Auth.EndpointURL,
			types.KeyAPIKey:        cfg.Auth.APIKey,
			types.KeySessionID:     cfg.Survey.SessionID,
		},
	}
}

// Setting returns the value for key, or "" when unset everywhere.
func (r *Reader) Setting(ctx context.Context, key string) (string, error) {
	raw, err := r.store.Get(ctx, key)
	if errors.Is(err, interfaces.ErrKeyNotFound) {
		return r.defaults[key], nil
	}
	if err != nil {
		return "", &types.PersistenceError{Op: "get", Key: key, Err: err}
	}

	value := decode(raw)
	if value == "" {
		return r.defaults[key], nil
	}
	return value, nil
}

// decode accepts JSON strings, numbers or bare text.
func decode(raw []byte) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return strings.TrimSpace(s)
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		return n.String()
	}
	text := strings.TrimSpace(string(raw))
	if text == "null" {
		return ""
	}
	return text
}

// Encode renders a setting value the way Setting reads it back.
func Encode(value string) []byte {
	data, _ := json.Marshal(value)
	return data
}

// SessionID resolves the sessionId key as a normalized identifier.
func SessionID(ctx context.Context, r interfaces.SettingsReader) (types.SessionID, error) {
	raw, err := r.Setting(ctx, types.KeySessionID)
	if err != nil {
		return types.NoSession, err
	}
	if raw == "" {
		return types.NoSession, nil
	}
	quoted, _ := json.Marshal(raw)
	return types.ParseSessionID(quoted)
}
