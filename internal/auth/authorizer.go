package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"surveyrelay/internal/logging"
	"surveyrelay/internal/metrics"
	"surveyrelay/pkg/interfaces"
	"surveyrelay/pkg/types"
)

const (
	authPath       = "/pusher/auth"
	defaultTimeout = 10 * time.Second
	maxBodyBytes   = 64 << 10
)

// Authorizer performs the per-subscription credential handshake against
// the backend. It keeps no state between calls; the endpoint and key are
// read from settings on every attempt.
type Authorizer struct {
	settings interfaces.SettingsReader
	client   *http.Client
	logger   zerolog.Logger
}

// NewAuthorizer creates an authorizer. A zero timeout uses 10 seconds.
func NewAuthorizer(settings interfaces.SettingsReader, timeout time.Duration) *Authorizer {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Authorizer{
		settings: settings,
		client:   &http.Client{Timeout: timeout},
		logger:   logging.WithComponent("auth"),
	}
}

type authRequest struct {
	SocketID    string `json:"socket_id"`
	ChannelName string `json:"channel_name"`
}

// Authorize exchanges a socket id and channel name for the credential the
// channel service expects. The response body is returned untouched.
func (a *Authorizer) Authorize(ctx context.Context, socketID, channelName string) (json.RawMessage, error) {
	credential, err := a.authorize(ctx, socketID, channelName)
	if err != nil {
		reason := "error"
		var authErr *types.AuthError
		if errors.As(err, &authErr) {
			reason = authErr.Reason.String()
		}
		metrics.AuthRequests.WithLabelValues(reason).Inc()
		a.logger.Warn().Err(err).Str("channel", channelName).Msg("Channel authorization failed")
		return nil, err
	}
	metrics.AuthRequests.WithLabelValues("ok").Inc()
	a.logger.Debug().Str("channel", channelName).Msg("Channel authorized")
	return credential, nil
}

func (a *Authorizer) authorize(ctx context.Context, socketID, channelName string) (json.RawMessage, error) {
	if socketID == "" || channelName == "" {
		return nil, &types.AuthError{Reason: types.AuthNotConfigured, Detail: "socket id and channel name are required"}
	}

	endpoint, err := a.settings.Setting(ctx, types.KeyEndpointURL)
	if err != nil {
		return nil, &types.AuthError{Reason: types.AuthNotConfigured, Err: err}
	}
	endpoint = strings.TrimRight(strings.TrimSpace(endpoint), "/")
	if endpoint == "" {
		return nil, &types.AuthError{Reason: types.AuthNotConfigured, Detail: "endpoint url is not set"}
	}
	apiKey, err := a.settings.Setting(ctx, types.KeyAPIKey)
	if err != nil {
		return nil, &types.AuthError{Reason: types.AuthNotConfigured, Err: err}
	}

	body, err := json.Marshal(authRequest{SocketID: socketID, ChannelName: channelName})
	if err != nil {
		return nil, fmt.Errorf("failed to encode auth request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint+authPath, bytes.NewReader(body))
	if err != nil {
		return nil, &types.AuthError{Reason: types.AuthNotConfigured, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+apiKey)
	}

	timer := metrics.NewTimer(metrics.AuthDuration)
	resp, err := a.client.Do(req)
	timer.ObserveDuration()
	if err != nil {
		return nil, &types.AuthError{Reason: types.AuthNetwork, Err: err}
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, &types.AuthError{Reason: types.AuthNetwork, Status: resp.StatusCode, Err: err}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &types.AuthError{
			Reason: types.AuthRejected,
			Status: resp.StatusCode,
			Detail: strings.TrimSpace(string(payload)),
		}
	}

	var credential map[string]json.RawMessage
	if err := json.Unmarshal(payload, &credential); err != nil || credential == nil {
		return nil, &types.AuthError{
			Reason: types.AuthRejected,
			Status: resp.StatusCode,
			Detail: "credential is not a JSON object",
		}
	}
	return json.RawMessage(payload), nil
}
