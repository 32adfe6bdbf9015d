package pusher

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"time"
)

const (
	ProtocolVersion = 7
	ClientName      = "surveyrelay-go"
	ClientVersion   = "1.0.0"

	defaultHost = "ws-%s.pusher.com"
)

// Protocol events.
const (
	EventConnectionEstablished = "pusher:connection_established"
	EventError                 = "pusher:error"
	EventPing                  = "pusher:ping"
	EventPong                  = "pusher:pong"
	EventSubscribe             = "pusher:subscribe"
	EventUnsubscribe           = "pusher:unsubscribe"
	EventSubscriptionSucceeded = "pusher:subscription_succeeded"
	EventSubscriptionError     = "pusher:subscription_error"

	internalSubscriptionSucceeded = "pusher_internal:subscription_succeeded"
)

// Connection-level events delivered to Client.Bind handlers.
const (
	ConnectionConnected    = "connected"
	ConnectionDisconnected = "disconnected"
	ConnectionError        = "error"
)

// Frame is one protocol message in either direction.
type Frame struct {
	Event   string          `json:"event"`
	Channel string          `json:"channel,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}

type connectionEstablished struct {
	SocketID        string `json:"socket_id"`
	ActivityTimeout int    `json:"activity_timeout"`
}

type subscribeData struct {
	Channel     string `json:"channel"`
	Auth        string `json:"auth,omitempty"`
	ChannelData string `json:"channel_data,omitempty"`
}

type credential struct {
	Auth        string `json:"auth"`
	ChannelData string `json:"channel_data,omitempty"`
}

// ErrorData is the payload of pusher:error frames.
type ErrorData struct {
	Message string `json:"message"`
	Code    int    `json:"code"`
}

// SubscriptionErrorData is delivered with pusher:subscription_error.
type SubscriptionErrorData struct {
	Type   string `json:"type"`
	Error  string `json:"error"`
	Status int    `json:"status"`
}

// endpoint builds the websocket URL for appKey.
func endpoint(appKey string, opts Options) string {
	host := opts.Host
	if host == "" {
		host = fmt.Sprintf(defaultHost, opts.Cluster)
	}
	scheme := "wss"
	if opts.Insecure {
		scheme = "ws"
	}

	query := url.Values{}
	query.Set("protocol", strconv.Itoa(ProtocolVersion))
	query.Set("client", ClientName)
	query.Set("version", ClientVersion)
	query.Set("flash", "false")

	u := url.URL{
		Scheme:   scheme,
		Host:     host,
		Path:     "/app/" + url.PathEscape(appKey),
		RawQuery: query.Encode(),
	}
	return u.String()
}

// unwrapData returns the JSON document carried by data. The service sends
// most payloads as a JSON string holding JSON; data that is a string but
// not JSON is returned as the original quoted string.
func unwrapData(data json.RawMessage) json.RawMessage {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || data[0] != '"' {
		return data
	}
	var inner string
	if err := json.Unmarshal(data, &inner); err != nil {
		return data
	}
	if json.Valid([]byte(inner)) {
		return json.RawMessage(inner)
	}
	return data
}

func parseEstablished(data json.RawMessage) (connectionEstablished, error) {
	var est connectionEstablished
	if err := json.Unmarshal(unwrapData(data), &est); err != nil {
		return est, fmt.Errorf("%w: %v", ErrBadHandshake, err)
	}
	if est.SocketID == "" {
		return est, fmt.Errorf("%w: missing socket_id", ErrBadHandshake)
	}
	return est, nil
}

// activityTimeout picks the smaller of the client and server values.
func activityTimeout(client time.Duration, serverSeconds int) time.Duration {
	if serverSeconds <= 0 {
		return client
	}
	server := time.Duration(serverSeconds) * time.Second
	if client <= 0 || server < client {
		return server
	}
	return client
}

func mustJSON(v interface{}) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage(`null`)
	}
	return data
}
