package connection

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"surveyrelay/internal/announce"
	"surveyrelay/internal/logging"
	"surveyrelay/internal/metrics"
	"surveyrelay/internal/pusher"
	"surveyrelay/internal/settings"
	"surveyrelay/pkg/interfaces"
	"surveyrelay/pkg/types"
)

// Binder attaches event handlers to a freshly created channel.
type Binder interface {
	Bind(ch *pusher.Channel)
}

// Options carry transport tuning that does not live in settings.
type Options struct {
	Host             string
	Insecure         bool
	ActivityTimeout  time.Duration
	PongTimeout      time.Duration
	HandshakeTimeout time.Duration
}

// Manager owns the one live transport and its private channel.
//
// Each Connect or Disconnect bumps generation. Transport callbacks carry
// the generation they were registered under and are dropped once it is
// stale, so a torn-down client can never move the state.
type Manager struct {
	settings   interfaces.SettingsReader
	authorizer interfaces.ChannelAuthorizer
	binder     Binder
	sink       interfaces.AnnouncementSink
	opts       Options
	logger     zerolog.Logger

	mu         sync.Mutex
	state      types.ConnectionState
	connected  bool
	client     *pusher.Client
	channel    *pusher.Channel
	sessionID  types.SessionID
	generation uint64
	lastError  string
}

// Snapshot is a point-in-time view for the operator API.
type Snapshot struct {
	State      types.ConnectionState `json:"state"`
	Connected  bool                  `json:"connected"`
	Channel    string                `json:"channel,omitempty"`
	Subscribed bool                  `json:"subscribed"`
	SocketID   string                `json:"socketId,omitempty"`
	SessionID  types.SessionID       `json:"sessionId,omitempty"`
	LastError  string                `json:"lastError,omitempty"`
	// SubscriptionError is set while the channel subscription is
	// rejected. The transport may still be connected.
	SubscriptionError string `json:"subscriptionError,omitempty"`
}

// NewManager creates a disconnected manager.
func NewManager(settings interfaces.SettingsReader, authorizer interfaces.ChannelAuthorizer, binder Binder, sink interfaces.AnnouncementSink, opts Options) *Manager {
	m := &Manager{
		settings:   settings,
		authorizer: authorizer,
		binder:     binder,
		sink:       sink,
		opts:       opts,
		logger:     logging.WithComponent("connection"),
		state:      types.StateDisconnected,
	}
	metrics.ConnectionState.Set(float64(types.StateDisconnected))
	return m
}

// Connect tears down any existing transport and starts a new one for the
// configured session. It returns false without error when settings are
// incomplete. A true result means the attempt started; the outcome
// arrives through transport events.
func (m *Manager) Connect(ctx context.Context) bool {
	m.mu.Lock()
	startGen := m.generation
	m.mu.Unlock()

	cfg, err := m.resolve(ctx)
	if err != nil {
		m.logger.Warn().Err(err).Msg("Survey connection not started")
		m.sink.Announce(ctx, announce.Notice(types.KindConnection, types.LevelWarn, "Survey connection inactive: %v", err))
		return false
	}

	client := pusher.NewClient(cfg.appKey, pusher.Options{
		Cluster:          cfg.cluster,
		Host:             m.opts.Host,
		Insecure:         m.opts.Insecure,
		ActivityTimeout:  m.opts.ActivityTimeout,
		PongTimeout:      m.opts.PongTimeout,
		HandshakeTimeout: m.opts.HandshakeTimeout,
		Authorizer:       m.authorizer,
	})

	m.mu.Lock()
	if m.generation != startGen {
		// Disconnect ran while settings were being read
		m.mu.Unlock()
		m.logger.Info().Msg("Connect abandoned, disconnected meanwhile")
		return false
	}
	oldClient, oldChannel := m.client, m.channel
	m.generation++
	gen := m.generation

	client.Bind(pusher.ConnectionConnected, func(data json.RawMessage) { m.onConnected(gen, data) })
	client.Bind(pusher.ConnectionDisconnected, func(data json.RawMessage) { m.onDisconnected(gen, data) })
	client.Bind(pusher.ConnectionError, func(data json.RawMessage) { m.onError(gen, data) })

	channel := client.Subscribe(cfg.sessionID.ChannelName())
	m.binder.Bind(channel)

	m.client = client
	m.channel = channel
	m.sessionID = cfg.sessionID
	m.connected = false
	m.lastError = ""
	m.setState(types.StateConnecting)
	m.mu.Unlock()

	if oldClient != nil {
		m.teardown(oldClient, oldChannel)
	}

	if err := client.Connect(); err != nil {
		m.mu.Lock()
		stale := m.generation != gen
		if !stale {
			m.lastError = err.Error()
			m.setState(types.StateErrored)
		}
		m.mu.Unlock()
		if stale {
			return false
		}
		m.logger.Error().Err(err).Msg("Failed to start transport")
		m.sink.Announce(ctx, announce.Notice(types.KindConnection, types.LevelError, "Survey connection error: %v", err))
		return false
	}

	m.logger.Info().Str("channel", channel.Name()).Str("cluster", cfg.cluster).Msg("Connecting to survey channel")
	return true
}

// Disconnect unbinds, unsubscribes and closes the transport. Every step
// runs even if an earlier one fails, and the manager always ends up
// Disconnected. Calling it again is a no-op.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	client, channel := m.client, m.channel
	m.generation++
	m.client = nil
	m.channel = nil
	m.connected = false
	m.sessionID = types.NoSession
	m.setState(types.StateDisconnected)
	m.mu.Unlock()

	if client == nil {
		return
	}
	m.teardown(client, channel)
	m.logger.Info().Msg("Survey connection closed")
	m.sink.Announce(context.Background(), announce.Notice(types.KindConnection, types.LevelInfo, "Survey connection closed"))
}

func (m *Manager) teardown(client *pusher.Client, channel *pusher.Channel) {
	if channel != nil {
		m.bestEffort("unbind", channel.UnbindAll)
		m.bestEffort("unsubscribe", func() { client.Unsubscribe(channel.Name()) })
	}
	m.bestEffort("disconnect", client.Disconnect)
}

func (m *Manager) bestEffort(step string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error().Str("step", step).Interface("panic", r).Msg("Teardown step failed")
		}
	}()
	fn()
}

// IsConnected requires both our flag and the transport to agree.
func (m *Manager) IsConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected && m.client != nil && m.client.State() == pusher.StateConnected
}

// State returns the manager's connection state.
func (m *Manager) State() types.ConnectionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Snapshot returns the current view for status endpoints.
func (m *Manager) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := Snapshot{
		State:     m.state,
		SessionID: m.sessionID,
		LastError: m.lastError,
	}
	if m.client != nil {
		s.Connected = m.connected && m.client.State() == pusher.StateConnected
		s.SocketID = m.client.SocketID()
	}
	if m.channel != nil {
		s.Channel = m.channel.Name()
		s.Subscribed = m.channel.Subscribed()
		if err := m.channel.Err(); err != nil {
			s.SubscriptionError = err.Error()
		}
	}
	return s
}

func (m *Manager) onConnected(gen uint64, data json.RawMessage) {
	m.mu.Lock()
	if gen != m.generation {
		m.mu.Unlock()
		return
	}
	m.connected = true
	m.lastError = ""
	m.setState(types.StateConnected)
	channel := m.channel.Name()
	m.mu.Unlock()

	m.logger.Info().Str("channel", channel).Msg("Survey connection established")
	m.sink.Announce(context.Background(), announce.Notice(types.KindConnection, types.LevelInfo, "Survey connection established"))
}

func (m *Manager) onDisconnected(gen uint64, data json.RawMessage) {
	m.mu.Lock()
	if gen != m.generation {
		m.mu.Unlock()
		return
	}
	m.connected = false
	m.lastError = eventMessage(data)
	m.setState(types.StateDisconnected)
	m.mu.Unlock()

	m.logger.Warn().Str("reason", eventMessage(data)).Msg("Survey connection lost")
	m.sink.Announce(context.Background(), announce.Notice(types.KindConnection, types.LevelWarn,
		"Survey connection lost; reconnect from the operator console"))
}

func (m *Manager) onError(gen uint64, data json.RawMessage) {
	m.mu.Lock()
	if gen != m.generation {
		m.mu.Unlock()
		return
	}
	m.connected = false
	m.lastError = eventMessage(data)
	m.setState(types.StateErrored)
	m.mu.Unlock()

	m.logger.Error().Str("reason", eventMessage(data)).Msg("Survey connection error")
	m.sink.Announce(context.Background(), announce.Notice(types.KindConnection, types.LevelError,
		"Survey connection error: %s", eventMessage(data)))
}

// setState must be called with mu held.
func (m *Manager) setState(state types.ConnectionState) {
	m.state = state
	metrics.ConnectionState.Set(float64(state))
}

type resolved struct {
	appKey    string
	cluster   string
	sessionID types.SessionID
}

// resolve reads the connection settings, reporting every missing one.
func (m *Manager) resolve(ctx context.Context) (resolved, error) {
	var cfg resolved
	var missing []string

	appKey, err := m.settings.Setting(ctx, types.KeyPusherAppKey)
	if err != nil {
		return cfg, err
	}
	cluster, err := m.settings.Setting(ctx, types.KeyPusherCluster)
	if err != nil {
		return cfg, err
	}
	if appKey == "" {
		missing = append(missing, types.KeyPusherAppKey)
	}
	if cluster == "" && m.opts.Host == "" {
		missing = append(missing, types.KeyPusherCluster)
	}

	sessionID, err := settings.SessionID(ctx, m.settings)
	if err != nil {
		return cfg, fmt.Errorf("%s: %w", types.KeySessionID, err)
	}
	if !sessionID.Valid() {
		missing = append(missing, types.KeySessionID)
	}

	if len(missing) > 0 {
		return cfg, &types.ConfigurationError{Missing: missing}
	}
	return resolved{appKey: appKey, cluster: cluster, sessionID: sessionID}, nil
}

func eventMessage(data json.RawMessage) string {
	var payload struct {
		Message string `json:"message"`
		Error   string `json:"error"`
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		return ""
	}
	if payload.Message != "" {
		return payload.Message
	}
	return payload.Error
}
