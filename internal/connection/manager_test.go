package connection

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"surveyrelay/internal/announce"
	"surveyrelay/internal/auth"
	"surveyrelay/internal/dispatch"
	"surveyrelay/internal/pusher"
	"surveyrelay/internal/pusher/pushertest"
	"surveyrelay/pkg/types"
)

type memSettings struct {
	mu     sync.Mutex
	values map[string]string
}

func (s *memSettings) Setting(ctx context.Context, key string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.values[key], nil
}

func (s *memSettings) set(key, value string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[key] = value
}

// slowSettings blocks reads until release is closed.
type slowSettings struct {
	*memSettings
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (s *slowSettings) Setting(ctx context.Context, key string) (string, error) {
	s.once.Do(func() { close(s.entered) })
	<-s.release
	return s.memSettings.Setting(ctx, key)
}

type harness struct {
	server   *pushertest.Server
	backend  *httptest.Server
	settings *memSettings
	history  *announce.History
	manager  *Manager
}

func newHarness(t *testing.T, authStatus int) *harness {
	t.Helper()
	server := pushertest.NewServer()
	t.Cleanup(server.Close)

	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if authStatus != http.StatusOK {
			http.Error(w, "unauthorized", authStatus)
			return
		}
		w.Write([]byte(`{"auth":"key:sig"}`))
	}))
	t.Cleanup(backend.Close)

	settings := &memSettings{values: map[string]string{
		types.KeyPusherAppKey:  "app-key",
		types.KeyPusherCluster: "us2",
		types.KeyEndpointURL:   backend.URL,
		types.KeySessionID:     "42",
	}}
	history := announce.NewHistory(0)
	manager := NewManager(settings, auth.NewAuthorizer(settings, time.Second), dispatch.New(history), history, Options{
		Host:     server.Host(),
		Insecure: true,
	})
	t.Cleanup(manager.Disconnect)

	return &harness{server: server, backend: backend, settings: settings, history: history, manager: manager}
}

func TestManager_ConnectSubscribes(t *testing.T) {
	h := newHarness(t, http.StatusOK)

	require.True(t, h.manager.Connect(context.Background()))
	require.Eventually(t, h.manager.IsConnected, 2*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool { return h.server.Subscribed("private-session-42") }, 2*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool { return h.manager.Snapshot().Subscribed }, 2*time.Second, 10*time.Millisecond)

	snap := h.manager.Snapshot()
	assert.Equal(t, types.StateConnected, snap.State)
	assert.Equal(t, "private-session-42", snap.Channel)
	assert.Equal(t, types.SessionID(42), snap.SessionID)
	assert.NotEmpty(t, snap.SocketID)
	assert.Empty(t, snap.SubscriptionError)
	assert.Len(t, h.history.OfKind(types.KindConnection), 1)
}

func TestManager_MissingAppKey(t *testing.T) {
	h := newHarness(t, http.StatusOK)
	h.settings.set(types.KeyPusherAppKey, "")

	assert.False(t, h.manager.Connect(context.Background()))
	assert.Equal(t, types.StateDisconnected, h.manager.State())
	assert.False(t, h.manager.IsConnected())

	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, h.server.Connections())
	assert.Empty(t, h.server.Subscriptions())

	notices := h.history.OfKind(types.KindConnection)
	require.Len(t, notices, 1)
	assert.Contains(t, notices[0].Message, types.KeyPusherAppKey)
}

func TestManager_MissingOrInvalidSession(t *testing.T) {
	for _, value := range []string{"", "abc", "-3"} {
		h := newHarness(t, http.StatusOK)
		h.settings.set(types.KeySessionID, value)
		assert.False(t, h.manager.Connect(context.Background()), value)
		assert.Zero(t, h.server.Connections())
	}
}

func TestManager_AuthRejectedKeepsTransport(t *testing.T) {
	h := newHarness(t, http.StatusUnauthorized)

	require.True(t, h.manager.Connect(context.Background()))
	require.Eventually(t, func() bool {
		for _, a := range h.history.OfKind(types.KindSubscription) {
			if a.Level == types.LevelWarn {
				return true
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond)

	assert.Equal(t, types.StateConnected, h.manager.State())
	assert.True(t, h.manager.IsConnected())
	assert.Empty(t, h.server.Subscriptions())

	snap := h.manager.Snapshot()
	assert.False(t, snap.Subscribed)
	assert.Contains(t, snap.SubscriptionError, "401")
	assert.Empty(t, snap.LastError)
}

func TestManager_DisconnectIdempotent(t *testing.T) {
	h := newHarness(t, http.StatusOK)
	require.True(t, h.manager.Connect(context.Background()))
	require.Eventually(t, h.manager.IsConnected, 2*time.Second, 10*time.Millisecond)

	h.manager.Disconnect()
	first := h.manager.Snapshot()
	h.manager.Disconnect()
	second := h.manager.Snapshot()

	assert.Equal(t, first, second)
	assert.Equal(t, types.StateDisconnected, second.State)
	assert.Empty(t, second.Channel)
	assert.False(t, h.manager.IsConnected())
	require.Eventually(t, func() bool { return h.server.Connections() == 0 }, 2*time.Second, 10*time.Millisecond)

	closed := 0
	for _, a := range h.history.OfKind(types.KindConnection) {
		if a.Message == "Survey connection closed" {
			closed++
		}
	}
	assert.Equal(t, 1, closed)
}

func TestManager_DisconnectDuringHandshake(t *testing.T) {
	h := newHarness(t, http.StatusOK)
	h.server.Hold()

	require.True(t, h.manager.Connect(context.Background()))
	assert.Equal(t, types.StateConnecting, h.manager.State())
	require.Eventually(t, func() bool { return h.server.Connections() == 1 }, 2*time.Second, 10*time.Millisecond)

	h.manager.Disconnect()
	h.server.Release()

	require.Eventually(t, func() bool { return h.server.Connections() == 0 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, types.StateDisconnected, h.manager.State())
	assert.False(t, h.manager.IsConnected())
}

func TestManager_DisconnectWhileReadingSettings(t *testing.T) {
	h := newHarness(t, http.StatusOK)
	slow := &slowSettings{memSettings: h.settings, entered: make(chan struct{}), release: make(chan struct{})}
	h.manager.settings = slow

	done := make(chan bool)
	go func() { done <- h.manager.Connect(context.Background()) }()

	<-slow.entered
	h.manager.Disconnect()
	close(slow.release)

	assert.False(t, <-done)
	assert.Equal(t, types.StateDisconnected, h.manager.State())
	assert.Zero(t, h.server.Connections())
}

func TestManager_ReconnectReplacesSubscription(t *testing.T) {
	h := newHarness(t, http.StatusOK)
	ctx := context.Background()

	require.True(t, h.manager.Connect(ctx))
	require.Eventually(t, func() bool { return h.server.Subscribed("private-session-42") }, 2*time.Second, 10*time.Millisecond)

	h.settings.set(types.KeySessionID, "43")
	require.True(t, h.manager.Connect(ctx))
	require.Eventually(t, func() bool { return h.server.Subscribed("private-session-43") }, 2*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool { return h.server.Connections() == 1 }, 2*time.Second, 10*time.Millisecond)

	assert.False(t, h.server.Subscribed("private-session-42"))
	assert.Equal(t, "private-session-43", h.manager.Snapshot().Channel)
	require.Eventually(t, h.manager.IsConnected, 2*time.Second, 10*time.Millisecond)
}

func TestManager_ConnectionLostIsReported(t *testing.T) {
	h := newHarness(t, http.StatusOK)
	require.True(t, h.manager.Connect(context.Background()))
	require.Eventually(t, h.manager.IsConnected, 2*time.Second, 10*time.Millisecond)

	h.server.DropConnections()
	require.Eventually(t, func() bool { return h.manager.State() == types.StateDisconnected }, 2*time.Second, 10*time.Millisecond)
	assert.False(t, h.manager.IsConnected())

	var lost bool
	for _, a := range h.history.OfKind(types.KindConnection) {
		if a.Level == types.LevelWarn {
			lost = true
		}
	}
	assert.True(t, lost)

	// no automatic reconnect
	time.Sleep(100 * time.Millisecond)
	assert.Zero(t, h.server.Connections())
}

func TestManager_DialErrorReported(t *testing.T) {
	h := newHarness(t, http.StatusOK)
	h.server.Close()

	require.True(t, h.manager.Connect(context.Background()))
	require.Eventually(t, func() bool { return h.manager.State() == types.StateErrored }, 3*time.Second, 10*time.Millisecond)
	assert.NotEmpty(t, h.manager.Snapshot().LastError)
}

func TestManager_IsConnectedChecksTransport(t *testing.T) {
	h := newHarness(t, http.StatusOK)
	require.True(t, h.manager.Connect(context.Background()))
	require.Eventually(t, h.manager.IsConnected, 2*time.Second, 10*time.Millisecond)

	// the transport goes away without telling the manager
	h.manager.mu.Lock()
	client := h.manager.client
	h.manager.mu.Unlock()
	client.Disconnect()

	assert.Equal(t, pusher.StateDisconnected, client.State())
	assert.False(t, h.manager.IsConnected())
}
