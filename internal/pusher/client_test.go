package pusher

import (
	"context"
	"encoding/json"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"surveyrelay/internal/pusher/pushertest"
	"surveyrelay/pkg/types"
)

type stubAuthorizer struct {
	mu    sync.Mutex
	calls []string
	err   error
}

func (a *stubAuthorizer) Authorize(ctx context.Context, socketID, channelName string) (json.RawMessage, error) {
	a.mu.Lock()
	a.calls = append(a.calls, socketID+"|"+channelName)
	err := a.err
	a.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return json.RawMessage(`{"auth":"key:sig"}`), nil
}

func (a *stubAuthorizer) Calls() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.calls...)
}

type recorder struct {
	mu     sync.Mutex
	events map[string][]json.RawMessage
}

func newRecorder() *recorder {
	return &recorder{events: make(map[string][]json.RawMessage)}
}

func (r *recorder) handler(event string) Handler {
	return func(data json.RawMessage) {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.events[event] = append(r.events[event], data)
	}
}

func (r *recorder) count(event string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events[event])
}

func (r *recorder) last(event string) json.RawMessage {
	r.mu.Lock()
	defer r.mu.Unlock()
	list := r.events[event]
	if len(list) == 0 {
		return nil
	}
	return list[len(list)-1]
}

func newTestClient(server *pushertest.Server, auth *stubAuthorizer) *Client {
	opts := Options{
		Host:     server.Host(),
		Insecure: true,
	}
	if auth != nil {
		opts.Authorizer = auth
	}
	return NewClient("app-key", opts)
}

func TestEndpoint(t *testing.T) {
	raw := endpoint("abc", Options{Cluster: "eu"})
	u, err := url.Parse(raw)
	require.NoError(t, err)

	assert.Equal(t, "wss", u.Scheme)
	assert.Equal(t, "ws-eu.pusher.com", u.Host)
	assert.Equal(t, "/app/abc", u.Path)
	assert.Equal(t, "7", u.Query().Get("protocol"))
	assert.Equal(t, ClientName, u.Query().Get("client"))

	raw = endpoint("abc", Options{Host: "localhost:9000", Insecure: true})
	u, err = url.Parse(raw)
	require.NoError(t, err)
	assert.Equal(t, "ws", u.Scheme)
	assert.Equal(t, "localhost:9000", u.Host)
}

func TestUnwrapData(t *testing.T) {
	assert.JSONEq(t, `{"a":1}`, string(unwrapData(json.RawMessage(`"{\"a\":1}"`))))
	assert.JSONEq(t, `{"a":1}`, string(unwrapData(json.RawMessage(`{"a":1}`))))
	assert.Equal(t, `"plain text"`, string(unwrapData(json.RawMessage(`"plain text"`))))
}

func TestActivityTimeout(t *testing.T) {
	assert.Equal(t, 30*time.Second, activityTimeout(120*time.Second, 30))
	assert.Equal(t, 60*time.Second, activityTimeout(60*time.Second, 120))
	assert.Equal(t, 60*time.Second, activityTimeout(60*time.Second, 0))
}

func TestClient_MissingAppKey(t *testing.T) {
	c := NewClient("", Options{})
	assert.ErrorIs(t, c.Connect(), ErrMissingAppKey)
	assert.Equal(t, StateInitialized, c.State())
}

func TestClient_ConnectAndSubscribe(t *testing.T) {
	server := pushertest.NewServer()
	defer server.Close()

	auth := &stubAuthorizer{}
	c := newTestClient(server, auth)
	conn := newRecorder()
	c.Bind(ConnectionConnected, conn.handler(ConnectionConnected))

	ch := c.Subscribe("private-session-7")
	events := newRecorder()
	ch.Bind(EventSubscriptionSucceeded, events.handler(EventSubscriptionSucceeded))
	ch.Bind("client-survey-completed", events.handler("client-survey-completed"))

	require.NoError(t, c.Connect())
	assert.ErrorIs(t, c.Connect(), ErrAlreadyStarted)

	require.Eventually(t, func() bool { return c.State() == StateConnected }, 2*time.Second, 10*time.Millisecond)
	require.Eventually(t, ch.Subscribed, 2*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool { return events.count(EventSubscriptionSucceeded) == 1 }, 2*time.Second, 10*time.Millisecond)

	assert.NoError(t, ch.Err())
	assert.Equal(t, 1, conn.count(ConnectionConnected))
	assert.Equal(t, []string{"app-key"}, server.AppKeys())
	assert.Equal(t, []string{c.SocketID() + "|private-session-7"}, auth.Calls())

	subs := server.Subscriptions()
	require.Len(t, subs, 1)
	assert.Equal(t, "private-session-7", subs[0].Channel)
	assert.Equal(t, "key:sig", subs[0].Auth)

	server.Trigger("private-session-7", "client-survey-completed", map[string]interface{}{"ownerId": "u1", "sessionId": 7})
	require.Eventually(t, func() bool { return events.count("client-survey-completed") == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.JSONEq(t, `{"ownerId":"u1","sessionId":7}`, string(events.last("client-survey-completed")))

	server.TriggerRaw("private-session-7", "client-survey-completed", json.RawMessage(`{"ownerId":"u2"}`))
	require.Eventually(t, func() bool { return events.count("client-survey-completed") == 2 }, 2*time.Second, 10*time.Millisecond)
	assert.JSONEq(t, `{"ownerId":"u2"}`, string(events.last("client-survey-completed")))

	c.Disconnect()
	assert.Equal(t, StateDisconnected, c.State())
	assert.False(t, ch.Subscribed())
}

func TestClient_AuthFailureKeepsConnection(t *testing.T) {
	server := pushertest.NewServer()
	defer server.Close()

	auth := &stubAuthorizer{err: &types.AuthError{Reason: types.AuthRejected, Status: 401}}
	c := newTestClient(server, auth)
	ch := c.Subscribe("private-session-7")
	events := newRecorder()
	ch.Bind(EventSubscriptionError, events.handler(EventSubscriptionError))

	require.NoError(t, c.Connect())
	require.Eventually(t, func() bool { return events.count(EventSubscriptionError) == 1 }, 2*time.Second, 10*time.Millisecond)

	var payload SubscriptionErrorData
	require.NoError(t, json.Unmarshal(events.last(EventSubscriptionError), &payload))
	assert.Equal(t, "AuthError", payload.Type)
	assert.Equal(t, 401, payload.Status)

	assert.Equal(t, StateConnected, c.State())
	assert.False(t, ch.Subscribed())
	var authErr *types.AuthError
	require.ErrorAs(t, ch.Err(), &authErr)
	assert.Equal(t, 401, authErr.Status)
	assert.Empty(t, server.Subscriptions())
	assert.Len(t, auth.Calls(), 1)
	c.Disconnect()
}

func TestClient_NoAuthorizer(t *testing.T) {
	server := pushertest.NewServer()
	defer server.Close()

	c := newTestClient(server, nil)
	ch := c.Subscribe("private-session-1")
	events := newRecorder()
	ch.Bind(EventSubscriptionError, events.handler(EventSubscriptionError))

	require.NoError(t, c.Connect())
	require.Eventually(t, func() bool { return events.count(EventSubscriptionError) == 1 }, 2*time.Second, 10*time.Millisecond)
	c.Disconnect()
}

func TestClient_SubscribeAfterConnect(t *testing.T) {
	server := pushertest.NewServer()
	defer server.Close()

	c := newTestClient(server, &stubAuthorizer{})
	require.NoError(t, c.Connect())
	require.Eventually(t, func() bool { return c.State() == StateConnected }, 2*time.Second, 10*time.Millisecond)

	ch := c.Subscribe("private-session-3")
	assert.Same(t, ch, c.Subscribe("private-session-3"))
	require.Eventually(t, ch.Subscribed, 2*time.Second, 10*time.Millisecond)

	c.Unsubscribe("private-session-3")
	assert.False(t, ch.Subscribed())
	_, ok := c.Channel("private-session-3")
	assert.False(t, ok)
	require.Eventually(t, func() bool { return !server.Subscribed("private-session-3") }, 2*time.Second, 10*time.Millisecond)
	c.Disconnect()
}

func TestClient_ServerDropEmitsDisconnected(t *testing.T) {
	server := pushertest.NewServer()
	defer server.Close()

	c := newTestClient(server, &stubAuthorizer{})
	events := newRecorder()
	c.Bind(ConnectionDisconnected, events.handler(ConnectionDisconnected))
	require.NoError(t, c.Connect())
	require.Eventually(t, func() bool { return c.State() == StateConnected }, 2*time.Second, 10*time.Millisecond)

	server.DropConnections()
	require.Eventually(t, func() bool { return events.count(ConnectionDisconnected) == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, StateDisconnected, c.State())
}

func TestClient_ServiceErrorEvent(t *testing.T) {
	server := pushertest.NewServer()
	defer server.Close()

	c := newTestClient(server, &stubAuthorizer{})
	events := newRecorder()
	c.Bind(ConnectionError, events.handler(ConnectionError))
	require.NoError(t, c.Connect())
	require.Eventually(t, func() bool { return c.State() == StateConnected }, 2*time.Second, 10*time.Millisecond)

	server.SendError(4201, "pong reply not received")
	require.Eventually(t, func() bool { return events.count(ConnectionError) == 1 }, 2*time.Second, 10*time.Millisecond)

	var e ErrorData
	require.NoError(t, json.Unmarshal(events.last(ConnectionError), &e))
	assert.Equal(t, 4201, e.Code)
	c.Disconnect()
}

func TestClient_DialFailure(t *testing.T) {
	server := pushertest.NewServer()
	host := server.Host()
	server.Close()

	c := NewClient("app-key", Options{Host: host, Insecure: true, HandshakeTimeout: time.Second})
	events := newRecorder()
	c.Bind(ConnectionError, events.handler(ConnectionError))
	require.NoError(t, c.Connect())

	require.Eventually(t, func() bool { return events.count(ConnectionError) == 1 }, 3*time.Second, 10*time.Millisecond)
	assert.Equal(t, StateFailed, c.State())
}

func TestClient_DisconnectDuringHandshake(t *testing.T) {
	server := pushertest.NewServer()
	defer server.Close()
	server.Hold()

	c := newTestClient(server, &stubAuthorizer{})
	events := newRecorder()
	c.Bind(ConnectionConnected, events.handler(ConnectionConnected))
	c.Bind(ConnectionDisconnected, events.handler(ConnectionDisconnected))
	require.NoError(t, c.Connect())
	require.Eventually(t, func() bool { return server.Connections() == 1 }, 2*time.Second, 10*time.Millisecond)

	c.Disconnect()
	c.Disconnect()
	server.Release()

	require.Eventually(t, func() bool { return server.Connections() == 0 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, StateDisconnected, c.State())
	assert.Zero(t, events.count(ConnectionConnected))
	assert.Zero(t, events.count(ConnectionDisconnected))
}

func TestClient_AnswersPing(t *testing.T) {
	server := pushertest.NewServer()
	defer server.Close()
	server.SetActivityTimeout(1)

	c := NewClient("app-key", Options{
		Host:            server.Host(),
		Insecure:        true,
		ActivityTimeout: 100 * time.Millisecond,
		PongTimeout:     time.Second,
		Authorizer:      &stubAuthorizer{},
	})
	require.NoError(t, c.Connect())
	require.Eventually(t, func() bool { return c.State() == StateConnected }, 2*time.Second, 10*time.Millisecond)

	// idle well past the activity timeout; pings keep the link up
	time.Sleep(400 * time.Millisecond)
	assert.Equal(t, StateConnected, c.State())
	c.Disconnect()
}
