package dispatch

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"surveyrelay/internal/announce"
	"surveyrelay/internal/pusher"
	"surveyrelay/internal/pusher/pushertest"
	"surveyrelay/pkg/types"
)

type authorizer struct{ err error }

func (a authorizer) Authorize(ctx context.Context, socketID, channel string) (json.RawMessage, error) {
	if a.err != nil {
		return nil, a.err
	}
	return json.RawMessage(`{"auth":"k:s"}`), nil
}

func connect(t *testing.T, server *pushertest.Server, auth authorizer, d *Dispatcher) *pusher.Client {
	t.Helper()
	client := pusher.NewClient("key", pusher.Options{Host: server.Host(), Insecure: true, Authorizer: auth})
	d.Bind(client.Subscribe("private-session-5"))
	require.NoError(t, client.Connect())
	t.Cleanup(client.Disconnect)
	return client
}

func TestDispatcher_DeliversCompletions(t *testing.T) {
	server := pushertest.NewServer()
	defer server.Close()

	history := announce.NewHistory(0)
	d := New(history)

	var mu sync.Mutex
	var payloads []string
	d.OnCompletion(func(ctx context.Context, payload json.RawMessage) {
		mu.Lock()
		defer mu.Unlock()
		payloads = append(payloads, string(payload))
	})

	connect(t, server, authorizer{}, d)
	require.Eventually(t, func() bool { return server.Subscribed("private-session-5") }, 2*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool { return len(history.OfKind(types.KindSubscription)) == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, types.LevelInfo, history.OfKind(types.KindSubscription)[0].Level)

	server.Trigger("private-session-5", types.EventSurveyCompleted, map[string]string{"ownerId": "u1", "sessionId": "5"})
	server.Trigger("private-session-5", "client-unrelated", map[string]string{"x": "y"})

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(payloads) == 1
	}, 2*time.Second, 10*time.Millisecond)
	mu.Lock()
	assert.JSONEq(t, `{"ownerId":"u1","sessionId":"5"}`, payloads[0])
	mu.Unlock()
}

func TestDispatcher_ReportsSubscriptionError(t *testing.T) {
	server := pushertest.NewServer()
	defer server.Close()

	history := announce.NewHistory(0)
	d := New(history)
	d.OnCompletion(func(context.Context, json.RawMessage) {})

	client := connect(t, server, authorizer{err: &types.AuthError{Reason: types.AuthRejected, Status: 401}}, d)

	require.Eventually(t, func() bool { return len(history.OfKind(types.KindSubscription)) == 1 }, 2*time.Second, 10*time.Millisecond)
	notice := history.OfKind(types.KindSubscription)[0]
	assert.Equal(t, types.LevelWarn, notice.Level)
	assert.Contains(t, notice.Message, "status 401")

	// no retry
	time.Sleep(100 * time.Millisecond)
	assert.Len(t, history.OfKind(types.KindSubscription), 1)
	assert.Empty(t, server.Subscriptions())
	assert.Equal(t, pusher.StateConnected, client.State())
}

func TestDispatcher_RegisterReplaces(t *testing.T) {
	d := New(announce.NewHistory(0))
	calls := 0
	d.Register("client-x", func(context.Context, json.RawMessage) { calls = 1 })
	d.Register("client-x", func(context.Context, json.RawMessage) { calls = 2 })
	d.deliver("client-x", json.RawMessage(`{}`))
	d.deliver("client-missing", json.RawMessage(`{}`))
	assert.Equal(t, 2, calls)
}
