package pusher

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"surveyrelay/internal/logging"
	"surveyrelay/pkg/interfaces"
	"surveyrelay/pkg/types"
)

// State is the transport's own view of the connection.
type State int

const (
	StateInitialized State = iota
	StateConnecting
	StateConnected
	StateDisconnected
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateInitialized:
		return "initialized"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnected:
		return "disconnected"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Options configure a Client.
type Options struct {
	Cluster  string
	Host     string
	Insecure bool

	ActivityTimeout  time.Duration
	PongTimeout      time.Duration
	HandshakeTimeout time.Duration

	// Authorizer is consulted once per private channel subscription attempt.
	Authorizer interfaces.ChannelAuthorizer
}

// Client is a single-use connection to the channel service. Once
// disconnected, build a new Client to connect again.
type Client struct {
	appKey string
	opts   Options
	logger zerolog.Logger

	mu       sync.Mutex
	state    State
	socketID string
	conn     *conn
	cancel   context.CancelFunc
	channels map[string]*Channel
	handlers map[string][]Handler

	lastSeen atomic.Int64
}

// NewClient creates a client for appKey. Nothing is dialed until Connect.
func NewClient(appKey string, opts Options) *Client {
	if opts.ActivityTimeout <= 0 {
		opts.ActivityTimeout = 120 * time.Second
	}
	if opts.PongTimeout <= 0 {
		opts.PongTimeout = 30 * time.Second
	}
	return &Client{
		appKey:   appKey,
		opts:     opts,
		logger:   logging.WithComponent("pusher"),
		state:    StateInitialized,
		channels: make(map[string]*Channel),
		handlers: make(map[string][]Handler),
	}
}

// Bind adds a handler for a connection-level event: connected,
// disconnected or error.
func (c *Client) Bind(event string, h Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[event] = append(c.handlers[event], h)
}

// Connect starts dialing in the background and returns at once. The
// outcome is reported through the connected and error events.
func (c *Client) Connect() error {
	if c.appKey == "" {
		return ErrMissingAppKey
	}

	c.mu.Lock()
	if c.state != StateInitialized {
		c.mu.Unlock()
		return ErrAlreadyStarted
	}
	ctx, cancel := context.WithCancel(context.Background())
	c.state = StateConnecting
	c.cancel = cancel
	c.mu.Unlock()

	go c.run(ctx)
	return nil
}

// Disconnect closes the transport and cancels any dial or authorization
// in flight. It is safe to call more than once.
func (c *Client) Disconnect() {
	c.mu.Lock()
	cancel, cn := c.cancel, c.conn
	c.state = StateDisconnected
	c.conn = nil
	c.socketID = ""
	for _, ch := range c.channels {
		ch.setSubscribed(false)
	}
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if cn != nil {
		cn.close()
	}
}

// State returns the transport state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// SocketID returns the id assigned by the service, or "" before connecting.
func (c *Client) SocketID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.socketID
}

// Subscribe returns the channel named name, creating it when needed. The
// subscription is sent once the connection is established.
func (c *Client) Subscribe(name string) *Channel {
	c.mu.Lock()
	defer c.mu.Unlock()

	if ch, ok := c.channels[name]; ok {
		return ch
	}
	ch := newChannel(name)
	c.channels[name] = ch

	if c.state == StateConnected {
		go c.subscribe(c.conn, c.socketID, ch)
	}
	return ch
}

// Channel returns a subscribed-to channel by name.
func (c *Client) Channel(name string) (*Channel, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ch, ok := c.channels[name]
	return ch, ok
}

// Unsubscribe drops the channel and all of its handlers.
func (c *Client) Unsubscribe(name string) {
	c.mu.Lock()
	ch, ok := c.channels[name]
	delete(c.channels, name)
	cn := c.conn
	connected := c.state == StateConnected
	c.mu.Unlock()

	if !ok {
		return
	}
	ch.UnbindAll()
	ch.setSubscribed(false)
	if connected && cn != nil {
		if err := cn.send(Frame{Event: EventUnsubscribe, Data: mustJSON(map[string]string{"channel": name})}); err != nil {
			c.logger.Debug().Err(err).Str("channel", name).Msg("Unsubscribe frame not sent")
		}
	}
}

func (c *Client) run(ctx context.Context) {
	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: c.opts.HandshakeTimeout,
	}
	url := endpoint(c.appKey, c.opts)
	c.logger.Info().Str("url", url).Msg("Connecting to channel service")

	ws, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		if ctx.Err() == nil {
			c.failed(ctx, fmt.Errorf("dial: %w", err))
		}
		return
	}

	cn := newConn(ws)
	c.mu.Lock()
	if ctx.Err() != nil {
		c.mu.Unlock()
		cn.close()
		return
	}
	c.conn = cn
	c.mu.Unlock()

	err = c.readLoop(ctx, cn)
	cn.close()
	c.lost(ctx, err)
}

func (c *Client) readLoop(ctx context.Context, cn *conn) error {
	// no deadline until the service has told us its activity timeout
	var deadline time.Time
	var activity time.Duration

	for {
		data, err := cn.read(deadline)
		if err != nil {
			return err
		}
		c.lastSeen.Store(time.Now().UnixNano())
		if activity > 0 {
			deadline = time.Now().Add(activity + c.opts.PongTimeout)
		}

		var frame Frame
		if err := json.Unmarshal(data, &frame); err != nil {
			c.logger.Debug().Err(err).Msg("Dropping malformed frame")
			continue
		}

		switch frame.Event {
		case EventConnectionEstablished:
			est, err := parseEstablished(frame.Data)
			if err != nil {
				return err
			}
			activity = activityTimeout(c.opts.ActivityTimeout, est.ActivityTimeout)
			deadline = time.Now().Add(activity + c.opts.PongTimeout)
			c.established(ctx, cn, est.SocketID)
			go c.pingLoop(ctx, cn, activity)

		case EventPing:
			if err := cn.send(Frame{Event: EventPong, Data: json.RawMessage(`{}`)}); err != nil {
				return err
			}

		case EventPong:

		case EventError:
			data := unwrapData(frame.Data)
			var e ErrorData
			_ = json.Unmarshal(data, &e)
			c.logger.Warn().Int("code", e.Code).Str("message", e.Message).Msg("Channel service error")
			c.emit(ConnectionError, data)

		case internalSubscriptionSucceeded:
			if ch, ok := c.Channel(frame.Channel); ok {
				c.logger.Info().Str("channel", frame.Channel).Msg("Subscription succeeded")
				ch.succeeded(unwrapData(frame.Data))
			}

		default:
			if frame.Channel == "" {
				c.logger.Debug().Str("event", frame.Event).Msg("Ignoring connection event")
				continue
			}
			ch, ok := c.Channel(frame.Channel)
			if !ok || !ch.emit(frame.Event, unwrapData(frame.Data)) {
				c.logger.Debug().Str("channel", frame.Channel).Str("event", frame.Event).Msg("No handler for event")
			}
		}
	}
}

// pingLoop sends pusher:ping after activity of silence. A missing pong
// trips the read deadline and ends the read loop.
func (c *Client) pingLoop(ctx context.Context, cn *conn, activity time.Duration) {
	timer := time.NewTimer(activity)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-cn.done():
			return
		case <-timer.C:
			idle := time.Since(time.Unix(0, c.lastSeen.Load()))
			if idle < activity {
				timer.Reset(activity - idle)
				continue
			}
			if err := cn.send(Frame{Event: EventPing, Data: json.RawMessage(`{}`)}); err != nil {
				return
			}
			timer.Reset(activity)
		}
	}
}

func (c *Client) established(ctx context.Context, cn *conn, socketID string) {
	c.mu.Lock()
	if ctx.Err() != nil {
		c.mu.Unlock()
		return
	}
	c.state = StateConnected
	c.socketID = socketID
	pending := make([]*Channel, 0, len(c.channels))
	for _, ch := range c.channels {
		pending = append(pending, ch)
	}
	c.mu.Unlock()

	c.logger.Info().Str("socket_id", socketID).Msg("Connection established")
	c.emit(ConnectionConnected, mustJSON(map[string]string{"socket_id": socketID}))

	for _, ch := range pending {
		go c.subscribe(cn, socketID, ch)
	}
}

// subscribe authorizes ch and sends the subscribe frame. Each call is
// one attempt; failures are reported on the channel and not retried.
func (c *Client) subscribe(cn *conn, socketID string, ch *Channel) {
	ctx := cn.ctx
	if c.opts.Authorizer == nil {
		ch.failed(&types.AuthError{Reason: types.AuthNotConfigured, Err: ErrNoAuthorizer})
		return
	}

	raw, err := c.opts.Authorizer.Authorize(ctx, socketID, ch.Name())
	if ctx.Err() != nil {
		return
	}
	if err != nil {
		c.logger.Warn().Err(err).Str("channel", ch.Name()).Msg("Subscription authorization failed")
		ch.failed(err)
		return
	}

	var cred credential
	if err := json.Unmarshal(raw, &cred); err != nil || cred.Auth == "" {
		ch.failed(&types.AuthError{Reason: types.AuthRejected, Detail: "credential has no auth field"})
		return
	}

	if current, ok := c.Channel(ch.Name()); !ok || current != ch {
		return
	}

	frame := Frame{
		Event: EventSubscribe,
		Data:  mustJSON(subscribeData{Channel: ch.Name(), Auth: cred.Auth, ChannelData: cred.ChannelData}),
	}
	if err := cn.send(frame); err != nil {
		ch.failed(&types.SubscriptionError{Channel: ch.Name(), Err: err})
	}
}

func (c *Client) failed(ctx context.Context, err error) {
	c.mu.Lock()
	if ctx.Err() != nil {
		c.mu.Unlock()
		return
	}
	c.state = StateFailed
	c.mu.Unlock()

	c.logger.Warn().Err(err).Msg("Connection failed")
	c.emit(ConnectionError, mustJSON(ErrorData{Message: err.Error()}))
}

// lost handles a transport that closed without Disconnect being called.
func (c *Client) lost(ctx context.Context, err error) {
	c.mu.Lock()
	if ctx.Err() != nil {
		c.mu.Unlock()
		return
	}
	c.state = StateDisconnected
	c.conn = nil
	c.socketID = ""
	for _, ch := range c.channels {
		ch.setSubscribed(false)
	}
	cancel := c.cancel
	c.mu.Unlock()
	cancel()

	c.logger.Warn().Err(err).Msg("Connection lost")
	payload := map[string]string{}
	if err != nil {
		payload["error"] = err.Error()
	}
	c.emit(ConnectionDisconnected, mustJSON(payload))
}

func (c *Client) emit(event string, data json.RawMessage) {
	c.mu.Lock()
	handlers := append([]Handler(nil), c.handlers[event]...)
	c.mu.Unlock()

	for _, h := range handlers {
		h(data)
	}
}
