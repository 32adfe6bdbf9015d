// Package pushertest runs an in-process channel service speaking enough
// of the Pusher protocol for client tests.
package pushertest

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Frame mirrors the protocol envelope.
type Frame struct {
	Event   string          `json:"event"`
	Channel string          `json:"channel,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// Subscription records one pusher:subscribe received by the server.
type Subscription struct {
	Channel     string `json:"channel"`
	Auth        string `json:"auth"`
	ChannelData string `json:"channel_data,omitempty"`
}

// Server is a fake channel service.
type Server struct {
	*httptest.Server

	upgrader websocket.Upgrader

	mu              sync.Mutex
	activityTimeout int
	conns           map[*peer]struct{}
	subscriptions   []Subscription
	appKeys         []string
	hold            chan struct{}
	nextSocket      int
}

type peer struct {
	ws       *websocket.Conn
	writeMu  sync.Mutex
	socketID string
	channels map[string]bool
}

// NewServer starts a fake service. Close it when done.
func NewServer() *Server {
	s := &Server{
		activityTimeout: 120,
		conns:           make(map[*peer]struct{}),
	}
	s.Server = httptest.NewServer(http.HandlerFunc(s.handle))
	return s
}

// Close drops every client and shuts the server down.
func (s *Server) Close() {
	s.Release()
	s.DropConnections()
	s.Server.Close()
}

// Host returns host:port for client options.
func (s *Server) Host() string {
	return strings.TrimPrefix(s.URL, "http://")
}

// SetActivityTimeout changes the activity timeout, in seconds, announced
// to new connections.
func (s *Server) SetActivityTimeout(seconds int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.activityTimeout = seconds
}

// Hold delays pusher:connection_established until Release.
func (s *Server) Hold() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.hold == nil {
		s.hold = make(chan struct{})
	}
}

// Release lets held connections complete their handshake.
func (s *Server) Release() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.hold != nil {
		close(s.hold)
		s.hold = nil
	}
}

// Subscriptions returns every subscribe frame received so far.
func (s *Server) Subscriptions() []Subscription {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Subscription(nil), s.subscriptions...)
}

// AppKeys returns the app keys clients connected with.
func (s *Server) AppKeys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.appKeys...)
}

// Connections returns the number of open client connections.
func (s *Server) Connections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// Subscribed reports whether any client holds channel.
func (s *Server) Subscribed(channel string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for p := range s.conns {
		if p.channels[channel] {
			return true
		}
	}
	return false
}

// Trigger sends event on channel to every subscribed client. data is
// sent as a JSON string, the way the hosted service does.
func (s *Server) Trigger(channel, event string, data interface{}) {
	payload, _ := json.Marshal(data)
	encoded, _ := json.Marshal(string(payload))
	s.broadcast(channel, Frame{Event: event, Channel: channel, Data: encoded})
}

// TriggerRaw sends a frame with data exactly as given.
func (s *Server) TriggerRaw(channel, event string, data json.RawMessage) {
	s.broadcast(channel, Frame{Event: event, Channel: channel, Data: data})
}

// SendError sends pusher:error to every client.
func (s *Server) SendError(code int, message string) {
	data, _ := json.Marshal(map[string]interface{}{"code": code, "message": message})
	for _, p := range s.peers() {
		p.write(Frame{Event: "pusher:error", Data: data})
	}
}

// DropConnections closes every client socket without a close handshake.
func (s *Server) DropConnections() {
	for _, p := range s.peers() {
		p.ws.Close()
	}
}

func (s *Server) broadcast(channel string, frame Frame) {
	for _, p := range s.peers() {
		s.mu.Lock()
		ok := p.channels[channel]
		s.mu.Unlock()
		if ok {
			p.write(frame)
		}
	}
}

func (s *Server) peers() []*peer {
	s.mu.Lock()
	defer s.mu.Unlock()
	peers := make([]*peer, 0, len(s.conns))
	for p := range s.conns {
		peers = append(peers, p)
	}
	return peers
}

func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	s.mu.Lock()
	s.nextSocket++
	p := &peer{
		ws:       ws,
		socketID: socketID(s.nextSocket),
		channels: make(map[string]bool),
	}
	s.conns[p] = struct{}{}
	s.appKeys = append(s.appKeys, strings.TrimPrefix(r.URL.Path, "/app/"))
	hold := s.hold
	activity := s.activityTimeout
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.conns, p)
		s.mu.Unlock()
		ws.Close()
	}()

	if hold != nil {
		select {
		case <-hold:
		case <-r.Context().Done():
			return
		}
	}

	established, _ := json.Marshal(map[string]interface{}{
		"socket_id":        p.socketID,
		"activity_timeout": activity,
	})
	encoded, _ := json.Marshal(string(established))
	if err := p.write(Frame{Event: "pusher:connection_established", Data: encoded}); err != nil {
		return
	}

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			return
		}
		var frame Frame
		if err := json.Unmarshal(data, &frame); err != nil {
			continue
		}
		s.receive(p, frame)
	}
}

func (s *Server) receive(p *peer, frame Frame) {
	switch frame.Event {
	case "pusher:ping":
		p.write(Frame{Event: "pusher:pong", Data: json.RawMessage(`{}`)})

	case "pusher:subscribe":
		var sub Subscription
		if err := json.Unmarshal(frame.Data, &sub); err != nil {
			return
		}
		s.mu.Lock()
		s.subscriptions = append(s.subscriptions, sub)
		p.channels[sub.Channel] = true
		s.mu.Unlock()
		p.write(Frame{
			Event:   "pusher_internal:subscription_succeeded",
			Channel: sub.Channel,
			Data:    json.RawMessage(`"{}"`),
		})

	case "pusher:unsubscribe":
		var sub Subscription
		if err := json.Unmarshal(frame.Data, &sub); err != nil {
			return
		}
		s.mu.Lock()
		delete(p.channels, sub.Channel)
		s.mu.Unlock()
	}
}

func (p *peer) write(frame Frame) error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	p.ws.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return p.ws.WriteJSON(frame)
}

func socketID(n int) string {
	return "1234." + strconv.Itoa(n)
}
