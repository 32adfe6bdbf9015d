package announce

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"surveyrelay/internal/logging"
	"surveyrelay/pkg/types"
)

const (
	subscriberBuffer = 100
	writeWait        = 5 * time.Second
)

// Feed streams announcements to operator websocket clients. One
// goroutine owns the subscriber set; everything else talks to it over
// channels.
type Feed struct {
	broadcast  chan types.Announcement
	register   chan *subscriber
	unregister chan *subscriber
	shutdown   chan struct{}

	upgrader websocket.Upgrader
	logger   zerolog.Logger

	mu      sync.RWMutex
	running bool
	done    chan struct{}
	clients int
}

// NewFeed creates a stopped feed.
func NewFeed() *Feed {
	return &Feed{
		broadcast:  make(chan types.Announcement, 1000),
		register:   make(chan *subscriber, 100),
		unregister: make(chan *subscriber, 100),
		shutdown:   make(chan struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// operator tooling runs on other origins
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		logger: logging.WithComponent("feed"),
	}
}

// Start runs the feed until Stop or ctx is done.
func (f *Feed) Start(ctx context.Context) error {
	f.mu.Lock()
	if f.running {
		f.mu.Unlock()
		return ErrFeedAlreadyRunning
	}
	f.running = true
	done := make(chan struct{})
	f.done = done
	f.mu.Unlock()

	go f.run(ctx, done)
	return nil
}

// Stop closes every subscriber.
func (f *Feed) Stop() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.running {
		return ErrFeedNotRunning
	}
	f.running = false
	close(f.shutdown)
	return nil
}

// Clients returns the number of connected subscribers.
func (f *Feed) Clients() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.clients
}

// Announce queues a for every subscriber. It never blocks; when the
// queue is full the announcement is dropped from the feed.
func (f *Feed) Announce(ctx context.Context, a types.Announcement) {
	f.mu.RLock()
	running := f.running
	f.mu.RUnlock()
	if !running {
		return
	}

	select {
	case f.broadcast <- a:
	default:
		f.logger.Warn().Err(ErrBroadcastFull).Str("kind", string(a.Kind)).Msg("Dropping announcement from feed")
	}
}

// ServeHTTP upgrades the request and streams announcements until the
// client goes away.
func (f *Feed) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.RLock()
	running, done := f.running, f.done
	f.mu.RUnlock()
	if !running {
		http.Error(w, "feed not running", http.StatusServiceUnavailable)
		return
	}

	ws, err := f.upgrader.Upgrade(w, r, nil)
	if err != nil {
		f.logger.Debug().Err(err).Msg("Feed upgrade failed")
		return
	}

	sub := newSubscriber(ws)
	select {
	case f.register <- sub:
	case <-done:
		sub.close()
		return
	}

	// reads only detect the close; clients have nothing to say
	for {
		if _, _, err := ws.ReadMessage(); err != nil {
			break
		}
	}

	select {
	case f.unregister <- sub:
	case <-done:
	}
	sub.close()
}

func (f *Feed) run(ctx context.Context, done chan struct{}) {
	subscribers := make(map[*subscriber]struct{})
	defer func() {
		f.mu.Lock()
		f.running = false
		f.mu.Unlock()
		close(done)

		// a subscriber may have registered while the loop was exiting
		for drained := false; !drained; {
			select {
			case sub := <-f.register:
				subscribers[sub] = struct{}{}
			default:
				drained = true
			}
		}
		for sub := range subscribers {
			sub.close()
		}
		f.setClients(0)
		f.logger.Info().Msg("Feed stopped")
	}()

	for {
		select {
		case a := <-f.broadcast:
			for sub := range subscribers {
				if err := sub.send(a); err != nil {
					f.logger.Debug().Err(err).Msg("Dropping slow feed subscriber")
					delete(subscribers, sub)
					sub.close()
				}
			}
			f.setClients(len(subscribers))

		case sub := <-f.register:
			subscribers[sub] = struct{}{}
			f.setClients(len(subscribers))

		case sub := <-f.unregister:
			delete(subscribers, sub)
			f.setClients(len(subscribers))

		case <-f.shutdown:
			return

		case <-ctx.Done():
			return
		}
	}
}

func (f *Feed) setClients(n int) {
	f.mu.Lock()
	f.clients = n
	f.mu.Unlock()
}

// subscriber is one feed client with its own writer goroutine.
type subscriber struct {
	ws        *websocket.Conn
	writeCh   chan []byte
	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
}

func newSubscriber(ws *websocket.Conn) *subscriber {
	ctx, cancel := context.WithCancel(context.Background())
	s := &subscriber{
		ws:      ws,
		writeCh: make(chan []byte, subscriberBuffer),
		ctx:     ctx,
		cancel:  cancel,
	}
	go s.writeLoop()
	return s
}

func (s *subscriber) writeLoop() {
	defer s.ws.Close()
	for {
		select {
		case data := <-s.writeCh:
			if err := s.ws.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			if err := s.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-s.ctx.Done():
			return
		}
	}
}

// send never blocks the feed loop.
func (s *subscriber) send(a types.Announcement) error {
	select {
	case <-s.ctx.Done():
		return ErrSubscriberClosed
	default:
	}

	data, err := json.Marshal(a)
	if err != nil {
		return err
	}
	select {
	case s.writeCh <- data:
		return nil
	default:
		return ErrBroadcastFull
	}
}

func (s *subscriber) close() {
	s.closeOnce.Do(s.cancel)
}
