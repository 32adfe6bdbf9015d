package pusher

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"surveyrelay/internal/metrics"
)

const (
	writeBuffer  = 100
	writeTimeout = 5 * time.Second
)

// conn serializes every write to the socket through one goroutine.
// gorilla/websocket allows one concurrent writer only.
type conn struct {
	ws        *websocket.Conn
	writeCh   chan []byte
	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
}

func newConn(ws *websocket.Conn) *conn {
	ctx, cancel := context.WithCancel(context.Background())
	c := &conn{
		ws:      ws,
		writeCh: make(chan []byte, writeBuffer),
		ctx:     ctx,
		cancel:  cancel,
	}
	go c.writeLoop()
	return c
}

func (c *conn) writeLoop() {
	for {
		select {
		case data := <-c.writeCh:
			if err := c.ws.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
				c.close()
				return
			}
			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				c.close()
				return
			}
			metrics.TransportFrames.WithLabelValues("out").Inc()

		case <-c.ctx.Done():
			// best effort close handshake
			_ = c.ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			_ = c.ws.Close()
			return
		}
	}
}

// send queues a frame for the writer.
func (c *conn) send(frame Frame) error {
	select {
	case <-c.ctx.Done():
		return ErrConnectionClosed
	default:
	}

	data, err := json.Marshal(frame)
	if err != nil {
		return err
	}

	timer := time.NewTimer(writeTimeout)
	defer timer.Stop()
	select {
	case c.writeCh <- data:
		return nil
	case <-timer.C:
		return ErrWriteTimeout
	case <-c.ctx.Done():
		return ErrConnectionClosed
	}
}

// read returns the next message. Reads must stay on one goroutine.
func (c *conn) read(deadline time.Time) ([]byte, error) {
	if err := c.ws.SetReadDeadline(deadline); err != nil {
		return nil, err
	}
	_, data, err := c.ws.ReadMessage()
	if err != nil {
		return nil, err
	}
	metrics.TransportFrames.WithLabelValues("in").Inc()
	return data, nil
}

// close stops the writer, which closes the socket and unblocks read.
func (c *conn) close() {
	c.closeOnce.Do(c.cancel)
}

func (c *conn) done() <-chan struct{} {
	return c.ctx.Done()
}
