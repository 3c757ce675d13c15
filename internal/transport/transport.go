// Package transport wraps the WebSocket connection handle the rest of
// the hub treats as an opaque capability (spec §2, Transport Adapter).
// It exposes send-text (with completion), send-ping, force-close, and
// ready-state query, and surfaces receive-text/pong/error/close as a
// blocking read loop the caller drives on its own goroutine.
package transport

import (
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

const (
	// MaxMessageSize bounds a single inbound application frame.
	MaxMessageSize = 1 * 1024 * 1024
	// ReadTimeout is the deadline re-armed on every inbound text frame
	// and every pong, matching the transport-level half of the liveness
	// protocol (the heartbeat scheduler owns the application-level half).
	ReadTimeout = 90 * time.Second
	// WriteTimeout bounds a single outbound frame write.
	WriteTimeout = 10 * time.Second
	// sendQueueDepth is the outbound buffering per connection; a full
	// queue fails the send immediately rather than blocking the caller.
	sendQueueDepth = 64
)

// ErrSendQueueFull is returned (via the completion channel) when a
// connection's outbound buffer is saturated.
var ErrSendQueueFull = errors.New("transport: send queue full")

// ErrClosed is returned when SendText is called on a closed connection.
var ErrClosed = errors.New("transport: connection closed")

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4 * 1024,
	WriteBufferSize: 4 * 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Adapter is the capability the Connection Handler and Broadcaster
// consume. The hub never reaches past this interface into gorilla
// types, so it can be faked in tests without a real socket.
type Adapter interface {
	// SendText enqueues payload for writing and returns a channel that
	// receives at most one error (nil on success) once the write
	// completes, fails, or the queue was full. A request still queued
	// when an earlier write fails or the connection closes may receive
	// nothing, so callers bound the wait with their own timeout.
	SendText(payload []byte) <-chan error
	// SendPing writes a transport-level ping frame immediately.
	SendPing() error
	// Close force-closes the underlying connection. Idempotent.
	Close() error
	// IsOpen reports whether the connection is still accepting sends.
	IsOpen() bool
}

type writeRequest struct {
	data   []byte
	result chan error
}

// Conn is the gorilla/websocket-backed Adapter implementation.
type Conn struct {
	ws     *websocket.Conn
	send   chan writeRequest
	closed atomic.Bool
	once   sync.Once
}

// Upgrade upgrades an HTTP request to a WebSocket connection and wraps
// it in a Conn. The caller must start a writer goroutine (Run) and a
// reader loop (ReadLoop) before the connection is useful.
func Upgrade(w http.ResponseWriter, r *http.Request) (*Conn, error) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, err
	}
	return New(ws), nil
}

// New wraps an already-upgraded *websocket.Conn.
func New(ws *websocket.Conn) *Conn {
	ws.SetReadLimit(MaxMessageSize)
	return &Conn{
		ws:   ws,
		send: make(chan writeRequest, sendQueueDepth),
	}
}

// SendText implements Adapter.
func (c *Conn) SendText(payload []byte) <-chan error {
	result := make(chan error, 1)
	if c.closed.Load() {
		result <- ErrClosed
		return result
	}
	select {
	case c.send <- writeRequest{data: payload, result: result}:
	default:
		result <- ErrSendQueueFull
	}
	return result
}

// SendPing implements Adapter. Pings are written directly rather than
// queued: a stuck outbound queue should not prevent liveness probing.
func (c *Conn) SendPing() error {
	if c.closed.Load() {
		return ErrClosed
	}
	_ = c.ws.SetWriteDeadline(time.Now().Add(WriteTimeout))
	return c.ws.WriteMessage(websocket.PingMessage, nil)
}

// Close implements Adapter.
func (c *Conn) Close() error {
	var err error
	c.once.Do(func() {
		c.closed.Store(true)
		close(c.send)
		err = c.ws.Close()
	})
	return err
}

// IsOpen implements Adapter.
func (c *Conn) IsOpen() bool {
	return !c.closed.Load()
}

// Run drains the outbound queue, writing each frame in turn. It
// returns when the connection is closed. Callers run it on its own
// goroutine immediately after Upgrade/New.
func (c *Conn) Run() {
	for req := range c.send {
		_ = c.ws.SetWriteDeadline(time.Now().Add(WriteTimeout))
		err := c.ws.WriteMessage(websocket.TextMessage, req.data)
		req.result <- err
		if err != nil {
			return
		}
	}
}

// ReadLoop blocks reading frames until the connection errors or
// closes, invoking onText for each text frame and onPong on every pong
// frame. It returns the terminal read error (possibly a normal close).
// Callers run it on the goroutine that owns the connection's lifetime.
func (c *Conn) ReadLoop(onText func([]byte), onPong func()) error {
	c.ws.SetPongHandler(func(string) error {
		_ = c.ws.SetReadDeadline(time.Now().Add(ReadTimeout))
		onPong()
		return nil
	})
	_ = c.ws.SetReadDeadline(time.Now().Add(ReadTimeout))

	for {
		msgType, data, err := c.ws.ReadMessage()
		if err != nil {
			return err
		}
		if msgType != websocket.TextMessage {
			continue
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(ReadTimeout))
		onText(data)
	}
}
