package signal

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

var (
	ErrBackpressure = errors.New("backpressure")
	ErrConnClosed   = errors.New("connection closed")
)

// wsSignalConn is one live ticket socket. A Manager replaces it on every
// reconnect; nothing outside the Manager holds on to it.
type wsSignalConn struct {
	conn   *websocket.Conn
	send   chan []byte
	cancel context.CancelFunc

	// heartbeats sent since the last pong
	unanswered atomic.Int32

	mu     sync.RWMutex
	closed bool
}

func newWSSignalConn(conn *websocket.Conn, queue int, cancel context.CancelFunc) *wsSignalConn {
	return &wsSignalConn{
		conn:   conn,
		send:   make(chan []byte, queue),
		cancel: cancel,
	}
}

func (c *wsSignalConn) TrySend(f []byte) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return ErrConnClosed
	}
	select {
	case c.send <- f:
	default:
		return ErrBackpressure
	}
	return nil
}

func (c *wsSignalConn) Queued() int { return len(c.send) }

// Close stops the pumps and closes the socket. Idempotent.
func (c *wsSignalConn) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.cancel()
	close(c.send)
	_ = c.conn.Close()
	c.mu.Unlock()
}

// drop closes only the transport so the read pump notices and the
// normal close path (including reconnect) runs.
func (c *wsSignalConn) drop() {
	_ = c.conn.Close()
}

// closeGracefully tells the server we are leaving before closing.
func (c *wsSignalConn) closeGracefully() {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	c.Close()
}
