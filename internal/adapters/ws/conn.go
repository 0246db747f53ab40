// Package ws adapts WebSocket connections to the relay: one upgraded
// connection per peer, a buffered send queue drained by a write pump, and a
// read pump feeding raw frames into the room actor.
package ws

import (
	"errors"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/dkeye/syncroom/internal/relay"
)

var ErrBackpressure = errors.New("backpressure")

// Conn wraps one upgraded socket. TrySend never blocks; a full queue is a
// backpressure error for the relay's policy to judge.
type Conn struct {
	conn *websocket.Conn
	send chan relay.Frame

	mu     sync.RWMutex
	closed bool
}

func newConn(ws *websocket.Conn, buffer int) *Conn {
	return &Conn{
		conn: ws,
		send: make(chan relay.Frame, buffer),
	}
}

func (c *Conn) TrySend(f relay.Frame) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return errors.New("connection closed")
	}
	select {
	case c.send <- f:
	default:
		return ErrBackpressure
	}
	return nil
}

func (c *Conn) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.send)
	_ = c.conn.Close()
	c.mu.Unlock()
}
