package transport

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/1ureka/netviz/internal/protocol"
	"github.com/1ureka/netviz/internal/util"
)

// WebSocket tuning.
const (
	outboxSize   = 256
	writeWait    = 10 * time.Second
	pongWait     = 60 * time.Second
	pingPeriod   = (pongWait * 9) / 10
	maxFrameSize = 64 * 1024
)

// WSConn carries events over a gorilla WebSocket. Reads happen on the
// caller's goroutine through ReadFrame; writes are serialized by a private
// writer goroutine fed by Emit.
type WSConn struct {
	conn   *websocket.Conn
	origin string

	outbox    chan []byte
	done      chan struct{}
	closeOnce sync.Once
	closeErr  error
}

// NewWSConn wraps an established WebSocket and starts its writer.
func NewWSConn(conn *websocket.Conn, origin string) *WSConn {
	c := &WSConn{
		conn:   conn,
		origin: origin,
		outbox: make(chan []byte, outboxSize),
		done:   make(chan struct{}),
	}

	conn.SetReadLimit(maxFrameSize)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	go c.writeLoop()
	return c
}

// DialWS connects to a relay WebSocket endpoint, e.g. ws://localhost:3001/ws.
func DialWS(ctx context.Context, url string) (*WSConn, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", url, err)
	}
	return NewWSConn(conn, conn.RemoteAddr().String()), nil
}

// Origin implements relay.Conn.
func (c *WSConn) Origin() string {
	return c.origin
}

// Emit encodes and queues an event. It never blocks: when the queue is full
// the peer is considered stuck, the socket is dropped and ErrSlowConsumer
// is returned.
func (c *WSConn) Emit(event string, payload any) error {
	select {
	case <-c.done:
		return net.ErrClosed
	default:
	}

	frame, err := protocol.Encode(event, payload)
	if err != nil {
		return err
	}

	select {
	case c.outbox <- frame:
		return nil
	default:
		c.drop()
		return ErrSlowConsumer
	}
}

// ReadFrame returns the next text or binary message.
func (c *WSConn) ReadFrame() ([]byte, error) {
	for {
		typ, data, err := c.conn.ReadMessage()
		if err != nil {
			return nil, err
		}
		if typ == websocket.TextMessage || typ == websocket.BinaryMessage {
			return data, nil
		}
	}
}

// Close stops the writer and closes the socket. It is safe to call more
// than once.
func (c *WSConn) Close() error {
	c.closeOnce.Do(func() {
		close(c.done)
		c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(writeWait))
		c.closeErr = c.conn.Close()
	})
	return c.closeErr
}

// drop tears the socket down without a close frame. The writer may be
// stuck in a write holding the socket's write lock, so waiting for it is
// not an option on the caller's goroutine.
func (c *WSConn) drop() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.closeErr = c.conn.Close()
	})
}

// writeLoop is the only goroutine writing data frames.
func (c *WSConn) writeLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case frame := <-c.outbox:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				util.LogDebug("ws write to %s failed: %v", c.origin, err)
				c.Close()
				return
			}

		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				c.Close()
				return
			}

		case <-c.done:
			return
		}
	}
}
