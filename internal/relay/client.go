package relay

import (
	"sync"
	"time"

	"github.com/gofiber/websocket/v2"
	"github.com/google/uuid"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096
)

// Client is the middleman between one websocket connection and the engine.
// It implements Sender; the engine never touches the socket directly.
type Client struct {
	engine    *Engine
	conn      *websocket.Conn
	sessionId uuid.UUID

	// Buffered channel of outbound frames.
	sendCh chan []byte

	closeOnce sync.Once
	done      chan struct{}
}

// Send queues a frame for the write pump. Reports false when the session is
// closing or its buffer is full; callers treat that as a silent no-op.
func (c *Client) Send(payload []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.sendCh <- payload:
		return true
	default:
		return false
	}
}

// Close tears the connection down. Safe to call from the reaper while the
// pumps are still running.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.conn.Close()
	})
}

// readPump feeds inbound frames to the engine. It owns disconnect
// bookkeeping: whatever ends the read loop ends the session.
func (c *Client) readPump() {
	defer func() {
		c.engine.Disconnect(c.sessionId)
		c.Close()
	}()
	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		c.engine.HandleMessage(c.sessionId, raw)
	}
}

// writePump drains the send buffer onto the socket and keeps the connection
// alive with pings.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.Close()
	}()

	for {
		select {
		case <-c.done:
			return
		case payload := <-c.sendCh:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// ServeWs attaches a freshly upgraded connection to the engine and blocks
// until the session ends.
func ServeWs(engine *Engine, conn *websocket.Conn) {
	client := &Client{
		engine: engine,
		conn:   conn,
		sendCh: make(chan []byte, 256),
		done:   make(chan struct{}),
	}
	client.sessionId = engine.Connect(client)

	go client.writePump()
	client.readPump() // runs in the handler goroutine
}
