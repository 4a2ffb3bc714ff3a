package websocket

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

	sendBufferSize = 256
)

// Client is one websocket connection bound to a user inside a room.
type Client struct {
	// The websocket connection.
	Conn *websocket.Conn

	UserID    uuid.UUID
	Username  string
	SessionID uuid.UUID

	// Buffered channel of outbound messages.
	Send chan []byte

	mu     sync.Mutex
	closed bool
}

func NewClient(conn *websocket.Conn, userID uuid.UUID, username string, sessionID uuid.UUID) *Client {
	return &Client{
		Conn:      conn,
		UserID:    userID,
		Username:  username,
		SessionID: sessionID,
		Send:      make(chan []byte, sendBufferSize),
	}
}

// Deliver queues payload without blocking. It reports false when the client
// is already closed or its buffer is full; callers treat that as a dead peer.
func (c *Client) Deliver(payload []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.Send <- payload:
		return true
	default:
		return false
	}
}

// shutdown closes the Send channel exactly once. The registry calls it after
// removing the client from the room maps.
func (c *Client) shutdown() {
	c.mu.Lock()
	if !c.closed {
		c.closed = true
		close(c.Send)
	}
	c.mu.Unlock()
}

// ReadLoop configures deadlines and feeds every inbound frame to handle. It
// returns when the peer goes away or the connection errors.
func (c *Client) ReadLoop(handle func(raw []byte)) {
	c.Conn.SetReadLimit(maxMessageSize)
	c.Conn.SetReadDeadline(time.Now().Add(pongWait))
	c.Conn.SetPongHandler(func(string) error {
		c.Conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, raw, err := c.Conn.ReadMessage()
		if err != nil {
			return
		}
		handle(raw)
	}
}

// WritePump pumps queued messages to the websocket connection and keeps the
// peer alive with pings. One goroutine per client.
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.Conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.Send:
			c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// The registry closed the channel.
				c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.Conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
