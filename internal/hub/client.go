package hub

import (
	"sync"
	"time"

	"github.com/gofiber/websocket/v2"
	"github.com/google/uuid"
)

// Client is one live websocket connection owned by this process. A user
// may hold several at once (multi-device).
type Client struct {
	ID        string
	UserID    string
	Conn      *websocket.Conn
	Send      chan []byte
	Connected time.Time

	mu     sync.Mutex
	closed bool
}

func NewClient(conn *websocket.Conn, userID string) *Client {
	return &Client{
		ID:        uuid.New().String(),
		UserID:    userID,
		Conn:      conn,
		Send:      make(chan []byte, 256),
		Connected: time.Now().UTC(),
	}
}

// Push queues msg for delivery, dropping it if the client's buffer is
// full so one slow consumer never blocks fan-out.
func (c *Client) Push(msg []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.Send <- msg:
		return true
	default:
		return false
	}
}

func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.Send)
	_ = c.Conn.Close()
}
