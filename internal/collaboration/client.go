package collaboration

import (
	"log"
	"sync"
	"time"

	"drawbridge/internal/models"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	// sendQueueSize bounds the outbound queue per subscriber. A client that
	// falls this far behind is dropped rather than allowed to stall the
	// mutation path.
	sendQueueSize = 256

	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second
)

// Client is one WebSocket subscriber. It implements engine.Subscriber: the
// engine enqueues messages under the session lock, the write pump drains
// them onto the wire, so broadcasts never block a mutation.
type Client struct {
	id        string
	sessionID string
	conn      *websocket.Conn

	send chan models.ServerMessage
	quit chan struct{}
	once sync.Once
}

func newClient(sessionID string, conn *websocket.Conn) *Client {
	return &Client{
		id:        uuid.NewString(),
		sessionID: sessionID,
		conn:      conn,
		send:      make(chan models.ServerMessage, sendQueueSize),
		quit:      make(chan struct{}),
	}
}

// ID identifies the connection in logs and the subscriber set.
func (c *Client) ID() string {
	return c.id
}

// Enqueue hands a message to the write pump without blocking. A full queue
// means the client is too slow to keep up; the connection is shut down and
// the engine drops it from the session.
func (c *Client) Enqueue(msg models.ServerMessage) bool {
	select {
	case c.send <- msg:
		return true
	case <-c.quit:
		return false
	default:
		log.Printf("⚠️  Client %s send queue full, closing connection", c.id)
		c.close()
		return false
	}
}

// close shuts the connection down exactly once; both pumps exit.
func (c *Client) close() {
	c.once.Do(func() {
		close(c.quit)
		c.conn.Close()
	})
}

// writePump drains the outbound queue onto the wire, one JSON text frame
// per message, and keeps the connection alive with pings.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.close()
	}()

	for {
		select {
		case <-c.quit:
			return

		case msg := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteJSON(msg); err != nil {
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
