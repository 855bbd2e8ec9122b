package collaboration

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"time"

	"drawbridge/internal/engine"
	"drawbridge/internal/middleware"
	"drawbridge/internal/models"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel/attribute"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Cross-origin producers and browsers are allowed, same as the HTTP API.
		return true
	},
}

// Handler upgrades /ws/{sessionId} requests and bridges them into the
// engine's fan-out.
type Handler struct {
	engine *engine.Engine
}

func NewHandler(eng *engine.Engine) *Handler {
	return &Handler{engine: eng}
}

// HandleConnection upgrades the request, registers the subscriber (which
// sends the initial state), and runs the read pump until the connection
// dies. Unsubscribing flushes any pending debounced log append.
func (h *Handler) HandleConnection(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	sessionID := mux.Vars(r)["sessionId"]

	ctx, span := middleware.StartSpan(ctx, "WebSocket.Connect",
		attribute.String("session.id", sessionID),
	)
	defer span.End()

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("Failed to upgrade WebSocket: %v", err)
		middleware.AddSpanError(ctx, err)
		return
	}

	client := newClient(sessionID, conn)

	h.engine.Subscribe(ctx, sessionID, client)
	go client.writePump()

	log.Printf("✓ WebSocket connection %s established for session %s", client.id, sessionID)

	h.readPump(ctx, client)
}

// readPump consumes inbound frames until the connection closes, then
// detaches the subscriber.
func (h *Handler) readPump(ctx context.Context, c *Client) {
	defer func() {
		h.engine.Unsubscribe(c.sessionID, c)
		c.close()
	}()

	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("WebSocket error on client %s: %v", c.id, err)
			}
			return
		}
		c.conn.SetReadDeadline(time.Now().Add(pongWait))

		var msg models.ClientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			log.Printf("⚠️  Client %s: unreadable message, ignoring: %v", c.id, err)
			continue
		}

		switch msg.Type {
		case models.MessageUpdate:
			h.engine.SubmitUpdate(ctx, c.sessionID, c, msg.Elements, msg.BaseVersion)
		default:
			log.Printf("⚠️  Client %s: unknown message type %q, ignoring", c.id, msg.Type)
		}
	}
}
