package ws

import (
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/vppillai/diagram-tools-hub/internal/ratelimit"
	"github.com/vppillai/diagram-tools-hub/internal/room"
	"github.com/vppillai/diagram-tools-hub/internal/store"
)

const (
	writeWait         = 10 * time.Second
	pongWait          = 60 * time.Second
	pingPeriod        = 30 * time.Second
	maxMessageSize    = 1024 * 1024
	messagesPerSecond = 100
	messageBurst      = 200
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Gateway terminates WebSocket upgrades on /connect/<roomId> and
// binds each socket to a session in the owning room.
type Gateway struct {
	engine *room.Engine
}

func NewGateway(engine *room.Engine) *Gateway {
	return &Gateway{engine: engine}
}

type client struct {
	conn        *websocket.Conn
	session     *room.Session
	room        *room.Room
	rateLimiter *ratelimit.Limiter
}

// ServeWS handles an upgrade request. The room id is the path segment
// after /connect/; the session id comes from the sessionId query
// parameter or is synthesized.
func (g *Gateway) ServeWS(w http.ResponseWriter, r *http.Request) {
	roomID := strings.TrimPrefix(r.URL.Path, "/connect/")
	roomID = strings.TrimSuffix(roomID, "/")

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Println("Upgrade error:", err)
		return
	}

	// Reject anything the snapshot store could not persist, so an
	// invalid id never becomes a live room.
	if err := store.ValidateKey(roomID); err != nil {
		closeWith(conn, websocket.ClosePolicyViolation, "missing or invalid roomId")
		return
	}

	sessionID := r.URL.Query().Get("sessionId")
	if sessionID == "" {
		sessionID = "session-" + uuid.NewString()
	}

	rm, err := g.engine.ObtainRoom(roomID)
	if err != nil {
		log.Printf("Room %s: obtain failed for session %s: %v", roomID, sessionID, err)
		closeWith(conn, websocket.CloseInternalServerErr, "room unavailable")
		return
	}

	session, err := rm.Attach(sessionID)
	if err != nil {
		// Lost the race with room teardown.
		closeWith(conn, websocket.CloseInternalServerErr, "room closed")
		return
	}

	log.Printf("Session %s joined room %s", sessionID, roomID)

	c := &client{
		conn:        conn,
		session:     session,
		room:        rm,
		rateLimiter: ratelimit.NewLimiter(messagesPerSecond, messageBurst),
	}

	go c.writePump()
	go c.readPump()
}

func closeWith(conn *websocket.Conn, code int, reason string) {
	deadline := time.Now().Add(writeWait)
	conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)
	conn.Close()
}

func (c *client) readPump() {
	defer func() {
		c.room.Detach(c.session)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	rateLimitWarnings := 0

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				log.Printf("Session %s in room %s: socket error: %v", c.session.ID, c.room.ID, err)
			}
			break
		}

		if !c.rateLimiter.Allow() {
			rateLimitWarnings++
			if rateLimitWarnings%100 == 1 {
				log.Printf("Rate limit exceeded for session %s in room %s (warning #%d)",
					c.session.ID, c.room.ID, rateLimitWarnings)
			}
			if rateLimitWarnings > 1000 {
				log.Printf("Disconnecting session %s for excessive rate limit violations", c.session.ID)
				closeWith(c.conn, websocket.ClosePolicyViolation, "rate limit")
				return
			}
			continue
		}

		if err := c.room.Apply(c.session, message); err != nil {
			if err == room.ErrRoomClosed {
				closeWith(c.conn, websocket.CloseGoingAway, "room closed")
				return
			}
			// Malformed frame: drop this session, the room survives.
			log.Printf("Invalid message from session %s in room %s: %v", c.session.ID, c.room.ID, err)
			closeWith(c.conn, websocket.CloseProtocolError, "invalid message")
			return
		}
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.session.Outbound():
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				code := c.session.CloseCode()
				c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(code, ""))
				return
			}

			w, err := c.conn.NextWriter(websocket.BinaryMessage)
			if err != nil {
				return
			}
			w.Write(message)

			if err := w.Close(); err != nil {
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
