package ws

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/dgfacade/gateway/internal/infrastructure/monitoring/logging"
	"github.com/dgfacade/gateway/pkg/types/message"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10

	// Submit frames carry full request payloads, so the limit mirrors
	// the HTTP body cap rather than a chat-sized frame.
	maxFrameSize = 4 << 20

	sendBuffer = 64
)

// client is one open socket. The sessions set is guarded by the hub's
// mutex, everything else is owned by the pumps.
type client struct {
	hub  *Hub
	conn *websocket.Conn
	id   string

	send     chan []byte
	done     chan struct{}
	once     sync.Once
	sessions map[string]struct{}
}

func newClient(h *Hub, conn *websocket.Conn) *client {
	return &client{
		hub:      h,
		conn:     conn,
		id:       "ws-" + uuid.NewString()[:8],
		send:     make(chan []byte, sendBuffer),
		done:     make(chan struct{}),
		sessions: make(map[string]struct{}),
	}
}

// enqueue hands a frame to the write pump without ever blocking.
func (c *client) enqueue(data []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

func (c *client) reply(resp *message.Response) {
	data, err := json.Marshal(resp)
	if err != nil {
		c.hub.logger.Error("marshal reply failed", logging.Err(err))
		return
	}
	if !c.enqueue(data) {
		c.hub.logger.Warn("reply dropped, socket behind", logging.String("client", c.id))
	}
}

// close signals both pumps to stop. Safe to call more than once.
func (c *client) close() {
	c.once.Do(func() { close(c.done) })
}

func (c *client) readPump() {
	defer func() {
		c.close()
		c.hub.remove(c)
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(maxFrameSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.hub.logger.Warn("websocket read failed",
					logging.String("client", c.id),
					logging.Err(err),
				)
			}
			return
		}
		c.hub.handleInbound(c, data)
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case data := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"))
			return
		}
	}
}
