// Package ws serves the websocket attach point. A connected socket can
// submit requests and subscribe to streaming sessions; the hub is the
// publisher's socket target, pushing session updates to every
// subscriber.
package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/dgfacade/gateway/internal/infrastructure/monitoring/logging"
	"github.com/dgfacade/gateway/internal/infrastructure/monitoring/prometheus"
	"github.com/dgfacade/gateway/pkg/types/message"
)

// Submitter runs one request end to end and always yields an envelope.
type Submitter interface {
	Submit(ctx context.Context, req *message.Request) *message.Response
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// The envelope carries its own api_key and admin routes sit behind
	// the edge key, so cross-origin sockets are acceptable here.
	CheckOrigin: func(*http.Request) bool { return true },
}

// Hub owns every open socket and the session subscription index.
type Hub struct {
	dispatcher Submitter
	logger     logging.Logger
	metrics    *prometheus.GatewayMetrics

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	clients  map[*client]struct{}
	sessions map[string]map[*client]struct{}
	closed   bool
}

// NewHub builds the hub. Mount it at GET /ws; it upgrades in ServeHTTP.
func NewHub(dispatcher Submitter, logger logging.Logger, metrics *prometheus.GatewayMetrics) *Hub {
	if logger == nil {
		logger = logging.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Hub{
		dispatcher: dispatcher,
		logger:     logger.Named("ws"),
		metrics:    metrics,
		ctx:        ctx,
		cancel:     cancel,
		clients:    make(map[*client]struct{}),
		sessions:   make(map[string]map[*client]struct{}),
	}
}

// ServeHTTP upgrades the connection and starts the client's pumps.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already answered the client.
		h.logger.Warn("websocket upgrade failed", logging.Err(err))
		return
	}

	c := newClient(h, conn)
	if !h.add(c) {
		_ = conn.Close()
		return
	}
	h.metrics.AddWSConnections(1)
	h.logger.Info("websocket connected",
		logging.String("client", c.id),
		logging.String("remote", conn.RemoteAddr().String()),
	)

	go c.writePump()
	go c.readPump()
}

// PushToSession delivers one update to every socket subscribed to the
// session. A socket whose send buffer is full misses this update
// rather than stalling the publisher.
func (h *Hub) PushToSession(sessionID string, resp *message.Response) int {
	data, err := json.Marshal(resp)
	if err != nil {
		h.logger.Error("marshal push failed", logging.SessionID(sessionID), logging.Err(err))
		return 0
	}

	h.mu.Lock()
	targets := make([]*client, 0, len(h.sessions[sessionID]))
	for c := range h.sessions[sessionID] {
		targets = append(targets, c)
	}
	h.mu.Unlock()

	reached := 0
	for _, c := range targets {
		if c.enqueue(data) {
			reached++
		} else {
			h.logger.Debug("socket behind, update dropped",
				logging.String("client", c.id),
				logging.SessionID(sessionID),
			)
		}
	}
	return reached
}

// ClientCount reports the number of open sockets.
func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// SessionSubscribers reports how many sockets follow a session.
func (h *Hub) SessionSubscribers(sessionID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.sessions[sessionID])
}

// Shutdown refuses new sockets, cancels in-flight submissions, and
// closes every connection, waiting up to the context deadline.
func (h *Hub) Shutdown(ctx context.Context) {
	h.mu.Lock()
	h.closed = true
	clients := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()

	h.cancel()
	for _, c := range clients {
		c.close()
	}

	deadline := time.NewTimer(shutdownPoll)
	defer deadline.Stop()
	for h.ClientCount() > 0 {
		select {
		case <-ctx.Done():
			return
		case <-deadline.C:
			deadline.Reset(shutdownPoll)
		}
	}
}

const shutdownPoll = 20 * time.Millisecond

func (h *Hub) add(c *client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.clients[c] = struct{}{}
	return true
}

func (h *Hub) remove(c *client) {
	h.mu.Lock()
	_, present := h.clients[c]
	delete(h.clients, c)
	for sid := range c.sessions {
		if subs := h.sessions[sid]; subs != nil {
			delete(subs, c)
			if len(subs) == 0 {
				delete(h.sessions, sid)
			}
		}
	}
	h.mu.Unlock()

	if present {
		h.metrics.AddWSConnections(-1)
		h.logger.Info("websocket disconnected", logging.String("client", c.id))
	}
}

func (h *Hub) subscribe(c *client, sessionID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	subs := h.sessions[sessionID]
	if subs == nil {
		subs = make(map[*client]struct{})
		h.sessions[sessionID] = subs
	}
	subs[c] = struct{}{}
	c.sessions[sessionID] = struct{}{}
}

func (h *Hub) unsubscribe(c *client, sessionID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if subs := h.sessions[sessionID]; subs != nil {
		delete(subs, c)
		if len(subs) == 0 {
			delete(h.sessions, sessionID)
		}
	}
	delete(c.sessions, sessionID)
}

// inboundHead is the action discriminator of a client frame. Submit
// frames carry the request envelope in the same object.
type inboundHead struct {
	Action    string `json:"action"`
	SessionID string `json:"session_id"`
}

func (h *Hub) handleInbound(c *client, data []byte) {
	var head inboundHead
	if err := json.Unmarshal(data, &head); err != nil {
		c.reply(message.NewError("", "invalid frame: "+err.Error()))
		return
	}

	switch strings.ToLower(strings.TrimSpace(head.Action)) {
	case "submit":
		h.handleSubmit(c, data)
	case "subscribe":
		if head.SessionID == "" {
			c.reply(message.NewError("", "subscribe requires session_id"))
			return
		}
		h.subscribe(c, head.SessionID)
		c.reply(message.NewSuccess("", map[string]interface{}{
			"subscribed": head.SessionID,
		}))
	case "unsubscribe":
		if head.SessionID == "" {
			c.reply(message.NewError("", "unsubscribe requires session_id"))
			return
		}
		h.unsubscribe(c, head.SessionID)
		c.reply(message.NewSuccess("", map[string]interface{}{
			"unsubscribed": head.SessionID,
		}))
	default:
		c.reply(message.NewError("", "unknown action: "+head.Action))
	}
}

func (h *Hub) handleSubmit(c *client, data []byte) {
	var req message.Request
	if err := json.Unmarshal(data, &req); err != nil {
		c.reply(message.NewError("", "invalid request frame: "+err.Error()))
		return
	}
	if req.SourceChannel == "" {
		req.SourceChannel = message.SourceWebSocket
	}
	if req.ReceivedAt.IsZero() {
		req.ReceivedAt = time.Now().UTC()
	}

	// Execution happens off the read pump so a long one-shot wait
	// never blocks further frames from this socket.
	go func() {
		resp := h.dispatcher.Submit(h.ctx, &req)
		if resp == nil {
			return
		}
		// A streaming kickoff subscribes the submitting socket before
		// the ack is visible, so no update can slip past it.
		if sid := streamingSessionID(resp); sid != "" {
			h.subscribe(c, sid)
		}
		c.reply(resp)
	}()
}

func streamingSessionID(resp *message.Response) string {
	if resp.Status != message.StatusSuccess || resp.Data == nil {
		return ""
	}
	if streaming, ok := resp.Data["streaming"].(bool); !ok || !streaming {
		return ""
	}
	sid, _ := resp.Data["session_id"].(string)
	return sid
}
