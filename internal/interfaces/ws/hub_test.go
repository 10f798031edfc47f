package ws

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dgfacade/gateway/internal/infrastructure/monitoring/logging"
	"github.com/dgfacade/gateway/pkg/types/message"
)

type hubSubmitter struct {
	mu    sync.Mutex
	seen  []*message.Request
	reply func(req *message.Request) *message.Response
}

func (s *hubSubmitter) Submit(_ context.Context, req *message.Request) *message.Response {
	s.mu.Lock()
	s.seen = append(s.seen, req)
	s.mu.Unlock()
	if s.reply != nil {
		return s.reply(req)
	}
	return message.NewSuccess(req.RequestID, map[string]interface{}{"echo": true})
}

func (s *hubSubmitter) last() *message.Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.seen) == 0 {
		return nil
	}
	return s.seen[len(s.seen)-1]
}

func newTestHub(t *testing.T, sub *hubSubmitter) (*Hub, *httptest.Server) {
	t.Helper()
	hub := NewHub(sub, logging.NewNopLogger(), nil)
	srv := httptest.NewServer(hub)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		hub.Shutdown(ctx)
		srv.Close()
	})
	return hub, srv
}

func dial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func send(t *testing.T, conn *websocket.Conn, v interface{}) {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, data))
}

func readEnvelope(t *testing.T, conn *websocket.Conn) *message.Response {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var resp message.Response
	require.NoError(t, json.Unmarshal(data, &resp))
	return &resp
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within %v", timeout)
}

func TestSubmitRoundTrip(t *testing.T) {
	sub := &hubSubmitter{}
	_, srv := newTestHub(t, sub)
	conn := dial(t, srv)

	send(t, conn, map[string]interface{}{
		"action":       "submit",
		"request_id":   "r-ws-1",
		"request_type": "ECHO",
		"api_key":      "k",
		"payload":      map[string]interface{}{"msg": "hi"},
	})

	resp := readEnvelope(t, conn)
	assert.Equal(t, message.StatusSuccess, resp.Status)
	assert.Equal(t, "r-ws-1", resp.RequestID)

	req := sub.last()
	require.NotNil(t, req)
	assert.Equal(t, message.SourceWebSocket, req.SourceChannel)
	assert.False(t, req.ReceivedAt.IsZero())
}

func TestSubmitAutoSubscribesStreamingSession(t *testing.T) {
	sub := &hubSubmitter{
		reply: func(req *message.Request) *message.Response {
			return message.NewSuccess(req.RequestID, map[string]interface{}{
				"streaming":  true,
				"session_id": "sess-1",
			})
		},
	}
	hub, srv := newTestHub(t, sub)
	conn := dial(t, srv)

	send(t, conn, map[string]interface{}{
		"action":       "submit",
		"request_type": "PROGRESS",
		"api_key":      "k",
	})
	ack := readEnvelope(t, conn)
	require.Equal(t, message.StatusSuccess, ack.Status)
	assert.Equal(t, 1, hub.SessionSubscribers("sess-1"))

	update := message.NewStreamingUpdate("r-1", 1, map[string]interface{}{"pct": 50})
	assert.Equal(t, 1, hub.PushToSession("sess-1", update))

	got := readEnvelope(t, conn)
	assert.Equal(t, message.StatusStreamingUpdate, got.Status)
	assert.EqualValues(t, 1, got.SequenceNumber)
}

func TestSubscribeAndPushDelivery(t *testing.T) {
	hub, srv := newTestHub(t, &hubSubmitter{})
	conn := dial(t, srv)

	send(t, conn, map[string]interface{}{"action": "subscribe", "session_id": "sess-9"})
	ack := readEnvelope(t, conn)
	require.Equal(t, message.StatusSuccess, ack.Status)
	assert.Equal(t, "sess-9", ack.Data["subscribed"])

	update := message.NewStreamingUpdate("r-9", 3, map[string]interface{}{"step": "indexing"})
	require.Equal(t, 1, hub.PushToSession("sess-9", update))

	got := readEnvelope(t, conn)
	assert.Equal(t, "r-9", got.RequestID)
	assert.EqualValues(t, 3, got.SequenceNumber)
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	hub, srv := newTestHub(t, &hubSubmitter{})
	conn := dial(t, srv)

	send(t, conn, map[string]interface{}{"action": "subscribe", "session_id": "sess-2"})
	readEnvelope(t, conn)
	send(t, conn, map[string]interface{}{"action": "unsubscribe", "session_id": "sess-2"})
	ack := readEnvelope(t, conn)
	assert.Equal(t, "sess-2", ack.Data["unsubscribed"])

	assert.Equal(t, 0, hub.PushToSession("sess-2", message.NewSuccess("r", nil)))
}

func TestSubscribeRequiresSessionID(t *testing.T) {
	_, srv := newTestHub(t, &hubSubmitter{})
	conn := dial(t, srv)

	send(t, conn, map[string]interface{}{"action": "subscribe"})
	resp := readEnvelope(t, conn)
	assert.Equal(t, message.StatusError, resp.Status)
	assert.Contains(t, resp.ErrorMessage, "session_id")
}

func TestUnknownActionAnswersError(t *testing.T) {
	_, srv := newTestHub(t, &hubSubmitter{})
	conn := dial(t, srv)

	send(t, conn, map[string]interface{}{"action": "dance"})
	resp := readEnvelope(t, conn)
	assert.Equal(t, message.StatusError, resp.Status)
	assert.Contains(t, resp.ErrorMessage, "unknown action")
}

func TestInvalidFrameAnswersError(t *testing.T) {
	_, srv := newTestHub(t, &hubSubmitter{})
	conn := dial(t, srv)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("{not json")))
	resp := readEnvelope(t, conn)
	assert.Equal(t, message.StatusError, resp.Status)
}

func TestPushToUnknownSessionReachesNobody(t *testing.T) {
	hub, srv := newTestHub(t, &hubSubmitter{})
	dial(t, srv)

	assert.Equal(t, 0, hub.PushToSession("sess-nobody", message.NewSuccess("r", nil)))
}

func TestDisconnectPrunesSubscriptions(t *testing.T) {
	hub, srv := newTestHub(t, &hubSubmitter{})
	conn := dial(t, srv)

	send(t, conn, map[string]interface{}{"action": "subscribe", "session_id": "sess-3"})
	readEnvelope(t, conn)
	require.Equal(t, 1, hub.ClientCount())

	require.NoError(t, conn.Close())
	waitFor(t, 2*time.Second, func() bool { return hub.ClientCount() == 0 })
	assert.Equal(t, 0, hub.SessionSubscribers("sess-3"))
	assert.Equal(t, 0, hub.PushToSession("sess-3", message.NewSuccess("r", nil)))
}

func TestShutdownClosesClients(t *testing.T) {
	hub, srv := newTestHub(t, &hubSubmitter{})
	conn := dial(t, srv)
	require.Equal(t, 1, hub.ClientCount())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	hub.Shutdown(ctx)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := conn.ReadMessage()
	assert.Error(t, err)
	assert.Equal(t, 0, hub.ClientCount())
}

func TestShutdownRefusesNewSockets(t *testing.T) {
	hub, srv := newTestHub(t, &hubSubmitter{})
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	hub.Shutdown(ctx)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		return
	}
	defer conn.Close()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err = conn.ReadMessage()
	assert.Error(t, err)
}
