package integration

import (
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/dgfacade/gateway/pkg/types/message"
)

// TestStreamingOverWebSocket submits a streaming request over a live
// socket and expects the kickoff ack, every tick, and the terminal
// frame on the same connection.
func TestStreamingOverWebSocket(t *testing.T) {
	SkipIfNoIntegration(t)

	gw := StartGateway(t, GatewayOptions{Files: map[string]string{
		"handlers/stream.json": `{
  "TIMEFEED": {"handler_identifier": "builtin.timefeed", "ttl_minutes": 1, "enabled": true,
               "config": {"interval_ms": 50, "default_ticks": 3}}
}`,
	}})

	wsURL := "ws" + strings.TrimPrefix(gw.URL, "http") + "/ws"
	conn, hs, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	if hs != nil {
		hs.Body.Close()
	}
	defer conn.Close()

	require.NoError(t, conn.WriteJSON(map[string]interface{}{
		"action":            "submit",
		"request_type":      "TIMEFEED",
		"api_key":           TestAPIKey,
		"is_streaming":      true,
		"payload":           map[string]interface{}{"ticks": 3},
		"response_channels": []string{"websocket"},
	}))

	// The submitting socket is subscribed before the ack is written, so
	// updates may legitimately arrive ahead of the ack frame.
	var (
		ackSeen   bool
		done      bool
		sessionID string
		updates   int
		finalData map[string]interface{}
	)
	deadline := time.Now().Add(15 * time.Second)
	for !done || !ackSeen {
		require.NoError(t, conn.SetReadDeadline(deadline))
		var frame message.Response
		require.NoError(t, conn.ReadJSON(&frame), "socket closed after %d updates", updates)

		switch frame.Status {
		case message.StatusStreamingUpdate:
			updates++
		case message.StatusStreamingComplete:
			done = true
			finalData = frame.Data
		case message.StatusSuccess:
			if streaming, _ := frame.Data["streaming"].(bool); streaming {
				ackSeen = true
				sessionID, _ = frame.Data["session_id"].(string)
			}
		default:
			t.Fatalf("unexpected frame: %+v", frame)
		}
	}

	require.NotEmpty(t, sessionID)
	require.Equal(t, 3, updates)
	require.EqualValues(t, 3, finalData["ticks"])
}
