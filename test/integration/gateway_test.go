package integration

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dgfacade/gateway/pkg/client"
	handlertypes "github.com/dgfacade/gateway/pkg/types/handler"
	"github.com/dgfacade/gateway/pkg/types/message"
)

// builtinTree declares the builtin handlers the basic scenarios use.
func builtinTree() map[string]string {
	return map[string]string{
		"handlers/builtin.json": `{
  "ECHO":    {"handler_identifier": "builtin.echo", "ttl_minutes": 1, "enabled": true},
  "DELAYED": {"handler_identifier": "builtin.delayed", "ttl_minutes": 1, "enabled": true}
}`,
	}
}

func TestEchoRequestOverREST(t *testing.T) {
	SkipIfNoIntegration(t)

	gw := StartGateway(t, GatewayOptions{Files: builtinTree()})
	api := gw.Client(t)

	resp, err := api.SubmitRequest(context.Background(), "ECHO", map[string]interface{}{"message": "hi"})
	require.NoError(t, err)
	require.Equal(t, message.StatusSuccess, resp.Status)
	require.Equal(t, "hi", resp.Data["message"])
	require.NotEmpty(t, resp.RequestID)
	require.NotEmpty(t, resp.HandlerID)

	state := WaitForPhase(t, api, resp.RequestID, handlertypes.PhaseCompleted)
	require.Equal(t, "ECHO", state.RequestType)
	require.True(t, state.Success)
	require.NotNil(t, state.DurationMs)
}

func TestRequestTTLExpiry(t *testing.T) {
	SkipIfNoIntegration(t)

	gw := StartGateway(t, GatewayOptions{Files: builtinTree()})
	api := gw.Client(t)

	req := message.NewRequest("DELAYED", TestAPIKey, map[string]interface{}{"delay_ms": 5000})
	ttl := 0.01 // 600ms
	req.TTLMinutes = &ttl

	resp, err := api.Submit(context.Background(), req)
	require.NoError(t, err)
	require.Equal(t, message.StatusTimeout, resp.Status)
	require.Equal(t, req.RequestID, resp.RequestID)

	// Exactly one terminal record lands in the ring: the worker is
	// torn down once, not per observer.
	var entries []handlertypes.State
	require.Eventually(t, func() bool {
		res, err := api.Status(context.Background(), client.StatusQuery{RequestID: req.RequestID})
		if err != nil {
			return false
		}
		entries = res.Entries
		return len(entries) == 1 && entries[0].Phase == handlertypes.PhaseTimedOut
	}, 10*time.Second, 25*time.Millisecond, "timed-out worker never settled in history")
	require.False(t, entries[0].Success)
	require.Equal(t, "DELAYED", entries[0].RequestType)
}

func TestRejectedAPIKeyStaysOpaque(t *testing.T) {
	SkipIfNoIntegration(t)

	gw := StartGateway(t, GatewayOptions{Files: builtinTree()})

	bad, err := client.NewClient(gw.URL, "no-such-key", client.WithTimeout(5*time.Second))
	require.NoError(t, err)

	resp, err := bad.SubmitRequest(context.Background(), "ECHO", map[string]interface{}{"message": "hi"})
	require.NoError(t, err)
	require.Equal(t, message.StatusUnauthorized, resp.Status)
	require.Empty(t, resp.ErrorMessage)
}

func TestAdminReloadPicksUpNewHandlers(t *testing.T) {
	SkipIfNoIntegration(t)

	gw := StartGateway(t, GatewayOptions{Files: builtinTree()})
	api := gw.Client(t)

	before, err := api.Handlers(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2, before.Count)

	WriteTree(t, gw.Root, map[string]string{
		"handlers/extra.json": `{
  "ARITHMETIC": {"handler_identifier": "builtin.arithmetic", "ttl_minutes": 1, "enabled": true}
}`,
	})

	summary, err := api.Reload(context.Background())
	require.NoError(t, err)
	require.EqualValues(t, 3, summary["handlers"])

	resp, err := api.SubmitRequest(context.Background(), "ARITHMETIC", map[string]interface{}{
		"operation": "ADD",
		"operandA":  2,
		"operandB":  4,
	})
	require.NoError(t, err)
	require.Equal(t, message.StatusSuccess, resp.Status)
	require.EqualValues(t, 6, resp.Data["result"])
}
