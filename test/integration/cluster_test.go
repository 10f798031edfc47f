package integration

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dgfacade/gateway/internal/config"
	handlertypes "github.com/dgfacade/gateway/pkg/types/handler"
	"github.com/dgfacade/gateway/pkg/types/message"
)

// TestClusterForwardsUnknownType runs two gateways: A has no WEATHER
// handler, B advertises one. A submit to A must come back with B's
// response and bump the forward counters on both sides.
func TestClusterForwardsUnknownType(t *testing.T) {
	SkipIfNoIntegration(t)

	a := StartGateway(t, GatewayOptions{
		Files: map[string]string{
			"handlers/echo.json": `{"ECHO": {"handler_identifier": "builtin.echo", "ttl_minutes": 1, "enabled": true}}`,
		},
		Mutate: func(cfg *config.Config) {
			cfg.Cluster = config.ClusterConfig{
				Enabled:          true,
				NodeID:           "gw-a",
				AdvertiseHost:    "127.0.0.1",
				Role:             "GATEWAY",
				HeartbeatSeconds: 0.2,
				ClusterTag:       "itest",
			}
		},
	})

	b := StartGateway(t, GatewayOptions{
		Files: map[string]string{
			"handlers/weather.json": `{"WEATHER": {"handler_identifier": "builtin.echo", "ttl_minutes": 1, "enabled": true}}`,
		},
		Mutate: func(cfg *config.Config) {
			cfg.Cluster = config.ClusterConfig{
				Enabled:          true,
				NodeID:           "gw-b",
				AdvertiseHost:    "127.0.0.1",
				Role:             "EXECUTOR",
				SeedNodes:        []string{fmt.Sprintf("127.0.0.1:%d", a.Port)},
				HeartbeatSeconds: 0.2,
				ClusterTag:       "itest",
			}
		},
	})

	apiA := a.Client(t)
	apiB := b.Client(t)

	// B heartbeats A, so A learns about B and what it can execute.
	require.Eventually(t, func() bool {
		res, err := apiA.Nodes(context.Background())
		if err != nil {
			return false
		}
		for _, n := range res.Nodes {
			if n.NodeID == "gw-b" && n.Alive() && n.Advertises("WEATHER") {
				return true
			}
		}
		return false
	}, 10*time.Second, 50*time.Millisecond, "gateway A never discovered B")

	resp, err := apiA.SubmitRequest(context.Background(), "WEATHER", map[string]interface{}{"city": "Oslo"})
	require.NoError(t, err)
	require.Equal(t, message.StatusSuccess, resp.Status)
	require.Equal(t, "Oslo", resp.Data["city"])
	require.NotEmpty(t, resp.HandlerID)

	statusA, err := apiA.ClusterStatus(context.Background())
	require.NoError(t, err)
	require.EqualValues(t, 1, statusA["requests_forwarded"])

	statusB, err := apiB.ClusterStatus(context.Background())
	require.NoError(t, err)
	require.EqualValues(t, 1, statusB["requests_received"])

	// B ran the request locally, so its worker history has it and A's
	// does not.
	state := WaitForPhase(t, apiB, resp.RequestID, handlertypes.PhaseCompleted)
	require.Equal(t, "WEATHER", state.RequestType)
}
