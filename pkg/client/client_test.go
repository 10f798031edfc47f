package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	clustertypes "github.com/dgfacade/gateway/pkg/types/cluster"
	handlertypes "github.com/dgfacade/gateway/pkg/types/handler"
	"github.com/dgfacade/gateway/pkg/types/message"
)

func newTestClient(t *testing.T, handler http.HandlerFunc, opts ...Option) *Client {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	opts = append([]Option{WithRetryWait(time.Millisecond, 5*time.Millisecond)}, opts...)
	c, err := NewClient(server.URL, "test-api-key", opts...)
	require.NoError(t, err)
	return c
}

func writeJSON(t *testing.T, w http.ResponseWriter, status int, v interface{}) {
	t.Helper()
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	require.NoError(t, json.NewEncoder(w).Encode(v))
}

func TestNewClientValidatesBaseURL(t *testing.T) {
	_, err := NewClient("", "key")
	assert.Error(t, err)

	_, err = NewClient("ftp://host", "key")
	assert.Error(t, err)

	c, err := NewClient("http://gw.example.com/", "key")
	require.NoError(t, err)
	assert.Equal(t, "http://gw.example.com", c.baseURL)
	assert.Contains(t, c.userAgent, "dgf-go-client/")
}

func TestNewClientAllowsEmptyAPIKey(t *testing.T) {
	c, err := NewClient("http://gw.example.com", "")
	require.NoError(t, err)
	assert.Equal(t, "", c.apiKey)
}

func TestSubmitStampsClientAPIKey(t *testing.T) {
	var got message.Request
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		writeJSON(t, w, http.StatusOK, message.NewSuccess(got.RequestID, map[string]interface{}{"ok": true}))
	})

	resp, err := c.Submit(context.Background(), &message.Request{
		RequestID:   "r-1",
		RequestType: "ECHO",
	})
	require.NoError(t, err)
	assert.Equal(t, message.StatusSuccess, resp.Status)
	assert.Equal(t, "test-api-key", got.APIKey)
}

func TestSubmitKeepsExplicitAPIKey(t *testing.T) {
	var got message.Request
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		writeJSON(t, w, http.StatusOK, message.NewSuccess(got.RequestID, nil))
	})

	_, err := c.Submit(context.Background(), &message.Request{
		RequestType: "ECHO",
		APIKey:      "their-key",
	})
	require.NoError(t, err)
	assert.Equal(t, "their-key", got.APIKey)
}

func TestSubmitErrorEnvelopeIsNotAnError(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(t, w, http.StatusOK, message.NewError("r-1", "handler exploded"))
	})

	resp, err := c.SubmitRequest(context.Background(), "ECHO", nil)
	require.NoError(t, err)
	assert.Equal(t, message.StatusError, resp.Status)
	assert.Equal(t, "handler exploded", resp.ErrorMessage)
}

func TestRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			writeJSON(t, w, http.StatusBadGateway, map[string]string{"error": "upstream down"})
			return
		}
		writeJSON(t, w, http.StatusOK, map[string]interface{}{"status": "ok"})
	})

	out, err := c.Health(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "ok", out["status"])
	assert.EqualValues(t, 3, calls.Load())
}

func TestDoesNotRetryClientErrors(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		writeJSON(t, w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
	})

	_, err := c.Handlers(context.Background())
	require.Error(t, err)
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusBadRequest, apiErr.StatusCode)
	assert.Contains(t, apiErr.Message, "invalid request body")
	assert.EqualValues(t, 1, calls.Load())
}

func TestHonoursRetryAfter(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.Header().Set("Retry-After", "0")
			writeJSON(t, w, http.StatusTooManyRequests, map[string]string{"error": "rate limit exceeded"})
			return
		}
		writeJSON(t, w, http.StatusOK, map[string]interface{}{"status": "ok"})
	})

	_, err := c.Health(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 2, calls.Load())
}

func TestRateLimitExhaustionSurfacesAPIError(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(t, w, http.StatusTooManyRequests, map[string]string{"error": "rate limit exceeded"})
	}, WithRetryMax(1))

	_, err := c.Health(context.Background())
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.True(t, apiErr.IsRateLimited())
}

func TestHandlersDecodesListing(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/handlers", r.URL.Path)
		writeJSON(t, w, http.StatusOK, map[string]interface{}{
			"handlers": []HandlerInfo{
				{RequestType: "ECHO", HandlerIdentifier: "builtin.echo", Enabled: true, Registered: true},
			},
			"count": 1,
		})
	})

	out, err := c.Handlers(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, out.Count)
	assert.Equal(t, "ECHO", out.Handlers[0].RequestType)
}

func TestStatusBuildsQuery(t *testing.T) {
	var sawQuery string
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		sawQuery = r.URL.RawQuery
		writeJSON(t, w, http.StatusOK, StatusResult{
			Entries: []handlertypes.State{{HandlerID: "h-1", RequestID: "r-1"}},
			Count:   1,
		})
	})

	out, err := c.Status(context.Background(), StatusQuery{RequestID: "r-1"})
	require.NoError(t, err)
	assert.Equal(t, "request_id=r-1", sawQuery)
	require.Len(t, out.Entries, 1)
	assert.Equal(t, "h-1", out.Entries[0].HandlerID)

	_, err = c.Status(context.Background(), StatusQuery{Limit: 25})
	require.NoError(t, err)
	assert.Equal(t, "limit=25", sawQuery)
}

func TestReloadSendsEdgeKey(t *testing.T) {
	var sawKey string
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		sawKey = r.Header.Get(EdgeKeyHeader)
		writeJSON(t, w, http.StatusOK, map[string]interface{}{"status": "reloaded", "handlers": 2})
	}, WithEdgeKey("sek-1"))

	out, err := c.Reload(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "sek-1", sawKey)
	assert.Equal(t, "reloaded", out["status"])
}

func TestReloadUnauthorizedWithoutEdgeKey(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(t, w, http.StatusUnauthorized, map[string]string{"error": "missing or invalid edge key"})
	})

	_, err := c.Reload(context.Background())
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.True(t, apiErr.IsUnauthorized())
}

func TestReloadInBodyFailureBecomesError(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(t, w, http.StatusOK, map[string]interface{}{"status": "error", "error": "broken handler file"})
	})

	_, err := c.Reload(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "broken handler file")
}

func TestNodesDecodesTable(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/cluster/nodes", r.URL.Path)
		writeJSON(t, w, http.StatusOK, NodesResult{
			Nodes: []*clustertypes.Node{
				{NodeID: "node-a", Host: "10.0.0.1", Port: 8080},
				{NodeID: "node-b", Host: "10.0.0.2", Port: 8080},
			},
			Count: 2,
		})
	})

	out, err := c.Nodes(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2, out.Count)
	assert.Equal(t, "node-a", out.Nodes[0].NodeID)
}

func TestClusterStatusPassthrough(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(t, w, http.StatusOK, map[string]interface{}{"enabled": false, "nodes_known": 1})
	})

	out, err := c.ClusterStatus(context.Background())
	require.NoError(t, err)
	assert.Equal(t, false, out["enabled"])
}

func TestRequestHeadersCarryIdentity(t *testing.T) {
	var ua, reqID, accept string
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		ua = r.Header.Get("User-Agent")
		reqID = r.Header.Get("X-Request-ID")
		accept = r.Header.Get("Accept")
		writeJSON(t, w, http.StatusOK, map[string]interface{}{"status": "ok"})
	})

	_, err := c.Health(context.Background())
	require.NoError(t, err)
	assert.Contains(t, ua, "dgf-go-client/")
	assert.NotEmpty(t, reqID)
	assert.Equal(t, "application/json", accept)
}

func TestContextCancellationStopsRetries(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		writeJSON(t, w, http.StatusBadGateway, map[string]string{"error": "down"})
	}, WithRetryWait(time.Hour, time.Hour))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := c.Health(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.EqualValues(t, 1, calls.Load())
}

func TestAPIErrorFormatting(t *testing.T) {
	err := &APIError{StatusCode: 503, Message: "drained", RequestID: "x-1"}
	msg := fmt.Sprintf("%v", err)
	assert.Contains(t, msg, "503")
	assert.Contains(t, msg, "drained")
	assert.True(t, err.IsServerError())
	assert.False(t, err.IsNotFound())
}
