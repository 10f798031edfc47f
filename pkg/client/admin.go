package client

import (
	"context"
	"fmt"
	"net/url"

	handlertypes "github.com/dgfacade/gateway/pkg/types/handler"
)

// HandlerInfo mirrors one entry of the gateway's handler listing.
type HandlerInfo struct {
	RequestType       string  `json:"request_type"`
	HandlerIdentifier string  `json:"handler_identifier"`
	TTLMinutes        float64 `json:"ttl_minutes"`
	Enabled           bool    `json:"enabled"`
	Registered        bool    `json:"registered"`
	Streaming         bool    `json:"streaming"`
}

// HandlersResult is the reply of GET /api/v1/handlers.
type HandlersResult struct {
	Handlers []HandlerInfo `json:"handlers"`
	Count    int           `json:"count"`
}

// StatusResult is the reply of GET /api/v1/status: live workers
// followed by bounded history.
type StatusResult struct {
	Entries []handlertypes.State `json:"entries"`
	Count   int                  `json:"count"`
}

// StatusQuery narrows the status listing. The zero value lists
// everything the gateway retains.
type StatusQuery struct {
	// RequestID restricts entries to one request.
	RequestID string

	// Limit caps the history portion when RequestID is unset.
	Limit int
}

// Handlers lists the configured request types.
func (c *Client) Handlers(ctx context.Context) (*HandlersResult, error) {
	var out HandlersResult
	if err := c.get(ctx, "/api/v1/handlers", &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Status lists worker states, optionally narrowed by query.
func (c *Client) Status(ctx context.Context, q StatusQuery) (*StatusResult, error) {
	path := "/api/v1/status"
	params := url.Values{}
	if q.RequestID != "" {
		params.Set("request_id", q.RequestID)
	} else if q.Limit > 0 {
		params.Set("limit", fmt.Sprintf("%d", q.Limit))
	}
	if len(params) > 0 {
		path += "?" + params.Encode()
	}

	var out StatusResult
	if err := c.get(ctx, path, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Reload asks the gateway to reread its config tree and credentials.
// Needs the edge key when the server has one configured; the summary
// reports what is loaded afterwards.
func (c *Client) Reload(ctx context.Context) (map[string]interface{}, error) {
	var out map[string]interface{}
	if err := c.postAdmin(ctx, "/api/v1/reload", nil, &out); err != nil {
		return nil, err
	}
	if status, _ := out["status"].(string); status == "error" {
		msg, _ := out["error"].(string)
		return out, fmt.Errorf("client: reload failed: %s", msg)
	}
	return out, nil
}

// Health fetches the liveness and component counters.
func (c *Client) Health(ctx context.Context) (map[string]interface{}, error) {
	var out map[string]interface{}
	if err := c.get(ctx, "/api/v1/health", &out); err != nil {
		return nil, err
	}
	return out, nil
}
