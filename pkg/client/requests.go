package client

import (
	"context"

	"github.com/dgfacade/gateway/pkg/types/message"
)

// Submit posts a request envelope and returns the gateway's response.
// A missing api_key is filled from the client's credential; the
// outcome, including handler failures, travels in the envelope.
func (c *Client) Submit(ctx context.Context, req *message.Request) (*message.Response, error) {
	if req.APIKey == "" {
		req.APIKey = c.apiKey
	}
	var resp message.Response
	if err := c.post(ctx, "/api/v1/request", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// SubmitRequest is the convenience form of Submit for the common case
// of a type and a payload.
func (c *Client) SubmitRequest(ctx context.Context, requestType string, payload map[string]interface{}) (*message.Response, error) {
	return c.Submit(ctx, message.NewRequest(requestType, c.apiKey, payload))
}
