package client

import (
	"context"

	clustertypes "github.com/dgfacade/gateway/pkg/types/cluster"
)

// NodesResult is the reply of GET /api/v1/cluster/nodes.
type NodesResult struct {
	Nodes []*clustertypes.Node `json:"nodes"`
	Count int                  `json:"count"`
}

// Nodes lists the cluster's node table, the local node first.
func (c *Client) Nodes(ctx context.Context) (*NodesResult, error) {
	var out NodesResult
	if err := c.get(ctx, "/api/v1/cluster/nodes", &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ClusterStatus fetches the cluster roll-up counters.
func (c *Client) ClusterStatus(ctx context.Context) (map[string]interface{}, error) {
	var out map[string]interface{}
	if err := c.get(ctx, "/api/v1/cluster/status", &out); err != nil {
		return nil, err
	}
	return out, nil
}
