// Package cluster defines the node records exchanged by heartbeats.
package cluster

import (
	"fmt"
	"strings"
	"time"
)

// NodeRole declares what traffic a node accepts.
type NodeRole string

const (
	RoleBoth     NodeRole = "BOTH"
	RoleGateway  NodeRole = "GATEWAY"
	RoleExecutor NodeRole = "EXECUTOR"
)

// ParseRole maps a wire string to a role, defaulting to BOTH.
func ParseRole(s string) NodeRole {
	switch NodeRole(strings.ToUpper(strings.TrimSpace(s))) {
	case RoleGateway:
		return RoleGateway
	case RoleExecutor:
		return RoleExecutor
	default:
		return RoleBoth
	}
}

// CanExecute reports whether the role accepts forwarded work.
func (r NodeRole) CanExecute() bool {
	return r == RoleBoth || r == RoleExecutor
}

// NodeStatus is the liveness verdict the local service holds per peer.
type NodeStatus string

const (
	StatusUp      NodeStatus = "UP"
	StatusSuspect NodeStatus = "SUSPECT"
	StatusDown    NodeStatus = "DOWN"
	StatusLeaving NodeStatus = "LEAVING"
)

// Node is one cluster member's snapshot. The local ClusterService is
// the only writer; heartbeat payloads carry copies.
type Node struct {
	NodeID                 string     `json:"node_id"`
	Host                   string     `json:"host"`
	Port                   int        `json:"port"`
	Role                   NodeRole   `json:"role"`
	Status                 NodeStatus `json:"status"`
	Version                string     `json:"version,omitempty"`
	StartedAt              time.Time  `json:"started_at"`
	LastHeartbeat          time.Time  `json:"last_heartbeat"`
	ActiveHandlers         int64      `json:"active_handlers"`
	TotalRequestsProcessed int64      `json:"total_requests_processed"`
	CPULoad                float64    `json:"cpu_load"`
	HeapUsedMB             float64    `json:"heap_used_mb"`
	HeapMaxMB              float64    `json:"heap_max_mb"`
	HandlerTypes           []string   `json:"handler_types,omitempty"`
}

// Advertises reports whether the node claims a handler for the type.
func (n *Node) Advertises(requestType string) bool {
	for _, t := range n.HandlerTypes {
		if strings.EqualFold(t, requestType) {
			return true
		}
	}
	return false
}

// Address returns host:port for HTTP heartbeats and forwards.
func (n *Node) Address() string {
	return fmt.Sprintf("%s:%d", n.Host, n.Port)
}

// BaseURL returns the peer's HTTP root.
func (n *Node) BaseURL() string {
	return "http://" + n.Address()
}

// Alive reports whether the node is a forwarding candidate.
func (n *Node) Alive() bool {
	return n.Status == StatusUp
}

// Clone returns an independent copy.
func (n *Node) Clone() *Node {
	cp := *n
	if n.HandlerTypes != nil {
		cp.HandlerTypes = append([]string(nil), n.HandlerTypes...)
	}
	return &cp
}

// Heartbeat is the payload POSTed between peers: the sender's own
// snapshot. The reply carries the receiver's snapshot back.
type Heartbeat struct {
	Node       *Node     `json:"node"`
	ClusterTag string    `json:"cluster_tag,omitempty"`
	SentAt     time.Time `json:"sent_at"`
}
