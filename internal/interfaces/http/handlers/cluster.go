package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	apperrors "github.com/dgfacade/gateway/pkg/errors"
	clustertypes "github.com/dgfacade/gateway/pkg/types/cluster"
)

// ClusterAPI is the slice of the cluster service the HTTP surface
// needs: heartbeat exchange and read-only views of the node table.
type ClusterAPI interface {
	HandleHeartbeat(hb *clustertypes.Heartbeat) (*clustertypes.Heartbeat, error)
	Nodes() []*clustertypes.Node
	Status() map[string]interface{}
}

// ClusterHandler serves the peer-facing heartbeat endpoint and the
// operator-facing node views.
type ClusterHandler struct {
	svc ClusterAPI
}

func NewClusterHandler(svc ClusterAPI) *ClusterHandler {
	return &ClusterHandler{svc: svc}
}

// Heartbeat handles POST /api/v1/cluster/heartbeat. The reply carries
// this node's own snapshot so one-way seed lists still converge.
func (h *ClusterHandler) Heartbeat(c *gin.Context) {
	var hb clustertypes.Heartbeat
	if err := c.ShouldBindJSON(&hb); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid heartbeat body: " + err.Error()})
		return
	}

	reply, err := h.svc.HandleHeartbeat(&hb)
	if err != nil {
		status := apperrors.HTTPStatusForCode(apperrors.GetCode(err))
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, reply)
}

// HeartbeatHint handles GET /api/v1/cluster/heartbeat, which browsers
// and probes hit by habit.
func (h *ClusterHandler) HeartbeatHint(c *gin.Context) {
	c.Header("Allow", http.MethodPost)
	c.JSON(http.StatusMethodNotAllowed, gin.H{
		"error": "heartbeat exchange is POST only",
	})
}

// Nodes handles GET /api/v1/cluster/nodes.
func (h *ClusterHandler) Nodes(c *gin.Context) {
	nodes := h.svc.Nodes()
	c.JSON(http.StatusOK, gin.H{
		"nodes": nodes,
		"count": len(nodes),
	})
}

// Status handles GET /api/v1/cluster/status.
func (h *ClusterHandler) Status(c *gin.Context) {
	c.JSON(http.StatusOK, h.svc.Status())
}
