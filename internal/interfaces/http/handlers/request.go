// Package handlers contains the gin handlers for the gateway's HTTP
// surface. Handlers translate between HTTP and the dispatch, worker,
// and cluster layers; they never execute request logic themselves.
package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/dgfacade/gateway/internal/cluster"
	"github.com/dgfacade/gateway/internal/infrastructure/monitoring/logging"
	"github.com/dgfacade/gateway/pkg/types/message"
)

// Submitter runs one request through auth, dispatch and execution and
// always yields a response envelope, never an error.
type Submitter interface {
	Submit(ctx context.Context, req *message.Request) *message.Response
}

// ForwardSink counts requests that arrived relayed from a peer node.
type ForwardSink interface {
	ReceivedForward()
}

// RequestHandler serves the synchronous request ingress endpoint.
type RequestHandler struct {
	dispatcher Submitter
	forwards   ForwardSink
	logger     logging.Logger
}

// NewRequestHandler builds the ingress handler. forwards may be nil
// when clustering is not wired.
func NewRequestHandler(dispatcher Submitter, forwards ForwardSink, logger logging.Logger) *RequestHandler {
	return &RequestHandler{
		dispatcher: dispatcher,
		forwards:   forwards,
		logger:     logger.Named("http"),
	}
}

// Submit handles POST /api/v1/request. Outcomes travel inside the
// response envelope at HTTP 200; only an unparseable body earns a 400.
func (h *RequestHandler) Submit(c *gin.Context) {
	var req message.Request
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, message.NewError("", "invalid request body: "+err.Error()))
		return
	}

	if h.forwards != nil && c.GetHeader(cluster.ForwardHeader) != "" {
		h.forwards.ReceivedForward()
	}

	// Forwarded requests keep the source channel stamped by the first
	// gateway that saw them.
	if req.SourceChannel == "" {
		req.SourceChannel = message.SourceREST
	}
	if req.ReceivedAt.IsZero() {
		req.ReceivedAt = time.Now().UTC()
	}

	resp := h.dispatcher.Submit(c.Request.Context(), &req)
	c.JSON(http.StatusOK, resp)
}
