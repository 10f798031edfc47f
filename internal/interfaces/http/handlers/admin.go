package handlers

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/dgfacade/gateway/internal/infrastructure/monitoring/logging"
	"github.com/dgfacade/gateway/internal/ingest"
	"github.com/dgfacade/gateway/internal/registry"
	handlertypes "github.com/dgfacade/gateway/pkg/types/handler"
)

// RegistryView lists the configured request types.
type RegistryView interface {
	Describe() []registry.Info
}

// WorkerView exposes live and historical worker state.
type WorkerView interface {
	Live() []handlertypes.State
	LiveCount() int
	Completed() int64
	History(limit int) []handlertypes.State
	HistoryByRequest(requestID string) []handlertypes.State
}

// IngestView reports ingester liveness for the health surface.
type IngestView interface {
	Count() int
	Stats() []ingest.Stats
}

// SessionCounter reports how many streaming sessions are open.
type SessionCounter interface {
	Count() int
}

// ReloadFunc re-reads every config surface from disk and returns a
// summary of what is now loaded.
type ReloadFunc func(ctx context.Context) (map[string]interface{}, error)

// AdminDeps carries the admin handler's collaborators. Every field is
// required except Sessions and Ingest, which may be nil when the
// corresponding subsystem is not wired.
type AdminDeps struct {
	Registry RegistryView
	Workers  WorkerView
	Ingest   IngestView
	Sessions SessionCounter
	Reload   ReloadFunc
	Version  string
	Logger   logging.Logger
}

// AdminHandler serves the listing, status, reload and health routes.
type AdminHandler struct {
	deps      AdminDeps
	startedAt time.Time
	logger    logging.Logger
}

func NewAdminHandler(deps AdminDeps) *AdminHandler {
	return &AdminHandler{
		deps:      deps,
		startedAt: time.Now().UTC(),
		logger:    deps.Logger.Named("http"),
	}
}

// Handlers handles GET /api/v1/handlers.
func (h *AdminHandler) Handlers(c *gin.Context) {
	infos := h.deps.Registry.Describe()
	c.JSON(http.StatusOK, gin.H{
		"handlers": infos,
		"count":    len(infos),
	})
}

// Status handles GET /api/v1/status. Without a filter it returns live
// workers followed by the bounded history; ?request_id= narrows both
// to one request, ?limit= caps the history portion.
func (h *AdminHandler) Status(c *gin.Context) {
	var entries []handlertypes.State

	if requestID := c.Query("request_id"); requestID != "" {
		for _, st := range h.deps.Workers.Live() {
			if st.RequestID == requestID {
				entries = append(entries, st)
			}
		}
		entries = append(entries, h.deps.Workers.HistoryByRequest(requestID)...)
	} else {
		limit := 0
		if raw := c.Query("limit"); raw != "" {
			if n, err := strconv.Atoi(raw); err == nil && n > 0 {
				limit = n
			}
		}
		entries = append(h.deps.Workers.Live(), h.deps.Workers.History(limit)...)
	}

	if entries == nil {
		entries = []handlertypes.State{}
	}
	c.JSON(http.StatusOK, gin.H{
		"entries": entries,
		"count":   len(entries),
	})
}

// Reload handles POST /api/v1/reload. Failures stay in the body; the
// route is edge-key protected so the status code is reserved for auth.
func (h *AdminHandler) Reload(c *gin.Context) {
	summary, err := h.deps.Reload(c.Request.Context())
	if err != nil {
		h.logger.Error("config reload failed", logging.Err(err))
		c.JSON(http.StatusOK, gin.H{
			"status": "error",
			"error":  err.Error(),
		})
		return
	}
	h.logger.Info("config reloaded")
	body := gin.H{"status": "reloaded"}
	for k, v := range summary {
		body[k] = v
	}
	c.JSON(http.StatusOK, body)
}

// Health handles GET /api/v1/health. Beyond liveness it reports the
// per-component counters operators page on.
func (h *AdminHandler) Health(c *gin.Context) {
	body := gin.H{
		"status":             "ok",
		"version":            h.deps.Version,
		"uptime_seconds":     int64(time.Since(h.startedAt).Seconds()),
		"live_workers":       h.deps.Workers.LiveCount(),
		"completed_requests": h.deps.Workers.Completed(),
	}
	if h.deps.Sessions != nil {
		body["active_sessions"] = h.deps.Sessions.Count()
	}
	if h.deps.Ingest != nil {
		stats := h.deps.Ingest.Stats()
		if stats == nil {
			stats = []ingest.Stats{}
		}
		body["ingesters_running"] = h.deps.Ingest.Count()
		body["ingesters"] = stats
	}
	c.JSON(http.StatusOK, body)
}
