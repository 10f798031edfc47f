// Package http assembles the gateway's HTTP surface: the gin router,
// its middleware stack, and the server lifecycle wrapper.
package http

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/dgfacade/gateway/internal/config"
	"github.com/dgfacade/gateway/internal/infrastructure/monitoring/logging"
	"github.com/dgfacade/gateway/internal/infrastructure/monitoring/prometheus"
	"github.com/dgfacade/gateway/internal/interfaces/http/handlers"
	"github.com/dgfacade/gateway/internal/interfaces/http/middleware"
)

// Options carries everything the router mounts. Handler fields are
// required; Cluster, Socket and MetricsHandler may be nil, in which
// case their routes are not registered.
type Options struct {
	Server  config.ServerConfig
	Request *handlers.RequestHandler
	Admin   *handlers.AdminHandler
	Cluster *handlers.ClusterHandler

	// Socket serves GET /ws; MetricsHandler serves GET /metrics.
	Socket         http.Handler
	MetricsHandler http.Handler

	Metrics *prometheus.GatewayMetrics
	Logger  logging.Logger
}

// NewRouter builds the gin engine with the full route table and
// middleware stack.
func NewRouter(opts Options) *gin.Engine {
	gin.SetMode(ginMode(opts.Server.Mode))

	engine := gin.New()
	engine.Use(
		middleware.Recovery(opts.Logger),
		middleware.RequestLogging(opts.Logger, middleware.DefaultLoggingConfig()),
		middleware.Metrics(opts.Metrics),
		middleware.CORS(nil),
		bodyLimit(opts.Server.MaxBodySize),
	)

	engine.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": "route not found"})
	})

	api := engine.Group("/api/v1")

	limiter := middleware.NewRateLimiter(opts.Server.RateLimitPerSecond, opts.Server.RateLimitBurst)
	api.POST("/request", middleware.RateLimit(limiter), opts.Request.Submit)

	api.GET("/handlers", opts.Admin.Handlers)
	api.GET("/status", opts.Admin.Status)
	api.GET("/health", opts.Admin.Health)

	// Reload is the one mutating admin route; it alone demands the
	// edge credential.
	api.POST("/reload", middleware.EdgeKey(opts.Server.EdgeAPIKeys), opts.Admin.Reload)

	if opts.Cluster != nil {
		cl := api.Group("/cluster")
		cl.GET("/heartbeat", opts.Cluster.HeartbeatHint)
		cl.POST("/heartbeat", opts.Cluster.Heartbeat)
		cl.GET("/nodes", opts.Cluster.Nodes)
		cl.GET("/status", opts.Cluster.Status)
	}

	if opts.Socket != nil {
		engine.GET("/ws", gin.WrapH(opts.Socket))
	}
	if opts.MetricsHandler != nil {
		engine.GET("/metrics", gin.WrapH(opts.MetricsHandler))
	}

	return engine
}

func ginMode(mode string) string {
	switch mode {
	case "debug":
		return gin.DebugMode
	case "test":
		return gin.TestMode
	default:
		return gin.ReleaseMode
	}
}

// bodyLimit caps request body size so a single oversized submission
// cannot exhaust memory. Reads past the cap fail the JSON bind.
func bodyLimit(limit int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		if limit > 0 && c.Request.Body != nil {
			c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, limit)
		}
		c.Next()
	}
}
