package middleware

import (
	"time"

	"github.com/gin-gonic/gin"

	"github.com/dgfacade/gateway/internal/infrastructure/monitoring/prometheus"
)

// Metrics observes every served request. The route template, not the
// raw URL, labels the series so cardinality stays bounded.
func Metrics(m *prometheus.GatewayMetrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		m.RecordHTTPRequest(c.Request.Method, path, c.Writer.Status(), time.Since(start))
	}
}
