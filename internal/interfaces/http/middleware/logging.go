// Package middleware holds the gin middleware chain of the gateway's
// HTTP surface: request logging, panic recovery, scrape metrics, the
// edge credential gate for admin routes, per-client throttling, and
// CORS headers for browser clients.
package middleware

import (
	"time"

	"github.com/gin-gonic/gin"

	"github.com/dgfacade/gateway/internal/infrastructure/monitoring/logging"
)

// LoggingConfig tunes the request log middleware.
type LoggingConfig struct {
	// SkipPaths are high-frequency paths kept out of the log.
	SkipPaths []string

	// SlowThreshold promotes requests above it to Warn level.
	SlowThreshold time.Duration
}

// DefaultLoggingConfig skips the probe endpoints and flags requests
// slower than three seconds.
func DefaultLoggingConfig() LoggingConfig {
	return LoggingConfig{
		SkipPaths:     []string{"/api/v1/health", "/metrics"},
		SlowThreshold: 3 * time.Second,
	}
}

// RequestLogging logs one line per served request. 5xx logs at Error,
// 4xx and slow requests at Warn, the rest at Info.
func RequestLogging(logger logging.Logger, cfg LoggingConfig) gin.HandlerFunc {
	skip := make(map[string]bool, len(cfg.SkipPaths))
	for _, p := range cfg.SkipPaths {
		skip[p] = true
	}

	return func(c *gin.Context) {
		if skip[c.Request.URL.Path] {
			c.Next()
			return
		}

		start := time.Now()
		path := c.Request.URL.Path
		if raw := c.Request.URL.RawQuery; raw != "" {
			path = path + "?" + raw
		}

		c.Next()

		duration := time.Since(start)
		status := c.Writer.Status()
		fields := []logging.Field{
			logging.String("method", c.Request.Method),
			logging.String("path", path),
			logging.Int("status", status),
			logging.Duration("duration", duration),
			logging.Int("bytes", c.Writer.Size()),
			logging.String("remote_addr", c.ClientIP()),
		}
		if len(c.Errors) > 0 {
			fields = append(fields, logging.String("errors", c.Errors.String()))
		}

		switch {
		case status >= 500:
			logger.Error("http request", fields...)
		case status >= 400:
			logger.Warn("http request", fields...)
		case cfg.SlowThreshold > 0 && duration >= cfg.SlowThreshold:
			logger.Warn("http request (slow)", fields...)
		default:
			logger.Info("http request", fields...)
		}
	}
}
