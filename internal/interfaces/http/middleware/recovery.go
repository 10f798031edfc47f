package middleware

import (
	"net/http"
	"runtime/debug"

	"github.com/gin-gonic/gin"

	"github.com/dgfacade/gateway/internal/infrastructure/monitoring/logging"
	"github.com/dgfacade/gateway/pkg/types/message"
)

// Recovery converts a route-level panic into an error envelope. Worker
// panics never reach here; this guards the interface layer itself.
func Recovery(logger logging.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if r := recover(); r != nil {
				logger.Error("http handler panic",
					logging.String("path", c.Request.URL.Path),
					logging.Any("panic", r),
					logging.String("stack", string(debug.Stack())))
				if !c.Writer.Written() {
					c.AbortWithStatusJSON(http.StatusOK, message.NewError("", "internal error"))
					return
				}
				c.Abort()
			}
		}()
		c.Next()
	}
}
