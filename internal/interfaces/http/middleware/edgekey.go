package middleware

import (
	"crypto/subtle"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/dgfacade/gateway/pkg/types/message"
)

// EdgeKeyHeader carries the transport-level credential for admin
// routes. It is independent of the in-envelope api_key, which the
// dispatcher verifies on every submit.
const EdgeKeyHeader = "X-DGF-Edge-Key"

// EdgeKey gates a route group behind the configured edge credentials.
// An empty key list disables the check. This is the only middleware
// allowed to answer 401.
func EdgeKey(keys []string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if len(keys) == 0 {
			c.Next()
			return
		}
		supplied := c.GetHeader(EdgeKeyHeader)
		for _, key := range keys {
			if subtle.ConstantTimeCompare([]byte(supplied), []byte(key)) == 1 {
				c.Next()
				return
			}
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, message.NewError("", "missing or invalid edge key"))
	}
}
