package middleware

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"

	"github.com/dgfacade/gateway/pkg/types/message"
)

// visitor is one client's token bucket with its last activity time.
type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter throttles per client IP. Idle buckets are pruned
// opportunistically so the map does not grow with churned clients.
type RateLimiter struct {
	perSec rate.Limit
	burst  int

	mu        sync.Mutex
	visitors  map[string]*visitor
	lastPrune time.Time
}

// NewRateLimiter builds a limiter. perSec <= 0 disables throttling.
func NewRateLimiter(perSec float64, burst int) *RateLimiter {
	if burst < 1 {
		burst = int(perSec) + 1
	}
	return &RateLimiter{
		perSec:    rate.Limit(perSec),
		burst:     burst,
		visitors:  make(map[string]*visitor),
		lastPrune: time.Now(),
	}
}

// Allow consumes one token for key.
func (rl *RateLimiter) Allow(key string) bool {
	now := time.Now()
	rl.mu.Lock()
	defer rl.mu.Unlock()

	if now.Sub(rl.lastPrune) > 5*time.Minute {
		for k, v := range rl.visitors {
			if now.Sub(v.lastSeen) > 10*time.Minute {
				delete(rl.visitors, k)
			}
		}
		rl.lastPrune = now
	}

	v, ok := rl.visitors[key]
	if !ok {
		v = &visitor{limiter: rate.NewLimiter(rl.perSec, rl.burst)}
		rl.visitors[key] = v
	}
	v.lastSeen = now
	return v.limiter.Allow()
}

// RateLimit rejects clients above the configured rate with 429 and a
// Retry-After hint. A nil limiter or non-positive rate passes all
// traffic through.
func RateLimit(rl *RateLimiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		if rl == nil || rl.perSec <= 0 {
			c.Next()
			return
		}
		if !rl.Allow(c.ClientIP()) {
			c.Header("Retry-After", strconv.Itoa(1))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, message.NewError("", "rate limit exceeded"))
			return
		}
		c.Next()
	}
}
