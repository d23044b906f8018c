package middleware

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/time/rate"

	"github.com/irt-reconciliation-engine/internal/domain"
)

// maxTrackedClients bounds the limiter table; idle clients age out after limiterIdleTTL.
const (
	maxTrackedClients = 10000
	limiterIdleTTL    = 10 * time.Minute
)

// RateLimiter hands out one token bucket per client IP.
type RateLimiter struct {
	limit rate.Limit
	burst int

	mu       sync.Mutex
	limiters *expirable.LRU[string, *rate.Limiter]
}

// NewRateLimiter creates a per-client limiter allowing rps requests per second with the
// given burst.
func NewRateLimiter(rps float64, burst int) *RateLimiter {
	return &RateLimiter{
		limit:    rate.Limit(rps),
		burst:    burst,
		limiters: expirable.NewLRU[string, *rate.Limiter](maxTrackedClients, nil, limiterIdleTTL),
	}
}

// Allow reports whether the client may make another request now.
func (rl *RateLimiter) Allow(client string) bool {
	rl.mu.Lock()
	limiter, ok := rl.limiters.Get(client)
	if !ok {
		limiter = rate.NewLimiter(rl.limit, rl.burst)
	}
	// Re-adding refreshes the idle TTL.
	rl.limiters.Add(client, limiter)
	rl.mu.Unlock()

	return limiter.Allow()
}

// Middleware rejects requests over the client's budget with 429.
func (rl *RateLimiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if rl.Allow(c.ClientIP()) {
			c.Next()
			return
		}

		c.Header("Retry-After", "1")
		c.AbortWithStatusJSON(http.StatusTooManyRequests, domain.NewReconciliationError(
			domain.ErrCodeRateLimit, "Too many requests", "", c.GetString("request_id")))
	}
}
