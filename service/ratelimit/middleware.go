package ratelimit

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
)

// ActorFunc extracts the rate-limit actor from a request: the authenticated
// user id when known, the client IP otherwise.
type ActorFunc func(c *gin.Context) string

// IPActor keys purely on the client address.
func IPActor(c *gin.Context) string { return c.ClientIP() }

// Middleware admission-checks one action per request and always emits the
// X-RateLimit-* headers, including on rejection.
func Middleware(l *Limiter, action Action, actor ActorFunc) gin.HandlerFunc {
	return func(c *gin.Context) {
		res := l.Check(c.Request.Context(), actor(c), action)

		c.Header("X-RateLimit-Limit", strconv.Itoa(res.Limit))
		if res.Remaining >= 0 {
			c.Header("X-RateLimit-Remaining", strconv.Itoa(res.Remaining))
		}
		if !res.Reset.IsZero() {
			c.Header("X-RateLimit-Reset", strconv.FormatInt(res.Reset.Unix(), 10))
		}

		if !res.Allowed {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":       "RATE_LIMIT_EXCEEDED",
				"reason":      res.Reason,
				"retry_after": int(res.RetryAfter / time.Second),
			})
			return
		}
		c.Next()
	}
}
