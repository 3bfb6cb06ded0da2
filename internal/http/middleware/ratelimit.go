// Package middleware contains shared Gin middleware used by the HTTP layer.
//
// This file implements the edge rate limiter: one token bucket per caller
// (agent id, else client IP) held in a bounded, expiring LRU. It protects
// the process from floods; it is not the per-source auto-post window, which
// the operation service enforces separately.
package middleware

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/time/rate"
)

// KeyFunc maps a request to its bucket.
type KeyFunc func(*gin.Context) string

// KeyByAgentOrIP prefers X-Agent-ID (via Identity) and falls back to the
// client IP. Prefixes keep the two namespaces apart.
func KeyByAgentOrIP() KeyFunc {
	return func(c *gin.Context) string {
		if id := AgentID(c); id != "" {
			return "agent:" + id
		}
		return "ip:" + c.ClientIP()
	}
}

// RateLimiterOptions bounds the bucket cache.
type RateLimiterOptions struct {
	MaxKeys int           // default 10000
	IdleTTL time.Duration // default 10m
}

// RateLimiter is safe for concurrent use.
type RateLimiter struct {
	rps     rate.Limit
	burst   int
	keyFn   KeyFunc
	buckets *expirable.LRU[string, *rate.Limiter]
}

// NewRateLimiter allows rps tokens per second with the given burst per key.
// burst <= 0 is coerced to 1; rps 0 disables limiting.
func NewRateLimiter(rps float64, burst int, keyFn KeyFunc, opts ...RateLimiterOptions) *RateLimiter {
	if burst <= 0 {
		burst = 1
	}
	o := RateLimiterOptions{MaxKeys: 10000, IdleTTL: 10 * time.Minute}
	if len(opts) > 0 {
		if opts[0].MaxKeys > 0 {
			o.MaxKeys = opts[0].MaxKeys
		}
		if opts[0].IdleTTL > 0 {
			o.IdleTTL = opts[0].IdleTTL
		}
	}
	return &RateLimiter{
		rps:     rate.Limit(rps),
		burst:   burst,
		keyFn:   keyFn,
		buckets: expirable.NewLRU[string, *rate.Limiter](o.MaxKeys, nil, o.IdleTTL),
	}
}

func (rl *RateLimiter) limiter(key string) *rate.Limiter {
	if lim, ok := rl.buckets.Get(key); ok {
		return lim
	}
	lim := rate.NewLimiter(rl.rps, rl.burst)
	rl.buckets.Add(key, lim)
	return lim
}

// IsRateBypass reports whether IdempotencyValidator marked the request as a
// replay.
func IsRateBypass(c *gin.Context) bool {
	b, _ := c.Get(ctxKeyRateBypass)
	v, _ := b.(bool)
	return v
}

// Handler rejects over-limit requests with 429 and a Retry-After hint.
// Replays skip the limiter.
func (rl *RateLimiter) Handler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if rl.rps <= 0 || IsRateBypass(c) {
			c.Next()
			return
		}
		r := rl.limiter(rl.keyFn(c)).Reserve()
		if d := r.Delay(); d > 0 {
			r.Cancel()
			secs := int(d/time.Second) + 1
			c.Header("Retry-After", strconv.Itoa(secs))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"request_id": GetRequestID(c),
				"code":       "too_many_requests",
				"message":    "rate limit exceeded",
			})
			return
		}
		c.Next()
	}
}
