// Package middleware adapts rate limit decisions to the HTTP layer. The
// limiter itself never touches raw HTTP; this package builds descriptors
// from requests and translates decisions into headers and status codes.
package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/giftwell/platform/internal/ratelimit"
)

// DescriptorFromRequest assembles the client IP candidate chain in trust
// precedence order: forwarded-for hops first, then X-Real-IP, then the
// transport peer address.
func DescriptorFromRequest(r *http.Request) ratelimit.Descriptor {
	var candidates []string
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		for _, hop := range strings.Split(xff, ",") {
			candidates = append(candidates, strings.TrimSpace(hop))
		}
	}
	if realIP := r.Header.Get("X-Real-IP"); realIP != "" {
		candidates = append(candidates, realIP)
	}
	candidates = append(candidates, r.RemoteAddr)

	return ratelimit.Descriptor{
		IPCandidates: candidates,
		Route:        r.URL.Path,
	}
}

// RateLimit enforces the given limiter on every request passing through. The
// decision's headers are attached per the limiter's config; rejections stop
// the chain with 429.
func RateLimit(rl *ratelimit.RateLimiter, logger *zap.Logger) gin.HandlerFunc {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(c *gin.Context) {
		dec := rl.Check(c.Request.Context(), DescriptorFromRequest(c.Request))

		for k, v := range rl.Headers(dec) {
			c.Header(k, v)
		}
		if dec.Err != nil {
			// Failed open: the request proceeds, but the cause is logged
			// here rather than deep inside the check path.
			logger.Warn("rate limit check degraded",
				zap.String("path", c.Request.URL.Path),
				zap.Error(dec.Err))
		}
		if !dec.Allowed {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":       "rate limit exceeded",
				"retry_after": int64(dec.RetryAfter.Seconds()),
			})
			return
		}
		c.Next()
	}
}
