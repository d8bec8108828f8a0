package endpoints

import (
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"stemstudio/internal/apperr"
	"stemstudio/internal/ratelimit"
)

// RateLimitMiddleware enforces the per-IP window on submission-class
// endpoints. A limiter backend failure fails open so a broken redis cannot
// take the API down.
func RateLimitMiddleware(limiter ratelimit.Limiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		ip := c.ClientIP()

		result, err := limiter.Allow(c.Request.Context(), ip)
		if err != nil {
			slog.Warn("rate limiter unavailable, allowing request", "client_ip", ip, "error", err)
			c.Next()
			return
		}

		if !result.Allowed {
			if result.RetryAfter > 0 {
				seconds := int(result.RetryAfter.Seconds())
				if seconds < 1 {
					seconds = 1
				}
				c.Header("Retry-After", strconv.Itoa(seconds))
			}
			slog.Warn("rate limit exceeded", "client_ip", ip, "path", c.Request.URL.Path)
			c.JSON(http.StatusTooManyRequests, ErrorResponse{
				Code:    string(apperr.CodeRateLimitExceeded),
				Message: "rate limit exceeded, try again later",
			})
			c.Abort()
			return
		}
		c.Next()
	}
}
