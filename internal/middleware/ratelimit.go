package middleware

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/zaqqye/proctoring_backend/internal/apperr"
	"github.com/zaqqye/proctoring_backend/internal/kv"
)

// KeyFunc picks the bucket a request is counted in.
type KeyFunc func(c *gin.Context) string

func ByClientIP(c *gin.Context) string {
	return c.ClientIP()
}

// ByIdentity buckets authenticated callers by user or mobile session and falls
// back to the client IP.
func ByIdentity(c *gin.Context) string {
	if ident, ok := CurrentIdentity(c); ok {
		if ident.IsMobile() {
			return "mobile:" + ident.SessionID
		}
		return "user:" + ident.UserID
	}
	return "ip:" + c.ClientIP()
}

// RateLimit counts requests per key in fixed windows with an atomic INCR in the
// TTL store. Store failures let the request through.
func RateLimit(store kv.Store, name string, limit int, window time.Duration, key KeyFunc) gin.HandlerFunc {
	return func(c *gin.Context) {
		bucket := fmt.Sprintf("ratelimit:%s:%s", name, key(c))
		n, err := store.Incr(c.Request.Context(), bucket, window)
		if err != nil {
			log.Warn().Err(err).Str("bucket", bucket).Msg("rate limit check failed")
			c.Next()
			return
		}
		c.Header("X-RateLimit-Limit", strconv.Itoa(limit))
		remaining := int64(limit) - n
		if remaining < 0 {
			remaining = 0
		}
		c.Header("X-RateLimit-Remaining", strconv.FormatInt(remaining, 10))
		if n > int64(limit) {
			if ttl, err := store.TTL(c.Request.Context(), bucket); err == nil && ttl > 0 {
				c.Header("Retry-After", strconv.Itoa(int(ttl.Seconds()+0.5)))
			}
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "too many requests", "code": apperr.CodeRateLimited})
			return
		}
		c.Next()
	}
}
