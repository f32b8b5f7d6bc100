package middleware

import (
	"fmt"
	"strconv"
	"time"

	"github.com/diy-mod/core/internal/pkg/response"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const rateLimitPrefix = "diymod:rate_limit:"

// RateLimit enforces a fixed-window limit per caller. The caller is the
// authenticated user when present, else keyFn, else the client IP. Redis
// failures let the request through.
func RateLimit(rdb *redis.Client, max int, window time.Duration, keyFn func(c *gin.Context) string, log *zap.Logger) gin.HandlerFunc {
	if window <= 0 {
		window = time.Minute
	}
	return func(c *gin.Context) {
		if rdb == nil || max <= 0 {
			c.Next()
			return
		}

		caller := CurrentUserID(c)
		if caller == "" && keyFn != nil {
			caller = keyFn(c)
		}
		if caller == "" {
			caller = c.ClientIP()
		}
		if caller == "" {
			c.Next()
			return
		}

		ctx := c.Request.Context()
		bucket := time.Now().UnixNano() / int64(window)
		key := fmt.Sprintf("%s%s:%d", rateLimitPrefix, caller, bucket)

		count, err := rdb.Incr(ctx, key).Result()
		if err != nil {
			if log != nil {
				log.Debug("rate limit bypassed", zap.Error(err))
			}
			c.Next()
			return
		}
		if count == 1 {
			rdb.PExpire(ctx, key, window+time.Second)
		}

		if count > int64(max) {
			c.Header("Retry-After", strconv.Itoa(int(window/time.Second)))
			response.TooManyRequests(c, "too many requests, slow down")
			return
		}
		c.Next()
	}
}
