package middleware

import (
	"bytes"
	"encoding/hex"
	"io"
	"net/http"
	"time"

	"github.com/diy-mod/core/internal/pkg/response"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"golang.org/x/crypto/blake2b"
)

const (
	idempotenceHeader = "x-idempotence"
	idempotenceTTL    = 60 * time.Second
	idempotencePrefix = "diymod:idempotence:"

	claimPending = "pending"
	claimDone    = "done"
)

// Idempotence lets one of several identical POST/PUT requests through. The
// key is the x-idempotence header, else a hash of method, URL, body and
// caller. A successful request holds its key for idempotenceTTL; a failed
// one releases it. Redis errors let the request pass.
func Idempotence(rdb *redis.Client) gin.HandlerFunc {
	return func(c *gin.Context) {
		if rdb == nil || (c.Request.Method != http.MethodPost && c.Request.Method != http.MethodPut) {
			c.Next()
			return
		}
		key := idempotenceKey(c)
		if key == "" {
			c.Next()
			return
		}
		key = idempotencePrefix + key
		ctx := c.Request.Context()

		claimed, err := rdb.SetNX(ctx, key, claimPending, idempotenceTTL).Result()
		if err != nil {
			c.Next()
			return
		}
		if !claimed {
			msg := "identical request already succeeded, retry later"
			if state, _ := rdb.Get(ctx, key).Result(); state == claimPending {
				msg = "identical request is still being processed"
			}
			response.Conflict(c, msg)
			return
		}

		c.Next()

		if s := c.Writer.Status(); s >= 200 && s < 300 {
			rdb.Set(ctx, key, claimDone, redis.KeepTTL)
			return
		}
		rdb.Del(ctx, key)
	}
}

func idempotenceKey(c *gin.Context) string {
	if hdr := c.GetHeader(idempotenceHeader); hdr != "" {
		return hdr
	}
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		return ""
	}
	c.Request.Body = io.NopCloser(bytes.NewReader(body))

	caller := NormalizeToken(c.GetHeader("Authorization"))
	if caller == "" {
		caller = c.ClientIP()
	}

	h, _ := blake2b.New256(nil)
	for _, part := range [][]byte{[]byte(c.Request.Method), []byte(c.Request.URL.String()), body, []byte(caller)} {
		h.Write(part)
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}
