package gateway

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/diy-mod/core/internal/modules/delivery/broker"
	"github.com/diy-mod/core/internal/pkg/response"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// ParseFilters reads each value as a JSON array of filter texts, or as one
// filter text when it is not an array.
func ParseFilters(values []string) []string {
	var out []string
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		if strings.HasPrefix(v, "[") {
			var list []string
			if err := json.Unmarshal([]byte(v), &list); err == nil {
				out = append(out, list...)
				continue
			}
		}
		out = append(out, v)
	}
	return out
}

// Poll answers GET /image-result?img_url=...&filters=[...]. Polling is the
// authoritative view of a job; push is best effort.
//
// The status is PROCESSING, COMPLETED or FAILED for a known job, and
// NOT_FOUND (still 200) when no job exists for the image and filters.
func (h *Hub) Poll(c *gin.Context) {
	imageURL := strings.TrimSpace(c.Query("img_url"))
	if imageURL == "" {
		response.BadRequest(c, "img_url is required")
		return
	}
	filters := ParseFilters(c.QueryArray("filters"))

	job, err := h.jobs.Lookup(c.Request.Context(), imageURL, filters)
	if err != nil {
		if errors.Is(err, broker.ErrJobNotFound) {
			c.JSON(http.StatusOK, PollResult{Status: PollNotFound})
			return
		}
		h.logger.Warn("poll lookup failed", zap.String("image_url", imageURL), zap.Error(err))
		response.ServiceUnavailable(c, "job store unavailable")
		return
	}
	c.JSON(http.StatusOK, h.pollResult(job))
}

func (h *Hub) pollResult(job *broker.Job) PollResult {
	out := PollResult{JobID: job.ID}
	switch job.Status {
	case broker.StatusReady:
		out.Status = PollCompleted
		out.ProcessedValue = job.Result
		if h.opts.IncludeBase64 {
			out.Base64URL = job.Base64
		}
	case broker.StatusFailed:
		out.Status = PollFailed
		out.Error = job.Error
	default:
		out.Status = PollProcessing
	}
	return out
}

// RegisterRoutes mounts the WebSocket, socket.io, polling and stats routes.
// wsAuth guards the WebSocket route.
func (h *Hub) RegisterRoutes(rg *gin.RouterGroup, wsAuth gin.HandlerFunc) {
	rg.GET("/ws/:user_id", wsAuth, h.ServeWS)

	sio := gin.WrapH(h.sio.ServeHandler(nil))
	rg.Any("/socket.io", sio)
	rg.Any("/socket.io/*any", sio)

	rg.GET("/image-result", h.Poll)
	rg.GET("/get_img_result", h.Poll)
	rg.GET("/gateway/stats", func(c *gin.Context) {
		response.OK(c, h.Stats())
	})
}
