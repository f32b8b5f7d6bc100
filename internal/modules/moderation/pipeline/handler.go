package pipeline

import (
	"errors"

	"github.com/diy-mod/core/internal/middleware"
	"github.com/diy-mod/core/internal/pkg/response"
	"github.com/gin-gonic/gin"
)

type Handler struct {
	orch    *Orchestrator
	enforce bool
}

func NewHandler(orch *Orchestrator, enforce bool) *Handler {
	return &Handler{orch: orch, enforce: enforce}
}

// RegisterRoutes mounts POST /get_feed. extra runs after auth and before the
// handler (rate limiting).
func (h *Handler) RegisterRoutes(rg *gin.RouterGroup, authMW gin.HandlerFunc, extra ...gin.HandlerFunc) {
	chain := append([]gin.HandlerFunc{authMW}, extra...)
	chain = append(chain, h.getFeed)
	rg.POST("/get_feed", chain...)
}

func (h *Handler) getFeed(c *gin.Context) {
	var req FeedRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, err.Error())
		return
	}
	if h.enforce && middleware.CurrentUserID(c) != req.UserID {
		response.Forbidden(c, "token does not belong to this user")
		return
	}

	feed, err := h.orch.ProcessFeed(c.Request.Context(), req)
	if err != nil {
		switch {
		case errors.Is(err, ErrInvalidRequest):
			response.UnprocessableEntity(c, err.Error())
		case errors.Is(err, ErrFiltersUnavailable):
			response.ServiceUnavailable(c, err.Error())
		default:
			response.InternalError(c, err)
		}
		return
	}
	response.OK(c, feed)
}
