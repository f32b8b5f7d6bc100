package filter

import (
	"errors"

	"github.com/diy-mod/core/internal/middleware"
	"github.com/diy-mod/core/internal/models"
	"github.com/diy-mod/core/internal/pkg/pagination"
	"github.com/diy-mod/core/internal/pkg/response"
	"github.com/gin-gonic/gin"
)

type Handler struct {
	svc     *Service
	enforce bool
}

// NewHandler builds the filter handler. With enforce set, callers may only
// touch filters owned by the uid in their token.
func NewHandler(svc *Service, enforce bool) *Handler {
	return &Handler{svc: svc, enforce: enforce}
}

func (h *Handler) RegisterRoutes(rg *gin.RouterGroup, authMW, idempotenceMW gin.HandlerFunc) {
	g := rg.Group("/filters", authMW)
	g.GET("", h.list)
	g.GET("/:id", h.get)
	g.POST("", idempotenceMW, h.create)
	g.PUT("/:id", h.update)
	g.PATCH("/:id", h.update)
	g.DELETE("/:id", h.delete)
}

func (h *Handler) owns(c *gin.Context, userID string) bool {
	if !h.enforce {
		return true
	}
	return middleware.CurrentUserID(c) == userID
}

func (h *Handler) load(c *gin.Context) *models.FilterModel {
	item, err := h.svc.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			response.NotFoundMsg(c, "filter not found")
			return nil
		}
		response.InternalError(c, err)
		return nil
	}
	if !h.owns(c, item.UserID) {
		response.Forbidden(c, "filter belongs to another user")
		return nil
	}
	return item
}

func (h *Handler) list(c *gin.Context) {
	userID := c.Query("user_id")
	if userID == "" {
		response.BadRequest(c, "user_id is required")
		return
	}
	if !h.owns(c, userID) {
		response.Forbidden(c, "token does not belong to this user")
		return
	}
	items, pag, err := h.svc.List(c.Request.Context(), userID, pagination.FromContext(c))
	if err != nil {
		response.InternalError(c, err)
		return
	}
	response.Paged(c, items, pag)
}

func (h *Handler) get(c *gin.Context) {
	if item := h.load(c); item != nil {
		response.OK(c, item)
	}
}

func (h *Handler) create(c *gin.Context) {
	var dto CreateFilterDTO
	if err := c.ShouldBindJSON(&dto); err != nil {
		response.BadRequest(c, err.Error())
		return
	}
	if !h.owns(c, dto.UserID) {
		response.Forbidden(c, "token does not belong to this user")
		return
	}
	item, err := h.svc.Create(c.Request.Context(), &dto)
	if err != nil {
		h.fail(c, err)
		return
	}
	response.Created(c, item)
}

func (h *Handler) update(c *gin.Context) {
	var dto UpdateFilterDTO
	if err := c.ShouldBindJSON(&dto); err != nil {
		response.BadRequest(c, err.Error())
		return
	}
	if h.load(c) == nil {
		return
	}
	item, err := h.svc.Update(c.Request.Context(), c.Param("id"), &dto)
	if err != nil {
		h.fail(c, err)
		return
	}
	response.OK(c, item)
}

func (h *Handler) delete(c *gin.Context) {
	if h.load(c) == nil {
		return
	}
	if err := h.svc.Delete(c.Request.Context(), c.Param("id")); err != nil {
		h.fail(c, err)
		return
	}
	response.NoContent(c)
}

func (h *Handler) fail(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrInvalid):
		response.UnprocessableEntity(c, err.Error())
	case errors.Is(err, ErrNotFound):
		response.NotFoundMsg(c, "filter not found")
	case errors.Is(err, ErrVersionConflict):
		response.Conflict(c, err.Error())
	default:
		response.InternalError(c, err)
	}
}
