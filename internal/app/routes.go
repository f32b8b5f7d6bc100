package app

import (
	"net/http"
	"time"

	"github.com/diy-mod/core/internal/middleware"
	"github.com/diy-mod/core/internal/modules/filter"
	"github.com/diy-mod/core/internal/modules/moderation/pipeline"
	"github.com/diy-mod/core/internal/pkg/imagestore"
	"github.com/gin-gonic/gin"
)

func (a *App) registerRoutes() {
	r := a.router
	enforce := a.cfg.Auth.Enforce

	r.GET("/ping", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"data": "pong"}) })
	r.GET("/uptime", func(c *gin.Context) {
		up := time.Since(processStart)
		c.JSON(http.StatusOK, gin.H{
			"timestamp": up.Milliseconds(),
			"humanize":  humanizeDuration(up),
		})
	})
	r.GET("/cron", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"data": a.sched.List()}) })

	if a.cfg.Storage.Driver == "" || a.cfg.Storage.Driver == "local" {
		r.Static(imagestore.StaticPrefix, a.cfg.LocalStorageDir())
	}

	root := r.Group("")
	authMW := middleware.Auth(a.signer, enforce, nil)

	var feedMW []gin.HandlerFunc
	if a.cfg.RateLimit.Enable {
		feedMW = append(feedMW, middleware.RateLimit(
			a.rc.Raw(),
			a.cfg.RateLimit.MaxPerWindow,
			a.cfg.RateLimit.Window,
			nil,
			a.logger.Named("ratelimit"),
		))
	}
	pipeline.NewHandler(a.orch, enforce).RegisterRoutes(root, authMW, feedMW...)
	filter.NewHandler(a.filters, enforce).RegisterRoutes(root, authMW, middleware.Idempotence(a.rc.Raw()))
	a.hub.RegisterRoutes(root, middleware.Auth(a.signer, enforce, middleware.ParamUserID("user_id")))
}

func humanizeDuration(d time.Duration) string {
	switch {
	case d < time.Minute:
		return d.Truncate(time.Second).String()
	case d < time.Hour:
		return d.Truncate(time.Minute).String()
	case d < 24*time.Hour:
		return d.Truncate(time.Hour).String()
	}
	return d.Truncate(24 * time.Hour).String()
}
