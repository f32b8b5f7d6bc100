package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/diy-mod/core/internal/config"
	"github.com/diy-mod/core/internal/database"
	"github.com/diy-mod/core/internal/middleware"
	"github.com/diy-mod/core/internal/modules/delivery/broker"
	"github.com/diy-mod/core/internal/modules/delivery/gateway"
	"github.com/diy-mod/core/internal/modules/delivery/imageedit"
	"github.com/diy-mod/core/internal/modules/filter"
	"github.com/diy-mod/core/internal/modules/moderation/classifier"
	"github.com/diy-mod/core/internal/modules/moderation/pipeline"
	"github.com/diy-mod/core/internal/modules/moderation/planner"
	"github.com/diy-mod/core/internal/modules/moderation/rcache"
	"github.com/diy-mod/core/internal/modules/moderation/transformer"
	"github.com/diy-mod/core/internal/pkg/cluster"
	pkgcron "github.com/diy-mod/core/internal/pkg/cron"
	"github.com/diy-mod/core/internal/pkg/imagestore"
	"github.com/diy-mod/core/internal/pkg/jwt"
	"github.com/diy-mod/core/internal/pkg/llm"
	pkgredis "github.com/diy-mod/core/internal/pkg/redis"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// App holds all application dependencies.
type App struct {
	cfg    *config.AppConfig
	router *gin.Engine
	db     *gorm.DB
	rc     *pkgredis.Client
	logger *zap.Logger
	signer *jwt.Signer

	filters *filter.Service
	cache   *rcache.Cache
	broker  *broker.Broker
	orch    *pipeline.Orchestrator
	logs    *pipeline.GormLogStore
	hub     *gateway.Hub
	sched   *pkgcron.Scheduler

	cancel context.CancelFunc
}

// New wires config → DB → Redis → moderation stack → routes and starts the
// background workers.
func New(logger *zap.Logger, cfg *config.AppConfig) (*App, error) {
	if cfg == nil {
		return nil, errors.New("config is nil")
	}

	db, err := database.Connect(cfg, cfg.IsDev())
	if err != nil {
		return nil, fmt.Errorf("database: %w", err)
	}

	rc, err := pkgredis.Connect(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("redis: %w", err)
	}

	if cfg.IsDev() {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.HandleMethodNotAllowed = true
	router.Use(gin.Recovery())
	router.Use(middleware.Logger(logger))
	router.Use(corsMiddleware(cfg))

	var signer *jwt.Signer
	if cfg.JWTSecret != "" {
		signer = jwt.NewSigner(cfg.JWTSecret)
	} else {
		logger.Warn("jwt_secret is empty, tokens are ignored")
	}

	a := &App{cfg: cfg, router: router, db: db, rc: rc, logger: logger, signer: signer}
	if err := a.build(); err != nil {
		_ = rc.Close()
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	a.cancel = cancel
	a.broker.Start(ctx)

	a.sched = pkgcron.New(logger.Named("cron"))
	if cluster.IsLeader() {
		a.registerCronJobs()
		go a.sched.Start(ctx)
	} else {
		logger.Info("not the leader instance, cron jobs disabled")
	}

	a.registerRoutes()
	return a, nil
}

func (a *App) build() error {
	cfg, logger := a.cfg, a.logger

	a.filters = filter.NewService(filter.NewGormStore(a.db))

	cacheOpts := rcache.Options{
		TTL:       cfg.Cache.TTL,
		Capacity:  cfg.Cache.Capacity,
		KeyPrefix: cfg.Cache.KeyPrefix,
		Logger:    logger.Named("cache"),

		ComputeTimeout: cfg.Cache.ComputeTimeout,
	}
	if cfg.Cache.Redis {
		cacheOpts.Redis = a.rc
	}
	a.cache = rcache.New(cacheOpts)

	store, err := imagestore.New(cfg.Storage, cfg.LocalStorageDir())
	if err != nil {
		return fmt.Errorf("image store: %w", err)
	}

	text := a.role("classifier", cfg.LLM.Classifier)
	vision := a.role("vision", cfg.LLM.Vision)
	rewriter := a.role("rewriter", cfg.LLM.Rewriter)
	editor := a.role("image_edit", cfg.LLM.ImageEdit)

	var jobs broker.Store = broker.NewMemoryStore()
	if cfg.Broker.Driver == "redis" {
		jobs = broker.NewRedisStore(a.rc, cfg.Broker.Retention)
	}
	a.broker = broker.New(broker.Options{
		Store: jobs,
		Executor: imageedit.New(editor, store, imageedit.Options{
			MaxBytes:      cfg.Storage.MaxImageBytes,
			IncludeBase64: cfg.Delivery.IncludeBase64,
			Logger:        logger.Named("imageedit"),
		}),
		Workers:    cfg.Broker.Workers,
		QueueSize:  cfg.Broker.QueueSize,
		JobTimeout: cfg.Broker.JobTimeout,
		StaleAfter: cfg.Broker.StaleAfter,
		Retention:  cfg.Broker.Retention,
		Bus:        a.rc,
		Logger:     logger.Named("broker"),
	})

	a.logs = pipeline.NewGormLogStore(a.db)
	a.orch = pipeline.New(pipeline.Deps{
		Filters:    a.filters,
		Classifier: classifier.New(text, vision, cfg.Classifier, logger.Named("classifier")),
		Planner:    planner.New(planner.PolicyFromConfig(cfg.Policy)),
		Transformer: transformer.New(
			transformer.NewLLMRewriter(rewriter, cfg.Classifier.Retry, cfg.Classifier.MaxTokens),
			a.broker,
			logger.Named("transformer"),
		),
		Cache: a.cache,
		Jobs:  a.broker,
		Logs:  a.logs,
	}, pipeline.Options{
		MaxConcurrency: cfg.Pipeline.MaxConcurrency,
		Deadline:       cfg.Pipeline.Deadline,
		ImageWait:      cfg.Pipeline.ImageWait,
		Logger:         logger.Named("pipeline"),
	})

	a.hub = gateway.NewHub(a.broker, gateway.Options{
		HeartbeatInterval: cfg.Delivery.HeartbeatInterval,
		HeartbeatTimeout:  cfg.Delivery.HeartbeatTimeout,
		IncludeBase64:     cfg.Delivery.IncludeBase64,
		AllowedOrigins:    cfg.AllowedOrigins,
		Signer:            a.signer,
		Enforce:           cfg.Auth.Enforce,
		Logger:            logger.Named("gateway"),
	})
	return nil
}

func (a *App) role(name string, assignment config.AIModelAssignment) llm.Role {
	r, err := llm.Resolve(a.cfg.LLM, assignment)
	if err != nil {
		a.logger.Warn("AI role unavailable", zap.String("role", name), zap.Error(err))
	}
	return r
}

// Addr returns the listen address.
func (a *App) Addr() string { return fmt.Sprintf(":%d", a.cfg.Port) }

// Router returns the HTTP handler.
func (a *App) Router() http.Handler { return a.router }

// Shutdown stops workers and connections, then waits for pending log writes.
func (a *App) Shutdown() {
	a.cancel()
	a.hub.Close()
	a.broker.Stop()

	done := make(chan struct{})
	go func() {
		a.orch.Flush()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		a.logger.Warn("processing log flush timed out")
	}
	_ = a.rc.Close()
}

var processStart = time.Now()
