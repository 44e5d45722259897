package api

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/connectica/enrichd/internal/api/middleware"
	"github.com/connectica/enrichd/internal/config"
	"github.com/connectica/enrichd/internal/dispatch"
	"github.com/connectica/enrichd/internal/seqqueue"
	"github.com/connectica/enrichd/internal/stats"
	"github.com/connectica/enrichd/internal/usecase/enrichment"
)

// Router is the thin HTTP adapter over the scheduling core. It owns no
// admission or staleness logic; everything delegates to the library.
type Router struct {
	engine     *gin.Engine
	server     *http.Server
	cfg        *config.Config
	requestUC  *enrichment.RequestUseCase
	aggregator *stats.Aggregator
	dispatcher *dispatch.Dispatcher
	queues     map[string]*seqqueue.Queue
	logger     *zap.Logger
}

func NewRouter(
	cfg *config.Config,
	requestUC *enrichment.RequestUseCase,
	aggregator *stats.Aggregator,
	dispatcher *dispatch.Dispatcher,
	queues map[string]*seqqueue.Queue,
	logger *zap.Logger,
) *Router {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()

	r.Use(gin.Recovery())
	r.Use(middleware.RequestID())
	r.Use(middleware.Logger(logger))

	api := &Router{
		engine:     r,
		cfg:        cfg,
		requestUC:  requestUC,
		aggregator: aggregator,
		dispatcher: dispatcher,
		queues:     queues,
		logger:     logger,
	}

	api.RegisterRoutes()
	return api
}

func (r *Router) RegisterRoutes() {
	r.engine.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	r.engine.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := r.engine.Group("/api")
	{
		api.POST("/services/:service/queue", r.QueueEnrichment)
		api.GET("/services/:service/stats", r.ServiceStats)
		api.GET("/queues/:queue/status", r.QueueStatus)
		api.GET("/queues/:queue/position/:entity_id", r.QueuePosition)
	}

	// Runner callbacks; runners authenticate with the shared token.
	runner := r.engine.Group("/runner")
	runner.Use(r.tokenAuth())
	{
		runner.POST("/entries/:entry_id/started", r.ReportStarted)
		runner.POST("/entries/:entry_id/success", r.ReportSuccess)
		runner.POST("/entries/:entry_id/failure", r.ReportFailure)
		runner.POST("/entries/:entry_id/rate_limited", r.ReportRateLimited)
	}

	admin := r.engine.Group("/admin")
	admin.Use(r.tokenAuth())
	{
		admin.POST("/queues/:queue/reap", r.ReapQueue)
		admin.POST("/queues/:queue/clear", r.ClearQueue)
		admin.DELETE("/queues/:queue/jobs/:job_id", r.RemoveQueuedJob)
	}
}

func (r *Router) Run() error {
	r.server = &http.Server{
		Addr:         ":" + r.cfg.Port,
		Handler:      r.engine,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return r.server.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server.
func (r *Router) Shutdown(ctx context.Context) error {
	if r.server == nil {
		return nil
	}
	return r.server.Shutdown(ctx)
}

func (r *Router) tokenAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		expected := strings.TrimSpace(r.cfg.AdminAPIToken)
		if expected == "" {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "admin_token_not_configured"})
			return
		}

		provided := strings.TrimSpace(c.GetHeader("X-Admin-Token"))
		if provided == "" {
			authHeader := strings.TrimSpace(c.GetHeader("Authorization"))
			if strings.HasPrefix(strings.ToLower(authHeader), "bearer ") {
				provided = strings.TrimSpace(authHeader[7:])
			}
		}

		if provided == "" || subtle.ConstantTimeCompare([]byte(provided), []byte(expected)) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		c.Next()
	}
}

func (r *Router) queue(c *gin.Context) (*seqqueue.Queue, bool) {
	name := c.Param("queue")
	q, ok := r.queues[name]
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown_queue", "queue": name})
		return nil, false
	}
	return q, true
}
