// Package api exposes the job runner over HTTP.
package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/ChuLiYu/statsrunner/internal/dataset"
)

type RouterConfig struct {
	ServiceName string
	Tracing     bool
	// Metrics is mounted on /metrics when non-nil.
	Metrics http.Handler
}

func NewRouter(cfg RouterConfig, h *Handler) *gin.Engine {
	router := gin.New()

	// otel span first so the logger sees trace context
	if cfg.Tracing {
		router.Use(otelgin.Middleware(cfg.ServiceName))
	}
	router.Use(gin.Recovery())
	router.Use(RequestLogger())

	router.GET("/health", h.Health)
	if cfg.Metrics != nil {
		router.GET("/metrics", gin.WrapH(cfg.Metrics))
	}

	g := router.Group("/api")
	for _, sel := range dataset.Selectors() {
		g.POST("/"+string(sel), h.Submit(sel))
	}
	g.GET("/get_results/:job_id", h.GetResult)
	g.GET("/jobs", h.ListJobs)
	g.GET("/num_jobs", h.NumJobs)
	g.GET("/graceful_shutdown", h.GracefulShutdown)

	return router
}

func RequestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		level := slog.LevelInfo
		if c.Writer.Status() >= http.StatusInternalServerError {
			level = slog.LevelError
		}
		slog.Log(c.Request.Context(), level, "http request",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
		)
	}
}
