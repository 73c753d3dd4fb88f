package router

import (
	"net/http"
	"time"

	"npc-dialogue-ai/backend/internal/api"
	"npc-dialogue-ai/backend/internal/ws"
	"npc-dialogue-ai/backend/pkg/config"
	"npc-dialogue-ai/backend/pkg/di"
	"npc-dialogue-ai/backend/pkg/errors"
	"npc-dialogue-ai/backend/pkg/logger"
	"npc-dialogue-ai/backend/pkg/middleware"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"
)

// Track server start time for uptime calculations
var startTime = time.Now()

// Router is the main router for the application
type Router struct {
	Engine    *gin.Engine
	Container *di.Container
	Logger    *logger.Logger
	Config    *config.Config

	rateLimiter *middleware.RateLimiter
}

// New creates a new router with the given container
func New(container *di.Container) *Router {
	cfg := container.Config

	// Configure Gin mode based on environment
	if cfg.Server.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	engine := gin.New()

	r := &Router{
		Engine:    engine,
		Container: container,
		Logger:    container.Logger,
		Config:    cfg,
	}

	engine.Use(corsMiddleware(cfg.Security.AllowedOrigins))
	engine.Use(middleware.RequestIDMiddleware())

	// Use the logger middleware first to capture all requests
	engine.Use(logger.Middleware(container.Logger))
	engine.Use(errors.ErrorHandler())
	engine.Use(errors.RecoveryWithLogger())
	engine.Use(maxBodySize(cfg.Security.MaxBodySize))

	r.rateLimiter = middleware.NewRateLimiter(container.Logger, middleware.RateLimiterOptions{
		Limit:          rate.Limit(cfg.Security.RateLimit),
		Burst:          cfg.Security.RateLimitBurst,
		ExpiryDuration: time.Hour,
	})

	// Validation must be installed before routes are registered to apply to them
	if cfg.Server.OpenAPISchemaPath != "" {
		r.AddOpenAPIValidation(cfg.Server.OpenAPISchemaPath)
	}

	return r
}

// SetupRoutes registers all application routes
func (r *Router) SetupRoutes() {
	r.setupHealthRoutes()

	if r.Config.Observability.MetricsEnabled {
		r.Engine.GET("/metrics", gin.WrapH(promhttp.HandlerFor(r.Container.Registry, promhttp.HandlerOpts{})))
	}

	// API version 1 routes, rate limited per client
	v1 := r.Engine.Group("/api/v1")
	v1.Use(r.rateLimiter.Middleware())
	api.NewSessionHandler(r.Container.Sessions).RegisterRoutes(v1)

	// UI event stream for one session
	r.Engine.GET("/ws/sessions/:id", func(c *gin.Context) {
		ws.ServeWs(r.Container.Hub, c)
	})
}

// Close stops background work owned by the router
func (r *Router) Close() {
	r.rateLimiter.Stop()
}

// corsMiddleware allows the configured origins plus the websocket upgrade headers
func corsMiddleware(allowedOrigins []string) gin.HandlerFunc {
	cfg := cors.Config{
		AllowMethods:  []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders:  []string{"Content-Type", "Content-Length", "Accept", "Accept-Encoding", "Authorization", "Origin", "Upgrade", "Connection", "Cache-Control", "X-Request-ID"},
		ExposeHeaders: []string{"Upgrade", "Connection", "X-Request-ID", "Content-Disposition"},
		MaxAge:        24 * time.Hour,
	}

	allowAll := false
	for _, o := range allowedOrigins {
		if o == "*" {
			allowAll = true
		}
	}
	if allowAll || len(allowedOrigins) == 0 {
		cfg.AllowAllOrigins = true
	} else {
		cfg.AllowOrigins = allowedOrigins
	}
	return cors.New(cfg)
}

func maxBodySize(limit int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		if limit > 0 && c.Request.Body != nil {
			c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, limit)
		}
		c.Next()
	}
}
