package router

import (
	"net/http"
	"os"
	"runtime"
	"time"

	"npc-dialogue-ai/backend/pkg/health"

	"github.com/gin-gonic/gin"
)

// setupHealthRoutes registers health check endpoints
func (r *Router) setupHealthRoutes() {
	healthHandler := func(c *gin.Context) {
		checker := r.Container.Health

		status := "ok"
		code := http.StatusOK
		if !checker.IsSystemHealthy() {
			status = string(health.StatusDown)
			code = http.StatusServiceUnavailable
		}

		var memStats runtime.MemStats
		runtime.ReadMemStats(&memStats)

		c.JSON(code, gin.H{
			"status":     status,
			"version":    os.Getenv("APP_VERSION"),
			"timestamp":  time.Now().Format(time.RFC3339),
			"uptime":     time.Since(startTime).Round(time.Second).String(),
			"components": checker.GetStatus(),
			"sessions": gin.H{
				"active": len(r.Container.Sessions.List()),
			},
			"circuit_breaker": r.Container.Breaker.GetMetrics(),
			"memory": gin.H{
				"alloc_mb":  memStats.Alloc / 1024 / 1024,
				"sys_mb":    memStats.Sys / 1024 / 1024,
				"gc_cycles": memStats.NumGC,
			},
		})
	}

	// Register both health endpoint paths for compatibility
	r.Engine.GET("/health", healthHandler)
	r.Engine.GET("/api/health", healthHandler)
}
