package api

import (
	"github.com/gin-gonic/gin"

	"github.com/charlesng35/offlinekyc/internal/app"
	"github.com/charlesng35/offlinekyc/internal/handlers"
	"github.com/charlesng35/offlinekyc/internal/monitoring"
)

func registerHealthRoutes(r *gin.Engine, cfg *app.Config, manager *monitoring.HealthManager) {
	if !cfg.Monitoring.Health.Enabled || manager == nil {
		for _, router := range []gin.IRouter{r, r.Group("/api")} {
			router.GET("/health", handlers.HealthDisabled)
			router.GET("/health/live", handlers.HealthDisabled)
			router.GET("/health/ready", handlers.HealthDisabled)
		}
		return
	}

	registerHealthEndpoints(r, manager)
	registerHealthEndpoints(r.Group("/api"), manager)
}

func registerHealthEndpoints(router gin.IRouter, manager *monitoring.HealthManager) {
	router.GET("/health", handlers.Health(manager))
	router.GET("/health/live", handlers.Liveness(manager))
	router.GET("/health/ready", handlers.Readiness(manager))
}
