package api

import (
	"fmt"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"gorm.io/gorm"

	"github.com/charlesng35/offlinekyc/internal/app"
	iauth "github.com/charlesng35/offlinekyc/internal/auth"
	"github.com/charlesng35/offlinekyc/internal/handlers"
	"github.com/charlesng35/offlinekyc/internal/middleware"
	"github.com/charlesng35/offlinekyc/internal/monitoring"
	"github.com/charlesng35/offlinekyc/internal/monitoring/checks"
	"github.com/charlesng35/offlinekyc/internal/services"
)

// NewRouter builds the Gin engine, wires middleware and registers the verification routes.
// A nil health manager gets a process liveness check and a database readiness check.
func NewRouter(db *gorm.DB, jwt *iauth.JWTService, cfg *app.Config, engine *services.VerificationService, health *monitoring.HealthManager) (*gin.Engine, error) {
	if db == nil {
		return nil, fmt.Errorf("database handle must be provided")
	}
	if jwt == nil {
		return nil, fmt.Errorf("jwt service must be provided")
	}
	if cfg == nil {
		return nil, fmt.Errorf("config must be provided")
	}
	if engine == nil {
		return nil, fmt.Errorf("verification service must be provided")
	}

	r := gin.New()

	// Global middleware
	r.Use(middleware.Recovery())
	r.Use(middleware.Logger())
	r.Use(middleware.Metrics())
	r.Use(middleware.SecurityHeaders())
	if cfg.Server.MaxBodyBytes > 0 {
		r.Use(middleware.BodyLimit(cfg.Server.MaxBodyBytes))
	}

	if health == nil {
		health = monitoring.NewHealthManager(0)
		health.RegisterLiveness(checks.Process(time.Now(), 0))
		health.RegisterReadiness(checks.Database(db))
	}
	registerHealthRoutes(r, cfg, health)

	if cfg.Monitoring.Prometheus.Enabled {
		endpoint := cfg.Monitoring.Prometheus.Endpoint
		if endpoint == "" {
			endpoint = "/metrics"
		}
		r.GET(endpoint, gin.WrapH(promhttp.Handler()))
	}

	query, err := services.NewVerificationQueryService(db)
	if err != nil {
		return nil, err
	}

	api := r.Group("/api")
	api.Use(middleware.Auth(jwt))

	registerVerificationRoutes(api, handlers.NewVerificationHandler(engine, query))

	// NotFound fallback
	r.NoRoute(middleware.NotFoundHandler)

	return r, nil
}
