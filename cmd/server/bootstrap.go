package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/charlesng35/offlinekyc/internal/api"
	"github.com/charlesng35/offlinekyc/internal/app"
	"github.com/charlesng35/offlinekyc/internal/app/maintenance"
	iauth "github.com/charlesng35/offlinekyc/internal/auth"
	"github.com/charlesng35/offlinekyc/internal/database"
	"github.com/charlesng35/offlinekyc/internal/ekyc/signature"
	"github.com/charlesng35/offlinekyc/internal/monitoring"
	"github.com/charlesng35/offlinekyc/internal/monitoring/checks"
	"github.com/charlesng35/offlinekyc/internal/services"
	"github.com/charlesng35/offlinekyc/internal/vault"
	"github.com/charlesng35/offlinekyc/pkg/logger"
)

// runtimeStack bundles long-lived services used by the HTTP server.
type runtimeStack struct {
	DB       *gorm.DB
	Policies *signature.PolicyStore
	Engine   *services.VerificationService
	Cleaner  *maintenance.Cleaner
	Health   *monitoring.HealthManager
	Router   *gin.Engine
}

// bootstrapRuntime initialises the database, the verification engine, and the HTTP router.
func bootstrapRuntime(ctx context.Context, cfg *app.Config, log *zap.Logger) (*runtimeStack, error) {
	stack := &runtimeStack{}
	var err error
	success := false

	defer func() {
		if !success {
			stack.Shutdown(context.Background(), log)
		}
	}()

	// enable gin debug mod
	if debug, _ := os.LookupEnv("GIN_DEBUG"); debug != "true" {
		gin.SetMode(gin.ReleaseMode)
	}

	vaultKey, err := cfg.Vault.VaultKey()
	if err != nil {
		return nil, err
	}

	sealer, err := vault.NewSealer(vaultKey)
	if err != nil {
		return nil, fmt.Errorf("initialise identifier sealer: %w", err)
	}

	policy, err := cfg.EKYC.Certificates.SignaturePolicy()
	if err != nil {
		return nil, fmt.Errorf("load trust policy: %w", err)
	}
	stack.Policies = signature.NewPolicyStore(policy)

	stack.DB, err = initialiseDatabase(ctx, cfg)
	if err != nil {
		return nil, err
	}

	trail, err := services.NewVerificationTrail(stack.DB, sealer)
	if err != nil {
		return nil, fmt.Errorf("initialise verification trail: %w", err)
	}

	stack.Engine, err = services.NewVerificationService(trail, signature.NewVerifier(stack.Policies), cfg.EKYC.VerificationOptions())
	if err != nil {
		return nil, fmt.Errorf("initialise verification engine: %w", err)
	}

	jwtSvc, err := iauth.NewJWTService(cfg.Auth.JWTServiceConfig())
	if err != nil {
		return nil, fmt.Errorf("initialise jwt service: %w", err)
	}

	if cfg.Maintenance.Enabled {
		stack.Cleaner = maintenance.NewCleaner(stack.DB,
			maintenance.WithSchedule(cfg.Maintenance.Schedule),
			maintenance.WithRetentionDays(cfg.Maintenance.RetentionDays),
			maintenance.WithPurgeAfterDays(cfg.Maintenance.PurgeAfterDays),
		)
		if err := stack.Cleaner.Start(); err != nil {
			return nil, fmt.Errorf("start maintenance jobs: %w", err)
		}
	}

	stack.Health = monitoring.NewHealthManager(0)
	stack.Health.RegisterLiveness(checks.Process(time.Now(), 0))
	stack.Health.RegisterReadiness(checks.Database(stack.DB))
	stack.Health.RegisterReadiness(checks.TrustPolicy(stack.Policies))
	if stack.Cleaner != nil {
		stack.Health.RegisterReadiness(checks.Maintenance(stack.Cleaner, 0))
	}

	stack.Router, err = api.NewRouter(stack.DB, jwtSvc, cfg, stack.Engine, stack.Health)
	if err != nil {
		return nil, fmt.Errorf("build api router: %w", err)
	}

	log.Info("trust policy loaded",
		zap.Int("issuers", len(policy.IssuerNames)),
		zap.Int("fingerprints", len(policy.Fingerprints)),
		zap.Int("certificates", len(policy.Certificates)),
	)

	success = true
	return stack, nil
}

// ReloadTrust swaps the signature trust policy for the one described by cfg. The previous
// policy stays active when the new one cannot be loaded.
func (s *runtimeStack) ReloadTrust(cfg *app.Config, event fsnotify.Event, log *zap.Logger) {
	if s == nil || s.Policies == nil || cfg == nil {
		return
	}

	policy, err := cfg.EKYC.Certificates.SignaturePolicy()
	if err != nil {
		log.Warn("trust policy reload rejected", zap.String("file", event.Name), zap.Error(err))
		return
	}

	s.Policies.Store(policy)
	log.Info("trust policy reloaded",
		zap.String("file", event.Name),
		zap.Int("issuers", len(policy.IssuerNames)),
		zap.Int("fingerprints", len(policy.Fingerprints)),
	)
}

// Shutdown gracefully stops background jobs and releases resources.
func (s *runtimeStack) Shutdown(ctx context.Context, log *zap.Logger) {
	if s == nil {
		return
	}

	if s.Cleaner != nil {
		<-s.Cleaner.Stop().Done()
	}

	if s.DB != nil {
		closeDatabase(s.DB, log)
	}
}

func initialiseDatabase(ctx context.Context, cfg *app.Config) (*gorm.DB, error) {
	dbCfg := convertDatabaseConfig(cfg)
	db, err := database.Open(dbCfg)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := database.Prepare(db.WithContext(ctx)); err != nil {
		return nil, fmt.Errorf("prepare database: %w", err)
	}

	log := logger.WithModule("database")
	log.Info("database connected", zap.String("driver", strings.ToLower(strings.TrimSpace(dbCfg.Driver))))

	return db, nil
}

func convertDatabaseConfig(cfg *app.Config) database.Config {
	dbCfg := database.Config{
		Driver: strings.ToLower(strings.TrimSpace(cfg.Database.Driver)),
		Path:   strings.TrimSpace(cfg.Database.Path),
		DSN:    strings.TrimSpace(cfg.Database.DSN),
	}

	switch dbCfg.Driver {
	case "", "sqlite":
		dbCfg.Driver = "sqlite"
	case "postgres", "postgresql":
		dbCfg.Driver = "postgres"
		dbCfg.Host = strings.TrimSpace(cfg.Database.Postgres.Host)
		dbCfg.Port = cfg.Database.Postgres.Port
		dbCfg.Name = strings.TrimSpace(cfg.Database.Postgres.Database)
		dbCfg.User = strings.TrimSpace(cfg.Database.Postgres.Username)
		dbCfg.Password = strings.TrimSpace(cfg.Database.Postgres.Password)
	case "mysql":
		dbCfg.Host = strings.TrimSpace(cfg.Database.MySQL.Host)
		dbCfg.Port = cfg.Database.MySQL.Port
		dbCfg.Name = strings.TrimSpace(cfg.Database.MySQL.Database)
		dbCfg.User = strings.TrimSpace(cfg.Database.MySQL.Username)
		dbCfg.Password = strings.TrimSpace(cfg.Database.MySQL.Password)
	default:
		// Leave driver as-is to surface unsupported driver error during open.
	}

	return dbCfg
}

func closeDatabase(db *gorm.DB, log *zap.Logger) {
	if db == nil {
		return
	}

	sqlDB, err := db.DB()
	if err != nil {
		log.Warn("failed to obtain underlying sql DB for closing", zap.Error(err))
		return
	}

	if err := sqlDB.Close(); err != nil {
		log.Warn("failed to close database", zap.Error(err))
	}
}
