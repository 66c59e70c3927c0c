package checks

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/charlesng35/offlinekyc/internal/models"
	"github.com/charlesng35/offlinekyc/internal/monitoring"
)

// Database returns a readiness probe that pings the database and confirms the verification
// table is reachable.
func Database(db *gorm.DB) monitoring.Check {
	return monitoring.NewCheck("database", func(ctx context.Context) monitoring.ProbeResult {
		start := time.Now()
		if db == nil {
			return monitoring.ProbeResult{Status: monitoring.StatusDown, Details: "database not configured"}
		}

		sqlDB, err := db.DB()
		if err != nil {
			return monitoring.ResultFromError("database", err, time.Since(start))
		}
		if err := sqlDB.PingContext(ctx); err != nil {
			return monitoring.ResultFromError("database", err, time.Since(start))
		}

		var probe int64
		err = db.WithContext(ctx).
			Model(&models.VerificationRecord{}).
			Select("1").
			Limit(1).
			Scan(&probe).Error
		return monitoring.ResultFromError("database", err, time.Since(start))
	})
}
