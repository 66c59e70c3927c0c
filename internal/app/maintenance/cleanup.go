package maintenance

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/charlesng35/offlinekyc/internal/models"
	"github.com/charlesng35/offlinekyc/pkg/logger"
	"github.com/charlesng35/offlinekyc/pkg/metrics"
)

const (
	defaultRetentionDays  = 180
	defaultPurgeAfterDays = 30
	defaultSchedule       = "@daily"
)

// Cleaner enforces verification record retention. Records older than the retention window are
// soft-deleted; soft-deleted records and their log entries are purged once the purge window passes.
type Cleaner struct {
	db         *gorm.DB
	cron       *cron.Cron
	now        func() time.Time
	log        *zap.Logger
	retention  int
	purgeAfter int
	schedule   string

	mu        sync.Mutex
	lastSweep time.Time
	lastErr   error
}

// Option customises the Cleaner.
type Option func(*Cleaner)

// WithCron injects a preconfigured cron instance, primarily for testing.
func WithCron(c *cron.Cron) Option {
	return func(cleaner *Cleaner) {
		if c != nil {
			cleaner.cron = c
		}
	}
}

// WithNow overrides the clock used for scheduling and cleanup comparisons.
func WithNow(now func() time.Time) Option {
	return func(cleaner *Cleaner) {
		if now != nil {
			cleaner.now = now
		}
	}
}

// WithRetentionDays adjusts how long records are kept before they are soft-deleted.
func WithRetentionDays(days int) Option {
	return func(cleaner *Cleaner) {
		if days > 0 {
			cleaner.retention = days
		}
	}
}

// WithPurgeAfterDays adjusts how long soft-deleted records linger before removal.
func WithPurgeAfterDays(days int) Option {
	return func(cleaner *Cleaner) {
		if days > 0 {
			cleaner.purgeAfter = days
		}
	}
}

// WithSchedule overrides the cron specification for the retention sweep.
func WithSchedule(spec string) Option {
	return func(cleaner *Cleaner) {
		if spec != "" {
			cleaner.schedule = spec
		}
	}
}

// NewCleaner constructs a Cleaner with sensible defaults. A nil db disables every job.
func NewCleaner(db *gorm.DB, opts ...Option) *Cleaner {
	cleaner := &Cleaner{
		db:         db,
		now:        time.Now,
		retention:  defaultRetentionDays,
		purgeAfter: defaultPurgeAfterDays,
		schedule:   defaultSchedule,
		log:        logger.WithModule("maintenance"),
	}

	for _, opt := range opts {
		opt(cleaner)
	}

	if cleaner.cron == nil {
		cleaner.cron = cron.New(cron.WithLogger(cron.DiscardLogger))
	}

	return cleaner
}

// Start registers the retention sweep with the cron scheduler and launches it.
func (c *Cleaner) Start() error {
	if c.db == nil {
		return nil
	}

	if _, err := c.cron.AddFunc(c.schedule, func() {
		if err := c.RunOnce(context.Background()); err != nil {
			c.log.Warn("retention sweep failed", zap.Error(err))
		}
	}); err != nil {
		return err
	}

	c.cron.Start()
	return nil
}

// Stop halts the underlying scheduler, waiting for any running jobs to complete.
func (c *Cleaner) Stop() context.Context {
	if c.cron == nil {
		return context.Background()
	}
	return c.cron.Stop()
}

// RunOnce executes the retention and purge steps. Both run even when the first fails.
func (c *Cleaner) RunOnce(ctx context.Context) error {
	if c.db == nil {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}

	now := c.now()
	var errs error

	expired, err := ExpireRecords(ctx, c.db, now, now.AddDate(0, 0, -c.retention))
	if err != nil {
		errs = multierr.Append(errs, err)
	}

	purged, err := PurgeRecords(ctx, c.db, now.AddDate(0, 0, -c.purgeAfter))
	if err != nil {
		errs = multierr.Append(errs, err)
	}

	result := "success"
	if errs != nil {
		result = "failure"
	}
	metrics.MaintenanceRuns.WithLabelValues(result).Inc()

	c.mu.Lock()
	c.lastSweep, c.lastErr = now, errs
	c.mu.Unlock()

	c.log.Info("retention sweep finished",
		zap.Int64("expired", expired),
		zap.Int64("purged_records", purged.Records),
		zap.Int64("purged_logs", purged.Logs),
		zap.String("result", result),
	)
	return errs
}

// LastSweep returns when the last sweep ran and the error it ended with. The time is zero
// before the first run.
func (c *Cleaner) LastSweep() (time.Time, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastSweep, c.lastErr
}

// ExpireRecords soft-deletes every record created before cutoff, stamping the deletion with now.
func ExpireRecords(ctx context.Context, db *gorm.DB, now, cutoff time.Time) (int64, error) {
	if db == nil {
		return 0, errors.New("expire records: db is required")
	}

	result := db.WithContext(ctx).
		Session(&gorm.Session{NowFunc: func() time.Time { return now }}).
		Where("created_at < ?", cutoff).
		Delete(&models.VerificationRecord{})
	if result.Error != nil {
		return 0, fmt.Errorf("expire records: %w", result.Error)
	}
	return result.RowsAffected, nil
}

// PurgeStats captures how many rows a purge removed.
type PurgeStats struct {
	Records int64
	Logs    int64
}

// PurgeRecords permanently removes records soft-deleted before cutoff, together with their logs.
func PurgeRecords(ctx context.Context, db *gorm.DB, cutoff time.Time) (PurgeStats, error) {
	if db == nil {
		return PurgeStats{}, errors.New("purge records: db is required")
	}

	stats := PurgeStats{}
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var ids []string
		if err := tx.Unscoped().
			Model(&models.VerificationRecord{}).
			Where("deleted_at IS NOT NULL AND deleted_at < ?", cutoff).
			Pluck("id", &ids).Error; err != nil {
			return fmt.Errorf("select expired records: %w", err)
		}
		if len(ids) == 0 {
			return nil
		}

		logs := tx.Where("record_id IN ?", ids).Delete(&models.VerificationLog{})
		if logs.Error != nil {
			return fmt.Errorf("delete logs: %w", logs.Error)
		}
		stats.Logs = logs.RowsAffected

		records := tx.Unscoped().Where("id IN ?", ids).Delete(&models.VerificationRecord{})
		if records.Error != nil {
			return fmt.Errorf("delete records: %w", records.Error)
		}
		stats.Records = records.RowsAffected
		return nil
	})
	if err != nil {
		return PurgeStats{}, fmt.Errorf("purge records: %w", err)
	}
	return stats, nil
}
