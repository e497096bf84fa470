package storage

import (
	"context"
	"fmt"
	"time"

	"vigilant/metrics"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// AlertPurger deletes alerts older than a cutoff
type AlertPurger interface {
	DeleteAlertsBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// RetentionManager purges old alerts on a cron schedule
type RetentionManager struct {
	purger    AlertPurger
	alertDays int
	schedule  string
	logger    *zap.SugaredLogger
	cron      *cron.Cron
	now       func() time.Time
}

// NewRetentionManager creates a new retention manager. alertDays <= 0 disables purging.
func NewRetentionManager(purger AlertPurger, alertDays int, schedule string, logger *zap.SugaredLogger) *RetentionManager {
	if schedule == "" {
		schedule = "@daily"
	}
	return &RetentionManager{
		purger:    purger,
		alertDays: alertDays,
		schedule:  schedule,
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Start registers the cleanup job and starts the cron scheduler
func (rm *RetentionManager) Start() error {
	if rm.alertDays <= 0 {
		rm.logger.Infow("Alert retention disabled")
		return nil
	}

	c := cron.New()
	if _, err := c.AddFunc(rm.schedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
		defer cancel()
		if _, err := rm.Cleanup(ctx); err != nil {
			rm.logger.Errorw("Retention cleanup failed", "error", err)
		}
	}); err != nil {
		return fmt.Errorf("invalid retention schedule %q: %w", rm.schedule, err)
	}
	rm.cron = c
	c.Start()

	rm.logger.Infow("Retention manager started", "schedule", rm.schedule, "alert_days", rm.alertDays)
	return nil
}

// Stop stops the scheduler and waits for a running cleanup to finish
func (rm *RetentionManager) Stop() {
	if rm.cron == nil {
		return
	}
	<-rm.cron.Stop().Done()
}

// Cleanup deletes alerts older than the retention window and returns how many were removed
func (rm *RetentionManager) Cleanup(ctx context.Context) (int64, error) {
	if rm.alertDays <= 0 {
		return 0, nil
	}
	cutoff := rm.now().AddDate(0, 0, -rm.alertDays)

	n, err := rm.purger.DeleteAlertsBefore(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	metrics.AlertsPurged.Add(float64(n))

	rm.logger.Infow("Retention cleanup completed", "deleted", n, "cutoff", cutoff.Format(time.RFC3339))
	return n, nil
}
