package scheduler

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/elnote-io/server/internal/notifications"
)

// NotificationPurger trims read notifications that have aged past the
// retention window. Unread rows are never touched, whatever their age.
type NotificationPurger struct {
	notifications *notifications.Service
	logger        *zap.Logger
	interval      time.Duration
	retention     time.Duration
}

func NewNotificationPurger(notifService *notifications.Service, logger *zap.Logger, retention time.Duration) *NotificationPurger {
	return &NotificationPurger{
		notifications: notifService,
		logger:        logger,
		interval:      12 * time.Hour,
		retention:     retention,
	}
}

// Run blocks until ctx is cancelled. A failed sweep is logged and retried on
// the next tick.
func (p *NotificationPurger) Run(ctx context.Context) {
	p.logger.Info("notification purger started",
		zap.Duration("interval", p.interval),
		zap.Duration("retention", p.retention),
	)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			p.logger.Info("notification purger stopped")
			return
		case <-ticker.C:
			purged, err := p.notifications.PurgeOlderThan(ctx, p.retention)
			if err != nil {
				p.logger.Warn("notification purge failed", zap.Error(err))
				continue
			}
			if purged > 0 {
				p.logger.Info("purged read notifications", zap.Int64("count", purged))
			}
		}
	}
}
