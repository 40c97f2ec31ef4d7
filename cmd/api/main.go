package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/elnote-io/server/internal/app"
	"github.com/elnote-io/server/internal/config"
	"github.com/elnote-io/server/internal/db"
	"github.com/elnote-io/server/internal/migrate"
	"github.com/elnote-io/server/internal/scheduler"
	"github.com/elnote-io/server/migrations"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	logger, err := zap.NewProduction()
	if err != nil {
		log.Fatalf("build logger: %v", err)
	}
	defer logger.Sync()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("load config", zap.Error(err))
	}

	database, err := db.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Fatal("connect db", zap.Error(err))
	}
	defer database.Close()

	if cfg.AutoMigrate {
		if err := migrate.Run(ctx, database, migrations.Files); err != nil {
			logger.Fatal("run migrations", zap.Error(err))
		}
	}

	application, err := app.New(cfg, database, logger)
	if err != nil {
		logger.Fatal("build app", zap.Error(err))
	}

	if err := application.SeedDefaultAdmin(ctx); err != nil {
		logger.Fatal("seed default admin", zap.Error(err))
	}

	if cfg.ReconcileScheduleEnabled {
		reconciler := scheduler.NewReconciler(database, application.AttachmentService(), logger, scheduler.ReconcilerOptions{
			Interval:   cfg.ReconcileScheduleInterval,
			RunOnStart: cfg.ReconcileScheduleRunOnStart,
			ActorEmail: cfg.ReconcileScheduleActorEmail,
			StaleAfter: cfg.DefaultReconcileStaleAfter,
			ScanLimit:  cfg.DefaultReconcileScanLimit,
		})
		go reconciler.Run(ctx)
	}

	if cfg.NotificationRetentionDays > 0 {
		retention := time.Duration(cfg.NotificationRetentionDays) * 24 * time.Hour
		purger := scheduler.NewNotificationPurger(application.NotificationService(), logger, retention)
		go purger.Run(ctx)
	}

	if err := application.Run(ctx); err != nil {
		logger.Fatal("run server", zap.Error(err))
	}
}
