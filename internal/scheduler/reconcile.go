package scheduler

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/elnote-io/server/internal/attachments"
)

// Reconciler runs the attachment reconciliation sweep on a fixed interval.
// Every run is recorded and audited under a configured operator account, so
// scheduled sweeps appear in the audit trail the same way manual ones do.
type Reconciler struct {
	db          *sql.DB
	attachments *attachments.Service
	logger      *zap.Logger

	interval   time.Duration
	runOnStart bool
	actorEmail string
	staleAfter time.Duration
	scanLimit  int
}

type ReconcilerOptions struct {
	Interval   time.Duration
	RunOnStart bool
	ActorEmail string
	StaleAfter time.Duration
	ScanLimit  int
}

func NewReconciler(db *sql.DB, attachmentsSvc *attachments.Service, logger *zap.Logger, opts ReconcilerOptions) *Reconciler {
	if opts.Interval <= 0 {
		opts.Interval = 24 * time.Hour
	}
	return &Reconciler{
		db:          db,
		attachments: attachmentsSvc,
		logger:      logger,
		interval:    opts.Interval,
		runOnStart:  opts.RunOnStart,
		actorEmail:  strings.ToLower(strings.TrimSpace(opts.ActorEmail)),
		staleAfter:  opts.StaleAfter,
		scanLimit:   opts.ScanLimit,
	}
}

// Run blocks until ctx is cancelled. Failures are logged and the next tick
// retried; a broken object store must not take the scheduler down with it.
func (r *Reconciler) Run(ctx context.Context) {
	r.logger.Info("reconcile scheduler started",
		zap.Duration("interval", r.interval),
		zap.Bool("runOnStart", r.runOnStart),
		zap.String("actorEmail", r.actorEmail),
	)

	if r.runOnStart {
		r.runOnce(ctx)
	}

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("reconcile scheduler stopped")
			return
		case <-ticker.C:
			r.runOnce(ctx)
		}
	}
}

func (r *Reconciler) runOnce(ctx context.Context) {
	runCtx, cancel := context.WithTimeout(ctx, 10*time.Minute)
	defer cancel()

	actorID, err := r.resolveActor(runCtx)
	if err != nil {
		r.logger.Warn("reconcile run skipped: cannot resolve actor",
			zap.String("actorEmail", r.actorEmail),
			zap.Error(err),
		)
		return
	}

	out, err := r.attachments.Reconcile(runCtx, attachments.ReconcileInput{
		ActorUserID: actorID,
		StaleAfter:  r.staleAfter,
		Limit:       r.scanLimit,
	})
	if err != nil {
		r.logger.Error("scheduled reconcile run failed", zap.Error(err))
		return
	}

	r.logger.Info("scheduled reconcile run finished",
		zap.String("runId", out.RunID),
		zap.Duration("elapsed", out.FinishedAt.Sub(out.StartedAt)),
		zap.Int("staleInitiated", out.StaleInitiatedCount),
		zap.Int("missingChecksum", out.MissingChecksumCount),
		zap.Int("missingObject", out.MissingObjectCount),
		zap.Int("integrityMismatch", out.IntegrityMismatchCount),
		zap.Int("orphanObject", out.OrphanObjectCount),
		zap.Int("probeErrors", out.ObjectProbeErrorCount),
		zap.Int("listingErrors", out.ObjectListingErrorCount),
		zap.Int("totalFindings", out.TotalFindingsCreated),
	)
}

func (r *Reconciler) resolveActor(ctx context.Context) (string, error) {
	var id string
	err := r.db.QueryRowContext(ctx, `SELECT id::text FROM users WHERE email = $1`, r.actorEmail).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("no user with email %q", r.actorEmail)
	}
	if err != nil {
		return "", fmt.Errorf("look up scheduler actor: %w", err)
	}
	return id, nil
}
