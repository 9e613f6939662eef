// Package watcher is the reconciliation sweep: it expires stale
// sessions and resolves commits that were interrupted mid-pipeline.
package watcher

import (
	"context"
	"errors"
	"time"

	"github.com/example/piata/pkg/config"
	"github.com/example/piata/pkg/models"
	"github.com/example/piata/pkg/repository"
	"go.uber.org/zap"
)

type SessionStore interface {
	FindExpired(ctx context.Context, now time.Time, limit int) ([]models.CartSession, error)
	FindStuckCommitting(ctx context.Context, cutoff time.Time, limit int) ([]models.CartSession, error)
	Replace(ctx context.Context, sess *models.CartSession, expectedVersion int64) error
}

type OrderStore interface {
	GetBySession(ctx context.Context, sessionID string) (*models.Order, error)
	AppendStatus(ctx context.Context, orderNumber, status, note string) error
}

type Watcher struct {
	sessions SessionStore
	orders   OrderStore
	interval time.Duration
	grace    time.Duration
	limit    int
	logger   *zap.Logger
	now      func() time.Time
}

func New(sessions SessionStore, orders OrderStore, watchCfg config.WatcherConfig, sessCfg config.SessionConfig, logger *zap.Logger) *Watcher {
	return &Watcher{
		sessions: sessions,
		orders:   orders,
		interval: watchCfg.Interval,
		grace:    sessCfg.CommitGrace,
		limit:    watchCfg.SweepLimit,
		logger:   logger,
		now:      time.Now,
	}
}

// Run sweeps on a fixed interval until the context is cancelled.
func (w *Watcher) Run(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	w.logger.Info("reconciliation watcher started",
		zap.Duration("interval", w.interval),
		zap.Duration("commit_grace", w.grace))

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("reconciliation watcher stopped")
			return
		case <-ticker.C:
			w.Sweep(ctx)
		}
	}
}

// Sweep runs one pass. Exported so tests and operators can trigger it
// directly.
func (w *Watcher) Sweep(ctx context.Context) {
	w.sweepExpired(ctx)
	w.sweepStuckCommits(ctx)
}

func (w *Watcher) sweepExpired(ctx context.Context) {
	sessions, err := w.sessions.FindExpired(ctx, w.now(), w.limit)
	if err != nil {
		w.logger.Error("expiry sweep query failed", zap.Error(err))
		return
	}

	for i := range sessions {
		sess := sessions[i]
		version := sess.Version
		if err := sess.Transition(models.SessionExpired); err != nil {
			w.logger.Warn("skipping expiry for session in unexpected state",
				zap.String("session_id", sess.ID), zap.Error(err))
			continue
		}
		sess.LastMutatedAt = w.now()

		if err := w.sessions.Replace(ctx, &sess, version); err != nil {
			// A concurrent mutation revived the session; leave it for
			// the next pass.
			if !errors.Is(err, repository.ErrVersionConflict) {
				w.logger.Warn("failed to expire session",
					zap.String("session_id", sess.ID), zap.Error(err))
			}
			continue
		}
		w.logger.Info("session expired", zap.String("session_id", sess.ID))
	}
}

// sweepStuckCommits resolves sessions left in COMMITTING past the grace
// period. The order record is the source of truth: with no order the
// attempt failed and the session reverts to VERIFIED; with an order the
// commit happened and the session flag is repaired to COMMITTED. A second
// order is never created here.
func (w *Watcher) sweepStuckCommits(ctx context.Context) {
	cutoff := w.now().Add(-w.grace)
	sessions, err := w.sessions.FindStuckCommitting(ctx, cutoff, w.limit)
	if err != nil {
		w.logger.Error("stuck-commit sweep query failed", zap.Error(err))
		return
	}

	for i := range sessions {
		sess := sessions[i]
		version := sess.Version

		order, err := w.orders.GetBySession(ctx, sess.ID)
		switch {
		case errors.Is(err, repository.ErrOrderNotFound):
			if err := sess.Transition(models.SessionVerified); err != nil {
				w.logger.Warn("skipping revert for session in unexpected state",
					zap.String("session_id", sess.ID), zap.Error(err))
				continue
			}
			sess.LastMutatedAt = w.now()
			if err := w.sessions.Replace(ctx, &sess, version); err != nil {
				w.logger.Warn("failed to revert interrupted commit",
					zap.String("session_id", sess.ID), zap.Error(err))
				continue
			}
			w.logger.Info("interrupted commit reverted to VERIFIED",
				zap.String("session_id", sess.ID))

		case err != nil:
			w.logger.Error("order lookup failed during sweep",
				zap.String("session_id", sess.ID), zap.Error(err))

		default:
			if err := sess.Transition(models.SessionCommitted); err != nil {
				w.logger.Warn("skipping repair for session in unexpected state",
					zap.String("session_id", sess.ID), zap.Error(err))
				continue
			}
			sess.LastMutatedAt = w.now()
			if err := w.sessions.Replace(ctx, &sess, version); err != nil {
				w.logger.Warn("failed to repair committed session",
					zap.String("session_id", sess.ID), zap.Error(err))
				continue
			}
			if err := w.orders.AppendStatus(ctx, order.OrderNumber, order.Status,
				"commit finalized by reconciliation sweep"); err != nil {
				w.logger.Warn("failed to note reconciliation on order",
					zap.String("order_number", order.OrderNumber), zap.Error(err))
			}
			w.logger.Info("stuck commit repaired to COMMITTED",
				zap.String("session_id", sess.ID),
				zap.String("order_number", order.OrderNumber))
		}
	}
}
