// Package checkout turns a verified, validated cart into exactly one
// persisted order. The VERIFIED -> COMMITTING transition is guarded by the
// same optimistic version token as every other mutation, which is what
// caps concurrent commits at one per session.
package checkout

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/example/piata/pkg/config"
	"github.com/example/piata/pkg/models"
	"github.com/example/piata/pkg/repository"
	"github.com/example/piata/pkg/verification"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

type SessionStore interface {
	Get(ctx context.Context, sessionID string) (*models.CartSession, error)
	Replace(ctx context.Context, sess *models.CartSession, expectedVersion int64) error
}

// OrderStore runs the hard check and order insert atomically and looks up
// orders for idempotent retries.
type OrderStore interface {
	CommitOrder(ctx context.Context, order *models.Order) ([]models.LineFailure, error)
	GetBySession(ctx context.Context, sessionID string) (*models.Order, error)
}

type Pipeline struct {
	sessions SessionStore
	orders   OrderStore
	tokenTTL time.Duration
	taxPct   int64
	logger   *zap.Logger
	now      func() time.Time
}

func NewPipeline(sessions SessionStore, orders OrderStore, verifyCfg config.VerificationConfig, sessCfg config.SessionConfig, logger *zap.Logger) *Pipeline {
	return &Pipeline{
		sessions: sessions,
		orders:   orders,
		tokenTTL: verifyCfg.TokenTTL,
		taxPct:   sessCfg.TaxRatePct,
		logger:   logger,
		now:      time.Now,
	}
}

// Commit executes the four commit steps. A retry against an already
// COMMITTED session returns the existing order instead of creating a
// second one; a crash mid-pipeline leaves the session in COMMITTING for
// the reconciliation sweep, never for the client to re-decide.
func (p *Pipeline) Commit(ctx context.Context, sessionID string, version int64) (*models.Order, error) {
	sess, err := p.sessions.Get(ctx, sessionID)
	if err != nil {
		if errors.Is(err, repository.ErrSessionNotFound) {
			return nil, models.SessionClosedf("session %s not found", sessionID)
		}
		return nil, models.Infra(err, "failed to read session")
	}

	switch sess.Status {
	case models.SessionCommitted:
		order, err := p.orders.GetBySession(ctx, sessionID)
		if err != nil {
			return nil, models.Infra(err, "session committed but order lookup failed")
		}
		return order, nil
	case models.SessionCommitting:
		return nil, models.Conflictf(sess.Version, "commit already in progress for session %s", sessionID)
	case models.SessionExpired:
		return nil, models.SessionClosedf("session %s is expired", sessionID)
	case models.SessionOpen:
		return nil, models.VerificationFailedf("session %s is not verified", sessionID)
	}

	if sess.ExpiredAt(p.now()) {
		return nil, models.SessionClosedf("session %s is expired", sessionID)
	}
	if len(sess.Items) == 0 {
		return nil, models.Validationf("cart is empty")
	}
	if !verification.TokenValid(sess, p.tokenTTL, p.now()) {
		return nil, models.VerificationFailedf("verification expired, verify again")
	}
	if sess.Version != version {
		return nil, models.Conflictf(sess.Version, "session %s was modified concurrently", sessionID)
	}

	// Step 1: VERIFIED -> COMMITTING under the version guard. A
	// concurrent commit holds a now-stale version and loses here.
	frozen := make([]models.CartLine, len(sess.Items))
	copy(frozen, sess.Items)

	if err := sess.Transition(models.SessionCommitting); err != nil {
		return nil, models.Infra(err, "failed to begin commit")
	}
	sess.LastMutatedAt = p.now()
	if err := p.sessions.Replace(ctx, sess, version); err != nil {
		if errors.Is(err, repository.ErrVersionConflict) {
			return nil, p.conflict(ctx, sessionID)
		}
		return nil, models.Infra(err, "failed to begin commit")
	}
	committingVersion := sess.Version

	// Steps 2+3: hard check, stock decrement and order insert, one
	// transaction. The order number exists only if this succeeds.
	order := p.buildOrder(sess, frozen)
	failures, err := p.orders.CommitOrder(ctx, order)
	if err != nil {
		// Ambiguous: the transaction may have committed and only the ack
		// was lost. Leave the session in COMMITTING; the sweep resolves
		// it against the order table, which only ever scans COMMITTING.
		p.logger.Error("order store failed mid-commit, leaving session for reconciliation",
			zap.String("session_id", sessionID),
			zap.Error(err))
		return nil, models.Infra(err, "commit interrupted, it will be resolved shortly")
	}
	if len(failures) > 0 {
		// Definite rejection: the transaction rolled back. Back to
		// VERIFIED, not OPEN: verification is about identity, not cart
		// contents.
		p.revert(ctx, sess, committingVersion)
		return nil, models.StockOrPriceChanged(failures)
	}

	// Step 4: close the session for good.
	if err := sess.Transition(models.SessionCommitted); err != nil {
		return nil, models.Infra(err, "failed to close session")
	}
	sess.LastMutatedAt = p.now()
	if err := p.sessions.Replace(ctx, sess, committingVersion); err != nil {
		// The order exists; the watcher repairs the session flag. Do not
		// invite the client to retry into a duplicate.
		p.logger.Error("order created but session close failed, leaving for reconciliation",
			zap.String("session_id", sessionID),
			zap.String("order_number", order.OrderNumber),
			zap.Error(err))
		return nil, models.Infra(err, "commit interrupted, it will be finalized shortly")
	}

	p.logger.Info("order committed",
		zap.String("session_id", sessionID),
		zap.String("order_number", order.OrderNumber),
		zap.Int64("total_bani", order.TotalBani))
	return order, nil
}

func (p *Pipeline) buildOrder(sess *models.CartSession, frozen []models.CartLine) *models.Order {
	lines := make([]models.OrderLine, len(frozen))
	var subtotal int64
	for i, item := range frozen {
		lines[i] = models.OrderLine{
			ProductID:     item.ProductID,
			UnitPriceBani: item.PriceSnapshot,
			Quantity:      item.Quantity,
		}
		subtotal += int64(item.Quantity) * item.PriceSnapshot
	}
	tax := subtotal * p.taxPct / 100
	number := p.newOrderNumber()

	for i := range lines {
		lines[i].OrderNumber = number
	}

	return &models.Order{
		OrderNumber:     number,
		SourceSessionID: sess.ID,
		Phone:           sess.Phone,
		SubtotalBani:    subtotal,
		TaxBani:         tax,
		TotalBani:       subtotal + tax,
		Status:          models.OrderStatusPending,
		Lines:           lines,
		History: []models.OrderStatusEntry{{
			OrderNumber: number,
			Status:      models.OrderStatusPending,
			Note:        "order placed, cash on delivery",
		}},
	}
}

func (p *Pipeline) newOrderNumber() string {
	suffix := strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", "")[:8])
	return fmt.Sprintf("ORD-%s-%s", p.now().Format("20060102"), suffix)
}

// revert steps the session back COMMITTING -> VERIFIED after a failed
// hard check. A lost CAS here means someone else already resolved the
// session; the sweep handles any remainder.
func (p *Pipeline) revert(ctx context.Context, sess *models.CartSession, committingVersion int64) {
	if err := sess.Transition(models.SessionVerified); err != nil {
		p.logger.Warn("failed to revert session after rejected commit",
			zap.String("session_id", sess.ID),
			zap.Error(err))
		return
	}
	sess.LastMutatedAt = p.now()
	if err := p.sessions.Replace(ctx, sess, committingVersion); err != nil {
		p.logger.Warn("failed to revert session after rejected commit",
			zap.String("session_id", sess.ID),
			zap.Error(err))
	}
}

// conflict re-reads the session once so CONFLICT faults carry the
// version that actually won the race.
func (p *Pipeline) conflict(ctx context.Context, sessionID string) *models.Fault {
	current, err := p.sessions.Get(ctx, sessionID)
	if err != nil {
		return models.Conflictf(0, "session %s was modified concurrently", sessionID)
	}
	return models.Conflictf(current.Version, "session %s was modified concurrently", sessionID)
}
