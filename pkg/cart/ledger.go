// Package cart implements the ledger: the sole authority for cart-session
// item mutation. Every mutation is conditioned on the caller's last-known
// version; a lost race returns a CONFLICT fault and the caller re-reads.
package cart

import (
	"context"
	"errors"
	"time"

	"github.com/example/piata/pkg/config"
	"github.com/example/piata/pkg/models"
	"github.com/example/piata/pkg/repository"
	"go.uber.org/zap"
)

// SessionStore is the slice of the session repository the ledger needs.
// Consumers define this interface, not the MongoDB implementation.
type SessionStore interface {
	Get(ctx context.Context, sessionID string) (*models.CartSession, error)
	Insert(ctx context.Context, sess *models.CartSession) error
	Replace(ctx context.Context, sess *models.CartSession, expectedVersion int64) error
}

// SoftChecker validates a prospective quantity against the (possibly
// stale) catalog and returns the snapshot used to freeze the add price.
type SoftChecker interface {
	SoftCheck(ctx context.Context, productID string, quantity int) (*models.ProductSnapshot, error)
}

// BatchItem is one line of a batchAdd request.
type BatchItem struct {
	ProductID string `json:"productId"`
	Quantity  int    `json:"quantity"`
}

type Ledger struct {
	store      SessionStore
	checker    SoftChecker
	ttl        time.Duration
	maxLines   int
	maxPerItem int
	logger     *zap.Logger
	now        func() time.Time
}

func NewLedger(store SessionStore, checker SoftChecker, cfg *config.SessionConfig, logger *zap.Logger) *Ledger {
	return &Ledger{
		store:      store,
		checker:    checker,
		ttl:        cfg.TTL,
		maxLines:   cfg.MaxLines,
		maxPerItem: cfg.MaxPerItem,
		logger:     logger,
		now:        time.Now,
	}
}

// Get returns the current session, the re-read half of the
// conflict-retry loop.
func (l *Ledger) Get(ctx context.Context, sessionID string) (*models.CartSession, error) {
	sess, err := l.store.Get(ctx, sessionID)
	if err != nil {
		if errors.Is(err, repository.ErrSessionNotFound) {
			return nil, models.SessionClosedf("session %s not found", sessionID)
		}
		return nil, models.Infra(err, "failed to read session")
	}
	return sess, nil
}

// AddItem increments the line for productID by quantity, creating the
// session on first contact. Existing quantities are never silently
// overwritten.
func (l *Ledger) AddItem(ctx context.Context, sessionID string, version int64, productID string, quantity int) (*models.CartSession, error) {
	if quantity <= 0 {
		return nil, models.Validationf("quantity must be positive, got %d", quantity)
	}

	sess, created, err := l.loadOrCreate(ctx, sessionID, version)
	if err != nil {
		return nil, err
	}

	target := quantity
	if line, ok := sess.Line(productID); ok {
		target = line.Quantity + quantity
	}
	if target > l.maxPerItem {
		return nil, models.Validationf("quantity %d exceeds per-item maximum %d", target, l.maxPerItem)
	}

	snap, err := l.checker.SoftCheck(ctx, productID, target)
	if err != nil {
		return nil, err
	}

	if line, ok := sess.Line(productID); ok {
		line.Quantity = target
	} else {
		if len(sess.Items) >= l.maxLines {
			return nil, models.Validationf("cart is limited to %d distinct items", l.maxLines)
		}
		sess.Items = append(sess.Items, models.CartLine{
			ProductID:     productID,
			Quantity:      quantity,
			PriceSnapshot: snap.PriceBani,
			AddedAt:       l.now(),
		})
	}

	return l.persist(ctx, sess, version, created)
}

// SetQuantity is an absolute set; zero or negative removes the line. A
// positive set on a missing line adds it.
func (l *Ledger) SetQuantity(ctx context.Context, sessionID string, version int64, productID string, quantity int) (*models.CartSession, error) {
	sess, err := l.loadMutable(ctx, sessionID, version)
	if err != nil {
		return nil, err
	}

	if quantity <= 0 {
		sess.RemoveLine(productID)
		return l.persist(ctx, sess, version, false)
	}

	if quantity > l.maxPerItem {
		return nil, models.Validationf("quantity %d exceeds per-item maximum %d", quantity, l.maxPerItem)
	}

	snap, err := l.checker.SoftCheck(ctx, productID, quantity)
	if err != nil {
		return nil, err
	}

	if line, ok := sess.Line(productID); ok {
		line.Quantity = quantity
	} else {
		if len(sess.Items) >= l.maxLines {
			return nil, models.Validationf("cart is limited to %d distinct items", l.maxLines)
		}
		sess.Items = append(sess.Items, models.CartLine{
			ProductID:     productID,
			Quantity:      quantity,
			PriceSnapshot: snap.PriceBani,
			AddedAt:       l.now(),
		})
	}

	return l.persist(ctx, sess, version, false)
}

func (l *Ledger) RemoveItem(ctx context.Context, sessionID string, version int64, productID string) (*models.CartSession, error) {
	return l.SetQuantity(ctx, sessionID, version, productID, 0)
}

func (l *Ledger) Clear(ctx context.Context, sessionID string, version int64) (*models.CartSession, error) {
	sess, err := l.loadMutable(ctx, sessionID, version)
	if err != nil {
		return nil, err
	}
	sess.Items = nil
	return l.persist(ctx, sess, version, false)
}

// BatchAdd applies all lines or none. Every line is validated against a
// working copy first; only when the whole batch is clean is the session
// persisted, in a single document write.
func (l *Ledger) BatchAdd(ctx context.Context, sessionID string, version int64, items []BatchItem) (*models.CartSession, error) {
	if len(items) == 0 {
		return nil, models.Validationf("batch must contain at least one item")
	}

	sess, created, err := l.loadOrCreate(ctx, sessionID, version)
	if err != nil {
		return nil, err
	}

	for _, item := range items {
		if item.Quantity <= 0 {
			return nil, models.Validationf("quantity must be positive for product %s", item.ProductID)
		}

		target := item.Quantity
		if line, ok := sess.Line(item.ProductID); ok {
			target = line.Quantity + item.Quantity
		}
		if target > l.maxPerItem {
			return nil, models.Validationf("quantity %d for product %s exceeds per-item maximum %d",
				target, item.ProductID, l.maxPerItem)
		}

		snap, err := l.checker.SoftCheck(ctx, item.ProductID, target)
		if err != nil {
			return nil, err
		}

		if line, ok := sess.Line(item.ProductID); ok {
			line.Quantity = target
		} else {
			if len(sess.Items) >= l.maxLines {
				return nil, models.Validationf("cart is limited to %d distinct items", l.maxLines)
			}
			sess.Items = append(sess.Items, models.CartLine{
				ProductID:     item.ProductID,
				Quantity:      item.Quantity,
				PriceSnapshot: snap.PriceBani,
				AddedAt:       l.now(),
			})
		}
	}

	return l.persist(ctx, sess, version, created)
}

// loadOrCreate fetches the session, or builds a fresh one when the caller
// holds a minted-but-unpersisted identifier (version 0, no document).
func (l *Ledger) loadOrCreate(ctx context.Context, sessionID string, version int64) (*models.CartSession, bool, error) {
	sess, err := l.store.Get(ctx, sessionID)
	if err != nil {
		if errors.Is(err, repository.ErrSessionNotFound) {
			if version != 0 {
				return nil, false, models.SessionClosedf("session %s not found", sessionID)
			}
			now := l.now()
			return &models.CartSession{
				ID:        sessionID,
				Status:    models.SessionOpen,
				Version:   0,
				CreatedAt: now,
			}, true, nil
		}
		return nil, false, models.Infra(err, "failed to read session")
	}

	if err := l.checkMutable(sess, version); err != nil {
		return nil, false, err
	}
	return sess, false, nil
}

func (l *Ledger) loadMutable(ctx context.Context, sessionID string, version int64) (*models.CartSession, error) {
	sess, err := l.store.Get(ctx, sessionID)
	if err != nil {
		if errors.Is(err, repository.ErrSessionNotFound) {
			return nil, models.SessionClosedf("session %s not found", sessionID)
		}
		return nil, models.Infra(err, "failed to read session")
	}
	if err := l.checkMutable(sess, version); err != nil {
		return nil, err
	}
	return sess, nil
}

func (l *Ledger) checkMutable(sess *models.CartSession, version int64) error {
	if !sess.Status.Mutable() || sess.ExpiredAt(l.now()) {
		return models.SessionClosedf("session %s is %s and no longer accepts mutations", sess.ID, sess.Status)
	}
	if sess.Version != version {
		return models.Conflictf(sess.Version, "session %s was modified concurrently", sess.ID)
	}
	return nil
}

func (l *Ledger) persist(ctx context.Context, sess *models.CartSession, expectedVersion int64, created bool) (*models.CartSession, error) {
	now := l.now()
	sess.LastMutatedAt = now
	sess.ExpiresAt = now.Add(l.ttl)

	var err error
	if created {
		sess.Version = 1
		err = l.store.Insert(ctx, sess)
	} else {
		err = l.store.Replace(ctx, sess, expectedVersion)
	}
	if err != nil {
		switch {
		case errors.Is(err, repository.ErrVersionConflict):
			return nil, l.conflict(ctx, sess.ID)
		case errors.Is(err, repository.ErrSessionNotFound):
			return nil, models.SessionClosedf("session %s not found", sess.ID)
		default:
			return nil, models.Infra(err, "failed to persist session")
		}
	}

	l.logger.Debug("cart mutated",
		zap.String("session_id", sess.ID),
		zap.Int64("version", sess.Version),
		zap.Int("lines", len(sess.Items)))
	return sess, nil
}

// conflict re-reads the session once so CONFLICT faults carry the
// version that actually won the race.
func (l *Ledger) conflict(ctx context.Context, sessionID string) *models.Fault {
	current, err := l.store.Get(ctx, sessionID)
	if err != nil {
		return models.Conflictf(0, "session %s was modified concurrently", sessionID)
	}
	return models.Conflictf(current.Version, "session %s was modified concurrently", sessionID)
}
