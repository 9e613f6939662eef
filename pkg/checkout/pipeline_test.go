package checkout

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/example/piata/pkg/config"
	"github.com/example/piata/pkg/models"
	"github.com/example/piata/pkg/repository"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type memSessionStore struct {
	m        sync.Mutex
	sessions map[string]*models.CartSession
}

func newMemSessionStore() *memSessionStore {
	return &memSessionStore{sessions: map[string]*models.CartSession{}}
}

func (s *memSessionStore) put(sess *models.CartSession) {
	s.m.Lock()
	defer s.m.Unlock()
	cp := *sess
	cp.Items = append([]models.CartLine(nil), sess.Items...)
	s.sessions[sess.ID] = &cp
}

func (s *memSessionStore) Get(_ context.Context, id string) (*models.CartSession, error) {
	s.m.Lock()
	defer s.m.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return nil, repository.ErrSessionNotFound
	}
	cp := *sess
	cp.Items = append([]models.CartLine(nil), sess.Items...)
	return &cp, nil
}

func (s *memSessionStore) Replace(_ context.Context, sess *models.CartSession, expectedVersion int64) error {
	s.m.Lock()
	defer s.m.Unlock()
	stored, ok := s.sessions[sess.ID]
	if !ok {
		return repository.ErrSessionNotFound
	}
	if stored.Version != expectedVersion {
		return repository.ErrVersionConflict
	}
	sess.Version = expectedVersion + 1
	cp := *sess
	cp.Items = append([]models.CartLine(nil), sess.Items...)
	s.sessions[sess.ID] = &cp
	return nil
}

// racingSessionStore loses every first CAS: it applies a concurrent
// bump to the stored session just before delegating the Replace.
type racingSessionStore struct {
	*memSessionStore
	raced bool
}

func (s *racingSessionStore) Replace(ctx context.Context, sess *models.CartSession, expectedVersion int64) error {
	if !s.raced {
		s.raced = true
		s.m.Lock()
		s.sessions[sess.ID].Version++
		s.m.Unlock()
	}
	return s.memSessionStore.Replace(ctx, sess, expectedVersion)
}

// memOrderStore mimics the MySQL commit transaction, including the
// unique source-session constraint and per-product stock/price state.
type memOrderStore struct {
	m        sync.Mutex
	products map[string]*models.Product
	orders   map[string]*models.Order // keyed by session ID
	failWith error
}

func newMemOrderStore() *memOrderStore {
	return &memOrderStore{
		products: map[string]*models.Product{},
		orders:   map[string]*models.Order{},
	}
}

func (s *memOrderStore) CommitOrder(_ context.Context, order *models.Order) ([]models.LineFailure, error) {
	s.m.Lock()
	defer s.m.Unlock()

	if s.failWith != nil {
		return nil, s.failWith
	}
	if _, exists := s.orders[order.SourceSessionID]; exists {
		return nil, repository.ErrVersionConflict
	}

	var failures []models.LineFailure
	for i := range order.Lines {
		line := &order.Lines[i]
		p, ok := s.products[line.ProductID]
		switch {
		case !ok || !p.Available:
			failures = append(failures, models.LineFailure{ProductID: line.ProductID, Reason: models.LineUnavailable})
		case p.Stock == 0:
			failures = append(failures, models.LineFailure{ProductID: line.ProductID, Reason: models.LineOutOfStock, Requested: line.Quantity})
		case p.Stock < line.Quantity:
			failures = append(failures, models.LineFailure{ProductID: line.ProductID, Reason: models.LineInsufficientStock, Requested: line.Quantity, Available: p.Stock})
		case p.PriceBani != line.UnitPriceBani:
			failures = append(failures, models.LineFailure{ProductID: line.ProductID, Reason: models.LinePriceChanged, PriceSnapshot: line.UnitPriceBani, CurrentPrice: p.PriceBani})
		default:
			line.Name = p.Name
		}
	}
	if len(failures) > 0 {
		return failures, nil
	}

	for _, line := range order.Lines {
		s.products[line.ProductID].Stock -= line.Quantity
	}
	s.orders[order.SourceSessionID] = order
	return nil, nil
}

func (s *memOrderStore) GetBySession(_ context.Context, sessionID string) (*models.Order, error) {
	s.m.Lock()
	defer s.m.Unlock()
	order, ok := s.orders[sessionID]
	if !ok {
		return nil, repository.ErrOrderNotFound
	}
	return order, nil
}

func verifiedSession(id string, version int64) *models.CartSession {
	now := time.Now()
	return &models.CartSession{
		ID:                id,
		Status:            models.SessionVerified,
		Phone:             "+40700000001",
		VerificationToken: "tok",
		VerifiedAt:        now,
		Version:           version,
		CreatedAt:         now,
		LastMutatedAt:     now,
		ExpiresAt:         now.Add(24 * time.Hour),
		Items: []models.CartLine{
			{ProductID: "P1", Quantity: 2, PriceSnapshot: 1000, AddedAt: now},
		},
	}
}

func newTestPipeline(sessions SessionStore, orders OrderStore) *Pipeline {
	return NewPipeline(sessions, orders,
		config.VerificationConfig{TokenTTL: 30 * time.Minute},
		config.SessionConfig{TaxRatePct: 19},
		zap.NewNop())
}

func TestCommit_HappyPath(t *testing.T) {
	sessions := newMemSessionStore()
	orders := newMemOrderStore()
	orders.products["P1"] = &models.Product{ID: "P1", Name: "Honey", PriceBani: 1000, Stock: 5, Available: true}
	sessions.put(verifiedSession("s", 3))

	pipeline := newTestPipeline(sessions, orders)

	order, err := pipeline.Commit(context.Background(), "s", 3)
	require.NoError(t, err)

	assert.NotEmpty(t, order.OrderNumber)
	assert.Equal(t, "s", order.SourceSessionID)
	assert.Equal(t, int64(2000), order.SubtotalBani)
	assert.Equal(t, int64(380), order.TaxBani)
	assert.Equal(t, int64(2380), order.TotalBani)
	require.Len(t, order.Lines, 1)
	assert.Equal(t, "Honey", order.Lines[0].Name)
	require.Len(t, order.History, 1)
	assert.Equal(t, models.OrderStatusPending, order.History[0].Status)

	// Stock decremented with order creation, session closed for good.
	assert.Equal(t, 3, orders.products["P1"].Stock)
	sess, err := sessions.Get(context.Background(), "s")
	require.NoError(t, err)
	assert.Equal(t, models.SessionCommitted, sess.Status)
}

func TestCommit_AtMostOneOrderUnderConcurrency(t *testing.T) {
	sessions := newMemSessionStore()
	orders := newMemOrderStore()
	orders.products["P1"] = &models.Product{ID: "P1", Name: "Honey", PriceBani: 1000, Stock: 50, Available: true}
	sessions.put(verifiedSession("s", 3))

	pipeline := newTestPipeline(sessions, orders)

	const attempts = 8
	var wg sync.WaitGroup
	results := make([]error, attempts)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, results[i] = pipeline.Commit(context.Background(), "s", 3)
		}(i)
	}
	wg.Wait()

	var committed int
	for _, err := range results {
		if err == nil {
			committed++
		} else {
			kind := models.KindOf(err)
			assert.Contains(t, []models.Kind{models.KindConflict, models.KindInfrastructure}, kind)
		}
	}
	// Losers may observe CONFLICT or the already-committed fast path, but
	// exactly one order exists.
	assert.GreaterOrEqual(t, committed, 1)
	assert.Len(t, orders.orders, 1)
	assert.Equal(t, 48, orders.products["P1"].Stock)
}

func TestCommit_PriceChangeRejectsWholeCommit(t *testing.T) {
	sessions := newMemSessionStore()
	orders := newMemOrderStore()
	// Price moved from the 1000 snapshot to 1200 before commit.
	orders.products["P1"] = &models.Product{ID: "P1", Name: "Honey", PriceBani: 1200, Stock: 5, Available: true}
	sessions.put(verifiedSession("s", 3))

	pipeline := newTestPipeline(sessions, orders)

	_, err := pipeline.Commit(context.Background(), "s", 3)
	require.Error(t, err)

	fault := models.AsFault(err)
	assert.Equal(t, models.KindStockOrPriceChanged, fault.Kind)
	require.Len(t, fault.Lines, 1)
	assert.Equal(t, models.LinePriceChanged, fault.Lines[0].Reason)
	assert.Equal(t, int64(1000), fault.Lines[0].PriceSnapshot)
	assert.Equal(t, int64(1200), fault.Lines[0].CurrentPrice)

	// No order, no stock movement, verification preserved.
	assert.Empty(t, orders.orders)
	assert.Equal(t, 5, orders.products["P1"].Stock)
	sess, err := sessions.Get(context.Background(), "s")
	require.NoError(t, err)
	assert.Equal(t, models.SessionVerified, sess.Status)
	assert.NotEmpty(t, sess.VerificationToken)
}

func TestCommit_RetryAfterCommittedReturnsExistingOrder(t *testing.T) {
	sessions := newMemSessionStore()
	orders := newMemOrderStore()
	orders.products["P1"] = &models.Product{ID: "P1", Name: "Honey", PriceBani: 1000, Stock: 5, Available: true}
	sessions.put(verifiedSession("s", 3))

	pipeline := newTestPipeline(sessions, orders)

	first, err := pipeline.Commit(context.Background(), "s", 3)
	require.NoError(t, err)

	again, err := pipeline.Commit(context.Background(), "s", 3)
	require.NoError(t, err)
	assert.Equal(t, first.OrderNumber, again.OrderNumber)
	assert.Len(t, orders.orders, 1)
}

func TestCommit_UnverifiedSessionRejected(t *testing.T) {
	sessions := newMemSessionStore()
	sess := verifiedSession("s", 1)
	sess.Status = models.SessionOpen
	sess.VerificationToken = ""
	sessions.put(sess)

	pipeline := newTestPipeline(sessions, newMemOrderStore())

	_, err := pipeline.Commit(context.Background(), "s", 1)
	require.Error(t, err)
	assert.Equal(t, models.KindVerificationFailed, models.KindOf(err))
}

func TestCommit_StaleVerificationTokenForcesReverify(t *testing.T) {
	sessions := newMemSessionStore()
	sess := verifiedSession("s", 1)
	sess.VerifiedAt = time.Now().Add(-time.Hour)
	sessions.put(sess)

	pipeline := newTestPipeline(sessions, newMemOrderStore())

	_, err := pipeline.Commit(context.Background(), "s", 1)
	require.Error(t, err)
	assert.Equal(t, models.KindVerificationFailed, models.KindOf(err))
}

func TestCommit_EmptyCartRejected(t *testing.T) {
	sessions := newMemSessionStore()
	sess := verifiedSession("s", 1)
	sess.Items = nil
	sessions.put(sess)

	pipeline := newTestPipeline(sessions, newMemOrderStore())

	_, err := pipeline.Commit(context.Background(), "s", 1)
	require.Error(t, err)
	assert.Equal(t, models.KindValidation, models.KindOf(err))
}

func TestCommit_StaleVersionConflicts(t *testing.T) {
	sessions := newMemSessionStore()
	sessions.put(verifiedSession("s", 7))

	pipeline := newTestPipeline(sessions, newMemOrderStore())

	_, err := pipeline.Commit(context.Background(), "s", 3)
	require.Error(t, err)
	fault := models.AsFault(err)
	assert.Equal(t, models.KindConflict, fault.Kind)
	assert.Equal(t, int64(7), fault.CurrentVersion)
}

// An infrastructure failure from the order store is ambiguous: the
// transaction may have committed with only the ack lost. The session
// must stay in COMMITTING for the sweep, never revert to VERIFIED with
// a possible order already present.
func TestCommit_InfraFailureLeavesCommittingForSweep(t *testing.T) {
	sessions := newMemSessionStore()
	orders := newMemOrderStore()
	orders.failWith = assert.AnError
	sessions.put(verifiedSession("s", 3))

	pipeline := newTestPipeline(sessions, orders)

	_, err := pipeline.Commit(context.Background(), "s", 3)
	require.Error(t, err)
	assert.Equal(t, models.KindInfrastructure, models.KindOf(err))

	sess, err := sessions.Get(context.Background(), "s")
	require.NoError(t, err)
	assert.Equal(t, models.SessionCommitting, sess.Status)

	// A client retry does not get to re-decide the outcome.
	_, err = pipeline.Commit(context.Background(), "s", sess.Version)
	require.Error(t, err)
	assert.Equal(t, models.KindConflict, models.KindOf(err))
}

// A commit that loses the VERIFIED -> COMMITTING CAS must report the
// version that won the race.
func TestCommit_LostRaceReportsCurrentVersion(t *testing.T) {
	sessions := &racingSessionStore{memSessionStore: newMemSessionStore()}
	orders := newMemOrderStore()
	orders.products["P1"] = &models.Product{ID: "P1", Name: "Honey", PriceBani: 1000, Stock: 5, Available: true}
	sessions.put(verifiedSession("s", 3))

	pipeline := newTestPipeline(sessions, orders)

	_, err := pipeline.Commit(context.Background(), "s", 3)
	require.Error(t, err)
	fault := models.AsFault(err)
	assert.Equal(t, models.KindConflict, fault.Kind)
	assert.Equal(t, int64(4), fault.CurrentVersion)
	assert.Empty(t, orders.orders)
}
