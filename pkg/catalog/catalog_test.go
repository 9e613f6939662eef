package catalog

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/example/piata/pkg/models"
	"github.com/example/piata/pkg/repository"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type stubSource struct {
	m        sync.Mutex
	products map[string]*models.Product
	calls    int
}

func (s *stubSource) GetProduct(_ context.Context, id string) (*models.Product, error) {
	s.m.Lock()
	defer s.m.Unlock()
	s.calls++
	p, ok := s.products[id]
	if !ok {
		return nil, repository.ErrProductNotFound
	}
	return p, nil
}

type stubCache struct {
	m     sync.Mutex
	snaps map[string]*models.ProductSnapshot
}

func newStubCache() *stubCache {
	return &stubCache{snaps: map[string]*models.ProductSnapshot{}}
}

func (c *stubCache) GetProductCache(_ context.Context, id string) (*models.ProductSnapshot, error) {
	c.m.Lock()
	defer c.m.Unlock()
	snap, ok := c.snaps[id]
	if !ok {
		return nil, repository.ErrCacheMiss
	}
	return snap, nil
}

func (c *stubCache) CacheProduct(_ context.Context, snap *models.ProductSnapshot, _ time.Duration) error {
	c.m.Lock()
	defer c.m.Unlock()
	c.snaps[snap.ID] = snap
	return nil
}

func honey() *models.Product {
	return &models.Product{ID: "P1", Name: "Honey", PriceBani: 1000, Stock: 5, Available: true}
}

func TestCachedReader_MissFallsBackToSource(t *testing.T) {
	source := &stubSource{products: map[string]*models.Product{"P1": honey()}}
	cache := newStubCache()
	reader := NewCachedReader(source, cache, 30*time.Second, zap.NewNop())

	snap, err := reader.GetProduct(context.Background(), "P1")
	require.NoError(t, err)
	assert.Equal(t, "Honey", snap.Name)
	assert.Equal(t, int64(1000), snap.PriceBani)
	assert.Equal(t, 1, source.calls)
}

func TestCachedReader_HitSkipsSource(t *testing.T) {
	source := &stubSource{products: map[string]*models.Product{"P1": honey()}}
	cache := newStubCache()
	cache.snaps["P1"] = honey().Snapshot()
	reader := NewCachedReader(source, cache, 30*time.Second, zap.NewNop())

	_, err := reader.GetProduct(context.Background(), "P1")
	require.NoError(t, err)
	assert.Equal(t, 0, source.calls)
}

func TestCachedReader_UnknownProduct(t *testing.T) {
	reader := NewCachedReader(&stubSource{products: map[string]*models.Product{}}, newStubCache(), time.Second, zap.NewNop())

	_, err := reader.GetProduct(context.Background(), "missing")
	assert.ErrorIs(t, err, repository.ErrProductNotFound)
}

func TestSoftCheck_PassesAndReturnsSnapshot(t *testing.T) {
	source := &stubSource{products: map[string]*models.Product{"P1": honey()}}
	v := NewValidator(NewCachedReader(source, newStubCache(), time.Second, zap.NewNop()), zap.NewNop())

	snap, err := v.SoftCheck(context.Background(), "P1", 3)
	require.NoError(t, err)
	assert.Equal(t, int64(1000), snap.PriceBani)
}

func TestSoftCheck_Rejections(t *testing.T) {
	unavailable := honey()
	unavailable.Available = false
	source := &stubSource{products: map[string]*models.Product{
		"P1":   honey(),
		"gone": unavailable,
	}}
	v := NewValidator(NewCachedReader(source, newStubCache(), time.Second, zap.NewNop()), zap.NewNop())

	cases := []struct {
		name      string
		productID string
		quantity  int
		reason    models.LineFailureReason
	}{
		{"unavailable product", "gone", 1, models.LineUnavailable},
		{"over known stock", "P1", 6, models.LineInsufficientStock},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := v.SoftCheck(context.Background(), tc.productID, tc.quantity)
			require.Error(t, err)
			fault := models.AsFault(err)
			require.NotNil(t, fault)
			assert.Equal(t, models.KindValidation, fault.Kind)
			require.Len(t, fault.Lines, 1)
			assert.Equal(t, tc.reason, fault.Lines[0].Reason)
		})
	}

	_, err := v.SoftCheck(context.Background(), "missing", 1)
	require.Error(t, err)
	assert.Equal(t, models.KindValidation, models.KindOf(err))
}
