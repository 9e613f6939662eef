// Package catalog provides read access to the product catalog and the
// mutation-time soft check. The commit-time hard check lives inside the
// order repository's transaction; this package is deliberately
// stale-tolerant and exists for UX, not correctness.
package catalog

import (
	"context"
	"errors"
	"time"

	"github.com/example/piata/pkg/models"
	"github.com/example/piata/pkg/repository"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// Reader is the read-only catalog collaborator.
type Reader interface {
	GetProduct(ctx context.Context, productID string) (*models.ProductSnapshot, error)
}

type productSource interface {
	GetProduct(ctx context.Context, productID string) (*models.Product, error)
}

type snapshotCache interface {
	GetProductCache(ctx context.Context, productID string) (*models.ProductSnapshot, error)
	CacheProduct(ctx context.Context, snap *models.ProductSnapshot, ttl time.Duration) error
}

// CachedReader serves product snapshots from Redis with a short TTL,
// falling back to MySQL on a miss. Singleflight collapses concurrent
// misses for the same product.
type CachedReader struct {
	source productSource
	cache  snapshotCache
	ttl    time.Duration
	logger *zap.Logger
	sfg    singleflight.Group
}

func NewCachedReader(source productSource, cache snapshotCache, ttl time.Duration, logger *zap.Logger) *CachedReader {
	return &CachedReader{
		source: source,
		cache:  cache,
		ttl:    ttl,
		logger: logger,
	}
}

func (r *CachedReader) GetProduct(ctx context.Context, productID string) (*models.ProductSnapshot, error) {
	v, err, _ := r.sfg.Do(productID, func() (interface{}, error) {
		snap, err := r.cache.GetProductCache(ctx, productID)
		if err == nil {
			return snap, nil
		}
		if !errors.Is(err, repository.ErrCacheMiss) {
			r.logger.Warn("product cache read failed", zap.String("product_id", productID), zap.Error(err))
		}

		product, err := r.source.GetProduct(ctx, productID)
		if err != nil {
			return nil, err
		}
		snap = product.Snapshot()

		go func() {
			cctx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			if err := r.cache.CacheProduct(cctx, snap, r.ttl); err != nil {
				r.logger.Warn("product cache write failed", zap.String("product_id", productID), zap.Error(err))
			}
		}()

		return snap, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*models.ProductSnapshot), nil
}

// Validator performs the mutation-time soft check against possibly stale
// snapshots. It rejects obviously impossible mutations and hands back the
// snapshot so the ledger can freeze the add-time price.
type Validator struct {
	reader Reader
	logger *zap.Logger
}

func NewValidator(reader Reader, logger *zap.Logger) *Validator {
	return &Validator{reader: reader, logger: logger}
}

func (v *Validator) SoftCheck(ctx context.Context, productID string, quantity int) (*models.ProductSnapshot, error) {
	snap, err := v.reader.GetProduct(ctx, productID)
	if err != nil {
		if errors.Is(err, repository.ErrProductNotFound) {
			return nil, models.Validationf("unknown product %s", productID)
		}
		return nil, models.Infra(err, "failed to read product")
	}

	if !snap.Available {
		return nil, &models.Fault{
			Kind:    models.KindValidation,
			Message: "product is not available",
			Lines: []models.LineFailure{{
				ProductID: productID,
				Reason:    models.LineUnavailable,
				Requested: quantity,
			}},
		}
	}
	if quantity > snap.Stock {
		return nil, &models.Fault{
			Kind:    models.KindValidation,
			Message: "requested quantity exceeds known stock",
			Lines: []models.LineFailure{{
				ProductID: productID,
				Reason:    models.LineInsufficientStock,
				Requested: quantity,
				Available: snap.Stock,
			}},
		}
	}
	return snap, nil
}
