package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/example/piata/pkg/config"
	"github.com/example/piata/pkg/models"
	"github.com/go-redis/redis/v8"
)

var (
	ErrCacheMiss    = errors.New("cache miss")
	ErrCodeNotFound = errors.New("no active verification code")
)

// RedisRepository holds the short-lived state: verification codes (TTL =
// code expiry), fixed-window rate-limit counters, and the stale-tolerant
// product snapshot cache backing the soft check.
type RedisRepository struct {
	client *redis.Client
}

func NewRedisRepository(cfg *config.RedisConfig) *RedisRepository {
	return &RedisRepository{
		client: redis.NewClient(&redis.Options{
			Addr:     cfg.Addr,
			Password: cfg.Password,
			DB:       cfg.DB,
			PoolSize: cfg.PoolSize,
		}),
	}
}

func (r *RedisRepository) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *RedisRepository) Close() error {
	return r.client.Close()
}

func (r *RedisRepository) setJSON(ctx context.Context, key string, value interface{}, expiration time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return r.client.Set(ctx, key, data, expiration).Err()
}

func (r *RedisRepository) getJSON(ctx context.Context, key string, dest interface{}) error {
	data, err := r.client.Get(ctx, key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return ErrCacheMiss
		}
		return err
	}
	return json.Unmarshal([]byte(data), dest)
}

// IncrWindow bumps a fixed-window counter, setting the window TTL on the
// first hit, and returns the count inside the current window.
func (r *RedisRepository) IncrWindow(ctx context.Context, key string, window time.Duration) (int64, error) {
	count, err := r.client.Incr(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to increment window %s: %w", key, err)
	}
	if count == 1 {
		if err := r.client.Expire(ctx, key, window).Err(); err != nil {
			return count, fmt.Errorf("failed to expire window %s: %w", key, err)
		}
	}
	return count, nil
}

func codeKey(sessionID string) string {
	return fmt.Sprintf("verify:code:%s", sessionID)
}

// StoreCode writes the code record under the session's key. Keying by
// session is what binds a code to the session it was issued for.
func (r *RedisRepository) StoreCode(ctx context.Context, sessionID string, code *models.VerificationCode, ttl time.Duration) error {
	return r.setJSON(ctx, codeKey(sessionID), code, ttl)
}

func (r *RedisRepository) LoadCode(ctx context.Context, sessionID string) (*models.VerificationCode, error) {
	var code models.VerificationCode
	err := r.getJSON(ctx, codeKey(sessionID), &code)
	if err != nil {
		if errors.Is(err, ErrCacheMiss) {
			return nil, ErrCodeNotFound
		}
		return nil, err
	}
	return &code, nil
}

// UpdateCode rewrites the record without touching its remaining TTL.
func (r *RedisRepository) UpdateCode(ctx context.Context, sessionID string, code *models.VerificationCode) error {
	data, err := json.Marshal(code)
	if err != nil {
		return err
	}
	return r.client.Set(ctx, codeKey(sessionID), data, redis.KeepTTL).Err()
}

func (r *RedisRepository) DeleteCode(ctx context.Context, sessionID string) error {
	return r.client.Del(ctx, codeKey(sessionID)).Err()
}

func productKey(productID string) string {
	return fmt.Sprintf("product:%s", productID)
}

func (r *RedisRepository) CacheProduct(ctx context.Context, snap *models.ProductSnapshot, ttl time.Duration) error {
	return r.setJSON(ctx, productKey(snap.ID), snap, ttl)
}

func (r *RedisRepository) GetProductCache(ctx context.Context, productID string) (*models.ProductSnapshot, error) {
	var snap models.ProductSnapshot
	if err := r.getJSON(ctx, productKey(productID), &snap); err != nil {
		return nil, err
	}
	return &snap, nil
}

func (r *RedisRepository) InvalidateProduct(ctx context.Context, productID string) error {
	return r.client.Del(ctx, productKey(productID)).Err()
}
