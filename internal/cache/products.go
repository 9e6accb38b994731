package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/prudhivi99/Distributed-Systems/orderflow/internal/models"
)

const DefaultProductTTL = 30 * time.Second

// ProductCache caches catalog reads by product id. Entries may trail the
// database by up to ttl, so nothing that checks or changes stock reads it.
type ProductCache struct {
	client *redis.Client
	ttl    time.Duration
	logger *zap.Logger
}

func NewProductCache(client *redis.Client, ttl time.Duration, logger *zap.Logger) *ProductCache {
	if ttl <= 0 {
		ttl = DefaultProductTTL
	}
	return &ProductCache{client: client, ttl: ttl, logger: logger}
}

func productKey(id string) string {
	return "product:" + id
}

// Get returns the cached product, or nil on a miss.
func (c *ProductCache) Get(ctx context.Context, id string) (*models.Product, error) {
	data, err := c.client.Get(ctx, productKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		c.logger.Debug("💾 Cache MISS", zap.String("product_id", id))
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read cached product %s: %w", id, err)
	}

	var p models.Product
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("failed to decode cached product %s: %w", id, err)
	}
	c.logger.Debug("📦 Cache HIT", zap.String("product_id", id))
	return &p, nil
}

func (c *ProductCache) Set(ctx context.Context, p *models.Product) error {
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("failed to encode product %s: %w", p.ID, err)
	}
	if err := c.client.Set(ctx, productKey(p.ID), data, c.ttl).Err(); err != nil {
		return fmt.Errorf("failed to cache product %s: %w", p.ID, err)
	}
	return nil
}

func (c *ProductCache) Invalidate(ctx context.Context, id string) error {
	if err := c.client.Del(ctx, productKey(id)).Err(); err != nil {
		return fmt.Errorf("failed to invalidate product %s: %w", id, err)
	}
	c.logger.Debug("🗑️ Cache invalidated", zap.String("product_id", id))
	return nil
}
