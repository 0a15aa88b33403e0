// Package cache contains the Redis cache for the active geofenced zone list.
package cache

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/addiseats/eligibility/internal/model"
)

const (
	activeZonesKey = "zones:active-geofenced"
	activeZonesTTL = 30 * time.Second
)

// ZoneCache is a best-effort cache-aside layer in front of the zone store.
// Any Redis failure degrades to a store read; nothing here fails a request.
type ZoneCache struct {
	client *redis.Client
	logger *zap.Logger
}

// NewZoneCache connects to Redis at the given address.
func NewZoneCache(addr string, logger *zap.Logger) *ZoneCache {
	return &ZoneCache{
		client: redis.NewClient(&redis.Options{Addr: addr}),
		logger: logger,
	}
}

// Ping verifies the Redis connection.
func (c *ZoneCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// Close releases the Redis client.
func (c *ZoneCache) Close() error {
	return c.client.Close()
}

// ActiveGeofenced returns the cached zone list, if present.
func (c *ZoneCache) ActiveGeofenced(ctx context.Context) ([]model.DeliveryZone, bool) {
	data, err := c.client.Get(ctx, activeZonesKey).Bytes()
	if err != nil {
		if err != redis.Nil {
			c.logger.Debug("zone cache read failed", zap.Error(err))
		}
		return nil, false
	}

	var zones []model.DeliveryZone
	if err := json.Unmarshal(data, &zones); err != nil {
		c.logger.Debug("zone cache payload corrupt", zap.Error(err))
		return nil, false
	}

	return zones, true
}

// StoreActiveGeofenced caches the zone list with a short TTL.
func (c *ZoneCache) StoreActiveGeofenced(ctx context.Context, zones []model.DeliveryZone) {
	data, err := json.Marshal(zones)
	if err != nil {
		c.logger.Debug("zone cache marshal failed", zap.Error(err))
		return
	}

	if err := c.client.Set(ctx, activeZonesKey, data, activeZonesTTL).Err(); err != nil {
		c.logger.Debug("zone cache write failed", zap.Error(err))
	}
}

// Invalidate drops the cached zone list after any zone write.
func (c *ZoneCache) Invalidate(ctx context.Context) {
	if err := c.client.Del(ctx, activeZonesKey).Err(); err != nil {
		c.logger.Debug("zone cache invalidate failed", zap.Error(err))
	}
}
