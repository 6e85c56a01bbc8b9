package tenant

import (
	"context"
	"log/slog"
	"time"

	"omnidesk/internal/metrics"
	"omnidesk/internal/repo"
)

// JSONCache is the subset of the Redis helper the caching resolver needs.
type JSONCache interface {
	GetJSON(ctx context.Context, key string, dest any) (bool, error)
	SetJSON(ctx context.Context, key string, value any, ttl time.Duration) error
}

// CachingResolver remembers successful resolutions for a short TTL.
// Misses are never cached so a newly connected channel resolves immediately.
type CachingResolver struct {
	next    *Resolver
	cache   JSONCache
	ttl     time.Duration
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// NewCaching wraps next with cache. A non-positive ttl disables caching.
func NewCaching(next *Resolver, cache JSONCache, ttl time.Duration, logger *slog.Logger, metricRegistry *metrics.Metrics) *CachingResolver {
	return &CachingResolver{
		next:    next,
		cache:   cache,
		ttl:     ttl,
		logger:  logger.With("component", "tenant_cache"),
		metrics: metricRegistry,
	}
}

func cacheKey(channel repo.Channel, routingID string) string {
	return "omnidesk:tenant:" + string(channel) + ":" + routingID
}

// Resolve serves from cache when possible and falls back to the store lookup.
// Cache errors are logged and never fail resolution.
func (c *CachingResolver) Resolve(ctx context.Context, channel repo.Channel, routingID string) (*Resolution, error) {
	if c.cache == nil || c.ttl <= 0 || routingID == "" {
		return c.next.Resolve(ctx, channel, routingID)
	}

	key := cacheKey(channel, routingID)
	var cached Resolution
	hit, err := c.cache.GetJSON(ctx, key, &cached)
	if err != nil {
		c.logger.Warn("tenant cache read failed", "key", key, "error", err)
	} else if hit && cached.TenantID != "" {
		if c.metrics != nil {
			c.metrics.TenantResolutions.WithLabelValues(string(channel), "cached").Inc()
		}
		return &cached, nil
	}

	res, err := c.next.Resolve(ctx, channel, routingID)
	if err != nil {
		return nil, err
	}
	if err := c.cache.SetJSON(ctx, key, res, c.ttl); err != nil {
		c.logger.Warn("tenant cache write failed", "key", key, "error", err)
	}
	return res, nil
}
