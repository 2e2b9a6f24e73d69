// Package cache holds a short-lived cache of team balances in Redis.
// Cached balances are advisory only; deductions always re-check the
// authoritative counters in the database.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"

	"github.com/pario-ai/jobmeter/pkg/metrics"
	"github.com/pario-ai/jobmeter/pkg/models"
)

const keyPrefix = "jobmeter:balance:"

// LoadFunc reads a balance from the authoritative store.
type LoadFunc func(ctx context.Context) (models.Balance, error)

// BalanceCache caches balances per team. Concurrent misses for the same team
// share one load. A nil Redis client disables storage but keeps the
// load coalescing.
type BalanceCache struct {
	client *goredis.Client
	ttl    time.Duration
	group  singleflight.Group
	logger *slog.Logger
	hits   atomic.Int64
	misses atomic.Int64
}

// New creates a BalanceCache. client may be nil.
func New(client *goredis.Client, ttl time.Duration, logger *slog.Logger) *BalanceCache {
	if logger == nil {
		logger = slog.Default()
	}
	return &BalanceCache{client: client, ttl: ttl, logger: logger}
}

func key(teamID string) string {
	return keyPrefix + teamID
}

// Get returns the cached balance for teamID, calling load on a miss. Redis
// failures degrade to a direct load.
func (c *BalanceCache) Get(ctx context.Context, teamID string, load LoadFunc) (models.Balance, error) {
	if c.client != nil {
		data, err := c.client.Get(ctx, key(teamID)).Bytes()
		switch {
		case err == nil:
			var b models.Balance
			if err := json.Unmarshal(data, &b); err == nil {
				c.hits.Add(1)
				metrics.BalanceCacheRequestsTotal.WithLabelValues("hit").Inc()
				return b, nil
			}
		case !errors.Is(err, goredis.Nil):
			c.logger.WarnContext(ctx, "balance cache read failed", "team_id", teamID, "error", err)
		}
	}
	c.misses.Add(1)
	metrics.BalanceCacheRequestsTotal.WithLabelValues("miss").Inc()

	v, err, _ := c.group.Do(teamID, func() (any, error) {
		b, err := load(ctx)
		if err != nil {
			return models.Balance{}, err
		}
		c.put(ctx, b)
		return b, nil
	})
	if err != nil {
		return models.Balance{}, err
	}
	return v.(models.Balance), nil
}

func (c *BalanceCache) put(ctx context.Context, b models.Balance) {
	if c.client == nil {
		return
	}
	data, err := json.Marshal(b)
	if err != nil {
		return
	}
	if err := c.client.Set(ctx, key(b.TeamID), data, c.ttl).Err(); err != nil {
		c.logger.WarnContext(ctx, "balance cache write failed", "team_id", b.TeamID, "error", err)
	}
}

// Invalidate drops the cached balance for teamID.
func (c *BalanceCache) Invalidate(ctx context.Context, teamID string) error {
	if c.client == nil {
		return nil
	}
	if err := c.client.Del(ctx, key(teamID)).Err(); err != nil {
		return fmt.Errorf("invalidate balance: %w", err)
	}
	return nil
}

// Stats returns cache performance metrics. Hits and misses are counted by
// this process; entries are counted in Redis.
func (c *BalanceCache) Stats(ctx context.Context) (models.CacheStats, error) {
	stats := models.CacheStats{Hits: c.hits.Load(), Misses: c.misses.Load()}
	if c.client == nil {
		return stats, nil
	}
	keys, err := c.keys(ctx)
	if err != nil {
		return stats, err
	}
	stats.Entries = int64(len(keys))
	return stats, nil
}

// Clear removes every cached balance.
func (c *BalanceCache) Clear(ctx context.Context) error {
	if c.client == nil {
		return nil
	}
	keys, err := c.keys(ctx)
	if err != nil {
		return err
	}
	if len(keys) == 0 {
		return nil
	}
	if err := c.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("cache clear: %w", err)
	}
	return nil
}

func (c *BalanceCache) keys(ctx context.Context) ([]string, error) {
	var keys []string
	iter := c.client.Scan(ctx, 0, keyPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("scan balance keys: %w", err)
	}
	return keys, nil
}

// Close releases the Redis connection.
func (c *BalanceCache) Close() error {
	if c.client == nil {
		return nil
	}
	return c.client.Close()
}
