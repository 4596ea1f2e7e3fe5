/**
 * @description
 * Redis-backed fast path for webhook event deduplication. The durable ledger
 * lives in Postgres (processed_webhook_events); Redis just short-circuits the
 * common redelivery case without a database round trip.
 *
 * @notes
 * - Redis is optional. A nil cache (no REDIS_URL configured, or the ping
 *   failed at boot) degrades to ledger-only dedup with identical semantics.
 * - SETNX answers "first sighting?" atomically; the TTL matches the ledger
 *   retention window so the two stores age out together.
 */

package app

import (
	"context"
	"log"
	"time"

	"github.com/redis/go-redis/v9"
)

const dedupKeyPrefix = "escrow:webhook:seen:"

// RedisEventCache marks processor event ids as seen with a retention TTL.
type RedisEventCache struct {
	client    *redis.Client
	retention time.Duration
}

// NewRedisEventCache creates the dedup cache. Returns nil when client is nil
// so callers can wire it unconditionally.
func NewRedisEventCache(client *redis.Client, retention time.Duration) *RedisEventCache {
	if client == nil {
		return nil
	}
	if retention <= 0 {
		retention = 90 * 24 * time.Hour
	}
	return &RedisEventCache{client: client, retention: retention}
}

// SeenBefore atomically records the event id and reports whether it had
// already been recorded. Redis failures are treated as "not seen": the durable
// ledger is the authority and dedup correctness never depends on the cache.
func (c *RedisEventCache) SeenBefore(ctx context.Context, eventID string) bool {
	if c == nil {
		return false
	}
	set, err := c.client.SetNX(ctx, dedupKeyPrefix+eventID, 1, c.retention).Result()
	if err != nil {
		log.Printf("level=warn component=event_dedup msg=\"redis setnx failed; falling through to ledger\" event_id=%s err=%v", eventID, err)
		return false
	}
	return !set
}

// Forget removes the fast-path marker so a processor redelivery can retry an
// event whose application failed after the marker was set.
func (c *RedisEventCache) Forget(ctx context.Context, eventID string) {
	if c == nil {
		return
	}
	if err := c.client.Del(ctx, dedupKeyPrefix+eventID).Err(); err != nil {
		log.Printf("level=warn component=event_dedup msg=\"redis del failed\" event_id=%s err=%v", eventID, err)
	}
}
