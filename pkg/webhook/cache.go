package webhook

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

const seenKeyPrefix = "billing:webhook:evt:"

// SeenCache is an advisory duplicate filter in front of the durable event
// store. A hit short-circuits obvious replays without a database roundtrip;
// a miss or a cache outage falls through to the store, which remains the
// source of truth for idempotency. The processor marks an ID only after the
// durable record exists, so a mark always has a row behind it.
type SeenCache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewSeenCache creates the Redis-backed duplicate filter. Entries expire
// after ttl; 24h covers every realistic processor redelivery schedule.
func NewSeenCache(client *redis.Client, ttl time.Duration) *SeenCache {
	if client == nil {
		panic("webhook: redis client is required")
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &SeenCache{client: client, ttl: ttl}
}

// Seen reports whether the event ID is marked, without marking it. Errors
// are returned so the caller can fall through; the cache never blocks
// processing.
func (c *SeenCache) Seen(ctx context.Context, externalID string) (bool, error) {
	n, err := c.client.Exists(ctx, seenKeyPrefix+externalID).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// MarkSeen records the event ID and reports whether it was already present.
func (c *SeenCache) MarkSeen(ctx context.Context, externalID string) (alreadySeen bool, err error) {
	set, err := c.client.SetNX(ctx, seenKeyPrefix+externalID, 1, c.ttl).Result()
	if err != nil {
		return false, err
	}
	return !set, nil
}

// Forget drops the mark so a released event can be reprocessed promptly.
func (c *SeenCache) Forget(ctx context.Context, externalID string) error {
	return c.client.Del(ctx, seenKeyPrefix+externalID).Err()
}
