package authz

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const effectiveKeyPrefix = "authz:effective:"

// EffectiveCache stores previously resolved effective permission sets in
// Redis, keyed per user with a short TTL. A nil client disables caching so
// every lookup resolves directly.
type EffectiveCache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewEffectiveCache constructs the cache helper.
func NewEffectiveCache(client *redis.Client, ttl time.Duration) *EffectiveCache {
	return &EffectiveCache{client: client, ttl: ttl}
}

func cacheKey(userID int64) string {
	return effectiveKeyPrefix + strconv.FormatInt(userID, 10)
}

// Get returns the cached set for the user, reporting whether it was present.
func (c *EffectiveCache) Get(ctx context.Context, userID int64) (Set, bool, error) {
	if c == nil || c.client == nil {
		return nil, false, nil
	}
	payload, err := c.client.Get(ctx, cacheKey(userID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, false, nil
		}
		return nil, false, err
	}
	var keys []string
	if err := json.Unmarshal(payload, &keys); err != nil {
		// Treat a corrupt entry as a miss; the write path replaces it.
		return nil, false, nil
	}
	set := make(Set, len(keys))
	for _, k := range keys {
		set.Add(Key(k))
	}
	return set, true, nil
}

// Put stores the resolved set with the configured TTL.
func (c *EffectiveCache) Put(ctx context.Context, userID int64, set Set) error {
	if c == nil || c.client == nil {
		return nil
	}
	payload, err := json.Marshal(set.Strings())
	if err != nil {
		return err
	}
	return c.client.Set(ctx, cacheKey(userID), payload, c.ttl).Err()
}

// Invalidate drops the user's entry. Called before any role or override
// write is considered complete, and unconditionally on sign-out.
func (c *EffectiveCache) Invalidate(ctx context.Context, userID int64) error {
	if c == nil || c.client == nil {
		return nil
	}
	if err := c.client.Del(ctx, cacheKey(userID)).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return err
	}
	return nil
}
