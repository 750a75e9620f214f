package rules

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const activeKeyPrefix = "rules:active:"

// Cache keeps active rule snapshots in Redis with a short TTL so the
// matching hot path does not hit Postgres on every invoice. A nil cache
// is valid and always misses.
type Cache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewCache instantiates the cache helper.
func NewCache(client *redis.Client, ttl time.Duration) *Cache {
	return &Cache{client: client, ttl: ttl}
}

type cachedSnapshot struct {
	Config    json.RawMessage `json:"config"`
	VersionID *string         `json:"version_id"`
}

func (c *Cache) get(ctx context.Context, ruleType Type) (Snapshot, bool) {
	if c == nil || c.client == nil {
		return Snapshot{}, false
	}
	payload, err := c.client.Get(ctx, activeKeyPrefix+string(ruleType)).Bytes()
	if err != nil {
		return Snapshot{}, false
	}
	var cached cachedSnapshot
	if err := json.Unmarshal(payload, &cached); err != nil {
		return Snapshot{}, false
	}
	snap := Snapshot{Config: cached.Config}
	if cached.VersionID != nil {
		if id, err := uuid.Parse(*cached.VersionID); err == nil {
			snap.VersionID = &id
		}
	}
	return snap, true
}

func (c *Cache) set(ctx context.Context, ruleType Type, snap Snapshot) {
	if c == nil || c.client == nil {
		return
	}
	cached := cachedSnapshot{Config: snap.Config}
	if snap.VersionID != nil {
		s := snap.VersionID.String()
		cached.VersionID = &s
	}
	payload, err := json.Marshal(cached)
	if err != nil {
		return
	}
	_ = c.client.Set(ctx, activeKeyPrefix+string(ruleType), payload, c.ttl).Err()
}

func (c *Cache) invalidate(ctx context.Context, ruleType Type) {
	if c == nil || c.client == nil {
		return
	}
	_ = c.client.Del(ctx, activeKeyPrefix+string(ruleType)).Err()
}
