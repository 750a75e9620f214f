package rules

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func newTestCache(t *testing.T) *Cache {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewCache(client, time.Minute)
}

func TestCacheRoundTrip(t *testing.T) {
	ctx := context.Background()
	cache := newTestCache(t)

	versionID := uuid.New()
	snap := Snapshot{
		Config:    json.RawMessage(`{"price_tolerance_pct":2}`),
		VersionID: &versionID,
	}
	cache.set(ctx, TypeMatchingTolerance, snap)

	got, ok := cache.get(ctx, TypeMatchingTolerance)
	require.True(t, ok)
	require.JSONEq(t, `{"price_tolerance_pct":2}`, string(got.Config))
	require.NotNil(t, got.VersionID)
	require.Equal(t, versionID, *got.VersionID)
}

func TestCacheMissesAcrossRuleTypes(t *testing.T) {
	ctx := context.Background()
	cache := newTestCache(t)

	cache.set(ctx, TypeMatchingTolerance, Snapshot{Config: json.RawMessage(`{}`)})

	_, ok := cache.get(ctx, TypeFraudThresholds)
	require.False(t, ok)
}

func TestCacheInvalidate(t *testing.T) {
	ctx := context.Background()
	cache := newTestCache(t)

	cache.set(ctx, TypeApprovalPolicy, Snapshot{Config: json.RawMessage(`{"steps":2}`)})
	cache.invalidate(ctx, TypeApprovalPolicy)

	_, ok := cache.get(ctx, TypeApprovalPolicy)
	require.False(t, ok)
}

func TestNilCacheAlwaysMisses(t *testing.T) {
	ctx := context.Background()
	var cache *Cache

	cache.set(ctx, TypeMatchingTolerance, Snapshot{Config: json.RawMessage(`{}`)})
	_, ok := cache.get(ctx, TypeMatchingTolerance)
	require.False(t, ok)
}
