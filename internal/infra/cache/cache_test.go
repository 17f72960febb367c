package cache_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/boddenberg/cmms-billing-go/internal/infra/cache"
)

func TestCache_SetAndGet(t *testing.T) {
	ctx := context.Background()
	c := cache.New[string](5*time.Minute, 10)

	c.Set(ctx, "key1", "value1")
	val, ok := c.Get(ctx, "key1")
	require.True(t, ok)
	assert.Equal(t, "value1", val)
}

func TestCache_GetMiss(t *testing.T) {
	c := cache.New[string](5*time.Minute, 10)

	_, ok := c.Get(context.Background(), "nonexistent")
	assert.False(t, ok)
}

func TestCache_NeverServesPastTTL(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	c := cache.New[string](2*time.Minute, 10).WithClock(func() time.Time { return now })

	c.Set(ctx, "key1", "value1")

	now = now.Add(2*time.Minute - time.Second)
	_, ok := c.Get(ctx, "key1")
	assert.True(t, ok)

	now = now.Add(time.Second)
	_, ok = c.Get(ctx, "key1")
	assert.False(t, ok, "entry must expire exactly at TTL")
}

func TestCache_Delete(t *testing.T) {
	ctx := context.Background()
	c := cache.New[string](5*time.Minute, 10)

	c.Set(ctx, "key1", "value1")
	c.Delete(ctx, "key1")

	_, ok := c.Get(ctx, "key1")
	assert.False(t, ok)
}

func TestCache_EvictsLeastRecentlyUsed(t *testing.T) {
	ctx := context.Background()
	c := cache.New[int](time.Minute, 2)

	c.Set(ctx, "a", 1)
	c.Set(ctx, "b", 2)
	_, _ = c.Get(ctx, "a")
	c.Set(ctx, "c", 3)

	_, ok := c.Get(ctx, "b")
	assert.False(t, ok)
	_, ok = c.Get(ctx, "a")
	assert.True(t, ok)
	assert.Equal(t, 2, c.Len())
}

type cached struct {
	ID   string `json:"id"`
	Plan string `json:"plan"`
}

func TestRedisCache(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	ctx := context.Background()

	c := cache.NewRedis[*cached](client, "tenant:", time.Minute, zap.NewNop())

	_, ok := c.Get(ctx, "t1")
	assert.False(t, ok)

	c.Set(ctx, "t1", &cached{ID: "t1", Plan: "basic"})
	got, ok := c.Get(ctx, "t1")
	require.True(t, ok)
	assert.Equal(t, "basic", got.Plan)
	assert.True(t, mr.Exists("tenant:t1"))

	mr.FastForward(time.Minute + time.Second)
	_, ok = c.Get(ctx, "t1")
	assert.False(t, ok)

	c.Set(ctx, "t2", &cached{ID: "t2"})
	c.Delete(ctx, "t2")
	_, ok = c.Get(ctx, "t2")
	assert.False(t, ok)
}

func TestRedisCache_DownIsMiss(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	c := cache.NewRedis[string](client, "x:", time.Minute, zap.NewNop())
	mr.Close()

	c.Set(context.Background(), "k", "v")
	_, ok := c.Get(context.Background(), "k")
	assert.False(t, ok)
}
