package store

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newRedisCache(t *testing.T) (*RedisCache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisCache(client), mr
}

func TestRedisCacheRoundTrip(t *testing.T) {
	ctx := context.Background()
	cache, _ := newRedisCache(t)

	if _, ok, err := cache.Get(ctx, "missing"); err != nil || ok {
		t.Fatalf("missing key: ok=%v err=%v", ok, err)
	}
	if err := cache.Set(ctx, "k", "v", time.Minute); err != nil {
		t.Fatalf("set: %v", err)
	}
	val, ok, err := cache.Get(ctx, "k")
	if err != nil || !ok || val != "v" {
		t.Fatalf("get: val=%q ok=%v err=%v", val, ok, err)
	}
	if err := cache.Del(ctx, "k"); err != nil {
		t.Fatalf("del: %v", err)
	}
	if _, ok, _ := cache.Get(ctx, "k"); ok {
		t.Fatal("deleted key still present")
	}
}

func TestRedisCacheTTL(t *testing.T) {
	ctx := context.Background()
	cache, mr := newRedisCache(t)

	if err := cache.Set(ctx, "k", "v", time.Second); err != nil {
		t.Fatalf("set: %v", err)
	}
	mr.FastForward(2 * time.Second)
	if _, ok, _ := cache.Get(ctx, "k"); ok {
		t.Fatal("expired key still present")
	}
}

func TestRedisCacheSetNX(t *testing.T) {
	ctx := context.Background()
	cache, _ := newRedisCache(t)

	ok, err := cache.SetNX(ctx, "lock", "a", time.Minute)
	if err != nil || !ok {
		t.Fatalf("first setnx: ok=%v err=%v", ok, err)
	}
	ok, err = cache.SetNX(ctx, "lock", "b", time.Minute)
	if err != nil || ok {
		t.Fatalf("second setnx should lose: ok=%v err=%v", ok, err)
	}
	val, _, _ := cache.Get(ctx, "lock")
	if val != "a" {
		t.Fatalf("losing setnx overwrote the value: %q", val)
	}
}

func TestRedisCacheKeys(t *testing.T) {
	ctx := context.Background()
	cache, _ := newRedisCache(t)

	for _, k := range []string{"tab_guard:user:u1", "tab_guard:user:u2", "other:key"} {
		if err := cache.Set(ctx, k, "{}", time.Minute); err != nil {
			t.Fatalf("set %s: %v", k, err)
		}
	}
	keys, err := cache.Keys(ctx, "tab_guard:user:")
	if err != nil {
		t.Fatalf("keys: %v", err)
	}
	if len(keys) != 2 {
		t.Fatalf("expected 2 keys, got %v", keys)
	}
}

func TestMemoryCacheExpiry(t *testing.T) {
	ctx := context.Background()
	cache := NewMemoryCache()

	if err := cache.Set(ctx, "k", "v", 10*time.Millisecond); err != nil {
		t.Fatalf("set: %v", err)
	}
	time.Sleep(30 * time.Millisecond)
	if _, ok, _ := cache.Get(ctx, "k"); ok {
		t.Fatal("expired key still present")
	}
}

func TestMemoryCacheZeroTTLNeverExpires(t *testing.T) {
	ctx := context.Background()
	cache := NewMemoryCache()

	if err := cache.Set(ctx, "k", "v", 0); err != nil {
		t.Fatalf("set: %v", err)
	}
	time.Sleep(10 * time.Millisecond)
	if _, ok, _ := cache.Get(ctx, "k"); !ok {
		t.Fatal("zero-ttl key expired")
	}
}

func TestNewCacheFallsBackToMemory(t *testing.T) {
	ctx := context.Background()
	if _, ok := NewCache(ctx, nil).(*MemoryCache); !ok {
		t.Fatal("nil client should yield the memory cache")
	}

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	if _, ok := NewCache(ctx, client).(*RedisCache); !ok {
		t.Fatal("reachable client should yield the redis cache")
	}

	mr.Close()
	if _, ok := NewCache(ctx, client).(*MemoryCache); !ok {
		t.Fatal("unreachable client should fall back to memory")
	}
}
