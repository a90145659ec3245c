package registry

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"tabguard/pkg/models"
	"tabguard/pkg/store"
)

func TestRegistryOnRedis(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	cache := store.NewRedisCache(client)
	r := New(cache, cache)
	sc := Scope{UserID: "u1", SessionID: "s1"}

	if _, err := r.Register(ctx, sc, models.Tab{ID: "t1", Route: "dashboard"}); err != nil {
		t.Fatalf("register: %v", err)
	}
	if _, err := r.Register(ctx, sc, models.Tab{ID: "t2", Route: "reports.index"}); err != nil {
		t.Fatalf("register: %v", err)
	}
	current, err := r.CurrentTabs(ctx, sc)
	if err != nil {
		t.Fatalf("current tabs: %v", err)
	}
	if len(current) != 2 {
		t.Fatalf("expected 2 tabs, got %d", len(current))
	}

	if err := r.Close(ctx, sc, "t1"); err != nil {
		t.Fatalf("close: %v", err)
	}
	current, err = r.CurrentTabs(ctx, sc)
	if err != nil {
		t.Fatalf("current tabs: %v", err)
	}
	if len(current) != 1 {
		t.Fatalf("expected 1 tab after close, got %d", len(current))
	}

	// The cross-session mirror carries its own TTL so an abandoned session
	// ages out of the count on its own.
	if ttl := mr.TTL(r.userKey("u1")); ttl <= 0 || ttl > r.Timeout {
		t.Fatalf("mirror ttl = %v, want within (0, %v]", ttl, r.Timeout)
	}

	res, err := r.Sweep(ctx, "", 0, true)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if res.Scanned == 0 {
		t.Fatal("sweep scanned nothing")
	}
	if res.Removed != 0 {
		t.Fatalf("fresh tabs should not be removable, got %d", res.Removed)
	}
}
