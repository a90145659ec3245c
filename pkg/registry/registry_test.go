package registry

import (
	"context"
	"sync"
	"testing"
	"time"

	"tabguard/pkg/models"
	"tabguard/pkg/store"
)

func newTestRegistry(t *testing.T) (*Registry, *store.MemoryCache, *store.MemoryCache) {
	t.Helper()
	primary := store.NewMemoryCache()
	secondary := store.NewMemoryCache()
	r := New(primary, secondary)
	r.Timeout = 30 * time.Minute
	return r, primary, secondary
}

func fixedClock(at time.Time) func() time.Time {
	return func() time.Time { return at }
}

func TestRegisterAndCurrentTabs(t *testing.T) {
	ctx := context.Background()
	r, _, _ := newTestRegistry(t)
	sc := Scope{UserID: "u1", SessionID: "s1"}

	tabs, err := r.Register(ctx, sc, models.Tab{ID: "t1", Route: "dashboard"})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if len(tabs) != 1 {
		t.Fatalf("expected 1 tab after register, got %d", len(tabs))
	}
	if _, err := r.Register(ctx, sc, models.Tab{ID: "t2", Route: "reports.index"}); err != nil {
		t.Fatalf("register second: %v", err)
	}

	current, err := r.CurrentTabs(ctx, sc)
	if err != nil {
		t.Fatalf("current tabs: %v", err)
	}
	if len(current) != 2 {
		t.Fatalf("expected 2 live tabs, got %d", len(current))
	}
	if current["t2"].Route != "reports.index" {
		t.Fatalf("unexpected route %q", current["t2"].Route)
	}
}

func TestRegisterUpsertsSameID(t *testing.T) {
	ctx := context.Background()
	r, _, _ := newTestRegistry(t)
	sc := Scope{UserID: "u1", SessionID: "s1"}

	if _, err := r.Register(ctx, sc, models.Tab{ID: "t1", Route: "dashboard"}); err != nil {
		t.Fatalf("register: %v", err)
	}
	tabs, err := r.Register(ctx, sc, models.Tab{ID: "t1", Route: "reports.index"})
	if err != nil {
		t.Fatalf("re-register: %v", err)
	}
	if len(tabs) != 1 {
		t.Fatalf("upsert should not grow the set, got %d tabs", len(tabs))
	}
	if tabs["t1"].Route != "reports.index" {
		t.Fatalf("route not updated, got %q", tabs["t1"].Route)
	}
}

func TestExpiryBoundary(t *testing.T) {
	ctx := context.Background()
	r, _, _ := newTestRegistry(t)
	sc := Scope{UserID: "u1", SessionID: "s1"}

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	r.Clock = fixedClock(base)
	if _, err := r.Register(ctx, sc, models.Tab{ID: "t1", Route: "dashboard"}); err != nil {
		t.Fatalf("register: %v", err)
	}

	// Exactly at the timeout the tab is still live.
	r.Clock = fixedClock(base.Add(r.Timeout))
	current, err := r.CurrentTabs(ctx, sc)
	if err != nil {
		t.Fatalf("current tabs: %v", err)
	}
	if len(current) != 1 {
		t.Fatalf("tab at exact timeout should be live, got %d tabs", len(current))
	}

	// One second past it is stale.
	r.Clock = fixedClock(base.Add(r.Timeout + time.Second))
	current, err = r.CurrentTabs(ctx, sc)
	if err != nil {
		t.Fatalf("current tabs: %v", err)
	}
	if len(current) != 0 {
		t.Fatalf("tab past timeout should be gone, got %d tabs", len(current))
	}
}

func TestTouchExtendsLife(t *testing.T) {
	ctx := context.Background()
	r, _, _ := newTestRegistry(t)
	sc := Scope{UserID: "u1", SessionID: "s1"}

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	r.Clock = fixedClock(base)
	if _, err := r.Register(ctx, sc, models.Tab{ID: "t1", Route: "dashboard"}); err != nil {
		t.Fatalf("register: %v", err)
	}

	r.Clock = fixedClock(base.Add(20 * time.Minute))
	if err := r.Touch(ctx, sc, "t1"); err != nil {
		t.Fatalf("touch: %v", err)
	}

	// 40 minutes after creation but only 20 after the touch: still live.
	r.Clock = fixedClock(base.Add(40 * time.Minute))
	current, err := r.CurrentTabs(ctx, sc)
	if err != nil {
		t.Fatalf("current tabs: %v", err)
	}
	if len(current) != 1 {
		t.Fatalf("touched tab should be live, got %d tabs", len(current))
	}
}

func TestTouchUnknownTabIsNoop(t *testing.T) {
	ctx := context.Background()
	r, primary, _ := newTestRegistry(t)
	sc := Scope{UserID: "u1", SessionID: "s1"}

	if err := r.Touch(ctx, sc, "ghost"); err != nil {
		t.Fatalf("touch unknown: %v", err)
	}
	keys, err := primary.Keys(ctx, r.Prefix)
	if err != nil {
		t.Fatalf("keys: %v", err)
	}
	if len(keys) != 0 {
		t.Fatalf("touch must not resurrect a tab, found keys %v", keys)
	}
}

func TestCloseRemovesFromBothStores(t *testing.T) {
	ctx := context.Background()
	r, _, secondary := newTestRegistry(t)
	sc := Scope{UserID: "u1", SessionID: "s1"}

	if _, err := r.Register(ctx, sc, models.Tab{ID: "t1", Route: "dashboard"}); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := r.Close(ctx, sc, "t1"); err != nil {
		t.Fatalf("close: %v", err)
	}
	current, err := r.CurrentTabs(ctx, sc)
	if err != nil {
		t.Fatalf("current tabs: %v", err)
	}
	if len(current) != 0 {
		t.Fatalf("closed tab still present: %v", current)
	}
	raw, ok, err := secondary.Get(ctx, r.userKey("u1"))
	if err != nil {
		t.Fatalf("secondary get: %v", err)
	}
	if ok && raw != "{}" {
		t.Fatalf("secondary still carries the tab: %s", raw)
	}

	// Closing again is a no-op.
	if err := r.Close(ctx, sc, "t1"); err != nil {
		t.Fatalf("close absent: %v", err)
	}
}

func TestAntiBypassMergesAcrossSessions(t *testing.T) {
	ctx := context.Background()
	r, _, _ := newTestRegistry(t)

	if _, err := r.Register(ctx, Scope{UserID: "u1", SessionID: "s1"}, models.Tab{ID: "t1", Route: "dashboard"}); err != nil {
		t.Fatalf("register session 1: %v", err)
	}
	// Second session (incognito window) for the same user.
	if _, err := r.Register(ctx, Scope{UserID: "u1", SessionID: "s2"}, models.Tab{ID: "t2", Route: "dashboard"}); err != nil {
		t.Fatalf("register session 2: %v", err)
	}

	current, err := r.CurrentTabs(ctx, Scope{UserID: "u1", SessionID: "s2"})
	if err != nil {
		t.Fatalf("current tabs: %v", err)
	}
	if len(current) != 2 {
		t.Fatalf("cross-session mirror should surface both tabs, got %d", len(current))
	}
}

func TestAntiBypassOffScopesToSession(t *testing.T) {
	ctx := context.Background()
	r, _, _ := newTestRegistry(t)
	r.AntiBypass = false

	if _, err := r.Register(ctx, Scope{UserID: "u1", SessionID: "s1"}, models.Tab{ID: "t1", Route: "dashboard"}); err != nil {
		t.Fatalf("register session 1: %v", err)
	}
	if _, err := r.Register(ctx, Scope{UserID: "u1", SessionID: "s2"}, models.Tab{ID: "t2", Route: "dashboard"}); err != nil {
		t.Fatalf("register session 2: %v", err)
	}

	current, err := r.CurrentTabs(ctx, Scope{UserID: "u1", SessionID: "s2"})
	if err != nil {
		t.Fatalf("current tabs: %v", err)
	}
	if len(current) != 1 {
		t.Fatalf("without the mirror each session is isolated, got %d tabs", len(current))
	}
}

func TestSecondaryWinsMerge(t *testing.T) {
	ctx := context.Background()
	r, primary, secondary := newTestRegistry(t)
	sc := Scope{UserID: "u1", SessionID: "s1"}

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	r.Clock = fixedClock(now)
	stale := models.TabSet{"t1": {ID: "t1", Route: "old.route", LastActivity: now}}
	fresh := models.TabSet{"t1": {ID: "t1", Route: "new.route", LastActivity: now}}
	if err := r.save(ctx, primary, r.sessionKey(sc), stale, time.Hour); err != nil {
		t.Fatalf("seed primary: %v", err)
	}
	if err := r.save(ctx, secondary, r.userKey("u1"), fresh, time.Hour); err != nil {
		t.Fatalf("seed secondary: %v", err)
	}

	current, err := r.CurrentTabs(ctx, sc)
	if err != nil {
		t.Fatalf("current tabs: %v", err)
	}
	if current["t1"].Route != "new.route" {
		t.Fatalf("secondary entry should win the merge, got %q", current["t1"].Route)
	}
}

func TestTabsMatchingRoutes(t *testing.T) {
	ctx := context.Background()
	r, _, _ := newTestRegistry(t)
	sc := Scope{UserID: "u1", SessionID: "s1"}

	for id, route := range map[string]string{
		"t1": "applications.index",
		"t2": "applications.show",
		"t3": "dashboard",
	} {
		if _, err := r.Register(ctx, sc, models.Tab{ID: id, Route: route}); err != nil {
			t.Fatalf("register %s: %v", id, err)
		}
	}

	matched, err := r.TabsMatchingRoutes(ctx, sc, []string{"applications.*"})
	if err != nil {
		t.Fatalf("matching routes: %v", err)
	}
	if len(matched) != 2 {
		t.Fatalf("expected 2 application tabs, got %d", len(matched))
	}
	if _, ok := matched["t3"]; ok {
		t.Fatal("dashboard tab must not match applications.*")
	}
}

func TestSweep(t *testing.T) {
	ctx := context.Background()
	r, _, _ := newTestRegistry(t)

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	r.Clock = fixedClock(base)
	if _, err := r.Register(ctx, Scope{UserID: "u1", SessionID: "s1"}, models.Tab{ID: "t1", Route: "dashboard"}); err != nil {
		t.Fatalf("register u1: %v", err)
	}
	r.Clock = fixedClock(base.Add(time.Hour))
	if _, err := r.Register(ctx, Scope{UserID: "u2", SessionID: "s2"}, models.Tab{ID: "t2", Route: "dashboard"}); err != nil {
		t.Fatalf("register u2: %v", err)
	}

	// u1's tab is an hour idle, u2's is fresh. Dry run counts both stores
	// without removing anything.
	res, err := r.Sweep(ctx, "", 0, true)
	if err != nil {
		t.Fatalf("dry-run sweep: %v", err)
	}
	if res.Removed == 0 {
		t.Fatal("dry run should count the stale tab as removable")
	}
	current, err := r.CurrentTabs(ctx, Scope{UserID: "u1", SessionID: "s1"})
	if err != nil {
		t.Fatalf("current tabs: %v", err)
	}
	_ = current // filtered view hides it, but the stored entry must survive a dry run

	res, err = r.Sweep(ctx, "", 0, false)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if res.Removed == 0 {
		t.Fatal("sweep should remove the stale tab")
	}

	// A second pass has nothing left to do.
	res, err = r.Sweep(ctx, "", 0, false)
	if err != nil {
		t.Fatalf("second sweep: %v", err)
	}
	if res.Removed != 0 {
		t.Fatalf("second sweep removed %d tabs, want 0", res.Removed)
	}
}

func TestSweepSingleUser(t *testing.T) {
	ctx := context.Background()
	r, _, _ := newTestRegistry(t)

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	r.Clock = fixedClock(base)
	if _, err := r.Register(ctx, Scope{UserID: "u1", SessionID: "s1"}, models.Tab{ID: "t1", Route: "dashboard"}); err != nil {
		t.Fatalf("register u1: %v", err)
	}
	if _, err := r.Register(ctx, Scope{UserID: "u2", SessionID: "s2"}, models.Tab{ID: "t2", Route: "dashboard"}); err != nil {
		t.Fatalf("register u2: %v", err)
	}

	r.Clock = fixedClock(base.Add(time.Hour))
	res, err := r.Sweep(ctx, "u1", 0, false)
	if err != nil {
		t.Fatalf("sweep u1: %v", err)
	}
	if res.Scanned == 0 || res.Removed == 0 {
		t.Fatalf("expected u1's stale tab swept, got %+v", res)
	}

	// u2's stale entry was out of scope and is still stored.
	res, err = r.Sweep(ctx, "u2", 0, true)
	if err != nil {
		t.Fatalf("dry-run sweep u2: %v", err)
	}
	if res.Removed == 0 {
		t.Fatal("u2's stale tab should still be present")
	}
}

func TestSweepCountsMirrorSeparately(t *testing.T) {
	ctx := context.Background()
	r, _, _ := newTestRegistry(t)

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	r.Clock = fixedClock(base)
	if _, err := r.Register(ctx, Scope{UserID: "u1", SessionID: "s1"}, models.Tab{ID: "t1", Route: "dashboard"}); err != nil {
		t.Fatalf("register: %v", err)
	}

	// One logical stale tab lives in both backends; it must not be
	// reported twice in the primary totals.
	r.Clock = fixedClock(base.Add(time.Hour))
	res, err := r.Sweep(ctx, "", 0, true)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if res.Scanned != 1 || res.Removed != 1 {
		t.Fatalf("primary counts: %+v", res)
	}
	if res.MirrorScanned != 1 || res.MirrorRemoved != 1 {
		t.Fatalf("mirror counts: %+v", res)
	}
}

// gatedCache pauses the first read of gateKey until released, exposing the
// window between a sweep's read and its write-back.
type gatedCache struct {
	store.Cache
	gateKey string
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (c *gatedCache) Get(ctx context.Context, key string) (string, bool, error) {
	if key == c.gateKey {
		c.once.Do(func() {
			close(c.entered)
			<-c.release
		})
	}
	return c.Cache.Get(ctx, key)
}

func TestSweepHoldsUserLock(t *testing.T) {
	ctx := context.Background()
	r, primary, _ := newTestRegistry(t)
	sc := Scope{UserID: "u1", SessionID: "s1"}

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	r.Clock = fixedClock(base)
	if _, err := r.Register(ctx, sc, models.Tab{ID: "t1", Route: "dashboard"}); err != nil {
		t.Fatalf("register: %v", err)
	}
	r.Clock = fixedClock(base.Add(time.Hour))

	gate := &gatedCache{
		Cache:   primary,
		gateKey: r.sessionKey(sc),
		entered: make(chan struct{}),
		release: make(chan struct{}),
	}
	r.Primary = gate

	sweepDone := make(chan error, 1)
	go func() {
		_, err := r.Sweep(ctx, "", 0, false)
		sweepDone <- err
	}()
	<-gate.entered

	// The sweep is parked between its read and its write-back. A register
	// arriving now must wait on the user lock rather than slip into the
	// window and be erased.
	registerDone := make(chan error, 1)
	go func() {
		_, err := r.Register(ctx, sc, models.Tab{ID: "t2", Route: "dashboard"})
		registerDone <- err
	}()
	select {
	case err := <-registerDone:
		t.Fatalf("register completed inside the sweep window: %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	close(gate.release)
	if err := <-sweepDone; err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if err := <-registerDone; err != nil {
		t.Fatalf("register: %v", err)
	}

	current, err := r.CurrentTabs(ctx, sc)
	if err != nil {
		t.Fatalf("current tabs: %v", err)
	}
	if _, ok := current["t2"]; !ok {
		t.Fatalf("tab registered during the sweep was lost: %v", current)
	}
	if len(current) != 1 {
		t.Fatalf("expected only the fresh tab, got %v", current)
	}
}

func TestKeyUserID(t *testing.T) {
	if got := keyUserID("tab_guard:sess:s1:u42"); got != "u42" {
		t.Fatalf("keyUserID = %q, want u42", got)
	}
	if got := keyUserID("nodelimiter"); got != "" {
		t.Fatalf("keyUserID = %q, want empty", got)
	}
}
