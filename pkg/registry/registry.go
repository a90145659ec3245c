package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"tabguard/pkg/match"
	"tabguard/pkg/models"
	"tabguard/pkg/store"
)

// Scope identifies whose tabs an operation touches: the user id plus the
// ambient session id that scopes the primary store.
type Scope struct {
	UserID    string
	SessionID string
}

// Registry tracks live tabs per user across two backends: a primary store
// scoped to the browser session and, when AntiBypass is on, a secondary
// cross-session mirror keyed by user id alone. The mirror catches users
// opening a second session (incognito) to escape the per-session scoping;
// on merge its entries win id collisions.
//
// With Serialize enabled every mutating operation holds a short advisory
// lock per user id, making admission counts exact under concurrent
// requests. Without it, concurrent read-modify-write cycles for the same
// user can lose updates (last writer wins).
type Registry struct {
	Primary    store.Cache
	Secondary  store.Cache
	Prefix     string
	Timeout    time.Duration // tab expiry: stale when now-lastActivity > Timeout
	SessionTTL time.Duration // lifetime of primary store entries
	AntiBypass bool
	Serialize  bool
	Clock      func() time.Time
}

func New(primary, secondary store.Cache) *Registry {
	return &Registry{
		Primary:    primary,
		Secondary:  secondary,
		Prefix:     "tab_guard",
		Timeout:    30 * time.Minute,
		SessionTTL: 24 * time.Hour,
		AntiBypass: true,
		Serialize:  true,
		Clock:      time.Now,
	}
}

func (r *Registry) now() time.Time {
	if r.Clock != nil {
		return r.Clock()
	}
	return time.Now()
}

func (r *Registry) sessionKey(sc Scope) string {
	return r.Prefix + ":sess:" + sc.SessionID + ":" + sc.UserID
}

func (r *Registry) userKey(userID string) string {
	return r.Prefix + ":user:" + userID
}

// Register upserts tab into the primary store for sc, drops any entries
// that exceeded the timeout, persists the result and mirrors it into the
// secondary store. The returned set is the filtered primary set, which
// always contains the new tab (its lastActivity is now).
func (r *Registry) Register(ctx context.Context, sc Scope, tab models.Tab) (models.TabSet, error) {
	unlock, err := r.lock(ctx, sc.UserID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	tabs, err := r.load(ctx, r.Primary, r.sessionKey(sc))
	if err != nil {
		return nil, err
	}
	now := r.now()
	if tab.CreatedAt.IsZero() {
		tab.CreatedAt = now
	}
	if tab.LastActivity.IsZero() {
		tab.LastActivity = tab.CreatedAt
	}
	tabs[tab.ID] = tab
	tabs = r.filterExpired(tabs, now, r.Timeout)
	if err := r.save(ctx, r.Primary, r.sessionKey(sc), tabs, r.SessionTTL); err != nil {
		return nil, err
	}
	if r.AntiBypass {
		if err := r.save(ctx, r.Secondary, r.userKey(sc.UserID), tabs, r.Timeout); err != nil {
			return nil, err
		}
	}
	return tabs, nil
}

// CurrentTabs returns the merged, expiry-filtered view of both stores
// without touching any lastActivity.
func (r *Registry) CurrentTabs(ctx context.Context, sc Scope) (models.TabSet, error) {
	tabs, err := r.load(ctx, r.Primary, r.sessionKey(sc))
	if err != nil {
		return nil, err
	}
	if r.AntiBypass {
		cached, err := r.load(ctx, r.Secondary, r.userKey(sc.UserID))
		if err != nil {
			return nil, err
		}
		tabs = tabs.Merge(cached)
	}
	return r.filterExpired(tabs, r.now(), r.Timeout), nil
}

// TabsMatchingRoutes filters CurrentTabs to tabs whose route matches at
// least one pattern.
func (r *Registry) TabsMatchingRoutes(ctx context.Context, sc Scope, patterns []string) (models.TabSet, error) {
	tabs, err := r.CurrentTabs(ctx, sc)
	if err != nil {
		return nil, err
	}
	return tabs.Filter(func(t models.Tab) bool {
		return match.Any(patterns, t.Route)
	}), nil
}

// Touch refreshes lastActivity for an existing tab in the primary store.
// Unknown ids are a no-op: a dead tab must not be resurrected.
func (r *Registry) Touch(ctx context.Context, sc Scope, tabID string) error {
	unlock, err := r.lock(ctx, sc.UserID)
	if err != nil {
		return err
	}
	defer unlock()

	key := r.sessionKey(sc)
	tabs, err := r.load(ctx, r.Primary, key)
	if err != nil {
		return err
	}
	tab, ok := tabs[tabID]
	if !ok {
		return nil
	}
	tab.LastActivity = r.now()
	tabs[tabID] = tab
	return r.save(ctx, r.Primary, key, tabs, r.SessionTTL)
}

// Close removes the tab id from both stores. Absent ids are a no-op.
func (r *Registry) Close(ctx context.Context, sc Scope, tabID string) error {
	unlock, err := r.lock(ctx, sc.UserID)
	if err != nil {
		return err
	}
	defer unlock()

	key := r.sessionKey(sc)
	tabs, err := r.load(ctx, r.Primary, key)
	if err != nil {
		return err
	}
	if _, ok := tabs[tabID]; ok {
		delete(tabs, tabID)
		if err := r.save(ctx, r.Primary, key, tabs, r.SessionTTL); err != nil {
			return err
		}
	}
	if !r.AntiBypass {
		return nil
	}
	userKey := r.userKey(sc.UserID)
	cached, err := r.load(ctx, r.Secondary, userKey)
	if err != nil {
		return err
	}
	if _, ok := cached[tabID]; ok {
		delete(cached, tabID)
		return r.save(ctx, r.Secondary, userKey, cached, r.Timeout)
	}
	return nil
}

// Sweep runs an expiry pass over one user, or over every user key found in
// both backends when userID is empty. In dry-run mode counts are computed
// but nothing is persisted. Scanned counts tabs examined in the primary
// store and removed the stale ones dropped from it; the mirror counters
// track the secondary pass separately, since one logical tab usually
// appears in both backends.
func (r *Registry) Sweep(ctx context.Context, userID string, timeout time.Duration, dryRun bool) (models.SweepResult, error) {
	if timeout <= 0 {
		timeout = r.Timeout
	}
	var res models.SweepResult

	primaryKeys, err := r.Primary.Keys(ctx, r.Prefix+":sess:")
	if err != nil {
		return res, err
	}
	for _, key := range primaryKeys {
		uid := keyUserID(key)
		if userID != "" && uid != userID {
			continue
		}
		if err := r.sweepKey(ctx, r.Primary, key, uid, timeout, r.SessionTTL, dryRun, &res.Scanned, &res.Removed); err != nil {
			return res, err
		}
	}

	secondaryKeys, err := r.Secondary.Keys(ctx, r.Prefix+":user:")
	if err != nil {
		return res, err
	}
	userPrefix := r.Prefix + ":user:"
	for _, key := range secondaryKeys {
		if userID != "" && key != userPrefix+userID {
			continue
		}
		uid := strings.TrimPrefix(key, userPrefix)
		if err := r.sweepKey(ctx, r.Secondary, key, uid, timeout, timeout, dryRun, &res.MirrorScanned, &res.MirrorRemoved); err != nil {
			return res, err
		}
	}
	return res, nil
}

// sweepKey holds the user's advisory lock across its read-modify-write so a
// register landing mid-sweep is not erased by the write-back.
func (r *Registry) sweepKey(ctx context.Context, backend store.Cache, key, userID string, timeout, ttl time.Duration, dryRun bool, scanned, removed *int) error {
	unlock, err := r.lock(ctx, userID)
	if err != nil {
		return err
	}
	defer unlock()

	tabs, err := r.load(ctx, backend, key)
	if err != nil {
		return err
	}
	kept := r.filterExpired(tabs, r.now(), timeout)
	*scanned += len(tabs)
	dropped := len(tabs) - len(kept)
	*removed += dropped
	if dryRun || dropped == 0 {
		return nil
	}
	return r.save(ctx, backend, key, kept, ttl)
}

// filterExpired drops tabs whose inactivity strictly exceeds timeout. A
// tab exactly at the boundary is still live.
func (r *Registry) filterExpired(tabs models.TabSet, now time.Time, timeout time.Duration) models.TabSet {
	return tabs.Filter(func(t models.Tab) bool {
		last := t.LastActivity
		if last.IsZero() {
			last = t.CreatedAt
		}
		return now.Sub(last) <= timeout
	})
}

func (r *Registry) load(ctx context.Context, backend store.Cache, key string) (models.TabSet, error) {
	raw, ok, err := backend.Get(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", key, err)
	}
	if !ok || raw == "" {
		return models.TabSet{}, nil
	}
	var tabs models.TabSet
	if err := json.Unmarshal([]byte(raw), &tabs); err != nil {
		return nil, fmt.Errorf("decode %s: %w", key, err)
	}
	if tabs == nil {
		tabs = models.TabSet{}
	}
	return tabs, nil
}

func (r *Registry) save(ctx context.Context, backend store.Cache, key string, tabs models.TabSet, ttl time.Duration) error {
	raw, err := json.Marshal(tabs)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	if err := backend.Set(ctx, key, string(raw), ttl); err != nil {
		return fmt.Errorf("save %s: %w", key, err)
	}
	return nil
}

// keyUserID extracts the user id from a primary store key of the form
// <prefix>:sess:<session>:<user>.
func keyUserID(key string) string {
	idx := strings.LastIndex(key, ":")
	if idx < 0 {
		return ""
	}
	return key[idx+1:]
}
