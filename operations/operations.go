// Package operations implements the read-through/write-through protocol:
// the surface the cache facade exposes to callers, sitting on top of the
// coordinator (item + query layers), the TTL manager, the event bus, and
// the stats manager.
package operations

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"github.com/layerkv/cache/backend"
	"github.com/layerkv/cache/coordinator"
	"github.com/layerkv/cache/events"
	"github.com/layerkv/cache/keys"
	"github.com/layerkv/cache/stats"
	"github.com/layerkv/cache/ttl"
)

// Item pairs a resolved key with its value, the shape every API read
// returns so listing methods can store both the values and the item-key
// list a query resolved to.
type Item struct {
	Key   keys.Key
	Value any
}

// API is the origin capability operations calls through to on a cache
// miss or for any write. operations never imports a concrete
// implementation of it — the facade wires one in at construction.
type API interface {
	Get(ctx context.Context, key keys.Key) (*Item, error)
	Retrieve(ctx context.Context, key keys.Key) (*Item, error)
	One(ctx context.Context, query string, loc []keys.LocationTag) (*Item, error)
	All(ctx context.Context, query string, loc []keys.LocationTag) ([]Item, error)
	Find(ctx context.Context, finder, params string, loc []keys.LocationTag) ([]Item, error)
	FindOne(ctx context.Context, finder, params string, loc []keys.LocationTag) (*Item, error)
	Create(ctx context.Context, partial any, loc []keys.LocationTag) (*Item, error)
	Update(ctx context.Context, key keys.Key, partial any) (*Item, error)
	Remove(ctx context.Context, key keys.Key) error
	Set(ctx context.Context, key keys.Key, item any) (*Item, error)
	Action(ctx context.Context, key keys.Key, name string, body any) (*Item, error)
	AllAction(ctx context.Context, name string, body any, loc []keys.LocationTag) ([]Item, error)
	Facet(ctx context.Context, key keys.Key, name, params string) (any, error)
	AllFacet(ctx context.Context, name, params string, loc []keys.LocationTag) (any, error)
}

// Config tunes retry/rate-limit behavior for origin API calls. These are
// distinct from the backend's own quota-exceeded retry (§4.2.1) — this
// retry covers a failed outbound API call, not a full backend.
type Config struct {
	MaxRetries int
	RetryDelay time.Duration
	// RateLimiter, if non-nil, gates every outbound API call.
	RateLimiter *rate.Limiter
}

// Options are per-call overrides.
type Options struct {
	BypassCache bool
}

// Operations composes the coordinator, TTL, stats, and event-bus
// collaborators into the read-through/write-through protocol.
type Operations struct {
	coord   *coordinator.Coordinator
	api     API
	ttlMgr  *ttl.Manager
	statsMgr *stats.Manager
	bus     *events.Bus
	cfg     Config

	group singleflight.Group
}

// New constructs an Operations instance.
func New(coord *coordinator.Coordinator, api API, ttlMgr *ttl.Manager, statsMgr *stats.Manager, bus *events.Bus, cfg Config) *Operations {
	return &Operations{coord: coord, api: api, ttlMgr: ttlMgr, statsMgr: statsMgr, bus: bus, cfg: cfg}
}

func (o *Operations) wait(ctx context.Context) error {
	if o.cfg.RateLimiter == nil {
		return nil
	}
	return o.cfg.RateLimiter.Wait(ctx)
}

// callWithRetry invokes fn, retrying up to cfg.MaxRetries times with
// exponential backoff plus jitter on failure — grounded in the teacher's
// worker-pool retryTask, but applied to an origin API call instead of a
// warming task.
func (o *Operations) callWithRetry(ctx context.Context, fn func() error) error {
	var lastErr error
	attempts := o.cfg.MaxRetries + 1
	if attempts < 1 {
		attempts = 1
	}
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			backoff := o.cfg.RetryDelay * time.Duration(1<<uint(attempt-1))
			jitter := time.Duration(int64(backoff) % int64(time.Millisecond+1))
			select {
			case <-time.After(backoff + jitter):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		if err := o.wait(ctx); err != nil {
			return err
		}
		lastErr = fn()
		if lastErr == nil {
			return nil
		}
	}
	return lastErr
}

func (o *Operations) emit(e events.Event) {
	if o.bus != nil {
		o.bus.Publish(e)
	}
}

// expired reports whether entry should be treated as a miss under
// keyType's configured TTL: a non-zero TTL compares now-entry.Timestamp,
// while a missing (zero) Timestamp never expires (legacy-entry policy).
func (o *Operations) expired(entry *backend.ItemEntry, keyType string, now time.Time) bool {
	if o.ttlMgr == nil {
		return false
	}
	d := o.ttlMgr.GetTTL(keyType)
	if d == 0 {
		return false
	}
	if entry.Timestamp.IsZero() {
		return false
	}
	return now.Sub(entry.Timestamp) > d
}

func (o *Operations) writeThroughTTL(keyType string) (time.Duration, bool) {
	if o.ttlMgr == nil {
		return 0, true
	}
	if o.ttlMgr.CachingDisabled(keyType) {
		return 0, false
	}
	return o.ttlMgr.GetTTL(keyType), true
}

// storeItem writes an item through the coordinator, respecting the TTL
// manager's "TTL==0 disables caching" rule.
func (o *Operations) storeItem(ctx context.Context, it Item, now time.Time) error {
	_, ok := o.writeThroughTTL(it.Key.KT)
	if !ok {
		return nil
	}
	entry := backend.ItemEntry{OriginalKey: it.Key, Value: it.Value, Timestamp: now}
	return o.coord.Set(ctx, it.Key, entry)
}

// Get is the read-through single-item path: cache first, origin on miss.
func (o *Operations) Get(ctx context.Context, key keys.Key, opts Options) (any, error) {
	now := time.Now()
	if opts.BypassCache {
		it, err := o.api.Get(ctx, key)
		if err != nil {
			return nil, err
		}
		return it.Value, nil
	}

	entry, err := o.coord.Get(ctx, key)
	if err == nil && entry != nil {
		if o.expired(entry, key.KT, now) {
			_ = o.coord.Delete(ctx, key)
		} else {
			o.statsMgr.RecordHit()
			o.emit(events.Event{Type: events.TypeCacheHit, Source: events.SourceCache, Key: &key, Timestamp: now})
			return entry.Value, nil
		}
	}

	o.statsMgr.RecordMiss()
	o.emit(events.Event{Type: events.TypeCacheMiss, Source: events.SourceCache, Key: &key, Timestamp: now})

	v, err, _ := o.group.Do(key.Normalize(), func() (any, error) {
		var it *Item
		callErr := o.callWithRetry(ctx, func() error {
			var apiErr error
			it, apiErr = o.api.Get(ctx, key)
			return apiErr
		})
		if callErr != nil {
			return nil, callErr
		}
		if err := o.storeItem(ctx, *it, now); err != nil {
			return nil, err
		}
		o.emit(events.Event{Type: events.TypeItemCreated, Source: events.SourceAPI, Key: &key, Item: it.Value, Timestamp: now})
		return it.Value, nil
	})
	if err != nil {
		return nil, err
	}
	return v, nil
}

// Retrieve always goes to the origin API and writes the result back,
// bypassing the item-layer read but still populating it — the "force
// refresh" counterpart to Get.
func (o *Operations) Retrieve(ctx context.Context, key keys.Key) (any, error) {
	now := time.Now()
	var it *Item
	err := o.callWithRetry(ctx, func() error {
		var apiErr error
		it, apiErr = o.api.Retrieve(ctx, key)
		return apiErr
	})
	if err != nil {
		return nil, err
	}
	if err := o.storeItem(ctx, *it, now); err != nil {
		return nil, err
	}
	o.emit(events.Event{Type: events.TypeItemUpdated, Source: events.SourceAPI, Key: &key, Item: it.Value, Timestamp: now})
	return it.Value, nil
}

func queryFingerprint(kind, query, finder, params string, loc []keys.LocationTag) string {
	locKey := keys.Composite("__query", keys.StringID(kind), loc).Normalize()
	return keys.Hash(fmt.Sprintf("%s|%s|%s|%s|%s", kind, query, finder, params, locKey))
}

// All is the read-through listing path for an unfiltered-per-type query.
func (o *Operations) All(ctx context.Context, query string, loc []keys.LocationTag, opts Options) ([]any, error) {
	return o.listThrough(ctx, "all", query, "", "", loc, opts, func() ([]Item, error) {
		return o.api.All(ctx, query, loc)
	})
}

// Find is the read-through listing path for a named finder with params.
func (o *Operations) Find(ctx context.Context, finder, params string, loc []keys.LocationTag, opts Options) ([]any, error) {
	return o.listThrough(ctx, "find", "", finder, params, loc, opts, func() ([]Item, error) {
		return o.api.Find(ctx, finder, params, loc)
	})
}

// One resolves a single item via a named query: read-through, same as Get,
// except the item key isn't known up front — it's resolved from a
// single-key query-result entry cached under the query's fingerprint.
func (o *Operations) One(ctx context.Context, query string, loc []keys.LocationTag, opts Options) (any, error) {
	return o.oneThrough(ctx, "one", query, "", "", loc, opts, func() (*Item, error) {
		return o.api.One(ctx, query, loc)
	})
}

// FindOne resolves a single item via a named finder with params, the same
// read-through shape as One.
func (o *Operations) FindOne(ctx context.Context, finder, params string, loc []keys.LocationTag, opts Options) (any, error) {
	return o.oneThrough(ctx, "findOne", "", finder, params, loc, opts, func() (*Item, error) {
		return o.api.FindOne(ctx, finder, params, loc)
	})
}

// oneThrough is the read-through path One and FindOne share: the query's
// fingerprint caches a single-key query-result entry (reusing the same
// coordinator machinery listThrough uses for multi-key listings), and a
// cache hit requires both that entry and the item it points at to be
// present and unexpired.
func (o *Operations) oneThrough(ctx context.Context, kind, query, finder, params string, loc []keys.LocationTag, opts Options, fetch func() (*Item, error)) (any, error) {
	fp := queryFingerprint(kind, query, finder, params, loc)
	now := time.Now()

	if opts.BypassCache {
		it, err := fetch()
		if err != nil {
			return nil, err
		}
		return it.Value, nil
	}

	if itemKeys, hit, err := o.coord.GetQueryResult(ctx, fp, now); err == nil && hit && len(itemKeys) == 1 {
		k := itemKeys[0]
		entry, err := o.coord.Get(ctx, k)
		if err == nil && entry != nil && !o.expired(entry, k.KT, now) {
			o.statsMgr.RecordHit()
			o.emit(events.Event{Type: events.TypeCacheHit, Source: events.SourceCache, Key: &k, Timestamp: now})
			return entry.Value, nil
		}
	}

	o.statsMgr.RecordMiss()
	o.emit(events.Event{Type: events.TypeCacheMiss, Source: events.SourceCache, Timestamp: now})

	v, err, _ := o.group.Do(fp, func() (any, error) {
		var it *Item
		callErr := o.callWithRetry(ctx, func() error {
			var apiErr error
			it, apiErr = fetch()
			return apiErr
		})
		if callErr != nil {
			return nil, callErr
		}
		if err := o.storeItem(ctx, *it, now); err != nil {
			return nil, err
		}
		if err := o.coord.SetQueryResult(ctx, fp, kind, query, joinFilter(finder, params), []keys.Key{it.Key}, now); err != nil {
			return nil, err
		}
		o.emit(events.Event{Type: events.TypeItemCreated, Source: events.SourceAPI, Key: &it.Key, Item: it.Value, Timestamp: now})
		return it.Value, nil
	})
	if err != nil {
		return nil, err
	}
	return v, nil
}

func (o *Operations) listThrough(ctx context.Context, kind, query, finder, params string, loc []keys.LocationTag, opts Options, fetch func() ([]Item, error)) ([]any, error) {
	fp := queryFingerprint(kind, query, finder, params, loc)
	now := time.Now()

	if opts.BypassCache {
		items, err := fetch()
		if err != nil {
			return nil, err
		}
		return values(items), nil
	}

	if itemKeys, hit, err := o.coord.GetQueryResult(ctx, fp, now); err == nil && hit {
		out := make([]any, 0, len(itemKeys))
		for _, k := range itemKeys {
			entry, err := o.coord.Get(ctx, k)
			if err == nil && entry != nil && !o.expired(entry, k.KT, now) {
				out = append(out, entry.Value)
			}
		}
		if len(out) == len(itemKeys) {
			o.statsMgr.RecordHit()
			o.emit(events.Event{Type: events.TypeCacheHit, Source: events.SourceCache, Timestamp: now})
			return out, nil
		}
	}

	o.statsMgr.RecordMiss()
	o.emit(events.Event{Type: events.TypeCacheMiss, Source: events.SourceCache, Timestamp: now})

	v, err, _ := o.group.Do(fp, func() (any, error) {
		var items []Item
		callErr := o.callWithRetry(ctx, func() error {
			var apiErr error
			items, apiErr = fetch()
			return apiErr
		})
		if callErr != nil {
			return nil, callErr
		}

		itemKeys := make([]keys.Key, 0, len(items))
		for _, it := range items {
			if err := o.storeItem(ctx, it, now); err != nil {
				return nil, err
			}
			itemKeys = append(itemKeys, it.Key)
		}
		if err := o.coord.SetQueryResult(ctx, fp, kind, query, joinFilter(finder, params), itemKeys, now); err != nil {
			return nil, err
		}
		o.emit(events.Event{Type: events.TypeItemsQueried, Source: events.SourceAPI, Timestamp: now})
		return values(items), nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]any), nil
}

func joinFilter(finder, params string) string {
	if finder == "" && params == "" {
		return ""
	}
	return fmt.Sprintf("%s|%s", finder, params)
}

func values(items []Item) []any {
	out := make([]any, len(items))
	for i, it := range items {
		out[i] = it.Value
	}
	return out
}

// Create calls the origin API to create an entity under loc, invalidates
// loc (its cached items and the queries referencing them), then stores the
// result.
func (o *Operations) Create(ctx context.Context, partial any, loc []keys.LocationTag, opts Options) (any, error) {
	now := time.Now()
	it, err := o.api.Create(ctx, partial, loc)
	if err != nil {
		return nil, err
	}
	if err := o.coord.InvalidateLocation(ctx, loc); err != nil {
		return nil, err
	}
	if err := o.storeItem(ctx, *it, now); err != nil {
		return nil, err
	}
	o.emit(events.Event{Type: events.TypeItemCreated, Source: events.SourceAPI, Key: &it.Key, Item: it.Value, AffectedLocations: [][]keys.LocationTag{loc}, Timestamp: now})
	return it.Value, nil
}

// Update calls the origin API to update key, then writes the result and
// invalidates any query entries referencing key.
func (o *Operations) Update(ctx context.Context, key keys.Key, partial any) (any, error) {
	now := time.Now()
	it, err := o.api.Update(ctx, key, partial)
	if err != nil {
		return nil, err
	}
	if err := o.storeItem(ctx, *it, now); err != nil {
		return nil, err
	}
	o.emit(events.Event{Type: events.TypeItemUpdated, Source: events.SourceAPI, Key: &key, Item: it.Value, Timestamp: now})
	return it.Value, nil
}

// Remove calls the origin API to remove key, then deletes it from the
// cache and invalidates any query entries referencing it.
func (o *Operations) Remove(ctx context.Context, key keys.Key) error {
	now := time.Now()
	if err := o.api.Remove(ctx, key); err != nil {
		return err
	}
	if err := o.coord.Delete(ctx, key); err != nil {
		return err
	}
	o.emit(events.Event{Type: events.TypeItemRemoved, Source: events.SourceAPI, Key: &key, Timestamp: now})
	return nil
}

// Set calls the origin API to replace key's value outright, then writes
// through.
func (o *Operations) Set(ctx context.Context, key keys.Key, item any) (any, error) {
	now := time.Now()
	it, err := o.api.Set(ctx, key, item)
	if err != nil {
		return nil, err
	}
	if err := o.storeItem(ctx, *it, now); err != nil {
		return nil, err
	}
	o.emit(events.Event{Type: events.TypeItemUpdated, Source: events.SourceAPI, Key: &key, Item: it.Value, Timestamp: now})
	return it.Value, nil
}

// Action invokes a named action on a single entity, then refreshes it in
// the cache.
func (o *Operations) Action(ctx context.Context, key keys.Key, name string, body any) (any, error) {
	now := time.Now()
	it, err := o.api.Action(ctx, key, name, body)
	if err != nil {
		return nil, err
	}
	if err := o.storeItem(ctx, *it, now); err != nil {
		return nil, err
	}
	o.emit(events.Event{Type: events.TypeItemUpdated, Source: events.SourceAPI, Key: &key, Item: it.Value, Timestamp: now})
	return it.Value, nil
}

// AllAction invokes a named action across every entity at loc, then
// invalidates that location since the action may have changed multiple
// entities.
func (o *Operations) AllAction(ctx context.Context, name string, body any, loc []keys.LocationTag) ([]any, error) {
	now := time.Now()
	items, err := o.api.AllAction(ctx, name, body, loc)
	if err != nil {
		return nil, err
	}
	for _, it := range items {
		if err := o.storeItem(ctx, it, now); err != nil {
			return nil, err
		}
	}
	if err := o.coord.InvalidateLocation(ctx, loc); err != nil {
		return nil, err
	}
	o.emit(events.Event{Type: events.TypeLocationInvalidated, Source: events.SourceAPI, AffectedLocations: [][]keys.LocationTag{loc}, Timestamp: now})
	return values(items), nil
}

// Facet resolves a derived/aggregate view of a single entity. Facets are
// computed values, not entities with their own identity in the item
// layer, so they are always fetched fresh rather than cached.
func (o *Operations) Facet(ctx context.Context, key keys.Key, name, params string) (any, error) {
	return o.api.Facet(ctx, key, name, params)
}

// AllFacet resolves a derived/aggregate view across loc. Like Facet, never
// cached.
func (o *Operations) AllFacet(ctx context.Context, name, params string, loc []keys.LocationTag) (any, error) {
	return o.api.AllFacet(ctx, name, params, loc)
}

// Reset zeroes the stats manager's counters, per spec §4.8.
func (o *Operations) Reset() {
	o.statsMgr.Reset()
}
