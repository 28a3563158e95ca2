// Package cache implements the Cache Facade: a thin composition root that
// wires a backend, the two-layer coordinator, the TTL/stats/event
// collaborators, and an origin API into the single object callers hold.
package cache

import (
	"context"
	"sync"
	"time"

	"github.com/layerkv/cache/backend"
	"github.com/layerkv/cache/coordinator"
	"github.com/layerkv/cache/events"
	"github.com/layerkv/cache/eviction"
	"github.com/layerkv/cache/keys"
	"github.com/layerkv/cache/operations"
	"github.com/layerkv/cache/pkg/logging"
	"github.com/layerkv/cache/stats"
	"github.com/layerkv/cache/ttl"
)

// Coordinate is the registry/coordinate capability a Cache is constructed
// with: the key-type ancestry chain and the location scopes the backing
// API understands. The cache only consumes it — reading it back for
// callers that need to shape a location — and never mutates it.
type Coordinate struct {
	// KTA lists the key-type-ancestry chain, e.g. ["shop", "location"]:
	// the ordered chain of ancestor key types a location scope walks
	// through, most specific first.
	KTA []string
	// Scopes names the location scopes this coordinate understands
	// (e.g. "global", "shop", "location").
	Scopes []string
}

// Config bundles everything needed to construct a Cache in one call.
type Config struct {
	Coordinate Coordinate

	CacheMap backend.CacheMap
	API      operations.API

	// Eviction, if non-nil, is recorded for callers that want to inspect
	// the configured policy; the backend itself already enforces it
	// (wired at backend-construction time via its own WithEviction option).
	Eviction eviction.Strategy

	DefaultTTL time.Duration
	TypeTTLs   map[string]time.Duration

	QueryTTL time.Duration
	FacetTTL time.Duration

	OperationsConfig operations.Config

	// Bus, if nil, is built with events.NewBus() and no idle sweep.
	Bus *events.Bus

	// EnableDebugLogging turns on structured, correlation-aware logging of
	// cache lifecycle events (construction, destruction). Per spec.md §6.
	EnableDebugLogging bool
}

// Cache is the facade a caller constructs once and holds for the lifetime
// of a logical cache instance. It forwards to its collaborators and adds
// exactly one behavior of its own: idempotent, race-safe destruction.
type Cache struct {
	coordinate Coordinate
	cacheMap   backend.CacheMap
	coord      *coordinator.Coordinator
	evict      eviction.Strategy
	ttlMgr     *ttl.Manager
	statsMgr   *stats.Manager
	bus        *events.Bus
	ops        *operations.Operations
	log        logging.Logger

	destroyOnce sync.Once
	mu          sync.RWMutex
	destroyed   bool
}

// New wires the collaborators named in cfg into a single Cache.
func New(cfg Config) *Cache {
	ttlMgr := ttl.New(cfg.DefaultTTL)
	for kt, d := range cfg.TypeTTLs {
		ttlMgr.SetOverride(kt, d)
	}

	statsMgr := stats.New()

	bus := cfg.Bus
	if bus == nil {
		bus = events.NewBus()
	}

	coord := coordinator.New(cfg.CacheMap, coordinator.Config{
		QueryTTL: cfg.QueryTTL,
		FacetTTL: cfg.FacetTTL,
	})

	ops := operations.New(coord, cfg.API, ttlMgr, statsMgr, bus, cfg.OperationsConfig)

	c := &Cache{
		coordinate: cfg.Coordinate,
		cacheMap:   cfg.CacheMap,
		coord:      coord,
		evict:      cfg.Eviction,
		ttlMgr:     ttlMgr,
		statsMgr:   statsMgr,
		bus:        bus,
		ops:        ops,
		log:        logging.Logger{Enabled: cfg.EnableDebugLogging},
	}
	c.log.Event(context.Background(), "cache constructed", map[string]any{
		"cacheType": cfg.CacheMap.Capabilities().ImplementationType,
	})
	return c
}

// Coordinate returns the registry/coordinate capability the cache was
// constructed with.
func (c *Cache) Coordinate() Coordinate { return c.coordinate }

// isDestroyed reports whether Destroy has completed. Checked at the top of
// every forwarded operation so a destroyed cache quietly no-ops instead of
// touching a released backend handle — per spec, "emit and operations
// no-op" after destroy, while Subscribe alone throws fatal.
func (c *Cache) isDestroyed() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.destroyed
}

// Get forwards to the read-through path.
func (c *Cache) Get(ctx context.Context, key keys.Key, opts operations.Options) (any, error) {
	if c.isDestroyed() {
		return nil, nil
	}
	return c.ops.Get(ctx, key, opts)
}

// Retrieve forwards to the force-refresh path, always hitting the origin.
func (c *Cache) Retrieve(ctx context.Context, key keys.Key) (any, error) {
	if c.isDestroyed() {
		return nil, nil
	}
	return c.ops.Retrieve(ctx, key)
}

// All forwards to the listing read-through path.
func (c *Cache) All(ctx context.Context, query string, loc []keys.LocationTag, opts operations.Options) ([]any, error) {
	if c.isDestroyed() {
		return nil, nil
	}
	return c.ops.All(ctx, query, loc, opts)
}

// Find forwards to the finder-backed listing path.
func (c *Cache) Find(ctx context.Context, finder, params string, loc []keys.LocationTag, opts operations.Options) ([]any, error) {
	if c.isDestroyed() {
		return nil, nil
	}
	return c.ops.Find(ctx, finder, params, loc, opts)
}

// One forwards to the single-item query path.
func (c *Cache) One(ctx context.Context, query string, loc []keys.LocationTag, opts operations.Options) (any, error) {
	if c.isDestroyed() {
		return nil, nil
	}
	return c.ops.One(ctx, query, loc, opts)
}

// FindOne forwards to the single-item finder-backed query path.
func (c *Cache) FindOne(ctx context.Context, finder, params string, loc []keys.LocationTag, opts operations.Options) (any, error) {
	if c.isDestroyed() {
		return nil, nil
	}
	return c.ops.FindOne(ctx, finder, params, loc, opts)
}

// Create forwards to the write-through create path.
func (c *Cache) Create(ctx context.Context, partial any, loc []keys.LocationTag, opts operations.Options) (any, error) {
	if c.isDestroyed() {
		return nil, nil
	}
	return c.ops.Create(ctx, partial, loc, opts)
}

// Update forwards to the write-through update path.
func (c *Cache) Update(ctx context.Context, key keys.Key, partial any) (any, error) {
	if c.isDestroyed() {
		return nil, nil
	}
	return c.ops.Update(ctx, key, partial)
}

// Remove forwards to the write-through remove path.
func (c *Cache) Remove(ctx context.Context, key keys.Key) error {
	if c.isDestroyed() {
		return nil
	}
	return c.ops.Remove(ctx, key)
}

// Set forwards to the direct-write path.
func (c *Cache) Set(ctx context.Context, key keys.Key, item any) (any, error) {
	if c.isDestroyed() {
		return nil, nil
	}
	return c.ops.Set(ctx, key, item)
}

// Action forwards to the single-item action path.
func (c *Cache) Action(ctx context.Context, key keys.Key, name string, body any) (any, error) {
	if c.isDestroyed() {
		return nil, nil
	}
	return c.ops.Action(ctx, key, name, body)
}

// AllAction forwards to the location-scoped action path.
func (c *Cache) AllAction(ctx context.Context, name string, body any, loc []keys.LocationTag) ([]any, error) {
	if c.isDestroyed() {
		return nil, nil
	}
	return c.ops.AllAction(ctx, name, body, loc)
}

// Facet forwards to the never-cached single-item facet path.
func (c *Cache) Facet(ctx context.Context, key keys.Key, name, params string) (any, error) {
	if c.isDestroyed() {
		return nil, nil
	}
	return c.ops.Facet(ctx, key, name, params)
}

// AllFacet forwards to the never-cached location-scoped facet path.
func (c *Cache) AllFacet(ctx context.Context, name, params string, loc []keys.LocationTag) (any, error) {
	if c.isDestroyed() {
		return nil, nil
	}
	return c.ops.AllFacet(ctx, name, params, loc)
}

// Subscribe registers a filtered, possibly-debounced listener on the event
// bus. Unlike the other forwarders, a destroyed cache's Subscribe throws
// fatal rather than quietly no-opping — a caller trying to attach a new
// listener to a torn-down cache is a programming error, not a race to
// tolerate.
func (c *Cache) Subscribe(filter events.Filter, handler events.Handler) (uint64, error) {
	if c.isDestroyed() {
		return 0, backend.Wrap(backend.KindDestroyed, "subscribe called on a destroyed cache", nil)
	}
	return c.bus.Subscribe(filter, handler), nil
}

// Unsubscribe cancels a previously registered subscription. Safe to call
// after destruction — Destroy already cleared every subscription, so this
// is simply a no-op against an empty bus.
func (c *Cache) Unsubscribe(id uint64) {
	c.bus.Unsubscribe(id)
}

// GetStats returns a point-in-time snapshot of the stats manager's
// counters. Valid before and after destruction — the counters are not
// released, only the backend and subscriptions are.
func (c *Cache) GetStats() stats.Snapshot {
	return c.statsMgr.Snapshot()
}

// Reset zeroes the stats manager's counters.
func (c *Cache) Reset() {
	if c.isDestroyed() {
		return
	}
	c.ops.Reset()
}

// Destroy idempotently tears the cache down: it cancels the event bus's
// idle-sweep loop and any armed debounce timers (via Bus.Close), clears
// every subscription, and releases the backend handle if it exposes one
// (the persistent backends' *bolt.DB / *redis.Client). Safe to call more
// than once or concurrently with in-flight operations — those operations
// run to completion, but per spec their side effects on stats/event
// delivery after this point are not guaranteed to be observed.
func (c *Cache) Destroy(ctx context.Context) error {
	var err error
	c.destroyOnce.Do(func() {
		c.mu.Lock()
		c.destroyed = true
		c.mu.Unlock()

		c.log.Event(ctx, "cache destroyed", nil)
		c.bus.Close()

		if closer, ok := c.cacheMap.(interface{ Close() error }); ok {
			err = closer.Close()
		}
	})
	return err
}
