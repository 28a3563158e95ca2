// Package coordinator implements the Two-Layer Coordinator: the layer that
// sits on top of a backend.CacheMap and keeps an in-memory view of which
// queries are cached, how fresh they are, and which item keys they
// reference so a write can invalidate exactly the query entries it affects.
package coordinator

import (
	"context"
	"sync"
	"time"

	"github.com/layerkv/cache/backend"
	"github.com/layerkv/cache/keys"
)

// Config tunes the TTLs the coordinator assigns to newly stored queries.
type Config struct {
	// QueryTTL applies to "complete" queries: an `all` fingerprint with no
	// filter, no facet, and no query parameters — the full unfiltered
	// listing of a type.
	QueryTTL time.Duration
	// FacetTTL applies to every other (partial) query shape.
	FacetTTL time.Duration
}

// Coordinator wraps a backend.CacheMap, adding a lazily-rehydrated
// in-memory queryMetadataMap and write-through query invalidation.
type Coordinator struct {
	cacheMap backend.CacheMap
	cfg      Config

	mu        sync.Mutex
	queryMeta map[string]backend.QueryMetadata
}

// New wraps cacheMap with the two-layer coordination behavior.
func New(cacheMap backend.CacheMap, cfg Config) *Coordinator {
	return &Coordinator{
		cacheMap:  cacheMap,
		cfg:       cfg,
		queryMeta: make(map[string]backend.QueryMetadata),
	}
}

// classify determines whether a query is "complete" per spec §4.5: an
// `all` query type with no filter and no facet parameters is complete;
// everything else (find, one, facets, non-empty filters) is partial.
func classify(queryType, filter, params string) bool {
	return queryType == "all" && filter == "" && params == ""
}

// SetQueryResult stores itemKeys under fingerprint, classifying the query
// and stamping its expiry from QueryTTL/FacetTTL.
func (c *Coordinator) SetQueryResult(ctx context.Context, fingerprint, queryType, filter, params string, itemKeys []keys.Key, now time.Time) error {
	complete := classify(queryType, filter, params)
	ttl := c.cfg.FacetTTL
	if complete {
		ttl = c.cfg.QueryTTL
	}

	meta := &backend.QueryMetadata{
		QueryType:  queryType,
		IsComplete: complete,
		CreatedAt:  now,
		ExpiresAt:  now.Add(ttl),
		Filter:     filter,
		Params:     params,
	}

	if err := c.cacheMap.SetQueryResult(ctx, fingerprint, itemKeys, meta); err != nil {
		return err
	}

	c.mu.Lock()
	c.queryMeta[fingerprint] = *meta
	c.mu.Unlock()
	return nil
}

// GetQueryResult consults the in-memory queryMetadataMap first, rehydrating
// it from the backend's persisted metadata on first use or on a map miss
// (the backend may have been written to by another Coordinator instance
// wrapping the same backend). An expired entry is deleted and reported as
// a miss rather than silently served stale.
func (c *Coordinator) GetQueryResult(ctx context.Context, fingerprint string, now time.Time) ([]keys.Key, bool, error) {
	c.mu.Lock()
	meta, ok := c.queryMeta[fingerprint]
	c.mu.Unlock()

	if !ok {
		entry, err := c.cacheMap.GetQueryResultWithMetadata(ctx, fingerprint)
		if err != nil {
			return nil, false, err
		}
		if entry == nil {
			return nil, false, nil
		}
		if entry.Metadata == nil {
			// Legacy bare []keys.Key form: no metadata was ever persisted,
			// so there's nothing to classify or expire — serve as-is.
			return entry.ItemKeys, true, nil
		}
		meta = *entry.Metadata
		c.mu.Lock()
		c.queryMeta[fingerprint] = meta
		c.mu.Unlock()
	}

	if !meta.ExpiresAt.IsZero() && now.After(meta.ExpiresAt) {
		c.mu.Lock()
		delete(c.queryMeta, fingerprint)
		c.mu.Unlock()
		_ = c.cacheMap.DeleteQueryResult(ctx, fingerprint)
		return nil, false, nil
	}

	entry, err := c.cacheMap.GetQueryResultWithMetadata(ctx, fingerprint)
	if err != nil {
		return nil, false, err
	}
	if entry == nil {
		// The backend dropped the entry itself (e.g. its own location or
		// item-key invalidation), so the cached metadata is stale.
		c.mu.Lock()
		delete(c.queryMeta, fingerprint)
		c.mu.Unlock()
		return nil, false, nil
	}
	return entry.ItemKeys, true, nil
}

// Get reads a single item through the underlying backend, unchanged.
func (c *Coordinator) Get(ctx context.Context, k keys.Key) (*backend.ItemEntry, error) {
	return c.cacheMap.Get(ctx, k)
}

// Set writes an item and invalidates every query entry that references it.
func (c *Coordinator) Set(ctx context.Context, k keys.Key, entry backend.ItemEntry) error {
	if err := c.cacheMap.Set(ctx, k, entry); err != nil {
		return err
	}
	return c.invalidateQueriesReferencing(ctx, []keys.Key{k})
}

// Delete removes an item and invalidates every query entry that referenced it.
func (c *Coordinator) Delete(ctx context.Context, k keys.Key) error {
	if err := c.cacheMap.Delete(ctx, k); err != nil {
		return err
	}
	return c.invalidateQueriesReferencing(ctx, []keys.Key{k})
}

// InvalidateItemKeys deletes a batch of items, then any query entry
// referencing any of them.
func (c *Coordinator) InvalidateItemKeys(ctx context.Context, ks []keys.Key) error {
	if err := c.cacheMap.InvalidateItemKeys(ctx, ks); err != nil {
		return err
	}
	return c.invalidateQueriesReferencing(ctx, ks)
}

// InvalidateLocation resolves the item keys living at loc, deletes them,
// then clears every query entry referencing any of them. A scan failure
// falls back to clearing all query results outright, per spec §4.5.
func (c *Coordinator) InvalidateLocation(ctx context.Context, loc []keys.LocationTag) error {
	entries, err := c.cacheMap.AllIn(ctx, loc)
	if err != nil {
		return c.clearAllQueries(ctx)
	}

	affected := make([]keys.Key, 0, len(entries))
	for _, e := range entries {
		affected = append(affected, e.OriginalKey)
	}

	if err := c.cacheMap.InvalidateLocation(ctx, loc); err != nil {
		return err
	}
	return c.invalidateQueriesReferencing(ctx, affected)
}

func (c *Coordinator) clearAllQueries(ctx context.Context) error {
	c.mu.Lock()
	c.queryMeta = make(map[string]backend.QueryMetadata)
	c.mu.Unlock()
	return c.cacheMap.ClearQueryResults(ctx)
}

// invalidateQueriesReferencing walks the fingerprints known to the in-memory
// queryMetadataMap, reads each one's persisted itemKeys, and deletes the
// entries whose itemKeys intersect affected. Falls back to clearing all
// queries if reading any of those entries fails.
func (c *Coordinator) invalidateQueriesReferencing(ctx context.Context, affected []keys.Key) error {
	if len(affected) == 0 {
		return nil
	}

	c.mu.Lock()
	fingerprints := make([]string, 0, len(c.queryMeta))
	for fp := range c.queryMeta {
		fingerprints = append(fingerprints, fp)
	}
	c.mu.Unlock()

	affectedSet := make(map[string]struct{}, len(affected))
	for _, k := range affected {
		affectedSet[k.Normalize()] = struct{}{}
	}

	for _, fp := range fingerprints {
		itemKeys, err := c.cacheMap.GetQueryResult(ctx, fp)
		if err != nil {
			return c.clearAllQueries(ctx)
		}
		if referencesAny(itemKeys, affectedSet) {
			c.mu.Lock()
			delete(c.queryMeta, fp)
			c.mu.Unlock()
			if err := c.cacheMap.DeleteQueryResult(ctx, fp); err != nil {
				return err
			}
		}
	}
	return nil
}

func referencesAny(itemKeys []keys.Key, affected map[string]struct{}) bool {
	for _, k := range itemKeys {
		if _, ok := affected[k.Normalize()]; ok {
			return true
		}
	}
	return false
}

// Clone returns a Coordinator wrapping a clone of the underlying backend,
// with the same configuration but an empty, not-yet-rehydrated
// queryMetadataMap.
func (c *Coordinator) Clone() *Coordinator {
	return New(c.cacheMap.Clone(), c.cfg)
}

// Backend exposes the wrapped backend for callers (operations, cache) that
// need direct item-layer access alongside the coordinator's query layer.
func (c *Coordinator) Backend() backend.CacheMap {
	return c.cacheMap
}
