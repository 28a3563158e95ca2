// Package memory implements the in-memory CacheMap family: a
// lock-striped, optionally size-bounded store cooperating with a
// pluggable eviction.Strategy. Grounded in the teacher's L1Cache
// (container/list-based LRU with a single global RWMutex), generalized
// from one global lock to a shard ring so the single-lock contention
// ceiling the teacher's own doc comment calls out ("<100K ops/sec")
// is raised by striping.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/layerkv/cache/backend"
	"github.com/layerkv/cache/eviction"
	"github.com/layerkv/cache/keys"
)

const defaultShards = 32

type shard struct {
	mu   sync.RWMutex
	data map[string]backend.ItemEntry
	meta map[string]backend.ItemMetadata
}

func newShard() *shard {
	return &shard{data: make(map[string]backend.ItemEntry), meta: make(map[string]backend.ItemMetadata)}
}

// queryStore is the query-results namespace, held behind a pointer so
// Clone can hand out a second handle over the exact same map and lock
// rather than a copy of it.
type queryStore struct {
	mu      sync.RWMutex
	entries map[string]backend.QueryEntry
}

// Backend is the in-memory CacheMap implementation.
type Backend struct {
	shards []*shard
	ring   *shardRing

	strategy eviction.Strategy
	limits   backend.SizeLimits

	queries *queryStore
}

// Option configures a Backend at construction.
type Option func(*Backend)

// WithEviction attaches a strategy and the size limits it should enforce
// against. A nil strategy disables eviction (the backend grows unbounded).
func WithEviction(strategy eviction.Strategy, limits backend.SizeLimits) Option {
	return func(b *Backend) {
		b.strategy = strategy
		b.limits = limits
	}
}

// New constructs an empty in-memory backend with numShards lock stripes
// (0 or negative selects defaultShards).
func New(numShards int, opts ...Option) *Backend {
	if numShards <= 0 {
		numShards = defaultShards
	}
	shards := make([]*shard, numShards)
	for i := range shards {
		shards[i] = newShard()
	}
	b := &Backend{
		shards:  shards,
		ring:    newShardRing(numShards),
		queries: &queryStore{entries: make(map[string]backend.QueryEntry)},
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func (b *Backend) shardFor(storageKey string) *shard {
	return b.shards[b.ring.shardFor(storageKey)]
}

func (b *Backend) Get(ctx context.Context, k keys.Key) (*backend.ItemEntry, error) {
	hash := keys.Hash(k.Normalize())
	s := b.shardFor(hash)

	s.mu.RLock()
	entry, ok := s.data[hash]
	s.mu.RUnlock()
	if !ok {
		return nil, nil
	}

	// Invariant 1: a retrieved entry is only accepted if its OriginalKey
	// re-hashes to the looked-up hash, guarding against hash collisions.
	if keys.Hash(entry.OriginalKey.Normalize()) != hash {
		return nil, nil
	}

	if b.strategy != nil {
		s.mu.Lock()
		if md, ok := s.meta[hash]; ok {
			b.strategy.OnAccess(&md, time.Now())
			s.meta[hash] = md
		}
		s.mu.Unlock()
	}

	return &entry, nil
}

func (b *Backend) Set(ctx context.Context, k keys.Key, entry backend.ItemEntry) error {
	hash := keys.Hash(k.Normalize())
	s := b.shardFor(hash)
	now := time.Now()

	size := backend.EstimateSize(entry.Value)

	s.mu.Lock()
	s.data[hash] = entry
	md, existed := s.meta[hash]
	md.Key = k
	md.EstimatedSize = size
	if !existed {
		if b.strategy != nil {
			b.strategy.OnInsert(&md, now)
		} else {
			md.AddedAt = now
			md.LastAccessedAt = now
		}
	} else if b.strategy != nil {
		b.strategy.OnAccess(&md, now)
	}
	s.meta[hash] = md
	s.mu.Unlock()

	// Quota-exceeded retry (§4.2.1) is a persistent-backend concern — an
	// in-memory store has no disk/OS quota to exceed. Size bounding here
	// is purely eviction-driven.
	return b.EnforceLimits(ctx)
}

func (b *Backend) Has(ctx context.Context, k keys.Key) (bool, error) {
	hash := keys.Hash(k.Normalize())
	s := b.shardFor(hash)
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.data[hash]
	if !ok {
		return false, nil
	}
	return keys.Hash(entry.OriginalKey.Normalize()) == hash, nil
}

func (b *Backend) Delete(ctx context.Context, k keys.Key) error {
	hash := keys.Hash(k.Normalize())
	s := b.shardFor(hash)
	s.mu.Lock()
	delete(s.data, hash)
	delete(s.meta, hash)
	s.mu.Unlock()
	return nil
}

func (b *Backend) Keys(ctx context.Context) ([]keys.Key, error) {
	var out []keys.Key
	for _, s := range b.shards {
		s.mu.RLock()
		for _, e := range s.data {
			out = append(out, e.OriginalKey)
		}
		s.mu.RUnlock()
	}
	return out, nil
}

func (b *Backend) Values(ctx context.Context) ([]backend.ItemEntry, error) {
	var out []backend.ItemEntry
	for _, s := range b.shards {
		s.mu.RLock()
		for _, e := range s.data {
			out = append(out, e)
		}
		s.mu.RUnlock()
	}
	return out, nil
}

func (b *Backend) Clear(ctx context.Context) error {
	for _, s := range b.shards {
		s.mu.Lock()
		s.data = make(map[string]backend.ItemEntry)
		s.meta = make(map[string]backend.ItemMetadata)
		s.mu.Unlock()
	}
	return nil
}

func (b *Backend) AllIn(ctx context.Context, loc []keys.LocationTag) ([]backend.ItemEntry, error) {
	values, _ := b.Values(ctx)
	if len(loc) == 0 {
		return values, nil
	}
	var out []backend.ItemEntry
	for _, e := range values {
		if keys.LocEqual(e.OriginalKey.Loc, loc) {
			out = append(out, e)
		}
	}
	return out, nil
}

func (b *Backend) QueryIn(ctx context.Context, loc []keys.LocationTag, pred func(backend.ItemEntry) bool) ([]backend.ItemEntry, error) {
	all, err := b.AllIn(ctx, loc)
	if err != nil {
		return nil, err
	}
	var out []backend.ItemEntry
	for _, e := range all {
		if pred(e) {
			out = append(out, e)
		}
	}
	return out, nil
}

func (b *Backend) SetQueryResult(ctx context.Context, fingerprint string, itemKeys []keys.Key, meta *backend.QueryMetadata) error {
	b.queries.mu.Lock()
	defer b.queries.mu.Unlock()
	b.queries.entries[fingerprint] = backend.QueryEntry{ItemKeys: itemKeys, Metadata: meta}
	return nil
}

func (b *Backend) GetQueryResult(ctx context.Context, fingerprint string) ([]keys.Key, error) {
	b.queries.mu.RLock()
	defer b.queries.mu.RUnlock()
	q, ok := b.queries.entries[fingerprint]
	if !ok {
		return nil, nil
	}
	return q.ItemKeys, nil
}

func (b *Backend) GetQueryResultWithMetadata(ctx context.Context, fingerprint string) (*backend.QueryEntry, error) {
	b.queries.mu.RLock()
	defer b.queries.mu.RUnlock()
	q, ok := b.queries.entries[fingerprint]
	if !ok {
		return nil, nil
	}
	return &q, nil
}

func (b *Backend) HasQueryResult(ctx context.Context, fingerprint string) (bool, error) {
	b.queries.mu.RLock()
	defer b.queries.mu.RUnlock()
	_, ok := b.queries.entries[fingerprint]
	return ok, nil
}

func (b *Backend) DeleteQueryResult(ctx context.Context, fingerprint string) error {
	b.queries.mu.Lock()
	defer b.queries.mu.Unlock()
	delete(b.queries.entries, fingerprint)
	return nil
}

func (b *Backend) ClearQueryResults(ctx context.Context) error {
	b.queries.mu.Lock()
	defer b.queries.mu.Unlock()
	b.queries.entries = make(map[string]backend.QueryEntry)
	return nil
}

func (b *Backend) InvalidateItemKeys(ctx context.Context, ks []keys.Key) error {
	for _, k := range ks {
		if err := b.Delete(ctx, k); err != nil {
			return err
		}
	}
	return b.invalidateQueriesReferencing(ctx, ks)
}

func (b *Backend) InvalidateLocation(ctx context.Context, loc []keys.LocationTag) error {
	entries, err := b.AllIn(ctx, loc)
	if err != nil {
		return b.ClearQueryResults(ctx)
	}
	affected := make([]keys.Key, 0, len(entries))
	for _, e := range entries {
		affected = append(affected, e.OriginalKey)
	}
	for _, k := range affected {
		if err := b.Delete(ctx, k); err != nil {
			return err
		}
	}
	return b.invalidateQueriesReferencing(ctx, affected)
}

func (b *Backend) invalidateQueriesReferencing(ctx context.Context, affected []keys.Key) error {
	if len(affected) == 0 {
		return nil
	}
	set := make(map[string]struct{}, len(affected))
	for _, k := range affected {
		set[k.Normalize()] = struct{}{}
	}

	b.queries.mu.Lock()
	defer b.queries.mu.Unlock()
	for fp, q := range b.queries.entries {
		for _, k := range q.ItemKeys {
			if _, ok := set[k.Normalize()]; ok {
				delete(b.queries.entries, fp)
				break
			}
		}
	}
	return nil
}

func (b *Backend) GetMetadata(ctx context.Context, key string) (*backend.ItemMetadata, error) {
	s := b.shardFor(key)
	s.mu.RLock()
	defer s.mu.RUnlock()
	md, ok := s.meta[key]
	if !ok {
		return nil, nil
	}
	return &md, nil
}

func (b *Backend) SetMetadata(ctx context.Context, key string, md backend.ItemMetadata) error {
	s := b.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.meta[key] = md
	return nil
}

func (b *Backend) DeleteMetadata(ctx context.Context, key string) error {
	s := b.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.meta, key)
	return nil
}

func (b *Backend) GetAllMetadata(ctx context.Context) (map[string]backend.ItemMetadata, error) {
	out := make(map[string]backend.ItemMetadata)
	for _, s := range b.shards {
		s.mu.RLock()
		for k, md := range s.meta {
			out[k] = md
		}
		s.mu.RUnlock()
	}
	return out, nil
}

func (b *Backend) ClearMetadata(ctx context.Context) error {
	for _, s := range b.shards {
		s.mu.Lock()
		s.meta = make(map[string]backend.ItemMetadata)
		s.mu.Unlock()
	}
	return nil
}

func (b *Backend) GetCurrentSize(ctx context.Context) (backend.SizeInfo, error) {
	var info backend.SizeInfo
	for _, s := range b.shards {
		s.mu.RLock()
		info.ItemCount += len(s.data)
		for _, md := range s.meta {
			info.SizeBytes += md.EstimatedSize
		}
		s.mu.RUnlock()
	}
	return info, nil
}

func (b *Backend) GetSizeLimits(ctx context.Context) backend.SizeLimits {
	return b.limits
}

func (b *Backend) Capabilities() backend.Capabilities {
	return backend.Capabilities{
		ImplementationType:               "memory",
		SupportsTTL:                      true,
		SupportsEviction:                 b.strategy != nil,
		SupportsQueryMetadataPersistence: true,
	}
}

// Clone returns an independent handle sharing the same underlying shards,
// ring, and query store as b — writes through either handle are visible
// through the other, per spec §4.2 ("independent handle sharing the same
// underlying store").
func (b *Backend) Clone() backend.CacheMap {
	return &Backend{
		shards:   b.shards,
		ring:     b.ring,
		strategy: b.strategy,
		limits:   b.limits,
		queries:  b.queries,
	}
}

// --- quota-aware store + eviction-driven trimming ---

// OldestItemKeys implements backend.QuotaAwareStore: item entries (never
// metadata/query namespaces) sorted by ascending Timestamp, returning
// their storage-address hashes.
func (b *Backend) OldestItemKeys(ctx context.Context) ([]string, error) {
	type aged struct {
		hash string
		ts   time.Time
	}
	var all []aged
	for _, s := range b.shards {
		s.mu.RLock()
		for h, e := range s.data {
			all = append(all, aged{hash: h, ts: e.Timestamp})
		}
		s.mu.RUnlock()
	}
	sort.Slice(all, func(i, j int) bool { return all[i].ts.Before(all[j].ts) })
	out := make([]string, len(all))
	for i, a := range all {
		out[i] = a.hash
	}
	return out, nil
}

// DeleteItemByStorageKey implements backend.QuotaAwareStore.
func (b *Backend) DeleteItemByStorageKey(ctx context.Context, storageKey string) error {
	s := b.shardFor(storageKey)
	s.mu.Lock()
	delete(s.data, storageKey)
	delete(s.meta, storageKey)
	s.mu.Unlock()
	return nil
}

// EnforceLimits runs the configured eviction strategy until current size
// respects both configured bounds, per spec §4.3: "invokes the strategy
// iteratively (never evicting below a single item)".
func (b *Backend) EnforceLimits(ctx context.Context) error {
	if b.strategy == nil {
		return nil
	}
	if b.limits.MaxItems == nil && b.limits.MaxSizeBytes == nil {
		return nil
	}
	for {
		size, err := b.GetCurrentSize(ctx)
		if err != nil {
			return err
		}
		if size.ItemCount <= 1 {
			return nil
		}
		allMeta, err := b.GetAllMetadata(ctx)
		if err != nil {
			return err
		}
		victim := b.strategy.SelectVictim(allMeta, size, b.limits)
		if victim == "" {
			return nil
		}
		if err := b.DeleteItemByStorageKey(ctx, victim); err != nil {
			return err
		}
	}
}
