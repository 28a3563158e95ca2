// Package redisbackend implements the string-keyed persistent CacheMap
// family backed by github.com/redis/go-redis/v9: the Go-native analogue of
// a small synchronous string-storage backend, namespaced under a
// configurable key prefix exactly per spec.md's persisted-layout table.
package redisbackend

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/layerkv/cache/backend"
	"github.com/layerkv/cache/eviction"
	"github.com/layerkv/cache/keys"
)

const scanCount = 200

// Backend is the Redis-backed CacheMap implementation. Keys under prefix:
//   - item entry:  {prefix}:{hash(key)}
//   - metadata:    {prefix}:metadata:{key}
//   - query entry: {prefix}:query:{hash}
type Backend struct {
	client *redis.Client
	prefix string

	strategy eviction.Strategy
	limits   backend.SizeLimits
}

// Option configures a Backend at construction.
type Option func(*Backend)

// WithEviction attaches a strategy and the size limits it enforces against.
func WithEviction(strategy eviction.Strategy, limits backend.SizeLimits) Option {
	return func(b *Backend) {
		b.strategy = strategy
		b.limits = limits
	}
}

// New wraps an existing *redis.Client, namespacing every key under prefix.
func New(client *redis.Client, prefix string, opts ...Option) *Backend {
	b := &Backend{client: client, prefix: prefix}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Close releases the underlying Redis client.
func (b *Backend) Close() error { return b.client.Close() }

func (b *Backend) itemKey(hash string) string     { return fmt.Sprintf("%s:%s", b.prefix, hash) }
func (b *Backend) metaKey(key string) string      { return fmt.Sprintf("%s:metadata:%s", b.prefix, key) }
func (b *Backend) queryKey(fingerprint string) string {
	return fmt.Sprintf("%s:query:%s", b.prefix, fingerprint)
}

// isItemKey reports whether a scanned key under {prefix}: is an item entry
// rather than a metadata or query entry — item keys are a bare hash with no
// further namespacing segment.
func (b *Backend) isItemKey(key string) bool {
	rest := strings.TrimPrefix(key, b.prefix+":")
	if rest == key {
		return false
	}
	return !strings.HasPrefix(rest, "metadata:") && !strings.HasPrefix(rest, "query:")
}

func (b *Backend) scanKeys(ctx context.Context, match string) ([]string, error) {
	var out []string
	var cursor uint64
	for {
		batch, next, err := b.client.Scan(ctx, cursor, match, scanCount).Result()
		if err != nil {
			return nil, err
		}
		out = append(out, batch...)
		cursor = next
		if cursor == 0 {
			break
		}
	}
	return out, nil
}

func (b *Backend) Get(ctx context.Context, k keys.Key) (*backend.ItemEntry, error) {
	hash := keys.Hash(k.Normalize())
	v, err := b.client.Get(ctx, b.itemKey(hash)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, backend.Wrap(backend.KindIOFailure, "redis read failed", err)
	}
	entry, err := backend.DecodeItemEntry(v)
	if err != nil {
		// Corrupt/unparsable entry: treat as a miss, repair opportunistically.
		_ = b.client.Del(ctx, b.itemKey(hash)).Err()
		return nil, nil
	}

	// Invariant 1: reject a collision before it's ever returned to a caller.
	if keys.Hash(entry.OriginalKey.Normalize()) != hash {
		return nil, nil
	}

	if b.strategy != nil {
		if md, err := b.GetMetadata(ctx, hash); err == nil && md != nil {
			b.strategy.OnAccess(md, time.Now())
			_ = b.SetMetadata(ctx, hash, *md)
		}
	}
	return &entry, nil
}

func (b *Backend) Set(ctx context.Context, k keys.Key, entry backend.ItemEntry) error {
	hash := keys.Hash(k.Normalize())

	write := func(context.Context) error {
		enc, err := backend.EncodeItemEntry(entry)
		if err != nil {
			return err
		}
		if err := b.client.Set(ctx, b.itemKey(hash), enc, 0).Err(); err != nil {
			return err
		}

		var md backend.ItemMetadata
		existed := false
		if existing, err := b.GetMetadata(ctx, hash); err == nil && existing != nil {
			md, existed = *existing, true
		}
		md.Key = k
		md.EstimatedSize = backend.EstimateSize(entry.Value)
		now := time.Now()
		if !existed {
			if b.strategy != nil {
				b.strategy.OnInsert(&md, now)
			} else {
				md.AddedAt, md.LastAccessedAt = now, now
			}
		} else if b.strategy != nil {
			b.strategy.OnAccess(&md, now)
		}
		return b.SetMetadata(ctx, hash, md)
	}

	if err := backend.RunWithQuotaRetry(ctx, b, isQuotaExceeded, write); err != nil {
		return err
	}
	return b.EnforceLimits(ctx)
}

func (b *Backend) Has(ctx context.Context, k keys.Key) (bool, error) {
	entry, err := b.Get(ctx, k)
	return entry != nil, err
}

func (b *Backend) Delete(ctx context.Context, k keys.Key) error {
	hash := keys.Hash(k.Normalize())
	if err := b.client.Del(ctx, b.itemKey(hash)).Err(); err != nil {
		return backend.Wrap(backend.KindIOFailure, "redis delete failed", err)
	}
	return b.client.Del(ctx, b.metaKey(hash)).Err()
}

func (b *Backend) Keys(ctx context.Context) ([]keys.Key, error) {
	entries, err := b.Values(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]keys.Key, len(entries))
	for i, e := range entries {
		out[i] = e.OriginalKey
	}
	return out, nil
}

func (b *Backend) Values(ctx context.Context) ([]backend.ItemEntry, error) {
	all, err := b.scanKeys(ctx, b.prefix+":*")
	if err != nil {
		return nil, backend.Wrap(backend.KindIOFailure, "redis scan failed", err)
	}
	var out []backend.ItemEntry
	for _, key := range all {
		if !b.isItemKey(key) {
			continue
		}
		v, err := b.client.Get(ctx, key).Bytes()
		if err != nil {
			continue
		}
		entry, err := backend.DecodeItemEntry(v)
		if err != nil {
			continue
		}
		out = append(out, entry)
	}
	return out, nil
}

func (b *Backend) Clear(ctx context.Context) error {
	all, err := b.scanKeys(ctx, b.prefix+":*")
	if err != nil {
		return backend.Wrap(backend.KindIOFailure, "redis scan failed", err)
	}
	var itemAndMeta []string
	for _, key := range all {
		if !strings.Contains(key, ":query:") {
			itemAndMeta = append(itemAndMeta, key)
		}
	}
	if len(itemAndMeta) == 0 {
		return nil
	}
	return b.client.Del(ctx, itemAndMeta...).Err()
}

func (b *Backend) AllIn(ctx context.Context, loc []keys.LocationTag) ([]backend.ItemEntry, error) {
	values, err := b.Values(ctx)
	if err != nil {
		return nil, err
	}
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
	enc, err := backend.EncodeQueryEntry(backend.QueryEntry{ItemKeys: itemKeys, Metadata: meta})
	if err != nil {
		return err
	}
	if err := b.client.Set(ctx, b.queryKey(fingerprint), enc, 0).Err(); err != nil {
		return backend.Wrap(backend.KindIOFailure, "redis write failed", err)
	}
	return nil
}

func (b *Backend) GetQueryResult(ctx context.Context, fingerprint string) ([]keys.Key, error) {
	entry, err := b.GetQueryResultWithMetadata(ctx, fingerprint)
	if err != nil || entry == nil {
		return nil, err
	}
	return entry.ItemKeys, nil
}

func (b *Backend) GetQueryResultWithMetadata(ctx context.Context, fingerprint string) (*backend.QueryEntry, error) {
	v, err := b.client.Get(ctx, b.queryKey(fingerprint)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, backend.Wrap(backend.KindIOFailure, "redis read failed", err)
	}
	q, err := backend.DecodeQueryEntry(v)
	if err != nil {
		_ = b.client.Del(ctx, b.queryKey(fingerprint)).Err()
		return nil, nil
	}
	return &q, nil
}

func (b *Backend) HasQueryResult(ctx context.Context, fingerprint string) (bool, error) {
	n, err := b.client.Exists(ctx, b.queryKey(fingerprint)).Result()
	if err != nil {
		return false, backend.Wrap(backend.KindIOFailure, "redis exists failed", err)
	}
	return n > 0, nil
}

func (b *Backend) DeleteQueryResult(ctx context.Context, fingerprint string) error {
	return b.client.Del(ctx, b.queryKey(fingerprint)).Err()
}

func (b *Backend) ClearQueryResults(ctx context.Context) error {
	all, err := b.scanKeys(ctx, b.prefix+":query:*")
	if err != nil {
		return backend.Wrap(backend.KindIOFailure, "redis scan failed", err)
	}
	if len(all) == 0 {
		return nil
	}
	return b.client.Del(ctx, all...).Err()
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

	queryKeys, err := b.scanKeys(ctx, b.prefix+":query:*")
	if err != nil {
		return b.ClearQueryResults(ctx)
	}

	var toDelete []string
	for _, qk := range queryKeys {
		v, err := b.client.Get(ctx, qk).Bytes()
		if err != nil {
			continue
		}
		q, err := backend.DecodeQueryEntry(v)
		if err != nil {
			continue
		}
		for _, ik := range q.ItemKeys {
			if _, ok := set[ik.Normalize()]; ok {
				toDelete = append(toDelete, qk)
				break
			}
		}
	}
	if len(toDelete) == 0 {
		return nil
	}
	return b.client.Del(ctx, toDelete...).Err()
}

func (b *Backend) GetMetadata(ctx context.Context, key string) (*backend.ItemMetadata, error) {
	v, err := b.client.Get(ctx, b.metaKey(key)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, backend.Wrap(backend.KindIOFailure, "redis read failed", err)
	}
	md, err := backend.DecodeItemMetadata(v)
	if err != nil {
		return nil, nil
	}
	return &md, nil
}

func (b *Backend) SetMetadata(ctx context.Context, key string, md backend.ItemMetadata) error {
	enc, err := backend.EncodeItemMetadata(md)
	if err != nil {
		return err
	}
	return b.client.Set(ctx, b.metaKey(key), enc, 0).Err()
}

func (b *Backend) DeleteMetadata(ctx context.Context, key string) error {
	return b.client.Del(ctx, b.metaKey(key)).Err()
}

func (b *Backend) GetAllMetadata(ctx context.Context) (map[string]backend.ItemMetadata, error) {
	all, err := b.scanKeys(ctx, b.prefix+":metadata:*")
	if err != nil {
		return nil, backend.Wrap(backend.KindIOFailure, "redis scan failed", err)
	}
	out := make(map[string]backend.ItemMetadata)
	prefix := b.prefix + ":metadata:"
	for _, key := range all {
		v, err := b.client.Get(ctx, key).Bytes()
		if err != nil {
			continue
		}
		md, err := backend.DecodeItemMetadata(v)
		if err != nil {
			continue
		}
		out[strings.TrimPrefix(key, prefix)] = md
	}
	return out, nil
}

func (b *Backend) ClearMetadata(ctx context.Context) error {
	all, err := b.scanKeys(ctx, b.prefix+":metadata:*")
	if err != nil {
		return backend.Wrap(backend.KindIOFailure, "redis scan failed", err)
	}
	if len(all) == 0 {
		return nil
	}
	return b.client.Del(ctx, all...).Err()
}

func (b *Backend) GetCurrentSize(ctx context.Context) (backend.SizeInfo, error) {
	var info backend.SizeInfo
	all, err := b.scanKeys(ctx, b.prefix+":*")
	if err != nil {
		return info, backend.Wrap(backend.KindIOFailure, "redis scan failed", err)
	}
	for _, key := range all {
		if b.isItemKey(key) {
			info.ItemCount++
		}
	}
	meta, err := b.GetAllMetadata(ctx)
	if err != nil {
		return info, err
	}
	for _, md := range meta {
		info.SizeBytes += md.EstimatedSize
	}
	return info, nil
}

func (b *Backend) GetSizeLimits(ctx context.Context) backend.SizeLimits {
	return b.limits
}

func (b *Backend) Capabilities() backend.Capabilities {
	return backend.Capabilities{
		ImplementationType:               "redis",
		SupportsTTL:                      true,
		SupportsEviction:                 b.strategy != nil,
		SupportsQueryMetadataPersistence: true,
	}
}

// Clone returns an independent handle sharing the same underlying Redis
// client and key prefix, per spec §4.2.
func (b *Backend) Clone() backend.CacheMap {
	return &Backend{client: b.client, prefix: b.prefix, strategy: b.strategy, limits: b.limits}
}

// --- quota-aware store + eviction-driven trimming ---

func (b *Backend) OldestItemKeys(ctx context.Context) ([]string, error) {
	entries, err := b.scanKeys(ctx, b.prefix+":*")
	if err != nil {
		return nil, err
	}
	type aged struct {
		hash string
		ts   time.Time
	}
	var all []aged
	for _, key := range entries {
		if !b.isItemKey(key) {
			continue
		}
		v, err := b.client.Get(ctx, key).Bytes()
		if err != nil {
			continue
		}
		entry, err := backend.DecodeItemEntry(v)
		if err != nil {
			continue
		}
		all = append(all, aged{hash: strings.TrimPrefix(key, b.prefix+":"), ts: entry.Timestamp})
	}
	sort.Slice(all, func(i, j int) bool { return all[i].ts.Before(all[j].ts) })
	out := make([]string, len(all))
	for i, a := range all {
		out[i] = a.hash
	}
	return out, nil
}

func (b *Backend) DeleteItemByStorageKey(ctx context.Context, storageKey string) error {
	if err := b.client.Del(ctx, b.itemKey(storageKey)).Err(); err != nil {
		return err
	}
	return b.client.Del(ctx, b.metaKey(storageKey)).Err()
}

// EnforceLimits runs the configured eviction strategy iteratively until
// current size respects both configured bounds, per spec §4.3.
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

// isQuotaExceeded classifies Redis's out-of-memory refusal, the
// string-storage analogue of a disk-full error.
func isQuotaExceeded(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), "OOM command not allowed")
}
