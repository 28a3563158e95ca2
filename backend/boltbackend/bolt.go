// Package boltbackend implements the embedded persistent CacheMap family
// backed by go.etcd.io/bbolt: one file, three buckets (items, item
// metadata, query results) behind bbolt's own single-writer transactions,
// the Go-native analogue of a two-object-store embedded database.
package boltbackend

import (
	"context"
	"encoding/binary"
	"errors"
	"sort"
	"strings"
	"syscall"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/layerkv/cache/backend"
	"github.com/layerkv/cache/eviction"
	"github.com/layerkv/cache/keys"
)

const (
	bucketItems   = "items"
	bucketMeta    = "item-meta"
	bucketQueries = "queries"
	bucketSchema  = "meta"

	schemaVersion    = 1
	schemaVersionKey = "schema_version"
)

// Backend is the bbolt-backed CacheMap implementation.
type Backend struct {
	db *bolt.DB

	strategy eviction.Strategy
	limits   backend.SizeLimits
}

// Option configures a Backend at Open time.
type Option func(*Backend)

// WithEviction attaches a strategy and the size limits it enforces against.
func WithEviction(strategy eviction.Strategy, limits backend.SizeLimits) Option {
	return func(b *Backend) {
		b.strategy = strategy
		b.limits = limits
	}
}

// Open opens (creating if absent) the bbolt database at path, ensures its
// buckets exist, and checks the stored schema version matches the one this
// build expects — a version mismatch fails Open with a precondition error
// rather than silently misreading incompatible data.
func Open(path string, opts ...Option) (*Backend, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, backend.Wrap(backend.KindIOFailure, "open bbolt database", err)
	}
	b := &Backend{db: db}
	for _, opt := range opts {
		opt(b)
	}
	if err := b.ensureSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return b, nil
}

// Close releases the underlying bbolt file handle.
func (b *Backend) Close() error {
	return b.db.Close()
}

func (b *Backend) ensureSchema() error {
	err := b.db.Update(func(tx *bolt.Tx) error {
		for _, name := range []string{bucketItems, bucketMeta, bucketQueries, bucketSchema} {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return err
			}
		}
		sb := tx.Bucket([]byte(bucketSchema))
		existing := sb.Get([]byte(schemaVersionKey))
		if existing == nil {
			buf := make([]byte, 8)
			binary.BigEndian.PutUint64(buf, schemaVersion)
			return sb.Put([]byte(schemaVersionKey), buf)
		}
		got := binary.BigEndian.Uint64(existing)
		if got != schemaVersion {
			return backend.Wrap(backend.KindPrecondition, "bolt store schema version mismatch", nil)
		}
		return nil
	})
	if err != nil {
		return backend.Wrap(backend.KindIOFailure, "initialize bolt schema", err)
	}
	return nil
}

func (b *Backend) Get(ctx context.Context, k keys.Key) (*backend.ItemEntry, error) {
	hash := keys.Hash(k.Normalize())

	var entry backend.ItemEntry
	found := false
	err := b.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket([]byte(bucketItems)).Get([]byte(hash))
		if v == nil {
			return nil
		}
		e, err := backend.DecodeItemEntry(v)
		if err != nil {
			return err
		}
		entry, found = e, true
		return nil
	})
	if err != nil {
		return nil, backend.Wrap(backend.KindIOFailure, "bolt read failed", err)
	}
	if !found {
		return nil, nil
	}

	// Invariant 1: reject a collision before it's ever returned to a caller.
	if keys.Hash(entry.OriginalKey.Normalize()) != hash {
		return nil, nil
	}

	if b.strategy != nil {
		_ = b.db.Update(func(tx *bolt.Tx) error {
			mb := tx.Bucket([]byte(bucketMeta))
			v := mb.Get([]byte(hash))
			if v == nil {
				return nil
			}
			md, err := backend.DecodeItemMetadata(v)
			if err != nil {
				return nil
			}
			b.strategy.OnAccess(&md, time.Now())
			enc, err := backend.EncodeItemMetadata(md)
			if err != nil {
				return nil
			}
			return mb.Put([]byte(hash), enc)
		})
	}

	return &entry, nil
}

func (b *Backend) Set(ctx context.Context, k keys.Key, entry backend.ItemEntry) error {
	hash := keys.Hash(k.Normalize())

	write := func(context.Context) error {
		return b.db.Update(func(tx *bolt.Tx) error {
			enc, err := backend.EncodeItemEntry(entry)
			if err != nil {
				return err
			}
			if err := tx.Bucket([]byte(bucketItems)).Put([]byte(hash), enc); err != nil {
				return err
			}

			mb := tx.Bucket([]byte(bucketMeta))
			var md backend.ItemMetadata
			existed := false
			if v := mb.Get([]byte(hash)); v != nil {
				if decoded, err := backend.DecodeItemMetadata(v); err == nil {
					md, existed = decoded, true
				}
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
			mEnc, err := backend.EncodeItemMetadata(md)
			if err != nil {
				return err
			}
			return mb.Put([]byte(hash), mEnc)
		})
	}

	if err := backend.RunWithQuotaRetry(ctx, b, isQuotaExceeded, write); err != nil {
		return err
	}
	return b.EnforceLimits(ctx)
}

func (b *Backend) Has(ctx context.Context, k keys.Key) (bool, error) {
	hash := keys.Hash(k.Normalize())
	var ok bool
	err := b.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket([]byte(bucketItems)).Get([]byte(hash))
		if v == nil {
			return nil
		}
		e, err := backend.DecodeItemEntry(v)
		if err != nil {
			return nil
		}
		ok = keys.Hash(e.OriginalKey.Normalize()) == hash
		return nil
	})
	return ok, err
}

func (b *Backend) Delete(ctx context.Context, k keys.Key) error {
	hash := keys.Hash(k.Normalize())
	return b.db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket([]byte(bucketItems)).Delete([]byte(hash)); err != nil {
			return err
		}
		return tx.Bucket([]byte(bucketMeta)).Delete([]byte(hash))
	})
}

func (b *Backend) Keys(ctx context.Context) ([]keys.Key, error) {
	var out []keys.Key
	err := b.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucketItems)).ForEach(func(_, v []byte) error {
			e, err := backend.DecodeItemEntry(v)
			if err != nil {
				return nil
			}
			out = append(out, e.OriginalKey)
			return nil
		})
	})
	return out, err
}

func (b *Backend) Values(ctx context.Context) ([]backend.ItemEntry, error) {
	var out []backend.ItemEntry
	err := b.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucketItems)).ForEach(func(_, v []byte) error {
			e, err := backend.DecodeItemEntry(v)
			if err != nil {
				return nil
			}
			out = append(out, e)
			return nil
		})
	})
	return out, err
}

func (b *Backend) Clear(ctx context.Context) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		return clearBucket(tx, bucketItems)
	})
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
	return b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucketQueries)).Put([]byte(fingerprint), enc)
	})
}

func (b *Backend) GetQueryResult(ctx context.Context, fingerprint string) ([]keys.Key, error) {
	entry, err := b.GetQueryResultWithMetadata(ctx, fingerprint)
	if err != nil || entry == nil {
		return nil, err
	}
	return entry.ItemKeys, nil
}

func (b *Backend) GetQueryResultWithMetadata(ctx context.Context, fingerprint string) (*backend.QueryEntry, error) {
	var entry *backend.QueryEntry
	err := b.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket([]byte(bucketQueries)).Get([]byte(fingerprint))
		if v == nil {
			return nil
		}
		q, err := backend.DecodeQueryEntry(v)
		if err != nil {
			return err
		}
		entry = &q
		return nil
	})
	return entry, err
}

func (b *Backend) HasQueryResult(ctx context.Context, fingerprint string) (bool, error) {
	var ok bool
	err := b.db.View(func(tx *bolt.Tx) error {
		ok = tx.Bucket([]byte(bucketQueries)).Get([]byte(fingerprint)) != nil
		return nil
	})
	return ok, err
}

func (b *Backend) DeleteQueryResult(ctx context.Context, fingerprint string) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucketQueries)).Delete([]byte(fingerprint))
	})
}

func (b *Backend) ClearQueryResults(ctx context.Context) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		return clearBucket(tx, bucketQueries)
	})
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

// invalidateQueriesReferencing scans query entries for ones referencing any
// of affected. The scan and the delete run as separate transactions: bbolt
// discourages bucket mutation mid-ForEach, so matches are collected under a
// View first and removed in a follow-up Update.
func (b *Backend) invalidateQueriesReferencing(ctx context.Context, affected []keys.Key) error {
	if len(affected) == 0 {
		return nil
	}
	set := make(map[string]struct{}, len(affected))
	for _, k := range affected {
		set[k.Normalize()] = struct{}{}
	}

	var toDelete [][]byte
	err := b.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucketQueries)).ForEach(func(k, v []byte) error {
			q, err := backend.DecodeQueryEntry(v)
			if err != nil {
				return nil
			}
			for _, ik := range q.ItemKeys {
				if _, ok := set[ik.Normalize()]; ok {
					toDelete = append(toDelete, append([]byte(nil), k...))
					break
				}
			}
			return nil
		})
	})
	if err != nil {
		return b.ClearQueryResults(ctx)
	}
	if len(toDelete) == 0 {
		return nil
	}
	return b.db.Update(func(tx *bolt.Tx) error {
		qb := tx.Bucket([]byte(bucketQueries))
		for _, k := range toDelete {
			if err := qb.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
}

func (b *Backend) GetMetadata(ctx context.Context, key string) (*backend.ItemMetadata, error) {
	var md *backend.ItemMetadata
	err := b.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket([]byte(bucketMeta)).Get([]byte(key))
		if v == nil {
			return nil
		}
		decoded, err := backend.DecodeItemMetadata(v)
		if err != nil {
			return err
		}
		md = &decoded
		return nil
	})
	return md, err
}

func (b *Backend) SetMetadata(ctx context.Context, key string, md backend.ItemMetadata) error {
	enc, err := backend.EncodeItemMetadata(md)
	if err != nil {
		return err
	}
	return b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucketMeta)).Put([]byte(key), enc)
	})
}

func (b *Backend) DeleteMetadata(ctx context.Context, key string) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucketMeta)).Delete([]byte(key))
	})
}

func (b *Backend) GetAllMetadata(ctx context.Context) (map[string]backend.ItemMetadata, error) {
	out := make(map[string]backend.ItemMetadata)
	err := b.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucketMeta)).ForEach(func(k, v []byte) error {
			md, err := backend.DecodeItemMetadata(v)
			if err != nil {
				return nil
			}
			out[string(k)] = md
			return nil
		})
	})
	return out, err
}

func (b *Backend) ClearMetadata(ctx context.Context) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		return clearBucket(tx, bucketMeta)
	})
}

func (b *Backend) GetCurrentSize(ctx context.Context) (backend.SizeInfo, error) {
	var info backend.SizeInfo
	err := b.db.View(func(tx *bolt.Tx) error {
		info.ItemCount = tx.Bucket([]byte(bucketItems)).Stats().KeyN
		return tx.Bucket([]byte(bucketMeta)).ForEach(func(_, v []byte) error {
			md, err := backend.DecodeItemMetadata(v)
			if err != nil {
				return nil
			}
			info.SizeBytes += md.EstimatedSize
			return nil
		})
	})
	return info, err
}

func (b *Backend) GetSizeLimits(ctx context.Context) backend.SizeLimits {
	return b.limits
}

func (b *Backend) Capabilities() backend.Capabilities {
	return backend.Capabilities{
		ImplementationType:               "bolt",
		SupportsTTL:                      true,
		SupportsEviction:                 b.strategy != nil,
		SupportsQueryMetadataPersistence: true,
	}
}

// Clone returns an independent handle sharing the same underlying bbolt
// database file, per spec §4.2.
func (b *Backend) Clone() backend.CacheMap {
	return &Backend{db: b.db, strategy: b.strategy, limits: b.limits}
}

// --- quota-aware store + eviction-driven trimming ---

func (b *Backend) OldestItemKeys(ctx context.Context) ([]string, error) {
	type aged struct {
		hash string
		ts   time.Time
	}
	var all []aged
	err := b.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucketItems)).ForEach(func(k, v []byte) error {
			e, err := backend.DecodeItemEntry(v)
			if err != nil {
				return nil
			}
			all = append(all, aged{hash: string(k), ts: e.Timestamp})
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(all, func(i, j int) bool { return all[i].ts.Before(all[j].ts) })
	out := make([]string, len(all))
	for i, a := range all {
		out[i] = a.hash
	}
	return out, nil
}

func (b *Backend) DeleteItemByStorageKey(ctx context.Context, storageKey string) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket([]byte(bucketItems)).Delete([]byte(storageKey)); err != nil {
			return err
		}
		return tx.Bucket([]byte(bucketMeta)).Delete([]byte(storageKey))
	})
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

func clearBucket(tx *bolt.Tx, name string) error {
	if err := tx.DeleteBucket([]byte(name)); err != nil && err != bolt.ErrBucketNotFound {
		return err
	}
	_, err := tx.CreateBucketIfNotExists([]byte(name))
	return err
}

// isQuotaExceeded classifies bbolt's disk-full signal: an mmap/write
// failure wrapping ENOSPC, surfaced as a plain error rather than a typed
// one by the underlying syscall package.
func isQuotaExceeded(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, syscall.ENOSPC) {
		return true
	}
	return strings.Contains(err.Error(), "no space left on device")
}
