// Package backend defines the CacheMap contract: the pluggable persistent or
// in-memory store that the two-layer coordinator runs on top of. A backend
// keeps three disjoint namespaces under its own private keyspace: items,
// item metadata, and query results. Concrete families live in sibling
// packages (backend/memory, backend/boltbackend, backend/redisbackend);
// this package only defines the shape every family must satisfy.
package backend

import (
	"context"
	"time"

	"github.com/layerkv/cache/keys"
)

// ItemEntry is the storage shape of a cached item. OriginalKey is retained
// to detect hash collisions: a retrieved entry is only accepted by the
// caller if OriginalKey re-hashes to the looked-up hash (invariant 1).
type ItemEntry struct {
	OriginalKey keys.Key
	Value       any
	Version     int
	Timestamp   time.Time
}

// ItemMetadata lives in a sibling namespace from ItemEntry, consumed by
// eviction strategies and size-bounded backends. StrategyData is an opaque
// blob a given eviction.Strategy may stash its own bookkeeping in.
type ItemMetadata struct {
	Key            keys.Key
	AddedAt        time.Time
	LastAccessedAt time.Time
	AccessCount    int64
	EstimatedSize  int64
	StrategyData   any
	FrequencyScore float64
}

// QueryMetadata describes a stored query entry's freshness and shape.
type QueryMetadata struct {
	QueryType string // all|one|find|findOne|facet|allFacet
	IsComplete bool
	CreatedAt  time.Time
	ExpiresAt  time.Time
	Filter     string
	Params     string
}

// QueryEntry pairs the keys a listing resolved to with its metadata. A
// legacy on-disk form stores a bare []keys.Key array; readers must accept
// both — QueryEntry.Metadata is the nil zero value in that case.
type QueryEntry struct {
	ItemKeys []keys.Key
	Metadata *QueryMetadata
}

// SizeInfo reports the current occupancy of a backend. ItemCount never
// includes query or metadata entries (invariant 5); SizeBytes may.
type SizeInfo struct {
	ItemCount int
	SizeBytes int64
}

// SizeLimits reports the configured caps, if any, for a backend.
type SizeLimits struct {
	MaxItems     *int
	MaxSizeBytes *int64
}

// Capabilities is the feature descriptor a backend exposes so callers (in
// particular the coordinator) can detect optional capabilities without
// introspection, per the Design Notes: "Query-metadata persistence is an
// optional capability, detected via a feature flag in the descriptor."
type Capabilities struct {
	ImplementationType                string
	SupportsTTL                       bool
	SupportsEviction                  bool
	SupportsQueryMetadataPersistence  bool
}

// CacheMap is the contract every backend family implements. Every I/O
// operation is context-aware and returns an error. The persistent families
// report an item read's I/O failure as a KindIOFailure error (the in-memory
// family never fails a read); the operations layer treats such a failed
// read as a miss, while metadata and write errors are surfaced.
type CacheMap interface {
	Get(ctx context.Context, k keys.Key) (*ItemEntry, error)
	Set(ctx context.Context, k keys.Key, entry ItemEntry) error
	Has(ctx context.Context, k keys.Key) (bool, error)
	Delete(ctx context.Context, k keys.Key) error
	Keys(ctx context.Context) ([]keys.Key, error)
	Values(ctx context.Context) ([]ItemEntry, error)
	Clear(ctx context.Context) error

	AllIn(ctx context.Context, loc []keys.LocationTag) ([]ItemEntry, error)
	QueryIn(ctx context.Context, loc []keys.LocationTag, pred func(ItemEntry) bool) ([]ItemEntry, error)

	SetQueryResult(ctx context.Context, fingerprint string, itemKeys []keys.Key, meta *QueryMetadata) error
	GetQueryResult(ctx context.Context, fingerprint string) ([]keys.Key, error)
	GetQueryResultWithMetadata(ctx context.Context, fingerprint string) (*QueryEntry, error)
	HasQueryResult(ctx context.Context, fingerprint string) (bool, error)
	DeleteQueryResult(ctx context.Context, fingerprint string) error
	ClearQueryResults(ctx context.Context) error

	InvalidateItemKeys(ctx context.Context, keys []keys.Key) error
	InvalidateLocation(ctx context.Context, loc []keys.LocationTag) error

	GetMetadata(ctx context.Context, key string) (*ItemMetadata, error)
	SetMetadata(ctx context.Context, key string, md ItemMetadata) error
	DeleteMetadata(ctx context.Context, key string) error
	GetAllMetadata(ctx context.Context) (map[string]ItemMetadata, error)
	ClearMetadata(ctx context.Context) error

	GetCurrentSize(ctx context.Context) (SizeInfo, error)
	GetSizeLimits(ctx context.Context) SizeLimits

	Capabilities() Capabilities
	Clone() CacheMap
}
