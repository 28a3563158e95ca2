// Package eviction implements the pluggable eviction strategies a
// size-bounded backend consults when it is over capacity: LRU, LFU, FIFO,
// MRU, Random, ARC, and 2Q, all built against the same Strategy contract so
// a backend can invoke them without knowing which one it holds.
package eviction

import (
	"sort"
	"time"

	"github.com/layerkv/cache/backend"
)

// Strategy is the pluggable eviction contract (spec §4.3). SelectVictim
// decides from the metadata snapshot it is given and never reaches back into
// the backend; the ARC, 2Q and Random strategies also update their own
// internal state (ghost lists, a counter) when they pick a victim.
type Strategy interface {
	Name() string
	OnAccess(md *backend.ItemMetadata, now time.Time)
	OnInsert(md *backend.ItemMetadata, now time.Time)
	// SelectVictim returns the key of the entry to evict next, or "" if
	// nothing should be evicted. Ties are broken by lexicographic order of
	// the normalized key string.
	SelectVictim(all map[string]backend.ItemMetadata, currentSize backend.SizeInfo, limits backend.SizeLimits) string
}

// Config validates and names a strategy instance (spec §4.3: "Configuration
// validation rejects: negative capacities, unknown strategy names,
// contradictory combinations").
type Config struct {
	Name         string
	MaxItems     *int
	MaxSizeBytes *int64

	// 2Q only.
	A1InSize  int
	A1OutSize int

	// LFU time-decay only.
	HalfLife time.Duration
}

// Validate rejects malformed configuration before a Strategy is built.
func Validate(cfg Config) error {
	if cfg.MaxItems != nil && *cfg.MaxItems < 0 {
		return backend.Wrap(backend.KindPrecondition, "maxItems must not be negative", nil)
	}
	if cfg.MaxSizeBytes != nil && *cfg.MaxSizeBytes < 0 {
		return backend.Wrap(backend.KindPrecondition, "maxSizeBytes must not be negative", nil)
	}
	switch cfg.Name {
	case "lru", "lfu", "fifo", "mru", "random", "arc", "2q":
	default:
		return backend.Wrap(backend.KindPrecondition, "unknown eviction strategy: "+cfg.Name, nil)
	}
	if cfg.Name == "2q" && (cfg.A1InSize <= 0 || cfg.A1OutSize <= 0) {
		return backend.Wrap(backend.KindPrecondition, "2q strategy requires A1InSize and A1OutSize", nil)
	}
	return nil
}

// New constructs the named strategy. Callers should Validate cfg first.
func New(cfg Config) (Strategy, error) {
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	switch cfg.Name {
	case "lru":
		return &lru{}, nil
	case "lfu":
		return &lfu{halfLife: cfg.HalfLife}, nil
	case "fifo":
		return &fifo{}, nil
	case "mru":
		return &mru{}, nil
	case "random":
		return &random{}, nil
	case "arc":
		return newARC(), nil
	case "2q":
		return newTwoQueue(cfg.A1InSize, cfg.A1OutSize), nil
	}
	panic("unreachable: Validate should have rejected " + cfg.Name)
}

// overLimits reports whether size currently exceeds either configured bound.
func overLimits(size backend.SizeInfo, limits backend.SizeLimits) bool {
	if limits.MaxItems != nil && size.ItemCount > *limits.MaxItems {
		return true
	}
	if limits.MaxSizeBytes != nil && size.SizeBytes > *limits.MaxSizeBytes {
		return true
	}
	return false
}

// sortedKeys returns metadata keys ordered by their entry's normalized key
// string (then by the map key itself), used to break ties deterministically
// across every strategy.
func sortedKeys(all map[string]backend.ItemMetadata) []string {
	ks := make([]string, 0, len(all))
	for k := range all {
		ks = append(ks, k)
	}
	sort.Slice(ks, func(i, j int) bool {
		ni, nj := all[ks[i]].Key.Normalize(), all[ks[j]].Key.Normalize()
		if ni != nj {
			return ni < nj
		}
		return ks[i] < ks[j]
	})
	return ks
}
