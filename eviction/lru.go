package eviction

import (
	"time"

	"github.com/layerkv/cache/backend"
)

// lru evicts the least-recently-accessed entry. Ordering is derived purely
// from ItemMetadata.LastAccessedAt, which OnAccess keeps current — there is
// no separate intrusive list (SelectVictim must be a pure function of the
// metadata snapshot it receives, per the strategy contract).
type lru struct{}

func (*lru) Name() string { return "lru" }

func (*lru) OnAccess(md *backend.ItemMetadata, now time.Time) {
	md.LastAccessedAt = now
	md.AccessCount++
}

func (*lru) OnInsert(md *backend.ItemMetadata, now time.Time) {
	md.AddedAt = now
	md.LastAccessedAt = now
}

func (*lru) SelectVictim(all map[string]backend.ItemMetadata, size backend.SizeInfo, limits backend.SizeLimits) string {
	if !overLimits(size, limits) {
		return ""
	}
	var victim string
	var oldest time.Time
	for _, k := range sortedKeys(all) {
		md := all[k]
		if victim == "" || md.LastAccessedAt.Before(oldest) {
			victim, oldest = k, md.LastAccessedAt
		}
	}
	return victim
}
