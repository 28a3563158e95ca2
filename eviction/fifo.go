package eviction

import (
	"time"

	"github.com/layerkv/cache/backend"
)

// fifo evicts the oldest-inserted entry regardless of access pattern.
type fifo struct{}

func (*fifo) Name() string { return "fifo" }

func (*fifo) OnAccess(md *backend.ItemMetadata, now time.Time) {
	md.AccessCount++
	md.LastAccessedAt = now
}

func (*fifo) OnInsert(md *backend.ItemMetadata, now time.Time) {
	md.AddedAt = now
}

func (*fifo) SelectVictim(all map[string]backend.ItemMetadata, size backend.SizeInfo, limits backend.SizeLimits) string {
	if !overLimits(size, limits) {
		return ""
	}
	var victim string
	var oldest time.Time
	for _, k := range sortedKeys(all) {
		md := all[k]
		if victim == "" || md.AddedAt.Before(oldest) {
			victim, oldest = k, md.AddedAt
		}
	}
	return victim
}

// mru evicts the most-recently-accessed entry — the inverse heuristic of
// LRU, useful for scan-resistant workloads where the latest touch is least
// likely to be touched again (e.g. a full-table scan).
type mru struct{}

func (*mru) Name() string { return "mru" }

func (*mru) OnAccess(md *backend.ItemMetadata, now time.Time) {
	md.LastAccessedAt = now
	md.AccessCount++
}

func (*mru) OnInsert(md *backend.ItemMetadata, now time.Time) {
	md.AddedAt = now
	md.LastAccessedAt = now
}

func (*mru) SelectVictim(all map[string]backend.ItemMetadata, size backend.SizeInfo, limits backend.SizeLimits) string {
	if !overLimits(size, limits) {
		return ""
	}
	var victim string
	var newest time.Time
	for _, k := range sortedKeys(all) {
		md := all[k]
		if victim == "" || md.LastAccessedAt.After(newest) {
			victim, newest = k, md.LastAccessedAt
		}
	}
	return victim
}
