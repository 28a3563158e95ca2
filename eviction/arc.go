package eviction

import (
	"time"

	"github.com/layerkv/cache/backend"
)

// arc is a simplified Adaptive Replacement Cache. It partitions resident
// items into T1 (recently seen once) and T2 (seen again, "frequent"),
// tagging each via ItemMetadata.StrategyData, and keeps ghost lists B1/B2 of
// recently evicted keys as internal strategy state.
//
// A textbook ARC adapts its target T1 size p from *ghost hits* — a miss
// that lands in B1 or B2 nudges p. The Strategy contract here only signals
// OnAccess for keys still resident (a ghost hit is, by definition, a
// backend-level miss that never reaches OnAccess), so this implementation
// keeps p fixed at capacity/2 rather than pretending to adapt it from a
// signal it structurally cannot observe.
type arc struct {
	b1, b2 []string
}

func newARC() *arc { return &arc{} }

func (*arc) Name() string { return "arc" }

func (*arc) OnAccess(md *backend.ItemMetadata, now time.Time) {
	md.AccessCount++
	md.LastAccessedAt = now
	md.StrategyData = "t2" // any repeat access promotes out of T1
}

func (*arc) OnInsert(md *backend.ItemMetadata, now time.Time) {
	md.AddedAt = now
	md.LastAccessedAt = now
	if md.StrategyData == nil {
		md.StrategyData = "t1"
	}
}

func (a *arc) SelectVictim(all map[string]backend.ItemMetadata, size backend.SizeInfo, limits backend.SizeLimits) string {
	if !overLimits(size, limits) {
		return ""
	}

	capacity := len(all)
	if limits.MaxItems != nil {
		capacity = *limits.MaxItems
	}
	p := capacity / 2

	t1, t2 := a.partition(all)
	if len(t1) > 0 && len(t1) > p {
		victim := oldestByAccess(t1, all)
		a.b1 = pushGhost(a.b1, victim, capacity)
		return victim
	}
	if len(t2) > 0 {
		victim := oldestByAccess(t2, all)
		a.b2 = pushGhost(a.b2, victim, capacity)
		return victim
	}
	if len(t1) > 0 {
		victim := oldestByAccess(t1, all)
		a.b1 = pushGhost(a.b1, victim, capacity)
		return victim
	}
	return ""
}

func (*arc) partition(all map[string]backend.ItemMetadata) (t1, t2 []string) {
	for _, k := range sortedKeys(all) {
		if all[k].StrategyData == "t2" {
			t2 = append(t2, k)
		} else {
			t1 = append(t1, k)
		}
	}
	return
}

func oldestByAccess(candidates []string, all map[string]backend.ItemMetadata) string {
	var victim string
	var oldest time.Time
	for _, k := range candidates {
		md := all[k]
		if victim == "" || md.LastAccessedAt.Before(oldest) {
			victim, oldest = k, md.LastAccessedAt
		}
	}
	return victim
}

func pushGhost(ghost []string, key string, capacity int) []string {
	if key == "" {
		return ghost
	}
	ghost = append(ghost, key)
	if capacity > 0 && len(ghost) > capacity {
		ghost = ghost[len(ghost)-capacity:]
	}
	return ghost
}
