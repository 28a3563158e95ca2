package eviction

import (
	"time"

	"github.com/layerkv/cache/backend"
)

// twoQueue implements the 2Q policy: a small FIFO (A1in) absorbs one-off
// scans, a ghost FIFO (A1out, internal strategy state — a resident item
// has no entry there) remembers recently-evicted A1in keys so a prompt
// re-reference promotes straight into the LRU-managed main queue (Am)
// instead of looping through A1in again, and Am itself is evicted LRU.
type twoQueue struct {
	a1InSize  int
	a1OutSize int
	a1Out     []string
}

func newTwoQueue(a1InSize, a1OutSize int) *twoQueue {
	return &twoQueue{a1InSize: a1InSize, a1OutSize: a1OutSize}
}

func (*twoQueue) Name() string { return "2q" }

func (q *twoQueue) OnAccess(md *backend.ItemMetadata, now time.Time) {
	md.AccessCount++
	md.LastAccessedAt = now
	if md.StrategyData == "a1in" && q.wasGhost(md.Key.Normalize()) {
		md.StrategyData = "am"
	}
}

func (q *twoQueue) OnInsert(md *backend.ItemMetadata, now time.Time) {
	md.AddedAt = now
	md.LastAccessedAt = now
	keyStr := md.Key.Normalize()
	if q.wasGhost(keyStr) {
		md.StrategyData = "am"
		q.removeGhost(keyStr)
		return
	}
	if md.StrategyData == nil {
		md.StrategyData = "a1in"
	}
}

func (q *twoQueue) wasGhost(keyStr string) bool {
	for _, g := range q.a1Out {
		if g == keyStr {
			return true
		}
	}
	return false
}

func (q *twoQueue) removeGhost(keyStr string) {
	out := q.a1Out[:0]
	for _, g := range q.a1Out {
		if g != keyStr {
			out = append(out, g)
		}
	}
	q.a1Out = out
}

func (q *twoQueue) SelectVictim(all map[string]backend.ItemMetadata, size backend.SizeInfo, limits backend.SizeLimits) string {
	if !overLimits(size, limits) {
		return ""
	}

	var a1in, am []string
	for _, k := range sortedKeys(all) {
		if all[k].StrategyData == "am" {
			am = append(am, k)
		} else {
			a1in = append(a1in, k)
		}
	}

	if len(a1in) > q.a1InSize && len(a1in) > 0 {
		victim := oldestByAdded(a1in, all)
		q.a1Out = append(q.a1Out, all[victim].Key.Normalize())
		if len(q.a1Out) > q.a1OutSize {
			q.a1Out = q.a1Out[len(q.a1Out)-q.a1OutSize:]
		}
		return victim
	}
	if len(am) > 0 {
		return oldestByAccess(am, all)
	}
	if len(a1in) > 0 {
		victim := oldestByAdded(a1in, all)
		q.a1Out = append(q.a1Out, all[victim].Key.Normalize())
		if len(q.a1Out) > q.a1OutSize {
			q.a1Out = q.a1Out[len(q.a1Out)-q.a1OutSize:]
		}
		return victim
	}
	return ""
}

func oldestByAdded(candidates []string, all map[string]backend.ItemMetadata) string {
	var victim string
	var oldest time.Time
	for _, k := range candidates {
		md := all[k]
		if victim == "" || md.AddedAt.Before(oldest) {
			victim, oldest = k, md.AddedAt
		}
	}
	return victim
}
