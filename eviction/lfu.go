package eviction

import (
	"math"
	"time"

	"github.com/layerkv/cache/backend"
)

// lfu evicts the entry with the lowest access frequency. When halfLife is
// non-zero, FrequencyScore decays over time (time-decayed LFU) so stale
// hot keys don't permanently crowd out newly-hot ones; halfLife == 0 means
// plain cumulative-count LFU.
type lfu struct {
	halfLife time.Duration
}

func (*lfu) Name() string { return "lfu" }

func (s *lfu) OnAccess(md *backend.ItemMetadata, now time.Time) {
	md.AccessCount++
	md.FrequencyScore = s.decayedScore(md, now) + 1
	md.LastAccessedAt = now
}

func (*lfu) OnInsert(md *backend.ItemMetadata, now time.Time) {
	md.AddedAt = now
	md.LastAccessedAt = now
	md.FrequencyScore = 1
}

func (s *lfu) decayedScore(md *backend.ItemMetadata, now time.Time) float64 {
	if s.halfLife <= 0 || md.LastAccessedAt.IsZero() {
		return md.FrequencyScore
	}
	elapsed := now.Sub(md.LastAccessedAt)
	halfLives := float64(elapsed) / float64(s.halfLife)
	return md.FrequencyScore * math.Pow(0.5, halfLives)
}

func (s *lfu) SelectVictim(all map[string]backend.ItemMetadata, size backend.SizeInfo, limits backend.SizeLimits) string {
	if !overLimits(size, limits) {
		return ""
	}
	var victim string
	var lowest float64
	now := time.Now()
	for _, k := range sortedKeys(all) {
		md := all[k]
		score := s.decayedScore(&md, now)
		if victim == "" || score < lowest {
			victim, lowest = k, score
		}
	}
	return victim
}

// random evicts a pseudo-randomly chosen entry, useful as a cheap baseline
// with no bookkeeping overhead.
type random struct {
	counter uint64
}

func (*random) Name() string { return "random" }

func (*random) OnAccess(md *backend.ItemMetadata, now time.Time) {
	md.AccessCount++
	md.LastAccessedAt = now
}

func (*random) OnInsert(md *backend.ItemMetadata, now time.Time) {
	md.AddedAt = now
	md.LastAccessedAt = now
}

func (r *random) SelectVictim(all map[string]backend.ItemMetadata, size backend.SizeInfo, limits backend.SizeLimits) string {
	if !overLimits(size, limits) {
		return ""
	}
	ks := sortedKeys(all)
	if len(ks) == 0 {
		return ""
	}
	r.counter++
	idx := (r.counter * 2654435761) % uint64(len(ks))
	return ks[idx]
}
