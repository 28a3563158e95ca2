package stats

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
)

func TestRecordHitAndMiss(t *testing.T) {
	m := New()
	m.RecordHit()
	m.RecordHit()
	m.RecordMiss()

	snap := m.Snapshot()
	if snap.NumRequests != 3 {
		t.Errorf("NumRequests = %d, want 3", snap.NumRequests)
	}
	if snap.NumHits != 2 {
		t.Errorf("NumHits = %d, want 2", snap.NumHits)
	}
	if snap.NumMisses != 1 {
		t.Errorf("NumMisses = %d, want 1", snap.NumMisses)
	}
}

func TestHitRate(t *testing.T) {
	m := New()
	if got := m.Snapshot().HitRate(); got != 0 {
		t.Errorf("HitRate with no requests = %v, want 0", got)
	}
	m.RecordHit()
	m.RecordHit()
	m.RecordMiss()
	if got := m.Snapshot().HitRate(); got != 2.0/3.0 {
		t.Errorf("HitRate = %v, want %v", got, 2.0/3.0)
	}
}

func TestSubscriptionCounters_MonotonicVsActive(t *testing.T) {
	m := New()
	m.RecordSubscribe()
	m.RecordSubscribe()
	m.RecordUnsubscribe()

	snap := m.Snapshot()
	if snap.NumSubscriptions != 2 {
		t.Errorf("NumSubscriptions = %d, want 2 (monotonic, never decreases)", snap.NumSubscriptions)
	}
	if snap.NumUnsubscriptions != 1 {
		t.Errorf("NumUnsubscriptions = %d, want 1", snap.NumUnsubscriptions)
	}
	if snap.ActiveSubscriptions != 1 {
		t.Errorf("ActiveSubscriptions = %d, want 1", snap.ActiveSubscriptions)
	}
}

func TestReset_ZeroesMonotonicCounters(t *testing.T) {
	m := New()
	m.RecordHit()
	m.RecordSubscribe()
	m.Reset()

	snap := m.Snapshot()
	if snap.NumRequests != 0 || snap.NumHits != 0 || snap.NumSubscriptions != 0 {
		t.Errorf("Reset left non-zero counters: %+v", snap)
	}
}

func TestPrometheusCollector_DescribeAndCollect(t *testing.T) {
	m := New()
	m.RecordHit()
	c := NewPrometheusCollector(m)

	descs := make(chan *prometheus.Desc, 16)
	c.Describe(descs)
	close(descs)
	count := 0
	for range descs {
		count++
	}
	if count != 6 {
		t.Errorf("Describe emitted %d descriptors, want 6", count)
	}
}
