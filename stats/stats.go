// Package stats implements the Stats Manager: atomic hit/miss/subscription
// counters plus an optional Prometheus exporter that reads through them
// without ever becoming a second write path.
package stats

import (
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
)

// Manager tracks cache-wide counters with atomic primitives, the same
// approach the teacher's models package uses for per-entry AccessCount.
type Manager struct {
	numRequests         atomic.Int64
	numHits             atomic.Int64
	numMisses           atomic.Int64
	numSubscriptions    atomic.Int64 // monotonic: never decremented
	numUnsubscriptions  atomic.Int64
	activeSubscriptions atomic.Int64
}

// New constructs an empty Manager.
func New() *Manager { return &Manager{} }

// RecordHit increments the request and hit counters.
func (m *Manager) RecordHit() {
	m.numRequests.Add(1)
	m.numHits.Add(1)
}

// RecordMiss increments the request and miss counters.
func (m *Manager) RecordMiss() {
	m.numRequests.Add(1)
	m.numMisses.Add(1)
}

// RecordSubscribe bumps the monotonic subscription count and the active
// gauge. numSubscriptions never decreases, even across Unsubscribe calls,
// so it reflects lifetime subscription volume rather than current load.
func (m *Manager) RecordSubscribe() {
	m.numSubscriptions.Add(1)
	m.activeSubscriptions.Add(1)
}

// RecordUnsubscribe bumps the unsubscription count and drops the active
// gauge.
func (m *Manager) RecordUnsubscribe() {
	m.numUnsubscriptions.Add(1)
	m.activeSubscriptions.Add(-1)
}

// Reset zeroes every counter, including the otherwise-monotonic
// subscription totals.
func (m *Manager) Reset() {
	m.numRequests.Store(0)
	m.numHits.Store(0)
	m.numMisses.Store(0)
	m.numSubscriptions.Store(0)
	m.numUnsubscriptions.Store(0)
	m.activeSubscriptions.Store(0)
}

// Snapshot is a point-in-time, immutable copy of every counter.
type Snapshot struct {
	NumRequests         int64
	NumHits             int64
	NumMisses           int64
	NumSubscriptions    int64
	NumUnsubscriptions  int64
	ActiveSubscriptions int64
}

// HitRate returns NumHits/NumRequests, or 0 if there have been no requests.
func (s Snapshot) HitRate() float64 {
	if s.NumRequests == 0 {
		return 0
	}
	return float64(s.NumHits) / float64(s.NumRequests)
}

// Snapshot reads every counter as of now. Individual fields may be
// momentarily inconsistent with each other under concurrent writers — each
// atomic load is independent — but each field itself is exact.
func (m *Manager) Snapshot() Snapshot {
	return Snapshot{
		NumRequests:         m.numRequests.Load(),
		NumHits:             m.numHits.Load(),
		NumMisses:           m.numMisses.Load(),
		NumSubscriptions:    m.numSubscriptions.Load(),
		NumUnsubscriptions:  m.numUnsubscriptions.Load(),
		ActiveSubscriptions: m.activeSubscriptions.Load(),
	}
}

// PrometheusCollector adapts a Manager to prometheus.Collector, reading the
// same atomic counters the Manager already keeps rather than duplicating
// them into a second set of prometheus metric objects that could drift out
// of sync with the counters callers actually observe via Snapshot.
type PrometheusCollector struct {
	mgr *Manager

	requests    *prometheus.Desc
	hits        *prometheus.Desc
	misses      *prometheus.Desc
	subs        *prometheus.Desc
	unsubs      *prometheus.Desc
	activeSubs  *prometheus.Desc
}

// NewPrometheusCollector wraps mgr for registration with a prometheus.Registry.
func NewPrometheusCollector(mgr *Manager) *PrometheusCollector {
	return &PrometheusCollector{
		mgr:        mgr,
		requests:   prometheus.NewDesc("cache_requests_total", "Total cache requests observed.", nil, nil),
		hits:       prometheus.NewDesc("cache_hits_total", "Total cache hits.", nil, nil),
		misses:     prometheus.NewDesc("cache_misses_total", "Total cache misses.", nil, nil),
		subs:       prometheus.NewDesc("cache_subscriptions_total", "Lifetime event subscriptions created.", nil, nil),
		unsubs:     prometheus.NewDesc("cache_unsubscriptions_total", "Lifetime event unsubscriptions.", nil, nil),
		activeSubs: prometheus.NewDesc("cache_active_subscriptions", "Currently active event subscriptions.", nil, nil),
	}
}

// Describe implements prometheus.Collector.
func (c *PrometheusCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.requests
	ch <- c.hits
	ch <- c.misses
	ch <- c.subs
	ch <- c.unsubs
	ch <- c.activeSubs
}

// Collect implements prometheus.Collector.
func (c *PrometheusCollector) Collect(ch chan<- prometheus.Metric) {
	s := c.mgr.Snapshot()
	ch <- prometheus.MustNewConstMetric(c.requests, prometheus.CounterValue, float64(s.NumRequests))
	ch <- prometheus.MustNewConstMetric(c.hits, prometheus.CounterValue, float64(s.NumHits))
	ch <- prometheus.MustNewConstMetric(c.misses, prometheus.CounterValue, float64(s.NumMisses))
	ch <- prometheus.MustNewConstMetric(c.subs, prometheus.CounterValue, float64(s.NumSubscriptions))
	ch <- prometheus.MustNewConstMetric(c.unsubs, prometheus.CounterValue, float64(s.NumUnsubscriptions))
	ch <- prometheus.MustNewConstMetric(c.activeSubs, prometheus.GaugeValue, float64(s.ActiveSubscriptions))
}
