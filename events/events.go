// Package events implements the in-process Event Bus: typed cache-lifecycle
// notifications with filtered, debounced subscriptions. There is no
// cross-process delivery here — the distributed pub/sub layer the teacher
// built this against is explicitly out of scope (no server-side push, no
// cross-process consistency), so this bus only fans events out to
// goroutines inside the same process.
package events

import (
	"sync"
	"time"

	"github.com/layerkv/cache/keys"
)

// Type identifies the kind of lifecycle event raised.
type Type string

const (
	TypeItemCreated        Type = "item_created"
	TypeItemUpdated        Type = "item_updated"
	TypeItemRemoved        Type = "item_removed"
	TypeItemsQueried       Type = "items_queried"
	TypeCacheHit           Type = "cache_hit"
	TypeCacheMiss          Type = "cache_miss"
	TypeCacheCleared       Type = "cache_cleared"
	TypeQueryInvalidated   Type = "query_invalidated"
	TypeLocationInvalidated Type = "location_invalidated"
)

// Source identifies who caused an event: the origin API, the cache layer
// itself (eviction, expiry), or an external caller driving the cache
// directly.
type Source string

const (
	SourceAPI      Source = "api"
	SourceCache    Source = "cache"
	SourceExternal Source = "external"
)

// Event is the payload every subscriber receives. Timestamp is produced by
// an injected Clock rather than time.Now() directly, so ordering is
// deterministic and testable.
type Event struct {
	Type              Type
	Source            Source
	Timestamp         time.Time
	Key               *keys.Key
	Item              any
	Previous          any
	AffectedLocations [][]keys.LocationTag
}

// Clock produces event timestamps; the Bus's default clock yields strictly
// increasing ones by wrapping time.Now (see NewMonotonicClock); tests can
// inject a fake one. Kept as an injectable
// singleton rather than a package-level var so a Bus never depends on
// mutable global state.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// monotonicClock wraps a Clock and guarantees strictly increasing output,
// so two events raised back-to-back never compare equal-or-reversed even if
// the underlying clock's resolution is coarse.
type monotonicClock struct {
	mu   sync.Mutex
	base Clock
	last time.Time
}

// NewMonotonicClock wraps base (or a real wall clock if base is nil) so
// every call to Now is guaranteed > the previous one.
func NewMonotonicClock(base Clock) Clock {
	if base == nil {
		base = realClock{}
	}
	return &monotonicClock{base: base}
}

func (c *monotonicClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.base.Now()
	if !now.After(c.last) {
		now = c.last.Add(time.Nanosecond)
	}
	c.last = now
	return now
}

// Filter narrows which events a subscription receives. A nil/empty field
// means "no constraint on this dimension". Pred, if set, is applied last
// and can reject events none of the other fields capture.
type Filter struct {
	Types     []Type
	Keys      []keys.Key
	Locations [][]keys.LocationTag
	Pred      func(Event) bool

	// Debounce, if non-zero, coalesces a burst of matching events into a
	// single delivery of the most recent one, fired Debounce after the
	// last matching event arrived.
	Debounce time.Duration
}

func (f Filter) matches(e Event) bool {
	if len(f.Types) > 0 && !containsType(f.Types, e.Type) {
		return false
	}
	if len(f.Keys) > 0 {
		if e.Key == nil || !containsKey(f.Keys, *e.Key) {
			return false
		}
	}
	if len(f.Locations) > 0 && !anyLocationMatches(f.Locations, e.AffectedLocations) {
		return false
	}
	if f.Pred != nil && !f.Pred(e) {
		return false
	}
	return true
}

func containsType(ts []Type, t Type) bool {
	for _, x := range ts {
		if x == t {
			return true
		}
	}
	return false
}

func containsKey(ks []keys.Key, k keys.Key) bool {
	target := k.Normalize()
	for _, x := range ks {
		if x.Normalize() == target {
			return true
		}
	}
	return false
}

// anyLocationMatches reports whether any subscribed location pattern
// equals any of the event's affected locations, per spec §4.7:
// "locEqual(subOption, event.affectedLocations[i]) for any i".
func anyLocationMatches(subOptions, affected [][]keys.LocationTag) bool {
	for _, sub := range subOptions {
		for _, loc := range affected {
			if keys.LocEqual(sub, loc) {
				return true
			}
		}
	}
	return false
}

// Handler receives matching events. It must not block for long — Publish
// invokes non-debounced handlers synchronously on the publishing goroutine,
// one subscription after another, so a slow handler delays delivery to the
// subscribers after it and the return of Publish. Debounced handlers run on
// their own timer goroutines.
type Handler func(Event)

// subscription holds one registered listener plus its debounce state.
type subscription struct {
	id      uint64
	filter  Filter
	handler Handler

	mu      sync.Mutex
	timer   *time.Timer
	pending *Event

	// lastActive models the "weak reference" requirement from the spec:
	// Go has no true weak pointers, so inactivity is tracked explicitly
	// and swept on a timer instead, rather than pretending we observe GC.
	lastActive time.Time
}

// Bus is the in-process event dispatcher. Publish is synchronous: it calls
// matching handlers (or arms their debounce timers) before returning.
type Bus struct {
	mu     sync.Mutex
	subs   map[uint64]*subscription
	nextID uint64
	clock  Clock

	sweepInterval time.Duration
	maxIdle       time.Duration
	stop          chan struct{}
	stopOnce      sync.Once
}

// Option configures a Bus at construction time.
type Option func(*Bus)

// WithClock overrides the event timestamp source.
func WithClock(c Clock) Option {
	return func(b *Bus) { b.clock = c }
}

// WithIdleSweep enables periodic removal of subscriptions that have not
// matched an event in maxIdle, checked every interval. Disabled (zero
// maxIdle) by default — most callers manage subscription lifetime via
// Unsubscribe explicitly.
func WithIdleSweep(interval, maxIdle time.Duration) Option {
	return func(b *Bus) {
		b.sweepInterval = interval
		b.maxIdle = maxIdle
	}
}

// NewBus constructs a Bus and starts its idle-sweep loop if configured.
func NewBus(opts ...Option) *Bus {
	b := &Bus{
		subs:  make(map[uint64]*subscription),
		clock: NewMonotonicClock(nil),
		stop:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.sweepInterval > 0 && b.maxIdle > 0 {
		go b.sweepLoop()
	}
	return b
}

// Subscribe registers handler for events matching filter and returns a
// subscription ID usable with Unsubscribe.
func (b *Bus) Subscribe(filter Filter, handler Handler) uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	id := b.nextID
	b.subs[id] = &subscription{
		id:         id,
		filter:     filter,
		handler:    handler,
		lastActive: b.clock.Now(),
	}
	return id
}

// Unsubscribe cancels a subscription and any pending debounce timer.
func (b *Bus) Unsubscribe(id uint64) {
	b.mu.Lock()
	sub, ok := b.subs[id]
	delete(b.subs, id)
	b.mu.Unlock()
	if !ok {
		return
	}
	sub.mu.Lock()
	if sub.timer != nil {
		sub.timer.Stop()
	}
	sub.mu.Unlock()
}

// Publish stamps e with the bus's Clock (replacing any Timestamp the caller
// set) and dispatches it to every matching, currently-registered subscriber.
func (b *Bus) Publish(e Event) {
	e.Timestamp = b.clock.Now()
	b.mu.Lock()
	matched := make([]*subscription, 0, len(b.subs))
	for _, sub := range b.subs {
		if sub.filter.matches(e) {
			matched = append(matched, sub)
		}
	}
	b.mu.Unlock()

	for _, sub := range matched {
		b.deliver(sub, e)
	}
}

func (b *Bus) deliver(sub *subscription, e Event) {
	sub.mu.Lock()
	defer sub.mu.Unlock()
	sub.lastActive = b.clock.Now()

	if sub.filter.Debounce <= 0 {
		sub.handler(e)
		return
	}

	ev := e
	sub.pending = &ev
	if sub.timer != nil {
		sub.timer.Stop()
	}
	sub.timer = time.AfterFunc(sub.filter.Debounce, func() {
		sub.mu.Lock()
		pending := sub.pending
		sub.pending = nil
		sub.mu.Unlock()
		if pending != nil {
			sub.handler(*pending)
		}
	})
}

func (b *Bus) sweepLoop() {
	ticker := time.NewTicker(b.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-b.stop:
			return
		case <-ticker.C:
			b.sweepIdle()
		}
	}
}

func (b *Bus) sweepIdle() {
	now := b.clock.Now()
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, sub := range b.subs {
		sub.mu.Lock()
		idle := now.Sub(sub.lastActive)
		sub.mu.Unlock()
		if idle > b.maxIdle {
			delete(b.subs, id)
		}
	}
}

// Close stops the idle-sweep loop, if running, and clears every registered
// subscription (stopping their debounce timers first). Safe to call more
// than once.
func (b *Bus) Close() {
	b.stopOnce.Do(func() { close(b.stop) })

	b.mu.Lock()
	subs := b.subs
	b.subs = make(map[uint64]*subscription)
	b.mu.Unlock()

	for _, sub := range subs {
		sub.mu.Lock()
		if sub.timer != nil {
			sub.timer.Stop()
		}
		sub.mu.Unlock()
	}
}

// SubscriptionCount reports the number of currently registered subscriptions.
func (b *Bus) SubscriptionCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}
