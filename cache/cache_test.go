package cache

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/layerkv/cache/backend/memory"
	"github.com/layerkv/cache/events"
	"github.com/layerkv/cache/keys"
	"github.com/layerkv/cache/operations"
)

// fakeAPI is a scripted origin API, mirroring the operations package's own
// test fixture: Get counts its calls so tests can assert on read-through
// behavior without a network round trip.
type fakeAPI struct {
	getCalls int32
}

func (f *fakeAPI) Get(ctx context.Context, key keys.Key) (*operations.Item, error) {
	atomic.AddInt32(&f.getCalls, 1)
	return &operations.Item{Key: key, Value: "default"}, nil
}
func (f *fakeAPI) Retrieve(ctx context.Context, key keys.Key) (*operations.Item, error) {
	return f.Get(ctx, key)
}
func (f *fakeAPI) One(ctx context.Context, query string, loc []keys.LocationTag) (*operations.Item, error) {
	return &operations.Item{Key: keys.Primary("widget", keys.StringID(query)), Value: query}, nil
}
func (f *fakeAPI) All(ctx context.Context, query string, loc []keys.LocationTag) ([]operations.Item, error) {
	return nil, nil
}
func (f *fakeAPI) Find(ctx context.Context, finder, params string, loc []keys.LocationTag) ([]operations.Item, error) {
	return nil, nil
}
func (f *fakeAPI) FindOne(ctx context.Context, finder, params string, loc []keys.LocationTag) (*operations.Item, error) {
	return &operations.Item{Key: keys.Primary("widget", keys.StringID(finder)), Value: finder}, nil
}
func (f *fakeAPI) Create(ctx context.Context, partial any, loc []keys.LocationTag) (*operations.Item, error) {
	return &operations.Item{Key: keys.Composite("widget", keys.StringID("new"), loc), Value: partial}, nil
}
func (f *fakeAPI) Update(ctx context.Context, key keys.Key, partial any) (*operations.Item, error) {
	return &operations.Item{Key: key, Value: partial}, nil
}
func (f *fakeAPI) Remove(ctx context.Context, key keys.Key) error { return nil }
func (f *fakeAPI) Set(ctx context.Context, key keys.Key, item any) (*operations.Item, error) {
	return &operations.Item{Key: key, Value: item}, nil
}
func (f *fakeAPI) Action(ctx context.Context, key keys.Key, name string, body any) (*operations.Item, error) {
	return &operations.Item{Key: key, Value: body}, nil
}
func (f *fakeAPI) AllAction(ctx context.Context, name string, body any, loc []keys.LocationTag) ([]operations.Item, error) {
	return nil, nil
}
func (f *fakeAPI) Facet(ctx context.Context, key keys.Key, name, params string) (any, error) {
	return "facet-value", nil
}
func (f *fakeAPI) AllFacet(ctx context.Context, name, params string, loc []keys.LocationTag) (any, error) {
	return "all-facet-value", nil
}

func newTestCache(api *fakeAPI) *Cache {
	return New(Config{
		Coordinate: Coordinate{KTA: []string{"shop", "location"}, Scopes: []string{"global", "shop"}},
		CacheMap:   memory.New(1),
		API:        api,
		DefaultTTL: time.Hour,
		QueryTTL:   time.Hour,
		FacetTTL:   time.Hour,
	})
}

func TestGet_CacheMissThenHit(t *testing.T) {
	ctx := context.Background()
	api := &fakeAPI{}
	c := newTestCache(api)
	k := keys.Primary("widget", keys.StringID("1"))

	if _, err := c.Get(ctx, k, operations.Options{}); err != nil {
		t.Fatalf("Get: %v", err)
	}
	if _, err := c.Get(ctx, k, operations.Options{}); err != nil {
		t.Fatalf("Get (2nd): %v", err)
	}
	if got := atomic.LoadInt32(&api.getCalls); got != 1 {
		t.Fatalf("expected 1 origin call, got %d", got)
	}
}

func TestCoordinate_ReturnsConstructionValue(t *testing.T) {
	c := newTestCache(&fakeAPI{})
	got := c.Coordinate()
	if len(got.KTA) != 2 || got.KTA[0] != "shop" || got.Scopes[0] != "global" {
		t.Fatalf("got %+v, want the coordinate passed to New", got)
	}
}

func TestDestroy_IsIdempotent(t *testing.T) {
	c := newTestCache(&fakeAPI{})
	if err := c.Destroy(context.Background()); err != nil {
		t.Fatalf("Destroy: %v", err)
	}
	if err := c.Destroy(context.Background()); err != nil {
		t.Fatalf("second Destroy should also succeed, got: %v", err)
	}
}

func TestDestroy_OperationsNoOpAfterward(t *testing.T) {
	ctx := context.Background()
	api := &fakeAPI{}
	c := newTestCache(api)
	k := keys.Primary("widget", keys.StringID("1"))

	if err := c.Destroy(ctx); err != nil {
		t.Fatalf("Destroy: %v", err)
	}

	v, err := c.Get(ctx, k, operations.Options{})
	if err != nil {
		t.Fatalf("Get after destroy should no-op, not error: %v", err)
	}
	if v != nil {
		t.Fatalf("Get after destroy should report a miss, got %v", v)
	}
	if got := atomic.LoadInt32(&api.getCalls); got != 0 {
		t.Fatalf("Get after destroy should never reach the origin, got %d calls", got)
	}

	if err := c.Remove(ctx, k); err != nil {
		t.Fatalf("Remove after destroy should no-op, not error: %v", err)
	}
}

func TestDestroy_SubscribeThrowsFatal(t *testing.T) {
	c := newTestCache(&fakeAPI{})
	if err := c.Destroy(context.Background()); err != nil {
		t.Fatalf("Destroy: %v", err)
	}

	if _, err := c.Subscribe(events.Filter{}, func(events.Event) {}); err == nil {
		t.Fatal("expected Subscribe on a destroyed cache to return an error")
	}
}

func TestDestroy_ClearsExistingSubscriptions(t *testing.T) {
	c := newTestCache(&fakeAPI{})
	var fired int32
	if _, err := c.Subscribe(events.Filter{}, func(events.Event) { atomic.AddInt32(&fired, 1) }); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	if got := c.bus.SubscriptionCount(); got != 1 {
		t.Fatalf("expected 1 active subscription before destroy, got %d", got)
	}

	if err := c.Destroy(context.Background()); err != nil {
		t.Fatalf("Destroy: %v", err)
	}
	if got := c.bus.SubscriptionCount(); got != 0 {
		t.Fatalf("expected destroy to clear subscriptions, got %d remaining", got)
	}
}

func TestGetStats_ReflectsActivity(t *testing.T) {
	ctx := context.Background()
	api := &fakeAPI{}
	c := newTestCache(api)
	k := keys.Primary("widget", keys.StringID("1"))

	if _, err := c.Get(ctx, k, operations.Options{}); err != nil {
		t.Fatalf("Get: %v", err)
	}
	snap := c.GetStats()
	if snap.NumRequests != 1 || snap.NumMisses != 1 {
		t.Fatalf("got %+v, want 1 request and 1 miss", snap)
	}

	if _, err := c.Get(ctx, k, operations.Options{}); err != nil {
		t.Fatalf("Get (2nd): %v", err)
	}
	snap = c.GetStats()
	if snap.NumHits != 1 {
		t.Fatalf("got %+v, want 1 hit after the 2nd Get", snap)
	}

	c.Reset()
	snap = c.GetStats()
	if snap.NumRequests != 0 || snap.NumHits != 0 || snap.NumMisses != 0 {
		t.Fatalf("expected Reset to zero counters, got %+v", snap)
	}
}
