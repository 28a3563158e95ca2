package memory

import (
	"context"
	"testing"
	"time"

	"github.com/layerkv/cache/backend"
	"github.com/layerkv/cache/eviction"
	"github.com/layerkv/cache/keys"
)

func TestSetGetDelete_RoundTrips(t *testing.T) {
	b := New(4)
	ctx := context.Background()
	k := keys.Primary("widget", keys.StringID("1"))

	if err := b.Set(ctx, k, backend.ItemEntry{OriginalKey: k, Value: "v1", Timestamp: time.Now()}); err != nil {
		t.Fatalf("Set: %v", err)
	}

	entry, err := b.Get(ctx, k)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if entry == nil || entry.Value != "v1" {
		t.Fatalf("got %+v, want value v1", entry)
	}

	has, err := b.Has(ctx, k)
	if err != nil || !has {
		t.Fatalf("Has: %v, %v", has, err)
	}

	if err := b.Delete(ctx, k); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if entry, _ := b.Get(ctx, k); entry != nil {
		t.Error("expected deleted key to miss")
	}
}

func TestGet_HashCollisionGuard(t *testing.T) {
	b := New(4)
	ctx := context.Background()
	k := keys.Primary("widget", keys.StringID("1"))
	hash := keys.Hash(k.Normalize())
	s := b.shardFor(hash)

	// Plant an entry directly under this hash whose OriginalKey does not
	// actually hash to it, simulating a collision.
	other := keys.Primary("widget", keys.StringID("not-the-same-key"))
	s.mu.Lock()
	s.data[hash] = backend.ItemEntry{OriginalKey: other, Value: "bogus"}
	s.mu.Unlock()

	got, err := b.Get(ctx, k)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got != nil {
		t.Error("expected collision guard to reject mismatched OriginalKey")
	}
}

func TestClone_SharesUnderlyingStore(t *testing.T) {
	b := New(4)
	ctx := context.Background()
	k := keys.Primary("widget", keys.StringID("1"))

	clone := b.Clone()
	if err := b.Set(ctx, k, backend.ItemEntry{OriginalKey: k, Value: "v1"}); err != nil {
		t.Fatalf("Set: %v", err)
	}

	entry, err := clone.Get(ctx, k)
	if err != nil {
		t.Fatalf("Get via clone: %v", err)
	}
	if entry == nil || entry.Value != "v1" {
		t.Fatalf("expected clone to observe write made via original, got %+v", entry)
	}

	// And the reverse: a write through the clone is visible via the
	// original, including the query-results namespace.
	if err := clone.SetQueryResult(ctx, "fp1", []keys.Key{k}, nil); err != nil {
		t.Fatalf("SetQueryResult via clone: %v", err)
	}
	got, err := b.GetQueryResult(ctx, "fp1")
	if err != nil {
		t.Fatalf("GetQueryResult: %v", err)
	}
	if len(got) != 1 || got[0].Normalize() != k.Normalize() {
		t.Errorf("got %v, want [%v]", got, k)
	}
}

func TestQueryResult_RoundTripsAndDeletes(t *testing.T) {
	b := New(4)
	ctx := context.Background()
	k := keys.Primary("widget", keys.StringID("1"))
	meta := &backend.QueryMetadata{QueryType: "all", IsComplete: true}

	if err := b.SetQueryResult(ctx, "fp1", []keys.Key{k}, meta); err != nil {
		t.Fatalf("SetQueryResult: %v", err)
	}
	has, err := b.HasQueryResult(ctx, "fp1")
	if err != nil || !has {
		t.Fatalf("HasQueryResult: %v, %v", has, err)
	}
	entry, err := b.GetQueryResultWithMetadata(ctx, "fp1")
	if err != nil || entry == nil || entry.Metadata == nil || entry.Metadata.QueryType != "all" {
		t.Fatalf("GetQueryResultWithMetadata: %+v, %v", entry, err)
	}

	if err := b.DeleteQueryResult(ctx, "fp1"); err != nil {
		t.Fatalf("DeleteQueryResult: %v", err)
	}
	if has, _ := b.HasQueryResult(ctx, "fp1"); has {
		t.Error("expected query result to be gone after delete")
	}
}

func TestInvalidateItemKeys_RemovesReferencingQueries(t *testing.T) {
	b := New(4)
	ctx := context.Background()
	k := keys.Primary("widget", keys.StringID("1"))

	if err := b.Set(ctx, k, backend.ItemEntry{OriginalKey: k, Value: "v1"}); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := b.SetQueryResult(ctx, "fp1", []keys.Key{k}, nil); err != nil {
		t.Fatalf("SetQueryResult: %v", err)
	}

	if err := b.InvalidateItemKeys(ctx, []keys.Key{k}); err != nil {
		t.Fatalf("InvalidateItemKeys: %v", err)
	}

	if entry, _ := b.Get(ctx, k); entry != nil {
		t.Error("expected item to be deleted")
	}
	if has, _ := b.HasQueryResult(ctx, "fp1"); has {
		t.Error("expected referencing query result to be invalidated")
	}
}

func TestInvalidateLocation_RemovesItemsAndReferencingQueries(t *testing.T) {
	b := New(4)
	ctx := context.Background()
	loc := []keys.LocationTag{{KT: "account", LK: keys.StringID("42")}}
	k := keys.Composite("widget", keys.StringID("1"), loc)

	if err := b.Set(ctx, k, backend.ItemEntry{OriginalKey: k}); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := b.SetQueryResult(ctx, "fp1", []keys.Key{k}, nil); err != nil {
		t.Fatalf("SetQueryResult: %v", err)
	}

	if err := b.InvalidateLocation(ctx, loc); err != nil {
		t.Fatalf("InvalidateLocation: %v", err)
	}

	if entry, _ := b.Get(ctx, k); entry != nil {
		t.Error("expected item at invalidated location to be deleted")
	}
	if has, _ := b.HasQueryResult(ctx, "fp1"); has {
		t.Error("expected referencing query result to be invalidated")
	}
}

func TestEnforceLimits_EvictsDownToMaxItems(t *testing.T) {
	strategy, err := eviction.New(eviction.Config{Name: "lru"})
	if err != nil {
		t.Fatalf("eviction.New: %v", err)
	}
	maxItems := 2
	b := New(1, WithEviction(strategy, backend.SizeLimits{MaxItems: &maxItems}))
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		k := keys.Primary("widget", keys.StringID(string(rune('a'+i))))
		if err := b.Set(ctx, k, backend.ItemEntry{OriginalKey: k, Value: i, Timestamp: time.Now()}); err != nil {
			t.Fatalf("Set %d: %v", i, err)
		}
	}

	size, err := b.GetCurrentSize(ctx)
	if err != nil {
		t.Fatalf("GetCurrentSize: %v", err)
	}
	if size.ItemCount > maxItems {
		t.Errorf("ItemCount = %d, want <= %d", size.ItemCount, maxItems)
	}
	if size.ItemCount == 0 {
		t.Error("expected eviction to stop before removing every item")
	}
}

func TestEnforceLimits_NoStrategyLeavesUnbounded(t *testing.T) {
	b := New(1)
	ctx := context.Background()
	for i := 0; i < 10; i++ {
		k := keys.Primary("widget", keys.StringID(string(rune('a'+i))))
		if err := b.Set(ctx, k, backend.ItemEntry{OriginalKey: k, Value: i}); err != nil {
			t.Fatalf("Set %d: %v", i, err)
		}
	}
	size, err := b.GetCurrentSize(ctx)
	if err != nil {
		t.Fatalf("GetCurrentSize: %v", err)
	}
	if size.ItemCount != 10 {
		t.Errorf("ItemCount = %d, want 10 (no eviction configured)", size.ItemCount)
	}
}

func TestCapabilities_ReportsEvictionSupport(t *testing.T) {
	b := New(1)
	if b.Capabilities().SupportsEviction {
		t.Error("expected no eviction support without a configured strategy")
	}

	strategy, err := eviction.New(eviction.Config{Name: "lru"})
	if err != nil {
		t.Fatalf("eviction.New: %v", err)
	}
	maxItems := 10
	b2 := New(1, WithEviction(strategy, backend.SizeLimits{MaxItems: &maxItems}))
	if !b2.Capabilities().SupportsEviction {
		t.Error("expected eviction support once a strategy is configured")
	}
}
