package boltbackend

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/layerkv/cache/backend"
	"github.com/layerkv/cache/eviction"
	"github.com/layerkv/cache/keys"
)

func openTestBackend(t *testing.T, opts ...Option) *Backend {
	t.Helper()
	path := filepath.Join(t.TempDir(), "cache.db")
	b, err := Open(path, opts...)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func TestSetGetDelete_RoundTrips(t *testing.T) {
	b := openTestBackend(t)
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

	if err := b.Delete(ctx, k); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if entry, _ := b.Get(ctx, k); entry != nil {
		t.Error("expected deleted key to miss")
	}
}

func TestReopen_PersistsAcrossHandles(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache.db")
	ctx := context.Background()
	k := keys.Primary("widget", keys.StringID("1"))

	b1, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := b1.Set(ctx, k, backend.ItemEntry{OriginalKey: k, Value: "persisted"}); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := b1.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	b2, err := Open(path)
	if err != nil {
		t.Fatalf("re-Open: %v", err)
	}
	defer b2.Close()

	entry, err := b2.Get(ctx, k)
	if err != nil {
		t.Fatalf("Get after reopen: %v", err)
	}
	if entry == nil || entry.Value != "persisted" {
		t.Fatalf("got %+v, want persisted value to survive reopen", entry)
	}
}

func TestQueryResult_RoundTripsAndInvalidates(t *testing.T) {
	b := openTestBackend(t)
	ctx := context.Background()
	k := keys.Primary("widget", keys.StringID("1"))

	if err := b.Set(ctx, k, backend.ItemEntry{OriginalKey: k, Value: "v1"}); err != nil {
		t.Fatalf("Set: %v", err)
	}
	meta := &backend.QueryMetadata{QueryType: "all", IsComplete: true}
	if err := b.SetQueryResult(ctx, "fp1", []keys.Key{k}, meta); err != nil {
		t.Fatalf("SetQueryResult: %v", err)
	}

	got, err := b.GetQueryResult(ctx, "fp1")
	if err != nil {
		t.Fatalf("GetQueryResult: %v", err)
	}
	if len(got) != 1 || got[0].Normalize() != k.Normalize() {
		t.Fatalf("got %v, want [%v]", got, k)
	}

	if err := b.InvalidateItemKeys(ctx, []keys.Key{k}); err != nil {
		t.Fatalf("InvalidateItemKeys: %v", err)
	}
	if has, _ := b.HasQueryResult(ctx, "fp1"); has {
		t.Error("expected referencing query result to be invalidated")
	}
	if entry, _ := b.Get(ctx, k); entry != nil {
		t.Error("expected item to be deleted")
	}
}

func TestMetadata_RoundTrips(t *testing.T) {
	b := openTestBackend(t)
	ctx := context.Background()
	now := time.Now()
	md := backend.ItemMetadata{
		Key:            keys.Primary("widget", keys.StringID("1")),
		AddedAt:        now,
		LastAccessedAt: now,
		AccessCount:    3,
		EstimatedSize:  42,
	}
	if err := b.SetMetadata(ctx, "hash1", md); err != nil {
		t.Fatalf("SetMetadata: %v", err)
	}
	got, err := b.GetMetadata(ctx, "hash1")
	if err != nil {
		t.Fatalf("GetMetadata: %v", err)
	}
	if got == nil || got.AccessCount != 3 || got.EstimatedSize != 42 {
		t.Fatalf("got %+v, want AccessCount=3 EstimatedSize=42", got)
	}

	all, err := b.GetAllMetadata(ctx)
	if err != nil {
		t.Fatalf("GetAllMetadata: %v", err)
	}
	if len(all) != 1 {
		t.Fatalf("got %d metadata entries, want 1", len(all))
	}

	if err := b.ClearMetadata(ctx); err != nil {
		t.Fatalf("ClearMetadata: %v", err)
	}
	if got, _ := b.GetMetadata(ctx, "hash1"); got != nil {
		t.Error("expected metadata to be cleared")
	}
}

func TestEnforceLimits_EvictsDownToMaxItems(t *testing.T) {
	strategy, err := eviction.New(eviction.Config{Name: "lru"})
	if err != nil {
		t.Fatalf("eviction.New: %v", err)
	}
	maxItems := 2
	b := openTestBackend(t, WithEviction(strategy, backend.SizeLimits{MaxItems: &maxItems}))
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
}

func TestClone_SharesUnderlyingDatabase(t *testing.T) {
	b := openTestBackend(t)
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
		t.Fatalf("expected clone to observe write through original handle, got %+v", entry)
	}
}

func TestIsQuotaExceeded_ClassifiesDiskFullMessage(t *testing.T) {
	if isQuotaExceeded(nil) {
		t.Error("nil should never classify as quota exceeded")
	}
	if !isQuotaExceeded(&mockDiskFullError{}) {
		t.Error("expected a \"no space left on device\" message to classify as quota exceeded")
	}
}

type mockDiskFullError struct{}

func (e *mockDiskFullError) Error() string { return "write /data/cache.db: no space left on device" }
