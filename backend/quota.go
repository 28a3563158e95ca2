package backend

import (
	"context"
)

// QuotaAwareStore is the minimal surface RunWithQuotaRetry needs from a
// persistent backend to run the §4.2.1 cleanup-and-retry cycle: enumerate
// item (not metadata/query) entries by timestamp, delete the oldest
// fraction, and retry the write.
type QuotaAwareStore interface {
	// OldestItemKeys returns item keys (skipping metadata/query namespaces)
	// sorted by ascending write timestamp.
	OldestItemKeys(ctx context.Context) ([]string, error)
	// DeleteItemByStorageKey removes one item entry by its backend storage key.
	DeleteItemByStorageKey(ctx context.Context, storageKey string) error
}

// IsQuotaExceeded is supplied by each backend family to classify its own
// store's "disk/quota full" signal (e.g. bbolt's ErrDatabaseNotOpen vs
// syscall ENOSPC, or Redis's OOM command not allowed).
type IsQuotaExceeded func(err error) bool

// maxQuotaAttempts bounds the retry-with-cleanup cycle at N=3 per §4.2.1.
const maxQuotaAttempts = 3

// RunWithQuotaRetry executes write until it succeeds, a non-quota error
// occurs (fails immediately), or maxQuotaAttempts is exhausted (surfaces a
// KindQuotaExceeded error). Between attempts it removes the oldest 25% of
// item entries (50% on retries after the first), per §4.2.1.
func RunWithQuotaRetry(ctx context.Context, store QuotaAwareStore, isQuota IsQuotaExceeded, write func(context.Context) error) error {
	var lastErr error
	for attempt := 0; attempt < maxQuotaAttempts; attempt++ {
		err := write(ctx)
		if err == nil {
			return nil
		}
		if !isQuota(err) {
			return Wrap(KindIOFailure, "backend write failed", err)
		}
		lastErr = err
		if attempt == maxQuotaAttempts-1 {
			break
		}

		pct := 0.25
		if attempt > 0 {
			pct = 0.50
		}
		if cleanupErr := evictOldestFraction(ctx, store, pct); cleanupErr != nil {
			return Wrap(KindQuotaExceeded, "quota exceeded and cleanup failed", cleanupErr)
		}
	}
	return Wrap(KindQuotaExceeded, "quota exceeded after retries", lastErr)
}

func evictOldestFraction(ctx context.Context, store QuotaAwareStore, pct float64) error {
	keys, err := store.OldestItemKeys(ctx)
	if err != nil {
		return err
	}
	if len(keys) == 0 {
		return nil
	}

	n := int(float64(len(keys)) * pct)
	if n < 1 {
		n = 1
	}
	if n > len(keys) {
		n = len(keys)
	}

	for _, k := range keys[:n] {
		if err := store.DeleteItemByStorageKey(ctx, k); err != nil {
			return err
		}
	}
	return nil
}
