package admission

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestMemoryStoreConcurrentChecksNeverOvershoot(t *testing.T) {
	limiter, err := NewLimiter(NewMemoryStore(), Policy{
		Name:        "general",
		Window:      time.Minute,
		MaxRequests: 5,
	})
	if err != nil {
		t.Fatalf("Failed to build limiter: %v", err)
	}

	const attempts = 20
	var wg sync.WaitGroup
	results := make(chan bool, attempts)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := limiter.CheckLimit(context.Background(), "10.0.0.1")
			if err != nil {
				t.Errorf("concurrent check failed: %v", err)
				return
			}
			results <- res.Allowed
		}()
	}
	wg.Wait()
	close(results)

	allowed := 0
	for ok := range results {
		if ok {
			allowed++
		}
	}
	if allowed != 5 {
		t.Errorf("expected exactly 5 admitted attempts, got %d", allowed)
	}
}

func TestMemoryStoreInsertUnique(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	inserted, err := store.InsertUnique(ctx, "vote:c1:user:u1", 0)
	if err != nil {
		t.Fatalf("insert failed: %v", err)
	}
	if !inserted {
		t.Fatal("first insert should win the key")
	}

	inserted, err = store.InsertUnique(ctx, "vote:c1:user:u1", 0)
	if err != nil {
		t.Fatalf("insert failed: %v", err)
	}
	if inserted {
		t.Error("second insert of the same key should lose")
	}

	// A different key is unaffected.
	if inserted, _ := store.InsertUnique(ctx, "vote:c2:user:u1", 0); !inserted {
		t.Error("insert under a different key should win")
	}
}

func TestMemoryStoreInsertUniqueConcurrent(t *testing.T) {
	store := NewMemoryStore()

	const attempts = 50
	var wg sync.WaitGroup
	wins := make(chan bool, attempts)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := store.InsertUnique(context.Background(), "vote:c1:device:abc", 0)
			if err != nil {
				t.Errorf("concurrent insert failed: %v", err)
				return
			}
			wins <- ok
		}()
	}
	wg.Wait()
	close(wins)

	won := 0
	for ok := range wins {
		if ok {
			won++
		}
	}
	if won != 1 {
		t.Errorf("expected exactly one winner, got %d", won)
	}
}

func TestMemoryStoreInsertUniqueExpires(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	current := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	store.clock = func() time.Time { return current }

	if ok, _ := store.InsertUnique(ctx, "k", time.Minute); !ok {
		t.Fatal("first insert should win")
	}
	if ok, _ := store.InsertUnique(ctx, "k", time.Minute); ok {
		t.Fatal("insert before expiry should lose")
	}

	current = current.Add(2 * time.Minute)
	if ok, _ := store.InsertUnique(ctx, "k", 0); !ok {
		t.Error("insert after expiry should win again")
	}
}

func TestMemoryStoreAdmitRecordsOnlyUnderLimit(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	windowStart := base.Add(-time.Minute)

	if count, _ := store.AdmitIntoWindow(ctx, "k", base, windowStart, 1); count != 0 {
		t.Fatalf("expected empty window before first admit, got %d", count)
	}
	// The window is full: this attempt must be counted but not recorded.
	if count, _ := store.AdmitIntoWindow(ctx, "k", base.Add(time.Second), windowStart, 1); count != 1 {
		t.Fatalf("expected pre-insert count 1, got %d", count)
	}
	oldest, ok, _ := store.OldestInWindow(ctx, "k", windowStart)
	if !ok || !oldest.Equal(base) {
		t.Errorf("expected only the admitted timestamp in the window, got %v (present=%v)", oldest, ok)
	}
}

func TestMemoryStoreWindowExpiryDropsKey(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	if _, err := store.AdmitIntoWindow(ctx, "k", base, base.Add(-time.Minute), 10); err != nil {
		t.Fatalf("admit failed: %v", err)
	}
	// Pruning removes timestamps that fell out of the window even without an
	// expiry hint.
	count, err := store.AdmitIntoWindow(ctx, "k", base.Add(2*time.Minute), base.Add(time.Minute), 10)
	if err != nil {
		t.Fatalf("admit failed: %v", err)
	}
	if count != 0 {
		t.Errorf("expected the aged-out timestamp to be pruned, got count %d", count)
	}
}

func TestMemoryStoreExpiryHonorsInjectedClock(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	current := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	store.clock = func() time.Time { return current }

	// A ten-minute window keeps the timestamp in range, so only the expiry
	// hint can drop it.
	if _, err := store.AdmitIntoWindow(ctx, "k", current, current.Add(-10*time.Minute), 10); err != nil {
		t.Fatalf("admit failed: %v", err)
	}
	if err := store.SetExpiry(ctx, "k", time.Minute); err != nil {
		t.Fatalf("set expiry failed: %v", err)
	}

	current = current.Add(2 * time.Minute)
	count, err := store.AdmitIntoWindow(ctx, "k", current, current.Add(-10*time.Minute), 10)
	if err != nil {
		t.Fatalf("admit failed: %v", err)
	}
	if count != 0 {
		t.Errorf("expected the expired window to be dropped, got count %d", count)
	}
}
