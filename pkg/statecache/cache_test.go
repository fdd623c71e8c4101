package statecache

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/capahunt/capahunt/pkg/kvstore"
)

func setupManager(t *testing.T, opts ...Option) (*Manager, kvstore.Store) {
	t.Helper()
	store, err := kvstore.NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	return New(store, "us-phoenix-1", opts...), store
}

// fixedClock pins the date so TTL tests do not cross the daily key partition.
func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func baseTime() time.Time {
	return time.Date(2026, 3, 14, 0, 0, 0, 0, time.UTC)
}

func TestShouldCreateWhenAbsent(t *testing.T) {
	m, _ := setupManager(t)
	ok, err := m.ShouldCreate(context.Background(), "a1-flex-1")
	if err != nil {
		t.Fatalf("should create: %v", err)
	}
	if !ok {
		t.Error("absent instance should be creatable")
	}
}

func TestShouldCreateDisabledCache(t *testing.T) {
	m, _ := setupManager(t, WithDisabled())
	ctx := context.Background()

	if err := m.RecordCreated(ctx, "a1-flex-1", "ocid1.instance.oc1..x", "a1-flex"); err != nil {
		t.Fatalf("record created: %v", err)
	}
	ok, err := m.ShouldCreate(ctx, "a1-flex-1")
	if err != nil {
		t.Fatalf("should create: %v", err)
	}
	if !ok {
		t.Error("disabled cache must always allow creation")
	}
}

func TestLiveEntrySuppressesCreation(t *testing.T) {
	m, _ := setupManager(t)
	ctx := context.Background()

	if err := m.RecordCreated(ctx, "a1-flex-1", "ocid1.instance.oc1..x", "a1-flex"); err != nil {
		t.Fatalf("record created: %v", err)
	}

	for _, status := range []Status{StatusCreated, StatusVerified, StatusRunning} {
		if err := m.RecordVerified(ctx, "a1-flex-1", "", status); err != nil {
			t.Fatalf("record verified %s: %v", status, err)
		}
		ok, err := m.ShouldCreate(ctx, "a1-flex-1")
		if err != nil {
			t.Fatalf("should create: %v", err)
		}
		if ok {
			t.Errorf("status %s should suppress creation", status)
		}
	}
}

func TestTerminalEntryAllowsRecreation(t *testing.T) {
	m, _ := setupManager(t)
	ctx := context.Background()

	for _, status := range []Status{StatusFailed, StatusTerminated} {
		name := "inst-" + string(status)
		if err := m.RecordCreated(ctx, name, "ocid1.instance.oc1..x", "a1-flex"); err != nil {
			t.Fatalf("record created: %v", err)
		}
		if err := m.RecordVerified(ctx, name, "", status); err != nil {
			t.Fatalf("record verified: %v", err)
		}
		ok, err := m.ShouldCreate(ctx, name)
		if err != nil {
			t.Fatalf("should create: %v", err)
		}
		if !ok {
			t.Errorf("status %s should allow recreation", status)
		}
	}
}

func TestTTLExpiry(t *testing.T) {
	now := baseTime()
	clock := now
	m, _ := setupManager(t, WithClock(func() time.Time { return clock }))
	ctx := context.Background()

	if err := m.RecordCreated(ctx, "a1-flex-1", "ocid1.instance.oc1..x", "a1-flex"); err != nil {
		t.Fatalf("record created: %v", err)
	}

	clock = now.Add(23 * time.Hour)
	ok, err := m.ShouldCreate(ctx, "a1-flex-1")
	if err != nil {
		t.Fatalf("should create at T+23h: %v", err)
	}
	if ok {
		t.Error("unexpired envelope at T+23h should suppress creation")
	}

	clock = now.Add(25 * time.Hour)
	ok, err = m.ShouldCreate(ctx, "a1-flex-1")
	if err != nil {
		t.Fatalf("should create at T+25h: %v", err)
	}
	if !ok {
		t.Error("expired envelope at T+25h should allow creation")
	}
}

func TestHighContentionHalvesTTL(t *testing.T) {
	now := baseTime()
	clock := now
	m, _ := setupManager(t, WithClock(func() time.Time { return clock }), WithHighContention())
	ctx := context.Background()

	if err := m.RecordCreated(ctx, "a1-flex-1", "ocid1.instance.oc1..x", "a1-flex"); err != nil {
		t.Fatalf("record created: %v", err)
	}

	clock = now.Add(13 * time.Hour)
	ok, err := m.ShouldCreate(ctx, "a1-flex-1")
	if err != nil {
		t.Fatalf("should create: %v", err)
	}
	if !ok {
		t.Error("12h TTL should have expired at T+13h")
	}
}

func TestSchemaMismatchReinitializes(t *testing.T) {
	now := baseTime()
	m, store := setupManager(t, WithClock(fixedClock(now)))
	ctx := context.Background()

	if err := m.RecordCreated(ctx, "a1-flex-1", "ocid1.instance.oc1..x", "a1-flex"); err != nil {
		t.Fatalf("record created: %v", err)
	}

	// Rewrite the envelope with a foreign schema version.
	env, err := m.Snapshot(ctx)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	env.SchemaVersion = SchemaVersion + 1
	if _, err := kvstore.PutJSON(ctx, store, m.Key(), env); err != nil {
		t.Fatalf("put: %v", err)
	}

	ok, err := m.ShouldCreate(ctx, "a1-flex-1")
	if err != nil {
		t.Fatalf("should create: %v", err)
	}
	if !ok {
		t.Error("version mismatch should reinitialize the envelope")
	}
}

func TestIllegalBackwardTransition(t *testing.T) {
	m, _ := setupManager(t)
	ctx := context.Background()

	if err := m.RecordCreated(ctx, "a1-flex-1", "ocid1.instance.oc1..x", "a1-flex"); err != nil {
		t.Fatalf("record created: %v", err)
	}
	if err := m.RecordVerified(ctx, "a1-flex-1", "", StatusRunning); err != nil {
		t.Fatalf("record running: %v", err)
	}
	if err := m.RecordVerified(ctx, "a1-flex-1", "", StatusCreated); err == nil {
		t.Error("running -> created should be rejected")
	}
}

func TestEnvelopeRoundTrip(t *testing.T) {
	now := baseTime()
	m, store := setupManager(t, WithClock(fixedClock(now)))
	ctx := context.Background()

	if err := m.RecordCreated(ctx, "a1-flex-1", "ocid1.instance.oc1..a", "a1-flex"); err != nil {
		t.Fatalf("record created: %v", err)
	}
	if err := m.RecordCreated(ctx, "e2-micro-1", "ocid1.instance.oc1..b", "e2-micro"); err != nil {
		t.Fatalf("record created: %v", err)
	}
	if err := m.RecordVerified(ctx, "a1-flex-1", "", StatusVerified); err != nil {
		t.Fatalf("record verified: %v", err)
	}

	// Reading through a second manager over the same store must yield
	// identical instance entries.
	other := New(store, "us-phoenix-1", WithClock(fixedClock(now)))
	env, err := other.Snapshot(ctx)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if len(env.Entries) != 2 {
		t.Fatalf("entries = %d, want 2", len(env.Entries))
	}
	a := env.Entries["a1-flex-1"]
	if a == nil || a.Status != StatusVerified || a.ProviderID != "ocid1.instance.oc1..a" {
		t.Errorf("a1-flex-1 entry corrupted in round trip: %+v", a)
	}
	b := env.Entries["e2-micro-1"]
	if b == nil || b.Status != StatusCreated || b.Profile != "e2-micro" {
		t.Errorf("e2-micro-1 entry corrupted in round trip: %+v", b)
	}
}

func TestConcurrentMutationsSerialize(t *testing.T) {
	m, _ := setupManager(t)
	ctx := context.Background()

	const writers = 8
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			name := "inst-" + string(rune('a'+n))
			if err := m.RecordCreated(ctx, name, "ocid1.instance.oc1..x", "a1-flex"); err != nil {
				t.Errorf("record created %s: %v", name, err)
			}
		}(i)
	}
	wg.Wait()

	env, err := m.Snapshot(ctx)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if len(env.Entries) != writers {
		t.Errorf("entries = %d, want %d (no write may be lost)", len(env.Entries), writers)
	}
}
