package schedule

import (
	"context"
	"testing"
	"time"

	"github.com/capahunt/capahunt/pkg/kvstore"
)

func setupScheduler(t *testing.T, opts ...Option) *Scheduler {
	t.Helper()
	store, err := kvstore.NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	return New(store, opts...)
}

func at(hour, minute int) time.Time {
	return time.Date(2026, 3, 14, hour, minute, 0, 0, time.UTC)
}

func TestNeverSkipsWithoutHistory(t *testing.T) {
	s := setupScheduler(t)
	skip, err := s.ShouldSkip(context.Background())
	if err != nil {
		t.Fatalf("should skip: %v", err)
	}
	if skip {
		t.Error("empty history must never recommend skipping")
	}
}

func TestNeverSkipsBelowMinimumSamples(t *testing.T) {
	clock := at(3, 0)
	s := setupScheduler(t, WithClock(func() time.Time { return clock }))
	ctx := context.Background()

	// Four capacity failures in the 03:00 bucket: below the minimum of 5.
	for i := 0; i < 4; i++ {
		clock = at(3, i*10)
		if err := s.RecordContext(ctx, "cron-15m", OutcomeCapacityFailure); err != nil {
			t.Fatalf("record: %v", err)
		}
	}
	clock = at(3, 55)
	skip, err := s.ShouldSkip(ctx)
	if err != nil {
		t.Fatalf("should skip: %v", err)
	}
	if skip {
		t.Error("4 samples below minimum must not skip")
	}
}

func TestSkipsAfterUnbrokenCapacityRun(t *testing.T) {
	clock := at(3, 0)
	s := setupScheduler(t, WithClock(func() time.Time { return clock }))
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		clock = at(3, i*10)
		if err := s.RecordContext(ctx, "cron-15m", OutcomeCapacityFailure); err != nil {
			t.Fatalf("record: %v", err)
		}
	}
	clock = at(3, 55)
	skip, err := s.ShouldSkip(ctx)
	if err != nil {
		t.Fatalf("should skip: %v", err)
	}
	if !skip {
		t.Error("5 consecutive same-bucket capacity failures should recommend skipping")
	}
}

func TestInterveningSuccessPreventsSkip(t *testing.T) {
	clock := at(3, 0)
	s := setupScheduler(t, WithClock(func() time.Time { return clock }))
	ctx := context.Background()

	outcomes := []Outcome{
		OutcomeCapacityFailure,
		OutcomeCapacityFailure,
		OutcomeSuccess,
		OutcomeCapacityFailure,
		OutcomeCapacityFailure,
	}
	for i, o := range outcomes {
		clock = at(3, i*10)
		if err := s.RecordContext(ctx, "cron-15m", o); err != nil {
			t.Fatalf("record: %v", err)
		}
	}
	clock = at(3, 55)
	skip, err := s.ShouldSkip(ctx)
	if err != nil {
		t.Fatalf("should skip: %v", err)
	}
	if skip {
		t.Error("an intervening success must prevent skipping")
	}
}

func TestOtherHourBucketsDoNotCount(t *testing.T) {
	clock := at(3, 0)
	s := setupScheduler(t, WithClock(func() time.Time { return clock }))
	ctx := context.Background()

	// Five capacity failures, but in the 07:00 bucket.
	for i := 0; i < 5; i++ {
		clock = at(7, i*10)
		if err := s.RecordContext(ctx, "cron-15m", OutcomeCapacityFailure); err != nil {
			t.Fatalf("record: %v", err)
		}
	}

	// Consultation happens at 03:xx; the 07:00 run is irrelevant.
	clock = at(3, 30)
	skip, err := s.ShouldSkip(ctx)
	if err != nil {
		t.Fatalf("should skip: %v", err)
	}
	if skip {
		t.Error("records from other hour buckets must not trigger a skip")
	}
}

func TestHistoryCapped(t *testing.T) {
	clock := at(3, 0)
	s := setupScheduler(t, WithClock(func() time.Time { return clock }), WithMaxRecords(10))
	ctx := context.Background()

	for i := 0; i < 25; i++ {
		if err := s.RecordContext(ctx, "cron-15m", OutcomeAttempt); err != nil {
			t.Fatalf("record: %v", err)
		}
	}

	records, err := s.History(ctx)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(records) != 10 {
		t.Errorf("history length = %d, want 10", len(records))
	}
}

func TestOnlyRecentWindowConsidered(t *testing.T) {
	clock := at(3, 0)
	s := setupScheduler(t, WithClock(func() time.Time { return clock }))
	ctx := context.Background()

	// An old success followed by a long unbroken capacity run: the recent
	// window is all capacity failures, so the skip fires.
	outcomes := []Outcome{OutcomeSuccess}
	for i := 0; i < 6; i++ {
		outcomes = append(outcomes, OutcomeCapacityFailure)
	}
	for i, o := range outcomes {
		clock = at(3, i*5)
		if err := s.RecordContext(ctx, "cron-15m", o); err != nil {
			t.Fatalf("record: %v", err)
		}
	}
	clock = at(3, 59)
	skip, err := s.ShouldSkip(ctx)
	if err != nil {
		t.Fatalf("should skip: %v", err)
	}
	if !skip {
		t.Error("old success outside the recent window should not prevent skipping")
	}
}
