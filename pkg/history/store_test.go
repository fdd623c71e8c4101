package history

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/capahunt/capahunt/pkg/classify"
	"github.com/capahunt/capahunt/pkg/coordinator"
	"github.com/capahunt/capahunt/pkg/provision"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(Config{Path: filepath.Join(t.TempDir(), "history.db")})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := s.Init(context.Background()); err != nil {
		t.Fatalf("Init: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func sampleAggregate(runID string, start time.Time) *coordinator.Aggregate {
	return &coordinator.Aggregate{
		RunID:      runID,
		Status:     coordinator.StatusSuccess,
		StartedAt:  start,
		FinishedAt: start.Add(3 * time.Minute),
		Results: []*provision.Result{
			{
				RunID:      runID,
				Profile:    "a1-flex",
				Outcome:    provision.OutcomeCreated,
				Zone:       "AD-2",
				ResourceID: "ocid1.instance.oc1.r.abc",
				ZonesTried: []string{"AD-1", "AD-2"},
				StartedAt:  start,
				FinishedAt: start.Add(2 * time.Minute),
			},
			{
				RunID:          runID,
				Profile:        "e2-micro",
				Outcome:        provision.OutcomeCapacity,
				Classification: classify.Capacity,
				ZonesTried:     []string{"AD-1", "AD-2", "AD-3"},
				Error:          "out of host capacity",
				StartedAt:      start,
				FinishedAt:     start.Add(3 * time.Minute),
			},
		},
	}
}

func TestRecordAndGetRun(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	start := time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)

	if err := s.RecordRun(ctx, "eu-stockholm-1", sampleAggregate("run-1", start)); err != nil {
		t.Fatalf("RecordRun: %v", err)
	}

	run, attempts, err := s.GetRun(ctx, "run-1")
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if run.Region != "eu-stockholm-1" || run.Status != "success" {
		t.Fatalf("run = %+v", run)
	}
	if len(attempts) != 2 {
		t.Fatalf("got %d attempts, want 2", len(attempts))
	}
	// Attempts come back sorted by profile.
	if attempts[0].Profile != "a1-flex" || attempts[0].Outcome != "created" {
		t.Fatalf("attempt[0] = %+v", attempts[0])
	}
	if len(attempts[0].ZonesTried) != 2 {
		t.Fatalf("ZonesTried = %v", attempts[0].ZonesTried)
	}
	if attempts[1].Classification != "capacity" {
		t.Fatalf("attempt[1] = %+v", attempts[1])
	}
}

func TestGetRunNotFound(t *testing.T) {
	s := newTestStore(t)
	if _, _, err := s.GetRun(context.Background(), "missing"); err != ErrNotFound {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestListRunsNewestFirst(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 14, 0, 0, 0, 0, time.UTC)

	for i, id := range []string{"run-old", "run-mid", "run-new"} {
		agg := sampleAggregate(id, base.Add(time.Duration(i)*time.Hour))
		if err := s.RecordRun(ctx, "eu-stockholm-1", agg); err != nil {
			t.Fatalf("RecordRun %s: %v", id, err)
		}
	}

	runs, err := s.ListRuns(ctx, 2, 0)
	if err != nil {
		t.Fatalf("ListRuns: %v", err)
	}
	if len(runs) != 2 {
		t.Fatalf("got %d runs, want 2", len(runs))
	}
	if runs[0].ID != "run-new" || runs[1].ID != "run-mid" {
		t.Fatalf("order = %s, %s", runs[0].ID, runs[1].ID)
	}
}

func TestZoneStats(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	start := time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)

	agg := &coordinator.Aggregate{
		RunID:      "run-z",
		Status:     coordinator.StatusCapacityExhausted,
		StartedAt:  start,
		FinishedAt: start.Add(time.Minute),
		Results: []*provision.Result{
			{RunID: "run-z", Profile: "p1", Outcome: provision.OutcomeCapacity,
				Classification: classify.Capacity, Zone: "AD-1",
				StartedAt: start, FinishedAt: start.Add(time.Minute)},
			{RunID: "run-z", Profile: "p2", Outcome: provision.OutcomeCreated,
				Zone: "AD-1", ResourceID: "ocid1.instance.oc1.r.z",
				StartedAt: start, FinishedAt: start.Add(time.Minute)},
			{RunID: "run-z", Profile: "p3", Outcome: provision.OutcomeCapacity,
				Classification: classify.Capacity, Zone: "AD-2",
				StartedAt: start, FinishedAt: start.Add(time.Minute)},
		},
	}
	if err := s.RecordRun(ctx, "eu-stockholm-1", agg); err != nil {
		t.Fatalf("RecordRun: %v", err)
	}

	stats, err := s.ZoneStats(ctx, start.Add(-time.Hour))
	if err != nil {
		t.Fatalf("ZoneStats: %v", err)
	}
	if len(stats) != 2 {
		t.Fatalf("stats = %+v, want 2 zones", stats)
	}
	if stats[0].Zone != "AD-1" || stats[0].Attempts != 2 || stats[0].Successes != 1 || stats[0].Failures != 1 {
		t.Fatalf("AD-1 stats = %+v", stats[0])
	}
	if stats[1].Zone != "AD-2" || stats[1].Failures != 1 {
		t.Fatalf("AD-2 stats = %+v", stats[1])
	}

	counts, err := s.FailureCounts(ctx, start.Add(-time.Hour))
	if err != nil {
		t.Fatalf("FailureCounts: %v", err)
	}
	if counts["AD-1"] != 1 || counts["AD-2"] != 1 {
		t.Fatalf("counts = %v", counts)
	}

	// A cutoff after the run sees nothing.
	empty, err := s.ZoneStats(ctx, start.Add(time.Hour))
	if err != nil {
		t.Fatalf("ZoneStats: %v", err)
	}
	if len(empty) != 0 {
		t.Fatalf("stats after cutoff = %+v, want none", empty)
	}
}

func TestRecordMetricAndPrune(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	start := time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)

	if err := s.RecordRun(ctx, "eu-stockholm-1", sampleAggregate("run-1", start)); err != nil {
		t.Fatalf("RecordRun: %v", err)
	}
	if err := s.RecordMetric(ctx, Metric{
		RunID:          "run-1",
		Profile:        "a1-flex",
		Zone:           "AD-2",
		Classification: "success",
		Duration:       90 * time.Second,
		RecordedAt:     start,
	}); err != nil {
		t.Fatalf("RecordMetric: %v", err)
	}

	n, err := s.Prune(ctx, start.Add(24*time.Hour))
	if err != nil {
		t.Fatalf("Prune: %v", err)
	}
	if n != 1 {
		t.Fatalf("pruned %d runs, want 1", n)
	}
	if _, _, err := s.GetRun(ctx, "run-1"); err != ErrNotFound {
		t.Fatalf("run survived prune: %v", err)
	}
}

func TestRecordRunDuplicateID(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	start := time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)

	if err := s.RecordRun(ctx, "eu-stockholm-1", sampleAggregate("run-1", start)); err != nil {
		t.Fatalf("RecordRun: %v", err)
	}
	if err := s.RecordRun(ctx, "eu-stockholm-1", sampleAggregate("run-1", start)); err == nil {
		t.Fatal("duplicate run id accepted")
	}
}
