// Package schedule implements the adaptive invocation scheduler. It records
// each run's timing context and outcome, and recommends skipping an entire
// invocation when the recent history for the same hour-of-day bucket is an
// unbroken run of capacity failures. This is a whole-invocation decision,
// distinct from the per-zone circuit breaker.
package schedule

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/capahunt/capahunt/pkg/kvstore"
)

// Outcome is the recorded result type for one invocation.
type Outcome string

const (
	// OutcomeAttempt marks an invocation that ran without a definitive
	// success or capacity signal.
	OutcomeAttempt Outcome = "attempt"

	// OutcomeSuccess marks a real instance creation.
	OutcomeSuccess Outcome = "success"

	// OutcomeCapacityFailure marks an invocation where every profile hit
	// capacity-family exhaustion.
	OutcomeCapacityFailure Outcome = "capacity_failure"
)

const (
	// DefaultWindow is how many recent same-bucket records must all be
	// capacity failures before a skip is recommended.
	DefaultWindow = 5

	// DefaultMinSamples is the minimum same-bucket history before the
	// scheduler will ever recommend skipping.
	DefaultMinSamples = 5

	// DefaultMaxRecords caps the append-only history to respect the size
	// ceiling of the backing store.
	DefaultMaxRecords = 50

	// storeKey is the kvstore document holding the history.
	storeKey = "scheduler/history"
)

// Record is one append-only history entry.
type Record struct {
	// Window is the free-form schedule-window label (e.g. "cron-15m").
	Window string `json:"window"`

	// Timestamp is the invocation time, ISO-8601 in UTC.
	Timestamp time.Time `json:"timestamp"`

	// Outcome is the invocation result type.
	Outcome Outcome `json:"outcome"`
}

// Scheduler decides whether an invocation is worth attempting.
type Scheduler struct {
	store      kvstore.Store
	window     int
	minSamples int
	maxKept    int
	now        func() time.Time
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithWindow overrides the consecutive-capacity-failure window.
func WithWindow(n int) Option {
	return func(s *Scheduler) {
		if n > 0 {
			s.window = n
		}
	}
}

// WithMinSamples overrides the minimum sample size.
func WithMinSamples(n int) Option {
	return func(s *Scheduler) {
		if n > 0 {
			s.minSamples = n
		}
	}
}

// WithMaxRecords overrides the history cap.
func WithMaxRecords(n int) Option {
	return func(s *Scheduler) {
		if n > 0 {
			s.maxKept = n
		}
	}
}

// WithClock injects a clock for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) {
		s.now = now
	}
}

// New returns a Scheduler over the given store.
func New(store kvstore.Store, opts ...Option) *Scheduler {
	s := &Scheduler{
		store:      store,
		window:     DefaultWindow,
		minSamples: DefaultMinSamples,
		maxKept:    DefaultMaxRecords,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Scheduler) load(ctx context.Context) ([]Record, int64, error) {
	var records []Record
	rev, err := kvstore.GetJSON(ctx, s.store, storeKey, &records)
	if err != nil {
		if errors.Is(err, kvstore.ErrNotFound) {
			return nil, 0, nil
		}
		return nil, 0, err
	}
	return records, rev, nil
}

// RecordContext appends one invocation record, truncating to the most recent
// cap.
func (s *Scheduler) RecordContext(ctx context.Context, window string, outcome Outcome) error {
	records, rev, err := s.load(ctx)
	if err != nil {
		return err
	}
	records = append(records, Record{
		Window:    window,
		Timestamp: s.now().UTC(),
		Outcome:   outcome,
	})
	if len(records) > s.maxKept {
		records = records[len(records)-s.maxKept:]
	}
	data, err := json.Marshal(records)
	if err != nil {
		return err
	}
	if _, err := s.store.CompareAndSwap(ctx, storeKey, rev, data); err != nil {
		if errors.Is(err, kvstore.ErrRevisionMismatch) {
			// History is advisory; last-writer-wins is acceptable here.
			_, err = s.store.Put(ctx, storeKey, data)
		}
		return err
	}
	return nil
}

// ShouldSkip recommends skipping the current invocation when the most recent
// window of records in the same hour-of-day bucket are all capacity failures
// with no intervening success. With fewer same-bucket samples than the
// minimum, it never recommends skipping.
func (s *Scheduler) ShouldSkip(ctx context.Context) (bool, error) {
	records, _, err := s.load(ctx)
	if err != nil {
		return false, err
	}

	hour := s.now().UTC().Hour()
	var bucket []Record
	for _, rec := range records {
		if rec.Timestamp.UTC().Hour() == hour {
			bucket = append(bucket, rec)
		}
	}
	if len(bucket) < s.minSamples {
		return false, nil
	}

	recent := bucket
	if len(recent) > s.window {
		recent = recent[len(recent)-s.window:]
	}
	for _, rec := range recent {
		if rec.Outcome != OutcomeCapacityFailure {
			return false, nil
		}
	}
	return true, nil
}

// History returns a snapshot of the recorded history for status reporting.
func (s *Scheduler) History(ctx context.Context) ([]Record, error) {
	records, _, err := s.load(ctx)
	return records, err
}
