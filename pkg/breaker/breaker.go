// Package breaker implements the per-zone circuit breaker. A zone with a run
// of consecutive failures is skipped until a success is recorded or a
// cool-down elapses; there is no half-open probing, the breaker fully resets
// on expiry.
package breaker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/capahunt/capahunt/pkg/kvstore"
)

const (
	// DefaultThreshold is the consecutive-failure count that opens a zone.
	DefaultThreshold = 3

	// DefaultCooldown is how long an open zone stays suppressed before the
	// stale record is cleared on the next consultation.
	DefaultCooldown = 24 * time.Hour

	// DefaultMaxRecords caps the persisted record list to bound storage.
	DefaultMaxRecords = 16

	// storeKey is the kvstore document holding all zone records.
	storeKey = "breaker/zones"
)

// ZoneRecord is the persisted failure state for one zone.
type ZoneRecord struct {
	Zone        string    `json:"zone"`
	Failures    int       `json:"failures"`
	LastFailure time.Time `json:"last_failure"`
}

// State describes a zone's breaker position for status reporting.
type State string

const (
	StateClosed State = "closed"
	StateOpen   State = "open"
)

// Breaker tracks per-zone failure runs in the shared record store.
type Breaker struct {
	store     kvstore.Store
	threshold int
	cooldown  time.Duration
	maxKept   int

	// now is injectable for cool-down tests.
	now func() time.Time
}

// Option configures a Breaker.
type Option func(*Breaker)

// WithThreshold overrides the consecutive-failure threshold.
func WithThreshold(n int) Option {
	return func(b *Breaker) {
		if n > 0 {
			b.threshold = n
		}
	}
}

// WithCooldown overrides the reset window.
func WithCooldown(d time.Duration) Option {
	return func(b *Breaker) {
		if d > 0 {
			b.cooldown = d
		}
	}
}

// WithMaxRecords overrides the persisted record cap.
func WithMaxRecords(n int) Option {
	return func(b *Breaker) {
		if n > 0 {
			b.maxKept = n
		}
	}
}

// WithClock injects a clock for tests.
func WithClock(now func() time.Time) Option {
	return func(b *Breaker) {
		b.now = now
	}
}

// New returns a Breaker over the given store.
func New(store kvstore.Store, opts ...Option) *Breaker {
	b := &Breaker{
		store:     store,
		threshold: DefaultThreshold,
		cooldown:  DefaultCooldown,
		maxKept:   DefaultMaxRecords,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func (b *Breaker) load(ctx context.Context) (map[string]*ZoneRecord, int64, error) {
	var records []*ZoneRecord
	rev, err := kvstore.GetJSON(ctx, b.store, storeKey, &records)
	if err != nil {
		if errors.Is(err, kvstore.ErrNotFound) {
			return map[string]*ZoneRecord{}, 0, nil
		}
		return nil, 0, err
	}
	byZone := make(map[string]*ZoneRecord, len(records))
	for _, rec := range records {
		byZone[rec.Zone] = rec
	}
	return byZone, rev, nil
}

func (b *Breaker) save(ctx context.Context, byZone map[string]*ZoneRecord, rev int64) error {
	records := make([]*ZoneRecord, 0, len(byZone))
	for _, rec := range byZone {
		records = append(records, rec)
	}
	// Most recently failed first; the cap drops the oldest records.
	sort.Slice(records, func(i, j int) bool {
		return records[i].LastFailure.After(records[j].LastFailure)
	})
	if len(records) > b.maxKept {
		records = records[:b.maxKept]
	}
	data, err := json.Marshal(records)
	if err != nil {
		return err
	}
	if _, err := b.store.CompareAndSwap(ctx, storeKey, rev, data); err != nil {
		if errors.Is(err, kvstore.ErrRevisionMismatch) {
			// Another invocation raced us; a plain put keeps the newest
			// observation rather than failing the attempt cycle.
			_, err = b.store.Put(ctx, storeKey, data)
		}
		if err != nil {
			return fmt.Errorf("breaker: persist records: %w", err)
		}
	}
	return nil
}

// ShouldSkip reports whether zone is currently open. Consulting a record whose
// cool-down has elapsed clears it as a side effect and reports closed.
func (b *Breaker) ShouldSkip(ctx context.Context, zone string) (bool, error) {
	byZone, rev, err := b.load(ctx)
	if err != nil {
		return false, err
	}
	rec, ok := byZone[zone]
	if !ok {
		return false, nil
	}
	if b.now().Sub(rec.LastFailure) >= b.cooldown {
		delete(byZone, zone)
		if err := b.save(ctx, byZone, rev); err != nil {
			return false, err
		}
		return false, nil
	}
	return rec.Failures >= b.threshold, nil
}

// RecordFailure increments the zone's consecutive-failure count.
func (b *Breaker) RecordFailure(ctx context.Context, zone string) error {
	byZone, rev, err := b.load(ctx)
	if err != nil {
		return err
	}
	rec, ok := byZone[zone]
	if !ok || b.now().Sub(rec.LastFailure) >= b.cooldown {
		rec = &ZoneRecord{Zone: zone}
		byZone[zone] = rec
	}
	rec.Failures++
	rec.LastFailure = b.now().UTC()
	return b.save(ctx, byZone, rev)
}

// RecordSuccess clears the zone's record regardless of cool-down timing.
func (b *Breaker) RecordSuccess(ctx context.Context, zone string) error {
	byZone, rev, err := b.load(ctx)
	if err != nil {
		return err
	}
	if _, ok := byZone[zone]; !ok {
		return nil
	}
	delete(byZone, zone)
	return b.save(ctx, byZone, rev)
}

// AvailableZones filters candidates through ShouldSkip, preserving order. An
// empty result means "no eligible zones this cycle", not a failure.
func (b *Breaker) AvailableZones(ctx context.Context, candidates []string) ([]string, error) {
	available := make([]string, 0, len(candidates))
	for _, zone := range candidates {
		skip, err := b.ShouldSkip(ctx, zone)
		if err != nil {
			return nil, err
		}
		if !skip {
			available = append(available, zone)
		}
	}
	return available, nil
}

// Records returns a snapshot of all persisted zone records with their states,
// for status reporting.
func (b *Breaker) Records(ctx context.Context) (map[string]ZoneRecord, map[string]State, error) {
	byZone, _, err := b.load(ctx)
	if err != nil {
		return nil, nil, err
	}
	records := make(map[string]ZoneRecord, len(byZone))
	states := make(map[string]State, len(byZone))
	for zone, rec := range byZone {
		records[zone] = *rec
		state := StateClosed
		if rec.Failures >= b.threshold && b.now().Sub(rec.LastFailure) < b.cooldown {
			state = StateOpen
		}
		states[zone] = state
	}
	return records, states, nil
}
