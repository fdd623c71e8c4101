// Package statecache tracks which instances have already been created or
// verified so repeated scheduler invocations do not issue redundant
// provisioning calls. Entries live in a per-region, per-day envelope with TTL
// expiry; all mutations are lock-protected read-modify-write cycles against
// the shared store.
package statecache

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"time"

	"github.com/capahunt/capahunt/pkg/kvstore"
)

// SchemaVersion is the envelope schema this orchestrator understands. An
// envelope carrying any other version is treated as invalid and reinitialized.
const SchemaVersion = 3

// DefaultTTL is the envelope lifetime; halved for high-contention regions.
const DefaultTTL = 24 * time.Hour

// Status is an instance lifecycle state.
type Status string

const (
	StatusCreated    Status = "created"
	StatusVerified   Status = "verified"
	StatusRunning    Status = "running"
	StatusFailed     Status = "failed"
	StatusTerminated Status = "terminated"
)

// live reports whether the status blocks re-creation.
func (s Status) live() bool {
	switch s {
	case StatusCreated, StatusVerified, StatusRunning:
		return true
	}
	return false
}

// forwardOf reports whether next is a legal forward transition from s.
// created→verified→running progress forward; failed/terminated are terminal
// (but re-creatable) from any state.
func (s Status) forwardOf(next Status) bool {
	if next == StatusFailed || next == StatusTerminated {
		return true
	}
	order := map[Status]int{StatusCreated: 0, StatusVerified: 1, StatusRunning: 2}
	cur, okCur := order[s]
	nxt, okNext := order[next]
	return okCur && okNext && nxt >= cur
}

// Entry is the recorded state for one instance.
type Entry struct {
	Name           string    `json:"name"`
	ProviderID     string    `json:"provider_id"`
	Status         Status    `json:"status"`
	CreatedAt      time.Time `json:"created_at"`
	LastVerifiedAt time.Time `json:"last_verified_at,omitempty"`
	Profile        string    `json:"profile,omitempty"`
	Region         string    `json:"region,omitempty"`
}

// Envelope is the persisted per-region/day document keyed by instance name.
type Envelope struct {
	SchemaVersion int               `json:"schema_version"`
	Region        string            `json:"region"`
	CreatedAt     time.Time         `json:"created_at"`
	UpdatedAt     time.Time         `json:"updated_at"`
	Entries       map[string]*Entry `json:"entries"`
}

// Manager owns the cache envelope for one region.
type Manager struct {
	store  kvstore.Store
	region string

	// Disabled turns every ShouldCreate into true without touching the store.
	Disabled bool

	ttl time.Duration
	now func() time.Time
}

// Option configures a Manager.
type Option func(*Manager)

// WithTTL overrides the envelope TTL.
func WithTTL(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.ttl = d
		}
	}
}

// WithHighContention halves the TTL for regions where stale cache data costs
// scarce attempt cycles.
func WithHighContention() Option {
	return func(m *Manager) {
		m.ttl /= 2
	}
}

// WithClock injects a clock for tests.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		m.now = now
	}
}

// WithDisabled disables caching entirely.
func WithDisabled() Option {
	return func(m *Manager) {
		m.Disabled = true
	}
}

// New returns a Manager for the given region.
func New(store kvstore.Store, region string, opts ...Option) *Manager {
	m := &Manager{
		store:  store,
		region: region,
		ttl:    DefaultTTL,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Key derives the envelope's store key from region and current date plus a
// stable hash, so stale cross-day data partitions naturally and the raw region
// identifier is not leaked verbatim into storage names.
func (m *Manager) Key() string {
	day := m.now().UTC().Format("2006-01-02")
	h := fnv.New32a()
	h.Write([]byte(m.region + "/" + day))
	return fmt.Sprintf("cache/%s-%s", day, hex.EncodeToString(h.Sum(nil)))
}

func (m *Manager) freshEnvelope() *Envelope {
	now := m.now().UTC()
	return &Envelope{
		SchemaVersion: SchemaVersion,
		Region:        m.region,
		CreatedAt:     now,
		UpdatedAt:     now,
		Entries:       make(map[string]*Entry),
	}
}

// load returns the current envelope, reinitializing on absence, corruption,
// schema mismatch, or TTL expiry.
func (m *Manager) load(ctx context.Context) (*Envelope, int64, error) {
	var env Envelope
	rev, err := kvstore.GetJSON(ctx, m.store, m.Key(), &env)
	if err != nil {
		if errors.Is(err, kvstore.ErrNotFound) {
			return m.freshEnvelope(), 0, nil
		}
		return nil, 0, err
	}
	if env.SchemaVersion != SchemaVersion || env.Entries == nil {
		return m.freshEnvelope(), rev, nil
	}
	if m.expired(&env) {
		return m.freshEnvelope(), rev, nil
	}
	return &env, rev, nil
}

func (m *Manager) expired(env *Envelope) bool {
	return m.now().Sub(env.CreatedAt) >= m.ttl
}

func (m *Manager) save(ctx context.Context, env *Envelope, rev int64) error {
	env.UpdatedAt = m.now().UTC()
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	if _, err := m.store.CompareAndSwap(ctx, m.Key(), rev, data); err != nil {
		if errors.Is(err, kvstore.ErrRevisionMismatch) {
			return fmt.Errorf("statecache: concurrent modification: %w", err)
		}
		return fmt.Errorf("statecache: persist envelope: %w", err)
	}
	return nil
}

// mutate runs a lock-protected read-modify-write cycle, rereading and
// retrying when a concurrent invocation wins the CAS race.
func (m *Manager) mutate(ctx context.Context, fn func(env *Envelope) error) error {
	var lastErr error
	for attempt := 0; attempt < 20; attempt++ {
		env, rev, err := m.load(ctx)
		if err != nil {
			return err
		}
		if err := fn(env); err != nil {
			return err
		}
		if err := m.save(ctx, env, rev); err != nil {
			if errors.Is(err, kvstore.ErrRevisionMismatch) {
				lastErr = err
				continue
			}
			return err
		}
		return nil
	}
	return lastErr
}

// ShouldCreate reports whether a provisioning call for the instance is
// warranted: caching disabled, envelope expired, entry absent, or the entry
// failed/terminated. A live entry in an unexpired envelope suppresses the
// call.
func (m *Manager) ShouldCreate(ctx context.Context, name string) (bool, error) {
	if m.Disabled {
		return true, nil
	}
	env, _, err := m.load(ctx)
	if err != nil {
		return false, err
	}
	entry, ok := env.Entries[name]
	if !ok {
		return true, nil
	}
	return !entry.Status.live(), nil
}

// RecordCreated records a successful provisioning call.
func (m *Manager) RecordCreated(ctx context.Context, name, providerID, profile string) error {
	return m.mutate(ctx, func(env *Envelope) error {
		env.Entries[name] = &Entry{
			Name:       name,
			ProviderID: providerID,
			Status:     StatusCreated,
			CreatedAt:  m.now().UTC(),
			Profile:    profile,
			Region:     m.region,
		}
		return nil
	})
}

// RecordVerified updates an instance after verification. Backward transitions
// between live states are rejected; failed/terminated are always accepted.
func (m *Manager) RecordVerified(ctx context.Context, name, providerID string, status Status) error {
	return m.mutate(ctx, func(env *Envelope) error {
		entry, ok := env.Entries[name]
		if !ok {
			entry = &Entry{
				Name:      name,
				Status:    StatusCreated,
				CreatedAt: m.now().UTC(),
				Region:    m.region,
			}
			env.Entries[name] = entry
		}
		if !entry.Status.forwardOf(status) {
			return fmt.Errorf("statecache: illegal transition %s -> %s for %s",
				entry.Status, status, name)
		}
		entry.Status = status
		if providerID != "" {
			entry.ProviderID = providerID
		}
		entry.LastVerifiedAt = m.now().UTC()
		return nil
	})
}

// Remove explicitly deletes an entry. Entries are never silently dropped
// except through envelope expiry.
func (m *Manager) Remove(ctx context.Context, name string) error {
	return m.mutate(ctx, func(env *Envelope) error {
		delete(env.Entries, name)
		return nil
	})
}

// Snapshot returns the current envelope for status reporting.
func (m *Manager) Snapshot(ctx context.Context) (*Envelope, error) {
	env, _, err := m.load(ctx)
	return env, err
}
