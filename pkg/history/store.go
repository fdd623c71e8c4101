package history

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/google/uuid"

	// SQLite driver
	_ "modernc.org/sqlite"

	"github.com/capahunt/capahunt/pkg/coordinator"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrNotFound is returned when a run does not exist.
var ErrNotFound = errors.New("history: run not found")

// Store persists hunt history in a SQLite database.
type Store struct {
	db   *sql.DB
	path string
	now  func() time.Time
}

// Config holds store configuration.
type Config struct {
	Path            string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// New creates a store for the given database path. Call Init before use.
func New(cfg Config) (*Store, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("history: database path is required")
	}
	return &Store{path: cfg.Path, now: time.Now}, nil
}

// Init opens the database in WAL mode and runs pending migrations.
func (s *Store) Init(ctx context.Context) error {
	dsn := fmt.Sprintf("%s?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL&_foreign_keys=on", s.path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("ping database: %w", err)
	}
	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
		_ = db.Close()
		return fmt.Errorf("enable foreign keys: %w", err)
	}

	s.db = db
	return s.migrate()
}

// Close closes the database.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

func (s *Store) migrate() error {
	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("create migration source: %w", err)
	}
	driver, err := sqlite3.WithInstance(s.db, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("create migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("create migrator: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("run migrations: %w", err)
	}
	return nil
}

// RecordRun persists an aggregate and all of its attempt results in one
// transaction.
func (s *Store) RecordRun(ctx context.Context, region string, agg *coordinator.Aggregate) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO hunt_runs (id, region, status, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?)`,
		agg.RunID, region, string(agg.Status), agg.StartedAt.UTC(), agg.FinishedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}

	for _, res := range agg.Results {
		zonesTried, err := json.Marshal(res.ZonesTried)
		if err != nil {
			return fmt.Errorf("encode zones tried: %w", err)
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO attempts (
				id, run_id, profile, outcome, classification, zone,
				resource_id, zones_tried, error, started_at, finished_at
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			uuid.NewString(), agg.RunID, res.Profile, string(res.Outcome),
			string(res.Classification), res.Zone, res.ResourceID,
			string(zonesTried), res.Error, res.StartedAt.UTC(), res.FinishedAt.UTC(),
		)
		if err != nil {
			return fmt.Errorf("insert attempt %s: %w", res.Profile, err)
		}
	}

	return tx.Commit()
}

// RecordMetric persists one per-zone timing sample.
func (s *Store) RecordMetric(ctx context.Context, m Metric) error {
	recorded := m.RecordedAt
	if recorded.IsZero() {
		recorded = s.now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO performance_metrics (run_id, profile, zone, classification, duration_ms, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		m.RunID, m.Profile, m.Zone, m.Classification, m.Duration.Milliseconds(), recorded.UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert metric: %w", err)
	}
	return nil
}

// GetRun loads one run and its attempts.
func (s *Store) GetRun(ctx context.Context, id string) (*RunRecord, []AttemptRecord, error) {
	run := &RunRecord{}
	err := s.db.QueryRowContext(ctx, `
		SELECT id, region, status, started_at, finished_at
		FROM hunt_runs WHERE id = ?`, id,
	).Scan(&run.ID, &run.Region, &run.Status, &run.StartedAt, &run.FinishedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil, ErrNotFound
	}
	if err != nil {
		return nil, nil, fmt.Errorf("get run: %w", err)
	}

	attempts, err := s.attemptsForRun(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	return run, attempts, nil
}

func (s *Store) attemptsForRun(ctx context.Context, runID string) ([]AttemptRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, run_id, profile, outcome, classification, zone,
		       resource_id, zones_tried, error, started_at, finished_at
		FROM attempts WHERE run_id = ? ORDER BY profile`, runID)
	if err != nil {
		return nil, fmt.Errorf("list attempts: %w", err)
	}
	defer rows.Close()

	var attempts []AttemptRecord
	for rows.Next() {
		var a AttemptRecord
		var zonesTried string
		if err := rows.Scan(
			&a.ID, &a.RunID, &a.Profile, &a.Outcome, &a.Classification,
			&a.Zone, &a.ResourceID, &zonesTried, &a.Error, &a.StartedAt, &a.FinishedAt,
		); err != nil {
			return nil, fmt.Errorf("scan attempt: %w", err)
		}
		if zonesTried != "" {
			if err := json.Unmarshal([]byte(zonesTried), &a.ZonesTried); err != nil {
				return nil, fmt.Errorf("decode zones tried: %w", err)
			}
		}
		attempts = append(attempts, a)
	}
	return attempts, rows.Err()
}

// ListRuns returns the most recent runs, newest first.
func (s *Store) ListRuns(ctx context.Context, limit, offset int) ([]RunRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, region, status, started_at, finished_at
		FROM hunt_runs ORDER BY started_at DESC LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var runs []RunRecord
	for rows.Next() {
		var r RunRecord
		if err := rows.Scan(&r.ID, &r.Region, &r.Status, &r.StartedAt, &r.FinishedAt); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// ZoneStats aggregates per-zone outcomes since the cutoff. Zone attempts that
// created or found an existing instance count as successes.
func (s *Store) ZoneStats(ctx context.Context, since time.Time) ([]ZoneStat, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT zone,
		       COUNT(*),
		       SUM(CASE WHEN outcome IN ('created', 'duplicate') THEN 1 ELSE 0 END)
		FROM attempts
		WHERE zone != '' AND started_at >= ?
		GROUP BY zone ORDER BY zone`, since.UTC())
	if err != nil {
		return nil, fmt.Errorf("zone stats: %w", err)
	}
	defer rows.Close()

	var stats []ZoneStat
	for rows.Next() {
		var st ZoneStat
		if err := rows.Scan(&st.Zone, &st.Attempts, &st.Successes); err != nil {
			return nil, fmt.Errorf("scan zone stat: %w", err)
		}
		st.Failures = st.Attempts - st.Successes
		stats = append(stats, st)
	}
	return stats, rows.Err()
}

// FailureCounts returns recent per-zone failure counts keyed by zone, in the
// shape the ranking hook consumes.
func (s *Store) FailureCounts(ctx context.Context, since time.Time) (map[string]int, error) {
	stats, err := s.ZoneStats(ctx, since)
	if err != nil {
		return nil, err
	}
	out := make(map[string]int, len(stats))
	for _, st := range stats {
		out[st.Zone] = st.Failures
	}
	return out, nil
}

// Prune deletes runs that finished before the cutoff and returns how many
// were removed. Attempts and metrics cascade.
func (s *Store) Prune(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM hunt_runs WHERE finished_at < ?`, before.UTC())
	if err != nil {
		return 0, fmt.Errorf("prune runs: %w", err)
	}
	return res.RowsAffected()
}
