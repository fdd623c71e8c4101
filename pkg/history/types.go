// Package history persists hunt runs and their attempts to SQLite. The
// recorded outcomes feed the status and history commands and supply per-zone
// failure statistics to the ranking hook.
package history

import "time"

// RunRecord is one persisted hunt run.
type RunRecord struct {
	ID         string    `json:"id"`
	Region     string    `json:"region"`
	Status     string    `json:"status"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
}

// Duration is the run's wall-clock time.
func (r *RunRecord) Duration() time.Duration {
	return r.FinishedAt.Sub(r.StartedAt)
}

// AttemptRecord is one persisted profile attempt.
type AttemptRecord struct {
	ID             string    `json:"id"`
	RunID          string    `json:"run_id"`
	Profile        string    `json:"profile"`
	Outcome        string    `json:"outcome"`
	Classification string    `json:"classification,omitempty"`
	Zone           string    `json:"zone,omitempty"`
	ResourceID     string    `json:"resource_id,omitempty"`
	ZonesTried     []string  `json:"zones_tried,omitempty"`
	Error          string    `json:"error,omitempty"`
	StartedAt      time.Time `json:"started_at"`
	FinishedAt     time.Time `json:"finished_at"`
}

// ZoneStat aggregates recent outcomes for one zone.
type ZoneStat struct {
	Zone      string `json:"zone"`
	Attempts  int    `json:"attempts"`
	Successes int    `json:"successes"`
	Failures  int    `json:"failures"`
}

// Metric is one per-zone timing sample.
type Metric struct {
	RunID          string        `json:"run_id"`
	Profile        string        `json:"profile"`
	Zone           string        `json:"zone"`
	Classification string        `json:"classification"`
	Duration       time.Duration `json:"duration"`
	RecordedAt     time.Time     `json:"recorded_at"`
}
