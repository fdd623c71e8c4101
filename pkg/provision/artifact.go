package provision

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/capahunt/capahunt/pkg/classify"
)

// Result is the terminal record of one profile attempt. The attempt writes it
// as a JSON artifact so a coordinator that had to abandon the goroutine can
// still collect a late-flushed outcome.
type Result struct {
	RunID          string                  `json:"run_id"`
	Profile        string                  `json:"profile"`
	Outcome        Outcome                 `json:"outcome"`
	Classification classify.Classification `json:"classification,omitempty"`
	Zone           string                  `json:"zone,omitempty"`
	ResourceID     string                  `json:"resource_id,omitempty"`
	ZonesTried     []string                `json:"zones_tried,omitempty"`
	Error          string                  `json:"error,omitempty"`
	StartedAt      time.Time               `json:"started_at"`
	FinishedAt     time.Time               `json:"finished_at"`
}

// Duration is the attempt's wall-clock time.
func (r *Result) Duration() time.Duration {
	return r.FinishedAt.Sub(r.StartedAt)
}

func artifactPath(dir, runID, profile string) string {
	return filepath.Join(dir, fmt.Sprintf("result-%s-%s.json", runID, profile))
}

// WriteResult persists the result artifact atomically.
func WriteResult(dir string, res *Result) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create artifact dir: %w", err)
	}
	data, err := json.MarshalIndent(res, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal result: %w", err)
	}
	path := artifactPath(dir, res.RunID, res.Profile)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write result artifact: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("publish result artifact: %w", err)
	}
	return nil
}

// ReadResult loads a previously written result artifact.
func ReadResult(dir, runID, profile string) (*Result, error) {
	data, err := os.ReadFile(artifactPath(dir, runID, profile))
	if err != nil {
		return nil, err
	}
	var res Result
	if err := json.Unmarshal(data, &res); err != nil {
		return nil, fmt.Errorf("decode result artifact: %w", err)
	}
	return &res, nil
}

// WaitForResult polls for the artifact of an abandoned attempt until it
// appears or the context expires. fs.ErrNotExist means the attempt never
// flushed.
func WaitForResult(ctx context.Context, dir, runID, profile string) (*Result, error) {
	const pollInterval = 100 * time.Millisecond
	for {
		res, err := ReadResult(dir, runID, profile)
		if err == nil {
			return res, nil
		}
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, err
		}
		select {
		case <-ctx.Done():
			return nil, fs.ErrNotExist
		case <-time.After(pollInterval):
		}
	}
}
