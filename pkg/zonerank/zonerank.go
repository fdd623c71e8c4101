// Package zonerank lets operators reorder candidate zones with a small
// Starlark hook before each attempt walks them. The script sees the profile,
// the configured zone list, and recent per-zone failure counts, and exports a
// `ranked` list. Zones the script drops or invents are reconciled against the
// configured list, so a buggy hook can narrow ordering but never invent
// capacity.
package zonerank

import (
	"context"
	"fmt"
	"time"

	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"
)

// DefaultTimeout bounds one hook evaluation.
const DefaultTimeout = 5 * time.Second

// StatsFunc supplies recent per-zone failure counts to the hook.
type StatsFunc func(ctx context.Context) (map[string]int, error)

// Ranker evaluates a Starlark ranking hook.
type Ranker struct {
	script  string
	timeout time.Duration
	stats   StatsFunc
}

// Option configures a Ranker.
type Option func(*Ranker)

// WithTimeout overrides the evaluation timeout.
func WithTimeout(d time.Duration) Option {
	return func(r *Ranker) {
		r.timeout = d
	}
}

// WithStats wires a failure-count source into the hook's input.
func WithStats(fn StatsFunc) Option {
	return func(r *Ranker) {
		r.stats = fn
	}
}

// New creates a Ranker for the given hook script.
func New(script string, opts ...Option) *Ranker {
	r := &Ranker{
		script:  script,
		timeout: DefaultTimeout,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Rank evaluates the hook and returns the reconciled zone order.
func (r *Ranker) Rank(ctx context.Context, profile string, zones []string) ([]string, error) {
	if r.script == "" || len(zones) < 2 {
		return zones, nil
	}

	stats := map[string]int{}
	if r.stats != nil {
		s, err := r.stats(ctx)
		if err != nil {
			return nil, fmt.Errorf("load zone stats: %w", err)
		}
		if s != nil {
			stats = s
		}
	}

	evalCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	type evalResult struct {
		ranked []string
		err    error
	}
	done := make(chan evalResult, 1)
	go func() {
		ranked, err := r.evaluate(profile, zones, stats)
		done <- evalResult{ranked: ranked, err: err}
	}()

	select {
	case <-evalCtx.Done():
		return nil, fmt.Errorf("zone ranking hook timed out after %v", r.timeout)
	case res := <-done:
		if res.err != nil {
			return nil, res.err
		}
		return reconcile(zones, res.ranked), nil
	}
}

func (r *Ranker) evaluate(profile string, zones []string, stats map[string]int) ([]string, error) {
	thread := &starlark.Thread{
		Name: "zonerank",
		Print: func(_ *starlark.Thread, msg string) {
			// Hooks do not get stdout.
		},
	}

	zoneList := make([]starlark.Value, len(zones))
	for i, z := range zones {
		zoneList[i] = starlark.String(z)
	}
	statsDict := starlark.NewDict(len(stats))
	for zone, failures := range stats {
		if err := statsDict.SetKey(starlark.String(zone), starlark.MakeInt(failures)); err != nil {
			return nil, err
		}
	}

	predeclared := starlark.StringDict{
		"struct":   starlarkstruct.Default,
		"profile":  starlark.String(profile),
		"zones":    starlark.NewList(zoneList),
		"failures": statsDict,
	}

	globals, err := starlark.ExecFile(thread, "zonerank.star", r.script, predeclared)
	if err != nil {
		return nil, fmt.Errorf("zone ranking hook failed: %w", err)
	}

	ranked, ok := globals["ranked"]
	if !ok {
		return nil, fmt.Errorf("zone ranking hook did not export 'ranked'")
	}
	list, ok := ranked.(*starlark.List)
	if !ok {
		return nil, fmt.Errorf("'ranked' must be a list of zone names, got %s", ranked.Type())
	}

	out := make([]string, 0, list.Len())
	for i := 0; i < list.Len(); i++ {
		s, ok := list.Index(i).(starlark.String)
		if !ok {
			return nil, fmt.Errorf("'ranked' element %d is %s, want string", i, list.Index(i).Type())
		}
		out = append(out, string(s))
	}
	return out, nil
}

// reconcile keeps the hook's order for known zones, drops names it invented,
// and appends configured zones the hook omitted in their original order.
func reconcile(configured, ranked []string) []string {
	known := make(map[string]bool, len(configured))
	for _, z := range configured {
		known[z] = true
	}

	out := make([]string, 0, len(configured))
	seen := make(map[string]bool, len(configured))
	for _, z := range ranked {
		if known[z] && !seen[z] {
			out = append(out, z)
			seen[z] = true
		}
	}
	for _, z := range configured {
		if !seen[z] {
			out = append(out, z)
		}
	}
	return out
}
