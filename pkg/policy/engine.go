package policy

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/open-policy-agent/opa/v1/ast"
	"github.com/open-policy-agent/opa/v1/rego"

	"github.com/capahunt/capahunt/pkg/provision"
	"github.com/capahunt/capahunt/pkg/telemetry"
)

// Engine compiles and evaluates Rego policies against attempt specs.
type Engine struct {
	mu       sync.RWMutex
	policies map[string]*compiledPolicy
	logger   *telemetry.Logger
	now      func() time.Time
}

type compiledPolicy struct {
	policy Policy
	query  rego.PreparedEvalQuery
}

// NewEngine creates an engine preloaded with the built-in guardrails.
func NewEngine(logger *telemetry.Logger) (*Engine, error) {
	if logger == nil {
		logger = telemetry.Nop()
	}
	e := &Engine{
		policies: make(map[string]*compiledPolicy),
		logger:   logger.NewComponentLogger("policy"),
		now:      time.Now,
	}
	for _, p := range BuiltinPolicies() {
		if err := e.compile(context.Background(), p); err != nil {
			return nil, fmt.Errorf("compile builtin policy %s: %w", p.Name, err)
		}
	}
	return e, nil
}

// LoadDir adds every .rego file under dir. Operator policies default to error
// severity; a "# severity: warning" comment in the file downgrades them.
func (e *Engine) LoadDir(ctx context.Context, dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("read policy dir: %w", err)
	}
	loaded := 0
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".rego") {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read policy %s: %w", path, err)
		}
		p := Policy{
			Name:     strings.TrimSuffix(entry.Name(), ".rego"),
			Source:   path,
			Rego:     string(data),
			Severity: severityFromSource(string(data)),
			Enabled:  true,
		}
		if err := e.Add(ctx, p); err != nil {
			return err
		}
		loaded++
	}
	e.logger.WithField("count", loaded).WithField("dir", dir).Info("loaded operator policies")
	return nil
}

// Add compiles and registers one policy, replacing any previous policy with
// the same name.
func (e *Engine) Add(ctx context.Context, p Policy) error {
	if err := e.compile(ctx, p); err != nil {
		return fmt.Errorf("compile policy %s: %w", p.Name, err)
	}
	return nil
}

func (e *Engine) compile(ctx context.Context, p Policy) error {
	if _, err := ast.ParseModule(p.Name, p.Rego); err != nil {
		return fmt.Errorf("parse rego: %w", err)
	}
	query := fmt.Sprintf("data.%s.deny", packageName(p.Rego))
	prepared, err := rego.New(
		rego.Module(p.Name, p.Rego),
		rego.Query(query),
	).PrepareForEval(ctx)
	if err != nil {
		return fmt.Errorf("prepare query: %w", err)
	}

	e.mu.Lock()
	e.policies[p.Name] = &compiledPolicy{policy: p, query: prepared}
	e.mu.Unlock()
	return nil
}

// Policies lists the registered policies sorted by name.
func (e *Engine) Policies() []Policy {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]Policy, 0, len(e.policies))
	for _, cp := range e.policies {
		out = append(out, cp.policy)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Check evaluates every enabled policy against one attempt spec.
func (e *Engine) Check(ctx context.Context, spec *provision.Spec) (*Result, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	input := &Input{
		Spec:      spec,
		Operation: "provision",
		Timestamp: e.now(),
	}

	res := &Result{Allowed: true, EvaluatedAt: input.Timestamp}
	for _, cp := range e.policies {
		if !cp.policy.Enabled {
			continue
		}
		violations, err := e.evaluate(ctx, cp, input)
		if err != nil {
			e.logger.WithError(err).
				WithField("policy", cp.policy.Name).
				WithProfile(spec.Profile).
				Error("policy evaluation failed")
			res.Warnings = append(res.Warnings, fmt.Sprintf("policy %s evaluation failed: %v", cp.policy.Name, err))
			continue
		}
		res.Violations = append(res.Violations, violations...)
	}

	for _, v := range res.Violations {
		if Severity(v.Severity).blocking() {
			res.Allowed = false
			break
		}
	}
	return res, nil
}

func (e *Engine) evaluate(ctx context.Context, cp *compiledPolicy, input *Input) ([]Violation, error) {
	results, err := cp.query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return nil, err
	}

	var violations []Violation
	for _, result := range results {
		for _, expr := range result.Expressions {
			denied, ok := expr.Value.([]interface{})
			if !ok {
				continue
			}
			for _, d := range denied {
				violations = append(violations, makeViolation(cp.policy, d, input))
			}
		}
	}
	return violations, nil
}

func makeViolation(p Policy, result interface{}, input *Input) Violation {
	v := Violation{
		Policy:   p.Name,
		Severity: string(p.Severity),
	}
	if input.Spec != nil {
		v.Profile = input.Spec.Profile
	}
	switch r := result.(type) {
	case string:
		v.Message = r
	case map[string]interface{}:
		if msg, ok := r["message"].(string); ok {
			v.Message = msg
		}
		if sev, ok := r["severity"].(string); ok {
			v.Severity = sev
		}
	default:
		v.Message = fmt.Sprintf("%v", result)
	}
	return v
}

func packageName(src string) string {
	for _, line := range strings.Split(src, "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "package ") {
			parts := strings.Fields(trimmed)
			if len(parts) >= 2 {
				return parts[1]
			}
		}
	}
	return "capahunt.policies"
}

// severityFromSource reads an optional "# severity: <level>" annotation.
func severityFromSource(src string) Severity {
	for _, line := range strings.Split(src, "\n") {
		trimmed := strings.TrimSpace(line)
		if !strings.HasPrefix(trimmed, "# severity:") {
			continue
		}
		switch strings.TrimSpace(strings.TrimPrefix(trimmed, "# severity:")) {
		case string(SeverityWarning):
			return SeverityWarning
		case string(SeverityCritical):
			return SeverityCritical
		}
	}
	return SeverityError
}
