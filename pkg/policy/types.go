// Package policy gates provisioning attempts with Rego rules. Built-in
// guardrails keep requests inside free-tier bounds; operators can layer their
// own .rego files on top. A profile that any error-severity rule denies never
// reaches the provisioning command.
package policy

import (
	"time"

	"github.com/capahunt/capahunt/pkg/provision"
)

// Severity ranks a violation.
type Severity string

const (
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

// blocking reports whether the severity denies the attempt.
func (s Severity) blocking() bool {
	return s == SeverityError || s == SeverityCritical
}

// Policy is one Rego rule set.
type Policy struct {
	Name     string   `json:"name"`
	Source   string   `json:"source"`
	Rego     string   `json:"-"`
	Severity Severity `json:"severity"`
	Enabled  bool     `json:"enabled"`
}

// Input is what a policy sees for one attempt.
type Input struct {
	Spec      *provision.Spec `json:"spec"`
	Operation string          `json:"operation"`
	Timestamp time.Time       `json:"timestamp"`
}

// Violation is one deny result.
type Violation struct {
	Policy   string `json:"policy"`
	Severity string `json:"severity"`
	Profile  string `json:"profile,omitempty"`
	Message  string `json:"message"`
}

// Result is the verdict for one attempt.
type Result struct {
	Allowed     bool        `json:"allowed"`
	Violations  []Violation `json:"violations,omitempty"`
	Warnings    []string    `json:"warnings,omitempty"`
	EvaluatedAt time.Time   `json:"evaluated_at"`
}
