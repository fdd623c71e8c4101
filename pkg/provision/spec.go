// Package provision drives individual provisioning attempts against the
// external provisioning command: one attempt per resource profile, iterating
// candidate zones, classifying every outcome, and updating the circuit
// breaker and state cache as it goes.
package provision

import (
	"time"
)

// Spec is the explicit per-attempt configuration value object. Everything an
// attempt needs travels in the Spec; nothing is smuggled through inherited
// environment variables.
type Spec struct {
	// Profile names the resource profile (e.g. "a1-flex", "e2-micro").
	Profile string `json:"profile"`

	// Shape is the provider compute shape requested from the command.
	Shape string `json:"shape"`

	// OCPUs and MemoryGB size flexible shapes; zero means the shape's fixed
	// size.
	OCPUs    int `json:"ocpus,omitempty"`
	MemoryGB int `json:"memory_gb,omitempty"`

	// ImageID and SubnetID identify the boot image and network.
	ImageID  string `json:"image_id"`
	SubnetID string `json:"subnet_id"`

	// DisplayName is the instance name and the state-cache key.
	DisplayName string `json:"display_name"`

	// Zones are the candidate availability domains in priority order.
	Zones []string `json:"zones"`

	// Region is the provider region.
	Region string `json:"region"`

	// Env is passed to the provisioning command in addition to the
	// orchestrator's own environment.
	Env map[string]string `json:"env,omitempty"`

	// OperationTimeout bounds a single provisioning call.
	OperationTimeout time.Duration `json:"operation_timeout,omitempty"`
}

// Outcome is the terminal result type of one profile attempt.
type Outcome string

const (
	// OutcomeCreated means a real instance creation happened.
	OutcomeCreated Outcome = "created"

	// OutcomeDuplicate means the instance already existed; expected, not a
	// creation.
	OutcomeDuplicate Outcome = "duplicate"

	// OutcomeCapacity means every eligible zone reported a capacity-family
	// condition; the expected steady state of free-tier hunting.
	OutcomeCapacity Outcome = "capacity_exhausted"

	// OutcomeNoZones means the circuit breaker left no eligible zones this
	// cycle.
	OutcomeNoZones Outcome = "no_zones"

	// OutcomeCached means the state cache shows the instance already live.
	OutcomeCached Outcome = "cached"

	// OutcomeFailed means a hard, non-capacity error ended the attempt.
	OutcomeFailed Outcome = "failed"

	// OutcomeTimeout means the coordinator terminated the attempt at the
	// wall-clock budget.
	OutcomeTimeout Outcome = "timeout"
)

// IsExpected reports whether the outcome is part of normal hunting and should
// not be surfaced as an operational failure.
func (o Outcome) IsExpected() bool {
	switch o {
	case OutcomeCreated, OutcomeDuplicate, OutcomeCapacity, OutcomeNoZones, OutcomeCached:
		return true
	}
	return false
}
