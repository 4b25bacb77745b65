package policy

import (
	"time"

	"github.com/vcrhonek/rebase-helper/pkg/results"
)

// Severity represents the severity level of a policy violation.
type Severity string

const (
	// SeverityInfo is for informational messages.
	SeverityInfo Severity = "info"

	// SeverityWarning is for findings that should be reviewed.
	SeverityWarning Severity = "warning"

	// SeverityError fails the gate.
	SeverityError Severity = "error"

	// SeverityCritical fails the gate.
	SeverityCritical Severity = "critical"
)

// Blocking reports whether a violation of this severity fails the gate.
func (s Severity) Blocking() bool {
	return s == SeverityError || s == SeverityCritical
}

// Policy is a Rego module defining a deny set over a run report.
type Policy struct {
	// Name is the unique name of the policy.
	Name string `json:"name" yaml:"name"`

	// Description provides a human-readable description.
	Description string `json:"description" yaml:"description"`

	// Rego contains the Rego policy code.
	Rego string `json:"rego" yaml:"rego"`

	// Severity applies to violations that do not carry their own.
	Severity Severity `json:"severity" yaml:"severity"`

	// Enabled indicates if the policy is evaluated.
	Enabled bool `json:"enabled" yaml:"enabled"`

	// Tags are labels for organizing policies.
	Tags []string `json:"tags,omitempty" yaml:"tags,omitempty"`

	// Source is the file the policy was loaded from; empty for built-ins.
	Source string `json:"source,omitempty" yaml:"source,omitempty"`
}

// Violation is one element of a policy's deny set.
type Violation struct {
	// Policy is the name of the policy that produced the violation.
	Policy string `json:"policy"`

	// Subject names what the violation is about (a version, patch, task).
	Subject string `json:"subject,omitempty"`

	Message  string   `json:"message"`
	Severity Severity `json:"severity"`
}

// Result is the outcome of evaluating the gate over one report.
type Result struct {
	// Allowed is false when any blocking violation was found.
	Allowed bool `json:"allowed"`

	// Violations are the blocking violations.
	Violations []Violation `json:"violations,omitempty"`

	// Warnings are the non-blocking violations and evaluation problems.
	Warnings []Violation `json:"warnings,omitempty"`

	EvaluatedPolicies []string      `json:"evaluated_policies"`
	EvaluatedAt       time.Time     `json:"evaluated_at"`
	Duration          time.Duration `json:"duration"`
}

// Messages returns the messages of the blocking violations.
func (r *Result) Messages() []string {
	msgs := make([]string, len(r.Violations))
	for i, v := range r.Violations {
		msgs[i] = v.Message
	}
	return msgs
}

// Input is the document policies see as input.
type Input struct {
	Report  *results.Report `json:"report"`
	Context *Context        `json:"context"`
}

// Context provides information about the evaluation itself.
type Context struct {
	Timestamp time.Time `json:"timestamp"`

	// Operation is the command being gated (e.g. "rebase", "resume").
	Operation string `json:"operation,omitempty"`
}
