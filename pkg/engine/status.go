package engine

import (
	"fmt"
)

// PatchStatus is the terminal reconciliation outcome of a patch.
type PatchStatus string

const (
	// PatchStatusUntouched indicates the new tree already contained the patch.
	PatchStatusUntouched PatchStatus = "untouched"

	// PatchStatusModified indicates the patch applied or was regenerated.
	PatchStatusModified PatchStatus = "modified"

	// PatchStatusDeleted indicates the patch was merged upstream.
	PatchStatusDeleted PatchStatus = "deleted"

	// PatchStatusInapplicable indicates no usable patch could be produced.
	PatchStatusInapplicable PatchStatus = "inapplicable"
)

// IsTerminal returns true if the status is one of the final outcomes.
func (s PatchStatus) IsTerminal() bool {
	return s == PatchStatusUntouched || s == PatchStatusModified ||
		s == PatchStatusDeleted || s == PatchStatusInapplicable
}

// Validate checks if the patch status is valid.
func (s PatchStatus) Validate() error {
	if !s.IsTerminal() {
		return fmt.Errorf("invalid patch status: %s", s)
	}
	return nil
}

// Marker returns the single-character legend used in text reports.
func (s PatchStatus) Marker() string {
	switch s {
	case PatchStatusDeleted:
		return "-"
	case PatchStatusModified:
		return "*"
	case PatchStatusInapplicable:
		return "!"
	default:
		return " "
	}
}

// TaskState is the state of a remote build task.
type TaskState string

const (
	// TaskStateSubmitted indicates the task was accepted but has not started.
	TaskStateSubmitted TaskState = "submitted"

	// TaskStateRunning indicates the build is in progress.
	TaskStateRunning TaskState = "running"

	// TaskStateSucceeded indicates the build finished successfully.
	TaskStateSucceeded TaskState = "succeeded"

	// TaskStateFailed indicates the build finished with an error.
	TaskStateFailed TaskState = "failed"
)

// IsTerminal returns true if the task will not transition further.
func (s TaskState) IsTerminal() bool {
	return s == TaskStateSucceeded || s == TaskStateFailed
}

// Validate checks if the task state is valid.
func (s TaskState) Validate() error {
	switch s {
	case TaskStateSubmitted, TaskStateRunning, TaskStateSucceeded, TaskStateFailed:
		return nil
	default:
		return fmt.Errorf("invalid task state: %s", s)
	}
}

// CanTransitionTo reports whether moving from s to next is allowed.
func (s TaskState) CanTransitionTo(next TaskState) bool {
	if s.IsTerminal() {
		return false
	}
	switch s {
	case TaskStateSubmitted:
		return next == TaskStateRunning || next.IsTerminal()
	case TaskStateRunning:
		return next.IsTerminal()
	}
	return false
}

// FailureCategory classifies a build failure.
type FailureCategory string

const (
	// FailureSourcePackageBuild indicates the SRPM stage failed.
	FailureSourcePackageBuild FailureCategory = "source-package-build"

	// FailureBinaryPackageBuild indicates the RPM stage failed.
	FailureBinaryPackageBuild FailureCategory = "binary-package-build"

	// FailurePatchConflict indicates a patch could not be reconciled.
	FailurePatchConflict FailureCategory = "patch-conflict"
)

// Validate checks if the failure category is valid.
func (c FailureCategory) Validate() error {
	switch c {
	case FailureSourcePackageBuild, FailureBinaryPackageBuild, FailurePatchConflict:
		return nil
	default:
		return fmt.Errorf("invalid failure category: %s", c)
	}
}

// RunStatus is the overall outcome of a rebase run.
type RunStatus string

const (
	// RunStatusRunning indicates the run has not finished.
	RunStatusRunning RunStatus = "running"

	// RunStatusSucceeded indicates both versions built.
	RunStatusSucceeded RunStatus = "succeeded"

	// RunStatusFailed indicates at least one build failed.
	RunStatusFailed RunStatus = "failed"

	// RunStatusDetached indicates remote builds were left running.
	RunStatusDetached RunStatus = "detached"
)

// IsTerminal returns true if the run status represents a final state.
func (s RunStatus) IsTerminal() bool {
	return s == RunStatusSucceeded || s == RunStatusFailed || s == RunStatusDetached
}

// Validate checks if the run status is valid.
func (s RunStatus) Validate() error {
	switch s {
	case RunStatusRunning, RunStatusSucceeded, RunStatusFailed, RunStatusDetached:
		return nil
	default:
		return fmt.Errorf("invalid run status: %s", s)
	}
}
