package stores

import (
	"context"
	"errors"

	"github.com/vcrhonek/rebase-helper/pkg/engine"
)

// ErrNotFound is returned when a run does not exist.
var ErrNotFound = errors.New("run not found")

// ListOptions filters and pages ListRuns.
type ListOptions struct {
	// Package restricts the result to one package when set.
	Package string

	// Status restricts the result to runs with this status when set.
	Status engine.RunStatus

	Limit  int
	Offset int
}

// FailureStat counts failure records of one category and section.
type FailureStat struct {
	Category engine.FailureCategory `json:"category"`
	Section  string                 `json:"section,omitempty"`
	Count    int                    `json:"count"`
}

// Store is the run history.
type Store interface {
	// Lifecycle
	Init(ctx context.Context) error
	Migrate(ctx context.Context) error
	Close() error
	HealthCheck(ctx context.Context) error

	// SaveRun inserts or replaces a run with its patches and failures.
	SaveRun(ctx context.Context, run *engine.RunSummary) error
	GetRun(ctx context.Context, id string) (*engine.RunSummary, error)
	ListRuns(ctx context.Context, opts ListOptions) ([]*engine.RunSummary, error)
	DeleteRun(ctx context.Context, id string) error

	// FailureStats aggregates failure records over all stored runs.
	FailureStats(ctx context.Context) ([]FailureStat, error)
}
