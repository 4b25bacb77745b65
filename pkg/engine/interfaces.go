package engine

import (
	"context"
)

// PackageSpec is the read-only view of a package's spec file that the
// rebase pipeline consumes.
type PackageSpec interface {
	// Name returns the package name.
	Name() string

	// Version returns the packaged upstream version.
	Version() string

	// Path returns the absolute path of the spec file.
	Path() string

	// Sources returns the absolute paths of the source files.
	Sources() []string

	// Patches returns the patches in application order.
	Patches() []Patch

	// Requires returns the build requirements.
	Requires() []string
}

// Builder builds packages for one stage. Local builders do the work in
// Submit and return an already-terminal handle; remote builders return a
// handle for a task that is still running.
type Builder interface {
	// Name returns the builder name used in logs and reports.
	Name() string

	// Submit starts a build of the given kind.
	Submit(ctx context.Context, kind ArtifactKind, req BuildRequest) (*BuildHandle, error)

	// Await blocks until the handle is terminal and returns its artifact.
	// A failed build returns a *RebaseError of the matching build class.
	Await(ctx context.Context, handle *BuildHandle) (*BuildArtifact, error)
}

// BuildHandle tracks one submitted build.
type BuildHandle struct {
	// TaskID identifies the build; empty for local builds.
	TaskID string `json:"task_id,omitempty"`

	Kind    ArtifactKind `json:"kind"`
	Version Version      `json:"version"`
	State   TaskState    `json:"state"`

	// ResultsDir is where Await places the artifacts.
	ResultsDir string `json:"results_dir"`

	// Artifact and Err are set once the handle is terminal.
	Artifact *BuildArtifact `json:"-"`
	Err      error          `json:"-"`
}

// Done returns true if the handle reached a terminal state.
func (h *BuildHandle) Done() bool {
	return h.State.IsTerminal()
}

// CompletedHandle returns a terminal handle for a synchronous build.
func CompletedHandle(kind ArtifactKind, req BuildRequest, artifact *BuildArtifact, err error) *BuildHandle {
	state := TaskStateSucceeded
	if err != nil {
		state = TaskStateFailed
	}
	return &BuildHandle{
		Kind:       kind,
		Version:    req.Version,
		State:      state,
		ResultsDir: req.ResultsDir,
		Artifact:   artifact,
		Err:        err,
	}
}
