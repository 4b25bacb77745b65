package engine

import (
	"fmt"
	"path/filepath"
	"time"
)

// Version tags a source tree or build as belonging to the package version
// being rebased from (old) or to (new).
type Version string

const (
	// VersionOld is the version currently packaged.
	VersionOld Version = "old"

	// VersionNew is the upstream version being rebased to.
	VersionNew Version = "new"
)

// Versions lists the versions in the order they are processed.
var Versions = []Version{VersionOld, VersionNew}

// Validate checks if the version tag is valid.
func (v Version) Validate() error {
	switch v {
	case VersionOld, VersionNew:
		return nil
	default:
		return fmt.Errorf("invalid version: %s", v)
	}
}

// SourceTree is an extracted upstream source directory. It is treated as
// read-only input for the duration of a run; only the patch tool writes to it.
type SourceTree struct {
	// Root is the absolute path of the extracted sources.
	Root string `json:"root" yaml:"root"`

	// Version identifies which side of the rebase this tree belongs to.
	Version Version `json:"version" yaml:"version"`
}

// NewSourceTree returns a SourceTree with an absolute root.
func NewSourceTree(root string, version Version) (SourceTree, error) {
	if err := version.Validate(); err != nil {
		return SourceTree{}, err
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return SourceTree{}, fmt.Errorf("failed to resolve source tree %s: %w", root, err)
	}
	return SourceTree{Root: abs, Version: version}, nil
}

// PatchOptions controls how the patch tool applies a patch.
type PatchOptions struct {
	// Strip is the number of leading path components removed (-pN).
	Strip int `json:"strip" yaml:"strip"`

	// Fuzz is the context fuzz factor (-F).
	Fuzz int `json:"fuzz" yaml:"fuzz"`

	// BackupSuffix is the token used to name pre-apply backups. It is set
	// once per reconciliation pass and never persisted.
	BackupSuffix string `json:"-" yaml:"-"`
}

// Patch is a single downstream patch of the package.
type Patch struct {
	// Index is the patch number; it defines application order.
	Index int `json:"index" yaml:"index"`

	// Path is the absolute path of the patch file.
	Path string `json:"path" yaml:"path"`

	// Options are the apply options taken from the package spec.
	Options PatchOptions `json:"options" yaml:"options"`

	// Status is the reconciliation outcome. Empty until reconciled.
	Status PatchStatus `json:"status,omitempty" yaml:"status,omitempty"`
}

// Name returns the base name of the patch file.
func (p Patch) Name() string {
	return filepath.Base(p.Path)
}

// PatchApplicationResult records the outcome of applying one patch to one tree.
type PatchApplicationResult struct {
	PatchIndex  int      `json:"patch_index" yaml:"patch_index"`
	Version     Version  `json:"version" yaml:"version"`
	ExitCode    int      `json:"exit_code" yaml:"exit_code"`
	FailedFiles []string `json:"failed_files,omitempty" yaml:"failed_files,omitempty"`

	// AlreadyApplied is set when the tree already contains the patch and
	// nothing was applied.
	AlreadyApplied bool `json:"already_applied,omitempty" yaml:"already_applied,omitempty"`
}

// MergedUpstream returns the indexes of patches the new sources already
// contain.
func MergedUpstream(apps []PatchApplicationResult) map[int]bool {
	merged := make(map[int]bool)
	for _, a := range apps {
		if a.Version == VersionNew && a.AlreadyApplied {
			merged[a.PatchIndex] = true
		}
	}
	return merged
}

// ArtifactKind distinguishes source and binary package builds.
type ArtifactKind string

const (
	// ArtifactSRPM is a source package.
	ArtifactSRPM ArtifactKind = "SRPM"

	// ArtifactRPM is a set of binary packages.
	ArtifactRPM ArtifactKind = "RPM"
)

// BuildArtifact is the output of a successful build stage.
type BuildArtifact struct {
	Kind    ArtifactKind `json:"kind" yaml:"kind"`
	Version Version      `json:"version" yaml:"version"`

	// Paths are the absolute paths of the produced packages.
	Paths []string `json:"paths" yaml:"paths"`

	// Logs are the absolute paths of the build logs.
	Logs []string `json:"logs,omitempty" yaml:"logs,omitempty"`

	// TaskID is set when the artifact was produced by a remote build.
	TaskID string `json:"task_id,omitempty" yaml:"task_id,omitempty"`
}

// RemoteTask is the client-side view of an asynchronous remote build.
type RemoteTask struct {
	ID    string    `json:"id" yaml:"id"`
	State TaskState `json:"state" yaml:"state"`

	// Version is the package version the task builds. Reports written
	// before it was recorded leave it empty.
	Version Version `json:"version,omitempty" yaml:"version,omitempty"`

	// ExitCode is set for failed tasks when the code could be recovered.
	ExitCode *int `json:"exit_code,omitempty" yaml:"exit_code,omitempty"`
}

// FailureRecord is the structured classification of a failed build.
type FailureRecord struct {
	Category FailureCategory `json:"category" yaml:"category"`
	Version  Version         `json:"version" yaml:"version"`

	// Section is the rpmbuild section that failed (e.g. %build). May be empty.
	Section string `json:"section,omitempty" yaml:"section,omitempty"`
}

// BuildRequest describes one build stage for one version.
type BuildRequest struct {
	Version Version

	// SpecPath is the spec file used for the SRPM stage.
	SpecPath string

	// Sources are the source archives and extra files for the SRPM stage.
	Sources []string

	// Patches are the patch files for the SRPM stage.
	Patches []string

	// SRPM is the source package used for the RPM stage.
	SRPM string

	// ResultsDir is the version-scoped directory artifacts are stored under.
	ResultsDir string
}

// StageReport captures the outcome of one build stage for classification.
type StageReport struct {
	// Failed is true when the stage ended in a failure.
	Failed bool `json:"failed" yaml:"failed"`

	// ExitCode is the recovered exit code of a failed stage.
	ExitCode int `json:"exit_code,omitempty" yaml:"exit_code,omitempty"`

	// Logs are the log files produced by the stage.
	Logs []string `json:"logs,omitempty" yaml:"logs,omitempty"`
}

// VersionReport is the build report of one version.
type VersionReport struct {
	SRPM StageReport `json:"srpm" yaml:"srpm"`
	RPM  StageReport `json:"rpm" yaml:"rpm"`
}

// BuildReport is the input of the error classifier.
type BuildReport struct {
	Versions map[Version]VersionReport `json:"versions" yaml:"versions"`
}

// RunSummary describes a finished run.
type RunSummary struct {
	ID          string          `json:"id"`
	Package     string          `json:"package"`
	OldVersion  string          `json:"old_version"`
	NewVersion  string          `json:"new_version"`
	Status      RunStatus       `json:"status"`
	StartedAt   time.Time       `json:"started_at"`
	CompletedAt time.Time       `json:"completed_at"`
	Patches     []Patch         `json:"patches"`
	Failures    []FailureRecord `json:"failures,omitempty"`
}
