// Package results holds everything one rebase run produces.
//
// A Store is created per run and owned by the pipeline. Builders, the
// classifier and checkers hand their outcomes to the pipeline, which records
// them through the insertion methods below. Once the run is finished the
// store is frozen and output tools read a Report snapshot of it.
package results

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/vcrhonek/rebase-helper/pkg/engine"
)

var (
	// ErrFrozen is returned by insertion methods after Freeze.
	ErrFrozen = errors.New("result store is frozen")

	// ErrDuplicateFailure is returned when a version already has a
	// failure record.
	ErrDuplicateFailure = errors.New("version already has a failure record")
)

// Report is a read-only snapshot of a run.
type Report struct {
	RunID      string           `json:"run_id" yaml:"run_id"`
	Package    string           `json:"package" yaml:"package"`
	OldVersion string           `json:"old_version" yaml:"old_version"`
	NewVersion string           `json:"new_version" yaml:"new_version"`
	Status     engine.RunStatus `json:"status" yaml:"status"`

	StartedAt   time.Time `json:"started_at" yaml:"started_at"`
	CompletedAt time.Time `json:"completed_at,omitempty" yaml:"completed_at,omitempty"`

	Patches      []engine.Patch                  `json:"patches" yaml:"patches"`
	Applications []engine.PatchApplicationResult `json:"applications,omitempty" yaml:"applications,omitempty"`

	Builds    engine.BuildReport     `json:"builds" yaml:"builds"`
	Artifacts []engine.BuildArtifact `json:"artifacts,omitempty" yaml:"artifacts,omitempty"`
	Failures  []engine.FailureRecord `json:"failures,omitempty" yaml:"failures,omitempty"`
	Detached  []engine.RemoteTask    `json:"detached,omitempty" yaml:"detached,omitempty"`

	Checkers map[string]map[string]any `json:"checkers,omitempty" yaml:"checkers,omitempty"`

	// OldSources and NewSources are the unpacked source trees the run
	// compared. Reports written before they were recorded leave them empty.
	OldSources string `json:"old_sources,omitempty" yaml:"old_sources,omitempty"`
	NewSources string `json:"new_sources,omitempty" yaml:"new_sources,omitempty"`

	// ChangesPatch is the path of the diff between the old and new spec.
	ChangesPatch string `json:"changes_patch,omitempty" yaml:"changes_patch,omitempty"`

	// Error is the message of the error that aborted the run.
	Error string `json:"error,omitempty" yaml:"error,omitempty"`
}

// Summary returns the engine summary of the report.
func (r *Report) Summary() engine.RunSummary {
	return engine.RunSummary{
		ID:          r.RunID,
		Package:     r.Package,
		OldVersion:  r.OldVersion,
		NewVersion:  r.NewVersion,
		Status:      r.Status,
		StartedAt:   r.StartedAt,
		CompletedAt: r.CompletedAt,
		Patches:     r.Patches,
		Failures:    r.Failures,
	}
}

// Store accumulates the outcomes of one run.
type Store struct {
	mu     sync.RWMutex
	frozen bool

	runID      string
	pkg        string
	oldVersion string
	newVersion string
	status     engine.RunStatus
	startedAt  time.Time
	finishedAt time.Time

	patches      []engine.Patch
	applications map[int][]engine.PatchApplicationResult
	builds       map[engine.Version]engine.VersionReport
	artifacts    map[engine.Version]map[engine.ArtifactKind]engine.BuildArtifact
	failures     map[engine.Version]engine.FailureRecord
	detached     []engine.RemoteTask
	checkers     map[string]map[string]any
	changesPatch string
	sources      [2]string
	abortErr     string
}

// New creates an empty store for a run.
func New(runID, pkg, oldVersion, newVersion string) *Store {
	return &Store{
		runID:        runID,
		pkg:          pkg,
		oldVersion:   oldVersion,
		newVersion:   newVersion,
		status:       engine.RunStatusRunning,
		startedAt:    time.Now().UTC(),
		applications: make(map[int][]engine.PatchApplicationResult),
		builds:       make(map[engine.Version]engine.VersionReport),
		artifacts:    make(map[engine.Version]map[engine.ArtifactKind]engine.BuildArtifact),
		failures:     make(map[engine.Version]engine.FailureRecord),
		checkers:     make(map[string]map[string]any),
	}
}

// RunID returns the run identifier.
func (s *Store) RunID() string {
	return s.runID
}

// SetPatches records the reconciled patch set. Every patch must carry a
// terminal status.
func (s *Store) SetPatches(patches []engine.Patch) error {
	for _, p := range patches {
		if err := p.Status.Validate(); err != nil {
			return fmt.Errorf("patch %s: %w", p.Name(), err)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.frozen {
		return ErrFrozen
	}
	s.patches = append([]engine.Patch(nil), patches...)
	sort.SliceStable(s.patches, func(i, j int) bool { return s.patches[i].Index < s.patches[j].Index })
	return nil
}

// AddApplication records the outcome of applying one patch to one tree.
func (s *Store) AddApplication(res engine.PatchApplicationResult) error {
	if err := res.Version.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.frozen {
		return ErrFrozen
	}
	s.applications[res.PatchIndex] = append(s.applications[res.PatchIndex], res)
	return nil
}

// SetBuild records the stage outcomes of one version.
func (s *Store) SetBuild(version engine.Version, report engine.VersionReport) error {
	if err := version.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.frozen {
		return ErrFrozen
	}
	s.builds[version] = report
	return nil
}

// AddArtifact records the output of a successful stage. A stage that
// failed has no artifact.
func (s *Store) AddArtifact(artifact engine.BuildArtifact) error {
	if err := artifact.Version.Validate(); err != nil {
		return err
	}
	if len(artifact.Paths) == 0 {
		return fmt.Errorf("%s artifact of %s version has no packages", artifact.Kind, artifact.Version)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.frozen {
		return ErrFrozen
	}
	if s.artifacts[artifact.Version] == nil {
		s.artifacts[artifact.Version] = make(map[engine.ArtifactKind]engine.BuildArtifact)
	}
	s.artifacts[artifact.Version][artifact.Kind] = artifact
	return nil
}

// AddFailure records the failure of a version. A version has at most one
// failure record.
func (s *Store) AddFailure(rec engine.FailureRecord) error {
	if err := rec.Version.Validate(); err != nil {
		return err
	}
	if err := rec.Category.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.frozen {
		return ErrFrozen
	}
	if _, exists := s.failures[rec.Version]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateFailure, rec.Version)
	}
	s.failures[rec.Version] = rec
	return nil
}

// AddDetached records a remote task left running.
func (s *Store) AddDetached(task engine.RemoteTask) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.frozen {
		return ErrFrozen
	}
	s.detached = append(s.detached, task)
	return nil
}

// SetCheckerResult records the payload of a checker.
func (s *Store) SetCheckerResult(name string, payload map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.frozen {
		return ErrFrozen
	}
	s.checkers[name] = payload
	return nil
}

// SetChangesPatch records the path of the spec diff.
func (s *Store) SetChangesPatch(path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.frozen {
		return ErrFrozen
	}
	s.changesPatch = path
	return nil
}

// SetSources records the roots of the old and new source trees.
func (s *Store) SetSources(oldRoot, newRoot string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.frozen {
		return ErrFrozen
	}
	s.sources = [2]string{oldRoot, newRoot}
	return nil
}

// Sources returns the roots recorded by SetSources.
func (s *Store) Sources() (oldRoot, newRoot string) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sources[0], s.sources[1]
}

// Abort records the error that stopped the run early. The run is frozen
// as failed regardless of its failure records.
func (s *Store) Abort(err error) error {
	if err == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.frozen {
		return ErrFrozen
	}
	s.abortErr = err.Error()
	return nil
}

// Artifact returns the artifact of a stage, if the stage succeeded.
func (s *Store) Artifact(version engine.Version, kind engine.ArtifactKind) (engine.BuildArtifact, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.artifacts[version][kind]
	return a, ok
}

// Failure returns the failure record of a version.
func (s *Store) Failure(version engine.Version) (engine.FailureRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.failures[version]
	return rec, ok
}

// Freeze finalizes the run status and makes the store read-only. Freezing
// twice is a no-op.
func (s *Store) Freeze() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.frozen {
		return
	}
	switch {
	case s.abortErr != "":
		s.status = engine.RunStatusFailed
	case len(s.detached) > 0:
		s.status = engine.RunStatusDetached
	case len(s.failures) > 0:
		s.status = engine.RunStatusFailed
	default:
		s.status = engine.RunStatusSucceeded
	}
	s.finishedAt = time.Now().UTC()
	s.frozen = true
}

// Frozen reports whether Freeze was called.
func (s *Store) Frozen() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.frozen
}

// Report returns a snapshot of the store. Slices are copies; checker
// payloads are shared and must not be modified.
func (s *Store) Report() *Report {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r := &Report{
		RunID:        s.runID,
		Package:      s.pkg,
		OldVersion:   s.oldVersion,
		NewVersion:   s.newVersion,
		Status:       s.status,
		StartedAt:    s.startedAt,
		CompletedAt:  s.finishedAt,
		Patches:      append([]engine.Patch(nil), s.patches...),
		Builds:       engine.BuildReport{Versions: make(map[engine.Version]engine.VersionReport, len(s.builds))},
		Detached:     append([]engine.RemoteTask(nil), s.detached...),
		OldSources:   s.sources[0],
		NewSources:   s.sources[1],
		ChangesPatch: s.changesPatch,
		Error:        s.abortErr,
	}

	for _, p := range s.patches {
		r.Applications = append(r.Applications, s.applications[p.Index]...)
	}
	for v, b := range s.builds {
		r.Builds.Versions[v] = b
	}
	for _, v := range engine.Versions {
		for _, kind := range []engine.ArtifactKind{engine.ArtifactSRPM, engine.ArtifactRPM} {
			if a, ok := s.artifacts[v][kind]; ok {
				r.Artifacts = append(r.Artifacts, a)
			}
		}
		if rec, ok := s.failures[v]; ok {
			r.Failures = append(r.Failures, rec)
		}
	}
	if len(s.checkers) > 0 {
		r.Checkers = make(map[string]map[string]any, len(s.checkers))
		for name, payload := range s.checkers {
			r.Checkers[name] = payload
		}
	}
	return r
}
