package results

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/vcrhonek/rebase-helper/pkg/engine"
)

// LoadReport reads a report written by the json output tool, or the same
// document in YAML.
func LoadReport(path string) (*Report, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read report: %w", err)
	}

	var r Report
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		err = json.Unmarshal(data, &r)
	default:
		err = yaml.Unmarshal(data, &r)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse report %s: %w", path, err)
	}
	if r.Builds.Versions == nil {
		r.Builds.Versions = make(map[engine.Version]engine.VersionReport)
	}
	return &r, nil
}

// Restore creates an open store holding the contents of a report, so a
// run that left remote builds behind can be completed.
func Restore(r *Report) (*Store, error) {
	s := New(r.RunID, r.Package, r.OldVersion, r.NewVersion)
	if !r.StartedAt.IsZero() {
		s.startedAt = r.StartedAt
	}

	if err := s.SetPatches(r.Patches); err != nil {
		return nil, err
	}
	for _, a := range r.Applications {
		if err := s.AddApplication(a); err != nil {
			return nil, err
		}
	}
	for v, b := range r.Builds.Versions {
		if err := s.SetBuild(v, b); err != nil {
			return nil, err
		}
	}
	for _, a := range r.Artifacts {
		if err := s.AddArtifact(a); err != nil {
			return nil, err
		}
	}
	for _, f := range r.Failures {
		if err := s.AddFailure(f); err != nil {
			return nil, err
		}
	}
	for _, t := range r.Detached {
		if err := s.AddDetached(t); err != nil {
			return nil, err
		}
	}
	for name, payload := range r.Checkers {
		if err := s.SetCheckerResult(name, payload); err != nil {
			return nil, err
		}
	}
	if err := s.SetChangesPatch(r.ChangesPatch); err != nil {
		return nil, err
	}
	if err := s.SetSources(r.OldSources, r.NewSources); err != nil {
		return nil, err
	}
	return s, nil
}

// ResolveDetached removes a remote task from the detached list once its
// outcome has been collected and returns the task as it was recorded.
func (s *Store) ResolveDetached(taskID string) (engine.RemoteTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.frozen {
		return engine.RemoteTask{}, ErrFrozen
	}
	for i, t := range s.detached {
		if t.ID == taskID {
			s.detached = append(s.detached[:i], s.detached[i+1:]...)
			return t, nil
		}
	}
	return engine.RemoteTask{}, fmt.Errorf("task %s is not detached in run %s", taskID, s.runID)
}
