package results

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vcrhonek/rebase-helper/pkg/engine"
)

func TestStoreRecordsRun(t *testing.T) {
	s := New("run-1", "foo", "1.0", "1.1")

	require.NoError(t, s.SetPatches([]engine.Patch{
		{Index: 2, Path: "/p/two.patch", Status: engine.PatchStatusDeleted},
		{Index: 1, Path: "/p/one.patch", Status: engine.PatchStatusModified},
	}))
	require.NoError(t, s.AddApplication(engine.PatchApplicationResult{PatchIndex: 2, Version: engine.VersionOld}))
	require.NoError(t, s.AddApplication(engine.PatchApplicationResult{PatchIndex: 1, Version: engine.VersionOld}))
	require.NoError(t, s.AddApplication(engine.PatchApplicationResult{PatchIndex: 1, Version: engine.VersionNew, ExitCode: 1}))

	require.NoError(t, s.AddArtifact(engine.BuildArtifact{Kind: engine.ArtifactSRPM, Version: engine.VersionNew, Paths: []string{"/r/foo.src.rpm"}}))
	require.NoError(t, s.AddArtifact(engine.BuildArtifact{Kind: engine.ArtifactSRPM, Version: engine.VersionOld, Paths: []string{"/r/old.src.rpm"}}))
	require.NoError(t, s.AddFailure(engine.FailureRecord{Category: engine.FailureBinaryPackageBuild, Version: engine.VersionNew, Section: "%check"}))
	require.NoError(t, s.SetCheckerResult("rpmdiff", map[string]any{"changes": 3}))

	s.Freeze()
	r := s.Report()

	assert.Equal(t, "run-1", r.RunID)
	assert.Equal(t, engine.RunStatusFailed, r.Status)
	assert.False(t, r.CompletedAt.IsZero())

	require.Len(t, r.Patches, 2)
	assert.Equal(t, 1, r.Patches[0].Index)
	require.Len(t, r.Applications, 3)
	assert.Equal(t, 1, r.Applications[0].PatchIndex)
	assert.Equal(t, 2, r.Applications[2].PatchIndex)

	require.Len(t, r.Artifacts, 2)
	assert.Equal(t, engine.VersionOld, r.Artifacts[0].Version)
	require.Len(t, r.Failures, 1)
	assert.Equal(t, "%check", r.Failures[0].Section)
	assert.Equal(t, 3, r.Checkers["rpmdiff"]["changes"])

	summary := r.Summary()
	assert.Equal(t, "foo", summary.Package)
	assert.Len(t, summary.Failures, 1)
}

func TestStoreOneFailurePerVersion(t *testing.T) {
	s := New("run", "foo", "1", "2")
	require.NoError(t, s.AddFailure(engine.FailureRecord{Category: engine.FailureSourcePackageBuild, Version: engine.VersionOld}))

	err := s.AddFailure(engine.FailureRecord{Category: engine.FailureBinaryPackageBuild, Version: engine.VersionOld})
	assert.ErrorIs(t, err, ErrDuplicateFailure)

	rec, ok := s.Failure(engine.VersionOld)
	require.True(t, ok)
	assert.Equal(t, engine.FailureSourcePackageBuild, rec.Category)
}

func TestStoreRejectsInvalidInput(t *testing.T) {
	s := New("run", "foo", "1", "2")

	assert.Error(t, s.SetPatches([]engine.Patch{{Index: 1, Path: "/p/x.patch"}}), "status is required")
	assert.Error(t, s.AddArtifact(engine.BuildArtifact{Kind: engine.ArtifactRPM, Version: engine.VersionNew}), "no packages")
	assert.Error(t, s.AddFailure(engine.FailureRecord{Category: "weird", Version: engine.VersionNew}))
	assert.Error(t, s.SetBuild("newer", engine.VersionReport{}))

	_, ok := s.Artifact(engine.VersionNew, engine.ArtifactRPM)
	assert.False(t, ok)
}

func TestStoreFrozenIsReadOnly(t *testing.T) {
	s := New("run", "foo", "1", "2")
	require.NoError(t, s.AddDetached(engine.RemoteTask{ID: "t1", State: engine.TaskStateRunning}))
	s.Freeze()
	s.Freeze()

	assert.True(t, s.Frozen())
	assert.Equal(t, engine.RunStatusDetached, s.Report().Status)

	assert.ErrorIs(t, s.SetPatches(nil), ErrFrozen)
	assert.ErrorIs(t, s.AddApplication(engine.PatchApplicationResult{Version: engine.VersionOld}), ErrFrozen)
	assert.ErrorIs(t, s.SetBuild(engine.VersionOld, engine.VersionReport{}), ErrFrozen)
	assert.ErrorIs(t, s.AddArtifact(engine.BuildArtifact{Kind: engine.ArtifactRPM, Version: engine.VersionOld, Paths: []string{"x"}}), ErrFrozen)
	assert.ErrorIs(t, s.AddFailure(engine.FailureRecord{Category: engine.FailurePatchConflict, Version: engine.VersionOld}), ErrFrozen)
	assert.ErrorIs(t, s.AddDetached(engine.RemoteTask{}), ErrFrozen)
	assert.ErrorIs(t, s.SetCheckerResult("x", nil), ErrFrozen)
	assert.ErrorIs(t, s.SetChangesPatch("x"), ErrFrozen)
}

func TestStoreSucceededWithoutFailures(t *testing.T) {
	s := New("run", "foo", "1", "2")
	assert.Equal(t, engine.RunStatusRunning, s.Report().Status)
	s.Freeze()
	assert.Equal(t, engine.RunStatusSucceeded, s.Report().Status)
}

func TestStoreAbortMarksRunFailed(t *testing.T) {
	s := New("run", "foo", "1", "2")
	require.NoError(t, s.AddDetached(engine.RemoteTask{ID: "t1", State: engine.TaskStateRunning}))
	require.NoError(t, s.Abort(nil))
	require.NoError(t, s.Abort(errors.New("upload failed")))
	s.Freeze()

	r := s.Report()
	assert.Equal(t, engine.RunStatusFailed, r.Status)
	assert.Equal(t, "upload failed", r.Error)
	assert.ErrorIs(t, s.Abort(errors.New("late")), ErrFrozen)
}

func TestRestoreAndResolveDetached(t *testing.T) {
	s := New("run-1", "foo", "1.0", "1.1")
	require.NoError(t, s.SetPatches([]engine.Patch{{Index: 0, Path: "a.patch", Status: engine.PatchStatusModified}}))
	require.NoError(t, s.AddArtifact(engine.BuildArtifact{Kind: engine.ArtifactRPM, Version: engine.VersionOld, Paths: []string{"old.rpm"}}))
	require.NoError(t, s.AddDetached(engine.RemoteTask{ID: "task-1", State: engine.TaskStateRunning, Version: engine.VersionOld}))
	require.NoError(t, s.SetSources("/src/foo-1.0", "/src/foo-1.1"))
	s.Freeze()

	restored, err := Restore(s.Report())
	require.NoError(t, err)
	assert.False(t, restored.Frozen())
	assert.Equal(t, "run-1", restored.RunID())

	_, ok := restored.Artifact(engine.VersionOld, engine.ArtifactRPM)
	assert.True(t, ok)
	oldRoot, newRoot := restored.Sources()
	assert.Equal(t, "/src/foo-1.0", oldRoot)
	assert.Equal(t, "/src/foo-1.1", newRoot)

	_, err = restored.ResolveDetached("task-9")
	assert.Error(t, err)
	task, err := restored.ResolveDetached("task-1")
	require.NoError(t, err)
	assert.Equal(t, engine.VersionOld, task.Version)
	restored.Freeze()

	r := restored.Report()
	assert.Equal(t, engine.RunStatusSucceeded, r.Status)
	assert.Empty(t, r.Detached)
	assert.Len(t, r.Patches, 1)
}

func TestLoadReport(t *testing.T) {
	dir := t.TempDir()
	yamlPath := filepath.Join(dir, "report.yaml")
	require.NoError(t, os.WriteFile(yamlPath, []byte(`run_id: r1
package: foo
builds:
  versions:
    new:
      rpm:
        failed: true
        exit_code: 1
        logs: [/r/new-build/RPM/build.log]
`), 0o644))

	r, err := LoadReport(yamlPath)
	require.NoError(t, err)
	assert.Equal(t, "r1", r.RunID)
	assert.True(t, r.Builds.Versions[engine.VersionNew].RPM.Failed)
	assert.Equal(t, []string{"/r/new-build/RPM/build.log"}, r.Builds.Versions[engine.VersionNew].RPM.Logs)

	jsonPath := filepath.Join(dir, "report.json")
	require.NoError(t, os.WriteFile(jsonPath, []byte(`{"run_id": "r2", "status": "failed"}`), 0o644))
	r, err = LoadReport(jsonPath)
	require.NoError(t, err)
	assert.Equal(t, engine.RunStatusFailed, r.Status)
	assert.NotNil(t, r.Builds.Versions)

	_, err = LoadReport(filepath.Join(dir, "missing.json"))
	assert.Error(t, err)
}
