package rebase

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vcrhonek/rebase-helper/pkg/builder"
	"github.com/vcrhonek/rebase-helper/pkg/checkers"
	"github.com/vcrhonek/rebase-helper/pkg/engine"
	"github.com/vcrhonek/rebase-helper/pkg/patcher"
	"github.com/vcrhonek/rebase-helper/pkg/policy"
	"github.com/vcrhonek/rebase-helper/pkg/results"
	"github.com/vcrhonek/rebase-helper/pkg/specfile"
)

const testSpec = `Name:           foo
Version:        1.0
Release:        2%{?dist}
Summary:        Test package

Source0:        foo-%{version}.tar.gz
Patch0:         keep.patch
Patch1:         merged.patch
Patch2:         conflict.patch

%description
Test.

%prep
%autosetup -p1
`

const keepPatch = `--- a/main.c
+++ b/main.c
@@ -1 +1 @@
-int main(void) { return 1; }
+int main(void) { return 0; }
`

// fakeTool applies every patch cleanly except the outcomes keyed by
// "<tree>/<patch>".
type fakeTool struct {
	outcomes       map[string]*patcher.ApplyOutcome
	alreadyApplied map[string]bool
}

func (f *fakeTool) Apply(_ context.Context, dir, patchPath string, _ engine.PatchOptions) (*patcher.ApplyOutcome, error) {
	if out, ok := f.outcomes[filepath.Base(dir)+"/"+filepath.Base(patchPath)]; ok {
		return out, nil
	}
	return &patcher.ApplyOutcome{}, nil
}

func (f *fakeTool) AlreadyApplied(_ context.Context, dir, patchPath string, _ engine.PatchOptions) (bool, error) {
	return f.alreadyApplied[filepath.Base(dir)+"/"+filepath.Base(patchPath)], nil
}

type fakeOrchestrator struct {
	reqs   []engine.BuildRequest
	result func(reqs []engine.BuildRequest) *builder.Result
	err    error
}

func (f *fakeOrchestrator) Build(_ context.Context, reqs []engine.BuildRequest) (*builder.Result, error) {
	f.reqs = reqs
	if f.result == nil {
		return nil, f.err
	}
	return f.result(reqs), f.err
}

type fakeResumer struct {
	artifact *engine.BuildArtifact
	err      error
	taskID   string
	version  engine.Version
}

func (f *fakeResumer) Resume(_ context.Context, taskID string, version engine.Version, _ string) (*engine.BuildArtifact, error) {
	f.taskID = taskID
	f.version = version
	return f.artifact, f.err
}

// fakeChecker reports the number of packages it compared and remembers
// the source trees it was given.
type fakeChecker struct {
	runs    int
	sources [2]string
}

func (c *fakeChecker) Name() string                  { return "fake" }
func (c *fakeChecker) Category() engine.ArtifactKind { return engine.ArtifactRPM }
func (c *fakeChecker) Default() bool                 { return true }
func (c *fakeChecker) Format(map[string]any) []string {
	return []string{"fake"}
}

func (c *fakeChecker) RunCheck(_ context.Context, _ string, opts checkers.Options) (map[string]any, error) {
	c.runs++
	c.sources = [2]string{opts.OldSources, opts.NewSources}
	return map[string]any{"compared": len(opts.OldPackages) + len(opts.NewPackages)}, nil
}

type fixture struct {
	spec    *specfile.Spec
	opts    Options
	tool    *fakeTool
	checker *fakeChecker
}

func setup(t *testing.T) fixture {
	t.Helper()
	base := t.TempDir()

	specDir := filepath.Join(base, "package")
	for _, dir := range []string{specDir, filepath.Join(base, "old"), filepath.Join(base, "new")} {
		require.NoError(t, os.MkdirAll(dir, 0o755))
	}
	files := map[string]string{
		"foo.spec":       testSpec,
		"keep.patch":     keepPatch,
		"merged.patch":   keepPatch,
		"conflict.patch": "not a diff\n",
	}
	for name, content := range files {
		require.NoError(t, os.WriteFile(filepath.Join(specDir, name), []byte(content), 0o644))
	}

	spec, err := specfile.Parse(filepath.Join(specDir, "foo.spec"))
	require.NoError(t, err)

	return fixture{
		spec: spec,
		opts: Options{
			OldTree:    filepath.Join(base, "old"),
			NewTree:    filepath.Join(base, "new"),
			NewVersion: "1.1",
			ResultsDir: filepath.Join(base, "results"),
			Fuzz:       2,
			Outputs:    []string{"text", "json"},
		},
		tool: &fakeTool{
			outcomes: map[string]*patcher.ApplyOutcome{
				"new/conflict.patch": {ExitCode: 1, Output: "1 out of 1 hunk FAILED"},
			},
			alreadyApplied: map[string]bool{"new/merged.patch": true},
		},
		checker: &fakeChecker{},
	}
}

func (f fixture) pipeline(t *testing.T, orch Orchestrator, gate Gate) *Pipeline {
	t.Helper()
	p, err := New(Deps{
		PatchTool:    f.tool,
		Orchestrator: orch,
		Checkers:     checkers.NewRegistry(f.checker),
		Gate:         gate,
		Logger:       zerolog.Nop(),
	})
	require.NoError(t, err)
	p.newRunID = func() string { return "run-1" }
	return p
}

func artifact(version engine.Version, kind engine.ArtifactKind, name string) *engine.BuildArtifact {
	return &engine.BuildArtifact{Kind: kind, Version: version, Paths: []string{"/pkgs/" + name}}
}

func successfulBuild(reqs []engine.BuildRequest) *builder.Result {
	res := &builder.Result{Versions: make(map[engine.Version]*builder.VersionResult)}
	for _, req := range reqs {
		res.Versions[req.Version] = &builder.VersionResult{
			SRPM: builder.StageResult{Artifact: artifact(req.Version, engine.ArtifactSRPM, string(req.Version)+".src.rpm"), Attempts: 1},
			RPM:  builder.StageResult{Artifact: artifact(req.Version, engine.ArtifactRPM, string(req.Version)+".x86_64.rpm"), Attempts: 1},
		}
	}
	return res
}

func TestRunSucceeds(t *testing.T) {
	f := setup(t)
	orch := &fakeOrchestrator{result: successfulBuild}
	p := f.pipeline(t, orch, nil)

	out, err := p.Run(context.Background(), f.spec, f.opts)
	require.NoError(t, err)

	report := out.Report
	assert.Equal(t, "run-1", report.RunID)
	assert.Equal(t, engine.RunStatusSucceeded, report.Status)
	assert.Equal(t, "foo", report.Package)
	assert.Equal(t, "1.0", report.OldVersion)
	assert.Equal(t, "1.1", report.NewVersion)
	assert.Empty(t, report.Failures)
	assert.False(t, out.Blocked())

	statuses := map[string]engine.PatchStatus{}
	for _, patch := range report.Patches {
		statuses[patch.Name()] = patch.Status
		assert.Equal(t, 2, patch.Options.Fuzz, patch.Name())
	}
	assert.Equal(t, map[string]engine.PatchStatus{
		"keep.patch":     engine.PatchStatusModified,
		"merged.patch":   engine.PatchStatusUntouched,
		"conflict.patch": engine.PatchStatusInapplicable,
	}, statuses)

	require.Len(t, orch.reqs, 2)
	assert.Equal(t, engine.VersionOld, orch.reqs[0].Version)
	assert.Equal(t, f.spec.Path(), orch.reqs[0].SpecPath)
	assert.Equal(t, engine.VersionNew, orch.reqs[1].Version)
	assert.Equal(t, filepath.Join(RebasedSourcesDir, "foo.spec"), relTo(t, orch.reqs[1].SpecPath, 2))
	assert.Len(t, orch.reqs[0].Patches, 3)
	require.Len(t, orch.reqs[1].Patches, 2)
	for _, path := range orch.reqs[1].Patches {
		assert.NotEqual(t, "merged.patch", filepath.Base(path))
	}
	assert.Contains(t, report.Applications, engine.PatchApplicationResult{
		PatchIndex: 1, Version: engine.VersionNew, AlreadyApplied: true,
	})

	assert.Len(t, report.Artifacts, 4)
	assert.Equal(t, 1, f.checker.runs)
	assert.Equal(t, map[string]any{"compared": 2}, report.Checkers["fake"])
	assert.Equal(t, [2]string{f.opts.OldTree, f.opts.NewTree}, f.checker.sources)
	assert.Equal(t, f.opts.OldTree, report.OldSources)

	require.Len(t, out.Files, 2)
	for _, path := range out.Files {
		assert.FileExists(t, path)
	}

	rebased, err := os.ReadFile(orch.reqs[1].SpecPath)
	require.NoError(t, err)
	assert.Contains(t, string(rebased), "Version:        1.1\n")
	assert.Contains(t, string(rebased), "Release:        1%{?dist}\n")
	assert.Contains(t, string(rebased), "#Patch1:         merged.patch\n")

	changes, err := os.ReadFile(report.ChangesPatch)
	require.NoError(t, err)
	assert.Contains(t, string(changes), "--- a/foo.spec")
	assert.Contains(t, string(changes), "+Version:        1.1")
	assert.Contains(t, string(changes), "-Version:        1.0")
}

// relTo returns the last n elements of path.
func relTo(t *testing.T, path string, n int) string {
	t.Helper()
	dir := path
	for range n {
		dir = filepath.Dir(dir)
	}
	rel, err := filepath.Rel(dir, path)
	require.NoError(t, err)
	return rel
}

func TestRunClassifiesPrepFailureAsPatchConflict(t *testing.T) {
	f := setup(t)
	logDir := t.TempDir()
	buildLog := filepath.Join(logDir, "build.log")
	require.NoError(t, os.WriteFile(buildLog, []byte("+ cd foo-1.1\nerror: Bad exit status from /var/tmp/rpm-tmp.1 (%prep)\n"), 0o644))

	orch := &fakeOrchestrator{result: func(reqs []engine.BuildRequest) *builder.Result {
		res := successfulBuild(reqs)
		res.Versions[engine.VersionNew].RPM = builder.StageResult{
			Err:      engine.NewBinaryPackageBuildError("rpmbuild failed", 1),
			Attempts: 3,
			Logs:     []string{buildLog},
		}
		return res
	}}

	gate, err := policy.NewEngine(zerolog.Nop())
	require.NoError(t, err)
	p := f.pipeline(t, orch, gate)

	out, err := p.Run(context.Background(), f.spec, f.opts)
	require.NoError(t, err)

	assert.Equal(t, engine.RunStatusFailed, out.Report.Status)
	require.Len(t, out.Report.Failures, 1)
	assert.Equal(t, engine.FailureRecord{
		Category: engine.FailurePatchConflict,
		Version:  engine.VersionNew,
		Section:  "%prep",
	}, out.Report.Failures[0])

	assert.Equal(t, 0, f.checker.runs)
	require.NotNil(t, out.Gate)
	assert.True(t, out.Blocked())
}

func TestRunAbortsOnFatalBuildError(t *testing.T) {
	f := setup(t)
	fatal := engine.NewEnvironmentError("rpmbuild not found", nil).WithCode(engine.ErrCodeToolMissing)
	p := f.pipeline(t, &fakeOrchestrator{err: fatal}, nil)

	out, err := p.Run(context.Background(), f.spec, f.opts)
	require.Error(t, err)
	assert.ErrorIs(t, err, fatal)

	require.NotNil(t, out)
	assert.Equal(t, engine.RunStatusFailed, out.Report.Status)
	assert.Contains(t, out.Report.Error, "rpmbuild not found")
	assert.Len(t, out.Report.Patches, 3)
	assert.FileExists(t, filepath.Join(f.opts.ResultsDir, "report.txt"))
}

func TestRunRejectsInvalidOptions(t *testing.T) {
	f := setup(t)
	p := f.pipeline(t, &fakeOrchestrator{result: successfulBuild}, nil)

	opts := f.opts
	opts.NewVersion = ""
	_, err := p.Run(context.Background(), f.spec, opts)
	assert.Error(t, err)

	opts = f.opts
	opts.Checkers = []string{"nope"}
	_, err = p.Run(context.Background(), f.spec, opts)
	assert.Error(t, err)

	_, err = New(Deps{Orchestrator: &fakeOrchestrator{}})
	assert.Error(t, err)
}

func detachedBuild(reqs []engine.BuildRequest) *builder.Result {
	res := successfulBuild(reqs)
	res.Versions[engine.VersionNew].RPM = builder.StageResult{}
	res.Detached = []*engine.BuildHandle{{
		TaskID:  "task-1",
		Kind:    engine.ArtifactRPM,
		Version: engine.VersionNew,
		State:   engine.TaskStateRunning,
	}}
	return res
}

func TestRunDetachedThenResume(t *testing.T) {
	f := setup(t)
	f.opts.Outputs = []string{"text"}
	p := f.pipeline(t, &fakeOrchestrator{result: detachedBuild}, nil)

	out, err := p.Run(context.Background(), f.spec, f.opts)
	require.NoError(t, err)
	assert.Equal(t, engine.RunStatusDetached, out.Report.Status)
	assert.Equal(t, []engine.RemoteTask{{ID: "task-1", State: engine.TaskStateRunning, Version: engine.VersionNew}}, out.Report.Detached)
	assert.Equal(t, 0, f.checker.runs)

	data, err := os.ReadFile(filepath.Join(f.opts.ResultsDir, ReportFile))
	require.NoError(t, err)
	var saved results.Report
	require.NoError(t, json.Unmarshal(data, &saved))
	assert.Equal(t, engine.RunStatusDetached, saved.Status)

	resumer := &fakeResumer{artifact: artifact(engine.VersionNew, engine.ArtifactRPM, "new.x86_64.rpm")}
	resumed, err := p.Resume(context.Background(), resumer, ResumeOptions{
		ResultsDir: f.opts.ResultsDir,
		TaskID:     "task-1",
		Outputs:    []string{"json"},
	})
	require.NoError(t, err)

	assert.Equal(t, "task-1", resumer.taskID)
	assert.Equal(t, engine.VersionNew, resumer.version)
	assert.Equal(t, "run-1", resumed.Report.RunID)
	assert.Equal(t, engine.RunStatusSucceeded, resumed.Report.Status)
	assert.Empty(t, resumed.Report.Detached)
	assert.Len(t, resumed.Report.Artifacts, 4)
	assert.Equal(t, 1, f.checker.runs)
	assert.Equal(t, [2]string{f.opts.OldTree, f.opts.NewTree}, f.checker.sources, "source trees come from the saved report")
}

func bothDetachedBuild(reqs []engine.BuildRequest) *builder.Result {
	res := successfulBuild(reqs)
	for _, v := range []engine.Version{engine.VersionOld, engine.VersionNew} {
		res.Versions[v].RPM = builder.StageResult{}
		res.Detached = append(res.Detached, &engine.BuildHandle{
			TaskID:  "task-" + string(v),
			Kind:    engine.ArtifactRPM,
			Version: v,
			State:   engine.TaskStateRunning,
		})
	}
	return res
}

func TestResumeUsesRecordedVersion(t *testing.T) {
	f := setup(t)
	p := f.pipeline(t, &fakeOrchestrator{result: bothDetachedBuild}, nil)

	out, err := p.Run(context.Background(), f.spec, f.opts)
	require.NoError(t, err)
	assert.Equal(t, []engine.RemoteTask{
		{ID: "task-old", State: engine.TaskStateRunning, Version: engine.VersionOld},
		{ID: "task-new", State: engine.TaskStateRunning, Version: engine.VersionNew},
	}, out.Report.Detached)

	old := &fakeResumer{err: engine.NewBinaryPackageBuildError("remote build failed", 1)}
	out, err = p.Resume(context.Background(), old, ResumeOptions{ResultsDir: f.opts.ResultsDir, TaskID: "task-old"})
	require.NoError(t, err)
	assert.Equal(t, engine.VersionOld, old.version)
	require.Len(t, out.Report.Failures, 1)
	assert.Equal(t, engine.VersionOld, out.Report.Failures[0].Version)
	assert.True(t, out.Report.Builds.Versions[engine.VersionOld].RPM.Failed)
	assert.False(t, out.Report.Builds.Versions[engine.VersionNew].RPM.Failed)

	_, err = p.Resume(context.Background(), &fakeResumer{}, ResumeOptions{
		ResultsDir: f.opts.ResultsDir,
		TaskID:     "task-new",
		Version:    engine.VersionOld,
	})
	assert.ErrorContains(t, err, "builds the new version")

	newer := &fakeResumer{err: engine.NewBinaryPackageBuildError("remote build failed", 2)}
	out, err = p.Resume(context.Background(), newer, ResumeOptions{
		ResultsDir: f.opts.ResultsDir,
		TaskID:     "task-new",
		Version:    engine.VersionNew,
	})
	require.NoError(t, err)
	assert.Equal(t, engine.VersionNew, newer.version)
	assert.Empty(t, out.Report.Detached)
	require.Len(t, out.Report.Failures, 2)
	assert.ElementsMatch(t, []engine.Version{engine.VersionOld, engine.VersionNew},
		[]engine.Version{out.Report.Failures[0].Version, out.Report.Failures[1].Version})
}

func TestResumeRecordsFailure(t *testing.T) {
	f := setup(t)
	p := f.pipeline(t, &fakeOrchestrator{result: detachedBuild}, nil)

	_, err := p.Run(context.Background(), f.spec, f.opts)
	require.NoError(t, err)

	resumer := &fakeResumer{err: engine.NewBinaryPackageBuildError("remote build failed", 1)}
	out, err := p.Resume(context.Background(), resumer, ResumeOptions{
		ResultsDir: f.opts.ResultsDir,
		TaskID:     "task-1",
		Version:    engine.VersionNew,
	})
	require.NoError(t, err)

	assert.Equal(t, engine.RunStatusFailed, out.Report.Status)
	require.Len(t, out.Report.Failures, 1)
	assert.Equal(t, engine.FailureBinaryPackageBuild, out.Report.Failures[0].Category)
	assert.True(t, out.Report.Builds.Versions[engine.VersionNew].RPM.Failed)
}

func TestResumeUnknownTask(t *testing.T) {
	f := setup(t)
	p := f.pipeline(t, &fakeOrchestrator{result: detachedBuild}, nil)

	_, err := p.Run(context.Background(), f.spec, f.opts)
	require.NoError(t, err)

	_, err = p.Resume(context.Background(), &fakeResumer{}, ResumeOptions{
		ResultsDir: f.opts.ResultsDir,
		TaskID:     "task-9",
		Version:    engine.VersionNew,
	})
	assert.Error(t, err)

	_, err = p.Resume(context.Background(), &fakeResumer{}, ResumeOptions{
		ResultsDir: t.TempDir(),
		TaskID:     "task-1",
		Version:    engine.VersionNew,
	})
	assert.Error(t, err)
}
