package builder

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vcrhonek/rebase-helper/pkg/engine"
	"github.com/vcrhonek/rebase-helper/pkg/process"
)

// fakeRpmbuild imitates rpmbuild and mock: it writes packages where the
// real tool would and exits with a scripted code.
type fakeRpmbuild struct {
	exitCode int
	extraLog string
	startErr error
	commands []process.Command
}

func (f *fakeRpmbuild) Run(_ context.Context, cmd process.Command) (*process.Result, error) {
	f.commands = append(f.commands, cmd)
	if f.startErr != nil {
		return nil, f.startErr
	}

	if cmd.LogFile != "" {
		if err := os.WriteFile(cmd.LogFile, []byte("build output\n"), 0o644); err != nil {
			return nil, err
		}
	}
	if f.extraLog != "" {
		_ = os.WriteFile(filepath.Join(filepath.Dir(cmd.LogFile), f.extraLog), []byte("details\n"), 0o644)
	}
	if f.exitCode != 0 {
		return &process.Result{ExitCode: f.exitCode}, nil
	}

	topdir := ""
	resultdir := ""
	for i, arg := range cmd.Args {
		if strings.HasPrefix(arg, "_topdir ") {
			topdir = strings.TrimPrefix(arg, "_topdir ")
		}
		if arg == "--resultdir" && i+1 < len(cmd.Args) {
			resultdir = cmd.Args[i+1]
		}
	}

	var outputs []string
	switch {
	case contains(cmd.Args, "-bs"):
		outputs = []string{filepath.Join(topdir, DirSRPMS, "foo-1.0-1.src.rpm")}
	case contains(cmd.Args, "--buildsrpm"):
		outputs = []string{filepath.Join(resultdir, "foo-1.0-1.src.rpm")}
	case topdir != "":
		outputs = []string{
			filepath.Join(topdir, DirRPMS, "x86_64", "foo-1.0-1.x86_64.rpm"),
			filepath.Join(topdir, DirRPMS, "noarch", "foo-doc-1.0-1.noarch.rpm"),
		}
	default:
		outputs = []string{
			filepath.Join(resultdir, "foo-1.0-1.src.rpm"),
			filepath.Join(resultdir, "foo-1.0-1.x86_64.rpm"),
		}
	}
	for _, out := range outputs {
		if err := os.MkdirAll(filepath.Dir(out), 0o755); err != nil {
			return nil, err
		}
		if err := os.WriteFile(out, []byte("rpm"), 0o644); err != nil {
			return nil, err
		}
	}
	return &process.Result{}, nil
}

func contains(args []string, want string) bool {
	for _, a := range args {
		if a == want {
			return true
		}
	}
	return false
}

func localRequest(t *testing.T) engine.BuildRequest {
	t.Helper()
	dir := t.TempDir()
	spec := filepath.Join(dir, "foo.spec")
	source := filepath.Join(dir, "foo-1.0.tar.gz")
	patch := filepath.Join(dir, "foo-fix.patch")
	for _, f := range []string{spec, source, patch} {
		require.NoError(t, os.WriteFile(f, []byte(filepath.Base(f)), 0o644))
	}
	return engine.BuildRequest{
		Version:    engine.VersionNew,
		SpecPath:   spec,
		Sources:    []string{source},
		Patches:    []string{patch},
		ResultsDir: VersionResultsDir(filepath.Join(dir, "results"), engine.VersionNew),
	}
}

func TestLocalBuildSRPM(t *testing.T) {
	runner := &fakeRpmbuild{}
	l, err := NewLocal(runner, LocalOptions{}, zerolog.Nop())
	require.NoError(t, err)
	req := localRequest(t)

	h, err := l.Submit(context.Background(), engine.ArtifactSRPM, req)
	require.NoError(t, err)
	assert.True(t, h.Done(), "local builds are synchronous")

	artifact, err := l.Await(context.Background(), h)
	require.NoError(t, err)
	stage := filepath.Join(req.ResultsDir, "SRPM")
	assert.Equal(t, []string{filepath.Join(stage, "foo-1.0-1.src.rpm")}, artifact.Paths)
	assert.Equal(t, []string{filepath.Join(stage, LogBuild)}, artifact.Logs)

	require.Len(t, runner.commands, 1)
	cmd := runner.commands[0]
	assert.Equal(t, ToolRpmbuild, cmd.Name)
	assert.Equal(t, "foo.spec", cmd.Args[len(cmd.Args)-1])

	// The build root held the sources and was removed afterwards.
	root := filepath.Dir(cmd.Dir)
	_, statErr := os.Stat(root)
	assert.True(t, os.IsNotExist(statErr), "build root must be removed")
	assert.Equal(t, filepath.Join(root, DirHome), cmd.Env["HOME"])
}

func TestLocalBuildRPMCollectsBinaryPackages(t *testing.T) {
	l, err := NewLocal(&fakeRpmbuild{}, LocalOptions{}, zerolog.Nop())
	require.NoError(t, err)
	req := localRequest(t)
	req.SRPM = "/tmp/foo-1.0-1.src.rpm"

	h, err := l.Submit(context.Background(), engine.ArtifactRPM, req)
	require.NoError(t, err)
	artifact, err := l.Await(context.Background(), h)
	require.NoError(t, err)

	stage := filepath.Join(req.ResultsDir, "RPM")
	assert.ElementsMatch(t, []string{
		filepath.Join(stage, "foo-1.0-1.x86_64.rpm"),
		filepath.Join(stage, "foo-doc-1.0-1.noarch.rpm"),
	}, artifact.Paths)
}

func TestLocalMockKeepsSourcePackagesOut(t *testing.T) {
	l, err := NewLocal(&fakeRpmbuild{}, LocalOptions{Tool: ToolMock}, zerolog.Nop())
	require.NoError(t, err)
	req := localRequest(t)
	req.SRPM = "/tmp/foo-1.0-1.src.rpm"

	h, err := l.Submit(context.Background(), engine.ArtifactRPM, req)
	require.NoError(t, err)
	require.NoError(t, h.Err)
	assert.Equal(t, []string{filepath.Join(req.ResultsDir, "RPM", "foo-1.0-1.x86_64.rpm")}, h.Artifact.Paths)
}

func TestLocalFailureLogSelection(t *testing.T) {
	tests := []struct {
		name     string
		tool     string
		exitCode int
		extraLog string
		wantLog  string
	}{
		{"rpmbuild exit 1", ToolRpmbuild, 1, "", LogBuild},
		{"mock exit 1 without build.log", ToolMock, 1, "", LogMockOutput},
		{"mock exit 1 with build.log", ToolMock, 1, LogBuild, LogBuild},
		{"mock exit 30", ToolMock, 30, "", LogRoot},
		{"rpmbuild exit 2", ToolRpmbuild, 2, "", LogBuild},
		{"rpmbuild exit 2 next to a stale root.log", ToolRpmbuild, 2, LogRoot, LogBuild},
		{"mock exit 2", ToolMock, 2, "", LogRoot},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l, err := NewLocal(&fakeRpmbuild{exitCode: tt.exitCode, extraLog: tt.extraLog}, LocalOptions{Tool: tt.tool}, zerolog.Nop())
			require.NoError(t, err)
			req := localRequest(t)

			h, err := l.Submit(context.Background(), engine.ArtifactSRPM, req)
			require.NoError(t, err)
			assert.Equal(t, engine.TaskStateFailed, h.State)
			require.True(t, engine.IsSourcePackageBuild(h.Err))

			var rerr *engine.RebaseError
			require.True(t, errors.As(h.Err, &rerr))
			assert.Equal(t, filepath.Join(req.ResultsDir, "SRPM", tt.wantLog), rerr.LogFile)
			assert.Equal(t, engine.VersionNew, rerr.Version)
		})
	}
}

func TestLocalRPMFailureCarriesExitCode(t *testing.T) {
	l, err := NewLocal(&fakeRpmbuild{exitCode: 1}, LocalOptions{}, zerolog.Nop())
	require.NoError(t, err)
	req := localRequest(t)
	req.SRPM = "/tmp/foo-1.0-1.src.rpm"

	h, err := l.Submit(context.Background(), engine.ArtifactRPM, req)
	require.NoError(t, err)
	_, err = l.Await(context.Background(), h)
	require.True(t, engine.IsBinaryPackageBuild(err))
	assert.Equal(t, 1, engine.ExitCodeOf(err))
}

func TestLocalMissingToolIsFatal(t *testing.T) {
	l, err := NewLocal(&fakeRpmbuild{startErr: errors.New("executable file not found")}, LocalOptions{}, zerolog.Nop())
	require.NoError(t, err)

	_, err = l.Submit(context.Background(), engine.ArtifactSRPM, localRequest(t))
	require.Error(t, err)
	assert.True(t, engine.IsFatal(err))
}

func TestNewLocalRejectsUnknownTool(t *testing.T) {
	_, err := NewLocal(&fakeRpmbuild{}, LocalOptions{Tool: "koji"}, zerolog.Nop())
	assert.Error(t, err)
}
