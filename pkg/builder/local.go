package builder

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"

	"github.com/vcrhonek/rebase-helper/pkg/engine"
	"github.com/vcrhonek/rebase-helper/pkg/process"
)

// Supported local build tools.
const (
	ToolRpmbuild = "rpmbuild"
	ToolMock     = "mock"
)

// Log files written into a stage directory.
const (
	LogBuild      = "build.log"
	LogMockOutput = "mock_output.log"
	LogRoot       = "root.log"
)

// LocalOptions configures a Local builder.
type LocalOptions struct {
	// Tool is rpmbuild or mock.
	Tool string

	// ExtraArgs are appended to every tool invocation (e.g. "-r fedora-rawhide-x86_64").
	ExtraArgs []string

	// KeepBuildRoot leaves the temporary build root in place for debugging.
	KeepBuildRoot bool
}

// Local builds packages on this machine inside a throwaway build root.
type Local struct {
	runner process.Runner
	opts   LocalOptions
	logger zerolog.Logger
}

var _ engine.Builder = (*Local)(nil)

// NewLocal creates a local builder.
func NewLocal(runner process.Runner, opts LocalOptions, logger zerolog.Logger) (*Local, error) {
	switch opts.Tool {
	case "":
		opts.Tool = ToolRpmbuild
	case ToolRpmbuild, ToolMock:
	default:
		return nil, fmt.Errorf("unsupported build tool: %s", opts.Tool)
	}
	return &Local{
		runner: runner,
		opts:   opts,
		logger: logger.With().Str("builder", "local").Str("tool", opts.Tool).Logger(),
	}, nil
}

// Name returns the builder name.
func (l *Local) Name() string {
	return "local"
}

// Submit runs the build to completion and returns a terminal handle.
func (l *Local) Submit(ctx context.Context, kind engine.ArtifactKind, req engine.BuildRequest) (*engine.BuildHandle, error) {
	if err := req.Version.Validate(); err != nil {
		return nil, engine.NewPipelineError("invalid build request", err)
	}

	var (
		artifact *engine.BuildArtifact
		err      error
	)
	switch kind {
	case engine.ArtifactSRPM:
		artifact, err = l.buildSRPM(ctx, req)
	case engine.ArtifactRPM:
		artifact, err = l.buildRPM(ctx, req)
	default:
		return nil, engine.NewPipelineError(fmt.Sprintf("unknown artifact kind %q", kind), nil)
	}

	if err != nil && engine.IsFatal(err) {
		return nil, err
	}
	return engine.CompletedHandle(kind, req, artifact, err), nil
}

// Await returns the result of a handle produced by Submit.
func (l *Local) Await(_ context.Context, handle *engine.BuildHandle) (*engine.BuildArtifact, error) {
	if !handle.Done() {
		return nil, engine.NewPipelineError("local build handle is not terminal", nil)
	}
	return handle.Artifact, handle.Err
}

func (l *Local) buildSRPM(ctx context.Context, req engine.BuildRequest) (*engine.BuildArtifact, error) {
	if req.SpecPath == "" {
		return nil, engine.NewPipelineError("spec file is required to build a source package", nil)
	}

	root, stageDir, err := l.prepare(req, engine.ArtifactSRPM)
	if err != nil {
		return nil, err
	}
	defer l.cleanup(root)

	cmd := process.Command{
		Name: l.opts.Tool,
		Dir:  root.Dir(DirSpecs),
		Env:  root.Env(),
	}
	switch l.opts.Tool {
	case ToolMock:
		cmd.Args = []string{"--buildsrpm", "--spec", root.SpecPath, "--sources", root.Dir(DirSources), "--resultdir", stageDir}
		cmd.LogFile = filepath.Join(stageDir, LogMockOutput)
	default:
		cmd.Args = []string{"-bs", "--define", "_topdir " + root.Path, filepath.Base(root.SpecPath)}
		cmd.LogFile = filepath.Join(stageDir, LogBuild)
	}
	cmd.Args = append(cmd.Args, l.opts.ExtraArgs...)

	l.logger.Info().Str("version", string(req.Version)).Msg("building source package")
	res, err := l.runner.Run(ctx, cmd)
	if err != nil {
		return nil, engine.NewEnvironmentError(fmt.Sprintf("failed to run %s", l.opts.Tool), err).WithVersion(req.Version)
	}

	if res.ExitCode != 0 {
		logFile := failureLog(l.opts.Tool, stageDir, res.ExitCode)
		l.logger.Warn().Str("version", string(req.Version)).Int("exit_code", res.ExitCode).Str("log", logFile).
			Msg("source package build failed")
		return nil, engine.NewSourcePackageBuildError("building SRPM failed", logFile).
			WithVersion(req.Version).
			WithOperation("build-srpm").
			WithDetail("exit_code", res.ExitCode)
	}

	paths, err := collectPackages(root.Path, stageDir, true)
	if err != nil {
		return nil, err
	}
	if len(paths) == 0 {
		paths, err = collectPackages(stageDir, stageDir, true)
		if err != nil {
			return nil, err
		}
	}
	if len(paths) == 0 {
		return nil, engine.NewSourcePackageBuildError("build finished but produced no source package", filepath.Join(stageDir, LogBuild)).
			WithVersion(req.Version).
			WithOperation("build-srpm")
	}

	return &engine.BuildArtifact{
		Kind:    engine.ArtifactSRPM,
		Version: req.Version,
		Paths:   paths[:1],
		Logs:    CollectLogs(stageDir),
	}, nil
}

func (l *Local) buildRPM(ctx context.Context, req engine.BuildRequest) (*engine.BuildArtifact, error) {
	if req.SRPM == "" {
		return nil, engine.NewPipelineError("source package is required to build binary packages", nil)
	}

	root, stageDir, err := l.prepare(req, engine.ArtifactRPM)
	if err != nil {
		return nil, err
	}
	defer l.cleanup(root)

	cmd := process.Command{
		Name: l.opts.Tool,
		Dir:  root.Path,
		Env:  root.Env(),
	}
	switch l.opts.Tool {
	case ToolMock:
		cmd.Args = []string{"--rebuild", req.SRPM, "--resultdir", stageDir}
		cmd.LogFile = filepath.Join(stageDir, LogMockOutput)
	default:
		cmd.Args = []string{"--rebuild", "--define", "_topdir " + root.Path, req.SRPM}
		cmd.LogFile = filepath.Join(stageDir, LogBuild)
	}
	cmd.Args = append(cmd.Args, l.opts.ExtraArgs...)

	l.logger.Info().Str("version", string(req.Version)).Str("srpm", req.SRPM).Msg("building binary packages")
	res, err := l.runner.Run(ctx, cmd)
	if err != nil {
		return nil, engine.NewEnvironmentError(fmt.Sprintf("failed to run %s", l.opts.Tool), err).WithVersion(req.Version)
	}

	if res.ExitCode != 0 {
		logFile := failureLog(l.opts.Tool, stageDir, res.ExitCode)
		l.logger.Warn().Str("version", string(req.Version)).Int("exit_code", res.ExitCode).Str("log", logFile).
			Msg("binary package build failed")
		return nil, engine.NewBinaryPackageBuildError("building RPMs failed", res.ExitCode).
			WithVersion(req.Version).
			WithOperation("build-rpm").
			WithLogFile(logFile)
	}

	searchRoot := root.Dir(DirRPMS)
	if l.opts.Tool == ToolMock {
		searchRoot = stageDir
	}
	paths, err := collectPackages(searchRoot, stageDir, false)
	if err != nil {
		return nil, err
	}

	return &engine.BuildArtifact{
		Kind:    engine.ArtifactRPM,
		Version: req.Version,
		Paths:   paths,
		Logs:    CollectLogs(stageDir),
	}, nil
}

func (l *Local) prepare(req engine.BuildRequest, kind engine.ArtifactKind) (*BuildRoot, string, error) {
	stageDir := StageDir(req, kind)
	if err := os.MkdirAll(stageDir, 0o755); err != nil {
		return nil, "", engine.NewEnvironmentError("failed to create results directory", err)
	}

	root, err := NewBuildRoot(req)
	if err != nil {
		return nil, "", err
	}
	l.logger.Debug().Str("build_root", root.Path).Str("stage", string(kind)).Msg("build root prepared")
	return root, stageDir, nil
}

func (l *Local) cleanup(root *BuildRoot) {
	if l.opts.KeepBuildRoot {
		l.logger.Info().Str("build_root", root.Path).Msg("keeping build root")
		return
	}
	if err := root.Cleanup(); err != nil {
		l.logger.Warn().Err(err).Str("build_root", root.Path).Msg("failed to remove build root")
	}
}

// failureLog picks the log that explains a failed build. rpmbuild only
// writes build.log. For mock it is build.log for exit code 1
// (mock_output.log when mock produced no build.log) and root.log for any
// other code.
func failureLog(tool, stageDir string, exitCode int) string {
	buildLog := filepath.Join(stageDir, LogBuild)
	if tool != ToolMock {
		return buildLog
	}
	if exitCode != 1 {
		return filepath.Join(stageDir, LogRoot)
	}
	if _, err := os.Stat(buildLog); os.IsNotExist(err) {
		mockLog := filepath.Join(stageDir, LogMockOutput)
		if _, err := os.Stat(mockLog); err == nil {
			return mockLog
		}
	}
	return buildLog
}
