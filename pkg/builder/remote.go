package builder

import (
	"context"
	"errors"
	"fmt"
	"path"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/vcrhonek/rebase-helper/pkg/engine"
	"github.com/vcrhonek/rebase-helper/pkg/poller"
	"github.com/vcrhonek/rebase-helper/pkg/telemetry"
	"github.com/vcrhonek/rebase-helper/pkg/transports/ssh"
)

// Files kept in every remote task directory.
const (
	remoteStateFile  = "state"
	remoteExitFile   = "exit"
	remoteResultsDir = "results"
)

// Host is the part of the SSH transport the remote builder uses.
type Host interface {
	Run(ctx context.Context, cmd string) (*ssh.ExecResult, error)
	UploadFile(ctx context.Context, localPath string, remotePath string, mode uint32) error
	DownloadFile(ctx context.Context, remotePath string, localPath string) error
	ReadFile(ctx context.Context, remotePath string) ([]byte, error)
	ListFiles(ctx context.Context, remoteDir string) ([]string, error)
}

// RemoteOptions configures a Remote builder.
type RemoteOptions struct {
	// WorkDir is the directory on the build host holding task directories.
	WorkDir string

	// Command is the build tool run on the host. Defaults to mock.
	Command string

	// ExtraArgs are appended to the remote build command.
	ExtraArgs []string

	// Policy bounds how long Await polls.
	Policy poller.Policy
}

// Remote builds binary packages as scratch builds on a remote build host.
// Each task runs detached under nohup and records its progress in state and
// exit files, so a task outlives the connection that started it.
type Remote struct {
	host   Host
	opts   RemoteOptions
	logger zerolog.Logger

	// OnPollCycle is passed to the poller used by Await and AwaitAll.
	OnPollCycle func(pending int)

	// Tracer records one span per AwaitAll call.
	Tracer *telemetry.Tracer

	newTaskID func() string
}

var (
	_ engine.Builder      = (*Remote)(nil)
	_ poller.StatusSource = (*Remote)(nil)
)

// NewRemote creates a remote builder.
func NewRemote(host Host, opts RemoteOptions, logger zerolog.Logger) (*Remote, error) {
	if opts.WorkDir == "" {
		return nil, fmt.Errorf("remote work directory is required")
	}
	if opts.Command == "" {
		opts.Command = ToolMock
	}
	if err := opts.Policy.Validate(); err != nil {
		return nil, fmt.Errorf("invalid poll policy: %w", err)
	}
	return &Remote{
		host:      host,
		opts:      opts,
		logger:    logger.With().Str("builder", "remote").Logger(),
		Tracer:    telemetry.Nop().Tracer,
		newTaskID: uuid.NewString,
	}, nil
}

// Name returns the builder name.
func (r *Remote) Name() string {
	return "remote"
}

// Submit uploads the source package and starts a detached build. Only
// binary builds run remotely; the returned handle is not yet terminal.
func (r *Remote) Submit(ctx context.Context, kind engine.ArtifactKind, req engine.BuildRequest) (*engine.BuildHandle, error) {
	if kind != engine.ArtifactRPM {
		return nil, engine.NewPipelineError(fmt.Sprintf("remote builder cannot build %s", kind), nil)
	}
	if req.SRPM == "" {
		return nil, engine.NewPipelineError("source package is required to build binary packages", nil)
	}

	taskID := r.newTaskID()
	taskDir, err := r.taskDir(taskID)
	if err != nil {
		return nil, err
	}
	remoteSRPM := path.Join(taskDir, filepath.Base(req.SRPM))

	logger := r.logger.With().Str("task_id", taskID).Str("version", string(req.Version)).Logger()
	logger.Info().Str("srpm", req.SRPM).Msg("uploading source package")

	if err := r.host.UploadFile(ctx, req.SRPM, remoteSRPM, 0o644); err != nil {
		return nil, engine.NewEnvironmentError("failed to upload source package", err).
			WithVersion(req.Version).
			WithCode(engine.ErrCodeUploadFailed)
	}

	res, err := r.host.Run(ctx, r.startCommand(taskDir, remoteSRPM))
	if err != nil {
		return nil, engine.NewEnvironmentError("failed to start remote build", err).WithVersion(req.Version)
	}
	if res.ExitCode != 0 {
		return nil, engine.NewEnvironmentError("failed to start remote build",
			fmt.Errorf("exit status %d: %s", res.ExitCode, strings.TrimSpace(res.Stderr))).WithVersion(req.Version)
	}

	logger.Info().Msg("remote build submitted")
	return &engine.BuildHandle{
		TaskID:     taskID,
		Kind:       engine.ArtifactRPM,
		Version:    req.Version,
		State:      engine.TaskStateSubmitted,
		ResultsDir: req.ResultsDir,
	}, nil
}

// startCommand returns the shell command that launches a task. The state
// file moves from submitted to running to succeeded or failed; a failed
// state carries the tool's exit status so the poller can recover it.
func (r *Remote) startCommand(taskDir, remoteSRPM string) string {
	build := fmt.Sprintf("%s --rebuild %s --resultdir %s",
		r.opts.Command, shellQuote(remoteSRPM), shellQuote(path.Join(taskDir, remoteResultsDir)))
	for _, arg := range r.opts.ExtraArgs {
		build += " " + shellQuote(arg)
	}

	script := strings.Join([]string{
		"echo running > " + remoteStateFile,
		build + " > build.out 2>&1",
		"code=$?",
		"echo $code > " + remoteExitFile,
		`if [ $code -eq 0 ]; then echo succeeded > ` + remoteStateFile +
			`; else echo "failed ` + r.opts.Command + ` exited with status $code" > ` + remoteStateFile + `; fi`,
	}, "; ")

	return fmt.Sprintf("mkdir -p %s && cd %s && echo submitted > %s && nohup sh -c %s > /dev/null 2>&1 &",
		shellQuote(taskDir), shellQuote(taskDir), remoteStateFile, shellQuote(script))
}

// TaskStatus reads the state file of a task.
func (r *Remote) TaskStatus(ctx context.Context, taskID string) (*poller.Status, error) {
	dir, err := r.taskDir(taskID)
	if err != nil {
		return nil, err
	}
	data, err := r.host.ReadFile(ctx, path.Join(dir, remoteStateFile))
	if err != nil {
		return nil, err
	}
	return parseState(string(data))
}

func parseState(content string) (*poller.Status, error) {
	word, payload, _ := strings.Cut(strings.TrimSpace(content), " ")
	state := engine.TaskState(word)
	if err := state.Validate(); err != nil {
		return nil, fmt.Errorf("unexpected task state %q", content)
	}
	return &poller.Status{State: state, Payload: payload}, nil
}

// Await polls a single task until it is terminal and downloads its results.
func (r *Remote) Await(ctx context.Context, handle *engine.BuildHandle) (*engine.BuildArtifact, error) {
	if err := r.AwaitAll(ctx, []*engine.BuildHandle{handle}); err != nil {
		return nil, err
	}
	return handle.Artifact, handle.Err
}

// AwaitAll polls all handles together through a single watch and fills in
// each handle's artifact or error. The returned error is reserved for
// failures that affect the whole batch.
func (r *Remote) AwaitAll(ctx context.Context, handles []*engine.BuildHandle) error {
	var ids []string
	for _, h := range handles {
		if !h.Done() {
			ids = append(ids, h.TaskID)
		}
	}
	if len(ids) == 0 {
		return nil
	}

	ctx, span := r.Tracer.StartPollSpan(ctx, len(ids))
	defer span.End()

	p, err := poller.New(r, r.opts.Policy, r.logger)
	if err != nil {
		return engine.NewPipelineError("failed to create poller", err)
	}
	p.OnCycle = r.OnPollCycle

	outcomes, watchErr := p.Watch(ctx, ids)
	for _, h := range handles {
		outcome, ok := outcomes[h.TaskID]
		if h.Done() || !ok {
			continue
		}
		r.finish(ctx, h, outcome)
	}

	if watchErr != nil {
		telemetry.RecordError(span, watchErr)
		if errors.Is(watchErr, poller.ErrAttemptsExhausted) {
			return engine.NewEnvironmentError("remote builds did not finish in time", watchErr).
				WithCode(engine.ErrCodeTimeout)
		}
		return engine.NewPipelineError("waiting for remote builds failed", watchErr)
	}
	return nil
}

// Resume re-attaches to a detached task and collects its results.
func (r *Remote) Resume(ctx context.Context, taskID string, version engine.Version, resultsDir string) (*engine.BuildArtifact, error) {
	if err := version.Validate(); err != nil {
		return nil, engine.NewPipelineError("invalid version", err)
	}
	if _, err := r.taskDir(taskID); err != nil {
		return nil, err
	}
	handle := &engine.BuildHandle{
		TaskID:     taskID,
		Kind:       engine.ArtifactRPM,
		Version:    version,
		State:      engine.TaskStateRunning,
		ResultsDir: resultsDir,
	}
	return r.Await(ctx, handle)
}

// finish downloads logs and packages of a terminal task into the stage
// directory and records the outcome on the handle.
func (r *Remote) finish(ctx context.Context, h *engine.BuildHandle, outcome poller.Outcome) {
	h.State = outcome.State
	stageDir := filepath.Join(h.ResultsDir, string(engine.ArtifactRPM))
	logger := r.logger.With().Str("task_id", h.TaskID).Str("version", string(h.Version)).Logger()

	logs, packages, err := r.download(ctx, h.TaskID, stageDir)
	if err != nil {
		logger.Warn().Err(err).Msg("failed to download task results")
	}

	if outcome.State == engine.TaskStateFailed {
		h.Err = engine.NewBinaryPackageBuildError("building RPMs failed", outcome.ExitCode).
			WithVersion(h.Version).
			WithOperation("build-rpm").
			WithLogFile(filepath.Join(stageDir, LogBuild)).
			WithDetail("task_id", h.TaskID).
			WithDetail("payload", outcome.Payload)
		logger.Warn().Int("exit_code", outcome.ExitCode).Bool("code_known", outcome.CodeKnown).Msg("remote build failed")
		return
	}

	if err != nil {
		h.State = engine.TaskStateFailed
		h.Err = engine.NewEnvironmentError("failed to download build results", err).WithVersion(h.Version)
		return
	}

	h.Artifact = &engine.BuildArtifact{
		Kind:    engine.ArtifactRPM,
		Version: h.Version,
		Paths:   packages,
		Logs:    logs,
		TaskID:  h.TaskID,
	}
	logger.Info().Int("packages", len(packages)).Msg("remote build finished")
}

func (r *Remote) download(ctx context.Context, taskID, stageDir string) (logs, packages []string, err error) {
	dir, err := r.taskDir(taskID)
	if err != nil {
		return nil, nil, err
	}
	remoteDir := path.Join(dir, remoteResultsDir)
	names, err := r.host.ListFiles(ctx, remoteDir)
	if err != nil {
		return nil, nil, err
	}

	for _, name := range names {
		isLog := strings.HasSuffix(name, ".log")
		isPackage := strings.HasSuffix(name, ".rpm") && !strings.HasSuffix(name, ".src.rpm")
		if !isLog && !isPackage {
			continue
		}

		local := filepath.Join(stageDir, name)
		if err := r.host.DownloadFile(ctx, path.Join(remoteDir, name), local); err != nil {
			return logs, packages, err
		}
		if isLog {
			logs = append(logs, local)
		} else {
			packages = append(packages, local)
		}
	}
	return logs, packages, nil
}

// taskDir returns the directory of a task on the build host. Task IDs are
// UUIDs; anything else could name a path outside the work directory.
func (r *Remote) taskDir(taskID string) (string, error) {
	id, err := uuid.Parse(taskID)
	if err != nil {
		return "", engine.NewPipelineError("invalid remote task ID", err).
			WithCode(engine.ErrCodeValidation).
			WithDetail("task_id", taskID)
	}
	return path.Join(r.opts.WorkDir, id.String()), nil
}

// shellQuote wraps s in single quotes for a POSIX shell.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
