// Package builder builds source and binary packages for both versions of a
// rebase, locally or on a remote build host, and retries binary builds.
package builder

import (
	"context"
	"os"
	"time"

	"github.com/rs/zerolog"

	"github.com/vcrhonek/rebase-helper/pkg/engine"
	"github.com/vcrhonek/rebase-helper/pkg/telemetry"
)

// BatchAwaiter is implemented by builders that can wait for several
// handles with one poll loop.
type BatchAwaiter interface {
	AwaitAll(ctx context.Context, handles []*engine.BuildHandle) error
}

// Options configures an Orchestrator.
type Options struct {
	// Retries is the number of additional RPM attempts after a failure.
	// Source package builds are never retried.
	Retries int

	// Detached submits binary builds and returns without waiting for them.
	Detached bool
}

// StageResult is the outcome of one stage of one version.
type StageResult struct {
	Artifact *engine.BuildArtifact
	Err      error
	Attempts int

	// Logs are the log files found in the stage directory.
	Logs []string
}

// Failed reports whether the stage ran and failed.
func (s StageResult) Failed() bool {
	return s.Err != nil
}

// VersionResult holds both stages of one version.
type VersionResult struct {
	SRPM StageResult
	RPM  StageResult
}

// Result is the outcome of building every requested version.
type Result struct {
	Versions map[engine.Version]*VersionResult

	// Detached holds the handles of builds left running in detached mode.
	Detached []*engine.BuildHandle
}

// Report converts the result into the classifier input.
func (r *Result) Report() engine.BuildReport {
	report := engine.BuildReport{Versions: make(map[engine.Version]engine.VersionReport, len(r.Versions))}
	for version, vr := range r.Versions {
		report.Versions[version] = engine.VersionReport{
			SRPM: stageReport(vr.SRPM),
			RPM:  stageReport(vr.RPM),
		}
	}
	return report
}

func stageReport(s StageResult) engine.StageReport {
	sr := engine.StageReport{Failed: s.Failed(), Logs: s.Logs}
	if s.Failed() {
		sr.ExitCode = engine.ExitCodeOf(s.Err)
	}
	return sr
}

// Orchestrator runs the SRPM and RPM stages through the configured builders.
type Orchestrator struct {
	srpm engine.Builder
	rpm  engine.Builder
	opts Options

	logger zerolog.Logger
	tel    *telemetry.Telemetry
}

// NewOrchestrator creates an orchestrator. Source packages are always built
// by srpmBuilder; binary packages by rpmBuilder, which may be remote.
func NewOrchestrator(srpmBuilder, rpmBuilder engine.Builder, opts Options, logger zerolog.Logger, tel *telemetry.Telemetry) *Orchestrator {
	if opts.Retries < 0 {
		opts.Retries = 0
	}
	if tel == nil {
		tel = telemetry.Nop()
	}
	return &Orchestrator{
		srpm:   srpmBuilder,
		rpm:    rpmBuilder,
		opts:   opts,
		logger: logger.With().Str("component", "orchestrator").Logger(),
		tel:    tel,
	}
}

// BuildSRPM builds the source package once. A failure is a
// source-package-build error carrying the log path.
func (o *Orchestrator) BuildSRPM(ctx context.Context, req engine.BuildRequest) (*engine.BuildArtifact, error) {
	return o.attempt(ctx, o.srpm, engine.ArtifactSRPM, req, 1)
}

// BuildRPM builds binary packages, retrying build failures up to the
// configured number of times. Other errors are returned immediately.
func (o *Orchestrator) BuildRPM(ctx context.Context, req engine.BuildRequest) (*engine.BuildArtifact, error) {
	var attempts int
	return o.retryRPM(ctx, req, &attempts)
}

func (o *Orchestrator) attempt(ctx context.Context, b engine.Builder, kind engine.ArtifactKind, req engine.BuildRequest, attempt int) (*engine.BuildArtifact, error) {
	ctx, span := o.tel.Tracer.StartBuildSpan(ctx, string(kind), string(req.Version), attempt)
	defer span.End()
	timer := telemetry.NewTimer()

	o.logger.Info().
		Str("stage", string(kind)).
		Str("version", string(req.Version)).
		Str("builder", b.Name()).
		Int("attempt", attempt).
		Msg("starting build")

	handle, err := b.Submit(ctx, kind, req)
	var artifact *engine.BuildArtifact
	if err == nil {
		artifact, err = b.Await(ctx, handle)
	}

	o.record(kind, req.Version, err, timer.Duration())
	telemetry.RecordError(span, err)
	return artifact, err
}

// Build runs both stages for every request, in the order given. Build
// failures are recorded in the result; only fatal errors are returned. When
// the binary builder supports it, the RPM builds of all versions are
// submitted first and awaited as one batch.
func (o *Orchestrator) Build(ctx context.Context, reqs []engine.BuildRequest) (*Result, error) {
	result := &Result{Versions: make(map[engine.Version]*VersionResult, len(reqs))}

	var rpmReqs []engine.BuildRequest
	for _, req := range reqs {
		vr := &VersionResult{}
		result.Versions[req.Version] = vr

		artifact, err := o.BuildSRPM(ctx, req)
		vr.SRPM = StageResult{Artifact: artifact, Err: err, Attempts: 1, Logs: CollectLogs(StageDir(req, engine.ArtifactSRPM))}
		if err != nil {
			if engine.IsFatal(err) {
				return result, err
			}
			continue
		}

		req.SRPM = artifact.Paths[0]
		rpmReqs = append(rpmReqs, req)
	}

	if len(rpmReqs) == 0 {
		return result, nil
	}

	if o.opts.Detached {
		return result, o.submitDetached(ctx, rpmReqs, result)
	}

	if batch, ok := o.rpm.(BatchAwaiter); ok && len(rpmReqs) > 1 {
		return result, o.buildRPMBatch(ctx, batch, rpmReqs, result)
	}

	for _, req := range rpmReqs {
		attempts := 0
		artifact, err := o.retryRPM(ctx, req, &attempts)
		result.Versions[req.Version].RPM = StageResult{
			Artifact: artifact,
			Err:      err,
			Attempts: attempts,
			Logs:     CollectLogs(StageDir(req, engine.ArtifactRPM)),
		}
		if engine.IsFatal(err) {
			return result, err
		}
	}
	return result, nil
}

func (o *Orchestrator) retryRPM(ctx context.Context, req engine.BuildRequest, attempts *int) (*engine.BuildArtifact, error) {
	var lastErr error
	for attempt := 1; attempt <= o.opts.Retries+1; attempt++ {
		*attempts = attempt
		if attempt > 1 {
			o.resetStage(req)
		}
		artifact, err := o.attempt(ctx, o.rpm, engine.ArtifactRPM, req, attempt)
		if err == nil {
			return artifact, nil
		}
		if !engine.IsBinaryPackageBuild(err) {
			return nil, err
		}
		lastErr = err
	}
	return nil, lastErr
}

// buildRPMBatch submits all pending RPM builds, waits for them together and
// resubmits the failed ones until the attempt bound is reached.
func (o *Orchestrator) buildRPMBatch(ctx context.Context, batch BatchAwaiter, reqs []engine.BuildRequest, result *Result) error {
	pending := reqs
	for attempt := 1; attempt <= o.opts.Retries+1 && len(pending) > 0; attempt++ {
		timer := telemetry.NewTimer()

		handles := make([]*engine.BuildHandle, 0, len(pending))
		for _, req := range pending {
			if attempt > 1 {
				o.resetStage(req)
			}
			h, err := o.rpm.Submit(ctx, engine.ArtifactRPM, req)
			if err != nil {
				return err
			}
			o.logger.Info().Str("version", string(req.Version)).Str("task_id", h.TaskID).Int("attempt", attempt).
				Msg("binary build submitted")
			handles = append(handles, h)
		}

		if err := batch.AwaitAll(ctx, handles); err != nil {
			return err
		}

		var next []engine.BuildRequest
		for i, h := range handles {
			req := pending[i]
			o.record(engine.ArtifactRPM, req.Version, h.Err, timer.Duration())
			result.Versions[req.Version].RPM = StageResult{
				Artifact: h.Artifact,
				Err:      h.Err,
				Attempts: attempt,
				Logs:     CollectLogs(StageDir(req, engine.ArtifactRPM)),
			}
			if h.Err == nil {
				continue
			}
			if !engine.IsBinaryPackageBuild(h.Err) {
				return h.Err
			}
			next = append(next, req)
		}
		pending = next
	}
	return nil
}

func (o *Orchestrator) submitDetached(ctx context.Context, reqs []engine.BuildRequest, result *Result) error {
	for _, req := range reqs {
		h, err := o.rpm.Submit(ctx, engine.ArtifactRPM, req)
		if err != nil {
			return err
		}
		if h.Done() {
			result.Versions[req.Version].RPM = StageResult{
				Artifact: h.Artifact,
				Err:      h.Err,
				Attempts: 1,
				Logs:     CollectLogs(StageDir(req, engine.ArtifactRPM)),
			}
			continue
		}
		o.logger.Info().Str("version", string(req.Version)).Str("task_id", h.TaskID).Msg("binary build detached")
		result.Detached = append(result.Detached, h)
	}
	return nil
}

// resetStage removes the output of a previous RPM attempt.
func (o *Orchestrator) resetStage(req engine.BuildRequest) {
	dir := StageDir(req, engine.ArtifactRPM)
	if err := os.RemoveAll(dir); err != nil {
		o.logger.Warn().Err(err).Str("dir", dir).Msg("failed to clear previous build output")
	}
	o.logger.Info().Str("version", string(req.Version)).Msg("retrying binary build")
}

func (o *Orchestrator) record(kind engine.ArtifactKind, version engine.Version, err error, d time.Duration) {
	outcome := "success"
	if err != nil {
		outcome = "failure"
		o.tel.Metrics.RecordError(string(engine.ClassOf(err)))
	}
	o.tel.Metrics.RecordBuildAttempt(string(kind), string(version), outcome, d)
}
