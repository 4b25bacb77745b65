// Package rebase runs a complete rebase of one package: it reconciles the
// downstream patches, writes the rebased spec, builds both versions,
// classifies build failures, runs the checkers and writes the reports.
package rebase

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"

	"github.com/google/uuid"
	"github.com/pmezard/go-difflib/difflib"
	"github.com/rs/zerolog"

	"github.com/vcrhonek/rebase-helper/pkg/builder"
	"github.com/vcrhonek/rebase-helper/pkg/checkers"
	"github.com/vcrhonek/rebase-helper/pkg/classifier"
	"github.com/vcrhonek/rebase-helper/pkg/engine"
	"github.com/vcrhonek/rebase-helper/pkg/output"
	"github.com/vcrhonek/rebase-helper/pkg/patcher"
	"github.com/vcrhonek/rebase-helper/pkg/policy"
	"github.com/vcrhonek/rebase-helper/pkg/results"
	"github.com/vcrhonek/rebase-helper/pkg/specfile"
	"github.com/vcrhonek/rebase-helper/pkg/stores"
	"github.com/vcrhonek/rebase-helper/pkg/telemetry"
)

// Layout of the results directory.
const (
	RebasedSourcesDir = "rebased-sources"
	CheckersDir       = "checkers"
	ChangesPatchFile  = "changes.patch"
	ReportFile        = "report.json"
)

// Orchestrator builds the requested versions.
type Orchestrator interface {
	Build(ctx context.Context, reqs []engine.BuildRequest) (*builder.Result, error)
}

// Gate decides whether a finished run is acceptable.
type Gate interface {
	Evaluate(ctx context.Context, report *results.Report, operation string) (*policy.Result, error)
}

// Resumer collects the outcome of a detached remote build.
type Resumer interface {
	Resume(ctx context.Context, taskID string, version engine.Version, resultsDir string) (*engine.BuildArtifact, error)
}

// Deps are the collaborators of a Pipeline. PatchTool and Orchestrator
// are required.
type Deps struct {
	PatchTool    patcher.Tool
	Orchestrator Orchestrator

	// Classifier defaults to a log scanner reporting to Logger.
	Classifier classifier.Classifier

	// Checkers defaults to an empty registry.
	Checkers *checkers.Registry

	// History records finished runs when set.
	History stores.Store

	// Gate is evaluated over every finished report when set.
	Gate Gate

	Telemetry *telemetry.Telemetry
	Logger    zerolog.Logger
}

// Options describes one rebase.
type Options struct {
	// OldTree and NewTree are the unpacked sources of both versions.
	OldTree string
	NewTree string

	NewVersion string

	// NewSourcesDir holds the sources of the new version. Defaults to the
	// directory of the spec file.
	NewSourcesDir string

	ResultsDir string

	// Fuzz is the fuzz factor every patch is applied with.
	Fuzz int

	// Checkers to run; nil runs the registry defaults.
	Checkers []string

	// Outputs are the output tools; nil writes the text report.
	Outputs []string
}

func (o Options) validate() error {
	switch {
	case o.OldTree == "":
		return fmt.Errorf("old source tree is required")
	case o.NewTree == "":
		return fmt.Errorf("new source tree is required")
	case o.NewVersion == "":
		return fmt.Errorf("new version is required")
	case o.ResultsDir == "":
		return fmt.Errorf("results directory is required")
	case o.Fuzz < 0:
		return fmt.Errorf("fuzz must be >= 0")
	}
	return nil
}

// ResumeOptions describes the completion of a detached remote build.
type ResumeOptions struct {
	ResultsDir string
	TaskID     string

	// Version is only needed for reports that did not record the version
	// of their detached tasks. When both are known they must agree.
	Version engine.Version

	Checkers []string
	Outputs  []string
}

// Outcome is what a finished run produced.
type Outcome struct {
	Report *results.Report

	// Files are the report files written by the output tools.
	Files []string

	// Gate is the policy result; nil when no gate is configured.
	Gate *policy.Result
}

// Blocked reports whether the gate rejected the run.
func (o *Outcome) Blocked() bool {
	return o.Gate != nil && !o.Gate.Allowed
}

// Pipeline runs rebases. A Pipeline may run several rebases one after
// another; every run gets its own result store.
type Pipeline struct {
	patchTool    patcher.Tool
	orchestrator Orchestrator
	classifier   classifier.Classifier
	checkers     *checkers.Registry
	history      stores.Store
	gate         Gate

	tel    *telemetry.Telemetry
	logger zerolog.Logger

	newRunID func() string
}

// New creates a pipeline.
func New(deps Deps) (*Pipeline, error) {
	if deps.PatchTool == nil {
		return nil, fmt.Errorf("patch tool is required")
	}
	if deps.Orchestrator == nil {
		return nil, fmt.Errorf("build orchestrator is required")
	}
	if deps.Classifier == nil {
		deps.Classifier = classifier.NewLogScanner(deps.Logger)
	}
	if deps.Checkers == nil {
		deps.Checkers = checkers.NewRegistry()
	}
	if deps.Telemetry == nil {
		deps.Telemetry = telemetry.Nop()
	}
	return &Pipeline{
		patchTool:    deps.PatchTool,
		orchestrator: deps.Orchestrator,
		classifier:   deps.Classifier,
		checkers:     deps.Checkers,
		history:      deps.History,
		gate:         deps.Gate,
		tel:          deps.Telemetry,
		logger:       deps.Logger.With().Str("component", "pipeline").Logger(),
		newRunID:     uuid.NewString,
	}, nil
}

// Run rebases the package described by spec. Build failures are recorded
// in the report; the returned error is reserved for failures that stopped
// the run. The outcome is returned whenever a report was produced, also
// together with an error.
func (p *Pipeline) Run(ctx context.Context, spec *specfile.Spec, opts Options) (*Outcome, error) {
	if err := opts.validate(); err != nil {
		return nil, engine.NewPipelineError("invalid run options", err)
	}
	if err := p.checkNames(opts.Checkers); err != nil {
		return nil, err
	}

	resultsDir, err := filepath.Abs(opts.ResultsDir)
	if err != nil {
		return nil, engine.NewPipelineError("invalid results directory", err)
	}
	if err := os.MkdirAll(resultsDir, 0o755); err != nil {
		return nil, engine.NewEnvironmentError("failed to create results directory", err)
	}

	runID := p.newRunID()
	store := results.New(runID, spec.Name(), spec.Version(), opts.NewVersion)
	logger := p.logger.With().Str("run_id", runID).Str("package", spec.Name()).Logger()
	timer := telemetry.NewTimer()

	ctx, span := p.tel.Tracer.StartRunSpan(ctx, runID, spec.Name())
	defer span.End()

	logger.Info().
		Str("old_version", spec.Version()).
		Str("new_version", opts.NewVersion).
		Str("results_dir", resultsDir).
		Msg("starting rebase")

	runErr := p.run(ctx, logger, store, spec, opts, resultsDir)
	if runErr != nil {
		telemetry.RecordError(span, runErr)
		logger.Error().Err(runErr).Msg("rebase aborted")
		_ = store.Abort(runErr)
	}

	out, finErr := p.finalize(ctx, logger, store, resultsDir, "rebase", opts.Outputs, timer)
	if runErr != nil {
		return out, runErr
	}
	return out, finErr
}

func (p *Pipeline) run(ctx context.Context, logger zerolog.Logger, store *results.Store, spec *specfile.Spec, opts Options, resultsDir string) error {
	oldTree, err := engine.NewSourceTree(opts.OldTree, engine.VersionOld)
	if err != nil {
		return engine.NewPipelineError("invalid old source tree", err)
	}
	newTree, err := engine.NewSourceTree(opts.NewTree, engine.VersionNew)
	if err != nil {
		return engine.NewPipelineError("invalid new source tree", err)
	}
	if err := store.SetSources(oldTree.Root, newTree.Root); err != nil {
		return engine.NewPipelineError("failed to record source trees", err)
	}

	reconciled, err := p.reconcile(ctx, store, spec, opts, oldTree, newTree, resultsDir)
	if err != nil {
		return err
	}

	rebased, err := p.writeRebasedSpec(store, spec, reconciled, opts, resultsDir)
	if err != nil {
		return err
	}

	reqs := []engine.BuildRequest{
		buildRequest(engine.VersionOld, spec, resultsDir),
		buildRequest(engine.VersionNew, rebased, resultsDir),
	}
	buildResult, buildErr := p.orchestrator.Build(ctx, reqs)
	if buildResult != nil {
		p.recordBuilds(logger, store, buildResult, reconciled.Patches)
	}
	if buildErr != nil {
		return buildErr
	}

	if len(buildResult.Detached) > 0 {
		logger.Info().Int("tasks", len(buildResult.Detached)).Msg("binary builds detached; checkers run on resume")
		return nil
	}

	p.runCheckers(ctx, logger, store, opts.Checkers, resultsDir)
	return nil
}

// reconcile applies the spec's patches to both trees and records the
// outcome.
func (p *Pipeline) reconcile(ctx context.Context, store *results.Store, spec *specfile.Spec, opts Options, oldTree, newTree engine.SourceTree, resultsDir string) (*patcher.Result, error) {
	ctx, span := p.tel.Tracer.StartSpan(ctx, "patches.reconcile")
	defer span.End()

	patches := spec.Patches()
	for i := range patches {
		patches[i].Options.Fuzz = opts.Fuzz
	}

	rec := patcher.NewReconciler(p.patchTool, filepath.Join(resultsDir, RebasedSourcesDir), p.logger)
	res, err := rec.Run(ctx, patches, oldTree, newTree)
	if err != nil {
		telemetry.RecordError(span, err)
		return nil, err
	}

	if err := store.SetPatches(res.Patches); err != nil {
		return nil, engine.NewPipelineError("failed to record patches", err)
	}
	for _, app := range res.Applications {
		if err := store.AddApplication(app); err != nil {
			return nil, engine.NewPipelineError("failed to record patch application", err)
		}
	}
	for _, patch := range res.Patches {
		p.tel.Metrics.RecordPatch(string(patch.Status))
	}
	return res, nil
}

// writeRebasedSpec writes the spec of the new version next to the
// rebased patches and the diff against the original spec.
func (p *Pipeline) writeRebasedSpec(store *results.Store, spec *specfile.Spec, reconciled *patcher.Result, opts Options, resultsDir string) (*specfile.Spec, error) {
	rebased, err := spec.Clone()
	if err != nil {
		return nil, engine.NewPipelineError("failed to copy spec", err)
	}
	if opts.NewSourcesDir != "" {
		rebased.SetSourceDir(opts.NewSourcesDir)
	}
	if err := rebased.SetVersion(opts.NewVersion); err != nil {
		return nil, engine.NewPipelineError("failed to update spec version", err)
	}
	if err := rebased.ApplyPatchStatuses(reconciled.Patches, reconciled.Applications); err != nil {
		return nil, engine.NewPipelineError("failed to update spec patches", err)
	}

	name := filepath.Base(spec.Path())
	if err := rebased.Write(filepath.Join(resultsDir, RebasedSourcesDir, name)); err != nil {
		return nil, engine.NewEnvironmentError("failed to write rebased spec", err)
	}

	diff, err := difflib.GetUnifiedDiffString(difflib.UnifiedDiff{
		A:        difflib.SplitLines(string(spec.Bytes())),
		B:        difflib.SplitLines(string(rebased.Bytes())),
		FromFile: "a/" + name,
		ToFile:   "b/" + name,
		Context:  3,
	})
	if err != nil {
		return nil, engine.NewPipelineError("failed to diff spec files", err)
	}
	changes := filepath.Join(resultsDir, ChangesPatchFile)
	if err := os.WriteFile(changes, []byte(diff), 0o644); err != nil {
		return nil, engine.NewEnvironmentError("failed to write "+ChangesPatchFile, err)
	}
	if err := store.SetChangesPatch(changes); err != nil {
		return nil, engine.NewPipelineError("failed to record "+ChangesPatchFile, err)
	}
	return rebased, nil
}

func buildRequest(version engine.Version, spec *specfile.Spec, resultsDir string) engine.BuildRequest {
	var patches []string
	for _, patch := range spec.Patches() {
		patches = append(patches, patch.Path)
	}
	return engine.BuildRequest{
		Version:    version,
		SpecPath:   spec.Path(),
		Sources:    spec.Sources(),
		Patches:    patches,
		ResultsDir: builder.VersionResultsDir(resultsDir, version),
	}
}

// recordBuilds stores stage reports, artifacts, detached tasks and the
// classified failures of a build.
func (p *Pipeline) recordBuilds(logger zerolog.Logger, store *results.Store, res *builder.Result, patches []engine.Patch) {
	report := res.Report()
	for _, version := range engine.Versions {
		vr, ok := res.Versions[version]
		if !ok {
			continue
		}
		if err := store.SetBuild(version, report.Versions[version]); err != nil {
			logger.Warn().Err(err).Str("version", string(version)).Msg("failed to record build")
		}
		for _, stage := range []builder.StageResult{vr.SRPM, vr.RPM} {
			if stage.Artifact == nil {
				continue
			}
			if err := store.AddArtifact(*stage.Artifact); err != nil {
				logger.Warn().Err(err).Str("version", string(version)).Msg("failed to record artifact")
			}
		}
	}

	for _, h := range res.Detached {
		if err := store.AddDetached(engine.RemoteTask{ID: h.TaskID, State: h.State, Version: h.Version}); err != nil {
			logger.Warn().Err(err).Str("task_id", h.TaskID).Msg("failed to record detached task")
		}
	}

	for _, rec := range p.classifier.Classify(report) {
		p.addFailure(logger, store, refineConflict(rec, patches))
	}
}

func (p *Pipeline) addFailure(logger zerolog.Logger, store *results.Store, rec engine.FailureRecord) {
	if err := store.AddFailure(rec); err != nil {
		logger.Warn().Err(err).Str("version", string(rec.Version)).Msg("failed to record failure")
		return
	}
	p.tel.Metrics.RecordFailure(string(rec.Category))
	logger.Warn().
		Str("version", string(rec.Version)).
		Str("category", string(rec.Category)).
		Str("section", rec.Section).
		Msg("build failed")
}

// refineConflict reports a new version that failed in %prep while a patch
// could not be rebased as a patch conflict.
func refineConflict(rec engine.FailureRecord, patches []engine.Patch) engine.FailureRecord {
	if rec.Version != engine.VersionNew || rec.Category != engine.FailureBinaryPackageBuild || rec.Section != "%prep" {
		return rec
	}
	for _, patch := range patches {
		if patch.Status == engine.PatchStatusInapplicable {
			rec.Category = engine.FailurePatchConflict
			break
		}
	}
	return rec
}

// runCheckers compares the packages of both versions. A checker that
// fails is logged and skipped.
func (p *Pipeline) runCheckers(ctx context.Context, logger zerolog.Logger, store *results.Store, names []string, resultsDir string) {
	if names == nil {
		names = p.checkers.Defaults()
	}
	if len(names) == 0 {
		return
	}

	dir := filepath.Join(resultsDir, CheckersDir)
	oldSources, newSources := store.Sources()
	for _, kind := range []engine.ArtifactKind{engine.ArtifactSRPM, engine.ArtifactRPM} {
		oldArtifact, okOld := store.Artifact(engine.VersionOld, kind)
		newArtifact, okNew := store.Artifact(engine.VersionNew, kind)
		if !okOld || !okNew {
			logger.Info().Str("kind", string(kind)).Msg("skipping checkers, packages of both versions are required")
			continue
		}
		opts := checkers.Options{
			OldPackages: oldArtifact.Paths,
			NewPackages: newArtifact.Paths,
			OldSources:  oldSources,
			NewSources:  newSources,
		}

		for _, name := range names {
			cctx, span := p.tel.Tracer.StartCheckerSpan(ctx, name, string(kind))
			payload, err := p.checkers.Run(cctx, name, kind, dir, opts)
			span.End()

			switch {
			case err != nil && engine.IsCheckerNotFound(err):
				p.tel.Metrics.RecordCheckerRun(name, "not-found")
				logger.Warn().Err(err).Str("checker", name).Msg("checker is not available")
			case err != nil:
				p.tel.Metrics.RecordCheckerRun(name, "error")
				logger.Warn().Err(err).Str("checker", name).Msg("checker failed")
			case payload != nil:
				p.tel.Metrics.RecordCheckerRun(name, "success")
				if err := store.SetCheckerResult(name, payload); err != nil {
					logger.Warn().Err(err).Str("checker", name).Msg("failed to record checker result")
				}
			}
		}
	}
}

func (p *Pipeline) checkNames(names []string) error {
	for _, name := range names {
		if _, ok := p.checkers.Get(name); !ok {
			return engine.NewPipelineError(fmt.Sprintf("unknown checker %q", name), nil).
				WithDetail("available", p.checkers.Names())
		}
	}
	return nil
}

// finalize freezes the store and writes everything derived from it. A run
// left detached always gets a JSON report, since resuming reads it.
func (p *Pipeline) finalize(ctx context.Context, logger zerolog.Logger, store *results.Store, resultsDir, operation string, outputs []string, timer *telemetry.Timer) (*Outcome, error) {
	store.Freeze()
	report := store.Report()
	out := &Outcome{Report: report}
	var errs []error

	if len(outputs) == 0 {
		outputs = []string{output.DefaultTool}
	}
	if report.Status == engine.RunStatusDetached && !slices.Contains(outputs, "json") {
		outputs = append(slices.Clone(outputs), "json")
	}
	tools := output.DefaultRegistry(resultsDir, p.checkers)
	for _, name := range outputs {
		path, err := tools.Write(name, resultsDir, report)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		out.Files = append(out.Files, path)
	}

	if p.history != nil {
		summary := report.Summary()
		if err := p.history.SaveRun(ctx, &summary); err != nil {
			logger.Warn().Err(err).Msg("failed to record run history")
			errs = append(errs, fmt.Errorf("failed to record run history: %w", err))
		}
	}

	if p.gate != nil {
		res, err := p.gate.Evaluate(ctx, report, operation)
		if err != nil {
			errs = append(errs, fmt.Errorf("failed to evaluate report policies: %w", err))
		}
		out.Gate = res
	}

	p.tel.Metrics.RecordRunCompleted(string(report.Status), timer.Duration())
	logger.Info().
		Str("status", string(report.Status)).
		Int("failures", len(report.Failures)).
		Dur("duration", timer.Duration()).
		Msg("rebase finished")

	return out, errors.Join(errs...)
}

// Resume completes a run whose binary build was left running on the
// remote build host. The previous JSON report in the results directory is
// read, the task's outcome is added and the reports are written again.
func (p *Pipeline) Resume(ctx context.Context, resumer Resumer, opts ResumeOptions) (*Outcome, error) {
	if opts.Version != "" {
		if err := opts.Version.Validate(); err != nil {
			return nil, engine.NewPipelineError("invalid version", err)
		}
	}
	if err := p.checkNames(opts.Checkers); err != nil {
		return nil, err
	}
	resultsDir, err := filepath.Abs(opts.ResultsDir)
	if err != nil {
		return nil, engine.NewPipelineError("invalid results directory", err)
	}

	previous, err := results.LoadReport(filepath.Join(resultsDir, ReportFile))
	if err != nil {
		return nil, engine.NewPipelineError("failed to load previous report", err).WithCode(engine.ErrCodeNotFound)
	}
	store, err := results.Restore(previous)
	if err != nil {
		return nil, engine.NewPipelineError("failed to restore previous report", err)
	}
	task, err := store.ResolveDetached(opts.TaskID)
	if err != nil {
		return nil, engine.NewPipelineError("cannot resume task", err)
	}
	version, err := resumeVersion(task, opts.Version)
	if err != nil {
		return nil, err
	}
	opts.Version = version

	logger := p.logger.With().Str("run_id", store.RunID()).Str("task_id", opts.TaskID).Str("version", string(version)).Logger()
	timer := telemetry.NewTimer()
	ctx, span := p.tel.Tracer.StartRunSpan(ctx, store.RunID(), previous.Package)
	defer span.End()

	versionDir := builder.VersionResultsDir(resultsDir, opts.Version)
	artifact, buildErr := resumer.Resume(ctx, opts.TaskID, opts.Version, versionDir)

	var runErr error
	switch {
	case buildErr != nil && engine.IsFatal(buildErr):
		runErr = buildErr
	default:
		p.recordResumed(logger, store, previous, opts.Version, artifact, buildErr, versionDir)
		if len(store.Report().Detached) == 0 {
			p.runCheckers(ctx, logger, store, opts.Checkers, resultsDir)
		}
	}
	if runErr != nil {
		telemetry.RecordError(span, runErr)
		_ = store.Abort(runErr)
	}

	out, finErr := p.finalize(ctx, logger, store, resultsDir, "resume", opts.Outputs, timer)
	if runErr != nil {
		return out, runErr
	}
	return out, finErr
}

// resumeVersion picks the version a detached task builds: the recorded one,
// or the requested one for reports that did not record it.
func resumeVersion(task engine.RemoteTask, requested engine.Version) (engine.Version, error) {
	switch {
	case task.Version == "" && requested == "":
		return "", engine.NewPipelineError("the report does not record the version of task "+task.ID+"; pass it explicitly", nil).
			WithDetail("task_id", task.ID)
	case task.Version == "":
		return requested, nil
	case requested != "" && requested != task.Version:
		return "", engine.NewPipelineError(
			fmt.Sprintf("task %s builds the %s version, not %s", task.ID, task.Version, requested), nil).
			WithDetail("task_id", task.ID)
	}
	return task.Version, nil
}

func (p *Pipeline) recordResumed(logger zerolog.Logger, store *results.Store, previous *results.Report, version engine.Version, artifact *engine.BuildArtifact, buildErr error, versionDir string) {
	vr := previous.Builds.Versions[version]
	vr.RPM = engine.StageReport{
		Failed: buildErr != nil,
		Logs:   builder.CollectLogs(filepath.Join(versionDir, string(engine.ArtifactRPM))),
	}
	if buildErr != nil {
		vr.RPM.ExitCode = engine.ExitCodeOf(buildErr)
	}
	if err := store.SetBuild(version, vr); err != nil {
		logger.Warn().Err(err).Msg("failed to record build")
	}

	if artifact != nil {
		if err := store.AddArtifact(*artifact); err != nil {
			logger.Warn().Err(err).Msg("failed to record artifact")
		}
		return
	}

	report := engine.BuildReport{Versions: map[engine.Version]engine.VersionReport{version: vr}}
	if rec, ok := p.classifier.ClassifyVersion(report, version); ok {
		p.addFailure(logger, store, refineConflict(rec, previous.Patches))
	}
}
