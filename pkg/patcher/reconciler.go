// Package patcher reapplies downstream patches to the old and new source
// trees and salvages patches that no longer apply cleanly.
package patcher

import (
	"context"
	"fmt"
	"io/fs"
	"math/rand/v2"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/rs/zerolog"

	"github.com/vcrhonek/rebase-helper/pkg/engine"
)

const suffixLength = 6

// Result is the outcome of a reconciliation pass.
type Result struct {
	// Patches are the input patches in application order, each with a
	// terminal status. Regenerated patches point at their new file.
	Patches []engine.Patch

	// Applications holds one entry per (patch, tree) pair.
	Applications []engine.PatchApplicationResult
}

// Reconciler applies a patch set to an old and a new source tree.
type Reconciler struct {
	tool      Tool
	outputDir string
	logger    zerolog.Logger

	// suffix overrides the random backup suffix; used by tests.
	suffix string
}

// NewReconciler creates a reconciler that writes regenerated patches into
// outputDir.
func NewReconciler(tool Tool, outputDir string, logger zerolog.Logger) *Reconciler {
	return &Reconciler{
		tool:      tool,
		outputDir: outputDir,
		logger:    logger.With().Str("component", "patcher").Logger(),
	}
}

// Run applies every patch, in ascending index order, to the old tree and
// then to the new tree, and assigns each a terminal status. Conflicts never
// fail the run; an error is returned only when the patch tool cannot run.
func (r *Reconciler) Run(ctx context.Context, patches []engine.Patch, oldTree, newTree engine.SourceTree) (*Result, error) {
	if a, ok := r.tool.(interface{ Available() error }); ok {
		if err := a.Available(); err != nil {
			return nil, err
		}
	}
	if err := os.MkdirAll(r.outputDir, 0o755); err != nil {
		return nil, engine.NewEnvironmentError("failed to create patch output directory", err)
	}

	suffix := r.suffix
	if suffix == "" {
		suffix = randomSuffix()
	}
	defer removeBackups(r.logger, suffix, oldTree.Root, newTree.Root)

	ordered := make([]engine.Patch, len(patches))
	copy(ordered, patches)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].Index < ordered[j].Index })

	result := &Result{Patches: ordered}
	for i := range ordered {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		apps, err := r.reconcile(ctx, &ordered[i], suffix, oldTree, newTree)
		if err != nil {
			return nil, err
		}
		result.Applications = append(result.Applications, apps...)
	}

	return result, nil
}

func (r *Reconciler) reconcile(ctx context.Context, p *engine.Patch, suffix string, oldTree, newTree engine.SourceTree) ([]engine.PatchApplicationResult, error) {
	logger := r.logger.With().Str("patch", p.Name()).Int("index", p.Index).Logger()

	path, err := filepath.Abs(p.Path)
	if err != nil {
		return nil, engine.NewEnvironmentError("failed to resolve patch path", err)
	}
	p.Path = path

	opts := p.Options
	opts.BackupSuffix = suffix

	var touched []string
	pf, parseErr := readPatch(path, opts.Strip)
	if parseErr != nil {
		logger.Warn().Err(parseErr).Msg("could not parse patch body")
	} else {
		touched = pf.TouchedFiles()
	}

	var rejects []string
	defer func() {
		cleanupPatchFiles(logger, touched, rejects, suffix, oldTree.Root, newTree.Root)
	}()

	oldOut, err := r.tool.Apply(ctx, oldTree.Root, path, opts)
	if err != nil {
		return nil, err
	}
	oldReport := ParseApplyOutput(oldOut.Output)
	rejects = append(rejects, oldReport.Rejects...)
	oldApp := engine.PatchApplicationResult{PatchIndex: p.Index, Version: engine.VersionOld, ExitCode: oldOut.ExitCode}
	if oldOut.ExitCode != 0 {
		oldApp.FailedFiles = oldReport.FailedFiles(touched)
		logger.Warn().Int("exit_code", oldOut.ExitCode).Strs("failed_files", oldApp.FailedFiles).
			Msg("patch does not apply to old sources")
	}

	newApp := engine.PatchApplicationResult{PatchIndex: p.Index, Version: engine.VersionNew}

	applied, err := r.tool.AlreadyApplied(ctx, newTree.Root, path, opts)
	if err != nil {
		return nil, err
	}
	if applied {
		p.Status = engine.PatchStatusUntouched
		newApp.AlreadyApplied = true
		logger.Info().Msg("new sources already contain the patch")
		return []engine.PatchApplicationResult{oldApp, newApp}, nil
	}

	newOut, err := r.tool.Apply(ctx, newTree.Root, path, opts)
	if err != nil {
		return nil, err
	}
	newApp.ExitCode = newOut.ExitCode
	if newOut.ExitCode == 0 {
		p.Status = engine.PatchStatusModified
		logger.Info().Msg("patch applied to new sources")
		return []engine.PatchApplicationResult{oldApp, newApp}, nil
	}

	report := ParseApplyOutput(newOut.Output)
	rejects = append(rejects, report.Rejects...)
	failed := report.FailedFiles(touched)
	newApp.FailedFiles = failed
	logger.Warn().Int("exit_code", newOut.ExitCode).Strs("failed_files", failed).
		Msg("patch failed on new sources, regenerating")

	switch {
	case pf == nil || len(failed) == 0:
		p.Status = engine.PatchStatusInapplicable
	case report.AllReversed(touched, failed):
		p.Status = engine.PatchStatusDeleted
		logger.Info().Msg("patch is already part of new sources")
	default:
		p.Status = r.salvage(logger, p, pf, failed, newTree.Root, suffix)
	}

	return []engine.PatchApplicationResult{oldApp, newApp}, nil
}

// salvage writes the regenerated patch and returns the resulting status.
func (r *Reconciler) salvage(logger zerolog.Logger, p *engine.Patch, pf *PatchFile, failed []string, root, suffix string) engine.PatchStatus {
	content, err := Regenerate(pf, failed, root, suffix)
	if err != nil {
		logger.Error().Err(engine.NewPatchConflictError("diff generation failed", err)).Msg("patch is inapplicable")
		return engine.PatchStatusInapplicable
	}
	if content == "" {
		logger.Warn().Msg("nothing of the patch applies, patch is inapplicable")
		return engine.PatchStatusInapplicable
	}

	target := filepath.Join(r.outputDir, p.Name())
	if err := os.WriteFile(target, []byte(content), 0o644); err != nil {
		logger.Error().Err(err).Str("path", target).Msg("failed to write regenerated patch")
		return engine.PatchStatusInapplicable
	}

	logger.Info().Str("path", target).Msg("patch regenerated")
	p.Path = target
	return engine.PatchStatusModified
}

func readPatch(path string, strip int) (*PatchFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read patch: %w", err)
	}
	return ParsePatch(string(data), strip)
}

func randomSuffix() string {
	const letters = "abcdefghijklmnopqrstuvwxyz"
	b := make([]byte, suffixLength)
	for i := range b {
		b[i] = letters[rand.IntN(len(letters))]
	}
	return string(b)
}

// cleanupPatchFiles removes the backups and reject files of one patch so
// the next patch starts from fresh backups.
func cleanupPatchFiles(logger zerolog.Logger, touched, rejects []string, suffix string, roots ...string) {
	for _, root := range roots {
		for _, f := range touched {
			removeQuietly(logger, filepath.Join(root, f+"."+suffix))
		}
		for _, rej := range rejects {
			if !filepath.IsAbs(rej) {
				rej = filepath.Join(root, rej)
			}
			removeQuietly(logger, rej)
		}
	}
}

// removeBackups deletes every file carrying the backup suffix.
func removeBackups(logger zerolog.Logger, suffix string, roots ...string) {
	ext := "." + suffix
	for _, root := range roots {
		_ = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return nil
			}
			if !d.IsDir() && strings.HasSuffix(d.Name(), ext) {
				removeQuietly(logger, path)
			}
			return nil
		})
	}
}

func removeQuietly(logger zerolog.Logger, path string) {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		logger.Debug().Err(err).Str("path", path).Msg("failed to remove file")
	}
}
