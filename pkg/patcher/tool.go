package patcher

import (
	"context"
	"fmt"
	"strconv"

	"github.com/vcrhonek/rebase-helper/pkg/engine"
	"github.com/vcrhonek/rebase-helper/pkg/process"
)

// DefaultPatchBinary is the GNU patch executable.
const DefaultPatchBinary = "patch"

// ApplyOutcome is the raw result of one patch tool invocation.
type ApplyOutcome struct {
	ExitCode int
	Output   string
}

// Tool applies patches to a directory.
type Tool interface {
	// Apply applies the patch forward, backing up touched files with the
	// options' backup suffix.
	Apply(ctx context.Context, dir, patchPath string, opts engine.PatchOptions) (*ApplyOutcome, error)

	// AlreadyApplied reports whether the patch reverses cleanly, meaning the
	// tree already contains it. The tree is not modified.
	AlreadyApplied(ctx context.Context, dir, patchPath string, opts engine.PatchOptions) (bool, error)
}

// GNUPatch drives GNU patch.
type GNUPatch struct {
	Binary string
	Runner process.Runner
}

// NewGNUPatch returns a GNU patch driver using the binary from PATH.
func NewGNUPatch() *GNUPatch {
	return &GNUPatch{
		Binary: DefaultPatchBinary,
		Runner: process.ExecRunner{},
	}
}

// Available returns an environment error when the binary cannot be found.
func (g *GNUPatch) Available() error {
	if _, ok := process.LookPath(g.Binary); !ok {
		return engine.NewEnvironmentError(fmt.Sprintf("%s not found in PATH", g.Binary), nil).
			WithCode(engine.ErrCodeToolMissing)
	}
	return nil
}

// Apply runs patch -pN -F fuzz -b --suffix .<token> --forward --batch.
// A nonzero exit code is reported in the outcome, not as an error.
func (g *GNUPatch) Apply(ctx context.Context, dir, patchPath string, opts engine.PatchOptions) (*ApplyOutcome, error) {
	args := baseArgs(patchPath, opts)
	if opts.BackupSuffix != "" {
		args = append(args, "-b", "--suffix", "."+opts.BackupSuffix)
	}
	args = append(args, "--forward", "--batch")

	res, err := g.Runner.Run(ctx, process.Command{Name: g.Binary, Args: args, Dir: dir})
	if err != nil {
		return nil, engine.NewEnvironmentError("failed to run patch tool", err).WithOperation("apply")
	}
	return &ApplyOutcome{ExitCode: res.ExitCode, Output: res.Output()}, nil
}

// AlreadyApplied runs a forced reverse dry run.
func (g *GNUPatch) AlreadyApplied(ctx context.Context, dir, patchPath string, opts engine.PatchOptions) (bool, error) {
	args := append(baseArgs(patchPath, opts), "--reverse", "--dry-run", "--force")

	res, err := g.Runner.Run(ctx, process.Command{Name: g.Binary, Args: args, Dir: dir})
	if err != nil {
		return false, engine.NewEnvironmentError("failed to run patch tool", err).WithOperation("reverse-check")
	}
	return res.ExitCode == 0, nil
}

func baseArgs(patchPath string, opts engine.PatchOptions) []string {
	return []string{
		"-p" + strconv.Itoa(opts.Strip),
		"-F", strconv.Itoa(opts.Fuzz),
		"-i", patchPath,
	}
}
