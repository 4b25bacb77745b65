package checkers

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/rs/zerolog"

	"github.com/vcrhonek/rebase-helper/pkg/engine"
	"github.com/vcrhonek/rebase-helper/pkg/process"
)

// RpmDiffName is the registry name of the rpmdiff checker.
const RpmDiffName = "rpmdiff"

// Change kinds reported by rpmdiff, in report order.
var changeKinds = []string{"added", "changed", "removed"}

// Only size, mode and checksum differences are reported.
var rpmdiffIgnoredFlags = []string{"T", "F", "G", "U", "V", "L", "D", "N"}

var (
	rpmdiffChangedRe = regexp.MustCompile(`^(S..|..5)........`)
	rpmdiffNoise     = []string{".build-id", ".dwz", "PROVIDE", "REQUIRES"}
)

// RpmDiff compares files of matching old and new binary packages.
type RpmDiff struct {
	runner process.Runner
	logger zerolog.Logger
}

// NewRpmDiff creates the rpmdiff checker.
func NewRpmDiff(runner process.Runner, logger zerolog.Logger) *RpmDiff {
	return &RpmDiff{runner: runner, logger: logger.With().Str("checker", RpmDiffName).Logger()}
}

func (c *RpmDiff) Name() string { return RpmDiffName }
func (c *RpmDiff) Category() engine.ArtifactKind { return engine.ArtifactRPM }
func (c *RpmDiff) Default() bool { return true }

// RunCheck runs rpmdiff for every non-debug package present in both builds
// and writes report.txt.
func (c *RpmDiff) RunCheck(ctx context.Context, resultsDir string, opts Options) (map[string]any, error) {
	dir, err := outputDir(resultsDir, RpmDiffName)
	if err != nil {
		return nil, err
	}

	newByName := make(map[string]string, len(opts.NewPackages))
	for _, pkg := range opts.NewPackages {
		newByName[SplitNEVRA(pkg).Name] = pkg
	}

	files := map[string][]string{}
	for _, oldPkg := range opts.OldPackages {
		name := SplitNEVRA(oldPkg).Name
		if isDebugPackage(name) {
			continue
		}
		newPkg, ok := newByName[name]
		if !ok {
			c.logger.Warn().Str("package", name).Msg("new version of package was not found")
			continue
		}

		args := make([]string, 0, 2*len(rpmdiffIgnoredFlags)+2)
		for _, flag := range rpmdiffIgnoredFlags {
			args = append(args, "-i", flag)
		}
		args = append(args, oldPkg, newPkg)

		res, err := c.runner.Run(ctx, process.Command{Name: RpmDiffName, Args: args})
		if err != nil {
			return nil, engine.NewCheckerNotFoundError(RpmDiffName, RpmDiffName)
		}
		parseRpmDiff(res.Stdout, files)
	}
	files = pairRenames(files)

	var lines []string
	counts := make(map[string]int, len(changeKinds))
	for _, kind := range changeKinds {
		counts[kind] = len(files[kind])
		if len(files[kind]) == 0 {
			continue
		}
		if lines != nil {
			lines = append(lines, "")
		}
		lines = append(lines, fmt.Sprintf("Following files were %s:", kind))
		lines = append(lines, files[kind]...)
	}

	report := filepath.Join(dir, "report.txt")
	if err := os.WriteFile(report, []byte(strings.Join(lines, "\n")), 0o644); err != nil {
		return nil, engine.NewEnvironmentError("failed to write rpmdiff report", err)
	}

	return map[string]any{
		"path":          dir,
		"files_changes": counts,
	}, nil
}

func parseRpmDiff(output string, files map[string][]string) {
	for _, line := range strings.Split(output, "\n") {
		if line == "" || containsAny(line, rpmdiffNoise) {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		switch {
		case strings.HasPrefix(line, "removed"):
			files["removed"] = append(files["removed"], fields[1])
		case strings.HasPrefix(line, "added"):
			files["added"] = append(files["added"], fields[1])
		case rpmdiffChangedRe.MatchString(fields[0]):
			files["changed"] = append(files["changed"], fields[1])
		}
	}
}

// pairRenames drops files that were removed and added again under another
// directory, which is how versioned paths show up in rpmdiff output.
func pairRenames(files map[string][]string) map[string][]string {
	matches := func(item string, others []string) bool {
		base := filepath.Base(item)
		for _, o := range others {
			if strings.Contains(o, base) {
				return true
			}
		}
		return false
	}

	var added, removed []string
	for _, item := range files["removed"] {
		if !matches(item, files["added"]) {
			removed = append(removed, item)
		}
	}
	for _, item := range files["added"] {
		if !matches(item, files["removed"]) {
			added = append(added, item)
		}
	}
	files["added"], files["removed"] = added, removed
	return files
}

// Format implements Checker.
func (c *RpmDiff) Format(data map[string]any) []string {
	lines := title(RpmDiffName)

	counts := map[string]int{}
	switch v := data["files_changes"].(type) {
	case map[string]int:
		counts = v
	case map[string]any:
		for k, n := range v {
			counts[k] = toInt(n)
		}
	}
	for _, kind := range changeKinds {
		lines = append(lines, fmt.Sprintf(" - %d %s files", counts[kind], kind))
	}
	lines = append(lines, fmt.Sprintf("Details in %v:", data["path"]), " - report.txt")
	return lines
}

func containsAny(s string, subs []string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
