package checkers

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/rs/zerolog"

	"github.com/vcrhonek/rebase-helper/pkg/engine"
	"github.com/vcrhonek/rebase-helper/pkg/process"
)

// AbiPkgDiffName is the registry name of the abipkgdiff checker.
const AbiPkgDiffName = "abipkgdiff"

// abipkgdiff exit status bits.
const (
	abiDiffError      = 1
	abiDiffUsageError = 2
)

var (
	abiSummaryRe = regexp.MustCompile(`^\s+([\w\s]+changes\s+summary):\s+(.+)$`)
	abiChangesRe = regexp.MustCompile(`(\d+)\s+(Added|Changed|Removed)(?:\s+functions|variables)?(?:\s+\((\d+)\s+filtered\s+out\))?`)
)

// AbiChange counts one kind of ABI change.
type AbiChange struct {
	Count       int `json:"count"`
	FilteredOut int `json:"filtered_out,omitempty"`
}

// AbiPkgDiff compares the ABI of matching old and new binary packages.
type AbiPkgDiff struct {
	runner process.Runner
	logger zerolog.Logger
}

// NewAbiPkgDiff creates the abipkgdiff checker.
func NewAbiPkgDiff(runner process.Runner, logger zerolog.Logger) *AbiPkgDiff {
	return &AbiPkgDiff{runner: runner, logger: logger.With().Str("checker", AbiPkgDiffName).Logger()}
}

func (c *AbiPkgDiff) Name() string { return AbiPkgDiffName }
func (c *AbiPkgDiff) Category() engine.ArtifactKind { return engine.ArtifactRPM }
func (c *AbiPkgDiff) Default() bool { return true }

// RunCheck runs abipkgdiff for every package present in both builds,
// passing the matching debuginfo packages when there are any. The output
// of each comparison is kept in <name>.txt.
func (c *AbiPkgDiff) RunCheck(ctx context.Context, resultsDir string, opts Options) (map[string]any, error) {
	dir, err := outputDir(resultsDir, AbiPkgDiffName)
	if err != nil {
		return nil, err
	}

	oldDebug, oldRest := splitDebuginfo(opts.OldPackages)
	newDebug, newRest := splitDebuginfo(opts.NewPackages)

	packages := make(map[string]map[string]map[string]AbiChange)
	abiChanges := false
	for _, oldPkg := range oldRest {
		name := SplitNEVRA(oldPkg).Name
		newPkg := findByName(newRest, name)
		if newPkg == "" {
			c.logger.Warn().Str("package", name).Msg("new version of package was not found")
			continue
		}

		var args []string
		if debug := findByName(oldDebug, name+"-debuginfo"); debug != "" {
			args = append(args, "--d1", debug)
		}
		if debug := findByName(newDebug, name+"-debuginfo"); debug != "" {
			args = append(args, "--d2", debug)
		}
		args = append(args, oldPkg, newPkg)

		output := filepath.Join(dir, name+".txt")
		res, err := c.runner.Run(ctx, process.Command{Name: AbiPkgDiffName, Args: args, LogFile: output})
		if err != nil {
			return nil, engine.NewCheckerNotFoundError(AbiPkgDiffName, AbiPkgDiffName)
		}
		if res.ExitCode&abiDiffError != 0 && res.ExitCode&abiDiffUsageError != 0 {
			return nil, engine.NewPipelineError(fmt.Sprintf("execution of %s failed for %s", AbiPkgDiffName, name), nil)
		}

		changes := map[string]map[string]AbiChange{}
		if res.ExitCode != 0 {
			abiChanges = true
			if changes, err = parseAbiLog(output); err != nil {
				return nil, engine.NewEnvironmentError("failed to read abipkgdiff output", err)
			}
		}
		packages[name] = changes
	}

	return map[string]any{
		"packages":    packages,
		"abi_changes": abiChanges,
		"path":        dir,
	}, nil
}

func splitDebuginfo(pkgs []string) (debug, rest []string) {
	for _, p := range pkgs {
		if strings.Contains(filepath.Base(p), "debuginfo") {
			debug = append(debug, p)
		} else {
			rest = append(rest, p)
		}
	}
	return debug, rest
}

func findByName(pkgs []string, name string) string {
	for _, p := range pkgs {
		if SplitNEVRA(p).Name == name {
			return p
		}
	}
	return ""
}

// parseAbiLog collects the change summaries of an abipkgdiff report,
// e.g. "  Functions changes summary: 3 Removed, 0 Changed, 0 Added functions".
func parseAbiLog(path string) (map[string]map[string]AbiChange, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	result := map[string]map[string]AbiChange{}
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		m := abiSummaryRe.FindStringSubmatch(scanner.Text())
		if m == nil {
			continue
		}
		kinds := map[string]AbiChange{}
		for _, c := range abiChangesRe.FindAllStringSubmatch(m[2], -1) {
			count, _ := strconv.Atoi(c[1])
			filtered, _ := strconv.Atoi(c[3])
			if count > 0 || c[3] != "" {
				kinds[c[2]] = AbiChange{Count: count, FilteredOut: filtered}
			}
		}
		result[m[1]] = kinds
	}
	return result, scanner.Err()
}

// Format implements Checker.
func (c *AbiPkgDiff) Format(data map[string]any) []string {
	lines := title(AbiPkgDiffName)
	if changed, _ := data["abi_changes"].(bool); !changed {
		return append(lines, "No ABI changes occurred")
	}

	packages, _ := data["packages"].(map[string]map[string]map[string]AbiChange)
	names := sortedKeys(packages)
	for _, name := range names {
		summaries := packages[name]
		if len(summaries) == 0 {
			continue
		}
		lines = append(lines, fmt.Sprintf("ABI changes in %s:", name))
		for _, summary := range sortedKeys(summaries) {
			kinds := summaries[summary]
			if len(kinds) == 0 {
				continue
			}
			lines = append(lines, summary)
			for _, kind := range sortedKeys(kinds) {
				change := kinds[kind]
				if change.FilteredOut > 0 {
					lines = append(lines, fmt.Sprintf(" - %s %d (filtered out %d)", kind, change.Count, change.FilteredOut))
				} else {
					lines = append(lines, fmt.Sprintf(" - %s %d", kind, change.Count))
				}
			}
		}
	}

	lines = append(lines, fmt.Sprintf("Details in %v:", data["path"]))
	for _, name := range names {
		lines = append(lines, fmt.Sprintf(" - %s.txt", name))
	}
	return lines
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
