// Package checkers compares the packages of the old and new builds with
// external tools and reports what changed.
package checkers

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/rs/zerolog"

	"github.com/vcrhonek/rebase-helper/pkg/engine"
	"github.com/vcrhonek/rebase-helper/pkg/process"
)

// Options is the input of a check.
type Options struct {
	// OldPackages and NewPackages are the binary packages of each build.
	OldPackages []string
	NewPackages []string

	// OldSources and NewSources are the roots of the unpacked source
	// trees. They are empty when the report did not record them.
	OldSources string
	NewSources string
}

// Checker runs one comparison tool.
type Checker interface {
	// Name is the registry key and the name of the results subdirectory.
	Name() string

	// Category is the artifact kind the checker inspects.
	Category() engine.ArtifactKind

	// Default reports whether the checker runs when none are configured.
	Default() bool

	// RunCheck compares the packages and writes its detailed output under
	// resultsDir/<name>. A missing tool is a checker-not-found error.
	RunCheck(ctx context.Context, resultsDir string, opts Options) (map[string]any, error)

	// Format renders a payload returned by RunCheck.
	Format(data map[string]any) []string
}

// Registry maps checker names to implementations. It is built once at
// start-up and not modified afterwards.
type Registry struct {
	checkers map[string]Checker
}

// NewRegistry creates a registry of the given checkers.
func NewRegistry(checkers ...Checker) *Registry {
	r := &Registry{checkers: make(map[string]Checker, len(checkers))}
	for _, c := range checkers {
		r.checkers[c.Name()] = c
	}
	return r
}

// DefaultRegistry returns the built-in checkers running tools through
// runner.
func DefaultRegistry(runner process.Runner, logger zerolog.Logger) *Registry {
	return NewRegistry(NewRpmDiff(runner, logger), NewAbiPkgDiff(runner, logger), NewLicenseCheck(runner))
}

// Get returns a checker by name.
func (r *Registry) Get(name string) (Checker, bool) {
	c, ok := r.checkers[name]
	return c, ok
}

// Names returns the sorted names of all checkers.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.checkers))
	for name := range r.checkers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Defaults returns the sorted names of the default checkers.
func (r *Registry) Defaults() []string {
	var names []string
	for _, name := range r.Names() {
		if r.checkers[name].Default() {
			names = append(names, name)
		}
	}
	return names
}

// Run runs the named checker if it inspects artifacts of the given kind.
// It returns nil without error when the checker belongs to another kind.
func (r *Registry) Run(ctx context.Context, name string, kind engine.ArtifactKind, resultsDir string, opts Options) (map[string]any, error) {
	c, ok := r.checkers[name]
	if !ok {
		return nil, fmt.Errorf("unknown checker %q, available: %s", name, strings.Join(r.Names(), ", "))
	}
	if c.Category() != kind {
		return nil, nil
	}
	return c.RunCheck(ctx, resultsDir, opts)
}

// Format renders the payload of the named checker, or nothing when the
// checker is unknown.
func (r *Registry) Format(name string, data map[string]any) []string {
	c, ok := r.checkers[name]
	if !ok {
		return nil
	}
	return c.Format(data)
}

// outputDir creates and returns resultsDir/<name>.
func outputDir(resultsDir, name string) (string, error) {
	dir := filepath.Join(resultsDir, name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", engine.NewEnvironmentError(fmt.Sprintf("failed to create %s output directory", name), err)
	}
	return dir, nil
}

// title returns an underlined heading.
func title(text string) []string {
	return []string{"", text, strings.Repeat("=", len(text))}
}

func toInt(v any) int {
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	}
	return 0
}
