// Package output renders the final report of a run.
package output

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/vcrhonek/rebase-helper/pkg/engine"
	"github.com/vcrhonek/rebase-helper/pkg/results"
)

// DefaultTool is used when no output tool is configured.
const DefaultTool = "text"

// Tool renders a report in one format.
type Tool interface {
	Name() string

	// Extension is the suffix of the report file, without the dot.
	Extension() string

	Render(w io.Writer, report *results.Report) error
}

// Registry maps output tool names to implementations.
type Registry struct {
	tools map[string]Tool
}

// NewRegistry creates a registry of the given tools.
func NewRegistry(tools ...Tool) *Registry {
	r := &Registry{tools: make(map[string]Tool, len(tools))}
	for _, t := range tools {
		r.tools[t.Name()] = t
	}
	return r
}

// DefaultRegistry returns the built-in text and json tools. Paths in the
// text report are shown relative to resultsDir.
func DefaultRegistry(resultsDir string, checkers CheckerFormatter) *Registry {
	return NewRegistry(&Text{ResultsDir: resultsDir, Checkers: checkers}, JSON{})
}

// Get returns a tool by name.
func (r *Registry) Get(name string) (Tool, bool) {
	t, ok := r.tools[name]
	return t, ok
}

// Names returns the sorted tool names.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Write renders the report with the named tool into
// <resultsDir>/report.<ext> and returns the file path.
func (r *Registry) Write(name, resultsDir string, report *results.Report) (string, error) {
	tool, ok := r.tools[name]
	if !ok {
		return "", fmt.Errorf("unknown output tool %q, available: %s", name, strings.Join(r.Names(), ", "))
	}

	path := filepath.Join(resultsDir, "report."+tool.Extension())
	f, err := os.Create(path)
	if err != nil {
		return "", engine.NewEnvironmentError("failed to create report file", err)
	}
	if err := tool.Render(f, report); err != nil {
		_ = f.Close()
		return "", fmt.Errorf("failed to render %s report: %w", name, err)
	}
	if err := f.Close(); err != nil {
		return "", engine.NewEnvironmentError("failed to write report file", err)
	}
	return path, nil
}
