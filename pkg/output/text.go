package output

import (
	"fmt"
	"io"
	"path/filepath"
	"sort"
	"strings"

	"github.com/vcrhonek/rebase-helper/pkg/engine"
	"github.com/vcrhonek/rebase-helper/pkg/results"
)

// CheckerFormatter renders a checker payload. *checkers.Registry
// implements it.
type CheckerFormatter interface {
	Format(name string, data map[string]any) []string
}

// Text writes a plain text summary for humans.
type Text struct {
	// ResultsDir is the directory paths in the report are shown relative to.
	ResultsDir string

	Checkers CheckerFormatter
}

func (t *Text) Name() string      { return "text" }
func (t *Text) Extension() string { return "txt" }

// Render implements Tool.
func (t *Text) Render(w io.Writer, report *results.Report) error {
	var lines []string
	add := func(format string, args ...any) {
		lines = append(lines, fmt.Sprintf(format, args...))
	}
	heading := func(text, sep string) {
		lines = append(lines, "", text, strings.Repeat(sep, len(text)))
	}

	add("Rebase of %s from %s to %s %s", report.Package, report.OldVersion, report.NewVersion, report.Status)
	if t.ResultsDir != "" {
		add("Rebase helper results are located in %s", t.ResultsDir)
	}

	if report.ChangesPatch != "" {
		add("")
		add("Patch with differences between old and new version source files:")
		add("%s", t.rel(report.ChangesPatch))
	}

	if t.Checkers != nil {
		names := make([]string, 0, len(report.Checkers))
		for name := range report.Checkers {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			lines = append(lines, t.Checkers.Format(name, report.Checkers[name])...)
		}
	}

	heading("Downstream Patches", "=")
	if len(report.Patches) == 0 {
		add("Patches were neither modified nor deleted.")
	} else {
		add("Rebased patches are located in %s", t.rel(filepath.Join(t.ResultsDir, "rebased-sources")))
		add("Legend:")
		add("[-] = already applied, patch removed")
		add("[*] = merged, patch modified")
		add("[!] = conflicting or inapplicable, patch skipped")
		add("[ ] = patch untouched")
		for _, p := range report.Patches {
			add(" * %-40s [%s]", p.Name(), p.Status.Marker())
		}
	}

	if len(report.Failures) > 0 {
		heading("Build failures", "=")
		for _, f := range report.Failures {
			if f.Section != "" {
				add(" - %s: %s in %s", f.Version, f.Category, f.Section)
			} else {
				add(" - %s: %s", f.Version, f.Category)
			}
		}
	}

	if len(report.Detached) > 0 {
		heading("Remote tasks", "=")
		for _, task := range report.Detached {
			add(" - %s [%s]", task.ID, task.State)
		}
	}

	heading("RPMS", "=")
	for _, v := range engine.Versions {
		t.artifacts(report, v, add, heading)
	}

	_, err := io.WriteString(w, strings.Join(lines, "\n")+"\n")
	return err
}

func (t *Text) artifacts(report *results.Report, version engine.Version, add func(string, ...any), heading func(string, string)) {
	var found []engine.BuildArtifact
	for _, a := range report.Artifacts {
		if a.Version == version {
			found = append(found, a)
		}
	}
	if len(found) == 0 {
		return
	}

	heading(fmt.Sprintf("%s packages", capitalize(string(version))), "-")
	for _, a := range found {
		kind := "Binary"
		if a.Kind == engine.ArtifactSRPM {
			kind = "Source"
		}
		add("%s packages and logs are in directory %s:", kind,
			t.rel(filepath.Join(t.ResultsDir, string(version)+"-build", string(a.Kind))))
		for _, p := range sortedBase(a.Paths) {
			add(" - %s", p)
		}
		for _, l := range sortedBase(a.Logs) {
			add(" - %s", l)
		}
	}
}

// rel shows a path relative to the results directory when it lies inside it.
func (t *Text) rel(path string) string {
	if t.ResultsDir == "" {
		return path
	}
	rel, err := filepath.Rel(filepath.Dir(t.ResultsDir), path)
	if err != nil || strings.HasPrefix(rel, "..") {
		return path
	}
	return rel
}

func sortedBase(paths []string) []string {
	out := make([]string, 0, len(paths))
	for _, p := range paths {
		out = append(out, filepath.Base(p))
	}
	sort.Strings(out)
	return out
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}
