package checkers

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/vcrhonek/rebase-helper/pkg/engine"
	"github.com/vcrhonek/rebase-helper/pkg/process"
)

// LicenseCheckName is the registry name of the licensecheck checker.
const LicenseCheckName = "licensecheck"

// unknownLicense is what licensecheck prints for files without a license
// header.
const unknownLicense = "UNKNOWN"

// LicenseChanges groups files by license. Added holds new files and files
// that gained a license, Removed holds deleted files and files that lost
// one, and Changed is keyed "old => new".
type LicenseChanges struct {
	Added   map[string][]string `json:"added" yaml:"added"`
	Changed map[string][]string `json:"changed" yaml:"changed"`
	Removed map[string][]string `json:"removed" yaml:"removed"`
}

func (c LicenseChanges) groups() []struct {
	name  string
	files map[string][]string
} {
	return []struct {
		name  string
		files map[string][]string
	}{{"added", c.Added}, {"changed", c.Changed}, {"removed", c.Removed}}
}

// LicenseCheck compares the licenses licensecheck detects in the old and
// new source trees.
type LicenseCheck struct {
	runner process.Runner
}

// NewLicenseCheck creates the licensecheck checker.
func NewLicenseCheck(runner process.Runner) *LicenseCheck {
	return &LicenseCheck{runner: runner}
}

func (c *LicenseCheck) Name() string                  { return LicenseCheckName }
func (c *LicenseCheck) Category() engine.ArtifactKind { return engine.ArtifactSRPM }
func (c *LicenseCheck) Default() bool                 { return true }

// RunCheck scans both source trees and writes licensecheck.txt.
func (c *LicenseCheck) RunCheck(ctx context.Context, resultsDir string, opts Options) (map[string]any, error) {
	if opts.OldSources == "" || opts.NewSources == "" {
		return nil, errors.New("source trees of both versions are required")
	}
	dir, err := outputDir(resultsDir, LicenseCheckName)
	if err != nil {
		return nil, err
	}

	oldFiles, err := c.scan(ctx, opts.OldSources)
	if err != nil {
		return nil, err
	}
	newFiles, err := c.scan(ctx, opts.NewSources)
	if err != nil {
		return nil, err
	}

	changes := CompareLicenses(oldFiles, newFiles)
	appeared := licenseSetDiff(newFiles, oldFiles)
	disappeared := licenseSetDiff(oldFiles, newFiles)

	report := filepath.Join(dir, LicenseCheckName+".txt")
	if err := os.WriteFile(report, []byte(strings.Join(licenseReport(changes), "\n")), 0o644); err != nil {
		return nil, engine.NewEnvironmentError("failed to write licensecheck report", err)
	}

	return map[string]any{
		"path":                 dir,
		"changes":              changes,
		"license_changes":      len(appeared) > 0 || len(disappeared) > 0,
		"new_licenses":         appeared,
		"disappeared_licenses": disappeared,
	}, nil
}

// scan returns the license of every file under root, keyed by path
// relative to root.
func (c *LicenseCheck) scan(ctx context.Context, root string) (map[string]string, error) {
	res, err := c.runner.Run(ctx, process.Command{
		Name: LicenseCheckName,
		Args: []string{"--machine", "--recursive", root},
	})
	if err != nil {
		return nil, engine.NewCheckerNotFoundError(LicenseCheckName, LicenseCheckName)
	}
	if res.ExitCode != 0 {
		return nil, fmt.Errorf("licensecheck exited with %d: %s", res.ExitCode, strings.TrimSpace(res.Stderr))
	}
	return ParseLicenseCheck(res.Stdout, root), nil
}

// ParseLicenseCheck parses "path<TAB>license" lines of licensecheck
// --machine output.
func ParseLicenseCheck(output, root string) map[string]string {
	files := make(map[string]string)
	for _, line := range strings.Split(output, "\n") {
		path, license, ok := strings.Cut(line, "\t")
		if !ok {
			continue
		}
		if rel, err := filepath.Rel(root, path); err == nil && !strings.HasPrefix(rel, "..") {
			path = rel
		}
		files[path] = strings.TrimSpace(license)
	}
	return files
}

// CompareLicenses groups the license differences between two scans.
func CompareLicenses(oldFiles, newFiles map[string]string) LicenseChanges {
	changes := LicenseChanges{
		Added:   map[string][]string{},
		Changed: map[string][]string{},
		Removed: map[string][]string{},
	}
	for file, newLicense := range newFiles {
		oldLicense, existed := oldFiles[file]
		switch {
		case !existed:
			changes.Added[newLicense] = append(changes.Added[newLicense], file)
		case oldLicense == newLicense:
		case newLicense == unknownLicense:
			changes.Removed[oldLicense] = append(changes.Removed[oldLicense], file)
		case oldLicense == unknownLicense:
			changes.Added[newLicense] = append(changes.Added[newLicense], file)
		default:
			key := oldLicense + " => " + newLicense
			changes.Changed[key] = append(changes.Changed[key], file)
		}
	}
	for file, oldLicense := range oldFiles {
		if _, ok := newFiles[file]; !ok {
			changes.Removed[oldLicense] = append(changes.Removed[oldLicense], file)
		}
	}
	for _, g := range changes.groups() {
		for _, files := range g.files {
			sort.Strings(files)
		}
	}
	return changes
}

// licenseSetDiff returns the sorted licenses found in a but not in b.
func licenseSetDiff(a, b map[string]string) []string {
	known := make(map[string]bool, len(b))
	for _, l := range b {
		known[l] = true
	}
	seen := map[string]bool{}
	out := []string{}
	for _, l := range a {
		if !known[l] && !seen[l] {
			seen[l] = true
			out = append(out, l)
		}
	}
	sort.Strings(out)
	return out
}

func licenseReport(changes LicenseChanges) []string {
	lines := []string{
		LicenseCheckName,
		strings.Repeat("=", len(LicenseCheckName)),
		"Removed: license removed to unset or file disappeared",
		"Added: license added (previously unset) or new file appeared",
	}
	for _, g := range changes.groups() {
		if len(g.files) == 0 {
			continue
		}
		lines = append(lines, title(g.name+" license(s)")...)
		names := make([]string, 0, len(g.files))
		for name := range g.files {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			lines = append(lines, "* "+name)
			for _, f := range g.files[name] {
				lines = append(lines, " - "+f)
			}
		}
	}
	return lines
}

// Format implements Checker.
func (c *LicenseCheck) Format(data map[string]any) []string {
	lines := title(LicenseCheckName)
	if changed, _ := data["license_changes"].(bool); changed {
		lines = append(lines, "License changes occurred!")
		for _, l := range toStrings(data["new_licenses"]) {
			lines = append(lines, fmt.Sprintf("* %s appeared", l))
		}
		for _, l := range toStrings(data["disappeared_licenses"]) {
			lines = append(lines, fmt.Sprintf("* %s disappeared", l))
		}
	} else {
		lines = append(lines, "No license changes detected.")
	}
	return append(lines, fmt.Sprintf("Detailed output can be found in %v", data["path"]))
}

// toStrings accepts both a fresh payload and one decoded from a report.
func toStrings(v any) []string {
	switch s := v.(type) {
	case []string:
		return s
	case []any:
		out := make([]string, 0, len(s))
		for _, item := range s {
			out = append(out, fmt.Sprint(item))
		}
		return out
	}
	return nil
}
