package patcher

import (
	"strings"
)

const (
	patchingFilePrefix = "patching file "
	cantFindMarker     = "can't find file to patch"
	reversedMarker     = "Reversed (or previously applied) patch detected"
	succeededMarker    = "succeeded"
	rejectsMarker      = "saving rejects to file "
)

// ApplyReport is the per-file interpretation of the patch tool's output.
type ApplyReport struct {
	// Announced lists files with a "patching file" line, in output order.
	Announced []string

	// Unsuccessful marks announced files with at least one line in their
	// block that is not a success marker.
	Unsuccessful map[string]bool

	// Reversed marks files the tool reported as already patched.
	Reversed map[string]bool

	// Rejects lists reject files the tool wrote.
	Rejects []string
}

// ParseApplyOutput reads the output of GNU patch. Each "patching file X"
// line opens a block for X; a "can't find file to patch" line closes the
// current block. A file is unsuccessful when any non-informational line of
// any of its blocks lacks the word "succeeded", so a file touched by several
// hunks fails if one hunk fails.
func ParseApplyOutput(output string) *ApplyReport {
	report := &ApplyReport{
		Unsuccessful: make(map[string]bool),
		Reversed:     make(map[string]bool),
	}

	current := ""
	for _, raw := range strings.Split(output, "\n") {
		line := strings.TrimSpace(raw)
		if line == "" {
			continue
		}

		switch {
		case strings.HasPrefix(line, patchingFilePrefix):
			current = strings.TrimPrefix(unquote(strings.TrimPrefix(line, patchingFilePrefix)), "./")
			report.Announced = append(report.Announced, current)
			continue
		case strings.HasPrefix(line, cantFindMarker):
			current = ""
			continue
		}

		if i := strings.Index(line, rejectsMarker); i >= 0 {
			report.Rejects = append(report.Rejects, unquote(line[i+len(rejectsMarker):]))
		}

		if current == "" || informational(line) {
			continue
		}
		if strings.HasPrefix(line, reversedMarker) {
			report.Reversed[current] = true
		}
		if !strings.Contains(line, succeededMarker) {
			report.Unsuccessful[current] = true
		}
	}

	return report
}

// FailedFiles returns the touched files that did not apply: those never
// announced by the tool and those with an unsuccessful block.
func (r *ApplyReport) FailedFiles(touched []string) []string {
	announced := make(map[string]bool, len(r.Announced))
	for _, f := range r.Announced {
		announced[f] = true
	}

	var failed []string
	for _, f := range touched {
		if !announced[f] || r.Unsuccessful[f] {
			failed = append(failed, f)
		}
	}
	return failed
}

// AllReversed reports whether every failed file was skipped as already
// applied and no touched file applied cleanly.
func (r *ApplyReport) AllReversed(touched, failed []string) bool {
	if len(failed) == 0 || len(failed) != len(touched) {
		return false
	}
	for _, f := range failed {
		if !r.Reversed[f] {
			return false
		}
	}
	return true
}

// informational lines carry no per-hunk outcome.
func informational(line string) bool {
	return strings.HasPrefix(line, "(") ||
		strings.HasPrefix(line, "checking file ") ||
		strings.HasPrefix(line, "Hmm...")
}

func unquote(name string) string {
	name = strings.TrimSpace(name)
	if len(name) >= 2 {
		first, last := name[0], name[len(name)-1]
		if (first == '\'' || first == '"' || first == '`') && (last == '\'' || last == '"') {
			return name[1 : len(name)-1]
		}
	}
	return name
}
