package patcher

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/pmezard/go-difflib/difflib"
)

const contextLines = 3

// Regenerate rebuilds a patch after a partial apply. Sections of files that
// applied cleanly are kept verbatim; sections of failed files are replaced
// by a diff of the pre-apply backup (<file>.<suffix>) against the file as
// it is now, which holds only the hunks that did apply. The result is empty
// when nothing of the patch applied.
func Regenerate(pf *PatchFile, failed []string, root, suffix string) (string, error) {
	failedSet := make(map[string]bool, len(failed))
	for _, f := range failed {
		failedSet[f] = true
	}

	var b strings.Builder
	done := make(map[string]bool)
	for _, s := range pf.Sections {
		if !failedSet[s.Path] {
			b.WriteString(s.Text)
			continue
		}
		if done[s.Path] {
			continue
		}
		done[s.Path] = true

		diff, err := diffBackup(root, s, suffix)
		if err != nil {
			return "", fmt.Errorf("failed to diff %s: %w", s.Path, err)
		}
		b.WriteString(diff)
	}

	if strings.TrimSpace(b.String()) == "" {
		return "", nil
	}
	return pf.Preamble + b.String(), nil
}

// diffBackup produces a unified diff section for one file. Header names
// are taken from the original section so the strip level still applies.
func diffBackup(root string, s FileSection, suffix string) (string, error) {
	current := filepath.Join(root, s.Path)
	backup := current + "." + suffix

	before, beforeExists, err := readOptional(backup)
	if err != nil {
		return "", err
	}
	after, afterExists, err := readOptional(current)
	if err != nil {
		return "", err
	}
	created := s.OldName == devNull
	if !beforeExists && (!created || !afterExists) {
		// No backup means the tool left an existing file alone.
		return "", nil
	}

	fromName, toName := s.OldName, s.NewName
	if toName == devNull {
		toName = s.OldName
	}
	if !afterExists {
		toName = devNull
	}

	return difflib.GetUnifiedDiffString(difflib.UnifiedDiff{
		A:        splitLines(before),
		B:        splitLines(after),
		FromFile: fromName,
		ToFile:   toName,
		Context:  contextLines,
	})
}

func readOptional(path string) (string, bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", false, nil
		}
		return "", false, err
	}
	return string(data), true, nil
}

func splitLines(content string) []string {
	if content == "" {
		return nil
	}
	return difflib.SplitLines(strings.TrimSuffix(content, "\n"))
}
