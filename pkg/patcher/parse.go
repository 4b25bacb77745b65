package patcher

import (
	"fmt"
	"strings"

	"github.com/sourcegraph/go-diff/diff"
)

const devNull = "/dev/null"

// FileSection is the part of a patch that changes a single file.
type FileSection struct {
	// OldName and NewName are the names from the --- and +++ headers,
	// unquoted and without timestamps.
	OldName string
	NewName string

	// Path is the file path relative to the tree root after stripping.
	Path string

	// Text is the section in unified diff format, including any leading
	// "diff" or "Index:" lines.
	Text string
}

// PatchFile is a parsed unified diff.
type PatchFile struct {
	// Preamble is any text before the first file section, such as the
	// mail headers of a git format-patch file.
	Preamble string

	Sections []FileSection
}

// TouchedFiles returns the tree-relative paths of all files the patch
// changes, in patch order and without duplicates.
func (p *PatchFile) TouchedFiles() []string {
	seen := make(map[string]bool, len(p.Sections))
	files := make([]string, 0, len(p.Sections))
	for _, s := range p.Sections {
		if s.Path == "" || seen[s.Path] {
			continue
		}
		seen[s.Path] = true
		files = append(files, s.Path)
	}
	return files
}

// ParsePatch splits a unified diff into per-file sections. Paths are
// computed with the given strip level, matching patch -pN.
func ParsePatch(content string, strip int) (*PatchFile, error) {
	fds, err := diff.ParseMultiFileDiff([]byte(content))
	if err != nil {
		return nil, fmt.Errorf("failed to parse patch: %w", err)
	}
	if len(fds) == 0 {
		return nil, fmt.Errorf("no file headers found in patch")
	}

	pf := &PatchFile{}
	for i, fd := range fds {
		if i == 0 {
			var preamble []string
			preamble, fd.Extended = splitPreamble(fd.Extended)
			if len(preamble) > 0 {
				pf.Preamble = strings.Join(preamble, "\n") + "\n"
			}
		}

		text, err := diff.PrintFileDiff(fd)
		if err != nil {
			return nil, fmt.Errorf("failed to print section of %s: %w", fd.NewName, err)
		}

		name := fd.NewName
		if name == "" || name == devNull {
			name = fd.OrigName
		}
		pf.Sections = append(pf.Sections, FileSection{
			OldName: fd.OrigName,
			NewName: fd.NewName,
			Path:    stripPath(name, strip),
			Text:    string(text),
		})
	}

	return pf, nil
}

// splitPreamble separates free text in front of the first section from its
// extended header lines. The parser folds such text into the first
// section's extended headers.
func splitPreamble(extended []string) (preamble, headers []string) {
	for i, line := range extended {
		if strings.HasPrefix(line, "diff ") || strings.HasPrefix(line, "Index: ") {
			return extended[:i], extended[i:]
		}
	}
	return extended, nil
}

// stripPath removes the first n slash-separated components, like patch -pN.
func stripPath(name string, n int) string {
	if name == devNull {
		return ""
	}
	stripped := name
	for i := 0; i < n; i++ {
		idx := strings.IndexByte(stripped, '/')
		if idx < 0 {
			return stripped
		}
		stripped = strings.TrimLeft(stripped[idx+1:], "/")
	}
	return strings.TrimPrefix(stripped, "./")
}
