// Package specfile reads and rewrites the parts of an RPM spec file that a
// rebase touches: the package tags, the Source and Patch lists and the
// strip levels of the patch application lines. It is not a macro engine;
// only %{name}, %{version}, %{release} and %global/%define macros are
// expanded.
package specfile

import (
	"bufio"
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/vcrhonek/rebase-helper/pkg/engine"
)

var (
	tagRe      = regexp.MustCompile(`^([A-Za-z]+)(\d*)(\s*:\s*)(.*?)\s*$`)
	defineRe   = regexp.MustCompile(`^%(?:global|define)\s+(\w+)\s+(.+?)\s*$`)
	patchRe    = regexp.MustCompile(`^%patch(\d*)\b(.*)$`)
	setupRe    = regexp.MustCompile(`^%(?:autosetup|autopatch)\b(.*)$`)
	stripRe    = regexp.MustCompile(`(?:^|\s)-p\s*(\d+)`)
	patchNumRe = regexp.MustCompile(`(?:^|\s)-P\s*(\d+)`)
	macroRe    = regexp.MustCompile(`%\{(\??)(\w+)\}|%(\w+)`)
)

var requireOps = map[string]bool{"<": true, "<=": true, "=": true, ">=": true, ">": true}

// tag is one tag line of the preamble.
type tag struct {
	line   int
	name   string
	number int
	sep    string
	raw    string
}

// Spec is a parsed spec file. It implements engine.PackageSpec.
type Spec struct {
	path      string
	sourceDir string
	lines     []string

	macros map[string]string
	tags   map[string]*tag

	sources      map[int]*tag
	patches      map[int]*tag
	requires     []string
	strips       map[int]int
	defaultStrip int

	// patchPaths overrides the location of rewritten patches.
	patchPaths map[int]string
	removed    map[int]bool
}

var _ engine.PackageSpec = (*Spec)(nil)

// Parse reads the spec file at path. Sources and patches are looked up in
// the directory of the spec file unless SetSourceDir is called.
func Parse(path string) (*Spec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read spec file: %w", err)
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve spec path: %w", err)
	}
	return ParseBytes(abs, data)
}

// ParseBytes parses spec content that was read from path.
func ParseBytes(path string, data []byte) (*Spec, error) {
	s := &Spec{
		path:       path,
		sourceDir:  filepath.Dir(path),
		macros:     make(map[string]string),
		tags:       make(map[string]*tag),
		sources:    make(map[int]*tag),
		patches:    make(map[int]*tag),
		strips:     make(map[int]int),
		patchPaths: make(map[int]string),
		removed:    make(map[int]bool),
	}

	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		s.lines = append(s.lines, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read spec file: %w", err)
	}

	for i, line := range s.lines {
		s.parseLine(i, strings.TrimSpace(line))
	}

	if s.Name() == "" {
		return nil, fmt.Errorf("%s: Name tag is missing", path)
	}
	if s.Version() == "" {
		return nil, fmt.Errorf("%s: Version tag is missing", path)
	}
	return s, nil
}

func (s *Spec) parseLine(i int, line string) {
	if m := defineRe.FindStringSubmatch(line); m != nil {
		s.macros[m[1]] = m[2]
		return
	}
	if m := patchRe.FindStringSubmatch(line); m != nil {
		args := m[2]
		num := 0
		switch {
		case m[1] != "":
			num, _ = strconv.Atoi(m[1])
		default:
			if n := patchNumRe.FindStringSubmatch(args); n != nil {
				num, _ = strconv.Atoi(n[1])
			} else if f := strings.Fields(args); len(f) > 0 {
				if v, err := strconv.Atoi(f[0]); err == nil {
					num = v
				}
			}
		}
		s.strips[num] = stripLevel(args)
		return
	}
	if m := setupRe.FindStringSubmatch(line); m != nil {
		s.defaultStrip = stripLevel(m[1])
		return
	}

	m := tagRe.FindStringSubmatch(line)
	if m == nil {
		return
	}
	name := strings.ToLower(m[1])
	t := &tag{line: i, name: name, sep: m[3], raw: m[4]}
	if m[2] != "" {
		t.number, _ = strconv.Atoi(m[2])
	}

	switch name {
	case "source":
		s.sources[t.number] = t
	case "patch":
		s.patches[t.number] = t
	case "buildrequires":
		s.requires = append(s.requires, splitRequires(s.expand(m[4]))...)
	case "name", "version", "release":
		if m[2] == "" {
			if _, seen := s.tags[name]; !seen {
				s.tags[name] = t
			}
		}
	}
}

func stripLevel(args string) int {
	if m := stripRe.FindStringSubmatch(args); m != nil {
		n, _ := strconv.Atoi(m[1])
		return n
	}
	return 0
}

func splitRequires(value string) []string {
	var out []string
	for _, part := range strings.Split(value, ",") {
		fields := strings.Fields(part)
		for i := 0; i < len(fields); i++ {
			if requireOps[fields[i]] && len(out) > 0 && i+1 < len(fields) {
				out[len(out)-1] += " " + fields[i] + " " + fields[i+1]
				i++
				continue
			}
			out = append(out, fields[i])
		}
	}
	return out
}

// expand replaces known macros in value. Unknown conditional macros
// (%{?foo}) expand to nothing; other unknown macros are left alone.
func (s *Spec) expand(value string) string {
	for range 10 {
		next := macroRe.ReplaceAllStringFunc(value, func(m string) string {
			sub := macroRe.FindStringSubmatch(m)
			conditional, name := sub[1] == "?", sub[2]
			if name == "" {
				name = sub[3]
			}
			if v, ok := s.macro(name); ok {
				return v
			}
			if conditional {
				return ""
			}
			return m
		})
		if next == value {
			break
		}
		value = next
	}
	return value
}

func (s *Spec) macro(name string) (string, bool) {
	switch name {
	case "name", "version", "release":
		if t, ok := s.tags[name]; ok {
			return t.raw, true
		}
		return "", false
	}
	v, ok := s.macros[name]
	return v, ok
}

func (s *Spec) tagValue(name string) string {
	t, ok := s.tags[name]
	if !ok {
		return ""
	}
	return s.expand(t.raw)
}

// Name returns the package name.
func (s *Spec) Name() string { return s.tagValue("name") }

// Version returns the packaged version.
func (s *Spec) Version() string { return s.tagValue("version") }

// Release returns the release with %{?dist} and friends expanded.
func (s *Spec) Release() string { return s.tagValue("release") }

// Path returns the absolute path of the spec file.
func (s *Spec) Path() string { return s.path }

// SourceDir returns the directory sources and patches are looked up in.
func (s *Spec) SourceDir() string { return s.sourceDir }

// SetSourceDir changes the directory sources and patches are looked up in.
func (s *Spec) SetSourceDir(dir string) { s.sourceDir = dir }

// Sources returns the absolute paths of the sources in SourceN order.
func (s *Spec) Sources() []string {
	nums := sortedNumbers(s.sources)
	out := make([]string, 0, len(nums))
	for _, n := range nums {
		out = append(out, filepath.Join(s.sourceDir, fileName(s.expand(s.sources[n].raw))))
	}
	return out
}

// Patches returns the patches in application order with the strip level of
// their %patch line, or of %autosetup when they have none.
func (s *Spec) Patches() []engine.Patch {
	nums := sortedNumbers(s.patches)
	out := make([]engine.Patch, 0, len(nums))
	for _, n := range nums {
		if s.removed[n] {
			continue
		}
		strip, ok := s.strips[n]
		if !ok {
			strip = s.defaultStrip
		}
		path := s.patchPaths[n]
		if path == "" {
			path = filepath.Join(s.sourceDir, fileName(s.expand(s.patches[n].raw)))
		}
		out = append(out, engine.Patch{
			Index:   n,
			Path:    path,
			Options: engine.PatchOptions{Strip: strip},
		})
	}
	return out
}

// Requires returns the build requirements.
func (s *Spec) Requires() []string {
	return append([]string(nil), s.requires...)
}

// SetVersion sets the Version tag and resets the release number to 1,
// keeping any suffix such as %{?dist}.
func (s *Spec) SetVersion(version string) error {
	t, ok := s.tags["version"]
	if !ok {
		return fmt.Errorf("spec has no Version tag")
	}
	s.setTag(t, version)

	if rel, ok := s.tags["release"]; ok {
		suffix := ""
		if i := strings.Index(rel.raw, "%"); i >= 0 {
			suffix = rel.raw[i:]
		}
		s.setTag(rel, "1"+suffix)
	}
	return nil
}

// SetPatchPath points patch index at a rewritten patch file. The spec
// refers to the file by name, so it must sit next to the written spec.
func (s *Spec) SetPatchPath(index int, path string) error {
	t, ok := s.patches[index]
	if !ok {
		return fmt.Errorf("spec has no Patch%d", index)
	}
	s.setTag(t, filepath.Base(path))
	s.patchPaths[index] = path
	return nil
}

// RemovePatch comments out a patch and its %patch line.
func (s *Spec) RemovePatch(index int) error {
	t, ok := s.patches[index]
	if !ok {
		return fmt.Errorf("spec has no Patch%d", index)
	}
	s.lines[t.line] = "#" + s.lines[t.line]
	for i, line := range s.lines {
		m := patchRe.FindStringSubmatch(strings.TrimSpace(line))
		if m == nil {
			continue
		}
		num := -1
		if m[1] != "" {
			num, _ = strconv.Atoi(m[1])
		} else if n := patchNumRe.FindStringSubmatch(m[2]); n != nil {
			num, _ = strconv.Atoi(n[1])
		}
		if num == index {
			s.lines[i] = "#" + line
		}
	}
	s.removed[index] = true
	return nil
}

// ApplyPatchStatuses updates the spec after reconciliation. Deleted patches
// and patches the new sources already contain are commented out; patches
// moved to a new file are renamed.
func (s *Spec) ApplyPatchStatuses(patches []engine.Patch, applications []engine.PatchApplicationResult) error {
	merged := engine.MergedUpstream(applications)
	for _, p := range patches {
		switch {
		case p.Status == engine.PatchStatusDeleted || merged[p.Index]:
			if err := s.RemovePatch(p.Index); err != nil {
				return err
			}
		case p.Path != "" && p.Path != s.patchPath(p.Index):
			if err := s.SetPatchPath(p.Index, p.Path); err != nil {
				return err
			}
		}
	}
	return nil
}

func (s *Spec) patchPath(index int) string {
	for _, p := range s.Patches() {
		if p.Index == index {
			return p.Path
		}
	}
	return ""
}

func (s *Spec) setTag(t *tag, value string) {
	line := s.lines[t.line]
	indent := line[:len(line)-len(strings.TrimLeft(line, " \t"))]
	label := strings.TrimSpace(line)
	if i := strings.Index(label, ":"); i >= 0 {
		label = label[:i]
	}
	s.lines[t.line] = indent + strings.TrimRight(label, " \t") + t.sep + value
	t.raw = value
}

// Clone returns an independent copy of the spec in its current state.
func (s *Spec) Clone() (*Spec, error) {
	c, err := ParseBytes(s.path, s.Bytes())
	if err != nil {
		return nil, err
	}
	c.sourceDir = s.sourceDir
	for n, p := range s.patchPaths {
		c.patchPaths[n] = p
	}
	for n := range s.removed {
		c.removed[n] = true
	}
	return c, nil
}

// Bytes returns the current content of the spec file.
func (s *Spec) Bytes() []byte {
	return []byte(strings.Join(s.lines, "\n") + "\n")
}

// Write writes the spec file to path and makes path its new location.
func (s *Spec) Write(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create spec directory: %w", err)
	}
	if err := os.WriteFile(path, s.Bytes(), 0o644); err != nil {
		return fmt.Errorf("failed to write spec file: %w", err)
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("failed to resolve spec path: %w", err)
	}
	s.path = abs
	return nil
}

// fileName returns the local file name of a Source or Patch value: the
// last path element of a URL, or the part after a "#/" fragment.
func fileName(value string) string {
	if i := strings.Index(value, "#/"); i >= 0 {
		return value[i+2:]
	}
	return filepath.Base(value)
}

func sortedNumbers(m map[int]*tag) []int {
	nums := make([]int, 0, len(m))
	for n := range m {
		nums = append(nums, n)
	}
	sort.Ints(nums)
	return nums
}
