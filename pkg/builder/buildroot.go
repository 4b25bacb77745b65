package builder

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/vcrhonek/rebase-helper/pkg/engine"
)

// Build root subdirectories. HOME keeps tools from reading the user's own
// rpm and mock configuration.
const (
	DirHome    = "HOME"
	DirSources = "SOURCES"
	DirSpecs   = "SPECS"
	DirSRPMS   = "SRPMS"
	DirRPMS    = "RPMS"
	DirBuild   = "BUILD"
)

var buildRootDirs = []string{DirHome, DirSources, DirSpecs, DirSRPMS, DirRPMS, DirBuild}

// BuildRoot is an isolated rpmbuild topdir living in a temporary directory.
type BuildRoot struct {
	Path string

	// SpecPath is the copy of the spec file under SPECS, if any.
	SpecPath string
}

// NewBuildRoot creates a build root and populates it with the spec, sources
// and patches of the request.
func NewBuildRoot(req engine.BuildRequest) (*BuildRoot, error) {
	dir, err := os.MkdirTemp("", fmt.Sprintf("rebase-helper-%s-", req.Version))
	if err != nil {
		return nil, engine.NewEnvironmentError("failed to create build root", err)
	}

	root := &BuildRoot{Path: dir}
	for _, name := range buildRootDirs {
		if err := os.MkdirAll(root.Dir(name), 0o755); err != nil {
			_ = root.Cleanup()
			return nil, engine.NewEnvironmentError("failed to create build root", err)
		}
	}

	if req.SpecPath != "" {
		root.SpecPath = filepath.Join(root.Dir(DirSpecs), filepath.Base(req.SpecPath))
		if err := copyFile(req.SpecPath, root.SpecPath); err != nil {
			_ = root.Cleanup()
			return nil, err
		}
	}

	for _, src := range append(append([]string(nil), req.Sources...), req.Patches...) {
		if err := copyFile(src, filepath.Join(root.Dir(DirSources), filepath.Base(src))); err != nil {
			_ = root.Cleanup()
			return nil, err
		}
	}

	return root, nil
}

// Dir returns the absolute path of a build root subdirectory.
func (r *BuildRoot) Dir(name string) string {
	return filepath.Join(r.Path, name)
}

// Env returns the environment the build tools run with.
func (r *BuildRoot) Env() map[string]string {
	return map[string]string{"HOME": r.Dir(DirHome)}
}

// Cleanup removes the build root.
func (r *BuildRoot) Cleanup() error {
	return os.RemoveAll(r.Path)
}

// StageDir returns the directory holding the artifacts and logs of one
// stage: <results>/<version>-build/<kind>.
func StageDir(req engine.BuildRequest, kind engine.ArtifactKind) string {
	return filepath.Join(req.ResultsDir, string(kind))
}

// VersionResultsDir returns <results>/<version>-build.
func VersionResultsDir(resultsDir string, version engine.Version) string {
	return filepath.Join(resultsDir, string(version)+"-build")
}

// CollectLogs returns the sorted *.log files of a directory.
func CollectLogs(dir string) []string {
	logs, _ := filepath.Glob(filepath.Join(dir, "*.log"))
	sort.Strings(logs)
	return logs
}

// findPackages walks root and returns source packages when source is true,
// binary packages otherwise.
func findPackages(root string, source bool) ([]string, error) {
	var found []string
	err := filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !strings.HasSuffix(d.Name(), ".rpm") {
			return nil
		}
		if strings.HasSuffix(d.Name(), ".src.rpm") == source {
			found = append(found, path)
		}
		return nil
	})
	sort.Strings(found)
	return found, err
}

// collectPackages copies the packages found under root into dst and returns
// their new paths. Packages already inside dst are kept where they are.
func collectPackages(root, dst string, source bool) ([]string, error) {
	found, err := findPackages(root, source)
	if err != nil {
		return nil, err
	}

	paths := make([]string, 0, len(found))
	for _, src := range found {
		target := filepath.Join(dst, filepath.Base(src))
		if src != target {
			if err := copyFile(src, target); err != nil {
				return nil, err
			}
		}
		paths = append(paths, target)
	}
	return paths, nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return engine.NewEnvironmentError(fmt.Sprintf("failed to open %s", src), err)
	}
	defer in.Close()

	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return engine.NewEnvironmentError(fmt.Sprintf("failed to create %s", filepath.Dir(dst)), err)
	}

	out, err := os.Create(dst)
	if err != nil {
		return engine.NewEnvironmentError(fmt.Sprintf("failed to create %s", dst), err)
	}

	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return engine.NewEnvironmentError(fmt.Sprintf("failed to copy %s", src), err)
	}
	return out.Close()
}
