package checkers

import (
	"path/filepath"
	"strings"
)

// NEVRA holds the fields encoded in an RPM file name.
type NEVRA struct {
	Name    string
	Version string
	Release string
	Arch    string
}

// SplitNEVRA parses name-version-release.arch.rpm. Names that do not follow
// the convention are returned whole in Name.
func SplitNEVRA(path string) NEVRA {
	base := strings.TrimSuffix(filepath.Base(path), ".rpm")

	var n NEVRA
	if i := strings.LastIndex(base, "."); i > 0 {
		n.Arch = base[i+1:]
		base = base[:i]
	}
	i := strings.LastIndex(base, "-")
	if i <= 0 {
		return NEVRA{Name: strings.TrimSuffix(filepath.Base(path), ".rpm")}
	}
	n.Release = base[i+1:]
	base = base[:i]

	j := strings.LastIndex(base, "-")
	if j <= 0 {
		return NEVRA{Name: strings.TrimSuffix(filepath.Base(path), ".rpm")}
	}
	n.Version = base[j+1:]
	n.Name = base[:j]
	return n
}

func isDebugPackage(name string) bool {
	return strings.Contains(name, "debuginfo") || strings.Contains(name, "debugsource")
}
