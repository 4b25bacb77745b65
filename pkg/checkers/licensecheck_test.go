package checkers

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vcrhonek/rebase-helper/pkg/engine"
)

const (
	oldLicenses = "" +
		"/src/foo-1.0/COPYING\tGPL (v2 or later)\n" +
		"/src/foo-1.0/src/main.c\tGPL (v2 or later)\n" +
		"/src/foo-1.0/src/util.c\tMIT/X11 (BSD like)\n" +
		"/src/foo-1.0/src/compat.c\tBSD (3 clause)\n" +
		"/src/foo-1.0/src/gen.c\tUNKNOWN\n"
	newLicenses = "" +
		"/src/foo-1.1/COPYING\tGPL (v2 or later)\n" +
		"/src/foo-1.1/src/main.c\tGPL (v3 or later)\n" +
		"/src/foo-1.1/src/util.c\tUNKNOWN\n" +
		"/src/foo-1.1/src/gen.c\tMIT/X11 (BSD like)\n" +
		"/src/foo-1.1/src/new.c\tApache (v2.0)\n"
)

func TestParseLicenseCheck(t *testing.T) {
	files := ParseLicenseCheck(oldLicenses+"garbage line\n", "/src/foo-1.0")
	assert.Len(t, files, 5)
	assert.Equal(t, "GPL (v2 or later)", files["src/main.c"])
	assert.Equal(t, "UNKNOWN", files["src/gen.c"])
}

func TestCompareLicenses(t *testing.T) {
	changes := CompareLicenses(
		ParseLicenseCheck(oldLicenses, "/src/foo-1.0"),
		ParseLicenseCheck(newLicenses, "/src/foo-1.1"),
	)

	assert.Equal(t, map[string][]string{
		"MIT/X11 (BSD like)": {"src/gen.c"},
		"Apache (v2.0)":      {"src/new.c"},
	}, changes.Added)
	assert.Equal(t, map[string][]string{
		"GPL (v2 or later) => GPL (v3 or later)": {"src/main.c"},
	}, changes.Changed)
	assert.Equal(t, map[string][]string{
		"MIT/X11 (BSD like)": {"src/util.c"},
		"BSD (3 clause)":     {"src/compat.c"},
	}, changes.Removed)
}

func TestLicenseCheckRunCheck(t *testing.T) {
	runner := &toolRunner{stdout: map[string]string{"foo-1.0": oldLicenses, "foo-1.1": newLicenses}}
	c := NewLicenseCheck(runner)

	data, err := c.RunCheck(context.Background(), t.TempDir(), Options{
		OldSources: "/src/foo-1.0",
		NewSources: "/src/foo-1.1",
	})
	require.NoError(t, err)

	require.Len(t, runner.calls, 2)
	assert.Equal(t, LicenseCheckName, runner.calls[0].Name)
	assert.Equal(t, []string{"--machine", "--recursive", "/src/foo-1.0"}, runner.calls[0].Args)

	assert.Equal(t, true, data["license_changes"])
	assert.Equal(t, []string{"Apache (v2.0)", "GPL (v3 or later)"}, data["new_licenses"])
	assert.Equal(t, []string{"BSD (3 clause)"}, data["disappeared_licenses"])

	report, err := os.ReadFile(filepath.Join(data["path"].(string), "licensecheck.txt"))
	require.NoError(t, err)
	assert.Contains(t, string(report), "* GPL (v2 or later) => GPL (v3 or later)\n - src/main.c")

	lines := c.Format(data)
	assert.Contains(t, lines, "License changes occurred!")
	assert.Contains(t, lines, "* Apache (v2.0) appeared")
	assert.Contains(t, lines, "* BSD (3 clause) disappeared")
}

func TestLicenseCheckNoChanges(t *testing.T) {
	same := "/src/foo/COPYING\tGPL (v2 or later)\n"
	c := NewLicenseCheck(&toolRunner{stdout: map[string]string{"foo": same}})

	data, err := c.RunCheck(context.Background(), t.TempDir(), Options{OldSources: "/old/foo", NewSources: "/new/foo"})
	require.NoError(t, err)
	assert.Equal(t, false, data["license_changes"])

	// A payload read back from report.json carries []any.
	data["new_licenses"] = []any{}
	assert.Contains(t, c.Format(data), "No license changes detected.")
}

func TestLicenseCheckMissingTool(t *testing.T) {
	c := NewLicenseCheck(&toolRunner{missing: true})
	_, err := c.RunCheck(context.Background(), t.TempDir(), Options{OldSources: "/a", NewSources: "/b"})
	require.Error(t, err)
	assert.True(t, engine.IsCheckerNotFound(err))
}

func TestLicenseCheckNeedsSources(t *testing.T) {
	c := NewLicenseCheck(&toolRunner{})
	_, err := c.RunCheck(context.Background(), t.TempDir(), Options{OldPackages: oldPackages})
	assert.ErrorContains(t, err, "source trees")
}
