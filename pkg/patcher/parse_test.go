package patcher

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const gitStylePatch = `From 1234 Mon Sep 17 00:00:00 2001
Subject: [PATCH] Fix build

---
 src/main.c | 2 +-
 1 file changed

diff --git a/src/main.c b/src/main.c
index 1111111..2222222 100644
--- a/src/main.c
+++ b/src/main.c
@@ -1,3 +1,3 @@
 int main(void)
--- removed line that looks like a header
+++ added line that looks like a header
 }
diff --git a/docs/new.txt b/docs/new.txt
new file mode 100644
--- /dev/null
+++ b/docs/new.txt
@@ -0,0 +1 @@
+hello
diff --git a/old.txt b/old.txt
deleted file mode 100644
--- a/old.txt
+++ /dev/null
@@ -1 +0,0 @@
-bye
--
2.40.0
`

func TestParsePatchSections(t *testing.T) {
	pf, err := ParsePatch(gitStylePatch, 1)
	require.NoError(t, err)
	require.Len(t, pf.Sections, 3)

	mainStart := strings.Index(gitStylePatch, "diff --git a/src/main.c")
	docsStart := strings.Index(gitStylePatch, "diff --git a/docs/new.txt")
	assert.Equal(t, gitStylePatch[:mainStart], pf.Preamble)
	assert.Equal(t, []string{"src/main.c", "docs/new.txt", "old.txt"}, pf.TouchedFiles())

	first := pf.Sections[0]
	assert.Equal(t, "a/src/main.c", first.OldName)
	assert.Equal(t, "b/src/main.c", first.NewName)
	assert.Equal(t, gitStylePatch[mainStart:docsStart], first.Text)

	assert.Equal(t, "/dev/null", pf.Sections[1].OldName)
	assert.Contains(t, pf.Sections[1].Text, "new file mode 100644\n--- /dev/null\n+++ b/docs/new.txt\n")
	assert.Equal(t, "/dev/null", pf.Sections[2].NewName)
}

func TestParsePatchReparsesItsOwnOutput(t *testing.T) {
	pf, err := ParsePatch(gitStylePatch, 1)
	require.NoError(t, err)

	joined := pf.Preamble
	for _, s := range pf.Sections {
		joined += s.Text
	}
	again, err := ParsePatch(joined, 1)
	require.NoError(t, err)
	assert.Equal(t, pf, again)
}

func TestParsePatchTimestampsAndStrip(t *testing.T) {
	patch := "--- foo-1.0.orig/lib/util.c\t2020-01-01 00:00:00.000000000 +0100\n" +
		"+++ foo-1.0/lib/util.c\t2020-01-02 00:00:00.000000000 +0100\n" +
		"@@ -1 +1 @@\n-a\n+b\n"

	pf, err := ParsePatch(patch, 1)
	require.NoError(t, err)
	assert.Equal(t, []string{"lib/util.c"}, pf.TouchedFiles())

	pf, err = ParsePatch(patch, 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"foo-1.0/lib/util.c"}, pf.TouchedFiles())
}

func TestParsePatchQuotedNames(t *testing.T) {
	patch := "--- \"a/with space.txt\"\n+++ \"b/with space.txt\"\n@@ -1 +1 @@\n-a\n+b\n"

	pf, err := ParsePatch(patch, 1)
	require.NoError(t, err)
	assert.Equal(t, []string{"with space.txt"}, pf.TouchedFiles())
}

func TestParsePatchDuplicateFiles(t *testing.T) {
	patch := "--- a/x\n+++ b/x\n@@ -1 +1 @@\n-a\n+b\n" +
		"--- a/x\n+++ b/x\n@@ -10 +10 @@\n-c\n+d\n"

	pf, err := ParsePatch(patch, 1)
	require.NoError(t, err)
	assert.Len(t, pf.Sections, 2)
	assert.Equal(t, []string{"x"}, pf.TouchedFiles())
}

func TestParsePatchNoHeaders(t *testing.T) {
	_, err := ParsePatch("just some text\n", 1)
	assert.Error(t, err)
}

func TestStripPath(t *testing.T) {
	tests := []struct {
		name  string
		strip int
		want  string
	}{
		{"a/b/c.txt", 0, "a/b/c.txt"},
		{"a/b/c.txt", 1, "b/c.txt"},
		{"a/b/c.txt", 2, "c.txt"},
		{"a//b/c.txt", 1, "b/c.txt"},
		{"./c.txt", 0, "c.txt"},
		{"/dev/null", 1, ""},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, stripPath(tt.name, tt.strip), "%s -p%d", tt.name, tt.strip)
	}
}
