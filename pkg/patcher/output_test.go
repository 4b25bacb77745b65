package patcher

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseApplyOutputAnyFailureWins(t *testing.T) {
	output := `patching file a.c
Hunk #1 succeeded at 12 (offset 2 lines).
Hunk #2 FAILED at 40.
Hunk #3 succeeded at 80 with fuzz 1.
1 out of 3 hunks FAILED -- saving rejects to file a.c.rej
patching file b.c
patching file 'c d.c'
Hunk #1 succeeded at 3.
`
	report := ParseApplyOutput(output)

	assert.Equal(t, []string{"a.c", "b.c", "c d.c"}, report.Announced)
	assert.True(t, report.Unsuccessful["a.c"])
	assert.False(t, report.Unsuccessful["b.c"])
	assert.False(t, report.Unsuccessful["c d.c"])
	assert.Equal(t, []string{"a.c.rej"}, report.Rejects)

	failed := report.FailedFiles([]string{"a.c", "b.c", "c d.c"})
	assert.Equal(t, []string{"a.c"}, failed)
}

func TestParseApplyOutputRepeatedFileBlocks(t *testing.T) {
	output := `patching file x.c
Hunk #1 FAILED at 5.
1 out of 1 hunk FAILED -- saving rejects to file x.c.rej
patching file x.c
Hunk #1 succeeded at 50.
`
	report := ParseApplyOutput(output)

	assert.Equal(t, []string{"x.c"}, report.FailedFiles([]string{"x.c"}))
}

func TestParseApplyOutputMissingFile(t *testing.T) {
	output := `patching file ok.c
can't find file to patch at input line 12
Perhaps you used the wrong -p or --strip option?
The text leading up to this was:
--------------------------
|--- a/gone.c
|+++ b/gone.c
--------------------------
No file to patch.  Skipping patch.
1 out of 1 hunk ignored
`
	report := ParseApplyOutput(output)

	assert.False(t, report.Unsuccessful["ok.c"], "lines after a missing file must not count against the previous file")
	assert.Equal(t, []string{"gone.c"}, report.FailedFiles([]string{"ok.c", "gone.c"}))
}

func TestParseApplyOutputReversed(t *testing.T) {
	output := `patching file x.c
Reversed (or previously applied) patch detected!  Skipping patch.
1 out of 1 hunk ignored -- saving rejects to file x.c.rej
patching file y.c
Reversed (or previously applied) patch detected!  Skipping patch.
1 out of 1 hunk ignored -- saving rejects to file y.c.rej
`
	report := ParseApplyOutput(output)
	touched := []string{"x.c", "y.c"}
	failed := report.FailedFiles(touched)

	assert.Equal(t, touched, failed)
	assert.True(t, report.AllReversed(touched, failed))

	assert.False(t, report.AllReversed([]string{"x.c", "y.c", "z.c"}, failed),
		"a cleanly applied file means the patch is not fully merged")
}

func TestParseApplyOutputInformationalLines(t *testing.T) {
	output := "patching file w.c\n(Stripping trailing CRs from patch; use --binary to disable.)\n"
	report := ParseApplyOutput(output)

	assert.Empty(t, report.FailedFiles([]string{"w.c"}))
}
