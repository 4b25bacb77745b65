package process

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func requireShell(t *testing.T) {
	t.Helper()
	if _, ok := LookPath("sh"); !ok {
		t.Skip("sh not available")
	}
}

func TestExecRunnerCapturesExitCode(t *testing.T) {
	requireShell(t)

	res, err := ExecRunner{}.Run(context.Background(), Command{
		Name: "sh",
		Args: []string{"-c", "echo out; echo err >&2; exit 3"},
	})
	require.NoError(t, err)
	assert.Equal(t, 3, res.ExitCode)
	assert.Equal(t, "out\n", res.Stdout)
	assert.Equal(t, "err\n", res.Stderr)
	assert.Equal(t, "out\nerr\n", res.Output())
}

func TestExecRunnerWorkingDirectory(t *testing.T) {
	requireShell(t)
	dir := t.TempDir()
	before, err := os.Getwd()
	require.NoError(t, err)

	res, err := ExecRunner{}.Run(context.Background(), Command{
		Name: "sh",
		Args: []string{"-c", "pwd"},
		Dir:  dir,
		Env:  map[string]string{"REBASE_TEST": "1"},
	})
	require.NoError(t, err)

	resolved, err := filepath.EvalSymlinks(dir)
	require.NoError(t, err)
	got, err := filepath.EvalSymlinks(strings.TrimSpace(res.Stdout))
	require.NoError(t, err)
	assert.Equal(t, resolved, got)

	after, err := os.Getwd()
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestExecRunnerLogFile(t *testing.T) {
	requireShell(t)
	logFile := filepath.Join(t.TempDir(), "build.log")

	_, err := ExecRunner{}.Run(context.Background(), Command{
		Name:    "sh",
		Args:    []string{"-c", "echo building"},
		LogFile: logFile,
	})
	require.NoError(t, err)

	data, err := os.ReadFile(logFile)
	require.NoError(t, err)
	assert.Equal(t, "building\n", string(data))
}

func TestExecRunnerMissingTool(t *testing.T) {
	_, err := ExecRunner{}.Run(context.Background(), Command{Name: "definitely-not-a-real-tool-xyz"})
	require.Error(t, err)
}

func TestExecRunnerLogsToInjectedLogger(t *testing.T) {
	requireShell(t)
	var buf bytes.Buffer
	runner := ExecRunner{Logger: zerolog.New(&buf).Level(zerolog.DebugLevel)}

	_, err := runner.Run(context.Background(), Command{Name: "sh", Args: []string{"-c", "true"}})
	require.NoError(t, err)
	assert.Contains(t, buf.String(), `"command":"sh"`)
	assert.Contains(t, buf.String(), "running tool")
}
