package commands

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/mattn/go-isatty"

	"github.com/vcrhonek/rebase-helper/pkg/engine"
)

// interactive reports whether prompts may be shown: the configuration
// allows them and stdin is a terminal.
func interactive(nonInteractive bool) bool {
	if nonInteractive {
		return false
	}
	fd := os.Stdin.Fd()
	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}

// chooseTask picks the detached task to resume when no --task was given.
// A single task is taken as is; among several the user chooses by number.
func chooseTask(tasks []engine.RemoteTask, canPrompt bool, in io.Reader, out io.Writer) (engine.RemoteTask, error) {
	if !canPrompt {
		return engine.RemoteTask{}, fmt.Errorf("--task is required in non-interactive mode (detached: %s)", taskIDs(tasks))
	}
	switch len(tasks) {
	case 0:
		return engine.RemoteTask{}, fmt.Errorf("the report has no detached task")
	case 1:
		return tasks[0], nil
	}

	fmt.Fprintln(out, "Detached tasks:")
	for i, t := range tasks {
		fmt.Fprintf(out, "  %d) %s (%s version, %s)\n", i+1, t.ID, dash(string(t.Version)), t.State)
	}
	fmt.Fprintf(out, "Task to resume [1-%d]: ", len(tasks))

	line, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && line == "" {
		return engine.RemoteTask{}, fmt.Errorf("no task chosen: %w", err)
	}
	n, err := strconv.Atoi(strings.TrimSpace(line))
	if err != nil || n < 1 || n > len(tasks) {
		return engine.RemoteTask{}, fmt.Errorf("invalid choice %q", strings.TrimSpace(line))
	}
	return tasks[n-1], nil
}

func taskIDs(tasks []engine.RemoteTask) string {
	if len(tasks) == 0 {
		return "none"
	}
	ids := make([]string, len(tasks))
	for i, t := range tasks {
		ids[i] = t.ID
	}
	return strings.Join(ids, ", ")
}
