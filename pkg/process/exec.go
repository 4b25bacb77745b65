// Package process runs external tools with captured output.
package process

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Command describes one tool invocation.
type Command struct {
	// Name is the executable, looked up in PATH.
	Name string

	// Args are the arguments passed to the executable.
	Args []string

	// Dir is the working directory of the tool. The calling process never
	// changes its own working directory.
	Dir string

	// Env is added to the inherited environment.
	Env map[string]string

	// Stdin is fed to the tool when set.
	Stdin io.Reader

	// LogFile receives the combined output when set.
	LogFile string
}

// Result is the outcome of a finished command.
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
	Duration time.Duration
}

// Output returns stdout followed by stderr.
func (r *Result) Output() string {
	if r.Stderr == "" {
		return r.Stdout
	}
	return r.Stdout + r.Stderr
}

// Runner executes commands. It exists so tests can substitute tool
// behaviour.
type Runner interface {
	Run(ctx context.Context, cmd Command) (*Result, error)
}

// ExecRunner runs commands with os/exec. The zero value logs nothing.
type ExecRunner struct {
	Logger zerolog.Logger
}

// Run executes the command and waits for it. A nonzero exit code is not an
// error; an error is returned only when the tool could not be started.
func (r ExecRunner) Run(ctx context.Context, c Command) (*Result, error) {
	if c.Name == "" {
		return nil, fmt.Errorf("command is required")
	}

	cmd := exec.CommandContext(ctx, c.Name, c.Args...)
	cmd.Dir = c.Dir
	cmd.Stdin = c.Stdin

	if len(c.Env) > 0 {
		env := os.Environ()
		for k, v := range c.Env {
			env = append(env, fmt.Sprintf("%s=%s", k, v))
		}
		cmd.Env = env
	}

	var stdout, stderr bytes.Buffer
	var outWriter, errWriter io.Writer = &stdout, &stderr
	if c.LogFile != "" {
		f, err := os.OpenFile(c.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("failed to open log file %s: %w", c.LogFile, err)
		}
		defer f.Close()
		outWriter = io.MultiWriter(&stdout, f)
		errWriter = io.MultiWriter(&stderr, f)
	}
	cmd.Stdout = outWriter
	cmd.Stderr = errWriter

	r.Logger.Debug().
		Str("command", c.Name).
		Str("args", strings.Join(c.Args, " ")).
		Str("dir", c.Dir).
		Msg("running tool")

	start := time.Now()
	err := cmd.Run()
	result := &Result{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: time.Since(start),
	}

	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			result.ExitCode = exitErr.ExitCode()
			return result, nil
		}
		return nil, fmt.Errorf("failed to execute %s: %w", c.Name, err)
	}

	return result, nil
}

// LookPath reports whether a tool is available in PATH.
func LookPath(name string) (string, bool) {
	path, err := exec.LookPath(name)
	if err != nil {
		return "", false
	}
	return path, true
}
