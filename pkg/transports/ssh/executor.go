package ssh

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/ssh"
)

// Run executes cmd in a new session and waits for it. Cancelling ctx sends
// SIGTERM to the remote command and closes the session; commands meant to
// outlive the connection must detach themselves (nohup, setsid).
func (c *Client) Run(ctx context.Context, cmd string) (*ExecResult, error) {
	client, err := c.getClient()
	if err != nil {
		return nil, err
	}
	session, err := client.NewSession()
	if err != nil {
		return nil, execError(fmt.Errorf("failed to create session: %w", err))
	}
	defer session.Close()

	var stdout, stderr strings.Builder
	session.Stdout, session.Stderr = &stdout, &stderr

	logger := log.With().Str("host", c.config.Host).Str("command", cmd).Logger()
	logger.Debug().Msg("executing remote command")

	res := &ExecResult{StartedAt: time.Now()}
	waitErr := make(chan error, 1)
	go func() { waitErr <- session.Run(cmd) }()

	select {
	case <-ctx.Done():
		_ = session.Signal(ssh.SIGTERM)
		_ = session.Close()
		return nil, execError(ctx.Err())
	case err = <-waitErr:
	}

	res.FinishedAt = time.Now()
	res.Duration = res.FinishedAt.Sub(res.StartedAt)
	res.Stdout, res.Stderr = stdout.String(), stderr.String()

	if err != nil {
		var exit *ssh.ExitError
		if !errors.As(err, &exit) {
			return nil, execError(err)
		}
		res.ExitCode = exit.ExitStatus()
	}

	logger.Debug().Int("exit_code", res.ExitCode).Dur("duration", res.Duration).Msg("remote command completed")
	return res, nil
}

// execError marks session failures as retryable; the poller retries them
// on its next cycle.
func execError(err error) *TransportError {
	return &TransportError{Op: "exec", Err: err, IsTemporary: true}
}
