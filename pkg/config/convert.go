package config

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/vcrhonek/rebase-helper/pkg/builder"
	"github.com/vcrhonek/rebase-helper/pkg/poller"
	"github.com/vcrhonek/rebase-helper/pkg/telemetry"
	"github.com/vcrhonek/rebase-helper/pkg/transports/ssh"
)

// SSHConfig returns the transport configuration of the remote build host.
func (c *Config) SSHConfig() *ssh.Config {
	r := c.Remote
	sc := ssh.DefaultConfig(r.Host, r.User)
	sc.Port = r.Port
	if r.ConnectTimeout > 0 {
		sc.ConnectionTimeout = r.ConnectTimeout
	}

	switch {
	case r.Password != "" && r.KeyFile == "":
		sc.AuthMethod = ssh.AuthMethodPassword
		sc.Password = r.Password
	default:
		sc.AuthMethod = ssh.AuthMethodKey
		sc.PrivateKeyPath = expandHome(r.KeyFile)
		sc.PrivateKeyPassphrase = r.KeyPassphrase
		sc.Password = r.Password
	}

	if r.KnownHosts != "" {
		sc.KnownHostsPath = expandHome(r.KnownHosts)
	}
	sc.StrictHostKeyChecking = !r.InsecureIgnoreHostKey
	return sc
}

// PollPolicy returns the policy remote builds are polled with.
func (c *Config) PollPolicy() poller.Policy {
	return poller.Policy{
		MaxAttempts: c.Remote.MaxPollAttempts,
		Interval:    c.Remote.PollInterval,
		MaxInterval: c.Remote.MaxPollInterval,
		Mode:        poller.BackoffMode(c.Remote.Backoff),
	}
}

// LocalOptions returns the options of the local builder.
func (c *Config) LocalOptions() builder.LocalOptions {
	return builder.LocalOptions{
		Tool:          c.Build.Tool,
		ExtraArgs:     c.Build.ExtraArgs,
		KeepBuildRoot: c.Build.KeepWorkdir,
	}
}

// RemoteOptions returns the options of the remote builder.
func (c *Config) RemoteOptions() builder.RemoteOptions {
	return builder.RemoteOptions{
		WorkDir:   c.Remote.WorkDir,
		Command:   c.Remote.Command,
		ExtraArgs: c.Build.ExtraArgs,
		Policy:    c.PollPolicy(),
	}
}

// OrchestratorOptions returns the build retry settings.
func (c *Config) OrchestratorOptions() builder.Options {
	return builder.Options{
		Retries:  c.Build.Retries,
		Detached: c.Build.Detached,
	}
}

// TelemetryConfig returns the telemetry configuration for the given
// binary version.
func (c *Config) TelemetryConfig(version string) *telemetry.Config {
	tc := telemetry.DefaultConfig()
	if version != "" {
		tc.ServiceVersion = version
	}
	tc.Logging.Level = c.Telemetry.LogLevel
	tc.Logging.Format = c.Telemetry.LogFormat

	tc.Tracing.Exporter = c.Telemetry.TracingExporter
	tc.Tracing.Enabled = c.Telemetry.TracingExporter != "none"
	tc.Tracing.Endpoint = c.Telemetry.TracingEndpoint

	tc.Metrics.Enabled = c.Telemetry.Metrics
	tc.Metrics.Textfile = c.Telemetry.MetricsTextfile
	return tc
}

func expandHome(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, strings.TrimPrefix(path, "~"))
		}
	}
	return path
}
