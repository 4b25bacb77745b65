package config

import (
	"fmt"
	"strings"
	"time"
)

// Config is the rebase-helper configuration file.
type Config struct {
	// Build controls how packages are built.
	Build BuildConfig `yaml:"build" json:"build"`

	// Patch controls how downstream patches are applied.
	Patch PatchConfig `yaml:"patch" json:"patch"`

	// Remote describes the remote build host. Required when Build.Builder
	// is "remote".
	Remote RemoteConfig `yaml:"remote" json:"remote"`

	// Results controls where run output is written.
	Results ResultsConfig `yaml:"results" json:"results"`

	// Checkers lists the checkers to run. Empty means the registry defaults.
	Checkers []string `yaml:"checkers,omitempty" json:"checkers,omitempty" validate:"dive,required"`

	// Outputs lists the output tools used for the final report.
	Outputs []string `yaml:"outputs" json:"outputs" validate:"min=1,dive,oneof=text json"`

	// Policy configures the report gate.
	Policy PolicyConfig `yaml:"policy" json:"policy"`

	// Telemetry configures logging, tracing and metrics.
	Telemetry TelemetryConfig `yaml:"telemetry" json:"telemetry"`
}

// BuildConfig controls package builds.
type BuildConfig struct {
	// Retries is the number of additional binary build attempts.
	Retries int `yaml:"retries" json:"retries" validate:"gte=0"`

	// Builder selects the binary package builder.
	Builder string `yaml:"builder" json:"builder" validate:"required,oneof=local remote"`

	// Tool is the local build tool.
	Tool string `yaml:"tool" json:"tool" validate:"required,oneof=rpmbuild mock"`

	// ExtraArgs are passed to every build tool invocation.
	ExtraArgs []string `yaml:"extra_args,omitempty" json:"extra_args,omitempty"`

	// NonInteractive disables every prompt.
	NonInteractive bool `yaml:"non_interactive" json:"non_interactive"`

	// KeepWorkdir leaves temporary build roots in place.
	KeepWorkdir bool `yaml:"keep_workdir" json:"keep_workdir"`

	// Detached submits remote binary builds without waiting for them.
	Detached bool `yaml:"detached" json:"detached"`
}

// PatchConfig controls patch application.
type PatchConfig struct {
	// Fuzz is the maximum fuzz factor passed to the patch tool.
	Fuzz int `yaml:"fuzz" json:"fuzz" validate:"gte=0"`
}

// RemoteConfig describes the remote build host and how it is polled.
type RemoteConfig struct {
	Host string `yaml:"host" json:"host"`
	Port int    `yaml:"port" json:"port" validate:"min=1,max=65535"`
	User string `yaml:"user" json:"user"`

	// KeyFile is the private key used to authenticate. When empty and no
	// password is set, the usual keys under ~/.ssh are tried.
	KeyFile       string `yaml:"key_file,omitempty" json:"key_file,omitempty"`
	KeyPassphrase string `yaml:"key_passphrase,omitempty" json:"-"`
	Password      string `yaml:"password,omitempty" json:"-"`

	KnownHosts            string `yaml:"known_hosts,omitempty" json:"known_hosts,omitempty"`
	InsecureIgnoreHostKey bool   `yaml:"insecure_ignore_host_key" json:"insecure_ignore_host_key"`

	ConnectTimeout time.Duration `yaml:"connect_timeout" json:"connect_timeout" validate:"gte=0"`

	// WorkDir holds one directory per remote task on the build host.
	WorkDir string `yaml:"workdir" json:"workdir" validate:"required"`

	// Command is the build tool run on the host.
	Command string `yaml:"command" json:"command" validate:"required"`

	PollInterval    time.Duration `yaml:"poll_interval" json:"poll_interval" validate:"gte=0"`
	MaxPollInterval time.Duration `yaml:"max_poll_interval" json:"max_poll_interval" validate:"gte=0"`
	MaxPollAttempts int           `yaml:"max_poll_attempts" json:"max_poll_attempts" validate:"gt=0"`
	Backoff         string        `yaml:"backoff" json:"backoff" validate:"oneof=fixed exponential"`
}

// ResultsConfig controls run output.
type ResultsConfig struct {
	// Dir is the results directory of a run.
	Dir string `yaml:"dir" json:"dir" validate:"required"`

	// HistoryDB is the sqlite database finished runs are recorded in.
	// Empty disables the history.
	HistoryDB string `yaml:"history_db,omitempty" json:"history_db,omitempty"`
}

// PolicyConfig configures the report gate.
type PolicyConfig struct {
	// Disabled skips the gate entirely.
	Disabled bool `yaml:"disabled" json:"disabled"`

	// File is a Rego or JSON policy file, or a directory of them, loaded
	// on top of the built-in policies.
	File string `yaml:"file,omitempty" json:"file,omitempty"`

	// Disable names policies that are not evaluated.
	Disable []string `yaml:"disable,omitempty" json:"disable,omitempty"`
}

// TelemetryConfig configures logging, tracing and metrics.
type TelemetryConfig struct {
	LogLevel  string `yaml:"log_level" json:"log_level" validate:"oneof=trace debug info warn error"`
	LogFormat string `yaml:"log_format" json:"log_format" validate:"oneof=console json"`

	// TracingExporter is one of none, stdout or otlp.
	TracingExporter string `yaml:"tracing_exporter" json:"tracing_exporter" validate:"oneof=none stdout otlp"`
	TracingEndpoint string `yaml:"tracing_endpoint,omitempty" json:"tracing_endpoint,omitempty" validate:"required_if=TracingExporter otlp"`

	// Metrics enables the metrics textfile written next to the report.
	Metrics         bool   `yaml:"metrics" json:"metrics"`
	MetricsTextfile string `yaml:"metrics_textfile" json:"metrics_textfile" validate:"required_if=Metrics true"`
}

// ValidationError is one failed constraint of a configuration file.
type ValidationError struct {
	// File is the source file path.
	File string `json:"file,omitempty"`

	// Path is the dotted path to the value (e.g., "build.retries").
	Path string `json:"path"`

	// Message is the error message.
	Message string `json:"message"`
}

func (e ValidationError) Error() string {
	if e.File != "" {
		return fmt.Sprintf("%s: %s: %s", e.File, e.Path, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Path, e.Message)
}

// ValidationErrors is returned by Validate and Load when one or more
// constraints fail.
type ValidationErrors []ValidationError

func (v ValidationErrors) Error() string {
	msgs := make([]string, len(v))
	for i, e := range v {
		msgs[i] = e.Error()
	}
	return "invalid configuration: " + strings.Join(msgs, "; ")
}
