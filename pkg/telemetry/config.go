package telemetry

import (
	"fmt"
	"slices"
	"time"
)

var (
	logLevels     = []string{"trace", "debug", "info", "warn", "error", "fatal"}
	logFormats    = []string{"console", "json"}
	spanExporters = []string{"otlp", "stdout", "none"}
)

// Config is the telemetry setup of one rebase-helper invocation. The CLI
// derives it from the telemetry section of the configuration file.
type Config struct {
	ServiceName    string
	ServiceVersion string

	Logging LoggingConfig
	Tracing TracingConfig
	Metrics MetricsConfig
}

// LoggingConfig selects level, format and destination of the log stream.
// Output is "stderr", "stdout" or a file path.
type LoggingConfig struct {
	Level        string
	Format       string
	Output       string
	EnableCaller bool
}

// TracingConfig configures span export. Spans cover the reconciliation,
// every build attempt and every checker run.
type TracingConfig struct {
	Enabled  bool
	Exporter string

	// Endpoint, Headers and Insecure apply to the otlp exporter only.
	Endpoint string
	Headers  map[string]string
	Insecure bool

	SamplingRate  float64
	ExportTimeout time.Duration
}

// MetricsConfig configures the Prometheus registry. Nothing is served;
// the registry is dumped to Textfile when the run ends, relative to the
// results directory unless absolute.
type MetricsConfig struct {
	Enabled   bool
	Namespace string
	Textfile  string

	// DefaultHistogramBuckets are build duration buckets in seconds. Rebuilds
	// of large packages take up to an hour.
	DefaultHistogramBuckets []float64
}

// DefaultConfig returns console logging at info level, metrics written to
// metrics.prom and tracing switched off.
func DefaultConfig() *Config {
	return &Config{
		ServiceName:    "rebase-helper",
		ServiceVersion: "dev",
		Logging:        LoggingConfig{Level: "info", Format: "console", Output: "stderr"},
		Tracing: TracingConfig{
			Exporter:      "none",
			Headers:       map[string]string{},
			Insecure:      true,
			SamplingRate:  1,
			ExportTimeout: 30 * time.Second,
		},
		Metrics: MetricsConfig{
			Enabled:                 true,
			Namespace:               "rebase_helper",
			Textfile:                "metrics.prom",
			DefaultHistogramBuckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800, 3600},
		},
	}
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	if c.ServiceName == "" {
		return fmt.Errorf("service name is required")
	}
	if err := oneOf("log level", c.Logging.Level, logLevels); err != nil {
		return err
	}
	if err := oneOf("log format", c.Logging.Format, logFormats); err != nil {
		return err
	}
	if c.Tracing.Enabled {
		if err := oneOf("trace exporter", c.Tracing.Exporter, spanExporters); err != nil {
			return err
		}
	}
	if r := c.Tracing.SamplingRate; r < 0 || r > 1 {
		return fmt.Errorf("trace sampling rate must be within [0, 1], got %g", r)
	}
	if c.Metrics.Enabled && c.Metrics.Textfile == "" {
		return fmt.Errorf("metrics textfile is required when metrics are enabled")
	}
	return nil
}

func oneOf(what, value string, allowed []string) error {
	if !slices.Contains(allowed, value) {
		return fmt.Errorf("invalid %s %q, expected one of %v", what, value, allowed)
	}
	return nil
}
