package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Builder names.
const (
	BuilderLocal  = "local"
	BuilderRemote = "remote"
)

// EnvConfigPath names the environment variable consulted when no
// configuration file is given explicitly.
const EnvConfigPath = "REBASE_HELPER_CONFIG"

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Build: BuildConfig{
			Retries: 2,
			Builder: BuilderLocal,
			Tool:    "rpmbuild",
		},
		Remote: RemoteConfig{
			Port:            22,
			ConnectTimeout:  30 * time.Second,
			WorkDir:         "/var/tmp/rebase-helper",
			Command:         "mock",
			PollInterval:    10 * time.Second,
			MaxPollInterval: time.Minute,
			MaxPollAttempts: 720,
			Backoff:         "fixed",
		},
		Results: ResultsConfig{
			Dir: "rebase-helper-results",
		},
		Outputs: []string{"text", "json"},
		Telemetry: TelemetryConfig{
			LogLevel:        "info",
			LogFormat:       "console",
			TracingExporter: "none",
			Metrics:         true,
			MetricsTextfile: "metrics.prom",
		},
	}
}

// Load reads a YAML configuration file over the defaults and validates
// the result. An empty path returns the validated defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, cfg.Validate()
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := decode(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		var verrs ValidationErrors
		if errors.As(err, &verrs) {
			for i := range verrs {
				verrs[i].File = path
			}
			return nil, verrs
		}
		return nil, err
	}
	return cfg, nil
}

// Resolve returns the configuration file to load: explicit wins, then
// $REBASE_HELPER_CONFIG, then rebase-helper.yaml in the working directory
// when it exists.
func Resolve(explicit string) string {
	if explicit != "" {
		return explicit
	}
	if env := os.Getenv(EnvConfigPath); env != "" {
		return env
	}
	if _, err := os.Stat("rebase-helper.yaml"); err == nil {
		return "rebase-helper.yaml"
	}
	return ""
}

func decode(data []byte, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// Validate checks every constraint and returns ValidationErrors when any
// fails.
func (c *Config) Validate() error {
	err := newValidator().Struct(c)
	if err == nil {
		return nil
	}

	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return fmt.Errorf("failed to validate config: %w", err)
	}

	verrs := make(ValidationErrors, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		verrs = append(verrs, ValidationError{
			Path:    fieldPath(fe.Namespace()),
			Message: describe(fe),
		})
	}
	return verrs
}

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("yaml"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	v.RegisterStructValidation(validateRemote, Config{})
	return v
}

// validateRemote requires a host and user when binary builds run remotely.
func validateRemote(sl validator.StructLevel) {
	c := sl.Current().Interface().(Config)
	if c.Build.Builder != BuilderRemote {
		if c.Build.Detached {
			sl.ReportError(c.Build.Detached, "build.detached", "Detached", "remote_only", "")
		}
		return
	}
	if c.Remote.Host == "" {
		sl.ReportError(c.Remote.Host, "remote.host", "Host", "required_remote", "")
	}
	if c.Remote.User == "" {
		sl.ReportError(c.Remote.User, "remote.user", "User", "required_remote", "")
	}
	if c.Remote.Backoff == "exponential" && c.Remote.MaxPollInterval < c.Remote.PollInterval {
		sl.ReportError(c.Remote.MaxPollInterval, "remote.max_poll_interval", "MaxPollInterval", "gtefield", "poll_interval")
	}
}

// fieldPath drops the root type name from a validator namespace.
func fieldPath(ns string) string {
	if i := strings.Index(ns, "."); i >= 0 {
		return ns[i+1:]
	}
	return ns
}

func describe(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "required_if":
		return fmt.Sprintf("is required when %s", fe.Param())
	case "required_remote":
		return "is required when build.builder is remote"
	case "remote_only":
		return "requires build.builder remote"
	case "oneof":
		return fmt.Sprintf("must be one of [%s], got %v", fe.Param(), fe.Value())
	case "gte", "min":
		return fmt.Sprintf("must be at least %s", fe.Param())
	case "gt":
		return fmt.Sprintf("must be greater than %s", fe.Param())
	case "max":
		return fmt.Sprintf("must be at most %s", fe.Param())
	case "gtefield":
		return fmt.Sprintf("must not be less than %s", fe.Param())
	default:
		return fmt.Sprintf("failed %q constraint", fe.Tag())
	}
}

// ResultsPath resolves a results-relative path, leaving absolute paths
// untouched.
func (c *Config) ResultsPath(name string) string {
	if name == "" || filepath.IsAbs(name) {
		return name
	}
	return filepath.Join(c.Results.Dir, name)
}
