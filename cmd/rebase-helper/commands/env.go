package commands

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/vcrhonek/rebase-helper/pkg/builder"
	"github.com/vcrhonek/rebase-helper/pkg/checkers"
	"github.com/vcrhonek/rebase-helper/pkg/config"
	"github.com/vcrhonek/rebase-helper/pkg/engine"
	"github.com/vcrhonek/rebase-helper/pkg/patcher"
	"github.com/vcrhonek/rebase-helper/pkg/policy"
	"github.com/vcrhonek/rebase-helper/pkg/process"
	"github.com/vcrhonek/rebase-helper/pkg/rebase"
	"github.com/vcrhonek/rebase-helper/pkg/stores"
	"github.com/vcrhonek/rebase-helper/pkg/telemetry"
	"github.com/vcrhonek/rebase-helper/pkg/transports/ssh"
)

// loadConfig reads the configuration selected by --config, the environment
// or the working directory. Callers apply flag overrides and validate again.
func loadConfig() (*config.Config, error) {
	path := config.Resolve(configPath)
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if path != "" {
		log.Debug().Str("path", path).Msg("Loaded configuration")
	}
	if verbose {
		cfg.Telemetry.LogLevel = "debug"
	}
	return cfg, nil
}

func newTelemetry(cfg *config.Config) (*telemetry.Telemetry, error) {
	tel, err := telemetry.NewTelemetry(cfg.TelemetryConfig(binaryVersion))
	if err != nil {
		return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	return tel, nil
}

// shutdownTelemetry flushes traces and writes the metrics textfile into the
// results directory.
func shutdownTelemetry(tel *telemetry.Telemetry, resultsDir string) {
	ctx, cancel := context.WithTimeout(context.Background(), tel.Config.Tracing.ExportTimeout)
	defer cancel()
	if err := tel.Shutdown(ctx, resultsDir); err != nil {
		log.Warn().Err(err).Msg("Failed to shut down telemetry")
	}
}

// openHistory opens and migrates the run history database. It returns nil
// when no database is configured.
func openHistory(ctx context.Context, cfg *config.Config) (stores.Store, error) {
	path := cfg.Results.HistoryDB
	if path == "" {
		return nil, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create history directory: %w", err)
	}

	store, err := stores.NewSQLiteStore(stores.Config{Path: path})
	if err != nil {
		return nil, fmt.Errorf("failed to create history store: %w", err)
	}
	if err := store.Init(ctx); err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("failed to initialize history store: %w", err)
	}
	if err := store.Migrate(ctx); err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("failed to migrate history store: %w", err)
	}
	return store, nil
}

// newPolicyEngine returns the report gate with the configured policies, or
// nil when the gate is disabled.
func newPolicyEngine(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*policy.Engine, error) {
	if cfg.Policy.Disabled {
		return nil, nil
	}
	eng, err := policy.NewEngine(logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create policy engine: %w", err)
	}
	if cfg.Policy.File != "" {
		if err := eng.LoadPolicies(ctx, []string{cfg.Policy.File}); err != nil {
			return nil, fmt.Errorf("failed to load policies: %w", err)
		}
	}
	for _, name := range cfg.Policy.Disable {
		if err := eng.DisablePolicy(name); err != nil {
			return nil, err
		}
	}
	return eng, nil
}

// connectRemote opens the SSH connection to the build host and returns the
// remote builder using it.
func connectRemote(ctx context.Context, cfg *config.Config, tel *telemetry.Telemetry) (*builder.Remote, func(), error) {
	client, err := ssh.NewClient(cfg.SSHConfig())
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create SSH client: %w", err)
	}
	if err := client.Connect(ctx); err != nil {
		envErr := engine.NewEnvironmentError("failed to connect to build host "+cfg.Remote.Host, err)
		var terr *ssh.TransportError
		if errors.As(err, &terr) && terr.Auth() {
			envErr = envErr.WithDetail("hint", "check remote.ssh credentials of the configuration")
		}
		return nil, nil, envErr
	}
	closeFn := func() {
		if err := client.Disconnect(); err != nil {
			log.Debug().Err(err).Msg("Failed to disconnect from build host")
		}
	}

	remote, err := builder.NewRemote(client, cfg.RemoteOptions(), tel.Logger.Zerolog())
	if err != nil {
		closeFn()
		return nil, nil, err
	}
	remote.OnPollCycle = tel.Metrics.RecordPollCycle
	remote.Tracer = tel.Tracer
	return remote, closeFn, nil
}

// environment is everything a pipeline run needs, wired from the
// configuration.
type environment struct {
	pipeline *rebase.Pipeline
	remote   *builder.Remote
	checkers *checkers.Registry
	closers  []func()
}

func (e *environment) Close() {
	for i := len(e.closers) - 1; i >= 0; i-- {
		e.closers[i]()
	}
}

// newEnvironment wires the pipeline. The remote builder is connected when
// the configuration selects it or forceRemote is set.
func newEnvironment(ctx context.Context, cfg *config.Config, tel *telemetry.Telemetry, forceRemote bool) (*environment, error) {
	logger := tel.Logger.Zerolog()
	runner := process.ExecRunner{Logger: logger}
	env := &environment{checkers: checkers.DefaultRegistry(runner, logger)}

	local, err := builder.NewLocal(runner, cfg.LocalOptions(), logger)
	if err != nil {
		return nil, err
	}

	var rpmBuilder engine.Builder = local
	if forceRemote || cfg.Build.Builder == config.BuilderRemote {
		remote, closeFn, err := connectRemote(ctx, cfg, tel)
		if err != nil {
			return nil, err
		}
		env.closers = append(env.closers, closeFn)
		env.remote = remote
		rpmBuilder = remote
	}

	history, err := openHistory(ctx, cfg)
	if err != nil {
		env.Close()
		return nil, err
	}
	deps := rebase.Deps{
		PatchTool:    &patcher.GNUPatch{Binary: patcher.DefaultPatchBinary, Runner: runner},
		Orchestrator: builder.NewOrchestrator(local, rpmBuilder, cfg.OrchestratorOptions(), logger, tel),
		Checkers:     env.checkers,
		Telemetry:    tel,
		Logger:       logger,
	}
	if history != nil {
		env.closers = append(env.closers, func() { _ = history.Close() })
		deps.History = history
	}

	gate, err := newPolicyEngine(ctx, cfg, logger)
	if err != nil {
		env.Close()
		return nil, err
	}
	if gate != nil {
		deps.Gate = gate
	}

	env.pipeline, err = rebase.New(deps)
	if err != nil {
		env.Close()
		return nil, err
	}
	return env, nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// printOutcome prints the result of a run and converts an unacceptable
// outcome into an exit error.
func printOutcome(out *rebase.Outcome) error {
	report := out.Report
	if jsonOutput {
		if err := printJSON(struct {
			Report any `json:"report"`
			Files  any `json:"files"`
			Gate   any `json:"gate,omitempty"`
		}{report, out.Files, out.Gate}); err != nil {
			return err
		}
	} else {
		fmt.Printf("Run %s: %s %s -> %s %s\n", report.RunID, report.Package, report.OldVersion, report.NewVersion, report.Status)
		for _, f := range report.Failures {
			line := fmt.Sprintf("  %s of the %s version", f.Category, f.Version)
			if f.Section != "" {
				line += " in " + f.Section
			}
			fmt.Println(line)
		}
		for _, t := range report.Detached {
			resume := "rebase-helper resume --task " + t.ID
			if t.Version != "" {
				resume += " --version " + string(t.Version)
			}
			fmt.Printf("  task %s (%s version) is still %s; collect it with: %s\n", t.ID, dash(string(t.Version)), t.State, resume)
		}
		if report.Error != "" {
			fmt.Printf("  aborted: %s\n", report.Error)
		}
		for _, path := range out.Files {
			fmt.Printf("Report written to %s\n", path)
		}
		if out.Gate != nil {
			for _, v := range out.Gate.Warnings {
				fmt.Printf("  policy %s [%s]: %s\n", v.Policy, v.Severity, v.Message)
			}
			for _, v := range out.Gate.Violations {
				fmt.Printf("  policy %s [%s]: %s\n", v.Policy, v.Severity, v.Message)
			}
		}
	}

	switch {
	case out.Blocked():
		return &ExitError{Code: 2, Message: "report rejected by policy"}
	case report.Status == engine.RunStatusFailed:
		return &ExitError{Code: 1, Message: "rebase failed"}
	}
	return nil
}
