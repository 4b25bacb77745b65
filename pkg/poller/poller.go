// Package poller watches asynchronous remote build tasks until they reach a
// terminal state.
package poller

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/vcrhonek/rebase-helper/pkg/engine"
)

// ErrAttemptsExhausted is returned when tasks are still pending after the
// maximum number of poll cycles.
var ErrAttemptsExhausted = errors.New("poll attempts exhausted")

var exitStatusRe = regexp.MustCompile(`exited with status (\d+)`)

// BackoffMode controls how the interval grows between poll cycles.
type BackoffMode string

const (
	// BackoffFixed waits Interval between every cycle.
	BackoffFixed BackoffMode = "fixed"

	// BackoffExponential doubles the wait each cycle, capped at MaxInterval.
	BackoffExponential BackoffMode = "exponential"
)

// Policy bounds a watch. There is no default; MaxAttempts must be set.
type Policy struct {
	MaxAttempts int
	Interval    time.Duration
	MaxInterval time.Duration
	Mode        BackoffMode
}

// Validate ensures the policy terminates.
func (p Policy) Validate() error {
	if p.MaxAttempts <= 0 {
		return fmt.Errorf("max attempts must be >0")
	}
	if p.Interval < 0 {
		return fmt.Errorf("interval must not be negative")
	}
	if p.Mode == BackoffExponential && p.MaxInterval < p.Interval {
		return fmt.Errorf("max interval must be >= interval")
	}
	return nil
}

// Delay returns the wait before the given cycle (1-based).
func (p Policy) Delay(cycle int) time.Duration {
	if cycle <= 1 || p.Mode != BackoffExponential {
		return p.Interval
	}
	d := p.Interval
	for i := 1; i < cycle; i++ {
		d *= 2
		if d >= p.MaxInterval {
			return p.MaxInterval
		}
	}
	return d
}

// Status is one observation of a remote task.
type Status struct {
	State engine.TaskState

	// Payload is the error text reported for failed tasks.
	Payload string
}

// StatusSource reports the current state of a remote task.
type StatusSource interface {
	TaskStatus(ctx context.Context, taskID string) (*Status, error)
}

// Outcome is the terminal result of one task.
type Outcome struct {
	TaskID string
	State  engine.TaskState

	// ExitCode is engine.ExitCodeUnknown unless CodeKnown is true.
	ExitCode  int
	CodeKnown bool

	Payload string
}

// Task returns the engine view of the outcome.
func (o Outcome) Task() engine.RemoteTask {
	t := engine.RemoteTask{ID: o.TaskID, State: o.State}
	if o.CodeKnown {
		code := o.ExitCode
		t.ExitCode = &code
	}
	return t
}

// Poller polls a set of tasks together.
type Poller struct {
	source StatusSource
	policy Policy
	logger zerolog.Logger

	// OnCycle is called after every poll cycle with the number of tasks
	// still pending.
	OnCycle func(pending int)
}

// New creates a poller. The policy is validated here so a watch can never
// loop forever.
func New(source StatusSource, policy Policy, logger zerolog.Logger) (*Poller, error) {
	if err := policy.Validate(); err != nil {
		return nil, fmt.Errorf("invalid poll policy: %w", err)
	}
	if policy.Mode == "" {
		policy.Mode = BackoffFixed
	}
	return &Poller{
		source: source,
		policy: policy,
		logger: logger.With().Str("component", "poller").Logger(),
	}, nil
}

// Watch polls all tasks until each is terminal and returns one outcome per
// task. Status errors are treated as a pending observation. When the
// attempt bound is reached the outcomes gathered so far are returned with
// ErrAttemptsExhausted.
func (p *Poller) Watch(ctx context.Context, taskIDs []string) (map[string]Outcome, error) {
	outcomes := make(map[string]Outcome, len(taskIDs))
	pending := make(map[string]engine.TaskState, len(taskIDs))
	for _, id := range taskIDs {
		pending[id] = engine.TaskStateSubmitted
	}

	for cycle := 1; len(pending) > 0; cycle++ {
		if cycle > p.policy.MaxAttempts {
			return outcomes, fmt.Errorf("%w: %d of %d tasks still pending after %d cycles",
				ErrAttemptsExhausted, len(pending), len(taskIDs), p.policy.MaxAttempts)
		}
		if cycle > 1 {
			if err := sleep(ctx, p.policy.Delay(cycle)); err != nil {
				return outcomes, err
			}
		}

		for _, id := range sortedKeys(pending) {
			st, err := p.source.TaskStatus(ctx, id)
			if err != nil {
				if ctx.Err() != nil {
					return outcomes, ctx.Err()
				}
				p.logger.Warn().Err(err).Str("task_id", id).Int("cycle", cycle).Msg("failed to query task status")
				continue
			}

			prev := pending[id]
			if st.State != prev && !prev.CanTransitionTo(st.State) {
				p.logger.Warn().Str("task_id", id).Str("from", string(prev)).Str("to", string(st.State)).
					Msg("unexpected task state transition")
			}
			if !st.State.IsTerminal() {
				pending[id] = st.State
				continue
			}

			outcomes[id] = newOutcome(id, st)
			delete(pending, id)
			p.logger.Info().Str("task_id", id).Str("state", string(st.State)).Msg("task finished")
		}

		if p.OnCycle != nil {
			p.OnCycle(len(pending))
		}
	}

	return outcomes, nil
}

func newOutcome(id string, st *Status) Outcome {
	o := Outcome{TaskID: id, State: st.State, ExitCode: engine.ExitCodeUnknown, Payload: st.Payload}
	switch st.State {
	case engine.TaskStateSucceeded:
		o.ExitCode, o.CodeKnown = 0, true
	case engine.TaskStateFailed:
		o.ExitCode, o.CodeKnown = RecoverExitCode(st.Payload)
	}
	return o
}

// RecoverExitCode extracts N from "exited with status N" in an error
// payload.
func RecoverExitCode(payload string) (int, bool) {
	m := exitStatusRe.FindStringSubmatch(payload)
	if m == nil {
		return engine.ExitCodeUnknown, false
	}
	code, err := strconv.Atoi(m[1])
	if err != nil {
		return engine.ExitCodeUnknown, false
	}
	return code, true
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func sortedKeys(m map[string]engine.TaskState) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
