// Package executor is the only place the gate performs side effects on
// behalf of a command.
//
// Execute checks its preconditions in a fixed order and stops at the first
// one that fails, emitting an event and touching nothing else:
//
//  1. the command exists and is approved
//  2. autonomy is enabled
//  3. the command's leading token is allowlisted
//  4. a high-impact command's checkpoint is approved
//
// A blocked command stays approved. Otherwise the command is moved to its
// terminal state first and the handler runs afterwards under the retry
// policy, so a crash or a handler failure never leaves an unrecorded
// effect. Handler failures are reported with command.executed.failed; the
// command remains executed.
package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/daviddao/gaia/pkg/audit"
	"github.com/daviddao/gaia/pkg/eventlog"
	"github.com/daviddao/gaia/pkg/guard"
	"github.com/daviddao/gaia/pkg/model"
	"github.com/daviddao/gaia/pkg/retry"
)

// Outcome classifies one Execute call.
type Outcome string

const (
	OutcomeExecuted          Outcome = "executed"
	OutcomeDryRun            Outcome = "executed_dryrun"
	OutcomeAutonomyBlocked   Outcome = "autonomy_blocked"
	OutcomeCheckpointBlocked Outcome = "checkpoint_blocked"
	OutcomeFailed            Outcome = "failed"
)

// Handler performs the external effect of a command.
type Handler interface {
	Run(ctx context.Context, c *model.Command) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, c *model.Command) error

func (f HandlerFunc) Run(ctx context.Context, c *model.Command) error { return f(ctx, c) }

// Rule marks commands starting with Prefix (compared token by token) as
// high-impact, gated by checkpoint Checkpoint.
type Rule struct {
	Prefix     string `yaml:"prefix" json:"prefix"`
	Checkpoint int    `yaml:"checkpoint" json:"checkpoint"`
}

// Matches reports whether text starts with the rule's prefix tokens.
func (r Rule) Matches(text string) bool {
	want := strings.Fields(r.Prefix)
	have := strings.Fields(text)
	if len(want) == 0 || len(have) < len(want) {
		return false
	}
	for i := range want {
		if want[i] != have[i] {
			return false
		}
	}
	return true
}

// Commands is the part of the queue the executor needs.
type Commands interface {
	Get(id string) (*model.Command, error)
	Complete(id, actor string, dryRun bool) (*model.Command, error)
}

// Autonomy is the part of the autonomy guard the executor needs.
type Autonomy interface {
	RequireAutonomy(action string) error
	IsCommandAllowed(name string) bool
}

// Gate is the checkpoint gate.
type Gate interface {
	Require(n int, action string) error
}

var (
	_ Autonomy = (*guard.Guard)(nil)
	_ Gate     = (*guard.Checkpoints)(nil)
)

// Executor runs approved commands.
type Executor struct {
	Commands    Commands
	Autonomy    Autonomy
	Checkpoints Gate
	Events      eventlog.Emitter
	Traces      audit.Tracer // optional
	Handler     Handler      // nil: log only
	Policy      retry.Policy
	HighImpact  []Rule
	Actor       string
	Logger      *slog.Logger
}

// Result describes what Execute did.
type Result struct {
	Command  *model.Command
	Outcome  Outcome
	Reason   string
	Attempts int
	// Err is the handler error for OutcomeFailed. It wraps
	// model.ErrHandlerFailure.
	Err error
}

// Execute runs command id. Precondition failures on the command itself
// (unknown id, wrong state, lock contention) are returned as errors; guard
// and checkpoint blocks and handler failures are outcomes.
func (e *Executor) Execute(ctx context.Context, id string, dryRun bool) (Result, error) {
	log := e.logger().With("command_id", id)

	c, err := e.Commands.Get(id)
	if err != nil {
		return Result{}, e.refuse(id, err)
	}
	if c.Status != model.StateApproved {
		return Result{Command: c}, e.refuse(id, fmt.Errorf("%w: %s is %s, not approved", model.ErrIllegalState, c.ID, c.Status))
	}

	if res, blocked := e.check(c); blocked {
		log.Info("execution blocked", "outcome", res.Outcome, "reason", res.Reason)
		e.trace(res)
		return res, nil
	}

	done, err := e.Commands.Complete(c.ID, e.actor(), dryRun)
	if err != nil {
		return Result{Command: c}, err
	}
	if done.Status == model.StateExecutedDryRun {
		log.Info("dry run", "command", done.Text)
		res := Result{Command: done, Outcome: OutcomeDryRun}
		e.trace(res)
		return res, nil
	}

	res := Result{Command: done, Outcome: OutcomeExecuted}
	if e.Handler == nil {
		log.Info("no handler configured; nothing to run", "command", done.Text)
		e.trace(res)
		return res, nil
	}

	policy := e.Policy
	if policy.MaxAttempts == 0 {
		policy = retry.Default()
	}
	res.Attempts, err = retry.Do(ctx, policy, func(ctx context.Context) error {
		herr := e.Handler.Run(ctx, done)
		if herr != nil {
			log.Debug("handler attempt failed", "err", herr)
		}
		return herr
	})
	if err != nil {
		res.Outcome = OutcomeFailed
		res.Reason = err.Error()
		res.Err = fmt.Errorf("%w: %w", model.ErrHandlerFailure, err)
		e.emit(model.EventCommandExecutedFailed, model.FailurePayload{
			CommandID:  done.ID,
			Action:     "execute",
			Error:      err.Error(),
			StatusCode: retry.StatusOf(err),
			Attempts:   res.Attempts,
		})
		log.Warn("handler failed", "attempts", res.Attempts, "err", err)
	}
	e.trace(res)
	return res, nil
}

// check evaluates the guard preconditions in order.
func (e *Executor) check(c *model.Command) (Result, bool) {
	action := "execute " + c.ID
	if e.Autonomy == nil {
		reason := fmt.Sprintf("%v: no autonomy guard configured", model.ErrAutonomyDenied)
		return e.block(c, OutcomeAutonomyBlocked, model.EventAutonomyBlocked, reason, 0), true
	}
	if err := e.Autonomy.RequireAutonomy(action); err != nil {
		return e.block(c, OutcomeAutonomyBlocked, model.EventAutonomyBlocked, err.Error(), 0), true
	}
	if name := c.Name(); !e.Autonomy.IsCommandAllowed(name) {
		reason := fmt.Sprintf("%v: command %q is not allowlisted", model.ErrAutonomyDenied, name)
		return e.block(c, OutcomeAutonomyBlocked, model.EventAutonomyBlocked, reason, 0), true
	}
	if rule, ok := e.highImpact(c.Text); ok {
		if e.Checkpoints == nil {
			reason := fmt.Sprintf("%v: no checkpoint gate configured", model.ErrCheckpointDenied)
			return e.block(c, OutcomeCheckpointBlocked, model.EventCheckpointBlocked, reason, rule.Checkpoint), true
		}
		if err := e.Checkpoints.Require(rule.Checkpoint, action); err != nil {
			return e.block(c, OutcomeCheckpointBlocked, model.EventCheckpointBlocked, err.Error(), rule.Checkpoint), true
		}
	}
	return Result{}, false
}

func (e *Executor) block(c *model.Command, o Outcome, typ model.EventType, reason string, checkpoint int) Result {
	e.emit(typ, model.BlockedPayload{
		CommandID:  c.ID,
		Command:    c.Text,
		Reason:     reason,
		Checkpoint: checkpoint,
	})
	return Result{Command: c, Outcome: o, Reason: reason}
}

func (e *Executor) highImpact(text string) (Rule, bool) {
	for _, r := range e.HighImpact {
		if r.Matches(text) {
			return r, true
		}
	}
	return Rule{}, false
}

// refuse records a precondition failure as command.execute_refused and
// returns err.
func (e *Executor) refuse(id string, err error) error {
	e.logger().Info("execution refused", "command_id", id, "err", err)
	e.emit(model.EventCommandExecuteRefused, model.FailurePayload{
		CommandID: id,
		Action:    "execute",
		Error:     err.Error(),
	})
	return err
}

func (e *Executor) emit(typ model.EventType, payload any) {
	if e.Events == nil {
		return
	}
	if err := e.Events.Emit(typ, payload); err != nil {
		e.logger().Error("event log write failed", "event", typ, "err", err)
	}
}

func (e *Executor) trace(res Result) {
	if e.Traces == nil || res.Command == nil {
		return
	}
	details := map[string]any{"command_id": res.Command.ID}
	if res.Reason != "" {
		details["reason"] = res.Reason
	}
	if res.Attempts > 0 {
		details["attempts"] = res.Attempts
	}
	raw, _ := json.Marshal(details)
	if _, err := e.Traces.RecordTrace("execute", "executor", string(res.Outcome), string(raw)); err != nil {
		e.logger().Debug("trace write failed", "err", err)
	}
}

func (e *Executor) actor() string {
	if e.Actor == "" {
		return "executor"
	}
	return e.Actor
}

func (e *Executor) logger() *slog.Logger {
	if e.Logger == nil {
		return slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return e.Logger
}

// IsBlocked reports whether o is a guard or checkpoint block.
func IsBlocked(o Outcome) bool {
	return o == OutcomeAutonomyBlocked || o == OutcomeCheckpointBlocked
}
