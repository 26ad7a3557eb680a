package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/daviddao/gaia/pkg/executor"
	"github.com/daviddao/gaia/pkg/model"
)

// newExecutor wires the executor from configuration.
func (a *app) newExecutor(actor string) (*executor.Executor, error) {
	h, err := executor.NewHandler(a.cfg.Handler)
	if err != nil {
		return nil, err
	}
	return &executor.Executor{
		Commands:    a.queue,
		Autonomy:    a.cfg.Guard(),
		Checkpoints: a.cfg.Checkpoints(),
		Events:      a.events,
		Traces:      a.store,
		Handler:     h,
		Policy:      a.cfg.RetryPolicy(),
		HighImpact:  a.cfg.HighImpact,
		Actor:       actor,
		Logger:      a.log.With("component", "executor"),
	}, nil
}

func (a *app) cmdExecute(args []string) int {
	flags := newFlags("execute")
	dryRun := flags.Bool("dry-run", false, "record the execution without running the handler")
	actor := flags.String("actor", "executor", "actor recorded in the audit trail")
	jsonOut := flags.Bool("json", false, "JSON output")
	if err := flags.Parse(args); err != nil {
		return exitError
	}
	if flags.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: gaia execute <id> [--dry-run]")
		return exitError
	}

	ex, err := a.newExecutor(*actor)
	if err != nil {
		return fail("execute", err)
	}
	ctx, stop := signalContext()
	defer stop()

	res, err := ex.Execute(ctx, flags.Arg(0), *dryRun)
	if err != nil {
		fmt.Fprintf(os.Stderr, "gaia: execute: %v\n", err)
		if errors.Is(err, model.ErrIllegalState) {
			return exitIllegal
		}
		return exitCode(err)
	}

	if *jsonOut {
		out := map[string]any{"command_id": res.Command.ID, "outcome": res.Outcome, "status": res.Command.Status}
		if res.Reason != "" {
			out["reason"] = res.Reason
		}
		if res.Attempts > 0 {
			out["attempts"] = res.Attempts
		}
		printJSON(out)
	} else {
		fmt.Printf("%s/%s\t%s\n", res.Command.ID, res.Command.Status, res.Outcome)
		if res.Reason != "" {
			fmt.Fprintf(os.Stderr, "gaia: execute: %s\n", res.Reason)
		}
	}
	return outcomeCode(res.Outcome)
}

func outcomeCode(o executor.Outcome) int {
	switch o {
	case executor.OutcomeAutonomyBlocked:
		return exitAutonomy
	case executor.OutcomeCheckpointBlocked:
		return exitCheckpoint
	case executor.OutcomeFailed:
		return exitHandler
	}
	return exitOK
}
