// Command gaia is the human-in-the-loop command gate CLI: queue commands
// from chat, wait for an explicit human approval, and execute them only
// when the autonomy and checkpoint gates allow it.
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/daviddao/gaia/pkg/model"
)

const version = "1.0.0"

// Exit codes.
const (
	exitOK         = 0
	exitError      = 1
	exitDuplicate  = 2
	exitConfig     = 2
	exitNotPending = 3
	exitUnknown    = 4
	exitAutonomy   = 10
	exitCheckpoint = 11
	exitIllegal    = 12
	exitHandler    = 13
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(exitError)
	}

	switch os.Args[1] {
	case "--help", "-h", "help":
		printUsage()
		return
	case "--version", "-v", "version":
		fmt.Println("gaia", version)
		return
	}

	a, err := newApp()
	if err != nil {
		fmt.Fprintf(os.Stderr, "gaia: %v\n", err)
		if errors.Is(err, model.ErrConfig) {
			os.Exit(exitConfig)
		}
		os.Exit(exitError)
	}
	code := a.run(os.Args[1], os.Args[2:])
	a.Close()
	os.Exit(code)
}

func (a *app) run(name string, args []string) int {
	switch name {
	// Setup
	case "init":
		return a.cmdInit(args)

	// Queue
	case "enqueue":
		return a.cmdEnqueue(args)
	case "list", "ls":
		return a.cmdList(args)
	case "approve":
		return a.cmdApprove(args)
	case "reject":
		return a.cmdReject(args)
	case "toggle":
		return a.cmdToggle(args)
	case "expire-old":
		return a.cmdExpireOld(args)

	// Approval
	case "request":
		return a.cmdRequest(args)
	case "listen":
		return a.cmdListen(args)
	case "serve":
		return a.cmdServe(args)

	// Execution
	case "execute", "exec":
		return a.cmdExecute(args)
	case "guard":
		return a.cmdGuard(args)

	// Reporting
	case "events":
		return a.cmdEvents(args)
	case "audit":
		return a.cmdAudit(args)
	case "match":
		return a.cmdMatch(args)
	case "status":
		return a.cmdStatus(args)
	}
	fmt.Fprintf(os.Stderr, "gaia: unknown command %q\n", name)
	fmt.Fprintln(os.Stderr, "Run 'gaia --help' for usage.")
	return exitError
}

func printUsage() {
	fmt.Print(`gaia: human-in-the-loop command gate

Commands arrive from chat, wait for an explicit human APPROVE, and run only
when the autonomy toggle, the command allowlist and any checkpoint allow it.

Usage:
  gaia <command> [flags]

Setup:
  init                                   Create the state dir, autonomy toggle, allowlist, sample config

Queue:
  enqueue <chat> <msg> <command...>      Queue a command (--sender, --no-exec, --test, --trace, --task)
  list [--status S] [--chat C]           List commands by creation time
  approve <id> [--actor A]               Approve a pending command
  reject <id> [--actor A] [--reason R]   Reject a pending or approved command
  toggle <id> <option> [--actor A]       Flip a boolean option on a pending command
  expire-old --max-age D                 Expire pending commands older than D

Approval:
  request <id> [--trace T] [--task K]    Emit approval.request for a command
  listen [--timeout S] [--poll S]        Wait for an approval from the approver chat
  serve [--sweep-every D --max-age D]    Listen continuously and sweep expired commands

Execution:
  execute <id> [--dry-run]               Run an approved command through the gates
  guard autonomy|command N|path P|checkpoint N
  guard require-autonomy A|require-checkpoint N A

Reporting:
  events [--type T] [--follow]           Print the event log
  audit [--limit N] [--since T]          Print recent audit rows
  match [--json]                         Pair approval requests with approvals
  status [--json]                        Queue counts by state, autonomy, allowlist, last approval

Environment:
  GAIA_HOME                 State directory (default: .gaia)
  GAIA_CONFIG               Config file (default: $GAIA_HOME/config.yaml)
  GAIA_APPROVER_CHAT        Chat id whose APPROVE messages count
  GAIA_APPROVAL_KEYWORD     Approval keyword (default: APPROVE)
  TELEGRAM_BOT_TOKEN        Bot token for listen/serve
  GAIA_RETRY_*              Handler retry tuning (MAX_ATTEMPTS, INITIAL_DELAY, BACKOFF, MAX_DELAY, STATUSES)
  ALLOW_COMMAND_EXECUTION   Allow any command while the allowlist is empty
  GAIA_LOG_LEVEL            debug|info|warn|error (default: warn)
  GAIA_LOG_FORMAT           text|json (default: text)

Exit codes:
  0   success
  1   error, or listen timed out
  2   duplicate enqueue, or configuration error
  3   command not in the required state
  4   unknown command id
  10  autonomy blocked
  11  checkpoint blocked
  12  execute: command not approved
  13  execute: handler failed after retries
`)
}

// exitCode maps an error to the CLI's exit discipline.
func exitCode(err error) int {
	switch {
	case err == nil:
		return exitOK
	case errors.Is(err, model.ErrDuplicate):
		return exitDuplicate
	case errors.Is(err, model.ErrConfig):
		return exitConfig
	case errors.Is(err, model.ErrIllegalState):
		return exitNotPending
	case errors.Is(err, model.ErrNotFound):
		return exitUnknown
	case errors.Is(err, model.ErrAutonomyDenied):
		return exitAutonomy
	case errors.Is(err, model.ErrCheckpointDenied):
		return exitCheckpoint
	case errors.Is(err, model.ErrHandlerFailure):
		return exitHandler
	}
	return exitError
}

// fail prints a one-line reason and returns its exit code.
func fail(cmd string, err error) int {
	fmt.Fprintf(os.Stderr, "gaia: %s: %v\n", cmd, err)
	return exitCode(err)
}
