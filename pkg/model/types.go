// Package model defines the core domain types for the gaia command gate.
//
// A Command is proposed through a chat channel, waits in the queue until a
// human approves it, and is then executed (or dry-run) by the executor once
// the autonomy guard and checkpoint gate agree. Every transition is written
// to the append-only event log and, where it matters for "what happened",
// to the relational audit store.
//
// The state graph is small and monotone:
//
//	pending  -> approved | rejected | expired
//	approved -> executed | executed_dryrun | rejected
//
// There are no reverse edges. Terminal commands are retained for audit.
package model

import (
	"encoding/json"
	"strings"
	"time"
)

// State is the lifecycle position of a Command.
type State string

const (
	StatePending        State = "pending"
	StateApproved       State = "approved"
	StateExecuted       State = "executed"
	StateExecutedDryRun State = "executed_dryrun"
	StateRejected       State = "rejected"
	StateExpired        State = "expired"
)

var transitions = map[State][]State{
	StatePending:  {StateApproved, StateRejected, StateExpired},
	StateApproved: {StateExecuted, StateExecutedDryRun, StateRejected},
}

// CanTransition reports whether from -> to is an edge of the state graph.
func CanTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Terminal reports whether no further transition is possible from s.
func (s State) Terminal() bool { return len(transitions[s]) == 0 }

// Valid reports whether s is one of the known states.
func (s State) Valid() bool {
	switch s {
	case StatePending, StateApproved, StateExecuted, StateExecutedDryRun, StateRejected, StateExpired:
		return true
	}
	return false
}

// Well-known option names.
const (
	OptExecRequest = "exec_request"
	OptIsTest      = "is_test"
)

// Options are the caller-defined booleans attached to a Command.
// An absent exec_request means the command may be executed; every other
// absent option reads as false.
type Options map[string]bool

// Get returns the effective value of name, applying defaults.
func (o Options) Get(name string) bool {
	v, ok := o[name]
	if !ok {
		return name == OptExecRequest
	}
	return v
}

// Executable reports whether the command may ever leave pending via approval.
func (o Options) Executable() bool { return o.Get(OptExecRequest) }

// IsTest reports whether execution is forced to dry-run.
func (o Options) IsTest() bool { return o.Get(OptIsTest) }

// Clone returns an independent copy of o.
func (o Options) Clone() Options {
	c := make(Options, len(o))
	for k, v := range o {
		c[k] = v
	}
	return c
}

// Sender identifies the human who proposed a command.
type Sender struct {
	FirstName string `json:"first_name,omitempty"`
}

// Command is a unit of work proposed to the gate.
type Command struct {
	ID         string     `json:"id"`
	ChatID     string     `json:"chat_id"`
	MessageID  string     `json:"message_id"`
	Text       string     `json:"command"`
	From       Sender     `json:"from"`
	Status     State      `json:"status"`
	Created    time.Time  `json:"created"`
	ApprovedAt *time.Time `json:"approved_at,omitempty"`
	ApprovedBy string     `json:"approved_by,omitempty"`
	ExecutedAt *time.Time `json:"executed_at,omitempty"`
	ExpiredAt  *time.Time `json:"expired_at,omitempty"`
	RejectedAt *time.Time `json:"rejected_at,omitempty"`
	Reason     string     `json:"reason,omitempty"`
	TraceID    string     `json:"trace_id,omitempty"`
	TaskID     string     `json:"task_id,omitempty"`
	Options    Options    `json:"options"`
}

// Name returns the leading whitespace-delimited token of the command text,
// which is what the allowlist is keyed on.
func (c *Command) Name() string {
	fields := strings.Fields(c.Text)
	if len(fields) == 0 {
		return ""
	}
	return fields[0]
}

// ApprovalRecord is one approval observed on the chat transport.
type ApprovalRecord struct {
	ApprovedBy string          `json:"approved_by"`
	Timestamp  string          `json:"timestamp"`
	Raw        json.RawMessage `json:"raw"`
	CommandID  string          `json:"command_id,omitempty"`
}

// Audit actions.
const (
	ActionApproved       = "approved"
	ActionExecuted       = "executed"
	ActionExecutedDryRun = "executed_dryrun"
	ActionRejected       = "rejected"
	ActionExpired        = "expired"
	ActionToggled        = "toggled"
)

// AuditRow is one append-only row of the audit table.
type AuditRow struct {
	ID        int64     `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Actor     string    `json:"actor"`
	Action    string    `json:"action"`
	CommandID string    `json:"command_id,omitempty"`
	Detail    string    `json:"detail,omitempty"`
}

// Trace is a coarse lifecycle record kept beside the audit table.
type Trace struct {
	ID        int64     `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Action    string    `json:"action"`
	AgentID   string    `json:"agent_id"`
	Status    string    `json:"status"`
	Details   string    `json:"details,omitempty"`
}
