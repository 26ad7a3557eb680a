package model

import (
	"encoding/json"
	"fmt"
	"time"
)

// EventType names a record in the event log. Readers must tolerate values
// not listed here.
type EventType string

const (
	EventCommandEnqueued       EventType = "command.enqueued"
	EventCommandApproved       EventType = "command.approved"
	EventCommandRejected       EventType = "command.rejected"
	EventCommandExpired        EventType = "command.expired"
	EventCommandExecuted       EventType = "command.executed"
	EventCommandExecutedDryRun EventType = "command.executed_dryrun"
	EventCommandExecutedFailed EventType = "command.executed.failed"
	EventCommandExecuteRefused EventType = "command.execute_refused"
	EventCommandToggled        EventType = "command.toggled"
	EventApprovalRequest       EventType = "approval.request"
	EventApprovalReceived      EventType = "approval.received"
	EventApprovalTimeout       EventType = "approval.timeout"
	EventAutonomyBlocked       EventType = "autonomy.blocked"
	EventCheckpointBlocked     EventType = "checkpoint.blocked"
	EventAuditWriteFailed      EventType = "audit.write_failed"
)

// TimestampLayout is the event timestamp format: UTC, second precision,
// trailing Z.
const TimestampLayout = "2006-01-02T15:04:05Z"

// FormatTimestamp renders t in TimestampLayout.
func FormatTimestamp(t time.Time) string { return t.UTC().Format(TimestampLayout) }

// Event is the shared envelope of every log record. Payload is kept as raw
// JSON so unknown event types round-trip verbatim; typed views are obtained
// with Decode.
type Event struct {
	Type      EventType       `json:"type"`
	Timestamp string          `json:"timestamp"`
	Payload   json.RawMessage `json:"payload"`
}

// NewEvent builds an envelope around payload. The timestamp is filled in by
// the log on append if left empty.
func NewEvent(typ EventType, payload any) (Event, error) {
	if payload == nil {
		return Event{Type: typ, Payload: json.RawMessage(`{}`)}, nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return Event{}, fmt.Errorf("marshal %s payload: %w", typ, err)
	}
	return Event{Type: typ, Payload: raw}, nil
}

// Decode unmarshals the payload into v.
func (e Event) Decode(v any) error {
	if len(e.Payload) == 0 {
		return nil
	}
	return json.Unmarshal(e.Payload, v)
}

// Time parses the event timestamp. Both the canonical layout and RFC 3339
// with fractional seconds are accepted.
func (e Event) Time() (time.Time, error) {
	return time.Parse(time.RFC3339, e.Timestamp)
}

// Correlators are the identifiers any payload may carry.
type Correlators struct {
	CommandID string `json:"command_id,omitempty"`
	RequestID string `json:"request_id,omitempty"`
	TraceID   string `json:"trace_id,omitempty"`
	TaskID    string `json:"task_id,omitempty"`
}

// Correlators extracts the correlating identifiers from the payload. A
// payload that is not an object yields the zero value.
func (e Event) Correlators() Correlators {
	var c Correlators
	_ = e.Decode(&c)
	return c
}

// CommandPayload accompanies command.* lifecycle events.
type CommandPayload struct {
	CommandID string  `json:"command_id"`
	ChatID    string  `json:"chat_id,omitempty"`
	MessageID string  `json:"message_id,omitempty"`
	Command   string  `json:"command,omitempty"`
	Status    State   `json:"status"`
	Actor     string  `json:"actor,omitempty"`
	Reason    string  `json:"reason,omitempty"`
	TraceID   string  `json:"trace_id,omitempty"`
	TaskID    string  `json:"task_id,omitempty"`
	Options   Options `json:"options,omitempty"`
}

// ApprovalPayload accompanies approval.request, approval.received and
// approval.timeout. CommandID is empty for orphan approvals.
type ApprovalPayload struct {
	CommandID  string          `json:"command_id,omitempty"`
	RequestID  string          `json:"request_id,omitempty"`
	TraceID    string          `json:"trace_id,omitempty"`
	TaskID     string          `json:"task_id,omitempty"`
	ApprovedBy string          `json:"approved_by,omitempty"`
	Raw        json.RawMessage `json:"raw,omitempty"`
	Deadline   string          `json:"deadline,omitempty"`
}

// BlockedPayload accompanies autonomy.blocked and checkpoint.blocked.
type BlockedPayload struct {
	CommandID  string `json:"command_id"`
	Command    string `json:"command,omitempty"`
	Reason     string `json:"reason"`
	Checkpoint int    `json:"checkpoint,omitempty"`
}

// FailurePayload accompanies command.executed.failed,
// command.execute_refused and audit.write_failed.
type FailurePayload struct {
	CommandID  string `json:"command_id,omitempty"`
	Action     string `json:"action,omitempty"`
	Error      string `json:"error"`
	StatusCode int    `json:"status_code,omitempty"`
	Attempts   int    `json:"attempts,omitempty"`
}
