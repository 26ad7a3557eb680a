// Package listener watches the chat transport for approval messages from
// the approver chat and approves the matching queued command.
//
// The listener is a single cooperative loop. Its only blocking point is the
// transport poll, which is bounded by PollTimeout. Transport errors are
// logged and retried after PollInterval; the loop ends only when its
// context ends. A context that ends by deadline emits approval.timeout and
// returns model.ErrTimeout.
package listener

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/daviddao/gaia/pkg/atomicfile"
	"github.com/daviddao/gaia/pkg/cursor"
	"github.com/daviddao/gaia/pkg/eventlog"
	"github.com/daviddao/gaia/pkg/model"
)

// DefaultKeyword is the literal a human sends to approve.
const DefaultKeyword = "APPROVE"

// Message is the subset of a chat message the gate relies on.
type Message struct {
	ID     string
	ChatID string
	Text   string
	From   string
	// Raw is the transport's original encoding, retained for audit.
	Raw json.RawMessage
}

// Update is one item of the transport's update stream.
type Update struct {
	ID      int64
	Message *Message
}

// Transport polls for updates with ids >= offset, blocking at most timeout.
type Transport interface {
	Poll(ctx context.Context, offset int64, timeout time.Duration) ([]Update, error)
}

// Commands is the part of the queue the listener needs.
type Commands interface {
	Get(id string) (*model.Command, error)
	OldestApprovable(chatID string) (*model.Command, error)
	Approve(id, actor string) (*model.Command, error)
}

// Cursor tracks the transport offset.
type Cursor interface {
	Observe(id int64) int64
	Value() int64
	Save() error
}

// Config wires a Listener.
type Config struct {
	Transport    Transport
	Commands     Commands
	Events       eventlog.Emitter
	Cursor       Cursor // in-memory when nil
	ApproverChat string
	Keyword      string
	MarkerPath   string // no marker when empty
	PollTimeout  time.Duration
	PollInterval time.Duration
	Logger       *slog.Logger
	Now          func() time.Time
}

// Listener is the approval listener.
type Listener struct {
	cfg Config
	log *slog.Logger
	now func() time.Time
}

// New validates cfg and returns a Listener. Missing required settings are
// reported as model.ErrConfig.
func New(cfg Config) (*Listener, error) {
	switch {
	case cfg.Transport == nil:
		return nil, fmt.Errorf("%w: no chat transport", model.ErrConfig)
	case cfg.Commands == nil || cfg.Events == nil:
		return nil, fmt.Errorf("%w: listener needs a queue and an event log", model.ErrConfig)
	case strings.TrimSpace(cfg.ApproverChat) == "":
		return nil, fmt.Errorf("%w: approver chat id is not set", model.ErrConfig)
	}
	if cfg.Keyword == "" {
		cfg.Keyword = DefaultKeyword
	}
	cfg.Keyword = strings.ToUpper(strings.TrimSpace(cfg.Keyword))
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = 30 * time.Second
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	if cfg.Cursor == nil {
		cfg.Cursor = &memCursor{}
	}
	l := &Listener{cfg: cfg, log: cfg.Logger, now: cfg.Now}
	if l.log == nil {
		l.log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if l.now == nil {
		l.now = time.Now
	}
	return l, nil
}

// Run polls until ctx ends. With once set it returns as soon as one
// approval has been recorded.
func (l *Listener) Run(ctx context.Context, once bool) (*model.ApprovalRecord, error) {
	l.log.Info("listening for approvals", "chat", l.cfg.ApproverChat, "keyword", l.cfg.Keyword,
		"offset", l.cfg.Cursor.Value())
	for {
		if ctx.Err() != nil {
			return nil, l.stop(ctx)
		}
		updates, err := l.cfg.Transport.Poll(ctx, l.cfg.Cursor.Value(), l.cfg.PollTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return nil, l.stop(ctx)
			}
			l.log.Debug("transport poll failed, retrying", "err", err, "retry_in", l.cfg.PollInterval)
			if !sleep(ctx, l.cfg.PollInterval) {
				return nil, l.stop(ctx)
			}
			continue
		}
		for _, u := range updates {
			// The cursor is saved before the update is acted on: a crash
			// in between drops the approval rather than applying it twice.
			l.cfg.Cursor.Observe(u.ID)
			if err := l.cfg.Cursor.Save(); err != nil {
				l.log.Debug("cursor save failed", "err", err)
			}
			if u.Message == nil {
				continue
			}
			rec, err := l.Handle(*u.Message)
			if err != nil {
				l.log.Warn("approval handling failed", "update", u.ID, "err", err)
				continue
			}
			if rec != nil && once {
				return rec, nil
			}
		}
	}
}

// stop emits approval.timeout when ctx ended by deadline.
func (l *Listener) stop(ctx context.Context) error {
	if !errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return ctx.Err()
	}
	payload := model.ApprovalPayload{ApprovedBy: l.cfg.ApproverChat}
	if dl, ok := ctx.Deadline(); ok {
		payload.Deadline = model.FormatTimestamp(dl)
	}
	if err := l.cfg.Events.Emit(model.EventApprovalTimeout, payload); err != nil {
		l.log.Error("event log write failed", "event", model.EventApprovalTimeout, "err", err)
	}
	return model.ErrTimeout
}

// Handle processes one message. It returns a nil record for messages that
// are not approvals from the approver chat, and an error when the targeted
// command could not be approved.
func (l *Listener) Handle(msg Message) (*model.ApprovalRecord, error) {
	if msg.ChatID != l.cfg.ApproverChat {
		l.log.Debug("ignoring message from other chat", "chat", msg.ChatID)
		return nil, nil
	}
	explicitID, ok := l.parse(msg.Text)
	if !ok {
		return nil, nil
	}

	target := l.target(msg.ChatID, explicitID)
	rec := &model.ApprovalRecord{
		ApprovedBy: msg.ChatID,
		Timestamp:  model.FormatTimestamp(l.now()),
		Raw:        msg.Raw,
	}
	payload := model.ApprovalPayload{ApprovedBy: msg.ChatID, Raw: msg.Raw}
	if target != nil {
		rec.CommandID = target.ID
		payload.CommandID = target.ID
		payload.RequestID = target.ID
		payload.TraceID = target.TraceID
		payload.TaskID = target.TaskID
	}
	if err := l.cfg.Events.Emit(model.EventApprovalReceived, payload); err != nil {
		l.log.Error("event log write failed", "event", model.EventApprovalReceived, "err", err)
	}

	if target == nil {
		l.log.Warn("approval received with no pending command", "chat", msg.ChatID, "explicit_id", explicitID)
	} else if _, err := l.cfg.Commands.Approve(target.ID, msg.ChatID); err != nil {
		// Nothing was approved: no record, no marker.
		return nil, fmt.Errorf("approve %s: %w", target.ID, err)
	} else {
		l.log.Info("command approved", "command_id", target.ID, "by", msg.ChatID)
	}

	if l.cfg.MarkerPath != "" {
		if err := atomicfile.WriteJSON(l.cfg.MarkerPath, rec); err != nil {
			l.log.Warn("approval marker write failed", "path", l.cfg.MarkerPath, "err", err)
		}
	}
	return rec, nil
}

// parse recognizes "KEYWORD" and "KEYWORD <command-id>", keyword compared
// case-insensitively after trimming.
func (l *Listener) parse(text string) (explicitID string, ok bool) {
	fields := strings.Fields(text)
	if len(fields) == 0 || strings.ToUpper(fields[0]) != l.cfg.Keyword {
		return "", false
	}
	switch len(fields) {
	case 1:
		return "", true
	case 2:
		return fields[1], true
	}
	return "", false
}

// target resolves the command an approval applies to, or nil for an
// orphan approval.
func (l *Listener) target(chatID, explicitID string) *model.Command {
	if explicitID != "" {
		c, err := l.cfg.Commands.Get(explicitID)
		if err != nil {
			l.log.Debug("explicit approval target not found", "command_id", explicitID, "err", err)
			return nil
		}
		return c
	}
	c, err := l.cfg.Commands.OldestApprovable(chatID)
	if err != nil {
		return nil
	}
	return c
}

// Request emits approval.request for c. The command id doubles as the
// request id so the matching approval.received pairs with it.
func Request(events eventlog.Emitter, c *model.Command) error {
	return events.Emit(model.EventApprovalRequest, model.ApprovalPayload{
		CommandID: c.ID,
		RequestID: c.ID,
		TraceID:   c.TraceID,
		TaskID:    c.TaskID,
	})
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

type memCursor struct{ cursor.Cursor }

func (*memCursor) Save() error { return nil }
