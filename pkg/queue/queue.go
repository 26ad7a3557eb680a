// Package queue is the persistent, ordered list of pending commands and
// the only place their state changes.
//
// The backing store is a JSON array rewritten on every mutation from an
// in-memory snapshot. Mutators hold an exclusive flock on a sidecar lock
// file around the whole read-modify-write cycle and replace the store with
// write-to-temp + rename. Readers take no lock and treat a missing or empty
// store as an empty queue.
//
// Each mutation emits its events and audit rows while the lock is still
// held, after the new state is on disk, so the log never mentions a state
// the store does not yet have and command.enqueued always comes first.
package queue

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/daviddao/gaia/pkg/atomicfile"
	"github.com/daviddao/gaia/pkg/audit"
	"github.com/daviddao/gaia/pkg/eventlog"
	"github.com/daviddao/gaia/pkg/model"
)

// DefaultLockTimeout bounds lock acquisition when Config leaves it zero.
const DefaultLockTimeout = 5 * time.Second

// Config wires a Queue to its collaborators.
type Config struct {
	Path        string
	LockPath    string // defaults to Path + ".lock"
	LockTimeout time.Duration
	Events      eventlog.Emitter
	Audit       audit.Recorder
	Logger      *slog.Logger
	Now         func() time.Time
	NewID       func() string
}

// Queue is the command queue.
type Queue struct {
	path        string
	lockPath    string
	lockTimeout time.Duration
	events      eventlog.Emitter
	audit       audit.Recorder
	logger      *slog.Logger
	now         func() time.Time
	newID       func() string

	mu sync.Mutex
}

// New returns a Queue. Events and Audit are required.
func New(cfg Config) *Queue {
	q := &Queue{
		path:        cfg.Path,
		lockPath:    cfg.LockPath,
		lockTimeout: cfg.LockTimeout,
		events:      cfg.Events,
		audit:       cfg.Audit,
		logger:      cfg.Logger,
		now:         cfg.Now,
		newID:       cfg.NewID,
	}
	if q.lockPath == "" {
		q.lockPath = q.path + ".lock"
	}
	if q.lockTimeout == 0 {
		q.lockTimeout = DefaultLockTimeout
	}
	if q.logger == nil {
		q.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if q.now == nil {
		q.now = time.Now
	}
	if q.newID == nil {
		q.newID = func() string { return "c-" + uuid.NewString()[:8] }
	}
	return q
}

// EnqueueRequest describes a command arriving from the chat channel.
type EnqueueRequest struct {
	ChatID    string
	MessageID string
	Text      string
	Sender    string
	Options   model.Options
	TraceID   string
	TaskID    string
}

// Filter narrows List. Zero fields match everything.
type Filter struct {
	Status model.State
	ChatID string
}

func (f Filter) match(c *model.Command) bool {
	if f.Status != "" && c.Status != f.Status {
		return false
	}
	if f.ChatID != "" && c.ChatID != f.ChatID {
		return false
	}
	return true
}

// effect is an event plus its optional audit row, applied after a
// successful write.
type effect struct {
	event   model.EventType
	payload any
	action  string // empty: no audit row
	actor   string
	command string
	detail  string
}

// ---------------------------------------------------------------------------
// Reads
// ---------------------------------------------------------------------------

// List returns the commands matching f ordered by creation time; commands
// created in the same instant keep insertion order.
func (q *Queue) List(f Filter) ([]model.Command, error) {
	cmds, err := q.load()
	if err != nil {
		return nil, err
	}
	sortByCreated(cmds)
	var out []model.Command
	for _, c := range cmds {
		if f.match(c) {
			out = append(out, *c)
		}
	}
	return out, nil
}

// Get returns the command with the given id.
func (q *Queue) Get(id string) (*model.Command, error) {
	cmds, err := q.load()
	if err != nil {
		return nil, err
	}
	c := find(cmds, id)
	if c == nil {
		return nil, fmt.Errorf("%w: %s", model.ErrNotFound, id)
	}
	return c, nil
}

// OldestApprovable returns the earliest-created pending command from chatID
// that can be approved. Commands with exec_request=false are skipped so a
// bare approval never lands on them.
func (q *Queue) OldestApprovable(chatID string) (*model.Command, error) {
	pending, err := q.List(Filter{Status: model.StatePending, ChatID: chatID})
	if err != nil {
		return nil, err
	}
	for i := range pending {
		if pending[i].Options.Executable() {
			c := pending[i]
			return &c, nil
		}
	}
	return nil, fmt.Errorf("%w: no approvable command from chat %s", model.ErrNotFound, chatID)
}

// ---------------------------------------------------------------------------
// Mutations
// ---------------------------------------------------------------------------

// Enqueue appends a new pending command. A second command with the same
// (chat_id, message_id) is rejected with model.ErrDuplicate.
func (q *Queue) Enqueue(req EnqueueRequest) (*model.Command, error) {
	var created *model.Command
	err := q.mutate(func(cmds []*model.Command) ([]*model.Command, []effect, error) {
		for _, c := range cmds {
			if c.ChatID == req.ChatID && c.MessageID == req.MessageID {
				return nil, nil, fmt.Errorf("%w: chat %s message %s is already %s",
					model.ErrDuplicate, req.ChatID, req.MessageID, c.ID)
			}
		}
		id := q.newID()
		for find(cmds, id) != nil {
			id = q.newID()
		}
		opts := req.Options.Clone()
		c := &model.Command{
			ID:        id,
			ChatID:    req.ChatID,
			MessageID: req.MessageID,
			Text:      req.Text,
			From:      model.Sender{FirstName: req.Sender},
			Status:    model.StatePending,
			Created:   q.now().UTC(),
			TraceID:   req.TraceID,
			TaskID:    req.TaskID,
			Options:   opts,
		}
		created = c
		eff := effect{
			event: model.EventCommandEnqueued,
			payload: model.CommandPayload{
				CommandID: c.ID,
				ChatID:    c.ChatID,
				MessageID: c.MessageID,
				Command:   c.Text,
				Status:    c.Status,
				Actor:     req.Sender,
				TraceID:   c.TraceID,
				TaskID:    c.TaskID,
				Options:   opts,
			},
		}
		return append(cmds, c), []effect{eff}, nil
	})
	if err != nil {
		return nil, err
	}
	out := *created
	return &out, nil
}

// Approve moves a pending command to approved. Commands whose exec_request
// option is false can never be approved.
func (q *Queue) Approve(id, actor string) (*model.Command, error) {
	return q.transition(id, func(c *model.Command) (effect, error) {
		if c.Status != model.StatePending {
			return effect{}, fmt.Errorf("%w: %s is %s, not pending", model.ErrIllegalState, c.ID, c.Status)
		}
		if !c.Options.Executable() {
			return effect{}, fmt.Errorf("%w: %s has exec_request=false", model.ErrIllegalState, c.ID)
		}
		now := q.now().UTC()
		c.Status = model.StateApproved
		c.ApprovedAt = &now
		c.ApprovedBy = actor
		return effect{
			event:   model.EventCommandApproved,
			payload: lifecyclePayload(c, actor, ""),
			action:  model.ActionApproved,
			actor:   actor,
			command: c.ID,
		}, nil
	})
}

// Reject moves a pending or approved command to rejected.
func (q *Queue) Reject(id, actor, reason string) (*model.Command, error) {
	return q.transition(id, func(c *model.Command) (effect, error) {
		if !model.CanTransition(c.Status, model.StateRejected) {
			return effect{}, fmt.Errorf("%w: %s is %s", model.ErrIllegalState, c.ID, c.Status)
		}
		now := q.now().UTC()
		c.Status = model.StateRejected
		c.RejectedAt = &now
		c.Reason = reason
		return effect{
			event:   model.EventCommandRejected,
			payload: lifecyclePayload(c, actor, reason),
			action:  model.ActionRejected,
			actor:   actor,
			command: c.ID,
			detail:  reason,
		}, nil
	})
}

// Complete records an execution of an approved command. The terminal state
// is executed_dryrun when dryRun is set or the command is a test command.
func (q *Queue) Complete(id, actor string, dryRun bool) (*model.Command, error) {
	return q.transition(id, func(c *model.Command) (effect, error) {
		if c.Status != model.StateApproved {
			return effect{}, fmt.Errorf("%w: %s is %s, not approved", model.ErrIllegalState, c.ID, c.Status)
		}
		now := q.now().UTC()
		c.ExecutedAt = &now
		eff := effect{actor: actor, command: c.ID}
		if dryRun || c.Options.IsTest() {
			c.Status = model.StateExecutedDryRun
			eff.event, eff.action = model.EventCommandExecutedDryRun, model.ActionExecutedDryRun
		} else {
			c.Status = model.StateExecuted
			eff.event, eff.action = model.EventCommandExecuted, model.ActionExecuted
		}
		eff.payload = lifecyclePayload(c, actor, "")
		return eff, nil
	})
}

// ExpireOld moves every pending command at least maxAge old to expired and
// returns the expired commands.
func (q *Queue) ExpireOld(maxAge time.Duration, actor string) ([]model.Command, error) {
	var expired []model.Command
	err := q.mutate(func(cmds []*model.Command) ([]*model.Command, []effect, error) {
		now := q.now().UTC()
		var effs []effect
		for _, c := range cmds {
			if c.Status != model.StatePending || now.Sub(c.Created) < maxAge {
				continue
			}
			at := now
			c.Status = model.StateExpired
			c.ExpiredAt = &at
			expired = append(expired, *c)
			effs = append(effs, effect{
				event:   model.EventCommandExpired,
				payload: lifecyclePayload(c, actor, "max age "+maxAge.String()),
				action:  model.ActionExpired,
				actor:   actor,
				command: c.ID,
				detail:  maxAge.String(),
			})
		}
		return cmds, effs, nil
	})
	if err != nil {
		return nil, err
	}
	return expired, nil
}

// ToggleOption flips a boolean option of a pending command and returns the
// new options.
func (q *Queue) ToggleOption(id, name, actor string) (model.Options, error) {
	if name == "" {
		return nil, fmt.Errorf("%w: empty option name", model.ErrConfig)
	}
	c, err := q.transition(id, func(c *model.Command) (effect, error) {
		if c.Status != model.StatePending {
			return effect{}, fmt.Errorf("%w: %s is %s, options are frozen", model.ErrIllegalState, c.ID, c.Status)
		}
		before := c.Options.Get(name)
		if c.Options == nil {
			c.Options = model.Options{}
		}
		c.Options[name] = !before
		detail, _ := json.Marshal(map[string]any{"option": name, "before": before, "after": !before})
		return effect{
			event:   model.EventCommandToggled,
			payload: lifecyclePayload(c, actor, ""),
			action:  model.ActionToggled,
			actor:   actor,
			command: c.ID,
			detail:  string(detail),
		}, nil
	})
	if err != nil {
		return nil, err
	}
	return c.Options, nil
}

// transition applies fn to one command under the lock.
func (q *Queue) transition(id string, fn func(c *model.Command) (effect, error)) (*model.Command, error) {
	var result *model.Command
	err := q.mutate(func(cmds []*model.Command) ([]*model.Command, []effect, error) {
		c := find(cmds, id)
		if c == nil {
			return nil, nil, fmt.Errorf("%w: %s", model.ErrNotFound, id)
		}
		eff, err := fn(c)
		if err != nil {
			return nil, nil, err
		}
		result = c
		return cmds, []effect{eff}, nil
	})
	if err != nil {
		return nil, err
	}
	out := *result
	out.Options = result.Options.Clone()
	return &out, nil
}

// mutate runs one read-modify-write cycle. fn returning an error leaves the
// store untouched.
func (q *Queue) mutate(fn func([]*model.Command) ([]*model.Command, []effect, error)) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	fl := newFileLock(q.lockPath)
	if err := fl.lock(q.lockTimeout); err != nil {
		return err
	}
	defer fl.unlock()

	cmds, err := q.load()
	if err != nil {
		return err
	}
	next, effs, err := fn(cmds)
	if err != nil {
		return err
	}
	if len(effs) == 0 {
		return nil
	}
	if next == nil {
		next = []*model.Command{}
	}
	if err := atomicfile.WriteJSON(q.path, next); err != nil {
		return fmt.Errorf("write queue: %w", err)
	}
	for _, e := range effs {
		q.apply(e)
	}
	return nil
}

// apply emits the event and writes the audit row. Neither failure undoes
// the transition: a failed audit write is itself journaled as
// audit.write_failed, and a failed emit is logged.
func (q *Queue) apply(e effect) {
	if err := q.events.Emit(e.event, e.payload); err != nil {
		q.logger.Error("event log write failed", "event", e.event, "command_id", e.command, "err", err)
	}
	if e.action == "" || q.audit == nil {
		return
	}
	if _, err := q.audit.Record(e.action, e.actor, e.command, e.detail); err != nil {
		q.logger.Warn("audit write failed", "action", e.action, "command_id", e.command, "err", err)
		_ = q.events.Emit(model.EventAuditWriteFailed, model.FailurePayload{
			CommandID: e.command,
			Action:    e.action,
			Error:     err.Error(),
		})
	}
}

// load reads the backing store. Missing or blank means empty.
func (q *Queue) load() ([]*model.Command, error) {
	data, err := os.ReadFile(q.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read queue: %w", err)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, nil
	}
	var cmds []*model.Command
	if err := json.Unmarshal(data, &cmds); err != nil {
		return nil, fmt.Errorf("parse queue %s: %w", q.path, err)
	}
	return cmds, nil
}

func find(cmds []*model.Command, id string) *model.Command {
	for _, c := range cmds {
		if c.ID == id {
			return c
		}
	}
	return nil
}

func sortByCreated(cmds []*model.Command) {
	sort.SliceStable(cmds, func(i, j int) bool {
		return cmds[i].Created.Before(cmds[j].Created)
	})
}

func lifecyclePayload(c *model.Command, actor, reason string) model.CommandPayload {
	return model.CommandPayload{
		CommandID: c.ID,
		ChatID:    c.ChatID,
		Command:   c.Text,
		Status:    c.Status,
		Actor:     actor,
		Reason:    reason,
		TraceID:   c.TraceID,
		TaskID:    c.TaskID,
		Options:   c.Options.Clone(),
	}
}
