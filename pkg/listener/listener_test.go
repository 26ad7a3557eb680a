package listener

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/daviddao/gaia/pkg/eventlog"
	"github.com/daviddao/gaia/pkg/model"
	"github.com/daviddao/gaia/pkg/queue"
)

// scriptedTransport replays a fixed sequence of poll results and then
// blocks until the context ends.
type scriptedTransport struct {
	mu      sync.Mutex
	steps   []pollStep
	offsets []int64
}

type pollStep struct {
	updates []Update
	err     error
}

func (s *scriptedTransport) Poll(ctx context.Context, offset int64, _ time.Duration) ([]Update, error) {
	s.mu.Lock()
	s.offsets = append(s.offsets, offset)
	if len(s.steps) > 0 {
		step := s.steps[0]
		s.steps = s.steps[1:]
		s.mu.Unlock()
		return step.updates, step.err
	}
	s.mu.Unlock()
	<-ctx.Done()
	return nil, ctx.Err()
}

type nopRecorder struct{}

func (nopRecorder) Record(string, string, string, string) (int64, error) { return 1, nil }

type fixture struct {
	dir   string
	log   *eventlog.Log
	q     *queue.Queue
	tr    *scriptedTransport
	l     *Listener
	clock time.Time
}

func newFixture(t *testing.T, steps ...pollStep) *fixture {
	t.Helper()
	dir := t.TempDir()
	f := &fixture{
		dir:   dir,
		log:   eventlog.New(filepath.Join(dir, "events.jsonl")),
		tr:    &scriptedTransport{steps: steps},
		clock: time.Date(2026, 10, 15, 9, 0, 0, 0, time.UTC),
	}
	n := 0
	f.q = queue.New(queue.Config{
		Path:   filepath.Join(dir, "queue.json"),
		Events: f.log,
		Audit:  nopRecorder{},
		Now:    func() time.Time { return f.clock },
		NewID: func() string {
			n++
			return fmt.Sprintf("t%d", n)
		},
	})
	l, err := New(Config{
		Transport:    f.tr,
		Commands:     f.q,
		Events:       f.log,
		ApproverChat: "C1",
		MarkerPath:   filepath.Join(dir, "approval.json"),
		PollInterval: time.Millisecond,
		Now:          func() time.Time { return f.clock },
	})
	require.NoError(t, err)
	f.l = l
	return f
}

func (f *fixture) enqueue(t *testing.T, chat, msg, text string) *model.Command {
	t.Helper()
	c, err := f.q.Enqueue(queue.EnqueueRequest{
		ChatID: chat, MessageID: msg, Text: text,
		Options: model.Options{model.OptExecRequest: true},
	})
	require.NoError(t, err)
	return c
}

func (f *fixture) events(t *testing.T) []model.Event {
	t.Helper()
	events, _, err := f.log.ReadAll()
	require.NoError(t, err)
	return events
}

func types(events []model.Event) []model.EventType {
	var out []model.EventType
	for _, e := range events {
		out = append(out, e.Type)
	}
	return out
}

func msg(id int64, chat, text string) Update {
	raw, _ := json.Marshal(map[string]any{"chat": map[string]string{"id": chat}, "text": text})
	return Update{ID: id, Message: &Message{ID: fmt.Sprint(id), ChatID: chat, Text: text, Raw: raw}}
}

func TestNew_ConfigErrors(t *testing.T) {
	log := eventlog.New(filepath.Join(t.TempDir(), "e.jsonl"))
	_, err := New(Config{Commands: nil, Events: log, ApproverChat: "C1"})
	assert.ErrorIs(t, err, model.ErrConfig)

	_, err = New(Config{Transport: &scriptedTransport{}, Commands: &queue.Queue{}, Events: log, ApproverChat: "  "})
	assert.ErrorIs(t, err, model.ErrConfig)
}

func TestRun_HappyPathApprovesOldestPending(t *testing.T) {
	f := newFixture(t, pollStep{updates: []Update{msg(7, "C1", "  approve ")}})
	f.enqueue(t, "C1", "M1", "echo hi")
	f.advance(time.Second)
	f.enqueue(t, "C1", "M2", "echo later")

	rec, err := f.l.Run(context.Background(), true)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, "t1", rec.CommandID)
	assert.Equal(t, "C1", rec.ApprovedBy)

	c, err := f.q.Get("t1")
	require.NoError(t, err)
	assert.Equal(t, model.StateApproved, c.Status)
	assert.Equal(t, "C1", c.ApprovedBy)
	other, _ := f.q.Get("t2")
	assert.Equal(t, model.StatePending, other.Status)

	assert.Equal(t, []model.EventType{
		model.EventCommandEnqueued,
		model.EventCommandEnqueued,
		model.EventApprovalReceived,
		model.EventCommandApproved,
	}, types(f.events(t)))

	var marker model.ApprovalRecord
	data, err := os.ReadFile(filepath.Join(f.dir, "approval.json"))
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(data, &marker))
	assert.Equal(t, "C1", marker.ApprovedBy)
	assert.Equal(t, "t1", marker.CommandID)
	assert.Equal(t, "2026-10-15T09:00:01Z", marker.Timestamp)
	assert.NotEmpty(t, marker.Raw)

	assert.Equal(t, int64(8), f.l.cfg.Cursor.Value())
}

func (f *fixture) advance(d time.Duration) { f.clock = f.clock.Add(d) }

func TestRun_IgnoresOtherChatsAndNonKeywords(t *testing.T) {
	f := newFixture(t,
		pollStep{updates: []Update{
			msg(1, "C2", "APPROVE"),
			msg(2, "C1", "looks good"),
			msg(3, "C1", "APPROVE t1 now"),
			{ID: 4},
		}},
		pollStep{updates: []Update{msg(5, "C1", "APPROVE")}},
	)
	f.enqueue(t, "C1", "M1", "echo hi")

	rec, err := f.l.Run(context.Background(), true)
	require.NoError(t, err)
	assert.Equal(t, "t1", rec.CommandID)
	assert.Equal(t, []int64{0, 5}, f.tr.offsets)

	received := eventlog.Filter(f.events(t), model.EventApprovalReceived)
	assert.Len(t, received, 1)
}

func TestHandle_ExplicitTarget(t *testing.T) {
	f := newFixture(t)
	f.enqueue(t, "C1", "M1", "echo first")
	f.enqueue(t, "C1", "M2", "echo second")

	rec, err := f.l.Handle(*msg(1, "C1", "APPROVE t2").Message)
	require.NoError(t, err)
	assert.Equal(t, "t2", rec.CommandID)

	first, _ := f.q.Get("t1")
	second, _ := f.q.Get("t2")
	assert.Equal(t, model.StatePending, first.Status)
	assert.Equal(t, model.StateApproved, second.Status)
}

func TestHandle_OrphanApproval(t *testing.T) {
	f := newFixture(t)

	rec, err := f.l.Handle(*msg(1, "C1", "APPROVE").Message)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Empty(t, rec.CommandID)

	events := f.events(t)
	require.Len(t, events, 1)
	assert.Equal(t, model.EventApprovalReceived, events[0].Type)
	assert.Empty(t, events[0].Correlators().CommandID)
}

func TestHandle_ApprovalCarriesCorrelators(t *testing.T) {
	f := newFixture(t)
	_, err := f.q.Enqueue(queue.EnqueueRequest{
		ChatID: "C1", MessageID: "M1", Text: "deploy", TraceID: "tr-1", TaskID: "task-9",
	})
	require.NoError(t, err)

	_, err = f.l.Handle(*msg(1, "C1", "APPROVE").Message)
	require.NoError(t, err)

	received := eventlog.Filter(f.events(t), model.EventApprovalReceived)
	require.Len(t, received, 1)
	assert.Equal(t, model.Correlators{
		CommandID: "t1", RequestID: "t1", TraceID: "tr-1", TaskID: "task-9",
	}, received[0].Correlators())
}

func (f *fixture) enqueueNoExec(t *testing.T, chat, msg, text string) *model.Command {
	t.Helper()
	c, err := f.q.Enqueue(queue.EnqueueRequest{
		ChatID: chat, MessageID: msg, Text: text,
		Options: model.Options{model.OptExecRequest: false},
	})
	require.NoError(t, err)
	return c
}

func TestHandle_FailedApproveIsAnError(t *testing.T) {
	f := newFixture(t)
	f.enqueueNoExec(t, "C1", "M1", "rm -rf /")

	rec, err := f.l.Handle(*msg(1, "C1", "APPROVE t1").Message)
	assert.Nil(t, rec)
	assert.ErrorIs(t, err, model.ErrIllegalState)

	c, _ := f.q.Get("t1")
	assert.Equal(t, model.StatePending, c.Status)
	_, statErr := os.Stat(filepath.Join(f.dir, "approval.json"))
	assert.True(t, os.IsNotExist(statErr), "marker must not be written")
	assert.NotContains(t, types(f.events(t)), model.EventCommandApproved)
}

func TestHandle_BareApprovalSkipsNonExecutable(t *testing.T) {
	f := newFixture(t)
	f.enqueueNoExec(t, "C1", "M1", "rm -rf /")
	f.advance(time.Second)
	f.enqueue(t, "C1", "M2", "echo hi")

	rec, err := f.l.Handle(*msg(1, "C1", "APPROVE").Message)
	require.NoError(t, err)
	assert.Equal(t, "t2", rec.CommandID)

	first, _ := f.q.Get("t1")
	second, _ := f.q.Get("t2")
	assert.Equal(t, model.StatePending, first.Status)
	assert.Equal(t, model.StateApproved, second.Status)
}

func TestRun_KeepsListeningAfterFailedApprove(t *testing.T) {
	f := newFixture(t,
		pollStep{updates: []Update{msg(1, "C1", "APPROVE t1")}},
		pollStep{updates: []Update{msg(2, "C1", "APPROVE")}},
	)
	f.enqueueNoExec(t, "C1", "M1", "rm -rf /")
	f.enqueue(t, "C1", "M2", "echo hi")

	rec, err := f.l.Run(context.Background(), true)
	require.NoError(t, err)
	assert.Equal(t, "t2", rec.CommandID)
	assert.Len(t, f.tr.offsets, 2)

	first, _ := f.q.Get("t1")
	assert.Equal(t, model.StatePending, first.Status)
}

func TestRun_FailedApproveDoesNotEndWithSuccess(t *testing.T) {
	f := newFixture(t, pollStep{updates: []Update{msg(1, "C1", "APPROVE t1")}})
	f.enqueueNoExec(t, "C1", "M1", "rm -rf /")

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	rec, err := f.l.Run(ctx, true)
	assert.Nil(t, rec)
	assert.ErrorIs(t, err, model.ErrTimeout)
}

func TestRun_RetriesTransportErrors(t *testing.T) {
	f := newFixture(t,
		pollStep{err: fmt.Errorf("%w: connection reset", model.ErrTransport)},
		pollStep{err: errors.New("bad gateway")},
		pollStep{updates: []Update{msg(3, "C1", "APPROVE")}},
	)
	f.enqueue(t, "C1", "M1", "echo hi")

	rec, err := f.l.Run(context.Background(), true)
	require.NoError(t, err)
	assert.Equal(t, "t1", rec.CommandID)
	assert.Len(t, f.tr.offsets, 3)
}

func TestRun_DeadlineEmitsSingleTimeout(t *testing.T) {
	f := newFixture(t)
	f.enqueue(t, "C1", "M1", "echo hi")

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	rec, err := f.l.Run(ctx, true)
	assert.Nil(t, rec)
	assert.ErrorIs(t, err, model.ErrTimeout)

	timeouts := eventlog.Filter(f.events(t), model.EventApprovalTimeout)
	assert.Len(t, timeouts, 1)

	c, _ := f.q.Get("t1")
	assert.Equal(t, model.StatePending, c.Status)
}

func TestRun_CancelIsNotTimeout(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := f.l.Run(ctx, false)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, eventlog.Filter(f.events(t), model.EventApprovalTimeout))
}

func TestRequest_UsesCommandIDAsRequestID(t *testing.T) {
	f := newFixture(t)
	c := &model.Command{ID: "t5", TraceID: "tr"}
	require.NoError(t, Request(f.log, c))

	events := f.events(t)
	require.Len(t, events, 1)
	assert.Equal(t, model.EventApprovalRequest, events[0].Type)
	assert.Equal(t, "t5", events[0].Correlators().RequestID)
	assert.Equal(t, "tr", events[0].Correlators().TraceID)
}
