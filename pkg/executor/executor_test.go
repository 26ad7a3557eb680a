package executor

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/daviddao/gaia/pkg/audit"
	"github.com/daviddao/gaia/pkg/eventlog"
	"github.com/daviddao/gaia/pkg/guard"
	"github.com/daviddao/gaia/pkg/listener"
	"github.com/daviddao/gaia/pkg/model"
	"github.com/daviddao/gaia/pkg/queue"
	"github.com/daviddao/gaia/pkg/retry"
)

type fixture struct {
	dir   string
	log   *eventlog.Log
	store *audit.Store
	q     *queue.Queue
	g     *guard.Guard
	cp    *guard.Checkpoints
	exec  *Executor
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()
	store, err := audit.New(filepath.Join(dir, "audit.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	f := &fixture{
		dir:   dir,
		log:   eventlog.New(filepath.Join(dir, "events.jsonl")),
		store: store,
		g: &guard.Guard{
			TogglePath:    filepath.Join(dir, "autonomy.json"),
			AllowlistPath: filepath.Join(dir, "allowlist.json"),
			Root:          dir,
			Getenv:        func(string) string { return "" },
		},
		cp: &guard.Checkpoints{Dir: dir},
	}
	n := 0
	f.q = queue.New(queue.Config{
		Path:   filepath.Join(dir, "queue.json"),
		Events: f.log,
		Audit:  store,
		NewID: func() string {
			n++
			return fmt.Sprintf("t%d", n)
		},
	})
	f.exec = &Executor{
		Commands:    f.q,
		Autonomy:    f.g,
		Checkpoints: f.cp,
		Events:      f.log,
		Traces:      store,
		Policy:      retry.Policy{MaxAttempts: 3, InitialDelay: time.Millisecond, Multiplier: 2, MaxDelay: 5 * time.Millisecond, Retryable: retry.DefaultRetryableStatuses},
		Actor:       "unit-test",
	}
	f.autonomy(t, true)
	f.write(t, "allowlist.json", `{"allowed_commands": ["echo", "deploy"], "allowed_paths": []}`)
	return f
}

func (f *fixture) write(t *testing.T, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(f.dir, name), []byte(content), 0644))
}

func (f *fixture) autonomy(t *testing.T, on bool) {
	f.write(t, "autonomy.json", fmt.Sprintf(`{"autonomous": %v}`, on))
}

// approved enqueues text from C1 and approves it through the listener.
func (f *fixture) approved(t *testing.T, text string, opts model.Options) *model.Command {
	t.Helper()
	c, err := f.q.Enqueue(queue.EnqueueRequest{ChatID: "C1", MessageID: "M" + text, Text: text, Options: opts})
	require.NoError(t, err)
	l, err := listener.New(listener.Config{
		Transport:    noTransport{},
		Commands:     f.q,
		Events:       f.log,
		ApproverChat: "C1",
		MarkerPath:   filepath.Join(f.dir, "approval.json"),
	})
	require.NoError(t, err)
	_, err = l.Handle(listener.Message{ChatID: "C1", Text: "APPROVE " + c.ID})
	require.NoError(t, err)
	got, err := f.q.Get(c.ID)
	require.NoError(t, err)
	require.Equal(t, model.StateApproved, got.Status)
	return got
}

type noTransport struct{}

func (noTransport) Poll(context.Context, int64, time.Duration) ([]listener.Update, error) {
	return nil, nil
}

func (f *fixture) types(t *testing.T) []model.EventType {
	t.Helper()
	events, _, err := f.log.ReadAll()
	require.NoError(t, err)
	var out []model.EventType
	for _, e := range events {
		out = append(out, e.Type)
	}
	return out
}

func execOpts() model.Options { return model.Options{model.OptExecRequest: true} }

func TestExecute_HappyPathDryRun(t *testing.T) {
	f := newFixture(t)
	f.approved(t, "echo hi", execOpts())

	res, err := f.exec.Execute(context.Background(), "t1", true)
	require.NoError(t, err)
	assert.Equal(t, OutcomeDryRun, res.Outcome)
	assert.Equal(t, model.StateExecutedDryRun, res.Command.Status)

	assert.Equal(t, []model.EventType{
		model.EventCommandEnqueued,
		model.EventApprovalReceived,
		model.EventCommandApproved,
		model.EventCommandExecutedDryRun,
	}, f.types(t))

	rows, err := f.store.ListForCommand("t1")
	require.NoError(t, err)
	require.NotEmpty(t, rows)
	last := rows[len(rows)-1]
	assert.Equal(t, "unit-test", last.Actor)
	assert.Equal(t, model.ActionExecutedDryRun, last.Action)
	assert.Equal(t, "t1", last.CommandID)

	traces, err := f.store.ListTraces(10)
	require.NoError(t, err)
	require.Len(t, traces, 1)
	assert.Equal(t, string(OutcomeDryRun), traces[0].Status)
}

func TestExecute_AutonomyOff(t *testing.T) {
	f := newFixture(t)
	f.approved(t, "echo hi", execOpts())
	f.autonomy(t, false)

	var ran atomic.Int32
	f.exec.Handler = HandlerFunc(func(context.Context, *model.Command) error { ran.Add(1); return nil })

	res, err := f.exec.Execute(context.Background(), "t1", false)
	require.NoError(t, err)
	assert.Equal(t, OutcomeAutonomyBlocked, res.Outcome)
	assert.True(t, IsBlocked(res.Outcome))
	assert.Zero(t, ran.Load())

	c, _ := f.q.Get("t1")
	assert.Equal(t, model.StateApproved, c.Status)
	assert.Contains(t, f.types(t), model.EventAutonomyBlocked)
}

func TestExecute_CommandNotAllowlisted(t *testing.T) {
	f := newFixture(t)
	f.approved(t, "rm -rf build", execOpts())

	res, err := f.exec.Execute(context.Background(), "t1", false)
	require.NoError(t, err)
	assert.Equal(t, OutcomeAutonomyBlocked, res.Outcome)
	assert.Contains(t, res.Reason, `"rm"`)

	c, _ := f.q.Get("t1")
	assert.Equal(t, model.StateApproved, c.Status)
}

func TestExecute_CheckpointGate(t *testing.T) {
	f := newFixture(t)
	f.exec.HighImpact = []Rule{{Prefix: "deploy prod", Checkpoint: 3}}
	f.approved(t, "deploy prod --all", execOpts())

	res, err := f.exec.Execute(context.Background(), "t1", true)
	require.NoError(t, err)
	assert.Equal(t, OutcomeCheckpointBlocked, res.Outcome)
	assert.Contains(t, f.types(t), model.EventCheckpointBlocked)

	events, _, err := f.log.ReadAll()
	require.NoError(t, err)
	blocked := eventlog.Filter(events, model.EventCheckpointBlocked)
	require.Len(t, blocked, 1)
	var p model.BlockedPayload
	require.NoError(t, blocked[0].Decode(&p))
	assert.Equal(t, 3, p.Checkpoint)

	f.write(t, "CHECKPOINT_3", "approved by ops\n")
	res, err = f.exec.Execute(context.Background(), "t1", true)
	require.NoError(t, err)
	assert.Equal(t, OutcomeDryRun, res.Outcome)
}

func TestExecute_IsTestForcesDryRun(t *testing.T) {
	f := newFixture(t)
	f.approved(t, "echo hi", model.Options{model.OptExecRequest: true, model.OptIsTest: true})
	f.exec.Handler = HandlerFunc(func(context.Context, *model.Command) error {
		t.Fatal("handler must not run for test commands")
		return nil
	})

	res, err := f.exec.Execute(context.Background(), "t1", false)
	require.NoError(t, err)
	assert.Equal(t, OutcomeDryRun, res.Outcome)
}

func TestExecute_NotApprovedOrUnknown(t *testing.T) {
	f := newFixture(t)
	_, err := f.q.Enqueue(queue.EnqueueRequest{ChatID: "C1", MessageID: "M1", Text: "echo hi"})
	require.NoError(t, err)

	_, err = f.exec.Execute(context.Background(), "t1", false)
	assert.ErrorIs(t, err, model.ErrIllegalState)

	_, err = f.exec.Execute(context.Background(), "nope", false)
	assert.ErrorIs(t, err, model.ErrNotFound)
	assert.NotContains(t, f.types(t), model.EventAutonomyBlocked)

	events, _, err := f.log.ReadAll()
	require.NoError(t, err)
	refused := eventlog.Filter(events, model.EventCommandExecuteRefused)
	require.Len(t, refused, 2)
	var p model.FailurePayload
	require.NoError(t, refused[0].Decode(&p))
	assert.Equal(t, "t1", p.CommandID)
	assert.Equal(t, "execute", p.Action)
	assert.Contains(t, p.Error, "not approved")
	require.NoError(t, refused[1].Decode(&p))
	assert.Equal(t, "nope", p.CommandID)
	assert.Contains(t, p.Error, "not found")
}

func TestExecute_RunsHandlerAfterTransition(t *testing.T) {
	f := newFixture(t)
	f.approved(t, "echo hi", execOpts())

	var statusDuringRun model.State
	f.exec.Handler = HandlerFunc(func(_ context.Context, c *model.Command) error {
		cur, err := f.q.Get(c.ID)
		if err != nil {
			return err
		}
		statusDuringRun = cur.Status
		return nil
	})

	res, err := f.exec.Execute(context.Background(), "t1", false)
	require.NoError(t, err)
	assert.Equal(t, OutcomeExecuted, res.Outcome)
	assert.Equal(t, 1, res.Attempts)
	assert.Equal(t, model.StateExecuted, statusDuringRun)
}

func TestExecute_HandlerRetriesThenSucceeds(t *testing.T) {
	f := newFixture(t)
	f.approved(t, "echo hi", execOpts())

	var calls atomic.Int32
	f.exec.Handler = HandlerFunc(func(context.Context, *model.Command) error {
		if calls.Add(1) < 3 {
			return &retry.StatusError{Status: 503}
		}
		return nil
	})

	res, err := f.exec.Execute(context.Background(), "t1", false)
	require.NoError(t, err)
	assert.Equal(t, OutcomeExecuted, res.Outcome)
	assert.Equal(t, 3, res.Attempts)
	assert.NotContains(t, f.types(t), model.EventCommandExecutedFailed)
}

func TestExecute_HandlerFailureKeepsExecuted(t *testing.T) {
	tests := []struct {
		name         string
		err          error
		wantAttempts int
		wantStatus   int
	}{
		{"retryable exhausts budget", &retry.StatusError{Status: 502}, 3, 502},
		{"non-retryable short-circuits", &retry.StatusError{Status: 404}, 1, 404},
		{"no status is not retried", errors.New("exit status 1"), 1, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			f.approved(t, "echo hi", execOpts())
			f.exec.Handler = HandlerFunc(func(context.Context, *model.Command) error { return tt.err })

			res, err := f.exec.Execute(context.Background(), "t1", false)
			require.NoError(t, err)
			assert.Equal(t, OutcomeFailed, res.Outcome)
			assert.Equal(t, tt.wantAttempts, res.Attempts)
			assert.ErrorIs(t, res.Err, model.ErrHandlerFailure)

			c, _ := f.q.Get("t1")
			assert.Equal(t, model.StateExecuted, c.Status)

			events, _, err := f.log.ReadAll()
			require.NoError(t, err)
			failed := eventlog.Filter(events, model.EventCommandExecutedFailed)
			require.Len(t, failed, 1)
			var p model.FailurePayload
			require.NoError(t, failed[0].Decode(&p))
			assert.Equal(t, "t1", p.CommandID)
			assert.Equal(t, tt.wantStatus, p.StatusCode)
			assert.Equal(t, tt.wantAttempts, p.Attempts)

			types := f.types(t)
			assert.Equal(t, model.EventCommandExecuted, types[len(types)-2])
		})
	}
}

func TestRule_Matches(t *testing.T) {
	r := Rule{Prefix: "git push", Checkpoint: 1}
	assert.True(t, r.Matches("git push origin main"))
	assert.True(t, r.Matches("  git   push"))
	assert.False(t, r.Matches("git pushy"))
	assert.False(t, r.Matches("git"))
	assert.False(t, Rule{}.Matches("anything"))
}

func TestShellHandler(t *testing.T) {
	h := &ShellHandler{Timeout: 5 * time.Second}
	require.NoError(t, h.Run(context.Background(), &model.Command{Text: "true"}))

	err := h.Run(context.Background(), &model.Command{Text: "echo boom >&2; exit 3"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom")
	assert.Zero(t, retry.StatusOf(err))
}

func TestWebhookHandler(t *testing.T) {
	var status atomic.Int32
	status.Store(http.StatusServiceUnavailable)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		w.WriteHeader(int(status.Load()))
	}))
	defer srv.Close()

	h, err := NewHandler(HandlerConfig{Kind: KindWebhook, URL: srv.URL, Timeout: time.Second})
	require.NoError(t, err)

	err = h.Run(context.Background(), &model.Command{ID: "t1", Text: "deploy"})
	assert.Equal(t, http.StatusServiceUnavailable, retry.StatusOf(err))

	status.Store(http.StatusNoContent)
	assert.NoError(t, h.Run(context.Background(), &model.Command{ID: "t1", Text: "deploy"}))
}

func TestNewHandler(t *testing.T) {
	h, err := NewHandler(HandlerConfig{})
	require.NoError(t, err)
	assert.Nil(t, h)

	_, err = NewHandler(HandlerConfig{Kind: KindWebhook})
	assert.ErrorIs(t, err, model.ErrConfig)

	_, err = NewHandler(HandlerConfig{Kind: "carrier-pigeon"})
	assert.ErrorIs(t, err, ErrUnknownHandler)
}
