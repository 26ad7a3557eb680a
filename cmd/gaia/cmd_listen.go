package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/daviddao/gaia/pkg/cursor"
	"github.com/daviddao/gaia/pkg/listener"
	"github.com/daviddao/gaia/pkg/model"
	"github.com/daviddao/gaia/pkg/transport"
)

// cursorName keys the listener's update cursor in the audit store.
const cursorName = "telegram"

func (a *app) cmdRequest(args []string) int {
	flags := newFlags("request")
	trace := flags.String("trace", "", "trace id (defaults to the command's)")
	task := flags.String("task", "", "task id (defaults to the command's)")
	if err := flags.Parse(args); err != nil {
		return exitError
	}
	if flags.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: gaia request <id> [--trace T] [--task K]")
		return exitError
	}
	c, err := a.queue.Get(flags.Arg(0))
	if err != nil {
		return fail("request", err)
	}
	if *trace != "" {
		c.TraceID = *trace
	}
	if *task != "" {
		c.TaskID = *task
	}
	if err := listener.Request(a.events, c); err != nil {
		return fail("request", err)
	}
	fmt.Printf("approval requested for %s\n", c.ID)
	return exitOK
}

// newListener wires the listener to the Telegram transport and the
// persisted cursor.
func (a *app) newListener(pollTimeout time.Duration) (*listener.Listener, error) {
	tg, err := transport.NewTelegram(a.cfg.Telegram.Token, a.cfg.Telegram.BaseURL)
	if err != nil {
		return nil, err
	}
	cur := cursor.Load(a.store, cursorName)
	l, err := listener.New(listener.Config{
		Transport:    tg,
		Commands:     a.queue,
		Events:       a.events,
		Cursor:       cur,
		ApproverChat: a.cfg.ApproverChat,
		Keyword:      a.cfg.Keyword,
		MarkerPath:   a.cfg.Paths.Marker,
		PollTimeout:  pollTimeout,
		PollInterval: a.cfg.Listen.PollInterval,
		Logger:       a.log.With("component", "listener"),
	})
	if err != nil {
		return nil, err
	}
	return l, nil
}

func (a *app) cmdListen(args []string) int {
	flags := newFlags("listen")
	timeout := flags.Int("timeout", 0, "give up after this many seconds (0 = wait forever)")
	poll := flags.Int("poll", int(a.cfg.Listen.PollTimeout/time.Second), "long-poll timeout per request, in seconds")
	jsonOut := flags.Bool("json", false, "JSON output")
	if err := flags.Parse(args); err != nil {
		return exitError
	}

	l, err := a.newListener(time.Duration(*poll) * time.Second)
	if err != nil {
		fmt.Fprintf(os.Stderr, "gaia: listen: %v\n", err)
		return exitConfig
	}

	ctx, stop := signalContext()
	defer stop()
	if *timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(*timeout)*time.Second)
		defer cancel()
	}

	fmt.Fprintf(os.Stderr, "listening for %s from chat %s (ctrl-c to stop)\n", a.cfg.Keyword, a.cfg.ApproverChat)
	rec, err := l.Run(ctx, true)
	switch {
	case errors.Is(err, model.ErrTimeout):
		fmt.Fprintln(os.Stderr, "gaia: listen: no approval before the deadline")
		return exitError
	case err != nil:
		fmt.Fprintf(os.Stderr, "gaia: listen: %v\n", err)
		return exitError
	}
	if *jsonOut {
		printJSON(rec)
	} else if rec.CommandID != "" {
		fmt.Printf("approved %s by %s\n", rec.CommandID, rec.ApprovedBy)
	} else {
		fmt.Printf("approval from %s recorded with no pending command\n", rec.ApprovedBy)
	}
	return exitOK
}

func (a *app) cmdServe(args []string) int {
	flags := newFlags("serve")
	sweepEvery := flags.Duration("sweep-every", time.Minute, "how often to expire old pending commands")
	maxAge := flags.Duration("max-age", 24*time.Hour, "pending commands older than this expire (0 disables the sweep)")
	if err := flags.Parse(args); err != nil {
		return exitError
	}
	if *sweepEvery <= 0 {
		fmt.Fprintln(os.Stderr, "gaia: serve: --sweep-every must be positive")
		return exitError
	}

	l, err := a.newListener(a.cfg.Listen.PollTimeout)
	if err != nil {
		fmt.Fprintf(os.Stderr, "gaia: serve: %v\n", err)
		return exitConfig
	}

	ctx, stop := signalContext()
	defer stop()
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		_, err := l.Run(ctx, false)
		return err
	})
	if *maxAge > 0 {
		g.Go(func() error {
			return a.sweep(ctx, *sweepEvery, *maxAge)
		})
	}

	a.log.Info("serving", "approver_chat", a.cfg.ApproverChat, "sweep_every", *sweepEvery, "max_age", *maxAge)
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintf(os.Stderr, "gaia: serve: %v\n", err)
		return exitError
	}
	fmt.Fprintln(os.Stderr, "stopped")
	return exitOK
}

// sweep expires old pending commands every interval until ctx ends.
// Contention on the queue lock is skipped until the next tick.
func (a *app) sweep(ctx context.Context, every, maxAge time.Duration) error {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			expired, err := a.queue.ExpireOld(maxAge, "sweeper")
			if err != nil {
				a.log.Warn("expiry sweep failed", "err", err)
				continue
			}
			if len(expired) > 0 {
				a.log.Info("expired pending commands", "count", len(expired))
			}
		}
	}
}
