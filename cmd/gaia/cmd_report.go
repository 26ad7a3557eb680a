package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/daviddao/gaia/pkg/eventlog"
	"github.com/daviddao/gaia/pkg/matcher"
	"github.com/daviddao/gaia/pkg/model"
)

func (a *app) cmdEvents(args []string) int {
	flags := newFlags("events")
	types := flags.StringSlice("type", nil, "only these event types (repeatable or comma-separated)")
	follow := flags.BoolP("follow", "f", false, "keep printing new events")
	if err := flags.Parse(args); err != nil {
		return exitError
	}
	want := make([]model.EventType, 0, len(*types))
	for _, t := range *types {
		want = append(want, model.EventType(t))
	}

	if *follow {
		ctx, stop := signalContext()
		defer stop()
		err := a.events.Follow(ctx, func(e model.Event) {
			if len(eventlog.Filter([]model.Event{e}, want...)) == 1 {
				printEvent(e)
			}
		})
		if err != nil {
			return fail("events", err)
		}
		return exitOK
	}

	events, skipped, err := a.events.ReadAll()
	if err != nil {
		return fail("events", err)
	}
	for _, e := range eventlog.Filter(events, want...) {
		printEvent(e)
	}
	if skipped > 0 {
		fmt.Fprintf(os.Stderr, "gaia: events: skipped %d malformed line(s)\n", skipped)
	}
	return exitOK
}

// printEvent writes one event as a compact JSON line.
func printEvent(e model.Event) {
	b, err := json.Marshal(e)
	if err != nil {
		return
	}
	fmt.Println(string(b))
}

func (a *app) cmdAudit(args []string) int {
	flags := newFlags("audit")
	limit := flags.Int("limit", 20, "rows to show, newest first")
	since := flags.String("since", "", "also count rows at or after this RFC 3339 time")
	command := flags.String("command", "", "only rows for this command id (oldest first)")
	jsonOut := flags.Bool("json", false, "JSON output")
	if err := flags.Parse(args); err != nil {
		return exitError
	}

	var (
		rows []model.AuditRow
		err  error
	)
	if *command != "" {
		rows, err = a.store.ListForCommand(*command)
	} else {
		rows, err = a.store.ListRecent(*limit)
	}
	if err != nil {
		return fail("audit", err)
	}

	var count int64 = -1
	if *since != "" {
		ts, err := time.Parse(time.RFC3339, *since)
		if err != nil {
			fmt.Fprintf(os.Stderr, "gaia: audit: bad --since %q: want RFC 3339\n", *since)
			return exitError
		}
		if count, err = a.store.CountSince(ts); err != nil {
			return fail("audit", err)
		}
	}

	if *jsonOut {
		out := map[string]any{"rows": rows}
		if count >= 0 {
			out["count_since"] = count
		}
		printJSON(out)
		return exitOK
	}
	for _, r := range rows {
		fmt.Printf("%d\t%s\t%s\t%s\t%s\t%s\n",
			r.ID, r.Timestamp.UTC().Format(time.RFC3339), r.Action, r.Actor, r.CommandID, r.Detail)
	}
	if count >= 0 {
		fmt.Printf("%d row(s) since %s\n", count, *since)
	}
	return exitOK
}

func (a *app) cmdMatch(args []string) int {
	flags := newFlags("match")
	jsonOut := flags.Bool("json", false, "JSON output")
	if err := flags.Parse(args); err != nil {
		return exitError
	}
	events, _, err := a.events.ReadAll()
	if err != nil {
		return fail("match", err)
	}
	res := matcher.Match(events)

	if *jsonOut {
		printJSON(res)
		return exitOK
	}
	fmt.Printf("matched=%d missing_requests=%d unmatched_received=%d\n",
		len(res.Matched), len(res.MissingRequests), len(res.UnmatchedReceived))
	for _, p := range res.Matched {
		c := p.Request.Correlators()
		fmt.Printf("  matched   %s by %s (events %d -> %d)\n", correlatorLabel(c), p.By, p.RequestIndex, p.ReceivedIndex)
	}
	for _, e := range res.MissingRequests {
		fmt.Printf("  missing   %s at %s\n", correlatorLabel(e.Correlators()), e.Timestamp)
	}
	for _, e := range res.UnmatchedReceived {
		fmt.Printf("  orphan    %s at %s\n", correlatorLabel(e.Correlators()), e.Timestamp)
	}
	return exitOK
}

func correlatorLabel(c model.Correlators) string {
	switch {
	case c.RequestID != "":
		return "request_id=" + c.RequestID
	case c.TraceID != "":
		return "trace_id=" + c.TraceID
	case c.TaskID != "":
		return "task_id=" + c.TaskID
	case c.CommandID != "":
		return "command_id=" + c.CommandID
	}
	return "(no correlator)"
}
