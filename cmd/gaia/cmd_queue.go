package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/daviddao/gaia/pkg/model"
	"github.com/daviddao/gaia/pkg/queue"
)

func (a *app) cmdEnqueue(args []string) int {
	flags := newFlags("enqueue")
	sender := flags.String("sender", "", "sender first name")
	noExec := flags.Bool("no-exec", false, "mark the command as not executable (exec_request=false)")
	isTest := flags.Bool("test", false, "mark the command as a test; execution is always a dry run")
	trace := flags.String("trace", "", "trace id for approval matching")
	task := flags.String("task", "", "task id for approval matching")
	jsonOut := flags.Bool("json", false, "JSON output")
	if err := flags.Parse(args); err != nil {
		return exitError
	}
	if flags.NArg() < 3 {
		fmt.Fprintln(os.Stderr, "usage: gaia enqueue <chat_id> <message_id> <command...> [--sender NAME]")
		return exitError
	}

	opts := model.Options{model.OptExecRequest: !*noExec}
	if *isTest {
		opts[model.OptIsTest] = true
	}
	c, err := a.queue.Enqueue(queue.EnqueueRequest{
		ChatID:    flags.Arg(0),
		MessageID: flags.Arg(1),
		Text:      strings.Join(flags.Args()[2:], " "),
		Sender:    *sender,
		Options:   opts,
		TraceID:   *trace,
		TaskID:    *task,
	})
	if err != nil {
		return fail("enqueue", err)
	}
	if *jsonOut {
		printJSON(c)
	} else {
		fmt.Println(c.ID)
	}
	return exitOK
}

func (a *app) cmdList(args []string) int {
	flags := newFlags("list")
	status := flags.String("status", "", "only commands in this state")
	chat := flags.String("chat", "", "only commands from this chat")
	jsonOut := flags.Bool("json", false, "JSON output")
	if err := flags.Parse(args); err != nil {
		return exitError
	}
	st := model.State(*status)
	if st != "" && !st.Valid() {
		fmt.Fprintf(os.Stderr, "gaia: list: unknown status %q\n", *status)
		return exitError
	}

	cmds, err := a.queue.List(queue.Filter{Status: st, ChatID: *chat})
	if err != nil {
		return fail("list", err)
	}
	if *jsonOut {
		if cmds == nil {
			cmds = []model.Command{}
		}
		printJSON(cmds)
		return exitOK
	}
	for _, c := range cmds {
		fmt.Println(formatCommand(c))
	}
	return exitOK
}

func formatCommand(c model.Command) string {
	return fmt.Sprintf("%s/%s\t%s\t%s/%s\t%s",
		c.ID, c.Status, c.Created.Format("2006-01-02T15:04:05Z"), c.ChatID, c.MessageID, c.Text)
}

func (a *app) cmdApprove(args []string) int {
	flags := newFlags("approve")
	actor := flags.String("actor", "cli", "who approved")
	if err := flags.Parse(args); err != nil {
		return exitError
	}
	if flags.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: gaia approve <id> [--actor A]")
		return exitError
	}
	c, err := a.queue.Approve(flags.Arg(0), *actor)
	if err != nil {
		return fail("approve", err)
	}
	fmt.Println(formatCommand(*c))
	return exitOK
}

func (a *app) cmdReject(args []string) int {
	flags := newFlags("reject")
	actor := flags.String("actor", "cli", "who rejected")
	reason := flags.String("reason", "", "why")
	if err := flags.Parse(args); err != nil {
		return exitError
	}
	if flags.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: gaia reject <id> [--actor A] [--reason R]")
		return exitError
	}
	c, err := a.queue.Reject(flags.Arg(0), *actor, *reason)
	if err != nil {
		return fail("reject", err)
	}
	fmt.Println(formatCommand(*c))
	return exitOK
}

func (a *app) cmdToggle(args []string) int {
	flags := newFlags("toggle")
	actor := flags.String("actor", "cli", "who toggled")
	if err := flags.Parse(args); err != nil {
		return exitError
	}
	if flags.NArg() != 2 {
		fmt.Fprintln(os.Stderr, "usage: gaia toggle <id> <option_name> [--actor A]")
		return exitError
	}
	opts, err := a.queue.ToggleOption(flags.Arg(0), flags.Arg(1), *actor)
	if err != nil {
		return fail("toggle", err)
	}
	printJSON(opts)
	return exitOK
}

func (a *app) cmdExpireOld(args []string) int {
	flags := newFlags("expire-old")
	maxAge := flags.Duration("max-age", 0, "expire pending commands at least this old (required)")
	actor := flags.String("actor", "sweeper", "actor recorded on expiry")
	if err := flags.Parse(args); err != nil {
		return exitError
	}
	if !flags.Changed("max-age") || *maxAge < 0 {
		fmt.Fprintln(os.Stderr, "usage: gaia expire-old --max-age DURATION")
		return exitError
	}
	expired, err := a.queue.ExpireOld(*maxAge, *actor)
	if err != nil {
		return fail("expire-old", err)
	}
	fmt.Println(len(expired))
	return exitOK
}
