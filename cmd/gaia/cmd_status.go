package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/daviddao/gaia/pkg/model"
	"github.com/daviddao/gaia/pkg/queue"
)

var statusOrder = []model.State{
	model.StatePending,
	model.StateApproved,
	model.StateExecuted,
	model.StateExecutedDryRun,
	model.StateRejected,
	model.StateExpired,
}

// statusReport is the JSON shape of "gaia status".
type statusReport struct {
	Queue           map[model.State]int   `json:"queue"`
	Autonomous      bool                  `json:"autonomous"`
	AllowedCommands []string              `json:"allowed_commands"`
	AllowedPaths    []string              `json:"allowed_paths"`
	Cursor          int64                 `json:"cursor"`
	LastApproval    *model.ApprovalRecord `json:"last_approval,omitempty"`
}

func (a *app) cmdStatus(args []string) int {
	flags := newFlags("status")
	jsonOut := flags.Bool("json", false, "JSON output")
	if err := flags.Parse(args); err != nil {
		return exitError
	}

	cmds, err := a.queue.List(queue.Filter{})
	if err != nil {
		return fail("status", err)
	}
	rep := statusReport{Queue: make(map[model.State]int, len(statusOrder))}
	for _, s := range statusOrder {
		rep.Queue[s] = 0
	}
	for _, c := range cmds {
		rep.Queue[c.Status]++
	}

	g := a.cfg.Guard()
	rep.Autonomous = g.IsAutonomousEnabled()
	// A missing or broken allowlist reads as empty, same as the guard.
	allow, _ := g.LoadAllowlist()
	rep.AllowedCommands = nonNil(allow.AllowedCommands)
	rep.AllowedPaths = nonNil(allow.AllowedPaths)
	rep.Cursor = a.store.GetCursor(cursorName)
	rep.LastApproval = readMarker(a.cfg.Paths.Marker)

	if *jsonOut {
		printJSON(rep)
		return exitOK
	}

	fmt.Println("queue:")
	for _, s := range statusOrder {
		fmt.Printf("  %-16s %d\n", s, rep.Queue[s])
	}
	if rep.Autonomous {
		fmt.Println("autonomy: on")
	} else {
		fmt.Println("autonomy: off")
	}
	fmt.Printf("allowed commands: %s\n", listOrNone(rep.AllowedCommands))
	fmt.Printf("allowed paths: %s\n", listOrNone(rep.AllowedPaths))
	fmt.Printf("update cursor: %d\n", rep.Cursor)
	if la := rep.LastApproval; la != nil {
		target := la.CommandID
		if target == "" {
			target = "(no pending command)"
		}
		fmt.Printf("last approval: %s by %s at %s\n", target, la.ApprovedBy, la.Timestamp)
	} else {
		fmt.Println("last approval: none")
	}
	return exitOK
}

// readMarker returns the approval marker, or nil when there is none.
func readMarker(path string) *model.ApprovalRecord {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil
	}
	var rec model.ApprovalRecord
	if json.Unmarshal(data, &rec) != nil {
		return nil
	}
	return &rec
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func listOrNone(s []string) string {
	if len(s) == 0 {
		return "none"
	}
	return strings.Join(s, ", ")
}
