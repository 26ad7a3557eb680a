package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// cmdGuard exposes the autonomy guard and checkpoint gate to shell
// callers. Checks exit 0 when allowed and 10/11 otherwise. The require-*
// forms print a notice and exit 0 when denied, so a calling script stops
// without reporting failure.
func (a *app) cmdGuard(args []string) int {
	flags := newFlags("guard")
	if err := flags.Parse(args); err != nil {
		return exitError
	}
	rest := flags.Args()
	if len(rest) == 0 {
		guardUsage()
		return exitError
	}
	g := a.cfg.Guard()
	cp := a.cfg.Checkpoints()

	switch rest[0] {
	case "autonomy":
		return verdict(g.IsAutonomousEnabled(), exitAutonomy, "autonomy")
	case "command":
		if len(rest) != 2 {
			guardUsage()
			return exitError
		}
		return verdict(g.IsCommandAllowed(rest[1]), exitAutonomy, "command "+rest[1])
	case "path":
		if len(rest) != 2 {
			guardUsage()
			return exitError
		}
		return verdict(g.IsPathAllowed(rest[1]), exitAutonomy, "path "+rest[1])
	case "checkpoint":
		if len(rest) != 2 {
			guardUsage()
			return exitError
		}
		n, err := strconv.Atoi(rest[1])
		if err != nil {
			fmt.Fprintf(os.Stderr, "gaia: guard: bad checkpoint number %q\n", rest[1])
			return exitError
		}
		return verdict(cp.IsApproved(n), exitCheckpoint, "checkpoint "+rest[1])
	case "require-autonomy":
		action := strings.Join(rest[1:], " ")
		if err := g.RequireAutonomy(action); err != nil {
			fmt.Fprintf(os.Stderr, "gaia: %v\n", err)
		}
		return exitOK
	case "require-checkpoint":
		if len(rest) < 2 {
			guardUsage()
			return exitError
		}
		n, err := strconv.Atoi(rest[1])
		if err != nil {
			fmt.Fprintf(os.Stderr, "gaia: guard: bad checkpoint number %q\n", rest[1])
			return exitError
		}
		if err := cp.Require(n, strings.Join(rest[2:], " ")); err != nil {
			fmt.Fprintf(os.Stderr, "gaia: %v\n", err)
		}
		return exitOK
	}
	guardUsage()
	return exitError
}

func verdict(ok bool, denied int, what string) int {
	if ok {
		fmt.Printf("%s: allowed\n", what)
		return exitOK
	}
	fmt.Printf("%s: denied\n", what)
	return denied
}

func guardUsage() {
	fmt.Fprintln(os.Stderr, "usage: gaia guard autonomy | command NAME | path PATH | checkpoint N")
	fmt.Fprintln(os.Stderr, "       gaia guard require-autonomy ACTION | require-checkpoint N ACTION")
}
