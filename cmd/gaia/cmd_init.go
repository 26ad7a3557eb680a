package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/daviddao/gaia/pkg/config"
)

const (
	autonomySeed  = "{\n  \"autonomous\": false\n}\n"
	allowlistSeed = "{\n  \"allowed_commands\": [],\n  \"allowed_paths\": []\n}\n"
)

func (a *app) cmdInit(args []string) int {
	flags := newFlags("init")
	if err := flags.Parse(args); err != nil {
		return exitError
	}

	fmt.Printf("initialized gaia (home: %s)\n", a.cfg.Home)
	seeds := []struct {
		path, content string
	}{
		{a.cfg.Paths.Autonomy, autonomySeed},
		{a.cfg.Paths.Allowlist, allowlistSeed},
		{filepath.Join(a.cfg.Home, "config.yaml"), config.Sample},
	}
	for _, s := range seeds {
		created, err := seed(s.path, s.content)
		if err != nil {
			return fail("init", err)
		}
		if created {
			fmt.Printf("  created %s\n", s.path)
		} else {
			fmt.Printf("  kept existing %s\n", s.path)
		}
	}

	fmt.Println()
	fmt.Println("next steps:")
	if a.cfg.ApproverChat == "" {
		fmt.Println("  export GAIA_APPROVER_CHAT=<chat-id>")
	}
	fmt.Println("  export TELEGRAM_BOT_TOKEN=<token>")
	fmt.Printf("  edit %s to allow commands\n", a.cfg.Paths.Allowlist)
	fmt.Printf("  set \"autonomous\": true in %s when ready\n", a.cfg.Paths.Autonomy)
	return exitOK
}

// seed writes content to path unless the file already exists. Operator
// files are never overwritten.
func seed(path, content string) (bool, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return false, err
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if errors.Is(err, os.ErrExist) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if _, err := f.WriteString(content); err != nil {
		f.Close()
		return false, err
	}
	return true, f.Close()
}
