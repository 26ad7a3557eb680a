// Package guard answers "is this permitted right now?" for the executor.
//
// Two file-backed gates live here. The autonomy guard combines a global
// toggle with command and path allowlists; the checkpoint gate approves
// high-impact actions through numbered, operator-edited marker files.
// Every check re-reads its files, so operator edits take effect on the
// next call. Missing files mean "autonomy disabled, empty allowlist".
package guard

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/daviddao/gaia/pkg/model"
)

// EnvAllowCommandExecution re-enables command execution when the
// allowlist is empty, so operators can bootstrap a fresh install.
const EnvAllowCommandExecution = "ALLOW_COMMAND_EXECUTION"

// Toggle is the autonomy toggle file.
type Toggle struct {
	Autonomous any `json:"autonomous"`
}

// Allowlist is the allowlist file.
type Allowlist struct {
	AllowedCommands []string `json:"allowed_commands"`
	AllowedPaths    []string `json:"allowed_paths"`
}

// Guard evaluates the autonomy configuration.
type Guard struct {
	TogglePath    string
	AllowlistPath string
	// Root anchors relative allowlist entries and relative query paths.
	Root string
	// Getenv defaults to os.Getenv.
	Getenv func(string) string
}

// LoadToggle reads the toggle file. A missing file yields a disabled toggle.
func (g *Guard) LoadToggle() (Toggle, error) {
	var t Toggle
	_, err := readOperatorJSON(g.TogglePath, &t)
	return t, err
}

// LoadAllowlist reads the allowlist file. A missing file yields an empty
// allowlist.
func (g *Guard) LoadAllowlist() (Allowlist, error) {
	var a Allowlist
	_, err := readOperatorJSON(g.AllowlistPath, &a)
	return a, err
}

// IsAutonomousEnabled reports whether the toggle parses and is truthy.
func (g *Guard) IsAutonomousEnabled() bool {
	t, err := g.LoadToggle()
	if err != nil {
		return false
	}
	return Truthy(t.Autonomous)
}

// IsCommandAllowed reports whether name is on the command allowlist. With
// an empty (or unreadable) allowlist it falls back to the
// ALLOW_COMMAND_EXECUTION escape hatch.
func (g *Guard) IsCommandAllowed(name string) bool {
	a, err := g.LoadAllowlist()
	if err != nil || len(a.AllowedCommands) == 0 {
		return TruthyString(g.getenv(EnvAllowCommandExecution))
	}
	if name == "" {
		return false
	}
	for _, c := range a.AllowedCommands {
		if strings.TrimSpace(c) == name {
			return true
		}
	}
	return false
}

// IsPathAllowed reports whether path resolves to an allowlisted directory
// or one of its descendants. An empty allowlist allows nothing.
func (g *Guard) IsPathAllowed(path string) bool {
	a, err := g.LoadAllowlist()
	if err != nil || len(a.AllowedPaths) == 0 || path == "" {
		return false
	}
	target, err := g.resolve(path)
	if err != nil {
		return false
	}
	for _, entry := range a.AllowedPaths {
		if strings.TrimSpace(entry) == "" {
			continue
		}
		base, err := g.resolve(entry)
		if err != nil {
			continue
		}
		if within(base, target) {
			return true
		}
	}
	return false
}

// RequireAutonomy returns nil when autonomy is enabled and an error
// wrapping model.ErrAutonomyDenied otherwise.
func (g *Guard) RequireAutonomy(action string) error {
	if g.IsAutonomousEnabled() {
		return nil
	}
	return fmt.Errorf("%w: autonomy disabled, skipping %s", model.ErrAutonomyDenied, action)
}

func (g *Guard) resolve(p string) (string, error) {
	if !filepath.IsAbs(p) {
		root := g.Root
		if root == "" {
			root = "."
		}
		p = filepath.Join(root, p)
	}
	abs, err := filepath.Abs(p)
	if err != nil {
		return "", err
	}
	// Symlinks are resolved when the path exists so a link cannot smuggle
	// a target out of an allowed tree.
	if real, err := filepath.EvalSymlinks(abs); err == nil {
		return real, nil
	}
	return abs, nil
}

func (g *Guard) getenv(key string) string {
	if g.Getenv != nil {
		return g.Getenv(key)
	}
	return os.Getenv(key)
}

// within reports whether target is base or lies beneath it.
func within(base, target string) bool {
	rel, err := filepath.Rel(base, target)
	if err != nil {
		return false
	}
	if rel == "." {
		return true
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}
