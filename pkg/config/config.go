// Package config loads gate settings from an optional YAML file and the
// environment. Environment variables win over the file; both win over the
// defaults. Relative state paths are anchored at the home directory.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/daviddao/gaia/pkg/executor"
	"github.com/daviddao/gaia/pkg/guard"
	"github.com/daviddao/gaia/pkg/listener"
	"github.com/daviddao/gaia/pkg/model"
	"github.com/daviddao/gaia/pkg/queue"
	"github.com/daviddao/gaia/pkg/retry"
)

// Environment variables.
const (
	EnvHome            = "GAIA_HOME"
	EnvConfig          = "GAIA_CONFIG"
	EnvApproverChat    = "GAIA_APPROVER_CHAT"
	EnvApprovalKeyword = "GAIA_APPROVAL_KEYWORD"
	EnvTelegramToken   = "TELEGRAM_BOT_TOKEN"
	EnvRetryAttempts   = "GAIA_RETRY_MAX_ATTEMPTS"
	EnvRetryDelay      = "GAIA_RETRY_INITIAL_DELAY"
	EnvRetryBackoff    = "GAIA_RETRY_BACKOFF"
	EnvRetryMaxDelay   = "GAIA_RETRY_MAX_DELAY"
	EnvRetryStatuses   = "GAIA_RETRY_STATUSES"
)

// DefaultHome is the state directory when GAIA_HOME is unset.
const DefaultHome = ".gaia"

// Paths locates every on-disk artifact.
type Paths struct {
	Queue       string `yaml:"queue"`
	QueueLock   string `yaml:"queue_lock"`
	Events      string `yaml:"events"`
	Audit       string `yaml:"audit"`
	Autonomy    string `yaml:"autonomy"`
	Allowlist   string `yaml:"allowlist"`
	Checkpoints string `yaml:"checkpoints"`
	Marker      string `yaml:"approval_marker"`
}

// Retry mirrors retry.Policy in file form.
type Retry struct {
	MaxAttempts  int           `yaml:"max_attempts"`
	InitialDelay time.Duration `yaml:"initial_delay"`
	Backoff      float64       `yaml:"backoff"`
	MaxDelay     time.Duration `yaml:"max_delay"`
	Statuses     []int         `yaml:"statuses"`
}

// Telegram configures the chat transport.
type Telegram struct {
	Token   string `yaml:"token"`
	BaseURL string `yaml:"base_url"`
}

// Listen tunes the approval listener.
type Listen struct {
	PollTimeout  time.Duration `yaml:"poll_timeout"`
	PollInterval time.Duration `yaml:"poll_interval"`
}

// Config is the resolved configuration.
type Config struct {
	Home            string                 `yaml:"-"`
	File            string                 `yaml:"-"`
	RepoRoot        string                 `yaml:"repo_root"`
	Paths           Paths                  `yaml:"paths"`
	ApproverChat    string                 `yaml:"approver_chat"`
	Keyword         string                 `yaml:"approval_keyword"`
	CheckpointToken string                 `yaml:"checkpoint_token"`
	LockTimeout     time.Duration          `yaml:"lock_timeout"`
	Retry           Retry                  `yaml:"retry"`
	HighImpact      []executor.Rule        `yaml:"high_impact"`
	Handler         executor.HandlerConfig `yaml:"handler"`
	Telegram        Telegram               `yaml:"telegram"`
	Listen          Listen                 `yaml:"listen"`
}

// Load resolves the configuration. getenv defaults to os.Getenv. A missing
// config file is fine unless GAIA_CONFIG names it explicitly.
func Load(getenv func(string) string) (*Config, error) {
	if getenv == nil {
		getenv = os.Getenv
	}
	home := getenv(EnvHome)
	if home == "" {
		home = DefaultHome
	}
	file := getenv(EnvConfig)
	explicit := file != ""
	if !explicit {
		file = filepath.Join(home, "config.yaml")
	}

	cfg := &Config{}
	data, err := os.ReadFile(file)
	switch {
	case err == nil:
		if err := decode(data, cfg); err != nil {
			return nil, fmt.Errorf("%w: parse %s: %v", model.ErrConfig, file, err)
		}
	case errors.Is(err, os.ErrNotExist) && !explicit:
	default:
		return nil, fmt.Errorf("%w: read %s: %v", model.ErrConfig, file, err)
	}
	cfg.Home = home
	cfg.File = file

	if err := cfg.applyEnv(getenv); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	return cfg, cfg.Validate()
}

// decode rejects unknown keys so typos surface as errors.
func decode(data []byte, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func (c *Config) applyEnv(getenv func(string) string) error {
	if v := getenv(EnvApproverChat); v != "" {
		c.ApproverChat = v
	}
	if v := getenv(EnvApprovalKeyword); v != "" {
		c.Keyword = v
	}
	if v := getenv(EnvTelegramToken); v != "" {
		c.Telegram.Token = v
	}
	if v := getenv(EnvRetryAttempts); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			return envErr(EnvRetryAttempts, v)
		}
		c.Retry.MaxAttempts = n
	}
	for _, d := range []struct {
		key string
		dst *time.Duration
	}{
		{EnvRetryDelay, &c.Retry.InitialDelay},
		{EnvRetryMaxDelay, &c.Retry.MaxDelay},
	} {
		if v := getenv(d.key); v != "" {
			parsed, err := parseDuration(v)
			if err != nil {
				return envErr(d.key, v)
			}
			*d.dst = parsed
		}
	}
	if v := getenv(EnvRetryBackoff); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil || f < 1 {
			return envErr(EnvRetryBackoff, v)
		}
		c.Retry.Backoff = f
	}
	if v := getenv(EnvRetryStatuses); v != "" {
		codes, err := parseStatuses(v)
		if err != nil {
			return envErr(EnvRetryStatuses, v)
		}
		c.Retry.Statuses = codes
	}
	return nil
}

func envErr(key, value string) error {
	return fmt.Errorf("%w: invalid %s=%q", model.ErrConfig, key, value)
}

// parseDuration accepts Go durations and bare seconds ("0.5").
func parseDuration(v string) (time.Duration, error) {
	if d, err := time.ParseDuration(v); err == nil {
		return d, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil || f < 0 {
		return 0, fmt.Errorf("bad duration %q", v)
	}
	return time.Duration(f * float64(time.Second)), nil
}

func parseStatuses(v string) ([]int, error) {
	var out []int
	for _, part := range strings.Split(v, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		n, err := strconv.Atoi(part)
		if err != nil || n < 100 || n > 599 {
			return nil, fmt.Errorf("bad status %q", part)
		}
		out = append(out, n)
	}
	return out, nil
}

func (c *Config) applyDefaults() {
	if c.RepoRoot == "" {
		c.RepoRoot = "."
	}
	if c.Keyword == "" {
		c.Keyword = listener.DefaultKeyword
	}
	if c.CheckpointToken == "" {
		c.CheckpointToken = guard.DefaultCheckpointToken
	}
	if c.LockTimeout == 0 {
		c.LockTimeout = queue.DefaultLockTimeout
	}

	def := retry.Default()
	if c.Retry.MaxAttempts == 0 {
		c.Retry.MaxAttempts = def.MaxAttempts
	}
	if c.Retry.InitialDelay == 0 {
		c.Retry.InitialDelay = def.InitialDelay
	}
	if c.Retry.Backoff == 0 {
		c.Retry.Backoff = def.Multiplier
	}
	if c.Retry.MaxDelay == 0 {
		c.Retry.MaxDelay = def.MaxDelay
	}
	if c.Retry.Statuses == nil {
		c.Retry.Statuses = def.Retryable
	}

	if c.Listen.PollTimeout == 0 {
		c.Listen.PollTimeout = 30 * time.Second
	}
	if c.Listen.PollInterval == 0 {
		c.Listen.PollInterval = 5 * time.Second
	}

	p := &c.Paths
	p.Queue = c.under(p.Queue, "pending_commands.json")
	if p.QueueLock == "" {
		p.QueueLock = p.Queue + ".lock"
	} else {
		p.QueueLock = c.under(p.QueueLock, "")
	}
	p.Events = c.under(p.Events, "events.jsonl")
	p.Audit = c.under(p.Audit, "audit.db")
	p.Autonomy = c.under(p.Autonomy, "autonomy.json")
	p.Allowlist = c.under(p.Allowlist, "allowlist.json")
	p.Marker = c.under(p.Marker, "approval.json")
	if p.Checkpoints == "" {
		p.Checkpoints = c.RepoRoot
	} else if !filepath.IsAbs(p.Checkpoints) {
		p.Checkpoints = filepath.Join(c.RepoRoot, p.Checkpoints)
	}
}

// under anchors a relative path at the home directory.
func (c *Config) under(path, fallback string) string {
	if path == "" {
		path = fallback
	}
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(c.Home, path)
}

// Validate checks invariants that do not depend on which command runs.
func (c *Config) Validate() error {
	for i, r := range c.HighImpact {
		if strings.TrimSpace(r.Prefix) == "" || r.Checkpoint <= 0 {
			return fmt.Errorf("%w: high_impact[%d] needs a prefix and a positive checkpoint", model.ErrConfig, i)
		}
	}
	if c.Retry.MaxAttempts < 1 {
		return fmt.Errorf("%w: retry.max_attempts must be at least 1", model.ErrConfig)
	}
	switch c.Handler.Kind {
	case "", executor.KindNone, executor.KindShell, executor.KindWebhook:
	default:
		return fmt.Errorf("%w: unknown handler kind %q", model.ErrConfig, c.Handler.Kind)
	}
	return nil
}

// RetryPolicy returns the executor's retry policy.
func (c *Config) RetryPolicy() retry.Policy {
	return retry.Policy{
		MaxAttempts:  c.Retry.MaxAttempts,
		InitialDelay: c.Retry.InitialDelay,
		Multiplier:   c.Retry.Backoff,
		MaxDelay:     c.Retry.MaxDelay,
		Retryable:    append([]int(nil), c.Retry.Statuses...),
		Jitter:       true,
	}
}

// Guard returns the autonomy guard over the configured files.
func (c *Config) Guard() *guard.Guard {
	return &guard.Guard{
		TogglePath:    c.Paths.Autonomy,
		AllowlistPath: c.Paths.Allowlist,
		Root:          c.RepoRoot,
	}
}

// Checkpoints returns the checkpoint gate.
func (c *Config) Checkpoints() *guard.Checkpoints {
	return &guard.Checkpoints{Dir: c.Paths.Checkpoints, Token: c.CheckpointToken}
}

// Sample is written by "gaia init".
const Sample = `# gaia configuration. Environment variables override these values.
# approver_chat: "123456789"        # GAIA_APPROVER_CHAT
# approval_keyword: APPROVE         # GAIA_APPROVAL_KEYWORD
# checkpoint_token: APPROVED
# lock_timeout: 5s
# repo_root: .
# retry:
#   max_attempts: 3                 # GAIA_RETRY_MAX_ATTEMPTS
#   initial_delay: 500ms            # GAIA_RETRY_INITIAL_DELAY
#   backoff: 2                      # GAIA_RETRY_BACKOFF
#   max_delay: 30s                  # GAIA_RETRY_MAX_DELAY
#   statuses: [429, 500, 502, 503, 504]
# high_impact:
#   - prefix: "git push"
#     checkpoint: 1
# handler:
#   kind: none                      # none | shell | webhook
#   timeout: 60s
#   url: ""
# telegram:
#   token: ""                       # TELEGRAM_BOT_TOKEN
#   base_url: https://api.telegram.org
# listen:
#   poll_timeout: 30s
#   poll_interval: 5s
`
