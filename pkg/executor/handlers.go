package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os/exec"
	"strings"
	"time"

	"github.com/daviddao/gaia/pkg/model"
	"github.com/daviddao/gaia/pkg/retry"
)

// Handler kinds accepted by NewHandler.
const (
	KindShell   = "shell"
	KindWebhook = "webhook"
	KindNone    = "none"
)

// ErrUnknownHandler is returned by NewHandler for an unrecognized kind.
var ErrUnknownHandler = errors.New("unknown handler kind")

// HandlerConfig selects and tunes a Handler.
type HandlerConfig struct {
	Kind    string        `yaml:"kind"`
	Timeout time.Duration `yaml:"timeout"`
	URL     string        `yaml:"url"`
	Shell   string        `yaml:"shell"`
	Dir     string        `yaml:"dir"`
}

// NewHandler builds the handler described by cfg. Kind "none" or empty
// returns a nil Handler, which the executor treats as log-only.
func NewHandler(cfg HandlerConfig) (Handler, error) {
	switch cfg.Kind {
	case "", KindNone:
		return nil, nil
	case KindShell:
		return &ShellHandler{Shell: cfg.Shell, Dir: cfg.Dir, Timeout: cfg.Timeout}, nil
	case KindWebhook:
		if cfg.URL == "" {
			return nil, fmt.Errorf("%w: webhook handler needs a url", model.ErrConfig)
		}
		return &WebhookHandler{URL: cfg.URL, Timeout: cfg.Timeout}, nil
	}
	return nil, fmt.Errorf("%w: %w %q", model.ErrConfig, ErrUnknownHandler, cfg.Kind)
}

// ShellHandler runs the command text through a shell. Exit failures carry
// no status and are therefore not retried.
type ShellHandler struct {
	Shell   string // default "sh"
	Dir     string
	Timeout time.Duration
	Stdout  io.Writer
}

func (h *ShellHandler) Run(ctx context.Context, c *model.Command) error {
	if h.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.Timeout)
		defer cancel()
	}
	shell := h.Shell
	if shell == "" {
		shell = "sh"
	}
	cmd := exec.CommandContext(ctx, shell, "-c", c.Text)
	cmd.Dir = h.Dir
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if h.Stdout != nil {
		cmd.Stdout = h.Stdout
	}
	if err := cmd.Run(); err != nil {
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return fmt.Errorf("%s: %w: %s", c.Name(), err, lastLine(msg))
		}
		return fmt.Errorf("%s: %w", c.Name(), err)
	}
	return nil
}

func lastLine(s string) string {
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		return s[i+1:]
	}
	return s
}

// WebhookHandler POSTs the command as JSON. Non-2xx responses become
// retry.StatusError so the retry policy can classify them.
type WebhookHandler struct {
	URL     string
	Timeout time.Duration
	Client  *http.Client
}

func (h *WebhookHandler) Run(ctx context.Context, c *model.Command) error {
	if h.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.Timeout)
		defer cancel()
	}
	body, err := json.Marshal(c)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.URL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	client := h.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook: %w", err)
	}
	defer resp.Body.Close()
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	if resp.StatusCode/100 != 2 {
		return &retry.StatusError{
			Status: resp.StatusCode,
			Err:    fmt.Errorf("webhook %s: %s", resp.Status, strings.TrimSpace(string(snippet))),
		}
	}
	return nil
}
