// Package transport adapts chat services to the listener's update stream.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/daviddao/gaia/pkg/listener"
	"github.com/daviddao/gaia/pkg/model"
	"github.com/daviddao/gaia/pkg/retry"
)

// DefaultTelegramAPI is the Bot API base URL.
const DefaultTelegramAPI = "https://api.telegram.org"

// Telegram polls the Bot API getUpdates method.
type Telegram struct {
	Token   string
	BaseURL string
	Client  *http.Client
}

// NewTelegram returns a client for the bot identified by token.
func NewTelegram(token, baseURL string) (*Telegram, error) {
	if strings.TrimSpace(token) == "" {
		return nil, fmt.Errorf("%w: telegram bot token is not set", model.ErrConfig)
	}
	if baseURL == "" {
		baseURL = DefaultTelegramAPI
	}
	return &Telegram{Token: token, BaseURL: strings.TrimRight(baseURL, "/"), Client: &http.Client{}}, nil
}

type tgResponse struct {
	OK          bool       `json:"ok"`
	Description string     `json:"description"`
	Result      []tgUpdate `json:"result"`
}

type tgUpdate struct {
	UpdateID int64           `json:"update_id"`
	Message  json.RawMessage `json:"message"`
}

type tgMessage struct {
	MessageID int64  `json:"message_id"`
	Text      string `json:"text"`
	Chat      struct {
		ID int64 `json:"id"`
	} `json:"chat"`
	From struct {
		FirstName string `json:"first_name"`
		Username  string `json:"username"`
	} `json:"from"`
}

// Poll long-polls getUpdates. Failures wrap model.ErrTransport; HTTP
// failures additionally carry their status as a retry.StatusError.
func (t *Telegram) Poll(ctx context.Context, offset int64, timeout time.Duration) ([]listener.Update, error) {
	q := url.Values{}
	q.Set("offset", strconv.FormatInt(offset, 10))
	q.Set("timeout", strconv.Itoa(int(timeout/time.Second)))
	q.Set("allowed_updates", `["message"]`)
	endpoint := fmt.Sprintf("%s/bot%s/getUpdates?%s", t.BaseURL, t.Token, q.Encode())

	// The HTTP deadline leaves headroom over the server-side long poll.
	reqCtx, cancel := context.WithTimeout(ctx, timeout+10*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", model.ErrTransport, err)
	}
	client := t.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: getUpdates: %w", model.ErrTransport, redact(err, t.Token))
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return nil, fmt.Errorf("%w: read getUpdates: %v", model.ErrTransport, err)
	}
	if resp.StatusCode/100 != 2 {
		return nil, &retry.StatusError{
			Status: resp.StatusCode,
			Err:    fmt.Errorf("%w: getUpdates: HTTP %d", model.ErrTransport, resp.StatusCode),
		}
	}

	var parsed tgResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("%w: decode getUpdates: %v", model.ErrTransport, err)
	}
	if !parsed.OK {
		return nil, fmt.Errorf("%w: getUpdates: %s", model.ErrTransport, parsed.Description)
	}

	out := make([]listener.Update, 0, len(parsed.Result))
	for _, u := range parsed.Result {
		upd := listener.Update{ID: u.UpdateID}
		if len(u.Message) > 0 && string(u.Message) != "null" {
			var m tgMessage
			if err := json.Unmarshal(u.Message, &m); err == nil {
				from := m.From.FirstName
				if from == "" {
					from = m.From.Username
				}
				upd.Message = &listener.Message{
					ID:     strconv.FormatInt(m.MessageID, 10),
					ChatID: strconv.FormatInt(m.Chat.ID, 10),
					Text:   m.Text,
					From:   from,
					Raw:    u.Message,
				}
			}
		}
		out = append(out, upd)
	}
	return out, nil
}

// redact keeps the bot token out of logged URL errors.
func redact(err error, token string) error {
	var ue *url.Error
	if token == "" || !errors.As(err, &ue) {
		return err
	}
	return fmt.Errorf("%s %q: %w", ue.Op, strings.ReplaceAll(ue.URL, token, "<token>"), ue.Err)
}
