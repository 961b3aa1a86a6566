// Package slack implements a notifier.Notifier on the Slack Web API. The
// bot token grants chat.postMessage plus the user lookup needed for
// direct messages.
package slack

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/ticketpilot/ticketpilot/internal/config"
	"github.com/ticketpilot/ticketpilot/internal/port/notifier"
)

const providerName = "slack"

// Notifier sends notifications through the Slack Web API.
type Notifier struct {
	apiURL         string
	botToken       string
	defaultChannel string
	httpClient     *http.Client
}

// NewNotifier creates a Slack notifier. defaultChannel receives Send
// notifications; SendDirect resolves the recipient per call.
func NewNotifier(cfg config.Slack, defaultChannel string) *Notifier {
	return &Notifier{
		apiURL:         strings.TrimRight(cfg.APIURL, "/"),
		botToken:       cfg.BotToken,
		defaultChannel: defaultChannel,
		httpClient:     http.DefaultClient,
	}
}

func (n *Notifier) Name() string { return providerName }

func (n *Notifier) Capabilities() notifier.Capabilities {
	return notifier.Capabilities{
		RichFormatting: true,
		DirectMessages: true,
	}
}

// slackMessage is the Slack Block Kit message payload.
type slackMessage struct {
	Channel string       `json:"channel"`
	Text    string       `json:"text"` // fallback for notification previews
	Blocks  []slackBlock `json:"blocks"`
}

type slackBlock struct {
	Type string     `json:"type"`
	Text *slackText `json:"text,omitempty"`
}

type slackText struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// Send posts the notification to the default channel.
func (n *Notifier) Send(ctx context.Context, notification notifier.Notification) error {
	if n.botToken == "" || n.defaultChannel == "" {
		return notifier.ErrNotConfigured
	}
	return n.postMessage(ctx, n.defaultChannel, notification)
}

// SendDirect opens a DM with the user mapped to email and posts there.
func (n *Notifier) SendDirect(ctx context.Context, email string, notification notifier.Notification) error {
	if n.botToken == "" {
		return notifier.ErrNotConfigured
	}

	userID, err := n.lookupUser(ctx, email)
	if err != nil {
		return err
	}
	channel, err := n.openDM(ctx, userID)
	if err != nil {
		return err
	}
	return n.postMessage(ctx, channel, notification)
}

func (n *Notifier) postMessage(ctx context.Context, channel string, notification notifier.Notification) error {
	emoji := levelEmoji(notification.Level)
	headerText := fmt.Sprintf("%s %s", emoji, notification.Title)

	msg := slackMessage{
		Channel: channel,
		Text:    headerText,
		Blocks: []slackBlock{
			{Type: "header", Text: &slackText{Type: "plain_text", Text: headerText}},
			{Type: "section", Text: &slackText{Type: "mrkdwn", Text: notification.Message}},
		},
	}

	if notification.Source != "" {
		msg.Blocks = append(msg.Blocks, slackBlock{
			Type: "context",
			Text: &slackText{Type: "mrkdwn", Text: fmt.Sprintf("_Source: %s_", notification.Source)},
		})
	}

	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("slack marshal: %w", err)
	}

	var resp struct {
		OK    bool   `json:"ok"`
		Error string `json:"error"`
	}
	if err := n.call(ctx, "/chat.postMessage", body, &resp); err != nil {
		return err
	}
	if !resp.OK {
		return fmt.Errorf("slack postMessage: %s", resp.Error)
	}
	return nil
}

// lookupUser maps an email address to a Slack user id.
func (n *Notifier) lookupUser(ctx context.Context, email string) (string, error) {
	path := "/users.lookupByEmail?email=" + url.QueryEscape(email)

	var resp struct {
		OK    bool   `json:"ok"`
		Error string `json:"error"`
		User  struct {
			ID string `json:"id"`
		} `json:"user"`
	}
	if err := n.call(ctx, path, nil, &resp); err != nil {
		return "", err
	}
	if !resp.OK {
		if resp.Error == "users_not_found" {
			return "", notifier.ErrUserNotFound
		}
		return "", fmt.Errorf("slack lookupByEmail: %s", resp.Error)
	}
	return resp.User.ID, nil
}

// openDM opens (or reuses) the direct-message channel with the user.
func (n *Notifier) openDM(ctx context.Context, userID string) (string, error) {
	body, err := json.Marshal(map[string]string{"users": userID})
	if err != nil {
		return "", fmt.Errorf("slack marshal: %w", err)
	}

	var resp struct {
		OK      bool   `json:"ok"`
		Error   string `json:"error"`
		Channel struct {
			ID string `json:"id"`
		} `json:"channel"`
	}
	if err := n.call(ctx, "/conversations.open", body, &resp); err != nil {
		return "", err
	}
	if !resp.OK {
		return "", fmt.Errorf("slack conversations.open: %s", resp.Error)
	}
	return resp.Channel.ID, nil
}

func (n *Notifier) call(ctx context.Context, path string, body []byte, out any) error {
	method := http.MethodGet
	var reader io.Reader
	if body != nil {
		method = http.MethodPost
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, n.apiURL+path, reader)
	if err != nil {
		return fmt.Errorf("slack request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json; charset=utf-8")
	}
	req.Header.Set("Authorization", "Bearer "+n.botToken)

	resp, err := n.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("slack send: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("slack read response: %w", err)
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("slack API %d: %s", resp.StatusCode, string(data))
	}
	if out != nil {
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("slack unmarshal: %w", err)
		}
	}
	return nil
}

func levelEmoji(level string) string {
	switch level {
	case "success":
		return "[OK]"
	case "error":
		return "[ERROR]"
	case "warning":
		return "[WARN]"
	default:
		return "[INFO]"
	}
}
