package notification

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"time"
)

const slackPostMessageURL = "https://slack.com/api/chat.postMessage"

// SlackSender posts to a channel with the Slack Web API. The plain text is kept
// as the notification fallback; metadata is rendered as Block Kit fields.
type SlackSender struct {
	botToken   string
	apiURL     string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewSlackSender creates a Slack sender. botToken is the resolved secret, never a
// reference; a channel's "bot_token" entry overrides it.
func NewSlackSender(botToken string, logger *slog.Logger) *SlackSender {
	return &SlackSender{
		botToken:   botToken,
		apiURL:     slackPostMessageURL,
		httpClient: &http.Client{Timeout: 15 * time.Second},
		logger:     logger,
	}
}

func (s *SlackSender) Type() string { return "slack" }

type slackText struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type slackBlock struct {
	Type   string      `json:"type"`
	Text   *slackText  `json:"text,omitempty"`
	Fields []slackText `json:"fields,omitempty"`
}

type slackPost struct {
	Channel string       `json:"channel"`
	Text    string       `json:"text"`
	Blocks  []slackBlock `json:"blocks,omitempty"`
}

func (s *SlackSender) Send(ctx context.Context, ch *Channel, msg *Message) error {
	channelID := ch.Config["channel_id"]
	if channelID == "" {
		return fmt.Errorf("slack channel %q has no channel_id", ch.Name)
	}
	token := s.botToken
	if t := ch.Config["bot_token"]; t != "" {
		token = t
	}
	if token == "" {
		return fmt.Errorf("slack channel %q has no bot token", ch.Name)
	}

	body, err := json.Marshal(slackMessage(channelID, msg))
	if err != nil {
		return fmt.Errorf("encoding message: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.apiURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json; charset=utf-8")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("sending request: %w", err)
	}
	defer resp.Body.Close()

	reply, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return fmt.Errorf("slack rate limited, retry after %ss", resp.Header.Get("Retry-After"))
	case resp.StatusCode != http.StatusOK:
		return fmt.Errorf("slack API returned %d: %s", resp.StatusCode, reply)
	}
	// Application errors come back as 200 with ok=false.
	var r struct {
		OK    bool   `json:"ok"`
		Error string `json:"error"`
	}
	if err := json.Unmarshal(reply, &r); err == nil && !r.OK {
		return fmt.Errorf("slack API error: %s", r.Error)
	}
	return nil
}

func slackMessage(channelID string, msg *Message) slackPost {
	text := msg.Body
	if msg.Subject != "" {
		text = fmt.Sprintf("*%s*\n%s", msg.Subject, msg.Body)
	}
	post := slackPost{Channel: channelID, Text: text}
	if msg.Subject == "" {
		return post
	}

	post.Blocks = []slackBlock{
		{Type: "header", Text: &slackText{Type: "plain_text", Text: msg.Subject}},
		{Type: "section", Text: &slackText{Type: "mrkdwn", Text: msg.Body}},
	}
	keys := make([]string, 0, len(msg.Metadata))
	for k, v := range msg.Metadata {
		if v != "" {
			keys = append(keys, k)
		}
	}
	if len(keys) == 0 {
		return post
	}
	sort.Strings(keys)
	// Slack caps a section at ten fields.
	if len(keys) > 10 {
		keys = keys[:10]
	}
	fields := make([]slackText, len(keys))
	for i, k := range keys {
		fields[i] = slackText{Type: "mrkdwn", Text: fmt.Sprintf("*%s*\n%s", k, msg.Metadata[k])}
	}
	post.Blocks = append(post.Blocks, slackBlock{Type: "section", Fields: fields})
	return post
}
