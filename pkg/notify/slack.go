package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// SlackPublisher posts failed streams to a Slack incoming webhook. Other
// event types are ignored.
type SlackPublisher struct {
	webhookURL string
	channel    string
	client     *http.Client
}

// SlackConfig configures the Slack publisher.
type SlackConfig struct {
	// WebhookURL is the Slack incoming webhook URL
	WebhookURL string

	// Channel overrides the default channel (optional)
	Channel string
}

// NewSlackPublisher creates a Slack publisher.
func NewSlackPublisher(cfg SlackConfig) (*SlackPublisher, error) {
	if cfg.WebhookURL == "" {
		return nil, fmt.Errorf("webhook URL is required")
	}
	return &SlackPublisher{
		webhookURL: cfg.WebhookURL,
		channel:    cfg.Channel,
		client:     &http.Client{Timeout: 10 * time.Second},
	}, nil
}

// Publish posts event when it reports a failed stream.
func (s *SlackPublisher) Publish(ctx context.Context, event *Event) error {
	if event == nil || event.Type != EventStreamFailed {
		return nil
	}

	text := event.Message
	if event.Code != "" {
		text = fmt.Sprintf("`%s` %s", event.Code, event.Message)
	}
	payload := map[string]any{
		"username":   "headlesslogs",
		"icon_emoji": ":scroll:",
		"attachments": []map[string]any{
			{
				"color":     "#FF0000",
				"title":     fmt.Sprintf(":x: headless log relay failed for %s/%s", event.InstanceID, event.TerminalID),
				"text":      text,
				"footer":    fmt.Sprintf("Stream: %s, %d chunks", event.StreamID, event.Chunks),
				"ts":        event.Timestamp.Unix(),
				"mrkdwn_in": []string{"text"},
			},
		},
	}
	if s.channel != "" {
		payload["channel"] = s.channel
	}
	return s.sendWebhook(ctx, payload)
}

func (s *SlackPublisher) sendWebhook(ctx context.Context, payload map[string]any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.webhookURL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("slack webhook error: %s", string(body))
	}
	return nil
}

// Close closes the publisher.
func (s *SlackPublisher) Close() error {
	return nil
}
