package report

import (
	"context"
	"fmt"

	"github.com/slack-go/slack"

	"github.com/attic-io/attic/internal/pipeline"
)

// SlackConfig holds Slack reporter configuration.
type SlackConfig struct {
	WebhookURL string `json:"webhook_url"`
}

// Slack posts run summaries to an incoming webhook.
type Slack struct {
	webhookURL string
}

func NewSlack(cfg SlackConfig) (*Slack, error) {
	if cfg.WebhookURL == "" {
		return nil, fmt.Errorf("slack: webhook_url is required")
	}
	return &Slack{webhookURL: cfg.WebhookURL}, nil
}

func (s *Slack) Name() string { return "slack" }

func (s *Slack) Send(ctx context.Context, tenant string, sum *pipeline.Summary) error {
	msg := &slack.WebhookMessage{Text: FormatText(tenant, sum)}
	if err := slack.PostWebhookContext(ctx, s.webhookURL, msg); err != nil {
		return fmt.Errorf("slack: post webhook: %w", err)
	}
	return nil
}
