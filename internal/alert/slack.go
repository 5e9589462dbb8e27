package alert

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/slack-go/slack"

	"orderdesk/internal/domain"
	"orderdesk/internal/httpx"
)

// Slack posts alerts to a Slack incoming webhook.
type Slack struct {
	webhookURL string
	timeout    time.Duration
	location   *time.Location
	client     *http.Client
	logger     *slog.Logger
}

type SlackConfig struct {
	WebhookURL string
	Timeout    time.Duration
	Location   *time.Location
	HTTPClient *http.Client
	Logger     *slog.Logger
}

func NewSlack(cfg SlackConfig) *Slack {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = httpx.SharedHTTPClient(cfg.Timeout)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Slack{
		webhookURL: cfg.WebhookURL,
		timeout:    cfg.Timeout,
		location:   cfg.Location,
		client:     cfg.HTTPClient,
		logger:     cfg.Logger,
	}
}

func (s *Slack) Name() string { return "slack" }

func (s *Slack) Notify(ctx context.Context, order domain.OrderJudgment, msg domain.Message) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	text := Format(order, msg, s.location)
	wm := &slack.WebhookMessage{
		Text: text,
		Blocks: &slack.Blocks{BlockSet: []slack.Block{
			slack.NewSectionBlock(slack.NewTextBlockObject(slack.PlainTextType, text, true, false), nil, nil),
		}},
	}
	if err := slack.PostWebhookCustomHTTPContext(ctx, s.webhookURL, s.client, wm); err != nil {
		return fmt.Errorf("slack webhook: %w", err)
	}
	return nil
}
