package alert

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"

	"orderdesk/internal/domain"
	"orderdesk/internal/httpx"
)

// Discord's message content limit.
const discordMaxContent = 2000

// Discord posts alerts through a channel webhook.
type Discord struct {
	webhookID string
	token     string
	timeout   time.Duration
	location  *time.Location
	session   *discordgo.Session
	logger    *slog.Logger
}

type DiscordConfig struct {
	WebhookURL string // https://discord.com/api/webhooks/{id}/{token}
	Timeout    time.Duration
	Location   *time.Location
	HTTPClient *http.Client
	Logger     *slog.Logger
}

func NewDiscord(cfg DiscordConfig) (*Discord, error) {
	id, token, err := ParseDiscordWebhook(cfg.WebhookURL)
	if err != nil {
		return nil, err
	}
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

	// Webhook execution needs no bot token.
	session, err := discordgo.New("")
	if err != nil {
		return nil, fmt.Errorf("discord session: %w", err)
	}
	session.Client = cfg.HTTPClient
	session.MaxRestRetries = 0
	session.ShouldRetryOnRateLimit = false

	return &Discord{
		webhookID: id,
		token:     token,
		timeout:   cfg.Timeout,
		location:  cfg.Location,
		session:   session,
		logger:    cfg.Logger,
	}, nil
}

// ParseDiscordWebhook extracts the id and token from a webhook URL.
func ParseDiscordWebhook(raw string) (id, token string, err error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", "", fmt.Errorf("discord webhook url: %w", err)
	}
	parts := strings.Split(strings.Trim(u.Path, "/"), "/")
	for i := 0; i+2 < len(parts); i++ {
		if parts[i] == "webhooks" {
			return parts[i+1], parts[i+2], nil
		}
	}
	return "", "", fmt.Errorf("discord webhook url: expected .../webhooks/{id}/{token}, got %q", raw)
}

func (d *Discord) Name() string { return "discord" }

func (d *Discord) Notify(ctx context.Context, order domain.OrderJudgment, msg domain.Message) error {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	content := Format(order, msg, d.location)
	if r := []rune(content); len(r) > discordMaxContent {
		content = string(r[:discordMaxContent-3]) + "..."
	}

	_, err := d.session.WebhookExecute(d.webhookID, d.token, false, &discordgo.WebhookParams{
		Content: content,
	}, discordgo.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("discord webhook: %w", err)
	}
	return nil
}
