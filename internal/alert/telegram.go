package alert

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"orderdesk/internal/domain"
	"orderdesk/internal/httpx"
)

// Telegram sends alerts as bot messages to one chat.
type Telegram struct {
	token    string
	chatID   string
	endpoint string
	location *time.Location
	client   *http.Client
	logger   *slog.Logger

	mu  sync.Mutex
	bot *tgbotapi.BotAPI
}

type TelegramConfig struct {
	Token    string
	ChatID   string // numeric chat id or @channelusername
	Endpoint string // defaults to tgbotapi.APIEndpoint
	// Timeout bounds each Bot API call through the HTTP client; the
	// library does not take a context.
	Timeout    time.Duration
	Location   *time.Location
	HTTPClient *http.Client
	Logger     *slog.Logger
}

func NewTelegram(cfg TelegramConfig) *Telegram {
	if cfg.Endpoint == "" {
		cfg.Endpoint = tgbotapi.APIEndpoint
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
	return &Telegram{
		token:    cfg.Token,
		chatID:   cfg.ChatID,
		endpoint: cfg.Endpoint,
		location: cfg.Location,
		client:   cfg.HTTPClient,
		logger:   cfg.Logger,
	}
}

func (t *Telegram) Name() string { return "telegram" }

// ensureBot connects on first use; NewBotAPIWithClient calls getMe.
func (t *Telegram) ensureBot() (*tgbotapi.BotAPI, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.bot != nil {
		return t.bot, nil
	}
	bot, err := tgbotapi.NewBotAPIWithClient(t.token, t.endpoint, t.client)
	if err != nil {
		return nil, fmt.Errorf("telegram connect: %w", err)
	}
	t.logger.Info("telegram bot connected", "username", bot.Self.UserName)
	t.bot = bot
	return bot, nil
}

func (t *Telegram) Notify(ctx context.Context, order domain.OrderJudgment, msg domain.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	bot, err := t.ensureBot()
	if err != nil {
		return err
	}

	text := Format(order, msg, t.location)
	var out tgbotapi.MessageConfig
	if strings.HasPrefix(t.chatID, "@") {
		out = tgbotapi.NewMessageToChannel(t.chatID, text)
	} else {
		id, err := strconv.ParseInt(t.chatID, 10, 64)
		if err != nil {
			return fmt.Errorf("telegram chat id %q: %w", t.chatID, err)
		}
		out = tgbotapi.NewMessage(id, text)
	}

	if _, err := bot.Send(out); err != nil {
		return fmt.Errorf("telegram send: %w", err)
	}
	return nil
}
