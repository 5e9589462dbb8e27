// Package classifier turns one SMS into an order judgment with a single
// language-model call.
package classifier

import (
	"context"
	"fmt"
	"log/slog"
	"time"
	"unicode/utf8"

	"orderdesk/internal/domain"
)

const (
	DefaultTemperature = 0.1
	DefaultMaxTokens   = 500
	DefaultTimeout     = 30 * time.Second
)

// LLM classifies messages through a chat provider. It holds no per-message
// state and never retries a call.
type LLM struct {
	provider    domain.Provider
	model       string
	temperature float64
	maxTokens   int
	timeout     time.Duration
	location    *time.Location
	limiter     *Limiter
	logger      *slog.Logger
}

type Config struct {
	Provider    domain.Provider
	Model       string // empty uses the provider default
	Temperature *float64
	MaxTokens   int
	Timeout     time.Duration
	Location    *time.Location // used when rendering the received-at line
	Limiter     *Limiter       // optional
	Logger      *slog.Logger
}

func New(cfg Config) *LLM {
	temp := DefaultTemperature
	if cfg.Temperature != nil {
		temp = *cfg.Temperature
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = DefaultMaxTokens
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &LLM{
		provider:    cfg.Provider,
		model:       cfg.Model,
		temperature: temp,
		maxTokens:   cfg.MaxTokens,
		timeout:     cfg.Timeout,
		location:    cfg.Location,
		limiter:     cfg.Limiter,
		logger:      cfg.Logger,
	}
}

func (c *LLM) Name() string { return "llm:" + c.provider.Name() }

// Classify returns the judgment for msg. On any failure it returns
// domain.NotOrder() together with the error, so callers may ignore the
// error and still get a safe verdict.
func (c *LLM) Classify(ctx context.Context, msg domain.Message) (domain.OrderJudgment, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return domain.NotOrder(), fmt.Errorf("classify %s: rate limit: %w", msg.ID, err)
		}
	}

	resp, err := c.provider.Chat(ctx, domain.ChatRequest{
		Messages:    buildMessages(msg, c.location),
		Model:       c.model,
		MaxTokens:   c.maxTokens,
		Temperature: c.temperature,
		JSONMode:    true,
	})
	if err != nil {
		return domain.NotOrder(), fmt.Errorf("classify %s: %w", msg.ID, err)
	}

	judgment, err := parseJudgment(resp.Content)
	if err != nil {
		c.logger.Warn("unparseable classifier output", "message_id", msg.ID, "content", truncate(resp.Content, 200))
		return domain.NotOrder(), fmt.Errorf("classify %s: %w", msg.ID, err)
	}

	c.logger.Debug("classified", "message_id", msg.ID, "is_order", judgment.IsOrder, "latency_ms", resp.LatencyMs)
	return judgment, nil
}

// Disabled stands in when no model credentials are configured. Every message
// is judged not an order.
type Disabled struct{}

func (Disabled) Name() string { return "disabled" }

func (Disabled) Classify(context.Context, domain.Message) (domain.OrderJudgment, error) {
	return domain.NotOrder(), domain.ErrNotConfigured
}

// truncate cuts s to at most n bytes without splitting a UTF-8 sequence.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n] + "..."
}
