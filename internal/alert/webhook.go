package alert

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"orderdesk/internal/domain"
	"orderdesk/internal/httpx"
)

// SignatureHeader carries the HMAC-SHA256 of the request body when a secret is set.
const SignatureHeader = "X-Orderdesk-Signature"

// Webhook posts a JSON payload to an arbitrary URL.
type Webhook struct {
	url      string
	secret   string
	timeout  time.Duration
	location *time.Location
	client   *http.Client
	logger   *slog.Logger
}

type WebhookConfig struct {
	URL        string
	Secret     string // optional HMAC secret
	Timeout    time.Duration
	Location   *time.Location
	HTTPClient *http.Client
	Logger     *slog.Logger
}

// WebhookPayload is the JSON body sent to the webhook.
type WebhookPayload struct {
	Text    string               `json:"text"`
	Order   domain.OrderJudgment `json:"order"`
	Message domain.Message       `json:"message"`
}

func NewWebhook(cfg WebhookConfig) *Webhook {
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
	return &Webhook{
		url:      cfg.URL,
		secret:   cfg.Secret,
		timeout:  cfg.Timeout,
		location: cfg.Location,
		client:   cfg.HTTPClient,
		logger:   cfg.Logger,
	}
}

func (w *Webhook) Name() string { return "webhook" }

// Notify makes one delivery attempt. Any non-2xx status is a failure.
func (w *Webhook) Notify(ctx context.Context, order domain.OrderJudgment, msg domain.Message) error {
	ctx, cancel := context.WithTimeout(ctx, w.timeout)
	defer cancel()

	body, err := json.Marshal(WebhookPayload{
		Text:    Format(order, msg, w.location),
		Order:   order,
		Message: msg,
	})
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("new request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if w.secret != "" {
		req.Header.Set(SignatureHeader, Sign(body, w.secret))
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("webhook %d: %s", resp.StatusCode, string(respBody))
	}
	io.Copy(io.Discard, resp.Body)
	return nil
}

// Sign returns the signature header value for body.
func Sign(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// Verify reports whether signature matches body under secret.
func Verify(body []byte, secret, signature string) bool {
	return hmac.Equal([]byte(Sign(body, secret)), []byte(signature))
}
