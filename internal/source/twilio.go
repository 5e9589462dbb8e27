// Package source fetches inbound SMS from the Twilio Messages API.
package source

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"orderdesk/internal/domain"
	"orderdesk/internal/httpx"
)

const (
	DefaultAPIBase  = "https://api.twilio.com"
	DefaultPageSize = 50
	DefaultTimeout  = 15 * time.Second

	fetchRetries = 2
	retryBase    = 500 * time.Millisecond
)

// Twilio implements domain.MessageSource over the 2010-04-01 REST API.
type Twilio struct {
	accountSID string
	authToken  string
	apiBase    string
	timeout    time.Duration
	client     *http.Client
	now        func() time.Time
	logger     *slog.Logger
}

type TwilioConfig struct {
	AccountSID string
	AuthToken  string
	APIBase    string
	Timeout    time.Duration // bounds the whole fetch, retries included
	HTTPClient *http.Client
	Logger     *slog.Logger
}

func NewTwilio(cfg TwilioConfig) *Twilio {
	if cfg.APIBase == "" {
		cfg.APIBase = DefaultAPIBase
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = httpx.SharedHTTPClient(cfg.Timeout)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Twilio{
		accountSID: cfg.AccountSID,
		authToken:  cfg.AuthToken,
		apiBase:    strings.TrimRight(cfg.APIBase, "/"),
		timeout:    cfg.Timeout,
		client:     cfg.HTTPClient,
		now:        time.Now,
		logger:     cfg.Logger,
	}
}

func (t *Twilio) Name() string { return "twilio" }

type twilioPage struct {
	Messages    []twilioMessage `json:"messages"`
	NextPageURI string          `json:"next_page_uri"`
}

type twilioMessage struct {
	SID         string `json:"sid"`
	Direction   string `json:"direction"`
	From        string `json:"from"`
	Body        string `json:"body"`
	DateCreated string `json:"date_created"`
	DateSent    string `json:"date_sent"`
}

// FetchSince returns up to limit messages sent after since, in the order
// Twilio returns them. The server-side filter is trusted.
func (t *Twilio) FetchSince(ctx context.Context, since time.Time, limit int) ([]domain.Message, error) {
	if limit <= 0 {
		limit = DefaultPageSize
	}
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	q := url.Values{}
	q.Set("DateSent>", since.UTC().Format(time.RFC3339))
	q.Set("PageSize", strconv.Itoa(limit))
	endpoint := fmt.Sprintf("%s/2010-04-01/Accounts/%s/Messages.json?%s", t.apiBase, url.PathEscape(t.accountSID), q.Encode())

	resp, err := httpx.DoWithRetry(ctx, t.client, fetchRetries, retryBase, func() (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
		if err != nil {
			return nil, err
		}
		req.SetBasicAuth(t.accountSID, t.authToken)
		req.Header.Set("Accept", "application/json")
		return req, nil
	}, t.logger)
	if err != nil {
		return nil, fmt.Errorf("twilio request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("twilio %d: %s", resp.StatusCode, string(body))
	}

	var page twilioPage
	if err := json.NewDecoder(resp.Body).Decode(&page); err != nil {
		return nil, fmt.Errorf("decode: %w", err)
	}

	fetchedAt := t.now()
	msgs := make([]domain.Message, 0, len(page.Messages))
	for _, m := range page.Messages {
		created, err := parseTwilioTime(m.DateCreated)
		if err != nil {
			// date_sent, then the fetch time, so a row never carries the zero time.
			if created, err = parseTwilioTime(m.DateSent); err != nil {
				created = fetchedAt
			}
			t.logger.Warn("unparseable date_created", "sid", m.SID, "value", m.DateCreated, "using", created)
		}
		msgs = append(msgs, domain.Message{
			ID:        m.SID,
			Direction: domain.ParseDirection(m.Direction),
			From:      m.From,
			Body:      m.Body,
			CreatedAt: created,
		})
	}

	t.logger.Debug("twilio fetch", "since", since, "count", len(msgs), "more", page.NextPageURI != "")
	return msgs, nil
}

// parseTwilioTime reads Twilio's RFC 2822 timestamps, falling back to RFC 3339.
func parseTwilioTime(s string) (time.Time, error) {
	if ts, err := time.Parse(time.RFC1123Z, s); err == nil {
		return ts, nil
	}
	return time.Parse(time.RFC3339, s)
}

// Disabled stands in when no Twilio credentials are configured. It always
// reports nothing new.
type Disabled struct{}

func (Disabled) Name() string { return "disabled" }

func (Disabled) FetchSince(context.Context, time.Time, int) ([]domain.Message, error) {
	return []domain.Message{}, nil
}
