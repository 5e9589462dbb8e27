package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"orderdesk/internal/alert"
	"orderdesk/internal/classifier"
	"orderdesk/internal/config"
	"orderdesk/internal/domain"
	"orderdesk/internal/ledger"
	"orderdesk/internal/metrics"
	"orderdesk/internal/pipeline"
	"orderdesk/internal/provider"
	"orderdesk/internal/source"
	"orderdesk/internal/state"
)

// components is everything one process wires from config.
type components struct {
	loc        *time.Location
	source     domain.MessageSource
	classifier domain.Classifier
	ledger     domain.OrderLedger
	alert      domain.AlertChannel
	state      domain.StateStore
	collector  *metrics.Collector
	pipeline   *pipeline.Pipeline
	disabled   []string
	closers    []io.Closer
}

func (c *components) Close() {
	for i := len(c.closers) - 1; i >= 0; i-- {
		if err := c.closers[i].Close(); err != nil {
			logger.Warn("close component", "err", err)
		}
	}
}

// buildComponents constructs every component. A component whose credentials
// are missing is replaced by its disabled implementation and a warning is
// logged once here.
func buildComponents(ctx context.Context, cfg *config.Config) (*components, error) {
	loc, err := cfg.Location()
	if err != nil {
		return nil, fmt.Errorf("timezone %q: %w", cfg.General.Timezone, err)
	}
	c := &components{loc: loc, collector: metrics.NewCollector()}

	c.source = buildSource(cfg, c)
	c.classifier = buildClassifier(cfg, c)
	if c.ledger, err = buildLedger(ctx, cfg, c); err != nil {
		c.Close()
		return nil, err
	}
	if c.alert, err = buildAlert(cfg, c); err != nil {
		c.Close()
		return nil, err
	}
	if c.state, err = buildState(cfg, c); err != nil {
		c.Close()
		return nil, err
	}

	c.pipeline, err = pipeline.New(ctx, pipeline.Config{
		Source:          c.source,
		Classifier:      c.classifier,
		Ledger:          c.ledger,
		Alert:           c.alert,
		State:           c.state,
		PageSize:        cfg.Source.PageSize,
		InitialLookback: time.Duration(cfg.Pipeline.InitialLookbackMinutes) * time.Minute,
		Metrics:         metrics.NewPipeline(c.collector),
		Logger:          logger,
	})
	if err != nil {
		c.Close()
		return nil, err
	}
	return c, nil
}

func (c *components) disable(component, reason string) {
	c.disabled = append(c.disabled, component)
	logger.Warn("component disabled, credentials missing", "component", component, "reason", reason)
}

func buildSource(cfg *config.Config, c *components) domain.MessageSource {
	sc := cfg.Source
	if sc.AccountSID == "" || sc.AuthToken == "" {
		c.disable("source", "source.accountSid and source.authToken are required")
		return source.Disabled{}
	}
	return source.NewTwilio(source.TwilioConfig{
		AccountSID: sc.AccountSID,
		AuthToken:  sc.AuthToken,
		APIBase:    sc.APIBase,
		Timeout:    config.Seconds(sc.TimeoutSeconds, source.DefaultTimeout),
		Logger:     logger,
	})
}

func buildClassifier(cfg *config.Config, c *components) domain.Classifier {
	cc := cfg.Classifier
	factory := provider.NewFactory(cfg.Providers, nil, logger)
	prov, err := factory.Get(cc.Provider)
	if err != nil {
		if errors.Is(err, domain.ErrNotConfigured) {
			c.disable("classifier", fmt.Sprintf("provider %q: %v", cc.Provider, err))
		} else {
			logger.Error("classifier disabled", "provider", cc.Provider, "err", err)
			c.disabled = append(c.disabled, "classifier")
		}
		return classifier.Disabled{}
	}

	var limiter *classifier.Limiter
	if cc.RateLimitPerMinute > 0 {
		limiter = classifier.NewLimiter(cc.RateLimitPerMinute, cc.RateLimitBurst)
	}
	temp := cc.Temperature
	return classifier.New(classifier.Config{
		Provider:    prov,
		Model:       cc.Model,
		Temperature: &temp,
		MaxTokens:   cc.MaxTokens,
		Timeout:     config.Seconds(cc.TimeoutSeconds, classifier.DefaultTimeout),
		Location:    c.loc,
		Limiter:     limiter,
		Logger:      logger,
	})
}

func buildLedger(ctx context.Context, cfg *config.Config, c *components) (domain.OrderLedger, error) {
	lc := cfg.Ledger
	timeout := config.Seconds(lc.TimeoutSeconds, ledger.DefaultTimeout)

	switch lc.Kind {
	case "sheets":
		opts, ok := ledger.CredentialOptions(lc.Sheets.CredentialsFile, lc.Sheets.CredentialsJSON, lc.Sheets.Endpoint)
		if lc.Sheets.SpreadsheetID == "" || !ok {
			c.disable("ledger", "ledger.sheets.spreadsheetId and credentials are required")
			return ledger.Disabled{}, nil
		}
		s, err := ledger.NewSheets(ctx, ledger.SheetsConfig{
			SpreadsheetID: lc.Sheets.SpreadsheetID,
			SheetName:     lc.Sheets.SheetName,
			Timeout:       timeout,
			Location:      c.loc,
			Options:       opts,
			Logger:        logger,
		})
		if err != nil {
			return nil, fmt.Errorf("sheets ledger: %w", err)
		}
		return s, nil

	case "sqlite":
		l, err := ledger.NewSQLite(ledger.SQLiteConfig{DBPath: lc.SQLite.DBPath, Timeout: timeout, Location: c.loc, Logger: logger})
		if err != nil {
			return nil, fmt.Errorf("sqlite ledger: %w", err)
		}
		c.closers = append(c.closers, l)
		return l, nil

	case "postgres":
		if lc.Postgres.DSN == "" {
			c.disable("ledger", "ledger.postgres.dsn is required")
			return ledger.Disabled{}, nil
		}
		p, err := ledger.NewPostgres(ledger.PostgresConfig{DSN: lc.Postgres.DSN, Timeout: timeout, Logger: logger})
		if err != nil {
			return nil, fmt.Errorf("postgres ledger: %w", err)
		}
		c.closers = append(c.closers, p)
		return p, nil
	}
	return nil, fmt.Errorf("unknown ledger kind %q", lc.Kind)
}

func buildAlert(cfg *config.Config, c *components) (domain.AlertChannel, error) {
	ac := cfg.Alert
	timeout := config.Seconds(ac.TimeoutSeconds, alert.DefaultTimeout)

	switch ac.Kind {
	case "webhook":
		if ac.WebhookURL == "" {
			c.disable("alert", "alert.webhookUrl is required")
			return alert.Disabled{}, nil
		}
		return alert.NewWebhook(alert.WebhookConfig{URL: ac.WebhookURL, Secret: ac.Secret, Timeout: timeout, Location: c.loc, Logger: logger}), nil

	case "slack":
		if ac.WebhookURL == "" {
			c.disable("alert", "alert.webhookUrl is required")
			return alert.Disabled{}, nil
		}
		return alert.NewSlack(alert.SlackConfig{WebhookURL: ac.WebhookURL, Timeout: timeout, Location: c.loc, Logger: logger}), nil

	case "discord":
		if ac.WebhookURL == "" {
			c.disable("alert", "alert.webhookUrl is required")
			return alert.Disabled{}, nil
		}
		d, err := alert.NewDiscord(alert.DiscordConfig{WebhookURL: ac.WebhookURL, Timeout: timeout, Location: c.loc, Logger: logger})
		if err != nil {
			return nil, fmt.Errorf("discord alert: %w", err)
		}
		return d, nil

	case "telegram":
		if ac.Telegram.Token == "" || ac.Telegram.ChatID == "" {
			c.disable("alert", "alert.telegram.token and alert.telegram.chatId are required")
			return alert.Disabled{}, nil
		}
		return alert.NewTelegram(alert.TelegramConfig{
			Token:    ac.Telegram.Token,
			ChatID:   ac.Telegram.ChatID,
			Timeout:  timeout,
			Location: c.loc,
			Logger:   logger,
		}), nil
	}
	return nil, fmt.Errorf("unknown alert kind %q", ac.Kind)
}

func buildState(cfg *config.Config, c *components) (domain.StateStore, error) {
	switch cfg.State.Kind {
	case "", "memory":
		return state.NewMemory(), nil
	case "sqlite":
		s, err := state.NewSQLiteStore(state.SQLiteConfig{
			DBPath:        cfg.State.DBPath,
			RetentionDays: cfg.State.RetentionDays,
			Logger:        logger,
		})
		if err != nil {
			return nil, fmt.Errorf("state store: %w", err)
		}
		c.closers = append(c.closers, s)
		return s, nil
	}
	return nil, fmt.Errorf("unknown state kind %q", cfg.State.Kind)
}

// silentLogger is used by commands that only need to inspect config.
func silentLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
