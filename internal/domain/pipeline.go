package domain

import (
	"context"
	"errors"
	"time"
)

// ErrNotConfigured is returned by components whose credentials are absent.
// Such components stay disabled for the lifetime of the process.
var ErrNotConfigured = errors.New("not configured")

// MessageSource yields messages created strictly after a point in time.
// An empty result is not an error.
type MessageSource interface {
	FetchSince(ctx context.Context, since time.Time, limit int) ([]Message, error)
	Name() string
}

// Classifier decides whether a message is an order. It always returns a usable
// judgment; on failure that judgment is NotOrder() and the error says why.
type Classifier interface {
	Classify(ctx context.Context, msg Message) (OrderJudgment, error)
	Name() string
}

// OrderLedger durably appends one row per detected order. A nil error means
// the row was written.
type OrderLedger interface {
	Append(ctx context.Context, order OrderJudgment, msg Message) error
	// Setup (re)writes the header row or schema. It is idempotent.
	Setup(ctx context.Context) error
	Name() string
}

// AlertChannel pushes one notification per detected order. A nil error means
// the notification was accepted.
type AlertChannel interface {
	Notify(ctx context.Context, order OrderJudgment, msg Message) error
	Name() string
}

// PipelineSnapshot is the persisted form of pipeline state.
type PipelineSnapshot struct {
	Watermark    time.Time
	ProcessedIDs []string
}

// StateStore persists pipeline state between process lifetimes.
type StateStore interface {
	// Load returns the last committed snapshot. A zero Watermark means nothing was committed yet.
	Load(ctx context.Context) (*PipelineSnapshot, error)
	// Commit records the new watermark and the ids finalized by one run, atomically.
	Commit(ctx context.Context, watermark time.Time, ids []string) error
	Close() error
}
