// Package pipeline implements the message intake run: fetch past the
// watermark, dedup, classify, fan out detected orders to the ledger and the
// alert channel, then advance state.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"orderdesk/internal/domain"
	"orderdesk/internal/metrics"
	"orderdesk/internal/state"
)

const (
	DefaultPageSize        = 50
	DefaultInitialLookback = 60 * time.Minute
)

// ErrRunInProgress is returned when a trigger finds another run in flight.
// The trigger is skipped, not queued.
var ErrRunInProgress = errors.New("run already in progress")

// ErrInterrupted is returned when the run context ends mid-batch. Messages
// handled before that stay processed; the rest and the watermark are left
// for the next run.
var ErrInterrupted = errors.New("run interrupted")

// FetchError means the message source failed and the run was aborted
// before any state changed.
type FetchError struct {
	Source string
	Err    error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch from %s: %v", e.Source, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// Summary describes one run.
type Summary struct {
	RunID            string    `json:"runId"`
	StartedAt        time.Time `json:"startedAt"`
	FinishedAt       time.Time `json:"finishedAt"`
	Fetched          int       `json:"fetched"`
	Processed        int       `json:"processed"`
	Duplicates       int       `json:"duplicates"`
	Outbound         int       `json:"outbound"`
	Orders           int       `json:"orders"`
	ClassifyFailures int       `json:"classifyFailures"`
	LedgerFailures   int       `json:"ledgerFailures"`
	AlertFailures    int       `json:"alertFailures"`
	SinkFailures     int       `json:"sinkFailures"`
	Watermark        time.Time `json:"watermark"`
	Error            string    `json:"error,omitempty"`
}

// Status is a point-in-time view of pipeline state.
type Status struct {
	Watermark    time.Time         `json:"watermark"`
	ProcessedIDs int               `json:"processedIds"`
	Running      bool              `json:"running"`
	LastRun      *Summary          `json:"lastRun,omitempty"`
	Components   map[string]string `json:"components"`
}

// Pipeline owns the dedup set and the watermark. Run is safe to call from
// any number of goroutines; at most one run executes at a time.
type Pipeline struct {
	source     domain.MessageSource
	classifier domain.Classifier
	ledger     domain.OrderLedger
	alert      domain.AlertChannel
	store      domain.StateStore
	pageSize   int
	metrics    *metrics.Pipeline
	now        func() time.Time
	logger     *slog.Logger

	// guard is a single-permit semaphore shared by every trigger path.
	guard chan struct{}

	mu        sync.RWMutex
	processed map[string]struct{}
	watermark time.Time
	running   bool
	last      *Summary
}

type Config struct {
	Source     domain.MessageSource
	Classifier domain.Classifier
	Ledger     domain.OrderLedger
	Alert      domain.AlertChannel
	// State defaults to an in-memory store.
	State           domain.StateStore
	PageSize        int
	InitialLookback time.Duration
	// Metrics defaults to a private collector.
	Metrics *metrics.Pipeline
	Now     func() time.Time
	Logger  *slog.Logger
}

// New builds a pipeline and restores state from cfg.State. Without a
// committed watermark the first fetch looks back InitialLookback.
func New(ctx context.Context, cfg Config) (*Pipeline, error) {
	if cfg.Source == nil || cfg.Classifier == nil || cfg.Ledger == nil || cfg.Alert == nil {
		return nil, errors.New("pipeline: source, classifier, ledger and alert are required")
	}
	if cfg.State == nil {
		cfg.State = state.NewMemory()
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = DefaultPageSize
	}
	if cfg.InitialLookback <= 0 {
		cfg.InitialLookback = DefaultInitialLookback
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.NewPipeline(metrics.NewCollector())
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	snap, err := cfg.State.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("load pipeline state: %w", err)
	}

	p := &Pipeline{
		source:     cfg.Source,
		classifier: cfg.Classifier,
		ledger:     cfg.Ledger,
		alert:      cfg.Alert,
		store:      cfg.State,
		pageSize:   cfg.PageSize,
		metrics:    cfg.Metrics,
		now:        cfg.Now,
		logger:     cfg.Logger,
		guard:      make(chan struct{}, 1),
		processed:  make(map[string]struct{}, len(snap.ProcessedIDs)),
		watermark:  snap.Watermark,
	}
	for _, id := range snap.ProcessedIDs {
		p.processed[id] = struct{}{}
	}
	if p.watermark.IsZero() {
		p.watermark = p.now().Add(-cfg.InitialLookback)
	}

	p.metrics.Watermark.Set(p.watermark.Unix())
	p.metrics.ProcessedIDs.Set(int64(len(p.processed)))
	p.logger.Info("pipeline ready",
		"watermark", p.watermark.Format(time.RFC3339),
		"processed_ids", len(p.processed),
		"source", p.source.Name(),
		"classifier", p.classifier.Name(),
		"ledger", p.ledger.Name(),
		"alert", p.alert.Name(),
	)
	return p, nil
}

// Run executes one intake pass. It returns ErrRunInProgress without side
// effects when another run holds the guard, and a *FetchError when the
// source fails. Per-message failures never surface as an error. When ctx
// ends mid-batch the run stops before the next message and returns an error
// wrapping ErrInterrupted.
func (p *Pipeline) Run(ctx context.Context) (Summary, error) {
	select {
	case p.guard <- struct{}{}:
	default:
		p.metrics.RunsSkipped.Inc()
		return Summary{}, ErrRunInProgress
	}
	defer func() { <-p.guard }()

	p.setRunning(true)
	defer p.setRunning(false)

	p.metrics.Runs.Inc()
	sum := Summary{RunID: uuid.NewString(), StartedAt: p.now()}
	logger := p.logger.With("run_id", sum.RunID)

	p.mu.RLock()
	since := p.watermark
	p.mu.RUnlock()

	msgs, err := p.source.FetchSince(ctx, since, p.pageSize)
	if err != nil {
		p.metrics.FetchFailures.Inc()
		ferr := &FetchError{Source: p.source.Name(), Err: err}
		sum.FinishedAt = p.now()
		sum.Watermark = since
		sum.Error = ferr.Error()
		logger.Error("fetch failed, run aborted", "since", since.Format(time.RFC3339), "err", err)
		p.finish(sum)
		return sum, ferr
	}
	sum.Fetched = len(msgs)
	logger.Info("fetched messages", "since", since.Format(time.RFC3339), "count", len(msgs))

	// A message already started runs to completion under the per-call
	// timeouts of each component; cancellation is observed between messages.
	msgCtx := context.WithoutCancel(ctx)

	var newIDs []string
	var runErr error
	for i, msg := range msgs {
		if err := ctx.Err(); err != nil {
			runErr = fmt.Errorf("%w with %d of %d messages left: %w", ErrInterrupted, len(msgs)-i, len(msgs), err)
			break
		}
		if p.isProcessed(msg.ID) {
			sum.Duplicates++
			continue
		}
		p.handle(msgCtx, logger, msg, &sum)
		p.markProcessed(msg.ID)
		newIDs = append(newIDs, msg.ID)
		sum.Processed++
	}

	// The watermark moves to local now, never backwards, and only after the
	// whole batch was handled.
	p.mu.Lock()
	if runErr == nil {
		if next := p.now(); next.After(p.watermark) {
			p.watermark = next
		}
	}
	sum.Watermark = p.watermark
	size := len(p.processed)
	p.mu.Unlock()

	if err := p.store.Commit(msgCtx, sum.Watermark, newIDs); err != nil {
		p.metrics.StateFailures.Inc()
		logger.Error("state commit failed", "err", err)
	}

	sum.SinkFailures = sum.LedgerFailures + sum.AlertFailures
	sum.FinishedAt = p.now()

	p.metrics.Processed.Add(int64(sum.Processed))
	p.metrics.Duplicates.Add(int64(sum.Duplicates))
	p.metrics.Outbound.Add(int64(sum.Outbound))
	p.metrics.Orders.Add(int64(sum.Orders))
	p.metrics.Watermark.Set(sum.Watermark.Unix())
	p.metrics.ProcessedIDs.Set(int64(size))

	if runErr != nil {
		p.metrics.RunsInterrupted.Inc()
		sum.Error = runErr.Error()
		logger.Warn("run interrupted, remaining messages left for the next run",
			"processed", sum.Processed, "orders", sum.Orders, "err", runErr)
		p.finish(sum)
		return sum, runErr
	}

	logger.Info("run complete",
		"fetched", sum.Fetched,
		"processed", sum.Processed,
		"duplicates", sum.Duplicates,
		"orders", sum.Orders,
		"classify_failures", sum.ClassifyFailures,
		"sink_failures", sum.SinkFailures,
		"duration", sum.FinishedAt.Sub(sum.StartedAt),
	)
	p.finish(sum)
	return sum, nil
}

// handle classifies one message and fans out a detected order. It never fails.
func (p *Pipeline) handle(ctx context.Context, logger *slog.Logger, msg domain.Message, sum *Summary) {
	if !msg.Inbound() {
		sum.Outbound++
		return
	}

	start := time.Now()
	var judgment domain.OrderJudgment
	err := safely(func() error {
		var cerr error
		judgment, cerr = p.classifier.Classify(ctx, msg)
		return cerr
	})
	p.metrics.ClassifyLatency.Observe(time.Since(start).Seconds())
	if err != nil {
		sum.ClassifyFailures++
		p.metrics.ClassifyFailures.Inc()
		logger.Warn("classification failed, treating as not an order", "message_id", msg.ID, "err", err)
		judgment = domain.NotOrder()
	}
	logger.Debug("classified", "message_id", msg.ID, "is_order", judgment.IsOrder, "body", msg.Body)

	if !judgment.IsOrder {
		return
	}
	sum.Orders++

	if err := safely(func() error { return p.ledger.Append(ctx, judgment, msg) }); err != nil {
		sum.LedgerFailures++
		p.metrics.LedgerFailures.Inc()
		logger.Error("ledger append failed", "message_id", msg.ID, "ledger", p.ledger.Name(), "err", err)
	}
	if err := safely(func() error { return p.alert.Notify(ctx, judgment, msg) }); err != nil {
		sum.AlertFailures++
		p.metrics.AlertFailures.Inc()
		logger.Error("alert failed", "message_id", msg.ID, "alert", p.alert.Name(), "err", err)
	}
}

// safely runs fn, converting a panic into an error.
func safely(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return fn()
}

func (p *Pipeline) isProcessed(id string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	_, ok := p.processed[id]
	return ok
}

func (p *Pipeline) markProcessed(id string) {
	p.mu.Lock()
	p.processed[id] = struct{}{}
	p.mu.Unlock()
}

func (p *Pipeline) setRunning(v bool) {
	p.mu.Lock()
	p.running = v
	p.mu.Unlock()
}

func (p *Pipeline) finish(sum Summary) {
	p.mu.Lock()
	p.last = &sum
	p.mu.Unlock()
	p.metrics.RunDuration.Observe(sum.FinishedAt.Sub(sum.StartedAt).Seconds())
}

// Watermark returns the current fetch lower bound.
func (p *Pipeline) Watermark() time.Time {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.watermark
}

// Processed reports whether id is in the dedup set.
func (p *Pipeline) Processed(id string) bool {
	return p.isProcessed(id)
}

func (p *Pipeline) Status() Status {
	p.mu.RLock()
	defer p.mu.RUnlock()
	st := Status{
		Watermark:    p.watermark,
		ProcessedIDs: len(p.processed),
		Running:      p.running,
		Components: map[string]string{
			"source":     p.source.Name(),
			"classifier": p.classifier.Name(),
			"ledger":     p.ledger.Name(),
			"alert":      p.alert.Name(),
		},
	}
	if p.last != nil {
		last := *p.last
		st.LastRun = &last
	}
	return st
}
