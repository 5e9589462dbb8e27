// Package scheduler fires pipeline runs on two fixed cron cadences in a
// configured timezone.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"orderdesk/internal/pipeline"
)

const (
	DefaultJobTimeout = 5 * time.Minute
	maxRunRecords     = 100
)

// Cadence names.
const (
	Primary   = "primary"
	Secondary = "secondary"
)

// RunFunc executes one pipeline run.
type RunFunc func(ctx context.Context) (pipeline.Summary, error)

// RunRecord tracks one scheduled execution.
type RunRecord struct {
	Cadence   string    `json:"cadence"`
	RunID     string    `json:"runId,omitempty"`
	StartedAt time.Time `json:"startedAt"`
	Duration  string    `json:"duration"`
	Success   bool      `json:"success"`
	Skipped   bool      `json:"skipped,omitempty"`
	Error     string    `json:"error,omitempty"`
}

// CadenceInfo describes one registered cadence.
type CadenceInfo struct {
	Name string    `json:"name"`
	Spec string    `json:"spec"`
	Next time.Time `json:"next"`
}

// Info is the scheduler part of the status report.
type Info struct {
	Timezone string        `json:"timezone"`
	Running  bool          `json:"running"`
	Cadences []CadenceInfo `json:"cadences"`
	Runs     []RunRecord   `json:"runs"`
	Skipped  int           `json:"skipped"`
}

type Config struct {
	Primary    string
	Secondary  string
	Location   *time.Location
	JobTimeout time.Duration
	Run        RunFunc
	Logger     *slog.Logger
}

type cadence struct {
	name     string
	spec     string
	schedule cron.Schedule
}

// Scheduler owns the cron runner. Overlapping fires are not queued: the
// pipeline guard rejects them and the skip is recorded here.
type Scheduler struct {
	cron       *cron.Cron
	cadences   []cadence
	loc        *time.Location
	jobTimeout time.Duration
	run        RunFunc
	logger     *slog.Logger
	now        func() time.Time

	mu      sync.RWMutex
	runs    []RunRecord
	skipped int
	started bool
}

// New validates both cron expressions and registers them. An empty
// expression disables that cadence.
func New(cfg Config) (*Scheduler, error) {
	if cfg.Run == nil {
		return nil, errors.New("scheduler: run func is required")
	}
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = DefaultJobTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	cl := cronLogger{logger: cfg.Logger}
	s := &Scheduler{
		cron: cron.New(
			cron.WithLocation(cfg.Location),
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl)),
		),
		loc:        cfg.Location,
		jobTimeout: cfg.JobTimeout,
		run:        cfg.Run,
		logger:     cfg.Logger,
		now:        time.Now,
	}

	for _, c := range []struct{ name, spec string }{{Primary, cfg.Primary}, {Secondary, cfg.Secondary}} {
		if c.spec == "" {
			continue
		}
		sched, err := Parse(c.spec)
		if err != nil {
			return nil, fmt.Errorf("%s cadence: %w", c.name, err)
		}
		name := c.name
		s.cron.Schedule(sched, cron.FuncJob(func() { s.execute(name) }))
		s.cadences = append(s.cadences, cadence{name: name, spec: c.spec, schedule: sched})
	}
	return s, nil
}

// Parse parses a standard five-field cron expression or a descriptor such
// as @hourly.
func Parse(spec string) (cron.Schedule, error) {
	sched, err := cron.ParseStandard(spec)
	if err != nil {
		return nil, fmt.Errorf("invalid cron schedule %q: %w", spec, err)
	}
	return sched, nil
}

// Start runs the cron loop until ctx is cancelled, then waits for any
// in-flight job to finish.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	s.started = true
	s.mu.Unlock()

	s.cron.Start()
	s.logger.Info("scheduler started", "timezone", s.loc.String(), "cadences", len(s.cadences))

	<-ctx.Done()
	stopped := s.cron.Stop()
	<-stopped.Done()

	s.mu.Lock()
	s.started = false
	s.mu.Unlock()
	s.logger.Info("scheduler stopped")
	return nil
}

// RunNow executes the named cadence's job synchronously.
func (s *Scheduler) RunNow(name string) error {
	for _, c := range s.cadences {
		if c.name == name {
			s.execute(name)
			return nil
		}
	}
	return fmt.Errorf("cadence %s not found", name)
}

func (s *Scheduler) execute(name string) {
	start := s.now()
	ctx, cancel := context.WithTimeout(context.Background(), s.jobTimeout)
	defer cancel()

	sum, err := s.run(ctx)
	duration := s.now().Sub(start)

	record := RunRecord{
		Cadence:   name,
		RunID:     sum.RunID,
		StartedAt: start,
		Duration:  duration.String(),
		Success:   err == nil,
	}
	switch {
	case errors.Is(err, pipeline.ErrRunInProgress):
		record.Skipped = true
		record.Error = err.Error()
		s.logger.Warn("scheduled run skipped, previous run still in flight", "cadence", name)
	case errors.Is(err, pipeline.ErrInterrupted):
		record.Error = err.Error()
		s.logger.Warn("scheduled run hit its job timeout, remaining messages carry over",
			"cadence", name, "run_id", sum.RunID, "processed", sum.Processed, "duration", duration)
	case err != nil:
		record.Error = err.Error()
		s.logger.Error("scheduled run failed", "cadence", name, "err", err, "duration", duration)
	default:
		s.logger.Info("scheduled run completed", "cadence", name, "run_id", sum.RunID,
			"orders", sum.Orders, "duration", duration)
	}

	s.mu.Lock()
	if record.Skipped {
		s.skipped++
	}
	s.runs = append(s.runs, record)
	if len(s.runs) > maxRunRecords {
		s.runs = s.runs[len(s.runs)-maxRunRecords/2:]
	}
	s.mu.Unlock()
}

// Next returns the next fire time of each cadence after the current time.
func (s *Scheduler) Next() map[string]time.Time {
	now := s.now().In(s.loc)
	next := make(map[string]time.Time, len(s.cadences))
	for _, c := range s.cadences {
		next[c.name] = c.schedule.Next(now)
	}
	return next
}

// Runs returns the recent run records, oldest first.
func (s *Scheduler) Runs() []RunRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]RunRecord, len(s.runs))
	copy(out, s.runs)
	return out
}

func (s *Scheduler) Info() Info {
	next := s.Next()
	info := Info{Timezone: s.loc.String(), Runs: s.Runs()}
	for _, c := range s.cadences {
		info.Cadences = append(info.Cadences, CadenceInfo{Name: c.name, Spec: c.spec, Next: next[c.name]})
	}
	s.mu.RLock()
	info.Running = s.started
	info.Skipped = s.skipped
	s.mu.RUnlock()
	return info
}

// cronLogger adapts slog to cron.Logger.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debug("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Error("cron: "+msg, append(keysAndValues, "err", err)...)
}
