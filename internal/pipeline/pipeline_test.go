package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"orderdesk/internal/domain"
	"orderdesk/internal/metrics"
	"orderdesk/internal/state"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// --- Fakes ---

type fakeSource struct {
	mu      sync.Mutex
	batches [][]domain.Message // returned in turn; the last one repeats
	err     error
	block   chan struct{} // when set, FetchSince waits for it to close
	entered chan struct{}
	since   []time.Time
}

func (s *fakeSource) Name() string { return "fake-source" }

func (s *fakeSource) FetchSince(ctx context.Context, since time.Time, limit int) ([]domain.Message, error) {
	s.mu.Lock()
	s.since = append(s.since, since)
	block, entered := s.block, s.entered
	s.mu.Unlock()

	if entered != nil {
		entered <- struct{}{}
	}
	if block != nil {
		<-block
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	if len(s.batches) == 0 {
		return []domain.Message{}, nil
	}
	b := s.batches[0]
	if len(s.batches) > 1 {
		s.batches = s.batches[1:]
	}
	return b, nil
}

type fakeClassifier struct {
	mu        sync.Mutex
	judgments map[string]domain.OrderJudgment // by message id
	errs      map[string]error
	panicOn   string
	onCall    func(id string) // runs before the judgment is returned
	calls     []string
	ctxErrs   []error
}

func (c *fakeClassifier) Name() string { return "fake-classifier" }

func (c *fakeClassifier) Classify(ctx context.Context, msg domain.Message) (domain.OrderJudgment, error) {
	c.mu.Lock()
	c.calls = append(c.calls, msg.ID)
	onCall := c.onCall
	c.mu.Unlock()
	if onCall != nil {
		onCall(msg.ID)
	}
	c.mu.Lock()
	c.ctxErrs = append(c.ctxErrs, ctx.Err())
	c.mu.Unlock()
	if msg.ID == c.panicOn {
		panic("classifier exploded")
	}
	if err := c.errs[msg.ID]; err != nil {
		return domain.NotOrder(), err
	}
	if j, ok := c.judgments[msg.ID]; ok {
		return j, nil
	}
	return domain.NotOrder(), nil
}

type fakeSink struct {
	mu    sync.Mutex
	err   error
	calls []string
}

func (s *fakeSink) record(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, id)
	return s.err
}

func (s *fakeSink) Calls() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.calls...)
}

type fakeLedger struct{ fakeSink }

func (l *fakeLedger) Name() string                { return "fake-ledger" }
func (l *fakeLedger) Setup(context.Context) error { return nil }
func (l *fakeLedger) Append(ctx context.Context, order domain.OrderJudgment, msg domain.Message) error {
	return l.record(msg.ID)
}

type fakeAlert struct{ fakeSink }

func (a *fakeAlert) Name() string { return "fake-alert" }
func (a *fakeAlert) Notify(ctx context.Context, order domain.OrderJudgment, msg domain.Message) error {
	return a.record(msg.ID)
}

type failingStore struct{ *state.Memory }

func (failingStore) Commit(context.Context, time.Time, []string) error {
	return errors.New("disk full")
}

// clock advances by one second on every read.
type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Second)
	return c.now
}

type harness struct {
	source     *fakeSource
	classifier *fakeClassifier
	ledger     *fakeLedger
	alert      *fakeAlert
	store      domain.StateStore
	metrics    *metrics.Pipeline
	clock      *clock
	p          *Pipeline
}

func newHarness(t *testing.T, batches ...[]domain.Message) *harness {
	t.Helper()
	h := &harness{
		source:     &fakeSource{batches: batches},
		classifier: &fakeClassifier{judgments: map[string]domain.OrderJudgment{}, errs: map[string]error{}},
		ledger:     &fakeLedger{},
		alert:      &fakeAlert{},
		store:      state.NewMemory(),
		metrics:    metrics.NewPipeline(metrics.NewCollector()),
		clock:      &clock{now: time.Date(2024, 3, 1, 14, 0, 0, 0, time.UTC)},
	}
	h.build(t)
	return h
}

func (h *harness) build(t *testing.T) {
	t.Helper()
	p, err := New(context.Background(), Config{
		Source:     h.source,
		Classifier: h.classifier,
		Ledger:     h.ledger,
		Alert:      h.alert,
		State:      h.store,
		Metrics:    h.metrics,
		Now:        h.clock.Now,
		Logger:     testLogger(),
	})
	require.NoError(t, err)
	h.p = p
}

func inbound(id, body string) domain.Message {
	return domain.Message{ID: id, Direction: domain.DirectionInbound, From: "+15551234", Body: body, CreatedAt: time.Date(2024, 3, 1, 13, 30, 0, 0, time.UTC)}
}

func outbound(id, body string) domain.Message {
	m := inbound(id, body)
	m.Direction = domain.DirectionOutbound
	return m
}

func janeOrder() domain.OrderJudgment {
	return domain.OrderJudgment{
		IsOrder:       true,
		CustomerName:  "Jane",
		CustomerPhone: "555-1234",
		Products:      []string{"oysters"},
		Quantities:    []string{"2 dozen"},
		TotalAmount:   "TBD",
		Urgency:       domain.UrgencyNormal,
	}
}

// --- Scenarios ---

func TestRun_BasicOrder(t *testing.T) {
	h := newHarness(t, []domain.Message{inbound("SM1", "2 dozen oysters for pickup tomorrow, this is Jane 555-1234")})
	h.classifier.judgments["SM1"] = janeOrder()

	sum, err := h.p.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, sum.Fetched)
	assert.Equal(t, 1, sum.Processed)
	assert.Equal(t, 1, sum.Orders)
	assert.Zero(t, sum.SinkFailures)
	assert.NotEmpty(t, sum.RunID)
	assert.Equal(t, []string{"SM1"}, h.ledger.Calls())
	assert.Equal(t, []string{"SM1"}, h.alert.Calls())
	assert.True(t, h.p.Processed("SM1"))
}

func TestRun_NonOrder(t *testing.T) {
	h := newHarness(t, []domain.Message{inbound("SM1", "what are your hours?")})

	sum, err := h.p.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 0, sum.Orders)
	assert.Empty(t, h.ledger.Calls())
	assert.Empty(t, h.alert.Calls())
	assert.True(t, h.p.Processed("SM1"))
}

func TestRun_ClassifierOutage(t *testing.T) {
	h := newHarness(t, []domain.Message{inbound("SM1", "2 dozen oysters"), inbound("SM2", "1 lobster")})
	h.classifier.errs["SM1"] = context.DeadlineExceeded
	h.classifier.judgments["SM2"] = janeOrder()

	sum, err := h.p.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, sum.ClassifyFailures)
	assert.Equal(t, 2, sum.Processed)
	assert.Equal(t, 1, sum.Orders)
	assert.Equal(t, []string{"SM2"}, h.ledger.Calls(), "failed classification must not reach the sinks")
	assert.True(t, h.p.Processed("SM1"))
	assert.Equal(t, int64(1), h.metrics.ClassifyFailures.Value())
}

func TestRun_ClassifierPanicIsContained(t *testing.T) {
	h := newHarness(t, []domain.Message{inbound("SM1", "boom"), inbound("SM2", "order")})
	h.classifier.panicOn = "SM1"
	h.classifier.judgments["SM2"] = janeOrder()

	sum, err := h.p.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, sum.ClassifyFailures)
	assert.Equal(t, 2, sum.Processed)
	assert.Equal(t, []string{"SM2"}, h.alert.Calls())
}

func TestRun_LedgerOutageAlertHealthy(t *testing.T) {
	h := newHarness(t, []domain.Message{inbound("SM1", "2 dozen oysters"), inbound("SM2", "3 crabs")})
	h.classifier.judgments["SM1"] = janeOrder()
	h.classifier.judgments["SM2"] = janeOrder()
	h.ledger.err = errors.New("sheets 503")

	sum, err := h.p.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []string{"SM1", "SM2"}, h.alert.Calls(), "alert must be attempted despite ledger failure")
	assert.Equal(t, 2, sum.LedgerFailures)
	assert.Equal(t, 0, sum.AlertFailures)
	assert.Equal(t, 2, sum.SinkFailures)
	assert.True(t, h.p.Processed("SM1"))
	assert.True(t, h.p.Processed("SM2"))
}

func TestRun_AlertOutageLedgerHealthy(t *testing.T) {
	h := newHarness(t, []domain.Message{inbound("SM1", "2 dozen oysters")})
	h.classifier.judgments["SM1"] = janeOrder()
	h.alert.err = errors.New("webhook 500")

	sum, err := h.p.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []string{"SM1"}, h.ledger.Calls())
	assert.Equal(t, 1, sum.AlertFailures)
	assert.Equal(t, 1, sum.SinkFailures)
	assert.True(t, h.p.Processed("SM1"))
}

func TestRun_SinksNotRetried(t *testing.T) {
	h := newHarness(t, []domain.Message{inbound("SM1", "order")})
	h.classifier.judgments["SM1"] = janeOrder()
	h.ledger.err = errors.New("down")
	h.alert.err = errors.New("down")

	_, err := h.p.Run(context.Background())
	require.NoError(t, err)
	_, err = h.p.Run(context.Background())
	require.NoError(t, err)

	assert.Len(t, h.ledger.Calls(), 1)
	assert.Len(t, h.alert.Calls(), 1)
}

// --- Properties ---

func TestRun_Idempotent(t *testing.T) {
	h := newHarness(t, []domain.Message{inbound("SM1", "order")})
	h.classifier.judgments["SM1"] = janeOrder()

	_, err := h.p.Run(context.Background())
	require.NoError(t, err)
	// The source keeps returning the same batch.
	sum, err := h.p.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, sum.Duplicates)
	assert.Equal(t, 0, sum.Processed)
	assert.Len(t, h.ledger.Calls(), 1)
	assert.Len(t, h.alert.Calls(), 1)
}

func TestRun_DedupNeverReachesClassifier(t *testing.T) {
	h := newHarness(t,
		[]domain.Message{inbound("SM1", "a")},
		[]domain.Message{inbound("SM1", "a"), inbound("SM2", "b")},
	)

	_, err := h.p.Run(context.Background())
	require.NoError(t, err)
	sum, err := h.p.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []string{"SM1", "SM2"}, h.classifier.calls)
	assert.Equal(t, 1, sum.Duplicates)
	assert.Equal(t, 1, sum.Processed)
}

func TestRun_DuplicateWithinBatch(t *testing.T) {
	h := newHarness(t, []domain.Message{inbound("SM1", "a"), inbound("SM1", "a")})
	h.classifier.judgments["SM1"] = janeOrder()

	sum, err := h.p.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Processed)
	assert.Equal(t, 1, sum.Duplicates)
	assert.Len(t, h.ledger.Calls(), 1)
}

func TestRun_OutboundNeverClassified(t *testing.T) {
	h := newHarness(t, []domain.Message{outbound("SM1", "Thanks, see you at 5!"), inbound("SM2", "hi")})

	sum, err := h.p.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []string{"SM2"}, h.classifier.calls)
	assert.Equal(t, 1, sum.Outbound)
	assert.Equal(t, 2, sum.Processed)
	assert.True(t, h.p.Processed("SM1"), "outbound messages are marked processed")
}

func TestRun_OrderPreserved(t *testing.T) {
	batch := []domain.Message{inbound("SM3", "c"), inbound("SM1", "a"), inbound("SM2", "b")}
	h := newHarness(t, batch)
	for _, m := range batch {
		h.classifier.judgments[m.ID] = janeOrder()
	}

	_, err := h.p.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"SM3", "SM1", "SM2"}, h.classifier.calls)
	assert.Equal(t, []string{"SM3", "SM1", "SM2"}, h.ledger.Calls())
}

func TestRun_WatermarkAdvancesToNow(t *testing.T) {
	h := newHarness(t, []domain.Message{inbound("SM1", "a")})
	before := h.p.Watermark()

	sum, err := h.p.Run(context.Background())
	require.NoError(t, err)

	assert.True(t, sum.Watermark.After(before))
	assert.True(t, sum.Watermark.After(h.source.since[0]))
	assert.Equal(t, sum.Watermark, h.p.Watermark())

	// The next fetch starts from the advanced watermark.
	_, err = h.p.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, sum.Watermark, h.source.since[1])
}

func TestRun_EmptyBatchStillAdvances(t *testing.T) {
	h := newHarness(t)
	before := h.p.Watermark()

	sum, err := h.p.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, sum.Fetched)
	assert.True(t, h.p.Watermark().After(before))
}

func TestRun_WatermarkNeverMovesBackwards(t *testing.T) {
	h := newHarness(t)
	_, err := h.p.Run(context.Background())
	require.NoError(t, err)
	advanced := h.p.Watermark()

	h.clock.mu.Lock()
	h.clock.now = advanced.Add(-time.Hour)
	h.clock.mu.Unlock()

	_, err = h.p.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, advanced, h.p.Watermark())
}

func TestRun_FetchFailureMutatesNothing(t *testing.T) {
	h := newHarness(t, []domain.Message{inbound("SM1", "a")})
	h.source.err = errors.New("twilio 401: Authenticate")
	before := h.p.Watermark()

	sum, err := h.p.Run(context.Background())
	require.Error(t, err)

	var ferr *FetchError
	require.ErrorAs(t, err, &ferr)
	assert.Equal(t, "fake-source", ferr.Source)
	assert.Equal(t, before, h.p.Watermark())
	assert.Equal(t, before, sum.Watermark)
	assert.Empty(t, h.classifier.calls)
	assert.Equal(t, 0, h.p.Status().ProcessedIDs)
	assert.Equal(t, int64(1), h.metrics.FetchFailures.Value())

	snap, _ := h.store.Load(context.Background())
	assert.True(t, snap.Watermark.IsZero(), "nothing is committed on fetch failure")
}

func TestRun_InitialWatermarkUsesLookback(t *testing.T) {
	h := newHarness(t)
	// The clock ticks once during New.
	assert.Equal(t, time.Date(2024, 3, 1, 13, 0, 1, 0, time.UTC), h.p.Watermark())
}

// --- Cancellation ---

func TestRun_CancelMidBatchLeavesRestForNextRun(t *testing.T) {
	batch := []domain.Message{inbound("SM1", "a"), inbound("SM2", "b"), inbound("SM3", "c"), inbound("SM4", "d")}
	h := newHarness(t, batch)
	for _, m := range batch {
		h.classifier.judgments[m.ID] = janeOrder()
	}
	before := h.p.Watermark()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.classifier.onCall = func(id string) {
		if id == "SM2" {
			cancel()
		}
	}

	sum, err := h.p.Run(ctx)
	require.ErrorIs(t, err, ErrInterrupted)
	require.ErrorIs(t, err, context.Canceled)

	// The in-flight message completes against a live context.
	assert.Equal(t, []string{"SM1", "SM2"}, h.classifier.calls)
	assert.Equal(t, []error{nil, nil}, h.classifier.ctxErrs)
	assert.Equal(t, []string{"SM1", "SM2"}, h.ledger.Calls())
	assert.Equal(t, []string{"SM1", "SM2"}, h.alert.Calls())
	assert.Equal(t, 2, sum.Processed)
	assert.Equal(t, 2, sum.Orders)
	assert.Equal(t, 0, sum.ClassifyFailures)
	assert.NotEmpty(t, sum.Error)

	assert.True(t, h.p.Processed("SM2"))
	assert.False(t, h.p.Processed("SM3"))
	assert.False(t, h.p.Processed("SM4"))
	assert.Equal(t, before, h.p.Watermark(), "watermark holds until a batch completes")
	assert.Equal(t, int64(1), h.metrics.RunsInterrupted.Value())

	snap, _ := h.store.Load(context.Background())
	assert.ElementsMatch(t, []string{"SM1", "SM2"}, snap.ProcessedIDs)

	h.classifier.onCall = nil
	sum, err = h.p.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, sum.Duplicates)
	assert.Equal(t, 2, sum.Orders)
	assert.Equal(t, []string{"SM1", "SM2", "SM3", "SM4"}, h.ledger.Calls())
	assert.True(t, h.p.Watermark().After(before))
}

func TestRun_DeadlineNeverBurnsOrders(t *testing.T) {
	var batch []domain.Message
	for i := range 10 {
		batch = append(batch, inbound(fmt.Sprintf("SM%02d", i), "order"))
	}
	h := newHarness(t, batch)
	for _, m := range batch {
		h.classifier.judgments[m.ID] = janeOrder()
	}
	h.classifier.onCall = func(string) { time.Sleep(30 * time.Millisecond) }

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	sum, err := h.p.Run(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, sum.Processed, 10)
	assert.Equal(t, 0, sum.ClassifyFailures)
	assert.Equal(t, sum.Processed, sum.Orders)
	assert.Len(t, h.ledger.Calls(), sum.Processed)

	h.classifier.onCall = nil
	_, err = h.p.Run(context.Background())
	require.NoError(t, err)
	assert.Len(t, h.ledger.Calls(), 10, "every order reaches the ledger exactly once")
}

// --- Guard ---

func TestRun_ConcurrentTriggerIsSkipped(t *testing.T) {
	h := newHarness(t, []domain.Message{inbound("SM1", "a")})
	h.source.block = make(chan struct{})
	h.source.entered = make(chan struct{}, 1)

	done := make(chan error, 1)
	go func() {
		_, err := h.p.Run(context.Background())
		done <- err
	}()
	<-h.source.entered

	assert.True(t, h.p.Status().Running)
	_, err := h.p.Run(context.Background())
	assert.ErrorIs(t, err, ErrRunInProgress)
	assert.Equal(t, int64(1), h.metrics.RunsSkipped.Value())

	close(h.source.block)
	require.NoError(t, <-done)
	assert.False(t, h.p.Status().Running)

	// The guard is released after the run.
	h.source.mu.Lock()
	h.source.entered = nil
	h.source.mu.Unlock()
	_, err = h.p.Run(context.Background())
	assert.NoError(t, err)
}

func TestRun_ManyConcurrentTriggers(t *testing.T) {
	h := newHarness(t, []domain.Message{inbound("SM1", "a"), inbound("SM2", "b")})
	h.classifier.judgments["SM1"] = janeOrder()
	h.classifier.judgments["SM2"] = janeOrder()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h.p.Run(context.Background())
		}()
	}
	wg.Wait()

	// However the triggers interleave, each order is delivered once.
	assert.ElementsMatch(t, []string{"SM1", "SM2"}, h.ledger.Calls())
	assert.ElementsMatch(t, []string{"SM1", "SM2"}, h.alert.Calls())
}

// --- State ---

func TestRun_CommitsState(t *testing.T) {
	h := newHarness(t, []domain.Message{inbound("SM1", "a"), outbound("SM2", "b")})

	sum, err := h.p.Run(context.Background())
	require.NoError(t, err)

	snap, err := h.store.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, sum.Watermark, snap.Watermark)
	assert.ElementsMatch(t, []string{"SM1", "SM2"}, snap.ProcessedIDs)
}

func TestNew_RestoresState(t *testing.T) {
	h := newHarness(t, []domain.Message{inbound("SM1", "a")})
	h.classifier.judgments["SM1"] = janeOrder()
	_, err := h.p.Run(context.Background())
	require.NoError(t, err)
	wm := h.p.Watermark()

	// A new process over the same store does not redeliver.
	h.build(t)
	assert.Equal(t, wm, h.p.Watermark())
	assert.True(t, h.p.Processed("SM1"))

	_, err = h.p.Run(context.Background())
	require.NoError(t, err)
	assert.Len(t, h.ledger.Calls(), 1)
}

func TestRun_CommitFailureKeepsMemoryState(t *testing.T) {
	h := newHarness(t, []domain.Message{inbound("SM1", "a")})
	h.store = failingStore{state.NewMemory()}
	h.build(t)

	_, err := h.p.Run(context.Background())
	require.NoError(t, err, "commit failure is not a run failure")
	assert.True(t, h.p.Processed("SM1"))
	assert.Equal(t, int64(1), h.metrics.StateFailures.Value())
}

// --- Status ---

func TestStatus(t *testing.T) {
	h := newHarness(t, []domain.Message{inbound("SM1", "a")})
	st := h.p.Status()
	assert.Nil(t, st.LastRun)
	assert.Equal(t, "fake-ledger", st.Components["ledger"])

	sum, err := h.p.Run(context.Background())
	require.NoError(t, err)

	st = h.p.Status()
	require.NotNil(t, st.LastRun)
	assert.Equal(t, sum.RunID, st.LastRun.RunID)
	assert.Equal(t, 1, st.ProcessedIDs)
	assert.False(t, st.Running)
}

func TestNew_RequiresComponents(t *testing.T) {
	_, err := New(context.Background(), Config{Logger: testLogger()})
	assert.Error(t, err)
}
