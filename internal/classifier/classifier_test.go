package classifier

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"orderdesk/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// mockProvider returns canned content or an error and records requests.
type mockProvider struct {
	mu       sync.Mutex
	content  string
	err      error
	delay    time.Duration
	requests []domain.ChatRequest
}

func (m *mockProvider) Name() string                     { return "mock" }
func (m *mockProvider) Healthy(ctx context.Context) error { return nil }

func (m *mockProvider) Chat(ctx context.Context, req domain.ChatRequest) (*domain.ChatResponse, error) {
	m.mu.Lock()
	m.requests = append(m.requests, req)
	m.mu.Unlock()
	if m.delay > 0 {
		select {
		case <-time.After(m.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if m.err != nil {
		return nil, m.err
	}
	return &domain.ChatResponse{Content: m.content}, nil
}

func testMessage() domain.Message {
	return domain.Message{
		ID:        "SM1",
		Direction: domain.DirectionInbound,
		From:      "+15551234567",
		Body:      "Hi, this is Dana. 2 dozen oysters and 1 lb shrimp for pickup at 5pm. $45",
		CreatedAt: time.Date(2024, 3, 1, 14, 30, 0, 0, time.UTC),
	}
}

// --- Classify ---

func TestClassify_Order(t *testing.T) {
	p := &mockProvider{content: `{"isOrder":true,"customerName":"Dana","customerPhone":"+15551234567","products":["oysters","shrimp"],"quantities":["2 dozen","1 lb"],"totalAmount":"$45","specialRequests":"pickup at 5pm","urgency":"urgent","extractedText":"2 dozen oysters and 1 lb shrimp"}`}
	c := New(Config{Provider: p, Logger: testLogger()})

	j, err := c.Classify(context.Background(), testMessage())
	if err != nil {
		t.Fatalf("classify: %v", err)
	}
	if !j.IsOrder {
		t.Fatal("expected order")
	}
	if j.CustomerName != "Dana" || j.TotalAmount != "$45" || j.Urgency != domain.UrgencyUrgent {
		t.Fatalf("unexpected judgment: %+v", j)
	}
	if len(j.Products) != 2 || j.Products[1] != "shrimp" || j.Quantities[0] != "2 dozen" {
		t.Fatalf("unexpected lists: %+v / %+v", j.Products, j.Quantities)
	}
}

func TestClassify_RequestShape(t *testing.T) {
	p := &mockProvider{content: `{"isOrder":false}`}
	c := New(Config{Provider: p, Model: "gpt-4o-mini", Logger: testLogger()})

	if _, err := c.Classify(context.Background(), testMessage()); err != nil {
		t.Fatalf("classify: %v", err)
	}
	if len(p.requests) != 1 {
		t.Fatalf("expected exactly one call, got %d", len(p.requests))
	}
	req := p.requests[0]
	if req.Temperature != DefaultTemperature || req.MaxTokens != DefaultMaxTokens {
		t.Fatalf("unexpected sampling params: temp=%v max=%d", req.Temperature, req.MaxTokens)
	}
	if !req.JSONMode || req.Model != "gpt-4o-mini" {
		t.Fatalf("unexpected request: %+v", req)
	}
	if len(req.Messages) != 2 || req.Messages[0].Role != "system" {
		t.Fatalf("expected system + user messages, got %+v", req.Messages)
	}
	user := req.Messages[1].Content
	for _, want := range []string{"+15551234567", "2 dozen oysters", "2024"} {
		if !strings.Contains(user, want) {
			t.Errorf("user prompt missing %q", want)
		}
	}
}

func TestClassify_ZeroTemperatureHonored(t *testing.T) {
	p := &mockProvider{content: `{"isOrder":false}`}
	zero := 0.0
	c := New(Config{Provider: p, Temperature: &zero, Logger: testLogger()})
	c.Classify(context.Background(), testMessage())
	if p.requests[0].Temperature != 0 {
		t.Fatalf("expected temperature 0, got %v", p.requests[0].Temperature)
	}
}

func TestClassify_NotOrder(t *testing.T) {
	p := &mockProvider{content: `{"isOrder": false}`}
	c := New(Config{Provider: p, Logger: testLogger()})
	j, err := c.Classify(context.Background(), testMessage())
	if err != nil || j.IsOrder {
		t.Fatalf("expected clean not-order, got %+v, %v", j, err)
	}
}

func TestClassify_ProviderErrorIsNotOrder(t *testing.T) {
	p := &mockProvider{err: errors.New("openai 500: boom")}
	c := New(Config{Provider: p, Logger: testLogger()})

	j, err := c.Classify(context.Background(), testMessage())
	if err == nil {
		t.Fatal("expected error")
	}
	if j.IsOrder {
		t.Fatal("expected not-order on provider failure")
	}
	if len(p.requests) != 1 {
		t.Fatalf("expected no retry, got %d calls", len(p.requests))
	}
}

func TestClassify_MalformedIsNotOrder(t *testing.T) {
	p := &mockProvider{content: "Sure! This looks like an order for oysters."}
	c := New(Config{Provider: p, Logger: testLogger()})

	j, err := c.Classify(context.Background(), testMessage())
	if !errors.Is(err, ErrMalformedResponse) {
		t.Fatalf("expected ErrMalformedResponse, got %v", err)
	}
	if j.IsOrder {
		t.Fatal("expected not-order on malformed output")
	}
}

func TestClassify_Timeout(t *testing.T) {
	p := &mockProvider{content: `{"isOrder":true}`, delay: time.Second}
	c := New(Config{Provider: p, Timeout: 20 * time.Millisecond, Logger: testLogger()})

	start := time.Now()
	j, err := c.Classify(context.Background(), testMessage())
	if err == nil || j.IsOrder {
		t.Fatalf("expected timeout not-order, got %+v, %v", j, err)
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
	if time.Since(start) > 500*time.Millisecond {
		t.Fatal("timeout not enforced")
	}
}

func TestDisabled(t *testing.T) {
	j, err := Disabled{}.Classify(context.Background(), testMessage())
	if !errors.Is(err, domain.ErrNotConfigured) || j.IsOrder {
		t.Fatalf("expected not-configured not-order, got %+v, %v", j, err)
	}
}

// --- Parser ---

func TestParseJudgment_CodeFence(t *testing.T) {
	content := "```json\n{\"isOrder\":true,\"customerName\":\"Lee\",\"products\":[\"crab\"],\"quantities\":[\"2\"],\"urgency\":\"asap\"}\n```"
	j, err := parseJudgment(content)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if !j.IsOrder || j.CustomerName != "Lee" || j.Urgency != domain.UrgencyASAP {
		t.Fatalf("unexpected judgment: %+v", j)
	}
}

func TestParseJudgment_SurroundedByProse(t *testing.T) {
	content := `Here is the result: {"isOrder":true,"customerName":"Sam","products":["lobster"],"quantities":["1"]} Hope that helps!`
	j, err := parseJudgment(content)
	if err != nil || !j.IsOrder || j.Products[0] != "lobster" {
		t.Fatalf("unexpected: %+v, %v", j, err)
	}
}

func TestParseJudgment_Normalization(t *testing.T) {
	content := `{"isOrder":"true","customerName":"","customerPhone":"","products":"salmon","quantities":[2],"totalAmount":"","specialRequests":null,"urgency":"whenever"}`
	j, err := parseJudgment(content)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if !j.IsOrder {
		t.Fatal("string true should be accepted")
	}
	if j.CustomerName != "Unknown" || j.CustomerPhone != "Unknown" {
		t.Fatalf("expected Unknown placeholders, got %q / %q", j.CustomerName, j.CustomerPhone)
	}
	if j.TotalAmount != "TBD" {
		t.Fatalf("expected TBD, got %q", j.TotalAmount)
	}
	if j.Urgency != domain.UrgencyNormal {
		t.Fatalf("unknown urgency should be normal, got %q", j.Urgency)
	}
	if len(j.Products) != 1 || j.Products[0] != "salmon" {
		t.Fatalf("single string products not wrapped: %+v", j.Products)
	}
	if len(j.Quantities) != 1 || j.Quantities[0] != "2" {
		t.Fatalf("numeric quantities not stringified: %+v", j.Quantities)
	}
	if j.SpecialRequests != "" {
		t.Fatalf("null special requests should be empty, got %q", j.SpecialRequests)
	}
}

func TestParseJudgment_NumericTotal(t *testing.T) {
	j, err := parseJudgment(`{"isOrder":true,"totalAmount":45.5}`)
	if err != nil || j.TotalAmount != "45.5" {
		t.Fatalf("unexpected: %q, %v", j.TotalAmount, err)
	}
}

func TestParseJudgment_MissingIsOrder(t *testing.T) {
	j, err := parseJudgment(`{"customerName":"Dana","products":["oysters"]}`)
	if err != nil || j.IsOrder {
		t.Fatalf("missing isOrder should be not-order, got %+v, %v", j, err)
	}
	if j.CustomerName != "" {
		t.Fatal("not-order should carry no fields")
	}
}

func TestParseJudgment_InvalidEscapes(t *testing.T) {
	j, err := parseJudgment(`{"isOrder":true,"totalAmount":"\$45"}`)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if j.TotalAmount != "$45" {
		t.Fatalf("expected $45, got %q", j.TotalAmount)
	}
}

func TestParseJudgment_Truncated(t *testing.T) {
	_, err := parseJudgment(`{"isOrder":true,"customerName":"Da`)
	if !errors.Is(err, ErrMalformedResponse) {
		t.Fatalf("expected ErrMalformedResponse, got %v", err)
	}
}

func TestFindJSONBounds_BracesInStrings(t *testing.T) {
	s := `x {"a":"}{","b":{"c":1}} y`
	start, end := findJSONBounds(s)
	if got := s[start:end]; got != `{"a":"}{","b":{"c":1}}` {
		t.Fatalf("unexpected bounds: %q", got)
	}
}

// --- Limiter ---

// fakeNow is a manually advanced clock.
type fakeNow struct{ t time.Time }

func (f *fakeNow) Now() time.Time          { return f.t }
func (f *fakeNow) Advance(d time.Duration) { f.t = f.t.Add(d) }

func newTestLimiter(perMinute, burst int) (*Limiter, *fakeNow) {
	clk := &fakeNow{t: time.Date(2024, 3, 1, 14, 0, 0, 0, time.UTC)}
	l := NewLimiter(perMinute, burst)
	l.now = clk.Now
	return l, clk
}

func TestLimiter_BurstThenSpacing(t *testing.T) {
	l, clk := newTestLimiter(60, 3)
	for i := 0; i < 3; i++ {
		if d, err := l.reserve(time.Time{}, false); err != nil || d != 0 {
			t.Fatalf("burst call %d: delay=%v err=%v", i, d, err)
		}
	}
	if d, _ := l.reserve(time.Time{}, false); d != time.Second {
		t.Fatalf("fourth call should wait one interval, got %v", d)
	}
	if d, _ := l.reserve(time.Time{}, false); d != 2*time.Second {
		t.Fatalf("fifth call should wait two intervals, got %v", d)
	}

	// An idle minute refills the burst, but never beyond it.
	clk.Advance(time.Minute)
	for i := 0; i < 3; i++ {
		if d, _ := l.reserve(time.Time{}, false); d != 0 {
			t.Fatalf("refilled call %d waited %v", i, d)
		}
	}
	if d, _ := l.reserve(time.Time{}, false); d != time.Second {
		t.Fatalf("burst must not grow past its size, got %v", d)
	}
}

func TestLimiter_SlotPastDeadlineIsNotBooked(t *testing.T) {
	l, clk := newTestLimiter(6, 1) // one call every 10s
	if _, err := l.reserve(time.Time{}, false); err != nil {
		t.Fatal(err)
	}
	deadline := clk.Now().Add(5 * time.Second)
	if _, err := l.reserve(deadline, true); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("expected ErrRateLimited, got %v", err)
	}
	// The refused slot is still free for the next caller.
	if d, _ := l.reserve(time.Time{}, false); d != 10*time.Second {
		t.Fatalf("expected 10s delay, got %v", d)
	}
}

func TestLimiter_WaitHonorsDeadline(t *testing.T) {
	l := NewLimiter(1, 1)
	if err := l.Wait(context.Background()); err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	start := time.Now()
	if err := l.Wait(ctx); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("expected ErrRateLimited, got %v", err)
	}
	if time.Since(start) > 40*time.Millisecond {
		t.Fatal("an unreachable slot should fail without sleeping")
	}
}

func TestLimiter_WaitsForSlot(t *testing.T) {
	l := NewLimiter(600, 1) // 100ms interval
	ctx := context.Background()
	if err := l.Wait(ctx); err != nil {
		t.Fatal(err)
	}
	start := time.Now()
	if err := l.Wait(ctx); err != nil {
		t.Fatal(err)
	}
	if elapsed := time.Since(start); elapsed < 50*time.Millisecond {
		t.Fatalf("expected to wait for the next slot, got %v", elapsed)
	}
}

func TestLimiter_CancelledContext(t *testing.T) {
	l := NewLimiter(60, 1)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := l.Wait(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestNewLimiter_Defaults(t *testing.T) {
	l := NewLimiter(0, 0)
	if l.lim.Limit() != 1 || l.lim.Burst() != DefaultBurst {
		t.Fatalf("limit=%v burst=%d", l.lim.Limit(), l.lim.Burst())
	}
	if l := NewLimiter(2, 0); l.lim.Burst() != 2 {
		t.Fatalf("burst should be capped at the per-minute budget, got %d", l.lim.Burst())
	}
}

// --- truncate ---

func TestTruncate_KeepsRunesWhole(t *testing.T) {
	s := "ab🦪🦪🦪" // each oyster is four bytes
	got := truncate(s, 4)
	if got != "ab..." {
		t.Fatalf("truncate = %q", got)
	}
	if !utf8.ValidString(truncate(s, 7)) {
		t.Fatalf("invalid UTF-8: %q", truncate(s, 7))
	}
	if truncate(s, 6) != "ab🦪..." {
		t.Fatalf("truncate at a boundary = %q", truncate(s, 6))
	}
	if truncate("short", 10) != "short" {
		t.Fatal("short strings are returned unchanged")
	}
}
