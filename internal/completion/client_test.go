package completion

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/vnmchuo/llm-relay/internal/history"
	"github.com/vnmchuo/llm-relay/internal/provider"
)

type step struct {
	resp *provider.Response
	err  error
}

// scriptedTransport replays steps in order and repeats the last one.
type scriptedTransport struct {
	mu    sync.Mutex
	steps []step
	calls int
	reqs  []*provider.Request
	block bool
}

func (s *scriptedTransport) Complete(ctx context.Context, req *provider.Request) (*provider.Response, error) {
	s.mu.Lock()
	s.calls++
	s.reqs = append(s.reqs, req)
	idx := s.calls - 1
	if idx >= len(s.steps) {
		idx = len(s.steps) - 1
	}
	st := s.steps[idx]
	s.mu.Unlock()

	if s.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return st.resp, st.err
}

func (s *scriptedTransport) Name() string { return "openai" }

func newTestClient(tr provider.Transport, opts ...Option) *Client {
	base := []Option{
		WithRetryPolicy(ConstantRetry(2, time.Millisecond)),
		WithTracer(noop.NewTracerProvider().Tracer("test")),
	}
	return NewClient(map[string]provider.Transport{"openai": tr}, append(base, opts...)...)
}

var spec = provider.Spec{Label: "deepseek", ModelID: "deepseek/deepseek-r1:free", Upstream: "openai"}

var msgs = []history.Message{
	{Role: history.RoleSystem, Content: "sys"},
	{Role: history.RoleUser, Content: "hi"},
}

func TestSend_Success(t *testing.T) {
	tr := &scriptedTransport{steps: []step{{resp: &provider.Response{Content: "  hello \n", Model: "m", InputTokens: 3, OutputTokens: 4}}}}
	out := newTestClient(tr).Send(context.Background(), spec, msgs, time.Second, 512)

	if out.Kind != KindSuccess || out.Content != "hello" {
		t.Fatalf("Expected Success(hello), got %+v", out)
	}
	if out.Attempts != 1 || out.InputTokens != 3 || out.OutputTokens != 4 {
		t.Errorf("Unexpected outcome metadata: %+v", out)
	}
	req := tr.reqs[0]
	if req.Model != spec.ModelID || req.MaxTokens != 512 || len(req.Messages) != 2 || req.Messages[0].Role != "system" {
		t.Errorf("Unexpected upstream request: %+v", req)
	}
}

func TestSend_RetriesTransportErrors(t *testing.T) {
	tr := &scriptedTransport{steps: []step{
		{err: errors.New("connection reset")},
		{resp: &provider.Response{Content: "ok"}},
	}}
	out := newTestClient(tr).Send(context.Background(), spec, msgs, time.Second, 0)

	if out.Kind != KindSuccess || out.Attempts != 2 {
		t.Fatalf("Expected success on second attempt, got %+v", out)
	}
}

func TestSend_RetryExhausted(t *testing.T) {
	cause := &provider.StatusError{Provider: "openai", StatusCode: 502, Body: "bad gateway"}
	tr := &scriptedTransport{steps: []step{{err: cause}}}
	out := newTestClient(tr).Send(context.Background(), spec, msgs, time.Second, 0)

	if out.Kind != KindTransportError {
		t.Fatalf("Expected TransportError, got %+v", out)
	}
	if tr.calls != 2 || out.Attempts != 2 {
		t.Errorf("Expected 2 attempts, got calls=%d attempts=%d", tr.calls, out.Attempts)
	}
	var statusErr *provider.StatusError
	if !errors.As(out.Err, &statusErr) {
		t.Errorf("Expected last cause to be kept, got %v", out.Err)
	}
}

func TestSend_RateLimitNotRetried(t *testing.T) {
	reset := time.Date(2025, 3, 7, 0, 0, 0, 0, time.UTC)
	tr := &scriptedTransport{steps: []step{{err: &provider.RateLimitError{Provider: "openai", ResetAt: &reset}}}}
	out := newTestClient(tr).Send(context.Background(), spec, msgs, time.Second, 0)

	if out.Kind != KindRateLimited {
		t.Fatalf("Expected RateLimited, got %+v", out)
	}
	if out.ResetAt == nil || !out.ResetAt.Equal(reset) {
		t.Errorf("Expected reset %v, got %v", reset, out.ResetAt)
	}
	if tr.calls != 1 {
		t.Errorf("Expected 1 call, got %d", tr.calls)
	}
}

func TestSend_EmptyNotRetried(t *testing.T) {
	tr := &scriptedTransport{steps: []step{{resp: &provider.Response{Content: " \n "}}}}
	out := newTestClient(tr).Send(context.Background(), spec, msgs, time.Second, 0)

	if out.Kind != KindEmpty || tr.calls != 1 {
		t.Fatalf("Expected Empty after 1 call, got %+v (calls=%d)", out, tr.calls)
	}
}

func TestSend_TimeoutIsTransportError(t *testing.T) {
	tr := &scriptedTransport{steps: []step{{}}, block: true}
	out := newTestClient(tr).Send(context.Background(), spec, msgs, 20*time.Millisecond, 0)

	if out.Kind != KindTransportError {
		t.Fatalf("Expected TransportError, got %+v", out)
	}
	if !errors.Is(out.Err, context.DeadlineExceeded) {
		t.Errorf("Expected deadline exceeded, got %v", out.Err)
	}
	if tr.calls != 2 {
		t.Errorf("Expected timeouts to be retried, got %d calls", tr.calls)
	}
}

func TestSend_CancellationAbortsWithoutRetry(t *testing.T) {
	tr := &scriptedTransport{steps: []step{{}}, block: true}
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	out := newTestClient(tr).Send(ctx, spec, msgs, time.Minute, 0)
	if out.Kind != KindTransportError {
		t.Fatalf("Expected TransportError, got %+v", out)
	}
	if tr.calls != 1 {
		t.Errorf("Expected a single call after cancellation, got %d", tr.calls)
	}
}

func TestSend_BreakerOpensAfterConsecutiveFailures(t *testing.T) {
	tr := &scriptedTransport{steps: []step{{err: errors.New("dial tcp: refused")}}}
	c := newTestClient(tr, WithRetryPolicy(ConstantRetry(1, time.Millisecond)), WithBreaker(3, time.Minute))

	for i := 0; i < 3; i++ {
		c.Send(context.Background(), spec, msgs, time.Second, 0)
	}
	out := c.Send(context.Background(), spec, msgs, time.Second, 0)

	if out.Kind != KindTransportError || !errors.Is(out.Err, gobreaker.ErrOpenState) {
		t.Fatalf("Expected open breaker TransportError, got %+v", out)
	}
	if tr.calls != 3 {
		t.Errorf("Expected transport to be skipped while open, got %d calls", tr.calls)
	}
}

func TestSend_RateLimitsDoNotTripBreaker(t *testing.T) {
	tr := &scriptedTransport{steps: []step{{err: &provider.RateLimitError{Provider: "openai"}}}}
	c := newTestClient(tr, WithBreaker(2, time.Minute))

	for i := 0; i < 5; i++ {
		out := c.Send(context.Background(), spec, msgs, time.Second, 0)
		if out.Kind != KindRateLimited {
			t.Fatalf("call %d: expected RateLimited, got %+v", i, out)
		}
	}
}

func TestSend_UnknownUpstream(t *testing.T) {
	c := newTestClient(&scriptedTransport{steps: []step{{}}})
	out := c.Send(context.Background(), provider.Spec{Label: "x", ModelID: "m", Upstream: "gemini"}, msgs, time.Second, 0)
	if out.Kind != KindTransportError || out.Attempts != 0 {
		t.Fatalf("Expected TransportError without attempts, got %+v", out)
	}
}

func TestKind_String(t *testing.T) {
	want := map[Kind]string{
		KindSuccess:        "success",
		KindEmpty:          "empty",
		KindRateLimited:    "rate_limited",
		KindTransportError: "transport_error",
	}
	for k, s := range want {
		if k.String() != s {
			t.Errorf("Expected %s, got %s", s, k.String())
		}
	}
}

func TestStatusCode(t *testing.T) {
	wrapped := fmt.Errorf("send: %w", &provider.StatusError{Provider: "openai", StatusCode: 502})
	if got := statusCode(wrapped); got != 502 {
		t.Errorf("Expected 502, got %d", got)
	}
	if got := statusCode(errors.New("connection reset")); got != 0 {
		t.Errorf("Expected 0 for errors without a status, got %d", got)
	}
}
