package completion

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/vnmchuo/llm-relay/internal/history"
	"github.com/vnmchuo/llm-relay/internal/provider"
)

// Client sends one conversation to one provider and classifies the result.
type Client struct {
	transports map[string]provider.Transport
	policy     RetryPolicy
	tracer     trace.Tracer

	breakerFailures uint32
	breakerTimeout  time.Duration

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
}

type Option func(*Client)

func WithRetryPolicy(p RetryPolicy) Option {
	return func(c *Client) {
		if p.MaxAttempts <= 0 {
			p.MaxAttempts = 1
		}
		c.policy = p
	}
}

func WithTracer(t trace.Tracer) Option {
	return func(c *Client) {
		if t != nil {
			c.tracer = t
		}
	}
}

// WithBreaker opens a provider's breaker after failures consecutive transport
// errors and keeps it open for openFor.
func WithBreaker(failures uint32, openFor time.Duration) Option {
	return func(c *Client) {
		c.breakerFailures = failures
		c.breakerTimeout = openFor
	}
}

// NewClient builds a Client over transports keyed by upstream name.
func NewClient(transports map[string]provider.Transport, opts ...Option) *Client {
	c := &Client{
		transports:      transports,
		policy:          DefaultRetryPolicy(),
		tracer:          otel.GetTracerProvider().Tracer("llm-relay/completion"),
		breakerFailures: 3,
		breakerTimeout:  30 * time.Second,
		breakers:        make(map[string]*gobreaker.CircuitBreaker),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) breaker(label string) *gobreaker.CircuitBreaker {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cb, ok := c.breakers[label]; ok {
		return cb
	}
	failures := c.breakerFailures
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        label,
		MaxRequests: 1,
		Timeout:     c.breakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return failures > 0 && counts.ConsecutiveFailures >= failures
		},
		// Quota answers prove the provider is reachable.
		IsSuccessful: func(err error) bool {
			var rl *provider.RateLimitError
			return err == nil || errors.As(err, &rl)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			slog.Info("provider breaker state changed", "provider", name, "from", from.String(), "to", to.String())
		},
	})
	c.breakers[label] = cb
	return cb
}

// Send issues the history to spec's provider, retrying transport failures per the
// retry policy, and returns exactly one classified Outcome. It never mutates messages.
func (c *Client) Send(ctx context.Context, spec provider.Spec, messages []history.Message, timeout time.Duration, maxTokens int) Outcome {
	ctx, span := c.tracer.Start(ctx, "completion.send")
	defer span.End()
	span.SetAttributes(
		attribute.String("provider", spec.Label),
		attribute.String("model", spec.ModelID),
		attribute.String("upstream", spec.Upstream),
	)

	out := c.send(ctx, spec, messages, timeout, maxTokens)

	span.SetAttributes(
		attribute.String("outcome", out.Kind.String()),
		attribute.Int("attempts", out.Attempts),
	)
	if out.Kind == KindTransportError {
		if code := statusCode(out.Err); code != 0 {
			span.SetAttributes(attribute.Int("http.status_code", code))
		}
		span.RecordError(out.Err)
		span.SetStatus(codes.Error, "transport error")
	}
	return out
}

func (c *Client) send(ctx context.Context, spec provider.Spec, messages []history.Message, timeout time.Duration, maxTokens int) Outcome {
	transport, ok := c.transports[spec.Upstream]
	if !ok {
		return TransportError(fmt.Errorf("no transport configured for upstream %q", spec.Upstream))
	}

	req := &provider.Request{
		Model:     spec.ModelID,
		Messages:  toProviderMessages(messages),
		MaxTokens: maxTokens,
	}
	cb := c.breaker(spec.Label)
	started := time.Now()
	attempts := 0

	operation := func() (*provider.Response, error) {
		attempts++
		callCtx, cancel := ctx, context.CancelFunc(func() {})
		if timeout > 0 {
			callCtx, cancel = context.WithTimeout(ctx, timeout)
		}
		defer cancel()

		res, err := cb.Execute(func() (interface{}, error) {
			return transport.Complete(callCtx, req)
		})
		if err == nil {
			return res.(*provider.Response), nil
		}

		var rl *provider.RateLimitError
		switch {
		case errors.As(err, &rl):
			return nil, backoff.Permanent(err)
		case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
			return nil, backoff.Permanent(err)
		case ctx.Err() != nil:
			return nil, backoff.Permanent(err)
		}
		slog.WarnContext(ctx, "completion attempt failed",
			"provider", spec.Label, "model", spec.ModelID, "attempt", attempts,
			"status", statusCode(err), "err", err)
		return nil, err
	}

	resp, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(c.policy.NewBackOff()),
		backoff.WithMaxTries(uint(c.policy.MaxAttempts)),
	)

	var out Outcome
	var rl *provider.RateLimitError
	switch {
	case err == nil && strings.TrimSpace(resp.Content) == "":
		out = Empty()
	case err == nil:
		out = Success(strings.TrimSpace(resp.Content))
	case errors.As(err, &rl):
		out = RateLimited(rl.ResetAt)
	default:
		out = TransportError(err)
	}

	out.Attempts = attempts
	out.Latency = time.Since(started)
	if resp != nil {
		out.Model = resp.Model
		out.InputTokens = resp.InputTokens
		out.OutputTokens = resp.OutputTokens
	}
	if out.Model == "" {
		out.Model = spec.ModelID
	}
	return out
}

// statusCode returns the upstream HTTP status carried by err, or 0.
func statusCode(err error) int {
	var se interface{ HTTPStatusCode() int }
	if errors.As(err, &se) {
		return se.HTTPStatusCode()
	}
	return 0
}

func toProviderMessages(msgs []history.Message) []provider.Message {
	out := make([]provider.Message, len(msgs))
	for i, m := range msgs {
		out[i] = provider.Message{Role: string(m.Role), Content: m.Content}
	}
	return out
}
