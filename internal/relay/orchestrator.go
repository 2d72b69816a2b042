package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/vnmchuo/llm-relay/internal/completion"
	"github.com/vnmchuo/llm-relay/internal/history"
	"github.com/vnmchuo/llm-relay/internal/markup"
	"github.com/vnmchuo/llm-relay/internal/provider"
	"github.com/vnmchuo/llm-relay/internal/usage"
)

var (
	ErrEmptyText  = errors.New("message text is empty")
	ErrMissingKey = errors.New("conversation key is required")
)

const (
	DefaultApology       = "Sorry, something went wrong while processing your request. Please try again later."
	DefaultQuotaTemplate = "The request quota for the language models is exhausted. Limits reset at %s."
	resetTimeLayout      = "2006-01-02 15:04 MST"
)

type Status string

const (
	StatusAnswered    Status = "answered"
	StatusRateLimited Status = "rate_limited"
	StatusExhausted   Status = "exhausted"
)

// Sender is the Completion Client as seen by the orchestrator.
type Sender interface {
	Send(ctx context.Context, spec provider.Spec, messages []history.Message, timeout time.Duration, maxTokens int) completion.Outcome
}

type usageLogger interface {
	LogUsage(ctx context.Context, rec *usage.Record) error
}

// Inbound is one unit of work: a user's text for one conversation.
type Inbound struct {
	ConversationKey string
	Text            string
	RequestID       string
}

// Reply is always displayable: every terminal path carries a human-readable Text.
type Reply struct {
	Text       string `json:"rendered_text"`
	MarkupMode string `json:"markup_mode"`
	Provider   string `json:"provider,omitempty"`
	Model      string `json:"model,omitempty"`
	Status     Status `json:"status"`
}

type Config struct {
	MaxHistory int
	MaxTokens  int
	Timeout    time.Duration
	// StopOnFirstRateLimit ends the request on the first rate-limited provider.
	// When false, rate-limited providers are skipped like empty ones.
	StopOnFirstRateLimit bool
	// Location is the reference timezone for reset times in the quota message.
	Location      *time.Location
	Apology       string
	QuotaTemplate string
}

func DefaultConfig() Config {
	return Config{
		MaxHistory:           10,
		MaxTokens:            1024,
		Timeout:              60 * time.Second,
		StopOnFirstRateLimit: true,
		Location:             time.UTC,
		Apology:              DefaultApology,
		QuotaTemplate:        DefaultQuotaTemplate,
	}
}

// Orchestrator walks the provider registry in order until one provider answers.
type Orchestrator struct {
	registry *provider.Registry
	sender   Sender
	store    *history.Store
	usage    usageLogger
	cfg      Config
	tracer   trace.Tracer

	pending sync.WaitGroup
}

type Option func(*Orchestrator)

func WithUsage(u usageLogger) Option {
	return func(o *Orchestrator) { o.usage = u }
}

func WithTracer(t trace.Tracer) Option {
	return func(o *Orchestrator) {
		if t != nil {
			o.tracer = t
		}
	}
}

func NewOrchestrator(registry *provider.Registry, sender Sender, store *history.Store, cfg Config, opts ...Option) *Orchestrator {
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if cfg.Apology == "" {
		cfg.Apology = DefaultApology
	}
	if cfg.QuotaTemplate == "" {
		cfg.QuotaTemplate = DefaultQuotaTemplate
	}
	o := &Orchestrator{
		registry: registry,
		sender:   sender,
		store:    store,
		cfg:      cfg,
		tracer:   otel.GetTracerProvider().Tracer("llm-relay/relay"),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Labels lists the configured providers in fallback order.
func (o *Orchestrator) Labels() []string {
	return o.registry.Labels()
}

// Handle runs one pipeline. The only errors are input errors; provider and store
// failures are reported through the Reply text.
func (o *Orchestrator) Handle(ctx context.Context, in Inbound) (Reply, error) {
	text := strings.TrimSpace(in.Text)
	if in.ConversationKey == "" {
		return Reply{}, ErrMissingKey
	}
	if text == "" {
		return Reply{}, ErrEmptyText
	}

	ctx, span := o.tracer.Start(ctx, "relay.reply")
	defer span.End()
	span.SetAttributes(
		attribute.String("conversation_key", in.ConversationKey),
		attribute.String("request_id", in.RequestID),
	)

	unlock := o.store.Lock(in.ConversationKey)
	defer unlock()

	conv, err := o.store.Append(ctx, in.ConversationKey, history.Message{Role: history.RoleUser, Content: text}, o.cfg.MaxHistory)
	persist := true
	if err != nil {
		slog.WarnContext(ctx, "history unavailable, continuing in memory", "key", in.ConversationKey, "err", err)
		// A failed load leaves conv without the stored past; writing it back would erase it.
		var storeErr *history.StoreError
		persist = errors.As(err, &storeErr) && storeErr.Op != "load"
	}

	reply := o.attempt(ctx, in, conv, persist)
	span.SetAttributes(
		attribute.String("status", string(reply.Status)),
		attribute.String("provider", reply.Provider),
	)
	return reply, nil
}

func (o *Orchestrator) attempt(ctx context.Context, in Inbound, conv history.Conversation, persist bool) Reply {
	var (
		rateLimited bool
		earliest    *time.Time
	)

	for _, spec := range o.registry.Specs() {
		if ctx.Err() != nil {
			break
		}
		out := o.sender.Send(ctx, spec, conv.Messages, o.cfg.Timeout, o.cfg.MaxTokens)

		switch out.Kind {
		case completion.KindSuccess:
			if persist {
				o.remember(ctx, conv, out.Content)
			}
			o.recordUsage(in, spec, out)
			return Reply{
				Text:       markup.Render(out.Content),
				MarkupMode: markup.Mode,
				Provider:   spec.Label,
				Model:      out.Model,
				Status:     StatusAnswered,
			}

		case completion.KindRateLimited:
			slog.WarnContext(ctx, "provider rate limited",
				"key", in.ConversationKey, "provider", spec.Label, "attempt", out.Attempts, "reset_at", out.ResetAt)
			if o.cfg.StopOnFirstRateLimit {
				return o.quotaReply(out.ResetAt)
			}
			rateLimited = true
			earliest = earlier(earliest, out.ResetAt)

		case completion.KindEmpty:
			slog.WarnContext(ctx, "provider returned empty answer",
				"key", in.ConversationKey, "provider", spec.Label, "attempt", out.Attempts)

		case completion.KindTransportError:
			slog.ErrorContext(ctx, "provider failed",
				"key", in.ConversationKey, "provider", spec.Label, "attempt", out.Attempts, "err", out.Err)
		}
	}

	if rateLimited {
		return o.quotaReply(earliest)
	}
	slog.ErrorContext(ctx, "all providers exhausted", "key", in.ConversationKey, "providers", o.registry.Len())
	return Reply{
		Text:       markup.PlainText(o.cfg.Apology),
		MarkupMode: markup.Mode,
		Status:     StatusExhausted,
	}
}

// remember saves the turn's conversation plus the answer as the whole record, so the
// user message is persisted even when its own write failed.
func (o *Orchestrator) remember(ctx context.Context, conv history.Conversation, content string) {
	conv = history.AppendTo(conv, history.Message{Role: history.RoleAssistant, Content: content}, o.cfg.MaxHistory)
	if err := o.store.Save(ctx, conv, o.cfg.MaxHistory); err != nil {
		slog.WarnContext(ctx, "failed to persist assistant message", "key", conv.Key, "err", err)
	}
}

func (o *Orchestrator) quotaReply(resetAt *time.Time) Reply {
	return Reply{
		Text:       markup.PlainText(fmt.Sprintf(o.cfg.QuotaTemplate, FormatReset(resetAt, o.cfg.Location))),
		MarkupMode: markup.Mode,
		Status:     StatusRateLimited,
	}
}

// FormatReset renders a reset instant in loc, or "unknown" when there is none.
func FormatReset(resetAt *time.Time, loc *time.Location) string {
	if resetAt == nil {
		return "unknown"
	}
	return resetAt.In(loc).Format(resetTimeLayout)
}

func earlier(a, b *time.Time) *time.Time {
	switch {
	case a == nil:
		return b
	case b == nil:
		return a
	case b.Before(*a):
		return b
	}
	return a
}

func (o *Orchestrator) recordUsage(in Inbound, spec provider.Spec, out completion.Outcome) {
	if o.usage == nil {
		return
	}
	rec := &usage.Record{
		ConversationKey: in.ConversationKey,
		RequestID:       in.RequestID,
		Provider:        spec.Label,
		Model:           out.Model,
		InputTokens:     out.InputTokens,
		OutputTokens:    out.OutputTokens,
		Attempts:        out.Attempts,
		LatencyMs:       out.Latency.Milliseconds(),
	}
	o.pending.Add(1)
	go func() {
		defer o.pending.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := o.usage.LogUsage(ctx, rec); err != nil {
			slog.Warn("failed to log usage", "key", rec.ConversationKey, "provider", rec.Provider, "err", err)
		}
	}()
}

// Wait blocks until background usage writes have finished.
func (o *Orchestrator) Wait() {
	o.pending.Wait()
}
