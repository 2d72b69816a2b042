package main

import (
	"context"
	"errors"
	"log/slog"
	"os"

	"github.com/aws/aws-lambda-go/lambda"
	"github.com/aws/aws-lambda-go/lambdacontext"

	"github.com/vnmchuo/llm-relay/config"
	"github.com/vnmchuo/llm-relay/internal/app"
	"github.com/vnmchuo/llm-relay/internal/relay"
)

// Event is one inbound message.
type Event struct {
	ConversationKey string `json:"conversation_key"`
	Text            string `json:"text"`
}

type Response struct {
	RenderedText string `json:"rendered_text"`
	MarkupMode   string `json:"markup_mode"`
}

type invoker struct {
	relay relay.Replier
}

func newInvoker(r relay.Replier) (*invoker, error) {
	if r == nil {
		return nil, errors.New("relay must not be nil")
	}
	return &invoker{relay: r}, nil
}

// Handle runs one pipeline per invocation. Input errors fail the invocation;
// everything else is reported in the rendered text.
func (h *invoker) Handle(ctx context.Context, ev Event) (Response, error) {
	in := relay.Inbound{ConversationKey: ev.ConversationKey, Text: ev.Text}
	if lc, ok := lambdacontext.FromContext(ctx); ok {
		in.RequestID = lc.AwsRequestID
	}

	reply, err := h.relay.Handle(ctx, in)
	// The runtime freezes between invocations; flush background usage writes first.
	if w, ok := h.relay.(interface{ Wait() }); ok {
		w.Wait()
	}
	if err != nil {
		slog.WarnContext(ctx, "rejected invocation", "request_id", in.RequestID, "err", err)
		return Response{}, err
	}
	return Response{RenderedText: reply.Text, MarkupMode: reply.MarkupMode}, nil
}

func main() {
	ctx := context.Background()

	// ---- Configuration ----
	if os.Getenv("HISTORY_BACKEND") == "" {
		os.Setenv("HISTORY_BACKEND", config.BackendDynamoDB)
	}
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "err", err)
		os.Exit(1)
	}

	// ---- Pipeline ----
	a, err := app.New(ctx, cfg)
	if err != nil {
		slog.Error("failed to build relay", "err", err)
		os.Exit(1)
	}

	h, err := newInvoker(a.Orchestrator)
	if err != nil {
		slog.Error("failed to create handler", "err", err)
		os.Exit(1)
	}

	lambda.Start(h.Handle)
}
