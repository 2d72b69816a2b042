package relay

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/vnmchuo/llm-relay/internal/usage"
	"github.com/vnmchuo/llm-relay/pkg/ratelimit"
)

// Replier runs one inbound message through the pipeline.
type Replier interface {
	Handle(ctx context.Context, in Inbound) (Reply, error)
}

type Handler struct {
	relay   Replier
	usage   usage.Store
	limiter *ratelimit.Limiter
	tracer  trace.Tracer
}

// NewHandler builds the HTTP surface. A nil limiter disables inbound rate limiting.
func NewHandler(relay Replier, usage usage.Store, limiter *ratelimit.Limiter, tracer trace.Tracer) *Handler {
	return &Handler{
		relay:   relay,
		usage:   usage,
		limiter: limiter,
		tracer:  tracer,
	}
}

// Routes mounts the API on r.
func (h *Handler) Routes(r chi.Router) {
	r.Get("/healthz", h.HandleHealth)
	r.Post("/v1/messages", h.HandleMessage)
	r.Get("/v1/usage", h.HandleUsage)
}

type messageRequest struct {
	ConversationKey string `json:"conversation_key"`
	Text            string `json:"text"`
}

type messageResponse struct {
	Reply
	RequestID string `json:"request_id"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func (h *Handler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "service": "llm-relay"})
}

func (h *Handler) HandleMessage(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	requestID := chimiddleware.GetReqID(ctx)
	if requestID == "" {
		requestID = uuid.New().String()
	}

	var req messageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	ctx, span := h.tracer.Start(ctx, "relay.message")
	defer span.End()
	span.SetAttributes(
		attribute.String("conversation_key", req.ConversationKey),
		attribute.String("request_id", requestID),
	)

	if req.ConversationKey == "" {
		writeError(w, http.StatusBadRequest, ErrMissingKey.Error())
		return
	}

	if h.limiter != nil {
		allowed, err := h.limiter.Allow(ctx, req.ConversationKey)
		if err != nil {
			slog.WarnContext(ctx, "rate limiter unavailable", "key", req.ConversationKey, "err", err)
		}
		if err != nil || !allowed {
			w.Header().Set("Retry-After", "60")
			writeJSON(w, http.StatusTooManyRequests, map[string]string{
				"error":       "rate limit exceeded",
				"retry_after": "60s",
			})
			return
		}
	}

	reply, err := h.relay.Handle(ctx, Inbound{
		ConversationKey: req.ConversationKey,
		Text:            req.Text,
		RequestID:       requestID,
	})
	switch {
	case errors.Is(err, ErrEmptyText), errors.Is(err, ErrMissingKey):
		writeError(w, http.StatusBadRequest, err.Error())
		return
	case err != nil:
		slog.ErrorContext(ctx, "relay failed", "key", req.ConversationKey, "err", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	writeJSON(w, http.StatusOK, messageResponse{Reply: reply, RequestID: requestID})
}

func (h *Handler) HandleUsage(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	key := r.URL.Query().Get("conversation_key")
	if key == "" {
		writeError(w, http.StatusBadRequest, "conversation_key is required")
		return
	}

	now := time.Now()
	from := now.AddDate(0, 0, -30)
	to := now

	if s := r.URL.Query().Get("from"); s != "" {
		t, err := time.Parse(time.RFC3339, s)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid 'from' date format (use RFC3339)")
			return
		}
		from = t
	}
	if s := r.URL.Query().Get("to"); s != "" {
		t, err := time.Parse(time.RFC3339, s)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid 'to' date format (use RFC3339)")
			return
		}
		to = t
	}

	records, err := h.usage.GetUsageByConversation(ctx, key, from, to)
	if err != nil {
		slog.ErrorContext(ctx, "usage query failed", "key", key, "err", err)
		writeError(w, http.StatusInternalServerError, "failed to load usage")
		return
	}
	total, err := h.usage.GetTotalTokens(ctx, key, from, to)
	if err != nil {
		slog.ErrorContext(ctx, "usage total failed", "key", key, "err", err)
		writeError(w, http.StatusInternalServerError, "failed to load usage")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"conversation_key": key,
		"total_requests":   len(records),
		"total_tokens":     total,
		"records":          records,
		"from":             from,
		"to":               to,
	})
}
