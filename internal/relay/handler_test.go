package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	extratelimit "github.com/vnmchuo/ratelimiter"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/vnmchuo/llm-relay/internal/usage"
	"github.com/vnmchuo/llm-relay/pkg/ratelimit"
)

type mockReplier struct {
	reply Reply
	err   error
	got   []Inbound
}

func (m *mockReplier) Handle(ctx context.Context, in Inbound) (Reply, error) {
	m.got = append(m.got, in)
	return m.reply, m.err
}

type mockUsageStore struct {
	records  []*usage.Record
	total    int64
	err      error
	from, to time.Time
}

func (m *mockUsageStore) LogUsage(ctx context.Context, rec *usage.Record) error { return nil }

func (m *mockUsageStore) GetUsageByConversation(ctx context.Context, key string, from, to time.Time) ([]*usage.Record, error) {
	m.from, m.to = from, to
	return m.records, m.err
}

func (m *mockUsageStore) GetTotalTokens(ctx context.Context, key string, from, to time.Time) (int64, error) {
	return m.total, m.err
}

type mockLimiterStore struct {
	allowed bool
	err     error
}

func (m *mockLimiterStore) AllowN(ctx context.Context, key string, n int) (*extratelimit.Result, error) {
	return &extratelimit.Result{Allowed: m.allowed}, m.err
}

func (m *mockLimiterStore) Allow(ctx context.Context, key string) (*extratelimit.Result, error) {
	return &extratelimit.Result{Allowed: m.allowed}, m.err
}

func (m *mockLimiterStore) Status(ctx context.Context, key string) (*extratelimit.Result, error) {
	return &extratelimit.Result{Allowed: m.allowed}, m.err
}

func setupHandler(replier *mockReplier, limiterAllowed bool) (http.Handler, *mockUsageStore) {
	store := &mockUsageStore{}
	limiter := ratelimit.NewTestLimiter(&mockLimiterStore{allowed: limiterAllowed})
	h := NewHandler(replier, store, limiter, noop.NewTracerProvider().Tracer("test"))

	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	h.Routes(r)
	return r, store
}

func postMessage(t *testing.T, srv http.Handler, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest("POST", "/v1/messages", strings.NewReader(body))
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)
	return w
}

func TestHandleMessage_Success(t *testing.T) {
	replier := &mockReplier{reply: Reply{
		Text:       "<b>hi</b>",
		MarkupMode: "safe-subset",
		Provider:   "deepseek",
		Status:     StatusAnswered,
	}}
	srv, _ := setupHandler(replier, true)

	body, _ := json.Marshal(map[string]string{"conversation_key": "k1", "text": "hello"})
	req := httptest.NewRequest("POST", "/v1/messages", bytes.NewReader(body))
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var resp map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if resp["rendered_text"] != "<b>hi</b>" || resp["markup_mode"] != "safe-subset" || resp["provider"] != "deepseek" {
		t.Errorf("Unexpected response %v", resp)
	}
	if resp["request_id"] == "" || resp["request_id"] == nil {
		t.Errorf("Expected request_id, got %v", resp["request_id"])
	}
	if len(replier.got) != 1 || replier.got[0].ConversationKey != "k1" || replier.got[0].Text != "hello" {
		t.Errorf("Unexpected inbound %+v", replier.got)
	}
	if replier.got[0].RequestID != resp["request_id"] {
		t.Errorf("Request id not propagated: %q vs %v", replier.got[0].RequestID, resp["request_id"])
	}
}

func TestHandleMessage_InvalidBody(t *testing.T) {
	srv, _ := setupHandler(&mockReplier{}, true)
	w := postMessage(t, srv, `{invalid json}`)

	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected 400, got %d", w.Code)
	}
	var resp map[string]string
	json.Unmarshal(w.Body.Bytes(), &resp)
	if resp["error"] != "invalid request body" {
		t.Errorf("Expected invalid request body error, got %v", resp["error"])
	}
}

func TestHandleMessage_MissingKey(t *testing.T) {
	replier := &mockReplier{}
	srv, _ := setupHandler(replier, true)
	w := postMessage(t, srv, `{"text":"hi"}`)

	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected 400, got %d", w.Code)
	}
	if len(replier.got) != 0 {
		t.Error("Expected pipeline not to run")
	}
}

func TestHandleMessage_EmptyText(t *testing.T) {
	srv, _ := setupHandler(&mockReplier{err: ErrEmptyText}, true)
	w := postMessage(t, srv, `{"conversation_key":"k","text":"  "}`)

	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected 400, got %d", w.Code)
	}
	var resp map[string]string
	json.Unmarshal(w.Body.Bytes(), &resp)
	if resp["error"] != ErrEmptyText.Error() {
		t.Errorf("Unexpected error %q", resp["error"])
	}
}

func TestHandleMessage_RateLimited(t *testing.T) {
	replier := &mockReplier{}
	srv, _ := setupHandler(replier, false)
	w := postMessage(t, srv, `{"conversation_key":"k","text":"hi"}`)

	if w.Code != http.StatusTooManyRequests {
		t.Errorf("Expected 429, got %d", w.Code)
	}
	if w.Header().Get("Retry-After") != "60" {
		t.Errorf("Expected Retry-After: 60, got %s", w.Header().Get("Retry-After"))
	}
	if len(replier.got) != 0 {
		t.Error("Expected pipeline not to run")
	}
}

func TestHandleMessage_NoLimiter(t *testing.T) {
	replier := &mockReplier{reply: Reply{Text: "ok", Status: StatusAnswered}}
	h := NewHandler(replier, &mockUsageStore{}, nil, noop.NewTracerProvider().Tracer("test"))

	req := httptest.NewRequest("POST", "/v1/messages", strings.NewReader(`{"conversation_key":"k","text":"hi"}`))
	w := httptest.NewRecorder()
	h.HandleMessage(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("Expected 200, got %d", w.Code)
	}
}

func TestHandleMessage_UnexpectedError(t *testing.T) {
	srv, _ := setupHandler(&mockReplier{err: errors.New("boom")}, true)
	w := postMessage(t, srv, `{"conversation_key":"k","text":"hi"}`)

	if w.Code != http.StatusInternalServerError {
		t.Errorf("Expected 500, got %d", w.Code)
	}
	if strings.Contains(w.Body.String(), "boom") {
		t.Errorf("Internal error leaked: %s", w.Body.String())
	}
}

func TestHandleUsage(t *testing.T) {
	srv, store := setupHandler(&mockReplier{}, true)
	store.records = []*usage.Record{{ConversationKey: "k", Provider: "deepseek", InputTokens: 3, OutputTokens: 4}}
	store.total = 7

	req := httptest.NewRequest("GET", "/v1/usage?conversation_key=k&from=2026-01-01T00:00:00Z", nil)
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}
	var resp map[string]any
	json.Unmarshal(w.Body.Bytes(), &resp)
	if resp["total_requests"] != float64(1) || resp["total_tokens"] != float64(7) {
		t.Errorf("Unexpected usage response %v", resp)
	}
	if !store.from.Equal(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("Expected from to be parsed, got %v", store.from)
	}
}

func TestHandleUsage_BadRequests(t *testing.T) {
	srv, _ := setupHandler(&mockReplier{}, true)
	for _, target := range []string{
		"/v1/usage",
		"/v1/usage?conversation_key=k&from=yesterday",
		"/v1/usage?conversation_key=k&to=tomorrow",
	} {
		w := httptest.NewRecorder()
		srv.ServeHTTP(w, httptest.NewRequest("GET", target, nil))
		if w.Code != http.StatusBadRequest {
			t.Errorf("%s: expected 400, got %d", target, w.Code)
		}
	}
}

func TestHandleUsage_StoreError(t *testing.T) {
	srv, store := setupHandler(&mockReplier{}, true)
	store.err = errors.New("db down")

	w := httptest.NewRecorder()
	srv.ServeHTTP(w, httptest.NewRequest("GET", "/v1/usage?conversation_key=k", nil))
	if w.Code != http.StatusInternalServerError {
		t.Errorf("Expected 500, got %d", w.Code)
	}
}

func TestHandleHealth(t *testing.T) {
	srv, _ := setupHandler(&mockReplier{}, true)
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, httptest.NewRequest("GET", "/healthz", nil))
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), `"status":"ok"`) {
		t.Errorf("Unexpected health response %d %s", w.Code, w.Body.String())
	}
}
