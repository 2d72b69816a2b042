package provider

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Upstream transport names accepted in a registry entry.
const (
	UpstreamOpenAI = "openai"
	UpstreamGemini = "gemini"
	UpstreamClaude = "claude"
)

var ErrMalformedResponse = errors.New("malformed upstream response")

type Request struct {
	Model     string
	Messages  []Message
	MaxTokens int
}

type Message struct {
	Role    string // "user", "assistant", "system"
	Content string
}

// Response is a well-formed upstream answer. Content may be empty.
type Response struct {
	ID           string
	Content      string
	InputTokens  int
	OutputTokens int
	Model        string
	Provider     string
}

// Transport sends one completion request over one upstream wire protocol.
// Implementations return *RateLimitError for quota exhaustion, *StatusError for
// other non-success answers and ErrMalformedResponse for undecodable bodies.
type Transport interface {
	Complete(ctx context.Context, req *Request) (*Response, error)
	Name() string
}

// StatusError captures non-2xx upstream responses.
type StatusError struct {
	Provider   string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s api error (status %d): %s", e.Provider, e.StatusCode, e.Body)
}

func (e *StatusError) HTTPStatusCode() int {
	return e.StatusCode
}

// RateLimitError reports upstream quota exhaustion. ResetAt is nil when the
// upstream gave no usable reset hint.
type RateLimitError struct {
	Provider string
	ResetAt  *time.Time
	Body     string
}

func (e *RateLimitError) Error() string {
	if e.ResetAt == nil {
		return fmt.Sprintf("%s api rate limited", e.Provider)
	}
	return fmt.Sprintf("%s api rate limited until %s", e.Provider, e.ResetAt.UTC().Format(time.RFC3339))
}
