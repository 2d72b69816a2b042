package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/vnmchuo/llm-relay/internal/provider"
)

// DefaultBaseURL points at OpenRouter, which speaks the OpenAI chat completions wire format.
const DefaultBaseURL = "https://openrouter.ai/api/v1"

type OpenAIProvider struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
	headers    map[string]string
	now        func() time.Time
}

type Option func(*OpenAIProvider)

func WithBaseURL(baseURL string) Option {
	return func(p *OpenAIProvider) {
		if baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/"); baseURL != "" {
			p.baseURL = baseURL
		}
	}
}

func WithHTTPClient(c *http.Client) Option {
	return func(p *OpenAIProvider) {
		if c != nil {
			p.httpClient = c
		}
	}
}

// WithHeader adds a static header to every request (OpenRouter's HTTP-Referer / X-Title).
func WithHeader(key, value string) Option {
	return func(p *OpenAIProvider) {
		p.headers[key] = value
	}
}

type openAIRequest struct {
	Model     string          `json:"model"`
	Messages  []openAIMessage `json:"messages"`
	MaxTokens int             `json:"max_tokens,omitempty"`
}

type openAIMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type openAIResponse struct {
	ID      string         `json:"id"`
	Choices []openAIChoice `json:"choices"`
	Usage   openAIUsage    `json:"usage"`
	Model   string         `json:"model"`
	Error   *openAIError   `json:"error,omitempty"`
}

type openAIChoice struct {
	Message openAIMessage `json:"message"`
}

type openAIUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
}

// openAIError covers both OpenRouter (numeric code, metadata) and OpenAI (string code) errors.
type openAIError struct {
	Code     json.RawMessage `json:"code"`
	Message  string          `json:"message"`
	Metadata struct {
		Headers map[string]json.RawMessage `json:"headers"`
	} `json:"metadata"`
}

func (e *openAIError) code() int {
	raw := strings.Trim(string(e.Code), `"`)
	n, err := strconv.Atoi(raw)
	if err != nil {
		if raw == "rate_limit_exceeded" {
			return http.StatusTooManyRequests
		}
		return 0
	}
	return n
}

func (e *openAIError) resetHint() string {
	raw, ok := e.Metadata.Headers["X-RateLimit-Reset"]
	if !ok {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}

func New(apiKey string, opts ...Option) provider.Transport {
	p := &OpenAIProvider{
		apiKey:     apiKey,
		baseURL:    DefaultBaseURL,
		httpClient: http.DefaultClient,
		headers:    map[string]string{},
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *OpenAIProvider) Complete(ctx context.Context, req *provider.Request) (*provider.Response, error) {
	body, err := json.Marshal(p.mapRequest(req))
	if err != nil {
		return nil, err
	}

	url := fmt.Sprintf("%s/chat/completions", p.baseURL)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewBuffer(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", fmt.Sprintf("Bearer %s", p.apiKey))
	for k, v := range p.headers {
		httpReq.Header.Set(k, v)
	}

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}

	var openAIResp openAIResponse
	decodeErr := json.Unmarshal(respBody, &openAIResp)

	if resp.StatusCode != http.StatusOK {
		if resp.StatusCode == http.StatusTooManyRequests ||
			(decodeErr == nil && openAIResp.Error != nil && openAIResp.Error.code() == http.StatusTooManyRequests) {
			return nil, p.rateLimited(openAIResp.Error, resp.Header, respBody)
		}
		return nil, &provider.StatusError{Provider: p.Name(), StatusCode: resp.StatusCode, Body: truncate(string(respBody), 400)}
	}

	if decodeErr != nil {
		return nil, fmt.Errorf("%w: %v", provider.ErrMalformedResponse, decodeErr)
	}

	// OpenRouter reports some upstream failures inside a 200 body.
	if openAIResp.Error != nil {
		code := openAIResp.Error.code()
		if code == http.StatusTooManyRequests {
			return nil, p.rateLimited(openAIResp.Error, resp.Header, respBody)
		}
		if code == 0 {
			code = http.StatusBadGateway
		}
		return nil, &provider.StatusError{Provider: p.Name(), StatusCode: code, Body: openAIResp.Error.Message}
	}

	if len(openAIResp.Choices) == 0 {
		return nil, fmt.Errorf("%w: openai api returned no choices", provider.ErrMalformedResponse)
	}

	return &provider.Response{
		ID:           openAIResp.ID,
		Content:      openAIResp.Choices[0].Message.Content,
		InputTokens:  openAIResp.Usage.PromptTokens,
		OutputTokens: openAIResp.Usage.CompletionTokens,
		Model:        openAIResp.Model,
		Provider:     p.Name(),
	}, nil
}

func (p *OpenAIProvider) rateLimited(apiErr *openAIError, h http.Header, body []byte) *provider.RateLimitError {
	var resetAt *time.Time
	if apiErr != nil {
		resetAt = provider.ParseResetHint(apiErr.resetHint())
	}
	if resetAt == nil {
		resetAt = provider.ResetFromHeaders(h, p.now())
	}
	return &provider.RateLimitError{Provider: p.Name(), ResetAt: resetAt, Body: truncate(string(body), 400)}
}

func (p *OpenAIProvider) mapRequest(req *provider.Request) openAIRequest {
	messages := make([]openAIMessage, len(req.Messages))
	for i, m := range req.Messages {
		messages[i] = openAIMessage{
			Role:    m.Role,
			Content: m.Content,
		}
	}

	return openAIRequest{
		Model:     req.Model,
		Messages:  messages,
		MaxTokens: req.MaxTokens,
	}
}

func (p *OpenAIProvider) Name() string {
	return provider.UpstreamOpenAI
}

func truncate(s string, maxChars int) string {
	runes := []rune(s)
	if len(runes) <= maxChars {
		return s
	}
	return string(runes[:maxChars])
}
