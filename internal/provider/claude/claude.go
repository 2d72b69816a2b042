package claude

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/vnmchuo/llm-relay/internal/provider"
)

type ClaudeProvider struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
	now        func() time.Time
}

type claudeRequest struct {
	Model     string          `json:"model"`
	MaxTokens int             `json:"max_tokens"`
	System    string          `json:"system,omitempty"`
	Messages  []claudeMessage `json:"messages"`
}

type claudeMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type claudeResponse struct {
	ID      string          `json:"id"`
	Content []claudeContent `json:"content"`
	Model   string          `json:"model"`
	Usage   claudeUsage     `json:"usage"`
}

type claudeContent struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

type claudeUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

func New(apiKey string) provider.Transport {
	return &ClaudeProvider{
		apiKey:     apiKey,
		baseURL:    "https://api.anthropic.com/v1",
		httpClient: http.DefaultClient,
		now:        time.Now,
	}
}

func (p *ClaudeProvider) Complete(ctx context.Context, req *provider.Request) (*provider.Response, error) {
	body, err := json.Marshal(p.mapRequest(req))
	if err != nil {
		return nil, err
	}

	url := fmt.Sprintf("%s/messages", p.baseURL)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewBuffer(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", p.apiKey)
	httpReq.Header.Set("anthropic-version", "2023-06-01")

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		if resp.StatusCode == http.StatusTooManyRequests {
			return nil, &provider.RateLimitError{
				Provider: p.Name(),
				ResetAt:  provider.ResetFromHeaders(resp.Header, p.now()),
				Body:     string(respBody),
			}
		}
		return nil, &provider.StatusError{Provider: p.Name(), StatusCode: resp.StatusCode, Body: string(respBody)}
	}

	var claudeResp claudeResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&claudeResp); err != nil {
		return nil, fmt.Errorf("%w: %v", provider.ErrMalformedResponse, err)
	}

	var text strings.Builder
	for _, c := range claudeResp.Content {
		if c.Type == "text" {
			text.WriteString(c.Text)
		}
	}

	return &provider.Response{
		ID:           claudeResp.ID,
		Content:      text.String(),
		InputTokens:  claudeResp.Usage.InputTokens,
		OutputTokens: claudeResp.Usage.OutputTokens,
		Model:        claudeResp.Model,
		Provider:     p.Name(),
	}, nil
}

func (p *ClaudeProvider) mapRequest(req *provider.Request) claudeRequest {
	var system string
	var messages []claudeMessage

	for _, m := range req.Messages {
		if m.Role == "system" {
			system = m.Content
			continue
		}
		role := "user"
		if m.Role == "assistant" {
			role = "assistant"
		}
		messages = append(messages, claudeMessage{
			Role:    role,
			Content: m.Content,
		})
	}

	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = 4096
	}

	return claudeRequest{
		Model:     req.Model,
		MaxTokens: maxTokens,
		System:    system,
		Messages:  messages,
	}
}

func (p *ClaudeProvider) Name() string {
	return provider.UpstreamClaude
}
