package gemini

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

type GeminiProvider struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
	now        func() time.Time
}

type geminiRequest struct {
	SystemInstruction *geminiContent   `json:"systemInstruction,omitempty"`
	Contents          []geminiContent  `json:"contents"`
	GenerationConfig  generationConfig `json:"generationConfig,omitempty"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiPart struct {
	Text string `json:"text"`
}

type generationConfig struct {
	MaxOutputTokens int `json:"maxOutputTokens,omitempty"`
}

type geminiResponse struct {
	Candidates    []geminiCandidate   `json:"candidates"`
	UsageMetadata geminiUsageMetadata `json:"usageMetadata"`
	ModelVersion  string              `json:"modelVersion"`
}

type geminiCandidate struct {
	Content geminiContent `json:"content"`
}

type geminiUsageMetadata struct {
	PromptTokenCount     int `json:"promptTokenCount"`
	CandidatesTokenCount int `json:"candidatesTokenCount"`
}

type geminiErrorBody struct {
	Error struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Status  string `json:"status"`
		Details []struct {
			Type       string `json:"@type"`
			RetryDelay string `json:"retryDelay"`
		} `json:"details"`
	} `json:"error"`
}

func New(apiKey string) provider.Transport {
	return &GeminiProvider{
		apiKey:     apiKey,
		baseURL:    "https://generativelanguage.googleapis.com",
		httpClient: http.DefaultClient,
		now:        time.Now,
	}
}

func (p *GeminiProvider) Complete(ctx context.Context, req *provider.Request) (*provider.Response, error) {
	body, err := json.Marshal(p.mapRequest(req))
	if err != nil {
		return nil, err
	}

	url := fmt.Sprintf("%s/v1beta/models/%s:generateContent", p.baseURL, req.Model)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewBuffer(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-goog-api-key", p.apiKey)

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
				ResetAt:  p.resetAt(respBody, resp.Header),
				Body:     string(respBody),
			}
		}
		return nil, &provider.StatusError{Provider: p.Name(), StatusCode: resp.StatusCode, Body: string(respBody)}
	}

	var geminiResp geminiResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&geminiResp); err != nil {
		return nil, fmt.Errorf("%w: %v", provider.ErrMalformedResponse, err)
	}

	// A blocked or empty candidate list is a well-formed empty answer.
	var text strings.Builder
	if len(geminiResp.Candidates) > 0 {
		for _, part := range geminiResp.Candidates[0].Content.Parts {
			text.WriteString(part.Text)
		}
	}

	model := geminiResp.ModelVersion
	if model == "" {
		model = req.Model
	}
	return &provider.Response{
		Content:      text.String(),
		InputTokens:  geminiResp.UsageMetadata.PromptTokenCount,
		OutputTokens: geminiResp.UsageMetadata.CandidatesTokenCount,
		Model:        model,
		Provider:     p.Name(),
	}, nil
}

func (p *GeminiProvider) resetAt(body []byte, h http.Header) *time.Time {
	var errBody geminiErrorBody
	if err := json.Unmarshal(body, &errBody); err == nil {
		for _, d := range errBody.Error.Details {
			if strings.HasSuffix(d.Type, "google.rpc.RetryInfo") {
				if t := provider.ParseDelay(d.RetryDelay, p.now()); t != nil {
					return t
				}
			}
		}
	}
	return provider.ResetFromHeaders(h, p.now())
}

func (p *GeminiProvider) mapRequest(req *provider.Request) geminiRequest {
	var out geminiRequest
	for _, m := range req.Messages {
		if m.Role == "system" {
			out.SystemInstruction = &geminiContent{Parts: []geminiPart{{Text: m.Content}}}
			continue
		}
		role := "user"
		if m.Role == "assistant" {
			role = "model"
		}
		out.Contents = append(out.Contents, geminiContent{
			Role:  role,
			Parts: []geminiPart{{Text: m.Content}},
		})
	}
	out.GenerationConfig = generationConfig{MaxOutputTokens: req.MaxTokens}
	return out
}

func (p *GeminiProvider) Name() string {
	return provider.UpstreamGemini
}
