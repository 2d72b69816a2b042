package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

type relayClient struct {
	baseURL    string
	key        string
	httpClient *http.Client
}

type messageRequest struct {
	ConversationKey string `json:"conversation_key"`
	Text            string `json:"text"`
}

type messageResponse struct {
	RenderedText string `json:"rendered_text"`
	MarkupMode   string `json:"markup_mode"`
	Provider     string `json:"provider"`
	Status       string `json:"status"`
	RequestID    string `json:"request_id"`
	Error        string `json:"error"`
}

func newRelayClient(baseURL, key string, timeout time.Duration) *relayClient {
	return &relayClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		key:        key,
		httpClient: &http.Client{Timeout: timeout},
	}
}

func (c *relayClient) send(ctx context.Context, text string) (*messageResponse, error) {
	body, err := json.Marshal(messageRequest{ConversationKey: c.key, Text: text})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/messages", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("relay unreachable: %w", err)
	}
	defer resp.Body.Close()

	var out messageResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("relay returned status %d with unreadable body: %w", resp.StatusCode, err)
	}
	if resp.StatusCode != http.StatusOK {
		if out.Error == "" {
			out.Error = http.StatusText(resp.StatusCode)
		}
		return nil, fmt.Errorf("relay: %s", out.Error)
	}
	return &out, nil
}
