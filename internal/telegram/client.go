package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/vnmchuo/llm-relay/internal/markup"
)

const (
	DefaultAPIBase = "https://api.telegram.org"
	// MaxMessageLength is the Bot API limit for one sendMessage text.
	MaxMessageLength = 4096
)

// APIError is a Bot API response with ok=false.
type APIError struct {
	Method      string
	Code        int
	Description string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("telegram %s: %d %s", e.Method, e.Code, e.Description)
}

type Client struct {
	token      string
	baseURL    string
	httpClient *http.Client
}

type ClientOption func(*Client)

func WithAPIBase(url string) ClientOption {
	return func(c *Client) {
		if url != "" {
			c.baseURL = strings.TrimRight(url, "/")
		}
	}
}

func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = hc }
}

func NewClient(token string, opts ...ClientOption) *Client {
	c := &Client{
		token:      token,
		baseURL:    DefaultAPIBase,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type sendMessageRequest struct {
	ChatID           int64  `json:"chat_id"`
	Text             string `json:"text"`
	ParseMode        string `json:"parse_mode,omitempty"`
	ReplyToMessageID int64  `json:"reply_to_message_id,omitempty"`
}

type apiResponse struct {
	OK          bool   `json:"ok"`
	ErrorCode   int    `json:"error_code"`
	Description string `json:"description"`
}

// SendMessage delivers safe-subset HTML to chatID, split into Bot API sized parts.
// A part Telegram refuses to parse is resent as plain text.
func (c *Client) SendMessage(ctx context.Context, chatID int64, html string, replyTo int64) error {
	for i, part := range Split(html, MaxMessageLength) {
		req := sendMessageRequest{ChatID: chatID, Text: part, ParseMode: "HTML"}
		if i == 0 {
			req.ReplyToMessageID = replyTo
		}
		err := c.call(ctx, "sendMessage", req)
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.Code == http.StatusBadRequest && strings.Contains(apiErr.Description, "parse entities") {
			req.Text = markup.StripTags(part)
			req.ParseMode = ""
			err = c.call(ctx, "sendMessage", req)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func (c *Client) call(ctx context.Context, method string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", method, err)
	}

	url := fmt.Sprintf("%s/bot%s/%s", c.baseURL, c.token, method)
	httpReq, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("telegram %s: %w", method, err)
	}
	defer resp.Body.Close()

	var out apiResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return fmt.Errorf("telegram %s: decode response (status %d): %w", method, resp.StatusCode, err)
	}
	if !out.OK {
		code := out.ErrorCode
		if code == 0 {
			code = resp.StatusCode
		}
		return &APIError{Method: method, Code: code, Description: out.Description}
	}
	return nil
}

// Split cuts text into parts of at most limit runes, preferring line boundaries.
// A part whose markup would be cut in half is downgraded to escaped plain text.
func Split(text string, limit int) []string {
	if utf8.RuneCountInString(text) <= limit {
		return []string{text}
	}

	var parts []string
	rest := []rune(text)
	for len(rest) > limit {
		cut := limit
		for i := limit - 1; i > limit/2; i-- {
			if rest[i] == '\n' {
				cut = i + 1
				break
			}
		}
		parts = append(parts, string(rest[:cut]))
		rest = rest[cut:]
	}
	if len(rest) > 0 {
		parts = append(parts, string(rest))
	}

	out := parts[:0]
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		if !markup.Balanced(p) {
			p = markup.PlainText(markup.StripTags(p))
		}
		out = append(out, p)
	}
	return out
}
