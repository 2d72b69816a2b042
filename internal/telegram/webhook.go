package telegram

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/vnmchuo/llm-relay/internal/markup"
	"github.com/vnmchuo/llm-relay/internal/relay"
)

const (
	SecretHeader       = "X-Telegram-Bot-Api-Secret-Token"
	DefaultTriggerWord = "дипсик"
)

type Update struct {
	UpdateID int64    `json:"update_id"`
	Message  *Message `json:"message"`
}

type Message struct {
	MessageID      int64    `json:"message_id"`
	From           *User    `json:"from"`
	Chat           Chat     `json:"chat"`
	Text           string   `json:"text"`
	ReplyToMessage *Message `json:"reply_to_message"`
}

type User struct {
	ID       int64  `json:"id"`
	IsBot    bool   `json:"is_bot"`
	Username string `json:"username"`
}

type Chat struct {
	ID   int64  `json:"id"`
	Type string `json:"type"`
}

type messageSender interface {
	SendMessage(ctx context.Context, chatID int64, html string, replyTo int64) error
}

type WebhookConfig struct {
	Secret      string
	TriggerWord string
	BotID       int64
	// Providers is listed in the /start greeting.
	Providers []string
	// Timeout bounds one update from receipt to the last sendMessage.
	Timeout time.Duration
}

// Webhook accepts Bot API updates and answers them through the relay.
// Updates are acknowledged immediately and processed in the background.
type Webhook struct {
	relay  relay.Replier
	sender messageSender
	cfg    WebhookConfig

	// ctx is the parent of every update; Shutdown cancels it.
	ctx     context.Context
	cancel  context.CancelFunc
	pending sync.WaitGroup
}

func NewWebhook(r relay.Replier, sender messageSender, cfg WebhookConfig) *Webhook {
	if cfg.TriggerWord == "" {
		cfg.TriggerWord = DefaultTriggerWord
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 3 * time.Minute
	}
	cfg.TriggerWord = strings.ToLower(cfg.TriggerWord)
	ctx, cancel := context.WithCancel(context.Background())
	return &Webhook{relay: r, sender: sender, cfg: cfg, ctx: ctx, cancel: cancel}
}

// BotIDFromToken extracts the bot's user id from a "123456:ABC..." token.
func BotIDFromToken(token string) int64 {
	id, _, _ := strings.Cut(token, ":")
	n, err := strconv.ParseInt(id, 10, 64)
	if err != nil {
		return 0
	}
	return n
}

func (wh *Webhook) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if wh.cfg.Secret != "" {
		got := r.Header.Get(SecretHeader)
		if subtle.ConstantTimeCompare([]byte(got), []byte(wh.cfg.Secret)) != 1 {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
	}

	var upd Update
	if err := json.NewDecoder(r.Body).Decode(&upd); err != nil {
		http.Error(w, "invalid update", http.StatusBadRequest)
		return
	}

	wh.pending.Add(1)
	go func() {
		defer wh.pending.Done()
		ctx, cancel := context.WithTimeout(wh.ctx, wh.cfg.Timeout)
		defer cancel()
		wh.process(ctx, &upd)
	}()

	w.WriteHeader(http.StatusOK)
}

// Wait blocks until all accepted updates have been processed.
func (wh *Webhook) Wait() {
	wh.pending.Wait()
}

// Shutdown aborts updates still in flight and waits for them to return.
func (wh *Webhook) Shutdown() {
	wh.cancel()
	wh.pending.Wait()
}

func (wh *Webhook) process(ctx context.Context, upd *Update) {
	msg := upd.Message
	if msg == nil || msg.From == nil || msg.From.IsBot {
		return
	}
	text := strings.TrimSpace(msg.Text)
	if text == "" {
		return
	}

	if isCommand(text, "start") {
		wh.send(ctx, msg, wh.greeting())
		return
	}
	if !wh.addressed(msg, text) {
		return
	}

	reply, err := wh.relay.Handle(ctx, relay.Inbound{
		ConversationKey: fmt.Sprintf("tg:%d", msg.From.ID),
		Text:            text,
		RequestID:       fmt.Sprintf("tg-%d", upd.UpdateID),
	})
	if errors.Is(err, relay.ErrEmptyText) {
		return
	}
	if err != nil {
		slog.ErrorContext(ctx, "telegram update failed", "update_id", upd.UpdateID, "err", err)
		return
	}
	wh.send(ctx, msg, reply.Text)
}

// addressed reports whether the bot should answer. Private chats always are;
// groups only when the trigger word appears or the message replies to the bot.
func (wh *Webhook) addressed(msg *Message, text string) bool {
	if msg.Chat.Type == "private" {
		return true
	}
	if strings.Contains(strings.ToLower(text), wh.cfg.TriggerWord) {
		return true
	}
	reply := msg.ReplyToMessage
	return reply != nil && reply.From != nil && wh.cfg.BotID != 0 && reply.From.ID == wh.cfg.BotID
}

func (wh *Webhook) greeting() string {
	providers := "none"
	if len(wh.cfg.Providers) > 0 {
		providers = strings.Join(wh.cfg.Providers, ", ")
	}
	return markup.PlainText("Hi! I forward your messages to language models. Providers, in fallback order: " + providers + ".")
}

func (wh *Webhook) send(ctx context.Context, msg *Message, html string) {
	var replyTo int64
	if msg.Chat.Type != "private" {
		replyTo = msg.MessageID
	}
	if err := wh.sender.SendMessage(ctx, msg.Chat.ID, html, replyTo); err != nil {
		slog.ErrorContext(ctx, "failed to send telegram message", "chat_id", msg.Chat.ID, "err", err)
	}
}

func isCommand(text, name string) bool {
	cmd, _, _ := strings.Cut(text, " ")
	cmd, _, _ = strings.Cut(cmd, "@")
	return cmd == "/"+name
}
