package history

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

var ErrNotFound = errors.New("history not found")

type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one dialogue entry. Messages are never modified after they are appended.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// Conversation is the ordered history for one conversation key.
type Conversation struct {
	Key      string
	Messages []Message
}

// Record is the persisted shape of a conversation. It must stay stable across reads and writes.
type Record struct {
	Messages []Message `json:"messages"`
}

// MarshalBinary implements encoding.BinaryMarshaler for Redis
func (r *Record) MarshalBinary() ([]byte, error) {
	return json.Marshal(r)
}

// UnmarshalBinary implements encoding.BinaryUnmarshaler for Redis
func (r *Record) UnmarshalBinary(data []byte) error {
	return json.Unmarshal(data, r)
}

// Backend is the physical persistence behind the Store. Read returns ErrNotFound
// for unknown keys; Write replaces the whole record for a key atomically.
type Backend interface {
	Read(ctx context.Context, key string) (*Record, error)
	Write(ctx context.Context, key string, rec *Record) error
}

// StoreError reports a persistence failure. Callers treat it as non-fatal.
type StoreError struct {
	Op  string
	Key string
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("history: %s %q: %v", e.Op, e.Key, e.Err)
}

func (e *StoreError) Unwrap() error {
	return e.Err
}

// Trim bounds msgs to maxSize entries, evicting the oldest non-system messages
// first. A leading system message is always kept. maxSize <= 0 disables trimming.
func Trim(msgs []Message, maxSize int) []Message {
	if maxSize <= 0 || len(msgs) <= maxSize {
		return msgs
	}
	if msgs[0].Role == RoleSystem {
		out := make([]Message, 0, maxSize)
		out = append(out, msgs[0])
		return append(out, msgs[len(msgs)-(maxSize-1):]...)
	}
	out := make([]Message, maxSize)
	copy(out, msgs[len(msgs)-maxSize:])
	return out
}
