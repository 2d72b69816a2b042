package history

import (
	"context"
	"sync"
)

// MemoryBackend keeps records in process memory. Records are copied on the way in and out.
type MemoryBackend struct {
	mu      sync.RWMutex
	records map[string][]Message
}

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{records: make(map[string][]Message)}
}

func (b *MemoryBackend) Read(_ context.Context, key string) (*Record, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	msgs, ok := b.records[key]
	if !ok {
		return nil, ErrNotFound
	}
	out := make([]Message, len(msgs))
	copy(out, msgs)
	return &Record{Messages: out}, nil
}

func (b *MemoryBackend) Write(_ context.Context, key string, rec *Record) error {
	msgs := make([]Message, len(rec.Messages))
	copy(msgs, rec.Messages)
	b.mu.Lock()
	b.records[key] = msgs
	b.mu.Unlock()
	return nil
}
