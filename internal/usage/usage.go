package usage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Record is one answered turn: which provider produced the reply and what it cost in tokens.
type Record struct {
	ID              string    `json:"id"`
	ConversationKey string    `json:"conversation_key"`
	RequestID       string    `json:"request_id"`
	Provider        string    `json:"provider"`
	Model           string    `json:"model"`
	InputTokens     int       `json:"input_tokens"`
	OutputTokens    int       `json:"output_tokens"`
	Attempts        int       `json:"attempts"`
	LatencyMs       int64     `json:"latency_ms"`
	CreatedAt       time.Time `json:"created_at"`
}

type Store interface {
	LogUsage(ctx context.Context, rec *Record) error
	GetUsageByConversation(ctx context.Context, key string, from, to time.Time) ([]*Record, error)
	GetTotalTokens(ctx context.Context, key string, from, to time.Time) (int64, error)
}

// MemoryStore keeps usage in process. Used when no database is configured.
type MemoryStore struct {
	mu      sync.RWMutex
	records []*Record
	now     func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{now: time.Now}
}

func (s *MemoryStore) LogUsage(ctx context.Context, rec *Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = s.now()
	}
	cp := *rec
	s.records = append(s.records, &cp)
	return nil
}

// GetUsageByConversation returns records newest first.
func (s *MemoryStore) GetUsageByConversation(ctx context.Context, key string, from, to time.Time) ([]*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Record
	for _, r := range s.records {
		if r.ConversationKey != key || r.CreatedAt.Before(from) || r.CreatedAt.After(to) {
			continue
		}
		cp := *r
		out = append(out, &cp)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) GetTotalTokens(ctx context.Context, key string, from, to time.Time) (int64, error) {
	recs, _ := s.GetUsageByConversation(ctx, key, from, to)
	var total int64
	for _, r := range recs {
		total += int64(r.InputTokens + r.OutputTokens)
	}
	return total, nil
}
