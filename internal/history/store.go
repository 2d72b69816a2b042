package history

import (
	"context"
	"errors"
	"strings"
	"sync"
)

// Store exposes the Load / Append contract on top of a Backend and serializes
// read-modify-write cycles per conversation key.
type Store struct {
	backend      Backend
	systemPrompt string

	mu    sync.Mutex
	locks map[string]*keyLock
}

type keyLock struct {
	mu   sync.Mutex
	refs int
}

func NewStore(backend Backend, systemPrompt string) *Store {
	return &Store{
		backend:      backend,
		systemPrompt: strings.TrimSpace(systemPrompt),
		locks:        make(map[string]*keyLock),
	}
}

// Lock blocks until the caller owns key and returns the release func.
// Distinct keys never block each other.
func (s *Store) Lock(key string) func() {
	s.mu.Lock()
	l, ok := s.locks[key]
	if !ok {
		l = &keyLock{}
		s.locks[key] = l
	}
	l.refs++
	s.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		s.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(s.locks, key)
		}
		s.mu.Unlock()
	}
}

// Seed returns the history a brand-new conversation starts with.
func (s *Store) Seed(key string) Conversation {
	conv := Conversation{Key: key}
	if s.systemPrompt != "" {
		conv.Messages = []Message{{Role: RoleSystem, Content: s.systemPrompt}}
	}
	return conv
}

// Load returns the conversation for key, or the seeded history when the key is unknown.
func (s *Store) Load(ctx context.Context, key string) (Conversation, error) {
	rec, err := s.backend.Read(ctx, key)
	if errors.Is(err, ErrNotFound) {
		return s.Seed(key), nil
	}
	if err != nil {
		return s.Seed(key), &StoreError{Op: "load", Key: key, Err: err}
	}
	msgs := make([]Message, len(rec.Messages))
	copy(msgs, rec.Messages)
	return Conversation{Key: key, Messages: msgs}, nil
}

// Append adds msg to the stored conversation, trims it to maxSize and writes it back.
// The returned conversation is the trimmed state even when persisting fails, so callers
// can continue with an in-memory copy for the current turn.
func (s *Store) Append(ctx context.Context, key string, msg Message, maxSize int) (Conversation, error) {
	conv, err := s.Load(ctx, key)
	if err != nil {
		return AppendTo(conv, msg, maxSize), err
	}
	conv = AppendTo(conv, msg, maxSize)
	if err := s.backend.Write(ctx, key, &Record{Messages: conv.Messages}); err != nil {
		return conv, &StoreError{Op: "append", Key: key, Err: err}
	}
	return conv, nil
}

// Save replaces the stored conversation with conv, trimmed to maxSize.
func (s *Store) Save(ctx context.Context, conv Conversation, maxSize int) error {
	rec := &Record{Messages: Trim(conv.Messages, maxSize)}
	if err := s.backend.Write(ctx, conv.Key, rec); err != nil {
		return &StoreError{Op: "save", Key: conv.Key, Err: err}
	}
	return nil
}

// AppendTo is the in-memory half of Append.
func AppendTo(conv Conversation, msg Message, maxSize int) Conversation {
	msgs := make([]Message, 0, len(conv.Messages)+1)
	msgs = append(msgs, conv.Messages...)
	msgs = append(msgs, msg)
	return Conversation{Key: conv.Key, Messages: Trim(msgs, maxSize)}
}
