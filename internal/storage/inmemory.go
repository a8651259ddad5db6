package storage

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ent0n29/voxnote/internal/apperr"
)

// InMemoryStore is a simple in-process gateway for local/dev use.
type InMemoryStore struct {
	mu            sync.RWMutex
	conversations map[string]Conversation
	entities      map[string][]Entity
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		conversations: make(map[string]Conversation),
		entities:      make(map[string][]Entity),
	}
}

func (s *InMemoryStore) StoreConversation(_ context.Context, transcript string, durationSeconds float64, meta Metadata) (string, error) {
	if durationSeconds < 0 {
		return "", apperr.New(apperr.KindValidation, "negative conversation duration")
	}
	c := Conversation{
		ID:              uuid.NewString(),
		Transcript:      transcript,
		DurationSeconds: durationSeconds,
		Metadata:        meta,
		CreatedAt:       time.Now().UTC(),
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conversations[c.ID] = c
	return c.ID, nil
}

func (s *InMemoryStore) StoreEntity(_ context.Context, entity Entity) (string, error) {
	if err := entity.Validate(); err != nil {
		return "", apperr.Wrap(err, apperr.KindValidation, "invalid entity")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if entity.ConversationID != "" {
		if _, ok := s.conversations[entity.ConversationID]; !ok {
			return "", apperr.Newf(apperr.KindNotFound, "conversation %s", entity.ConversationID)
		}
	}
	entity.ID = uuid.NewString()
	if entity.CreatedAt.IsZero() {
		entity.CreatedAt = time.Now().UTC()
	}
	s.entities[entity.ConversationID] = append(s.entities[entity.ConversationID], entity)
	return entity.ID, nil
}

func (s *InMemoryStore) GetConversation(_ context.Context, id string) (Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.conversations[id]
	if !ok {
		return Conversation{}, apperr.New(apperr.KindNotFound, fmt.Sprintf("conversation %s", id))
	}
	return c, nil
}

func (s *InMemoryStore) ListEntities(_ context.Context, conversationID string) ([]Entity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	arr := s.entities[conversationID]
	out := make([]Entity, len(arr))
	copy(out, arr)
	return out, nil
}

func (s *InMemoryStore) Close() error { return nil }
