package storage

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// EntityType is the fixed set of entity categories.
type EntityType string

const (
	EntityPerson       EntityType = "person"
	EntityOrganization EntityType = "organization"
	EntityLocation     EntityType = "location"
	EntityEvent        EntityType = "event"
	EntityProduct      EntityType = "product"
	EntityFinancial    EntityType = "financial"
	EntityContact      EntityType = "contact"
	EntityDate         EntityType = "date"
	EntityTime         EntityType = "time"
)

var entityTypes = map[EntityType]struct{}{
	EntityPerson:       {},
	EntityOrganization: {},
	EntityLocation:     {},
	EntityEvent:        {},
	EntityProduct:      {},
	EntityFinancial:    {},
	EntityContact:      {},
	EntityDate:         {},
	EntityTime:         {},
}

// ParseEntityType normalizes s and reports whether it names a known type.
func ParseEntityType(s string) (EntityType, bool) {
	t := EntityType(strings.ToLower(strings.TrimSpace(s)))
	_, ok := entityTypes[t]
	return t, ok
}

// Entity is one extracted entity.
type Entity struct {
	ID             string     `json:"id,omitempty"`
	Type           EntityType `json:"type"`
	Value          string     `json:"value"`
	Confidence     float64    `json:"confidence"`
	Context        string     `json:"context,omitempty"`
	ConversationID string     `json:"conversation_id,omitempty"`
	CreatedAt      time.Time  `json:"created_at,omitempty"`
}

// Validate checks the enumeration and the confidence range.
func (e Entity) Validate() error {
	if _, ok := entityTypes[e.Type]; !ok {
		return fmt.Errorf("unknown entity type %q", e.Type)
	}
	if strings.TrimSpace(e.Value) == "" {
		return fmt.Errorf("entity value is empty")
	}
	if e.Confidence < 0 || e.Confidence > 1 {
		return fmt.Errorf("entity confidence %v outside [0,1]", e.Confidence)
	}
	return nil
}

// Metadata travels with a conversation record.
type Metadata struct {
	Provider    string    `json:"provider"`
	EntityCount int       `json:"entity_count"`
	ProcessedAt time.Time `json:"processed_at"`
	SessionID   string    `json:"session_id,omitempty"`
	ChunkCount  int       `json:"chunk_count"`
	SampleRate  int       `json:"sample_rate,omitempty"`
}

// Conversation is the durable record produced at finalization.
type Conversation struct {
	ID              string    `json:"id"`
	Transcript      string    `json:"transcript"`
	DurationSeconds float64   `json:"duration_seconds"`
	Metadata        Metadata  `json:"metadata"`
	CreatedAt       time.Time `json:"created_at"`
}

// Gateway persists conversations and their entities. Implementations must be
// safe for concurrent use.
type Gateway interface {
	StoreConversation(ctx context.Context, transcript string, durationSeconds float64, meta Metadata) (string, error)
	StoreEntity(ctx context.Context, entity Entity) (string, error)
	Close() error
}

// Reader is implemented by gateways that can read records back.
type Reader interface {
	GetConversation(ctx context.Context, id string) (Conversation, error)
	ListEntities(ctx context.Context, conversationID string) ([]Entity, error)
}
