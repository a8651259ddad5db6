package storage

import (
	"context"
	"time"

	"github.com/ent0n29/voxnote/internal/apperr"
	"github.com/ent0n29/voxnote/internal/reliability"
)

// GuardedGateway bounds every storage call with a deadline and routes it
// through the shared storage circuit breaker.
type GuardedGateway struct {
	inner   Gateway
	breaker *reliability.CircuitBreaker
	timeout time.Duration
}

func NewGuardedGateway(inner Gateway, breaker *reliability.CircuitBreaker, timeout time.Duration) *GuardedGateway {
	return &GuardedGateway{inner: inner, breaker: breaker, timeout: timeout}
}

func (g *GuardedGateway) StoreConversation(ctx context.Context, transcript string, durationSeconds float64, meta Metadata) (string, error) {
	return reliability.Do(g.breaker, func() (string, error) {
		id, err := reliability.WithTimeout(ctx, g.timeout, "store conversation", func(ctx context.Context) (string, error) {
			return g.inner.StoreConversation(ctx, transcript, durationSeconds, meta)
		})
		return id, apperr.Wrap(err, apperr.KindDatabase, "store conversation")
	})
}

func (g *GuardedGateway) StoreEntity(ctx context.Context, entity Entity) (string, error) {
	return reliability.Do(g.breaker, func() (string, error) {
		id, err := reliability.WithTimeout(ctx, g.timeout, "store entity", func(ctx context.Context) (string, error) {
			return g.inner.StoreEntity(ctx, entity)
		})
		return id, apperr.Wrap(err, apperr.KindDatabase, "store entity")
	})
}

// GetConversation reads through the guard when the wrapped gateway supports reads.
func (g *GuardedGateway) GetConversation(ctx context.Context, id string) (Conversation, error) {
	r, ok := g.inner.(Reader)
	if !ok {
		return Conversation{}, errReadsUnsupported
	}
	return reliability.Do(g.breaker, func() (Conversation, error) {
		c, err := reliability.WithTimeout(ctx, g.timeout, "get conversation", func(ctx context.Context) (Conversation, error) {
			return r.GetConversation(ctx, id)
		})
		return c, apperr.Wrap(err, apperr.KindDatabase, "get conversation")
	})
}

func (g *GuardedGateway) ListEntities(ctx context.Context, conversationID string) ([]Entity, error) {
	r, ok := g.inner.(Reader)
	if !ok {
		return nil, errReadsUnsupported
	}
	return reliability.Do(g.breaker, func() ([]Entity, error) {
		items, err := reliability.WithTimeout(ctx, g.timeout, "list entities", func(ctx context.Context) ([]Entity, error) {
			return r.ListEntities(ctx, conversationID)
		})
		return items, apperr.Wrap(err, apperr.KindDatabase, "list entities")
	})
}

func (g *GuardedGateway) Close() error { return g.inner.Close() }

var errReadsUnsupported = apperr.New(apperr.KindNotFound, "storage backend does not support reads")
