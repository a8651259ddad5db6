package storage

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"github.com/ent0n29/voxnote/internal/apperr"
)

// PostgresStore persists conversations and entities in PostgreSQL.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, strings.TrimSpace(databaseURL))
	if err != nil {
		return nil, apperr.Wrap(err, apperr.KindDatabase, "connect postgres")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, apperr.Wrap(err, apperr.KindNetwork, "ping postgres")
	}
	if err := migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return &PostgresStore{pool: pool}, nil
}

func migrate(ctx context.Context, pool *pgxpool.Pool) error {
	db := stdlib.OpenDBFromPool(pool)
	defer db.Close()
	return applyMigrations(ctx, db, goose.DialectPostgres, "migrations/postgres")
}

func (s *PostgresStore) StoreConversation(ctx context.Context, transcript string, durationSeconds float64, meta Metadata) (string, error) {
	if durationSeconds < 0 {
		return "", apperr.New(apperr.KindValidation, "negative conversation duration")
	}
	rawMeta, err := json.Marshal(meta)
	if err != nil {
		return "", apperr.Wrap(err, apperr.KindValidation, "marshal conversation metadata")
	}
	id := uuid.NewString()
	_, err = s.pool.Exec(ctx,
		`INSERT INTO conversations (id, transcript, duration_seconds, metadata, created_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		id,
		transcript,
		durationSeconds,
		rawMeta,
		time.Now().UTC(),
	)
	if err != nil {
		return "", apperr.Wrap(err, apperr.KindDatabase, "store conversation")
	}
	return id, nil
}

func (s *PostgresStore) StoreEntity(ctx context.Context, entity Entity) (string, error) {
	if err := entity.Validate(); err != nil {
		return "", apperr.Wrap(err, apperr.KindValidation, "invalid entity")
	}
	var conversationID *string
	if entity.ConversationID != "" {
		conversationID = &entity.ConversationID
	}
	id := uuid.NewString()
	_, err := s.pool.Exec(ctx,
		`INSERT INTO extracted_entities (id, conversation_id, entity_type, value, confidence, context, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		id,
		conversationID,
		string(entity.Type),
		entity.Value,
		entity.Confidence,
		entity.Context,
		time.Now().UTC(),
	)
	if err != nil {
		return "", apperr.Wrap(err, apperr.KindDatabase, "store entity")
	}
	return id, nil
}

func (s *PostgresStore) GetConversation(ctx context.Context, id string) (Conversation, error) {
	var (
		c       Conversation
		rawMeta []byte
	)
	err := s.pool.QueryRow(ctx,
		`SELECT id, transcript, duration_seconds, metadata, created_at FROM conversations WHERE id=$1`,
		id,
	).Scan(&c.ID, &c.Transcript, &c.DurationSeconds, &rawMeta, &c.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Conversation{}, apperr.Newf(apperr.KindNotFound, "conversation %s", id)
	}
	if err != nil {
		return Conversation{}, apperr.Wrap(err, apperr.KindDatabase, "get conversation")
	}
	if err := json.Unmarshal(rawMeta, &c.Metadata); err != nil {
		return Conversation{}, apperr.Wrap(err, apperr.KindDatabase, "decode conversation metadata")
	}
	return c, nil
}

func (s *PostgresStore) ListEntities(ctx context.Context, conversationID string) ([]Entity, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, COALESCE(conversation_id, ''), entity_type, value, confidence, context, created_at
		 FROM extracted_entities WHERE conversation_id=$1 ORDER BY created_at`,
		conversationID,
	)
	if err != nil {
		return nil, apperr.Wrap(err, apperr.KindDatabase, "query entities")
	}
	defer rows.Close()

	var items []Entity
	for rows.Next() {
		var (
			e   Entity
			typ string
		)
		if err := rows.Scan(&e.ID, &e.ConversationID, &typ, &e.Value, &e.Confidence, &e.Context, &e.CreatedAt); err != nil {
			return nil, apperr.Wrap(err, apperr.KindDatabase, "scan entity row")
		}
		e.Type = EntityType(typ)
		items = append(items, e)
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.Wrap(err, apperr.KindDatabase, "iterate entity rows")
	}
	return items, nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
