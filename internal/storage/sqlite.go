package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"

	"github.com/ent0n29/voxnote/internal/apperr"
)

// SQLiteStore persists conversations and entities in a single SQLite file.
// Writes are serialized through one connection.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (creating if needed) the database at path. ":memory:"
// gives a private in-process database.
func NewSQLiteStore(ctx context.Context, path string) (*SQLiteStore, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, apperr.New(apperr.KindValidation, "sqlite path is empty")
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, apperr.Wrap(err, apperr.KindDatabase, "open sqlite")
	}
	// A second connection to ":memory:" would see an empty database.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA foreign_keys = ON",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA journal_mode = WAL",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			db.Close()
			return nil, apperr.Wrap(err, apperr.KindDatabase, "configure sqlite")
		}
	}
	if err := applyMigrations(ctx, db, goose.DialectSQLite3, "migrations/sqlite"); err != nil {
		db.Close()
		return nil, err
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) StoreConversation(ctx context.Context, transcript string, durationSeconds float64, meta Metadata) (string, error) {
	if durationSeconds < 0 {
		return "", apperr.New(apperr.KindValidation, "negative conversation duration")
	}
	rawMeta, err := json.Marshal(meta)
	if err != nil {
		return "", apperr.Wrap(err, apperr.KindValidation, "marshal conversation metadata")
	}
	id := uuid.NewString()
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO conversations (id, transcript, duration_seconds, metadata, created_at)
		 VALUES (?, ?, ?, ?, ?)`,
		id, transcript, durationSeconds, string(rawMeta), formatTime(time.Now()),
	)
	if err != nil {
		return "", apperr.Wrap(err, apperr.KindDatabase, "store conversation")
	}
	return id, nil
}

func (s *SQLiteStore) StoreEntity(ctx context.Context, entity Entity) (string, error) {
	if err := entity.Validate(); err != nil {
		return "", apperr.Wrap(err, apperr.KindValidation, "invalid entity")
	}
	var conversationID any
	if entity.ConversationID != "" {
		var exists int
		err := s.db.QueryRowContext(ctx, `SELECT 1 FROM conversations WHERE id = ?`, entity.ConversationID).Scan(&exists)
		if errors.Is(err, sql.ErrNoRows) {
			return "", apperr.Newf(apperr.KindNotFound, "conversation %s", entity.ConversationID)
		}
		if err != nil {
			return "", apperr.Wrap(err, apperr.KindDatabase, "check conversation")
		}
		conversationID = entity.ConversationID
	}
	id := uuid.NewString()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO extracted_entities (id, conversation_id, entity_type, value, confidence, context, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		id, conversationID, string(entity.Type), entity.Value, entity.Confidence, entity.Context, formatTime(time.Now()),
	)
	if err != nil {
		return "", apperr.Wrap(err, apperr.KindDatabase, "store entity")
	}
	return id, nil
}

func (s *SQLiteStore) GetConversation(ctx context.Context, id string) (Conversation, error) {
	var (
		c         Conversation
		rawMeta   string
		createdAt string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, transcript, duration_seconds, metadata, created_at FROM conversations WHERE id = ?`,
		id,
	).Scan(&c.ID, &c.Transcript, &c.DurationSeconds, &rawMeta, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Conversation{}, apperr.Newf(apperr.KindNotFound, "conversation %s", id)
	}
	if err != nil {
		return Conversation{}, apperr.Wrap(err, apperr.KindDatabase, "get conversation")
	}
	if err := json.Unmarshal([]byte(rawMeta), &c.Metadata); err != nil {
		return Conversation{}, apperr.Wrap(err, apperr.KindDatabase, "decode conversation metadata")
	}
	c.CreatedAt = parseTime(createdAt)
	return c, nil
}

func (s *SQLiteStore) ListEntities(ctx context.Context, conversationID string) ([]Entity, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, COALESCE(conversation_id, ''), entity_type, value, confidence, context, created_at
		 FROM extracted_entities WHERE conversation_id = ? ORDER BY created_at, rowid`,
		conversationID,
	)
	if err != nil {
		return nil, apperr.Wrap(err, apperr.KindDatabase, "query entities")
	}
	defer rows.Close()

	var items []Entity
	for rows.Next() {
		var (
			e         Entity
			typ       string
			createdAt string
		)
		if err := rows.Scan(&e.ID, &e.ConversationID, &typ, &e.Value, &e.Confidence, &e.Context, &createdAt); err != nil {
			return nil, apperr.Wrap(err, apperr.KindDatabase, "scan entity row")
		}
		e.Type = EntityType(typ)
		e.CreatedAt = parseTime(createdAt)
		items = append(items, e)
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.Wrap(err, apperr.KindDatabase, "iterate entity rows")
	}
	return items, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
