package storage

import (
	"context"
	"strings"
)

// NewStore picks a backend from databaseURL: empty means in-memory, a
// "sqlite:" prefix selects a SQLite file, anything else is a postgres DSN.
func NewStore(ctx context.Context, databaseURL string) (Gateway, error) {
	databaseURL = strings.TrimSpace(databaseURL)
	if databaseURL == "" {
		return NewInMemoryStore(), nil
	}
	if path, ok := sqlitePath(databaseURL); ok {
		store, err := NewSQLiteStore(ctx, path)
		if err != nil {
			return nil, err
		}
		return store, nil
	}
	store, err := NewPostgresStore(ctx, databaseURL)
	if err != nil {
		return nil, err
	}
	return store, nil
}

// sqlitePath accepts "sqlite://path" and "sqlite:path".
func sqlitePath(databaseURL string) (string, bool) {
	for _, prefix := range []string{"sqlite://", "sqlite:"} {
		if strings.HasPrefix(databaseURL, prefix) {
			return strings.TrimPrefix(databaseURL, prefix), true
		}
	}
	return "", false
}
