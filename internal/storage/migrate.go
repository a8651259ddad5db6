package storage

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"log"

	"github.com/pressly/goose/v3"

	"github.com/ent0n29/voxnote/internal/apperr"
)

//go:embed migrations
var migrationFiles embed.FS

// applyMigrations runs the embedded migrations in dir against db.
func applyMigrations(ctx context.Context, db *sql.DB, dialect goose.Dialect, dir string) error {
	fsys, err := fs.Sub(migrationFiles, dir)
	if err != nil {
		return fmt.Errorf("migrations fs: %w", err)
	}
	provider, err := goose.NewProvider(dialect, db, fsys)
	if err != nil {
		return apperr.Wrap(err, apperr.KindDatabase, "init migrations")
	}
	results, err := provider.Up(ctx)
	if err != nil {
		return apperr.Wrap(err, apperr.KindDatabase, "apply migrations")
	}
	for _, r := range results {
		log.Printf("storage: applied %s migration %s in %s", dialect, r.Source.Path, r.Duration)
	}
	return nil
}
