package checkpoint

import (
	"context"
	"database/sql"

	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"

	"github.com/chanderlud/giga-grabber/internal/checkpoint/migrations"
)

// RunMigrations sets up goose with the embedded schema and applies pending
// migrations.
func RunMigrations(ctx context.Context, db *sql.DB) error {
	goose.SetBaseFS(migrations.Migrations)

	if err := goose.SetDialect("sqlite3"); err != nil {
		return err
	}
	return goose.UpContext(ctx, db, ".")
}

// Open opens the checkpoint database at dsn, creating it if needed, and
// brings its schema up to date. The pool is limited to one connection:
// sqlite allows a single writer, and watermark updates arrive from many
// goroutines at once.
func Open(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	if err := RunMigrations(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}
