package store

import (
	"database/sql"
	"fmt"

	"github.com/pressly/goose/v3"

	"github.com/hyperengineering/recordsync/migrations"
)

// RunMigrations brings the schema up to date from the embedded SQL files.
// goose tracks applied versions in its own table, so opening an already
// current database is a no-op.
func RunMigrations(db *sql.DB) error {
	goose.SetLogger(goose.NopLogger()) // keep migration chatter off stdout
	goose.SetBaseFS(migrations.FS)

	if err := goose.SetDialect("sqlite"); err != nil {
		return fmt.Errorf("set goose dialect: %w", err)
	}
	if err := goose.Up(db, "."); err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}
	return nil
}
