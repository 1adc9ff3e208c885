package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/italolelis/arroyo/internal/storage/sqlstore"

	// Import the SQLite driver.
	_ "github.com/mattn/go-sqlite3"
)

// InitDB opens the SQLite database at path and creates the ledger table if it doesn't exist.
func InitDB(ctx context.Context, path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}

	// sqlite allows a single writer
	db.SetMaxOpenConns(1)

	if err := sqlstore.Migrate(ctx, db); err != nil {
		db.Close()

		return nil, err
	}

	return db, nil
}

// NewLedger opens the ledger stored at path.
func NewLedger(ctx context.Context, path string) (*sqlstore.Ledger, error) {
	db, err := InitDB(ctx, path)
	if err != nil {
		return nil, err
	}

	return sqlstore.New(db, sqlstore.Question), nil
}
