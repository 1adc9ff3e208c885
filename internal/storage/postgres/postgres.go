// Package postgres stores the ledger in PostgreSQL.
package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/italolelis/arroyo/internal/storage/sqlstore"

	// Import the PostgreSQL driver.
	_ "github.com/lib/pq"
)

// InitDB connects to the database at dsn and creates the ledger table if it doesn't exist.
func InitDB(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres database: %w", err)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()

		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}

	if err := sqlstore.Migrate(ctx, db); err != nil {
		db.Close()

		return nil, err
	}

	return db, nil
}

// NewLedger opens the ledger in the database at dsn.
func NewLedger(ctx context.Context, dsn string) (*sqlstore.Ledger, error) {
	db, err := InitDB(ctx, dsn)
	if err != nil {
		return nil, err
	}

	return sqlstore.New(db, sqlstore.Dollar), nil
}
