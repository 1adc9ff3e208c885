// Package sqlstore implements storage.Ledger on top of database/sql. The
// sqlite and postgres packages open the connection and pick the dialect.
package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/italolelis/arroyo/internal/source"
	"github.com/italolelis/arroyo/internal/storage"
)

// Dialect controls how bind parameters are written.
type Dialect int

const (
	// Question uses ? placeholders (sqlite).
	Question Dialect = iota
	// Dollar uses $1, $2, ... placeholders (postgres).
	Dollar
)

// Schema is the ledger table definition. Both dialects accept it as is.
var Schema = []string{
	`CREATE TABLE IF NOT EXISTS ledger_entries (
		id TEXT PRIMARY KEY,
		uri TEXT NOT NULL,
		name TEXT NOT NULL DEFAULT '',
		size BIGINT NOT NULL DEFAULT 0,
		kind TEXT NOT NULL DEFAULT '',
		provider TEXT NOT NULL DEFAULT '',
		language TEXT NOT NULL DEFAULT '',
		state TEXT NOT NULL,
		external_id TEXT,
		updated_at TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_ledger_entries_external_id ON ledger_entries (external_id)`,
	`CREATE INDEX IF NOT EXISTS idx_ledger_entries_state ON ledger_entries (state)`,
}

const selectColumns = `SELECT id, uri, name, size, kind, provider, language, state, external_id, updated_at FROM ledger_entries`

const upsertEntry = `INSERT INTO ledger_entries (id, uri, name, size, kind, provider, language, state, external_id, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT (id) DO UPDATE SET
		uri = excluded.uri,
		name = excluded.name,
		size = excluded.size,
		kind = excluded.kind,
		provider = excluded.provider,
		language = excluded.language,
		state = excluded.state,
		external_id = excluded.external_id,
		updated_at = excluded.updated_at`

const deleteEntry = `DELETE FROM ledger_entries WHERE id = ?`

// Migrate creates the ledger schema if it doesn't exist.
func Migrate(ctx context.Context, db *sql.DB) error {
	for _, stmt := range Schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to apply ledger schema: %w", err)
		}
	}

	return nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// Ledger stores entries in the ledger_entries table.
type Ledger struct {
	db      *sql.DB
	dialect Dialect
}

var _ storage.Ledger = (*Ledger)(nil)

func New(db *sql.DB, dialect Dialect) *Ledger {
	return &Ledger{db: db, dialect: dialect}
}

func (l *Ledger) Get(ctx context.Context, id source.ID) (storage.Entry, error) {
	row := l.db.QueryRowContext(ctx, l.rebind(selectColumns+` WHERE id = ?`), string(id))

	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return storage.Entry{}, storage.ErrNotFound
	}

	if err != nil {
		return storage.Entry{}, fmt.Errorf("failed to get entry %s: %w", id, err)
	}

	return e, nil
}

func (l *Ledger) ListAll(ctx context.Context) ([]storage.Entry, error) {
	return l.query(ctx, selectColumns+` ORDER BY id`)
}

func (l *Ledger) ListActive(ctx context.Context) ([]storage.Entry, error) {
	return l.query(ctx, selectColumns+` WHERE state <> ? ORDER BY id`, string(storage.StateArchived))
}

func (l *Ledger) FindByExternal(ctx context.Context, externalID string) (source.ID, error) {
	if externalID == "" {
		return "", storage.ErrNotFound
	}

	var id string

	err := l.db.QueryRowContext(ctx, l.rebind(`SELECT id FROM ledger_entries WHERE external_id = ? ORDER BY id LIMIT 1`), externalID).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", storage.ErrNotFound
	}

	if err != nil {
		return "", fmt.Errorf("failed to find entry by external id: %w", err)
	}

	return source.ID(id), nil
}

func (l *Ledger) Put(ctx context.Context, e storage.Entry) error {
	return l.put(ctx, l.db, e)
}

func (l *Ledger) Delete(ctx context.Context, id source.ID) error {
	if _, err := l.db.ExecContext(ctx, l.rebind(deleteEntry), string(id)); err != nil {
		return fmt.Errorf("failed to delete entry %s: %w", id, err)
	}

	return nil
}

// Apply runs the batch in a single transaction.
func (l *Ledger) Apply(ctx context.Context, b storage.Batch) error {
	if b.Empty() {
		return nil
	}

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	defer func() {
		_ = tx.Rollback()
	}()

	for _, e := range b.Puts {
		if err := l.put(ctx, tx, e); err != nil {
			return err
		}
	}

	for _, id := range b.Deletes {
		if _, err := tx.ExecContext(ctx, l.rebind(deleteEntry), string(id)); err != nil {
			return fmt.Errorf("failed to delete entry %s: %w", id, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit batch: %w", err)
	}

	return nil
}

func (l *Ledger) Close() error {
	return l.db.Close()
}

func (l *Ledger) put(ctx context.Context, ex execer, e storage.Entry) error {
	var externalID sql.NullString
	if e.ExternalID != "" {
		externalID = sql.NullString{String: e.ExternalID, Valid: true}
	}

	_, err := ex.ExecContext(ctx, l.rebind(upsertEntry),
		string(e.ID),
		e.Source.URI,
		e.Source.Name,
		e.Source.Size,
		e.Source.Kind,
		e.Source.Provider,
		e.Source.Language,
		string(e.State),
		externalID,
		e.UpdatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("failed to store entry %s: %w", e.ID, err)
	}

	return nil
}

func (l *Ledger) query(ctx context.Context, query string, args ...any) ([]storage.Entry, error) {
	rows, err := l.db.QueryContext(ctx, l.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list entries: %w", err)
	}
	defer rows.Close()

	entries := []storage.Entry{}

	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan entry: %w", err)
		}

		entries = append(entries, e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list entries: %w", err)
	}

	return entries, nil
}

// rebind rewrites ? placeholders for the dollar dialect.
func (l *Ledger) rebind(query string) string {
	if l.dialect != Dollar {
		return query
	}

	var b strings.Builder

	n := 0

	for _, r := range query {
		if r != '?' {
			b.WriteRune(r)

			continue
		}

		n++

		b.WriteByte('$')
		b.WriteString(strconv.Itoa(n))
	}

	return b.String()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(s scanner) (storage.Entry, error) {
	var (
		e          storage.Entry
		id         string
		state      string
		externalID sql.NullString
		updatedAt  string
	)

	err := s.Scan(
		&id,
		&e.Source.URI,
		&e.Source.Name,
		&e.Source.Size,
		&e.Source.Kind,
		&e.Source.Provider,
		&e.Source.Language,
		&state,
		&externalID,
		&updatedAt,
	)
	if err != nil {
		return storage.Entry{}, err
	}

	e.ID = source.ID(id)
	e.State = storage.State(state)

	if !e.State.Valid() {
		return storage.Entry{}, fmt.Errorf("entry %s has unknown state %q", id, state)
	}

	if externalID.Valid {
		e.ExternalID = externalID.String
	}

	e.UpdatedAt, err = time.Parse(time.RFC3339Nano, updatedAt)
	if err != nil {
		return storage.Entry{}, fmt.Errorf("invalid updated_at %q: %w", updatedAt, err)
	}

	return e, nil
}
