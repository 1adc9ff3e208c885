package storage

import (
	"context"
	"errors"
	"time"

	"github.com/italolelis/arroyo/internal/source"
)

// ErrNotFound is returned when the ledger has no entry for an id.
var ErrNotFound = errors.New("entry not found")

// State is the lifecycle state of a tracked item.
type State string

const (
	StateDownloading State = "downloading"
	StateSharing     State = "sharing"
	StateArchived    State = "archived"
)

func (s State) String() string {
	return string(s)
}

// IsActive reports whether the state belongs to the active set.
func (s State) IsActive() bool {
	return s == StateDownloading || s == StateSharing
}

// Valid reports whether s is one of the known states.
func (s State) Valid() bool {
	return s.IsActive() || s == StateArchived
}

// Entry is a tracked item record.
type Entry struct {
	ID         source.ID
	Source     source.Source
	State      State
	ExternalID string
	UpdatedAt  time.Time
}

// Batch is a set of changes applied atomically.
type Batch struct {
	Puts    []Entry
	Deletes []source.ID
}

func (b *Batch) Put(e Entry) {
	b.Puts = append(b.Puts, e)
}

func (b *Batch) Delete(id source.ID) {
	b.Deletes = append(b.Deletes, id)
}

// Empty reports whether the batch holds no changes.
func (b *Batch) Empty() bool {
	return len(b.Puts) == 0 && len(b.Deletes) == 0
}

type LedgerReader interface {
	Get(ctx context.Context, id source.ID) (Entry, error)
	ListAll(ctx context.Context) ([]Entry, error)
	ListActive(ctx context.Context) ([]Entry, error)
	FindByExternal(ctx context.Context, externalID string) (source.ID, error)
}

type LedgerWriter interface {
	Put(ctx context.Context, e Entry) error
	Delete(ctx context.Context, id source.ID) error // deleting an absent id is not an error
	Apply(ctx context.Context, b Batch) error       // all or nothing
}

// Ledger is the durable mapping from internal id to tracked-item record.
// Listings are ordered by id.
type Ledger interface {
	LedgerReader
	LedgerWriter
	Close() error
}
