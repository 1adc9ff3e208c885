package storage

import (
	"context"

	"github.com/italolelis/arroyo/internal/source"
	"github.com/italolelis/arroyo/internal/telemetry"
)

// InstrumentedLedger wraps a Ledger with telemetry.
type InstrumentedLedger struct {
	ledger    Ledger
	telemetry *telemetry.Telemetry
}

func NewInstrumentedLedger(ledger Ledger, tel *telemetry.Telemetry) *InstrumentedLedger {
	return &InstrumentedLedger{ledger: ledger, telemetry: tel}
}

func (l *InstrumentedLedger) Get(ctx context.Context, id source.ID) (Entry, error) {
	var result Entry

	err := l.telemetry.InstrumentDBOperation(ctx, "get_entry", func(ctx context.Context) error {
		var err error

		result, err = l.ledger.Get(ctx, id)

		return err
	})

	return result, err
}

func (l *InstrumentedLedger) ListAll(ctx context.Context) ([]Entry, error) {
	var result []Entry

	err := l.telemetry.InstrumentDBOperation(ctx, "list_all", func(ctx context.Context) error {
		var err error

		result, err = l.ledger.ListAll(ctx)

		return err
	})

	return result, err
}

func (l *InstrumentedLedger) ListActive(ctx context.Context) ([]Entry, error) {
	var result []Entry

	err := l.telemetry.InstrumentDBOperation(ctx, "list_active", func(ctx context.Context) error {
		var err error

		result, err = l.ledger.ListActive(ctx)

		return err
	})

	return result, err
}

func (l *InstrumentedLedger) FindByExternal(ctx context.Context, externalID string) (source.ID, error) {
	var result source.ID

	err := l.telemetry.InstrumentDBOperation(ctx, "find_by_external", func(ctx context.Context) error {
		var err error

		result, err = l.ledger.FindByExternal(ctx, externalID)

		return err
	})

	return result, err
}

func (l *InstrumentedLedger) Put(ctx context.Context, e Entry) error {
	return l.telemetry.InstrumentDBOperation(ctx, "put_entry", func(ctx context.Context) error {
		return l.ledger.Put(ctx, e)
	})
}

func (l *InstrumentedLedger) Delete(ctx context.Context, id source.ID) error {
	return l.telemetry.InstrumentDBOperation(ctx, "delete_entry", func(ctx context.Context) error {
		return l.ledger.Delete(ctx, id)
	})
}

func (l *InstrumentedLedger) Apply(ctx context.Context, b Batch) error {
	return l.telemetry.InstrumentDBOperation(ctx, "apply_batch", func(ctx context.Context) error {
		return l.ledger.Apply(ctx, b)
	})
}

func (l *InstrumentedLedger) Close() error {
	return l.ledger.Close()
}
