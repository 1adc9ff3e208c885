package dc

import (
	"context"

	"github.com/italolelis/arroyo/internal/source"
	"github.com/italolelis/arroyo/internal/telemetry"
)

// InstrumentedAdapter wraps an Adapter with telemetry.
type InstrumentedAdapter struct {
	adapter   Adapter
	telemetry *telemetry.Telemetry
}

var (
	_ Adapter       = (*InstrumentedAdapter)(nil)
	_ Authenticator = (*InstrumentedAdapter)(nil)
)

func NewInstrumentedAdapter(adapter Adapter, tel *telemetry.Telemetry) *InstrumentedAdapter {
	return &InstrumentedAdapter{adapter: adapter, telemetry: tel}
}

func (a *InstrumentedAdapter) Name() string {
	return a.adapter.Name()
}

// Authenticate delegates when the wrapped adapter needs a session.
func (a *InstrumentedAdapter) Authenticate(ctx context.Context) error {
	auth, ok := a.adapter.(Authenticator)
	if !ok {
		return nil
	}

	return a.telemetry.InstrumentClientOperation(ctx, a.Name(), "authenticate", auth.Authenticate)
}

func (a *InstrumentedAdapter) Add(ctx context.Context, src source.Source) (string, error) {
	var result string

	err := a.telemetry.InstrumentClientOperation(ctx, a.Name(), "add", func(ctx context.Context) error {
		var err error

		result, err = a.adapter.Add(ctx, src)

		return err
	})

	return result, err
}

func (a *InstrumentedAdapter) Cancel(ctx context.Context, externalID string) error {
	return a.telemetry.InstrumentClientOperation(ctx, a.Name(), "cancel", func(ctx context.Context) error {
		return a.adapter.Cancel(ctx, externalID)
	})
}

func (a *InstrumentedAdapter) Archive(ctx context.Context, externalID string) error {
	return a.telemetry.InstrumentClientOperation(ctx, a.Name(), "archive", func(ctx context.Context) error {
		return a.adapter.Archive(ctx, externalID)
	})
}

func (a *InstrumentedAdapter) Remove(ctx context.Context, externalID string, deleteData bool) error {
	return a.telemetry.InstrumentClientOperation(ctx, a.Name(), "remove", func(ctx context.Context) error {
		return a.adapter.Remove(ctx, externalID, deleteData)
	})
}

func (a *InstrumentedAdapter) List(ctx context.Context) ([]*Transfer, error) {
	var result []*Transfer

	err := a.telemetry.InstrumentClientOperation(ctx, a.Name(), "list", func(ctx context.Context) error {
		var err error

		result, err = a.adapter.List(ctx)

		return err
	})

	return result, err
}

func (a *InstrumentedAdapter) Dump(ctx context.Context) ([]Report, error) {
	var result []Report

	err := a.telemetry.InstrumentClientOperation(ctx, a.Name(), "dump", func(ctx context.Context) error {
		var err error

		result, err = a.adapter.Dump(ctx)

		return err
	})

	return result, err
}
