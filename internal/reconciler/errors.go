package reconciler

import (
	"fmt"

	"github.com/italolelis/arroyo/internal/storage"
)

// ErrNotFound is returned by operations on ids that have no ledger entry.
var ErrNotFound = fmt.Errorf("item is not tracked: %w", storage.ErrNotFound)

// AdapterError represents a failed download agent call.
type AdapterError struct {
	Adapter    string
	Operation  string
	ExternalID string
	Err        error
}

func (e *AdapterError) Error() string {
	if e.ExternalID != "" {
		return fmt.Sprintf("%s %s failed for %s: %v", e.Adapter, e.Operation, e.ExternalID, e.Err)
	}

	return fmt.Sprintf("%s %s failed: %v", e.Adapter, e.Operation, e.Err)
}

func (e *AdapterError) Unwrap() error {
	return e.Err
}
