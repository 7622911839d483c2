package orchestrator

import (
	"errors"
	"fmt"
)

// The three failure classes a caller can act on: bad input is never retried,
// provider failures are retried only via an explicit restart, and persistence
// failures mean no partial state can be assumed durable.

// ValidationError reports missing or invalid input for a run.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string { return "validation: " + e.Reason }

// ProviderError reports a failed or malformed external AI call. Message is
// sanitized and safe to persist.
type ProviderError struct {
	Message string
}

func (e *ProviderError) Error() string { return "provider: " + e.Message }

// PersistenceError reports a record that could not be read or written.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string { return fmt.Sprintf("persistence: %s: %v", e.Op, e.Err) }

func (e *PersistenceError) Unwrap() error { return e.Err }

var (
	// ErrMissingContent means the record has no extracted text left to
	// process; the owner must re-upload the source document.
	ErrMissingContent = errors.New("record has no extracted text; re-upload the source document")
	// ErrAlreadyRunning means a processing run is already active for the
	// record; at most one run per record may be in flight.
	ErrAlreadyRunning = errors.New("a processing run is already active for this record")
	// ErrStaleDelivery means a queued task outlived the run it belonged to:
	// the record is already terminal and only an explicit restart may run it
	// again.
	ErrStaleDelivery = errors.New("run already finished; stale task delivery dropped")
)
