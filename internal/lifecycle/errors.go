package lifecycle

import "fmt"

// InvalidTransitionError reports an operation attempted from the wrong state.
// It is a rejected operation, never a crash.
type InvalidTransitionError struct {
	Op     string
	From   State
	Reason string
}

func (e *InvalidTransitionError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("invalid transition: %s from %s: %s", e.Op, e.From, e.Reason)
	}
	return fmt.Sprintf("invalid transition: %s from %s", e.Op, e.From)
}

// StructuralError reports a metadata blob that failed to parse. Readers treat
// the record as uninitialized and surface the flag instead of failing hard.
type StructuralError struct {
	Err error
}

func (e *StructuralError) Error() string {
	return fmt.Sprintf("corrupt metadata blob: %v", e.Err)
}

func (e *StructuralError) Unwrap() error { return e.Err }
