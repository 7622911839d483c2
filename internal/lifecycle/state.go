// Package lifecycle defines the processing state machine for a résumé record.
// All lifecycle fields live in a single metadata blob on the record; the
// transition methods in this package are the only mutation surface, so illegal
// field combinations cannot be produced by construction.
package lifecycle

import (
	"encoding/json"
	"time"
)

// State is the derived lifecycle state of a record.
type State string

const (
	StateUninitialized State = "uninitialized"
	StateProcessing    State = "processing"
	StateSucceeded     State = "succeeded"
	StateFailed        State = "failed"
)

// Phase labels written into ProcessingStatus as a run advances.
const (
	StatusStarting   = "starting"
	StatusAnalyzing  = "analyzing"
	StatusOptimizing = "optimizing"
	StatusRendering  = "rendering"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
)

// Metadata is the lifecycle state stored on each record. It serializes to one
// JSON blob; prior optimization fields survive later runs as history until a
// new success overwrites them.
type Metadata struct {
	Processing         bool       `json:"processing,omitempty"`
	ProcessingStatus   string     `json:"processingStatus,omitempty"`
	ProcessingProgress int        `json:"processingProgress,omitempty"`
	ProcessingError    string     `json:"processingError,omitempty"`
	Optimizing         bool       `json:"optimizing,omitempty"`
	Optimized          bool       `json:"optimized,omitempty"`
	RetryCount         int        `json:"retryCount,omitempty"`

	OptimizedText      string   `json:"optimizedText,omitempty"`
	OptimizedPDFBase64 string   `json:"optimizedPDFBase64,omitempty"`
	OptimizedObjectKey string   `json:"optimizedObjectKey,omitempty"`
	SelectedTemplate   string   `json:"selectedTemplate,omitempty"`
	AnalysisScore      int      `json:"analysisScore,omitempty"`
	Suggestions        []string `json:"suggestions,omitempty"`

	ProcessingStartTime *time.Time `json:"processingStartTime,omitempty"`
	CompletedAt         *time.Time `json:"completedAt,omitempty"`
	OptimizedAt         *time.Time `json:"optimizedAt,omitempty"`
}

// Payload carries the terminal result of a successful run into Succeed.
type Payload struct {
	OptimizedText      string
	OptimizedPDFBase64 string
	OptimizedObjectKey string
	SelectedTemplate   string
	Score              int
	Suggestions        []string
}

// State derives the current lifecycle state. Precedence matters: an in-flight
// run wins over everything, and a failed latest run wins over optimization
// history kept from an earlier success.
func (m Metadata) State() State {
	switch {
	case m.Processing:
		return StateProcessing
	case m.ProcessingError != "":
		return StateFailed
	case m.Optimized:
		return StateSucceeded
	default:
		return StateUninitialized
	}
}

// Start begins a run. Calling Start while a run is already in flight is a
// no-op; the store-level version check is what prevents duplicate runs, state
// alone never triggers a second provider call.
func (m Metadata) Start(now time.Time) (Metadata, error) {
	if m.Processing {
		return m, nil
	}
	t := now.UTC()
	m.Processing = true
	m.ProcessingStatus = StatusStarting
	m.ProcessingProgress = 0
	m.ProcessingError = ""
	m.ProcessingStartTime = &t
	return m, nil
}

// Progress records forward movement within the current run. Progress is
// monotonic per run: a value below the recorded one is rejected.
func (m Metadata) Progress(pct int, status string) (Metadata, error) {
	if m.State() != StateProcessing {
		return m, &InvalidTransitionError{Op: "progress", From: m.State()}
	}
	if pct < 0 || pct > 100 {
		return m, &InvalidTransitionError{Op: "progress", From: StateProcessing, Reason: "progress out of range"}
	}
	if pct < m.ProcessingProgress {
		return m, &InvalidTransitionError{Op: "progress", From: StateProcessing, Reason: "progress must not decrease"}
	}
	m.ProcessingProgress = pct
	if status != "" {
		m.ProcessingStatus = status
	}
	return m, nil
}

// Succeed terminates the run with its result payload.
func (m Metadata) Succeed(p Payload, now time.Time) (Metadata, error) {
	if m.State() != StateProcessing {
		return m, &InvalidTransitionError{Op: "succeed", From: m.State()}
	}
	t := now.UTC()
	m.Processing = false
	m.Optimizing = false
	m.Optimized = true
	m.ProcessingError = ""
	m.ProcessingStatus = StatusCompleted
	m.ProcessingProgress = 100
	m.OptimizedText = p.OptimizedText
	m.OptimizedPDFBase64 = p.OptimizedPDFBase64
	m.OptimizedObjectKey = p.OptimizedObjectKey
	m.SelectedTemplate = p.SelectedTemplate
	m.AnalysisScore = p.Score
	m.Suggestions = p.Suggestions
	m.CompletedAt = &t
	m.OptimizedAt = &t
	return m, nil
}

// Fail terminates the run with an error message. Optimization fields from an
// earlier success are left untouched as history.
func (m Metadata) Fail(message string, now time.Time) (Metadata, error) {
	if m.State() != StateProcessing {
		return m, &InvalidTransitionError{Op: "fail", From: m.State()}
	}
	if message == "" {
		message = "processing failed"
	}
	m.Processing = false
	m.Optimizing = false
	m.ProcessingError = message
	m.ProcessingStatus = StatusFailed
	return m, nil
}

// Restart re-enters the processing state after a failure, incrementing the
// retry counter. With force set, an operator may also restart a record stuck
// in the processing state (e.g. after a crashed worker); the normal path
// requires a failed record.
func (m Metadata) Restart(force bool, now time.Time) (Metadata, error) {
	switch {
	case m.State() == StateFailed:
	case force && m.Processing:
	default:
		return m, &InvalidTransitionError{Op: "restart", From: m.State(), Reason: "restart requires a failed record"}
	}
	t := now.UTC()
	m.ProcessingError = ""
	m.Processing = true
	m.Optimizing = true
	m.RetryCount++
	m.ProcessingProgress = 0
	m.ProcessingStatus = StatusStarting
	m.ProcessingStartTime = &t
	return m, nil
}

// StaleSince reports whether a record has been in the processing state longer
// than threshold, making it eligible for a forced restart.
func (m Metadata) StaleSince(now time.Time, threshold time.Duration) bool {
	if !m.Processing || m.ProcessingStartTime == nil {
		return false
	}
	return now.Sub(*m.ProcessingStartTime) > threshold
}

// Parse decodes a stored metadata blob. A nil or empty blob is an empty state.
// A corrupt blob degrades to an empty state plus a StructuralError so that
// read-only callers never crash on bad data.
func Parse(blob []byte) (Metadata, error) {
	if len(blob) == 0 {
		return Metadata{}, nil
	}
	var m Metadata
	if err := json.Unmarshal(blob, &m); err != nil {
		return Metadata{}, &StructuralError{Err: err}
	}
	return m, nil
}

// Encode serializes the metadata for storage as a single blob overwrite.
func (m Metadata) Encode() ([]byte, error) {
	return json.Marshal(m)
}
