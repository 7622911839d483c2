// Package model contains struct definitions shared across packages.
package model

import (
	"time"

	"github.com/cvlift/cvlift/internal/lifecycle"
)

// Record is one uploaded résumé and its processing lifecycle state. Records
// are never physically deleted by this service.
type Record struct {
	ID       int64  `json:"id"`
	OwnerID  string `json:"ownerId"`
	FileName string `json:"fileName"`
	// ObjectKey locates the raw upload in the object store.
	ObjectKey string `json:"-"`
	// RawText is the extracted source text, set at upload and read-only
	// afterwards. It is required for processing to start.
	RawText  string             `json:"-"`
	Metadata lifecycle.Metadata `json:"metadata"`
	// MetadataCorrupt is set when the stored blob failed to parse; the
	// metadata above is then the degraded empty state.
	MetadataCorrupt bool `json:"-"`
	// Version backs the optimistic concurrency check on metadata writes.
	Version   int64     `json:"-"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Snapshot is the read-only status projection returned to API and CLI callers.
type Snapshot struct {
	ID              int64              `json:"id"`
	State           lifecycle.State    `json:"state"`
	Metadata        lifecycle.Metadata `json:"metadata"`
	StructuralError bool               `json:"structuralError,omitempty"`
	UpdatedAt       time.Time          `json:"updatedAt"`
}

// SnapshotOf projects a record into its status snapshot.
func SnapshotOf(r *Record) Snapshot {
	return Snapshot{
		ID:              r.ID,
		State:           r.Metadata.State(),
		Metadata:        r.Metadata,
		StructuralError: r.MetadataCorrupt,
		UpdatedAt:       r.UpdatedAt,
	}
}
