// Package storage contains the in-memory record store used by tests and by
// the standalone dev mode, mirroring the SQL repository's contract including
// the optimistic version check on metadata writes.
package storage

import (
	"context"
	"sync"
	"time"

	"github.com/cvlift/cvlift/internal/lifecycle"
	"github.com/cvlift/cvlift/internal/model"
	"github.com/cvlift/cvlift/internal/repository"
)

type entry struct {
	rec model.Record
	// blob is the canonical metadata, stored serialized exactly like the SQL
	// repository stores it, so corrupt-blob handling behaves the same.
	blob []byte
}

// MemoryStore is a mutex-guarded record store.
type MemoryStore struct {
	mu   sync.RWMutex
	seq  int64
	recs map[int64]*entry
}

// NewMemoryStore constructs an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{recs: make(map[int64]*entry)}
}

// Create inserts a record and assigns its id.
func (m *MemoryStore) Create(_ context.Context, rec *model.Record) error {
	blob, err := rec.Metadata.Encode()
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq++
	now := time.Now().UTC()
	rec.ID = m.seq
	rec.Version = 1
	rec.CreatedAt = now
	rec.UpdatedAt = now
	m.recs[rec.ID] = &entry{rec: *rec, blob: blob}
	return nil
}

// Get returns a copy of the record, degrading corrupt metadata to an empty
// state with MetadataCorrupt set.
func (m *MemoryStore) Get(_ context.Context, id int64) (*model.Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.recs[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	rec := e.rec
	meta, err := lifecycle.Parse(e.blob)
	rec.Metadata = meta
	rec.MetadataCorrupt = err != nil
	return &rec, nil
}

// UpdateMetadata overwrites the metadata blob if the version still matches.
func (m *MemoryStore) UpdateMetadata(_ context.Context, id, version int64, meta lifecycle.Metadata) (int64, error) {
	blob, err := meta.Encode()
	if err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.recs[id]
	if !ok {
		return 0, repository.ErrNotFound
	}
	if e.rec.Version != version {
		return 0, repository.ErrVersionConflict
	}
	e.blob = blob
	e.rec.Version++
	e.rec.UpdatedAt = time.Now().UTC()
	return e.rec.Version, nil
}

// ListByOwner returns the owner's records.
func (m *MemoryStore) ListByOwner(_ context.Context, ownerID string) ([]*model.Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*model.Record
	for _, e := range m.recs {
		if e.rec.OwnerID != ownerID {
			continue
		}
		rec := e.rec
		meta, err := lifecycle.Parse(e.blob)
		rec.Metadata = meta
		rec.MetadataCorrupt = err != nil
		out = append(out, &rec)
	}
	return out, nil
}

// ListStale returns records stuck in the processing state since before cutoff.
func (m *MemoryStore) ListStale(_ context.Context, cutoff time.Time) ([]*model.Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*model.Record
	for _, e := range m.recs {
		meta, err := lifecycle.Parse(e.blob)
		if err != nil || !meta.Processing || meta.ProcessingStartTime == nil {
			continue
		}
		if meta.ProcessingStartTime.Before(cutoff) {
			rec := e.rec
			rec.Metadata = meta
			out = append(out, &rec)
		}
	}
	return out, nil
}

// PutBlob overwrites the stored metadata blob verbatim. Tests use it to plant
// blobs the normal write path would never produce, such as corrupt JSON.
func (m *MemoryStore) PutBlob(id int64, blob []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.recs[id]; ok {
		e.blob = blob
	}
}
