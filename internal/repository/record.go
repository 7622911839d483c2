package repository

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/cvlift/cvlift/internal/lifecycle"
	"github.com/cvlift/cvlift/internal/model"
)

var (
	// ErrNotFound reports a missing record id.
	ErrNotFound = errors.New("record not found")
	// ErrVersionConflict reports a metadata write that lost the optimistic
	// concurrency check to another writer. At most one run per record may be
	// active; every lifecycle write is conditional on the version it loaded.
	ErrVersionConflict = errors.New("record version conflict")
)

// Records wraps all SQL used by the API, worker and CLI.
type Records struct {
	pool *pgxpool.Pool
	log  *slog.Logger
}

// NewRecords constructs a repository.
func NewRecords(pool *pgxpool.Pool, log *slog.Logger) *Records {
	return &Records{pool: pool, log: log}
}

// Create inserts a freshly uploaded record and fills in its assigned id.
func (r *Records) Create(ctx context.Context, rec *model.Record) error {
	now := time.Now().UTC()
	rec.CreatedAt = now
	rec.UpdatedAt = now
	rec.Version = 1
	blob, err := rec.Metadata.Encode()
	if err != nil {
		return fmt.Errorf("encode metadata: %w", err)
	}
	row := r.pool.QueryRow(ctx, `
		INSERT INTO resumes (owner_id, file_name, object_key, raw_text, metadata, version, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		RETURNING id
	`, rec.OwnerID, rec.FileName, rec.ObjectKey, rec.RawText, blob, rec.Version, rec.CreatedAt, rec.UpdatedAt)
	if err := row.Scan(&rec.ID); err != nil {
		return fmt.Errorf("insert record: %w", err)
	}
	return nil
}

// Get returns a record by id. A corrupt metadata blob does not fail the read:
// the record comes back with an empty state and MetadataCorrupt set, and the
// structural problem is logged.
func (r *Records) Get(ctx context.Context, id int64) (*model.Record, error) {
	var (
		rec  model.Record
		blob []byte
	)
	row := r.pool.QueryRow(ctx, `
		SELECT id, owner_id, file_name, object_key, raw_text, metadata, version, created_at, updated_at
		FROM resumes WHERE id=$1
	`, id)
	err := row.Scan(&rec.ID, &rec.OwnerID, &rec.FileName, &rec.ObjectKey, &rec.RawText, &blob, &rec.Version, &rec.CreatedAt, &rec.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("select record: %w", err)
	}
	meta, perr := lifecycle.Parse(blob)
	if perr != nil {
		r.log.Error("record has corrupt metadata", "id", rec.ID, "err", perr)
		rec.MetadataCorrupt = true
	}
	rec.Metadata = meta
	return &rec, nil
}

// UpdateMetadata overwrites the metadata blob conditionally on the version the
// caller loaded, returning the new version. A concurrent writer surfaces as
// ErrVersionConflict rather than a silent last-write-wins.
func (r *Records) UpdateMetadata(ctx context.Context, id, version int64, meta lifecycle.Metadata) (int64, error) {
	blob, err := meta.Encode()
	if err != nil {
		return 0, fmt.Errorf("encode metadata: %w", err)
	}
	tag, err := r.pool.Exec(ctx, `
		UPDATE resumes
		SET metadata=$1, version=version+1, updated_at=$2
		WHERE id=$3 AND version=$4
	`, blob, time.Now().UTC(), id, version)
	if err != nil {
		return 0, fmt.Errorf("update metadata: %w", err)
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := r.pool.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM resumes WHERE id=$1)`, id).Scan(&exists); err != nil {
			return 0, fmt.Errorf("check record: %w", err)
		}
		if !exists {
			return 0, ErrNotFound
		}
		return 0, ErrVersionConflict
	}
	return version + 1, nil
}

// ListByOwner returns all records belonging to one owner, newest first.
func (r *Records) ListByOwner(ctx context.Context, ownerID string) ([]*model.Record, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, owner_id, file_name, object_key, raw_text, metadata, version, created_at, updated_at
		FROM resumes WHERE owner_id=$1 ORDER BY created_at DESC
	`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("list records: %w", err)
	}
	defer rows.Close()
	return r.collect(rows)
}

// ListStale returns records that have been in the processing state since
// before cutoff, i.e. runs abandoned by a crashed or restarted worker.
func (r *Records) ListStale(ctx context.Context, cutoff time.Time) ([]*model.Record, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, owner_id, file_name, object_key, raw_text, metadata, version, created_at, updated_at
		FROM resumes
		WHERE (metadata->>'processing')::boolean IS TRUE
		  AND (metadata->>'processingStartTime')::timestamptz < $1
		ORDER BY id
	`, cutoff.UTC())
	if err != nil {
		return nil, fmt.Errorf("list stale records: %w", err)
	}
	defer rows.Close()
	return r.collect(rows)
}

func (r *Records) collect(rows pgx.Rows) ([]*model.Record, error) {
	var out []*model.Record
	for rows.Next() {
		var (
			rec  model.Record
			blob []byte
		)
		err := rows.Scan(&rec.ID, &rec.OwnerID, &rec.FileName, &rec.ObjectKey, &rec.RawText, &blob, &rec.Version, &rec.CreatedAt, &rec.UpdatedAt)
		if err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		meta, perr := lifecycle.Parse(blob)
		if perr != nil {
			r.log.Error("record has corrupt metadata", "id", rec.ID, "err", perr)
			rec.MetadataCorrupt = true
		}
		rec.Metadata = meta
		out = append(out, &rec)
	}
	return out, rows.Err()
}
