// Package orchestrator drives a résumé record through one optimization run:
// start, analyze, optimize, render, terminal write. A run ends in exactly one
// of succeed or fail; there is no internal retry of provider calls.
package orchestrator

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/cvlift/cvlift/internal/lifecycle"
	"github.com/cvlift/cvlift/internal/model"
	"github.com/cvlift/cvlift/internal/provider"
	"github.com/cvlift/cvlift/internal/queue"
	"github.com/cvlift/cvlift/internal/render"
	"github.com/cvlift/cvlift/internal/repository"
)

// Store is the record persistence the runner needs. Every metadata write is
// conditional on the version the runner loaded, which is what enforces the
// at-most-one-active-run-per-record invariant.
type Store interface {
	Get(ctx context.Context, id int64) (*model.Record, error)
	UpdateMetadata(ctx context.Context, id, version int64, meta lifecycle.Metadata) (int64, error)
}

// Provider is the external AI capability.
type Provider interface {
	Analyze(ctx context.Context, text string) (provider.Analysis, error)
	Optimize(ctx context.Context, text string, a provider.Analysis) (string, error)
}

// ArtifactStore receives the rendered PDF. It may be nil; the metadata blob
// already carries the encoded artifact, the object store copy is for
// presigned downloads.
type ArtifactStore interface {
	UploadOptimized(ctx context.Context, objectKey string, data []byte) error
}

// RunOptions qualifies how a run was triggered.
type RunOptions struct {
	// Started runs had their start or restart transition applied by the
	// enqueuer; the runner must not re-apply Start.
	Started bool
	// Force lets an operator push through a record stuck in processing.
	Force bool
}

// Runner executes optimization runs.
type Runner struct {
	store           Store
	provider        Provider
	artifacts       ArtifactStore
	log             *slog.Logger
	defaultTemplate string
	now             func() time.Time
}

// NewRunner constructs a Runner. artifacts may be nil.
func NewRunner(store Store, p Provider, artifacts ArtifactStore, log *slog.Logger, defaultTemplate string) *Runner {
	if defaultTemplate == "" {
		defaultTemplate = render.TemplateClassic
	}
	return &Runner{
		store:           store,
		provider:        p,
		artifacts:       artifacts,
		log:             log,
		defaultTemplate: defaultTemplate,
		now:             time.Now,
	}
}

// Run drives the record through one complete optimization run.
func (r *Runner) Run(ctx context.Context, id int64, opts RunOptions) error {
	rec, err := r.store.Get(ctx, id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return &ValidationError{Reason: fmt.Sprintf("record %d does not exist", id)}
		}
		return &PersistenceError{Op: "load record", Err: err}
	}
	if rec.MetadataCorrupt {
		// Degraded to an empty state by the store; the run proceeds from
		// scratch and the next successful write repairs the blob.
		r.log.Warn("record metadata corrupt, treating as uninitialized", "id", id)
	}
	if strings.TrimSpace(rec.RawText) == "" {
		return &ValidationError{Reason: ErrMissingContent.Error()}
	}

	meta := rec.Metadata
	version := rec.Version
	if meta.State() == lifecycle.StateProcessing {
		if !opts.Started && !opts.Force {
			return ErrAlreadyRunning
		}
	} else if opts.Started {
		// The transition this task was enqueued for is gone: the record
		// already reached a terminal state, so this is a stale queue
		// redelivery. Re-applying Start here would be an automatic retry,
		// and retries only happen through an explicit restart.
		return ErrStaleDelivery
	} else {
		started, serr := meta.Start(r.now())
		if serr != nil {
			return serr
		}
		version, err = r.store.UpdateMetadata(ctx, id, version, started)
		if err != nil {
			if errors.Is(err, repository.ErrVersionConflict) {
				return ErrAlreadyRunning
			}
			return &PersistenceError{Op: "write start state", Err: err}
		}
		meta = started
	}

	template := meta.SelectedTemplate
	if template == "" {
		template = r.defaultTemplate
	}

	if err := r.progress(ctx, id, &version, &meta, 15, lifecycle.StatusAnalyzing); err != nil {
		return err
	}
	analysis, err := r.provider.Analyze(ctx, rec.RawText)
	if err != nil {
		return r.fail(ctx, id, version, meta, providerMessage(err))
	}

	if err := r.progress(ctx, id, &version, &meta, 55, lifecycle.StatusOptimizing); err != nil {
		return err
	}
	optimized, err := r.provider.Optimize(ctx, rec.RawText, analysis)
	if err != nil {
		return r.fail(ctx, id, version, meta, providerMessage(err))
	}

	if err := r.progress(ctx, id, &version, &meta, 85, lifecycle.StatusRendering); err != nil {
		return err
	}
	pdfBytes, err := render.ResumePDF(optimized, template)
	if err != nil {
		r.log.Error("render failed", "id", id, "err", err)
		return r.fail(ctx, id, version, meta, "failed to render the optimized document")
	}

	var objectKey string
	if r.artifacts != nil {
		key := fmt.Sprintf("optimized/%d/%s.pdf", id, uuid.NewString())
		if err := r.artifacts.UploadOptimized(ctx, key, pdfBytes); err != nil {
			// The metadata blob still carries the artifact; losing the
			// object-store copy only disables presigned downloads.
			r.log.Warn("artifact upload failed", "id", id, "key", key, "err", err)
		} else {
			objectKey = key
		}
	}

	done, err := meta.Succeed(lifecycle.Payload{
		OptimizedText:      optimized,
		OptimizedPDFBase64: base64.StdEncoding.EncodeToString(pdfBytes),
		OptimizedObjectKey: objectKey,
		SelectedTemplate:   template,
		Score:              analysis.Score,
		Suggestions:        analysis.Suggestions,
	}, r.now())
	if err != nil {
		return err
	}
	if _, err := r.store.UpdateMetadata(ctx, id, version, done); err != nil {
		return &PersistenceError{Op: "write terminal state", Err: err}
	}
	r.log.Info("record optimized", "id", id, "score", analysis.Score, "retries", done.RetryCount)
	return nil
}

// Dispatch runs the record inline on a fresh goroutine, detached from the
// request context. It stands in for the task queue in the in-memory dev mode.
func (r *Runner) Dispatch(_ context.Context, p queue.OptimizePayload) error {
	go func() {
		_ = r.Run(context.Background(), p.RecordID, RunOptions{Started: p.Started, Force: p.Force})
	}()
	return nil
}

// progress records forward movement; a version conflict means another writer
// took over the record and this run must stop without a terminal write.
func (r *Runner) progress(ctx context.Context, id int64, version *int64, meta *lifecycle.Metadata, pct int, status string) error {
	next, err := meta.Progress(pct, status)
	if err != nil {
		return err
	}
	newVersion, err := r.store.UpdateMetadata(ctx, id, *version, next)
	if err != nil {
		if errors.Is(err, repository.ErrVersionConflict) {
			return ErrAlreadyRunning
		}
		return &PersistenceError{Op: "write progress", Err: err}
	}
	*version = newVersion
	*meta = next
	return nil
}

// fail makes the single terminal failure write. The triggering request has
// long since returned, so the error is captured on the record where status
// polls can see it, not thrown into a void.
func (r *Runner) fail(ctx context.Context, id, version int64, meta lifecycle.Metadata, message string) error {
	failed, terr := meta.Fail(message, r.now())
	if terr != nil {
		return terr
	}
	if _, werr := r.store.UpdateMetadata(ctx, id, version, failed); werr != nil {
		r.log.Error("could not persist failure state", "id", id, "err", werr)
		return &PersistenceError{Op: "write failure state", Err: werr}
	}
	r.log.Info("record failed", "id", id, "reason", message)
	return &ProviderError{Message: message}
}

// providerMessage extracts the sanitized message from a provider failure and
// keeps everything else generic.
func providerMessage(err error) string {
	var perr *provider.Error
	if errors.As(err, &perr) {
		return perr.Message
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return "provider call timed out"
	}
	return "provider call failed"
}
