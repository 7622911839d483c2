package orchestrator

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/cvlift/cvlift/internal/lifecycle"
	"github.com/cvlift/cvlift/internal/model"
	"github.com/cvlift/cvlift/internal/provider"
	"github.com/cvlift/cvlift/internal/storage"
)

const rawResume = "John Doe\nSoftware Engineer\n\nEXPERIENCE\nBuilt things that mostly worked."

type fakeProvider struct {
	analysis     provider.Analysis
	optimized    string
	analyzeErr   error
	optimizeErr  error
	analyzeCalls int
	onAnalyze    func()
}

func (f *fakeProvider) Analyze(ctx context.Context, text string) (provider.Analysis, error) {
	f.analyzeCalls++
	if f.onAnalyze != nil {
		f.onAnalyze()
	}
	if f.analyzeErr != nil {
		return provider.Analysis{}, f.analyzeErr
	}
	return f.analysis, nil
}

func (f *fakeProvider) Optimize(ctx context.Context, text string, a provider.Analysis) (string, error) {
	if f.optimizeErr != nil {
		return "", f.optimizeErr
	}
	return f.optimized, nil
}

type fakeArtifacts struct {
	key  string
	data []byte
	err  error
}

func (f *fakeArtifacts) UploadOptimized(_ context.Context, key string, data []byte) error {
	if f.err != nil {
		return f.err
	}
	f.key = key
	f.data = data
	return nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newRecord(t *testing.T, store *storage.MemoryStore, rawText string) *model.Record {
	t.Helper()
	rec := &model.Record{OwnerID: "u1", FileName: "resume.pdf", RawText: rawText}
	if err := store.Create(context.Background(), rec); err != nil {
		t.Fatalf("create record: %v", err)
	}
	return rec
}

func goodProvider() *fakeProvider {
	return &fakeProvider{
		analysis:  provider.Analysis{Score: 81, Suggestions: []string{"quantify impact"}},
		optimized: "John Doe\nSoftware Engineer\n\nEXPERIENCE\nBuilt things that demonstrably worked.",
	}
}

func TestRunCompletesLifecycle(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	rec := newRecord(t, store, rawResume)
	arts := &fakeArtifacts{}
	runner := NewRunner(store, goodProvider(), arts, discardLogger(), "classic")

	if err := runner.Run(ctx, rec.ID, RunOptions{}); err != nil {
		t.Fatalf("run: %v", err)
	}
	got, _ := store.Get(ctx, rec.ID)
	m := got.Metadata
	if m.State() != lifecycle.StateSucceeded || m.Processing {
		t.Fatalf("state = %s, processing = %v", m.State(), m.Processing)
	}
	if m.OptimizedText == "" || m.AnalysisScore != 81 || m.ProcessingProgress != 100 {
		t.Fatalf("terminal payload incomplete: %+v", m)
	}
	pdf, err := base64.StdEncoding.DecodeString(m.OptimizedPDFBase64)
	if err != nil || !bytes.HasPrefix(pdf, []byte("%PDF")) {
		t.Fatalf("stored artifact is not a base64 PDF")
	}
	if arts.key == "" || !bytes.Equal(arts.data, pdf) {
		t.Fatalf("artifact store did not receive the rendered PDF")
	}
}

func TestRunRecordsProviderFailure(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	rec := newRecord(t, store, rawResume)
	p := goodProvider()
	p.analyzeErr = &provider.Error{Message: "rate limit exceeded"}
	runner := NewRunner(store, p, nil, discardLogger(), "classic")

	err := runner.Run(ctx, rec.ID, RunOptions{})
	var perr *ProviderError
	if !errors.As(err, &perr) {
		t.Fatalf("error = %v, want ProviderError", err)
	}
	got, _ := store.Get(ctx, rec.ID)
	m := got.Metadata
	if m.State() != lifecycle.StateFailed || m.Processing {
		t.Fatalf("state = %s after provider failure", m.State())
	}
	if m.ProcessingError != "rate limit exceeded" {
		t.Fatalf("processingError = %q", m.ProcessingError)
	}
	if m.Optimized {
		t.Fatalf("failure must not mark the record optimized")
	}
}

func TestRestartedRunRecovers(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	rec := newRecord(t, store, rawResume)
	p := goodProvider()
	p.analyzeErr = &provider.Error{Message: "rate limit exceeded"}
	runner := NewRunner(store, p, nil, discardLogger(), "classic")
	_ = runner.Run(ctx, rec.ID, RunOptions{})

	// The restart handler applies the transition, then re-enqueues.
	got, _ := store.Get(ctx, rec.ID)
	restarted, err := got.Metadata.Restart(false, time.Now())
	if err != nil {
		t.Fatalf("restart transition: %v", err)
	}
	if _, err := store.UpdateMetadata(ctx, rec.ID, got.Version, restarted); err != nil {
		t.Fatalf("write restart state: %v", err)
	}
	snap, _ := store.Get(ctx, rec.ID)
	if !snap.Metadata.Processing || snap.Metadata.RetryCount != 1 || snap.Metadata.ProcessingError != "" {
		t.Fatalf("restart snapshot wrong: %+v", snap.Metadata)
	}

	p.analyzeErr = nil
	if err := runner.Run(ctx, rec.ID, RunOptions{Started: true}); err != nil {
		t.Fatalf("restarted run: %v", err)
	}
	final, _ := store.Get(ctx, rec.ID)
	if final.Metadata.State() != lifecycle.StateSucceeded || final.Metadata.RetryCount != 1 {
		t.Fatalf("final state = %+v", final.Metadata)
	}
}

func TestRedeliveredTaskNeverRetriesFailedRecord(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	rec := newRecord(t, store, rawResume)
	p := goodProvider()
	p.analyzeErr = &provider.Error{Message: "rate limit exceeded"}
	runner := NewRunner(store, p, nil, discardLogger(), "classic")
	_ = runner.Run(ctx, rec.ID, RunOptions{})
	calls := p.analyzeCalls

	// The queue redelivers the original task after the run already failed.
	p.analyzeErr = nil
	if err := runner.Run(ctx, rec.ID, RunOptions{Started: true}); !errors.Is(err, ErrStaleDelivery) {
		t.Fatalf("error = %v, want ErrStaleDelivery", err)
	}
	if p.analyzeCalls != calls {
		t.Fatalf("redelivery must not call the provider again")
	}
	got, _ := store.Get(ctx, rec.ID)
	m := got.Metadata
	if m.State() != lifecycle.StateFailed || m.RetryCount != 0 {
		t.Fatalf("redelivery must leave the failed record alone: state=%s retries=%d", m.State(), m.RetryCount)
	}
	if m.ProcessingError != "rate limit exceeded" {
		t.Fatalf("redelivery must keep the recorded error, got %q", m.ProcessingError)
	}
}

func TestRedeliveredTaskNeverRerunsSucceededRecord(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	rec := newRecord(t, store, rawResume)
	p := goodProvider()
	runner := NewRunner(store, p, nil, discardLogger(), "classic")
	if err := runner.Run(ctx, rec.ID, RunOptions{}); err != nil {
		t.Fatalf("run: %v", err)
	}
	calls := p.analyzeCalls

	if err := runner.Run(ctx, rec.ID, RunOptions{Started: true, Force: true}); !errors.Is(err, ErrStaleDelivery) {
		t.Fatalf("error = %v, want ErrStaleDelivery", err)
	}
	if p.analyzeCalls != calls {
		t.Fatalf("redelivery must not re-run an unrequested optimization")
	}
	got, _ := store.Get(ctx, rec.ID)
	if got.Metadata.State() != lifecycle.StateSucceeded {
		t.Fatalf("state = %s, want succeeded", got.Metadata.State())
	}
}

func TestRunRejectsEmptyRawText(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	rec := newRecord(t, store, "   ")
	runner := NewRunner(store, goodProvider(), nil, discardLogger(), "classic")

	err := runner.Run(ctx, rec.ID, RunOptions{})
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("error = %v, want ValidationError", err)
	}
	got, _ := store.Get(ctx, rec.ID)
	if got.Metadata.State() != lifecycle.StateUninitialized {
		t.Fatalf("record must be unchanged, got %+v", got.Metadata)
	}
}

func TestRunRefusesActiveRecord(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	rec := newRecord(t, store, rawResume)
	started, _ := rec.Metadata.Start(time.Now())
	if _, err := store.UpdateMetadata(ctx, rec.ID, rec.Version, started); err != nil {
		t.Fatalf("seed processing state: %v", err)
	}
	p := goodProvider()
	runner := NewRunner(store, p, nil, discardLogger(), "classic")

	if err := runner.Run(ctx, rec.ID, RunOptions{}); !errors.Is(err, ErrAlreadyRunning) {
		t.Fatalf("error = %v, want ErrAlreadyRunning", err)
	}
	if p.analyzeCalls != 0 {
		t.Fatalf("provider must not be called for an active record")
	}
}

func TestRunAbortsOnConcurrentWriter(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	rec := newRecord(t, store, rawResume)
	p := goodProvider()
	// While this run awaits the provider, another writer bumps the version.
	p.onAnalyze = func() {
		cur, _ := store.Get(ctx, rec.ID)
		next, _ := cur.Metadata.Progress(99, "hijacked")
		if _, err := store.UpdateMetadata(ctx, rec.ID, cur.Version, next); err != nil {
			t.Fatalf("interloper write: %v", err)
		}
	}
	runner := NewRunner(store, p, nil, discardLogger(), "classic")

	if err := runner.Run(ctx, rec.ID, RunOptions{}); !errors.Is(err, ErrAlreadyRunning) {
		t.Fatalf("error = %v, want ErrAlreadyRunning", err)
	}
	got, _ := store.Get(ctx, rec.ID)
	if got.Metadata.ProcessingProgress != 99 {
		t.Fatalf("losing run clobbered the winning writer: %+v", got.Metadata)
	}
}

func TestRunRepairsCorruptMetadata(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	rec := newRecord(t, store, rawResume)
	store.PutBlob(rec.ID, []byte(`{"processing": tru`))

	runner := NewRunner(store, goodProvider(), nil, discardLogger(), "classic")
	if err := runner.Run(ctx, rec.ID, RunOptions{}); err != nil {
		t.Fatalf("run over corrupt metadata: %v", err)
	}
	got, _ := store.Get(ctx, rec.ID)
	if got.MetadataCorrupt || got.Metadata.State() != lifecycle.StateSucceeded {
		t.Fatalf("run did not repair the blob: corrupt=%v state=%s", got.MetadataCorrupt, got.Metadata.State())
	}
}

func TestArtifactUploadFailureIsNotFatal(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	rec := newRecord(t, store, rawResume)
	arts := &fakeArtifacts{err: errors.New("bucket offline")}
	runner := NewRunner(store, goodProvider(), arts, discardLogger(), "classic")

	if err := runner.Run(ctx, rec.ID, RunOptions{}); err != nil {
		t.Fatalf("run: %v", err)
	}
	got, _ := store.Get(ctx, rec.ID)
	if got.Metadata.State() != lifecycle.StateSucceeded || got.Metadata.OptimizedPDFBase64 == "" {
		t.Fatalf("run must succeed on metadata alone: %+v", got.Metadata)
	}
}
