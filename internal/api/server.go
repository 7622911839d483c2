// Package api exposes the HTTP surface of the optimization lifecycle:
// upload, status, restart and the result consumers.
package api

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cvlift/cvlift/internal/config"
	"github.com/cvlift/cvlift/internal/lifecycle"
	"github.com/cvlift/cvlift/internal/model"
	"github.com/cvlift/cvlift/internal/orchestrator"
	pdfutil "github.com/cvlift/cvlift/internal/pdf"
	"github.com/cvlift/cvlift/internal/queue"
	"github.com/cvlift/cvlift/internal/render"
	"github.com/cvlift/cvlift/internal/repository"
	"github.com/cvlift/cvlift/internal/signing"
)

// Store is the record persistence the API needs.
type Store interface {
	Create(ctx context.Context, rec *model.Record) error
	Get(ctx context.Context, id int64) (*model.Record, error)
	UpdateMetadata(ctx context.Context, id, version int64, meta lifecycle.Metadata) (int64, error)
	ListByOwner(ctx context.Context, ownerID string) ([]*model.Record, error)
}

// Dispatcher hands an optimization run to the worker side, either through the
// task queue or inline in dev mode.
type Dispatcher interface {
	Dispatch(ctx context.Context, payload queue.OptimizePayload) error
}

// BlobStore is the object-store slice the API needs. It may be nil; raw
// uploads then live only in the record row.
type BlobStore interface {
	UploadRaw(ctx context.Context, objectKey string, reader io.Reader, size int64, contentType string) error
	PresignOptimizedURL(ctx context.Context, objectKey string, ttl time.Duration) (string, error)
}

// Server exposes HTTP endpoints for uploads and lifecycle visibility.
type Server struct {
	cfg      *config.Config
	store    Store
	blobs    BlobStore
	dispatch Dispatcher
	signer   *signing.Signer
	log      *slog.Logger
	server   *http.Server
	once     sync.Once
}

// New constructs a Server. blobs may be nil.
func New(cfg *config.Config, store Store, blobs BlobStore, dispatch Dispatcher, log *slog.Logger) *Server {
	return &Server{
		cfg:      cfg,
		store:    store,
		blobs:    blobs,
		dispatch: dispatch,
		signer:   signing.NewSigner(cfg.SigningSecret),
		log:      log,
	}
}

// Handler builds the route table. Split out from Run so tests can drive the
// mux directly.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/resumes", s.handleResumes)
	mux.HandleFunc("/resumes/", s.handleResumeRoute)
	return corsMiddleware(s.loggingMiddleware(mux))
}

// Run starts the HTTP server and blocks until the context is cancelled.
func (s *Server) Run(ctx context.Context) error {
	s.once.Do(func() {
		s.server = &http.Server{
			Addr:    s.cfg.Address,
			Handler: s.Handler(),
		}
	})
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.server.Shutdown(shutdownCtx)
	}()
	s.log.Info("api listening", "addr", s.cfg.Address)
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleResumes(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.handleUpload(w, r)
	case http.MethodGet:
		s.handleList(w, r)
	default:
		respondError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (s *Server) handleResumeRoute(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/resumes/")
	parts := strings.Split(path, "/")
	if len(parts) == 0 || parts[0] == "" {
		http.NotFound(w, r)
		return
	}
	id, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid record id")
		return
	}
	if len(parts) == 1 {
		s.handleStatus(w, r, id)
		return
	}
	switch parts[1] {
	case "restart":
		s.handleRestart(w, r, id)
	case "optimized":
		s.handleOptimized(w, r, id)
	case "download":
		s.handleDownload(w, r, id)
	case "download-url":
		s.handleDownloadURL(w, r, id)
	case "artifact-url":
		s.handleArtifactURL(w, r, id)
	default:
		http.NotFound(w, r)
	}
}

// handleUpload accepts a multipart résumé (PDF or plain text), extracts its
// text, stores the record, applies the start transition and hands the run to
// the worker. The response returns before the run completes.
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxFileSize+1024)
	mr, err := r.MultipartReader()
	if err != nil {
		respondError(w, http.StatusBadRequest, "expecting multipart form")
		return
	}
	upload, template, err := s.readForm(mr)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	rawText, err := extractText(upload)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(rawText) == "" {
		respondError(w, http.StatusBadRequest, "no extractable text in upload")
		return
	}
	if template != "" && !validTemplate(template) {
		respondError(w, http.StatusBadRequest, "unknown template")
		return
	}

	objectKey := fmt.Sprintf("uploads/%s/%s", uuid.NewString(), filepath.Base(upload.filename))
	if s.blobs != nil {
		if err := s.blobs.UploadRaw(ctx, objectKey, bytes.NewReader(upload.data), int64(len(upload.data)), upload.contentType); err != nil {
			s.log.Error("raw upload failed", "key", objectKey, "err", err)
			respondError(w, http.StatusInternalServerError, "failed to store file")
			return
		}
	}

	rec := &model.Record{
		OwnerID:   ownerID(r),
		FileName:  upload.filename,
		ObjectKey: objectKey,
		RawText:   rawText,
		Metadata:  lifecycle.Metadata{SelectedTemplate: template},
	}
	if err := s.store.Create(ctx, rec); err != nil {
		s.log.Error("create record failed", "err", err)
		respondError(w, http.StatusInternalServerError, "failed to store metadata")
		return
	}

	started, err := rec.Metadata.Start(time.Now())
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to start processing")
		return
	}
	if _, err := s.store.UpdateMetadata(ctx, rec.ID, rec.Version, started); err != nil {
		s.log.Error("write start state failed", "id", rec.ID, "err", err)
		respondError(w, http.StatusInternalServerError, "failed to start processing")
		return
	}
	rec.Metadata = started

	if err := s.dispatch.Dispatch(ctx, queue.OptimizePayload{RecordID: rec.ID, Started: true}); err != nil {
		s.log.Error("dispatch failed", "id", rec.ID, "err", err)
		respondError(w, http.StatusInternalServerError, "failed to queue processing")
		return
	}
	respondJSON(w, http.StatusAccepted, model.SnapshotOf(rec))
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	recs, err := s.store.ListByOwner(r.Context(), ownerID(r))
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to list records")
		return
	}
	snaps := make([]model.Snapshot, 0, len(recs))
	for _, rec := range recs {
		snaps = append(snaps, model.SnapshotOf(rec))
	}
	respondJSON(w, http.StatusOK, snaps)
}

// handleStatus returns the lifecycle snapshot. A corrupt metadata blob still
// answers 200 with an uninitialized-equivalent snapshot and the structural
// flag set.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request, id int64) {
	if r.Method != http.MethodGet {
		respondError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	rec, ok := s.ownedRecord(w, r, id)
	if !ok {
		return
	}
	respondJSON(w, http.StatusOK, model.SnapshotOf(rec))
}

// handleRestart resets a failed record back into processing and re-dispatches
// the run, answering immediately with the new retry count. ?force=1 is the
// operator override for records stuck in processing.
func (s *Server) handleRestart(w http.ResponseWriter, r *http.Request, id int64) {
	if r.Method != http.MethodPost {
		respondError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	rec, ok := s.ownedRecord(w, r, id)
	if !ok {
		return
	}
	if strings.TrimSpace(rec.RawText) == "" {
		respondError(w, http.StatusUnprocessableEntity, orchestrator.ErrMissingContent.Error())
		return
	}
	force := r.URL.Query().Get("force") == "1"
	restarted, err := rec.Metadata.Restart(force, time.Now())
	if err != nil {
		var ite *lifecycle.InvalidTransitionError
		if errors.As(err, &ite) {
			respondError(w, http.StatusConflict, ite.Error())
			return
		}
		respondError(w, http.StatusInternalServerError, "restart failed")
		return
	}
	if _, err := s.store.UpdateMetadata(r.Context(), id, rec.Version, restarted); err != nil {
		if errors.Is(err, repository.ErrVersionConflict) {
			respondError(w, http.StatusConflict, "record was updated concurrently, try again")
			return
		}
		respondError(w, http.StatusInternalServerError, "failed to persist restart")
		return
	}
	rec.Metadata = restarted

	if err := s.dispatch.Dispatch(r.Context(), queue.OptimizePayload{RecordID: id, Started: true, Force: force}); err != nil {
		s.log.Error("dispatch failed", "id", id, "err", err)
		respondError(w, http.StatusInternalServerError, "failed to queue processing")
		return
	}
	respondJSON(w, http.StatusAccepted, model.SnapshotOf(rec))
}

// handleOptimized is the result consumer for the optimized text. A record
// whose run produced text but no binary artifact answers 206 rather than an
// error; the text alone is still usable.
func (s *Server) handleOptimized(w http.ResponseWriter, r *http.Request, id int64) {
	if r.Method != http.MethodGet {
		respondError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	rec, ok := s.ownedRecord(w, r, id)
	if !ok {
		return
	}
	m := rec.Metadata
	switch m.State() {
	case lifecycle.StateProcessing:
		respondJSON(w, http.StatusAccepted, map[string]any{
			"error":              "not ready",
			"processingProgress": m.ProcessingProgress,
			"processingStatus":   m.ProcessingStatus,
		})
		return
	case lifecycle.StateFailed:
		respondJSON(w, http.StatusConflict, map[string]any{
			"error":           "not optimized",
			"processingError": m.ProcessingError,
		})
		return
	case lifecycle.StateUninitialized:
		respondError(w, http.StatusConflict, "not optimized")
		return
	}
	status := http.StatusOK
	partial := m.OptimizedPDFBase64 == ""
	if partial {
		status = http.StatusPartialContent
	}
	respondJSON(w, status, map[string]any{
		"optimizedText":    m.OptimizedText,
		"selectedTemplate": m.SelectedTemplate,
		"analysisScore":    m.AnalysisScore,
		"suggestions":      m.Suggestions,
		"optimizedAt":      m.OptimizedAt,
		"partial":          partial,
	})
}

// handleDownload streams the optimized PDF. Access is either the owner or a
// bearer of a valid signed link.
func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request, id int64) {
	if r.Method != http.MethodGet {
		respondError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	sig := r.URL.Query().Get("sig")
	exp := r.URL.Query().Get("exp")
	var rec *model.Record
	if sig != "" {
		if !s.signer.Validate(id, exp, sig) || expired(exp) {
			respondError(w, http.StatusForbidden, "invalid or expired link")
			return
		}
		var err error
		rec, err = s.store.Get(r.Context(), id)
		if err != nil {
			respondError(w, http.StatusNotFound, "record not found")
			return
		}
	} else {
		var ok bool
		rec, ok = s.ownedRecord(w, r, id)
		if !ok {
			return
		}
	}
	m := rec.Metadata
	if m.State() != lifecycle.StateSucceeded || m.OptimizedPDFBase64 == "" {
		respondError(w, http.StatusNotFound, "optimized artifact unavailable")
		return
	}
	data, err := base64.StdEncoding.DecodeString(m.OptimizedPDFBase64)
	if err != nil {
		s.log.Error("stored artifact is not valid base64", "id", id)
		respondError(w, http.StatusInternalServerError, "artifact corrupted")
		return
	}
	w.Header().Set("Content-Type", "application/pdf")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", optimizedFileName(rec)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

// handleDownloadURL hands out a time-limited HMAC-signed download link.
func (s *Server) handleDownloadURL(w http.ResponseWriter, r *http.Request, id int64) {
	if r.Method != http.MethodGet {
		respondError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	rec, ok := s.ownedRecord(w, r, id)
	if !ok {
		return
	}
	if rec.Metadata.State() != lifecycle.StateSucceeded || rec.Metadata.OptimizedPDFBase64 == "" {
		respondError(w, http.StatusNotFound, "optimized artifact unavailable")
		return
	}
	expires := time.Now().Add(s.cfg.SignedURLTTL).Unix()
	sig := s.signer.Sign(id, expires)
	respondJSON(w, http.StatusOK, map[string]string{
		"url": fmt.Sprintf("/resumes/%d/download?exp=%d&sig=%s", id, expires, sig),
	})
}

// handleArtifactURL presigns the object-store copy of the artifact.
func (s *Server) handleArtifactURL(w http.ResponseWriter, r *http.Request, id int64) {
	if r.Method != http.MethodGet {
		respondError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	rec, ok := s.ownedRecord(w, r, id)
	if !ok {
		return
	}
	key := rec.Metadata.OptimizedObjectKey
	if s.blobs == nil || key == "" {
		respondError(w, http.StatusNotFound, "artifact unavailable")
		return
	}
	url, err := s.blobs.PresignOptimizedURL(r.Context(), key, s.cfg.SignedURLTTL)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to generate url")
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"url": url})
}

// ownedRecord loads the record and enforces the delegated ownership check.
// Records owned by someone else answer 404 so ids cannot be probed.
func (s *Server) ownedRecord(w http.ResponseWriter, r *http.Request, id int64) (*model.Record, bool) {
	rec, err := s.store.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			respondError(w, http.StatusNotFound, "record not found")
		} else {
			s.log.Error("load record failed", "id", id, "err", err)
			respondError(w, http.StatusInternalServerError, "failed to load record")
		}
		return nil, false
	}
	if rec.OwnerID != ownerID(r) {
		respondError(w, http.StatusNotFound, "record not found")
		return nil, false
	}
	return rec, true
}

type formUpload struct {
	data        []byte
	filename    string
	contentType string
}

// readForm walks the multipart stream collecting the file part and the
// optional template field.
func (s *Server) readForm(mr *multipart.Reader) (*formUpload, string, error) {
	var upload *formUpload
	var template string
	for {
		part, err := mr.NextPart()
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, "", fmt.Errorf("read form: %w", err)
		}
		switch part.FormName() {
		case "file":
			data, err := io.ReadAll(io.LimitReader(part, s.cfg.MaxFileSize+1))
			part.Close()
			if err != nil {
				return nil, "", fmt.Errorf("read file: %w", err)
			}
			if int64(len(data)) > s.cfg.MaxFileSize {
				return nil, "", fmt.Errorf("file exceeds limit (%d bytes)", s.cfg.MaxFileSize)
			}
			if len(data) == 0 {
				return nil, "", errors.New("empty file")
			}
			filename := part.FileName()
			if filename == "" {
				filename = "resume"
			}
			upload = &formUpload{
				data:        data,
				filename:    filename,
				contentType: http.DetectContentType(data),
			}
		case "template":
			value, _ := io.ReadAll(io.LimitReader(part, 64))
			part.Close()
			template = strings.TrimSpace(string(value))
		default:
			part.Close()
		}
	}
	if upload == nil {
		return nil, "", errors.New("missing file field")
	}
	return upload, template, nil
}

// extractText pulls plain text out of the upload; PDFs go through the
// extractor, text files pass through as-is.
func extractText(u *formUpload) (string, error) {
	switch {
	case u.contentType == "application/pdf" || strings.HasSuffix(strings.ToLower(u.filename), ".pdf"):
		text, err := pdfutil.ExtractText(u.data)
		if err != nil {
			return "", errors.New("could not extract text from PDF")
		}
		return text, nil
	case strings.HasPrefix(u.contentType, "text/plain"):
		return string(u.data), nil
	default:
		return "", fmt.Errorf("unsupported content type %s", u.contentType)
	}
}

func validTemplate(name string) bool {
	return name == render.TemplateClassic || name == render.TemplateCompact
}

func optimizedFileName(rec *model.Record) string {
	base := strings.TrimSuffix(rec.FileName, filepath.Ext(rec.FileName))
	if base == "" {
		base = "resume"
	}
	return base + "-optimized.pdf"
}

func ownerID(r *http.Request) string {
	if owner := r.Header.Get("X-Owner-ID"); owner != "" {
		return owner
	}
	return "anonymous"
}

func expired(exp string) bool {
	unix, err := strconv.ParseInt(exp, 10, 64)
	if err != nil {
		return true
	}
	return time.Now().Unix() > unix
}

func respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET,POST,OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type,Authorization,X-Owner-ID")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.log.Debug("request", "method", r.Method, "path", r.URL.Path, "duration", time.Since(start))
	})
}
