// Package server exposes the vault over HTTP with a uniform JSON envelope.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/chunkvault/chunkvault/internal/config"
	"github.com/chunkvault/chunkvault/internal/meta"
	"github.com/chunkvault/chunkvault/internal/vault"
)

// Server serves the upload and file-management API.
type Server struct {
	cfg      *config.VaultConfig
	vault    *vault.Vault
	identity Identifier
	httpSrv  *http.Server
}

// New creates a server. A nil identifier falls back to JWT when a secret is
// configured and anonymous otherwise.
func New(cfg *config.VaultConfig, v *vault.Vault, identity Identifier) *Server {
	if identity == nil {
		if cfg.Auth.JWTSecret != "" {
			identity = NewJWTIdentifier(cfg.Auth.JWTSecret)
		} else {
			identity = AnonymousIdentifier{}
		}
	}
	return &Server{cfg: cfg, vault: v, identity: identity}
}

// envelope is the uniform response shape of every endpoint.
type envelope struct {
	Success bool                `json:"success"`
	Data    any                 `json:"data,omitempty"`
	Message string              `json:"message,omitempty"`
	Errors  map[string][]string `json:"errors,omitempty"`
}

// fileSummary is the client-facing view of a record. Its id is the content
// hash, which is what the management endpoints address files by.
type fileSummary struct {
	ID           string     `json:"id"`
	Name         string     `json:"name"`
	Size         int64      `json:"size"`
	Mime         string     `json:"mime"`
	URL          string     `json:"url,omitempty"`
	CreatedAt    time.Time  `json:"createdAt"`
	DeletedAt    *time.Time `json:"deletedAt,omitempty"`
	LastModified *int64     `json:"lastModified,omitempty"`
	Own          bool       `json:"own"`
}

func summarize(rec *meta.FileRecord, req vault.Requester) fileSummary {
	return fileSummary{
		ID:           rec.Hash,
		Name:         rec.Name,
		Size:         rec.Size,
		Mime:         rec.Mime,
		URL:          rec.URL,
		CreatedAt:    rec.CreatedAt,
		DeletedAt:    rec.DeletedAt,
		LastModified: rec.LastModified,
		Own:          rec.UserID != "" && rec.UserID == req.ID,
	}
}

// Handler builds the route table.
func (s *Server) Handler() http.Handler {
	prefix := s.cfg.RoutePrefix
	mux := http.NewServeMux()

	mux.HandleFunc("POST "+prefix+"/chunks", s.handleChunk)
	mux.HandleFunc("GET "+prefix+"/files", s.handleListFiles)
	mux.HandleFunc("DELETE "+prefix+"/files/{hash}", s.handleDeleteFile)
	mux.HandleFunc("POST "+prefix+"/files/{hash}/restore", s.handleRestoreFile)
	mux.HandleFunc("DELETE "+prefix+"/trash/cleanup", s.handleCleanup)
	mux.HandleFunc("GET "+prefix+"/widget-config", s.handleWidgetConfig)
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	return s.withObservability(mux)
}

// statusRecorder captures the status code written by a handler.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (s *Server) withObservability(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		elapsed := time.Since(start)
		getMetrics().requests.WithLabelValues(r.Method, strconv.Itoa(rec.status)).Inc()
		getMetrics().duration.Observe(elapsed.Seconds())
		log.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", rec.status).
			Dur("elapsed", elapsed).
			Msg("http request")
	})
}

func writeJSON(w http.ResponseWriter, status int, env envelope) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(env); err != nil {
		log.Warn().Err(err).Msg("failed to encode response")
	}
}

func respondData(w http.ResponseWriter, data any) {
	writeJSON(w, http.StatusOK, envelope{Success: true, Data: data})
}

// respondError maps domain errors onto HTTP statuses.
func respondError(w http.ResponseWriter, err error) {
	var verr *vault.ValidationError
	switch {
	case errors.As(err, &verr):
		writeJSON(w, http.StatusUnprocessableEntity, envelope{Message: "validation failed", Errors: verr.Fields})
	case errors.Is(err, vault.ErrIntegrity):
		writeJSON(w, http.StatusUnprocessableEntity, envelope{Message: err.Error()})
	case errors.Is(err, vault.ErrNotFound):
		writeJSON(w, http.StatusNotFound, envelope{Message: "file not found"})
	case errors.Is(err, vault.ErrForbidden):
		writeJSON(w, http.StatusForbidden, envelope{Message: "forbidden"})
	case errors.Is(err, vault.ErrSyncRunning):
		writeJSON(w, http.StatusConflict, envelope{Message: err.Error()})
	default:
		log.Error().Err(err).Msg("request failed")
		writeJSON(w, http.StatusInternalServerError, envelope{Message: "internal error"})
	}
}

// handleChunk accepts one multipart chunk of an upload. The response data
// carries a completed flag; on completion it also carries the file summary.
func (s *Server) handleChunk(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(int64(s.cfg.ChunkSize) + (1 << 20)); err != nil {
		respondError(w, vault.NewValidationError("chunk", "malformed multipart body"))
		return
	}
	defer func() { _ = r.MultipartForm.RemoveAll() }()

	verr := &vault.ValidationError{}
	payload := vault.ChunkPayload{
		UploadID: r.FormValue("uploadId"),
		FileName: r.FormValue("fileName"),
		Mime:     r.FormValue("mimeType"),
		Hash:     r.FormValue("fileHash"),
	}
	payload.ChunkIndex = formInt(r, "chunkIndex", verr)
	payload.TotalChunks = formInt(r, "totalChunks", verr)
	payload.FileSize = formInt64(r, "fileSize", verr)
	if raw := r.FormValue("fileLastModified"); raw != "" {
		if ms, err := strconv.ParseInt(raw, 10, 64); err == nil {
			payload.LastModified = &ms
		} else {
			verr.Add("fileLastModified", "must be an integer")
		}
	}

	chunk, _, err := r.FormFile("chunk")
	if err != nil {
		verr.Add("chunk", "chunk file part is required")
	} else {
		defer func() { _ = chunk.Close() }()
	}
	if !verr.Empty() {
		respondError(w, verr)
		return
	}

	rec, err := s.vault.SubmitChunk(r.Context(), payload, chunk, s.identity.Identify(r))
	if err != nil {
		respondError(w, err)
		return
	}

	if rec == nil {
		respondData(w, map[string]any{"completed": false})
		return
	}
	respondData(w, map[string]any{
		"completed": true,
		"metadata":  summarize(rec, s.identity.Identify(r)),
	})
}

func formInt(r *http.Request, field string, verr *vault.ValidationError) int {
	raw := r.FormValue(field)
	if raw == "" {
		verr.Add(field, "is required")
		return 0
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		verr.Add(field, "must be an integer")
		return 0
	}
	return n
}

func formInt64(r *http.Request, field string, verr *vault.ValidationError) int64 {
	raw := r.FormValue(field)
	if raw == "" {
		verr.Add(field, "is required")
		return 0
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		verr.Add(field, "must be an integer")
		return 0
	}
	return n
}

func (s *Server) handleListFiles(w http.ResponseWriter, r *http.Request) {
	records, err := s.vault.ListFiles()
	if err != nil {
		respondError(w, err)
		return
	}

	req := s.identity.Identify(r)
	summaries := make([]fileSummary, 0, len(records))
	for _, rec := range records {
		summaries = append(summaries, summarize(rec, req))
	}
	respondData(w, summaries)
}

func (s *Server) handleDeleteFile(w http.ResponseWriter, r *http.Request) {
	if !s.cfg.AllowDelete {
		respondError(w, vault.ErrForbidden)
		return
	}
	if err := s.vault.Delete(r.PathValue("hash"), s.identity.Identify(r)); err != nil {
		respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, envelope{Success: true, Message: "file deleted"})
}

func (s *Server) handleRestoreFile(w http.ResponseWriter, r *http.Request) {
	if !s.cfg.AllowDelete {
		respondError(w, vault.ErrForbidden)
		return
	}
	req := s.identity.Identify(r)
	rec, err := s.vault.Restore(r.PathValue("hash"), req)
	if err != nil {
		respondError(w, err)
		return
	}
	respondData(w, summarize(rec, req))
}

func (s *Server) handleCleanup(w http.ResponseWriter, r *http.Request) {
	if !s.cfg.AllowCleanup {
		respondError(w, vault.ErrForbidden)
		return
	}
	removed, err := s.vault.CleanupTrash()
	if err != nil {
		respondError(w, err)
		return
	}
	respondData(w, map[string]any{"removed": removed})
}

// handleWidgetConfig serializes the client-facing settings an upload widget
// needs to drive the API.
func (s *Server) handleWidgetConfig(w http.ResponseWriter, r *http.Request) {
	respondData(w, map[string]any{
		"routePrefix":       s.cfg.RoutePrefix,
		"chunkSize":         s.cfg.ChunkSize,
		"maxSize":           s.cfg.MaxSize,
		"allowedExtensions": s.cfg.AllowedExtensions,
		"softDelete":        s.cfg.SoftDelete,
		"allowList":         s.cfg.AllowList,
		"allowDelete":       s.cfg.AllowDelete,
		"allowCleanup":      s.cfg.AllowCleanup,
	})
}

// Start begins serving and blocks until the listener fails or Shutdown is
// called.
func (s *Server) Start() error {
	s.httpSrv = &http.Server{
		Addr:              s.cfg.Listen,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	log.Info().Str("listen", s.cfg.Listen).Str("prefix", s.cfg.RoutePrefix).Msg("server starting")
	if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serve: %w", err)
	}
	return nil
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}
