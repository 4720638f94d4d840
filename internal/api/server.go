package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"ragengine/internal/app"
	"ragengine/internal/ingest"
	"ragengine/internal/models"
	"ragengine/internal/providers"
	"ragengine/internal/rag"
	"ragengine/internal/ragerr"
	"ragengine/internal/storage"
)

type Server struct {
	maxUpload  int64
	store      storage.DocumentStore
	pipeline   *ingest.Pipeline
	rag        *rag.Orchestrator
	models     providers.ModelManager
	probes     map[string]providers.Pinger
	dispatcher Dispatcher
	log        logrus.FieldLogger
}

func NewServer(a *app.App, d Dispatcher, log logrus.FieldLogger) *Server {
	if log == nil {
		log = logrus.StandardLogger()
	}
	maxMB := a.Config.MaxUploadMB
	if maxMB <= 0 {
		maxMB = 64
	}
	return &Server{
		maxUpload:  int64(maxMB) << 20,
		store:      a.Store,
		pipeline:   a.Pipeline,
		rag:        a.Orchestrator,
		models:     a.Models,
		probes:     a.Probes,
		dispatcher: d,
		log:        log.WithField("component", "api"),
	}
}

func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/readyz", s.handleReadyz)
	mux.HandleFunc("/documents", s.handleDocuments)
	mux.HandleFunc("/documents/", s.handleDocumentsScoped)
	mux.HandleFunc("/ask", s.handleAsk)
	mux.HandleFunc("/search", s.handleSearch)
	mux.HandleFunc("/collections/", s.handleCollectionsScoped)
	mux.HandleFunc("/models", s.handleModels)
	mux.HandleFunc("/models/pull", s.handleModelPull)
	return withCORS(s.withRequestLog(mux))
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()
	checks := make(map[string]string, len(s.probes))
	ready := true
	for name, p := range s.probes {
		if err := p.Ping(ctx); err != nil {
			checks[name] = err.Error()
			ready = false
			continue
		}
		checks[name] = "ok"
	}
	code := http.StatusOK
	if !ready {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]any{"ready": ready, "checks": checks})
}

func (s *Server) handleDocuments(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		q := r.URL.Query()
		status := models.DocumentStatus(strings.TrimSpace(q.Get("status")))
		if status != "" && !status.Valid() {
			writeErr(w, http.StatusBadRequest, fmt.Errorf("%w: unknown status %q", ragerr.ErrInvalidInput, status))
			return
		}
		docs, err := s.store.List(r.Context(), strings.TrimSpace(q.Get("collection")), status)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"documents": docs})
	case http.MethodPost:
		s.handleUpload(w, r)
	default:
		writeErr(w, http.StatusMethodNotAllowed, fmt.Errorf("method not allowed"))
	}
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxUpload)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) || strings.Contains(err.Error(), "request body too large") {
			writeErr(w, http.StatusRequestEntityTooLarge, err)
			return
		}
		writeErr(w, http.StatusBadRequest, fmt.Errorf("parse multipart: %w", err))
		return
	}
	defer func() { _ = r.MultipartForm.RemoveAll() }()

	file, header, err := r.FormFile("file")
	if err != nil {
		writeErr(w, http.StatusBadRequest, fmt.Errorf("%w: no file provided", ragerr.ErrInvalidInput))
		return
	}
	defer file.Close()
	data, err := io.ReadAll(file)
	if err != nil {
		writeErr(w, http.StatusBadRequest, fmt.Errorf("read upload: %w", err))
		return
	}

	doc, err := s.pipeline.Submit(r.Context(), ingest.Upload{
		DocumentID: strings.TrimSpace(r.FormValue("document_id")),
		Collection: strings.TrimSpace(r.FormValue("collection")),
		Filename:   header.Filename,
		Format:     r.FormValue("format"),
		Data:       data,
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if doc.Status == models.StatusPending {
		if err := s.dispatcher.Dispatch(r.Context(), doc.DocumentID, false); err != nil {
			s.abandon(r.Context(), doc, err)
			s.fail(w, r, err)
			return
		}
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"document_id": doc.DocumentID, "status": doc.Status})
}

// abandon marks a submitted document failed when no run could be started for
// it, so it does not sit in pending with nothing behind it. Reingest retries.
func (s *Server) abandon(ctx context.Context, doc models.Document, cause error) {
	_, err := s.store.Transition(context.WithoutCancel(ctx), doc.DocumentID, models.StatusFailed, func(d *models.Document) {
		d.FailStage = string(ragerr.StageDispatch)
		d.FailReason = cause.Error()
	})
	if err != nil {
		s.log.WithError(err).WithField("document_id", doc.DocumentID).Error("could not mark undispatched document failed")
	}
}

func (s *Server) handleDocumentsScoped(w http.ResponseWriter, r *http.Request) {
	parts := strings.Split(strings.Trim(strings.TrimPrefix(r.URL.Path, "/documents/"), "/"), "/")
	if len(parts) < 1 || parts[0] == "" {
		writeErr(w, http.StatusNotFound, fmt.Errorf("not found"))
		return
	}
	id := parts[0]

	if len(parts) == 2 && parts[1] == "reingest" {
		if r.Method != http.MethodPost {
			writeErr(w, http.StatusMethodNotAllowed, fmt.Errorf("method not allowed"))
			return
		}
		doc, err := s.store.Get(r.Context(), id)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		if doc.Status == models.StatusProcessing && !s.pipeline.Stale(doc) {
			s.fail(w, r, fmt.Errorf("%w: %s is being processed", ragerr.ErrInvalidTransition, id))
			return
		}
		if err := s.dispatcher.Dispatch(r.Context(), id, true); err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]any{"document_id": id, "status": doc.Status})
		return
	}
	if len(parts) != 1 {
		writeErr(w, http.StatusNotFound, fmt.Errorf("not found"))
		return
	}

	switch r.Method {
	case http.MethodGet:
		doc, err := s.store.Get(r.Context(), id)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		resp := map[string]any{"document": doc}
		if q, ok := s.dispatcher.(StatusQuerier); ok {
			// the workflow may have been archived already; the record is authoritative
			if st, err := q.IngestStatus(r.Context(), id); err == nil {
				resp["workflow"] = st
			}
		}
		writeJSON(w, http.StatusOK, resp)
	case http.MethodDelete:
		if err := s.pipeline.Delete(r.Context(), id); err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"document_id": id, "deleted": true})
	default:
		writeErr(w, http.StatusMethodNotAllowed, fmt.Errorf("method not allowed"))
	}
}

func (s *Server) handleAsk(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeErr(w, http.StatusMethodNotAllowed, fmt.Errorf("method not allowed"))
		return
	}
	var req rag.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErr(w, http.StatusBadRequest, fmt.Errorf("invalid json: %w", err))
		return
	}
	req.RequestID = requestID(r)
	ans, err := s.rag.Answer(r.Context(), req)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ans)
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeErr(w, http.StatusMethodNotAllowed, fmt.Errorf("method not allowed"))
		return
	}
	var req rag.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErr(w, http.StatusBadRequest, fmt.Errorf("invalid json: %w", err))
		return
	}
	results, err := s.rag.Search(r.Context(), req)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if results == nil {
		results = []models.RetrievalResult{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"results": results})
}

func (s *Server) handleCollectionsScoped(w http.ResponseWriter, r *http.Request) {
	parts := strings.Split(strings.Trim(strings.TrimPrefix(r.URL.Path, "/collections/"), "/"), "/")
	if len(parts) < 1 || parts[0] == "" {
		writeErr(w, http.StatusNotFound, fmt.Errorf("not found"))
		return
	}
	name := parts[0]

	if len(parts) == 2 && parts[1] == "backfill" {
		if r.Method != http.MethodPost {
			writeErr(w, http.StatusMethodNotAllowed, fmt.Errorf("method not allowed"))
			return
		}
		var req struct {
			Mode string `json:"mode"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeErr(w, http.StatusBadRequest, fmt.Errorf("invalid json: %w", err))
			return
		}
		runID, err := s.dispatcher.Backfill(r.Context(), name, req.Mode)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]any{"collection": name, "mode": strings.ToUpper(req.Mode), "run_id": runID})
		return
	}
	if len(parts) != 1 {
		writeErr(w, http.StatusNotFound, fmt.Errorf("not found"))
		return
	}

	switch r.Method {
	case http.MethodGet:
		stats, err := s.pipeline.Stats(r.Context(), name)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, stats)
	case http.MethodDelete:
		removed, err := s.pipeline.DropCollection(r.Context(), name)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"collection": name, "documents_removed": removed})
	default:
		writeErr(w, http.StatusMethodNotAllowed, fmt.Errorf("method not allowed"))
	}
}

func (s *Server) handleModels(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeErr(w, http.StatusMethodNotAllowed, fmt.Errorf("method not allowed"))
		return
	}
	if s.models == nil {
		writeErr(w, http.StatusNotImplemented, fmt.Errorf("configured providers do not manage models"))
		return
	}
	list, err := s.models.ListModels(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"models": list})
}

func (s *Server) handleModelPull(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeErr(w, http.StatusMethodNotAllowed, fmt.Errorf("method not allowed"))
		return
	}
	if s.models == nil {
		writeErr(w, http.StatusNotImplemented, fmt.Errorf("configured providers do not manage models"))
		return
	}
	var req struct {
		Name string `json:"name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErr(w, http.StatusBadRequest, fmt.Errorf("invalid json: %w", err))
		return
	}
	req.Name = strings.TrimSpace(req.Name)
	if req.Name == "" {
		writeErr(w, http.StatusBadRequest, fmt.Errorf("%w: name is required", ragerr.ErrInvalidInput))
		return
	}
	log := s.log.WithField("model", req.Name)
	last := ""
	err := s.models.PullModel(r.Context(), req.Name, func(status string, completed, total int64) {
		if status != last {
			log.WithFields(logrus.Fields{"completed": completed, "total": total}).Info(status)
			last = status
		}
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"name": req.Name, "status": "success"})
}

// fail maps err onto a status code and logs server-side failures.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	code := statusFor(err)
	if code >= 500 {
		s.log.WithError(err).WithFields(logrus.Fields{"path": r.URL.Path, "request_id": requestID(r)}).Error("request failed")
	}
	writeErr(w, code, err)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, ragerr.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, ragerr.ErrUnsupportedFormat):
		return http.StatusUnsupportedMediaType
	case errors.Is(err, ragerr.ErrCorruptDocument):
		return http.StatusUnprocessableEntity
	case errors.Is(err, ragerr.ErrDocumentNotFound), errors.Is(err, ragerr.ErrCollectionNotFound):
		return http.StatusNotFound
	case errors.Is(err, ragerr.ErrInvalidTransition),
		errors.Is(err, ragerr.ErrModelMismatch),
		errors.Is(err, ragerr.ErrDimensionMismatch):
		return http.StatusConflict
	case errors.Is(err, ragerr.ErrGenerationServiceUnavailable),
		errors.Is(err, ragerr.ErrEmbeddingServiceUnavailable),
		errors.Is(err, ragerr.ErrEmbeddingRejected):
		return http.StatusBadGateway
	case errors.Is(err, ragerr.ErrEmbeddingTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, ragerr.ErrCollectionUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeErr(w http.ResponseWriter, code int, err error) {
	apiErr := toAPIError(code, err)
	writeJSON(w, code, map[string]any{
		"error": map[string]any{
			"code":    apiErr.Code,
			"message": apiErr.Message,
		},
	})
}

type apiError struct {
	Code    string
	Message string
}

func toAPIError(status int, err error) apiError {
	raw := ""
	if err != nil {
		raw = strings.ToLower(err.Error())
	}

	switch {
	case errors.Is(err, ragerr.ErrModelMismatch):
		return apiError{Code: "RAG-IDX-4091", Message: "Collection was indexed with a different embedding model. Re-index it or switch models."}
	case errors.Is(err, ragerr.ErrDimensionMismatch):
		return apiError{Code: "RAG-IDX-4092", Message: "Embedding dimension does not match the collection."}
	case errors.Is(err, ragerr.ErrGenerationServiceUnavailable):
		return apiError{Code: "RAG-LLM-5020", Message: "Generation service unavailable. Retry shortly."}
	case errors.Is(err, ragerr.ErrEmbeddingServiceUnavailable), errors.Is(err, ragerr.ErrEmbeddingRejected):
		return apiError{Code: "RAG-EMB-5021", Message: "Embedding service unavailable. Retry shortly."}
	case errors.Is(err, ragerr.ErrEmbeddingTimeout):
		return apiError{Code: "RAG-EMB-5040", Message: "Embedding service timed out. Retry shortly."}
	case errors.Is(err, ragerr.ErrCollectionUnavailable):
		return apiError{Code: "RAG-IDX-5030", Message: "Vector store unavailable. Check local services and retry."}
	}

	switch {
	case status >= 500:
		switch {
		case status == http.StatusNotImplemented:
			return apiError{Code: "RAG-API-5010", Message: "Not supported by the configured providers."}
		case strings.Contains(raw, "relation") && strings.Contains(raw, "does not exist"):
			return apiError{Code: "RAG-DB-5001", Message: "Database schema is not initialized. Restart the service to create it."}
		case strings.Contains(raw, "dial tcp"), strings.Contains(raw, "connection refused"):
			return apiError{Code: "RAG-DB-5002", Message: "Database connection is unavailable. Check local services and retry."}
		default:
			return apiError{Code: "RAG-API-5000", Message: "Internal server error. Please retry or check service logs."}
		}
	case status == http.StatusNotFound:
		return apiError{Code: "RAG-API-4004", Message: clientMessage(err, "Requested resource was not found.")}
	case status == http.StatusConflict:
		return apiError{Code: "RAG-API-4009", Message: clientMessage(err, "Operation conflicts with current state. Retry after checking status.")}
	case status == http.StatusMethodNotAllowed:
		return apiError{Code: "RAG-API-4005", Message: "This endpoint does not support the requested method."}
	case status == http.StatusRequestEntityTooLarge:
		return apiError{Code: "RAG-API-4013", Message: "Upload exceeds the configured size limit."}
	case status == http.StatusUnsupportedMediaType:
		return apiError{Code: "RAG-DOC-4150", Message: clientMessage(err, "Unsupported document format.")}
	case status == http.StatusUnprocessableEntity:
		return apiError{Code: "RAG-DOC-4220", Message: clientMessage(err, "Document could not be read.")}
	}
	if strings.Contains(raw, "invalid json") {
		return apiError{Code: "RAG-API-4001", Message: "Malformed JSON request body."}
	}
	return apiError{Code: "RAG-API-4001", Message: clientMessage(err, "Invalid request. Check inputs and retry.")}
}

// clientMessage exposes the error text for 4xx responses, which only carry
// validation context.
func clientMessage(err error, fallback string) string {
	if err == nil {
		return fallback
	}
	return err.Error()
}

type ctxKey struct{}

func requestID(r *http.Request) string {
	if id, ok := r.Context().Value(ctxKey{}).(string); ok {
		return id
	}
	return ""
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

func (s *Server) withRequestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimSpace(r.Header.Get("X-Request-ID"))
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", id)
		r = r.WithContext(context.WithValue(r.Context(), ctxKey{}, id))
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		started := time.Now()
		next.ServeHTTP(rec, r)
		s.log.WithFields(logrus.Fields{
			"method":      r.Method,
			"path":        r.URL.Path,
			"status":      rec.status,
			"duration_ms": time.Since(started).Milliseconds(),
			"request_id":  id,
		}).Info("request")
	})
}

func withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-Request-ID")
		w.Header().Set("Access-Control-Allow-Methods", "GET,POST,DELETE,OPTIONS")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}
