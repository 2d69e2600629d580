// Package httpapi exposes ingest and query over HTTP. It is the only place
// that maps error kinds to status codes and logs request failures.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"pulsewatch/internal/errs"
	"pulsewatch/internal/identity"
	"pulsewatch/internal/ingest"
	"pulsewatch/internal/layout"
	"pulsewatch/internal/logger"
	"pulsewatch/internal/query"
	"pulsewatch/internal/recording"
)

// Banner is served on GET /.
const Banner = "PulseWatch AI Backend is Running!"

// DefaultMaxBodyBytes limits request bodies when Handler.MaxBodyBytes is unset.
const DefaultMaxBodyBytes = 32 << 20

// Handler serves the PulseWatch API.
type Handler struct {
	Ingest       *ingest.Service
	Query        *query.Service
	Log          *logger.Logger
	MaxBodyBytes int64
	// Metrics, when set, is mounted on GET /metrics.
	Metrics http.Handler

	now func() time.Time
}

// NewHandler constructs the API handler.
func NewHandler(in *ingest.Service, q *query.Service, log *logger.Logger) *Handler {
	if log == nil {
		log = logger.Nop()
	}
	return &Handler{Ingest: in, Query: q, Log: log, MaxBodyBytes: DefaultMaxBodyBytes, now: time.Now}
}

// Router builds the chi router.
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(h.requestLogger)
	r.Use(middleware.Recoverer)

	r.Get("/", h.handleBanner)
	r.Get("/health", h.handleHealth)
	if h.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", h.Metrics)
	}
	r.Post("/upload", h.handleUpload)
	r.Post("/upload_recorder_log", h.handleRecorderLog)
	r.Post("/upload_chunk", h.handleChunk)
	r.Route("/patient/{patient_id}", func(r chi.Router) {
		r.Get("/sessions", h.handleListSessions)
		r.Get("/session/{session_id}/data", h.handleSessionData)
		r.Get("/session/{session_id}/manifest", h.handleManifest)
	})
	return r
}

func (h *Handler) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		started := time.Now()
		next.ServeHTTP(ww, r)
		h.Log.Debug("request",
			"method", r.Method,
			"route", routeOf(r),
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration_ms", time.Since(started).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

// routeOf returns the matched route pattern, which never contains identifiers.
func routeOf(r *http.Request) string {
	if rc := chi.RouteContext(r.Context()); rc != nil {
		if p := rc.RoutePattern(); p != "" {
			return p
		}
	}
	return "unmatched"
}

func (h *Handler) handleBanner(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = io.WriteString(w, Banner)
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	st, err := h.Query.Stats(r.Context())
	status := "healthy"
	if err != nil {
		status = "degraded"
		h.Log.Warn("health stats incomplete", "error", err)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":          status,
		"timestamp":       h.now().UTC().Format(time.RFC3339Nano),
		"storage_driver":  st.StorageDriver,
		"active_sessions": st.ActiveSessions,
		"patients":        st.Patients,
		"sessions":        st.Sessions,
		"recordings":      st.Recordings,
	})
}

type uploadResponse struct {
	Success      bool                `json:"success"`
	Message      string              `json:"message"`
	Filename     string              `json:"filename"`
	RowCount     int                 `json:"row_count"`
	ByteSize     int64               `json:"byte_size"`
	StoredPath   string              `json:"stored_path"`
	SHA256       string              `json:"sha256"`
	Warnings     []recording.Warning `json:"warnings"`
	WarningCount int                 `json:"warning_count"`
}

func (h *Handler) handleUpload(w http.ResponseWriter, r *http.Request) {
	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.maxBody()))
	if err != nil {
		h.writeBodyError(w, r, err)
		return
	}
	h.ingest(w, r, ingest.Request{
		Fields: identity.Fields{
			Patient: r.Header.Get("X-Patient-ID"),
			Session: r.Header.Get("X-Session-ID"),
			Device:  r.Header.Get("X-Device-ID"),
		},
		Payload:         payload,
		Source:          layout.SourceUpload,
		ClientTimestamp: r.Header.Get("X-Client-Timestamp"),
	})
}

func (h *Handler) handleRecorderLog(w http.ResponseWriter, r *http.Request) {
	payload, ok := h.readMultipartFile(w, r)
	if !ok {
		return
	}
	h.ingest(w, r, ingest.Request{
		Fields: identity.Fields{
			Patient: r.FormValue("patient_id"),
			Session: r.FormValue("session_id"),
			Device:  r.FormValue("device_id"),
		},
		Payload:         payload,
		Source:          layout.SourceRecorderLog,
		ClientTimestamp: r.FormValue("timestamp"),
	})
}

func (h *Handler) handleChunk(w http.ResponseWriter, r *http.Request) {
	payload, ok := h.readMultipartFile(w, r)
	if !ok {
		return
	}
	req := ingest.Request{
		Fields: identity.Fields{
			Patient: r.FormValue("patient_id"),
			Session: r.FormValue("session_id"),
			Device:  r.FormValue("device_id"),
		},
		Payload:         payload,
		Source:          layout.SourceChunk,
		ClientTimestamp: r.FormValue("timestamp"),
	}
	if raw := r.FormValue("chunk_index"); raw != "" {
		idx, err := strconv.Atoi(raw)
		if err != nil || idx < 0 {
			h.writeError(w, r, http.StatusBadRequest, errs.KindValidation, fmt.Sprintf("invalid chunk_index %q", raw))
			return
		}
		req.ChunkIndex = &idx
	}
	h.ingest(w, r, req)
}

func (h *Handler) readMultipartFile(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxBody())
	if err := r.ParseMultipartForm(h.maxBody()); err != nil {
		h.writeBodyError(w, r, err)
		return nil, false
	}
	f, _, err := r.FormFile("file")
	if errors.Is(err, http.ErrMissingFile) {
		h.writeError(w, r, http.StatusBadRequest, errs.KindValidation, "No file part")
		return nil, false
	}
	if err != nil {
		h.writeBodyError(w, r, err)
		return nil, false
	}
	defer func(f multipart.File) { _ = f.Close() }(f)
	payload, err := io.ReadAll(f)
	if err != nil {
		h.writeBodyError(w, r, err)
		return nil, false
	}
	return payload, true
}

func (h *Handler) ingest(w http.ResponseWriter, r *http.Request, req ingest.Request) {
	res, err := h.Ingest.Ingest(r.Context(), req)
	if err != nil {
		h.writeKindError(w, r, err)
		return
	}
	warnings := res.Warnings
	if warnings == nil {
		warnings = []recording.Warning{}
	}
	writeJSON(w, http.StatusOK, uploadResponse{
		Success:      true,
		Message:      fmt.Sprintf("Successfully uploaded %d records", res.RowCount),
		Filename:     res.Filename,
		RowCount:     res.RowCount,
		ByteSize:     res.ByteSize,
		StoredPath:   res.Key,
		SHA256:       res.SHA256,
		Warnings:     warnings,
		WarningCount: res.WarningCount,
	})
}

func pathParam(r *http.Request, name string) string {
	raw := chi.URLParam(r, name)
	if v, err := url.PathUnescape(raw); err == nil {
		return v
	}
	return raw
}

func (h *Handler) handleListSessions(w http.ResponseWriter, r *http.Request) {
	patient := pathParam(r, "patient_id")
	sessions, err := h.Query.ListSessions(r.Context(), patient)
	if err != nil {
		h.writeKindError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"patient_id":     patient,
		"sessions":       sessions,
		"total_sessions": len(sessions),
	})
}

func (h *Handler) handleSessionData(w http.ResponseWriter, r *http.Request) {
	opts := query.FetchOptions{Mode: query.ModeRaw}
	switch format := r.URL.Query().Get("format"); format {
	case "", string(query.ModeRaw):
	case string(query.ModeMerged):
		opts.Mode = query.ModeMerged
	default:
		h.writeError(w, r, http.StatusBadRequest, errs.KindValidation, fmt.Sprintf("unknown format %q", format))
		return
	}
	combined, err := h.Query.FetchSessionData(r.Context(), pathParam(r, "patient_id"), pathParam(r, "session_id"), opts)
	if err != nil {
		h.writeKindError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, combined)
}

func (h *Handler) handleManifest(w http.ResponseWriter, r *http.Request) {
	m, err := h.Query.Manifest(r.Context(), pathParam(r, "patient_id"), pathParam(r, "session_id"))
	if err != nil {
		h.writeKindError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (h *Handler) maxBody() int64 {
	if h.MaxBodyBytes <= 0 {
		return DefaultMaxBodyBytes
	}
	return h.MaxBodyBytes
}

// statusFor maps an error kind to its HTTP status.
func statusFor(kind errs.Kind) int {
	switch kind {
	case errs.KindValidation, errs.KindParse:
		return http.StatusBadRequest
	case errs.KindNotFound:
		return http.StatusNotFound
	case errs.KindConflict:
		return http.StatusConflict
	case errs.KindBusy:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) writeKindError(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, context.DeadlineExceeded) {
		h.writeError(w, r, http.StatusServiceUnavailable, errs.KindBusy, err.Error())
		return
	}
	kind := errs.KindOf(err)
	h.writeError(w, r, statusFor(kind), kind, err.Error())
}

func (h *Handler) writeBodyError(w http.ResponseWriter, r *http.Request, err error) {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		h.writeError(w, r, http.StatusRequestEntityTooLarge, errs.KindValidation,
			fmt.Sprintf("request body exceeds %d bytes", tooLarge.Limit))
		return
	}
	h.writeError(w, r, http.StatusBadRequest, errs.KindValidation, fmt.Sprintf("read request: %v", err))
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, status int, kind errs.Kind, msg string) {
	log := h.Log.With(
		"method", r.Method,
		"route", routeOf(r),
		"status", status,
		"kind", kind,
		"request_id", middleware.GetReqID(r.Context()),
	)
	if status >= http.StatusInternalServerError && status != http.StatusServiceUnavailable {
		log.Error("request failed", "error", msg)
	} else {
		log.Info("request rejected", "error", msg)
	}
	if status == http.StatusServiceUnavailable {
		w.Header().Set("Retry-After", "1")
	}
	writeJSON(w, status, map[string]any{"error": msg, "kind": kind})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
