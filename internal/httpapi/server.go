// Package httpapi exposes the coaching session control plane and the
// server-sent event stream.
package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/voxlab/voxcoach/internal/coach"
	"github.com/voxlab/voxcoach/internal/config"
	"github.com/voxlab/voxcoach/internal/export"
	"github.com/voxlab/voxcoach/internal/logging"
	"github.com/voxlab/voxcoach/internal/observability"
	"github.com/voxlab/voxcoach/internal/policy"
	"github.com/voxlab/voxcoach/internal/protocol"
	"github.com/voxlab/voxcoach/internal/registry"
	"github.com/voxlab/voxcoach/internal/store"
)

type Server struct {
	cfg      config.Config
	sessions *registry.Registry
	archive  store.Store
	exporter *export.Publisher
	metrics  *observability.Metrics
	log      zerolog.Logger
}

func New(cfg config.Config, sessions *registry.Registry, archive store.Store, exporter *export.Publisher, metrics *observability.Metrics) *Server {
	return &Server{
		cfg:      cfg,
		sessions: sessions,
		archive:  archive,
		exporter: exporter,
		metrics:  metrics,
		log:      logging.WithComponent("httpapi"),
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		observability.MetricsHandler().ServeHTTP(w, r)
	})

	r.Post("/v1/coach/session/start", s.handleStart)
	r.Post("/v1/coach/session/audio", s.handleAudio)
	r.Post("/v1/coach/session/commit", s.handleCommit)
	r.Post("/v1/coach/session/text", s.handleText)
	r.Post("/v1/coach/session/end", s.handleEnd)
	r.Get("/v1/coach/events", s.handleEvents)
	r.Get("/v1/coach/sessions/recent", s.handleRecent)
	r.Get("/v1/coach/perf/latency", s.handlePerfLatency)

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
	})
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":          "ready",
		"active_sessions": s.sessions.Len(),
	})
}

// handleStart creates (or re-joins) a session and connects it upstream.
// Provider problems come back as ok=false with a warning, never as an
// HTTP error. A session that never connected is torn down again, so a
// failed start leaves nothing behind and a retry gets a fresh attempt.
func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	var req protocol.StartRequest
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, errEmptyBody) {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if strings.TrimSpace(req.SessionID) == "" {
		req.SessionID = uuid.NewString()
	}

	sess, created := s.sessions.Create(req.SessionID)
	warning, err := sess.Start(r.Context())
	if err != nil {
		if created {
			s.sessions.Destroy(r.Context(), req.SessionID)
		}
		respondError(w, http.StatusConflict, "session_unavailable", err.Error())
		return
	}
	if warning != "" {
		s.sessions.Destroy(r.Context(), req.SessionID)
	}

	respondJSON(w, http.StatusOK, protocol.StartResponse{
		OK:        warning == "",
		SessionID: req.SessionID,
		Created:   created,
		Warning:   warning,
	})
}

func (s *Server) handleAudio(w http.ResponseWriter, r *http.Request) {
	var req protocol.AudioRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	sess, ok := s.lookup(w, req.SessionID)
	if !ok {
		return
	}
	if err := sess.SendAudio(req.Audio); err != nil {
		respondError(w, http.StatusBadRequest, "audio_rejected", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleCommit(w http.ResponseWriter, r *http.Request) {
	var req protocol.CommitRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	sess, ok := s.lookup(w, req.SessionID)
	if !ok {
		return
	}
	if err := sess.CommitAudio(r.Context()); err != nil {
		respondError(w, http.StatusBadRequest, "commit_rejected", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleText(w http.ResponseWriter, r *http.Request) {
	var req protocol.TextRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	sess, ok := s.lookup(w, req.SessionID)
	if !ok {
		return
	}
	if err := sess.SendUserText(req.Text); err != nil {
		respondError(w, http.StatusBadRequest, "text_rejected", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"ok": true})
}

// handleEnd finishes the session, archives and exports the redacted
// result and removes it from the registry. Persistence problems are
// logged, not surfaced: the caller still gets the result.
func (s *Server) handleEnd(w http.ResponseWriter, r *http.Request) {
	var req protocol.EndRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	sess, ok := s.lookup(w, req.SessionID)
	if !ok {
		return
	}

	result, err := sess.End(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, "end_failed", err.Error())
		return
	}

	reason := strings.TrimSpace(req.Reason)
	if reason == "" {
		reason = "manual"
	}
	redacted, _ := policy.RedactTranscript(result.Transcript)
	rec := store.Record{
		SessionID:  req.SessionID,
		Profile:    s.cfg.CoachProfile,
		Transcript: redacted,
		Feedback:   result.Feedback,
		EndedAt:    time.Now().UTC(),
		EndReason:  reason,
	}
	if s.archive != nil {
		if err := s.archive.SaveSession(r.Context(), rec); err != nil {
			s.log.Warn().Err(err).Str("session_id", req.SessionID).Msg("session archive failed")
		}
	}
	if s.exporter != nil {
		if err := s.exporter.PublishCompleted(r.Context(), rec); err != nil {
			s.log.Warn().Err(err).Str("session_id", req.SessionID).Msg("session export failed")
		}
	}

	s.sessions.Destroy(r.Context(), req.SessionID)
	respondJSON(w, http.StatusOK, protocol.EndResponse{
		OK:        true,
		SessionID: req.SessionID,
		Result:    result,
	})
}

func (s *Server) handleRecent(w http.ResponseWriter, r *http.Request) {
	if s.archive == nil {
		respondError(w, http.StatusNotImplemented, "no_store", "session archive not configured")
		return
	}
	limit := 20
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			respondError(w, http.StatusBadRequest, "invalid_limit", "limit must be a positive integer")
			return
		}
		limit = n
	}
	records, err := s.archive.RecentSessions(r.Context(), limit)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "store_failed", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"sessions": records})
}

func (s *Server) handlePerfLatency(w http.ResponseWriter, _ *http.Request) {
	if s.metrics == nil || s.metrics.Latency == nil {
		respondError(w, http.StatusNotImplemented, "no_metrics", "latency tracking not configured")
		return
	}
	respondJSON(w, http.StatusOK, s.metrics.Latency.Snapshot())
}

func (s *Server) lookup(w http.ResponseWriter, id string) (*coach.Session, bool) {
	if strings.TrimSpace(id) == "" {
		respondError(w, http.StatusBadRequest, "missing_session_id", "session_id is required")
		return nil, false
	}
	found, ok := s.sessions.Get(id)
	if !ok {
		respondError(w, http.StatusNotFound, "session_not_found", "no such session: "+id)
		return nil, false
	}
	return found, true
}

var errEmptyBody = errors.New("empty body")

func decodeJSON(r *http.Request, out any) error {
	if r.Body == nil {
		return errEmptyBody
	}
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(out); err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "eof") {
			return errEmptyBody
		}
		return err
	}
	return nil
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, protocol.ErrorResponse{Error: message, Code: code})
}
