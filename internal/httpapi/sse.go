package httpapi

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"
)

// handleEvents streams session events as server-sent events. The stream
// carries one JSON event per data frame and a comment line every
// keep-alive interval so intermediaries do not reap the connection. It
// closes when the client goes away or the session is destroyed.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	sessionID := strings.TrimSpace(r.URL.Query().Get("session_id"))
	if sessionID == "" {
		respondError(w, http.StatusBadRequest, "missing_session_id", "query parameter session_id is required")
		return
	}
	sess, ok := s.sessions.Get(sessionID)
	if !ok {
		respondError(w, http.StatusNotFound, "session_not_found", "no such session: "+sessionID)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		respondError(w, http.StatusInternalServerError, "streaming_unsupported", "response writer does not support streaming")
		return
	}

	events, unsubscribe := sess.Events().Subscribe()
	defer unsubscribe()

	if s.metrics != nil {
		s.metrics.SSESubscribers.Inc()
		defer s.metrics.SSESubscribers.Dec()
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	keepAlive := s.cfg.SSEKeepAlive
	if keepAlive <= 0 {
		keepAlive = 15 * time.Second
	}
	ticker := time.NewTicker(keepAlive)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
			if _, err := w.Write([]byte(": keep-alive\n\n")); err != nil {
				return
			}
			flusher.Flush()
		case ev, open := <-events:
			if !open {
				// Session destroyed; end the stream.
				return
			}
			payload, err := json.Marshal(ev)
			if err != nil {
				s.log.Warn().Err(err).Msg("event marshal failed")
				continue
			}
			if _, err := w.Write([]byte("data: " + string(payload) + "\n\n")); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}
