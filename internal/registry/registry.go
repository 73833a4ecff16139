// Package registry tracks live coaching sessions by id.
package registry

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"github.com/voxlab/voxcoach/internal/coach"
	"github.com/voxlab/voxcoach/internal/logging"
	"github.com/voxlab/voxcoach/internal/observability"
)

// Factory builds a session for an id. Injected so tests can supply
// sessions with fake transports.
type Factory func(id string) *coach.Session

// Registry is a concurrency-safe session table. Create is idempotent:
// starting an id that already exists hands back the live session instead
// of replacing it.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*coach.Session
	factory  Factory
	metrics  *observability.Metrics
	log      zerolog.Logger
}

func New(factory Factory, metrics *observability.Metrics) *Registry {
	return &Registry{
		sessions: make(map[string]*coach.Session),
		factory:  factory,
		metrics:  metrics,
		log:      logging.WithComponent("registry"),
	}
}

// Create returns the session for id, building it on first use. The second
// return reports whether this call created it.
func (r *Registry) Create(id string) (*coach.Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[id]; ok {
		return s, false
	}
	s := r.factory(id)
	r.sessions[id] = s
	if r.metrics != nil {
		r.metrics.ActiveSessions.Set(float64(len(r.sessions)))
	}
	r.log.Info().Str("session_id", id).Msg("session created")
	return s, true
}

// Get looks up a live session.
func (r *Registry) Get(id string) (*coach.Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	return s, ok
}

// Destroy ends the session and closes its event relay. Unknown ids are a
// no-op.
func (r *Registry) Destroy(ctx context.Context, id string) {
	r.mu.Lock()
	s, ok := r.sessions[id]
	if ok {
		delete(r.sessions, id)
		if r.metrics != nil {
			r.metrics.ActiveSessions.Set(float64(len(r.sessions)))
		}
	}
	r.mu.Unlock()
	if !ok {
		return
	}
	if _, err := s.End(ctx); err != nil {
		r.log.Warn().Err(err).Str("session_id", id).Msg("session end failed during destroy")
	}
	s.Events().Close()
	r.log.Info().Str("session_id", id).Msg("session destroyed")
}

// Shutdown destroys every live session. Used on server drain.
func (r *Registry) Shutdown(ctx context.Context) {
	r.mu.RLock()
	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	r.mu.RUnlock()
	for _, id := range ids {
		r.Destroy(ctx, id)
	}
}

// Len reports the live session count.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}
