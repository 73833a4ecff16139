// Package store persists finished coaching sessions.
package store

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/voxlab/voxcoach/internal/protocol"
)

// Record is one archived session.
type Record struct {
	SessionID  string          `json:"session_id"`
	Profile    string          `json:"profile"`
	Transcript []protocol.Turn `json:"transcript"`
	Feedback   json.RawMessage `json:"feedback,omitempty"`
	EndedAt    time.Time       `json:"ended_at"`
	EndReason  string          `json:"end_reason"`
}

// Store archives sessions and serves recent history.
type Store interface {
	SaveSession(ctx context.Context, rec Record) error
	RecentSessions(ctx context.Context, limit int) ([]Record, error)
	Close()
}

// Open picks a backend from the database URL: postgres when set, an
// in-process store otherwise.
func Open(ctx context.Context, databaseURL string) (Store, error) {
	if strings.TrimSpace(databaseURL) == "" {
		return NewMemoryStore(), nil
	}
	return NewPostgresStore(ctx, databaseURL)
}

// MemoryStore keeps records in process. Used for development and tests.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]Record
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]Record)}
}

func (m *MemoryStore) SaveSession(_ context.Context, rec Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[rec.SessionID] = rec
	return nil
}

func (m *MemoryStore) RecentSessions(_ context.Context, limit int) ([]Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Record, 0, len(m.records))
	for _, rec := range m.records {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EndedAt.After(out[j].EndedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) Close() {}
