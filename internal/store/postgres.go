package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore archives sessions in a coach_sessions table. Transcript
// and feedback are stored as JSONB.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, strings.TrimSpace(databaseURL))
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := initSessionSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return &PostgresStore{pool: pool}, nil
}

func initSessionSchema(ctx context.Context, pool *pgxpool.Pool) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS coach_sessions (
			session_id TEXT PRIMARY KEY,
			profile TEXT NOT NULL DEFAULT '',
			transcript JSONB NOT NULL DEFAULT '[]',
			feedback JSONB NULL,
			ended_at TIMESTAMPTZ NOT NULL,
			end_reason TEXT NOT NULL DEFAULT ''
		);`,
		`CREATE INDEX IF NOT EXISTS idx_coach_sessions_ended ON coach_sessions (ended_at DESC);`,
	}
	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init session schema failed on %q: %w", stmt, err)
		}
	}
	return nil
}

func (s *PostgresStore) SaveSession(ctx context.Context, rec Record) error {
	transcript, err := json.Marshal(rec.Transcript)
	if err != nil {
		return fmt.Errorf("marshal transcript: %w", err)
	}
	var feedback any
	if len(rec.Feedback) > 0 {
		feedback = []byte(rec.Feedback)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO coach_sessions (session_id, profile, transcript, feedback, ended_at, end_reason)
		VALUES ($1,$2,$3,$4,$5,$6)
		ON CONFLICT (session_id) DO UPDATE SET
			profile=EXCLUDED.profile,
			transcript=EXCLUDED.transcript,
			feedback=EXCLUDED.feedback,
			ended_at=EXCLUDED.ended_at,
			end_reason=EXCLUDED.end_reason`,
		rec.SessionID,
		rec.Profile,
		transcript,
		feedback,
		rec.EndedAt.UTC(),
		rec.EndReason,
	)
	if err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	return nil
}

func (s *PostgresStore) RecentSessions(ctx context.Context, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.pool.Query(ctx,
		`SELECT session_id, profile, transcript, feedback, ended_at, end_reason
		FROM coach_sessions
		ORDER BY ended_at DESC
		LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("query recent sessions: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var rec Record
		var transcript []byte
		var feedback []byte
		if err := rows.Scan(&rec.SessionID, &rec.Profile, &transcript, &feedback, &rec.EndedAt, &rec.EndReason); err != nil {
			return nil, fmt.Errorf("scan session row: %w", err)
		}
		if err := json.Unmarshal(transcript, &rec.Transcript); err != nil {
			return nil, fmt.Errorf("decode transcript for %s: %w", rec.SessionID, err)
		}
		if len(feedback) > 0 {
			rec.Feedback = json.RawMessage(feedback)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate session rows: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) Close() {
	s.pool.Close()
}
