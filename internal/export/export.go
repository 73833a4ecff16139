// Package export publishes session-completed events for downstream
// consumers (analytics, review tooling).
package export

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"

	"github.com/voxlab/voxcoach/internal/logging"
	"github.com/voxlab/voxcoach/internal/store"
)

// SessionCompleted is the exported event payload. The transcript is
// included already redacted.
type SessionCompleted struct {
	SessionID   string          `json:"session_id"`
	Profile     string          `json:"profile"`
	Turns       int             `json:"turns"`
	HasFeedback bool            `json:"has_feedback"`
	EndReason   string          `json:"end_reason"`
	EndedAt     time.Time       `json:"ended_at"`
	Record      json.RawMessage `json:"record"`
}

// Publisher emits completed sessions. With no brokers configured it runs
// log-only so development setups need no Kafka.
type Publisher struct {
	writer  *kafka.Writer
	enabled bool
	log     zerolog.Logger
}

func NewPublisher(brokers []string, topic string) *Publisher {
	log := logging.WithComponent("export")
	if len(brokers) == 0 {
		log.Info().Msg("kafka disabled, session export is log-only")
		return &Publisher{log: log}
	}
	return &Publisher{
		enabled: true,
		log:     log,
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafka.LeastBytes{},
			BatchTimeout: 10 * time.Millisecond,
			WriteTimeout: 10 * time.Second,
			RequiredAcks: kafka.RequireOne,
		},
	}
}

// PublishCompleted emits one session-completed event. Export failures are
// returned so callers can log them, but sessions are never rolled back on
// export errors.
func (p *Publisher) PublishCompleted(ctx context.Context, rec store.Record) error {
	record, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal session record: %w", err)
	}
	event := SessionCompleted{
		SessionID:   rec.SessionID,
		Profile:     rec.Profile,
		Turns:       len(rec.Transcript),
		HasFeedback: len(rec.Feedback) > 0,
		EndReason:   rec.EndReason,
		EndedAt:     rec.EndedAt,
		Record:      record,
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal export event: %w", err)
	}

	if !p.enabled {
		p.log.Info().
			Str("session_id", rec.SessionID).
			Int("turns", event.Turns).
			Bool("has_feedback", event.HasFeedback).
			Msg("session completed")
		return nil
	}

	err = p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(rec.SessionID),
		Value: payload,
	})
	if err != nil {
		return fmt.Errorf("publish session event: %w", err)
	}
	return nil
}

// Close flushes and closes the writer. No-op in log-only mode.
func (p *Publisher) Close() error {
	if p.writer == nil {
		return nil
	}
	return p.writer.Close()
}
