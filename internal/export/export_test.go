package export

import (
	"context"
	"testing"
	"time"

	"github.com/voxlab/voxcoach/internal/protocol"
	"github.com/voxlab/voxcoach/internal/store"
)

func TestLogOnlyPublisherNeverFails(t *testing.T) {
	p := NewPublisher(nil, "coach.session.completed")
	defer p.Close()

	rec := store.Record{
		SessionID: "s-1",
		Profile:   "interview",
		Transcript: []protocol.Turn{
			{Role: protocol.RoleCandidate, Text: "hello", Sequence: 0},
		},
		EndedAt:   time.Now(),
		EndReason: "manual",
	}
	if err := p.PublishCompleted(context.Background(), rec); err != nil {
		t.Fatalf("PublishCompleted() error = %v, log-only mode must not fail", err)
	}
}

func TestCloseWithoutWriter(t *testing.T) {
	p := NewPublisher(nil, "topic")
	if err := p.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
}
