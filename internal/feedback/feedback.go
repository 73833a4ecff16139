// Package feedback generates end-of-session coaching feedback from the
// transcript. Generation is best effort; a session always closes with its
// transcript even when feedback fails.
package feedback

import (
	"context"
	"encoding/json"

	"github.com/voxlab/voxcoach/internal/protocol"
)

// Strategy produces a feedback document for a finished session transcript.
type Strategy interface {
	Generate(ctx context.Context, profile string, transcript []protocol.Turn) (json.RawMessage, error)
}

// Func adapts a plain function to a Strategy.
type Func func(ctx context.Context, profile string, transcript []protocol.Turn) (json.RawMessage, error)

func (f Func) Generate(ctx context.Context, profile string, transcript []protocol.Turn) (json.RawMessage, error) {
	return f(ctx, profile, transcript)
}
