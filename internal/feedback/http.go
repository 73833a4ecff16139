package feedback

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/voxlab/voxcoach/internal/protocol"
	"github.com/voxlab/voxcoach/internal/reliability"
)

const httpMaxAttempts = 3

// HTTPStrategy asks an LLM completion proxy for session feedback. The
// endpoint receives the profile and transcript and returns a JSON feedback
// document verbatim.
type HTTPStrategy struct {
	url    string
	apiKey string
	client *http.Client
}

func NewHTTPStrategy(url, apiKey string, timeout time.Duration) *HTTPStrategy {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &HTTPStrategy{
		url:    strings.TrimSpace(url),
		apiKey: apiKey,
		client: &http.Client{Timeout: timeout},
	}
}

type httpRequest struct {
	Profile    string          `json:"profile"`
	Transcript []protocol.Turn `json:"transcript"`
}

func (s *HTTPStrategy) Generate(ctx context.Context, profile string, transcript []protocol.Turn) (json.RawMessage, error) {
	payload, err := json.Marshal(httpRequest{Profile: profile, Transcript: transcript})
	if err != nil {
		return nil, fmt.Errorf("marshal feedback request: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt < httpMaxAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(reliability.ExponentialBackoff(attempt, 100*time.Millisecond, 2*time.Second)):
			}
		}

		doc, retryable, err := s.post(ctx, payload)
		if err == nil {
			return doc, nil
		}
		lastErr = err
		if !retryable {
			return nil, err
		}
	}
	return nil, fmt.Errorf("feedback request exhausted retries: %w", lastErr)
}

func (s *HTTPStrategy) post(ctx context.Context, payload []byte) (json.RawMessage, bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(payload))
	if err != nil {
		return nil, false, fmt.Errorf("create feedback request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if s.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+s.apiKey)
	}

	res, err := s.client.Do(req)
	if err != nil {
		return nil, true, fmt.Errorf("send feedback request: %w", err)
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4<<10))
		return nil, reliability.IsRetryableHTTPStatus(res.StatusCode),
			fmt.Errorf("feedback http status %d: %s", res.StatusCode, string(body))
	}

	body, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, true, fmt.Errorf("read feedback response: %w", err)
	}
	if !json.Valid(body) {
		return nil, false, fmt.Errorf("feedback response is not valid json")
	}
	return json.RawMessage(body), false, nil
}
