package reliability

import (
	"errors"
	"testing"
	"time"
)

func TestClassifyCommitError(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want CommitErrorClass
	}{
		{"active response", errors.New("conversation already has an active response"), CommitResponseActive},
		{"buffer too small", errors.New("input audio buffer too small: 40ms"), CommitBufferTooSmall},
		{"commit empty code", errors.New("input_audio_buffer_commit_empty"), CommitBufferTooSmall},
		{"unknown", errors.New("upstream exploded"), CommitFatal},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := ClassifyCommitError(tc.err); got != tc.want {
				t.Fatalf("ClassifyCommitError() = %d, want %d", got, tc.want)
			}
		})
	}
}

func TestExponentialBackoffCaps(t *testing.T) {
	base := 100 * time.Millisecond
	limit := time.Second
	if got := ExponentialBackoff(0, base, limit); got != base {
		t.Fatalf("attempt 0 = %v, want %v", got, base)
	}
	if got := ExponentialBackoff(10, base, limit); got != limit {
		t.Fatalf("attempt 10 = %v, want cap %v", got, limit)
	}
}

func TestIsRetryableHTTPStatus(t *testing.T) {
	if !IsRetryableHTTPStatus(503) {
		t.Fatalf("503 should be retryable")
	}
	if IsRetryableHTTPStatus(400) {
		t.Fatalf("400 should not be retryable")
	}
}
