package reliability

import (
	"strings"
	"time"
)

// CommitErrorClass describes how a failed audio commit should be handled.
type CommitErrorClass int

const (
	// CommitFatal covers commit failures that warrant a user-visible warning.
	CommitFatal CommitErrorClass = iota
	// CommitResponseActive means the provider already has a response in
	// flight; treat the buffered window as committed and continue.
	CommitResponseActive
	// CommitBufferTooSmall means the provider rejected a commit with too
	// little uncommitted audio; skip and keep accumulating.
	CommitBufferTooSmall
)

// ClassifyCommitError inspects a provider commit failure message.
func ClassifyCommitError(err error) CommitErrorClass {
	if err == nil {
		return CommitResponseActive
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "already has an active response"),
		strings.Contains(msg, "response already in progress"),
		strings.Contains(msg, "conversation_already_has_active_response"):
		return CommitResponseActive
	case strings.Contains(msg, "buffer too small"),
		strings.Contains(msg, "input_audio_buffer_commit_empty"),
		strings.Contains(msg, "smaller than"):
		return CommitBufferTooSmall
	default:
		return CommitFatal
	}
}

// IsRetryableHTTPStatus classifies retryable HTTP status codes.
func IsRetryableHTTPStatus(code int) bool {
	switch code {
	case 429, 500, 502, 503, 504:
		return true
	default:
		return false
	}
}

// ExponentialBackoff computes a deterministic capped backoff duration.
func ExponentialBackoff(attempt int, base, cap time.Duration) time.Duration {
	if attempt <= 0 {
		return base
	}
	d := base
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= cap {
			return cap
		}
	}
	return d
}
