package protocol

import (
	"encoding/json"
	"time"
)

// Role attributes a transcript turn to one side of the coaching session.
type Role string

const (
	RoleCandidate Role = "candidate"
	RoleCoach     Role = "coach"
)

// Turn is one utterance in the session transcript. Sequence is assigned at
// append time and is the authoritative sort key; turns can arrive out of
// chronological order (a coach reply may land before a delayed candidate
// transcription).
type Turn struct {
	Role      Role      `json:"role"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
	Sequence  int       `json:"sequence"`
}

// SessionResult is the final artifact of a session: the ordered transcript
// plus best-effort feedback. Feedback is nil when generation failed or was
// disabled; a missing feedback never blocks session closure.
type SessionResult struct {
	Transcript []Turn          `json:"transcript"`
	Feedback   json.RawMessage `json:"feedback,omitempty"`
}

// EventType identifies coach event variants on the relay channel.
type EventType string

const (
	EventConnected     EventType = "connected"
	EventTranscript    EventType = "transcript"
	EventAudioDelta    EventType = "audio.delta"
	EventAudioDone     EventType = "audio.done"
	EventSpeechStarted EventType = "speech.started"
	EventSpeechStopped EventType = "speech.stopped"
	EventSessionEnd    EventType = "session.end"
	EventProviderRaw   EventType = "provider.event"
)

// Event is the tagged union broadcast to event-stream subscribers. Only the
// fields relevant to Type are populated.
type Event struct {
	Type      EventType       `json:"type"`
	SessionID string          `json:"session_id,omitempty"`
	Role      Role            `json:"role,omitempty"`
	Text      string          `json:"text,omitempty"`
	TSMs      int64           `json:"ts_ms,omitempty"`
	Audio     string          `json:"audio,omitempty"`
	Raw       json.RawMessage `json:"event,omitempty"`
}

// Control-plane request/response shapes.

type StartRequest struct {
	SessionID string `json:"session_id"`
}

// StartResponse reports session creation. OK=false with a Warning is a soft
// failure (e.g. missing upstream credentials); callers must not treat it as
// a hard error.
type StartResponse struct {
	OK        bool   `json:"ok"`
	SessionID string `json:"session_id"`
	Created   bool   `json:"created"`
	Warning   string `json:"warning,omitempty"`
}

type AudioRequest struct {
	SessionID string `json:"session_id"`
	Audio     string `json:"audio"`
}

type CommitRequest struct {
	SessionID string `json:"session_id"`
}

type TextRequest struct {
	SessionID string `json:"session_id"`
	Text      string `json:"text"`
}

// EndRequest finishes a session. Reason tags who initiated the shutdown:
// "manual" for a user action, "auto" for profile-driven termination.
type EndRequest struct {
	SessionID string `json:"session_id"`
	Reason    string `json:"reason,omitempty"`
}

type EndResponse struct {
	OK        bool          `json:"ok"`
	SessionID string        `json:"session_id"`
	Result    SessionResult `json:"result"`
}

type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}
