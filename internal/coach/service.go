// Package coach runs one realtime coaching session: it bridges the duplex
// provider transport, the transcript, the event relay and end-of-session
// feedback.
package coach

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/voxlab/voxcoach/internal/capture"
	"github.com/voxlab/voxcoach/internal/feedback"
	"github.com/voxlab/voxcoach/internal/logging"
	"github.com/voxlab/voxcoach/internal/observability"
	"github.com/voxlab/voxcoach/internal/protocol"
	"github.com/voxlab/voxcoach/internal/realtime"
	"github.com/voxlab/voxcoach/internal/relay"
)

// Transport is the upstream duplex socket as the session sees it.
type Transport interface {
	EnsureConnected(ctx context.Context) error
	Disconnect() error
	SendAudioAppend(audioBase64 string) error
	SendAudioCommit() error
	SendUserText(text string) error
	SendResponseCreate() error
	OnMessage(h realtime.Handler) func()
}

// Hooks lets callers observe and steer a session. All methods are called
// from session goroutines and must be quick.
type Hooks interface {
	// ShouldEnd is consulted after every candidate turn. Returning true
	// publishes a session.end event; the client finalizes from there.
	ShouldEnd(candidateTurns, coachTurns int, lastCandidateText string) bool
	// OnUserText observes candidate text before it is forwarded upstream.
	OnUserText(text string)
	// OnRawEvent observes every raw provider event.
	OnRawEvent(raw json.RawMessage)
}

// NopHooks ignores everything and never ends the session on its own.
type NopHooks struct{}

func (NopHooks) ShouldEnd(int, int, string) bool { return false }
func (NopHooks) OnUserText(string)               {}
func (NopHooks) OnRawEvent(json.RawMessage)      {}

// Config assembles a session's dependencies. Transport may be nil when the
// provider is not configured; the session then runs degraded and Start
// reports a warning instead of failing.
type Config struct {
	Transport Transport
	Profile   Profile
	Hooks     Hooks
	Feedback  feedback.Strategy
	Metrics   *observability.Metrics

	SettleDelay     time.Duration
	CommitMinMS     float64
	CommitInterval  time.Duration
	FeedbackTimeout time.Duration
}

// Session is one live coaching conversation.
type Session struct {
	id     string
	cfg    Config
	events *relay.Channel
	sched  *capture.Scheduler
	log    zerolog.Logger

	mu             sync.Mutex
	transcript     []protocol.Turn
	nextSeq        int
	candidateTurns int
	coachTurns     int

	responseInProgress bool
	responsePending    bool

	// Reply latency anchors, cleared once the matching reply arrives.
	commitAudioAnchor time.Time
	commitTextAnchor  time.Time
	textAnchor        time.Time

	started     bool
	ended       bool
	endedResult protocol.SessionResult

	unsubscribe func()
}

func NewSession(id string, cfg Config) *Session {
	if cfg.Hooks == nil {
		cfg.Hooks = NopHooks{}
	}
	if cfg.FeedbackTimeout <= 0 {
		cfg.FeedbackTimeout = 60 * time.Second
	}
	s := &Session{
		id:     id,
		cfg:    cfg,
		events: relay.NewChannel(),
		log:    logging.WithSession("coach", id),
	}
	if cfg.Metrics != nil {
		s.events.OnDrop(func() {
			cfg.Metrics.RelayEvents.WithLabelValues("dropped").Inc()
		})
	}
	if cfg.Transport != nil {
		s.sched = capture.NewScheduler(cfg.Transport, capture.SchedulerConfig{
			MinBufferedMS: cfg.CommitMinMS,
			MaxInterval:   cfg.CommitInterval,
			Warn:          s.publishWarning,
			OnCommit: func(d time.Duration) {
				if cfg.Metrics != nil {
					cfg.Metrics.ObserveCommitLatency(d)
				}
			},
		})
	}
	return s
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// Events exposes the session's broadcast channel.
func (s *Session) Events() *relay.Channel { return s.events }

// Start connects the transport and primes the first coach response. A
// missing or unreachable provider is a soft failure: Start returns a
// warning string and the session stays unstarted, so a later Start can
// try the connection again.
func (s *Session) Start(ctx context.Context) (string, error) {
	s.mu.Lock()
	if s.ended {
		s.mu.Unlock()
		return "", fmt.Errorf("session already ended")
	}
	if s.started {
		s.mu.Unlock()
		return "", nil
	}
	s.mu.Unlock()

	if s.cfg.Transport == nil {
		return "realtime provider is not configured; session not started", nil
	}

	if err := s.cfg.Transport.EnsureConnected(ctx); err != nil {
		s.log.Warn().Err(err).Msg("provider connect failed")
		s.countProviderError("connect")
		return "could not reach the realtime provider; session not started", nil
	}

	s.mu.Lock()
	if s.ended {
		s.mu.Unlock()
		return "", fmt.Errorf("session already ended")
	}
	s.started = true
	s.mu.Unlock()

	s.unsubscribe = s.cfg.Transport.OnMessage(s.handleRaw)
	s.events.Publish(protocol.Event{
		Type:      protocol.EventConnected,
		SessionID: s.id,
		TSMs:      time.Now().UnixMilli(),
	})
	s.countSessionEvent("started")

	// Give the provider a beat to apply the session configuration before
	// asking for the opening line.
	settle := s.cfg.SettleDelay
	go func() {
		if settle > 0 {
			time.Sleep(settle)
		}
		s.mu.Lock()
		ended := s.ended
		s.mu.Unlock()
		if !ended {
			s.requestResponse()
		}
	}()
	return "", nil
}

// SendAudio enqueues one base64 PCM16 frame for upstream delivery. The
// scheduler decides when the buffered audio is committed.
func (s *Session) SendAudio(audioBase64 string) error {
	if strings.TrimSpace(audioBase64) == "" {
		return fmt.Errorf("empty audio frame")
	}
	s.mu.Lock()
	ended := s.ended
	s.mu.Unlock()
	if ended {
		return fmt.Errorf("session already ended")
	}
	if s.sched == nil {
		return fmt.Errorf("session has no audio transport")
	}
	return s.sched.Append(audioBase64)
}

// CommitAudio flushes buffered audio upstream and requests a coach reply.
func (s *Session) CommitAudio(ctx context.Context) error {
	s.mu.Lock()
	ended := s.ended
	s.mu.Unlock()
	if ended {
		return fmt.Errorf("session already ended")
	}
	if s.sched == nil {
		return fmt.Errorf("session has no audio transport")
	}
	if err := s.sched.Flush(ctx); err != nil {
		return err
	}
	now := time.Now()
	s.mu.Lock()
	s.commitAudioAnchor = now
	s.commitTextAnchor = now
	s.mu.Unlock()
	s.requestResponse()
	return nil
}

// SendUserText records a typed candidate turn, forwards it upstream and
// requests a coach reply.
func (s *Session) SendUserText(text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return fmt.Errorf("empty text")
	}
	s.mu.Lock()
	if s.ended {
		s.mu.Unlock()
		return fmt.Errorf("session already ended")
	}
	s.mu.Unlock()

	turn := s.appendTurn(protocol.RoleCandidate, text)
	s.cfg.Hooks.OnUserText(text)
	s.publishTranscript(turn)
	s.maybeAutoEnd(text)

	if s.cfg.Transport != nil {
		if err := s.cfg.Transport.SendUserText(text); err != nil {
			s.log.Warn().Err(err).Msg("forward user text failed")
			s.countProviderError("send_text")
			return nil
		}
		s.mu.Lock()
		s.textAnchor = time.Now()
		s.mu.Unlock()
		s.requestResponse()
	}
	return nil
}

// Transcript returns the turns sorted by sequence.
func (s *Session) Transcript() []protocol.Turn {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]protocol.Turn, len(s.transcript))
	copy(out, s.transcript)
	sort.Slice(out, func(i, j int) bool { return out[i].Sequence < out[j].Sequence })
	return out
}

// End tears the session down and returns the final result. Feedback is
// best effort: any failure yields a transcript-only result, never an
// error. Idempotent; later calls return the first result.
func (s *Session) End(ctx context.Context) (protocol.SessionResult, error) {
	s.mu.Lock()
	if s.ended {
		result := s.endedResult
		s.mu.Unlock()
		return result, nil
	}
	s.ended = true
	s.mu.Unlock()

	if s.sched != nil {
		flushCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		if err := s.sched.Flush(flushCtx); err != nil {
			s.log.Warn().Err(err).Msg("final audio flush failed")
		}
		cancel()
		s.sched.Stop()
	}
	if s.unsubscribe != nil {
		s.unsubscribe()
	}
	if s.cfg.Transport != nil {
		if err := s.cfg.Transport.Disconnect(); err != nil {
			s.log.Warn().Err(err).Msg("provider disconnect failed")
		}
	}

	result := protocol.SessionResult{Transcript: s.Transcript()}
	if s.cfg.Feedback != nil && len(result.Transcript) > 0 {
		fbCtx, cancel := context.WithTimeout(ctx, s.cfg.FeedbackTimeout)
		doc, err := s.cfg.Feedback.Generate(fbCtx, s.cfg.Profile.Name, result.Transcript)
		cancel()
		if err != nil {
			s.log.Warn().Err(err).Msg("feedback generation failed")
			s.countSessionEvent("feedback_failed")
		} else {
			result.Feedback = doc
		}
	}

	s.mu.Lock()
	s.endedResult = result
	s.mu.Unlock()
	s.countSessionEvent("ended")
	return result, nil
}

// requestResponse asks the provider for a coach reply, coalescing requests
// while one is already running. At most one extra reply is queued no
// matter how many triggers arrive in between.
func (s *Session) requestResponse() {
	if s.cfg.Transport == nil {
		return
	}
	s.mu.Lock()
	if s.ended {
		s.mu.Unlock()
		return
	}
	if s.responseInProgress {
		s.responsePending = true
		s.mu.Unlock()
		return
	}
	s.responseInProgress = true
	s.mu.Unlock()

	if err := s.cfg.Transport.SendResponseCreate(); err != nil {
		s.log.Warn().Err(err).Msg("response request failed")
		s.countProviderError("response_create")
		s.mu.Lock()
		s.responseInProgress = false
		s.mu.Unlock()
	}
}

func (s *Session) responseFinished() {
	s.mu.Lock()
	s.responseInProgress = false
	pending := s.responsePending
	s.responsePending = false
	s.mu.Unlock()
	if pending {
		s.requestResponse()
	}
}

// handleRaw dispatches one provider event. Runs on the transport's read
// goroutine.
func (s *Session) handleRaw(raw json.RawMessage) {
	s.cfg.Hooks.OnRawEvent(raw)

	var envelope struct {
		Type       string `json:"type"`
		Delta      string `json:"delta"`
		Transcript string `json:"transcript"`
		Error      struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		s.log.Warn().Err(err).Msg("unparseable provider event")
		return
	}

	now := time.Now().UnixMilli()
	switch envelope.Type {
	case "response.created":
		// The provider can open a response on its own (server VAD), so the
		// local flag cannot rely on requestResponse alone.
		s.mu.Lock()
		s.responseInProgress = true
		s.mu.Unlock()
	case "response.done", "response.cancelled":
		s.responseFinished()
	case "response.audio.delta":
		s.observeReplyLatency(observability.StageCommitToReplyAudio)
		s.publish(protocol.Event{Type: protocol.EventAudioDelta, SessionID: s.id, Audio: envelope.Delta, TSMs: now})
	case "response.audio.done":
		s.publish(protocol.Event{Type: protocol.EventAudioDone, SessionID: s.id, TSMs: now})
	case "response.audio_transcript.done":
		if envelope.Transcript != "" {
			s.observeReplyLatency(observability.StageCommitToReplyText)
			s.observeReplyLatency(observability.StageTextToReplyText)
			turn := s.appendTurn(protocol.RoleCoach, envelope.Transcript)
			s.publishTranscript(turn)
		}
	case "conversation.item.input_audio_transcription.completed":
		if envelope.Transcript != "" {
			turn := s.appendTurn(protocol.RoleCandidate, envelope.Transcript)
			s.publishTranscript(turn)
			s.maybeAutoEnd(envelope.Transcript)
		}
	case "input_audio_buffer.speech_started":
		s.publish(protocol.Event{Type: protocol.EventSpeechStarted, SessionID: s.id, TSMs: now})
	case "input_audio_buffer.speech_stopped":
		s.publish(protocol.Event{Type: protocol.EventSpeechStopped, SessionID: s.id, TSMs: now})
	case "error":
		s.log.Warn().Str("code", envelope.Error.Code).Str("message", envelope.Error.Message).Msg("provider error event")
		s.countProviderError(envelope.Error.Code)
		s.responseFinished()
	default:
		s.publish(protocol.Event{Type: protocol.EventProviderRaw, SessionID: s.id, Raw: raw, TSMs: now})
	}
}

func (s *Session) appendTurn(role protocol.Role, text string) protocol.Turn {
	s.mu.Lock()
	defer s.mu.Unlock()
	turn := protocol.Turn{
		Role:      role,
		Text:      text,
		Timestamp: time.Now().UTC(),
		Sequence:  s.nextSeq,
	}
	s.nextSeq++
	s.transcript = append(s.transcript, turn)
	switch role {
	case protocol.RoleCandidate:
		s.candidateTurns++
	case protocol.RoleCoach:
		s.coachTurns++
	}
	return turn
}

// maybeAutoEnd consults the profile and hooks after a candidate turn and
// publishes session.end when either side wants to stop.
func (s *Session) maybeAutoEnd(lastCandidateText string) {
	s.mu.Lock()
	candidate, coachTurns := s.candidateTurns, s.coachTurns
	ended := s.ended
	s.mu.Unlock()
	if ended {
		return
	}
	if s.cfg.Profile.ShouldEnd(candidate, coachTurns, lastCandidateText) ||
		s.cfg.Hooks.ShouldEnd(candidate, coachTurns, lastCandidateText) {
		s.publish(protocol.Event{
			Type:      protocol.EventSessionEnd,
			SessionID: s.id,
			TSMs:      time.Now().UnixMilli(),
		})
		s.countSessionEvent("auto_end_signal")
	}
}

// observeReplyLatency records the gap between the triggering input and
// the first matching reply artifact, then clears the anchor so repeats
// within the same reply are not counted.
func (s *Session) observeReplyLatency(stage string) {
	if s.cfg.Metrics == nil || s.cfg.Metrics.Latency == nil {
		return
	}
	s.mu.Lock()
	var anchor time.Time
	switch stage {
	case observability.StageCommitToReplyAudio:
		anchor = s.commitAudioAnchor
		s.commitAudioAnchor = time.Time{}
	case observability.StageCommitToReplyText:
		anchor = s.commitTextAnchor
		s.commitTextAnchor = time.Time{}
	case observability.StageTextToReplyText:
		anchor = s.textAnchor
		s.textAnchor = time.Time{}
	}
	s.mu.Unlock()
	if anchor.IsZero() {
		return
	}
	s.cfg.Metrics.Latency.Observe(stage, time.Since(anchor))
}

func (s *Session) publishTranscript(turn protocol.Turn) {
	s.publish(protocol.Event{
		Type:      protocol.EventTranscript,
		SessionID: s.id,
		Role:      turn.Role,
		Text:      turn.Text,
		TSMs:      turn.Timestamp.UnixMilli(),
	})
}

func (s *Session) publish(ev protocol.Event) {
	s.events.Publish(ev)
	if s.cfg.Metrics != nil {
		s.cfg.Metrics.RelayEvents.WithLabelValues(string(ev.Type)).Inc()
	}
}

func (s *Session) publishWarning(msg string) {
	s.log.Warn().Str("warning", msg).Msg("commit soft failure")
	s.publish(protocol.Event{
		Type:      protocol.EventProviderRaw,
		SessionID: s.id,
		Text:      msg,
		TSMs:      time.Now().UnixMilli(),
	})
}

func (s *Session) countSessionEvent(event string) {
	if s.cfg.Metrics != nil {
		s.cfg.Metrics.SessionEvents.WithLabelValues(event).Inc()
	}
}

func (s *Session) countProviderError(code string) {
	if s.cfg.Metrics != nil {
		if code == "" {
			code = "unknown"
		}
		s.cfg.Metrics.ProviderErrors.WithLabelValues("realtime", code).Inc()
	}
}
