// Package client drives a full coaching session against the control
// plane: it starts the session, streams microphone audio up, plays coach
// audio back, mirrors the transcript and finalizes exactly once.
package client

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/voxlab/voxcoach/internal/capture"
	"github.com/voxlab/voxcoach/internal/logging"
	"github.com/voxlab/voxcoach/internal/playback"
	"github.com/voxlab/voxcoach/internal/protocol"
)

// State is the hook lifecycle. Transitions only move forward except the
// connecting->idle rollback on a degraded start.
type State string

const (
	StateIdle       State = "idle"
	StateConnecting State = "connecting"
	StateRunning    State = "running"
	StateEnding     State = "ending"
	StateEnded      State = "ended"
)

// Config wires the hook. Source and Sink are optional: without a source
// the session is text-only, without a sink coach audio is dropped.
type Config struct {
	BaseURL string
	Source  capture.FrameSource
	Sink    playback.Sink

	// OnEvent observes every relay event after local bookkeeping.
	OnEvent func(ev protocol.Event)
	// OnWarning surfaces soft failures (degraded audio, held commits).
	OnWarning func(msg string)
	// OnElapsed ticks once per second while the session runs.
	OnElapsed func(seconds int)

	ControlTimeout time.Duration
}

// Hook is one client session. Not reusable; build a new Hook per session.
type Hook struct {
	cfg     Config
	control *http.Client
	stream  *http.Client
	log     zerolog.Logger

	mu           sync.Mutex
	state        State
	sessionID    string
	transcript   []protocol.Turn
	finalized    bool
	finalizeDone chan struct{}
	result       protocol.SessionResult

	engine   *capture.Engine
	player   *playback.Engine
	cancelBG context.CancelFunc
	bgDone   sync.WaitGroup
}

func New(cfg Config) *Hook {
	if cfg.ControlTimeout <= 0 {
		cfg.ControlTimeout = 30 * time.Second
	}
	return &Hook{
		cfg:     cfg,
		control: &http.Client{Timeout: cfg.ControlTimeout},
		stream:  &http.Client{},
		log:     logging.WithComponent("client"),
		state:   StateIdle,
	}
}

// State reports the current lifecycle state.
func (h *Hook) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// SessionID returns the server-assigned session id, empty before start.
func (h *Hook) SessionID() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.sessionID
}

// StartSession brings the session up. Calling it while a session is
// active is a soft failure, not an error. A degraded server start
// (ok=false) rolls the hook back to idle and surfaces the warning.
func (h *Hook) StartSession(ctx context.Context) (protocol.StartResponse, error) {
	h.mu.Lock()
	if h.state != StateIdle {
		h.mu.Unlock()
		return protocol.StartResponse{OK: false, Warning: "session already active"}, nil
	}
	h.state = StateConnecting
	h.mu.Unlock()

	var started protocol.StartResponse
	err := h.postJSON(ctx, "/v1/coach/session/start", protocol.StartRequest{}, &started)
	if err != nil {
		h.setState(StateIdle)
		return protocol.StartResponse{}, fmt.Errorf("start session: %w", err)
	}
	if !started.OK {
		h.setState(StateIdle)
		h.warn(started.Warning)
		return started, nil
	}

	h.mu.Lock()
	h.sessionID = started.SessionID
	h.mu.Unlock()

	bgCtx, cancel := context.WithCancel(context.Background())
	h.mu.Lock()
	h.cancelBG = cancel
	h.mu.Unlock()

	if h.cfg.Sink != nil {
		h.player = playback.NewEngine(h.cfg.Sink)
	}
	if err := h.openEventStream(bgCtx, started.SessionID); err != nil {
		cancel()
		h.setState(StateIdle)
		return protocol.StartResponse{}, fmt.Errorf("open event stream: %w", err)
	}

	h.startCapture(started.SessionID)
	h.startElapsedTicker(bgCtx)

	h.setState(StateRunning)
	return started, nil
}

// startCapture wires the microphone source to the upload endpoint. A
// missing or broken source downgrades the session to text-only.
func (h *Hook) startCapture(sessionID string) {
	if h.cfg.Source == nil {
		return
	}
	probe := make([]float32, 1)
	if _, err := h.cfg.Source.ReadFrame(probe[:0]); errors.Is(err, capture.ErrDeviceUnavailable) {
		h.warn("microphone unavailable; continuing in text-only mode")
		return
	}
	engine := capture.NewEngine(h.cfg.Source, &uploadAppender{hook: h, sessionID: sessionID}, capture.EngineConfig{
		Pace: true,
		OnDone: func(err error) {
			if err != nil {
				h.warn("audio capture stopped; continuing in text-only mode")
			}
		},
	})
	h.mu.Lock()
	h.engine = engine
	h.mu.Unlock()
	engine.Start()
}

type uploadAppender struct {
	hook      *Hook
	sessionID string
}

func (u *uploadAppender) Append(audioBase64 string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	var out map[string]any
	return u.hook.postJSON(ctx, "/v1/coach/session/audio", protocol.AudioRequest{
		SessionID: u.sessionID,
		Audio:     audioBase64,
	}, &out)
}

// SetMuted pauses the outbound audio without tearing capture down.
func (h *Hook) SetMuted(muted bool) {
	h.mu.Lock()
	engine := h.engine
	h.mu.Unlock()
	if engine != nil {
		engine.SetMuted(muted)
	}
}

// CommitAudio forces the server to flush buffered audio and reply.
func (h *Hook) CommitAudio(ctx context.Context) error {
	h.mu.Lock()
	id, state := h.sessionID, h.state
	h.mu.Unlock()
	if state != StateRunning {
		return fmt.Errorf("session is not running")
	}
	var out map[string]any
	return h.postJSON(ctx, "/v1/coach/session/commit", protocol.CommitRequest{SessionID: id}, &out)
}

// SendText forwards a typed candidate message. The transcript entry
// arrives back over the event stream, so nothing is appended locally.
func (h *Hook) SendText(ctx context.Context, text string) error {
	if strings.TrimSpace(text) == "" {
		return fmt.Errorf("empty text")
	}
	h.mu.Lock()
	id, state := h.sessionID, h.state
	h.mu.Unlock()
	if state != StateRunning {
		return fmt.Errorf("session is not running")
	}
	var out map[string]any
	return h.postJSON(ctx, "/v1/coach/session/text", protocol.TextRequest{SessionID: id, Text: text}, &out)
}

// Transcript returns the mirrored turns sorted by sequence.
func (h *Hook) Transcript() []protocol.Turn {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]protocol.Turn, len(h.transcript))
	copy(out, h.transcript)
	sort.Slice(out, func(i, j int) bool { return out[i].Sequence < out[j].Sequence })
	return out
}

// FinalizeSession tears the session down exactly once. Origin tags the
// trigger: "manual" for a user action, "auto" for a server session.end
// event. Later calls return the first result.
func (h *Hook) FinalizeSession(ctx context.Context, origin string) (protocol.SessionResult, error) {
	h.mu.Lock()
	if h.finalized {
		done := h.finalizeDone
		h.mu.Unlock()
		<-done
		h.mu.Lock()
		result := h.result
		h.mu.Unlock()
		return result, nil
	}
	h.finalized = true
	h.finalizeDone = make(chan struct{})
	defer close(h.finalizeDone)
	id := h.sessionID
	h.state = StateEnding
	cancel := h.cancelBG
	engine := h.engine
	h.mu.Unlock()

	if origin != "auto" {
		origin = "manual"
	}

	// Stop feeding audio before asking the server to wrap up, so the
	// final commit covers everything that was captured.
	if engine != nil {
		engine.Stop()
	}

	var ended protocol.EndResponse
	err := h.postJSON(ctx, "/v1/coach/session/end", protocol.EndRequest{SessionID: id, Reason: origin}, &ended)

	if cancel != nil {
		cancel()
	}
	h.bgDone.Wait()
	if h.player != nil {
		if closeErr := h.player.Close(); closeErr != nil {
			h.log.Warn().Err(closeErr).Msg("playback close failed")
		}
	}

	h.mu.Lock()
	if err == nil {
		// The server result is authoritative; replace the mirror.
		h.result = ended.Result
		h.transcript = append([]protocol.Turn(nil), ended.Result.Transcript...)
	} else {
		h.result = protocol.SessionResult{Transcript: h.transcript}
	}
	result := h.result
	h.state = StateEnded
	h.mu.Unlock()

	if err != nil {
		return result, fmt.Errorf("end session: %w", err)
	}
	return result, nil
}

// openEventStream connects the SSE feed and consumes it until cancelled.
func (h *Hook) openEventStream(ctx context.Context, sessionID string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		strings.TrimRight(h.cfg.BaseURL, "/")+"/v1/coach/events?session_id="+sessionID, nil)
	if err != nil {
		return err
	}
	res, err := h.stream.Do(req)
	if err != nil {
		return err
	}
	if res.StatusCode != http.StatusOK {
		res.Body.Close()
		return fmt.Errorf("event stream status %d", res.StatusCode)
	}

	h.bgDone.Add(1)
	go func() {
		defer h.bgDone.Done()
		defer res.Body.Close()
		scanner := bufio.NewScanner(res.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
		for scanner.Scan() {
			line := scanner.Text()
			if !strings.HasPrefix(line, "data: ") {
				continue
			}
			var ev protocol.Event
			if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &ev); err != nil {
				h.log.Warn().Err(err).Msg("bad event frame")
				continue
			}
			h.handleEvent(ev)
		}
	}()
	return nil
}

func (h *Hook) handleEvent(ev protocol.Event) {
	switch ev.Type {
	case protocol.EventTranscript:
		h.mu.Lock()
		h.transcript = append(h.transcript, protocol.Turn{
			Role:      ev.Role,
			Text:      ev.Text,
			Timestamp: time.UnixMilli(ev.TSMs).UTC(),
			Sequence:  len(h.transcript),
		})
		h.mu.Unlock()
	case protocol.EventAudioDelta:
		if h.player != nil && ev.Audio != "" {
			if _, err := h.player.EnqueueBase64(ev.Audio); err != nil {
				h.log.Warn().Err(err).Msg("playback enqueue failed")
			}
		}
	case protocol.EventSpeechStarted:
		if h.player != nil {
			h.player.Interrupt()
		}
	case protocol.EventSessionEnd:
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			if _, err := h.FinalizeSession(ctx, "auto"); err != nil {
				h.log.Warn().Err(err).Msg("auto finalize failed")
			}
		}()
	}
	if h.cfg.OnEvent != nil {
		h.cfg.OnEvent(ev)
	}
}

func (h *Hook) startElapsedTicker(ctx context.Context) {
	if h.cfg.OnElapsed == nil {
		return
	}
	start := time.Now()
	h.bgDone.Add(1)
	go func() {
		defer h.bgDone.Done()
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				h.cfg.OnElapsed(int(time.Since(start) / time.Second))
			}
		}
	}()
}

func (h *Hook) postJSON(ctx context.Context, path string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		strings.TrimRight(h.cfg.BaseURL, "/")+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	res, err := h.control.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(res.Body, 4<<10))
		var apiErr protocol.ErrorResponse
		if json.Unmarshal(raw, &apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("%s: %s", path, apiErr.Error)
		}
		return fmt.Errorf("%s: status %d", path, res.StatusCode)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(res.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func (h *Hook) setState(state State) {
	h.mu.Lock()
	h.state = state
	h.mu.Unlock()
}

func (h *Hook) warn(msg string) {
	if msg == "" {
		return
	}
	h.log.Warn().Msg(msg)
	if h.cfg.OnWarning != nil {
		h.cfg.OnWarning(msg)
	}
}
