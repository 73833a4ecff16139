// Package realtime wraps the persistent duplex socket to the upstream
// realtime audio/text provider.
package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/voxlab/voxcoach/internal/logging"
)

// State tracks the transport connection lifecycle.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "disconnected"
	}
}

// Handler receives raw provider event payloads. Handlers run on the read
// goroutine; they must not block.
type Handler func(raw json.RawMessage)

// Config holds connection and session-priming settings. Zero-valued priming
// fields are omitted from the session.update payload.
type Config struct {
	APIKey       string
	WSBaseURL    string
	Model        string
	Voice        string
	Instructions string
	Temperature  float64
	Modalities   []string

	ConnectTimeout time.Duration
	WriteTimeout   time.Duration
}

// Transport is a duplex session transport. One instance serves one coaching
// session; Connect/Disconnect are safe to call repeatedly.
type Transport struct {
	cfg   Config
	state atomic.Int32
	log   zerolog.Logger

	connMu sync.Mutex
	conn   *websocket.Conn

	writeMu sync.Mutex

	subMu   sync.Mutex
	subs    map[int]Handler
	nextSub int
}

func New(cfg Config) *Transport {
	if strings.TrimSpace(cfg.WSBaseURL) == "" {
		cfg.WSBaseURL = "wss://api.openai.com"
	}
	if strings.TrimSpace(cfg.Model) == "" {
		cfg.Model = "gpt-4o-realtime-preview"
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 15 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	return &Transport{
		cfg:  cfg,
		subs: make(map[int]Handler),
		log:  logging.WithComponent("realtime"),
	}
}

// State reports the current connection state.
func (t *Transport) State() State {
	return State(t.state.Load())
}

// Connect dials the provider, primes the session configuration and starts
// the read loop. A second call while connected is a no-op. Dial failures
// leave the transport disconnected and are returned to the caller; read
// errors after a successful open are logged and surfaced by the next write.
func (t *Transport) Connect(ctx context.Context) error {
	t.connMu.Lock()
	defer t.connMu.Unlock()
	if t.conn != nil {
		return nil
	}

	t.state.Store(int32(StateConnecting))

	u, err := url.Parse(strings.TrimRight(t.cfg.WSBaseURL, "/") + "/v1/realtime")
	if err != nil {
		t.state.Store(int32(StateDisconnected))
		return fmt.Errorf("parse realtime url: %w", err)
	}
	q := u.Query()
	q.Set("model", t.cfg.Model)
	u.RawQuery = q.Encode()

	headers := http.Header{}
	headers.Set("Authorization", "Bearer "+t.cfg.APIKey)
	headers.Set("OpenAI-Beta", "realtime=v1")

	dialCtx, cancel := context.WithTimeout(ctx, t.cfg.ConnectTimeout)
	defer cancel()

	conn, _, err := websocket.DefaultDialer.DialContext(dialCtx, u.String(), headers)
	if err != nil {
		t.state.Store(int32(StateDisconnected))
		return fmt.Errorf("dial realtime websocket: %w", err)
	}

	t.conn = conn
	t.state.Store(int32(StateConnected))
	go t.readLoop(conn)

	if err := t.sendSessionUpdate(); err != nil {
		t.log.Warn().Err(err).Msg("session priming failed")
	}
	return nil
}

// EnsureConnected reconnects if the transport has dropped. Idempotent.
func (t *Transport) EnsureConnected(ctx context.Context) error {
	if t.State() == StateConnected {
		return nil
	}
	return t.Connect(ctx)
}

// sendSessionUpdate pushes the one-time session configuration. Only fields
// with defined values are included.
func (t *Transport) sendSessionUpdate() error {
	session := map[string]any{}
	if t.cfg.Voice != "" {
		session["voice"] = t.cfg.Voice
	}
	if t.cfg.Instructions != "" {
		session["instructions"] = t.cfg.Instructions
	}
	if len(t.cfg.Modalities) > 0 {
		session["modalities"] = t.cfg.Modalities
	}
	if t.cfg.Temperature > 0 {
		session["temperature"] = t.cfg.Temperature
	}
	if len(session) == 0 {
		return nil
	}
	return t.writeJSON(map[string]any{
		"type":    "session.update",
		"session": session,
	})
}

// SendAudioAppend appends one base64 PCM16 frame to the provider's input
// audio buffer.
func (t *Transport) SendAudioAppend(audioBase64 string) error {
	return t.writeJSON(map[string]any{
		"type":  "input_audio_buffer.append",
		"audio": audioBase64,
	})
}

// SendAudioCommit flushes the buffered audio as one input turn chunk.
func (t *Transport) SendAudioCommit() error {
	return t.writeJSON(map[string]any{
		"type": "input_audio_buffer.commit",
	})
}

// SendUserText injects a user text turn wrapped in the provider's
// conversation-item envelope.
func (t *Transport) SendUserText(text string) error {
	return t.writeJSON(map[string]any{
		"type": "conversation.item.create",
		"item": map[string]any{
			"type": "message",
			"role": "user",
			"content": []map[string]any{
				{"type": "input_text", "text": text},
			},
		},
	})
}

// SendResponseCreate asks the provider to produce a coach response.
func (t *Transport) SendResponseCreate() error {
	return t.writeJSON(map[string]any{
		"type": "response.create",
	})
}

// OnMessage registers a raw event subscriber and returns its unsubscribe
// function. Multiple subscribers are supported.
func (t *Transport) OnMessage(h Handler) func() {
	t.subMu.Lock()
	defer t.subMu.Unlock()
	id := t.nextSub
	t.nextSub++
	t.subs[id] = h
	return func() {
		t.subMu.Lock()
		defer t.subMu.Unlock()
		delete(t.subs, id)
	}
}

// Disconnect closes the socket. Safe to call multiple times or while
// already disconnected.
func (t *Transport) Disconnect() error {
	t.connMu.Lock()
	conn := t.conn
	t.conn = nil
	t.connMu.Unlock()

	t.state.Store(int32(StateDisconnected))
	if conn == nil {
		return nil
	}
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	return conn.Close()
}

func (t *Transport) writeJSON(payload map[string]any) error {
	t.connMu.Lock()
	conn := t.conn
	t.connMu.Unlock()
	if conn == nil {
		return fmt.Errorf("transport is not connected")
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(t.cfg.WriteTimeout))
	return conn.WriteJSON(payload)
}

func (t *Transport) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			t.connMu.Lock()
			if t.conn == conn {
				t.conn = nil
				t.state.Store(int32(StateDisconnected))
				t.log.Warn().Err(err).Msg("realtime read loop closed")
			}
			t.connMu.Unlock()
			return
		}
		t.dispatch(data)
	}
}

func (t *Transport) dispatch(raw []byte) {
	t.subMu.Lock()
	handlers := make([]Handler, 0, len(t.subs))
	for _, h := range t.subs {
		handlers = append(handlers, h)
	}
	t.subMu.Unlock()

	for _, h := range handlers {
		h(json.RawMessage(raw))
	}
}
