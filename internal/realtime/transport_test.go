package realtime

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

type fakeUpstream struct {
	t        *testing.T
	server   *httptest.Server
	upgrader websocket.Upgrader

	mu       sync.Mutex
	received []map[string]any
	conn     *websocket.Conn
	auth     string
}

func newFakeUpstream(t *testing.T) *fakeUpstream {
	f := &fakeUpstream{t: t}
	f.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.auth = r.Header.Get("Authorization")
		f.mu.Unlock()

		conn, err := f.upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		f.mu.Lock()
		f.conn = conn
		f.mu.Unlock()
		for {
			var msg map[string]any
			if err := conn.ReadJSON(&msg); err != nil {
				return
			}
			f.mu.Lock()
			f.received = append(f.received, msg)
			f.mu.Unlock()
		}
	}))
	t.Cleanup(f.server.Close)
	return f
}

func (f *fakeUpstream) wsURL() string {
	return "ws" + strings.TrimPrefix(f.server.URL, "http")
}

func (f *fakeUpstream) messages() []map[string]any {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]map[string]any, len(f.received))
	copy(out, f.received)
	return out
}

func (f *fakeUpstream) push(t *testing.T, payload map[string]any) {
	t.Helper()
	f.mu.Lock()
	conn := f.conn
	f.mu.Unlock()
	if conn == nil {
		t.Fatalf("no upstream connection")
	}
	if err := conn.WriteJSON(payload); err != nil {
		t.Fatalf("push: %v", err)
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("condition not met within deadline")
}

func TestConnectSendsAuthAndSessionUpdate(t *testing.T) {
	up := newFakeUpstream(t)
	tr := New(Config{
		APIKey:    "sk-test",
		WSBaseURL: up.wsURL(),
		Voice:     "alloy",
	})
	if err := tr.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	defer tr.Disconnect()

	if got := tr.State(); got != StateConnected {
		t.Fatalf("State() = %v, want connected", got)
	}
	waitFor(t, func() bool { return len(up.messages()) >= 1 })

	up.mu.Lock()
	auth := up.auth
	up.mu.Unlock()
	if auth != "Bearer sk-test" {
		t.Fatalf("Authorization = %q, want bearer token", auth)
	}

	first := up.messages()[0]
	if first["type"] != "session.update" {
		t.Fatalf("first message type = %v, want session.update", first["type"])
	}
	session, ok := first["session"].(map[string]any)
	if !ok {
		t.Fatalf("session.update missing session object")
	}
	if session["voice"] != "alloy" {
		t.Fatalf("session.voice = %v, want alloy", session["voice"])
	}
	if _, present := session["instructions"]; present {
		t.Fatalf("unset instructions should be omitted from session.update")
	}
}

func TestConnectIsIdempotent(t *testing.T) {
	up := newFakeUpstream(t)
	tr := New(Config{APIKey: "k", WSBaseURL: up.wsURL(), Voice: "alloy"})
	if err := tr.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	defer tr.Disconnect()

	if err := tr.Connect(context.Background()); err != nil {
		t.Fatalf("second Connect() error = %v", err)
	}
	waitFor(t, func() bool { return len(up.messages()) >= 1 })
	time.Sleep(50 * time.Millisecond)
	if got := len(up.messages()); got != 1 {
		t.Fatalf("session.update sent %d times, want 1", got)
	}
}

func TestSendAudioOrdering(t *testing.T) {
	up := newFakeUpstream(t)
	tr := New(Config{APIKey: "k", WSBaseURL: up.wsURL()})
	if err := tr.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	defer tr.Disconnect()

	if err := tr.SendAudioAppend("QUJD"); err != nil {
		t.Fatalf("SendAudioAppend() error = %v", err)
	}
	if err := tr.SendAudioCommit(); err != nil {
		t.Fatalf("SendAudioCommit() error = %v", err)
	}
	if err := tr.SendUserText("hello"); err != nil {
		t.Fatalf("SendUserText() error = %v", err)
	}

	waitFor(t, func() bool { return len(up.messages()) >= 3 })
	msgs := up.messages()
	if msgs[0]["type"] != "input_audio_buffer.append" {
		t.Fatalf("msg[0] = %v, want append", msgs[0]["type"])
	}
	if msgs[0]["audio"] != "QUJD" {
		t.Fatalf("append audio = %v", msgs[0]["audio"])
	}
	if msgs[1]["type"] != "input_audio_buffer.commit" {
		t.Fatalf("msg[1] = %v, want commit", msgs[1]["type"])
	}
	if msgs[2]["type"] != "conversation.item.create" {
		t.Fatalf("msg[2] = %v, want conversation.item.create", msgs[2]["type"])
	}
}

func TestOnMessageFanOutAndUnsubscribe(t *testing.T) {
	up := newFakeUpstream(t)
	tr := New(Config{APIKey: "k", WSBaseURL: up.wsURL()})
	if err := tr.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	defer tr.Disconnect()

	var mu sync.Mutex
	var first, second []string
	unsubFirst := tr.OnMessage(func(raw json.RawMessage) {
		mu.Lock()
		first = append(first, string(raw))
		mu.Unlock()
	})
	tr.OnMessage(func(raw json.RawMessage) {
		mu.Lock()
		second = append(second, string(raw))
		mu.Unlock()
	})

	up.push(t, map[string]any{"type": "response.created"})
	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(first) == 1 && len(second) == 1
	})

	unsubFirst()
	up.push(t, map[string]any{"type": "response.done"})
	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(second) == 2
	})
	mu.Lock()
	defer mu.Unlock()
	if len(first) != 1 {
		t.Fatalf("unsubscribed handler received %d events, want 1", len(first))
	}
}

func TestSendWhileDisconnected(t *testing.T) {
	tr := New(Config{APIKey: "k"})
	if err := tr.SendAudioAppend("QUJD"); err == nil {
		t.Fatalf("SendAudioAppend() on disconnected transport should fail")
	}
	if err := tr.Disconnect(); err != nil {
		t.Fatalf("Disconnect() on disconnected transport = %v, want nil", err)
	}
}

func TestDisconnectIsRepeatable(t *testing.T) {
	up := newFakeUpstream(t)
	tr := New(Config{APIKey: "k", WSBaseURL: up.wsURL()})
	if err := tr.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	if err := tr.Disconnect(); err != nil {
		t.Fatalf("Disconnect() error = %v", err)
	}
	if err := tr.Disconnect(); err != nil {
		t.Fatalf("second Disconnect() error = %v", err)
	}
	if got := tr.State(); got != StateDisconnected {
		t.Fatalf("State() = %v, want disconnected", got)
	}
}
