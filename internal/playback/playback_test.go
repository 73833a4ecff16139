package playback

import (
	"sync"
	"testing"
	"time"

	"github.com/voxlab/voxcoach/internal/audio"
)

type memorySink struct {
	mu      sync.Mutex
	samples []float32
	closes  int
}

func (m *memorySink) Write(samples []float32) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.samples = append(m.samples, samples...)
	return nil
}

func (m *memorySink) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closes++
	return nil
}

func chunkOfMS(ms int) []float32 {
	return make([]float32, ms*audio.RealtimeSampleRate/1000)
}

func TestEnqueueGaplessSchedule(t *testing.T) {
	sink := &memorySink{}
	e := NewEngine(sink)
	base := time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)
	e.now = func() time.Time { return base }

	first, err := e.Enqueue(chunkOfMS(100))
	if err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	if !first.Equal(base) {
		t.Fatalf("first start = %v, want %v", first, base)
	}

	second, err := e.Enqueue(chunkOfMS(100))
	if err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	if want := base.Add(100 * time.Millisecond); !second.Equal(want) {
		t.Fatalf("second start = %v, want %v (back to back)", second, want)
	}
	if want := base.Add(200 * time.Millisecond); !e.PendingUntil().Equal(want) {
		t.Fatalf("PendingUntil() = %v, want %v", e.PendingUntil(), want)
	}
}

func TestEnqueueNeverSchedulesInThePast(t *testing.T) {
	e := NewEngine(&memorySink{})
	base := time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)
	now := base
	e.now = func() time.Time { return now }

	if _, err := e.Enqueue(chunkOfMS(50)); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}

	// Let the schedule run out, then enqueue a late delta.
	now = base.Add(time.Second)
	start, err := e.Enqueue(chunkOfMS(50))
	if err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	if !start.Equal(now) {
		t.Fatalf("late chunk start = %v, want now %v", start, now)
	}
}

func TestInterruptResetsSchedule(t *testing.T) {
	e := NewEngine(&memorySink{})
	base := time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)
	e.now = func() time.Time { return base }

	if _, err := e.Enqueue(chunkOfMS(500)); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	e.Interrupt()

	start, err := e.Enqueue(chunkOfMS(100))
	if err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	if !start.Equal(base) {
		t.Fatalf("post-interrupt start = %v, want %v", start, base)
	}
}

func TestEnqueueBase64RejectsMalformed(t *testing.T) {
	e := NewEngine(&memorySink{})
	if _, err := e.EnqueueBase64("not base64!!"); err == nil {
		t.Fatalf("EnqueueBase64() should reject malformed input")
	}
}

func TestCloseIsIdempotentAndRejectsEnqueue(t *testing.T) {
	sink := &memorySink{}
	e := NewEngine(sink)
	if err := e.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := e.Close(); err != nil {
		t.Fatalf("second Close() error = %v", err)
	}
	if sink.closes != 1 {
		t.Fatalf("sink closed %d times, want 1", sink.closes)
	}
	if _, err := e.Enqueue(chunkOfMS(10)); err == nil {
		t.Fatalf("Enqueue() after Close() should fail")
	}
}
