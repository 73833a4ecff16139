// Package playback streams coach audio deltas to an output sink with a
// gapless schedule.
package playback

import (
	"fmt"
	"sync"
	"time"

	"github.com/voxlab/voxcoach/internal/audio"
)

// Sink consumes contiguous mono float32 samples at the realtime rate.
// Hardware sinks buffer internally; test sinks record.
type Sink interface {
	Write(samples []float32) error
	Close() error
}

// Engine schedules decoded audio chunks back to back. Each chunk starts at
// the later of the playback cursor and now, so bursts of deltas queue
// gaplessly while a late delta never schedules in the past.
type Engine struct {
	sink Sink
	now  func() time.Time

	mu     sync.Mutex
	cursor time.Time
	closed bool

	closeOnce sync.Once
	closeErr  error
}

func NewEngine(sink Sink) *Engine {
	return &Engine{sink: sink, now: time.Now}
}

// EnqueueBase64 decodes one base64 PCM16 delta and schedules it. Returns
// the chunk's scheduled start time.
func (e *Engine) EnqueueBase64(audioBase64 string) (time.Time, error) {
	samples, err := audio.DecodePCM16Base64(audioBase64)
	if err != nil {
		return time.Time{}, fmt.Errorf("decode playback chunk: %w", err)
	}
	return e.Enqueue(samples)
}

// Enqueue schedules raw samples and forwards them to the sink.
func (e *Engine) Enqueue(samples []float32) (time.Time, error) {
	dur := time.Duration(len(samples)) * time.Second / audio.RealtimeSampleRate

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return time.Time{}, fmt.Errorf("playback engine closed")
	}
	start := e.now()
	if e.cursor.After(start) {
		start = e.cursor
	}
	e.cursor = start.Add(dur)
	e.mu.Unlock()

	if err := e.sink.Write(samples); err != nil {
		return time.Time{}, fmt.Errorf("write playback chunk: %w", err)
	}
	return start, nil
}

// PendingUntil reports when the scheduled audio runs out. Zero when nothing
// has been enqueued.
func (e *Engine) PendingUntil() time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cursor
}

// Interrupt drops the schedule so the next chunk starts immediately. Used
// when the candidate starts speaking over the coach.
func (e *Engine) Interrupt() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cursor = time.Time{}
}

// Close shuts the sink down. Safe to call multiple times; later calls
// return the first error.
func (e *Engine) Close() error {
	e.closeOnce.Do(func() {
		e.mu.Lock()
		e.closed = true
		e.mu.Unlock()
		e.closeErr = e.sink.Close()
	})
	return e.closeErr
}
