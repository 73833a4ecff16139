package capture

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/voxlab/voxcoach/internal/audio"
)

type fakeUploader struct {
	mu        sync.Mutex
	ops       []string
	commitErr error
}

func (f *fakeUploader) SendAudioAppend(audioBase64 string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ops = append(f.ops, "append")
	return nil
}

func (f *fakeUploader) SendAudioCommit() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ops = append(f.ops, "commit")
	return f.commitErr
}

func (f *fakeUploader) commits() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, op := range f.ops {
		if op == "commit" {
			n++
		}
	}
	return n
}

func (f *fakeUploader) snapshot() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.ops))
	copy(out, f.ops)
	return out
}

// frameOfMS encodes a silent frame of the given duration at the realtime
// rate.
func frameOfMS(ms int) string {
	samples := make([]float32, ms*audio.RealtimeSampleRate/1000)
	return audio.EncodePCM16Base64(samples)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within deadline")
}

func TestSchedulerCommitsAtBufferThreshold(t *testing.T) {
	up := &fakeUploader{}
	s := NewScheduler(up, SchedulerConfig{MinBufferedMS: 320, MaxInterval: time.Minute})
	defer s.Stop()

	frame := frameOfMS(100)
	for i := 0; i < 5; i++ {
		if err := s.Append(frame); err != nil {
			t.Fatalf("Append() error = %v", err)
		}
	}

	waitFor(t, func() bool { return up.commits() == 1 })
	time.Sleep(50 * time.Millisecond)
	if got := up.commits(); got != 1 {
		t.Fatalf("commits = %d, want exactly 1 for 5x100ms frames", got)
	}

	// The commit must land after the fourth append, once 400ms is buffered.
	ops := up.snapshot()
	commitAt := -1
	for i, op := range ops {
		if op == "commit" {
			commitAt = i
			break
		}
	}
	if commitAt != 4 {
		t.Fatalf("commit at op index %d, want 4 (after fourth append); ops = %v", commitAt, ops)
	}
}

func TestSchedulerFlushCommitsRemainder(t *testing.T) {
	up := &fakeUploader{}
	s := NewScheduler(up, SchedulerConfig{MinBufferedMS: 320, MaxInterval: time.Minute})
	defer s.Stop()

	if err := s.Append(frameOfMS(150)); err != nil {
		t.Fatalf("Append() error = %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.Flush(ctx); err != nil {
		t.Fatalf("Flush() error = %v", err)
	}
	if got := up.commits(); got != 1 {
		t.Fatalf("commits = %d, want 1 flush commit for 150ms buffered", got)
	}
}

func TestSchedulerFlushWithEmptyBufferSkipsCommit(t *testing.T) {
	up := &fakeUploader{}
	s := NewScheduler(up, SchedulerConfig{MinBufferedMS: 320, MaxInterval: time.Minute})
	defer s.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.Flush(ctx); err != nil {
		t.Fatalf("Flush() error = %v", err)
	}
	if got := up.commits(); got != 0 {
		t.Fatalf("commits = %d, want 0 for empty buffer", got)
	}
}

func TestSchedulerWarnsOncePerErrorClass(t *testing.T) {
	up := &fakeUploader{commitErr: fmt.Errorf("conversation already has an active response")}
	var mu sync.Mutex
	var warnings []string
	s := NewScheduler(up, SchedulerConfig{
		MinBufferedMS: 100,
		MaxInterval:   time.Minute,
		Warn: func(msg string) {
			mu.Lock()
			warnings = append(warnings, msg)
			mu.Unlock()
		},
	})
	defer s.Stop()

	frame := frameOfMS(120)
	for i := 0; i < 3; i++ {
		if err := s.Append(frame); err != nil {
			t.Fatalf("Append() error = %v", err)
		}
	}
	waitFor(t, func() bool { return up.commits() == 3 })

	mu.Lock()
	defer mu.Unlock()
	if len(warnings) != 1 {
		t.Fatalf("warnings = %d, want 1 deduplicated warning, got %v", len(warnings), warnings)
	}
}

func TestSchedulerCommitsAtMaxInterval(t *testing.T) {
	up := &fakeUploader{}
	s := NewScheduler(up, SchedulerConfig{MinBufferedMS: 320, MaxInterval: 100 * time.Millisecond})
	defer s.Stop()

	// Well under the buffer threshold; only the interval can trigger.
	if err := s.Append(frameOfMS(50)); err != nil {
		t.Fatalf("Append() error = %v", err)
	}
	waitFor(t, func() bool { return len(up.snapshot()) == 1 })
	if got := up.commits(); got != 0 {
		t.Fatalf("commits = %d, want 0 before the interval elapses", got)
	}

	time.Sleep(150 * time.Millisecond)
	if err := s.Append(frameOfMS(50)); err != nil {
		t.Fatalf("Append() error = %v", err)
	}
	waitFor(t, func() bool { return up.commits() == 1 })
}

func TestSchedulerBufferTooSmallKeepsAccumulating(t *testing.T) {
	up := &fakeUploader{commitErr: fmt.Errorf("input audio buffer too small")}
	s := NewScheduler(up, SchedulerConfig{MinBufferedMS: 100, MaxInterval: time.Minute})
	defer s.Stop()

	// The rejected commit must not zero the buffered estimate: the
	// provider still holds the audio, so the next frame has to push the
	// running total over the threshold again.
	if err := s.Append(frameOfMS(120)); err != nil {
		t.Fatalf("Append() error = %v", err)
	}
	waitFor(t, func() bool { return up.commits() == 1 })

	if err := s.Append(frameOfMS(90)); err != nil {
		t.Fatalf("Append() error = %v", err)
	}
	waitFor(t, func() bool { return up.commits() == 2 })
}

func TestSchedulerFatalCommitWarnsOnce(t *testing.T) {
	up := &fakeUploader{commitErr: fmt.Errorf("socket write: broken pipe")}
	var mu sync.Mutex
	var warnings []string
	s := NewScheduler(up, SchedulerConfig{
		MinBufferedMS: 100,
		MaxInterval:   time.Minute,
		Warn: func(msg string) {
			mu.Lock()
			warnings = append(warnings, msg)
			mu.Unlock()
		},
	})
	defer s.Stop()

	frame := frameOfMS(120)
	for i := 0; i < 3; i++ {
		if err := s.Append(frame); err != nil {
			t.Fatalf("Append() error = %v", err)
		}
	}
	waitFor(t, func() bool { return up.commits() == 3 })

	mu.Lock()
	defer mu.Unlock()
	if len(warnings) != 1 {
		t.Fatalf("warnings = %d, want 1 for a dead transport, got %v", len(warnings), warnings)
	}
}

func TestSchedulerStopRejectsAppends(t *testing.T) {
	up := &fakeUploader{}
	s := NewScheduler(up, SchedulerConfig{})
	s.Stop()
	s.Stop()
	if err := s.Append(frameOfMS(20)); err == nil {
		t.Fatalf("Append() after Stop() should fail")
	}
}

type recordingAppender struct {
	mu     sync.Mutex
	frames []string
}

func (r *recordingAppender) Append(audioBase64 string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frames = append(r.frames, audioBase64)
	return nil
}

func (r *recordingAppender) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.frames)
}

func TestEngineEncodesAllFrames(t *testing.T) {
	samples := make([]float32, 10000)
	source := NewSliceSource(samples, audio.RealtimeSampleRate)
	sink := &recordingAppender{}

	doneCh := make(chan error, 1)
	e := NewEngine(source, sink, EngineConfig{
		FrameSize: 4096,
		OnDone:    func(err error) { doneCh <- err },
	})
	e.Start()

	select {
	case err := <-doneCh:
		if err != nil {
			t.Fatalf("OnDone error = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("engine did not drain source")
	}
	e.Stop()

	// 10000 samples at 4096 per frame is three reads.
	if got := sink.count(); got != 3 {
		t.Fatalf("frames = %d, want 3", got)
	}
}

func TestEngineMutedDropsFrames(t *testing.T) {
	source := NewSliceSource(make([]float32, 8192), audio.RealtimeSampleRate)
	sink := &recordingAppender{}

	doneCh := make(chan error, 1)
	e := NewEngine(source, sink, EngineConfig{OnDone: func(err error) { doneCh <- err }})
	e.SetMuted(true)
	e.Start()

	select {
	case <-doneCh:
	case <-time.After(2 * time.Second):
		t.Fatalf("engine did not drain source")
	}
	e.Stop()

	if got := sink.count(); got != 0 {
		t.Fatalf("frames = %d, want 0 while muted", got)
	}
}

func TestEngineStopIsIdempotent(t *testing.T) {
	source := NewSliceSource(make([]float32, audio.RealtimeSampleRate), audio.RealtimeSampleRate)
	e := NewEngine(source, &recordingAppender{}, EngineConfig{Pace: true})
	e.Start()
	e.Stop()
	e.Stop()
}

func TestSliceSourceClosedReportsUnavailable(t *testing.T) {
	source := NewSliceSource(make([]float32, 100), audio.RealtimeSampleRate)
	if err := source.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	buf := make([]float32, 10)
	if _, err := source.ReadFrame(buf); !errors.Is(err, ErrDeviceUnavailable) {
		t.Fatalf("ReadFrame() after close = %v, want ErrDeviceUnavailable", err)
	}
}
