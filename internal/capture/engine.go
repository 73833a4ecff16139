package capture

import (
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/voxlab/voxcoach/internal/audio"
	"github.com/voxlab/voxcoach/internal/logging"
)

// DefaultFrameSize is the number of source samples read per capture tick.
const DefaultFrameSize = 4096

// Appender receives encoded frames from the engine. Implemented by the
// scheduler.
type Appender interface {
	Append(audioBase64 string) error
}

// EngineConfig tunes the capture loop.
type EngineConfig struct {
	// FrameSize is the per-read sample count at the source rate.
	FrameSize int
	// Pace throttles file-backed sources to real time so a WAV behaves
	// like a microphone. Live sources pace themselves and leave this off.
	Pace bool
	// OnDone fires once when the source is exhausted or fails. Optional.
	OnDone func(err error)
}

// Engine pulls frames from a source, resamples them to the realtime rate
// and hands encoded PCM to the appender. Muted frames are dropped before
// encoding, so nothing leaves the process while muted.
type Engine struct {
	cfg    EngineConfig
	source FrameSource
	sink   Appender
	log    zerolog.Logger

	muted    atomic.Bool
	started  atomic.Bool
	stopOnce sync.Once
	stop     chan struct{}
	finished chan struct{}
}

func NewEngine(source FrameSource, sink Appender, cfg EngineConfig) *Engine {
	if cfg.FrameSize <= 0 {
		cfg.FrameSize = DefaultFrameSize
	}
	return &Engine{
		cfg:      cfg,
		source:   source,
		sink:     sink,
		log:      logging.WithComponent("capture.engine"),
		stop:     make(chan struct{}),
		finished: make(chan struct{}),
	}
}

// Start launches the capture loop. A second call is ignored.
func (e *Engine) Start() {
	if !e.started.CompareAndSwap(false, true) {
		return
	}
	go e.run()
}

// SetMuted toggles the mute flag. Takes effect on the next frame.
func (e *Engine) SetMuted(muted bool) {
	e.muted.Store(muted)
}

func (e *Engine) Muted() bool {
	return e.muted.Load()
}

// Stop halts the loop and closes the source. Idempotent; returns once the
// loop has exited.
func (e *Engine) Stop() {
	e.stopOnce.Do(func() {
		close(e.stop)
	})
	if e.started.Load() {
		<-e.finished
	}
}

func (e *Engine) run() {
	defer close(e.finished)
	defer func() {
		if err := e.source.Close(); err != nil {
			e.log.Warn().Err(err).Msg("source close failed")
		}
	}()

	rate := e.source.SampleRate()
	frameDur := time.Duration(e.cfg.FrameSize) * time.Second / time.Duration(rate)
	buf := make([]float32, e.cfg.FrameSize)

	for {
		select {
		case <-e.stop:
			e.done(nil)
			return
		default:
		}

		n, err := e.source.ReadFrame(buf)
		if n > 0 && !e.muted.Load() {
			frame := audio.Resample(buf[:n], rate, audio.RealtimeSampleRate)
			if appendErr := e.sink.Append(audio.EncodePCM16Base64(frame)); appendErr != nil {
				e.log.Warn().Err(appendErr).Msg("frame dropped")
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				e.log.Warn().Err(err).Msg("capture source failed")
			}
			e.done(err)
			return
		}

		if e.cfg.Pace {
			select {
			case <-e.stop:
				e.done(nil)
				return
			case <-time.After(frameDur):
			}
		}
	}
}

func (e *Engine) done(err error) {
	if errors.Is(err, io.EOF) {
		err = nil
	}
	if e.cfg.OnDone != nil {
		e.cfg.OnDone(err)
	}
}
