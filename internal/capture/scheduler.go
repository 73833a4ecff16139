package capture

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/voxlab/voxcoach/internal/audio"
	"github.com/voxlab/voxcoach/internal/logging"
	"github.com/voxlab/voxcoach/internal/reliability"
)

// Uploader is the upstream side of the scheduler. Implemented by the
// realtime transport.
type Uploader interface {
	SendAudioAppend(audioBase64 string) error
	SendAudioCommit() error
}

// SchedulerConfig tunes the buffered-commit policy.
type SchedulerConfig struct {
	// MinBufferedMS commits as soon as at least this much audio is buffered.
	MinBufferedMS float64
	// MaxInterval commits whatever is buffered once this much time has
	// passed since the previous commit, even below MinBufferedMS.
	MaxInterval time.Duration
	// Warn receives user-facing soft-failure notices, deduplicated per
	// error class. Optional.
	Warn func(msg string)
	// OnCommit observes the latency of each successful commit. Optional.
	OnCommit func(d time.Duration)
}

type schedJob struct {
	audio string // append payload; empty for flush jobs
	flush bool
	done  chan struct{}
}

// Scheduler serializes audio uploads to the provider. All appends and
// commits run on one worker goroutine in FIFO order, so an append can
// never overtake the commit that should precede it.
type Scheduler struct {
	cfg   SchedulerConfig
	up    Uploader
	clock func() time.Time
	log   zerolog.Logger

	jobs chan schedJob

	stopOnce sync.Once
	stopped  chan struct{}

	warnMu sync.Mutex
	warned map[reliability.CommitErrorClass]bool
}

func NewScheduler(up Uploader, cfg SchedulerConfig) *Scheduler {
	if cfg.MinBufferedMS <= 0 {
		cfg.MinBufferedMS = 320
	}
	if cfg.MaxInterval <= 0 {
		cfg.MaxInterval = 1200 * time.Millisecond
	}
	s := &Scheduler{
		cfg:     cfg,
		up:      up,
		clock:   time.Now,
		log:     logging.WithComponent("capture.scheduler"),
		jobs:    make(chan schedJob, 256),
		stopped: make(chan struct{}),
		warned:  make(map[reliability.CommitErrorClass]bool),
	}
	go s.run()
	return s
}

// Append enqueues one base64 PCM16 frame. The worker decides whether the
// append triggers a commit. Returns an error once the scheduler is stopped.
func (s *Scheduler) Append(audioBase64 string) error {
	select {
	case <-s.stopped:
		return fmt.Errorf("scheduler stopped")
	default:
	}
	select {
	case s.jobs <- schedJob{audio: audioBase64}:
		return nil
	case <-s.stopped:
		return fmt.Errorf("scheduler stopped")
	}
}

// Flush commits any remaining buffered audio and waits for the worker to
// finish every queued job that precedes it.
func (s *Scheduler) Flush(ctx context.Context) error {
	done := make(chan struct{})
	select {
	case s.jobs <- schedJob{flush: true, done: done}:
	case <-s.stopped:
		return fmt.Errorf("scheduler stopped")
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop shuts the worker down. Idempotent. Buffered audio that was never
// flushed is dropped.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopped)
	})
}

func (s *Scheduler) run() {
	var bufferedMS float64
	lastCommit := s.clock()

	for {
		select {
		case <-s.stopped:
			return
		case job := <-s.jobs:
			if job.flush {
				if bufferedMS > 0 {
					s.commit(&bufferedMS, &lastCommit)
				}
				close(job.done)
				continue
			}
			if err := s.up.SendAudioAppend(job.audio); err != nil {
				s.log.Warn().Err(err).Msg("audio append failed")
				continue
			}
			bufferedMS += audio.EstimateDurationMS(job.audio)
			if bufferedMS >= s.cfg.MinBufferedMS || s.clock().Sub(lastCommit) >= s.cfg.MaxInterval {
				s.commit(&bufferedMS, &lastCommit)
			}
		}
	}
}

func (s *Scheduler) commit(bufferedMS *float64, lastCommit *time.Time) {
	start := s.clock()
	err := s.up.SendAudioCommit()
	if err == nil {
		*bufferedMS = 0
		*lastCommit = s.clock()
		if s.cfg.OnCommit != nil {
			s.cfg.OnCommit(s.clock().Sub(start))
		}
		return
	}

	switch class := reliability.ClassifyCommitError(err); class {
	case reliability.CommitResponseActive:
		// The provider folded the buffer into the response in flight;
		// treat the window as committed.
		*bufferedMS = 0
		*lastCommit = s.clock()
		s.warnOnce(class, "coach is still responding; audio held until the reply finishes")
	case reliability.CommitBufferTooSmall:
		// The provider still holds the audio. Keep the local estimate so
		// the next appends re-cross the threshold.
		s.warnOnce(class, "not enough audio captured to process; keep speaking")
	default:
		*bufferedMS = 0
		*lastCommit = s.clock()
		s.log.Error().Err(err).Msg("audio commit failed")
		s.warnOnce(class, "audio upload failed; recent audio may be lost")
	}
}

// warnOnce surfaces each soft-failure class to the user at most once per
// session.
func (s *Scheduler) warnOnce(class reliability.CommitErrorClass, msg string) {
	s.warnMu.Lock()
	seen := s.warned[class]
	s.warned[class] = true
	s.warnMu.Unlock()
	if seen || s.cfg.Warn == nil {
		return
	}
	s.cfg.Warn(msg)
}
