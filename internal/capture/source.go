// Package capture turns a local audio source into upstream-ready base64
// PCM16 frames and schedules buffered commits.
package capture

import (
	"errors"
	"fmt"
	"io"

	"github.com/voxlab/voxcoach/internal/audio"
)

// ErrDeviceUnavailable is returned by sources whose backing input cannot be
// opened. Callers treat it as a soft failure; the session continues in
// text-only mode.
var ErrDeviceUnavailable = errors.New("capture device unavailable")

// FrameSource supplies mono float32 samples at a fixed rate. ReadFrame
// fills buf and returns the sample count; io.EOF ends the stream.
type FrameSource interface {
	ReadFrame(buf []float32) (int, error)
	SampleRate() int
	Close() error
}

// SliceSource serves samples from an in-memory buffer. It backs WAV file
// playback into a session and scripted test input.
type SliceSource struct {
	samples []float32
	rate    int
	offset  int
	closed  bool
}

func NewSliceSource(samples []float32, rate int) *SliceSource {
	return &SliceSource{samples: samples, rate: rate}
}

// NewWAVFileSource opens a mono 16-bit WAV file as a frame source.
func NewWAVFileSource(path string) (*SliceSource, error) {
	samples, rate, err := audio.ReadWAVFile(path)
	if err != nil {
		return nil, fmt.Errorf("open wav source: %w", err)
	}
	return NewSliceSource(samples, rate), nil
}

func (s *SliceSource) ReadFrame(buf []float32) (int, error) {
	if s.closed {
		return 0, ErrDeviceUnavailable
	}
	if s.offset >= len(s.samples) {
		return 0, io.EOF
	}
	n := copy(buf, s.samples[s.offset:])
	s.offset += n
	return n, nil
}

func (s *SliceSource) SampleRate() int { return s.rate }

func (s *SliceSource) Close() error {
	s.closed = true
	return nil
}
