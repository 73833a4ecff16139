// sessionprobe drives one coaching session end to end against a running
// server: it uploads a WAV file as microphone input, mirrors the
// transcript to stdout and optionally records the coach's audio.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/voxlab/voxcoach/internal/audio"
	"github.com/voxlab/voxcoach/internal/capture"
	"github.com/voxlab/voxcoach/internal/client"
	"github.com/voxlab/voxcoach/internal/logging"
	"github.com/voxlab/voxcoach/internal/playback"
	"github.com/voxlab/voxcoach/internal/protocol"
)

type wavSink struct {
	mu      sync.Mutex
	samples []float32
}

func (s *wavSink) Write(samples []float32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.samples = append(s.samples, samples...)
	return nil
}

func (s *wavSink) Close() error { return nil }

func (s *wavSink) dump(path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.samples) == 0 {
		return nil
	}
	wav, err := audio.EncodeWAVPCM16LE(audio.PCM16Bytes(s.samples), audio.RealtimeSampleRate)
	if err != nil {
		return err
	}
	return os.WriteFile(path, wav, 0o644)
}

func main() {
	var (
		server  = flag.String("server", "http://127.0.0.1:8080", "control plane base URL")
		wavPath = flag.String("wav", "", "WAV file to stream as microphone input")
		outPath = flag.String("out", "", "write received coach audio to this WAV file")
		say     = flag.String("say", "", "send this text instead of audio")
		maxWait = flag.Duration("max", 2*time.Minute, "maximum session duration")
	)
	flag.Parse()
	logging.Init(logging.Config{Level: "info", Format: "console"})

	var source capture.FrameSource
	if *wavPath != "" {
		src, err := capture.NewWAVFileSource(*wavPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "open wav: %v\n", err)
			os.Exit(1)
		}
		source = src
	}

	var sink playback.Sink
	collector := &wavSink{}
	if *outPath != "" {
		sink = collector
	}

	ended := make(chan struct{})
	var endOnce sync.Once

	hook := client.New(client.Config{
		BaseURL: *server,
		Source:  source,
		Sink:    sink,
		OnEvent: func(ev protocol.Event) {
			switch ev.Type {
			case protocol.EventTranscript:
				fmt.Printf("[%s] %s\n", ev.Role, ev.Text)
			case protocol.EventSessionEnd:
				endOnce.Do(func() { close(ended) })
			}
		},
		OnWarning: func(msg string) {
			fmt.Fprintf(os.Stderr, "warning: %s\n", msg)
		},
	})

	ctx, cancel := context.WithTimeout(context.Background(), *maxWait)
	defer cancel()

	started, err := hook.StartSession(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "start: %v\n", err)
		os.Exit(1)
	}
	if !started.OK {
		fmt.Fprintf(os.Stderr, "session degraded: %s\n", started.Warning)
		os.Exit(1)
	}
	fmt.Printf("session %s started\n", started.SessionID)

	if text := strings.TrimSpace(*say); text != "" {
		if err := hook.SendText(ctx, text); err != nil {
			fmt.Fprintf(os.Stderr, "send text: %v\n", err)
		}
	}

	select {
	case <-ended:
		fmt.Println("session ended by coach")
	case <-ctx.Done():
		fmt.Println("session time limit reached")
	}

	endCtx, endCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer endCancel()
	result, err := hook.FinalizeSession(endCtx, "manual")
	if err != nil {
		fmt.Fprintf(os.Stderr, "finalize: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("transcript (%d turns):\n", len(result.Transcript))
	for _, turn := range result.Transcript {
		fmt.Printf("  %3d [%s] %s\n", turn.Sequence, turn.Role, turn.Text)
	}
	if len(result.Feedback) > 0 {
		fmt.Printf("feedback: %s\n", result.Feedback)
	}

	if *outPath != "" {
		if err := collector.dump(*outPath); err != nil {
			fmt.Fprintf(os.Stderr, "write coach audio: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("coach audio written to %s\n", *outPath)
	}
}
