package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"sync"
	"time"

	"github.com/go-audio/wav"
	"github.com/google/uuid"

	"github.com/vocaduct/vocaduct/pkg/audio/stream"
)

// FrameSource produces float32 audio frames at real-time pace. It models the
// microphone side of a call: the WAV source plays a file into the call, the
// silence source keeps the uplink alive with empty audio.
type FrameSource interface {
	// Frames returns the channel delivering frames. The channel is closed
	// when the source is exhausted or closed.
	Frames() <-chan []float32

	// Close releases the source. Safe to call more than once.
	Close() error
}

// WAVSource reads a mono PCM WAV file and emits fixed-size float32 frames on
// a real-time ticker. When the file ends the frame channel closes.
type WAVSource struct {
	logger *slog.Logger

	decoder    *wav.Decoder
	fileHandle *os.File

	frameSize int
	interval  time.Duration
	frames    chan []float32

	closeOnce sync.Once
	done      chan struct{}
}

// NewWAVSource opens the WAV file at path and prepares a source emitting
// frames of frameSize samples, paced for the given sample rate. The file's
// own sample rate is logged but not converted; callers should supply files
// recorded at the call rate.
func NewWAVSource(path string, sampleRate, frameSize int) (*WAVSource, error) {
	logger := slog.Default().With("wav_source", uuid.New())

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("engine: open wav source: %w", err)
	}

	decoder := wav.NewDecoder(f)
	if !decoder.IsValidFile() {
		f.Close()
		return nil, errors.New("engine: wav source is not a valid WAV file")
	}
	if int(decoder.SampleRate) != sampleRate {
		logger.Warn("wav source sample rate differs from call rate; audio will play at the wrong speed",
			"file_rate", decoder.SampleRate,
			"call_rate", sampleRate,
		)
	}

	logger.Debug("loaded wav source",
		"path", path,
		"sample_rate", decoder.SampleRate,
		"channels", decoder.NumChans,
		"frame_size", frameSize,
	)

	return &WAVSource{
		logger:     logger,
		decoder:    decoder,
		fileHandle: f,
		frameSize:  frameSize,
		interval:   time.Duration(frameSize) * time.Second / time.Duration(sampleRate),
		frames:     make(chan []float32),
		done:       make(chan struct{}),
	}, nil
}

// Run decodes the file and emits frames until exhaustion, Close, or ctx
// cancellation. It closes the frame channel on return.
func (s *WAVSource) Run(ctx context.Context) {
	defer close(s.frames)

	buf, err := s.decoder.FullPCMBuffer()
	if err != nil {
		s.logger.Error("could not decode wav source", "err", err)
		return
	}

	const maxInt16 = float32(math.MaxInt16)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for start := 0; start < len(buf.Data); start += s.frameSize {
		end := min(start+s.frameSize, len(buf.Data))
		frame := make([]float32, end-start)
		for i := range frame {
			frame[i] = float32(buf.Data[start+i]) / maxInt16
		}

		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return
		case <-ticker.C:
			select {
			case s.frames <- frame:
			case <-ctx.Done():
				return
			case <-s.done:
				return
			}
		}
	}
	s.logger.Debug("wav source exhausted")
}

// Frames returns the channel delivering decoded frames.
func (s *WAVSource) Frames() <-chan []float32 { return s.frames }

// Close stops the source and releases the file handle.
func (s *WAVSource) Close() error {
	s.closeOnce.Do(func() {
		close(s.done)
		s.fileHandle.Close()
	})
	return nil
}

// SilenceSource emits zero-valued frames at real-time pace, keeping the
// uplink alive when no microphone input is available.
type SilenceSource struct {
	frameSize int
	interval  time.Duration
	frames    chan []float32

	closeOnce sync.Once
	done      chan struct{}
}

// NewSilenceSource prepares a silence source emitting frames of frameSize
// samples, paced for the given sample rate.
func NewSilenceSource(sampleRate, frameSize int) *SilenceSource {
	return &SilenceSource{
		frameSize: frameSize,
		interval:  time.Duration(frameSize) * time.Second / time.Duration(sampleRate),
		frames:    make(chan []float32),
		done:      make(chan struct{}),
	}
}

// Run emits silence until Close or ctx cancellation. It closes the frame
// channel on return.
func (s *SilenceSource) Run(ctx context.Context) {
	defer close(s.frames)

	frame := make([]float32, s.frameSize)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return
		case <-ticker.C:
			select {
			case s.frames <- frame:
			case <-ctx.Done():
				return
			case <-s.done:
				return
			}
		}
	}
}

// Frames returns the channel delivering silence frames.
func (s *SilenceSource) Frames() <-chan []float32 { return s.frames }

// Close stops the source.
func (s *SilenceSource) Close() error {
	s.closeOnce.Do(func() { close(s.done) })
	return nil
}

// RunCapture feeds frames from src into in until the source is exhausted,
// the streamer closes, or ctx is cancelled. The capture path mirrors a
// device callback: each frame is handed to Capture exactly once and a false
// return stops the loop.
func RunCapture(ctx context.Context, src FrameSource, in *stream.InputStreamer) {
	for {
		select {
		case <-ctx.Done():
			return
		case frame, ok := <-src.Frames():
			if !ok {
				return
			}
			if !in.Capture(frame) {
				return
			}
		}
	}
}
