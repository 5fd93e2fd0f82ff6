// Package engine drives the local audio path of a call: a speaker sink that
// pulls playback frames from the output adapter, and a capture loop that
// feeds microphone-side frames into the input adapter.
//
// The playback sink runs in pull mode. The audio backend reads from an
// [io.Reader] whose Read renders frames from the [stream.OutputStreamer];
// silence padding on underrun happens inside the adapter, so the reader
// always satisfies the backend's demand until the streamer closes.
package engine

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"
	"math"
	"time"

	"github.com/ebitengine/oto/v3"
	"go.opentelemetry.io/otel/metric"

	"github.com/vocaduct/vocaduct/internal/observe"
	"github.com/vocaduct/vocaduct/pkg/audio/stream"
)

// Speaker plays the assistant's audio on the default output device.
type Speaker struct {
	otoCtx *oto.Context
	player *oto.Player
}

// NewSpeaker initialises the audio backend for mono float32 playback at the
// given sample rate and starts pulling frames of frameSize samples from out.
// The returned Speaker owns the device until Close.
func NewSpeaker(sampleRate, frameSize int, out *stream.OutputStreamer, m *observe.Metrics) (*Speaker, error) {
	op := &oto.NewContextOptions{
		SampleRate:   sampleRate,
		ChannelCount: 1,
		Format:       oto.FormatFloat32LE,
	}
	otoCtx, ready, err := oto.NewContext(op)
	if err != nil {
		return nil, fmt.Errorf("engine: create audio context: %w", err)
	}
	<-ready

	r := &renderReader{out: out, frame: make([]float32, frameSize), metrics: m}
	player := otoCtx.NewPlayer(r)
	player.Play()

	slog.Info("speaker initialised", "sample_rate", sampleRate, "frame_size", frameSize)
	return &Speaker{otoCtx: otoCtx, player: player}, nil
}

// Close stops playback and suspends the audio device.
func (s *Speaker) Close() error {
	if s.player != nil {
		s.player.Close()
	}
	if s.otoCtx != nil {
		s.otoCtx.Suspend()
	}
	return nil
}

// renderReader adapts an OutputStreamer to the io.Reader the audio backend
// pulls from. Each Read renders whole frames and serialises them as float32
// little-endian. Read returns io.EOF once the streamer reports closed, which
// is the backend's signal to stop pulling.
type renderReader struct {
	out     *stream.OutputStreamer
	frame   []float32
	metrics *observe.Metrics

	// pending holds serialised bytes not yet consumed by the backend when
	// its buffer was smaller than one frame.
	pending []byte
}

func (r *renderReader) Read(p []byte) (int, error) {
	if len(r.pending) > 0 {
		n := copy(p, r.pending)
		r.pending = r.pending[n:]
		return n, nil
	}

	start := time.Now()
	alive := r.out.RenderInto(r.frame)
	if r.metrics != nil {
		r.metrics.RenderDuration.Record(context.Background(), time.Since(start).Seconds())
	}
	if !alive {
		return 0, io.EOF
	}

	buf := make([]byte, 4*len(r.frame))
	for i, v := range r.frame {
		binary.LittleEndian.PutUint32(buf[4*i:], math.Float32bits(v))
	}
	n := copy(p, buf)
	if n < len(buf) {
		r.pending = buf[n:]
	}
	return n, nil
}

// RunDrain renders frames at real-time pace and discards them. It stands in
// for the speaker on headless hosts so that queue consumption, underrun
// accounting, and the liveness signal behave the same with playback disabled.
// Returns when the streamer closes or ctx is cancelled.
func RunDrain(ctx context.Context, sampleRate, frameSize int, out *stream.OutputStreamer, m *observe.Metrics) {
	interval := time.Duration(frameSize) * time.Second / time.Duration(sampleRate)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	frame := make([]float32, frameSize)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			start := time.Now()
			alive := out.RenderInto(frame)
			if m != nil {
				m.RenderDuration.Record(ctx, time.Since(start).Seconds(),
					metric.WithAttributes(observe.Attr("sink", "drain")))
			}
			if !alive {
				return
			}
		}
	}
}
