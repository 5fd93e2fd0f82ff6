package stream_test

import (
	"encoding/binary"
	"testing"
	"time"

	"github.com/vocaduct/vocaduct/pkg/audio/stream"
)

// samplesFromChunk converts a little-endian PCM chunk back to int16 samples.
func samplesFromChunk(chunk []byte) []int16 {
	samples := make([]int16, len(chunk)/2)
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(chunk[i*2:]))
	}
	return samples
}

func TestQuantize_Boundaries(t *testing.T) {
	cases := []struct {
		in   float32
		want int16
	}{
		{0.0, 0},
		{1.0, 32767},
		{-1.0, -32768},
		{1.5, 32767},   // clamps to 1.0 before scaling
		{-2.0, -32768}, // clamps to -1.0 before scaling
		{0.5, 16383},   // 0.5*32767 = 16383.5, truncated toward zero
		{-0.5, -16384},
	}
	for _, c := range cases {
		if got := stream.Quantize(c.in); got != c.want {
			t.Errorf("Quantize(%v): got %d, want %d", c.in, got, c.want)
		}
	}
}

func TestCapture_EmitsQuantizedChunk(t *testing.T) {
	s := stream.NewInputStreamer(0)
	if !s.Capture([]float32{1.0, -1.0, 0.0, 2.0}) {
		t.Fatal("open streamer should report alive")
	}

	chunk := <-s.Emissions()
	if len(chunk) != 8 {
		t.Fatalf("chunk length: got %d bytes, want 8", len(chunk))
	}
	got := samplesFromChunk(chunk)
	want := []int16{32767, -32768, 0, 32767}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("sample %d: got %d, want %d", i, got[i], want[i])
		}
	}
}

func TestCapture_EmptyFrameEmitsNothing(t *testing.T) {
	s := stream.NewInputStreamer(0)
	if !s.Capture(nil) {
		t.Error("empty frame should not kill liveness")
	}
	s.Capture([]float32{})

	select {
	case chunk := <-s.Emissions():
		t.Errorf("unexpected emission of %d bytes", len(chunk))
	default:
	}
	if got := s.Stats().ChunksEmitted; got != 0 {
		t.Errorf("emitted chunks: got %d, want 0", got)
	}
}

func TestCapture_ChunkLengthMatchesFrame(t *testing.T) {
	s := stream.NewInputStreamer(8)
	for _, n := range []int{1, 3, 128, 960} {
		s.Capture(make([]float32, n))
		chunk := <-s.Emissions()
		if len(chunk) != n*2 {
			t.Errorf("frame of %d samples: got %d bytes, want %d", n, len(chunk), n*2)
		}
	}
}

func TestCapture_DropAndCountWhenFull(t *testing.T) {
	s := stream.NewInputStreamer(2)
	frame := []float32{0.25}

	for range 5 {
		if !s.Capture(frame) {
			t.Fatal("capture on a full channel must not kill liveness")
		}
	}

	stats := s.Stats()
	if stats.ChunksEmitted != 2 {
		t.Errorf("emitted chunks: got %d, want 2", stats.ChunksEmitted)
	}
	if stats.ChunksDropped != 3 {
		t.Errorf("dropped chunks: got %d, want 3", stats.ChunksDropped)
	}
}

func TestClose_StopsCaptureAndClosesChannel(t *testing.T) {
	s := stream.NewInputStreamer(4)
	s.Capture([]float32{0.1})
	s.Close()
	s.Close() // idempotent

	if s.Capture([]float32{0.2}) {
		t.Error("capture after Close should report dead")
	}

	// The pre-Close chunk is still readable; then the channel closes.
	if _, ok := <-s.Emissions(); !ok {
		t.Fatal("expected the chunk captured before Close")
	}
	if _, ok := <-s.Emissions(); ok {
		t.Error("channel should be closed after draining")
	}
}

func TestCapture_ConcurrentWithClose(t *testing.T) {
	s := stream.NewInputStreamer(2)
	frame := []float32{0.25, -0.25}

	done := make(chan struct{})
	go func() {
		defer close(done)
		// Captures past a full channel drop-and-count, so this loop spins
		// freely until Close flips the liveness signal. A send racing the
		// channel close would panic here.
		for s.Capture(frame) {
		}
	}()

	time.Sleep(2 * time.Millisecond)
	s.Close()
	<-done

	if s.Capture(frame) {
		t.Error("capture after Close should report dead")
	}
	for range s.Emissions() {
		// drain until the closed channel ends the loop
	}
}
