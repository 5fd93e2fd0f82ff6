// Package stream provides the two real-time adapters that bridge the
// asynchronous Vapi call transport with a periodic, deadline-bound audio
// device:
//
//   - [OutputStreamer] — absorbs PCM16 chunks arriving asynchronously from the
//     assistant and, on each render tick, fills a fixed-length float32 frame,
//     padding with silence on underrun.
//   - [InputStreamer] — quantizes captured float32 frames to PCM16 and
//     forwards each one immediately to the outbound channel.
//
// Both adapters are designed for a hard-deadline callback context: render and
// capture never block, never wait on the transport, and do only work bounded
// by the frame length. The sample queue inside [OutputStreamer] is the only
// state shared between the control context (ingestion) and the real-time
// context (rendering); it is guarded by a mutex whose hold time is bounded by
// the number of samples moved, never by the total queue length.
//
// This package lives under pkg/ because host audio drivers outside this
// repository are expected to invoke the adapters from their own callback
// schedulers.
package stream

import (
	"encoding/binary"
	"log/slog"
	"sync"
)

// DefaultQueueCapacity is the sample-queue bound used when [NewOutputStreamer]
// is given a non-positive capacity: ten seconds of mono audio at 16 kHz.
const DefaultQueueCapacity = 10 * 16000

// OutputStats is a snapshot of an [OutputStreamer]'s cumulative counters.
type OutputStats struct {
	// SamplesIngested counts samples accepted into the queue.
	SamplesIngested uint64

	// SamplesRendered counts samples removed from the queue by renders.
	SamplesRendered uint64

	// SamplesDropped counts samples discarded by the drop-oldest capacity
	// policy, plus samples contained in malformed (odd-length) chunks.
	SamplesDropped uint64

	// Underruns counts renders that found fewer queued samples than the
	// requested frame length and had to pad with silence.
	Underruns uint64
}

// OutputStreamer smooths an asynchronous, bursty PCM producer into a steady
// stream of fixed-size float32 frames consumed by a real-time renderer.
//
// Ingestion appends at the queue tail; rendering removes from the head. Sample
// order is preserved end to end: the concatenation of all rendered samples
// equals the concatenation of all ingested chunks, minus only what the
// documented capacity policy discarded.
//
// The queue is bounded. When a chunk would overflow it, the oldest queued
// samples are dropped to make room (drop-oldest keeps playback latency low at
// the cost of an audible skip) and the loss is counted in [OutputStats].
type OutputStreamer struct {
	mu     sync.Mutex
	buf    []int16 // ring buffer, fixed capacity
	head   int
	length int
	closed bool

	stats OutputStats

	warnedMalformed sync.Once
}

// NewOutputStreamer creates an OutputStreamer whose queue holds at most
// capacity samples. A non-positive capacity selects [DefaultQueueCapacity].
func NewOutputStreamer(capacity int) *OutputStreamer {
	if capacity <= 0 {
		capacity = DefaultQueueCapacity
	}
	return &OutputStreamer{buf: make([]int16, capacity)}
}

// Ingest parses chunk as consecutive little-endian int16 samples and appends
// them, in order, to the queue tail. A nil or empty chunk is a no-op, not an
// error. An odd-length chunk cannot be int16 PCM; it is dropped whole and
// counted, with a single warning logged for the lifetime of the streamer.
//
// Ingest runs on the control context and may be called concurrently with
// renders.
func (s *OutputStreamer) Ingest(chunk []byte) {
	if len(chunk) == 0 {
		return
	}
	if len(chunk)%2 != 0 {
		s.warnedMalformed.Do(func() {
			slog.Warn("output streamer: odd byte count in PCM chunk, dropping",
				"bytes", len(chunk),
			)
		})
		s.mu.Lock()
		s.stats.SamplesDropped += uint64(len(chunk) / 2)
		s.mu.Unlock()
		return
	}

	n := len(chunk) / 2

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}

	size := len(s.buf)

	// A chunk larger than the whole queue: only its newest cap samples can
	// survive; the rest are dropped before they are even written.
	skip := 0
	if n > size {
		skip = n - size
		s.stats.SamplesDropped += uint64(skip)
		n = size
	}

	// Drop-oldest: make room by advancing the head.
	if overflow := s.length + n - size; overflow > 0 {
		s.head = (s.head + overflow) % size
		s.length -= overflow
		s.stats.SamplesDropped += uint64(overflow)
	}

	for i := 0; i < n; i++ {
		sample := int16(binary.LittleEndian.Uint16(chunk[(skip+i)*2:]))
		s.buf[(s.head+s.length)%size] = sample
		s.length++
	}
	s.stats.SamplesIngested += uint64(n)
}

// RenderInto fills dst with the next queued samples, normalized to float32 by
// dividing by 32768, and pads any shortfall with exact zeros. It removes at
// most len(dst) samples from the queue, never blocks, and does work bounded by
// len(dst) regardless of queue depth, so it is safe to call from a
// hard-deadline audio callback.
//
// The divisor is 32768, not 32767: +32767 maps to slightly under 1.0. That
// headroom asymmetry matches the capture side's quantization and is
// intentional.
//
// The return value is the liveness signal for the host callback scheduler:
// true while the streamer is open, false once [OutputStreamer.Close] has been
// called (dst is still fully zero-padded on a dead streamer).
func (s *OutputStreamer) RenderInto(dst []float32) bool {
	s.mu.Lock()
	n := min(len(dst), s.length)
	for i := 0; i < n; i++ {
		dst[i] = float32(s.buf[(s.head+i)%len(s.buf)]) / 32768.0
	}
	s.head = (s.head + n) % len(s.buf)
	s.length -= n
	s.stats.SamplesRendered += uint64(n)
	if n < len(dst) && !s.closed {
		s.stats.Underruns++
	}
	alive := !s.closed
	s.mu.Unlock()

	for i := n; i < len(dst); i++ {
		dst[i] = 0
	}
	return alive
}

// Render returns a freshly allocated frame of exactly frameSize samples. It is
// the allocating convenience form of [OutputStreamer.RenderInto]; prefer
// RenderInto on the callback path. A non-positive frameSize yields an empty
// frame.
func (s *OutputStreamer) Render(frameSize int) []float32 {
	if frameSize <= 0 {
		return nil
	}
	frame := make([]float32, frameSize)
	s.RenderInto(frame)
	return frame
}

// Len reports the number of samples currently queued.
func (s *OutputStreamer) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.length
}

// Stats returns a snapshot of the streamer's cumulative counters.
func (s *OutputStreamer) Stats() OutputStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

// Close marks the streamer dead: subsequent renders return false (telling the
// host to deregister the callback) and subsequent ingests are no-ops. Close
// does not flush the queue; there is no drain step. Safe to call more than
// once.
func (s *OutputStreamer) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
}
