package stream

import (
	"encoding/binary"
	"log/slog"
	"sync"
	"sync/atomic"
)

// DefaultEmissionBuffer is the outbound channel capacity used when
// [NewInputStreamer] is given a non-positive buffer size. At a 20 ms capture
// quantum this is over half a second of headroom before drops begin.
const DefaultEmissionBuffer = 32

// InputStats is a snapshot of an [InputStreamer]'s cumulative counters.
type InputStats struct {
	// ChunksEmitted counts PCM chunks handed to the outbound channel.
	ChunksEmitted uint64

	// ChunksDropped counts PCM chunks discarded because the outbound channel
	// was full; the capture callback never blocks.
	ChunksDropped uint64
}

// InputStreamer converts captured float32 audio into PCM16 and forwards it
// without retention. Each capture call is independent: the streamer holds no
// sample state across calls, and only the final emission crosses from the
// real-time context into the control context (fire-and-forget, no handshake).
type InputStreamer struct {
	// mu orders captures against Close: captures hold the read side, so a
	// Close cannot shut the outbound channel while an emission is in flight.
	mu     sync.RWMutex
	out    chan []byte
	closed bool

	emitted atomic.Uint64
	dropped atomic.Uint64

	warnedDrop sync.Once
}

// NewInputStreamer creates an InputStreamer whose outbound channel buffers up
// to buffer chunks. A non-positive buffer selects [DefaultEmissionBuffer].
func NewInputStreamer(buffer int) *InputStreamer {
	if buffer <= 0 {
		buffer = DefaultEmissionBuffer
	}
	return &InputStreamer{out: make(chan []byte, buffer)}
}

// Capture quantizes frame to little-endian PCM16 and emits the result as a
// single message on the outbound channel. A nil or empty frame produces no
// emission. If the channel is full the chunk is dropped and counted rather
// than blocking; blocking would break the capture deadline.
//
// Each sample is clamped to [-1.0, 1.0] and then scaled with truncation toward
// zero: 32767 on the non-negative side, 32768 on the negative side, so that
// +1.0 → 32767 and -1.0 → -32768. See [Quantize].
//
// The frame is borrowed for the duration of the call only; the streamer
// retains no reference to it. The return value is the liveness signal: true
// while the streamer is open. A Capture racing [InputStreamer.Close] either
// completes its emission first or observes the closed streamer and returns
// false; it never sends on a closed channel.
func (s *InputStreamer) Capture(frame []float32) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return false
	}
	if len(frame) == 0 {
		return true
	}

	chunk := make([]byte, len(frame)*2)
	for i, v := range frame {
		binary.LittleEndian.PutUint16(chunk[i*2:], uint16(Quantize(v)))
	}

	select {
	case s.out <- chunk:
		s.emitted.Add(1)
	default:
		s.dropped.Add(1)
		s.warnedDrop.Do(func() {
			slog.Warn("input streamer: emission channel full, dropping capture frames")
		})
	}
	return true
}

// Emissions returns the outbound channel carrying PCM16 chunks. The channel
// is closed by [InputStreamer.Close].
func (s *InputStreamer) Emissions() <-chan []byte {
	return s.out
}

// Stats returns a snapshot of the streamer's cumulative counters.
func (s *InputStreamer) Stats() InputStats {
	return InputStats{
		ChunksEmitted: s.emitted.Load(),
		ChunksDropped: s.dropped.Load(),
	}
}

// Close closes the outbound channel. It waits for any in-flight Capture to
// finish its emission first; afterwards Capture returns false without
// emitting. Safe to call more than once.
func (s *InputStreamer) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.out)
}

// Quantize maps a float32 sample to int16. The sample is clamped to
// [-1.0, 1.0] first; scaling then truncates toward zero, using 32767 for
// non-negative values and 32768 for negative ones. The asymmetry is
// deliberate: it is the only scaling under which the full-scale endpoints land
// exactly on 32767 and -32768, and it mirrors the render side's divide-by-
// 32768 normalization.
func Quantize(v float32) int16 {
	if v > 1.0 {
		v = 1.0
	} else if v < -1.0 {
		v = -1.0
	}
	if v < 0 {
		return int16(v * 32768.0)
	}
	return int16(v * 32767.0)
}
