package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"golang.org/x/sync/errgroup"

	"github.com/vocaduct/vocaduct/internal/engine"
	"github.com/vocaduct/vocaduct/internal/observe"
	"github.com/vocaduct/vocaduct/pkg/audio/stream"
)

// StartCall places a new call and wires its audio path. Only one call may be
// active at a time; a second StartCall returns [ErrCallActive], including
// while a first one is still setting up.
//
// The REST and websocket round trips run outside a.mu, so a slow upstream
// never stalls Shutdown or blocks concurrent StartCall attempts on the lock.
func (a *App) StartCall(ctx context.Context) (string, error) {
	a.mu.Lock()
	if a.active != nil || a.starting {
		a.mu.Unlock()
		return "", ErrCallActive
	}
	a.starting = true
	a.mu.Unlock()

	releaseSlot := func() {
		a.mu.Lock()
		a.starting = false
		a.mu.Unlock()
	}

	call, err := a.creator.CreateCall(ctx)
	if err != nil {
		releaseSlot()
		a.recordCallStarted(ctx, "error")
		return "", fmt.Errorf("app: create call: %w", err)
	}

	sess, err := a.dial(ctx, call.WebSocketURL)
	if err != nil {
		a.cancelAbandonedCall(call.ID)
		releaseSlot()
		a.recordCallStarted(ctx, "error")
		return "", fmt.Errorf("app: dial call transport: %w", err)
	}

	out, err := a.registry.CreateOutput(stream.DefaultOutputHandle)
	if err != nil {
		sess.Close()
		releaseSlot()
		return "", err
	}
	in, err := a.registry.CreateInput(stream.DefaultInputHandle)
	if err != nil {
		sess.Close()
		out.Close()
		releaseSlot()
		return "", err
	}

	callCtx, cancel := context.WithCancel(context.Background())
	active := &activeCall{
		id:      call.ID,
		session: sess,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	a.mu.Lock()
	a.active = active
	a.starting = false
	a.mu.Unlock()

	a.recordCallStarted(ctx, "ok")
	if a.metrics != nil {
		a.metrics.ActiveCalls.Add(ctx, 1)
	}
	if a.recorder != nil {
		if err := a.recorder.CallStarted(ctx, call.ID, a.cfg.Vapi.AssistantID); err != nil {
			slog.Warn("failed to record call start", "call_id", call.ID, "err", err)
		}
	}

	go a.runCall(callCtx, active, out, in)

	slog.Info("call connected", "call_id", call.ID)
	return call.ID, nil
}

// cancelAbandonedCall deletes a created call whose websocket leg failed to
// dial, so it does not linger on the Vapi side waiting for audio.
func (a *App) cancelAbandonedCall(callID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.creator.CancelCall(ctx, callID); err != nil {
		slog.Warn("failed to cancel undialed call", "call_id", callID, "err", err)
	}
}

func (a *App) recordCallStarted(ctx context.Context, status string) {
	if a.metrics != nil {
		a.metrics.RecordCallStarted(ctx, status)
	}
}

// runCall drives the audio path of one call until it ends, then tears the
// call down and clears the active slot.
func (a *App) runCall(ctx context.Context, call *activeCall, out *stream.OutputStreamer, in *stream.InputStreamer) {
	defer close(call.done)
	started := time.Now()

	ctx, span := observe.StartCallSpan(ctx, call.id)
	defer span.End()

	var streamReg interface{ Unregister() error }
	if a.metrics != nil {
		reg, err := observe.RegisterStreamMetrics(otel.GetMeterProvider(), out, in)
		if err != nil {
			slog.Warn("failed to register stream metrics", "err", err)
		} else {
			streamReg = reg
		}
	}

	g, gctx := errgroup.WithContext(ctx)

	// Inbound: assistant audio from the socket into the playback queue.
	// When the socket closes the whole call winds down: the queue closes,
	// which flips the playback liveness signal, and the call context is
	// cancelled, which stops capture.
	g.Go(func() error {
		defer call.cancel()
		defer out.Close()
		for {
			select {
			case <-gctx.Done():
				return nil
			case chunk, ok := <-call.session.Audio():
				if !ok {
					return call.session.Err()
				}
				out.Ingest(chunk)
				if a.metrics != nil {
					a.metrics.RecordAudioBytes(gctx, "inbound", len(chunk))
				}
			}
		}
	})

	// Playback: speaker when enabled, paced drain otherwise.
	if a.cfg.Audio.Playback {
		speaker, err := engine.NewSpeaker(a.cfg.Audio.SampleRate, a.cfg.Audio.FrameSize, out, a.metrics)
		if err != nil {
			slog.Warn("speaker unavailable, draining playback instead", "err", err)
			g.Go(func() error {
				engine.RunDrain(gctx, a.cfg.Audio.SampleRate, a.cfg.Audio.FrameSize, out, a.metrics)
				return nil
			})
		} else {
			defer speaker.Close()
		}
	} else {
		g.Go(func() error {
			engine.RunDrain(gctx, a.cfg.Audio.SampleRate, a.cfg.Audio.FrameSize, out, a.metrics)
			return nil
		})
	}

	// Capture: microphone-side frames into the input adapter. The input
	// closes when capture stops, which ends the outbound pump.
	g.Go(func() error {
		defer in.Close()
		src, err := a.newFrameSource()
		if err != nil {
			return err
		}
		defer src.Close()
		go src.Run(gctx)
		engine.RunCapture(gctx, src, in)
		return nil
	})

	// Outbound: captured PCM chunks onto the socket.
	g.Go(func() error {
		for chunk := range in.Emissions() {
			if err := call.session.SendAudio(chunk); err != nil {
				return err
			}
			if a.metrics != nil {
				a.metrics.RecordAudioBytes(gctx, "outbound", len(chunk))
			}
		}
		return nil
	})

	err := g.Wait()
	reason := "hangup"
	if err != nil {
		reason = "error"
		slog.Warn("call ended with error", "call_id", call.id, "err", err)
	}

	call.session.Close()
	in.Close()
	if streamReg != nil {
		_ = streamReg.Unregister()
	}

	cleanupCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if a.recorder != nil {
		if err := a.recorder.CallEnded(cleanupCtx, call.id, reason); err != nil {
			slog.Warn("failed to record call end", "call_id", call.id, "err", err)
		}
	}
	if a.metrics != nil {
		a.metrics.ActiveCalls.Add(cleanupCtx, -1)
		a.metrics.CallDuration.Record(cleanupCtx, time.Since(started).Seconds())
	}

	a.mu.Lock()
	if a.active == call {
		a.active = nil
	}
	a.mu.Unlock()

	stats := out.Stats()
	slog.Info("call ended",
		"call_id", call.id,
		"reason", reason,
		"duration", time.Since(started).Round(time.Millisecond),
		"underruns", stats.Underruns,
		"dropped_samples", stats.SamplesDropped,
		"dropped_chunks", in.Stats().ChunksDropped,
	)
}

// newFrameSource builds the microphone-side source: the configured WAV file
// when present, silence otherwise.
func (a *App) newFrameSource() (frameSource, error) {
	if a.cfg.Audio.WavSource != "" {
		return engine.NewWAVSource(a.cfg.Audio.WavSource, a.cfg.Audio.SampleRate, a.cfg.Audio.FrameSize)
	}
	return engine.NewSilenceSource(a.cfg.Audio.SampleRate, a.cfg.Audio.FrameSize), nil
}

// frameSource is the subset of engine sources the call loop needs.
type frameSource interface {
	engine.FrameSource
	Run(ctx context.Context)
}
