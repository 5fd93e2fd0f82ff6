// Package app wires all Vocaduct subsystems into a running application.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run serves the HTTP API until the context is cancelled, and
// Shutdown tears everything down in order.
//
// For testing, inject test doubles via functional options (WithCallCreator,
// WithDialer, etc.). When an option is not provided, New creates real
// implementations from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/vocaduct/vocaduct/internal/callog"
	"github.com/vocaduct/vocaduct/internal/config"
	"github.com/vocaduct/vocaduct/internal/health"
	"github.com/vocaduct/vocaduct/internal/observe"
	"github.com/vocaduct/vocaduct/internal/server"
	"github.com/vocaduct/vocaduct/internal/vapi"
	"github.com/vocaduct/vocaduct/pkg/audio/stream"
)

// ErrCallActive is returned by StartCall while another call is in progress.
var ErrCallActive = errors.New("app: a call is already active")

// CallCreator places and cancels calls through the Vapi REST API.
type CallCreator interface {
	CreateCall(ctx context.Context) (*vapi.Call, error)

	// CancelCall is best-effort cleanup for a created call whose websocket
	// leg could not be dialed.
	CancelCall(ctx context.Context, callID string) error
}

// Session is the websocket leg of an active call. *vapi.Session satisfies it.
type Session interface {
	Audio() <-chan []byte
	SendAudio(chunk []byte) error
	Hangup() error
	Err() error
	Close() error
}

// Dialer connects to a call's websocket transport.
type Dialer func(ctx context.Context, wsURL string) (Session, error)

// CallRecorder persists call history. Nil disables recording.
type CallRecorder interface {
	CallStarted(ctx context.Context, callID, assistantID string) error
	CallEnded(ctx context.Context, callID, reason string) error
}

// App owns all subsystem lifetimes and orchestrates the bridge.
type App struct {
	cfg      *config.Config
	creator  CallCreator
	dial     Dialer
	recorder CallRecorder
	history  server.CallHistory
	metrics  *observe.Metrics
	registry *stream.Registry

	// mu guards active and starting. Network I/O during call setup happens
	// outside the lock; starting reserves the single call slot meanwhile.
	mu       sync.Mutex
	active   *activeCall
	starting bool

	// closers are called in order during Shutdown.
	closers []func() error

	stopOnce sync.Once
}

// activeCall tracks the one in-flight call.
type activeCall struct {
	id      string
	session Session
	cancel  context.CancelFunc
	done    chan struct{}
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithCallCreator injects a call creator instead of building a Vapi client
// from the config.
func WithCallCreator(c CallCreator) Option {
	return func(a *App) { a.creator = c }
}

// WithDialer injects a websocket dialer instead of vapi.Dial.
func WithDialer(d Dialer) Option {
	return func(a *App) { a.dial = d }
}

// WithCallRecorder injects a call recorder instead of creating a callog
// store from the config.
func WithCallRecorder(r CallRecorder) Option {
	return func(a *App) { a.recorder = r }
}

// WithMetrics injects the metrics instance. Nil disables metric recording.
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// New creates an App by wiring all subsystems together: the Vapi client, the
// optional call history store, and the stream adapter registry.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*App, error) {
	a := &App{cfg: cfg}
	for _, o := range opts {
		o(a)
	}

	if a.creator == nil {
		client, err := vapi.NewClient(cfg.Vapi.PrivateKey, cfg.Vapi.AssistantID,
			vapiClientOptions(cfg)...)
		if err != nil {
			return nil, fmt.Errorf("app: create vapi client: %w", err)
		}
		a.creator = client
	}
	if a.dial == nil {
		a.dial = func(ctx context.Context, wsURL string) (Session, error) {
			return vapi.Dial(ctx, wsURL)
		}
	}

	if a.recorder == nil && cfg.Callog.PostgresDSN != "" {
		store, err := callog.NewStore(ctx, cfg.Callog.PostgresDSN)
		if err != nil {
			return nil, fmt.Errorf("app: init call history: %w", err)
		}
		a.recorder = store
		a.history = store
		a.closers = append(a.closers, func() error {
			store.Close()
			return nil
		})
		slog.Info("call history enabled")
	}

	a.registry = stream.NewRegistry()
	a.registry.RegisterOutput(stream.DefaultOutputHandle, func() *stream.OutputStreamer {
		return stream.NewOutputStreamer(cfg.Audio.QueueCapacity)
	})
	a.registry.RegisterInput(stream.DefaultInputHandle, func() *stream.InputStreamer {
		return stream.NewInputStreamer(cfg.Audio.EmissionBuffer)
	})

	return a, nil
}

func vapiClientOptions(cfg *config.Config) []vapi.Option {
	var opts []vapi.Option
	if cfg.Vapi.BaseURL != "" {
		opts = append(opts, vapi.WithBaseURL(cfg.Vapi.BaseURL))
	}
	return opts
}

// HealthHandler builds the health endpoints with the app's readiness
// checkers: Vapi credentials present and, when configured, the call history
// database reachable.
func (a *App) HealthHandler() *health.Handler {
	checkers := []health.Checker{
		{
			Name: "vapi",
			Check: func(context.Context) error {
				if a.cfg.Vapi.PrivateKey == "" || a.cfg.Vapi.AssistantID == "" {
					return errors.New("vapi credentials not configured")
				}
				return nil
			},
		},
	}
	if store, ok := a.recorder.(*callog.Store); ok {
		checkers = append(checkers, health.Checker{
			Name:  "callog",
			Check: store.Ping,
		})
	}
	return health.New(checkers...)
}

// Run serves the HTTP API and blocks until ctx is cancelled or the server
// fails. The listener address comes from the config.
func (a *App) Run(ctx context.Context) error {
	api := server.New(a.cfg, a, a.history, a.HealthHandler(), a.metrics)

	srv := &http.Server{
		Addr:              a.cfg.Server.ListenAddr,
		Handler:           api.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("http api listening", "addr", a.cfg.Server.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("app: http server: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Warn("http server shutdown error", "err", err)
	}
	return ctx.Err()
}

// Shutdown ends any active call and tears down all subsystems in order. It
// respects the context deadline: if ctx expires before all closers finish,
// remaining closers are skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))

		a.mu.Lock()
		active := a.active
		a.mu.Unlock()
		if active != nil {
			if err := active.session.Hangup(); err != nil {
				slog.Debug("hangup on shutdown", "err", err)
			}
			active.cancel()
			select {
			case <-active.done:
			case <-ctx.Done():
				slog.Warn("call teardown deadline exceeded", "call_id", active.id)
			}
		}

		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}

		slog.Info("shutdown complete")
	})
	return shutdownErr
}
