// Package server exposes the Vocaduct HTTP API: health probes, a sanitised
// configuration view, call control, and the Prometheus metrics endpoint.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/vocaduct/vocaduct/internal/callog"
	"github.com/vocaduct/vocaduct/internal/config"
	"github.com/vocaduct/vocaduct/internal/health"
	"github.com/vocaduct/vocaduct/internal/observe"
	"github.com/vocaduct/vocaduct/internal/vapi"
)

// CallController starts calls on behalf of the HTTP API. Implemented by the
// app's call manager; tests substitute a stub.
type CallController interface {
	// StartCall places a new call and returns its ID. Returns an error when
	// a call is already active or call creation fails.
	StartCall(ctx context.Context) (string, error)
}

// CallHistory serves recent call records. Implemented by the callog store;
// nil when call history is not configured.
type CallHistory interface {
	RecentCalls(ctx context.Context, limit int) ([]callog.Record, error)
}

// Server is the HTTP API for the bridge. Construct with New, then serve the
// handler returned by Handler.
type Server struct {
	cfg     *config.Config
	calls   CallController
	history CallHistory
	health  *health.Handler
	metrics *observe.Metrics
}

// New creates the API server. The health handler carries the readiness
// checkers the app registered; history and metrics may be nil.
func New(cfg *config.Config, calls CallController, history CallHistory, h *health.Handler, m *observe.Metrics) *Server {
	return &Server{
		cfg:     cfg,
		calls:   calls,
		history: history,
		health:  h,
		metrics: m,
	}
}

// Handler assembles the route table and wraps it in the CORS and
// observability middleware.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	s.health.Register(mux)
	mux.HandleFunc("GET /config", s.handleConfig)
	mux.HandleFunc("POST /make_call", s.handleMakeCall)
	if s.history != nil {
		mux.HandleFunc("GET /calls", s.handleCalls)
	}
	mux.Handle("GET /metrics", promhttp.Handler())

	var handler http.Handler = mux
	if s.metrics != nil {
		handler = observe.Middleware(s.metrics)(handler)
	}
	return corsMiddleware(handler)
}

// configView is the sanitised configuration returned by GET /config.
// Credentials are reduced to presence flags.
type configView struct {
	ListenAddr       string          `json:"listen_addr"`
	LogLevel         config.LogLevel `json:"log_level"`
	AssistantID      string          `json:"assistant_id"`
	PrivateKeySet    bool            `json:"private_key_set"`
	SampleRate       int             `json:"sample_rate"`
	FrameSize        int             `json:"frame_size"`
	QueueCapacity    int             `json:"queue_capacity"`
	EmissionBuffer   int             `json:"emission_buffer"`
	Playback         bool            `json:"playback"`
	WavSource        string          `json:"wav_source,omitempty"`
	CallHistoryIsSet bool            `json:"call_history_enabled"`
}

func (s *Server) handleConfig(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, configView{
		ListenAddr:       s.cfg.Server.ListenAddr,
		LogLevel:         s.cfg.Server.LogLevel,
		AssistantID:      s.cfg.Vapi.AssistantID,
		PrivateKeySet:    s.cfg.Vapi.PrivateKey != "",
		SampleRate:       s.cfg.Audio.SampleRate,
		FrameSize:        s.cfg.Audio.FrameSize,
		QueueCapacity:    s.cfg.Audio.QueueCapacity,
		EmissionBuffer:   s.cfg.Audio.EmissionBuffer,
		Playback:         s.cfg.Audio.Playback,
		WavSource:        s.cfg.Audio.WavSource,
		CallHistoryIsSet: s.cfg.Callog.PostgresDSN != "",
	})
}

// makeCallResponse is the JSON body returned by POST /make_call.
type makeCallResponse struct {
	Status string `json:"status"`
	CallID string `json:"call_id,omitempty"`
	Error  string `json:"error,omitempty"`
}

func (s *Server) handleMakeCall(w http.ResponseWriter, r *http.Request) {
	callID, err := s.calls.StartCall(r.Context())
	if err != nil {
		status := callErrorStatus(err)
		slog.Error("call start failed", "err", err, "status", status)
		writeJSON(w, status, makeCallResponse{
			Status: "error",
			Error:  err.Error(),
		})
		return
	}

	slog.Info("call started", "call_id", callID)
	writeJSON(w, http.StatusOK, makeCallResponse{
		Status: "started",
		CallID: callID,
	})
}

// callErrorStatus maps a call-start failure to a response code. An upstream
// API rejection keeps its original status so the caller sees exactly what
// Vapi answered; a transport failure reaching the API is 503; anything else
// (wiring, configuration) is 500.
func callErrorStatus(err error) int {
	var se *vapi.StatusError
	if errors.As(err, &se) {
		return se.StatusCode
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

// callsLimit bounds the number of records GET /calls returns.
const callsLimit = 50

func (s *Server) handleCalls(w http.ResponseWriter, r *http.Request) {
	records, err := s.history.RecentCalls(r.Context(), callsLimit)
	if err != nil {
		slog.Error("call history query failed", "err", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "call history unavailable"})
		return
	}
	if records == nil {
		records = []callog.Record{}
	}
	writeJSON(w, http.StatusOK, records)
}

// corsMiddleware allows any origin. The API carries no credentials and is
// intended to sit behind a trusted frontend during development.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// writeJSON encodes v as JSON and writes it with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("response encode error", "err", err)
	}
}
