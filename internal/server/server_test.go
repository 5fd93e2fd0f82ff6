package server_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/vocaduct/vocaduct/internal/callog"
	"github.com/vocaduct/vocaduct/internal/config"
	"github.com/vocaduct/vocaduct/internal/health"
	"github.com/vocaduct/vocaduct/internal/server"
	"github.com/vocaduct/vocaduct/internal/vapi"
)

// stubController implements server.CallController with canned results.
type stubController struct {
	callID string
	err    error
	calls  int
}

func (s *stubController) StartCall(context.Context) (string, error) {
	s.calls++
	return s.callID, s.err
}

// stubHistory implements server.CallHistory.
type stubHistory struct {
	records []callog.Record
	err     error
}

func (s *stubHistory) RecentCalls(context.Context, int) ([]callog.Record, error) {
	return s.records, s.err
}

func testConfig() *config.Config {
	cfg := &config.Config{}
	cfg.Server.ListenAddr = ":8080"
	cfg.Server.LogLevel = config.LogInfo
	cfg.Vapi.PrivateKey = "sk-test"
	cfg.Vapi.AssistantID = "asst-1"
	config.ApplyDefaults(cfg)
	return cfg
}

func newTestServer(t *testing.T, ctrl server.CallController, history server.CallHistory) *httptest.Server {
	t.Helper()
	s := server.New(testConfig(), ctrl, history, health.New(), nil)
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(srv.Close)
	return srv
}

func getJSON(t *testing.T, url string, v any) *http.Response {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer resp.Body.Close()
	if v != nil {
		if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
			t.Fatalf("decode %s response: %v", url, err)
		}
	}
	return resp
}

func TestHealthz(t *testing.T) {
	srv := newTestServer(t, &stubController{}, nil)

	var body map[string]any
	resp := getJSON(t, srv.URL+"/healthz", &body)
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}
	if body["status"] != "ok" {
		t.Errorf("status field = %v, want ok", body["status"])
	}
}

func TestReadyz_FailingChecker(t *testing.T) {
	h := health.New(health.Checker{
		Name:  "vapi",
		Check: func(context.Context) error { return errors.New("credentials missing") },
	})
	s := server.New(testConfig(), &stubController{}, nil, h, nil)
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(srv.Close)

	resp, err := http.Get(srv.URL + "/readyz")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", resp.StatusCode)
	}
}

func TestConfig_RedactsPrivateKey(t *testing.T) {
	srv := newTestServer(t, &stubController{}, nil)

	var body map[string]any
	resp := getJSON(t, srv.URL+"/config", &body)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if body["assistant_id"] != "asst-1" {
		t.Errorf("assistant_id = %v", body["assistant_id"])
	}
	if body["private_key_set"] != true {
		t.Errorf("private_key_set = %v, want true", body["private_key_set"])
	}
	for k, v := range body {
		if s, ok := v.(string); ok && s == "sk-test" {
			t.Errorf("private key leaked in field %q", k)
		}
	}
}

func TestMakeCall_Success(t *testing.T) {
	ctrl := &stubController{callID: "call-99"}
	srv := newTestServer(t, ctrl, nil)

	resp, err := http.Post(srv.URL+"/make_call", "application/json", nil)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	var body map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if body["status"] != "started" {
		t.Errorf("status field = %v, want started", body["status"])
	}
	if body["call_id"] != "call-99" {
		t.Errorf("call_id = %v, want call-99", body["call_id"])
	}
	if ctrl.calls != 1 {
		t.Errorf("controller invoked %d times, want 1", ctrl.calls)
	}
}

func TestMakeCall_ErrorStatusMapping(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
	}{
		{
			name:       "upstream rejection keeps its status",
			err:        fmt.Errorf("app: create call: %w", &vapi.StatusError{StatusCode: http.StatusUnauthorized, Body: "bad key"}),
			wantStatus: http.StatusUnauthorized,
		},
		{
			name:       "upstream rate limit keeps its status",
			err:        fmt.Errorf("app: create call: %w", &vapi.StatusError{StatusCode: http.StatusTooManyRequests, Body: "slow down"}),
			wantStatus: http.StatusTooManyRequests,
		},
		{
			name:       "transport failure is 503",
			err:        fmt.Errorf("app: create call: %w", &url.Error{Op: "Post", URL: "https://api.vapi.ai/call", Err: errors.New("connection refused")}),
			wantStatus: http.StatusServiceUnavailable,
		},
		{
			name:       "anything else is 500",
			err:        errors.New("call already active"),
			wantStatus: http.StatusInternalServerError,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			ctrl := &stubController{err: tc.err}
			srv := newTestServer(t, ctrl, nil)

			resp, err := http.Post(srv.URL+"/make_call", "application/json", nil)
			if err != nil {
				t.Fatal(err)
			}
			defer resp.Body.Close()
			if resp.StatusCode != tc.wantStatus {
				t.Errorf("status = %d, want %d", resp.StatusCode, tc.wantStatus)
			}

			var body map[string]any
			if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
				t.Fatal(err)
			}
			if body["status"] != "error" {
				t.Errorf("status field = %v, want error", body["status"])
			}
		})
	}
}

func TestMakeCall_GetRejected(t *testing.T) {
	srv := newTestServer(t, &stubController{}, nil)

	resp, err := http.Get(srv.URL + "/make_call")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Errorf("status = %d, want 405", resp.StatusCode)
	}
}

func TestCalls_ReturnsHistory(t *testing.T) {
	ended := time.Now()
	history := &stubHistory{records: []callog.Record{
		{CallID: "call-2", AssistantID: "asst-1", StartedAt: ended.Add(-time.Minute), EndedAt: &ended, EndReason: "hangup"},
		{CallID: "call-1", AssistantID: "asst-1", StartedAt: ended.Add(-time.Hour)},
	}}
	srv := newTestServer(t, &stubController{}, history)

	var records []callog.Record
	resp := getJSON(t, srv.URL+"/calls", &records)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if len(records) != 2 {
		t.Fatalf("got %d records, want 2", len(records))
	}
	if records[0].CallID != "call-2" {
		t.Errorf("first record = %q, want call-2", records[0].CallID)
	}
}

func TestCalls_AbsentWithoutHistory(t *testing.T) {
	srv := newTestServer(t, &stubController{}, nil)

	resp, err := http.Get(srv.URL + "/calls")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
}

func TestCORS_PreflightAllowed(t *testing.T) {
	srv := newTestServer(t, &stubController{}, nil)

	req, _ := http.NewRequest(http.MethodOptions, srv.URL+"/make_call", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Errorf("preflight status = %d, want 204", resp.StatusCode)
	}
	if got := resp.Header.Get("Access-Control-Allow-Origin"); got != "*" {
		t.Errorf("allow-origin = %q, want *", got)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	srv := newTestServer(t, &stubController{}, nil)

	resp, err := http.Get(srv.URL + "/metrics")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}
}
