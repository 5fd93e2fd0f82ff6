// Package vapi implements the Vapi call transport: a small REST client that
// creates calls against the Vapi API, and a WebSocket session that carries the
// call's raw PCM16 audio.
//
// The REST surface is deliberately narrow — call creation plus a cleanup
// delete for calls that never attach; the
// assistant's intelligence (STT, LLM, TTS) runs entirely on the Vapi side and
// is configured out of band through the assistant ID.
package vapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

const (
	// DefaultBaseURL is the production Vapi API endpoint.
	DefaultBaseURL = "https://api.vapi.ai"

	// CallSampleRate is the Vapi websocket transport sample rate in Hz.
	// The transport speaks raw little-endian PCM16 mono at this rate.
	CallSampleRate = 16000

	defaultTimeout = 30 * time.Second
)

// Option is a functional option for configuring a Client.
type Option func(*Client)

// WithBaseURL overrides the Vapi API base URL. Primarily used in tests to
// point at a local mock server.
func WithBaseURL(url string) Option {
	return func(c *Client) { c.baseURL = url }
}

// WithHTTPClient replaces the HTTP client used for REST calls.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// Client is the Vapi REST client. Safe for concurrent use.
type Client struct {
	privateKey  string
	assistantID string
	baseURL     string
	httpClient  *http.Client
}

// NewClient creates a Vapi client. privateKey and assistantID must be
// non-empty.
func NewClient(privateKey, assistantID string, opts ...Option) (*Client, error) {
	if privateKey == "" {
		return nil, errors.New("vapi: privateKey must not be empty")
	}
	if assistantID == "" {
		return nil, errors.New("vapi: assistantID must not be empty")
	}
	c := &Client{
		privateKey:  privateKey,
		assistantID: assistantID,
		baseURL:     DefaultBaseURL,
		httpClient:  &http.Client{Timeout: defaultTimeout},
	}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

// BaseURL returns the API base URL the client talks to.
func (c *Client) BaseURL() string { return c.baseURL }

// ── REST message types ────────────────────────────────────────────────────────

// callRequest is the JSON body for POST /call.
type callRequest struct {
	AssistantID string        `json:"assistantId"`
	Transport   callTransport `json:"transport"`
}

type callTransport struct {
	Provider    string          `json:"provider"`
	AudioFormat callAudioFormat `json:"audioFormat"`
}

type callAudioFormat struct {
	Format     string `json:"format"`
	Container  string `json:"container"`
	SampleRate int    `json:"sampleRate"`
}

// callResponse is the subset of the POST /call response the bridge needs.
type callResponse struct {
	ID        string `json:"id"`
	Transport struct {
		WebSocketCallURL string `json:"websocketCallUrl"`
	} `json:"transport"`
}

// Call describes a freshly created Vapi call.
type Call struct {
	// ID is the Vapi-assigned call identifier.
	ID string

	// WebSocketURL is the wss:// endpoint carrying the call's audio.
	WebSocketURL string
}

// ── StatusError ───────────────────────────────────────────────────────────────

// StatusError is returned when the Vapi API answers with a non-2xx status.
// Callers that surface errors over HTTP can propagate the upstream code.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("vapi: api returned %d: %s", e.StatusCode, e.Body)
}

// ── Call creation ─────────────────────────────────────────────────────────────

// CreateCall asks Vapi for a new websocket-transport call bound to the
// client's assistant. The transport is requested as raw little-endian PCM16 at
// [CallSampleRate] — the format the stream adapters speak natively.
//
// A response without a websocketCallUrl is an error; the URL is the whole
// point of the exchange.
func (c *Client) CreateCall(ctx context.Context) (*Call, error) {
	payload := callRequest{
		AssistantID: c.assistantID,
		Transport: callTransport{
			Provider: "vapi.websocket",
			AudioFormat: callAudioFormat{
				Format:     "pcm_s16le",
				Container:  "raw",
				SampleRate: CallSampleRate,
			},
		},
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("vapi: marshal call request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/call", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("vapi: build call request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.privateKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("vapi: create call: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, &StatusError{StatusCode: resp.StatusCode, Body: string(data)}
	}

	var cr callResponse
	if err := json.NewDecoder(resp.Body).Decode(&cr); err != nil {
		return nil, fmt.Errorf("vapi: decode call response: %w", err)
	}
	if cr.Transport.WebSocketCallURL == "" {
		return nil, errors.New("vapi: call response is missing transport.websocketCallUrl")
	}

	return &Call{
		ID:           cr.ID,
		WebSocketURL: cr.Transport.WebSocketCallURL,
	}, nil
}

// CancelCall deletes a created call that was never attached to, so the
// assistant does not sit waiting on a websocket leg nobody will dial. Used
// as best-effort cleanup when the dial after CreateCall fails.
func (c *Client) CancelCall(ctx context.Context, callID string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.baseURL+"/call/"+callID, nil)
	if err != nil {
		return fmt.Errorf("vapi: build cancel request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.privateKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("vapi: cancel call: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &StatusError{StatusCode: resp.StatusCode, Body: string(data)}
	}
	return nil
}
