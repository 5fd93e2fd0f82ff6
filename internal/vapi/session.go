package vapi

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/coder/websocket"
)

// audioChannelBuffer bounds how many PCM chunks can sit between the receive
// loop and the consumer before the receive loop blocks on the socket side.
const audioChannelBuffer = 64

// controlMessage is the JSON envelope for text frames on the call socket.
// Binary frames carry raw PCM16 audio; everything else is a control event.
type controlMessage struct {
	Type string `json:"type"`
}

// Session is an active websocket call. Binary frames received from Vapi are
// delivered on [Session.Audio]; [Session.SendAudio] writes binary frames the
// other way. The receive loop owns the audio channel and closes it when the
// call ends, whether by hangup, error, or Close.
type Session struct {
	conn    *websocket.Conn
	audioCh chan []byte

	mu     sync.Mutex
	errVal error
	closed bool

	ctx    context.Context
	cancel context.CancelFunc
}

// Dial connects to a call's websocket URL and starts the receive loop. The
// supplied ctx governs the dial attempt only; once connected, the session
// stays alive until [Session.Close] or the remote end hangs up.
func Dial(ctx context.Context, wsURL string) (*Session, error) {
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("vapi: dial call socket: %w", err)
	}

	sessCtx, cancel := context.WithCancel(context.Background())
	s := &Session{
		conn:    conn,
		audioCh: make(chan []byte, audioChannelBuffer),
		ctx:     sessCtx,
		cancel:  cancel,
	}
	go s.receiveLoop()
	return s, nil
}

// receiveLoop reads frames from the socket and dispatches them. It owns
// audioCh: it closes the channel when it exits.
func (s *Session) receiveLoop() {
	defer close(s.audioCh)

	for {
		typ, data, err := s.conn.Read(s.ctx)
		if err != nil {
			if s.ctx.Err() != nil {
				return
			}
			s.setErr(err)
			return
		}

		switch typ {
		case websocket.MessageBinary:
			if len(data) == 0 {
				continue
			}
			select {
			case s.audioCh <- data:
			case <-s.ctx.Done():
				return
			}

		case websocket.MessageText:
			var msg controlMessage
			if err := json.Unmarshal(data, &msg); err != nil {
				continue
			}
			if msg.Type == "hangup" {
				s.cancel()
				return
			}
			// Other control events (status updates, transcripts) are not
			// needed by the bridge and are ignored.
		}
	}
}

// Audio returns the channel delivering the assistant's PCM16 chunks. The
// channel is closed when the call ends.
func (s *Session) Audio() <-chan []byte { return s.audioCh }

// SendAudio writes one PCM16 chunk as a binary frame.
func (s *Session) SendAudio(chunk []byte) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return fmt.Errorf("vapi: session closed")
	}
	s.mu.Unlock()

	if err := s.conn.Write(s.ctx, websocket.MessageBinary, chunk); err != nil {
		return fmt.Errorf("vapi: send audio: %w", err)
	}
	return nil
}

// Hangup sends the hangup control event, asking Vapi to end the call cleanly.
func (s *Session) Hangup() error {
	data, err := json.Marshal(controlMessage{Type: "hangup"})
	if err != nil {
		return fmt.Errorf("vapi: marshal hangup: %w", err)
	}
	if err := s.conn.Write(s.ctx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("vapi: send hangup: %w", err)
	}
	return nil
}

// Err returns the first non-nil error that terminated the session, or nil for
// a clean end.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.errVal
}

func (s *Session) setErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.errVal == nil {
		s.errVal = err
	}
}

// Close terminates the session and releases the connection. Idempotent.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.cancel()
	s.conn.Close(websocket.StatusNormalClosure, "session closed")
	return nil
}
