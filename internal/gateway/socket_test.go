package gateway

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/npezzotti/crm-gateway/internal/types"
	"github.com/stretchr/testify/require"
)

var errSocketClosed = errors.New("socket closed")

// fakeSocket stands in for a websocket connection. Frames pushed with
// receive are read by the connection; text frames it writes are recorded.
type fakeSocket struct {
	in     chan []byte
	closed chan struct{}
	once   sync.Once

	mu         sync.Mutex
	frames     []*types.OutboundMessage
	closeFrame bool
}

func newFakeSocket() *fakeSocket {
	return &fakeSocket{
		in:     make(chan []byte, 16),
		closed: make(chan struct{}),
	}
}

func (s *fakeSocket) receive(t *testing.T, event string, data any) {
	t.Helper()
	raw, err := json.Marshal(data)
	require.NoError(t, err)
	frame, err := json.Marshal(types.InboundMessage{Event: event, Data: raw})
	require.NoError(t, err)
	s.in <- frame
}

func (s *fakeSocket) ReadMessage() (int, []byte, error) {
	select {
	case raw := <-s.in:
		return websocket.TextMessage, raw, nil
	case <-s.closed:
		return 0, nil, errSocketClosed
	}
}

func (s *fakeSocket) WriteMessage(messageType int, data []byte) error {
	select {
	case <-s.closed:
		return errSocketClosed
	default:
	}

	if messageType == websocket.CloseMessage {
		s.mu.Lock()
		s.closeFrame = true
		s.mu.Unlock()
		return nil
	}
	if messageType != websocket.TextMessage {
		return nil
	}

	var msg types.OutboundMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.frames = append(s.frames, &msg)
	return nil
}

func (s *fakeSocket) SetReadLimit(int64)                {}
func (s *fakeSocket) SetReadDeadline(time.Time) error   { return nil }
func (s *fakeSocket) SetWriteDeadline(time.Time) error  { return nil }
func (s *fakeSocket) SetPongHandler(func(string) error) {}

func (s *fakeSocket) Close() error {
	s.once.Do(func() { close(s.closed) })
	return nil
}

// drop simulates the client going away.
func (s *fakeSocket) drop() {
	s.Close()
}

func (s *fakeSocket) isClosed() bool {
	select {
	case <-s.closed:
		return true
	default:
		return false
	}
}

func (s *fakeSocket) sentCloseFrame() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeFrame
}

func (s *fakeSocket) received(event string) []*types.OutboundMessage {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*types.OutboundMessage
	for _, f := range s.frames {
		if f.Event == event {
			out = append(out, f)
		}
	}
	return out
}
