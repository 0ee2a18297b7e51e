package testutil

import (
	"errors"
	"log"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/npezzotti/crm-gateway/internal/types"
)

func TestLogger(t *testing.T) *log.Logger {
	logger := log.New(os.Stdout, "[test] ", log.LstdFlags)
	t.Cleanup(func() {
		logger.SetOutput(os.Stderr)
	})
	return logger
}

var ErrMemberClosed = errors.New("member closed")

// FakeMember records every frame sent to it.
type FakeMember struct {
	ID string

	mu       sync.Mutex
	received []*types.OutboundMessage
	closed   bool
	notify   chan struct{}
}

func NewFakeMember(id string) *FakeMember {
	return &FakeMember{ID: id, notify: make(chan struct{}, 64)}
}

func (f *FakeMember) Id() string {
	return f.ID
}

func (f *FakeMember) Send(msg *types.OutboundMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return ErrMemberClosed
	}
	f.received = append(f.received, msg)
	select {
	case f.notify <- struct{}{}:
	default:
	}
	return nil
}

// Close makes every later Send fail.
func (f *FakeMember) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
}

func (f *FakeMember) Received() []*types.OutboundMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*types.OutboundMessage(nil), f.received...)
}

// Events returns the event names received so far, in order.
func (f *FakeMember) Events() []string {
	f.mu.Lock()
	defer f.mu.Unlock()

	names := make([]string, len(f.received))
	for i, m := range f.received {
		names[i] = m.Event
	}
	return names
}

// WaitFor blocks until a frame named event arrives or timeout elapses.
func (f *FakeMember) WaitFor(event string, timeout time.Duration) (*types.OutboundMessage, bool) {
	deadline := time.After(timeout)
	for {
		for _, m := range f.Received() {
			if m.Event == event {
				return m, true
			}
		}

		select {
		case <-f.notify:
		case <-deadline:
			return nil, false
		}
	}
}
