package bus

import (
	"context"
	"sync"
)

const memoryBufferSize = 1024

// MemoryTransport fans messages out inside a single process. It backs
// single-node deployments and tests.
type MemoryTransport struct {
	mu     sync.Mutex
	subs   map[string]map[*memorySubscription]struct{}
	closed bool
}

func NewMemoryTransport() *MemoryTransport {
	return &MemoryTransport{
		subs: make(map[string]map[*memorySubscription]struct{}),
	}
}

// Publish never blocks: a subscriber with a full buffer misses the message.
func (t *MemoryTransport) Publish(_ context.Context, channel string, payload []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return ErrClosed
	}

	for sub := range t.subs[channel] {
		msg := make([]byte, len(payload))
		copy(msg, payload)

		select {
		case sub.out <- msg:
		default:
		}
	}
	return nil
}

func (t *MemoryTransport) Subscribe(_ context.Context, channel string) (Subscription, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil, ErrClosed
	}

	sub := &memorySubscription{
		t:       t,
		channel: channel,
		out:     make(chan []byte, memoryBufferSize),
	}
	if t.subs[channel] == nil {
		t.subs[channel] = make(map[*memorySubscription]struct{})
	}
	t.subs[channel][sub] = struct{}{}
	return sub, nil
}

func (t *MemoryTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil
	}
	t.closed = true

	for _, set := range t.subs {
		for sub := range set {
			close(sub.out)
		}
	}
	t.subs = nil
	return nil
}

type memorySubscription struct {
	t       *MemoryTransport
	channel string
	out     chan []byte
}

func (s *memorySubscription) Messages() <-chan []byte {
	return s.out
}

func (s *memorySubscription) Close() error {
	s.t.mu.Lock()
	defer s.t.mu.Unlock()

	set, ok := s.t.subs[s.channel]
	if !ok {
		return nil
	}
	if _, ok := set[s]; !ok {
		return nil
	}

	delete(set, s)
	close(s.out)
	return nil
}
