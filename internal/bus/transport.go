package bus

import (
	"context"
	"errors"
	"sync"
)

var (
	// ErrBusUnavailable means the event was not handed to the transport and is lost.
	ErrBusUnavailable = errors.New("event bus unavailable")
	ErrClosed         = errors.New("transport closed")
)

// Transport is a shared publish/subscribe channel between processes.
type Transport interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	// Subscribe returns once the subscription is established.
	Subscribe(ctx context.Context, channel string) (Subscription, error)
	Close() error
}

// Subscription delivers raw messages in arrival order. Messages is closed
// when the subscription ends.
type Subscription interface {
	Messages() <-chan []byte
	Close() error
}

// forwarder adapts a driver specific message stream to a Subscription.
type forwarder struct {
	out     chan []byte
	done    chan struct{}
	once    sync.Once
	closeFn func() error
	err     error
}

func newForwarder(size int, closeFn func() error) *forwarder {
	return &forwarder{
		out:     make(chan []byte, size),
		done:    make(chan struct{}),
		closeFn: closeFn,
	}
}

func (f *forwarder) Messages() <-chan []byte {
	return f.out
}

// forward queues msg, giving up when the subscription is closed.
func (f *forwarder) forward(msg []byte) bool {
	select {
	case f.out <- msg:
		return true
	case <-f.done:
		return false
	}
}

func (f *forwarder) Close() error {
	f.once.Do(func() {
		close(f.done)
		if f.closeFn != nil {
			f.err = f.closeFn()
		}
	})
	return f.err
}
