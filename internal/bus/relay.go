package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/npezzotti/crm-gateway/internal/stats"
	"github.com/npezzotti/crm-gateway/internal/types"
)

const resubscribePause = 2 * time.Second

// Broadcaster delivers an event to the local members of a scope.
type Broadcaster interface {
	Broadcast(scope types.Scope, event string, payload json.RawMessage, except ...string) int
}

// Relay subscribes to the bus and rebroadcasts every valid envelope to the
// local members of its scope, one message at a time in arrival order.
// Connection ids are only unique within a process, so an envelope's Except
// applies only on the relay whose origin published it.
type Relay struct {
	log       *log.Logger
	transport Transport
	channel   string
	origin    string
	rooms     Broadcaster
	stats     stats.StatsProvider
	done      chan struct{}
}

func NewRelay(logger *log.Logger, t Transport, channel, origin string, rooms Broadcaster, su stats.StatsProvider) *Relay {
	if channel == "" {
		channel = DefaultChannel
	}
	if su == nil {
		su = stats.NopStats{}
	}

	return &Relay{
		log:       logger,
		transport: t,
		channel:   channel,
		origin:    origin,
		rooms:     rooms,
		stats:     su,
		done:      make(chan struct{}),
	}
}

// Start establishes the subscription and processes messages in the
// background until ctx is done. Lost subscriptions are re-established, but
// events published in the meantime are not recovered.
func (r *Relay) Start(ctx context.Context) error {
	sub, err := r.transport.Subscribe(ctx, r.channel)
	if err != nil {
		return fmt.Errorf("%w: subscribe %q: %v", ErrBusUnavailable, r.channel, err)
	}

	r.log.Printf("relay subscribed to %q", r.channel)
	go r.run(ctx, sub)
	return nil
}

// Done is closed once the relay has stopped.
func (r *Relay) Done() <-chan struct{} {
	return r.done
}

func (r *Relay) run(ctx context.Context, sub Subscription) {
	defer close(r.done)

	for {
		r.consume(ctx, sub)
		sub.Close()

		if ctx.Err() != nil {
			r.log.Printf("relay on %q stopped", r.channel)
			return
		}

		sub = r.resubscribe(ctx)
		if sub == nil {
			return
		}
	}
}

func (r *Relay) consume(ctx context.Context, sub Subscription) {
	for {
		select {
		case <-ctx.Done():
			return
		case raw, ok := <-sub.Messages():
			if !ok {
				r.log.Printf("relay subscription to %q ended", r.channel)
				return
			}
			r.handle(raw)
		}
	}
}

func (r *Relay) resubscribe(ctx context.Context) Subscription {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(resubscribePause):
		}

		sub, err := r.transport.Subscribe(ctx, r.channel)
		if err != nil {
			r.log.Printf("resubscribe %q: %v", r.channel, err)
			continue
		}

		r.log.Printf("relay resubscribed to %q", r.channel)
		return sub
	}
}

// handle delivers one raw bus message. Malformed or unroutable messages are
// dropped and never interrupt the subscription.
func (r *Relay) handle(raw []byte) int {
	r.stats.Incr(stats.BusEventsReceived)

	env, err := Decode(raw)
	if err != nil {
		r.stats.Incr(stats.BusEventsDropped)
		r.log.Printf("dropping bus message: %v", err)
		return 0
	}

	ev, err := env.Event()
	if err != nil {
		r.stats.Incr(stats.BusEventsDropped)
		r.log.Printf("dropping bus message: %v", err)
		return 0
	}

	var except []string
	if env.Except != "" && env.Origin == r.origin {
		except = append(except, env.Except)
	}

	n := r.rooms.Broadcast(ev.Scope, ev.Type, ev.Payload, except...)
	r.stats.Add(stats.BusEventsDelivered, n)
	return n
}
