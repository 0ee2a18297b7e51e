package bus

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/npezzotti/crm-gateway/internal/stats"
)

const DefaultChannel = "crm_events"

// Publisher announces events to every gateway process. Delivery is at most
// once: a failed publish is logged and reported, never retried.
type Publisher struct {
	log       *log.Logger
	transport Transport
	channel   string
	origin    string
	stats     stats.StatsProvider
}

func NewPublisher(logger *log.Logger, t Transport, channel, origin string, su stats.StatsProvider) *Publisher {
	if channel == "" {
		channel = DefaultChannel
	}
	if su == nil {
		su = stats.NopStats{}
	}

	return &Publisher{
		log:       logger,
		transport: t,
		channel:   channel,
		origin:    origin,
		stats:     su,
	}
}

func (p *Publisher) Publish(ctx context.Context, e Envelope) error {
	if e.Origin == "" {
		e.Origin = p.origin
	}
	if e.Ts == 0 {
		e.Ts = time.Now().UnixMilli()
	}

	raw, err := Encode(e)
	if err != nil {
		return fmt.Errorf("encode envelope: %w", err)
	}

	if err := p.transport.Publish(ctx, p.channel, raw); err != nil {
		p.stats.Incr(stats.BusPublishFailures)
		p.log.Printf("publish %q on %q: event lost: %v", e.Type, p.channel, err)
		return fmt.Errorf("%w: %v", ErrBusUnavailable, err)
	}

	return nil
}
