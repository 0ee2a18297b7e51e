// Package presence turns client presence and typing signals into bus
// envelopes. It keeps no state: presence is a broadcast signal only, and
// typing indicators are expired by consumers after TypingTTL.
package presence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/npezzotti/crm-gateway/internal/bus"
	"github.com/npezzotti/crm-gateway/internal/types"
)

// TypingTTL is how long a consumer shows a typing indicator without a refresh.
const TypingTTL = 3 * time.Second

var ErrInvalidStatus = errors.New("invalid presence status")

type Publisher interface {
	Publish(ctx context.Context, e bus.Envelope) error
}

type Coordinator struct {
	log *log.Logger
	pub Publisher
}

func NewCoordinator(logger *log.Logger, pub Publisher) *Coordinator {
	return &Coordinator{log: logger, pub: pub}
}

// UpdatePresence announces a client chosen status to the identity's tenant.
func (c *Coordinator) UpdatePresence(ctx context.Context, id types.Identity, status types.PresenceStatus) error {
	if !status.ClientSettable() {
		return fmt.Errorf("%w: %q", ErrInvalidStatus, status)
	}
	return c.presence(ctx, id, status)
}

// Offline announces that the identity has no live connection left in its tenant.
func (c *Coordinator) Offline(ctx context.Context, id types.Identity) error {
	c.log.Printf("user %s went offline in tenant %s", id.Id, id.TenantId)
	return c.presence(ctx, id, types.PresenceOffline)
}

func (c *Coordinator) presence(ctx context.Context, id types.Identity, status types.PresenceStatus) error {
	data, err := json.Marshal(types.Presence{UserId: id.Id, Status: status})
	if err != nil {
		return fmt.Errorf("marshal presence: %w", err)
	}

	return c.pub.Publish(ctx, bus.Envelope{
		Type:     bus.EventPresenceUpdate,
		TenantId: id.TenantId,
		UserId:   id.Id,
		Data:     data,
	})
}

// TypingStart relays a typing signal to everyone in the conversation except
// the originating connection.
func (c *Coordinator) TypingStart(ctx context.Context, id types.Identity, connId, conversationId string) error {
	return c.typing(ctx, bus.EventTypingStart, id, connId, conversationId)
}

func (c *Coordinator) TypingStop(ctx context.Context, id types.Identity, connId, conversationId string) error {
	return c.typing(ctx, bus.EventTypingStop, id, connId, conversationId)
}

func (c *Coordinator) typing(ctx context.Context, event string, id types.Identity, connId, conversationId string) error {
	if conversationId == "" {
		return fmt.Errorf("%s: missing conversation id", event)
	}

	data, err := json.Marshal(types.Typing{ConversationId: conversationId, UserId: id.Id})
	if err != nil {
		return fmt.Errorf("marshal typing: %w", err)
	}

	return c.pub.Publish(ctx, bus.Envelope{
		Type:           event,
		TenantId:       id.TenantId,
		ConversationId: conversationId,
		UserId:         id.Id,
		Data:           data,
		Except:         connId,
	})
}
