package gateway

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/npezzotti/crm-gateway/internal/types"
)

func (gw *Gateway) handleJoin(ctx context.Context, c *Connection, data json.RawMessage) error {
	convId, err := decodeConversationId(data, true)
	if err != nil {
		return err
	}

	ok, err := gw.authorizer.CanJoin(ctx, c.identity, convId)
	if err != nil {
		return fmt.Errorf("authorize join %q: %w", convId, err)
	}
	if !ok {
		return fmt.Errorf("%w: conversation %q", ErrForbidden, convId)
	}

	gw.rooms.Join(c.id, types.ConversationScope(convId))
	return nil
}

func (gw *Gateway) handleLeave(_ context.Context, c *Connection, data json.RawMessage) error {
	convId, err := decodeConversationId(data, true)
	if err != nil {
		return err
	}

	gw.rooms.Leave(c.id, types.ConversationScope(convId))
	return nil
}

func (gw *Gateway) handleTypingStart(ctx context.Context, c *Connection, data json.RawMessage) error {
	convId, err := gw.typingTarget(c, data)
	if err != nil {
		return err
	}
	return gw.presence.TypingStart(ctx, c.identity, c.id, convId)
}

func (gw *Gateway) handleTypingStop(ctx context.Context, c *Connection, data json.RawMessage) error {
	convId, err := gw.typingTarget(c, data)
	if err != nil {
		return err
	}
	return gw.presence.TypingStop(ctx, c.identity, c.id, convId)
}

// typingTarget only lets a connection signal into conversations it joined.
func (gw *Gateway) typingTarget(c *Connection, data json.RawMessage) (string, error) {
	convId, err := decodeConversationId(data, false)
	if err != nil {
		return "", err
	}

	if !gw.rooms.IsMember(c.id, types.ConversationScope(convId)) {
		return "", fmt.Errorf("%w: %q", ErrNotJoined, convId)
	}
	return convId, nil
}

func (gw *Gateway) handlePresence(ctx context.Context, c *Connection, data json.RawMessage) error {
	status, err := decodeStatus(data)
	if err != nil {
		return err
	}
	return gw.presence.UpdatePresence(ctx, c.identity, status)
}
