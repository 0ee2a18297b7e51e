package gateway

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/npezzotti/crm-gateway/internal/types"
)

// Client event names.
const (
	EventConversationJoin  = "conversation:join"
	EventConversationLeave = "conversation:leave"
	EventTypingStart       = "typing:start"
	EventTypingStop        = "typing:stop"
	EventPresenceUpdate    = "presence:update"

	// EventError is sent to a single connection whose event was rejected.
	EventError = "error"
)

type errorData struct {
	Event   string `json:"event,omitempty"`
	Message string `json:"message"`
}

type conversationData struct {
	ConversationId string `json:"conversationId"`
}

type presenceData struct {
	Status types.PresenceStatus `json:"status"`
}

// decodeConversationId accepts either "c1" or {"conversationId":"c1"}.
func decodeConversationId(data json.RawMessage, allowBare bool) (string, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return "", fmt.Errorf("%w: missing payload", ErrMalformedEvent)
	}

	var id string
	if data[0] == '"' {
		if !allowBare {
			return "", fmt.Errorf("%w: expected an object", ErrMalformedEvent)
		}
		if err := json.Unmarshal(data, &id); err != nil {
			return "", fmt.Errorf("%w: %v", ErrMalformedEvent, err)
		}
	} else {
		var cd conversationData
		if err := json.Unmarshal(data, &cd); err != nil {
			return "", fmt.Errorf("%w: %v", ErrMalformedEvent, err)
		}
		id = cd.ConversationId
	}

	id = strings.TrimSpace(id)
	if id == "" {
		return "", fmt.Errorf("%w: missing conversationId", ErrMalformedEvent)
	}
	return id, nil
}

// decodeStatus accepts either "away" or {"status":"away"}.
func decodeStatus(data json.RawMessage) (types.PresenceStatus, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return "", fmt.Errorf("%w: missing payload", ErrMalformedEvent)
	}

	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return "", fmt.Errorf("%w: %v", ErrMalformedEvent, err)
		}
		return types.PresenceStatus(s), nil
	}

	var pd presenceData
	if err := json.Unmarshal(data, &pd); err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	return pd.Status, nil
}
