package bus

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/npezzotti/crm-gateway/internal/types"
)

const (
	EventMessageNew         = "message:new"
	EventMessageUpdate      = "message:update"
	EventConversationNew    = "conversation:new"
	EventConversationUpdate = "conversation:update"
	EventNotification       = "notification"
	EventTypingStart        = "typing:start"
	EventTypingStop         = "typing:stop"
	EventPresenceUpdate     = "presence:update"
)

var (
	ErrMalformedEnvelope = errors.New("malformed envelope")
	ErrUnknownType       = errors.New("unknown event type")
)

// Routes maps each event type to the kind of scope it is delivered to. The
// scope id is read from the envelope field of the same kind.
var Routes = map[string]types.ScopeType{
	EventMessageNew:         types.ScopeConversation,
	EventMessageUpdate:      types.ScopeConversation,
	EventConversationNew:    types.ScopeTenant,
	EventConversationUpdate: types.ScopeTenant,
	EventNotification:       types.ScopeUser,
	EventTypingStart:        types.ScopeConversation,
	EventTypingStop:         types.ScopeConversation,
	EventPresenceUpdate:     types.ScopeTenant,
}

// Envelope is the bus wire format.
type Envelope struct {
	Type           string          `json:"type"`
	TenantId       string          `json:"tenantId,omitempty"`
	ConversationId string          `json:"conversationId,omitempty"`
	UserId         string          `json:"userId,omitempty"`
	Data           json.RawMessage `json:"data,omitempty"`
	// Except names a connection on the origin process that must not receive
	// the event.
	Except string `json:"except,omitempty"`
	// Origin is the instance id of the publishing process.
	Origin string `json:"origin,omitempty"`
	// Ts is the origin timestamp in unix milliseconds.
	Ts int64 `json:"ts,omitempty"`
}

// Scope resolves the delivery scope from the route table.
func (e Envelope) Scope() (types.Scope, error) {
	typ, ok := Routes[e.Type]
	if !ok {
		return types.Scope{}, fmt.Errorf("%w: %q", ErrUnknownType, e.Type)
	}

	var id string
	switch typ {
	case types.ScopeConversation:
		id = e.ConversationId
	case types.ScopeTenant:
		id = e.TenantId
	case types.ScopeUser:
		id = e.UserId
	}

	if id == "" {
		return types.Scope{}, fmt.Errorf("%w: %q requires a %sId", ErrMalformedEnvelope, e.Type, typ)
	}

	return types.Scope{Type: typ, Id: id}, nil
}

// Event converts the envelope into the event delivered to its scope.
func (e Envelope) Event() (types.Event, error) {
	scope, err := e.Scope()
	if err != nil {
		return types.Event{}, err
	}

	ts := time.Now().UTC()
	if e.Ts > 0 {
		ts = time.UnixMilli(e.Ts).UTC()
	}

	return types.Event{
		Type:            e.Type,
		Scope:           scope,
		Payload:         e.Data,
		OriginTimestamp: ts,
	}, nil
}

func Encode(e Envelope) ([]byte, error) {
	if _, err := e.Scope(); err != nil {
		return nil, err
	}
	if len(e.Data) > 0 && !json.Valid(e.Data) {
		return nil, fmt.Errorf("%w: data is not valid json", ErrMalformedEnvelope)
	}
	return json.Marshal(e)
}

func Decode(raw []byte) (Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(raw, &e); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}

	if _, err := e.Scope(); err != nil {
		return Envelope{}, err
	}
	return e, nil
}
