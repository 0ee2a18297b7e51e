package types

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Identity is the verified caller bound to a connection at handshake.
type Identity struct {
	Id        string `json:"id"`
	Email     string `json:"email,omitempty"`
	Name      string `json:"name,omitempty"`
	Role      string `json:"role,omitempty"`
	TenantId  string `json:"tenantId"`
	AvatarUrl string `json:"avatarUrl,omitempty"`
}

// Valid reports whether the identity carries the fields every connection needs.
func (i Identity) Valid() bool {
	return strings.TrimSpace(i.Id) != "" && strings.TrimSpace(i.TenantId) != ""
}

type ScopeType string

const (
	ScopeTenant       ScopeType = "tenant"
	ScopeUser         ScopeType = "user"
	ScopeConversation ScopeType = "conversation"
)

// Scope is a broadcast destination. Its key is "type:id".
type Scope struct {
	Type ScopeType
	Id   string
}

func TenantScope(id string) Scope       { return Scope{Type: ScopeTenant, Id: id} }
func UserScope(id string) Scope         { return Scope{Type: ScopeUser, Id: id} }
func ConversationScope(id string) Scope { return Scope{Type: ScopeConversation, Id: id} }

func (s Scope) Key() string {
	return string(s.Type) + ":" + s.Id
}

func (s Scope) String() string {
	return s.Key()
}

// ParseScope is the inverse of Scope.Key.
func ParseScope(key string) (Scope, error) {
	typ, id, ok := strings.Cut(key, ":")
	if !ok || id == "" {
		return Scope{}, fmt.Errorf("invalid scope key %q", key)
	}

	switch ScopeType(typ) {
	case ScopeTenant, ScopeUser, ScopeConversation:
		return Scope{Type: ScopeType(typ), Id: id}, nil
	default:
		return Scope{}, fmt.Errorf("unknown scope type %q", typ)
	}
}

type PresenceStatus string

const (
	PresenceOnline  PresenceStatus = "online"
	PresenceAway    PresenceStatus = "away"
	PresenceBusy    PresenceStatus = "busy"
	PresenceOffline PresenceStatus = "offline"
)

// ClientSettable reports whether a client may announce the status itself.
// offline is only ever synthesized by the gateway.
func (p PresenceStatus) ClientSettable() bool {
	switch p {
	case PresenceOnline, PresenceAway, PresenceBusy:
		return true
	}
	return false
}

// Event is an immutable envelope bound for a single scope.
type Event struct {
	Type            string          `json:"type"`
	Scope           Scope           `json:"-"`
	Payload         json.RawMessage `json:"data,omitempty"`
	OriginTimestamp time.Time       `json:"timestamp"`
}

type Presence struct {
	UserId string         `json:"userId"`
	Status PresenceStatus `json:"status"`
}

type Typing struct {
	ConversationId string `json:"conversationId"`
	UserId         string `json:"userId"`
}

// OutboundMessage is the frame written to a client connection.
type OutboundMessage struct {
	Event     string          `json:"event"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// InboundMessage is the frame read from a client connection.
type InboundMessage struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

func Now() time.Time {
	return time.Now().UTC().Round(time.Millisecond)
}
