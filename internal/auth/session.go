package auth

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/npezzotti/crm-gateway/internal/types"
)

// SessionStrategy is the fallback for clients that hand over their raw
// serialized session object, {"user": {"id": ..., "tenantId": ...}}, either as
// plain JSON or base64 encoded.
type SessionStrategy struct{}

func NewSessionStrategy() *SessionStrategy {
	return &SessionStrategy{}
}

func (s *SessionStrategy) Name() string {
	return "session"
}

type rawSession struct {
	User *struct {
		claims
		Image string `json:"image,omitempty"`
	} `json:"user"`
}

func (s *SessionStrategy) Identify(_ context.Context, token string) (*types.Identity, error) {
	raw := []byte(token)
	if !strings.HasPrefix(token, "{") {
		decoded, err := decodeBase64(token)
		if err != nil {
			return nil, nil
		}
		raw = decoded
	}

	var sess rawSession
	if err := json.Unmarshal(raw, &sess); err != nil {
		return nil, fmt.Errorf("unmarshal session: %w", err)
	}

	if sess.User == nil {
		return nil, fmt.Errorf("session has no user")
	}

	id := sess.User.identity()
	if id.AvatarUrl == "" {
		id.AvatarUrl = sess.User.Image
	}
	return id, nil
}

func decodeBase64(s string) ([]byte, error) {
	for _, enc := range []*base64.Encoding{
		base64.StdEncoding,
		base64.RawStdEncoding,
		base64.URLEncoding,
		base64.RawURLEncoding,
	} {
		if b, err := enc.DecodeString(s); err == nil && len(b) > 0 && b[0] == '{' {
			return b, nil
		}
	}
	return nil, fmt.Errorf("not a base64 encoded session")
}
