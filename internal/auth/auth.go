package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/npezzotti/crm-gateway/internal/types"
)

// ErrAuthentication is returned for every rejected handshake.
var ErrAuthentication = errors.New("authentication failed")

// Verifier turns an opaque credential token into an Identity.
type Verifier interface {
	Verify(ctx context.Context, token string) (types.Identity, error)
}

// Strategy is one step of a Chain. Identify returns a nil identity and a nil
// error when the token is not in the strategy's format, so the next step
// gets a chance. A non-nil error rejects the token outright.
type Strategy interface {
	Name() string
	Identify(ctx context.Context, token string) (*types.Identity, error)
}

// Chain tries each strategy in order.
type Chain struct {
	strategies []Strategy
}

func NewChain(strategies ...Strategy) *Chain {
	return &Chain{strategies: strategies}
}

func (c *Chain) Verify(ctx context.Context, token string) (types.Identity, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return types.Identity{}, fmt.Errorf("%w: empty token", ErrAuthentication)
	}

	for _, s := range c.strategies {
		id, err := s.Identify(ctx, token)
		if err != nil {
			return types.Identity{}, fmt.Errorf("%w: %s: %v", ErrAuthentication, s.Name(), err)
		}
		if id == nil {
			continue
		}
		if !id.Valid() {
			return types.Identity{}, fmt.Errorf("%w: %s: missing id or tenantId", ErrAuthentication, s.Name())
		}
		return *id, nil
	}

	return types.Identity{}, fmt.Errorf("%w: unrecognized token format", ErrAuthentication)
}

// claims is the claim set carried by signed and sealed tokens.
type claims struct {
	Id        flexString `json:"id"`
	Sub       flexString `json:"sub,omitempty"`
	Email     string     `json:"email,omitempty"`
	Name      string     `json:"name,omitempty"`
	Role      string     `json:"role,omitempty"`
	TenantId  flexString `json:"tenantId"`
	AvatarUrl string     `json:"avatarUrl,omitempty"`
	Exp       int64      `json:"exp,omitempty"`
}

func (c claims) identity() *types.Identity {
	id := string(c.Id)
	if id == "" {
		id = string(c.Sub)
	}

	return &types.Identity{
		Id:        id,
		Email:     c.Email,
		Name:      c.Name,
		Role:      c.Role,
		TenantId:  string(c.TenantId),
		AvatarUrl: c.AvatarUrl,
	}
}

// flexString accepts JSON strings and numbers, since upstream session stores
// are not consistent about id types.
type flexString string

func (f *flexString) UnmarshalJSON(b []byte) error {
	if string(b) == "null" {
		*f = ""
		return nil
	}

	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		*f = flexString(s)
		return nil
	}

	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("expected string or number, got %s", b)
	}
	*f = flexString(n.String())
	return nil
}

func claimString(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case json.Number:
		return t.String()
	default:
		return ""
	}
}

// NewVerifier builds the gateway's chain: signed token, sealed token, then
// the raw session fallback when allowed.
func NewVerifier(secret []byte, allowSessionFallback bool) (*Chain, error) {
	sealed, err := NewSealedStrategy(secret)
	if err != nil {
		return nil, fmt.Errorf("sealed strategy: %w", err)
	}

	strategies := []Strategy{NewJWTStrategy(secret), sealed}
	if allowSessionFallback {
		strategies = append(strategies, NewSessionStrategy())
	}

	return NewChain(strategies...), nil
}
