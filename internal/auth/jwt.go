package auth

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt"
	"github.com/npezzotti/crm-gateway/internal/types"
)

const (
	idClaim        = "id"
	subClaim       = "sub"
	emailClaim     = "email"
	nameClaim      = "name"
	roleClaim      = "role"
	tenantIdClaim  = "tenantId"
	avatarUrlClaim = "avatarUrl"
	expClaim       = "exp"
)

// JWTStrategy verifies HS256 signed claim sets.
type JWTStrategy struct {
	signingKey []byte
}

func NewJWTStrategy(signingKey []byte) *JWTStrategy {
	return &JWTStrategy{signingKey: signingKey}
}

func (s *JWTStrategy) Name() string {
	return "jwt"
}

func (s *JWTStrategy) Identify(_ context.Context, tokenString string) (*types.Identity, error) {
	if strings.Count(tokenString, ".") != 2 {
		return nil, nil
	}

	token, err := jwt.Parse(tokenString, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return s.signingKey, nil
	})
	if err != nil {
		return nil, fmt.Errorf("parse token: %w", err)
	}

	if !token.Valid {
		return nil, fmt.Errorf("invalid token")
	}

	mc, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, fmt.Errorf("invalid token claims")
	}

	id := claimString(mc[idClaim])
	if id == "" {
		id = claimString(mc[subClaim])
	}

	return &types.Identity{
		Id:        id,
		Email:     claimString(mc[emailClaim]),
		Name:      claimString(mc[nameClaim]),
		Role:      claimString(mc[roleClaim]),
		TenantId:  claimString(mc[tenantIdClaim]),
		AvatarUrl: claimString(mc[avatarUrlClaim]),
	}, nil
}

// SignToken issues a token JWTStrategy accepts.
func SignToken(signingKey []byte, id types.Identity, exp time.Duration) (string, error) {
	mc := jwt.MapClaims{
		idClaim:       id.Id,
		emailClaim:    id.Email,
		nameClaim:     id.Name,
		roleClaim:     id.Role,
		tenantIdClaim: id.TenantId,
		expClaim:      time.Now().Add(exp).Unix(),
	}
	if id.AvatarUrl != "" {
		mc[avatarUrlClaim] = id.AvatarUrl
	}

	return jwt.NewWithClaims(jwt.SigningMethodHS256, mc).SignedString(signingKey)
}
