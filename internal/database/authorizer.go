package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/npezzotti/crm-gateway/internal/types"
)

// TenantAuthorizer admits a conversation join only when the conversation
// belongs to the caller's tenant.
type TenantAuthorizer struct {
	repo ConversationRepository
}

func NewTenantAuthorizer(repo ConversationRepository) *TenantAuthorizer {
	return &TenantAuthorizer{repo: repo}
}

func (a *TenantAuthorizer) CanJoin(ctx context.Context, id types.Identity, conversationId string) (bool, error) {
	tenantId, err := a.repo.ConversationTenant(ctx, conversationId)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("conversation tenant: %w", err)
	}

	return tenantId == id.TenantId, nil
}
