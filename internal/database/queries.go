package database

import (
	"context"
)

const conversationTenantQuery = "SELECT tenant_id FROM conversations WHERE id = $1 LIMIT 1"

// ConversationTenant returns the tenant owning the conversation, or
// sql.ErrNoRows when there is none.
func (db *PgConversationRepository) ConversationTenant(ctx context.Context, conversationId string) (string, error) {
	row := db.conn.QueryRowContext(ctx, conversationTenantQuery, conversationId)

	var tenantId string
	err := row.Scan(&tenantId)

	return tenantId, err
}
