package database

import "context"

// ConversationRepository is the read side of the CRM schema the gateway
// consults. The CRM services own the schema.
type ConversationRepository interface {
	Ping(ctx context.Context) error
	ConversationTenant(ctx context.Context, conversationId string) (string, error)
}
