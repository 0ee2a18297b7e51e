package database

import (
	"context"

	"github.com/stretchr/testify/mock"
)

type MockConversationRepository struct {
	mock.Mock
}

func (m *MockConversationRepository) Ping(ctx context.Context) error {
	args := m.Called()
	return args.Error(0)
}

func (m *MockConversationRepository) ConversationTenant(ctx context.Context, conversationId string) (string, error) {
	args := m.Called(conversationId)
	return args.String(0), args.Error(1)
}
