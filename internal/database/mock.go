package database

import (
	"context"
	"time"

	"github.com/npezzotti/go-dmchat/internal/types"
	"github.com/stretchr/testify/mock"
)

type MockRepository struct {
	mock.Mock
}

func (m *MockRepository) AppendMessage(ctx context.Context, params CreateMessageParams) (types.Message, error) {
	args := m.Called(ctx, params)
	return args.Get(0).(types.Message), args.Error(1)
}
func (m *MockRepository) MarkRead(ctx context.Context, reader, sender types.UserId, at time.Time) (int, error) {
	args := m.Called(ctx, reader, sender, at)
	return args.Int(0), args.Error(1)
}
func (m *MockRepository) History(ctx context.Context, a, b types.UserId, page types.Page) ([]types.Message, error) {
	args := m.Called(ctx, a, b, page)
	if msgs, ok := args.Get(0).([]types.Message); ok {
		return msgs, args.Error(1)
	}
	return nil, args.Error(1)
}
func (m *MockRepository) Conversations(ctx context.Context, user types.UserId) ([]types.ConversationSummary, error) {
	args := m.Called(ctx, user)
	if summaries, ok := args.Get(0).([]types.ConversationSummary); ok {
		return summaries, args.Error(1)
	}
	return nil, args.Error(1)
}
func (m *MockRepository) EmailFor(ctx context.Context, user types.UserId) (string, error) {
	args := m.Called(ctx, user)
	return args.String(0), args.Error(1)
}
func (m *MockRepository) Ping(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}
func (m *MockRepository) Close() error {
	args := m.Called()
	return args.Error(0)
}
