package notify

import (
	"context"

	"github.com/npezzotti/go-dmchat/internal/types"
	"github.com/stretchr/testify/mock"
)

type MockNotifier struct {
	mock.Mock
}

func (m *MockNotifier) Notify(ctx context.Context, n types.MessageNotification) error {
	args := m.Called(ctx, n)
	return args.Error(0)
}
