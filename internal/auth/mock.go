package auth

import (
	"context"

	"github.com/npezzotti/go-dmchat/internal/types"
	"github.com/stretchr/testify/mock"
)

type MockAuthenticator struct {
	mock.Mock
}

func (m *MockAuthenticator) Authenticate(ctx context.Context, credentials string) (types.UserId, error) {
	args := m.Called(ctx, credentials)
	return args.Get(0).(types.UserId), args.Error(1)
}
