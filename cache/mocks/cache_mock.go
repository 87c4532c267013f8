package mocks

import (
	"context"

	"github.com/stretchr/testify/mock"
)

type MockCache struct {
	mock.Mock
}

func (m *MockCache) Publish(ctx context.Context, channel string, message []byte) error {
	args := m.Called(ctx, channel, message)
	return args.Error(0)
}

func (m *MockCache) Subscribe(ctx context.Context, channel string, handler func(message []byte)) error {
	args := m.Called(ctx, channel, handler)
	return args.Error(0)
}

func (m *MockCache) SetPublicKey(ctx context.Context, userId int64, publicKey string) error {
	args := m.Called(ctx, userId, publicKey)
	return args.Error(0)
}

func (m *MockCache) GetPublicKey(ctx context.Context, userId int64) (string, error) {
	args := m.Called(ctx, userId)
	return args.String(0), args.Error(1)
}
