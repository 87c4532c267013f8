package mocks

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/kaverin/echorelay/models"
)

type MockStore struct {
	mock.Mock
}

func (m *MockStore) CreateUser(ctx context.Context, user models.User) (models.User, error) {
	args := m.Called(ctx, user)
	return args.Get(0).(models.User), args.Error(1)
}

func (m *MockStore) GetUser(ctx context.Context, userId int64) (models.User, error) {
	args := m.Called(ctx, userId)
	return args.Get(0).(models.User), args.Error(1)
}

func (m *MockStore) GetPublicKeys(ctx context.Context, userIds []int64) (map[int64]string, error) {
	args := m.Called(ctx, userIds)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(map[int64]string), args.Error(1)
}

func (m *MockStore) CreateGroup(ctx context.Context, group models.Group, memberIds []int64) (models.Group, error) {
	args := m.Called(ctx, group, memberIds)
	return args.Get(0).(models.Group), args.Error(1)
}

func (m *MockStore) GetGroup(ctx context.Context, groupId int64) (models.Group, error) {
	args := m.Called(ctx, groupId)
	return args.Get(0).(models.Group), args.Error(1)
}

func (m *MockStore) GetGroupsForUser(ctx context.Context, userId int64) ([]models.Group, error) {
	args := m.Called(ctx, userId)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]models.Group), args.Error(1)
}

func (m *MockStore) IsGroupMember(ctx context.Context, groupId int64, userId int64) (bool, error) {
	args := m.Called(ctx, groupId, userId)
	return args.Bool(0), args.Error(1)
}

func (m *MockStore) GetGroupMemberIds(ctx context.Context, groupId int64) ([]int64, error) {
	args := m.Called(ctx, groupId)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]int64), args.Error(1)
}

func (m *MockStore) CommitKeyPackage(ctx context.Context, pkg models.KeyPackage, removedUserIds []int64) error {
	args := m.Called(ctx, pkg, removedUserIds)
	return args.Error(0)
}

func (m *MockStore) StoreParticipantKey(ctx context.Context, key models.ParticipantKey) error {
	args := m.Called(ctx, key)
	return args.Error(0)
}

func (m *MockStore) GetServerKey(ctx context.Context, groupId int64) (models.GroupServerKey, error) {
	args := m.Called(ctx, groupId)
	return args.Get(0).(models.GroupServerKey), args.Error(1)
}

func (m *MockStore) GetParticipantKey(ctx context.Context, groupId int64, userId int64) (models.ParticipantKey, error) {
	args := m.Called(ctx, groupId, userId)
	return args.Get(0).(models.ParticipantKey), args.Error(1)
}

func (m *MockStore) CreateMessage(ctx context.Context, msg models.Message) (models.Message, bool, error) {
	args := m.Called(ctx, msg)
	return args.Get(0).(models.Message), args.Bool(1), args.Error(2)
}

func (m *MockStore) GetGroupMessages(ctx context.Context, groupId int64, beforeMessageId int64, limit int32) ([]models.Message, error) {
	args := m.Called(ctx, groupId, beforeMessageId, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]models.Message), args.Error(1)
}
