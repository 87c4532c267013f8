package service_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"

	"github.com/kaverin/echorelay/models"
	"github.com/kaverin/echorelay/service"
)

func TestSubmitMessage_Success(t *testing.T) {
	svc, mockStore, _, _, _ := setupService(t)
	ctx := context.Background()

	sender := models.User{Id: 1, Username: "alice"}
	content := []byte("opaque-ciphertext")

	mockStore.On("IsGroupMember", ctx, int64(42), int64(1)).Return(true, nil)
	mockStore.On("CreateMessage", ctx, mock.MatchedBy(func(msg models.Message) bool {
		return msg.GroupId == 42 && msg.SenderId == 1 && msg.ClientMessageId == "m1"
	})).Return(models.Message{
		Id:              7,
		GroupId:         42,
		SenderId:        1,
		SenderName:      "alice",
		Content:         content,
		ClientMessageId: "m1",
		SentAt:          1000,
	}, false, nil)
	mockStore.On("GetGroupMemberIds", ctx, int64(42)).Return([]int64{1, 2, 3}, nil)

	result, err := svc.SubmitMessage(ctx, sender, 42, content, "m1")
	assert.NoError(t, err)

	assert.False(t, result.Duplicate)
	assert.Equal(t, int64(7), result.Message.Id)
	assert.ElementsMatch(t, []int64{2, 3}, result.RecipientIds)
}

func TestSubmitMessage_DuplicateIsNotRebroadcast(t *testing.T) {
	svc, mockStore, _, _, _ := setupService(t)
	ctx := context.Background()

	sender := models.User{Id: 1, Username: "alice"}
	stored := models.Message{Id: 7, GroupId: 42, SenderId: 1, ClientMessageId: "m1"}

	mockStore.On("IsGroupMember", ctx, int64(42), int64(1)).Return(true, nil)
	mockStore.On("CreateMessage", ctx, mock.Anything).Return(stored, true, nil)

	result, err := svc.SubmitMessage(ctx, sender, 42, []byte("retry"), "m1")
	assert.NoError(t, err)

	assert.True(t, result.Duplicate)
	assert.Equal(t, int64(7), result.Message.Id)
	assert.Empty(t, result.RecipientIds)
	mockStore.AssertNotCalled(t, "GetGroupMemberIds", mock.Anything, mock.Anything)
}

func TestSubmitMessage_SameClientIdSameMessageId(t *testing.T) {
	svc, mockStore, _, _, _ := setupService(t)
	ctx := context.Background()

	sender := models.User{Id: 1, Username: "alice"}
	stored := models.Message{Id: 7, GroupId: 42, SenderId: 1, ClientMessageId: "m1"}

	mockStore.On("IsGroupMember", ctx, int64(42), int64(1)).Return(true, nil)
	mockStore.On("CreateMessage", ctx, mock.Anything).Return(stored, false, nil).Once()
	mockStore.On("GetGroupMemberIds", ctx, int64(42)).Return([]int64{1}, nil)
	mockStore.On("CreateMessage", ctx, mock.Anything).Return(stored, true, nil).Once()

	first, err := svc.SubmitMessage(ctx, sender, 42, []byte("hello"), "m1")
	assert.NoError(t, err)
	second, err := svc.SubmitMessage(ctx, sender, 42, []byte("hello"), "m1")
	assert.NoError(t, err)

	assert.Equal(t, first.Message.Id, second.Message.Id)
	assert.False(t, first.Duplicate)
	assert.True(t, second.Duplicate)
}

func TestSubmitMessage_NotAMember(t *testing.T) {
	svc, mockStore, _, _, _ := setupService(t)
	ctx := context.Background()

	mockStore.On("IsGroupMember", ctx, int64(42), int64(9)).Return(false, nil)

	_, err := svc.SubmitMessage(ctx, models.User{Id: 9}, 42, []byte("x"), "m1")
	assert.ErrorIs(t, err, service.ErrNotAMember)
	mockStore.AssertNotCalled(t, "CreateMessage", mock.Anything, mock.Anything)
}

func TestSubmitMessage_Validation(t *testing.T) {
	svc, _, _, _, _ := setupService(t)
	ctx := context.Background()

	_, err := svc.SubmitMessage(ctx, models.User{Id: 1}, 42, nil, "m1")
	assert.ErrorIs(t, err, service.ErrValidation)

	_, err = svc.SubmitMessage(ctx, models.User{Id: 1}, 42, []byte("x"), "")
	assert.ErrorIs(t, err, service.ErrValidation)
}

func TestGetChatHistory_ClampsLimit(t *testing.T) {
	svc, mockStore, _, _, _ := setupService(t)
	ctx := context.Background()

	mockStore.On("IsGroupMember", ctx, int64(42), int64(1)).Return(true, nil)
	mockStore.On("GetGroupMessages", ctx, int64(42), int64(0), int32(100)).Return([]models.Message{}, nil).Once()
	mockStore.On("GetGroupMessages", ctx, int64(42), int64(0), int32(50)).Return([]models.Message{}, nil).Once()

	_, err := svc.GetChatHistory(ctx, 1, 42, 0, 500)
	assert.NoError(t, err)

	_, err = svc.GetChatHistory(ctx, 1, 42, 0, 0)
	assert.NoError(t, err)

	mockStore.AssertExpectations(t)
}

func TestGetChatHistory_NotAMember(t *testing.T) {
	svc, mockStore, _, _, _ := setupService(t)
	ctx := context.Background()

	mockStore.On("IsGroupMember", ctx, int64(42), int64(9)).Return(false, nil)

	_, err := svc.GetChatHistory(ctx, 9, 42, 0, 10)
	assert.ErrorIs(t, err, service.ErrNotAMember)
	mockStore.AssertNotCalled(t, "GetGroupMessages", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}
