package service

import (
	"context"
	"fmt"

	"github.com/kaverin/echorelay/models"
)

// SubmitResult is what the caller needs to fan a message out: the stored
// payload, whether this submission was a replay, and who should receive it.
type SubmitResult struct {
	Message      models.Message
	Duplicate    bool
	RecipientIds []int64
}

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 100
)

// SubmitMessage persists a ciphertext message for a group. Submissions
// carrying a client message id seen before return the originally stored
// message with Duplicate set, so the caller can ack without re-broadcasting.
func (s *Service) SubmitMessage(ctx context.Context, sender models.User, groupId int64, content []byte, clientMessageId string) (SubmitResult, error) {
	if len(content) == 0 || clientMessageId == "" {
		return SubmitResult{}, fmt.Errorf("%w: empty content or client message id", ErrValidation)
	}

	isMember, err := s.Store.IsGroupMember(ctx, groupId, sender.Id)
	if err != nil {
		return SubmitResult{}, err
	}
	if !isMember {
		return SubmitResult{}, ErrNotAMember
	}

	msg := models.Message{
		GroupId:         groupId,
		SenderId:        sender.Id,
		SenderName:      sender.Username,
		Content:         content,
		ClientMessageId: clientMessageId,
	}

	stored, duplicate, err := s.Store.CreateMessage(ctx, msg)
	if err != nil {
		return SubmitResult{}, err
	}

	result := SubmitResult{Message: stored, Duplicate: duplicate}
	if duplicate {
		// The original submission already reached the group.
		return result, nil
	}

	memberIds, err := s.Store.GetGroupMemberIds(ctx, groupId)
	if err != nil {
		return SubmitResult{}, err
	}
	for _, id := range memberIds {
		if id != sender.Id {
			result.RecipientIds = append(result.RecipientIds, id)
		}
	}

	return result, nil
}

// GetChatHistory pages a group's messages newest-first. A zero
// beforeMessageId starts from the latest message.
func (s *Service) GetChatHistory(ctx context.Context, userId int64, groupId int64, beforeMessageId int64, limit int32) ([]models.Message, error) {
	isMember, err := s.Store.IsGroupMember(ctx, groupId, userId)
	if err != nil {
		return nil, err
	}
	if !isMember {
		return nil, ErrNotAMember
	}

	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	if limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}

	return s.Store.GetGroupMessages(ctx, groupId, beforeMessageId, limit)
}
