package store

import (
	"context"
	"errors"

	"github.com/kaverin/echorelay/models"
)

// RelayStore covers the three storage collaborators of the relay: the user
// directory, the group key store, and the message store.
type RelayStore interface {
	CreateUser(ctx context.Context, user models.User) (models.User, error)
	GetUser(ctx context.Context, userId int64) (models.User, error)
	GetPublicKeys(ctx context.Context, userIds []int64) (map[int64]string, error)

	CreateGroup(ctx context.Context, group models.Group, memberIds []int64) (models.Group, error)
	GetGroup(ctx context.Context, groupId int64) (models.Group, error)
	GetGroupsForUser(ctx context.Context, userId int64) ([]models.Group, error)
	IsGroupMember(ctx context.Context, groupId int64, userId int64) (bool, error)
	GetGroupMemberIds(ctx context.Context, groupId int64) ([]int64, error)

	// CommitKeyPackage applies a key package as one atomic unit: the server
	// custody record, every participant row, deletion of removed members'
	// rows, and the group key version, all together or not at all.
	CommitKeyPackage(ctx context.Context, pkg models.KeyPackage, removedUserIds []int64) error
	StoreParticipantKey(ctx context.Context, key models.ParticipantKey) error
	GetServerKey(ctx context.Context, groupId int64) (models.GroupServerKey, error)
	GetParticipantKey(ctx context.Context, groupId int64, userId int64) (models.ParticipantKey, error)

	// CreateMessage persists a message unless its client message id was seen
	// before; in that case the previously stored message is returned and the
	// duplicate flag is true.
	CreateMessage(ctx context.Context, msg models.Message) (models.Message, bool, error)
	GetGroupMessages(ctx context.Context, groupId int64, beforeMessageId int64, limit int32) ([]models.Message, error)
}

// Custom error types for clarity
var (
	ErrItemNotFound    = errors.New("item does not exist")
	ErrConditionFailed = errors.New("condition not met")
)
