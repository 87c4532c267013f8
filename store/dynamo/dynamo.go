package dynamo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/kaverin/echorelay/models"
	"github.com/kaverin/echorelay/store"
)

const userGroupsIndex = "GSI_UserGroups"

// dynamoAPI is the slice of the DynamoDB client the store uses. Tests
// substitute a fake.
type dynamoAPI interface {
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	UpdateItem(ctx context.Context, params *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	Query(ctx context.Context, params *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	TransactWriteItems(ctx context.Context, params *dynamodb.TransactWriteItemsInput, optFns ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error)
	ListTables(ctx context.Context, params *dynamodb.ListTablesInput, optFns ...func(*dynamodb.Options)) (*dynamodb.ListTablesOutput, error)
}

type DynamoRelayStore struct {
	client    dynamoAPI
	tableName string
}

func NewDynamoRelayStore(ctx context.Context, devMode bool, dynamodbEndpoint string, tableName string) (*DynamoRelayStore, error) {
	client, err := newDynamoDBClient(context.Background(), devMode, dynamodbEndpoint)
	if err != nil {
		return nil, err
	}

	tables, err := getTables(client, ctx)
	if err != nil {
		return nil, err
	}

	foundTable := false
	for _, table := range tables {
		if table == tableName {
			foundTable = true
			break
		}
	}
	if !foundTable {
		return nil, fmt.Errorf("given table name '%s' not found in dynamodb", tableName)
	}

	return &DynamoRelayStore{client: client, tableName: tableName}, nil
}

func (dynamoStore *DynamoRelayStore) CreateUser(ctx context.Context, user models.User) (models.User, error) {
	userId, err := nextSequence(dynamoStore, ctx, "COUNTER#USERS", "SEQ")
	if err != nil {
		return models.User{}, err
	}
	user.Id = userId
	user.Created = time.Now().Unix()

	du := userToDynamo(user)
	du, _, err = ensureItem(dynamoStore, ctx, du)
	if err != nil {
		return models.User{}, err
	}

	return userFromDynamo(du), nil
}

func (dynamoStore *DynamoRelayStore) GetUser(ctx context.Context, userId int64) (models.User, error) {
	du, err := getItem[dynamoUser](dynamoStore, ctx, userPK(userId), "PROFILE", false)
	if err != nil {
		return models.User{}, err
	}

	return userFromDynamo(du), nil
}

func (dynamoStore *DynamoRelayStore) GetPublicKeys(ctx context.Context, userIds []int64) (map[int64]string, error) {
	keys := make(map[int64]string, len(userIds))
	for _, id := range userIds {
		du, err := getItem[dynamoUser](dynamoStore, ctx, userPK(id), "PROFILE", false)
		if err != nil {
			if errors.Is(err, store.ErrItemNotFound) {
				continue
			}
			return nil, err
		}
		keys[id] = du.PublicKey
	}
	return keys, nil
}

func (dynamoStore *DynamoRelayStore) CreateGroup(ctx context.Context, group models.Group, memberIds []int64) (models.Group, error) {
	groupId, err := nextSequence(dynamoStore, ctx, "COUNTER#GROUPS", "SEQ")
	if err != nil {
		return models.Group{}, err
	}
	group.Id = groupId
	group.Created = time.Now().Unix()
	if group.KeyVersion == 0 {
		group.KeyVersion = 1
	}

	puts := make([]transactPut, 0, len(memberIds)+1)

	metaAv, err := attributevalue.MarshalMap(groupToDynamo(group))
	if err != nil {
		return models.Group{}, fmt.Errorf("marshal error: %w", err)
	}
	puts = append(puts, transactPut{item: metaAv})

	for _, userId := range memberIds {
		memberAv, err := attributevalue.MarshalMap(memberToDynamo(group.Id, userId, "", group.KeyVersion))
		if err != nil {
			return models.Group{}, fmt.Errorf("marshal error: %w", err)
		}
		puts = append(puts, transactPut{item: memberAv})
	}

	if err := transactWrite(dynamoStore, ctx, puts, nil, nil); err != nil {
		return models.Group{}, err
	}

	return group, nil
}

func (dynamoStore *DynamoRelayStore) GetGroup(ctx context.Context, groupId int64) (models.Group, error) {
	dg, err := getItem[dynamoGroup](dynamoStore, ctx, groupPK(groupId), "META", false)
	if err != nil {
		return models.Group{}, err
	}
	return groupFromDynamo(dg), nil
}

func (dynamoStore *DynamoRelayStore) GetGroupsForUser(ctx context.Context, userId int64) ([]models.Group, error) {
	pks, err := queryPKsByGSI(dynamoStore, ctx, userGroupsIndex, "UserRef", userPK(userId))
	if err != nil {
		return nil, err
	}

	groups := make([]models.Group, 0, len(pks))
	for _, pk := range pks {
		dg, err := getItem[dynamoGroup](dynamoStore, ctx, pk, "META", false)
		if err != nil {
			if errors.Is(err, store.ErrItemNotFound) {
				continue
			}
			return nil, err
		}
		groups = append(groups, groupFromDynamo(dg))
	}

	return groups, nil
}

func (dynamoStore *DynamoRelayStore) IsGroupMember(ctx context.Context, groupId int64, userId int64) (bool, error) {
	_, err := getItem[dynamoMember](dynamoStore, ctx, groupPK(groupId), memberSK(userId), false)
	if err != nil {
		if errors.Is(err, store.ErrItemNotFound) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (dynamoStore *DynamoRelayStore) GetGroupMemberIds(ctx context.Context, groupId int64) ([]int64, error) {
	members, err := queryByPKPrefix[dynamoMember](dynamoStore, ctx, groupPK(groupId), "MEMBER#", "", true, 0)
	if err != nil {
		return nil, err
	}

	ids := make([]int64, 0, len(members))
	for _, m := range members {
		ids = append(ids, userIdFromMemberSK(m.SK))
	}
	return ids, nil
}

// CommitKeyPackage writes the custody record, every participant row, the
// removed members' row deletions, and the group key version in a single
// transaction. A reader never observes a half-applied rotation.
func (dynamoStore *DynamoRelayStore) CommitKeyPackage(ctx context.Context, pkg models.KeyPackage, removedUserIds []int64) error {
	puts := make([]transactPut, 0, len(pkg.ParticipantKeys)+1)

	serverAv, err := attributevalue.MarshalMap(serverKeyToDynamo(pkg.GroupId, pkg.ServerKey, pkg.KeyVersion))
	if err != nil {
		return fmt.Errorf("marshal error: %w", err)
	}
	puts = append(puts, transactPut{item: serverAv})

	for _, pk := range pkg.ParticipantKeys {
		memberAv, err := attributevalue.MarshalMap(memberToDynamo(pkg.GroupId, pk.UserId, pk.EncryptedKey, pkg.KeyVersion))
		if err != nil {
			return fmt.Errorf("marshal error: %w", err)
		}
		puts = append(puts, transactPut{item: memberAv})
	}

	deleteKeys := make([][2]string, 0, len(removedUserIds))
	for _, userId := range removedUserIds {
		deleteKeys = append(deleteKeys, [2]string{groupPK(pkg.GroupId), memberSK(userId)})
	}

	updates := []transactUpdate{{
		pk:         groupPK(pkg.GroupId),
		sk:         "META",
		expression: "SET #v = :v",
		names:      map[string]string{"#v": "KeyVersion"},
		values: map[string]types.AttributeValue{
			":v": &types.AttributeValueMemberN{Value: fmt.Sprint(pkg.KeyVersion)},
		},
	}}

	return transactWrite(dynamoStore, ctx, puts, deleteKeys, updates)
}

func (dynamoStore *DynamoRelayStore) StoreParticipantKey(ctx context.Context, key models.ParticipantKey) error {
	return putItem(dynamoStore, ctx, memberToDynamo(key.GroupId, key.UserId, key.EncryptedKey, key.KeyVersion))
}

func (dynamoStore *DynamoRelayStore) GetServerKey(ctx context.Context, groupId int64) (models.GroupServerKey, error) {
	dsk, err := getItem[dynamoServerKey](dynamoStore, ctx, groupPK(groupId), "SERVERKEY", true)
	if err != nil {
		return models.GroupServerKey{}, err
	}

	return models.GroupServerKey{
		GroupId:      groupId,
		EncryptedKey: dsk.EncryptedKey,
		KeyVersion:   dsk.KeyVersion,
	}, nil
}

func (dynamoStore *DynamoRelayStore) GetParticipantKey(ctx context.Context, groupId int64, userId int64) (models.ParticipantKey, error) {
	dm, err := getItem[dynamoMember](dynamoStore, ctx, groupPK(groupId), memberSK(userId), true)
	if err != nil {
		return models.ParticipantKey{}, err
	}

	return models.ParticipantKey{
		GroupId:      groupId,
		UserId:       userId,
		EncryptedKey: dm.EncryptedKey,
		KeyVersion:   dm.KeyVersion,
	}, nil
}

// CreateMessage reserves the client message id first; if the reservation
// already exists the stored message is returned with duplicate=true and
// nothing is written.
func (dynamoStore *DynamoRelayStore) CreateMessage(ctx context.Context, msg models.Message) (models.Message, bool, error) {
	// Check for an existing reservation before allocating a message id, so
	// retried sends do not burn sequence numbers.
	existingRef, err := getItem[dynamoMessageRef](dynamoStore, ctx, "CMID#"+msg.ClientMessageId, "REF", true)
	if err == nil {
		stored, err := dynamoStore.getMessage(ctx, existingRef.GroupId, existingRef.MessageId)
		if err != nil {
			return models.Message{}, false, err
		}
		return stored, true, nil
	}
	if !errors.Is(err, store.ErrItemNotFound) {
		return models.Message{}, false, err
	}

	messageId, err := nextSequence(dynamoStore, ctx, groupPK(msg.GroupId), "MSGSEQ")
	if err != nil {
		return models.Message{}, false, err
	}
	msg.Id = messageId
	msg.SentAt = time.Now().Unix()

	refAv, err := attributevalue.MarshalMap(messageRefToDynamo(msg.ClientMessageId, msg.GroupId, messageId))
	if err != nil {
		return models.Message{}, false, fmt.Errorf("marshal error: %w", err)
	}
	msgAv, err := attributevalue.MarshalMap(messageToDynamo(msg))
	if err != nil {
		return models.Message{}, false, fmt.Errorf("marshal error: %w", err)
	}

	// The reservation and the message row commit together; a crash between
	// two separate writes would leave a reservation pointing at a message
	// that never existed, poisoning the client message id forever.
	err = transactWrite(dynamoStore, ctx, []transactPut{
		{item: refAv, condition: "attribute_not_exists(PK)"},
		{item: msgAv},
	}, nil, nil)
	if err != nil {
		if errors.Is(err, store.ErrConditionFailed) {
			// Lost a race with a concurrent retry of the same client
			// message id; the winner's row is what the caller gets.
			ref, refErr := getItem[dynamoMessageRef](dynamoStore, ctx, "CMID#"+msg.ClientMessageId, "REF", true)
			if refErr != nil {
				return models.Message{}, false, refErr
			}
			stored, getErr := dynamoStore.getMessage(ctx, ref.GroupId, ref.MessageId)
			if getErr != nil {
				return models.Message{}, false, getErr
			}
			return stored, true, nil
		}
		return models.Message{}, false, err
	}

	return msg, false, nil
}

func (dynamoStore *DynamoRelayStore) GetGroupMessages(ctx context.Context, groupId int64, beforeMessageId int64, limit int32) ([]models.Message, error) {
	skBefore := ""
	if beforeMessageId > 0 {
		// BETWEEN bound is inclusive; step below the cursor.
		skBefore = messageSK(beforeMessageId - 1)
	}

	// Newest first, like the original history endpoint.
	dms, err := queryByPKPrefix[dynamoMessage](dynamoStore, ctx, messagesPK(groupId), "MSG#", skBefore, false, limit)
	if err != nil {
		return nil, err
	}

	messages := make([]models.Message, 0, len(dms))
	for _, dm := range dms {
		messages = append(messages, messageFromDynamo(dm))
	}
	return messages, nil
}

func (dynamoStore *DynamoRelayStore) getMessage(ctx context.Context, groupId int64, messageId int64) (models.Message, error) {
	dm, err := getItem[dynamoMessage](dynamoStore, ctx, messagesPK(groupId), messageSK(messageId), true)
	if err != nil {
		return models.Message{}, err
	}
	return messageFromDynamo(dm), nil
}
