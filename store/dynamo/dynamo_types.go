package dynamo

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/kaverin/echorelay/models"
)

type dynamoUser struct {
	PK        string `dynamodbav:"PK"`
	SK        string `dynamodbav:"SK"`
	Id        int64  `dynamodbav:"Id"`
	Username  string `dynamodbav:"Username"`
	PublicKey string `dynamodbav:"PublicKey"`
	Created   int64  `dynamodbav:"Created"`
}

// Map domain User -> Dynamo
func userToDynamo(u models.User) dynamoUser {
	return dynamoUser{
		PK:        userPK(u.Id),
		SK:        "PROFILE",
		Id:        u.Id,
		Username:  u.Username,
		PublicKey: u.PublicKey,
		Created:   u.Created,
	}
}

// Map Dynamo -> domain User
func userFromDynamo(du dynamoUser) models.User {
	return models.User{
		Id:        du.Id,
		Username:  du.Username,
		PublicKey: du.PublicKey,
		Created:   du.Created,
	}
}

type dynamoGroup struct {
	PK         string `dynamodbav:"PK"`
	SK         string `dynamodbav:"SK"`
	Id         int64  `dynamodbav:"Id"`
	Name       string `dynamodbav:"Name"`
	KeyVersion int    `dynamodbav:"KeyVersion"`
	Created    int64  `dynamodbav:"Created"`
}

func groupToDynamo(g models.Group) dynamoGroup {
	return dynamoGroup{
		PK:         groupPK(g.Id),
		SK:         "META",
		Id:         g.Id,
		Name:       g.Name,
		KeyVersion: g.KeyVersion,
		Created:    g.Created,
	}
}

func groupFromDynamo(dg dynamoGroup) models.Group {
	return models.Group{
		Id:         dg.Id,
		Name:       dg.Name,
		KeyVersion: dg.KeyVersion,
		Created:    dg.Created,
	}
}

type dynamoServerKey struct {
	PK           string `dynamodbav:"PK"`
	SK           string `dynamodbav:"SK"`
	EncryptedKey string `dynamodbav:"EncryptedKey"`
	KeyVersion   int    `dynamodbav:"KeyVersion"`
}

func serverKeyToDynamo(groupId int64, encryptedKey string, keyVersion int) dynamoServerKey {
	return dynamoServerKey{
		PK:           groupPK(groupId),
		SK:           "SERVERKEY",
		EncryptedKey: encryptedKey,
		KeyVersion:   keyVersion,
	}
}

// dynamoMember is one group membership row. UserRef backs GSI_UserGroups so
// a user's groups can be found without scanning.
type dynamoMember struct {
	PK           string `dynamodbav:"PK"`
	SK           string `dynamodbav:"SK"`
	UserRef      string `dynamodbav:"UserRef"`
	EncryptedKey string `dynamodbav:"EncryptedKey"`
	KeyVersion   int    `dynamodbav:"KeyVersion"`
}

func memberToDynamo(groupId int64, userId int64, encryptedKey string, keyVersion int) dynamoMember {
	return dynamoMember{
		PK:           groupPK(groupId),
		SK:           memberSK(userId),
		UserRef:      userPK(userId),
		EncryptedKey: encryptedKey,
		KeyVersion:   keyVersion,
	}
}

type dynamoMessage struct {
	PK              string `dynamodbav:"PK"`
	SK              string `dynamodbav:"SK"`
	Id              int64  `dynamodbav:"Id"`
	SenderId        int64  `dynamodbav:"SenderId"`
	SenderName      string `dynamodbav:"SenderName"`
	Content         []byte `dynamodbav:"Content"`
	ClientMessageId string `dynamodbav:"ClientMessageId"`
	SentAt          int64  `dynamodbav:"SentAt"`
}

func messageToDynamo(m models.Message) dynamoMessage {
	return dynamoMessage{
		PK:              messagesPK(m.GroupId),
		SK:              messageSK(m.Id),
		Id:              m.Id,
		SenderId:        m.SenderId,
		SenderName:      m.SenderName,
		Content:         m.Content,
		ClientMessageId: m.ClientMessageId,
		SentAt:          m.SentAt,
	}
}

func messageFromDynamo(dm dynamoMessage) models.Message {
	return models.Message{
		Id:              dm.Id,
		GroupId:         groupIdFromMessagesPK(dm.PK),
		SenderId:        dm.SenderId,
		SenderName:      dm.SenderName,
		Content:         dm.Content,
		ClientMessageId: dm.ClientMessageId,
		SentAt:          dm.SentAt,
	}
}

// dynamoMessageRef is the idempotency reservation: one row per client message
// id, pointing at the stored message.
type dynamoMessageRef struct {
	PK        string `dynamodbav:"PK"`
	SK        string `dynamodbav:"SK"`
	GroupId   int64  `dynamodbav:"GroupId"`
	MessageId int64  `dynamodbav:"MessageId"`
}

func messageRefToDynamo(clientMessageId string, groupId int64, messageId int64) dynamoMessageRef {
	return dynamoMessageRef{
		PK:        "CMID#" + clientMessageId,
		SK:        "REF",
		GroupId:   groupId,
		MessageId: messageId,
	}
}

func userPK(userId int64) string {
	return "USER#" + strconv.FormatInt(userId, 10)
}

func groupPK(groupId int64) string {
	return "GROUP#" + strconv.FormatInt(groupId, 10)
}

func memberSK(userId int64) string {
	return "MEMBER#" + strconv.FormatInt(userId, 10)
}

func messagesPK(groupId int64) string {
	return "MSGS#" + strconv.FormatInt(groupId, 10)
}

// messageSK zero-pads the id so lexicographic SK order matches numeric order.
func messageSK(messageId int64) string {
	return fmt.Sprintf("MSG#%020d", messageId)
}

func userIdFromMemberSK(sk string) int64 {
	id, _ := strconv.ParseInt(strings.TrimPrefix(sk, "MEMBER#"), 10, 64)
	return id
}

func groupIdFromMessagesPK(pk string) int64 {
	id, _ := strconv.ParseInt(strings.TrimPrefix(pk, "MSGS#"), 10, 64)
	return id
}
