package models

type User struct {
	Id        int64
	Username  string
	PublicKey string
	Created   int64
}

// PresenceUser is a single entry of the online-users list.
type PresenceUser struct {
	UserId   int64  `json:"userId"`
	Username string `json:"username"`
}

type Group struct {
	Id         int64  `json:"groupId"`
	Name       string `json:"name"`
	KeyVersion int    `json:"keyVersion"`
	Created    int64  `json:"created"`
}

// GroupServerKey is the server-custody record: the group key encrypted under
// the master key. Never handed to clients.
type GroupServerKey struct {
	GroupId      int64
	EncryptedKey string
	KeyVersion   int
}

// ParticipantKey is the group key encrypted under one member's public key.
type ParticipantKey struct {
	GroupId      int64  `json:"groupId"`
	UserId       int64  `json:"userId"`
	EncryptedKey string `json:"encryptedKey"`
	KeyVersion   int    `json:"keyVersion"`
}

type Participant struct {
	UserId    int64
	PublicKey string
}

// KeyPackage is the result of creating or rotating a group key: one custody
// ciphertext plus one ciphertext per member that had a usable public key.
type KeyPackage struct {
	GroupId         int64
	KeyVersion      int
	ServerKey       string
	ParticipantKeys []ParticipantKey
	SkippedUserIds  []int64
}

type Message struct {
	Id              int64  `json:"messageId"`
	GroupId         int64  `json:"groupId"`
	SenderId        int64  `json:"senderId"`
	SenderName      string `json:"senderName"`
	Content         []byte `json:"content"`
	ClientMessageId string `json:"clientMessageId"`
	SentAt          int64  `json:"sentAt"`
}
