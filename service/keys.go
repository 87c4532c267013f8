package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log"

	"github.com/kaverin/echorelay/models"
)

// GroupKeysRotatedMessage is published on the rotated-keys channel after a
// key package commits. The hub delivers each member's ciphertext to their
// live connection. FromUserId is set only on the client-distribution path,
// where members care which peer encrypted the key for them.
type GroupKeysRotatedMessage struct {
	GroupId    int64            `json:"groupId"`
	KeyVersion int              `json:"keyVersion"`
	FromUserId int64            `json:"fromUserId,omitempty"`
	Keys       map[int64]string `json:"keys"`
}

const GroupKeysRotatedChannel = "group-keys-rotated"

// CreateGroupKeyPackage builds a version-1 key package for a new group: one
// fresh symmetric key, sealed once under the master key for custody and once
// per participant under their RSA key. Participants whose public key is
// missing or unusable are skipped and reported; a custody failure aborts the
// whole package.
func (s *Service) CreateGroupKeyPackage(ctx context.Context, groupId int64, participants []models.Participant) (models.KeyPackage, error) {
	return s.buildKeyPackage(ctx, groupId, 1, participants)
}

func (s *Service) buildKeyPackage(ctx context.Context, groupId int64, keyVersion int, participants []models.Participant) (models.KeyPackage, error) {
	symmetricKey, err := s.Cipher.GenerateSymmetricKey()
	if err != nil {
		return models.KeyPackage{}, fmt.Errorf("key generation failed: %w", err)
	}

	serverKey, err := s.Cipher.EncryptKeyForServerCustody(symmetricKey)
	if err != nil {
		return models.KeyPackage{}, fmt.Errorf("custody encryption failed: %w", err)
	}

	pkg := models.KeyPackage{
		GroupId:    groupId,
		KeyVersion: keyVersion,
		ServerKey:  serverKey,
	}

	var withKeys []models.Participant
	for _, p := range participants {
		if p.PublicKey == "" {
			pkg.SkippedUserIds = append(pkg.SkippedUserIds, p.UserId)
			continue
		}
		withKeys = append(withKeys, p)
	}

	for _, res := range s.KeyPool.EncryptAll(ctx, symmetricKey, withKeys) {
		if res.Err != nil {
			log.Printf("Skipping participant %d in group %d key package: %v", res.UserId, groupId, res.Err)
			pkg.SkippedUserIds = append(pkg.SkippedUserIds, res.UserId)
			continue
		}
		pkg.ParticipantKeys = append(pkg.ParticipantKeys, models.ParticipantKey{
			GroupId:      groupId,
			UserId:       res.UserId,
			EncryptedKey: res.Ciphertext,
			KeyVersion:   keyVersion,
		})
	}

	return pkg, nil
}

// RotateGroupKey issues a brand-new key at version+1 for the members that
// remain after removedUserIds are excluded, commits the package atomically,
// and publishes the rotated ciphertexts for live delivery.
func (s *Service) RotateGroupKey(ctx context.Context, groupId int64, removedUserIds []int64) (models.KeyPackage, error) {
	group, err := s.Store.GetGroup(ctx, groupId)
	if err != nil {
		return models.KeyPackage{}, err
	}

	memberIds, err := s.Store.GetGroupMemberIds(ctx, groupId)
	if err != nil {
		return models.KeyPackage{}, err
	}

	removed := make(map[int64]bool, len(removedUserIds))
	for _, id := range removedUserIds {
		removed[id] = true
	}

	remaining := make([]int64, 0, len(memberIds))
	for _, id := range memberIds {
		if !removed[id] {
			remaining = append(remaining, id)
		}
	}

	publicKeys, err := s.Store.GetPublicKeys(ctx, remaining)
	if err != nil {
		return models.KeyPackage{}, err
	}

	participants := make([]models.Participant, 0, len(remaining))
	for _, id := range remaining {
		participants = append(participants, models.Participant{UserId: id, PublicKey: publicKeys[id]})
	}

	pkg, err := s.buildKeyPackage(ctx, groupId, group.KeyVersion+1, participants)
	if err != nil {
		return models.KeyPackage{}, err
	}
	if !s.ValidateKeyPackage(pkg) {
		return models.KeyPackage{}, fmt.Errorf("%w: rotated key package is incomplete", ErrValidation)
	}

	if err := s.Store.CommitKeyPackage(ctx, pkg, removedUserIds); err != nil {
		return models.KeyPackage{}, err
	}

	s.publishParticipantKeys(pkg.GroupId, pkg.KeyVersion, 0, pkg.ParticipantKeys)

	return pkg, nil
}

// AddParticipant grants the current group key to a new member without
// rotating: the custody record is opened and re-encrypted under the new
// member's public key at the current version.
func (s *Service) AddParticipant(ctx context.Context, groupId int64, participant models.Participant) (models.ParticipantKey, error) {
	serverKey, err := s.Store.GetServerKey(ctx, groupId)
	if err != nil {
		return models.ParticipantKey{}, fmt.Errorf("no custody record for group %d: %w", groupId, err)
	}

	symmetricKey, err := s.Cipher.DecryptKeyFromServerCustody(serverKey.EncryptedKey)
	if err != nil {
		return models.ParticipantKey{}, err
	}

	ciphertext, err := s.Cipher.EncryptKeyForRecipient(symmetricKey, participant.PublicKey)
	if err != nil {
		return models.ParticipantKey{}, err
	}

	key := models.ParticipantKey{
		GroupId:      groupId,
		UserId:       participant.UserId,
		EncryptedKey: ciphertext,
		KeyVersion:   serverKey.KeyVersion,
	}

	if err := s.Store.StoreParticipantKey(ctx, key); err != nil {
		return models.ParticipantKey{}, err
	}

	return key, nil
}

// GetGroupKey returns the caller's ciphertext of the current group key. A
// member that was offline during a rotation calls this on reconnect.
func (s *Service) GetGroupKey(ctx context.Context, userId int64, groupId int64) (models.ParticipantKey, error) {
	if err := s.requireMember(ctx, groupId, userId); err != nil {
		return models.ParticipantKey{}, err
	}
	return s.Store.GetParticipantKey(ctx, groupId, userId)
}

// ValidateKeyPackage checks a package is committable: custody ciphertext
// present, a positive version, and at least one participant ciphertext with
// none of them empty.
func (s *Service) ValidateKeyPackage(pkg models.KeyPackage) bool {
	if pkg.ServerKey == "" || pkg.KeyVersion < 1 {
		return false
	}
	if len(pkg.ParticipantKeys) == 0 {
		return false
	}
	for _, pk := range pkg.ParticipantKeys {
		if pk.EncryptedKey == "" {
			return false
		}
	}
	return true
}

func (s *Service) publishParticipantKeys(groupId int64, keyVersion int, fromUserId int64, participantKeys []models.ParticipantKey) {
	keys := make(map[int64]string, len(participantKeys))
	for _, pk := range participantKeys {
		keys[pk.UserId] = pk.EncryptedKey
	}

	msg := GroupKeysRotatedMessage{
		GroupId:    groupId,
		KeyVersion: keyVersion,
		FromUserId: fromUserId,
		Keys:       keys,
	}

	// Async side-effect - the commit already happened, delivery must not
	// block the caller.
	go func() {
		if msgBytes, err := json.Marshal(msg); err == nil {
			if err := s.Cache.Publish(context.Background(), GroupKeysRotatedChannel, msgBytes); err != nil {
				log.Printf("Failed to publish keys for group %d: %v", groupId, err)
			}
		}
	}()
}
