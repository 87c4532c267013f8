package service

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/kaverin/echorelay/models"
	"github.com/kaverin/echorelay/worker"
)

// InitiateGroupCreation starts the client-side key path: the creator asks
// for the participants' public keys so it can encrypt the group key locally.
// The creator is always part of the set. Users without a directory entry are
// simply absent from the returned map.
func (s *Service) InitiateGroupCreation(ctx context.Context, creatorId int64, participantIds []int64) (map[int64]string, error) {
	ids := ensureIncluded(participantIds, creatorId)

	publicKeys, err := s.Store.GetPublicKeys(ctx, ids)
	if err != nil {
		return nil, err
	}
	return publicKeys, nil
}

// DistributeEncryptedKeys completes the client-side key path: the creator
// hands over one ciphertext per member and the group is created at version 1
// around them. No custody record is written - the server never saw this key.
func (s *Service) DistributeEncryptedKeys(ctx context.Context, creator models.User, name string, encryptedKeys map[int64]string) (models.Group, []int64, error) {
	if len(encryptedKeys) == 0 {
		return models.Group{}, nil, fmt.Errorf("%w: no encrypted keys provided", ErrValidation)
	}
	if _, ok := encryptedKeys[creator.Id]; !ok {
		return models.Group{}, nil, fmt.Errorf("%w: creator has no key in the set", ErrValidation)
	}

	memberIds := make([]int64, 0, len(encryptedKeys))
	for userId, ciphertext := range encryptedKeys {
		if ciphertext == "" {
			return models.Group{}, nil, fmt.Errorf("%w: empty ciphertext for user %d", ErrValidation, userId)
		}
		memberIds = append(memberIds, userId)
	}

	group, err := s.Store.CreateGroup(ctx, models.Group{Name: name, KeyVersion: 1}, memberIds)
	if err != nil {
		return models.Group{}, nil, err
	}

	for userId, ciphertext := range encryptedKeys {
		key := models.ParticipantKey{
			GroupId:      group.Id,
			UserId:       userId,
			EncryptedKey: ciphertext,
			KeyVersion:   1,
		}
		if err := s.Store.StoreParticipantKey(ctx, key); err != nil {
			return models.Group{}, nil, err
		}
	}

	s.publishParticipantKeys(group.Id, 1, creator.Id, participantKeysFromMap(group.Id, 1, encryptedKeys))

	return group, memberIds, nil
}

// CreateGroupWithServerKeys is the server-side key path: the relay generates
// the group key, seals it for custody, and fans it out to every member with
// a usable public key.
func (s *Service) CreateGroupWithServerKeys(ctx context.Context, creatorId int64, name string, participantIds []int64) (models.Group, models.KeyPackage, error) {
	ids := ensureIncluded(participantIds, creatorId)

	group, err := s.Store.CreateGroup(ctx, models.Group{Name: name, KeyVersion: 1}, ids)
	if err != nil {
		return models.Group{}, models.KeyPackage{}, err
	}

	publicKeys, err := s.Store.GetPublicKeys(ctx, ids)
	if err != nil {
		return models.Group{}, models.KeyPackage{}, err
	}

	participants := make([]models.Participant, 0, len(ids))
	for _, id := range ids {
		participants = append(participants, models.Participant{UserId: id, PublicKey: publicKeys[id]})
	}

	pkg, err := s.CreateGroupKeyPackage(ctx, group.Id, participants)
	if err != nil {
		return models.Group{}, models.KeyPackage{}, err
	}
	if !s.ValidateKeyPackage(pkg) {
		return models.Group{}, models.KeyPackage{}, fmt.Errorf("%w: key package is incomplete", ErrValidation)
	}

	if err := s.Store.CommitKeyPackage(ctx, pkg, nil); err != nil {
		return models.Group{}, models.KeyPackage{}, err
	}

	s.publishParticipantKeys(pkg.GroupId, pkg.KeyVersion, 0, pkg.ParticipantKeys)

	return group, pkg, nil
}

// AddParticipants grants the current group key to new members. Members
// without a public key are skipped and reported, matching the key package
// behavior.
func (s *Service) AddParticipants(ctx context.Context, requesterId int64, groupId int64, userIds []int64) ([]models.ParticipantKey, []int64, error) {
	if err := s.requireMember(ctx, groupId, requesterId); err != nil {
		return nil, nil, err
	}

	publicKeys, err := s.Store.GetPublicKeys(ctx, userIds)
	if err != nil {
		return nil, nil, err
	}

	var granted []models.ParticipantKey
	var skipped []int64
	for _, userId := range userIds {
		publicKey, ok := publicKeys[userId]
		if !ok || publicKey == "" {
			skipped = append(skipped, userId)
			continue
		}

		key, err := s.AddParticipant(ctx, groupId, models.Participant{UserId: userId, PublicKey: publicKey})
		if err != nil {
			return nil, nil, err
		}
		granted = append(granted, key)
	}

	if len(granted) > 0 {
		s.publishParticipantKeys(groupId, granted[0].KeyVersion, 0, granted)
	}

	return granted, skipped, nil
}

// RemoveParticipant drops a member and schedules a key rotation for the
// rest. The removal is not effective until the rotation commits; the queue
// re-delivers the job if the consumer dies mid-way.
func (s *Service) RemoveParticipant(ctx context.Context, requesterId int64, groupId int64, userId int64) error {
	if err := s.requireMember(ctx, groupId, requesterId); err != nil {
		return err
	}
	if err := s.requireMember(ctx, groupId, userId); err != nil {
		return err
	}

	job := worker.RotateGroupKeyMessage{GroupId: groupId, RemovedUserIds: []int64{userId}}
	jobBytes, err := json.Marshal(job)
	if err != nil {
		return err
	}
	return s.MQ.Send(ctx, string(jobBytes))
}

func (s *Service) ListGroups(ctx context.Context, userId int64) ([]models.Group, error) {
	return s.Store.GetGroupsForUser(ctx, userId)
}

func (s *Service) requireMember(ctx context.Context, groupId int64, userId int64) error {
	isMember, err := s.Store.IsGroupMember(ctx, groupId, userId)
	if err != nil {
		return err
	}
	if !isMember {
		return ErrNotAMember
	}
	return nil
}

func ensureIncluded(ids []int64, id int64) []int64 {
	for _, existing := range ids {
		if existing == id {
			return ids
		}
	}
	return append(ids, id)
}

func participantKeysFromMap(groupId int64, keyVersion int, encryptedKeys map[int64]string) []models.ParticipantKey {
	keys := make([]models.ParticipantKey, 0, len(encryptedKeys))
	for userId, ciphertext := range encryptedKeys {
		keys = append(keys, models.ParticipantKey{
			GroupId:      groupId,
			UserId:       userId,
			EncryptedKey: ciphertext,
			KeyVersion:   keyVersion,
		})
	}
	return keys
}
