package service

import (
	"context"
	"encoding/json"
	"errors"
	"log"

	"github.com/kaverin/echorelay/store"
)

// SignalingEnvelope is the only structure the relay inspects on a signaling
// payload. The encrypted SDP or ICE material inside is opaque.
type SignalingEnvelope struct {
	EncryptedData  string `json:"encryptedData"`
	EncryptionType string `json:"encryptionType"`
}

const encryptionTypeRSAPublic = "RSA_PUBLIC"

// ValidateSignalingPayload checks the envelope shape without touching the
// ciphertext: encryptedData non-empty and encryptionType RSA_PUBLIC.
func (s *Service) ValidateSignalingPayload(payload json.RawMessage) bool {
	var envelope SignalingEnvelope
	if err := json.Unmarshal(payload, &envelope); err != nil {
		return false
	}
	return envelope.EncryptedData != "" && envelope.EncryptionType == encryptionTypeRSAPublic
}

// GetSignalingPublicKey resolves a user's public key, cache first, directory
// second. The key is what callers encrypt their offers against.
func (s *Service) GetSignalingPublicKey(ctx context.Context, userId int64) (string, error) {
	cached, err := s.Cache.GetPublicKey(ctx, userId)
	if err == nil && cached != "" {
		return cached, nil
	}

	user, err := s.Store.GetUser(ctx, userId)
	if err != nil {
		if errors.Is(err, store.ErrItemNotFound) {
			return "", ErrUserNotFound
		}
		return "", err
	}
	if user.PublicKey == "" {
		return "", ErrNoPublicKey
	}

	if err := s.Cache.SetPublicKey(ctx, userId, user.PublicKey); err != nil {
		// Cache write failure is not worth failing the call over.
		log.Printf("Failed to cache public key for user %d: %v", userId, err)
	}

	return user.PublicKey, nil
}
