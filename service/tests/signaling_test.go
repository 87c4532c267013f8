package service_test

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"

	"github.com/kaverin/echorelay/models"
	"github.com/kaverin/echorelay/service"
	"github.com/kaverin/echorelay/store"
)

func TestValidateSignalingPayload(t *testing.T) {
	svc, _, _, _, _ := setupService(t)

	valid := json.RawMessage(`{"encryptedData":"b64blob","encryptionType":"RSA_PUBLIC"}`)
	assert.True(t, svc.ValidateSignalingPayload(valid))

	// Extra fields are fine; the relay only checks the envelope.
	extra := json.RawMessage(`{"encryptedData":"b64blob","encryptionType":"RSA_PUBLIC","sessionHint":"x"}`)
	assert.True(t, svc.ValidateSignalingPayload(extra))

	assert.False(t, svc.ValidateSignalingPayload(json.RawMessage(`{"encryptionType":"RSA_PUBLIC"}`)))
	assert.False(t, svc.ValidateSignalingPayload(json.RawMessage(`{"encryptedData":"","encryptionType":"RSA_PUBLIC"}`)))
	assert.False(t, svc.ValidateSignalingPayload(json.RawMessage(`{"encryptedData":"b64blob","encryptionType":"PLAINTEXT"}`)))
	assert.False(t, svc.ValidateSignalingPayload(json.RawMessage(`not json`)))
}

func TestGetSignalingPublicKey_CacheHit(t *testing.T) {
	svc, mockStore, mockCache, _, _ := setupService(t)
	ctx := context.Background()

	mockCache.On("GetPublicKey", ctx, int64(2)).Return("cached-pem", nil)

	publicKey, err := svc.GetSignalingPublicKey(ctx, 2)
	assert.NoError(t, err)
	assert.Equal(t, "cached-pem", publicKey)
	mockStore.AssertNotCalled(t, "GetUser", mock.Anything, mock.Anything)
}

func TestGetSignalingPublicKey_CacheMissFallsThrough(t *testing.T) {
	svc, mockStore, mockCache, _, _ := setupService(t)
	ctx := context.Background()

	mockCache.On("GetPublicKey", ctx, int64(2)).Return("", nil)
	mockStore.On("GetUser", ctx, int64(2)).Return(models.User{Id: 2, Username: "bob", PublicKey: "bob-pem"}, nil)
	mockCache.On("SetPublicKey", ctx, int64(2), "bob-pem").Return(nil)

	publicKey, err := svc.GetSignalingPublicKey(ctx, 2)
	assert.NoError(t, err)
	assert.Equal(t, "bob-pem", publicKey)
	mockCache.AssertCalled(t, "SetPublicKey", ctx, int64(2), "bob-pem")
}

func TestGetSignalingPublicKey_UserNotFound(t *testing.T) {
	svc, mockStore, mockCache, _, _ := setupService(t)
	ctx := context.Background()

	mockCache.On("GetPublicKey", ctx, int64(99)).Return("", nil)
	mockStore.On("GetUser", ctx, int64(99)).Return(models.User{}, store.ErrItemNotFound)

	_, err := svc.GetSignalingPublicKey(ctx, 99)
	assert.ErrorIs(t, err, service.ErrUserNotFound)
}

func TestGetSignalingPublicKey_NoPublicKey(t *testing.T) {
	svc, mockStore, mockCache, _, _ := setupService(t)
	ctx := context.Background()

	mockCache.On("GetPublicKey", ctx, int64(2)).Return("", nil)
	mockStore.On("GetUser", ctx, int64(2)).Return(models.User{Id: 2, Username: "bob"}, nil)

	_, err := svc.GetSignalingPublicKey(ctx, 2)
	assert.ErrorIs(t, err, service.ErrNoPublicKey)
}
