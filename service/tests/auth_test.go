package service_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"

	"github.com/kaverin/echorelay/models"
	"github.com/kaverin/echorelay/service"
	"github.com/kaverin/echorelay/store"
)

func TestJWT_Roundtrip(t *testing.T) {
	svc, _, _, _, _ := setupService(t)

	token, err := svc.CreateJWT(42, "alice")
	assert.NoError(t, err)
	assert.NotEmpty(t, token)

	userId, username, expiry, err := svc.VerifyJWT(token)
	assert.NoError(t, err)

	assert.Equal(t, int64(42), userId)
	assert.Equal(t, "alice", username)
	assert.True(t, expiry.After(time.Now().Add(23*time.Hour)))
}

func TestVerifyJWT_WrongSecret(t *testing.T) {
	svc, _, _, _, _ := setupService(t)
	other, _, _, _, _ := setupService(t)
	other.JWTSecret = []byte("a different secret")

	token, err := other.CreateJWT(42, "alice")
	assert.NoError(t, err)

	_, _, _, err = svc.VerifyJWT(token)
	assert.Error(t, err)
}

func TestVerifyJWT_Garbage(t *testing.T) {
	svc, _, _, _, _ := setupService(t)

	_, _, _, err := svc.VerifyJWT("not.a.token")
	assert.Error(t, err)
}

func TestAuthenticateToken_Success(t *testing.T) {
	svc, mockStore, _, _, _ := setupService(t)
	ctx := context.Background()

	token, err := svc.CreateJWT(42, "alice")
	assert.NoError(t, err)

	mockStore.On("GetUser", ctx, int64(42)).Return(models.User{Id: 42, Username: "alice"}, nil)

	user, err := svc.AuthenticateToken(ctx, token)
	assert.NoError(t, err)
	assert.Equal(t, int64(42), user.Id)
	assert.Equal(t, "alice", user.Username)
}

func TestAuthenticateToken_UnknownUser(t *testing.T) {
	svc, mockStore, _, _, _ := setupService(t)
	ctx := context.Background()

	token, err := svc.CreateJWT(42, "alice")
	assert.NoError(t, err)

	mockStore.On("GetUser", ctx, int64(42)).Return(models.User{}, store.ErrItemNotFound)

	_, err = svc.AuthenticateToken(ctx, token)
	assert.ErrorIs(t, err, service.ErrUserNotFound)
}

func TestAuthenticateToken_Empty(t *testing.T) {
	svc, mockStore, _, _, _ := setupService(t)

	_, err := svc.AuthenticateToken(context.Background(), "")
	assert.Error(t, err)
	mockStore.AssertNotCalled(t, "GetUser", mock.Anything, mock.Anything)
}

func TestRegisterUser_Success(t *testing.T) {
	svc, mockStore, _, _, _ := setupService(t)
	ctx := context.Background()

	_, alicePub := genRSAKey(t)

	mockStore.On("CreateUser", ctx, mock.MatchedBy(func(user models.User) bool {
		return user.Username == "alice" && user.PublicKey == alicePub
	})).Return(models.User{Id: 42, Username: "alice", PublicKey: alicePub}, nil)

	user, token, err := svc.RegisterUser(ctx, "  alice  ", alicePub)
	assert.NoError(t, err)

	assert.Equal(t, int64(42), user.Id)

	userId, username, _, err := svc.VerifyJWT(token)
	assert.NoError(t, err)
	assert.Equal(t, int64(42), userId)
	assert.Equal(t, "alice", username)
}

func TestRegisterUser_Validation(t *testing.T) {
	svc, mockStore, _, _, _ := setupService(t)
	ctx := context.Background()

	_, alicePub := genRSAKey(t)

	_, _, err := svc.RegisterUser(ctx, "   ", alicePub)
	assert.ErrorIs(t, err, service.ErrValidation)

	_, _, err = svc.RegisterUser(ctx, "alice", "not a key")
	assert.ErrorIs(t, err, service.ErrValidation)

	mockStore.AssertNotCalled(t, "CreateUser", mock.Anything, mock.Anything)
}
