package service_test

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"

	cachemocks "github.com/kaverin/echorelay/cache/mocks"
	"github.com/kaverin/echorelay/crypto"
	mqmocks "github.com/kaverin/echorelay/mq/mocks"
	"github.com/kaverin/echorelay/presence"
	"github.com/kaverin/echorelay/service"
	storemocks "github.com/kaverin/echorelay/store/mocks"
	"github.com/kaverin/echorelay/worker"
)

// Helper to setup the service with mocks
func setupService(t *testing.T) (*service.Service, *storemocks.MockStore, *cachemocks.MockCache, *mqmocks.MockMQ, *crypto.Cipher) {
	mockStore := new(storemocks.MockStore)
	mockCache := new(cachemocks.MockCache)
	mockMQ := new(mqmocks.MockMQ)

	masterKey := make([]byte, 32)
	_, err := rand.Read(masterKey)
	assert.NoError(t, err)
	cipher, err := crypto.NewCipher(masterKey)
	assert.NoError(t, err)

	registry := presence.NewRegistry(presence.PolicyReject, time.Second, 15*time.Second)
	keyPool := worker.NewKeyEncryptPool(cipher, 2)

	svc, err := service.NewService(
		mockStore,
		mockCache,
		mockMQ,
		registry,
		cipher,
		keyPool,
		[]byte("secret"),
	)
	assert.NoError(t, err)

	return svc, mockStore, mockCache, mockMQ, cipher
}

// Helper that creates a channel and wraps a mock call to signal when it's called
func wrapMockWithSignal(call *mock.Call) chan struct{} {
	done := make(chan struct{})
	call.Run(func(args mock.Arguments) {
		close(done)
	})
	return done
}

// Helper to generate an RSA key pair, returning the private key and the
// public key in PEM form.
func genRSAKey(t *testing.T) (*rsa.PrivateKey, string) {
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	assert.NoError(t, err)

	der, err := x509.MarshalPKIXPublicKey(&priv.PublicKey)
	assert.NoError(t, err)

	pemBytes := pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der})
	return priv, string(pemBytes)
}

// Helper to open an RSA participant ciphertext with the matching private key.
func decryptParticipantKey(t *testing.T, priv *rsa.PrivateKey, ciphertext string) string {
	ctBytes, err := base64.StdEncoding.DecodeString(ciphertext)
	assert.NoError(t, err)

	keyBytes, err := rsa.DecryptOAEP(sha256.New(), rand.Reader, priv, ctBytes, nil)
	assert.NoError(t, err)
	return base64.StdEncoding.EncodeToString(keyBytes)
}
