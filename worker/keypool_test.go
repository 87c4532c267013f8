package worker

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/kaverin/echorelay/crypto"
	"github.com/kaverin/echorelay/models"
)

func newTestPool(t *testing.T, size int) (*KeyEncryptPool, *crypto.Cipher) {
	masterKey := make([]byte, 32)
	_, err := rand.Read(masterKey)
	assert.NoError(t, err)

	cipher, err := crypto.NewCipher(masterKey)
	assert.NoError(t, err)
	return NewKeyEncryptPool(cipher, size), cipher
}

func genPublicKeyPEM(t *testing.T) string {
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	assert.NoError(t, err)

	der, err := x509.MarshalPKIXPublicKey(&priv.PublicKey)
	assert.NoError(t, err)
	return string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}))
}

func TestEncryptAll_OneResultPerParticipant(t *testing.T) {
	pool, cipher := newTestPool(t, 2)

	key, err := cipher.GenerateSymmetricKey()
	assert.NoError(t, err)

	participants := []models.Participant{
		{UserId: 1, PublicKey: genPublicKeyPEM(t)},
		{UserId: 2, PublicKey: genPublicKeyPEM(t)},
		{UserId: 3, PublicKey: genPublicKeyPEM(t)},
	}

	results := pool.EncryptAll(context.Background(), key, participants)
	assert.Len(t, results, 3)

	seen := map[int64]bool{}
	for _, res := range results {
		assert.NoError(t, res.Err)
		assert.NotEmpty(t, res.Ciphertext)
		seen[res.UserId] = true
	}
	assert.Len(t, seen, 3)
}

func TestEncryptAll_BadKeyFailsOnlyThatParticipant(t *testing.T) {
	pool, cipher := newTestPool(t, 2)

	key, err := cipher.GenerateSymmetricKey()
	assert.NoError(t, err)

	participants := []models.Participant{
		{UserId: 1, PublicKey: genPublicKeyPEM(t)},
		{UserId: 2, PublicKey: "garbage"},
	}

	results := pool.EncryptAll(context.Background(), key, participants)
	assert.Len(t, results, 2)

	for _, res := range results {
		switch res.UserId {
		case 1:
			assert.NoError(t, res.Err)
		case 2:
			assert.Error(t, res.Err)
			assert.Empty(t, res.Ciphertext)
		}
	}
}

func TestEncryptAll_CanceledContext(t *testing.T) {
	pool, cipher := newTestPool(t, 1)

	key, err := cipher.GenerateSymmetricKey()
	assert.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	results := pool.EncryptAll(ctx, key, []models.Participant{
		{UserId: 1, PublicKey: genPublicKeyPEM(t)},
	})
	assert.Len(t, results, 1)
	assert.ErrorIs(t, results[0].Err, context.Canceled)
}
