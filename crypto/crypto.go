package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"strings"
)

const (
	// Group keys are AES-256 key material, moved around base64-encoded.
	keySize = 32

	gcmNonceSize = 12
)

var (
	ErrInvalidPublicKey  = errors.New("invalid public key")
	ErrEncryptionFailure = errors.New("encryption failed")
	ErrDecryptionFailure = errors.New("decryption failed")
)

// Cipher wraps the two encryption paths the relay needs: RSA-OAEP of short
// symmetric keys for member distribution, and AES-GCM under the master key
// for server custody. Message content is never touched here - clients
// encrypt and decrypt messages entirely on their side.
type Cipher struct {
	masterKey []byte
}

func NewCipher(masterKey []byte) (*Cipher, error) {
	if len(masterKey) != keySize {
		return nil, fmt.Errorf("master key must be %d bytes, got %d", keySize, len(masterKey))
	}
	return &Cipher{masterKey: masterKey}, nil
}

// GenerateSymmetricKey returns a fresh random 256-bit key, base64 encoded.
func (c *Cipher) GenerateSymmetricKey() (string, error) {
	key := make([]byte, keySize)
	if _, err := rand.Read(key); err != nil {
		return "", fmt.Errorf("%w: %v", ErrEncryptionFailure, err)
	}
	return base64.StdEncoding.EncodeToString(key), nil
}

// EncryptKeyForRecipient encrypts a base64 symmetric key under the
// recipient's RSA public key with OAEP/SHA-256. Accepts the key either as a
// full PEM block or as a bare base64 body without armor.
func (c *Cipher) EncryptKeyForRecipient(symmetricKey string, publicKeyPEM string) (string, error) {
	keyBytes, err := base64.StdEncoding.DecodeString(symmetricKey)
	if err != nil {
		return "", fmt.Errorf("%w: key is not base64", ErrEncryptionFailure)
	}

	pub, err := parsePublicKey(publicKeyPEM)
	if err != nil {
		return "", err
	}

	encrypted, err := rsa.EncryptOAEP(sha256.New(), rand.Reader, pub, keyBytes, nil)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrEncryptionFailure, err)
	}
	return base64.StdEncoding.EncodeToString(encrypted), nil
}

// EncryptKeyForServerCustody seals a base64 symmetric key under the master
// key with AES-256-GCM. A fresh random nonce is generated on every call and
// prefixed to the ciphertext; identical plaintexts never produce identical
// custody blobs.
func (c *Cipher) EncryptKeyForServerCustody(symmetricKey string) (string, error) {
	keyBytes, err := base64.StdEncoding.DecodeString(symmetricKey)
	if err != nil {
		return "", fmt.Errorf("%w: key is not base64", ErrEncryptionFailure)
	}

	aead, err := c.newGCM()
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrEncryptionFailure, err)
	}

	nonce := make([]byte, gcmNonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("%w: %v", ErrEncryptionFailure, err)
	}

	sealed := aead.Seal(nonce, nonce, keyBytes, nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// DecryptKeyFromServerCustody opens a custody blob produced by
// EncryptKeyForServerCustody and returns the base64 symmetric key.
func (c *Cipher) DecryptKeyFromServerCustody(blob string) (string, error) {
	sealed, err := base64.StdEncoding.DecodeString(blob)
	if err != nil {
		return "", fmt.Errorf("%w: blob is not base64", ErrDecryptionFailure)
	}
	if len(sealed) < gcmNonceSize {
		return "", fmt.Errorf("%w: blob too short", ErrDecryptionFailure)
	}

	aead, err := c.newGCM()
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrDecryptionFailure, err)
	}

	nonce, ciphertext := sealed[:gcmNonceSize], sealed[gcmNonceSize:]
	keyBytes, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrDecryptionFailure, err)
	}
	return base64.StdEncoding.EncodeToString(keyBytes), nil
}

// ValidateKeyEncoding reports whether key is base64 for exactly 256 bits.
func (c *Cipher) ValidateKeyEncoding(key string) bool {
	decoded, err := base64.StdEncoding.DecodeString(key)
	if err != nil {
		return false
	}
	return len(decoded) == keySize
}

// ValidatePublicKey reports whether the given material parses as an RSA
// public key, with or without PEM armor.
func ValidatePublicKey(publicKeyPEM string) error {
	_, err := parsePublicKey(publicKeyPEM)
	return err
}

func (c *Cipher) newGCM() (cipher.AEAD, error) {
	block, err := aes.NewCipher(c.masterKey)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

func parsePublicKey(publicKeyPEM string) (*rsa.PublicKey, error) {
	armored := publicKeyPEM
	if !strings.Contains(armored, "-----BEGIN") {
		armored = "-----BEGIN PUBLIC KEY-----\n" + strings.TrimSpace(armored) + "\n-----END PUBLIC KEY-----"
	}

	block, _ := pem.Decode([]byte(armored))
	if block == nil {
		return nil, ErrInvalidPublicKey
	}

	parsed, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPublicKey, err)
	}

	pub, ok := parsed.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("%w: not an RSA key", ErrInvalidPublicKey)
	}
	return pub, nil
}
