package service

import (
	"errors"

	"github.com/kaverin/echorelay/cache"
	"github.com/kaverin/echorelay/crypto"
	"github.com/kaverin/echorelay/mq"
	"github.com/kaverin/echorelay/presence"
	"github.com/kaverin/echorelay/store"
	"github.com/kaverin/echorelay/worker"
)

var (
	ErrNotAMember   = errors.New("user is not a member of the group")
	ErrUserNotFound = errors.New("user not found")
	ErrNoPublicKey  = errors.New("user has no public key")
	ErrValidation   = errors.New("validation failed")
)

type Service struct {
	Store     store.RelayStore
	Cache     cache.RelayCache
	MQ        mq.MessageQueue
	Registry  *presence.Registry
	Cipher    *crypto.Cipher
	KeyPool   *worker.KeyEncryptPool
	JWTSecret []byte
}

func NewService(
	store store.RelayStore,
	cache cache.RelayCache,
	mq mq.MessageQueue,
	registry *presence.Registry,
	cipher *crypto.Cipher,
	keyPool *worker.KeyEncryptPool,
	jwtSecret []byte,
) (*Service, error) {
	if len(jwtSecret) == 0 {
		return nil, errors.New("jwt secret is empty")
	}

	return &Service{
		Store:     store,
		Cache:     cache,
		MQ:        mq,
		Registry:  registry,
		Cipher:    cipher,
		KeyPool:   keyPool,
		JWTSecret: jwtSecret,
	}, nil
}
