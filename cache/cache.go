package cache

import "context"

type RelayCache interface {
	Publish(ctx context.Context, channel string, message []byte) error
	Subscribe(ctx context.Context, channel string, handler func(message []byte)) error

	SetPublicKey(ctx context.Context, userId int64, publicKey string) error
	GetPublicKey(ctx context.Context, userId int64) (string, error)
}
