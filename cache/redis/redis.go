package redis

import (
	"context"
	"crypto/tls"
	"log"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

type RedisRelayCache struct {
	client redis.UniversalClient
}

func NewRedisRelayCache(ctx context.Context, devMode bool, redis_endpoint string) (*RedisRelayCache, error) {
	var client redis.UniversalClient
	if devMode {
		client = redis.NewClient(&redis.Options{
			Addr: redis_endpoint,
		})
	} else {
		client = redis.NewClient(&redis.Options{
			Addr: redis_endpoint,
			// AWS elasticache endpoints require TLS
			TLSConfig: &tls.Config{},
		})
	}

	err := client.Ping(ctx).Err()
	if err != nil {
		return nil, err
	}

	return &RedisRelayCache{client: client}, nil
}

func (redisCache *RedisRelayCache) Publish(ctx context.Context, channel string, message []byte) error {
	if err := redisCache.client.Publish(ctx, channel, message).Err(); err != nil {
		return err
	}
	return nil
}

func (redisCache *RedisRelayCache) Subscribe(ctx context.Context, channel string, handler func(message []byte)) error {
	pubsub := redisCache.client.Subscribe(ctx, channel)
	// Ensure subscription is established
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		log.Printf("Pubsub channel closed: %s", channel)
		return err
	}

	ch := pubsub.Channel()

	go func() {
		defer pubsub.Close()

		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				handler([]byte(msg.Payload))
			}
		}
	}()

	return nil
}

const cacheTTL = 10 * time.Minute

func buildPublicKeyKey(userId int64) string {
	return "user:" + strconv.FormatInt(userId, 10) + ":public_key"
}

func (redisCache *RedisRelayCache) SetPublicKey(ctx context.Context, userId int64, publicKey string) error {
	return redisCache.client.Set(ctx, buildPublicKeyKey(userId), publicKey, cacheTTL).Err()
}

// GetPublicKey returns "" with a nil error on a cache miss; callers fall
// through to the directory.
func (redisCache *RedisRelayCache) GetPublicKey(ctx context.Context, userId int64) (string, error) {
	val, err := redisCache.client.Get(ctx, buildPublicKeyKey(userId)).Result()
	if err != nil {
		if err == redis.Nil {
			return "", nil
		}
		return "", err
	}
	return val, nil
}
