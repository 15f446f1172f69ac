package database

import (
	"context"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

// The feed holds one dedicated connection per subscribed session and
// otherwise only publishes.
const feedPoolSize = 4

// RedisClients separates transcript storage traffic from the pub/sub
// connections used by the transcript feed.
type RedisClients struct {
	Store  *redis.Client
	PubSub *redis.Client
}

func NewRedisClients(ctx context.Context, redisURL string) (*RedisClients, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, errors.Wrap(err, "failed to parse Redis URL")
	}

	ctx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()

	storeClient := redis.NewClient(opt)
	if err := storeClient.Ping(ctx).Err(); err != nil {
		storeClient.Close()
		return nil, errors.Wrap(err, "failed to ping Redis (transcript store)")
	}

	feedOpt := *opt
	feedOpt.PoolSize = feedPoolSize
	pubsubClient := redis.NewClient(&feedOpt)
	if err := pubsubClient.Ping(ctx).Err(); err != nil {
		storeClient.Close()
		pubsubClient.Close()
		return nil, errors.Wrap(err, "failed to ping Redis (transcript feed)")
	}

	return &RedisClients{
		Store:  storeClient,
		PubSub: pubsubClient,
	}, nil
}

func (r *RedisClients) Close() {
	r.Store.Close()
	r.PubSub.Close()
}
