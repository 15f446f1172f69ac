package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"chatrelay-backend/internal/models"
)

const defaultRedisPrefix = "chatrelay:transcript:"

// RedisTranscriptRepo stores each transcript as a Redis list of JSON turns.
// A sorted set indexes sessions by last activity.
type RedisTranscriptRepo struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

type RedisOption func(*RedisTranscriptRepo)

// WithTTL expires a transcript ttl after its last append. Zero keeps it forever.
func WithTTL(ttl time.Duration) RedisOption {
	return func(r *RedisTranscriptRepo) {
		r.ttl = ttl
	}
}

// WithPrefix sets the key prefix for transcripts.
func WithPrefix(prefix string) RedisOption {
	return func(r *RedisTranscriptRepo) {
		r.prefix = prefix
	}
}

func NewRedisTranscriptRepo(client *redis.Client, opts ...RedisOption) *RedisTranscriptRepo {
	r := &RedisTranscriptRepo{
		client: client,
		prefix: defaultRedisPrefix,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *RedisTranscriptRepo) key(sessionID string) string {
	return r.prefix + "turns:" + sessionID
}

func (r *RedisTranscriptRepo) indexKey() string {
	return r.prefix + "index"
}

func (r *RedisTranscriptRepo) Append(ctx context.Context, sessionID string, turn models.Turn) error {
	data, err := json.Marshal(turn)
	if err != nil {
		return errors.Wrap(err, "redis transcript repo: marshal turn")
	}

	pipe := r.client.TxPipeline()
	pipe.RPush(ctx, r.key(sessionID), data)
	pipe.ZAdd(ctx, r.indexKey(), redis.Z{
		Score:  float64(time.Now().UnixMilli()),
		Member: sessionID,
	})
	if r.ttl > 0 {
		pipe.Expire(ctx, r.key(sessionID), r.ttl)
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return errors.Wrap(err, "redis transcript repo: append")
	}
	return nil
}

func (r *RedisTranscriptRepo) Turns(ctx context.Context, sessionID string) ([]models.Turn, error) {
	vals, err := r.client.LRange(ctx, r.key(sessionID), 0, -1).Result()
	if err != nil && err != redis.Nil {
		return nil, errors.Wrap(err, "redis transcript repo: read turns")
	}

	turns := make([]models.Turn, 0, len(vals))
	for i, v := range vals {
		var turn models.Turn
		if err := json.Unmarshal([]byte(v), &turn); err != nil {
			return nil, errors.Wrapf(err, "redis transcript repo: decode turn %d", i)
		}
		turns = append(turns, turn)
	}
	return turns, nil
}

func (r *RedisTranscriptRepo) Reset(ctx context.Context, sessionID string) error {
	pipe := r.client.TxPipeline()
	pipe.Del(ctx, r.key(sessionID))
	pipe.ZRem(ctx, r.indexKey(), sessionID)

	if _, err := pipe.Exec(ctx); err != nil {
		return errors.Wrap(err, "redis transcript repo: reset")
	}
	return nil
}

// Sessions lists indexed sessions. Entries whose list has expired are dropped
// from the index on the way.
func (r *RedisTranscriptRepo) Sessions(ctx context.Context) ([]models.SessionInfo, error) {
	members, err := r.client.ZRangeWithScores(ctx, r.indexKey(), 0, -1).Result()
	if err != nil {
		return nil, errors.Wrap(err, "redis transcript repo: list sessions")
	}
	if len(members) == 0 {
		return []models.SessionInfo{}, nil
	}

	pipe := r.client.Pipeline()
	lens := make([]*redis.IntCmd, len(members))
	for i, m := range members {
		lens[i] = pipe.LLen(ctx, r.key(fmt.Sprint(m.Member)))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, errors.Wrap(err, "redis transcript repo: count turns")
	}

	out := make([]models.SessionInfo, 0, len(members))
	var stale []interface{}
	for i, m := range members {
		id := fmt.Sprint(m.Member)
		n := lens[i].Val()
		if n == 0 {
			stale = append(stale, id)
			continue
		}
		out = append(out, models.SessionInfo{
			ID:           id,
			TurnCount:    int(n),
			LastActivity: time.UnixMilli(int64(m.Score)),
		})
	}
	if len(stale) > 0 {
		// The listing is already correct; a failed cleanup is retried next call.
		if err := r.client.ZRem(ctx, r.indexKey(), stale...).Err(); err != nil {
			log.Debug().Err(err).Int("stale", len(stale)).Msg("redis transcript repo: failed to drop expired sessions from index")
		}
	}

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r *RedisTranscriptRepo) PruneIdle(ctx context.Context, before time.Time) (int, error) {
	ids, err := r.client.ZRangeByScore(ctx, r.indexKey(), &redis.ZRangeBy{
		Min: "-inf",
		Max: fmt.Sprintf("(%d", before.UnixMilli()),
	}).Result()
	if err != nil {
		return 0, errors.Wrap(err, "redis transcript repo: find idle sessions")
	}
	if len(ids) == 0 {
		return 0, nil
	}

	pipe := r.client.TxPipeline()
	members := make([]interface{}, len(ids))
	for i, id := range ids {
		pipe.Del(ctx, r.key(id))
		members[i] = id
	}
	pipe.ZRem(ctx, r.indexKey(), members...)

	if _, err := pipe.Exec(ctx); err != nil {
		return 0, errors.Wrap(err, "redis transcript repo: prune idle sessions")
	}
	return len(ids), nil
}
