package ffprobe

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"mediastream/internal/domain"
)

const redisProbePrefix = "mediastream:probe:"

// Store is a shared second tier behind the in-memory probe cache.
type Store interface {
	Get(ctx context.Context, key string) (domain.MediaInfo, bool, error)
	Set(ctx context.Context, key string, info domain.MediaInfo, ttl time.Duration) error
}

// RedisStore keeps probe results in Redis as JSON.
type RedisStore struct {
	client *redis.Client
}

func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func (r *RedisStore) Get(ctx context.Context, key string) (domain.MediaInfo, bool, error) {
	data, err := r.client.Get(ctx, redisProbePrefix+key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return domain.MediaInfo{}, false, nil
		}
		return domain.MediaInfo{}, false, err
	}
	var info domain.MediaInfo
	if err := json.Unmarshal(data, &info); err != nil {
		return domain.MediaInfo{}, false, err
	}
	return info, true, nil
}

func (r *RedisStore) Set(ctx context.Context, key string, info domain.MediaInfo, ttl time.Duration) error {
	data, err := json.Marshal(info)
	if err != nil {
		return err
	}
	return r.client.Set(ctx, redisProbePrefix+key, data, ttl).Err()
}

func (r *RedisStore) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}
