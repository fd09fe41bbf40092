package redis

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

type (
	RedisService struct {
		rdb *redis.Client
	}
)

func NewRedis(rdb *redis.Client) *RedisService {
	return &RedisService{
		rdb: rdb,
	}
}

func (r *RedisService) Ping(ctx context.Context) error {
	return r.rdb.Ping(ctx).Err()
}

func (r *RedisService) RPush(ctx context.Context, key string, value ...any) error {
	return r.rdb.RPush(ctx, key, value...).Err()
}

// LTakeAll atomically reads and deletes a list.
func (r *RedisService) LTakeAll(ctx context.Context, key string) ([]string, error) {
	var vals *redis.StringSliceCmd
	_, err := r.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		vals = p.LRange(ctx, key, 0, -1)
		p.Del(ctx, key)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return vals.Val(), nil
}

func (r *RedisService) Set(ctx context.Context, key string, value any, ttl time.Duration) error {
	return r.rdb.Set(ctx, key, value, ttl).Err()
}

// Get returns redis.Nil when key does not exist.
func (r *RedisService) Get(ctx context.Context, key string) ([]byte, error) {
	return r.rdb.Get(ctx, key).Bytes()
}

func (r *RedisService) HSet(ctx context.Context, key, field string, value any) error {
	return r.rdb.HSet(ctx, key, field, value).Err()
}

// HGet returns redis.Nil when the field does not exist.
func (r *RedisService) HGet(ctx context.Context, key, field string) ([]byte, error) {
	return r.rdb.HGet(ctx, key, field).Bytes()
}

func (r *RedisService) HDel(ctx context.Context, key, field string) error {
	return r.rdb.HDel(ctx, key, field).Err()
}

func (r *RedisService) HKeys(ctx context.Context, key string) ([]string, error) {
	return r.rdb.HKeys(ctx, key).Result()
}
