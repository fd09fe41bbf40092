package session

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strconv"

	"e2e_relay/internal/model"
	redisSvc "e2e_relay/internal/service/redis"

	"github.com/redis/go-redis/v9"
)

// RedisStore keeps the store in redis under a per-account prefix:
// a hash of sessions per remote user, hashes of prekeys, and a plain key
// for the identity.
type RedisStore struct {
	redis  *redisSvc.RedisService
	prefix string
}

func NewRedisStore(r *redisSvc.RedisService, owner model.Address) *RedisStore {
	return &RedisStore{
		redis:  r,
		prefix: fmt.Sprintf("e2e:%s:", owner),
	}
}

func (s *RedisStore) sessionsKey(userID string) string {
	return s.prefix + "sessions:" + userID
}

func field(id uint32) string {
	return strconv.FormatUint(uint64(id), 10)
}

func notFound(err error) error {
	if errors.Is(err, redis.Nil) {
		return ErrNotFound
	}
	return err
}

func (s *RedisStore) LoadSession(ctx context.Context, addr model.Address) (*Record, error) {
	b, err := s.redis.HGet(ctx, s.sessionsKey(addr.UserID), field(addr.DeviceID))
	if err != nil {
		return nil, notFound(err)
	}
	return unmarshal[Record](b)
}

func (s *RedisStore) StoreSession(ctx context.Context, addr model.Address, rec *Record) error {
	b, err := marshal(rec)
	if err != nil {
		return err
	}
	return s.redis.HSet(ctx, s.sessionsKey(addr.UserID), field(addr.DeviceID), b)
}

func (s *RedisStore) DeleteSession(ctx context.Context, addr model.Address) error {
	return s.redis.HDel(ctx, s.sessionsKey(addr.UserID), field(addr.DeviceID))
}

func (s *RedisStore) ListDeviceIDs(ctx context.Context, userID string) ([]uint32, error) {
	fields, err := s.redis.HKeys(ctx, s.sessionsKey(userID))
	if err != nil {
		return nil, err
	}
	ids := make([]uint32, 0, len(fields))
	for _, f := range fields {
		id, err := strconv.ParseUint(f, 10, 32)
		if err != nil {
			return nil, fmt.Errorf("session: bad device field %q: %w", f, err)
		}
		ids = append(ids, uint32(id))
	}
	slices.Sort(ids)
	return ids, nil
}

func (s *RedisStore) LoadIdentity(ctx context.Context) (*model.Identity, error) {
	b, err := s.redis.Get(ctx, s.prefix+"identity")
	if err != nil {
		return nil, notFound(err)
	}
	return unmarshal[model.Identity](b)
}

func (s *RedisStore) StoreIdentity(ctx context.Context, id *model.Identity) error {
	b, err := marshal(id)
	if err != nil {
		return err
	}
	return s.redis.Set(ctx, s.prefix+"identity", b, 0)
}

func (s *RedisStore) LoadSignedPreKey(ctx context.Context, id uint32) (*model.SignedPreKeyRecord, error) {
	b, err := s.redis.HGet(ctx, s.prefix+"signed_prekeys", field(id))
	if err != nil {
		return nil, notFound(err)
	}
	return unmarshal[model.SignedPreKeyRecord](b)
}

func (s *RedisStore) StoreSignedPreKey(ctx context.Context, rec *model.SignedPreKeyRecord) error {
	b, err := marshal(rec)
	if err != nil {
		return err
	}
	return s.redis.HSet(ctx, s.prefix+"signed_prekeys", field(rec.ID), b)
}

func (s *RedisStore) LoadPreKey(ctx context.Context, id uint32) (*model.PreKeyRecord, error) {
	b, err := s.redis.HGet(ctx, s.prefix+"prekeys", field(id))
	if err != nil {
		return nil, notFound(err)
	}
	return unmarshal[model.PreKeyRecord](b)
}

func (s *RedisStore) StorePreKey(ctx context.Context, rec *model.PreKeyRecord) error {
	b, err := marshal(rec)
	if err != nil {
		return err
	}
	return s.redis.HSet(ctx, s.prefix+"prekeys", field(rec.ID), b)
}

func (s *RedisStore) RemovePreKey(ctx context.Context, id uint32) error {
	return s.redis.HDel(ctx, s.prefix+"prekeys", field(id))
}
