package cache

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisManager keeps the stores in redis.
// Store names live in a sorted set scored by creation time,
// the entries of each store in a hash of its own.
type RedisManager struct {
	client   redis.UniversalClient
	prefix   string
	namesKey string
}

type redisStore struct {
	m    *RedisManager
	name string
}

// NewRedisManager creates a manager using the given client.
// All redis keys are prefixed with prefix, so several deployments can share a server.
func NewRedisManager(client redis.UniversalClient, prefix string) *RedisManager {
	return &RedisManager{
		client:   client,
		prefix:   prefix,
		namesKey: prefix + "stores",
	}
}

func (r *RedisManager) storeKey(name string) string {
	return r.prefix + "store:" + name
}

func (r *RedisManager) Open(ctx context.Context, name string) (Store, error) {
	err := r.client.ZAddNX(ctx, r.namesKey, redis.Z{
		Score:  float64(time.Now().UnixNano()),
		Member: name,
	}).Err()
	if err != nil {
		return nil, err
	}
	return redisStore{m: r, name: name}, nil
}

func (r *RedisManager) Lookup(ctx context.Context, name string) (Store, error) {
	err := r.client.ZScore(ctx, r.namesKey, name).Err()
	if errors.Is(err, redis.Nil) {
		return nil, ErrStoreNotFound
	}
	if err != nil {
		return nil, err
	}
	return redisStore{m: r, name: name}, nil
}

func (r *RedisManager) Delete(ctx context.Context, name string) (bool, error) {
	var removed *redis.IntCmd
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, r.storeKey(name))
		removed = pipe.ZRem(ctx, r.namesKey, name)
		return nil
	})
	if err != nil {
		return false, err
	}
	return removed.Val() > 0, nil
}

func (r *RedisManager) Names(ctx context.Context) ([]string, error) {
	return r.client.ZRange(ctx, r.namesKey, 0, -1).Result()
}

func (r *RedisManager) Match(ctx context.Context, key string) ([]byte, bool, error) {
	names, err := r.Names(ctx)
	if err != nil {
		return nil, false, err
	}
	for _, name := range names {
		if b, ok, err := (redisStore{m: r, name: name}).Get(ctx, key); err != nil {
			return nil, false, err
		} else if ok {
			return b, true, nil
		}
	}
	return nil, false, nil
}

func (r *RedisManager) Close() error {
	return r.client.Close()
}

func (s redisStore) Name() string {
	return s.name
}

func (s redisStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	b, err := s.m.client.HGet(ctx, s.m.storeKey(s.name), key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return b, true, nil
}

func (s redisStore) Put(ctx context.Context, key string, bytes []byte) error {
	err := s.m.client.ZScore(ctx, s.m.namesKey, s.name).Err()
	if errors.Is(err, redis.Nil) {
		return ErrStoreNotFound
	}
	if err != nil {
		return err
	}
	return s.m.client.HSet(ctx, s.m.storeKey(s.name), key, bytes).Err()
}

func (s redisStore) Keys(ctx context.Context) ([]string, error) {
	keys, err := s.m.client.HKeys(ctx, s.m.storeKey(s.name)).Result()
	if err != nil {
		return nil, err
	}
	sort.Strings(keys)
	return keys, nil
}
