package kv

import (
	"context"

	redis "github.com/redis/go-redis/v9"
)

// RedisStore backs the terminal state with a local redis instance, the
// durable deployment option. Keys are namespaced so several terminals can
// share one instance.
type RedisStore struct {
	client    *redis.Client
	namespace string
}

func NewRedisStore(addr string, password string, db int, namespace string) *RedisStore {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if namespace == "" {
		namespace = "terminal"
	}
	return &RedisStore{client: client, namespace: namespace}
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

func (s *RedisStore) qualify(key string) string {
	return s.namespace + ":" + key
}

func (s *RedisStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	value, err := s.client.Get(ctx, s.qualify(key)).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return value, true, nil
}

func (s *RedisStore) Put(ctx context.Context, key string, value []byte) error {
	return s.client.Set(ctx, s.qualify(key), value, 0).Err()
}

func (s *RedisStore) Delete(ctx context.Context, key string) error {
	return s.client.Del(ctx, s.qualify(key)).Err()
}

func (s *RedisStore) List(ctx context.Context, prefix string) (map[string][]byte, error) {
	pattern := s.qualify(prefix) + "*"
	result := make(map[string][]byte)

	var cursor uint64
	for {
		keys, next, err := s.client.Scan(ctx, cursor, pattern, 128).Result()
		if err != nil {
			return nil, err
		}
		for _, qualified := range keys {
			value, err := s.client.Get(ctx, qualified).Bytes()
			if err == redis.Nil {
				continue
			}
			if err != nil {
				return nil, err
			}
			result[qualified[len(s.namespace)+1:]] = value
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	return result, nil
}
