// Package redisstore implements keystore.Store on top of Redis. Redis's
// native key expiry maps directly onto the put/get/delete-with-TTL
// contract keystore.Store requires, with no additional bookkeeping.
package redisstore

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/justlark/notwithout.help/internal/keystore"
)

func init() {
	keystore.Register("redis", driver{})
}

type driver struct{}

func (driver) Open(config map[string]string) (keystore.Store, error) {
	addr, ok := config["addr"]
	if !ok || addr == "" {
		return nil, fmt.Errorf("redisstore: missing required config key %q", "addr")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: config["password"],
		DB:       0,
	})
	return &Store{client: client}, nil
}

// Store wraps a *redis.Client to implement keystore.Store.
type Store struct {
	client *redis.Client
}

// New wraps an already-configured redis.Client.
func New(client *redis.Client) *Store {
	return &Store{client: client}
}

func (s *Store) Put(ctx context.Context, key string, value string, ttl time.Duration) error {
	return s.client.Set(ctx, key, value, ttl).Err()
}

func (s *Store) Get(ctx context.Context, key string) (string, error) {
	val, err := s.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", keystore.ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("redisstore: get %q: %w", key, err)
	}
	return val, nil
}

func (s *Store) Delete(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("redisstore: delete %q: %w", key, err)
	}
	return nil
}

func (s *Store) Close() error {
	return s.client.Close()
}
