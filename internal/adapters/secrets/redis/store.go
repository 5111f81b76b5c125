package redis

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"

	"github.com/bnema/lattice/internal/domain"
	"github.com/bnema/lattice/internal/ports"
)

const DefaultPrefix = "lattice"

// Store keeps secrets as plain redis strings under <prefix>:<key>. Values
// are only as private as the redis instance; wrap it with the sealed store
// for anything shared.
type Store struct {
	client *redis.Client
	prefix string
}

var _ ports.SecretStore = (*Store)(nil)

func NewStore(client *redis.Client, prefix string) *Store {
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		prefix = DefaultPrefix
	}

	return &Store{client: client, prefix: prefix}
}

// Dial connects to addr and verifies the server answers.
func Dial(ctx context.Context, addr, prefix string) (*Store, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis %s: %w", addr, err)
	}

	return NewStore(client, prefix), nil
}

func (s *Store) Close() error {
	return s.client.Close()
}

func (s *Store) key(key string) string {
	return s.prefix + ":" + key
}

func (s *Store) Put(ctx context.Context, key string, value string) error {
	if strings.TrimSpace(key) == "" {
		return errors.New("secret key is empty")
	}
	if err := s.client.Set(ctx, s.key(key), value, 0).Err(); err != nil {
		return fmt.Errorf("redis put secret %q: %w", key, err)
	}

	return nil
}

func (s *Store) Get(ctx context.Context, key string) (string, error) {
	value, err := s.client.Get(ctx, s.key(key)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", fmt.Errorf("redis secret %q: %w", key, domain.ErrSecretNotFound)
		}
		return "", fmt.Errorf("redis get secret %q: %w", key, err)
	}

	return value, nil
}

func (s *Store) Delete(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, s.key(key)).Err(); err != nil {
		return fmt.Errorf("redis delete secret %q: %w", key, err)
	}

	return nil
}
