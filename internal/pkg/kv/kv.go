package kv

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrNotFound is returned when a key does not exist (or has expired).
var ErrNotFound = errors.New("kv: key not found")

// Store is a handle to the shared key/value store. All components receive it
// by reference at construction time; there is no package-level client.
type Store struct {
	client *redis.Client
}

type Options struct {
	Addr     string
	Password string
	DB       int
}

// New connects to the store. A failed ping is returned to the caller so the
// bootstrap can decide whether to abort; the engine itself never reconnects.
func New(opts Options) (*Store, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})

	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("kv: ping %s: %w", opts.Addr, err)
	}

	return &Store{client: client}, nil
}

// NewFromClient wraps an existing client, used by tests running against
// miniredis.
func NewFromClient(client *redis.Client) *Store {
	return &Store{client: client}
}

func (s *Store) Close() error {
	return s.client.Close()
}

func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Get returns the raw string value for key, or ErrNotFound.
func (s *Store) Get(ctx context.Context, key string) (string, error) {
	val, err := s.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", ErrNotFound
	}
	return val, err
}

// GetInt returns the integer value for key; a missing key reads as zero.
func (s *Store) GetInt(ctx context.Context, key string) (int, error) {
	val, err := s.client.Get(ctx, key).Int()
	if err == redis.Nil {
		return 0, nil
	}
	return val, err
}

// SetEx stores value under key with the given TTL.
func (s *Store) SetEx(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	return s.client.Set(ctx, key, value, ttl).Err()
}

func (s *Store) Del(ctx context.Context, keys ...string) error {
	return s.client.Del(ctx, keys...).Err()
}

// IncrWithTTL increments key and refreshes its TTL in a single transaction,
// so the counter can never survive without an expiry.
func (s *Store) IncrWithTTL(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	pipe := s.client.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return incr.Val(), nil
}

// Scan enumerates keys matching pattern. SCAN is used instead of KEYS so a
// large keyspace does not block the store.
func (s *Store) Scan(ctx context.Context, pattern string) ([]string, error) {
	var keys []string
	iter := s.client.Scan(ctx, 0, pattern, 0).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	return keys, iter.Err()
}

// TTL reports the remaining lifetime of key. Missing keys report a negative
// duration, mirroring the store's own convention.
func (s *Store) TTL(ctx context.Context, key string) (time.Duration, error) {
	return s.client.TTL(ctx, key).Result()
}

// Expire resets the TTL on key, reporting whether the key existed.
func (s *Store) Expire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	return s.client.Expire(ctx, key, ttl).Result()
}

// Watch runs fn inside an optimistic transaction over keys. fn receives a
// *redis.Tx and should issue its writes through TxPipelined; the transaction
// aborts with redis.TxFailedErr when a watched key changed underneath it.
func (s *Store) Watch(ctx context.Context, fn func(tx *redis.Tx) error, keys ...string) error {
	return s.client.Watch(ctx, fn, keys...)
}
