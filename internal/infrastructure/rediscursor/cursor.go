// Package rediscursor keeps the fetch-window boundary in Redis so runs on
// any instance resume from the same point.
package rediscursor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Store implements the cursor port over a Redis string key.
type Store struct {
	client *redis.Client
	key    string
}

// New connects and verifies the server is reachable.
func New(addr, password string, db int, service string) (*Store, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return NewWithClient(client, service), nil
}

func NewWithClient(client *redis.Client, service string) *Store {
	return &Store{client: client, key: service + ":sync:cursor"}
}

// Load returns the saved boundary, or the zero time when no run has ever
// saved one.
func (s *Store) Load(ctx context.Context) (time.Time, error) {
	val, err := s.client.Get(ctx, s.key).Result()
	if errors.Is(err, redis.Nil) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("load cursor: %w", err)
	}
	boundary, err := time.Parse(time.RFC3339Nano, val)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse cursor %q: %w", val, err)
	}
	return boundary, nil
}

func (s *Store) Save(ctx context.Context, boundary time.Time) error {
	val := boundary.UTC().Format(time.RFC3339Nano)
	if err := s.client.Set(ctx, s.key, val, 0).Err(); err != nil {
		return fmt.Errorf("save cursor: %w", err)
	}
	return nil
}

func (s *Store) Close() error {
	return s.client.Close()
}
