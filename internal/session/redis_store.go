// Package session stores refresh tokens in Redis.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

var ErrNotFound = errors.New("refresh session not found or expired")

// tokenData is the value stored under each refresh token hash.
type tokenData struct {
	UserID    string    `json:"user_id"`
	CreatedAt time.Time `json:"created_at"`
}

// RedisStore keeps refresh sessions as expiring keys.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore parses redisURL and checks the connection.
func NewRedisStore(ctx context.Context, redisURL string) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return NewRedisStoreWithClient(client), nil
}

func NewRedisStoreWithClient(client *redis.Client) *RedisStore {
	return &RedisStore{client: client, prefix: "uran:refresh:"}
}

func (s *RedisStore) key(tokenHash string) string {
	return s.prefix + tokenHash
}

// SaveRefreshSession stores the session until expiresAt.
func (s *RedisStore) SaveRefreshSession(ctx context.Context, tokenHash, userID string, expiresAt time.Time) error {
	ttl := time.Until(expiresAt)
	if ttl <= 0 {
		return fmt.Errorf("save refresh token: expiry %s is in the past", expiresAt.Format(time.RFC3339))
	}

	payload, err := json.Marshal(tokenData{UserID: userID, CreatedAt: time.Now().UTC()})
	if err != nil {
		return fmt.Errorf("marshal token data: %w", err)
	}
	if err := s.client.Set(ctx, s.key(tokenHash), payload, ttl).Err(); err != nil {
		return fmt.Errorf("save refresh token: %w", err)
	}
	return nil
}

// LookupRefreshSession returns the user id stored for tokenHash.
func (s *RedisStore) LookupRefreshSession(ctx context.Context, tokenHash string) (string, error) {
	raw, err := s.client.Get(ctx, s.key(tokenHash)).Bytes()
	if errors.Is(err, redis.Nil) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("lookup refresh token: %w", err)
	}

	var data tokenData
	if err := json.Unmarshal(raw, &data); err != nil {
		return "", fmt.Errorf("unmarshal token data: %w", err)
	}
	if data.UserID == "" {
		return "", ErrNotFound
	}
	return data.UserID, nil
}

func (s *RedisStore) RevokeRefreshSession(ctx context.Context, tokenHash string) error {
	if err := s.client.Del(ctx, s.key(tokenHash)).Err(); err != nil {
		return fmt.Errorf("revoke refresh token: %w", err)
	}
	return nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
