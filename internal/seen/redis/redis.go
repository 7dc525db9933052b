// Package redis tracks claimed URLs in Redis so several crawler
// processes can share one seen set.
package redis

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Config holds connection and keyspace settings.
type Config struct {
	Addr      string
	Password  string
	DB        int
	KeyPrefix string
	// TTL of zero keeps claims forever.
	TTL time.Duration
}

// ClaimSet records claimed URL keys under hashed Redis keys. SETNX
// makes each key claimable exactly once across every process sharing
// the instance.
type ClaimSet struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// New connects to Redis and verifies the connection before returning.
func New(ctx context.Context, cfg Config) (*ClaimSet, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "deepcrawl:seen:"
	}
	return &ClaimSet{client: client, prefix: prefix, ttl: cfg.TTL}, nil
}

// TryClaim claims key for the caller. It returns true only for the
// first caller of a given key.
func (s *ClaimSet) TryClaim(ctx context.Context, key string) (bool, error) {
	if key == "" {
		return false, nil
	}
	ok, err := s.client.SetNX(ctx, s.redisKey(key), "1", s.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("seen set claim: %w", err)
	}
	return ok, nil
}

// Close releases the client's connections.
func (s *ClaimSet) Close() error {
	return s.client.Close()
}

// redisKey hashes the URL so keys stay short and uniform.
func (s *ClaimSet) redisKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return s.prefix + hex.EncodeToString(sum[:])
}
