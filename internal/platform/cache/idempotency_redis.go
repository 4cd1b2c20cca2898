// Package cache provides Redis-backed stores for state that must be shared
// across server replicas, starting with idempotency-key replay.
package cache

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/medledger/medledger/internal/platform/fhir"
)

const (
	idempotencyPrefix = "idem:"
	opTimeout         = 3 * time.Second
)

// RedisIdempotencyStore implements fhir.IdempotencyStore on Redis so retried
// writes replay the same response regardless of which replica handles them.
// Store errors degrade to cache misses; a Redis outage must not take the
// write path down with it.
type RedisIdempotencyStore struct {
	client *redis.Client
	ttl    time.Duration
	logger zerolog.Logger
}

func NewRedisIdempotencyStore(redisURL string, ttl time.Duration, logger zerolog.Logger) (*RedisIdempotencyStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}
	if ttl <= 0 {
		ttl = fhir.DefaultIdempotencyTTL
	}

	client := redis.NewClient(opts)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, err
	}

	return &RedisIdempotencyStore{
		client: client,
		ttl:    ttl,
		logger: logger.With().Str("component", "idempotency_cache").Logger(),
	}, nil
}

func (s *RedisIdempotencyStore) Get(key string) (*fhir.IdempotencyKey, bool) {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	val, err := s.client.Get(ctx, idempotencyPrefix+key).Result()
	if err == redis.Nil {
		return nil, false
	}
	if err != nil {
		s.logger.Warn().Err(err).Msg("idempotency lookup failed")
		return nil, false
	}

	entry, err := decodeEntry([]byte(val))
	if err != nil {
		s.client.Del(ctx, idempotencyPrefix+key)
		return nil, false
	}
	return entry, true
}

func (s *RedisIdempotencyStore) Set(key string, entry *fhir.IdempotencyKey) {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	ttl := s.ttl
	if !entry.ExpiresAt.IsZero() {
		if remaining := time.Until(entry.ExpiresAt); remaining > 0 {
			ttl = remaining
		}
	}

	data, err := encodeEntry(entry)
	if err != nil {
		s.logger.Warn().Err(err).Msg("idempotency entry not serializable")
		return
	}
	if err := s.client.Set(ctx, idempotencyPrefix+key, data, ttl).Err(); err != nil {
		s.logger.Warn().Err(err).Msg("idempotency store failed")
	}
}

func (s *RedisIdempotencyStore) Delete(key string) {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()
	s.client.Del(ctx, idempotencyPrefix+key)
}

// Ping reports whether Redis is reachable, for health checks.
func (s *RedisIdempotencyStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisIdempotencyStore) Close() error {
	return s.client.Close()
}

func encodeEntry(entry *fhir.IdempotencyKey) ([]byte, error) {
	return json.Marshal(entry)
}

func decodeEntry(data []byte) (*fhir.IdempotencyKey, error) {
	var entry fhir.IdempotencyKey
	if err := json.Unmarshal(data, &entry); err != nil {
		return nil, err
	}
	return &entry, nil
}
