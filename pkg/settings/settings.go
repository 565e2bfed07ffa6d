// Package settings provides the key-value store for engine configuration:
// the API key, the rate-limit ceiling and the refresh concurrency.
package settings

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// hashKey is the redis hash all settings live under.
const hashKey = "tornwatch:settings"

// Defaults for settings that have never been written.
const (
	DefaultRateLimit   = 75
	DefaultConcurrency = 3
)

// Settings holds the engine configuration owned by the user.
type Settings struct {
	APIKey      string `json:"api_key"`
	RateLimit   int    `json:"rate_limit"`
	Concurrency int    `json:"concurrency"`
}

// Partial is a sparse update; nil fields are left unchanged.
type Partial struct {
	APIKey      *string
	RateLimit   *int
	Concurrency *int
}

// Store is the settings contract the engine depends on.
type Store interface {
	Get(ctx context.Context) (Settings, error)
	Set(ctx context.Context, partial Partial) error
}

// Defaults returns the settings used before anything is persisted.
func Defaults() Settings {
	return Settings{
		RateLimit:   DefaultRateLimit,
		Concurrency: DefaultConcurrency,
	}
}

// RedisStore persists settings in a single redis hash.
type RedisStore struct {
	redis  *redis.Client
	logger zerolog.Logger
}

// NewRedisStore creates a settings store and verifies the connection.
func NewRedisStore(redisClient *redis.Client, logger zerolog.Logger) (*RedisStore, error) {
	if redisClient == nil {
		return nil, fmt.Errorf("redis client is required")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := redisClient.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return &RedisStore{
		redis:  redisClient,
		logger: logger.With().Str("component", "settings").Logger(),
	}, nil
}

// Get reads the full settings, falling back to defaults per missing field.
func (s *RedisStore) Get(ctx context.Context) (Settings, error) {
	fields, err := s.redis.HGetAll(ctx, hashKey).Result()
	if err != nil {
		return Settings{}, fmt.Errorf("read settings: %w", err)
	}

	out := Defaults()
	out.APIKey = fields["api_key"]
	if v, err := strconv.Atoi(fields["rate_limit"]); err == nil && v > 0 {
		out.RateLimit = v
	}
	if v, err := strconv.Atoi(fields["concurrency"]); err == nil && v > 0 {
		out.Concurrency = v
	}

	return out, nil
}

// Set applies a sparse update.
func (s *RedisStore) Set(ctx context.Context, partial Partial) error {
	values := make(map[string]interface{})
	if partial.APIKey != nil {
		values["api_key"] = *partial.APIKey
	}
	if partial.RateLimit != nil {
		values["rate_limit"] = strconv.Itoa(*partial.RateLimit)
	}
	if partial.Concurrency != nil {
		values["concurrency"] = strconv.Itoa(*partial.Concurrency)
	}
	if len(values) == 0 {
		return nil
	}

	if err := s.redis.HSet(ctx, hashKey, values).Err(); err != nil {
		return fmt.Errorf("write settings: %w", err)
	}

	s.logger.Info().Int("fields", len(values)).Msg("Settings updated")
	return nil
}
