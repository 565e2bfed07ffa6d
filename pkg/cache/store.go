// Package cache implements the durable side-cache of last-known-good target
// records. Entries outlive the in-memory watchlist and pre-populate records
// on startup so placeholders never render blank.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/tornwatch/tornwatch/pkg/target"
)

// keyPrefix namespaces cache entries in redis.
const keyPrefix = "tornwatch:cache:target:"

var (
	// ErrInvalidEntry indicates a cache entry is corrupted.
	ErrInvalidEntry = errors.New("invalid cache entry")
)

// Entry is one durable record keyed by target id.
type Entry struct {
	Record   target.Record `json:"record"`
	CachedAt time.Time     `json:"cached_at"`
}

// Store is the durable side-cache contract: read everything at startup,
// batched upserts during refresh.
type Store interface {
	GetAll(ctx context.Context) (map[int]Entry, error)
	Upsert(ctx context.Context, entries []Entry) error
	Close() error
}

// RedisStore persists entries as JSON values under per-id keys.
type RedisStore struct {
	redis  *redis.Client
	logger zerolog.Logger
}

// NewRedisStore creates a redis-backed cache store.
func NewRedisStore(redisClient *redis.Client, logger zerolog.Logger) (*RedisStore, error) {
	if redisClient == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	return &RedisStore{
		redis:  redisClient,
		logger: logger.With().Str("component", "cache").Logger(),
	}, nil
}

// GetAll loads every cached entry. Corrupted entries are skipped and logged
// rather than failing the whole startup load.
func (s *RedisStore) GetAll(ctx context.Context) (map[int]Entry, error) {
	var keys []string
	iter := s.redis.Scan(ctx, 0, keyPrefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		cacheErrors.WithLabelValues("scan").Inc()
		return nil, fmt.Errorf("scan cache keys: %w", err)
	}

	entries := make(map[int]Entry, len(keys))
	if len(keys) == 0 {
		return entries, nil
	}

	values, err := s.redis.MGet(ctx, keys...).Result()
	if err != nil {
		cacheErrors.WithLabelValues("get").Inc()
		return nil, fmt.Errorf("load cache entries: %w", err)
	}

	for i, raw := range values {
		data, ok := raw.(string)
		if !ok {
			continue
		}

		id, err := idFromKey(keys[i])
		if err != nil {
			s.logger.Warn().Str("key", keys[i]).Msg("Skipping cache key with unparseable id")
			continue
		}

		var entry Entry
		if err := json.Unmarshal([]byte(data), &entry); err != nil {
			cacheErrors.WithLabelValues("get").Inc()
			s.logger.Warn().Err(err).Int("target_id", id).Msg("Skipping corrupted cache entry")
			continue
		}

		entries[id] = entry
	}

	cacheEntriesLoaded.Add(float64(len(entries)))
	s.logger.Debug().Int("entries", len(entries)).Msg("Cache loaded")

	return entries, nil
}

// Upsert writes the given entries in one pipeline. Entries are durable:
// no TTL, they survive restarts until overwritten.
func (s *RedisStore) Upsert(ctx context.Context, entries []Entry) error {
	if len(entries) == 0 {
		return nil
	}

	pipe := s.redis.Pipeline()
	for _, entry := range entries {
		data, err := json.Marshal(entry)
		if err != nil {
			cacheErrors.WithLabelValues("set").Inc()
			return fmt.Errorf("marshal cache entry %d: %w", entry.Record.ID, err)
		}
		pipe.Set(ctx, keyPrefix+strconv.Itoa(entry.Record.ID), data, 0)
	}

	if _, err := pipe.Exec(ctx); err != nil {
		cacheErrors.WithLabelValues("set").Inc()
		return fmt.Errorf("write cache entries: %w", err)
	}

	cacheWrites.Add(float64(len(entries)))
	return nil
}

// Close is a no-op; the redis client is owned by the caller.
func (s *RedisStore) Close() error {
	return nil
}

func idFromKey(key string) (int, error) {
	suffix := strings.TrimPrefix(key, keyPrefix)
	id, err := strconv.Atoi(suffix)
	if err != nil {
		return 0, fmt.Errorf("%w: bad key %q", ErrInvalidEntry, key)
	}
	return id, nil
}
