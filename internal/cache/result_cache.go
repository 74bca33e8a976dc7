package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// ResultCacheEntry wraps a cached engine response with its timing metadata
type ResultCacheEntry struct {
	Payload   json.RawMessage `json:"payload"`
	CachedAt  time.Time       `json:"cached_at"`
	ExpiresAt time.Time       `json:"expires_at"`
}

// ResultCacheStats tracks cache performance metrics
type ResultCacheStats struct {
	Hits   int64 `json:"hits"`
	Misses int64 `json:"misses"`
	Sets   int64 `json:"sets"`
}

// RedisResultCache memoises evaluate/bounds responses in Redis, keyed by a
// fingerprint of the request that produced them.
type RedisResultCache struct {
	redis  *redis.Client
	ttl    time.Duration
	prefix string
	logger *logrus.Logger

	mu    sync.RWMutex
	stats ResultCacheStats
}

// NewRedisResultCache creates a new Redis-based result cache
func NewRedisResultCache(redisClient *redis.Client, ttl time.Duration, logger *logrus.Logger) *RedisResultCache {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &RedisResultCache{
		redis:  redisClient,
		ttl:    ttl,
		prefix: "forecast_result:",
		logger: logger,
	}
}

// Fingerprint derives a stable cache key from an operation name and its
// request. Requests must marshal deterministically (structs, not maps).
func Fingerprint(operation string, request interface{}) (string, error) {
	body, err := json.Marshal(request)
	if err != nil {
		return "", fmt.Errorf("failed to fingerprint %s request: %w", operation, err)
	}
	sum := sha256.Sum256(append([]byte(operation+":"), body...))
	return operation + ":" + hex.EncodeToString(sum[:]), nil
}

// Get loads a cached response into dest. It reports false on a miss or on
// any Redis/decoding error.
func (c *RedisResultCache) Get(ctx context.Context, key string, dest interface{}) bool {
	cacheKey := c.prefix + key

	data, err := c.redis.Get(ctx, cacheKey).Result()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			c.logger.WithFields(logrus.Fields{"key": key, "error": err.Error()}).Warn("Redis error reading cached result")
		}
		c.recordMiss()
		return false
	}

	var entry ResultCacheEntry
	if err := json.Unmarshal([]byte(data), &entry); err != nil {
		c.logger.WithFields(logrus.Fields{"key": key, "error": err.Error()}).Warn("Discarding undecodable cached result")
		c.recordMiss()
		return false
	}
	if err := json.Unmarshal(entry.Payload, dest); err != nil {
		c.logger.WithFields(logrus.Fields{"key": key, "error": err.Error()}).Warn("Cached result does not match response type")
		c.recordMiss()
		return false
	}

	c.mu.Lock()
	c.stats.Hits++
	c.mu.Unlock()
	return true
}

// Set stores a response under key for the configured TTL
func (c *RedisResultCache) Set(ctx context.Context, key string, value interface{}) error {
	payload, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to serialize result for %s: %w", key, err)
	}

	now := time.Now()
	entry := ResultCacheEntry{
		Payload:   payload,
		CachedAt:  now,
		ExpiresAt: now.Add(c.ttl),
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to serialize cache entry for %s: %w", key, err)
	}

	if err := c.redis.Set(ctx, c.prefix+key, data, c.ttl).Err(); err != nil {
		return fmt.Errorf("redis error caching result for %s: %w", key, err)
	}

	c.mu.Lock()
	c.stats.Sets++
	c.mu.Unlock()

	c.logger.WithFields(logrus.Fields{"key": key, "ttl": c.ttl.String()}).Debug("Cached forecast result")
	return nil
}

// GetStats returns current cache statistics
func (c *RedisResultCache) GetStats() ResultCacheStats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.stats
}

// Clear removes all cached results
func (c *RedisResultCache) Clear(ctx context.Context) error {
	var keys []string
	iter := c.redis.Scan(ctx, 0, c.prefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("error scanning cache keys: %w", err)
	}

	if len(keys) == 0 {
		return nil
	}

	if err := c.redis.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("error clearing cache: %w", err)
	}

	c.logger.WithField("entries", len(keys)).Info("Cleared forecast result cache")
	return nil
}

func (c *RedisResultCache) recordMiss() {
	c.mu.Lock()
	c.stats.Misses++
	c.mu.Unlock()
}
