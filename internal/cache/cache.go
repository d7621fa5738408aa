// Package cache keeps analyzer lookups so that repeated submissions of the
// same data type or analyzer name do not hit Cortex every time.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"sync"
	"time"

	"github.com/Ashfaaq98/ta-cortex/internal/cortex"
	"github.com/go-redis/redis/v8"
)

// DefaultPrefix namespaces analyzer entries in Redis.
const DefaultPrefix = "ta-cortex:analyzers:"

// Cache stores analyzer lists by key.
type Cache interface {
	Get(key string) ([]cortex.Analyzer, bool)
	Set(key string, analyzers []cortex.Analyzer, ttl time.Duration)
	Delete(key string)
	Clear()
	Close() error
}

// NameKey is the key of a lookup by analyzer name.
func NameKey(name string) string { return "name:" + name }

// TypeKey is the key of a lookup by data type.
func TypeKey(dataType string) string { return "type:" + dataType }

type entry struct {
	data   []cortex.Analyzer
	expiry time.Time
}

// MemoryCache is an in-process cache with TTL and oldest-expiry eviction.
type MemoryCache struct {
	mu      sync.RWMutex
	data    map[string]entry
	maxSize int
	quit    chan struct{}
	once    sync.Once
}

// NewMemoryCache creates a cache holding at most maxSize keys.
func NewMemoryCache(maxSize int) *MemoryCache {
	if maxSize <= 0 {
		maxSize = 1000
	}
	mc := &MemoryCache{
		data:    make(map[string]entry),
		maxSize: maxSize,
		quit:    make(chan struct{}),
	}
	go mc.cleanup(5 * time.Minute)
	return mc
}

func (mc *MemoryCache) Get(key string) ([]cortex.Analyzer, bool) {
	mc.mu.RLock()
	defer mc.mu.RUnlock()
	e, ok := mc.data[key]
	if !ok || time.Now().After(e.expiry) {
		return nil, false
	}
	return e.data, true
}

func (mc *MemoryCache) Set(key string, analyzers []cortex.Analyzer, ttl time.Duration) {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	if _, exists := mc.data[key]; !exists && len(mc.data) >= mc.maxSize {
		mc.evictOldest()
	}
	mc.data[key] = entry{data: analyzers, expiry: time.Now().Add(ttl)}
}

func (mc *MemoryCache) Delete(key string) {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	delete(mc.data, key)
}

func (mc *MemoryCache) Clear() {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	mc.data = make(map[string]entry)
}

// Len returns the number of stored keys, expired ones included.
func (mc *MemoryCache) Len() int {
	mc.mu.RLock()
	defer mc.mu.RUnlock()
	return len(mc.data)
}

func (mc *MemoryCache) Close() error {
	mc.once.Do(func() { close(mc.quit) })
	mc.Clear()
	return nil
}

func (mc *MemoryCache) evictOldest() {
	var oldestKey string
	var oldest time.Time
	first := true
	for k, v := range mc.data {
		if first || v.expiry.Before(oldest) {
			oldestKey = k
			oldest = v.expiry
			first = false
		}
	}
	if oldestKey != "" {
		delete(mc.data, oldestKey)
	}
}

func (mc *MemoryCache) cleanup(every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-mc.quit:
			return
		case <-t.C:
			mc.mu.Lock()
			now := time.Now()
			for k, v := range mc.data {
				if now.After(v.expiry) {
					delete(mc.data, k)
				}
			}
			mc.mu.Unlock()
		}
	}
}

// RedisCache stores analyzer lists as JSON strings with a Redis TTL.
type RedisCache struct {
	client *redis.Client
	prefix string
	logger *log.Logger
}

// NewRedisCache connects to redisURL and verifies the connection.
func NewRedisCache(redisURL, prefix string, logger *log.Logger) (*RedisCache, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	c := redis.NewClient(opts)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.Ping(ctx).Err(); err != nil {
		c.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	if prefix == "" {
		prefix = DefaultPrefix
	}
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &RedisCache{client: c, prefix: prefix, logger: logger}, nil
}

func (rc *RedisCache) Get(key string) ([]cortex.Analyzer, bool) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	raw, err := rc.client.Get(ctx, rc.prefix+key).Result()
	if err != nil {
		if err != redis.Nil {
			rc.logger.Printf("Redis get error for %s: %v", key, err)
		}
		return nil, false
	}
	var out []cortex.Analyzer
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		rc.logger.Printf("Redis unmarshal error for %s: %v", key, err)
		_ = rc.client.Del(ctx, rc.prefix+key).Err()
		return nil, false
	}
	return out, true
}

func (rc *RedisCache) Set(key string, analyzers []cortex.Analyzer, ttl time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	b, err := json.Marshal(analyzers)
	if err != nil {
		rc.logger.Printf("Redis marshal error: %v", err)
		return
	}
	if err := rc.client.Set(ctx, rc.prefix+key, b, ttl).Err(); err != nil {
		rc.logger.Printf("Redis set error for %s: %v", key, err)
	}
}

func (rc *RedisCache) Delete(key string) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := rc.client.Del(ctx, rc.prefix+key).Err(); err != nil {
		rc.logger.Printf("Redis del error for %s: %v", key, err)
	}
}

func (rc *RedisCache) Clear() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	iter := rc.client.Scan(ctx, 0, rc.prefix+"*", 100).Iterator()
	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		rc.logger.Printf("Redis scan error: %v", err)
		return
	}
	if len(keys) > 0 {
		if err := rc.client.Del(ctx, keys...).Err(); err != nil {
			rc.logger.Printf("Redis clear error: %v", err)
		}
	}
}

func (rc *RedisCache) Close() error {
	return rc.client.Close()
}
