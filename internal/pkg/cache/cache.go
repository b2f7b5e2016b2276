package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"github.com/redis/go-redis/v9"

	"github.com/ManuelReschke/HookFox/internal/pkg/env"
)

var (
	client *redis.Client
	ctx    = context.Background()
)

// Enabled reports whether a cache backend is configured. Without one the
// rate limiter and the verification-token channel degrade to fail-open.
func Enabled() bool {
	return env.GetEnv("CACHE_HOST", "") != ""
}

// SetupCache initializes the connection to the Redis/Dragonfly cache server
func SetupCache() {
	if !Enabled() {
		log.Warn("[Cache] No CACHE_HOST configured, running without shared counters")
		return
	}

	host := env.GetEnv("CACHE_HOST", "localhost")
	port := env.GetEnv("CACHE_PORT", "6379")
	password := env.GetEnv("CACHE_PASSWORD", "")

	client = redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%s", host, port),
		Password: password,
		DB:       0, // use default DB
	})

	// Test the connection
	pong, err := client.Ping(ctx).Result()
	if err != nil {
		log.Warnf("[Cache] Could not connect to cache: %v", err)
	} else {
		log.Infof("[Cache] Successfully connected to cache: %s", pong)
	}
}

// GetClient returns the Redis client instance, or nil when no backend is configured
func GetClient() *redis.Client {
	if client == nil && Enabled() {
		SetupCache()
	}
	return client
}

// SetClient overrides the client (used by tests and local tooling)
func SetClient(c *redis.Client) {
	client = c
}

// Set stores a value in the cache with the given key and expiration time
func Set(key string, value interface{}, expiration time.Duration) error {
	c := GetClient()
	if c == nil {
		return nil
	}
	return c.Set(ctx, key, value, expiration).Err()
}

// Get retrieves a value from the cache by key
func Get(key string) (string, error) {
	c := GetClient()
	if c == nil {
		return "", redis.Nil
	}
	return c.Get(ctx, key).Result()
}

// Delete removes a value from the cache by key
func Delete(key string) error {
	c := GetClient()
	if c == nil {
		return nil
	}
	return c.Del(ctx, key).Err()
}
