package redis

import (
	"context"
	"errors"
	"time"

	"npc-dialogue-ai/backend/pkg/logger"

	"github.com/redis/go-redis/v9"
)

// Options configures the redis-backed cache store
type Options struct {
	Addr     string
	Password string
	DB       int
	// Prefix namespaces every key written by this client
	Prefix string
	TTL    time.Duration
	// MaxRetries follows go-redis semantics: -1 disables retries
	MaxRetries int
}

// RedisClient implements the translation cache store on top of go-redis
type RedisClient struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
	log    *logger.Logger
}

// NewRedisClient creates a client; the connection is established lazily
func NewRedisClient(opts Options, log *logger.Logger) *RedisClient {
	if opts.Addr == "" {
		opts.Addr = "localhost:6379"
	}
	if opts.Prefix == "" {
		opts.Prefix = "npc-dialogue:"
	}
	client := redis.NewClient(&redis.Options{
		Addr:       opts.Addr,
		Password:   opts.Password,
		DB:         opts.DB,
		MaxRetries: opts.MaxRetries,
	})
	return &RedisClient{
		client: client,
		prefix: opts.Prefix,
		ttl:    opts.TTL,
		log:    log.WithComponent("redis"),
	}
}

// Get returns the cached value; connection errors are logged and read as a miss
func (r *RedisClient) Get(ctx context.Context, key string) (string, bool) {
	val, err := r.client.Get(ctx, r.prefix+key).Result()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			r.log.Warn("redis get failed", "key", key, "error", err.Error())
		}
		return "", false
	}
	return val, true
}

// Set stores the value with the configured TTL; failures are logged and swallowed
func (r *RedisClient) Set(ctx context.Context, key, value string) {
	if err := r.client.Set(ctx, r.prefix+key, value, r.ttl).Err(); err != nil {
		r.log.Warn("redis set failed", "key", key, "error", err.Error())
	}
}

// Ping is used by the health checker
func (r *RedisClient) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Close releases the connection pool
func (r *RedisClient) Close() error {
	return r.client.Close()
}
