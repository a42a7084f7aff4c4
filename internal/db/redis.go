package db

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"imgscan-server/internal/config"
)

// RedisClient wraps the Redis connection used for rate limiting and the
// shared hash reputation set
type RedisClient struct {
	client *redis.Client
	cfg    config.RedisConfig
}

// NewRedisClient creates a new Redis client
func NewRedisClient(cfg config.RedisConfig) (*RedisClient, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolSize:     50,
		MinIdleConns: 5,
	})

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	log.Info().
		Str("host", cfg.Host).
		Int("port", cfg.Port).
		Msg("Connected to Redis")

	return &RedisClient{client: client, cfg: cfg}, nil
}

// Close closes the Redis connection
func (r *RedisClient) Close() error {
	return r.client.Close()
}

// Ping checks if the connection is alive
func (r *RedisClient) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// ========== Hash Reputation Set ==========

// scanBatch is the SSCAN page size used when reading the hash set
const scanBatch = 5000

// LoadHashes returns every member of the configured hash set. SSCAN is used
// so very large sets do not block the server.
func (r *RedisClient) LoadHashes(ctx context.Context) ([]string, error) {
	if r.cfg.HashSet == "" {
		return nil, nil
	}

	var (
		hashes []string
		cursor uint64
	)
	for {
		page, next, err := r.client.SScan(ctx, r.cfg.HashSet, cursor, "", scanBatch).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to scan hash set %s: %w", r.cfg.HashSet, err)
		}
		hashes = append(hashes, page...)
		cursor = next
		if cursor == 0 {
			break
		}
	}

	log.Info().
		Str("set", r.cfg.HashSet).
		Int("count", len(hashes)).
		Msg("Loaded hashes from Redis")

	return hashes, nil
}

// Name identifies this source in logs
func (r *RedisClient) Name() string {
	return "redis:" + r.cfg.HashSet
}

// ========== Rate Limiting ==========

// RateLimitKey generates a rate limit key for an API key
func RateLimitKey(apiKeyHash string) string {
	return fmt.Sprintf("rate_limit:%s", apiKeyHash)
}

var rateLimitScript = redis.NewScript(`
	local current = redis.call("INCR", KEYS[1])
	if current == 1 then
		redis.call("EXPIRE", KEYS[1], ARGV[1])
	end
	return current
`)

// IncrementRateLimit increments and checks rate limit
// Returns the current count and whether the limit was exceeded
func (r *RedisClient) IncrementRateLimit(ctx context.Context, apiKeyHash string, limit int, window time.Duration) (int64, bool, error) {
	key := RateLimitKey(apiKeyHash)

	seconds := int(window.Seconds())
	if seconds < 1 {
		seconds = 60
	}

	result, err := rateLimitScript.Run(ctx, r.client, []string{key}, seconds).Int64()
	if err != nil {
		return 0, false, err
	}

	return result, result > int64(limit), nil
}
