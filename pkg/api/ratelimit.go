// Copyright 2025 AgentCache Authors
// SPDX-License-Identifier: Apache-2.0

package api

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

// RateLimitConfig configures request rate limiting. With Redis enabled
// the limit is enforced cluster-wide via GCRA; otherwise each process
// falls back to a local token bucket per key.
type RateLimitConfig struct {
	Enabled bool `mapstructure:"enabled"`

	// Redis connection settings for distributed limiting.
	RedisEnabled bool   `mapstructure:"redis_enabled"`
	Addr         string `mapstructure:"addr"`
	Password     string `mapstructure:"password"`
	DB           int    `mapstructure:"db"`
	PoolSize     int    `mapstructure:"pool_size"`

	KeyPrefix    string        `mapstructure:"key_prefix"`
	DefaultRPS   int64         `mapstructure:"default_rps"`
	DefaultBurst int64         `mapstructure:"default_burst"`
	KeyTTL       time.Duration `mapstructure:"key_ttl"`

	// FailOpen allows requests through when Redis is unavailable.
	FailOpen bool `mapstructure:"fail_open"`
}

// DefaultRateLimitConfig returns sensible defaults.
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		Enabled:      true,
		Addr:         "localhost:6379",
		PoolSize:     10,
		KeyPrefix:    "uplink:ratelimit:",
		DefaultRPS:   100,
		DefaultBurst: 200,
		KeyTTL:       time.Hour,
		FailOpen:     true,
	}
}

// gcraScript implements GCRA (Generic Cell Rate Algorithm) atomically
// in Redis. It tracks the theoretical arrival time (TAT) per key and
// admits a request only while TAT stays within the burst window.
// Returns: allowed (1 or 0), remaining tokens, reset time in ms.
var gcraScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local burst = tonumber(ARGV[2])
local rate = tonumber(ARGV[3])
local cost = tonumber(ARGV[4])
local ttl = tonumber(ARGV[5])

local emission_interval = 1000000 / rate
local burst_offset = burst * emission_interval

local tat = redis.call("GET", key)
if tat then
    tat = tonumber(tat)
else
    tat = now
end

local new_tat = tat + (cost * emission_interval)
local allow_at = now + burst_offset
if new_tat > allow_at then
    local remaining = math.max(0, math.floor((allow_at - tat) / emission_interval))
    local reset_after = math.ceil((tat - now) / 1000)
    return {0, remaining, reset_after}
end

if tat < now then
    new_tat = now + (cost * emission_interval)
end

redis.call("SET", key, new_tat, "EX", ttl)

local remaining = math.max(0, math.floor((allow_at - new_tat) / emission_interval))
local reset_after = math.ceil((new_tat - now) / 1000)

return {1, remaining, reset_after}
`)

// RateLimiter enforces per-key request limits, distributed when a Redis
// client is configured and process-local otherwise.
type RateLimiter struct {
	cfg    RateLimitConfig
	client *redis.Client

	mu    sync.Mutex
	local map[string]*rate.Limiter
}

// NewRateLimiter creates a limiter. When cfg.RedisEnabled is set the
// Redis connection is verified up front.
func NewRateLimiter(cfg RateLimitConfig) (*RateLimiter, error) {
	if cfg.DefaultRPS <= 0 {
		cfg.DefaultRPS = 100
	}
	if cfg.DefaultBurst <= 0 {
		cfg.DefaultBurst = cfg.DefaultRPS * 2
	}
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = "uplink:ratelimit:"
	}

	rl := &RateLimiter{
		cfg:   cfg,
		local: make(map[string]*rate.Limiter),
	}

	if cfg.RedisEnabled {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Addr,
			Password: cfg.Password,
			DB:       cfg.DB,
			PoolSize: cfg.PoolSize,
		})
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := client.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("redis connection failed: %w", err)
		}
		rl.client = client
	}

	return rl, nil
}

// Allow reports whether one request under key should be admitted.
func (r *RateLimiter) Allow(ctx context.Context, key string) bool {
	if r.client == nil {
		return r.allowLocal(key)
	}

	now := time.Now().UnixMicro()
	ttlSeconds := int64(r.cfg.KeyTTL.Seconds())
	if ttlSeconds < 1 {
		ttlSeconds = 3600
	}

	result, err := gcraScript.Run(ctx, r.client, []string{r.cfg.KeyPrefix + key},
		now, r.cfg.DefaultBurst, r.cfg.DefaultRPS, 1, ttlSeconds,
	).Int64Slice()
	if err != nil {
		log.Warn().Err(err).Str("key", key).Msg("redis rate limit check failed")
		if r.cfg.FailOpen {
			return true
		}
		return false
	}
	return result[0] == 1
}

// allowLocal is the in-process fallback: one token bucket per key.
func (r *RateLimiter) allowLocal(key string) bool {
	r.mu.Lock()
	lim, ok := r.local[key]
	if !ok {
		lim = rate.NewLimiter(rate.Limit(r.cfg.DefaultRPS), int(r.cfg.DefaultBurst))
		r.local[key] = lim
	}
	r.mu.Unlock()
	return lim.Allow()
}

// Reset clears the limit state for a key.
func (r *RateLimiter) Reset(ctx context.Context, key string) error {
	if r.client != nil {
		return r.client.Del(ctx, r.cfg.KeyPrefix+key).Err()
	}
	r.mu.Lock()
	delete(r.local, key)
	r.mu.Unlock()
	return nil
}

// Close releases the Redis connection if one exists.
func (r *RateLimiter) Close() error {
	if r.client != nil {
		return r.client.Close()
	}
	return nil
}
