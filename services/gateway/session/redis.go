// Copyright (C) 2025 Spectraflex, Inc.
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package session

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// windowScript arms the window TTL only on the increment that opens the
// window, so the window is fixed rather than sliding.
var windowScript = redis.NewScript(`
local n = redis.call('INCR', KEYS[1])
if n == 1 then redis.call('EXPIRE', KEYS[1], ARGV[1]) end
return n
`)

// budgetScript charges tokens against a lazily-initialized budget. The
// write is skipped entirely when the charge would go negative, so the
// stored value is monotonically non-increasing within a TTL epoch.
var budgetScript = redis.NewScript(`
local budget = tonumber(ARGV[1])
local used   = tonumber(ARGV[2])
local ttl    = tonumber(ARGV[3])
local remain = tonumber(redis.call('GET', KEYS[1]) or budget) - used
if remain < 0 then return -1 end
redis.call('SET', KEYS[1], remain, 'EX', ttl)
return remain
`)

// RedisStore implements Store on a Redis connection. Counter atomicity
// comes from server-side Lua; JSON state is plain SET/GET with TTLs.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore wraps an already-configured Redis client.
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

// GetJSON implements Store.
func (s *RedisStore) GetJSON(ctx context.Context, key string, dest any) (bool, error) {
	val, err := s.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("redis GET %s: %w", key, err)
	}
	if err := json.Unmarshal([]byte(val), dest); err != nil {
		return false, fmt.Errorf("decode stored value at %s: %w", key, err)
	}
	return true, nil
}

// SetJSON implements Store.
func (s *RedisStore) SetJSON(ctx context.Context, key string, val any, ttl time.Duration) error {
	raw, err := json.Marshal(val)
	if err != nil {
		return fmt.Errorf("encode value for %s: %w", key, err)
	}
	if err := s.client.Set(ctx, key, raw, ttl).Err(); err != nil {
		return fmt.Errorf("redis SET %s: %w", key, err)
	}
	return nil
}

// IncrWindow implements Store.
func (s *RedisStore) IncrWindow(ctx context.Context, key string, window time.Duration) (int64, error) {
	n, err := windowScript.Run(ctx, s.client, []string{key}, int(window.Seconds())).Int64()
	if err != nil {
		return 0, fmt.Errorf("redis window incr %s: %w", key, err)
	}
	return n, nil
}

// ConsumeTokens implements Store.
func (s *RedisStore) ConsumeTokens(ctx context.Context, key string, budget, used int, ttl time.Duration) (int, error) {
	remain, err := budgetScript.Run(ctx, s.client, []string{key},
		budget, used, int(ttl.Seconds())).Int()
	if err != nil {
		return 0, fmt.Errorf("redis budget consume %s: %w", key, err)
	}
	return remain, nil
}

// Ping implements Store.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close implements Store.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
