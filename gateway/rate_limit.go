// Copyright 2025 PromptSentry
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package gateway

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"promptsentry/platform/shared/logger"
)

// RateLimiter enforces a per-tenant request budget with a Redis sliding
// window. Screening sits on the request path of someone else's application,
// so the limiter fails open: a Redis outage degrades to "no limit", never
// to blocked traffic.
type RateLimiter struct {
	client *redis.Client
	limit  int
	log    *logger.Logger
}

// NewRateLimiter connects to Redis and verifies the connection before
// returning. limitPerMinute applies uniformly to every tenant.
func NewRateLimiter(redisURL string, limitPerMinute int, log *logger.Logger) (*RateLimiter, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &RateLimiter{client: client, limit: limitPerMinute, log: log}, nil
}

// newRateLimiterWithClient wires an existing client; tests use it with miniredis.
func newRateLimiterWithClient(client *redis.Client, limitPerMinute int, log *logger.Logger) *RateLimiter {
	return &RateLimiter{client: client, limit: limitPerMinute, log: log}
}

// Allow counts the request against the tenant's one-minute sliding window.
// It returns an error only when the tenant is over its limit; Redis failures
// are logged and the request is allowed through.
func (r *RateLimiter) Allow(ctx context.Context, tenant string) error {
	now := time.Now()
	key := fmt.Sprintf("ratelimit:%s", tenant)

	pipe := r.client.Pipeline()

	// Drop timestamps that have aged out of the window.
	minScore := now.Add(-time.Minute).Unix()
	pipe.ZRemRangeByScore(ctx, key, "0", fmt.Sprintf("%d", minScore))

	// Count requests in the current window.
	pipe.ZCard(ctx, key)

	// Record this request.
	pipe.ZAdd(ctx, key, &redis.Z{
		Score:  float64(now.Unix()),
		Member: fmt.Sprintf("%d", now.UnixNano()),
	})

	// Expire idle keys so abandoned tenants do not accumulate.
	pipe.Expire(ctx, key, 2*time.Minute)

	cmds, err := pipe.Exec(ctx)
	if err != nil {
		r.log.Warn(tenant, "", "Rate limit check failed, failing open", map[string]interface{}{
			"error": err.Error(),
		})
		return nil
	}

	count := cmds[1].(*redis.IntCmd).Val()

	if count >= int64(r.limit) {
		return fmt.Errorf("rate limit exceeded: %d requests/minute (limit: %d)", count+1, r.limit)
	}

	return nil
}

// Status reports the tenant's current window count and when the window resets.
func (r *RateLimiter) Status(ctx context.Context, tenant string) (int, time.Time, error) {
	key := fmt.Sprintf("ratelimit:%s", tenant)
	now := time.Now()

	minScore := now.Add(-time.Minute).Unix()
	count, err := r.client.ZCount(ctx, key, fmt.Sprintf("%d", minScore), "+inf").Result()
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("failed to get rate limit status: %w", err)
	}

	resetTime := now.Truncate(time.Minute).Add(time.Minute)

	return int(count), resetTime, nil
}

// Flush removes all rate limit state for a tenant (admin operation).
func (r *RateLimiter) Flush(ctx context.Context, tenant string) error {
	key := fmt.Sprintf("ratelimit:%s", tenant)
	if err := r.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("failed to flush rate limit data: %w", err)
	}
	return nil
}

// Close releases the Redis connection.
func (r *RateLimiter) Close() error {
	if r.client != nil {
		return r.client.Close()
	}
	return nil
}
