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
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"

	"promptsentry/platform/shared/logger"
)

// statsBucketTTL keeps hourly counters slightly longer than the 24h query
// window so a bucket never expires mid-read.
const statsBucketTTL = 25 * time.Hour

var statsActions = []Action{
	ActionAllow,
	ActionLogOnly,
	ActionRequireApproval,
	ActionRedact,
	ActionBlock,
}

// StatsRecorder keeps rolling per-tenant decision counts in Redis hourly
// buckets. Counters are advisory: recording failures are logged and dropped,
// and readers fall back to the decision-log store when Redis is unreachable.
type StatsRecorder struct {
	client *redis.Client
	log    *logger.Logger
}

// NewStatsRecorder wraps an existing Redis client. The client is shared with
// the rate limiter; the recorder does not own its lifecycle.
func NewStatsRecorder(client *redis.Client, log *logger.Logger) *StatsRecorder {
	return &StatsRecorder{client: client, log: log}
}

func statsKey(tenant string, action Action, hour time.Time) string {
	return fmt.Sprintf("stats:%s:%s:%s", tenant, action, hour.UTC().Format("2006010215"))
}

// Record increments the tenant's counter for the current hour bucket.
// The increment and expiry ride one pipeline so every bucket carries a TTL.
func (s *StatsRecorder) Record(ctx context.Context, tenant string, action Action) {
	key := statsKey(tenant, action, time.Now())

	pipe := s.client.Pipeline()
	pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, statsBucketTTL)

	if _, err := pipe.Exec(ctx); err != nil {
		s.log.Warn(tenant, "", "Stats record failed", map[string]interface{}{
			"action": string(action),
			"error":  err.Error(),
		})
	}
}

// Window sums the per-action counters over the trailing hour buckets.
// An error here means Redis is unreachable; callers fall back to the store.
func (s *StatsRecorder) Window(ctx context.Context, tenant string, hours int) (map[string]int64, error) {
	if hours <= 0 {
		hours = 24
	}

	now := time.Now()
	counts := make(map[string]int64, len(statsActions))

	for _, action := range statsActions {
		keys := make([]string, 0, hours)
		for i := 0; i < hours; i++ {
			keys = append(keys, statsKey(tenant, action, now.Add(-time.Duration(i)*time.Hour)))
		}

		vals, err := s.client.MGet(ctx, keys...).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to read stats window: %w", err)
		}

		var total int64
		for _, v := range vals {
			str, ok := v.(string)
			if !ok {
				continue
			}
			if n, err := strconv.ParseInt(str, 10, 64); err == nil {
				total += n
			}
		}
		counts[string(action)] = total
	}

	return counts, nil
}
