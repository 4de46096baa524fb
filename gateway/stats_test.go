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
	"strings"
	"testing"
	"time"

	"promptsentry/platform/shared/logger"
)

// =============================================================================
// Record Tests
// =============================================================================

func TestStatsRecorder_RecordIncrementsHourlyBucket(t *testing.T) {
	mr, client := newTestRedis(t)
	s := NewStatsRecorder(client, logger.New("test"))

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		s.Record(ctx, "acme", ActionAllow)
	}
	s.Record(ctx, "acme", ActionBlock)

	key := statsKey("acme", ActionAllow, time.Now())
	val, err := client.Get(ctx, key).Result()
	if err != nil {
		t.Fatalf("failed to read bucket %s: %v", key, err)
	}
	if val != "3" {
		t.Errorf("allow bucket = %s, want 3", val)
	}

	// Every bucket must carry a TTL so counters age out on their own.
	if ttl := mr.TTL(key); ttl != statsBucketTTL {
		t.Errorf("bucket TTL = %v, want %v", ttl, statsBucketTTL)
	}

	blockKey := statsKey("acme", ActionBlock, time.Now())
	val, err = client.Get(ctx, blockKey).Result()
	if err != nil {
		t.Fatalf("failed to read bucket %s: %v", blockKey, err)
	}
	if val != "1" {
		t.Errorf("block bucket = %s, want 1", val)
	}
}

func TestStatsRecorder_RecordSurvivesRedisOutage(t *testing.T) {
	mr, client := newTestRedis(t)
	s := NewStatsRecorder(client, logger.New("test"))

	mr.Close()

	// Counters are advisory; a dead Redis must not panic or block.
	s.Record(context.Background(), "acme", ActionAllow)
}

// =============================================================================
// Window Tests
// =============================================================================

func TestStatsRecorder_WindowSumsTrailingBuckets(t *testing.T) {
	_, client := newTestRedis(t)
	s := NewStatsRecorder(client, logger.New("test"))

	ctx := context.Background()
	now := time.Now()

	// Two allow buckets an hour apart plus one block bucket.
	if err := client.Set(ctx, statsKey("acme", ActionAllow, now), "7", 0).Err(); err != nil {
		t.Fatalf("seed failed: %v", err)
	}
	if err := client.Set(ctx, statsKey("acme", ActionAllow, now.Add(-time.Hour)), "5", 0).Err(); err != nil {
		t.Fatalf("seed failed: %v", err)
	}
	if err := client.Set(ctx, statsKey("acme", ActionBlock, now), "2", 0).Err(); err != nil {
		t.Fatalf("seed failed: %v", err)
	}
	// Another tenant's traffic must not leak into acme's window.
	if err := client.Set(ctx, statsKey("globex", ActionAllow, now), "100", 0).Err(); err != nil {
		t.Fatalf("seed failed: %v", err)
	}

	counts, err := s.Window(ctx, "acme", 24)
	if err != nil {
		t.Fatalf("Window() error = %v", err)
	}

	if counts["allow"] != 12 {
		t.Errorf("allow = %d, want 12", counts["allow"])
	}
	if counts["block"] != 2 {
		t.Errorf("block = %d, want 2", counts["block"])
	}
	if counts["redact"] != 0 {
		t.Errorf("redact = %d, want 0", counts["redact"])
	}

	// Every action appears in the result, even at zero.
	for _, action := range statsActions {
		if _, ok := counts[string(action)]; !ok {
			t.Errorf("missing action %s in window", action)
		}
	}
}

func TestStatsRecorder_WindowRespectsHourSpan(t *testing.T) {
	_, client := newTestRedis(t)
	s := NewStatsRecorder(client, logger.New("test"))

	ctx := context.Background()
	old := statsKey("acme", ActionAllow, time.Now().Add(-2*time.Hour))
	if err := client.Set(ctx, old, "5", 0).Err(); err != nil {
		t.Fatalf("seed failed: %v", err)
	}

	// A one-hour window excludes the two-hour-old bucket.
	counts, err := s.Window(ctx, "acme", 1)
	if err != nil {
		t.Fatalf("Window() error = %v", err)
	}
	if counts["allow"] != 0 {
		t.Errorf("allow = %d, want 0 within one hour", counts["allow"])
	}

	// A four-hour window picks it up.
	counts, err = s.Window(ctx, "acme", 4)
	if err != nil {
		t.Fatalf("Window() error = %v", err)
	}
	if counts["allow"] != 5 {
		t.Errorf("allow = %d, want 5 within four hours", counts["allow"])
	}
}

func TestStatsRecorder_WindowDefaultsTo24Hours(t *testing.T) {
	_, client := newTestRedis(t)
	s := NewStatsRecorder(client, logger.New("test"))

	ctx := context.Background()
	key := statsKey("acme", ActionRedact, time.Now().Add(-20*time.Hour))
	if err := client.Set(ctx, key, "9", 0).Err(); err != nil {
		t.Fatalf("seed failed: %v", err)
	}

	counts, err := s.Window(ctx, "acme", 0)
	if err != nil {
		t.Fatalf("Window() error = %v", err)
	}
	if counts["redact"] != 9 {
		t.Errorf("redact = %d, want 9 from the default 24h span", counts["redact"])
	}
}

func TestStatsRecorder_WindowSkipsCorruptBuckets(t *testing.T) {
	_, client := newTestRedis(t)
	s := NewStatsRecorder(client, logger.New("test"))

	ctx := context.Background()
	now := time.Now()
	if err := client.Set(ctx, statsKey("acme", ActionAllow, now), "not-a-number", 0).Err(); err != nil {
		t.Fatalf("seed failed: %v", err)
	}
	if err := client.Set(ctx, statsKey("acme", ActionAllow, now.Add(-time.Hour)), "4", 0).Err(); err != nil {
		t.Fatalf("seed failed: %v", err)
	}

	counts, err := s.Window(ctx, "acme", 24)
	if err != nil {
		t.Fatalf("Window() error = %v", err)
	}
	if counts["allow"] != 4 {
		t.Errorf("allow = %d, want 4 (corrupt bucket ignored)", counts["allow"])
	}
}

func TestStatsRecorder_WindowErrorWhenRedisDown(t *testing.T) {
	mr, client := newTestRedis(t)
	s := NewStatsRecorder(client, logger.New("test"))

	mr.Close()

	_, err := s.Window(context.Background(), "acme", 24)
	if err == nil {
		t.Fatal("expected error from dead Redis")
	}
	if !strings.Contains(err.Error(), "failed to read stats window") {
		t.Errorf("error = %q", err.Error())
	}
}
